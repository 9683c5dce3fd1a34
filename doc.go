// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package conduit implements the reliable delivery and connection lifecycle
// core of an XMPP client.
//
// The package sits between a transport that produces and consumes decoded
// stanzas (see Transport) and the protocol extension services that ride on
// top of it (see the service package).
// It keeps an always consistent view of which outbound stanzas have been
// written, which have been acknowledged by the peer, and which must be
// replayed after a reconnect, and it routes inbound stanzas to registered
// handlers while correlating IQ requests with their replies.
//
// A Client owns the connection lifecycle: it iterates candidate endpoints,
// backs off between connection passes, classifies failures as retryable or
// fatal, and attempts stream management resumption when a connection drops.
// Each established connection is driven by a Session, which drains the
// transport, feeds the stream management ledger, and dispatches to a
// Handler (usually a mux.Mux).
package conduit // import "mellium.im/conduit"
