// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package conduit

import (
	"context"
	"encoding/xml"
	"time"

	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"
)

// Element is one decoded unit exchanged with a transport: a stanza, a
// stream management frame, or a marker for an element that could not be
// decoded.
// The payload carried by stanza elements is an opaque xml.TokenReader; the
// core forwards it without ever parsing or serializing XML itself.
type Element interface {
	element()
}

// Message pairs a message envelope with its opaque payload.
type Message struct {
	stanza.Message

	Payload xml.TokenReader
}

// Presence pairs a presence envelope with its opaque payload.
type Presence struct {
	stanza.Presence

	Payload xml.TokenReader
}

// IQ pairs an IQ envelope with its opaque payload.
// PayloadName is the XML name of the payload's root element and is provided
// by the codec so that dispatch does not need to consume the payload.
type IQ struct {
	stanza.IQ

	PayloadName xml.Name
	Payload     xml.TokenReader
}

// Ack reports how many stanzas the sending party has handled.
type Ack struct {
	Handled uint32
}

// AckRequest asks the peer to report its handled count.
type AckRequest struct{}

// Malformed marks an inbound element that the codec could frame but could
// not fully decode. It is still counted by the stream management ledger so
// that local accounting never falls out of sync with what the peer believes
// was delivered.
type Malformed struct {
	Name xml.Name
	Err  error
}

func (Message) element()    {}
func (Presence) element()   {}
func (IQ) element()         {}
func (Ack) element()        {}
func (AckRequest) element() {}
func (Malformed) element()  {}

// Resumption identifies a previous stream management session to resume.
type Resumption struct {
	// ID is the session identifier assigned by the peer when stream
	// management was enabled.
	ID string

	// Handled is the inbound stanza count at the time the stream was
	// suspended.
	Handled uint32
}

// StreamInfo describes the outcome of stream negotiation.
type StreamInfo struct {
	// SM reports whether stream management was negotiated.
	SM bool

	// ID is the stream management session identifier, used for later
	// resumption attempts.
	ID string

	// Resumed reports whether a previous session was resumed rather than a
	// fresh stream established.
	Resumed bool

	// PeerHandled is the peer's inbound stanza count, reported on
	// resumption. Everything below it is acknowledged.
	PeerHandled uint32

	// MaxResume is the window the peer keeps the session resumable after a
	// disconnect. Zero means the peer did not advertise one.
	MaxResume time.Duration
}

// Transport is the boundary to the XML framing layer.
//
// Implementations own tokenization and the mapping between wire elements
// and the typed Element values above. Errors returned from Negotiate, Send,
// and Recv should be classified with WithKind; unclassified errors from a
// running stream are treated as fatal by the lifecycle manager.
type Transport interface {
	// Negotiate performs the stream handshake, including any security
	// negotiation, and optionally attempts to resume the session described
	// by resume (nil requests a fresh stream).
	Negotiate(ctx context.Context, resume *Resumption) (StreamInfo, error)

	// Send writes one framed element.
	Send(ctx context.Context, el Element) error

	// Recv blocks until the next decoded element arrives or the stream
	// closes or fails.
	Recv(ctx context.Context) (Element, error)

	// Close tears down the underlying connection.
	Close() error
}

// Endpoint is one candidate address for establishing a transport.
type Endpoint struct {
	Network string
	Addr    string
}

// Resolver produces the ordered candidate endpoint list for an origin
// address. Discovery (DNS SRV lookups and the like) lives behind this
// boundary; the lifecycle manager only iterates the result.
type Resolver interface {
	Resolve(ctx context.Context, origin jid.JID) ([]Endpoint, error)
}

// Dialer establishes an un-negotiated transport to a single endpoint.
type Dialer func(ctx context.Context, ep Endpoint) (Transport, error)

// stanzaElement reports whether el is counted by stream management
// accounting. Malformed elements count: they occupied a slot in the peer's
// outbound sequence even though they could not be decoded.
func stanzaElement(el Element) bool {
	switch el.(type) {
	case Message, Presence, IQ, Malformed:
		return true
	}
	return false
}
