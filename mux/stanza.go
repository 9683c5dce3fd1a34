// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package mux

import (
	"context"
	"encoding/xml"

	"mellium.im/conduit"
)

// MessageHandler responds to message stanzas.
type MessageHandler interface {
	HandleMessage(ctx context.Context, msg conduit.Message)
}

// The MessageHandlerFunc type is an adapter to allow the use of ordinary
// functions as message handlers.
// If f is a function with the appropriate signature, MessageHandlerFunc(f)
// is a MessageHandler that calls f.
type MessageHandlerFunc func(ctx context.Context, msg conduit.Message)

// HandleMessage calls f(ctx, msg).
func (f MessageHandlerFunc) HandleMessage(ctx context.Context, msg conduit.Message) {
	f(ctx, msg)
}

// PresenceHandler responds to presence stanzas.
type PresenceHandler interface {
	HandlePresence(ctx context.Context, p conduit.Presence)
}

// The PresenceHandlerFunc type is an adapter to allow the use of ordinary
// functions as presence handlers.
// If f is a function with the appropriate signature, PresenceHandlerFunc(f)
// is a PresenceHandler that calls f.
type PresenceHandlerFunc func(ctx context.Context, p conduit.Presence)

// HandlePresence calls f(ctx, p).
func (f PresenceHandlerFunc) HandlePresence(ctx context.Context, p conduit.Presence) {
	f(ctx, p)
}

// IQHandler responds to an IQ request.
// It must run to completion and produce exactly one reply: the returned
// payload becomes a result IQ, a returned stanza.Error becomes an error
// IQ.
type IQHandler interface {
	HandleIQ(ctx context.Context, iq conduit.IQ) (xml.TokenReader, error)
}

// The IQHandlerFunc type is an adapter to allow the use of ordinary
// functions as IQ handlers.
// If f is a function with the appropriate signature, IQHandlerFunc(f) is an
// IQHandler that calls f.
type IQHandlerFunc func(ctx context.Context, iq conduit.IQ) (xml.TokenReader, error)

// HandleIQ calls f(ctx, iq).
func (f IQHandlerFunc) HandleIQ(ctx context.Context, iq conduit.IQ) (xml.TokenReader, error) {
	return f(ctx, iq)
}
