// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package mux implements a stanza multiplexer.
//
// A Mux routes decoded stanzas to handlers registered per stanza category
// with optional type and source-address filters, and routes IQ requests by
// type and payload name. It implements conduit.Handler and is the standard
// dispatch target for a conduit.Client.
package mux

import (
	"context"
	"encoding/xml"
	"errors"
	"sync"

	"github.com/rs/zerolog"
	"mellium.im/xmpp/stanza"

	"mellium.im/conduit"
)

// Errors returned by registration.
var (
	// ErrDuplicateHandler is returned when a handler is already registered
	// for the exact same filter.
	ErrDuplicateHandler = errors.New("mux: handler already registered for filter")

	// ErrNilHandler is returned when a nil handler is registered.
	ErrNilHandler = errors.New("mux: nil handler")
)

type msgKey struct {
	typ  string
	from string
}

type presKey struct {
	typ  string
	from string
}

type iqKey struct {
	typ     string
	payload xml.Name
}

// Mux routes inbound stanzas to registered handlers.
// At most one handler may be registered per exact filter; registering a
// second is a conflict, never a silent overwrite. Unmatched message and
// presence stanzas fall through to a wildcard handler (one registered with
// the zero filter) if present and are otherwise dropped with a diagnostic.
//
// The zero value is not usable; call New.
type Mux struct {
	mu   sync.RWMutex
	msg  map[msgKey]MessageHandler
	pres map[presKey]PresenceHandler
	iq   map[iqKey]IQHandler
	log  zerolog.Logger
}

// New allocates and returns a new Mux.
func New(opts ...Option) *Mux {
	m := &Mux{
		msg:  make(map[msgKey]MessageHandler),
		pres: make(map[presKey]PresenceHandler),
		iq:   make(map[iqKey]IQHandler),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// MessageFilter selects message stanzas by type and source address.
// From is the sender's bare address. A zero field matches anything; the
// zero filter is the wildcard.
type MessageFilter struct {
	Type stanza.MessageType
	From string
}

// PresenceFilter selects presence stanzas by type and source address.
// A zero field matches anything. Available presence has the empty type on
// the wire, so the zero filter doubles as both the available-presence
// catch-all and the wildcard slot.
type PresenceFilter struct {
	Type stanza.PresenceType
	From string
}

// IQFilter selects IQ requests by type and payload name.
// A zero payload name field matches any namespace or localname.
type IQFilter struct {
	Type    stanza.IQType
	Payload xml.Name
}

// RegisterMessage registers h for the exact filter f.
func (m *Mux) RegisterMessage(f MessageFilter, h MessageHandler) error {
	if h == nil {
		return ErrNilHandler
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := msgKey{typ: string(f.Type), from: f.From}
	if _, ok := m.msg[key]; ok {
		return ErrDuplicateHandler
	}
	m.msg[key] = h
	return nil
}

// UnregisterMessage removes the handler for the exact filter f.
// Unregistering a filter that was never registered is a no-op.
func (m *Mux) UnregisterMessage(f MessageFilter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.msg, msgKey{typ: string(f.Type), from: f.From})
}

// RegisterPresence registers h for the exact filter f.
func (m *Mux) RegisterPresence(f PresenceFilter, h PresenceHandler) error {
	if h == nil {
		return ErrNilHandler
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := presKey{typ: string(f.Type), from: f.From}
	if _, ok := m.pres[key]; ok {
		return ErrDuplicateHandler
	}
	m.pres[key] = h
	return nil
}

// UnregisterPresence removes the handler for the exact filter f.
func (m *Mux) UnregisterPresence(f PresenceFilter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pres, presKey{typ: string(f.Type), from: f.From})
}

// RegisterIQ registers h for the exact filter f.
func (m *Mux) RegisterIQ(f IQFilter, h IQHandler) error {
	if h == nil {
		return ErrNilHandler
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := iqKey{typ: string(f.Type), payload: f.Payload}
	if _, ok := m.iq[key]; ok {
		return ErrDuplicateHandler
	}
	m.iq[key] = h
	return nil
}

// UnregisterIQ removes the handler for the exact filter f.
func (m *Mux) UnregisterIQ(f IQFilter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.iq, iqKey{typ: string(f.Type), payload: f.Payload})
}

// HandleMessage dispatches msg to the handler whose filter most closely
// matches it. Precedence: exact type and source, type only, source only,
// wildcard.
func (m *Mux) HandleMessage(ctx context.Context, msg conduit.Message) {
	from := msg.From.Bare().String()
	m.mu.RLock()
	h, ok := lookup(m.msg, []msgKey{
		{typ: string(msg.Type), from: from},
		{typ: string(msg.Type)},
		{from: from},
		{},
	})
	m.mu.RUnlock()
	if !ok {
		m.log.Debug().Str("from", from).Str("type", string(msg.Type)).
			Msg("dropping unhandled message")
		return
	}
	h.HandleMessage(ctx, msg)
}

// HandlePresence dispatches p like HandleMessage does for messages.
func (m *Mux) HandlePresence(ctx context.Context, p conduit.Presence) {
	from := p.From.Bare().String()
	m.mu.RLock()
	h, ok := lookup(m.pres, []presKey{
		{typ: string(p.Type), from: from},
		{typ: string(p.Type)},
		{from: from},
		{},
	})
	m.mu.RUnlock()
	if !ok {
		m.log.Debug().Str("from", from).Str("type", string(p.Type)).
			Msg("dropping unhandled presence")
		return
	}
	h.HandlePresence(ctx, p)
}

// HandleIQ dispatches an IQ request to the handler registered for its type
// and payload name. Precedence: full payload name, wildcard localname,
// wildcard namespace, wildcard name.
// Requests no handler matches are answered with service-unavailable.
func (m *Mux) HandleIQ(ctx context.Context, iq conduit.IQ) (xml.TokenReader, error) {
	name := iq.PayloadName
	m.mu.RLock()
	h, ok := lookup(m.iq, []iqKey{
		{typ: string(iq.Type), payload: name},
		{typ: string(iq.Type), payload: xml.Name{Space: name.Space}},
		{typ: string(iq.Type), payload: xml.Name{Local: name.Local}},
		{typ: string(iq.Type)},
	})
	m.mu.RUnlock()
	if !ok {
		return nil, stanza.Error{Type: stanza.Cancel, Condition: stanza.ServiceUnavailable}
	}
	return h.HandleIQ(ctx, iq)
}

func lookup[K comparable, H any](handlers map[K]H, keys []K) (h H, ok bool) {
	for _, key := range keys {
		if h, ok = handlers[key]; ok {
			return h, true
		}
	}
	return h, false
}
