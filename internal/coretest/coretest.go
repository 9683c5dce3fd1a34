// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package coretest provides scripted in-memory transports for testing the
// conduit core without a network or an XML codec.
package coretest

import (
	"context"
	"errors"
	"sync"

	"mellium.im/xmpp/jid"

	"mellium.im/conduit"
)

// ErrStreamClosed is the transient error a closed Transport reports from
// Recv.
var ErrStreamClosed = errors.New("coretest: stream closed")

// Transport is an in-memory conduit.Transport fed by a test script.
// Elements passed to Inject are returned from Recv in order; everything
// written with Send is recorded and can be inspected with Sent.
type Transport struct {
	// Info is returned from Negotiate.
	Info conduit.StreamInfo

	// NegotiateErr, when set, fails negotiation.
	NegotiateErr error

	// SendErr, when set, fails every write.
	SendErr error

	mu        sync.Mutex
	sent      []conduit.Element
	resumed   *conduit.Resumption
	inbound   chan conduit.Element
	closed    chan struct{}
	closeOnce sync.Once
	failErr   error
}

// NewTransport returns a Transport whose negotiation yields info.
func NewTransport(info conduit.StreamInfo) *Transport {
	return &Transport{
		Info:    info,
		inbound: make(chan conduit.Element, 64),
		closed:  make(chan struct{}),
	}
}

// Negotiate records the resumption request and returns the scripted
// stream info.
func (t *Transport) Negotiate(ctx context.Context, resume *conduit.Resumption) (conduit.StreamInfo, error) {
	t.mu.Lock()
	t.resumed = resume
	t.mu.Unlock()
	if t.NegotiateErr != nil {
		return conduit.StreamInfo{}, t.NegotiateErr
	}
	return t.Info, nil
}

// Send records el.
func (t *Transport) Send(ctx context.Context, el conduit.Element) error {
	if t.SendErr != nil {
		return t.SendErr
	}
	select {
	case <-t.closed:
		return conduit.WithKind(conduit.TransientConnectivity, ErrStreamClosed)
	default:
	}
	t.mu.Lock()
	t.sent = append(t.sent, el)
	t.mu.Unlock()
	return nil
}

// Recv returns the next injected element, blocking until one arrives, the
// transport closes, or ctx is done.
func (t *Transport) Recv(ctx context.Context) (conduit.Element, error) {
	select {
	case el := <-t.inbound:
		return el, nil
	default:
	}
	select {
	case el := <-t.inbound:
		return el, nil
	case <-t.closed:
		t.mu.Lock()
		err := t.failErr
		t.mu.Unlock()
		if err == nil {
			err = conduit.WithKind(conduit.TransientConnectivity, ErrStreamClosed)
		}
		return nil, err
	case <-ctx.Done():
		return nil, conduit.WithKind(conduit.Cancelled, ctx.Err())
	}
}

// Close unblocks Recv with a transient stream-closed error.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

// Fail unblocks Recv with err, simulating a stream failure.
func (t *Transport) Fail(err error) {
	t.mu.Lock()
	t.failErr = err
	t.mu.Unlock()
	t.Close()
}

// Inject queues el for Recv.
func (t *Transport) Inject(el conduit.Element) {
	t.inbound <- el
}

// Sent returns a snapshot of everything written to the transport.
func (t *Transport) Sent() []conduit.Element {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]conduit.Element, len(t.sent))
	copy(out, t.sent)
	return out
}

// SentStanzas returns the sent elements with ack frames filtered out.
func (t *Transport) SentStanzas() []conduit.Element {
	var out []conduit.Element
	for _, el := range t.Sent() {
		switch el.(type) {
		case conduit.Ack, conduit.AckRequest:
		default:
			out = append(out, el)
		}
	}
	return out
}

// Resumed returns the resumption request recorded by Negotiate.
func (t *Transport) Resumed() *conduit.Resumption {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resumed
}

// Resolver is a conduit.Resolver returning a fixed endpoint list.
type Resolver struct {
	Endpoints []conduit.Endpoint
	Err       error
}

// Resolve returns the fixed endpoints.
func (r Resolver) Resolve(_ context.Context, _ jid.JID) ([]conduit.Endpoint, error) {
	return r.Endpoints, r.Err
}

// Script maps endpoint addresses to the transports (or dial errors) a
// scripted dialer hands out. Each entry is consumed in order, so one
// address may yield different outcomes on successive dials.
type Script struct {
	mu    sync.Mutex
	steps map[string][]DialStep
}

// DialStep is one scripted dial outcome.
type DialStep struct {
	Transport *Transport
	Err       error
}

// NewScript returns an empty dial script.
func NewScript() *Script {
	return &Script{steps: make(map[string][]DialStep)}
}

// Add appends a dial outcome for addr.
func (s *Script) Add(addr string, step DialStep) *Script {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps[addr] = append(s.steps[addr], step)
	return s
}

// Dialer returns a conduit.Dialer that plays back the script.
// Dialing an address with no remaining steps replays its last step, or
// fails with a transient error if it never had one.
func (s *Script) Dialer() conduit.Dialer {
	return func(_ context.Context, ep conduit.Endpoint) (conduit.Transport, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		steps := s.steps[ep.Addr]
		if len(steps) == 0 {
			return nil, conduit.WithKind(conduit.TransientConnectivity,
				errors.New("coretest: no scripted dial for "+ep.Addr))
		}
		step := steps[0]
		if len(steps) > 1 {
			s.steps[ep.Addr] = steps[1:]
		}
		if step.Err != nil {
			return nil, step.Err
		}
		return step.Transport, nil
	}
}
