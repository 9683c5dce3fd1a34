// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package conduit

import (
	"context"
	"encoding/xml"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"mellium.im/conduit/internal/attr"
)

// pendingKey correlates an outbound IQ request with its reply.
// The destination is the bare JID string, or empty when the request was
// addressed to the local server.
type pendingKey struct {
	to string
	id string
}

type iqResult struct {
	iq  IQ
	err error
}

// Session drives a single negotiated transport: it drains inbound
// elements, feeds the stream management ledger, routes stanzas to its
// handler, and correlates IQ requests with replies.
//
// Sessions are created by a Client; one session exists per established
// stream and is discarded when the stream is destroyed or suspended.
type Session struct {
	t       Transport
	info    StreamInfo
	handler Handler
	ledger  *ledger
	grace   time.Duration
	log     zerolog.Logger

	// wmu serializes transport writes with sequence assignment so that
	// queue order always matches wire order.
	wmu sync.Mutex

	pmu     sync.Mutex
	pending map[pendingKey]chan iqResult

	msgQ  *fifo
	presQ *fifo
	tasks sync.WaitGroup

	ctx     context.Context
	cancel  context.CancelFunc
	closing chan struct{}

	closeOnce    sync.Once
	teardownOnce sync.Once
}

func newSession(t Transport, info StreamInfo, led *ledger, h Handler, cfg Config) *Session {
	s := &Session{
		t:       t,
		info:    info,
		handler: h,
		ledger:  led,
		grace:   cfg.TeardownGrace,
		log:     cfg.Logger.With().Str("component", "session").Logger(),
		pending: make(map[pendingKey]chan iqResult),
		msgQ:    newFIFO(),
		presQ:   newFIFO(),
		closing: make(chan struct{}),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// replay writes the unacknowledged queue back onto a freshly resumed
// transport in original sequence order, before any new outbound traffic.
// Replayed stanzas keep their tokens and wire ids.
func (s *Session) replay(ctx context.Context, toks []*Token) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	for _, tok := range toks {
		if err := s.t.Send(ctx, tok.payload); err != nil {
			return err
		}
	}
	if len(toks) > 0 {
		return s.t.Send(ctx, AckRequest{})
	}
	return nil
}

// Serve drains the transport until the stream dies.
// The returned error is the transport failure that ended the stream, or
// nil after a clean local close.
func (s *Session) Serve() error {
	s.tasks.Add(2)
	go s.drain(s.msgQ, func(el Element) {
		s.handler.HandleMessage(s.ctx, el.(Message))
	})
	go s.drain(s.presQ, func(el Element) {
		s.handler.HandlePresence(s.ctx, el.(Presence))
	})

	var err error
	for {
		var el Element
		el, err = s.t.Recv(s.ctx)
		if err != nil {
			select {
			case <-s.closing:
				// A read failure after a local close is the expected end of
				// the stream, not a stream failure.
				err = nil
			default:
			}
			break
		}
		s.route(el)
	}
	s.teardown()
	return err
}

// route applies ledger accounting and hands one inbound element to the
// right place. It runs only on the serve goroutine, which is what
// guarantees arrival-order processing.
func (s *Session) route(el Element) {
	if stanzaElement(el) {
		s.ledger.recv()
	}
	switch el := el.(type) {
	case Ack:
		if err := s.ledger.ack(el.Handled); err != nil {
			s.log.Warn().Err(err).Uint32("handled", el.Handled).
				Msg("inconsistent ack from peer")
		}
	case AckRequest:
		s.wmu.Lock()
		err := s.t.Send(s.ctx, Ack{Handled: s.ledger.handled()})
		s.wmu.Unlock()
		if err != nil {
			s.log.Debug().Err(err).Msg("answering ack request failed")
		}
	case Malformed:
		s.log.Warn().Err(el.Err).
			Str("name", el.Name.Local).
			Str("ns", el.Name.Space).
			Msg("dropping malformed stanza")
	case IQ:
		switch el.Type {
		case stanza.ResultIQ, stanza.ErrorIQ:
			s.resolvePending(el)
		default:
			s.tasks.Add(1)
			go s.serveIQ(el)
		}
	case Message:
		s.msgQ.push(el)
	case Presence:
		s.presQ.push(el)
	default:
		s.log.Debug().Msg("dropping element of unknown kind")
	}
}

func (s *Session) drain(q *fifo, handle func(Element)) {
	defer s.tasks.Done()
	for {
		el, ok := q.pop()
		if !ok {
			return
		}
		handle(el)
	}
}

// serveIQ runs a registered IQ handler to completion and sends back
// exactly one reply correlated to the request id.
func (s *Session) serveIQ(iq IQ) {
	defer s.tasks.Done()

	payload, err := s.handler.HandleIQ(s.ctx, iq)
	reply := IQ{
		IQ: stanza.IQ{
			ID:   iq.ID,
			To:   iq.From,
			From: iq.To,
			Type: stanza.ResultIQ,
		},
		Payload: payload,
	}
	if err != nil {
		var serr stanza.Error
		if !errors.As(err, &serr) {
			s.log.Error().Err(err).Str("id", iq.ID).
				Msg("IQ handler failed")
			serr = stanza.Error{Type: stanza.Cancel, Condition: stanza.UndefinedCondition}
		}
		reply.Type = stanza.ErrorIQ
		reply.PayloadName = xml.Name{Local: "error"}
		reply.Payload = serr.TokenReader()
	}
	if _, err := s.Send(s.ctx, reply); err != nil {
		s.log.Debug().Err(err).Str("id", iq.ID).Msg("sending IQ reply failed")
	}
}

// Send writes one stanza to the transport and returns its token.
//
// While stream management is active the stanza is assigned a sequence
// number and queued for acknowledgement before the write, and the token
// resolves when the peer acks it. Without stream management the token
// resolves as soon as the local write succeeds.
// A write failure under stream management leaves the stanza queued so that
// it can be replayed on resumption; the error is still returned.
func (s *Session) Send(ctx context.Context, el Element) (*Token, error) {
	if !stanzaElement(el) {
		return nil, errors.New("conduit: only stanzas may be sent through a session")
	}
	if _, ok := el.(Malformed); ok {
		return nil, errors.New("conduit: refusing to send a malformed element")
	}
	select {
	case <-s.ctx.Done():
		return nil, ErrSessionClosed
	default:
	}

	tok := newToken(el)
	s.wmu.Lock()
	defer s.wmu.Unlock()
	sm := s.ledger.active()
	if sm {
		s.ledger.send(tok)
	}
	if err := s.t.Send(ctx, el); err != nil {
		if !sm {
			tok.resolve(TokenDisconnected, WithKind(TransientConnectivity, err))
		}
		return tok, err
	}
	if sm {
		// Prompt the peer for an ack; failures here are harmless since the
		// next inbound ack covers the same range.
		if err := s.t.Send(ctx, AckRequest{}); err != nil {
			s.log.Debug().Err(err).Msg("ack request failed")
		}
	} else {
		tok.markSent()
		tok.resolve(TokenAcked, nil)
	}
	return tok, nil
}

// SendIQ sends an IQ stanza and, for get and set requests, blocks until
// the correlated reply arrives, the stream is destroyed, or ctx is done.
//
// An error reply resolves with an ApplicationReject kind error carrying the
// decoded stanza.Error; the reply itself is still returned. Result and
// error IQs are sent without awaiting a reply.
// SendIQ is safe for concurrent use by multiple goroutines.
func (s *Session) SendIQ(ctx context.Context, iq IQ) (IQ, error) {
	if iq.ID == "" {
		iq.ID = attr.RandomID()
	}
	if iq.Type != stanza.GetIQ && iq.Type != stanza.SetIQ {
		_, err := s.Send(ctx, iq)
		return IQ{}, err
	}

	key := pendingKey{to: bareString(iq.To), id: iq.ID}
	ch := make(chan iqResult, 1)
	s.pmu.Lock()
	if _, ok := s.pending[key]; ok {
		s.pmu.Unlock()
		return IQ{}, ErrDuplicateID
	}
	s.pending[key] = ch
	s.pmu.Unlock()

	if _, err := s.Send(ctx, iq); err != nil {
		s.removePending(key)
		return IQ{}, err
	}

	select {
	case <-ctx.Done():
		s.removePending(key)
		return IQ{}, WithKind(Cancelled, ctx.Err())
	case res := <-ch:
		if res.err != nil {
			return IQ{}, res.err
		}
		if res.iq.Type == stanza.ErrorIQ {
			return res.iq, WithKind(ApplicationReject, decodeStanzaError(res.iq.Payload))
		}
		return res.iq, nil
	}
}

// resolvePending matches an inbound result or error IQ against the pending
// request map. Replies from the local server may arrive with an empty or
// bare-JID from, so lookup falls back to the absent-destination key.
func (s *Session) resolvePending(iq IQ) {
	keys := []pendingKey{
		{to: bareString(iq.From), id: iq.ID},
		{to: "", id: iq.ID},
	}
	s.pmu.Lock()
	for _, key := range keys {
		if ch, ok := s.pending[key]; ok {
			delete(s.pending, key)
			s.pmu.Unlock()
			ch <- iqResult{iq: iq}
			return
		}
	}
	s.pmu.Unlock()
	s.log.Debug().Str("id", iq.ID).Str("from", iq.From.String()).
		Msg("dropping reply that matches no pending request")
}

func (s *Session) removePending(key pendingKey) {
	s.pmu.Lock()
	delete(s.pending, key)
	s.pmu.Unlock()
}

// Close ends the stream cleanly: while stream management is active a final
// ack is written first so the peer does not report spurious errors for
// stanzas that were actually delivered, then the transport is closed.
func (s *Session) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closing)
		if s.ledger.active() {
			s.wmu.Lock()
			if aerr := s.t.Send(ctx, Ack{Handled: s.ledger.handled()}); aerr != nil {
				s.log.Debug().Err(aerr).Msg("final ack failed")
			}
			s.wmu.Unlock()
		}
		err = s.t.Close()
	})
	return err
}

// teardown resolves every pending request with a disconnection error and
// cancels the in-flight handler tasks, waiting out the configured grace
// period. It never propagates handler failures to the caller.
func (s *Session) teardown() {
	s.teardownOnce.Do(func() {
		s.cancel()
		s.msgQ.close()
		s.presQ.close()

		s.pmu.Lock()
		for key, ch := range s.pending {
			delete(s.pending, key)
			ch <- iqResult{err: WithKind(TransientConnectivity, ErrDisconnected)}
		}
		s.pmu.Unlock()

		done := make(chan struct{})
		go func() {
			s.tasks.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(s.grace):
			s.log.Warn().Dur("grace", s.grace).
				Msg("handler tasks survived teardown grace period")
		}
	})
}

func bareString(j jid.JID) string {
	bare := j.Bare()
	if bare.Equal(jid.JID{}) {
		return ""
	}
	return bare.String()
}

// decodeStanzaError extracts the stanza error condition from an error IQ
// payload. The payload was already tokenized by the codec; if no condition
// can be recovered an undefined-condition error is substituted.
func decodeStanzaError(payload xml.TokenReader) error {
	if payload == nil {
		return stanza.Error{Condition: stanza.UndefinedCondition}
	}
	d := xml.NewTokenDecoder(payload)
	tok, err := d.Token()
	if err != nil {
		return stanza.Error{Condition: stanza.UndefinedCondition}
	}
	start, ok := tok.(xml.StartElement)
	if !ok {
		return stanza.Error{Condition: stanza.UndefinedCondition}
	}
	var serr stanza.Error
	if err := d.DecodeElement(&serr, &start); err != nil {
		return stanza.Error{Condition: stanza.UndefinedCondition}
	}
	return serr
}
