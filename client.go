// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package conduit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// State is the lifecycle state of a Client.
type State uint8

const (
	// Idle means no connection has been requested.
	Idle State = iota

	// Connecting means a connect attempt is iterating candidate endpoints.
	Connecting

	// Established means a negotiated stream is ready for stanzas.
	Established

	// Suspended means the transport was lost and resumption is pending.
	Suspended

	// Resuming means a reconnect attempt is in flight for a suspended
	// session.
	Resuming

	// Destroyed is terminal: the lifecycle halted, either on request or on
	// a fatal error.
	Destroyed
)

// String satisfies fmt.Stringer for State.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Established:
		return "established"
	case Suspended:
		return "suspended"
	case Resuming:
		return "resuming"
	case Destroyed:
		return "destroyed"
	}
	return "invalid"
}

// Client is the connection lifecycle manager.
//
// It sequences connect attempts over candidate endpoints with bounded,
// jittered backoff, classifies failures as retryable or fatal, decides
// between stream management resumption and a fresh stream after a drop,
// and owns the session and ledger for the life of the logical connection.
type Client struct {
	cfg     Config
	handler Handler
	events  *Events
	log     zerolog.Logger

	mu          sync.Mutex
	state       State
	session     *Session
	resolver    Resolver
	smID        string
	smWindow    time.Duration
	suspendedAt time.Time

	ledger *ledger

	// ctx governs the whole lifecycle; cancelling it interrupts any
	// in-progress backoff sleep immediately.
	ctx    context.Context
	cancel context.CancelFunc
}

// New returns an unconnected Client that dispatches inbound stanzas to h.
func New(cfg Config, h Handler) *Client {
	cfg = cfg.withDefaults()
	c := &Client{
		cfg:      cfg,
		handler:  h,
		events:   newEvents(),
		log:      cfg.Logger.With().Str("component", "client").Logger(),
		resolver: cfg.Resolver,
		ledger:   &ledger{},
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c
}

// Events returns the lifecycle hooks of the client.
func (c *Client) Events() *Events {
	return c.events
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetResolver swaps the candidate endpoint resolver used by future connect
// attempts, for instance after repeated resolution timeouts.
func (c *Client) SetResolver(r Resolver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resolver = r
}

func (c *Client) getResolver() Resolver {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resolver
}

// Connect establishes a fresh stream.
// It returns once the stream is ready or the attempt is exhausted. A
// critical security failure on the final candidate is returned verbatim;
// an exhausted attempt returns an error wrapping ErrAllCandidatesFailed.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case Destroyed:
		c.mu.Unlock()
		return ErrClientDestroyed
	case Idle:
	default:
		c.mu.Unlock()
		return fmt.Errorf("conduit: connect from state %q", c.state)
	}
	c.state = Connecting
	c.mu.Unlock()

	t, info, err := c.establish(ctx, nil)
	if err != nil {
		c.mu.Lock()
		if c.state == Connecting {
			c.state = Idle
		}
		c.mu.Unlock()
		return err
	}
	c.startSession(t, info)
	return nil
}

// establish runs bounded passes over the candidate list until a transport
// negotiates successfully.
//
// Per-candidate failures are classified by kind: transient failures move
// on to the next candidate, a cancellation aborts immediately, and a
// critical security failure that is the last candidate's failure mode ends
// the attempt and is surfaced as-is so that configuration errors are not
// masked by transport noise.
func (c *Client) establish(ctx context.Context, resume *Resumption) (Transport, StreamInfo, error) {
	ctx, stop := c.join(ctx)
	defer stop()

	bo := newBackoff(c.cfg.BackoffFloor, c.cfg.BackoffCeil)
	var lastErr error
	for pass := 0; pass < c.cfg.MaxPasses; pass++ {
		if pass > 0 {
			if err := sleep(ctx, bo.next()); err != nil {
				return nil, StreamInfo{}, err
			}
		}

		eps, err := c.getResolver().Resolve(ctx, c.cfg.Origin)
		if err != nil {
			if KindOf(err) == Cancelled {
				return nil, StreamInfo{}, err
			}
			lastErr = err
			continue
		}
		for _, ep := range eps {
			t, info, err := c.tryEndpoint(ctx, ep, resume)
			if err == nil {
				return t, info, nil
			}
			c.log.Debug().Err(err).Str("endpoint", ep.Addr).
				Stringer("kind", KindOf(err)).
				Msg("candidate failed")
			if KindOf(err) == Cancelled {
				return nil, StreamInfo{}, err
			}
			lastErr = err
		}
		// A critical failure as the last candidate's failure mode is never
		// retried.
		if KindOf(lastErr) == CriticalSecurity {
			return nil, StreamInfo{}, lastErr
		}
	}
	return nil, StreamInfo{}, WithKind(TransientConnectivity,
		fmt.Errorf("%w after %d passes: %v", ErrAllCandidatesFailed, c.cfg.MaxPasses, lastErr))
}

func (c *Client) tryEndpoint(ctx context.Context, ep Endpoint, resume *Resumption) (Transport, StreamInfo, error) {
	t, err := c.cfg.Dial(ctx, ep)
	if err != nil {
		return nil, StreamInfo{}, err
	}
	info, err := t.Negotiate(ctx, resume)
	if err != nil {
		_ = t.Close()
		return nil, StreamInfo{}, err
	}
	return t, info, nil
}

// startSession wires a negotiated transport into a new session, replaying
// the unacknowledged queue first when the previous session was resumed.
func (c *Client) startSession(t Transport, info StreamInfo) {
	s := newSession(t, info, c.ledger, c.handler, c.cfg)

	resumed := info.SM && info.Resumed
	if resumed {
		replay, err := c.ledger.resume(info.PeerHandled)
		if err != nil {
			c.log.Warn().Err(err).Msg("inconsistent resumption ack from peer")
		}
		if err := s.replay(c.ctx, replay); err != nil {
			c.log.Debug().Err(err).Msg("replay failed, stream will be suspended again")
		}
	} else if info.SM {
		c.ledger.enable()
	}

	c.mu.Lock()
	c.session = s
	c.state = Established
	if info.SM {
		c.smID = info.ID
		c.smWindow = info.MaxResume
	} else {
		c.smID = ""
		c.smWindow = 0
	}
	c.mu.Unlock()

	if resumed {
		c.events.resumed()
	} else {
		c.events.established()
	}
	go c.monitor(s)
}

// monitor waits for the session to end and decides what happens next:
// transient transport failures suspend the stream and trigger reconnect,
// anything else halts the lifecycle.
func (c *Client) monitor(s *Session) {
	err := s.Serve()

	if c.ctx.Err() != nil {
		// Close already drove the shutdown.
		return
	}
	if err == nil {
		// Clean remote close.
		c.destroy(nil)
		return
	}
	if KindOf(err) != TransientConnectivity {
		// A non-transport failure surfacing from the stream usually means a
		// logic or configuration defect; halt instead of retrying.
		c.log.Error().Err(err).Stringer("kind", KindOf(err)).
			Msg("stream failed fatally")
		c.destroy(err)
		return
	}

	c.mu.Lock()
	c.session = nil
	c.state = Suspended
	c.suspendedAt = time.Now()
	c.mu.Unlock()
	c.events.suspended(err)

	c.reconnect()
}

// reconnect attempts stream management resumption when eligible and falls
// back to the fresh connection procedure otherwise.
func (c *Client) reconnect() {
	c.mu.Lock()
	var resume *Resumption
	if c.smID != "" && c.ledger.active() && c.withinWindow() {
		resume = &Resumption{ID: c.smID, Handled: c.ledger.handled()}
	}
	c.state = Resuming
	c.mu.Unlock()

	if resume == nil {
		// Unknown delivery outcome for everything still queued.
		c.ledger.fail()
	}

	t, info, err := c.establish(c.ctx, resume)
	if err != nil {
		if KindOf(err) == Cancelled && c.ctx.Err() != nil {
			return
		}
		c.ledger.fail()
		c.destroy(err)
		return
	}
	if resume != nil && !info.Resumed {
		// The peer let the resumption window lapse; callers must treat the
		// queued stanzas as unknown-outcome.
		c.ledger.fail()
	}
	c.startSession(t, info)
}

// withinWindow reports whether the peer's resumption window has not yet
// lapsed. A zero window means the peer did not advertise one, in which
// case resumption is still attempted.
func (c *Client) withinWindow() bool {
	if c.smWindow == 0 {
		return true
	}
	return time.Since(c.suspendedAt) < c.smWindow
}

func (c *Client) destroy(err error) {
	c.mu.Lock()
	if c.state == Destroyed {
		c.mu.Unlock()
		return
	}
	c.state = Destroyed
	c.session = nil
	c.mu.Unlock()
	c.cancel()
	// Nothing queued may outlive the lifecycle; callers see an unknown
	// delivery outcome, never a hang.
	c.ledger.fail()
	c.events.destroyed(err)
}

// Close halts the lifecycle: any in-progress backoff sleep is interrupted
// immediately, the stream is closed cleanly (sending a final ack when
// stream management is active), and every queued token resolves with an
// unknown delivery outcome.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.state == Destroyed {
		c.mu.Unlock()
		return nil
	}
	s := c.session
	c.mu.Unlock()

	c.cancel()
	var err error
	if s != nil {
		err = s.Close(ctx)
	}
	c.ledger.fail()
	c.destroy(nil)
	return err
}

// Send enqueues one stanza on the established stream and returns its
// token.
func (c *Client) Send(ctx context.Context, el Element) (*Token, error) {
	s, err := c.established()
	if err != nil {
		return nil, err
	}
	return s.Send(ctx, el)
}

// SendIQ sends an IQ request on the established stream and awaits the
// correlated reply. See Session.SendIQ.
func (c *Client) SendIQ(ctx context.Context, iq IQ) (IQ, error) {
	s, err := c.established()
	if err != nil {
		return IQ{}, err
	}
	return s.SendIQ(ctx, iq)
}

func (c *Client) established() (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Established || c.session == nil {
		return nil, WithKind(TransientConnectivity, ErrNotConnected)
	}
	return c.session, nil
}

// join derives a context cancelled by either the caller's ctx or the
// client lifecycle.
func (c *Client) join(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := make(chan struct{})
	go func() {
		select {
		case <-c.ctx.Done():
			cancel()
		case <-ctx.Done():
		case <-stop:
		}
	}()
	return ctx, func() {
		close(stop)
		cancel()
	}
}
