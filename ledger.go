// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package conduit

import (
	"fmt"
	"sync"
)

type queuedToken struct {
	seq uint32
	tok *Token
}

// ledger is the stream management accounting state: the outbound and
// inbound sequence counters and the queue of unacknowledged stanzas.
//
// All mutation happens under one mutex so that sequence assignment and
// queue order always agree. The queue is sorted by ascending sequence with
// no gaps, and out always equals the sequence of the most recently queued
// entry plus one.
// A ledger outlives any single session: it is owned by the Client and
// carried across reconnects so that resumption can replay the queue.
type ledger struct {
	mu      sync.Mutex
	enabled bool
	out     uint32
	in      uint32
	lastAck uint32
	queue   []queuedToken
}

// enable resets the counters and queue and turns accounting on.
// It is called when stream management is freshly negotiated, never on
// resumption.
func (l *ledger) enable() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = true
	l.out = 0
	l.in = 0
	l.lastAck = 0
	l.queue = nil
}

// active reports whether stream management accounting is on.
func (l *ledger) active() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

// send assigns the next outbound sequence number to tok, queues it, and
// marks it sent. The caller must also hold the session write lock so that
// assignment order matches transport write order.
func (l *ledger) send(tok *Token) uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	seq := l.out
	l.queue = append(l.queue, queuedToken{seq: seq, tok: tok})
	l.out++
	tok.markSent()
	return seq
}

// ack processes the peer reporting n stanzas handled: every queued entry
// with a sequence below n is acknowledged and dequeued.
// A count at or below a previously seen one is ignored, which makes
// duplicate and out of order ack frames harmless.
// A count exceeding the number of stanzas ever sent returns
// ErrAckOverflow; local state is not corrupted and the excess is ignored.
func (l *ledger) ack(n uint32) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.enabled || n <= l.lastAck {
		return nil
	}
	var err error
	if n > l.out {
		err = fmt.Errorf("%w: ack %d, sent %d", ErrAckOverflow, n, l.out)
		n = l.out
	}
	i := 0
	for ; i < len(l.queue) && l.queue[i].seq < n; i++ {
		l.queue[i].tok.resolve(TokenAcked, nil)
	}
	l.queue = l.queue[i:]
	l.lastAck = n
	return WithKind(ProtocolViolation, err)
}

// recv counts one successfully framed inbound stanza and returns the new
// inbound count.
func (l *ledger) recv() uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.enabled {
		l.in++
	}
	return l.in
}

// handled returns the inbound stanza count.
func (l *ledger) handled() uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.in
}

// resume first applies the peer's reported count, then returns the tokens
// that remain queued, in original sequence order, so that the session can
// replay them before any new outbound traffic.
// The returned error, if any, is the overflow warning from ack.
func (l *ledger) resume(peerHandled uint32) ([]*Token, error) {
	err := l.ack(peerHandled)
	l.mu.Lock()
	defer l.mu.Unlock()
	replay := make([]*Token, 0, len(l.queue))
	for _, q := range l.queue {
		replay = append(replay, q.tok)
	}
	return replay, err
}

// fail transitions every queued token to TokenDisconnected, clears the
// queue, and disables accounting. It is called when resumption fails or is
// not attempted; callers awaiting those tokens must treat the outcome as
// unknown delivery, not failure.
func (l *ledger) fail() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, q := range l.queue {
		q.tok.resolve(TokenDisconnected, WithKind(TransientConnectivity, ErrDisconnected))
	}
	l.queue = nil
	l.enabled = false
}

// counters returns the outbound and inbound sequence counters.
func (l *ledger) counters() (out, in uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.out, l.in
}

// queued returns the number of unacknowledged stanzas.
func (l *ledger) queued() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}
