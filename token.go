// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package conduit

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// TokenState is the lifecycle state of an outbound stanza.
type TokenState uint8

const (
	// TokenActive is the initial state: the stanza has been accepted for
	// sending but not yet written to the transport.
	TokenActive TokenState = iota

	// TokenSent means the stanza has been written to the transport but not
	// yet acknowledged. It is only observed while stream management is
	// active; without it a stanza moves directly to TokenAcked on local
	// write success.
	TokenSent

	// TokenAcked is the terminal success state.
	TokenAcked

	// TokenDisconnected is terminal and means the delivery outcome is
	// unknown: the stream was lost and the stanza could not be replayed.
	// It is neither a success nor a failure.
	TokenDisconnected

	// TokenAborted is terminal and means the caller withdrew the stanza
	// before it was written.
	TokenAborted
)

// String satisfies fmt.Stringer for TokenState.
func (s TokenState) String() string {
	switch s {
	case TokenActive:
		return "active"
	case TokenSent:
		return "sent"
	case TokenAcked:
		return "acked"
	case TokenDisconnected:
		return "disconnected"
	case TokenAborted:
		return "aborted"
	}
	return "invalid"
}

// terminal reports whether no further transition is permitted out of s.
func (s TokenState) terminal() bool {
	return s == TokenAcked || s == TokenDisconnected || s == TokenAborted
}

// Token identifies one outbound stanza and tracks its delivery state.
//
// Tokens are created by Session.Send. Only the session and its ledger
// mutate a token; any number of callers may read it or wait on it
// concurrently. State transitions are monotonic and the completion channel
// resolves exactly once, when a terminal state is reached.
type Token struct {
	id string

	mu      sync.Mutex
	state   TokenState
	err     error
	done    chan struct{}
	payload Element
}

func newToken(payload Element) *Token {
	return &Token{
		id:      uuid.NewString(),
		done:    make(chan struct{}),
		payload: payload,
	}
}

// ID returns the unique identifier of the token.
// It identifies the token itself, not the stanza's wire id.
func (t *Token) ID() string {
	return t.id
}

// State returns the current state of the token.
func (t *Token) State() TokenState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Err returns the error that drove the token into a failure state, or nil.
func (t *Token) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Done returns a channel that is closed once the token reaches a terminal
// state.
func (t *Token) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the token reaches a terminal state or ctx is done.
// On completion it returns the terminal state and, for failure states, the
// error that caused it.
func (t *Token) Wait(ctx context.Context) (TokenState, error) {
	select {
	case <-ctx.Done():
		return t.State(), WithKind(Cancelled, ctx.Err())
	case <-t.done:
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state, t.err
}

// Abort withdraws a stanza that has not yet been written to the transport.
// It reports whether the token was aborted; once a stanza has been written
// Abort has no effect and returns false.
func (t *Token) Abort() bool {
	return t.resolve(TokenAborted, WithKind(Cancelled, ErrAborted)) != nil
}

// markSent transitions an active token to TokenSent.
func (t *Token) markSent() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == TokenActive {
		t.state = TokenSent
	}
}

// resolve drives the token into the terminal state s carrying err.
// It returns the token if the transition happened and nil if the token was
// already terminal or, for TokenAborted, already written.
func (t *Token) resolve(s TokenState, err error) *Token {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.terminal() {
		return nil
	}
	if s == TokenAborted && t.state != TokenActive {
		return nil
	}
	t.state = s
	if s != TokenAcked {
		t.err = err
	}
	close(t.done)
	return t
}
