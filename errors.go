// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package conduit

import (
	"context"
	"errors"
	"fmt"
)

// Kind is a closed classification of errors crossing the transport and
// session boundaries.
// The lifecycle manager switches on kinds, never on concrete error types, so
// transports and negotiators are expected to wrap the errors they return
// with WithKind.
type Kind uint8

const (
	// KindUnknown marks errors that carry no classification.
	// The lifecycle manager treats unclassified session failures as fatal
	// since they usually indicate a logic or configuration defect rather
	// than a network condition.
	KindUnknown Kind = iota

	// TransientConnectivity marks ordinary transport level failures that are
	// eligible for retry.
	TransientConnectivity

	// CriticalSecurity marks security negotiation failures such as a hard
	// TLS error. They are never retried and are surfaced to the caller
	// verbatim.
	CriticalSecurity

	// ProtocolViolation marks inconsistent accounting or framing from the
	// peer. The stream is torn down but the process is not crashed.
	ProtocolViolation

	// ApplicationReject marks an IQ level error reply. It is scoped to the
	// caller awaiting that specific request.
	ApplicationReject

	// Cancelled marks caller initiated aborts.
	Cancelled
)

// String satisfies fmt.Stringer for Kind.
func (k Kind) String() string {
	switch k {
	case TransientConnectivity:
		return "transient-connectivity"
	case CriticalSecurity:
		return "critical-security"
	case ProtocolViolation:
		return "protocol-violation"
	case ApplicationReject:
		return "application-reject"
	case Cancelled:
		return "cancelled"
	}
	return "unknown"
}

// Error associates a Kind with an underlying error.
type Error struct {
	Kind Kind
	Err  error
}

// Error satisfies the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

// Unwrap supports errors.Is and errors.As matching on the wrapped error.
func (e *Error) Unwrap() error {
	return e.Err
}

// WithKind wraps err with the provided classification.
// Wrapping a nil error returns nil.
func WithKind(k Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: k, Err: err}
}

// KindOf reports the classification of err.
// Context cancellation and deadline errors always classify as Cancelled,
// even when unwrapped.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Cancelled
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Errors returned by the conduit package.
var (
	// ErrDisconnected resolves sends and pending IQ requests whose delivery
	// outcome became unknown when the stream was destroyed.
	ErrDisconnected = errors.New("conduit: stream destroyed before delivery was confirmed")

	// ErrAckOverflow reports a peer acknowledging more stanzas than were
	// ever sent. Local accounting is left untouched.
	ErrAckOverflow = errors.New("conduit: peer acknowledged more stanzas than were sent")

	// ErrNotConnected is returned by send operations when no stream is
	// established.
	ErrNotConnected = errors.New("conduit: not connected")

	// ErrSessionClosed is returned when an operation is attempted on a
	// session that has been torn down.
	ErrSessionClosed = errors.New("conduit: session closed")

	// ErrAllCandidatesFailed aggregates a fully failed pass over every
	// candidate endpoint. It never masks a critical security failure, which
	// is surfaced verbatim instead.
	ErrAllCandidatesFailed = errors.New("conduit: all candidate endpoints failed")

	// ErrClientDestroyed is returned when the lifecycle manager has been
	// permanently shut down.
	ErrClientDestroyed = errors.New("conduit: client destroyed")

	// ErrDuplicateID is returned when an IQ request reuses the id of a
	// request that is still awaiting a reply from the same destination.
	ErrDuplicateID = errors.New("conduit: request id already awaiting a reply")

	// ErrAborted resolves tokens withdrawn by their caller before the
	// stanza was written.
	ErrAborted = errors.New("conduit: send aborted by caller")
)
