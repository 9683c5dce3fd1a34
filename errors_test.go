// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package conduit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
)

var kindOfTestCases = [...]struct {
	err  error
	want Kind
}{
	0: {err: nil, want: KindUnknown},
	1: {err: io.EOF, want: KindUnknown},
	2: {err: WithKind(TransientConnectivity, io.EOF), want: TransientConnectivity},
	3: {err: WithKind(CriticalSecurity, errors.New("tls: handshake failure")), want: CriticalSecurity},
	4: {err: fmt.Errorf("dial: %w", WithKind(TransientConnectivity, io.EOF)), want: TransientConnectivity},
	5: {err: context.Canceled, want: Cancelled},
	6: {err: context.DeadlineExceeded, want: Cancelled},
	7: {err: fmt.Errorf("read: %w", context.Canceled), want: Cancelled},
	// Context errors classify as Cancelled even under a different kind.
	8: {err: WithKind(TransientConnectivity, context.Canceled), want: Cancelled},
}

func TestKindOf(t *testing.T) {
	for i, tc := range kindOfTestCases {
		t.Run(fmt.Sprintf("%d", i), func(t *testing.T) {
			if got := KindOf(tc.err); got != tc.want {
				t.Errorf("wrong kind: want=%v, got=%v", tc.want, got)
			}
		})
	}
}

func TestWithKindNil(t *testing.T) {
	if err := WithKind(ProtocolViolation, nil); err != nil {
		t.Errorf("wrapping nil produced an error: %v", err)
	}
}

func TestErrorUnwrap(t *testing.T) {
	err := WithKind(ApplicationReject, ErrDuplicateID)
	if !errors.Is(err, ErrDuplicateID) {
		t.Error("wrapped sentinel not matched by errors.Is")
	}
	if s := err.Error(); s == "" || s == ErrDuplicateID.Error() {
		t.Errorf("kind missing from message: %q", s)
	}
}

func TestKindString(t *testing.T) {
	seen := make(map[string]Kind)
	for k := KindUnknown; k <= Cancelled; k++ {
		s := k.String()
		if prev, ok := seen[s]; ok {
			t.Errorf("kinds %v and %v share the string %q", prev, k, s)
		}
		seen[s] = k
	}
	if s := Kind(200).String(); s != "unknown" {
		t.Errorf("wrong string for out of range kind: %q", s)
	}
}
