// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package conduit

import (
	"context"
	"testing"
	"time"
)

func TestBackoffGrowth(t *testing.T) {
	b := newBackoff(100*time.Millisecond, time.Second)
	b.jitter = func() float64 { return 0 }

	want := []time.Duration{
		50 * time.Millisecond,
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		500 * time.Millisecond,
		500 * time.Millisecond,
	}
	for i, w := range want {
		if d := b.next(); d != w {
			t.Errorf("delay %d: want=%v, got=%v", i, w, d)
		}
	}

	b.reset()
	if d := b.next(); d != 50*time.Millisecond {
		t.Errorf("delay after reset: want=%v, got=%v", 50*time.Millisecond, d)
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	b := newBackoff(100*time.Millisecond, time.Second)
	for i := 0; i < 20; i++ {
		base := 100 * time.Millisecond << b.attempt
		if base > time.Second {
			base = time.Second
		}
		d := b.next()
		if d < base/2 || d >= base {
			t.Errorf("delay %d outside [%v, %v): %v", i, base/2, base, d)
		}
	}
}

func TestSleepCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	err := sleep(ctx, time.Hour)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("sleep did not return promptly: %v", elapsed)
	}
	if KindOf(err) != Cancelled {
		t.Errorf("wrong error kind: got=%v", KindOf(err))
	}
}

func TestSleepElapses(t *testing.T) {
	if err := sleep(context.Background(), time.Millisecond); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
