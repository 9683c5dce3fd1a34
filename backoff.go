// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package conduit

import (
	"context"
	"math/rand"
	"time"
)

// backoff produces truncated exponential delays with jitter.
// Each call to next doubles the base delay up to the ceiling and returns a
// value in [base/2, base) so that reconnecting clients do not stampede.
type backoff struct {
	floor, ceil time.Duration
	attempt     int
	jitter      func() float64
}

func newBackoff(floor, ceil time.Duration) *backoff {
	return &backoff{floor: floor, ceil: ceil, jitter: rand.Float64}
}

func (b *backoff) next() time.Duration {
	d := b.floor << b.attempt
	if d > b.ceil || d <= 0 {
		d = b.ceil
	} else {
		b.attempt++
	}
	half := d / 2
	return half + time.Duration(b.jitter()*float64(half))
}

func (b *backoff) reset() {
	b.attempt = 0
}

// sleep waits for d or until ctx is done, whichever comes first.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return WithKind(Cancelled, ctx.Err())
	case <-timer.C:
		return nil
	}
}
