// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package conduit

import (
	"time"

	"github.com/rs/zerolog"
	"mellium.im/xmpp/jid"
)

// Default configuration values.
const (
	DefaultMaxPasses     = 3
	DefaultBackoffFloor  = 500 * time.Millisecond
	DefaultBackoffCeil   = 30 * time.Second
	DefaultTeardownGrace = 5 * time.Second
)

// Config carries the collaborators and tuning knobs of a Client.
// There is no package level default configuration; everything the
// lifecycle manager consults is passed in here explicitly.
type Config struct {
	// Origin is the local address the stream is established for.
	Origin jid.JID

	// Resolver produces candidate endpoints. It may be swapped at runtime
	// with Client.SetResolver, for instance after repeated timeouts.
	Resolver Resolver

	// Dial establishes a transport to one endpoint.
	Dial Dialer

	// MaxPasses bounds how many whole passes over the candidate list a
	// connect attempt makes before giving up. Zero means
	// DefaultMaxPasses.
	MaxPasses int

	// BackoffFloor and BackoffCeil bound the exponential backoff between
	// passes. Zero values mean the defaults.
	BackoffFloor time.Duration
	BackoffCeil  time.Duration

	// TeardownGrace is how long session teardown waits for in-flight
	// handler tasks after cancelling them. Zero means
	// DefaultTeardownGrace.
	TeardownGrace time.Duration

	// Logger receives structured diagnostics. The zero value discards
	// everything.
	Logger zerolog.Logger
}

func (c Config) withDefaults() Config {
	if c.MaxPasses == 0 {
		c.MaxPasses = DefaultMaxPasses
	}
	if c.BackoffFloor == 0 {
		c.BackoffFloor = DefaultBackoffFloor
	}
	if c.BackoffCeil == 0 {
		c.BackoffCeil = DefaultBackoffCeil
	}
	if c.TeardownGrace == 0 {
		c.TeardownGrace = DefaultTeardownGrace
	}
	return c
}
