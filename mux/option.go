// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package mux

import "github.com/rs/zerolog"

// Option configures a Mux at construction time.
// Options apply registrations that cannot conflict in a correctly
// configured program, so a conflicting option panics instead of returning
// an error; use the Register methods for registrations whose filters are
// not known statically.
type Option func(m *Mux)

// Message returns an option that registers h for the filter f.
// If a handler is already registered for f the option panics.
func Message(f MessageFilter, h MessageHandler) Option {
	return func(m *Mux) {
		if err := m.RegisterMessage(f, h); err != nil {
			panic(err)
		}
	}
}

// MessageFunc returns an option that registers h for the filter f.
func MessageFunc(f MessageFilter, h MessageHandlerFunc) Option {
	return Message(f, h)
}

// Presence returns an option that registers h for the filter f.
// If a handler is already registered for f the option panics.
func Presence(f PresenceFilter, h PresenceHandler) Option {
	return func(m *Mux) {
		if err := m.RegisterPresence(f, h); err != nil {
			panic(err)
		}
	}
}

// PresenceFunc returns an option that registers h for the filter f.
func PresenceFunc(f PresenceFilter, h PresenceHandlerFunc) Option {
	return Presence(f, h)
}

// IQ returns an option that registers h for the filter f.
// If a handler is already registered for f the option panics.
func IQ(f IQFilter, h IQHandler) Option {
	return func(m *Mux) {
		if err := m.RegisterIQ(f, h); err != nil {
			panic(err)
		}
	}
}

// IQFunc returns an option that registers h for the filter f.
func IQFunc(f IQFilter, h IQHandlerFunc) Option {
	return IQ(f, h)
}

// Logger returns an option that sets the logger used for drop
// diagnostics.
func Logger(log zerolog.Logger) Option {
	return func(m *Mux) {
		m.log = log
	}
}
