// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package service

import (
	"sync"

	"mellium.im/conduit/mux"
)

// Registrar is a service's only path to the stanza multiplexer.
//
// It is handed to a service when it starts and refuses registrations
// before then and after the service stops, enforcing that filters live
// strictly within the service's lifetime. Filters still installed when the
// service stops are removed on its behalf.
type Registrar struct {
	mu     sync.Mutex
	mux    *mux.Mux
	active bool

	msgs []mux.MessageFilter
	pres []mux.PresenceFilter
	iqs  []mux.IQFilter
}

// Message installs a message handler for the service.
func (r *Registrar) Message(f mux.MessageFilter, h mux.MessageHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.active {
		return ErrNotStarted
	}
	if err := r.mux.RegisterMessage(f, h); err != nil {
		return err
	}
	r.msgs = append(r.msgs, f)
	return nil
}

// UnregisterMessage removes a message handler. Removing a filter that was
// never installed is a no-op.
func (r *Registrar) UnregisterMessage(f mux.MessageFilter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.active {
		return
	}
	r.mux.UnregisterMessage(f)
	r.msgs = without(r.msgs, f)
}

// Presence installs a presence handler for the service.
func (r *Registrar) Presence(f mux.PresenceFilter, h mux.PresenceHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.active {
		return ErrNotStarted
	}
	if err := r.mux.RegisterPresence(f, h); err != nil {
		return err
	}
	r.pres = append(r.pres, f)
	return nil
}

// UnregisterPresence removes a presence handler.
func (r *Registrar) UnregisterPresence(f mux.PresenceFilter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.active {
		return
	}
	r.mux.UnregisterPresence(f)
	r.pres = without(r.pres, f)
}

// IQ installs an IQ handler for the service.
func (r *Registrar) IQ(f mux.IQFilter, h mux.IQHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.active {
		return ErrNotStarted
	}
	if err := r.mux.RegisterIQ(f, h); err != nil {
		return err
	}
	r.iqs = append(r.iqs, f)
	return nil
}

// UnregisterIQ removes an IQ handler.
func (r *Registrar) UnregisterIQ(f mux.IQFilter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.active {
		return
	}
	r.mux.UnregisterIQ(f)
	r.iqs = without(r.iqs, f)
}

// deactivate refuses further registrations and removes any filters the
// service left installed.
func (r *Registrar) deactivate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.active {
		return
	}
	r.active = false
	for _, f := range r.msgs {
		r.mux.UnregisterMessage(f)
	}
	for _, f := range r.pres {
		r.mux.UnregisterPresence(f)
	}
	for _, f := range r.iqs {
		r.mux.UnregisterIQ(f)
	}
	r.msgs, r.pres, r.iqs = nil, nil, nil
}

func without[F comparable](fs []F, f F) []F {
	for i, have := range fs {
		if have == f {
			return append(fs[:i], fs[i+1:]...)
		}
	}
	return fs
}
