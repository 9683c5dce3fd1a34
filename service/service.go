// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package service schedules protocol extension services on top of the
// conduit core.
//
// Services declare ordering constraints relative to other services by
// name. A Set computes the topological order when a descriptor is added —
// a dependency cycle is a configuration error rejected at registration
// time, not at runtime — and starts services in that order, passing each
// one its resolved dependency instances. Shutdown runs in reverse order.
//
// Stanza filters may only be installed through the Registrar a service
// receives on start, which refuses registrations from services that have
// not been started or have already been stopped and removes leftover
// filters on teardown.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"mellium.im/conduit/mux"
)

// Errors returned by the scheduler.
var (
	// ErrDuplicateService is returned when a descriptor name is already
	// registered.
	ErrDuplicateService = errors.New("service: name already registered")

	// ErrStarted is returned when descriptors are added to a running set.
	ErrStarted = errors.New("service: set already started")

	// ErrNotStarted is returned by a Registrar used before its service was
	// started or after it was stopped.
	ErrNotStarted = errors.New("service: service not started")
)

// A CycleError reports a dependency cycle among the named services.
type CycleError struct {
	Services []string
}

// Error satisfies the error interface.
func (e *CycleError) Error() string {
	return "service: dependency cycle: " + strings.Join(e.Services, " -> ")
}

// Service is a protocol extension riding on the conduit core.
//
// Start is called in dependency order; the service may install stanza
// filters through r from the moment Start is invoked until Stop begins.
// Stop is called in reverse dependency order.
type Service interface {
	Start(ctx context.Context, r *Registrar) error
	Stop(ctx context.Context) error
}

// Deps gives a service access to the already started instances of the
// services it ordered itself after.
type Deps struct {
	services map[string]Service
}

// Get returns the started instance of the named service.
func (d Deps) Get(name string) (Service, bool) {
	svc, ok := d.services[name]
	return svc, ok
}

// Descriptor declares one service and its ordering constraints.
//
// Before and After name other services this one must start before or
// after. Constraints naming services that are never registered are
// ignored.
type Descriptor struct {
	Name   string
	Before []string
	After  []string

	// New builds the service instance. It receives the resolved instances
	// of every registered service named in After.
	New func(deps Deps) (Service, error)
}

type runningService struct {
	name string
	svc  Service
	reg  *Registrar
}

// Set is the dependency ordered collection of services for one client.
type Set struct {
	mu      sync.Mutex
	descs   map[string]Descriptor
	added   []string
	order   []string
	running []runningService
	started bool
}

// NewSet returns an empty service set.
func NewSet() *Set {
	return &Set{descs: make(map[string]Descriptor)}
}

// Add registers a descriptor and recomputes the startup order.
// A descriptor that would close a dependency cycle is rejected with a
// *CycleError naming the participants, leaving the set unchanged.
func (s *Set) Add(d Descriptor) error {
	if d.Name == "" {
		return errors.New("service: descriptor needs a name")
	}
	if d.New == nil {
		return fmt.Errorf("service: descriptor %q needs a constructor", d.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrStarted
	}
	if _, ok := s.descs[d.Name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateService, d.Name)
	}

	s.descs[d.Name] = d
	s.added = append(s.added, d.Name)
	order, err := s.sort()
	if err != nil {
		delete(s.descs, d.Name)
		s.added = s.added[:len(s.added)-1]
		return err
	}
	s.order = order
	return nil
}

// Order returns the computed startup order.
func (s *Set) Order() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// sort computes a deterministic topological order of the registered
// descriptors, treating "a before b" and "b after a" both as an a -> b
// edge. Registration order breaks ties.
func (s *Set) sort() ([]string, error) {
	succ := make(map[string][]string, len(s.descs))
	indeg := make(map[string]int, len(s.descs))
	for _, name := range s.added {
		indeg[name] = 0
	}
	edge := func(from, to string) {
		if _, ok := s.descs[from]; !ok {
			return
		}
		if _, ok := s.descs[to]; !ok {
			return
		}
		succ[from] = append(succ[from], to)
		indeg[to]++
	}
	for _, name := range s.added {
		d := s.descs[name]
		for _, other := range d.Before {
			edge(name, other)
		}
		for _, other := range d.After {
			edge(other, name)
		}
	}

	var order []string
	ready := make([]string, 0, len(s.added))
	for _, name := range s.added {
		if indeg[name] == 0 {
			ready = append(ready, name)
		}
	}
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		order = append(order, name)
		for _, next := range succ[name] {
			indeg[next]--
			if indeg[next] == 0 {
				ready = append(ready, next)
			}
		}
	}
	if len(order) != len(s.added) {
		return nil, &CycleError{Services: cycle(succ, indeg, s.added)}
	}
	return order, nil
}

// cycle names the services participating in a dependency cycle: the nodes
// with unresolved in-degrees, walked along their edges to show one loop.
func cycle(succ map[string][]string, indeg map[string]int, added []string) []string {
	remaining := make(map[string]bool)
	for _, name := range added {
		if indeg[name] > 0 {
			remaining[name] = true
		}
	}
	// Walk successors within the remaining set until a repeat closes the
	// loop.
	for _, start := range added {
		if !remaining[start] {
			continue
		}
		seen := map[string]int{start: 0}
		path := []string{start}
		cur := start
		for {
			var next string
			for _, n := range succ[cur] {
				if remaining[n] {
					next = n
					break
				}
			}
			if next == "" {
				break
			}
			if at, ok := seen[next]; ok {
				return append(path[at:], next)
			}
			seen[next] = len(path)
			path = append(path, next)
			cur = next
		}
	}
	// Degenerate graphs still get the participant list.
	var names []string
	for _, name := range added {
		if remaining[name] {
			names = append(names, name)
		}
	}
	return names
}

// Start instantiates and starts every registered service in dependency
// order, installing their handlers on m.
// If a service fails to start, the services already started are stopped in
// reverse order and the failure is returned.
func (s *Set) Start(ctx context.Context, m *mux.Mux) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrStarted
	}
	s.started = true
	order := make([]string, len(s.order))
	copy(order, s.order)
	s.mu.Unlock()

	instances := make(map[string]Service, len(order))
	for _, name := range order {
		d := s.descs[name]
		deps := Deps{services: make(map[string]Service, len(d.After))}
		for _, dep := range d.After {
			if svc, ok := instances[dep]; ok {
				deps.services[dep] = svc
			}
		}
		svc, err := d.New(deps)
		if err != nil {
			s.abortStart(ctx)
			return fmt.Errorf("service: building %q: %w", name, err)
		}
		reg := &Registrar{mux: m, active: true}
		if err := svc.Start(ctx, reg); err != nil {
			reg.deactivate()
			s.abortStart(ctx)
			return fmt.Errorf("service: starting %q: %w", name, err)
		}
		instances[name] = svc
		s.mu.Lock()
		s.running = append(s.running, runningService{name: name, svc: svc, reg: reg})
		s.mu.Unlock()
	}
	return nil
}

// Stop stops every running service in reverse startup order. Handlers a
// service failed to remove itself are unregistered before its Stop is
// called. All stop errors are collected and returned joined.
func (s *Set) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	s.mu.Unlock()
	return s.stopRunning(ctx)
}

// abortStart unwinds a partially started set so that it can be started
// again after the failure is fixed.
func (s *Set) abortStart(ctx context.Context) {
	_ = s.stopRunning(ctx)
	s.mu.Lock()
	s.started = false
	s.mu.Unlock()
}

func (s *Set) stopRunning(ctx context.Context) error {
	s.mu.Lock()
	running := s.running
	s.running = nil
	s.mu.Unlock()

	var errs []error
	for i := len(running) - 1; i >= 0; i-- {
		r := running[i]
		r.reg.deactivate()
		if err := r.svc.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("service: stopping %q: %w", r.name, err))
		}
	}
	return errors.Join(errs...)
}
