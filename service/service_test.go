// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package service_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"mellium.im/xmpp/stanza"

	"mellium.im/conduit"
	"mellium.im/conduit/mux"
	"mellium.im/conduit/service"
)

// fakeService records its lifecycle into a shared journal.
type fakeService struct {
	name     string
	journal  *[]string
	deps     service.Deps
	reg      *service.Registrar
	startErr error
	stopErr  error
	onStart  func(r *service.Registrar) error
}

func (s *fakeService) Start(_ context.Context, r *service.Registrar) error {
	*s.journal = append(*s.journal, "start "+s.name)
	s.reg = r
	if s.onStart != nil {
		if err := s.onStart(r); err != nil {
			return err
		}
	}
	return s.startErr
}

func (s *fakeService) Stop(context.Context) error {
	*s.journal = append(*s.journal, "stop "+s.name)
	return s.stopErr
}

func desc(name string, journal *[]string, instances map[string]*fakeService, after ...string) service.Descriptor {
	return service.Descriptor{
		Name:  name,
		After: after,
		New: func(deps service.Deps) (service.Service, error) {
			svc := &fakeService{name: name, journal: journal, deps: deps}
			if instances != nil {
				instances[name] = svc
			}
			return svc, nil
		},
	}
}

func TestStartStopOrder(t *testing.T) {
	var journal []string
	set := service.NewSet()
	// Registered out of order on purpose.
	require.NoError(t, set.Add(desc("c", &journal, nil, "b")))
	require.NoError(t, set.Add(desc("a", &journal, nil)))
	require.NoError(t, set.Add(desc("b", &journal, nil, "a")))
	require.Equal(t, []string{"a", "b", "c"}, set.Order())

	m := mux.New()
	require.NoError(t, set.Start(context.Background(), m))
	require.NoError(t, set.Stop(context.Background()))
	require.Equal(t, []string{
		"start a", "start b", "start c",
		"stop c", "stop b", "stop a",
	}, journal)
}

func TestBeforeConstraint(t *testing.T) {
	var journal []string
	set := service.NewSet()
	require.NoError(t, set.Add(service.Descriptor{
		Name: "late",
		New:  desc("late", &journal, nil).New,
	}))
	require.NoError(t, set.Add(service.Descriptor{
		Name:   "early",
		Before: []string{"late"},
		New:    desc("early", &journal, nil).New,
	}))
	require.Equal(t, []string{"early", "late"}, set.Order())
}

func TestConstraintOnUnknownServiceIgnored(t *testing.T) {
	var journal []string
	set := service.NewSet()
	require.NoError(t, set.Add(desc("a", &journal, nil, "never-registered")))
	require.Equal(t, []string{"a"}, set.Order())
}

func TestCycleRejectedAtAdd(t *testing.T) {
	var journal []string
	set := service.NewSet()
	require.NoError(t, set.Add(desc("a", &journal, nil, "b")))

	err := set.Add(desc("b", &journal, nil, "a"))
	var cerr *service.CycleError
	require.ErrorAs(t, err, &cerr)
	require.Contains(t, cerr.Services, "a")
	require.Contains(t, cerr.Services, "b")

	// The rejected descriptor left no trace.
	require.Equal(t, []string{"a"}, set.Order())
	require.NoError(t, set.Add(desc("c", &journal, nil, "a")))
}

func TestDuplicateName(t *testing.T) {
	var journal []string
	set := service.NewSet()
	require.NoError(t, set.Add(desc("a", &journal, nil)))
	require.ErrorIs(t, set.Add(desc("a", &journal, nil)), service.ErrDuplicateService)
}

func TestDepsPassedToConstructor(t *testing.T) {
	var journal []string
	instances := make(map[string]*fakeService)
	set := service.NewSet()
	require.NoError(t, set.Add(desc("roster", &journal, instances)))
	require.NoError(t, set.Add(desc("presence", &journal, instances, "roster")))

	require.NoError(t, set.Start(context.Background(), mux.New()))
	defer func() { require.NoError(t, set.Stop(context.Background())) }()

	got, ok := instances["presence"].deps.Get("roster")
	require.True(t, ok, "dependency instance missing")
	require.Same(t, instances["roster"], got)
	_, ok = instances["presence"].deps.Get("presence")
	require.False(t, ok, "deps must only hold declared dependencies")
}

func TestStartFailureUnwinds(t *testing.T) {
	var journal []string
	boom := errors.New("boom")
	set := service.NewSet()
	require.NoError(t, set.Add(service.Descriptor{
		Name: "a",
		New: func(service.Deps) (service.Service, error) {
			return &fakeService{name: "a", journal: &journal}, nil
		},
	}))
	require.NoError(t, set.Add(service.Descriptor{
		Name:  "b",
		After: []string{"a"},
		New: func(service.Deps) (service.Service, error) {
			return &fakeService{name: "b", journal: &journal, startErr: boom}, nil
		},
	}))

	err := set.Start(context.Background(), mux.New())
	require.ErrorIs(t, err, boom)
	require.Equal(t, []string{"start a", "start b", "stop a"}, journal)

	// The failed start left the set restartable.
	journal = journal[:0]
	require.NoError(t, set.Start(context.Background(), mux.New()))
	require.NoError(t, set.Stop(context.Background()))
}

func TestAddAfterStartRefused(t *testing.T) {
	var journal []string
	set := service.NewSet()
	require.NoError(t, set.Add(desc("a", &journal, nil)))
	require.NoError(t, set.Start(context.Background(), mux.New()))
	defer func() { require.NoError(t, set.Stop(context.Background())) }()

	require.ErrorIs(t, set.Add(desc("b", &journal, nil)), service.ErrStarted)
}

func TestRegistrarLifetime(t *testing.T) {
	var journal []string
	instances := make(map[string]*fakeService)
	filter := mux.MessageFilter{Type: stanza.ChatMessage}
	set := service.NewSet()
	require.NoError(t, set.Add(service.Descriptor{
		Name: "echo",
		New: func(service.Deps) (service.Service, error) {
			svc := &fakeService{name: "echo", journal: &journal}
			svc.onStart = func(r *service.Registrar) error {
				return r.Message(filter, mux.MessageHandlerFunc(func(context.Context, conduit.Message) {}))
			}
			instances["echo"] = svc
			return svc, nil
		},
	}))

	m := mux.New()
	require.NoError(t, set.Start(context.Background(), m))

	// The filter is held by the running service, so re-registering it
	// conflicts.
	err := m.RegisterMessage(filter, mux.MessageHandlerFunc(func(context.Context, conduit.Message) {}))
	require.ErrorIs(t, err, mux.ErrDuplicateHandler)

	require.NoError(t, set.Stop(context.Background()))

	// Stop removed the leftover filter and sealed the registrar.
	require.NoError(t, m.RegisterMessage(filter, mux.MessageHandlerFunc(func(context.Context, conduit.Message) {})))
	reg := instances["echo"].reg
	require.ErrorIs(t, reg.Message(filter, mux.MessageHandlerFunc(func(context.Context, conduit.Message) {})), service.ErrNotStarted)
}
