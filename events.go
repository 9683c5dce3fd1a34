// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package conduit

import (
	evbus "github.com/asaskevich/EventBus"
)

// Bus topics are unexported; subscription happens through the typed
// methods below.
const (
	topicEstablished = "stream:established"
	topicSuspended   = "stream:suspended"
	topicResumed     = "stream:resumed"
	topicDestroyed   = "stream:destroyed"
)

// Events exposes the lifecycle hooks of a Client: stream established,
// stream suspended (transport lost, resumption pending), stream resumed,
// and stream destroyed with the terminating reason.
// These are the only integration points application services need.
// Callbacks are invoked synchronously from the lifecycle goroutine and
// must not block.
type Events struct {
	bus evbus.Bus
}

func newEvents() *Events {
	return &Events{bus: evbus.New()}
}

// OnEstablished registers f to run each time a fresh stream becomes ready.
func (e *Events) OnEstablished(f func()) error {
	return e.bus.Subscribe(topicEstablished, f)
}

// OnSuspended registers f to run when the transport is lost but the
// session may still be resumed. err is the transport failure.
func (e *Events) OnSuspended(f func(err error)) error {
	return e.bus.Subscribe(topicSuspended, f)
}

// OnResumed registers f to run when a suspended session is resumed.
func (e *Events) OnResumed(f func()) error {
	return e.bus.Subscribe(topicResumed, f)
}

// OnDestroyed registers f to run when the lifecycle halts for good.
// err is nil for a caller initiated shutdown.
func (e *Events) OnDestroyed(f func(err error)) error {
	return e.bus.Subscribe(topicDestroyed, f)
}

func (e *Events) established() {
	e.bus.Publish(topicEstablished)
}

func (e *Events) suspended(err error) {
	e.bus.Publish(topicSuspended, err)
}

func (e *Events) resumed() {
	e.bus.Publish(topicResumed)
}

func (e *Events) destroyed(err error) {
	e.bus.Publish(topicDestroyed, err)
}
