// Package engine is the UI-facing seam over the core: the snapshot, config,
// and settings exposed as independently observable streams kept in lockstep,
// plus pass-through mutation and history APIs. No storage logic lives here.
package engine

import (
	"sync"

	"github.com/kelpie-md/kelpie/internal/core"
	"github.com/kelpie-md/kelpie/internal/history"
	"github.com/kelpie-md/kelpie/internal/snapshot"
)

// Stream is an observable value. Subscribers receive the current value
// immediately and every subsequent value in publish order.
type Stream[T any] struct {
	mu      sync.Mutex
	value   T
	nextSub int
	subs    map[int]func(T)
}

func newStream[T any](initial T) *Stream[T] {
	return &Stream[T]{value: initial, subs: make(map[int]func(T))}
}

// Get returns the current value.
func (s *Stream[T]) Get() T {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}

// Subscribe registers callback, invoking it immediately with the current
// value. The returned function unsubscribes.
func (s *Stream[T]) Subscribe(callback func(T)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = callback
	value := s.value
	s.mu.Unlock()

	callback(value)
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *Stream[T]) publish(value T) {
	s.mu.Lock()
	s.value = value
	callbacks := make([]func(T), 0, len(s.subs))
	for _, cb := range s.subs {
		callbacks = append(callbacks, cb)
	}
	s.mu.Unlock()

	for _, cb := range callbacks {
		cb(value)
	}
}

// Engine wraps a Core for consumption by the UI layer.
type Engine struct {
	core *core.Core

	snapshots *Stream[*snapshot.Snapshot]
	configs   *Stream[snapshot.Configuration]
	settings  *Stream[snapshot.Settings]

	unsubscribe func()
}

// New wires an Engine over the core. Every core state change publishes to
// all three streams together.
func New(c *core.Core) *Engine {
	state := c.GetState()
	e := &Engine{
		core:      c,
		snapshots: newStream(state.Snapshot),
		configs:   newStream(state.Config),
		settings:  newStream(state.Settings),
	}
	e.unsubscribe = c.Subscribe(func(state core.State) {
		e.snapshots.publish(state.Snapshot)
		e.configs.publish(state.Config)
		e.settings.publish(state.Settings)
	})
	return e
}

// Close detaches the engine from the core. Streams keep their last value.
func (e *Engine) Close() {
	if e.unsubscribe != nil {
		e.unsubscribe()
		e.unsubscribe = nil
	}
}

// Snapshots is the observable stream of full snapshots.
func (e *Engine) Snapshots() *Stream[*snapshot.Snapshot] { return e.snapshots }

// Configs is the observable stream of runtime configuration.
func (e *Engine) Configs() *Stream[snapshot.Configuration] { return e.configs }

// Settings is the observable stream of UI settings.
func (e *Engine) Settings() *Stream[snapshot.Settings] { return e.settings }

// GetState returns the current state triple.
func (e *Engine) GetState() core.State { return e.core.GetState() }

// Update passes through to the core's update pipeline.
func (e *Engine) Update(updater core.Updater) (bool, error) {
	return e.core.Update(updater)
}

// Refresh passes through to the core.
func (e *Engine) Refresh() error { return e.core.Refresh() }

// Reset passes through to the core.
func (e *Engine) Reset() error { return e.core.Reset() }

// History returns the undo/redo sub-API.
func (e *Engine) History() History { return History{core: e.core} }

// History is the undo/redo surface of the engine.
type History struct {
	core *core.Core
}

// Capture records a history entry through the persisted update path.
func (h History) Capture(input history.CaptureInput) (history.CaptureResult, error) {
	return h.core.CaptureHistory(input)
}

// Undo steps the target back one entry. The bool reports whether an undo
// happened.
func (h History) Undo(target history.Target, ctx history.UndoContext) (*snapshot.HistoryEntry, bool) {
	return h.core.Undo(target, ctx)
}

// Redo re-applies the most recently undone entry, or returns nil.
func (h History) Redo(target history.Target) *snapshot.HistoryEntry {
	return h.core.Redo(target)
}

// Timeline returns the target's undo/redo view.
func (h History) Timeline(target history.Target) history.TimelineView {
	return h.core.Timeline(target)
}
