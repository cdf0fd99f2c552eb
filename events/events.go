// Package events provides an ordered listener-list multicast.
//
// Listeners fire in registration order, and a listener may remove itself
// (or any other listener) while a fire is in progress: Fire iterates over
// a snapshot taken under the lock, so removals during iteration affect
// future fires only.
package events

import "sync"

// Handle identifies a registered listener so it can be removed later.
type Handle int

// Emitter is an ordered publish/subscribe primitive for a single event type.
// The zero value is not usable; construct with New.
type Emitter[T any] struct {
	mu     sync.Mutex
	nextID Handle
	order  []Handle
	subs   map[Handle]func(T)
}

func New[T any]() *Emitter[T] {
	return &Emitter[T]{subs: make(map[Handle]func(T))}
}

// Add registers fn to be called on every subsequent Fire, after all
// previously added listeners.
func (e *Emitter[T]) Add(fn func(T)) Handle {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextID
	e.nextID++
	e.subs[id] = fn
	e.order = append(e.order, id)
	return id
}

// Remove deregisters a listener. Removing an unknown or already-removed
// handle is a no-op.
func (e *Emitter[T]) Remove(h Handle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.subs[h]; !ok {
		return
	}
	delete(e.subs, h)
	for i, id := range e.order {
		if id == h {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
}

// Once registers fn to run on the next Fire only.
func (e *Emitter[T]) Once(fn func(T)) Handle {
	var h Handle
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	h = id
	e.subs[id] = func(v T) {
		e.Remove(h)
		fn(v)
	}
	e.order = append(e.order, id)
	e.mu.Unlock()
	return h
}

// Fire invokes every listener registered at the moment of the call, in
// registration order. Listeners run on the caller's goroutine.
func (e *Emitter[T]) Fire(v T) {
	e.mu.Lock()
	snapshot := make([]func(T), 0, len(e.order))
	for _, id := range e.order {
		if fn, ok := e.subs[id]; ok {
			snapshot = append(snapshot, fn)
		}
	}
	e.mu.Unlock()

	for _, fn := range snapshot {
		fn(v)
	}
}

// Len returns the number of registered listeners.
func (e *Emitter[T]) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs)
}
