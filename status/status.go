// Package status derives a tri-state connectivity status from the
// registry's compiler slot.
package status

import (
	"sync"

	"github.com/stingray-assist/connect/events"
	"github.com/stingray-assist/connect/registry"
)

// Status is the compiler connectivity as seen by consumers. It is derived
// from compiler-slot events, never set directly.
type Status int

const (
	Disconnected Status = iota
	Connecting
	Connected
)

func (s Status) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return "unknown"
}

// Aggregator tracks the current status and notifies on edges. Every
// ConnectToCompiler cycle passes through Connecting before resolving; a
// connected compiler that drops goes straight to Disconnected.
type Aggregator struct {
	// Changed fires once per status edge with the new value.
	Changed *events.Emitter[Status]

	mu      sync.Mutex
	current Status
}

// New constructs an Aggregator following reg's compiler slot.
func New(reg *registry.Registry) *Aggregator {
	a := &Aggregator{
		Changed: events.New[Status](),
		current: Disconnected,
	}
	reg.CompilerChanged.Add(func(ev registry.CompilerEvent) {
		switch ev {
		case registry.CompilerDialing:
			a.set(Connecting)
		case registry.CompilerConnected:
			a.set(Connected)
		case registry.CompilerDisconnected:
			a.set(Disconnected)
		}
	})
	return a
}

// Status returns the current value. Safe to poll.
func (a *Aggregator) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

func (a *Aggregator) set(s Status) {
	a.mu.Lock()
	if a.current == s {
		a.mu.Unlock()
		return
	}
	a.current = s
	a.mu.Unlock()
	a.Changed.Fire(s)
}
