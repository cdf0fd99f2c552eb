// Package output multiplexes inbound engine log frames into one
// persistent sink per logical endpoint identity. A reconnect to the same
// identity appends to the existing sink after a visible separator, so
// history survives engine restarts.
package output

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/stingray-assist/connect/console"
)

// CompilerIdentity names the compile server's sink.
const CompilerIdentity = "compiler"

// InstanceIdentity names an instance endpoint's sink by its console port.
func InstanceIdentity(port int) string {
	return fmt.Sprintf("game %d", port)
}

var separator = "\n" + strings.Repeat("-", 40) + "\n\n"

// Router routes log-type frames to per-identity sinks. Sinks are created
// lazily by the factory on first attach and kept for the router's
// lifetime.
type Router struct {
	log     *zap.SugaredLogger
	newSink func(identity string) io.Writer

	mu    sync.Mutex
	sinks map[string]io.Writer
}

type Option func(r *Router)

func WithLogger(l *zap.Logger) Option {
	return func(r *Router) { r.log = l.Named("output").Sugar() }
}

// New constructs a Router creating sinks with newSink.
func New(newSink func(identity string) io.Writer, opts ...Option) *Router {
	r := &Router{
		log:     zap.NewNop().Sugar(),
		newSink: newSink,
		sinks:   make(map[string]io.Writer),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Attach binds conn's inbound log frames to the sink for identity. Call at
// connect time, not at construction; a connection that never connects must
// not allocate a sink. Reattaching an identity reuses its sink and writes
// a separator first.
func (r *Router) Attach(identity string, conn *console.Connection) {
	sink := r.acquire(identity)
	conn.OnData.Add(func(f console.Frame) {
		if f.Type != console.TypeMessage {
			return
		}
		var m console.LogMessage
		if err := f.Decode(&m); err != nil {
			return
		}
		r.append(sink, m)
	})
}

func (r *Router) acquire(identity string) io.Writer {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sink, ok := r.sinks[identity]; ok {
		io.WriteString(sink, separator)
		return sink
	}
	sink := r.newSink(identity)
	r.sinks[identity] = sink
	return sink
}

func (r *Router) append(sink io.Writer, m console.LogMessage) {
	var b strings.Builder
	if m.Level != "" {
		fmt.Fprintf(&b, "[%s]", m.Level)
	}
	if m.System != "" {
		fmt.Fprintf(&b, "[%s]", m.System)
	}
	if b.Len() > 0 {
		b.WriteByte(' ')
	}
	b.WriteString(m.Message)
	b.WriteByte('\n')
	if m.LuaCallstack != "" {
		// Fatal runtime errors carry the remote callstack; keep it with
		// the triggering line.
		b.WriteString(m.LuaCallstack)
		if !strings.HasSuffix(m.LuaCallstack, "\n") {
			b.WriteByte('\n')
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := io.WriteString(sink, b.String()); err != nil {
		r.log.Debugw("sink write failed", "Error", err)
	}
}
