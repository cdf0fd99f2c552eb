// Package registry owns every console connection: the single compile
// server slot and a port-keyed map of game instance slots. Connections are
// created on demand and replaced, never reused, once closed.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stingray-assist/connect/console"
	"github.com/stingray-assist/connect/events"
)

const (
	// MaxConnections caps how many instance ports a single scan may
	// target. Requests beyond the cap are clamped silently.
	MaxConnections = 31

	// DefaultCompilerPort is the compile server's fixed console port.
	DefaultCompilerPort = 14032

	// DefaultInstancePortStart is where instance port scans begin.
	DefaultInstancePortStart = 14000
)

// CompilerEvent describes compiler-slot transitions, consumed by the
// status aggregator.
type CompilerEvent int

const (
	// CompilerDialing fires at the start of every ConnectToCompiler cycle.
	CompilerDialing CompilerEvent = iota
	// CompilerConnected fires when the compiler connection reaches Ready.
	CompilerConnected
	// CompilerDisconnected fires when a Ready compiler connection closes,
	// or when a ConnectToCompiler cycle exhausts its attempts.
	CompilerDisconnected
)

func (e CompilerEvent) String() string {
	switch e {
	case CompilerDialing:
		return "dialing"
	case CompilerConnected:
		return "connected"
	case CompilerDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// Registry tracks the compiler connection and all game instance
// connections. All methods are safe for concurrent use.
type Registry struct {
	// ConnectionsChanged fires after a game instance connects, and after a
	// game instance that had reached Ready disconnects. Instances that
	// fail without ever connecting stay silent, so port scans across dead
	// ports produce no noise.
	ConnectionsChanged *events.Emitter[struct{}]

	// CompilerChanged reports compiler-slot transitions.
	CompilerChanged *events.Emitter[CompilerEvent]

	log          *zap.SugaredLogger
	compilerHost string
	compilerPort int

	mu       sync.Mutex
	compiler *console.Connection
	games    map[int]*console.Connection
}

type Option func(r *Registry)

func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) { r.log = l.Named("registry").Sugar() }
}

// WithCompilerAddr overrides the compile server address, default
// 127.0.0.1:14032.
func WithCompilerAddr(host string, port int) Option {
	return func(r *Registry) {
		r.compilerHost = host
		r.compilerPort = port
	}
}

func New(opts ...Option) *Registry {
	r := &Registry{
		ConnectionsChanged: events.New[struct{}](),
		CompilerChanged:    events.New[CompilerEvent](),
		log:                zap.NewNop().Sugar(),
		compilerHost:       "127.0.0.1",
		compilerPort:       DefaultCompilerPort,
	}
	for _, o := range opts {
		o(r)
	}
	r.games = make(map[int]*console.Connection)
	return r
}

// GetOrCreate returns the current connection for port, constructing a new
// one when the slot is empty or holds a closed connection. At most one
// current connection exists per port at any instant.
func (r *Registry) GetOrCreate(port int, ip string) *console.Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.games[port]; ok && !existing.Closed() {
		return existing
	}
	conn := r.dialGame(ip, port)
	r.games[port] = conn
	return conn
}

// dialGame constructs an instance connection. Called with r.mu held; the
// listeners run later on the connection's own goroutine.
func (r *Registry) dialGame(ip string, port int) *console.Connection {
	// Written in the connect callback and read in the disconnect callback,
	// both on the connection's event goroutine.
	reachedReady := false
	return console.Dial(r.log, ip, port,
		console.OnConnect(func(c *console.Connection) {
			reachedReady = true
			// The engine halts on an attached-debugger breakpoint until
			// told to continue.
			if err := c.Send(console.NewLuaDebuggerCommand("continue")); err != nil {
				r.log.Debugw("continue not sent", "Port", port, "Error", err)
			}
			r.log.Infow("instance connected", "Port", port)
			r.ConnectionsChanged.Fire(struct{}{})
		}),
		console.OnDisconnect(func(err error) {
			if !reachedReady {
				return
			}
			r.log.Infow("instance disconnected", "Port", port, "Error", err)
			r.ConnectionsChanged.Fire(struct{}{})
		}),
	)
}

// ConnectAll begins connecting to count contiguous instance ports starting
// at portStart. count is clamped to [0, MaxConnections]; clamping is not
// an error. Existing live connections are reused.
func (r *Registry) ConnectAll(portStart, count int, ip string) []*console.Connection {
	if count < 0 {
		count = 0
	}
	if count > MaxConnections {
		count = MaxConnections
	}
	conns := make([]*console.Connection, 0, count)
	for i := 0; i < count; i++ {
		conns = append(conns, r.GetOrCreate(portStart+i, ip))
	}
	return conns
}

// Games returns the instance connections currently Ready, ordered by port.
func (r *Registry) Games() []*console.Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*console.Connection, 0, len(r.games))
	for _, c := range r.games {
		if c.Ready() {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Port() < out[j].Port() })
	return out
}

// Instances returns every current instance connection regardless of state,
// ordered by port.
func (r *Registry) Instances() []*console.Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*console.Connection, 0, len(r.games))
	for _, c := range r.games {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Port() < out[j].Port() })
	return out
}

// Compiler returns the current compiler connection, or nil if none was
// ever created.
func (r *Registry) Compiler() *console.Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.compiler
}

// ensureCompiler returns the current compiler connection, replacing it
// when absent or closed.
func (r *Registry) ensureCompiler() *console.Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.compiler != nil && !r.compiler.Closed() {
		return r.compiler
	}
	reachedReady := false
	r.compiler = console.Dial(r.log, r.compilerHost, r.compilerPort,
		console.OnConnect(func(c *console.Connection) {
			reachedReady = true
			r.log.Infow("compiler connected", "Port", r.compilerPort)
			r.CompilerChanged.Fire(CompilerConnected)
		}),
		console.OnDisconnect(func(err error) {
			if !reachedReady {
				return
			}
			r.log.Infow("compiler disconnected", "Error", err)
			r.CompilerChanged.Fire(CompilerDisconnected)
		}),
	)
	return r.compiler
}

// ConnectToCompiler tries to establish the compiler connection, making up
// to attempts attempts with delay between them and stopping early on
// success. Each attempt awaits a single connect-or-close outcome on the
// current compiler connection, recreating it first when closed. This loop
// absorbs the window where the compile server process exists but is not
// listening yet, so callers need no retry logic of their own.
func (r *Registry) ConnectToCompiler(ctx context.Context, attempts int, delay time.Duration) bool {
	end := r.StartCompilerCycle()
	ok := r.AwaitCompiler(ctx, attempts, delay, nil)
	end(ok)
	return ok
}

// StartCompilerCycle fires CompilerDialing and returns a resolve function
// for the cycle's outcome; resolving with false fires
// CompilerDisconnected. The supervisor uses this to make its attach and
// spawn phases read as a single connectivity cycle.
func (r *Registry) StartCompilerCycle() func(ok bool) {
	r.CompilerChanged.Fire(CompilerDialing)
	return func(ok bool) {
		if !ok {
			r.CompilerChanged.Fire(CompilerDisconnected)
		}
	}
}

// AwaitCompiler is the bounded compiler retry loop without cycle events.
// check, when non-nil, runs before every attempt and aborts the loop by
// returning an error; the supervisor uses it to fail fast when a spawned
// compile server exits early.
func (r *Registry) AwaitCompiler(ctx context.Context, attempts int, delay time.Duration, check func() error) bool {
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return false
		}
		if check != nil {
			if err := check(); err != nil {
				r.log.Debugw("compiler wait aborted", "Error", err)
				return false
			}
		}
		conn := r.ensureCompiler()
		if conn.Outcome(ctx) {
			return true
		}
		if i < attempts-1 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
			}
		}
	}
	r.log.Debugw("compiler unreachable", "Attempts", attempts)
	return false
}

// CompilerPort returns the configured compile server port.
func (r *Registry) CompilerPort() int { return r.compilerPort }

// CloseAll tears down the compiler connection and every instance
// connection.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	compiler := r.compiler
	conns := make([]*console.Connection, 0, len(r.games))
	for _, c := range r.games {
		conns = append(conns, c)
	}
	r.mu.Unlock()
	if compiler != nil {
		compiler.Close()
	}
	for _, c := range conns {
		c.Close()
	}
}
