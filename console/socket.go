// Package console speaks the engine's console protocol: one WebSocket per
// endpoint, each text frame carrying exactly one JSON object with a "type"
// discriminator. Frames may be right-padded with NUL bytes by fixed-size
// engine buffers; padding is stripped before decoding. Binary frames are
// ignored and unparsable text frames are silently dropped.
package console

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/stingray-assist/connect/events"
)

// Engine callstack dumps can run long, so the read limit is generous.
const readLimit = 1 << 20

const writeTimeout = 10 * time.Second

// ErrNotReady is returned by Send when the connection is not Ready.
// Delivery is never guaranteed; callers check readiness themselves.
var ErrNotReady = errors.New("console: connection is not ready")

// State describes where a Connection is in its lifecycle. States are
// monotonic per instance: a Closed connection is never reopened, a new one
// replaces it.
type State int

const (
	Connecting State = iota
	Ready
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Ready:
		return "ready"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// dialClient bounds the raw TCP connect; there is no separate
// application-level connect timeout.
var dialClient = &http.Client{
	Transport: &http.Transport{
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
		ResponseHeaderTimeout: 10 * time.Second,
	},
}

// Connection is one socket connection to one remote console endpoint.
// Dialing begins at construction. Per instance, OnConnect fires at most
// once, then OnData zero or more times in arrival order, then OnDisconnect
// exactly once; data never follows disconnect.
type Connection struct {
	OnConnect    *events.Emitter[*Connection]
	OnData       *events.Emitter[Frame]
	OnDisconnect *events.Emitter[error]

	host string
	port int
	log  *zap.SugaredLogger

	mu      sync.Mutex
	state   State
	lastErr error
	ws      *websocket.Conn
	ident   *IdentifyInfo

	ready  chan struct{}
	done   chan struct{}
	cancel context.CancelFunc
}

// DialOption configures a Connection before it starts connecting.
type DialOption func(c *Connection)

// OnConnect registers a connect listener before any event can fire.
func OnConnect(fn func(*Connection)) DialOption {
	return func(c *Connection) { c.OnConnect.Add(fn) }
}

// OnData registers a data listener before any event can fire.
func OnData(fn func(Frame)) DialOption {
	return func(c *Connection) { c.OnData.Add(fn) }
}

// OnDisconnect registers a disconnect listener before any event can fire.
func OnDisconnect(fn func(error)) DialOption {
	return func(c *Connection) { c.OnDisconnect.Add(fn) }
}

// Dial constructs a Connection to host:port and starts connecting
// immediately. A nil logger disables logging.
func Dial(log *zap.SugaredLogger, host string, port int, opts ...DialOption) *Connection {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		OnConnect:    events.New[*Connection](),
		OnData:       events.New[Frame](),
		OnDisconnect: events.New[error](),
		host:         host,
		port:         port,
		log:          log.With("Host", host, "Port", port),
		ready:        make(chan struct{}),
		done:         make(chan struct{}),
		cancel:       cancel,
	}
	for _, o := range opts {
		o(c)
	}
	go c.run(ctx)
	return c
}

func (c *Connection) Host() string { return c.host }
func (c *Connection) Port() int    { return c.port }

// Addr returns the endpoint address as host:port.
func (c *Connection) Addr() string {
	return fmt.Sprintf("%s:%d", c.host, c.port)
}

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Ready reports whether the connection is currently established.
func (c *Connection) Ready() bool { return c.State() == Ready }

// Closed reports whether the connection has terminated. Once true it stays
// true.
func (c *Connection) Closed() bool { return c.State() == Closed }

// Err returns the error that terminated the connection, or nil for a
// deliberate or clean close. Meaningful once Closed.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Done returns a channel closed when the connection terminates.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Close tears the connection down. Idempotent and safe at any point in the
// lifecycle; OnDisconnect still fires exactly once.
func (c *Connection) Close() { c.cancel() }

// Outcome blocks until the connection either reaches Ready or terminates,
// whichever resolves first, or until ctx expires. Exactly one of the two
// connection outcomes resolves a given call; a connection that was Ready
// before the call reports true even if it has since closed.
func (c *Connection) Outcome(ctx context.Context) bool {
	select {
	case <-c.ready:
		return true
	default:
	}
	select {
	case <-c.ready:
		return true
	case <-c.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// Send serializes v as a single text frame. Returns ErrNotReady when the
// connection is not established; a nil return does not guarantee delivery.
func (c *Connection) Send(v any) error {
	c.mu.Lock()
	ws := c.ws
	st := c.state
	c.mu.Unlock()
	if st != Ready || ws == nil {
		return ErrNotReady
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, ws, v)
}

func (c *Connection) url() string {
	return fmt.Sprintf("ws://%s:%d", c.host, c.port)
}

func (c *Connection) run(ctx context.Context) {
	defer c.teardown()

	ws, resp, err := websocket.Dial(ctx, c.url(), &websocket.DialOptions{
		HTTPClient: dialClient,
	})
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if ctx.Err() == nil {
			c.setErr(err)
			c.log.Debugw("dial failed", "Error", err)
		}
		return
	}
	ws.SetReadLimit(readLimit)

	c.mu.Lock()
	c.ws = ws
	c.state = Ready
	c.mu.Unlock()
	close(c.ready)
	c.log.Debug("connected")
	c.OnConnect.Fire(c)

	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			if ctx.Err() == nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				c.setErr(err)
				c.log.Debugw("read failed", "Error", err)
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		framesReceived.Inc()
		frame, ok := decodeFrame(data)
		if !ok {
			framesDropped.Inc()
			continue
		}
		c.OnData.Fire(frame)
	}
}

func (c *Connection) setErr(err error) {
	c.mu.Lock()
	if c.lastErr == nil {
		c.lastErr = err
	}
	c.mu.Unlock()
}

// teardown is the single exit path for the run goroutine: it closes the
// socket, invalidates the identify cache, and fires OnDisconnect.
func (c *Connection) teardown() {
	c.cancel()
	c.mu.Lock()
	ws := c.ws
	c.ws = nil
	c.ident = nil
	c.state = Closed
	err := c.lastErr
	c.mu.Unlock()
	if ws != nil {
		ws.Close(websocket.StatusNormalClosure, "")
	}
	close(c.done)
	c.log.Debugw("disconnected", "Error", err)
	c.OnDisconnect.Fire(err)
}
