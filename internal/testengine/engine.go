// Package testengine runs a fake engine console endpoint for tests. It
// accepts WebSocket connections, records inbound frames, answers identify
// requests when configured, and can push arbitrary (optionally
// NUL-padded) frames to connected clients.
package testengine

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

type Engine struct {
	log  *zap.SugaredLogger
	port int

	identifyInfo map[string]any
	padding      int

	srv *http.Server
	ln  net.Listener

	mu    sync.Mutex
	conns map[*websocket.Conn]context.Context

	received chan []byte
}

type Option func(e *Engine)

// WithIdentify makes the engine answer identify requests with info.
func WithIdentify(info map[string]any) Option {
	return func(e *Engine) { e.identifyInfo = info }
}

// WithPadding right-pads every outbound frame with n NUL bytes, imitating
// the engine's fixed-size send buffers.
func WithPadding(n int) Option {
	return func(e *Engine) { e.padding = n }
}

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.log = l.Named("testengine").Sugar() }
}

// WithPort listens on a fixed port instead of an ephemeral one.
func WithPort(port int) Option {
	return func(e *Engine) { e.port = port }
}

// Start launches the engine on localhost, on an ephemeral port unless one
// was fixed with WithPort.
func Start(opts ...Option) (*Engine, error) {
	e := &Engine{
		log:      zap.NewNop().Sugar(),
		conns:    make(map[*websocket.Conn]context.Context),
		received: make(chan []byte, 64),
	}
	for _, o := range opts {
		o(e)
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", e.port))
	if err != nil {
		return nil, fmt.Errorf("listening: %w", err)
	}
	e.ln = ln
	e.port = ln.Addr().(*net.TCPAddr).Port

	router := httprouter.New()
	router.GET("/", e.accept)
	e.srv = &http.Server{Handler: router}
	go e.srv.Serve(ln)
	return e, nil
}

func (e *Engine) Port() int { return e.port }

// Received returns the stream of inbound text frames, raw.
func (e *Engine) Received() <-chan []byte { return e.received }

// WaitConns blocks until at least n clients are connected, or the timeout
// expires. Callers use it before pushing frames, since a client's
// handshake can complete slightly before the engine registers the
// connection.
func (e *Engine) WaitConns(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		e.mu.Lock()
		c := len(e.conns)
		e.mu.Unlock()
		if c >= n {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

// ConnCount returns the number of currently registered clients.
func (e *Engine) ConnCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.conns)
}

// WaitFrame blocks for the next inbound frame of the given type.
func (e *Engine) WaitFrame(typ string, timeout time.Duration) ([]byte, bool) {
	deadline := time.After(timeout)
	for {
		select {
		case b := <-e.received:
			if gjson.GetBytes(b, "type").String() == typ {
				return b, true
			}
		case <-deadline:
			return nil, false
		}
	}
}

func (e *Engine) accept(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		e.log.Debugw("accept failed", "Error", err)
		return
	}
	e.log.Debug("accepted conn")

	ctx := r.Context()
	e.mu.Lock()
	e.conns[wsConn] = ctx
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.conns, wsConn)
		e.mu.Unlock()
	}()

	for {
		typ, data, err := wsConn.Read(ctx)
		if err != nil {
			e.log.Debugw("conn closed", "Error", err)
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		select {
		case e.received <- data:
		default:
		}
		if e.identifyInfo != nil && gjson.GetBytes(data, "type").String() == "stingray_identify" {
			e.writeConn(ctx, wsConn, map[string]any{
				"type": "stingray_identify",
				"info": e.identifyInfo,
			})
		}
	}
}

// Send pushes one frame to every connected client.
func (e *Engine) Send(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return e.SendRaw(b)
}

// SendRaw pushes raw frame bytes (padded if configured) to every
// connected client.
func (e *Engine) SendRaw(b []byte) error {
	if e.padding > 0 {
		b = append(append([]byte{}, b...), make([]byte, e.padding)...)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for conn, ctx := range e.conns {
		wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := conn.Write(wctx, websocket.MessageText, b)
		cancel()
		if err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) writeConn(ctx context.Context, conn *websocket.Conn, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	if e.padding > 0 {
		b = append(b, make([]byte, e.padding)...)
	}
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Write(wctx, websocket.MessageText, b); err != nil {
		e.log.Debugw("write failed", "Error", err)
	}
}

// CloseConns drops every active client connection without stopping the
// listener, imitating an engine crash with a quick restart.
func (e *Engine) CloseConns() {
	e.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(e.conns))
	for conn := range e.conns {
		conns = append(conns, conn)
	}
	e.mu.Unlock()
	for _, conn := range conns {
		conn.Close(websocket.StatusGoingAway, "engine shutdown")
	}
}

// Stop shuts the engine down, dropping all connections.
func (e *Engine) Stop() error {
	e.CloseConns()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return e.srv.Shutdown(ctx)
}
