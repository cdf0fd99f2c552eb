package console_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stingray-assist/connect/console"
	"github.com/stingray-assist/connect/internal/netutil"
	"github.com/stingray-assist/connect/internal/testengine"
)

func waitDone(t *testing.T, conn *console.Connection) {
	t.Helper()
	select {
	case <-conn.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("connection did not terminate")
	}
}

func TestEventOrder(t *testing.T) {
	t.Parallel()

	engine, err := testengine.Start()
	require.NoError(t, err)
	t.Cleanup(func() { engine.Stop() })

	type event struct {
		kind string
		typ  string
	}
	evs := make(chan event, 16)

	conn := console.Dial(nil, "127.0.0.1", engine.Port(),
		console.OnConnect(func(*console.Connection) { evs <- event{kind: "connect"} }),
		console.OnData(func(f console.Frame) { evs <- event{kind: "data", typ: f.Type} }),
		console.OnDisconnect(func(error) { evs <- event{kind: "disconnect"} }),
	)
	t.Cleanup(conn.Close)

	next := func() event {
		select {
		case ev := <-evs:
			return ev
		case <-time.After(10 * time.Second):
			t.Fatal("timed out waiting for event")
			return event{}
		}
	}

	require.Equal(t, "connect", next().kind)
	assert.True(t, conn.Ready())
	require.True(t, engine.WaitConns(1, 10*time.Second))

	require.NoError(t, engine.Send(map[string]any{"type": "message", "message": "one"}))
	require.NoError(t, engine.Send(map[string]any{"type": "compile_progress", "i": 1, "count": 2}))

	ev := next()
	require.Equal(t, "data", ev.kind)
	assert.Equal(t, console.TypeMessage, ev.typ)
	ev = next()
	require.Equal(t, "data", ev.kind)
	assert.Equal(t, console.TypeCompileProgress, ev.typ)

	engine.CloseConns()
	require.Equal(t, "disconnect", next().kind)
	waitDone(t, conn)
	assert.True(t, conn.Closed())

	// No event of any kind may follow the disconnect.
	select {
	case ev := <-evs:
		t.Fatalf("unexpected event after disconnect: %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestDialFailure(t *testing.T) {
	t.Parallel()

	port, err := netutil.EphemeralTCPPort()
	require.NoError(t, err)

	var connects, disconnects atomic.Int32
	conn := console.Dial(nil, "127.0.0.1", port,
		console.OnConnect(func(*console.Connection) { connects.Add(1) }),
		console.OnDisconnect(func(error) { disconnects.Add(1) }),
	)
	waitDone(t, conn)

	assert.Equal(t, int32(0), connects.Load())
	assert.Equal(t, int32(1), disconnects.Load())
	assert.True(t, conn.Closed())
	assert.False(t, conn.Ready())
	assert.Error(t, conn.Err())
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	engine, err := testengine.Start()
	require.NoError(t, err)
	t.Cleanup(func() { engine.Stop() })

	var disconnects atomic.Int32
	conn := console.Dial(nil, "127.0.0.1", engine.Port(),
		console.OnDisconnect(func(error) { disconnects.Add(1) }),
	)
	require.True(t, conn.Outcome(testContext(t)))

	conn.Close()
	conn.Close()
	waitDone(t, conn)
	conn.Close()

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), disconnects.Load())
	assert.NoError(t, conn.Err())
}

func TestSendRequiresReady(t *testing.T) {
	t.Parallel()

	port, err := netutil.EphemeralTCPPort()
	require.NoError(t, err)

	conn := console.Dial(nil, "127.0.0.1", port)
	waitDone(t, conn)
	assert.ErrorIs(t, conn.Send(console.NewScript("print('hi')")), console.ErrNotReady)
}

func TestPaddedFramesDecode(t *testing.T) {
	t.Parallel()

	engine, err := testengine.Start(testengine.WithPadding(3))
	require.NoError(t, err)
	t.Cleanup(func() { engine.Stop() })

	frames := make(chan console.Frame, 1)
	conn := console.Dial(nil, "127.0.0.1", engine.Port(),
		console.OnData(func(f console.Frame) { frames <- f }),
	)
	t.Cleanup(conn.Close)
	require.True(t, conn.Outcome(testContext(t)))
	require.True(t, engine.WaitConns(1, 10*time.Second))

	require.NoError(t, engine.Send(map[string]any{"type": "message", "level": "info", "message": "hi"}))

	select {
	case f := <-frames:
		var m console.LogMessage
		require.NoError(t, f.Decode(&m))
		assert.Equal(t, "info", m.Level)
		assert.Equal(t, "hi", m.Message)
	case <-time.After(10 * time.Second):
		t.Fatal("frame not received")
	}
}

func TestMalformedFramesAreDropped(t *testing.T) {
	t.Parallel()

	engine, err := testengine.Start()
	require.NoError(t, err)
	t.Cleanup(func() { engine.Stop() })

	frames := make(chan console.Frame, 4)
	conn := console.Dial(nil, "127.0.0.1", engine.Port(),
		console.OnData(func(f console.Frame) { frames <- f }),
	)
	t.Cleanup(conn.Close)
	require.True(t, conn.Outcome(testContext(t)))
	require.True(t, engine.WaitConns(1, 10*time.Second))

	require.NoError(t, engine.SendRaw([]byte("this is not json")))
	require.NoError(t, engine.SendRaw([]byte(`{"untyped":true}`)))
	require.NoError(t, engine.Send(map[string]any{"type": "message", "message": "still alive"}))

	select {
	case f := <-frames:
		// The malformed frames vanish without an error or a disconnect;
		// only the well-formed one comes through.
		assert.Equal(t, console.TypeMessage, f.Type)
	case <-time.After(10 * time.Second):
		t.Fatal("frame not received")
	}
	assert.True(t, conn.Ready())
}
