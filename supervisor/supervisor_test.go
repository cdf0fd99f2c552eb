package supervisor_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stingray-assist/connect/internal/netutil"
	"github.com/stingray-assist/connect/internal/testengine"
	"github.com/stingray-assist/connect/registry"
	"github.com/stingray-assist/connect/status"
	"github.com/stingray-assist/connect/supervisor"
)

// writeEngineScript installs a fake engine binary in root. body runs under
// /bin/sh with the launch arguments the supervisor builds.
func writeEngineScript(t *testing.T, root, body string) {
	t.Helper()
	path := filepath.Join(root, "engine.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
}

type statusRecorder struct {
	mu    sync.Mutex
	edges []status.Status
}

func (r *statusRecorder) record(s status.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.edges = append(r.edges, s)
}

func (r *statusRecorder) snapshot() []status.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]status.Status{}, r.edges...)
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestEnsureFailsWithoutToolchain(t *testing.T) {
	t.Parallel()

	port, err := netutil.EphemeralTCPPort()
	require.NoError(t, err)

	reg := registry.New(registry.WithCompilerAddr("127.0.0.1", port))
	t.Cleanup(reg.CloseAll)
	agg := status.New(reg)

	resolver := supervisor.NewResolver(filepath.Join(t.TempDir(), "missing.toml"))
	sup := supervisor.New(reg, resolver,
		supervisor.WithAttachBudget(1, 10*time.Millisecond),
		supervisor.WithPollBudget(2, 10*time.Millisecond))

	err = sup.Ensure(testContext(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "toolchain")
	assert.Equal(t, status.Disconnected, agg.Status())
}

func TestEnsureAdoptsRunningCompiler(t *testing.T) {
	t.Parallel()

	port, err := netutil.EphemeralTCPPort()
	require.NoError(t, err)
	engine, err := testengine.Start(testengine.WithPort(port))
	require.NoError(t, err)
	t.Cleanup(func() { engine.Stop() })

	root := t.TempDir()
	marker := filepath.Join(root, "spawned")
	writeEngineScript(t, root, "touch "+marker+"\nexec sleep 30")

	reg := registry.New(registry.WithCompilerAddr("127.0.0.1", port))
	t.Cleanup(reg.CloseAll)
	agg := status.New(reg)
	rec := &statusRecorder{}
	agg.Changed.Add(rec.record)

	resolver := supervisor.NewResolver(writeConfig(t, root))
	t.Cleanup(func() { resolver.Close() })
	sup := supervisor.New(reg, resolver,
		supervisor.WithAttachBudget(3, 100*time.Millisecond))

	done := make(chan error, 1)
	go func() { done <- sup.Ensure(testContext(t)) }()

	require.Eventually(t, func() bool { return agg.Status() == status.Connected },
		20*time.Second, 10*time.Millisecond)

	// Adoption is one-shot: the subroutine returns when the adopted
	// compiler goes away, without spawning anything.
	engine.CloseConns()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(20 * time.Second):
		t.Fatal("Ensure did not return after compiler disconnect")
	}

	_, statErr := os.Stat(marker)
	assert.True(t, errors.Is(statErr, os.ErrNotExist),
		"supervisor spawned a compile server while one was already running")
	assert.Equal(t, []status.Status{
		status.Connecting,
		status.Connected,
		status.Disconnected,
	}, rec.snapshot())
}

func TestEnsureSpawnsAndConnects(t *testing.T) {
	t.Parallel()

	port, err := netutil.EphemeralTCPPort()
	require.NoError(t, err)

	root := t.TempDir()
	countFile := filepath.Join(root, "spawncount")
	pidFile := filepath.Join(root, "pid")
	writeEngineScript(t, root,
		"echo x >> "+countFile+"\necho $$ > "+pidFile+"\nexec sleep 60")

	reg := registry.New(registry.WithCompilerAddr("127.0.0.1", port))
	t.Cleanup(reg.CloseAll)
	agg := status.New(reg)
	rec := &statusRecorder{}
	agg.Changed.Add(rec.record)

	resolver := supervisor.NewResolver(writeConfig(t, root))
	t.Cleanup(func() { resolver.Close() })
	sup := supervisor.New(reg, resolver,
		supervisor.WithAttachBudget(1, 50*time.Millisecond),
		supervisor.WithPollBudget(20, 200*time.Millisecond))

	done := make(chan error, 1)
	go func() { done <- sup.Ensure(testContext(t)) }()

	// The fake engine script can't listen on the console port itself, so
	// stand the endpoint up a moment after the spawn, inside the poll
	// window.
	require.Eventually(t, func() bool {
		_, err := os.Stat(countFile)
		return err == nil
	}, 20*time.Second, 10*time.Millisecond, "engine never spawned")
	time.Sleep(300 * time.Millisecond)
	engine, err := testengine.Start(testengine.WithPort(port))
	require.NoError(t, err)
	t.Cleanup(func() { engine.Stop() })

	require.Eventually(t, func() bool { return agg.Status() == status.Connected },
		25*time.Second, 10*time.Millisecond)

	engine.CloseConns()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(20 * time.Second):
		t.Fatal("Ensure did not return after compiler disconnect")
	}

	// Exactly one spawn, and no respawn after the disconnect.
	b, err := os.ReadFile(countFile)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(b), "x"))

	// Teardown killed the child.
	pidBytes, err := os.ReadFile(pidFile)
	require.NoError(t, err)
	pid, err := strconv.Atoi(strings.TrimSpace(string(pidBytes)))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return syscall.Kill(pid, 0) != nil
	}, 10*time.Second, 50*time.Millisecond, "spawned compile server still alive")

	assert.Equal(t, []status.Status{
		status.Connecting,
		status.Connected,
		status.Disconnected,
	}, rec.snapshot())
}

func TestEnsureFailsFastOnEarlyExit(t *testing.T) {
	t.Parallel()

	port, err := netutil.EphemeralTCPPort()
	require.NoError(t, err)

	root := t.TempDir()
	writeEngineScript(t, root, "exit 3")

	reg := registry.New(registry.WithCompilerAddr("127.0.0.1", port))
	t.Cleanup(reg.CloseAll)
	agg := status.New(reg)

	resolver := supervisor.NewResolver(writeConfig(t, root))
	t.Cleanup(func() { resolver.Close() })
	sup := supervisor.New(reg, resolver,
		supervisor.WithAttachBudget(1, 10*time.Millisecond),
		supervisor.WithPollBudget(10, 200*time.Millisecond))

	start := time.Now()
	err = sup.Ensure(testContext(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited")
	assert.Contains(t, err.Error(), "3")
	assert.Less(t, time.Since(start), 10*time.Second,
		"early exit must fail fast, not exhaust the poll budget")
	assert.Equal(t, status.Disconnected, agg.Status())
}

func TestEnsureFailsWhenSpawnNeverListens(t *testing.T) {
	t.Parallel()

	port, err := netutil.EphemeralTCPPort()
	require.NoError(t, err)

	root := t.TempDir()
	pidFile := filepath.Join(root, "pid")
	writeEngineScript(t, root, "echo $$ > "+pidFile+"\nexec sleep 60")

	reg := registry.New(registry.WithCompilerAddr("127.0.0.1", port))
	t.Cleanup(reg.CloseAll)
	agg := status.New(reg)

	resolver := supervisor.NewResolver(writeConfig(t, root))
	t.Cleanup(func() { resolver.Close() })
	sup := supervisor.New(reg, resolver,
		supervisor.WithAttachBudget(1, 10*time.Millisecond),
		supervisor.WithPollBudget(3, 100*time.Millisecond))

	err = sup.Ensure(testContext(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "did not accept")
	assert.Equal(t, status.Disconnected, agg.Status())

	// The failure path still kills the child.
	pidBytes, err := os.ReadFile(pidFile)
	require.NoError(t, err)
	pid, err := strconv.Atoi(strings.TrimSpace(string(pidBytes)))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return syscall.Kill(pid, 0) != nil
	}, 10*time.Second, 50*time.Millisecond, "spawned compile server still alive")
}
