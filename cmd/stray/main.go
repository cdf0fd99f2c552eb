package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/stingray-assist/connect/console"
	"github.com/stingray-assist/connect/output"
	"github.com/stingray-assist/connect/registry"
	"github.com/stingray-assist/connect/status"
	"github.com/stingray-assist/connect/supervisor"
)

func main() {
	app := &cli.App{
		Name:  "stray",
		Usage: "connect to a Stingray engine's console endpoints",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level. One of [debug,info,warn,error].",
				Value: "info",
			},
			&cli.StringFlag{
				Name:  "metrics-addr",
				Usage: "Address to serve Prometheus metrics on. Empty disables the endpoint.",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "compiler",
				Usage: "ensure a compile server is reachable, supervising a spawned one if needed",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "config",
						Usage: "Path to the toolchain config file. Defaults to searching for stray.toml upward from the working directory.",
					},
					&cli.IntFlag{
						Name:  "port",
						Usage: "The compile server console port.",
						Value: registry.DefaultCompilerPort,
					},
					&cli.IntFlag{
						Name:  "poll-attempts",
						Usage: "Connection polls after spawning before giving up.",
						Value: 20,
					},
					&cli.StringFlag{
						Name:  "poll-delay",
						Usage: "Delay between connection polls.",
						Value: "1s",
					},
				},
				Action: runCompiler,
			},
			{
				Name:  "scan",
				Usage: "scan for running game instances and tail their logs",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "ip",
						Usage: "The address to scan.",
						Value: "127.0.0.1",
					},
					&cli.IntFlag{
						Name:  "port-start",
						Usage: "First instance console port to scan.",
						Value: registry.DefaultInstancePortStart,
					},
					&cli.IntFlag{
						Name:  "count",
						Usage: "Number of contiguous ports to scan.",
						Value: registry.MaxConnections,
					},
					&cli.StringFlag{
						Name:  "out-dir",
						Usage: "Directory for per-endpoint log files. Empty writes everything to stdout.",
					},
				},
				Action: runScan,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func buildLogger(ctx *cli.Context) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(ctx.String("log-level"))
	if err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	return cfg.Build()
}

// serveMetrics exposes the Prometheus registry when --metrics-addr is set.
func serveMetrics(ctx *cli.Context, logger *zap.Logger) {
	addr := ctx.String("metrics-addr")
	if addr == "" {
		return
	}
	router := httprouter.New()
	router.Handler(http.MethodGet, "/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(addr, router); err != nil {
			logger.Sugar().Errorw("metrics server failed", "Error", err)
		}
	}()
}

func runCompiler(ctx *cli.Context) error {
	logger, err := buildLogger(ctx)
	if err != nil {
		return err
	}
	defer logger.Sync()
	serveMetrics(ctx, logger)

	pollDelay, err := time.ParseDuration(ctx.String("poll-delay"))
	if err != nil {
		return fmt.Errorf("parsing poll delay: %w", err)
	}

	reg := registry.New(
		registry.WithLogger(logger),
		registry.WithCompilerAddr("127.0.0.1", ctx.Int("port")),
	)
	defer reg.CloseAll()

	agg := status.New(reg)
	agg.Changed.Add(func(s status.Status) {
		logger.Sugar().Infow("compiler status", "Status", s.String())
	})

	router := output.New(newSinkFactory(ctx.String("out-dir"), logger))
	reg.CompilerChanged.Add(func(ev registry.CompilerEvent) {
		if ev != registry.CompilerConnected {
			return
		}
		if conn := reg.Compiler(); conn != nil {
			router.Attach(output.CompilerIdentity, conn)
		}
	})

	resolver := supervisor.NewResolver(ctx.String("config"),
		supervisor.WithResolverLogger(logger))
	defer resolver.Close()

	sup := supervisor.New(reg, resolver,
		supervisor.WithLogger(logger),
		supervisor.WithPollBudget(ctx.Int("poll-attempts"), pollDelay))

	runCtx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return sup.Ensure(runCtx)
}

func runScan(ctx *cli.Context) error {
	logger, err := buildLogger(ctx)
	if err != nil {
		return err
	}
	defer logger.Sync()
	serveMetrics(ctx, logger)

	reg := registry.New(registry.WithLogger(logger))
	defer reg.CloseAll()

	router := output.New(newSinkFactory(ctx.String("out-dir"), logger))

	// Sinks attach at connect time. The aggregate change event tells us a
	// connect (or drop) happened; attach any Ready instance we have not
	// seen yet.
	var mu sync.Mutex
	attached := make(map[*console.Connection]bool)
	reg.ConnectionsChanged.Add(func(struct{}) {
		for _, conn := range reg.Games() {
			mu.Lock()
			seen := attached[conn]
			attached[conn] = true
			mu.Unlock()
			if seen {
				continue
			}
			router.Attach(output.InstanceIdentity(conn.Port()), conn)
			go func(conn *console.Connection) {
				idCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if info := conn.Identify(idCtx); info != nil {
					logger.Sugar().Infow("instance identified",
						"Port", conn.Port(), "Platform", info.Platform, "Build", info.Build)
				}
			}(conn)
		}
	})

	reg.ConnectAll(ctx.Int("port-start"), ctx.Int("count"), ctx.String("ip"))

	runCtx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	<-runCtx.Done()
	return nil
}

// newSinkFactory returns per-identity log sinks: files under dir, or
// prefixed stdout when dir is empty.
func newSinkFactory(dir string, logger *zap.Logger) func(identity string) io.Writer {
	if dir == "" {
		return func(identity string) io.Writer {
			return &prefixWriter{prefix: "[" + identity + "] ", w: os.Stdout}
		}
	}
	return func(identity string) io.Writer {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logger.Sugar().Errorw("creating output dir", "Error", err)
			return os.Stdout
		}
		name := filepath.Join(dir, sanitize(identity)+".log")
		f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			logger.Sugar().Errorw("opening sink file", "Path", name, "Error", err)
			return os.Stdout
		}
		return f
	}
}

func sanitize(identity string) string {
	out := []rune(identity)
	for i, r := range out {
		if r == ' ' || r == '/' || r == ':' {
			out[i] = '_'
		}
	}
	return string(out)
}

// prefixWriter prefixes every line with the endpoint identity so
// interleaved sinks stay readable on a shared stream.
type prefixWriter struct {
	prefix string
	w      io.Writer

	midLine bool
}

func (p *prefixWriter) Write(b []byte) (int, error) {
	for _, line := range bytes.SplitAfter(b, []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		if !p.midLine {
			if _, err := io.WriteString(p.w, p.prefix); err != nil {
				return 0, err
			}
		}
		if _, err := p.w.Write(line); err != nil {
			return 0, err
		}
		p.midLine = line[len(line)-1] != '\n'
	}
	return len(b), nil
}
