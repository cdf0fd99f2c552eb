package supervisor

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/pelletier/go-toml/v2"
	"go.uber.org/zap"

	"github.com/stingray-assist/connect/internal/files"
)

// ConfigFileName is the toolchain config file looked up from the working
// directory toward the filesystem root when no explicit path is given.
const ConfigFileName = "stray.toml"

// ToolchainConfig locates the engine toolchain used to launch a compile
// server.
type ToolchainConfig struct {
	// Root is the toolchain installation directory. Required.
	Root string `toml:"root"`
	// Engine is the engine binary, relative to Root unless absolute.
	// Defaults to "engine".
	Engine string `toml:"engine"`
	// SourceDir is the project source directory passed to the compile
	// server.
	SourceDir string `toml:"source_dir"`
	// DataDir is the compiled data directory passed to the compile server.
	DataDir string `toml:"data_dir"`
}

// EngineBinary returns the absolute path of the engine binary.
func (c *ToolchainConfig) EngineBinary() string {
	if filepath.IsAbs(c.Engine) {
		return c.Engine
	}
	return filepath.Join(c.Root, c.Engine)
}

type configFile struct {
	Toolchain ToolchainConfig `toml:"toolchain"`
}

// Resolver loads and caches the toolchain config. The cache is invalidated
// when the underlying file changes on disk, so edits take effect on the
// next Resolve without restarting.
type Resolver struct {
	log  *zap.SugaredLogger
	path string

	mu      sync.Mutex
	cached  *ToolchainConfig
	watcher *fsnotify.Watcher
}

type ResolverOption func(r *Resolver)

func WithResolverLogger(l *zap.Logger) ResolverOption {
	return func(r *Resolver) { r.log = l.Named("toolchain").Sugar() }
}

// NewResolver constructs a Resolver. path may be empty, in which case the
// config file is searched upward from the working directory.
func NewResolver(path string, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		log:  zap.NewNop().Sugar(),
		path: path,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Resolve returns the toolchain config, reading and validating the config
// file when the cache is empty. A missing or invalid config is an error;
// the supervisor treats it as fatal for the attempt and does not retry.
func (r *Resolver) Resolve() (*ToolchainConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cached != nil {
		return r.cached, nil
	}

	path := r.path
	if path == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("getting working directory: %w", err)
		}
		path = files.FindUp(ConfigFileName, wd)
		if path == "" {
			return nil, fmt.Errorf("no %s found from %s upward", ConfigFileName, wd)
		}
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading toolchain config: %w", err)
	}
	var cf configFile
	if err := toml.Unmarshal(b, &cf); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	cfg := cf.Toolchain
	if cfg.Root == "" {
		return nil, fmt.Errorf("%s: toolchain.root is required", path)
	}
	if fi, err := os.Stat(cfg.Root); err != nil || !fi.IsDir() {
		return nil, fmt.Errorf("%s: toolchain.root %q is not a directory", path, cfg.Root)
	}
	if cfg.Engine == "" {
		cfg.Engine = "engine"
	}

	r.cached = &cfg
	r.watch(path)
	r.log.Infow("toolchain resolved", "Path", path, "Root", cfg.Root)
	return r.cached, nil
}

// watch invalidates the cache whenever the config file changes. Called
// with r.mu held, after the first successful resolve.
func (r *Resolver) watch(path string) {
	if r.watcher != nil {
		return
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		r.log.Debugw("config watch unavailable", "Error", err)
		return
	}
	if err := w.Add(path); err != nil {
		r.log.Debugw("config watch failed", "Path", path, "Error", err)
		w.Close()
		return
	}
	r.watcher = w
	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					r.mu.Lock()
					r.cached = nil
					r.mu.Unlock()
					r.log.Debugw("toolchain config changed", "Path", ev.Name)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				r.log.Debugw("config watch error", "Error", err)
			}
		}
	}()
}

// Close stops the config file watcher.
func (r *Resolver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.watcher == nil {
		return nil
	}
	err := r.watcher.Close()
	r.watcher = nil
	return err
}
