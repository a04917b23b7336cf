// Package runtime bundles the engine's process-wide service objects — cache
// manager, file-handle pool, virtual file registry, metrics, logger,
// configuration — behind one explicit Context passed to every component that
// needs them, instead of package-level singletons. Production wires one
// Context at startup; tests construct their own narrowly-scoped one.
package runtime

import (
	"context"
	"os"
	sysruntime "runtime"

	"github.com/sframecore/engine/internal/cachemgr"
	"github.com/sframecore/engine/internal/handles"
	"github.com/sframecore/engine/internal/metrics"
	"github.com/sframecore/engine/internal/vfs"
	"github.com/sframecore/engine/pkg/config"
	"github.com/sframecore/engine/pkg/logging"
)

// Context bundles the shared services every component needs: configuration,
// logger, metrics registry, cache manager, file-handle pool, virtual file
// registry, and a scratch directory for intermediate (sort/groupby/join)
// spill and materialized-node output files.
type Context struct {
	Config  *config.Configuration
	Log     *logging.Logger
	Metrics *metrics.Registry
	Cache   *cachemgr.Manager
	Handles *handles.Pool
	VFS     *vfs.Registry

	// WorkDir holds materialized column files and engine-internal spill
	// (groupby bucket runs, sort partitions, join build-side spill). It is
	// created lazily and never swept by this package; callers that want
	// cleanup call Close.
	WorkDir string

	// Degree is the execution engine's default parallelism.
	Degree int
}

// New wires one Context from cfg (nil selects config.Default()). It creates
// a process-identified work directory under the configured temp root.
func New(ctx context.Context, cfg *config.Configuration) (*Context, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	log := logging.Default()
	reg := metrics.NewRegistry()
	cache := cachemgr.New(cachemgr.Config{
		GlobalBudgetBytes:  cfg.Cache.GlobalBudgetBytes,
		PerBlockLimitBytes: cfg.Cache.PerBlockLimitBytes,
		SpillDir:           config.ProcessTempDir(),
	}, log, reg)
	hp := handles.New(handles.Config{}, log)

	registry, err := vfs.NewRegistry(ctx, cfg, cache, log)
	if err != nil {
		return nil, err
	}

	workDir := config.ProcessTempDir() + "/work"
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, err
	}

	degree := sysruntime.NumCPU()

	return &Context{
		Config: cfg, Log: log, Metrics: reg, Cache: cache, Handles: hp, VFS: registry,
		WorkDir: workDir, Degree: degree,
	}, nil
}

// NewForTest builds a minimal Context for unit tests: a fresh work directory
// under the OS temp root, a noop metrics registry, and no VFS (tests that
// need VFS backends construct their own registry).
func NewForTest(workDir string) *Context {
	log := logging.Default()
	reg := metrics.Noop()
	cache := cachemgr.New(cachemgr.Config{
		GlobalBudgetBytes:  2 << 30,
		PerBlockLimitBytes: 64 << 20,
		SpillDir:           workDir,
	}, log, reg)
	return &Context{
		Config:  config.Default(),
		Log:     log,
		Metrics: reg,
		Cache:   cache,
		Handles: handles.New(handles.Config{}, log),
		WorkDir: workDir,
		Degree:  2,
	}
}

// Close releases Context-owned resources. Column files individually owned
// through file-ownership handles are reclaimed when their last handle
// releases (SArray.Close / SFrame.Close); Close sweeps the rest of the
// work directory — engine spill and materialized intermediates whose
// handles were never released.
func (c *Context) Close() error {
	if c.WorkDir == "" {
		return nil
	}
	return os.RemoveAll(c.WorkDir)
}
