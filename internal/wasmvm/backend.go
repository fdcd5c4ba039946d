package wasmvm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"wasm-kata-runner/internal/config"
	"wasm-kata-runner/internal/fetch"
	"wasm-kata-runner/internal/monitor"
	"wasm-kata-runner/internal/runtime"
	"wasm-kata-runner/internal/sandbox"
	"wasm-kata-runner/pkg/wasipolicy"
)

// Backend bundles a Runner with the loader behind it.
type Backend struct {
	Runner  *sandbox.Runner
	Runtime runtime.Runtime
	loader  *Loader
}

// NewBackend wires fetchers, loader, session and runner from cfg. Nothing
// is downloaded until the first EnsureReady or Run. metrics and tracer may
// be nil.
func NewBackend(cfg *config.Config, metrics *monitor.Metrics, tracer *monitor.Tracer) (*Backend, error) {
	rt, err := runtime.NewRegistry().Get(cfg.Runtime.Language)
	if err != nil {
		return nil, err
	}

	limits := sandbox.Limits{
		MaxCodeBytes:   cfg.Limits.MaxCodeBytes,
		MaxOutputBytes: cfg.Limits.MaxOutputBytes,
	}
	if err := limits.Validate(); err != nil {
		return nil, err
	}

	policy := wasipolicy.DefaultProfile()
	if cfg.Runtime.StrictImports {
		policy = wasipolicy.StrictProfile()
	}

	moduleFetcher := fetch.New(fetch.Options{
		Timeout:    cfg.Runtime.FetchTimeout,
		RetryCount: 2,
	})
	loader, err := NewLoader(rt, moduleFetcher, Options{
		ModuleURL:           cfg.Runtime.ModuleURL,
		ModuleSHA256:        cfg.Runtime.ModuleSHA256,
		CacheDir:            cfg.Runtime.CacheDir,
		CompilationCacheDir: cfg.Runtime.CompilationCacheDir,
		MemoryLimitPages:    cfg.Runtime.MemoryLimitPages,
		Policy:              policy,
	}, metrics)
	if err != nil {
		return nil, fmt.Errorf("create loader: %w", err)
	}

	var executor sandbox.Executor = sandbox.SequentialExecutor{Runtime: rt}
	if cfg.Harness.Executor == "default" {
		executor = sandbox.DefaultExecutor{}
	}

	resources := fetch.New(fetch.Options{
		Timeout:    30 * time.Second,
		RetryCount: 2,
		BaseURL:    cfg.Harness.BaseURL,
		BaseDir:    cfg.Harness.BaseDir,
	})
	session := sandbox.NewSession(loader, resources, rt, sandbox.SessionOptions{
		HarnessRef: cfg.Harness.Path,
		Classifier: sandbox.NewClassifier(cfg.Classifier.Markers...),
		Executor:   executor,
		Engine:     sandbox.NewEngine(tracer, metrics),
	})

	log.Info().
		Str("runtime", rt.Name()).
		Str("module_url", cfg.Runtime.ModuleURL).
		Str("harness", cfg.Harness.Path).
		Str("executor", cfg.Harness.Executor).
		Msg("kata backend configured")

	return &Backend{
		Runner:  sandbox.NewRunner(session, rt, limits, metrics, tracer),
		Runtime: rt,
		loader:  loader,
	}, nil
}

// Close releases the session VM and the compilation cache.
func (b *Backend) Close(ctx context.Context) error {
	return errors.Join(b.Runner.Close(ctx), b.loader.Close(ctx))
}
