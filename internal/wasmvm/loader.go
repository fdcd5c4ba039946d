// Package wasmvm runs the guest language runtime as a WebAssembly module
// under wazero.
package wasmvm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"wasm-kata-runner/internal/monitor"
	"wasm-kata-runner/internal/runtime"
	"wasm-kata-runner/internal/sandbox"
	"wasm-kata-runner/pkg/wasipolicy"
)

// Options configures a Loader.
type Options struct {
	ModuleURL           string // overrides the runtime's default module URL
	ModuleSHA256        string // optional hex pin of the module bytes
	CacheDir            string // zstd module cache; empty disables it
	CompilationCacheDir string // wazero compilation cache; empty disables it
	MemoryLimitPages    uint32 // 64KiB pages; 0 keeps wazero's default
	Policy              *wasipolicy.Profile
}

// ModuleFetcher downloads the guest module.
type ModuleFetcher interface {
	Get(ctx context.Context, url string) ([]byte, error)
}

// Loader creates VMs for one guest runtime. Module bytes are fetched once
// per process and reused when a VM has to be recreated.
type Loader struct {
	rt        runtime.Runtime
	fetcher   ModuleFetcher
	opts      Options
	cache     *ModuleCache
	compCache wazero.CompilationCache
	metrics   *monitor.Metrics

	mu     sync.Mutex
	module []byte
}

// NewLoader creates a loader. metrics may be nil.
func NewLoader(rt runtime.Runtime, fetcher ModuleFetcher, opts Options, metrics *monitor.Metrics) (*Loader, error) {
	if opts.ModuleURL == "" {
		opts.ModuleURL = rt.ModuleURL()
	}
	if opts.Policy == nil {
		opts.Policy = wasipolicy.DefaultProfile()
	}

	l := &Loader{rt: rt, fetcher: fetcher, opts: opts, metrics: metrics}

	if opts.CacheDir != "" {
		c, err := NewModuleCache(opts.CacheDir)
		if err != nil {
			return nil, err
		}
		if _, err := c.CleanupOrphaned(); err != nil {
			log.Warn().Err(err).Msg("module cache cleanup failed")
		}
		l.cache = c
	}
	if opts.CompilationCacheDir != "" {
		cc, err := wazero.NewCompilationCacheWithDir(opts.CompilationCacheDir)
		if err != nil {
			return nil, fmt.Errorf("create compilation cache: %w", err)
		}
		l.compCache = cc
	}
	return l, nil
}

// CreateVM fetches, compiles and instantiates the guest, then starts the
// language runtime inside it. Every failure is a *sandbox.InitializationError.
func (l *Loader) CreateVM(ctx context.Context, sinks sandbox.Sinks) (sandbox.VM, error) {
	start := time.Now()
	logger := log.With().Str("runtime", l.rt.Name()).Str("module_url", l.opts.ModuleURL).Logger()

	data, err := l.moduleBytes(ctx)
	if err != nil {
		return nil, &sandbox.InitializationError{Op: "fetch", Err: err}
	}

	rcfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(false)
	if l.opts.MemoryLimitPages > 0 {
		rcfg = rcfg.WithMemoryLimitPages(l.opts.MemoryLimitPages)
	}
	if l.compCache != nil {
		rcfg = rcfg.WithCompilationCache(l.compCache)
	}
	wrt := wazero.NewRuntimeWithConfig(ctx, rcfg)

	vm, op, err := l.build(ctx, wrt, data, sinks)
	if err != nil {
		if cerr := wrt.Close(ctx); cerr != nil {
			logger.Warn().Err(cerr).Msg("closing runtime after failed init")
		}
		return nil, &sandbox.InitializationError{Op: op, Err: err}
	}

	logger.Info().Dur("duration", time.Since(start)).Msg("guest vm created")
	return vm, nil
}

func (l *Loader) build(ctx context.Context, wrt wazero.Runtime, data []byte, sinks sandbox.Sinks) (*VM, string, error) {
	compiled, err := wrt.CompileModule(ctx, data)
	if err != nil {
		return nil, "compile", err
	}

	// System interface first, then the guest's other imports.
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, wrt); err != nil {
		return nil, "wasi", err
	}
	table := newHandleTable()
	if err := bindImports(ctx, wrt, compiled, l.opts.Policy, table); err != nil {
		return nil, "bind_imports", err
	}

	cfg := l.opts.Policy.ModuleConfig(sinks.Stdout, sinks.Stderr).WithName(l.rt.Name())
	mod, err := wrt.InstantiateModule(ctx, compiled, cfg)
	if err != nil {
		return nil, "instantiate", err
	}

	abi, err := newGuestABI(mod, compiled.ExportedFunctions())
	if err != nil {
		return nil, "bind_abi", err
	}
	table.dropRep = func(ctx context.Context, kind string, rep uint32) error {
		if !abi.has(guestDropPrefix + kind) {
			return nil
		}
		_, err := abi.call(ctx, guestDropPrefix+kind, uint64(rep))
		return err
	}

	vm := &VM{rt: l.rt, wrt: wrt, mod: mod, abi: abi, table: table}
	if err := vm.initSystem(ctx); err != nil {
		return nil, "init_wasi", err
	}
	if err := vm.initRuntime(ctx); err != nil {
		return nil, "init_runtime", err
	}
	return vm, "", nil
}

// moduleBytes returns the guest module, from memory, the on-disk cache or
// the network, in that order.
func (l *Loader) moduleBytes(ctx context.Context) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.module != nil {
		l.recordLoad("memory")
		return l.module, nil
	}

	if l.cache != nil {
		if data, ok := l.cache.Get(l.opts.ModuleURL, l.opts.ModuleSHA256); ok {
			l.module = data
			l.recordLoad("cache")
			return data, nil
		}
	}

	start := time.Now()
	data, err := l.fetcher.Get(ctx, l.opts.ModuleURL)
	if err != nil {
		return nil, err
	}
	if err := VerifySHA256(data, l.opts.ModuleSHA256); err != nil {
		return nil, err
	}
	log.Info().
		Str("url", l.opts.ModuleURL).
		Int("bytes", len(data)).
		Dur("duration", time.Since(start)).
		Msg("guest module downloaded")

	if l.cache != nil {
		if err := l.cache.Put(l.opts.ModuleURL, data); err != nil {
			log.Warn().Err(err).Msg("module cache write failed")
		}
	}
	l.module = data
	l.recordLoad("network")
	return data, nil
}

func (l *Loader) recordLoad(source string) {
	if l.metrics != nil {
		l.metrics.RecordModuleLoad(source)
	}
}

// Close releases the compilation cache.
func (l *Loader) Close(ctx context.Context) error {
	if l.compCache != nil {
		return l.compCache.Close(ctx)
	}
	return nil
}
