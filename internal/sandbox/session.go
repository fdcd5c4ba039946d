package sandbox

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"wasm-kata-runner/internal/runtime"
)

// State is the lifecycle state of a Session.
type State int32

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	default:
		return "unknown"
	}
}

// RunResult is produced fresh for every run.
type RunResult struct {
	ID       string        `json:"id"`
	Output   []string      `json:"output"`
	Success  bool          `json:"success"`
	Duration time.Duration `json:"duration"`
	CodeHash string        `json:"code_hash"`
	Err      error         `json:"-"` // guest error that ended the run early, if any
}

// Status is "passed", "failed" or "error".
func (r *RunResult) Status() string {
	return runStatus(r)
}

// SessionOptions configures a Session.
type SessionOptions struct {
	HarnessRef string
	Classifier Classifier
	Executor   Executor // nil selects SequentialExecutor
	Engine     *Engine  // nil selects an untraced engine
}

// Session owns one VM, its output buffer and the harness source. It is
// not safe for overlapping Execute calls; Runner serialises them.
type Session struct {
	loader     Loader
	fetcher    ResourceFetcher
	runtime    runtime.Runtime
	engine     *Engine
	harness    *Harness
	classifier Classifier
	harnessRef string

	buffer *OutputBuffer
	stdout *LineSink
	stderr *LineSink

	state  atomic.Int32
	init   singleflight.Group
	setups atomic.Int64

	mu         sync.Mutex // Protects vm and harnessSrc
	vm         VM
	harnessSrc string
}

// NewSession creates an uninitialized session.
func NewSession(loader Loader, fetcher ResourceFetcher, rt runtime.Runtime, opts SessionOptions) *Session {
	engine := opts.Engine
	if engine == nil {
		engine = NewEngine(nil, nil)
	}
	classifier := opts.Classifier
	if len(classifier.Markers) == 0 {
		classifier = NewClassifier()
	}

	buffer := NewOutputBuffer()
	return &Session{
		loader:     loader,
		fetcher:    fetcher,
		runtime:    rt,
		engine:     engine,
		harness:    NewHarness(engine, rt, opts.Executor),
		classifier: classifier,
		harnessRef: opts.HarnessRef,
		buffer:     buffer,
		stdout:     NewLineSink("stdout", "", buffer),
		stderr:     NewLineSink("stderr", "[warn] ", buffer),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Setups returns how many times runtime setup completed.
func (s *Session) Setups() int64 {
	return s.setups.Load()
}

// EnsureReady initializes the session unless it already is. Concurrent
// callers share one initialization attempt. On failure the session is
// back to Uninitialized and the error is an InitializationError or a
// ResourceLoadError.
func (s *Session) EnsureReady(ctx context.Context) error {
	if s.ready() {
		return nil
	}
	_, err, _ := s.init.Do("init", func() (any, error) {
		if s.ready() {
			return nil, nil
		}
		return nil, s.initialize(ctx)
	})
	return err
}

func (s *Session) ready() bool {
	st := s.State()
	return st == StateReady || st == StateRunning
}

func (s *Session) initialize(ctx context.Context) error {
	s.state.Store(int32(StateInitializing))
	logger := log.With().Str("runtime", s.runtime.Name()).Logger()
	logger.Info().Msg("initializing session")
	start := time.Now()

	vm, err := s.loader.CreateVM(ctx, Sinks{Stdout: s.stdout, Stderr: s.stderr})
	if err != nil {
		s.state.Store(int32(StateUninitialized))
		if !errors.Is(err, ErrInitialization) {
			err = &InitializationError{Op: "create_vm", Err: err}
		}
		logger.Error().Err(err).Msg("vm creation failed")
		return err
	}

	res, err := s.engine.Evaluate(ctx, vm, StageProbe, s.runtime.Probe())
	switch {
	case IsVMBroken(err):
		if cerr := vm.Close(ctx); cerr != nil {
			logger.Warn().Err(cerr).Msg("closing vm after probe trap")
		}
		s.state.Store(int32(StateUninitialized))
		logger.Error().Err(err).Msg("vm trapped during harness framework probe")
		return &InitializationError{Op: "probe", Err: err}
	case err != nil:
		logger.Warn().Err(err).Msg("harness framework probe failed")
	case res.Inspect != "true":
		logger.Warn().Str("probe", res.Inspect).Msg("harness framework not loadable in guest")
	}

	src, err := LoadHarness(ctx, s.fetcher, s.harnessRef)
	if err != nil {
		if cerr := vm.Close(ctx); cerr != nil {
			logger.Warn().Err(cerr).Msg("closing vm after harness load failure")
		}
		s.state.Store(int32(StateUninitialized))
		logger.Error().Err(err).Msg("harness load failed")
		return err
	}

	if stale := s.drain(); len(stale) > 0 {
		logger.Debug().Int("lines", len(stale)).Msg("discarded setup output")
	}

	s.mu.Lock()
	s.vm = vm
	s.harnessSrc = src
	s.mu.Unlock()

	s.setups.Add(1)
	s.state.Store(int32(StateReady))
	logger.Info().Dur("duration", time.Since(start)).Msg("session ready")
	return nil
}

// Execute runs the three-stage harness sequence for code. It only fails
// with ErrNotReady; guest failures become a failing RunResult whose last
// output line is the error message.
func (s *Session) Execute(ctx context.Context, code string) (*RunResult, error) {
	if !s.state.CompareAndSwap(int32(StateReady), int32(StateRunning)) {
		return nil, fmt.Errorf("%w: state is %s", ErrNotReady, s.State())
	}
	next := StateReady
	defer func() { s.state.Store(int32(next)) }()

	s.mu.Lock()
	vm, harnessSrc := s.vm, s.harnessSrc
	s.mu.Unlock()

	result := &RunResult{
		ID:       uuid.New().String(),
		CodeHash: fmt.Sprintf("%x", sha256.Sum256([]byte(code))),
	}
	logger := log.With().
		Str("run_id", result.ID).
		Str("code_hash", result.CodeHash[:16]).
		Logger()

	if stale := s.drain(); len(stale) > 0 {
		logger.Debug().Int("lines", len(stale)).Msg("discarded output from before the run")
	}

	start := time.Now()
	runErr := s.harness.Run(ctx, vm, code, harnessSrc)
	result.Duration = time.Since(start)
	result.Output = s.drain()

	if runErr != nil {
		result.Output = append(result.Output, runErr.Error())
		result.Err = runErr
		logger.Info().Err(runErr).Msg("run ended with guest error")

		if IsVMBroken(runErr) {
			logger.Warn().Msg("vm trapped, session will reinitialize on next run")
			s.discardVM(ctx)
			next = StateUninitialized
		}
		return result, nil
	}

	result.Success = s.classifier.Classify(strings.Join(result.Output, "\n"))
	logger.Info().
		Bool("success", result.Success).
		Int("lines", len(result.Output)).
		Dur("duration", result.Duration).
		Msg("run completed")
	return result, nil
}

// Close releases the VM. The session can be initialized again afterwards.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	vm := s.vm
	s.vm = nil
	s.mu.Unlock()

	s.state.Store(int32(StateUninitialized))
	if vm == nil {
		return nil
	}
	return vm.Close(ctx)
}

func (s *Session) discardVM(ctx context.Context) {
	s.mu.Lock()
	vm := s.vm
	s.vm = nil
	s.mu.Unlock()

	if vm != nil {
		if err := vm.Close(ctx); err != nil {
			log.Warn().Err(err).Msg("closing broken vm")
		}
	}
}

// drain flushes partial lines from both sinks and empties the buffer.
func (s *Session) drain() []string {
	s.stdout.Sync()
	s.stderr.Sync()
	if s.buffer.Len() == 0 {
		return nil
	}
	return strings.Split(s.buffer.Flush(), "\n")
}
