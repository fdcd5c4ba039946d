package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"wasm-kata-runner/internal/monitor"
	"wasm-kata-runner/internal/runtime"
)

// Runner is the single entry point to a Session. It composes EnsureReady
// and Execute and never lets two runs overlap on the guest.
type Runner struct {
	session *Session
	runtime runtime.Runtime
	limits  Limits
	metrics *monitor.Metrics
	tracer  *monitor.Tracer

	mu     sync.Mutex // Held for the whole of a run or an initialization
	active atomic.Int64
	closed bool
}

// NewRunner creates a runner over session. metrics and tracer may be nil.
func NewRunner(session *Session, rt runtime.Runtime, limits Limits, metrics *monitor.Metrics, tracer *monitor.Tracer) *Runner {
	if limits == (Limits{}) {
		limits = DefaultLimits()
	}
	return &Runner{
		session: session,
		runtime: rt,
		limits:  limits,
		metrics: metrics,
		tracer:  tracer,
	}
}

// EnsureReady initializes the session eagerly.
func (r *Runner) EnsureReady(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("%w: runner closed", ErrNotReady)
	}
	return r.ensureReady(ctx)
}

func (r *Runner) ensureReady(ctx context.Context) error {
	if r.session.ready() {
		return nil
	}

	ctx, span := r.tracer.Start(ctx, "initialize", monitor.AttrRuntime.String(r.runtime.Name()))
	defer span.End()

	start := time.Now()
	err := r.session.EnsureReady(ctx)
	if r.metrics != nil {
		r.metrics.RecordInitialize(err == nil, time.Since(start).Seconds())
		r.metrics.SessionState.Set(float64(r.session.State()))
	}
	monitor.FailSpan(span, err)
	return err
}

// Run executes one submission: lazy initialization, then the three-stage
// harness sequence. Only initialization failures propagate as errors. Any
// code, empty included, is handed to the guest and whatever it does comes
// back as a RunResult.
func (r *Runner) Run(ctx context.Context, code string) (*RunResult, error) {
	r.active.Add(1)
	defer r.active.Add(-1)
	if r.metrics != nil {
		r.metrics.ActiveRuns.Inc()
		defer r.metrics.ActiveRuns.Dec()
		r.metrics.CodeSizeBytes.Observe(float64(len(code)))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, fmt.Errorf("%w: runner closed", ErrNotReady)
	}

	ctx, span := r.tracer.Start(ctx, "run", monitor.AttrRuntime.String(r.runtime.Name()))
	defer span.End()

	if err := r.ensureReady(ctx); err != nil {
		r.recordError("initialization")
		monitor.FailSpan(span, err)
		return nil, err
	}

	// Guest calls cannot be interrupted once started.
	result, err := r.session.Execute(context.WithoutCancel(ctx), code)
	if r.metrics != nil {
		r.metrics.SessionState.Set(float64(r.session.State()))
	}
	if err != nil {
		r.recordError("not_ready")
		return nil, err
	}

	result.Output = truncateLines(result.Output, r.limits.MaxOutputBytes, r.session.classifier)

	status := runStatus(result)
	if r.metrics != nil {
		r.metrics.RecordRun(status, result.Duration.Seconds())
		r.metrics.OutputSizeBytes.Observe(float64(outputSize(result.Output)))
		if result.Err != nil {
			r.recordError("guest_" + guestStage(result.Err))
		}
	}

	span.SetAttributes(monitor.RunAttributes(result.ID, result.CodeHash, status, result.Duration)...)

	log.Info().
		Str("run_id", result.ID).
		Str("status", status).
		Dur("duration", result.Duration).
		Msg("run finished")

	return result, nil
}

// State reports the session state.
func (r *Runner) State() State {
	return r.session.State()
}

// Runtime returns the guest runtime descriptor.
func (r *Runner) Runtime() runtime.Runtime {
	return r.runtime
}

// Limits returns the submission and output bounds. Callers that accept
// code from the network enforce MaxCodeBytes before calling Run.
func (r *Runner) Limits() Limits {
	return r.limits
}

// ActiveCount returns the number of runs waiting for or holding the session.
func (r *Runner) ActiveCount() int64 {
	return r.active.Load()
}

// Close waits for the current run and releases the VM.
func (r *Runner) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return r.session.Close(ctx)
}

func (r *Runner) recordError(kind string) {
	if r.metrics != nil {
		r.metrics.RecordError(kind)
	}
}

func runStatus(res *RunResult) string {
	switch {
	case res.Err != nil:
		return "error"
	case res.Success:
		return "passed"
	default:
		return "failed"
	}
}

func guestStage(err error) string {
	var gerr *GuestEvaluationError
	if errors.As(err, &gerr) && gerr.Stage != "" {
		return gerr.Stage
	}
	return "unknown"
}
