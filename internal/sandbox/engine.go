package sandbox

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/rs/zerolog/log"

	"wasm-kata-runner/internal/monitor"
)

// Result is what a single evaluation produced on the guest side.
type Result struct {
	Inspect string
}

// VM is a live guest runtime. All Evaluate calls on one VM share a single
// guest namespace: definitions made by one call are visible to the next.
type VM interface {
	Evaluate(ctx context.Context, src string) (Result, error)
	Close(ctx context.Context) error
}

// Sinks are the two output streams wired into the guest's system interface.
type Sinks struct {
	Stdout io.Writer
	Stderr io.Writer
}

// Loader creates a VM whose output streams write to sinks.
type Loader interface {
	CreateVM(ctx context.Context, sinks Sinks) (VM, error)
}

// Engine evaluates source text against a VM, labelling failures with the
// stage they happened in.
type Engine struct {
	tracer  *monitor.Tracer
	metrics *monitor.Metrics
}

// NewEngine returns an engine. tracer and metrics may be nil.
func NewEngine(tracer *monitor.Tracer, metrics *monitor.Metrics) *Engine {
	return &Engine{tracer: tracer, metrics: metrics}
}

// Evaluate runs src on vm. Every failure comes back as a
// *GuestEvaluationError carrying stage.
func (e *Engine) Evaluate(ctx context.Context, vm VM, stage, src string) (Result, error) {
	ctx, span := e.tracer.Start(ctx, "evaluate", monitor.AttrStage.String(stage))
	defer span.End()

	start := time.Now()
	res, err := vm.Evaluate(ctx, src)
	logger := log.With().Str("stage", stage).Dur("duration", time.Since(start)).Logger()
	if e.metrics != nil {
		e.metrics.RecordEvaluation(stage, err == nil)
	}

	if err != nil {
		var gerr *GuestEvaluationError
		if !errors.As(err, &gerr) {
			gerr = &GuestEvaluationError{Message: err.Error(), Err: err}
		}
		if gerr.Stage == "" {
			gerr.Stage = stage
		}
		monitor.FailSpan(span, gerr)
		logger.Debug().Err(gerr).Msg("guest evaluation failed")
		return Result{}, gerr
	}

	logger.Debug().Msg("guest evaluation completed")
	return res, nil
}
