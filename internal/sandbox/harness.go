package sandbox

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog/log"

	"wasm-kata-runner/internal/fetch"
	"wasm-kata-runner/internal/runtime"
)

// Evaluation stages of a harness run, in order.
const (
	StageUser    = "user"
	StageHarness = "harness"
	StageTrigger = "trigger"
	StageProbe   = "probe"
)

// ResourceFetcher resolves a resource reference (a relative path or URL)
// to its bytes.
type ResourceFetcher interface {
	Resource(ctx context.Context, ref string) ([]byte, error)
}

// LoadHarness fetches the harness source once. Any failure is a
// *ResourceLoadError.
func LoadHarness(ctx context.Context, f ResourceFetcher, ref string) (string, error) {
	data, err := f.Resource(ctx, ref)
	if err != nil {
		rerr := &ResourceLoadError{Ref: ref, Err: err}
		var serr *fetch.StatusError
		if errors.As(err, &serr) {
			rerr.Status = serr.StatusCode
		}
		return "", rerr
	}
	log.Info().Str("ref", ref).Int("bytes", len(data)).Msg("harness source loaded")
	return string(data), nil
}

// Executor decides how the harness framework schedules its tests.
// InstallSource returns guest source that is evaluated before the
// harness entry point; an empty string leaves the framework default.
type Executor interface {
	InstallSource() string
}

// SequentialExecutor replaces the framework's concurrent executor with a
// no-op one so tests run one after another on the single guest thread.
type SequentialExecutor struct {
	Runtime runtime.Runtime
}

func (e SequentialExecutor) InstallSource() string {
	return e.Runtime.SequentialExecutor()
}

// DefaultExecutor keeps whatever executor the framework ships with.
type DefaultExecutor struct{}

func (DefaultExecutor) InstallSource() string { return "" }

// Harness runs user code and the fixed test suite in one guest namespace.
type Harness struct {
	engine   *Engine
	runtime  runtime.Runtime
	executor Executor
}

// NewHarness builds an invoker. A nil executor selects SequentialExecutor.
func NewHarness(engine *Engine, rt runtime.Runtime, executor Executor) *Harness {
	if executor == nil {
		executor = SequentialExecutor{Runtime: rt}
	}
	return &Harness{engine: engine, runtime: rt, executor: executor}
}

// Trigger returns the source evaluated in the last stage: executor
// installation followed by the suite entry point.
func (h *Harness) Trigger() string {
	install := strings.TrimSpace(h.executor.InstallSource())
	if install == "" {
		return h.runtime.EntryPoint()
	}
	return install + "\n" + h.runtime.EntryPoint()
}

// Run evaluates user code, the harness source and the trigger, strictly in
// that order. The first failing stage stops the sequence; its error is a
// *GuestEvaluationError naming the stage.
func (h *Harness) Run(ctx context.Context, vm VM, userCode, harnessSrc string) error {
	stages := []struct {
		name string
		src  string
	}{
		{StageUser, userCode},
		{StageHarness, harnessSrc},
		{StageTrigger, h.Trigger()},
	}

	for _, st := range stages {
		if _, err := h.engine.Evaluate(ctx, vm, st.name, st.src); err != nil {
			return err
		}
	}
	return nil
}
