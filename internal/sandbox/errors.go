package sandbox

import (
	"errors"
	"fmt"
)

// Sentinel errors for typed error checking.
var (
	ErrInitialization  = errors.New("guest runtime initialization failed")
	ErrResourceLoad    = errors.New("resource load failed")
	ErrGuestEvaluation = errors.New("guest evaluation failed")
	ErrVMBroken        = errors.New("guest vm is no longer usable")
	ErrNotReady        = errors.New("session not ready")
	ErrInvalidLimits   = errors.New("invalid limits")
)

// InitializationError wraps a failure while fetching, compiling or
// instantiating the guest runtime.
type InitializationError struct {
	Op  string // The loader step that failed
	Err error
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("initialize %s: %s", e.Op, e.Err)
}

func (e *InitializationError) Unwrap() error {
	return e.Err
}

func (e *InitializationError) Is(target error) bool {
	return target == ErrInitialization
}

// ResourceLoadError reports a harness (or other relative resource) fetch
// that did not succeed.
type ResourceLoadError struct {
	Ref    string
	Status int // HTTP status when known, 0 otherwise
	Err    error
}

func (e *ResourceLoadError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("load %s: status %d: %s", e.Ref, e.Status, e.Err)
	}
	return fmt.Sprintf("load %s: %s", e.Ref, e.Err)
}

func (e *ResourceLoadError) Unwrap() error {
	return e.Err
}

func (e *ResourceLoadError) Is(target error) bool {
	return target == ErrResourceLoad
}

// GuestEvaluationError wraps anything the guest raised while evaluating
// source text, syntax errors included.
type GuestEvaluationError struct {
	Stage   string // user, harness, trigger, probe...
	Message string
	Err     error // optional cause, e.g. ErrVMBroken after a trap
}

func (e *GuestEvaluationError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("%s: %s", e.Stage, e.Message)
	}
	return e.Message
}

func (e *GuestEvaluationError) Unwrap() error {
	return e.Err
}

func (e *GuestEvaluationError) Is(target error) bool {
	return target == ErrGuestEvaluation
}

// IsGuestError returns true if the error was raised inside the guest.
func IsGuestError(err error) bool {
	return errors.Is(err, ErrGuestEvaluation)
}

// IsVMBroken returns true if the VM trapped and must be recreated.
func IsVMBroken(err error) bool {
	return errors.Is(err, ErrVMBroken)
}
