package wasmvm

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"wasm-kata-runner/internal/runtime"
	"wasm-kata-runner/internal/sandbox"
)

// protectError is a non-zero state from a protected guest eval: the
// guest raised, but the VM is intact.
type protectError struct {
	state uint32
}

func (e *protectError) Error() string {
	return fmt.Sprintf("guest raised an exception (state %d)", e.state)
}

// VM is one instantiated guest. All evaluations share the guest's
// top-level namespace.
type VM struct {
	mu     sync.Mutex
	rt     runtime.Runtime
	wrt    wazero.Runtime
	mod    api.Module
	abi    *guestABI
	table  *handleTable
	broken error
	closed bool
}

// initSystem runs the reactor's WASI initializer when it has one.
func (v *VM) initSystem(ctx context.Context) error {
	if !v.abi.has("_initialize") {
		log.Debug().Msg("guest has no _initialize export")
		return nil
	}
	_, err := v.abi.call(ctx, "_initialize")
	return err
}

// initRuntime starts the language runtime controller. Newer guests take
// the arguments in ruby-init itself; older ones split init, sysinit and
// option parsing.
func (v *VM) initRuntime(ctx context.Context) error {
	args := nulTerminated(v.rt.InitArgs())

	switch n := v.abi.paramCount("ruby-init"); n {
	case 2:
		ptr, cnt, err := v.abi.lowerStrings(ctx, args)
		if err != nil {
			return err
		}
		if _, err := v.abi.call(ctx, "ruby-init", uint64(ptr), uint64(cnt)); err != nil {
			return fmt.Errorf("ruby-init: %w", err)
		}
	case 0:
		if _, err := v.abi.call(ctx, "ruby-init"); err != nil {
			return fmt.Errorf("ruby-init: %w", err)
		}
		ptr, cnt, err := v.abi.lowerStrings(ctx, args)
		if err != nil {
			return err
		}
		if _, err := v.abi.call(ctx, "ruby-sysinit", uint64(ptr), uint64(cnt)); err != nil {
			return fmt.Errorf("ruby-sysinit: %w", err)
		}
		// The guest owns the previous copy; options get their own.
		ptr, cnt, err = v.abi.lowerStrings(ctx, args)
		if err != nil {
			return err
		}
		res, err := v.abi.call(ctx, "ruby-options", uint64(ptr), uint64(cnt))
		if err != nil {
			return fmt.Errorf("ruby-options: %w", err)
		}
		if len(res) > 0 {
			v.table.takeReturned(ctx, uint32(res[0]))
		}
	case -1:
		return errors.New("guest exports no ruby-init")
	default:
		return fmt.Errorf("unexpected ruby-init signature with %d params", n)
	}

	if err := v.evalDiscard(ctx, v.rt.Bootstrap()); err != nil {
		var perr *protectError
		if !errors.As(err, &perr) {
			return fmt.Errorf("bootstrap: %w", err)
		}
		log.Warn().Err(err).Msg("runtime bootstrap failed, continuing")
	}
	return nil
}

// Evaluate runs src in the guest's top-level namespace. Raised guest
// errors come back as *sandbox.GuestEvaluationError; a trap additionally
// wraps sandbox.ErrVMBroken and leaves the VM unusable.
func (v *VM) Evaluate(ctx context.Context, src string) (sandbox.Result, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return sandbox.Result{}, &sandbox.GuestEvaluationError{Message: "vm closed", Err: sandbox.ErrVMBroken}
	}
	if v.broken != nil {
		return sandbox.Result{}, &sandbox.GuestEvaluationError{Message: "vm unusable after trap: " + v.broken.Error(), Err: sandbox.ErrVMBroken}
	}

	if err := v.evalDiscard(ctx, v.rt.WrapEval(src)); err != nil {
		return sandbox.Result{}, v.fail(err)
	}
	payload, err := v.evalString(ctx, v.rt.ResultQuery())
	if err != nil {
		return sandbox.Result{}, v.fail(err)
	}

	out, err := runtime.ParseResult(payload)
	if err != nil {
		return sandbox.Result{}, &sandbox.GuestEvaluationError{Message: err.Error(), Err: err}
	}
	if out.Failed {
		return sandbox.Result{}, &sandbox.GuestEvaluationError{Message: out.Err}
	}
	return sandbox.Result{Inspect: out.Inspect}, nil
}

func (v *VM) fail(err error) error {
	var perr *protectError
	if errors.As(err, &perr) {
		return &sandbox.GuestEvaluationError{Message: perr.Error()}
	}
	v.broken = err
	log.Error().Err(err).Msg("guest vm trapped")
	return &sandbox.GuestEvaluationError{Message: err.Error(), Err: sandbox.ErrVMBroken}
}

// evalProtect evaluates src with rb-eval-string-protect and returns the
// resulting value, owned by the caller.
func (v *VM) evalProtect(ctx context.Context, src string) (*resource, error) {
	ptr, n, err := v.abi.lowerCString(ctx, src)
	if err != nil {
		return nil, err
	}
	res, err := v.abi.call(ctx, "rb-eval-string-protect", uint64(ptr), uint64(n))
	if err != nil {
		return nil, err
	}
	if len(res) == 0 {
		return nil, errors.New("rb-eval-string-protect returned nothing")
	}
	handle, state, err := v.abi.readPair(uint32(res[0]))
	if err != nil {
		return nil, err
	}

	val, err := v.table.remove(handle)
	if err != nil {
		return nil, err
	}
	if state != 0 {
		if rerr := v.table.release(ctx, val); rerr != nil {
			return nil, rerr
		}
		return nil, &protectError{state: state}
	}
	return val, nil
}

func (v *VM) evalDiscard(ctx context.Context, src string) error {
	val, err := v.evalProtect(ctx, src)
	if err != nil {
		return err
	}
	return v.table.release(ctx, val)
}

// evalString evaluates src, which must produce a String, and returns it.
func (v *VM) evalString(ctx context.Context, src string) (string, error) {
	val, err := v.evalProtect(ctx, src)
	if err != nil {
		return "", err
	}

	h := v.table.lend(val)
	res, callErr := v.abi.call(ctx, "rstring-ptr", uint64(h))
	var s string
	if callErr == nil {
		if len(res) == 0 {
			callErr = errors.New("rstring-ptr returned nothing")
		} else {
			s, callErr = v.abi.liftString(ctx, "rstring-ptr", uint32(res[0]))
		}
	}

	if err := v.table.reclaim(ctx, h, val); err != nil && callErr == nil {
		callErr = err
	}
	if err := v.table.release(ctx, val); err != nil && callErr == nil {
		callErr = err
	}
	return s, callErr
}

// Close tears down the guest and its runtime.
func (v *VM) Close(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil
	}
	v.closed = true
	return v.wrt.Close(ctx)
}

func nulTerminated(args []string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = a + "\x00"
	}
	return out
}
