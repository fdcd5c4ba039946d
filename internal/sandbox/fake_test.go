package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"wasm-kata-runner/internal/runtime"
)

// calcProgram stands in for user code: the operations it defines.
type calcProgram map[string]func(a, b int) (int, error)

var errZeroDivision = errors.New("ZeroDivisionError: divided by 0")

func intDiv(a, b int) (int, error) {
	if b == 0 {
		return 0, errZeroDivision
	}
	return a / b, nil
}

var goodCalculator = calcProgram{
	"add":      func(a, b int) (int, error) { return a + b, nil },
	"subtract": func(a, b int) (int, error) { return a - b, nil },
	"multiply": func(a, b int) (int, error) { return a * b, nil },
	"divide":   intDiv,
}

const testHarnessSource = "class CalculatorTest < Minitest::Test; end"

// calculatorChecks mirrors harness/calculator_test.rb.
var calculatorChecks = []struct {
	test   string
	op     string
	a, b   int
	want   int
	raises bool
}{
	{"test_add", "add", 2, 3, 5, false},
	{"test_add", "add", -2, 2, 0, false},
	{"test_subtract", "subtract", 5, 3, 2, false},
	{"test_subtract", "subtract", 0, 5, -5, false},
	{"test_multiply", "multiply", 2, 3, 6, false},
	{"test_multiply", "multiply", 0, 5, 0, false},
	{"test_divide", "divide", 6, 3, 2, false},
	{"test_divide", "divide", 0, 5, 0, false},
	{"test_divide", "divide", 5, 0, 0, true},
}

// fakeVM is a scripted guest. Sources of the form "program:<name>" define
// the operations of a registered calcProgram in the shared namespace,
// "puts <text>" and "warn <text>" write to the output streams, the
// harness source marks the suite as defined and a source ending in
// run_tests runs the suite against whatever is currently defined.
type fakeVM struct {
	mu       sync.Mutex
	sinks    Sinks
	probe    string
	programs map[string]calcProgram
	failOn   map[string]error

	defs    calcProgram
	harness bool
	evals   []string
	closed  bool
}

func (v *fakeVM) Evaluate(_ context.Context, src string) (Result, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.evals = append(v.evals, src)
	if err, ok := v.failOn[src]; ok {
		return Result{}, err
	}

	switch {
	case src == v.probe:
		return Result{Inspect: "true"}, nil
	case strings.HasPrefix(src, "program:"):
		name := strings.TrimPrefix(src, "program:")
		prog, ok := v.programs[name]
		if !ok {
			return Result{}, &GuestEvaluationError{Message: "SyntaxError: unexpected end-of-input"}
		}
		for op, fn := range prog {
			v.defs[op] = fn
		}
		return Result{Inspect: ":" + name}, nil
	case strings.HasPrefix(src, "puts "):
		fmt.Fprintln(v.sinks.Stdout, strings.TrimPrefix(src, "puts "))
		return Result{Inspect: "nil"}, nil
	case strings.HasPrefix(src, "warn "):
		fmt.Fprintln(v.sinks.Stderr, strings.TrimPrefix(src, "warn "))
		return Result{Inspect: "nil"}, nil
	case src == testHarnessSource:
		v.harness = true
		return Result{Inspect: "nil"}, nil
	case strings.HasSuffix(src, "run_tests"):
		if !v.harness {
			return Result{}, &GuestEvaluationError{Message: "NameError: undefined local variable or method 'run_tests'"}
		}
		v.runSuite()
		return Result{Inspect: "true"}, nil
	}
	return Result{Inspect: "nil"}, nil
}

func (v *fakeVM) runSuite() {
	out := v.sinks.Stdout
	fmt.Fprint(out, "Run options: --seed 1\n\n# Running:\n\n")

	var failures, errs int
	var reports []string
	for _, c := range calculatorChecks {
		name := "CalculatorTest#" + c.test
		fn, ok := v.defs[c.op]
		if !ok {
			errs++
			reports = append(reports, fmt.Sprintf("Error:\n%s:\nNoMethodError: undefined method '%s'", name, c.op))
			continue
		}
		got, err := fn(c.a, c.b)
		switch {
		case c.raises && err == nil:
			failures++
			reports = append(reports, fmt.Sprintf("Failure:\n%s:\nZeroDivisionError expected but nothing was raised.", name))
		case c.raises && !errors.Is(err, errZeroDivision):
			failures++
			reports = append(reports, fmt.Sprintf("Failure:\n%s:\n[ZeroDivisionError] exception expected, not %v", name, err))
		case c.raises:
		case err != nil:
			errs++
			reports = append(reports, fmt.Sprintf("Error:\n%s:\n%v", name, err))
		case got != c.want:
			failures++
			reports = append(reports, fmt.Sprintf("Failure:\n%s:\nExpected: %d\n  Actual: %d", name, c.want, got))
		}
	}

	for i, r := range reports {
		fmt.Fprintf(out, "\n  %d) %s\n", i+1, r)
	}
	// Partial last line: the session must still capture it.
	fmt.Fprintf(out, "\n%d runs, %d assertions, %d failures, %d errors, 0 skips",
		len(calculatorChecks), len(calculatorChecks), failures, errs)
}

func (v *fakeVM) Close(context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.closed = true
	return nil
}

func (v *fakeVM) evaluated() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.evals...)
}

// fakeLoader hands out fakeVMs. The first failures calls fail.
type fakeLoader struct {
	mu       sync.Mutex
	programs map[string]calcProgram
	failOn   map[string]error
	failures int
	err      error
	created  int
	vms      []*fakeVM
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{
		programs: map[string]calcProgram{"good": goodCalculator},
		failOn:   map[string]error{},
	}
}

func (l *fakeLoader) CreateVM(_ context.Context, sinks Sinks) (VM, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.failures > 0 {
		l.failures--
		return nil, l.err
	}
	l.created++
	vm := &fakeVM{
		sinks:    sinks,
		probe:    runtime.NewRubyRuntime("").Probe(),
		programs: l.programs,
		failOn:   l.failOn,
		defs:     calcProgram{},
	}
	l.vms = append(l.vms, vm)
	return vm, nil
}

func (l *fakeLoader) createdCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.created
}

func (l *fakeLoader) lastVM() *fakeVM {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.vms) == 0 {
		return nil
	}
	return l.vms[len(l.vms)-1]
}

// fakeFetcher serves resources from memory.
type fakeFetcher struct {
	mu        sync.Mutex
	resources map[string]string
	err       error
	calls     int
}

func (f *fakeFetcher) Resource(_ context.Context, ref string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	src, ok := f.resources[ref]
	if !ok {
		return nil, fmt.Errorf("no resource %q", ref)
	}
	return []byte(src), nil
}

const testHarnessRef = "harness/calculator_test.rb"

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{resources: map[string]string{testHarnessRef: testHarnessSource}}
}

func newTestSession(loader *fakeLoader, fetcher *fakeFetcher) *Session {
	return NewSession(loader, fetcher, runtime.NewRubyRuntime(""), SessionOptions{HarnessRef: testHarnessRef})
}

func newTestRunner(loader *fakeLoader, fetcher *fakeFetcher) *Runner {
	rt := runtime.NewRubyRuntime("")
	s := NewSession(loader, fetcher, rt, SessionOptions{HarnessRef: testHarnessRef})
	return NewRunner(s, rt, DefaultLimits(), nil, nil)
}

func outputText(res *RunResult) string {
	return strings.Join(res.Output, "\n")
}
