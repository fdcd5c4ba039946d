package runtime

import (
	"fmt"
	"sort"
	"strings"
)

// Runtime describes the guest language that runs inside the VM.
// Everything that is expressed as guest source text lives here; the VM
// only knows how to hand strings to the guest and read strings back.
type Runtime interface {
	// Name returns the runtime identifier (e.g., "ruby").
	Name() string

	// ModuleURL returns the version-pinned location of the portable
	// binary module for this runtime.
	ModuleURL() string

	// InitArgs returns the argv handed to the runtime controller.
	InitArgs() []string

	// Bootstrap is evaluated once after the runtime controller starts.
	// Failures are logged and tolerated.
	Bootstrap() string

	// Probe evaluates to a truthy value when the harness framework can
	// be loaded.
	Probe() string

	// WrapEval turns user-level source into a script that evaluates it
	// in the shared top-level namespace and records any raised error
	// instead of letting it escape.
	WrapEval(src string) string

	// ResultQuery evaluates to the string ParseResult understands.
	ResultQuery() string

	// SequentialExecutor installs a no-op executor in place of the
	// harness framework's concurrent one.
	SequentialExecutor() string

	// EntryPoint runs the harness suite.
	EntryPoint() string

	// FileExtension returns the file extension for source files (e.g., ".rb").
	FileExtension() string
}

// Outcome is what the guest reported about the last wrapped evaluation.
type Outcome struct {
	Inspect string
	Err     string
	Failed  bool
}

// ParseResult decodes the value produced by Runtime.ResultQuery. The first
// byte tags the payload: 'E' for an error message, 'R' for the inspected
// result.
func ParseResult(s string) (Outcome, error) {
	if s == "" {
		return Outcome{}, fmt.Errorf("empty result payload")
	}
	switch s[0] {
	case 'E':
		return Outcome{Err: s[1:], Failed: true}, nil
	case 'R':
		return Outcome{Inspect: s[1:]}, nil
	default:
		return Outcome{}, fmt.Errorf("unknown result tag %q", s[0])
	}
}

// Registry maps language names to their Runtime implementations.
type Registry struct {
	runtimes map[string]Runtime
}

// NewRegistry creates a registry with all supported runtimes.
func NewRegistry() *Registry {
	r := &Registry{
		runtimes: make(map[string]Runtime),
	}
	r.Register(NewRubyRuntime(""))
	return r
}

// Register adds a runtime to the registry.
func (r *Registry) Register(rt Runtime) {
	r.runtimes[rt.Name()] = rt
}

// Get returns the runtime for the given language.
func (r *Registry) Get(language string) (Runtime, error) {
	rt, ok := r.runtimes[language]
	if !ok {
		return nil, fmt.Errorf("unsupported language: %q (supported: %s)", language, strings.Join(r.Languages(), ", "))
	}
	return rt, nil
}

// Languages returns all registered language names, sorted.
func (r *Registry) Languages() []string {
	langs := make([]string, 0, len(r.runtimes))
	for name := range r.runtimes {
		langs = append(langs, name)
	}
	sort.Strings(langs)
	return langs
}
