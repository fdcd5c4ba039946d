package wasipolicy

import (
	"bytes"
	"io"
	"math/rand"
	"sort"

	"github.com/tetratelabs/wazero"
)

// Action says how a host import the guest asks for gets bound.
type Action int

const (
	// ActStub binds a function that returns zero for every result.
	ActStub Action = iota
	// ActTrap binds a function that aborts the guest call.
	ActTrap
	// ActHandleTable binds the canonical ABI resource intrinsics to a
	// host-side handle table.
	ActHandleTable
)

func (a Action) String() string {
	switch a {
	case ActStub:
		return "stub"
	case ActTrap:
		return "trap"
	case ActHandleTable:
		return "handle_table"
	default:
		return "unknown"
	}
}

// ImportRule applies Action to imports from Module. An empty Names list
// matches every function of the module.
type ImportRule struct {
	Module string
	Names  []string
	Action Action
}

// Profile describes everything the guest can observe of the host. WASI
// itself is always bound; stdin is always empty and no directory is
// ever mounted.
type Profile struct {
	Args          []string
	Env           map[string]string
	RealClock     bool  // false keeps wazero's deterministic fake clocks
	RandomSeed    int64 // 0 keeps wazero's deterministic random source
	DefaultAction Action
	Rules         []ImportRule
}

type ProfileBuilder struct {
	profile *Profile
}

func NewBuilder() *ProfileBuilder {
	return &ProfileBuilder{
		profile: &Profile{
			Env:           map[string]string{},
			DefaultAction: ActTrap,
		},
	}
}

func (b *ProfileBuilder) WithArgs(args ...string) *ProfileBuilder {
	b.profile.Args = args
	return b
}

func (b *ProfileBuilder) WithEnv(key, value string) *ProfileBuilder {
	b.profile.Env[key] = value
	return b
}

func (b *ProfileBuilder) WithRealClock() *ProfileBuilder {
	b.profile.RealClock = true
	return b
}

func (b *ProfileBuilder) WithRandomSeed(seed int64) *ProfileBuilder {
	b.profile.RandomSeed = seed
	return b
}

func (b *ProfileBuilder) WithDefaultAction(a Action) *ProfileBuilder {
	b.profile.DefaultAction = a
	return b
}

func (b *ProfileBuilder) StubImports(module string, names ...string) *ProfileBuilder {
	return b.rule(module, names, ActStub)
}

func (b *ProfileBuilder) TrapImports(module string, names ...string) *ProfileBuilder {
	return b.rule(module, names, ActTrap)
}

func (b *ProfileBuilder) HandleTableImports(module string) *ProfileBuilder {
	return b.rule(module, nil, ActHandleTable)
}

func (b *ProfileBuilder) rule(module string, names []string, a Action) *ProfileBuilder {
	b.profile.Rules = append(b.profile.Rules, ImportRule{Module: module, Names: names, Action: a})
	return b
}

func (b *ProfileBuilder) Build() *Profile {
	return b.profile
}

// ActionFor returns the action for one import. Rules naming the function
// win over module-wide rules; later rules win over earlier ones.
func (p *Profile) ActionFor(module, name string) Action {
	action, specific := p.DefaultAction, false
	for _, r := range p.Rules {
		if r.Module != module {
			continue
		}
		if len(r.Names) == 0 {
			if !specific {
				action = r.Action
			}
			continue
		}
		for _, n := range r.Names {
			if n == name {
				action, specific = r.Action, true
			}
		}
	}
	return action
}

// ModuleConfig builds the wazero module configuration for a guest whose
// output goes to stdout and stderr. No start function is run on
// instantiation; the caller initializes the guest explicitly.
func (p *Profile) ModuleConfig(stdout, stderr io.Writer) wazero.ModuleConfig {
	cfg := wazero.NewModuleConfig().
		WithStdin(bytes.NewReader(nil)).
		WithStdout(stdout).
		WithStderr(stderr).
		WithStartFunctions().
		WithArgs(p.Args...)

	keys := make([]string, 0, len(p.Env))
	for k := range p.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		cfg = cfg.WithEnv(k, p.Env[k])
	}

	if p.RealClock {
		cfg = cfg.WithSysWalltime().WithSysNanotime().WithSysNanosleep()
	}
	if p.RandomSeed != 0 {
		cfg = cfg.WithRandSource(rand.New(rand.NewSource(p.RandomSeed))) // #nosec G404 -- guest-visible randomness, not crypto
	}
	return cfg
}
