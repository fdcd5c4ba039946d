package wasmvm

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"wasm-kata-runner/pkg/wasipolicy"
)

func isResourceIntrinsic(name string) bool {
	for _, p := range []string{resNewPrefix, resGetPrefix, resClonePrefix, resDropPrefix} {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// bindImports instantiates one host module per non-WASI import module
// the guest declares, binding each function according to policy.
func bindImports(ctx context.Context, rt wazero.Runtime, compiled wazero.CompiledModule, policy *wasipolicy.Profile, table *handleTable) error {
	byModule := map[string][]api.FunctionDefinition{}
	for _, def := range compiled.ImportedFunctions() {
		module, _, _ := def.Import()
		if module == wasi_snapshot_preview1.ModuleName {
			continue
		}
		byModule[module] = append(byModule[module], def)
	}

	modules := make([]string, 0, len(byModule))
	for m := range byModule {
		modules = append(modules, m)
	}
	sort.Strings(modules)

	for _, module := range modules {
		b := rt.NewHostModuleBuilder(module)
		for _, def := range byModule[module] {
			_, name, _ := def.Import()
			action := policy.ActionFor(module, name)
			b.NewFunctionBuilder().
				WithGoModuleFunction(hostFunc(module, name, def.ResultTypes(), action, table), def.ParamTypes(), def.ResultTypes()).
				Export(name)
			log.Debug().
				Str("module", module).
				Str("name", name).
				Str("action", action.String()).
				Msg("bound guest import")
		}
		if _, err := b.Instantiate(ctx); err != nil {
			return fmt.Errorf("bind %s imports: %w", module, err)
		}
	}
	return nil
}

func hostFunc(module, name string, results []api.ValueType, action wasipolicy.Action, table *handleTable) api.GoModuleFunc {
	if action == wasipolicy.ActHandleTable && isResourceIntrinsic(name) {
		return func(ctx context.Context, _ api.Module, stack []uint64) {
			var arg uint32
			if len(stack) > 0 {
				arg = api.DecodeU32(stack[0])
			}
			res, err := table.intrinsic(ctx, name, arg)
			if err != nil {
				panic(fmt.Errorf("%s.%s: %w", module, name, err))
			}
			if len(results) > 0 {
				stack[0] = api.EncodeU32(res)
			}
		}
	}

	if action == wasipolicy.ActTrap {
		return func(context.Context, api.Module, []uint64) {
			panic(fmt.Errorf("host import %s.%s is not available in the sandbox", module, name))
		}
	}

	return func(_ context.Context, _ api.Module, stack []uint64) {
		log.Debug().Str("module", module).Str("name", name).Msg("stubbed guest import called")
		for i := range results {
			stack[i] = 0
		}
	}
}
