package runtime

import (
	"encoding/base64"
	"fmt"
)

// DefaultRubyModuleURL is the ruby.wasm build with the standard library
// (minitest included) packed into its virtual filesystem.
const DefaultRubyModuleURL = "https://cdn.jsdelivr.net/npm/@ruby/3.4-wasm-wasi@2.7.1/dist/ruby+stdlib.wasm"

const (
	rubyErrorVar  = "$__kata_error"
	rubyResultVar = "$__kata_result"
)

// RubyRuntime configures the ruby.wasm guest and the minitest harness.
type RubyRuntime struct {
	moduleURL string
}

// NewRubyRuntime returns the Ruby runtime. An empty moduleURL selects
// DefaultRubyModuleURL.
func NewRubyRuntime(moduleURL string) *RubyRuntime {
	if moduleURL == "" {
		moduleURL = DefaultRubyModuleURL
	}
	return &RubyRuntime{moduleURL: moduleURL}
}

func (r *RubyRuntime) Name() string { return "ruby" }

func (r *RubyRuntime) ModuleURL() string { return r.moduleURL }

func (r *RubyRuntime) InitArgs() []string {
	return []string{"ruby.wasm", "-EUTF-8", "-e_=0"}
}

func (r *RubyRuntime) Bootstrap() string { return `require "/bundle/setup"` }

func (r *RubyRuntime) Probe() string {
	return `begin
  require 'minitest'
  true
rescue LoadError
  false
end`
}

// WrapEval ships the source base64-encoded so no quoting of user text is
// needed, and evaluates it against TOPLEVEL_BINDING so definitions land in
// the namespace later evaluations see.
func (r *RubyRuntime) WrapEval(src string) string {
	encoded := base64.StdEncoding.EncodeToString([]byte(src))
	return fmt.Sprintf(`%[1]s = nil
%[2]s = nil
begin
  %[2]s = TOPLEVEL_BINDING.eval("%[3]s".unpack1("m0").force_encoding(Encoding::UTF_8), "(kata)", 1).inspect
rescue Exception => e
  %[1]s = "#{e.class}: #{e.message}"
ensure
  $stdout.flush
  $stderr.flush
end
nil
`, rubyErrorVar, rubyResultVar, encoded)
}

func (r *RubyRuntime) ResultQuery() string {
	return fmt.Sprintf(`%[1]s ? "E" + %[1]s : "R" + %[2]s.to_s`, rubyErrorVar, rubyResultVar)
}

func (r *RubyRuntime) SequentialExecutor() string {
	return `Minitest.parallel_executor = Object.new.tap do |executor|
  def executor.start; end
  def executor.shutdown; end
end`
}

func (r *RubyRuntime) EntryPoint() string { return "run_tests" }

func (r *RubyRuntime) FileExtension() string { return ".rb" }
