package wasipolicy

// Import module names used by ruby.wasm builds that were produced with the
// legacy wit-bindgen toolchain.
const (
	CanonicalABIModule = "canonical_abi"
	JSHostModule       = "rb-js-abi-host"
)

// DefaultProfile returns the profile for running untrusted kata code:
// program name only, no host environment, deterministic clocks and
// randomness. Resource intrinsics get a handle table, the JS bridge is
// stubbed since nothing on the host side implements it, and any other
// import the guest declares is stubbed as well.
func DefaultProfile() *Profile {
	return NewBuilder().
		WithArgs("ruby.wasm").
		WithEnv("MT_NO_PLUGINS", "1").
		WithDefaultAction(ActStub).
		HandleTableImports(CanonicalABIModule).
		StubImports(JSHostModule).
		Build()
}

// StrictProfile is DefaultProfile with unknown imports trapping instead
// of returning zeros, so a guest that reaches an unbound host feature
// fails loudly.
func StrictProfile() *Profile {
	p := DefaultProfile()
	p.DefaultAction = ActTrap
	return p
}
