package wasmvm

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/tetratelabs/wazero/api"
)

// Guest exports produced by the legacy wit-bindgen toolchain carry their
// WIT signature in the name, e.g.
// "rb-eval-string-protect: func(str: string) -> tuple<...>". Everything
// here looks exports up by the part before the colon.

// baseName strips the signature suffix from a legacy export name.
func baseName(full string) string {
	name, _, _ := strings.Cut(full, ":")
	return strings.TrimSpace(name)
}

// indexExports maps base export names to their full names.
func indexExports(defs map[string]api.FunctionDefinition) map[string]string {
	idx := make(map[string]string, len(defs))
	for full := range defs {
		base := baseName(full)
		// A plain name beats a decorated one if both exist.
		if prev, ok := idx[base]; ok && prev == base {
			continue
		}
		idx[base] = full
	}
	return idx
}

// packPairs lays out (ptr, len) pairs the way the canonical ABI stores a
// list<string>: consecutive little-endian i32 pairs.
func packPairs(pairs [][2]uint32) []byte {
	buf := make([]byte, 8*len(pairs))
	for i, p := range pairs {
		binary.LittleEndian.PutUint32(buf[8*i:], p[0])
		binary.LittleEndian.PutUint32(buf[8*i+4:], p[1])
	}
	return buf
}

// guestABI calls into a guest through the canonical ABI: strings are
// copied into guest memory through the guest's realloc, multi-value
// results come back through a return-area pointer.
type guestABI struct {
	mod     api.Module
	exports map[string]string
	realloc api.Function
	free    api.Function // legacy canonical_abi_free, nil on newer builds
}

func newGuestABI(mod api.Module, defs map[string]api.FunctionDefinition) (*guestABI, error) {
	a := &guestABI{mod: mod, exports: indexExports(defs)}

	for _, name := range []string{"cabi_realloc", "canonical_abi_realloc"} {
		if f := a.lookup(name); f != nil {
			a.realloc = f
			break
		}
	}
	if a.realloc == nil {
		return nil, fmt.Errorf("guest exports no realloc function")
	}
	a.free = a.lookup("canonical_abi_free")
	if mod.Memory() == nil {
		return nil, fmt.Errorf("guest exports no memory")
	}
	return a, nil
}

func (a *guestABI) lookup(base string) api.Function {
	full, ok := a.exports[base]
	if !ok {
		return nil
	}
	return a.mod.ExportedFunction(full)
}

func (a *guestABI) has(base string) bool {
	_, ok := a.exports[base]
	return ok
}

// call invokes the export named base.
func (a *guestABI) call(ctx context.Context, base string, params ...uint64) ([]uint64, error) {
	f := a.lookup(base)
	if f == nil {
		return nil, fmt.Errorf("guest export %q not found", base)
	}
	return f.Call(ctx, params...)
}

// paramCount returns how many core params the export takes, or -1.
func (a *guestABI) paramCount(base string) int {
	f := a.lookup(base)
	if f == nil {
		return -1
	}
	return len(f.Definition().ParamTypes())
}

func (a *guestABI) alloc(ctx context.Context, size, align uint32) (uint32, error) {
	res, err := a.realloc.Call(ctx, 0, 0, uint64(align), uint64(size))
	if err != nil {
		return 0, err
	}
	ptr := uint32(res[0])
	if ptr == 0 && size > 0 {
		return 0, fmt.Errorf("guest realloc of %d bytes returned null", size)
	}
	return ptr, nil
}

// lowerString copies s into guest memory; the guest owns the copy.
func (a *guestABI) lowerString(ctx context.Context, s string) (uint32, uint32, error) {
	if len(s) == 0 {
		return 0, 0, nil
	}
	ptr, err := a.alloc(ctx, uint32(len(s)), 1)
	if err != nil {
		return 0, 0, err
	}
	if !a.mod.Memory().Write(ptr, []byte(s)) {
		return 0, 0, fmt.Errorf("write %d bytes at %#x: out of range", len(s), ptr)
	}
	return ptr, uint32(len(s)), nil
}

// lowerCString copies s plus a NUL terminator. Guest entry points that
// hand the pointer straight to C find the end with strlen, so the length
// passed alongside is not enough.
func (a *guestABI) lowerCString(ctx context.Context, s string) (uint32, uint32, error) {
	return a.lowerString(ctx, s+"\x00")
}

// lowerStrings copies a list<string> into guest memory and returns the
// list pointer and element count.
func (a *guestABI) lowerStrings(ctx context.Context, list []string) (uint32, uint32, error) {
	pairs := make([][2]uint32, len(list))
	for i, s := range list {
		p, n, err := a.lowerString(ctx, s)
		if err != nil {
			return 0, 0, err
		}
		pairs[i] = [2]uint32{p, n}
	}
	buf := packPairs(pairs)
	ptr, err := a.alloc(ctx, uint32(len(buf)), 4)
	if err != nil {
		return 0, 0, err
	}
	if !a.mod.Memory().Write(ptr, buf) {
		return 0, 0, fmt.Errorf("write list at %#x: out of range", ptr)
	}
	return ptr, uint32(len(list)), nil
}

// readPair reads two consecutive i32 values from a return area.
func (a *guestABI) readPair(ptr uint32) (uint32, uint32, error) {
	mem := a.mod.Memory()
	first, ok1 := mem.ReadUint32Le(ptr)
	second, ok2 := mem.ReadUint32Le(ptr + 4)
	if !ok1 || !ok2 {
		return 0, 0, fmt.Errorf("read return area at %#x: out of range", ptr)
	}
	return first, second, nil
}

func (a *guestABI) readString(ptr, n uint32) (string, error) {
	if n == 0 {
		return "", nil
	}
	b, ok := a.mod.Memory().Read(ptr, n)
	if !ok {
		return "", fmt.Errorf("read %d bytes at %#x: out of range", n, ptr)
	}
	return string(b), nil
}

// liftString reads a string returned through the return area at retPtr
// and gives the guest its memory back.
func (a *guestABI) liftString(ctx context.Context, base string, retPtr uint32) (string, error) {
	ptr, n, err := a.readPair(retPtr)
	if err != nil {
		return "", err
	}
	s, err := a.readString(ptr, n)
	if err != nil {
		return "", err
	}

	switch {
	case a.has("cabi_post_" + base):
		_, err = a.call(ctx, "cabi_post_"+base, uint64(retPtr))
	case a.free != nil && n > 0:
		_, err = a.free.Call(ctx, uint64(ptr), uint64(n), 1)
	}
	if err != nil {
		return "", fmt.Errorf("release %s result: %w", base, err)
	}
	return s, nil
}
