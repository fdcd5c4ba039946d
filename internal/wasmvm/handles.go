package wasmvm

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// Resource intrinsic prefixes imported from the canonical_abi module.
const (
	resNewPrefix    = "resource_new_"
	resGetPrefix    = "resource_get_"
	resClonePrefix  = "resource_clone_"
	resDropPrefix   = "resource_drop_"
	guestDropPrefix = "canonical_abi_drop_"
)

// resource is a guest-defined object the host holds references to. rep is
// the guest's own representation; refs counts host-side handles.
type resource struct {
	kind string
	rep  uint32
	refs int
}

// handleTable is the host side of the legacy canonical ABI resource
// protocol. The guest mints handles with resource_new, borrows them with
// resource_get and gives them back with resource_drop. When the last
// reference goes away the guest's canonical_abi_drop_<kind> export is
// called with the rep.
type handleTable struct {
	mu    sync.Mutex
	slots []*resource
	free  []uint32

	// dropRep releases rep inside the guest. Called without mu held.
	dropRep func(ctx context.Context, kind string, rep uint32) error
}

func newHandleTable() *handleTable {
	return &handleTable{}
}

func (t *handleTable) insert(r *resource) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n := len(t.free); n > 0 {
		h := t.free[n-1]
		t.free = t.free[:n-1]
		t.slots[h] = r
		return h
	}
	t.slots = append(t.slots, r)
	return uint32(len(t.slots) - 1)
}

func (t *handleTable) get(h uint32) (*resource, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(h) >= len(t.slots) || t.slots[h] == nil {
		return nil, fmt.Errorf("invalid handle %d", h)
	}
	return t.slots[h], nil
}

// remove frees the slot and hands its reference to the caller.
func (t *handleTable) remove(h uint32) (*resource, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(h) >= len(t.slots) || t.slots[h] == nil {
		return nil, fmt.Errorf("invalid handle %d", h)
	}
	r := t.slots[h]
	t.slots[h] = nil
	t.free = append(t.free, h)
	return r, nil
}

// lend adds a reference to r and returns a fresh handle for it, for
// passing r into a guest call.
func (t *handleTable) lend(r *resource) uint32 {
	t.mu.Lock()
	r.refs++
	t.mu.Unlock()
	return t.insert(r)
}

// reclaim takes back a handle lent for a call if the guest did not drop
// it itself.
func (t *handleTable) reclaim(ctx context.Context, h uint32, r *resource) error {
	t.mu.Lock()
	if int(h) >= len(t.slots) || t.slots[h] != r {
		t.mu.Unlock()
		return nil
	}
	t.slots[h] = nil
	t.free = append(t.free, h)
	t.mu.Unlock()
	return t.release(ctx, r)
}

// release drops one reference.
func (t *handleTable) release(ctx context.Context, r *resource) error {
	t.mu.Lock()
	r.refs--
	last := r.refs == 0
	t.mu.Unlock()

	if !last || t.dropRep == nil {
		return nil
	}
	return t.dropRep(ctx, r.kind, r.rep)
}

// live returns the number of occupied slots.
func (t *handleTable) live() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.slots) - len(t.free)
}

// intrinsic executes one canonical_abi resource import by name.
func (t *handleTable) intrinsic(ctx context.Context, name string, arg uint32) (uint32, error) {
	switch {
	case strings.HasPrefix(name, resNewPrefix):
		kind := strings.TrimPrefix(name, resNewPrefix)
		return t.insert(&resource{kind: kind, rep: arg, refs: 1}), nil

	case strings.HasPrefix(name, resGetPrefix):
		r, err := t.get(arg)
		if err != nil {
			return 0, err
		}
		return r.rep, nil

	case strings.HasPrefix(name, resClonePrefix):
		r, err := t.get(arg)
		if err != nil {
			return 0, err
		}
		return t.lend(r), nil

	case strings.HasPrefix(name, resDropPrefix):
		r, err := t.remove(arg)
		if err != nil {
			return 0, err
		}
		return 0, t.release(ctx, r)
	}
	return 0, fmt.Errorf("unknown resource intrinsic %q", name)
}

// takeReturned claims a handle the guest returned and releases it right
// away. The host never keeps guest values past the call that made them.
func (t *handleTable) takeReturned(ctx context.Context, h uint32) {
	r, err := t.remove(h)
	if err != nil {
		log.Warn().Err(err).Msg("guest returned unknown handle")
		return
	}
	if err := t.release(ctx, r); err != nil {
		log.Warn().Err(err).Str("kind", r.kind).Msg("dropping guest value failed")
	}
}
