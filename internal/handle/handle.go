// Package handle implements the plugin handle: a shared-ownership
// value that packages (descriptor, library-handle, instance) and
// exposes interface queries (spec §3, §4.7).
package handle

import (
	"sync/atomic"
	"unsafe"

	"github.com/haasonsaas/pluginhost/internal/library"
	"github.com/haasonsaas/pluginhost/internal/metrics"
	"github.com/haasonsaas/pluginhost/pkg/pluginapi"
)

// core is the shared state every share of a Handle points at. Its
// teardown order is the one non-negotiable rule of spec §5(b): the
// instance (via desc.Deleter) must be destroyed before the library
// handle share is dropped, because the deleter is a function pointer
// into the library.
type core struct {
	desc     *pluginapi.Descriptor
	lib      *library.Handle
	instance unsafe.Pointer
	refs     atomic.Int32
	metrics  *metrics.Metrics
}

func (c *core) release() {
	if c.refs.Add(-1) != 0 {
		return
	}
	if c.desc.Deleter != nil {
		c.desc.Deleter(c.instance)
	}
	c.lib.Release()
	if c.metrics != nil {
		c.metrics.PluginReleased()
	}
}

// Handle is a share of a plugin instance. The zero value is empty
// (IsEmpty reports true) and every method on it is a safe no-op, which
// is what instantiate returns on failure per spec §4.4 and §7.
type Handle struct {
	c *core
}

// New instantiates desc's factory against lib (which New takes a Share
// of) and wraps the result in a Handle with one outstanding reference.
// If desc cannot be instantiated (nil factory/deleter pair), New
// returns an empty Handle, matching spec §3's "permitted but never
// produced by normal registration" null pair. m may be nil, in which
// case the handle's lifecycle is simply not instrumented.
func New(desc *pluginapi.Descriptor, lib *library.Handle, m *metrics.Metrics) Handle {
	if desc.Factory == nil || desc.Deleter == nil {
		return Handle{}
	}
	instance := desc.Factory()
	c := &core{desc: desc, lib: lib.Share(), instance: instance, metrics: m}
	c.refs.Store(1)
	h := Handle{c: c}

	// A Dynamic descriptor's instance was boxed by the loaded library's
	// own cgo.Handle table, not this process's. pluginapi.InstanceValue
	// asserts against the host's table, so calling it on a foreign
	// handle panics; only native instances are ever safe to unbox here.
	if !desc.Dynamic {
		if sr, ok := pluginapi.InstanceValue(instance).(pluginapi.SelfReferencer); ok {
			sr.AttachSelf(&weakSelf{c: c})
		}
	}

	return h
}

// IsEmpty reports whether h holds no instance.
func (h Handle) IsEmpty() bool { return h.c == nil }

// Share returns a new reference to the same instance, incrementing the
// handle's reference count (spec S2's copy semantics).
func (h Handle) Share() Handle {
	if h.c == nil {
		return Handle{}
	}
	h.c.refs.Add(1)
	return Handle{c: h.c}
}

// Release drops this share. When the last share is released, the
// descriptor's deleter runs on the instance and then the library
// handle share is dropped -- in that order (spec §5, invariant 7).
func (h Handle) Release() {
	if h.c == nil {
		return
	}
	h.c.release()
}

// QueryInterface looks up iface in the descriptor's interfaces map. On
// a miss, or on an empty handle, it returns nil (spec §4.7, §7's
// unknown-interface case).
func (h Handle) QueryInterface(iface string) unsafe.Pointer {
	if h.c == nil {
		return nil
	}
	up, ok := h.c.desc.Interfaces[iface]
	if !ok {
		return nil
	}
	return up(h.c.instance)
}

// QueryInterfaceShared behaves like QueryInterface but additionally
// returns a Capability that keeps the instance alive until its Release
// (it holds a share of the owning Handle) without itself destroying anything
// (spec §4.7's query_interface_shared): the returned pointer is a view
// into the instance, not a separately owned value.
func (h Handle) QueryInterfaceShared(iface string) (Capability, bool) {
	ptr := h.QueryInterface(iface)
	if ptr == nil {
		return Capability{}, false
	}
	return Capability{ptr: ptr, owner: h.Share()}, true
}

// Descriptor returns the descriptor this handle was instantiated from,
// or nil for an empty handle.
func (h Handle) Descriptor() *pluginapi.Descriptor {
	if h.c == nil {
		return nil
	}
	return h.c.desc
}

// Capability is a live interface pointer obtained through
// QueryInterfaceShared, plus a share of the owning plugin handle that
// keeps the instance alive for as long as the capability is held.
type Capability struct {
	ptr   unsafe.Pointer
	owner Handle
}

// Pointer returns the untyped interface pointer. Valid until Release.
func (c Capability) Pointer() unsafe.Pointer { return c.ptr }

// Release drops this capability's share of the owning plugin handle.
func (c Capability) Release() { c.owner.Release() }

// weakSelf implements pluginapi.SelfHandle, giving an instance a way
// to later obtain a share of the Handle that owns it without holding a
// strong reference itself (which would create an ownership cycle, per
// spec's design note on the self-reference capability).
type weakSelf struct {
	c *core
}

func (w *weakSelf) Upgrade() (pluginapi.PluginHandleView, bool) {
	for {
		cur := w.c.refs.Load()
		if cur <= 0 {
			return Handle{}, false
		}
		if w.c.refs.CompareAndSwap(cur, cur+1) {
			return Handle{c: w.c}, true
		}
	}
}
