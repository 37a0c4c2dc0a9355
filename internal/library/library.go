// Package library wraps the operating-system shared-library handle in
// a reference-counted value, matching the host's single point of
// authority over its own view of a library's reference count (spec
// §4.2 step 3, §5).
package library

import (
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"unsafe"

	"github.com/ebitengine/purego"
)

// ErrOpenFailed wraps the operating-system error from a failed dlopen.
var ErrOpenFailed = errors.New("library: open failed")

// dlopenFlags mirrors the "lazy bind, local scope" contract of spec §6:
// plugins must not pollute one another's symbol namespaces.
func dlopenFlags() int {
	const (
		rtldLazy  = 0x1
		rtldLocal = 0x0
	)
	return rtldLazy | rtldLocal
}

// openFunc and closeFunc are package-level seams so tests can exercise
// refcounting without touching the real dynamic linker.
var (
	openFunc  = purego.Dlopen
	closeFunc = purego.Dlclose
)

// Handle is a shared-ownership wrapper around a raw operating-system
// library handle. Share increments the reference count; Release
// decrements it and closes the library when it reaches zero. The zero
// value is not usable; construct with Open.
type Handle struct {
	raw  uintptr
	path string
	refs *atomic.Int32
}

// Open opens path with RTLD_LAZY|RTLD_LOCAL and wraps the resulting
// handle with an initial reference count of one.
func Open(path string) (*Handle, error) {
	raw, err := openFunc(path, dlopenFlags())
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrOpenFailed, path, err)
	}
	refs := &atomic.Int32{}
	refs.Store(1)
	return &Handle{raw: raw, path: path, refs: refs}, nil
}

// Raw returns the underlying operating-system handle.
func (h *Handle) Raw() uintptr { return h.raw }

// Path returns the path this handle was opened from.
func (h *Handle) Path() string { return h.path }

// Share returns a new reference to the same underlying library,
// incrementing the reference count. The caller must Release both the
// original and the returned Handle independently.
func (h *Handle) Share() *Handle {
	h.refs.Add(1)
	return &Handle{raw: h.raw, path: h.path, refs: h.refs}
}

// Release drops this share of the handle. Once the last share is
// released the operating system closes the library. Process handles
// (raw == 0, see Process) are never closed: they represent the host
// binary itself, which has no dlclose equivalent.
func (h *Handle) Release() {
	if h.refs.Add(-1) == 0 && h.raw != 0 {
		closeFunc(h.raw)
	}
}

// Process returns a Handle representing the host process itself,
// rather than any dlopen'd shared library. Native plugins (spec's
// "compiled into the host executable or anything statically linked
// into it") are registered before any loader exists and have no real
// operating-system library to reference-count; the loader still needs
// a library-handle share to put in plugin_to_library so teardown code
// is uniform across native and dynamic plugins. Releasing a process
// handle is always a no-op.
func Process() *Handle {
	refs := &atomic.Int32{}
	refs.Store(1)
	return &Handle{raw: 0, path: "<process>", refs: refs}
}

// Weak returns a weak reference to the handle that does not keep the
// library open by itself.
func (h *Handle) Weak() *WeakHandle {
	return &WeakHandle{raw: h.raw, path: h.path, refs: h.refs}
}

// WeakHandle observes a Handle's reference count without holding a
// share of it. It backs the archive's handle → descriptors mapping
// (spec §3's Archive) and a loader's "is there already a live share for
// this raw handle" check (spec §4.2 step 3).
type WeakHandle struct {
	raw  uintptr
	path string
	refs *atomic.Int32
}

// Raw returns the underlying operating-system handle this weak
// reference observes.
func (w *WeakHandle) Raw() uintptr { return w.raw }

// Upgrade attempts to produce a new strong Handle share. It succeeds
// only if the reference count is still above zero; the increment and
// the zero-check happen as a single compare-and-swap loop so a
// concurrent Release cannot make Upgrade hand out a share of an
// already-closing library.
func (w *WeakHandle) Upgrade() (*Handle, bool) {
	for {
		cur := w.refs.Load()
		if cur <= 0 {
			return nil, false
		}
		if w.refs.CompareAndSwap(cur, cur+1) {
			return &Handle{raw: w.raw, path: w.path, refs: w.refs}, true
		}
	}
}

// Caller implements abi.Caller by invoking raw C function pointers
// through purego's low-level call primitive. It keeps runtime.KeepAlive
// on the instance pointer for the duration of each call so the Go
// garbage collector cannot reclaim memory a C-side deleter is about to
// free.
type Caller struct{}

func (Caller) CallUpcast(fn uintptr, instance unsafe.Pointer) unsafe.Pointer {
	ret, _, _ := purego.SyscallN(fn, uintptr(instance))
	runtime.KeepAlive(instance)
	return unsafe.Pointer(ret)
}

func (Caller) CallFactory(fn uintptr) unsafe.Pointer {
	ret, _, _ := purego.SyscallN(fn)
	return unsafe.Pointer(ret)
}

func (Caller) CallDeleter(fn uintptr, instance unsafe.Pointer) {
	purego.SyscallN(fn, uintptr(instance))
	runtime.KeepAlive(instance)
}

// Dlsym looks up name in the library identified by raw. It reports
// found=false rather than erroring when the symbol is absent, since an
// absent symbol is the expected outcome of most probes (legacy hook,
// native-plugin type-info symbol).
func Dlsym(raw uintptr, name string) (addr uintptr, found bool) {
	defer func() {
		if recover() != nil {
			found = false
		}
	}()
	addr, err := purego.Dlsym(raw, name)
	if err != nil {
		return 0, false
	}
	return addr, true
}
