// Package registry bridges the C-ABI wire format (internal/abi) and
// the reference-counted library handle (internal/library) to
// pkg/pluginapi's process-wide native/dynamic tables. It also keeps the
// Archive described in spec §3: a weak-referenced mirror of every
// descriptor any loaded library has ever produced, so a second loader
// opening the same library can reuse already-decoded descriptors
// instead of re-registering them.
package registry

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"
	"weak"

	"github.com/ebitengine/purego"
	"github.com/google/uuid"

	"github.com/haasonsaas/pluginhost/internal/abi"
	"github.com/haasonsaas/pluginhost/internal/library"
	"github.com/haasonsaas/pluginhost/internal/metrics"
	"github.com/haasonsaas/pluginhost/pkg/pluginapi"
)

// LegacySymbol is the well-known export name the loader probes for when
// a library predates the current registration protocol (spec §4.1's
// "legacy hook path").
const LegacySymbol = "nexus_plugin_register_legacy"

// legacyMinSize is the smallest RawDescriptor size the legacy path will
// accept; anything smaller reports an impossible version per spec
// §4.1 and is ignored with a diagnostic.
const legacyMinSize = 24

// Archive records, for each currently-open library (by raw handle), the
// descriptors it produced, via a weak reference so the archive itself
// never keeps a descriptor alive once every loader and plugin handle
// referencing it has let go.
type Archive struct {
	mu            sync.Mutex
	byHandle      map[uintptr][]weak.Pointer[pluginapi.Descriptor]
	handleOfDesc  map[*pluginapi.Descriptor]uintptr
	tokenToHandle map[string]uintptr
}

// NewArchive constructs an empty Archive.
func NewArchive() *Archive {
	return &Archive{
		byHandle:      make(map[uintptr][]weak.Pointer[pluginapi.Descriptor]),
		handleOfDesc:  make(map[*pluginapi.Descriptor]uintptr),
		tokenToHandle: make(map[string]uintptr),
	}
}

// DefaultArchive is the process-wide Archive (spec §2, §3): a single
// mirror shared by every Loader instance, so a second loader opening a
// library another loader already has open reuses descriptors instead
// of re-registering them.
var DefaultArchive = NewArchive()

// Record associates descriptors with the library they came from. Each
// descriptor is also assigned an opaque registration token (spec §4.1:
// "the hook returns an opaque handle... the library must retain this
// handle and pass it back to the cleanup hook").
func (a *Archive) Record(raw uintptr, descs []*pluginapi.Descriptor) []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	tokens := make([]string, 0, len(descs))
	for _, d := range descs {
		a.byHandle[raw] = append(a.byHandle[raw], weak.Make(d))
		a.handleOfDesc[d] = raw
		token := uuid.NewString()
		a.tokenToHandle[token] = raw
		tokens = append(tokens, token)
	}
	return tokens
}

// Lookup returns every descriptor previously recorded against raw that
// is still alive, logging (via the returned lapsed count) any weak
// reference that has lapsed -- which spec §4.2 step 4 calls "an
// internal bug" since nothing should outlive the loader tables holding
// the strong reference while the library itself is still open.
func (a *Archive) Lookup(raw uintptr) (alive []*pluginapi.Descriptor, lapsed int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, w := range a.byHandle[raw] {
		if d := w.Value(); d != nil {
			alive = append(alive, d)
		} else {
			lapsed++
		}
	}
	return alive, lapsed
}

// Has reports whether raw has any archive entries at all, used by
// load_library to decide between "take from archive" and "drain the
// dynamic registry afresh".
func (a *Archive) Has(raw uintptr) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.byHandle[raw]
	return ok
}

// Forget removes every archive entry recorded against the library token
// was issued for, which the cleanup hook calls during library unload.
// The entries of all of that library's descriptors go, not only the one
// descriptor the token was issued with.
func (a *Archive) Forget(token string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	raw, ok := a.tokenToHandle[token]
	if !ok {
		return
	}
	delete(a.tokenToHandle, token)
	delete(a.byHandle, raw)
}

// Hook is the registration/cleanup entry point a just-opened library
// calls into. It decodes the wire-format descriptor, validates its ABI
// layout, deposits it into pkg/pluginapi's native or dynamic table
// (whichever the current mode flag selects), and records it in the
// archive under the owning library's raw handle.
type Hook struct {
	archive *Archive
	caller  abi.Caller
	metrics *metrics.Metrics

	mu      sync.Mutex
	nextID  uintptr
	tokenOf map[uintptr]string
}

// NewHook constructs a Hook backed by archive, using purego to invoke
// raw C function pointers. m may be nil, in which case registration
// outcomes are simply not instrumented.
func NewHook(archive *Archive, m *metrics.Metrics) *Hook {
	return &Hook{
		archive: archive,
		caller:  library.Caller{},
		metrics: m,
		tokenOf: make(map[uintptr]string),
	}
}

// Register decodes raw and deposits it, associating the result with
// the library identified by owner. It returns the opaque registration
// token the library must hold onto for Cleanup, or an error if the
// descriptor failed ABI or shape validation. Every call here arrives
// through the dynamic registration protocol (the registration callback
// or the legacy hook); native registration never goes through a Hook.
func (h *Hook) Register(owner uintptr, raw *abi.RawDescriptor) (token string, err error) {
	desc, err := abi.Decode(raw, h.caller)
	if err != nil {
		pluginapi.MarkRegistrationFailed()
		if h.metrics != nil && errors.Is(err, abi.ErrABISkew) {
			h.metrics.ABISkewDetected(abi.CString(raw.Symbol))
		}
		return "", err
	}
	if err := pluginapi.Deposit(desc); err != nil {
		pluginapi.MarkRegistrationFailed()
		return "", err
	}
	tokens := h.archive.Record(owner, []*pluginapi.Descriptor{desc})
	if h.metrics != nil {
		h.metrics.Registered(true)
	}
	return tokens[0], nil
}

// Cleanup removes archive entries for token. Called from a library's
// static-destructor-equivalent during unload.
func (h *Hook) Cleanup(token string) {
	h.archive.Forget(token)
}

// Callback wraps Register as a purego callback with the registration
// hook's wire signature: (descriptorPtr uintptr) -> uintptr (an opaque
// numeric handle, or 0 on failure). owner is bound at callback-creation
// time because it is fixed for the lifetime of a single load_library
// call. The numeric handle returned across the ABI boundary maps
// internally to the string token Register produced; CleanupCallback
// reverses that mapping.
func (h *Hook) Callback(owner uintptr) uintptr {
	fn := func(descriptorPtr uintptr) uintptr {
		raw := (*abi.RawDescriptor)(unsafe.Pointer(descriptorPtr))
		token, err := h.Register(owner, raw)
		if err != nil {
			return 0
		}

		h.mu.Lock()
		h.nextID++
		id := h.nextID
		h.tokenOf[id] = token
		h.mu.Unlock()
		return id
	}
	return purego.NewCallback(fn)
}

// CleanupCallback wraps Cleanup as a purego callback with the cleanup
// hook's wire signature: (handle uintptr).
func (h *Hook) CleanupCallback() uintptr {
	fn := func(handle uintptr) {
		h.mu.Lock()
		token, ok := h.tokenOf[handle]
		delete(h.tokenOf, handle)
		h.mu.Unlock()
		if ok {
			h.Cleanup(token)
		}
	}
	return purego.NewCallback(fn)
}

// LegacyRawDescriptor is the wire shape exported by libraries built
// against the protocol version that predates alias support: one
// descriptor per plugin class, a single interface identity instead of
// an array, and no separate demangled-name table (the identity string
// served both roles).
type LegacyRawDescriptor struct {
	Symbol   uintptr // *C.char
	Identity uintptr // *C.char, single interface identity
	Upcast   uintptr // C function pointer: void *(*)(void *instance)
	Factory  uintptr // C function pointer: void *(*)(void)
	Deleter  uintptr // C function pointer: void (*)(void *instance)
}

// migrateLegacyDescriptor upgrades a LegacyRawDescriptor to the current
// descriptor shape: no aliases, and the single legacy interface
// identity copied into DemangledInterfaces unchanged, since the legacy
// protocol never distinguished mangled from demangled names.
func migrateLegacyDescriptor(raw *LegacyRawDescriptor, caller abi.Caller) *pluginapi.Descriptor {
	desc := &pluginapi.Descriptor{
		Symbol:              abi.CString(raw.Symbol),
		Aliases:             make(map[string]struct{}),
		Interfaces:          make(map[string]pluginapi.UpcastFunc, 1),
		DemangledInterfaces: make(map[string]string, 1),
		Dynamic:             true,
	}
	if identity := abi.CString(raw.Identity); identity != "" && raw.Upcast != 0 {
		up := raw.Upcast
		desc.Interfaces[identity] = func(instance unsafe.Pointer) unsafe.Pointer {
			return caller.CallUpcast(up, instance)
		}
		desc.DemangledInterfaces[identity] = identity
	}
	if raw.Factory != 0 && raw.Deleter != 0 {
		factory, deleter := raw.Factory, raw.Deleter
		desc.Factory = func() unsafe.Pointer { return caller.CallFactory(factory) }
		desc.Deleter = func(instance unsafe.Pointer) { caller.CallDeleter(deleter, instance) }
	}
	return desc
}

// ProbeLegacy invokes the legacy registration export of the library
// identified by raw, if present, passing the size/alignment sanity
// arguments spec §4.1 describes. The call returns the library's
// reported size plus a pointer to a zero-terminated array of
// LegacyRawDescriptor (a zero Symbol marks the end); each entry is
// migrated to the current descriptor shape and deposited exactly as
// the current-protocol registration callback would. It returns false
// with no error when the symbol is simply absent (the common case for
// current-protocol libraries).
func ProbeLegacy(raw uintptr, hook *Hook) (ok bool, err error) {
	addr, found := library.Dlsym(raw, LegacySymbol)
	if !found {
		return false, nil
	}

	reportedSize, arrayPtr, _ := purego.SyscallN(addr, abi.ExpectedSize(), abi.ExpectedAlign())
	if reportedSize < legacyMinSize {
		if hook.metrics != nil {
			hook.metrics.LegacyHookInvoked(false)
		}
		return false, fmt.Errorf("registry: legacy hook %s reports impossible version (size=%d)", LegacySymbol, reportedSize)
	}

	migrated := 0
	if arrayPtr != 0 {
		stride := unsafe.Sizeof(LegacyRawDescriptor{})
		for i := uintptr(0); ; i++ {
			entry := (*LegacyRawDescriptor)(unsafe.Pointer(arrayPtr + i*stride))
			if entry.Symbol == 0 {
				break
			}
			desc := migrateLegacyDescriptor(entry, hook.caller)
			if depositErr := pluginapi.Deposit(desc); depositErr != nil {
				pluginapi.MarkRegistrationFailed()
				continue
			}
			// Deposited into the dynamic table only -- the caller's
			// subsequent DrainDynamic + Archive.Record (the same path
			// the registration callback's deposits go through) is what
			// archives these, so a migrated descriptor is recorded
			// exactly once.
			if hook.metrics != nil {
				hook.metrics.Registered(true)
			}
			migrated++
		}
	}
	if hook.metrics != nil {
		hook.metrics.LegacyHookInvoked(migrated > 0)
	}
	return true, nil
}

// ProbeNative checks whether raw exports a type-info symbol for any
// descriptor currently in pkg/pluginapi's native table (spec §4.6): a
// hit means this shared library is the one that contributed that
// native plugin via a static initializer at program start, and it
// should be surfaced as loaded even though load_library found zero
// fresh registrations.
func ProbeNative(raw uintptr) []*pluginapi.Descriptor {
	var found []*pluginapi.Descriptor
	for symbol, desc := range pluginapi.NativeSnapshot() {
		if _, ok := library.Dlsym(raw, nativeTypeInfoSymbol(symbol)); ok {
			found = append(found, desc)
		}
	}
	return found
}

// nativeTypeInfoSymbol derives the exported symbol name a library would
// need to publish to be recognized as the origin of a native plugin
// identified by symbol, mirroring the platform type-info mangling idea
// of the original C++ design in Go terms.
func nativeTypeInfoSymbol(symbol string) string {
	return "nexus_typeinfo_" + symbol
}
