package pluginapi

import "sync"

// registry holds the two process-wide tables the registration protocol
// deposits into: native (plugins compiled into the host, or into
// anything statically linked into it) and dynamic (scratch space for
// whichever load_library call is currently in flight). Both are keyed
// by Descriptor.Symbol.
type registry struct {
	mu sync.Mutex

	native  map[string]*Descriptor
	dynamic map[string]*Descriptor

	// dynamicMode mirrors the mode flag of spec §4.1: true while a
	// load_library call is open, directing Deposit at the dynamic
	// table instead of the native one.
	dynamicMode bool
	// registrationOkay is cleared whenever a descriptor fails ABI
	// validation during the current load_library call.
	registrationOkay bool
}

var global = &registry{
	native:  make(map[string]*Descriptor),
	dynamic: make(map[string]*Descriptor),
}

// RegisterNative deposits desc into the native table. It is the entry
// point for plugin classes compiled into the host process, normally
// called from an init function -- the Go analog of a C++ static
// initializer running before main. Unlike the dynamic path, native
// registration ignores the dynamic-mode flag entirely: the host binary
// is never "inside" a load_library call.
func RegisterNative(desc *Descriptor) error {
	if err := desc.Validate(); err != nil {
		return err
	}
	global.mu.Lock()
	defer global.mu.Unlock()
	depositLocked(global.native, desc)
	return nil
}

// SetDynamicMode flips the process-wide mode flag that the registration
// hook consults. load_library sets it true before the operating-system
// library open and clears it when load_library returns, so registrations
// made from the library's entry point also land in the dynamic table.
func SetDynamicMode(enabled bool) {
	global.mu.Lock()
	defer global.mu.Unlock()
	global.dynamicMode = enabled
}

// ResetRegistrationOkay sets the registration-okay flag back to true at
// the start of a load_library call.
func ResetRegistrationOkay() {
	global.mu.Lock()
	defer global.mu.Unlock()
	global.registrationOkay = true
}

// MarkRegistrationFailed clears the registration-okay flag; called when
// a descriptor fails ABI validation or is rejected by Deposit.
func MarkRegistrationFailed() {
	global.mu.Lock()
	defer global.mu.Unlock()
	global.registrationOkay = false
}

// RegistrationOkay reports whether every descriptor registered since the
// last ResetRegistrationOkay passed ABI validation and was accepted by
// Deposit.
func RegistrationOkay() bool {
	global.mu.Lock()
	defer global.mu.Unlock()
	return global.registrationOkay
}

// Deposit is called by the registration hook (internal/registry's ABI
// bridge, for descriptors arriving from an opened library) once a
// descriptor has already passed ABI validation. It merges desc into
// whichever table the current dynamic-mode flag selects.
func Deposit(desc *Descriptor) error {
	if err := desc.Validate(); err != nil {
		return err
	}
	global.mu.Lock()
	defer global.mu.Unlock()
	if global.dynamicMode {
		depositLocked(global.dynamic, desc)
	} else {
		depositLocked(global.native, desc)
	}
	return nil
}

func depositLocked(table map[string]*Descriptor, desc *Descriptor) {
	existing, ok := table[desc.Symbol]
	if !ok {
		table[desc.Symbol] = desc.Clone()
		return
	}
	mergeInto(existing, desc)
}

// DrainDynamic returns every descriptor currently in the dynamic table
// and clears it. load_library calls this once per successful
// operating-system open, regardless of whether anything was deposited
// and whether the descriptors came from the archive.
func DrainDynamic() map[string]*Descriptor {
	global.mu.Lock()
	defer global.mu.Unlock()
	drained := global.dynamic
	global.dynamic = make(map[string]*Descriptor)
	return drained
}

// NativeLookup returns the native descriptor registered under symbol,
// if any. Used by §4.6 static/native-plugin detection.
func NativeLookup(symbol string) (*Descriptor, bool) {
	global.mu.Lock()
	defer global.mu.Unlock()
	d, ok := global.native[symbol]
	return d, ok
}

// NativeSnapshot returns a copy of every descriptor in the native
// table, keyed by Symbol.
func NativeSnapshot() map[string]*Descriptor {
	global.mu.Lock()
	defer global.mu.Unlock()
	out := make(map[string]*Descriptor, len(global.native))
	for k, v := range global.native {
		out[k] = v
	}
	return out
}

// ResetForTest clears both registry tables and the mode flags. It
// exists so packages that build on top of pluginapi (internal/registry,
// internal/loader) can start each test from a known-empty process-wide
// registry instead of leaking state between table-driven subtests.
func ResetForTest() {
	global.mu.Lock()
	defer global.mu.Unlock()
	global.native = make(map[string]*Descriptor)
	global.dynamic = make(map[string]*Descriptor)
	global.dynamicMode = false
	global.registrationOkay = true
}
