// Package pluginapi defines the plugin descriptor model and the
// process-wide native/dynamic registration tables that the registration
// protocol deposits into. Plugin authors compiled into the host process
// call RegisterNative from an init function; plugins opened from a
// shared library are registered through internal/registry's ABI bridge,
// which calls Deposit on this package's behalf.
package pluginapi

import (
	"errors"
	"fmt"
	"unsafe"
)

// UpcastFunc converts an untyped instance pointer into an untyped
// pointer to one of the interfaces the instance's plugin class
// declares. Under multiple inheritance the two pointers may differ by
// a non-zero offset; that is exactly what this function exists to
// compute.
type UpcastFunc func(instance unsafe.Pointer) unsafe.Pointer

// FactoryFunc allocates a new, untyped instance of a plugin class.
type FactoryFunc func() unsafe.Pointer

// DeleterFunc destroys an instance previously returned by the matching
// FactoryFunc. It must run in the same library that allocated the
// instance.
type DeleterFunc func(instance unsafe.Pointer)

// PluginHandleView is the subset of internal/handle.Handle's surface a
// plugin instance is allowed to see through its own self-reference,
// described without importing internal/handle (which in turn must
// import this package for Descriptor).
type PluginHandleView interface {
	IsEmpty() bool
	QueryInterface(iface string) unsafe.Pointer
	Release()
}

// SelfHandle lets an instance obtain a share of the plugin handle that
// owns it, without the instance itself holding a strong reference (that
// would create an ownership cycle). Upgrade fails once the handle has
// been fully released.
type SelfHandle interface {
	Upgrade() (PluginHandleView, bool)
}

// SelfReferencer is implemented by plugin instances that want to be
// able to retrieve a handle to themselves later (e.g. to hand a
// callback a token that outlives the call that created it). The loader
// calls AttachSelf once, immediately after construction, per spec
// §4.4 step 5.
type SelfReferencer interface {
	AttachSelf(self SelfHandle)
}

// Descriptor is the immutable metadata record produced by registration
// for one plugin class.
type Descriptor struct {
	// Symbol is the opaque, platform-specific type identity string.
	// It is the primary key under which a descriptor is registered.
	Symbol string
	// Name is the human-readable form of Symbol, filled in by the host.
	Name string
	// Aliases are alternative lookup names, unique within this
	// descriptor but not necessarily unique across the loader.
	Aliases map[string]struct{}
	// Interfaces maps an interface identity string to the up-cast
	// function that adjusts an instance pointer to that interface.
	Interfaces map[string]UpcastFunc
	// DemangledInterfaces mirrors the keys of Interfaces in
	// human-readable form.
	DemangledInterfaces map[string]string
	// Factory and Deleter are either both set or both nil. A nil pair
	// designates a descriptor that cannot be instantiated.
	Factory FactoryFunc
	Deleter DeleterFunc
	// Dynamic is true for descriptors decoded from a dynamically loaded
	// library's wire format (internal/abi.Decode), as opposed to one
	// registered directly by RegisterNative. An instance produced by a
	// Dynamic descriptor's Factory was boxed by the library's own,
	// separate runtime -- never by this process's pluginapi.NewInstanceHandle
	// -- so callers must not pass it to InstanceValue.
	Dynamic bool
}

// ErrInvalidDescriptor wraps every reason Validate can fail.
var ErrInvalidDescriptor = errors.New("pluginapi: invalid descriptor")

// Validate checks the invariants every Descriptor must satisfy before
// it can be deposited into a registry table.
func (d *Descriptor) Validate() error {
	if d.Symbol == "" {
		return fmt.Errorf("%w: symbol is empty", ErrInvalidDescriptor)
	}
	for iface, up := range d.Interfaces {
		if up == nil {
			return fmt.Errorf("%w: interface %q has a nil up-cast function", ErrInvalidDescriptor, iface)
		}
	}
	if (d.Factory == nil) != (d.Deleter == nil) {
		return fmt.Errorf("%w: factory and deleter must both be set or both be nil", ErrInvalidDescriptor)
	}
	if _, ownName := d.Aliases[d.Name]; ownName && d.Name != "" {
		return fmt.Errorf("%w: alias %q duplicates the plugin's own name", ErrInvalidDescriptor, d.Name)
	}
	return nil
}

// Clone produces a deep-enough copy of d so that the caller can mutate
// the original without disturbing a registry's stored copy.
func (d *Descriptor) Clone() *Descriptor {
	clone := &Descriptor{
		Symbol:  d.Symbol,
		Name:    d.Name,
		Factory: d.Factory,
		Deleter: d.Deleter,
		Dynamic: d.Dynamic,
	}
	clone.Aliases = make(map[string]struct{}, len(d.Aliases))
	for a := range d.Aliases {
		clone.Aliases[a] = struct{}{}
	}
	clone.Interfaces = make(map[string]UpcastFunc, len(d.Interfaces))
	for k, v := range d.Interfaces {
		clone.Interfaces[k] = v
	}
	clone.DemangledInterfaces = make(map[string]string, len(d.DemangledInterfaces))
	for k, v := range d.DemangledInterfaces {
		clone.DemangledInterfaces[k] = v
	}
	return clone
}

// mergeInto adds every interface and alias of incoming that existing
// does not already have. Registering the same Symbol twice merges
// rather than overwrites, because the same plugin class may be
// registered from several translation units of the same library, each
// contributing a different subset of interfaces or aliases.
func mergeInto(existing, incoming *Descriptor) {
	if existing.Name == "" {
		existing.Name = incoming.Name
	}
	if existing.Factory == nil && incoming.Factory != nil {
		existing.Factory = incoming.Factory
		existing.Deleter = incoming.Deleter
	}
	if incoming.Dynamic {
		existing.Dynamic = true
	}
	for alias := range incoming.Aliases {
		existing.Aliases[alias] = struct{}{}
	}
	for iface, up := range incoming.Interfaces {
		if _, ok := existing.Interfaces[iface]; !ok {
			existing.Interfaces[iface] = up
		}
	}
	for iface, demangled := range incoming.DemangledInterfaces {
		if _, ok := existing.DemangledInterfaces[iface]; !ok {
			existing.DemangledInterfaces[iface] = demangled
		}
	}
}
