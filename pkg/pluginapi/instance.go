package pluginapi

import (
	"runtime/cgo"
	"unsafe"
)

// NewInstanceHandle boxes a Go value as the untyped instance pointer a
// FactoryFunc must return. It is the Go-native analog of a C++
// `new Impl()` cast to `void*`: runtime/cgo.Handle gives us a safe,
// GC-visible way to round-trip an arbitrary Go value through an
// unsafe.Pointer without the garbage collector reclaiming it out from
// under a library that only ever sees the opaque pointer.
//
// A plugin author writing a native (same-process) plugin class uses
// this directly in their FactoryFunc; a dynamically loaded library
// instead returns a real C pointer, decoded by internal/abi.
func NewInstanceHandle(v any) unsafe.Pointer {
	h := cgo.NewHandle(v)
	return unsafe.Pointer(uintptr(h))
}

// InstanceValue recovers the Go value NewInstanceHandle boxed.
func InstanceValue(instance unsafe.Pointer) any {
	return cgo.Handle(uintptr(instance)).Value()
}

// DeleteInstanceHandle releases the handle so the boxed value becomes
// eligible for garbage collection. A native plugin's DeleterFunc must
// call this.
func DeleteInstanceHandle(instance unsafe.Pointer) {
	cgo.Handle(uintptr(instance)).Delete()
}

// IdentityUpcast is the UpcastFunc a native plugin class uses for an
// interface it implements directly (no adjustment needed): the boxed
// Go value already satisfies every interface its descriptor declares,
// so the "up-cast" is the identity function on the handle itself. The
// caller recovers the concrete interface with InstanceValue and a type
// assertion.
func IdentityUpcast(instance unsafe.Pointer) unsafe.Pointer { return instance }
