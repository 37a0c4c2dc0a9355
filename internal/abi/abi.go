// Package abi defines the C-ABI wire format a dynamically loaded
// library uses to hand descriptors to the host's registration hook,
// plus the size/alignment check that detects a library built against a
// different revision of the descriptor layout than the host expects.
package abi

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/haasonsaas/pluginhost/pkg/pluginapi"
)

// ErrABISkew is returned when a library's reported sizeof/alignof for
// RawDescriptor does not match the host's own. Per spec §4.1 this fails
// registration for that one descriptor without poisoning any other
// state.
var ErrABISkew = errors.New("abi: descriptor size or alignment mismatch")

// RawInterface is the wire form of one entry of Descriptor.Interfaces:
// an interface identity string plus the function pointer that adjusts
// an instance pointer to that interface.
type RawInterface struct {
	Identity uintptr // *C.char, NUL-terminated
	Upcast   uintptr // C function pointer: void *(*)(void *instance)
}

// RawDescriptor is the wire form a library passes to the registration
// hook. Every pointer-shaped field is a uintptr because the library and
// the host may not even agree on pointer provenance, only on the raw
// bit pattern passed across purego's call boundary.
type RawDescriptor struct {
	Symbol  uintptr // *C.char
	SizeOf  uintptr // library's sizeof(descriptor)
	AlignOf uintptr // library's alignof(descriptor)

	Aliases    uintptr // *[AliasCount]*C.char
	AliasCount uintptr

	Interfaces     uintptr // *[InterfaceCount]RawInterface
	InterfaceCount uintptr

	Factory uintptr // C function pointer: void *(*)(void)
	Deleter uintptr // C function pointer: void (*)(void *instance)
}

// ExpectedSize and ExpectedAlign are the host's own notion of
// RawDescriptor's layout, published so a library's build-time
// generated registration code can self-check before ever calling the
// hook.
func ExpectedSize() uintptr  { return unsafe.Sizeof(RawDescriptor{}) }
func ExpectedAlign() uintptr { return unsafe.Alignof(RawDescriptor{}) }

// VerifyLayout checks a library-reported sizeof/alignof pair against
// the host's own. A mismatch means the library was compiled against a
// different descriptor layout than this host understands.
func VerifyLayout(reportedSize, reportedAlign uintptr) error {
	if reportedSize != ExpectedSize() || reportedAlign != ExpectedAlign() {
		return fmt.Errorf("%w: library reports size=%d align=%d, host expects size=%d align=%d",
			ErrABISkew, reportedSize, reportedAlign, ExpectedSize(), ExpectedAlign())
	}
	return nil
}

// CString reads a NUL-terminated string starting at ptr, for wire
// formats outside this package that share the same C string
// convention (internal/registry's legacy descriptor migration).
func CString(ptr uintptr) string { return cstring(ptr) }

// cstring reads a NUL-terminated string starting at ptr. ptr of zero is
// treated as an empty string.
func cstring(ptr uintptr) string {
	if ptr == 0 {
		return ""
	}
	const maxLen = 1 << 20
	var b []byte
	for i := 0; i < maxLen; i++ {
		c := *(*byte)(unsafe.Pointer(ptr + uintptr(i)))
		if c == 0 {
			break
		}
		b = append(b, c)
	}
	return string(b)
}

// upcastFromPointer wraps a raw C function pointer of signature
// void *(*)(void *) as a pluginapi.UpcastFunc. It is only safe to call
// while the owning library handle is still open.
func upcastFromPointer(fn uintptr, call func(fn uintptr, instance unsafe.Pointer) unsafe.Pointer) pluginapi.UpcastFunc {
	if fn == 0 {
		return nil
	}
	return func(instance unsafe.Pointer) unsafe.Pointer {
		return call(fn, instance)
	}
}

// Caller abstracts the mechanism that invokes a raw C function pointer
// with the appropriate signature. internal/library supplies the
// purego-backed implementation; tests supply a fake.
type Caller interface {
	CallUpcast(fn uintptr, instance unsafe.Pointer) unsafe.Pointer
	CallFactory(fn uintptr) unsafe.Pointer
	CallDeleter(fn uintptr, instance unsafe.Pointer)
}

// Decode converts a RawDescriptor into a pluginapi.Descriptor, after
// checking its layout. caller supplies the actual cross-ABI
// invocation for the factory/deleter/upcast function pointers.
func Decode(raw *RawDescriptor, caller Caller) (*pluginapi.Descriptor, error) {
	if err := VerifyLayout(raw.SizeOf, raw.AlignOf); err != nil {
		return nil, err
	}

	desc := &pluginapi.Descriptor{
		Symbol:              cstring(raw.Symbol),
		Aliases:             make(map[string]struct{}, raw.AliasCount),
		Interfaces:          make(map[string]pluginapi.UpcastFunc, raw.InterfaceCount),
		DemangledInterfaces: make(map[string]string, raw.InterfaceCount),
		Dynamic:             true,
	}

	if raw.AliasCount > 0 && raw.Aliases != 0 {
		for i := uintptr(0); i < raw.AliasCount; i++ {
			entry := *(*uintptr)(unsafe.Pointer(raw.Aliases + i*unsafe.Sizeof(uintptr(0))))
			if alias := cstring(entry); alias != "" {
				desc.Aliases[alias] = struct{}{}
			}
		}
	}

	if raw.InterfaceCount > 0 && raw.Interfaces != 0 {
		stride := unsafe.Sizeof(RawInterface{})
		for i := uintptr(0); i < raw.InterfaceCount; i++ {
			entry := (*RawInterface)(unsafe.Pointer(raw.Interfaces + i*stride))
			identity := cstring(entry.Identity)
			if identity == "" || entry.Upcast == 0 {
				continue
			}
			up := entry.Upcast
			desc.Interfaces[identity] = upcastFromPointer(up, caller.CallUpcast)
			desc.DemangledInterfaces[identity] = identity
		}
	}

	if raw.Factory != 0 && raw.Deleter != 0 {
		factory, deleter := raw.Factory, raw.Deleter
		desc.Factory = func() unsafe.Pointer { return caller.CallFactory(factory) }
		desc.Deleter = func(instance unsafe.Pointer) { caller.CallDeleter(deleter, instance) }
	}

	return desc, nil
}
