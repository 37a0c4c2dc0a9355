package registry

import (
	"testing"
	"unsafe"

	"github.com/haasonsaas/pluginhost/internal/abi"
)

func cstr(s string) uintptr {
	b := append([]byte(s), 0)
	return uintptr(unsafe.Pointer(&b[0]))
}

// fakeCaller stands in for the purego-backed abi.Caller in tests that
// exercise descriptor decoding without a real loaded library to call
// into.
type fakeCaller struct {
	upcastCalls  int
	factoryCalls int
	deleterCalls int
}

func (f *fakeCaller) CallUpcast(fn uintptr, instance unsafe.Pointer) unsafe.Pointer {
	f.upcastCalls++
	return instance
}

func (f *fakeCaller) CallFactory(fn uintptr) unsafe.Pointer {
	f.factoryCalls++
	v := 7
	return unsafe.Pointer(&v)
}

func (f *fakeCaller) CallDeleter(fn uintptr, instance unsafe.Pointer) {
	f.deleterCalls++
}

// buildRawDescriptor constructs a RawDescriptor that passes ABI
// validation (matching size/align) with a single interface and no
// aliases, suitable for exercising Hook.Register in tests.
func buildRawDescriptor(t *testing.T, symbol string) *abi.RawDescriptor {
	t.Helper()
	ifaces := []abi.RawInterface{{Identity: cstr("TestInterface"), Upcast: 0x1}}
	return &abi.RawDescriptor{
		Symbol:         cstr(symbol),
		SizeOf:         abi.ExpectedSize(),
		AlignOf:        abi.ExpectedAlign(),
		Interfaces:     uintptr(unsafe.Pointer(&ifaces[0])),
		InterfaceCount: uintptr(len(ifaces)),
		Factory:        0x2,
		Deleter:        0x3,
	}
}
