package abi

import (
	"errors"
	"testing"
	"unsafe"
)

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
	v := 42
	return unsafe.Pointer(&v)
}

func (f *fakeCaller) CallDeleter(fn uintptr, instance unsafe.Pointer) {
	f.deleterCalls++
}

func cstr(s string) uintptr {
	b := append([]byte(s), 0)
	return uintptr(unsafe.Pointer(&b[0]))
}

func TestVerifyLayoutAcceptsMatchingSize(t *testing.T) {
	if err := VerifyLayout(ExpectedSize(), ExpectedAlign()); err != nil {
		t.Fatalf("VerifyLayout with matching size/align: %v", err)
	}
}

func TestVerifyLayoutRejectsMismatch(t *testing.T) {
	err := VerifyLayout(ExpectedSize()+8, ExpectedAlign())
	if !errors.Is(err, ErrABISkew) {
		t.Fatalf("VerifyLayout with mismatched size = %v, want ErrABISkew", err)
	}
}

func TestDecodeRejectsABISkew(t *testing.T) {
	raw := &RawDescriptor{
		Symbol:  cstr("t1"),
		SizeOf:  ExpectedSize() + 1,
		AlignOf: ExpectedAlign(),
	}
	_, err := Decode(raw, &fakeCaller{})
	if !errors.Is(err, ErrABISkew) {
		t.Fatalf("Decode() = %v, want ErrABISkew", err)
	}
}

func TestDecodeProducesUsableDescriptor(t *testing.T) {
	caller := &fakeCaller{}

	aliasPtrs := []uintptr{cstr("impl")}
	ifaces := []RawInterface{{Identity: cstr("TestInterface"), Upcast: 0x1}}

	raw := &RawDescriptor{
		Symbol:         cstr("t1"),
		SizeOf:         ExpectedSize(),
		AlignOf:        ExpectedAlign(),
		Aliases:        uintptr(unsafe.Pointer(&aliasPtrs[0])),
		AliasCount:     uintptr(len(aliasPtrs)),
		Interfaces:     uintptr(unsafe.Pointer(&ifaces[0])),
		InterfaceCount: uintptr(len(ifaces)),
		Factory:        0x2,
		Deleter:        0x3,
	}

	desc, err := Decode(raw, caller)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if desc.Symbol != "t1" {
		t.Errorf("Symbol = %q, want %q", desc.Symbol, "t1")
	}
	if !desc.Dynamic {
		t.Error("expected a decoded descriptor to be marked Dynamic")
	}
	if desc.Name != "" {
		t.Errorf("Name = %q, want empty (no name field exists on the wire)", desc.Name)
	}
	if _, ok := desc.Aliases["impl"]; !ok {
		t.Errorf("expected alias 'impl', got %v", desc.Aliases)
	}
	up, ok := desc.Interfaces["TestInterface"]
	if !ok {
		t.Fatalf("expected interface 'TestInterface', got %v", desc.Interfaces)
	}
	instance := desc.Factory()
	if caller.factoryCalls != 1 {
		t.Errorf("expected factory to be invoked once, got %d", caller.factoryCalls)
	}
	up(instance)
	if caller.upcastCalls != 1 {
		t.Errorf("expected upcast to be invoked once, got %d", caller.upcastCalls)
	}
	desc.Deleter(instance)
	if caller.deleterCalls != 1 {
		t.Errorf("expected deleter to be invoked once, got %d", caller.deleterCalls)
	}
}
