package pluginapi

import (
	"errors"
	"testing"
	"unsafe"
)

func sampleDescriptor(symbol string) *Descriptor {
	return &Descriptor{
		Symbol:  symbol,
		Name:    "TestImplementation",
		Aliases: map[string]struct{}{"impl": {}},
		Interfaces: map[string]UpcastFunc{
			"TestInterface": func(p unsafe.Pointer) unsafe.Pointer { return p },
		},
		DemangledInterfaces: map[string]string{"TestInterface": "TestInterface"},
		Factory:             func() unsafe.Pointer { return unsafe.Pointer(new(int)) },
		Deleter:             func(unsafe.Pointer) {},
	}
}

func TestValidateRejectsEmptySymbol(t *testing.T) {
	d := sampleDescriptor("")
	if err := d.Validate(); !errors.Is(err, ErrInvalidDescriptor) {
		t.Fatalf("Validate() = %v, want ErrInvalidDescriptor", err)
	}
}

func TestValidateRejectsNilUpcast(t *testing.T) {
	d := sampleDescriptor("t1")
	d.Interfaces["Broken"] = nil
	if err := d.Validate(); !errors.Is(err, ErrInvalidDescriptor) {
		t.Fatalf("Validate() = %v, want ErrInvalidDescriptor", err)
	}
}

func TestValidateRejectsMismatchedFactoryDeleter(t *testing.T) {
	d := sampleDescriptor("t1")
	d.Deleter = nil
	if err := d.Validate(); !errors.Is(err, ErrInvalidDescriptor) {
		t.Fatalf("Validate() = %v, want ErrInvalidDescriptor", err)
	}
}

func TestValidateRejectsAliasEqualToName(t *testing.T) {
	d := sampleDescriptor("t1")
	d.Aliases[d.Name] = struct{}{}
	if err := d.Validate(); !errors.Is(err, ErrInvalidDescriptor) {
		t.Fatalf("Validate() = %v, want ErrInvalidDescriptor", err)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	d := sampleDescriptor("t1")
	clone := d.Clone()
	clone.Aliases["extra"] = struct{}{}

	if _, ok := d.Aliases["extra"]; ok {
		t.Fatal("mutating clone's aliases affected the original")
	}
}

func TestMergeIntoAddsInterfacesAndAliases(t *testing.T) {
	existing := sampleDescriptor("t1")
	delete(existing.Interfaces, "TestInterface")
	existing.Interfaces = map[string]UpcastFunc{}
	existing.Aliases = map[string]struct{}{}
	existing.Factory = nil
	existing.Deleter = nil

	incoming := sampleDescriptor("t1")
	incoming.Aliases["second"] = struct{}{}

	mergeInto(existing, incoming)

	if _, ok := existing.Interfaces["TestInterface"]; !ok {
		t.Error("expected merged interface to be present")
	}
	if _, ok := existing.Aliases["impl"]; !ok {
		t.Error("expected merged alias 'impl' to be present")
	}
	if _, ok := existing.Aliases["second"]; !ok {
		t.Error("expected merged alias 'second' to be present")
	}
	if existing.Factory == nil {
		t.Error("expected factory to be filled in by merge")
	}
}

func TestMergeIntoNeverDropsExistingInterface(t *testing.T) {
	existing := sampleDescriptor("t1")
	incoming := sampleDescriptor("t1")
	incoming.Interfaces = map[string]UpcastFunc{} // incoming declares nothing new

	mergeInto(existing, incoming)

	if _, ok := existing.Interfaces["TestInterface"]; !ok {
		t.Error("merge must never drop an interface the existing descriptor already had")
	}
}
