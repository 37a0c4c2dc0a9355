package handle

import (
	"testing"
	"unsafe"

	"github.com/haasonsaas/pluginhost/internal/library"
	"github.com/haasonsaas/pluginhost/pkg/pluginapi"
)

// testInterface mirrors spec S1's TestInterface: input stores a string,
// output returns the last one stored.
type testInterface interface {
	input(s string)
	output() string
}

type testImplementation struct {
	value string
	self  pluginapi.SelfHandle
}

func (t *testImplementation) input(s string)  { t.value = s }
func (t *testImplementation) output() string  { return t.value }
func (t *testImplementation) AttachSelf(s pluginapi.SelfHandle) { t.self = s }

func testDescriptor(symbol string) *pluginapi.Descriptor {
	return &pluginapi.Descriptor{
		Symbol:  symbol,
		Name:    "TestImplementation",
		Aliases: map[string]struct{}{},
		Interfaces: map[string]pluginapi.UpcastFunc{
			"TestInterface": pluginapi.IdentityUpcast,
		},
		DemangledInterfaces: map[string]string{"TestInterface": "TestInterface"},
		Factory: func() unsafe.Pointer {
			return pluginapi.NewInstanceHandle(&testImplementation{})
		},
		Deleter: func(instance unsafe.Pointer) {
			pluginapi.DeleteInstanceHandle(instance)
		},
	}
}

func asTestInterface(ptr unsafe.Pointer) testInterface {
	v := pluginapi.InstanceValue(ptr)
	iface, _ := v.(testInterface)
	return iface
}

func TestS1NativePluginLifecycle(t *testing.T) {
	desc := testDescriptor("s1.TestImplementation")
	h := New(desc, library.Process(), nil)
	if h.IsEmpty() {
		t.Fatal("expected non-empty handle")
	}

	ptr := h.QueryInterface("TestInterface")
	if ptr == nil {
		t.Fatal("expected non-nil interface pointer")
	}
	iface := asTestInterface(ptr)
	if iface == nil {
		t.Fatal("expected instance to satisfy testInterface")
	}
	iface.input("hello")
	if got := iface.output(); got != "hello" {
		t.Errorf("output() = %q, want %q", got, "hello")
	}

	h.Release()
}

func TestS2CopySemantics(t *testing.T) {
	desc := testDescriptor("s2.TestImplementation")
	plugin := New(desc, library.Process(), nil)

	cp := plugin.Share()
	plugin.Release() // reset original to empty

	if cp.IsEmpty() {
		t.Fatal("expected copy to remain non-empty after original was reset")
	}
	ptr := cp.QueryInterface("TestInterface")
	if ptr == nil {
		t.Fatal("expected copy to still answer QueryInterface")
	}

	cp.Release() // copy reset -> releases the instance
}

func TestS3InterfaceShareOutlivesHandle(t *testing.T) {
	desc := testDescriptor("s3.TestImplementation")
	plugin := New(desc, library.Process(), nil)
	cp := plugin.Share()
	plugin.Release()

	shared, ok := cp.QueryInterfaceShared("TestInterface")
	if !ok {
		t.Fatal("expected QueryInterfaceShared to succeed")
	}

	iface := asTestInterface(shared.Pointer())
	iface.input("still alive")

	cp.Release() // empty cp; shared.owner keeps the instance alive

	if got := asTestInterface(shared.Pointer()).output(); got != "still alive" {
		t.Errorf("output() = %q, want %q", got, "still alive")
	}

	shared.Release()
	_ = cp
}

func TestQueryInterfaceMissReturnsNil(t *testing.T) {
	desc := testDescriptor("miss.TestImplementation")
	h := New(desc, library.Process(), nil)
	defer h.Release()

	if ptr := h.QueryInterface("NotDeclared"); ptr != nil {
		t.Error("expected nil pointer for an interface the descriptor does not declare")
	}
}

func TestEmptyHandleIsSafeNoOp(t *testing.T) {
	var h Handle
	if !h.IsEmpty() {
		t.Fatal("zero value Handle must be empty")
	}
	if ptr := h.QueryInterface("Anything"); ptr != nil {
		t.Error("expected nil from QueryInterface on an empty handle")
	}
	h.Release() // must not panic
}

func TestSelfReferenceUpgrade(t *testing.T) {
	desc := testDescriptor("self.TestImplementation")
	h := New(desc, library.Process(), nil)

	ptr := h.QueryInterface("TestInterface")
	impl := pluginapi.InstanceValue(ptr).(*testImplementation)
	if impl.self == nil {
		t.Fatal("expected AttachSelf to have been called during New")
	}

	view, ok := impl.self.Upgrade()
	if !ok {
		t.Fatal("expected Upgrade to succeed while the handle is alive")
	}
	if view.IsEmpty() {
		t.Fatal("expected upgraded view to be non-empty")
	}
	view.Release() // release the share Upgrade produced

	h.Release() // release the original share

	if _, ok := impl.self.Upgrade(); ok {
		t.Fatal("expected Upgrade to fail once every share has been released")
	}
}

// TestDynamicDescriptorSkipsInstanceValue proves New never calls
// pluginapi.InstanceValue on a Dynamic descriptor's instance. A real
// dynamically-loaded library boxes its instances in its own, separate
// cgo.Handle table; calling InstanceValue on a foreign handle panics.
// This test stands in for that by using a plain heap pointer that is
// not a valid cgo.Handle at all -- if New attempted the unboxing, it
// would panic here too.
func TestDynamicDescriptorSkipsInstanceValue(t *testing.T) {
	var sentinel int
	desc := &pluginapi.Descriptor{
		Symbol:  "dynamic.Foreign",
		Name:    "Foreign",
		Aliases: map[string]struct{}{},
		Interfaces: map[string]pluginapi.UpcastFunc{
			"TestInterface": pluginapi.IdentityUpcast,
		},
		DemangledInterfaces: map[string]string{"TestInterface": "TestInterface"},
		Factory: func() unsafe.Pointer {
			return unsafe.Pointer(&sentinel)
		},
		Deleter: func(instance unsafe.Pointer) {},
		Dynamic: true,
	}

	h := New(desc, library.Process(), nil)
	if h.IsEmpty() {
		t.Fatal("expected non-empty handle")
	}
	defer h.Release()

	if ptr := h.QueryInterface("TestInterface"); ptr != unsafe.Pointer(&sentinel) {
		t.Error("expected identity up-cast to return the foreign pointer unchanged")
	}
}
