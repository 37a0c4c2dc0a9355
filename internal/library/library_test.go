package library

import "testing"

func withFakeLinker(t *testing.T) (opens, closes *int) {
	t.Helper()
	openCount, closeCount := 0, 0
	origOpen, origClose := openFunc, closeFunc
	openFunc = func(path string, mode int) (uintptr, error) {
		openCount++
		return 0xdead0000 + uintptr(openCount), nil
	}
	closeFunc = func(raw uintptr) error {
		closeCount++
		return nil
	}
	t.Cleanup(func() {
		openFunc = origOpen
		closeFunc = origClose
	})
	return &openCount, &closeCount
}

func TestOpenStartsWithRefCountOne(t *testing.T) {
	_, closes := withFakeLinker(t)

	h, err := Open("/fake/plugin.so")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	h.Release()
	if *closes != 1 {
		t.Fatalf("expected a single Release to close a freshly opened library, got %d closes", *closes)
	}
}

func TestShareAndReleaseBalance(t *testing.T) {
	_, closes := withFakeLinker(t)

	h, err := Open("/fake/plugin.so")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	share := h.Share()

	h.Release()
	if *closes != 0 {
		t.Fatalf("expected library to remain open while a share is outstanding, closes=%d", *closes)
	}

	share.Release()
	if *closes != 1 {
		t.Fatalf("expected exactly one close after the last share is released, got %d", *closes)
	}
}

func TestWeakHandleUpgradeFailsAfterLastRelease(t *testing.T) {
	withFakeLinker(t)

	h, err := Open("/fake/plugin.so")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	weak := h.Weak()

	upgraded, ok := weak.Upgrade()
	if !ok {
		t.Fatal("expected Upgrade to succeed while the handle is alive")
	}
	upgraded.Release()

	h.Release()

	if _, ok := weak.Upgrade(); ok {
		t.Fatal("expected Upgrade to fail once the handle has been fully released")
	}
}

func TestWeakHandleUpgradeKeepsLibraryAliveUntilReleased(t *testing.T) {
	_, closes := withFakeLinker(t)

	h, err := Open("/fake/plugin.so")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	weak := h.Weak()

	upgraded, ok := weak.Upgrade()
	if !ok {
		t.Fatal("expected Upgrade to succeed")
	}

	h.Release()
	if *closes != 0 {
		t.Fatalf("expected library to stay open while the upgraded share is outstanding, closes=%d", *closes)
	}

	upgraded.Release()
	if *closes != 1 {
		t.Fatalf("expected close after the upgraded share is released, got %d", *closes)
	}
}

func TestOpenFailurePropagatesError(t *testing.T) {
	origOpen := openFunc
	openFunc = func(path string, mode int) (uintptr, error) {
		return 0, errOpenSim
	}
	t.Cleanup(func() { openFunc = origOpen })

	if _, err := Open("/does/not/exist.so"); err == nil {
		t.Fatal("expected an error from a failed open")
	}
}

var errOpenSim = simulatedOpenError{}

type simulatedOpenError struct{}

func (simulatedOpenError) Error() string { return "simulated dlopen failure" }
