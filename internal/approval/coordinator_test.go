package approval

import (
	"testing"
	"time"
)

func recvDecision(t *testing.T, ch <-chan bool) bool {
	t.Helper()
	select {
	case d := <-ch:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for decision")
		return false
	}
}

func TestRequest_EmitRunsBeforeRegistration(t *testing.T) {
	c := NewCoordinator()

	emitted := false
	c.Request("job-1", func() {
		emitted = true
		if c.PendingCount() != 0 {
			t.Error("entry registered before emit side effect ran")
		}
	})

	if !emitted {
		t.Fatal("emit side effect did not run")
	}
	if c.PendingCount() != 1 {
		t.Errorf("PendingCount() = %d, want 1", c.PendingCount())
	}
}

func TestRequest_SupersedeAutoDeniesPrior(t *testing.T) {
	c := NewCoordinator()

	first := c.Request("job-1", nil)
	second := c.Request("job-1", nil)

	// The stale request resolves false before the new one registers.
	if d := recvDecision(t, first); d {
		t.Error("superseded request resolved true, want false (auto-deny)")
	}

	if !c.Resolve("job-1", true) {
		t.Fatal("Resolve() = false, want true")
	}
	if d := recvDecision(t, second); !d {
		t.Error("newest request resolved false, want true")
	}
}

func TestResolve_UnknownID(t *testing.T) {
	c := NewCoordinator()
	if c.Resolve("nope", true) {
		t.Error("Resolve() on unknown id = true, want false")
	}
}

func TestResolve_RemovesEntry(t *testing.T) {
	c := NewCoordinator()
	ch := c.Request("job-1", nil)
	c.Resolve("job-1", true)
	recvDecision(t, ch)

	if c.Resolve("job-1", true) {
		t.Error("second Resolve() = true, want false")
	}
}

func TestClear_DiscardsWithoutResolving(t *testing.T) {
	c := NewCoordinator()
	ch := c.Request("job-1", nil)
	c.Clear("job-1")

	select {
	case <-ch:
		t.Error("Clear() resolved the decision; it should discard silently")
	case <-time.After(50 * time.Millisecond):
	}
	if c.PendingCount() != 0 {
		t.Errorf("PendingCount() = %d, want 0", c.PendingCount())
	}
}

func TestClearAll_ResolvesEverythingWithDefault(t *testing.T) {
	c := NewCoordinator()
	a := c.Request("job-a", nil)
	b := c.Request("job-b", nil)

	c.ClearAll(false)

	if d := recvDecision(t, a); d {
		t.Error("job-a resolved true, want default false")
	}
	if d := recvDecision(t, b); d {
		t.Error("job-b resolved true, want default false")
	}
	if c.PendingCount() != 0 {
		t.Errorf("PendingCount() = %d, want 0 after ClearAll", c.PendingCount())
	}
}
