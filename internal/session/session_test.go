package session

import (
	"testing"
	"time"
)

func newTestSession(t *testing.T, persistent bool, detachTimeout time.Duration) *ManagedSession {
	t.Helper()
	buf := NewOutputBuffer(0)
	r, err := Start(RunnerConfig{Command: "/bin/sleep", Args: []string{"30"}, UsePTY: false}, buf)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { r.Kill() })
	cfg := RunnerConfig{Command: "/bin/sleep", Args: []string{"30"}}
	return NewManagedSession(cfg, r, buf, nil, persistent, detachTimeout)
}

func TestManagedSessionNonPersistentKillsOnLastForwarderDrop(t *testing.T) {
	ms := newTestSession(t, false, time.Minute)
	ms.Attach()

	if shouldKill := ms.DropForwarder(); !shouldKill {
		t.Fatalf("expected non-persistent session to signal kill on last forwarder drop")
	}
	if ms.State() != StateRunning {
		t.Fatalf("state should remain Running until caller acts on shouldKill, got %s", ms.State())
	}
}

func TestManagedSessionPersistentDetachesOnLastForwarderDrop(t *testing.T) {
	ms := newTestSession(t, true, time.Minute)
	ms.Attach()

	if shouldKill := ms.DropForwarder(); shouldKill {
		t.Fatalf("persistent session should not be killed on forwarder drop")
	}
	if ms.State() != StateDetached {
		t.Fatalf("expected Detached, got %s", ms.State())
	}
}

func TestManagedSessionReattachFromDetached(t *testing.T) {
	ms := newTestSession(t, true, time.Minute)
	ms.Attach()
	ms.DropForwarder()
	if ms.State() != StateDetached {
		t.Fatalf("expected Detached before reattach")
	}

	ms.Attach()
	if ms.State() != StateRunning {
		t.Fatalf("expected Running after reattach, got %s", ms.State())
	}
}

func TestManagedSessionDetachDeadlineElapses(t *testing.T) {
	ms := newTestSession(t, true, 10*time.Millisecond)
	ms.Attach()
	ms.DropForwarder()

	time.Sleep(20 * time.Millisecond)
	if !ms.DetachDeadlinePassed(time.Now()) {
		t.Fatalf("expected detach deadline to have passed")
	}
}

func TestManagedSessionAIState(t *testing.T) {
	ms := newTestSession(t, true, time.Minute)
	ms.SetAllowAI(true)
	ms.SetAIWorking(true, "running tests")

	ai := ms.AI()
	if !ai.Allowed || !ai.Working || ai.StatusMessage != "running tests" {
		t.Fatalf("unexpected AI state: %+v", ai)
	}
}

func TestManagedSessionRename(t *testing.T) {
	ms := newTestSession(t, true, time.Minute)
	if ms.Name() != "" {
		t.Fatalf("expected empty name before rename")
	}
	ms.Rename("build-1")
	if ms.Name() != "build-1" {
		t.Fatalf("expected name build-1, got %q", ms.Name())
	}
}

func TestManagedSessionAIWorkingExpiresAndClears(t *testing.T) {
	ms := newTestSession(t, true, time.Minute)
	ms.SetAIWorking(true, "building")

	if ms.AIWorkingExpired(time.Now()) {
		t.Fatalf("should not be expired immediately after touch")
	}
	future := time.Now().Add(2 * aiWorkingIdleTimeout)
	if !ms.AIWorkingExpired(future) {
		t.Fatalf("expected AI working to be expired after idle timeout")
	}

	ms.ClearAIWorking()
	ai := ms.AI()
	if ai.Working || ai.StatusMessage != "" {
		t.Fatalf("expected working/status_message cleared, got %+v", ai)
	}
}
