package session

import (
	"encoding/json"
	"strings"
	"syscall"
	"testing"
	"time"
)

func TestProcessRunnerPipeModeCapturesOutput(t *testing.T) {
	buf := NewOutputBuffer(0)
	r, err := Start(RunnerConfig{
		Command: "/bin/echo",
		Args:    []string{"hello", "runner"},
		UsePTY:  false,
	}, buf)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case <-r.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("process did not exit in time")
	}

	if r.ExitCode() != 0 {
		t.Fatalf("expected exit code 0, got %d", r.ExitCode())
	}

	recs, _ := buf.SnapshotSince(0)
	var out strings.Builder
	for _, rec := range recs {
		out.Write(rec.Data)
	}
	if !strings.Contains(out.String(), "hello runner") {
		t.Fatalf("expected output to contain %q, got %q", "hello runner", out.String())
	}
}

func TestProcessRunnerTruncatesOutputPastCap(t *testing.T) {
	buf := NewOutputBuffer(0)
	r, err := Start(RunnerConfig{
		Command:        "/bin/sh",
		Args:           []string{"-c", "head -c 4096 /dev/zero | tr '\\0' 'a'"},
		UsePTY:         false,
		MaxOutputBytes: 1024,
	}, buf)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case <-r.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("process did not exit in time")
	}

	recs, _ := buf.SnapshotSince(0)
	var total int
	var sawTruncated bool
	for _, rec := range recs {
		if rec.Stream == System {
			var ev SystemEvent
			if err := json.Unmarshal(rec.Data, &ev); err == nil && ev.Event == "truncated" {
				sawTruncated = true
			}
			continue
		}
		total += len(rec.Data)
	}
	if total > 1024 {
		t.Fatalf("expected output capped at 1024 bytes, got %d", total)
	}
	if !sawTruncated {
		t.Fatalf("expected a truncated system event once the cap was reached")
	}
}

func TestNewTombstoneRunnerIsImmediatelyDone(t *testing.T) {
	r := NewTombstoneRunner(7)
	select {
	case <-r.Done():
	default:
		t.Fatalf("expected tombstone runner's Done channel to already be closed")
	}
	if r.ExitCode() != 7 {
		t.Fatalf("expected exit code 7, got %d", r.ExitCode())
	}
	if r.PID() != 0 {
		t.Fatalf("expected PID 0 for a tombstone runner, got %d", r.PID())
	}
	if err := r.Signal(syscall.SIGTERM); err != nil {
		t.Fatalf("Signal on tombstone runner should be a no-op, got %v", err)
	}
}

func TestProcessRunnerWriteStdin(t *testing.T) {
	buf := NewOutputBuffer(0)
	r, err := Start(RunnerConfig{
		Command: "/bin/cat",
		UsePTY:  false,
	}, buf)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if _, err := r.Write([]byte("ping\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	r.Kill()

	select {
	case <-r.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("process did not exit in time")
	}
}
