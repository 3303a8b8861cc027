package session

import (
	"encoding/json"
	"testing"
	"time"
)

func TestJournalAppendAndRecover(t *testing.T) {
	dir := t.TempDir()
	j := OpenJournal(dir, "sess-1")
	if !j.Active() {
		t.Fatalf("expected journal to be active after OpenJournal")
	}

	j.Append(StreamRecord{Seq: 1, Stream: Stdout, Data: []byte("hello "), TimestampMS: 100})
	j.Append(StreamRecord{Seq: 2, Stream: Stderr, Data: []byte("oops"), TimestampMS: 101})
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	buf, err := Recover(dir, "sess-1")
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}

	recs, gap := buf.SnapshotSince(0)
	if gap {
		t.Fatalf("expected no gap in recovered buffer")
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 recovered records, got %d", len(recs))
	}
	if string(recs[0].Data) != "hello " || recs[0].Stream != Stdout {
		t.Fatalf("unexpected first record: %+v", recs[0])
	}
	if string(recs[1].Data) != "oops" || recs[1].Stream != Stderr {
		t.Fatalf("unexpected second record: %+v", recs[1])
	}
	if buf.LastSeq() != 2 {
		t.Fatalf("expected LastSeq 2, got %d", buf.LastSeq())
	}
}

func TestJournalRecoverDecodesSystemStream(t *testing.T) {
	dir := t.TempDir()
	j := OpenJournal(dir, "sess-exit")
	notice, _ := json.Marshal(SystemEvent{Event: "exited", ExitCode: 3})
	j.Append(StreamRecord{Seq: 1, Stream: System, Data: notice, TimestampMS: 1})
	j.Close()

	buf, err := Recover(dir, "sess-exit")
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if got := lastExitCode(buf); got != 3 {
		t.Fatalf("expected exit code 3, got %d", got)
	}
}

func TestSessionManagerRecoverTombstones(t *testing.T) {
	dir := t.TempDir()
	j := OpenJournal(dir, "recovered-1")
	j.Append(StreamRecord{Seq: 1, Stream: Stdout, Data: []byte("scrollback"), TimestampMS: 1})
	notice, _ := json.Marshal(SystemEvent{Event: "exited", ExitCode: 42})
	j.Append(StreamRecord{Seq: 2, Stream: System, Data: notice, TimestampMS: 2})
	j.Close()

	m := NewSessionManager(Config{DetachTimeout: time.Minute, SweepInterval: time.Hour})
	t.Cleanup(m.Stop)

	if err := m.RecoverTombstones(dir); err != nil {
		t.Fatalf("RecoverTombstones: %v", err)
	}

	ms, err := m.Get("recovered-1")
	if err != nil {
		t.Fatalf("expected recovered session to be registered: %v", err)
	}
	if ms.State() != StateExited {
		t.Fatalf("expected recovered session to be Exited, got %s", ms.State())
	}
	code, _ := ms.ExitInfo()
	if code != 42 {
		t.Fatalf("expected exit code 42, got %d", code)
	}
	recs, _ := ms.Buffer.SnapshotSince(0)
	if len(recs) == 0 {
		t.Fatalf("expected recovered scrollback to be replayable")
	}
}

func TestJournalRecoverMissingFile(t *testing.T) {
	dir := t.TempDir()
	if _, err := Recover(dir, "does-not-exist"); err == nil {
		t.Fatalf("expected error recovering nonexistent journal")
	}
}

func TestJournalOpenFailureDisablesJournaling(t *testing.T) {
	// A directory that doesn't exist can't be opened into, so the journal
	// should come back inactive rather than panicking or erroring.
	j := OpenJournal("/nonexistent/deeply/nested/dir", "sess-2")
	if j.Active() {
		t.Fatalf("expected journal to be inactive when open fails")
	}
	// Append on an inactive journal must be a safe no-op.
	j.Append(StreamRecord{Seq: 1, Stream: Stdout, Data: []byte("x"), TimestampMS: 1})
}

func TestPurgeAgedRemovesOldFiles(t *testing.T) {
	dir := t.TempDir()
	j := OpenJournal(dir, "old-sess")
	j.Append(StreamRecord{Seq: 1, Stream: Stdout, Data: []byte("x"), TimestampMS: 1})
	j.Close()

	PurgeAged(dir, 0) // maxAge 0: everything with any age is purged.
	time.Sleep(10 * time.Millisecond)
	PurgeAged(dir, 0)

	if _, err := Recover(dir, "old-sess"); err == nil {
		t.Fatalf("expected journal file to have been purged")
	}
}
