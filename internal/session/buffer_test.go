package session

import (
	"testing"
	"time"
)

func TestOutputBufferAppendAndSnapshot(t *testing.T) {
	buf := NewOutputBuffer(0)

	seq1 := buf.Append(Stdout, []byte("hello "))
	seq2 := buf.Append(Stdout, []byte("world"))

	if seq1 != 1 || seq2 != 2 {
		t.Fatalf("expected sequential seqs 1,2, got %d,%d", seq1, seq2)
	}

	recs, gap := buf.SnapshotSince(0)
	if gap {
		t.Fatalf("expected no gap on fresh buffer")
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if string(recs[0].Data) != "hello " || string(recs[1].Data) != "world" {
		t.Fatalf("unexpected record payloads: %+v", recs)
	}
}

func TestOutputBufferSnapshotSinceOmitsOlder(t *testing.T) {
	buf := NewOutputBuffer(0)
	buf.Append(Stdout, []byte("a"))
	seq2 := buf.Append(Stdout, []byte("b"))
	buf.Append(Stdout, []byte("c"))

	recs, _ := buf.SnapshotSince(seq2)
	if len(recs) != 1 || string(recs[0].Data) != "c" {
		t.Fatalf("expected only record after seq %d, got %+v", seq2, recs)
	}
}

func TestOutputBufferRegisterReadAfter(t *testing.T) {
	buf := NewOutputBuffer(0)
	c := buf.Register(0)
	defer buf.Unregister(c)

	buf.Append(Stdout, []byte("first"))

	recs, wait, gap := buf.ReadAfter(c)
	if wait != nil {
		t.Fatalf("expected no wait channel when data is available")
	}
	if gap {
		t.Fatalf("expected no gap on a fresh cursor")
	}
	if len(recs) != 1 || string(recs[0].Data) != "first" {
		t.Fatalf("unexpected records: %+v", recs)
	}

	_, wait, _ = buf.ReadAfter(c)
	if wait == nil {
		t.Fatalf("expected a wait channel when no new data")
	}

	done := make(chan struct{})
	go func() {
		<-wait
		close(done)
	}()
	buf.Append(Stdout, []byte("second"))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("wait channel never closed after Append")
	}
}

// TestOutputBufferCapsAtMaxRecords confirms capacity is measured in
// entries, not bytes: appending far more records than the cap never grows
// the ring past it, regardless of how large each record's payload is.
func TestOutputBufferCapsAtMaxRecords(t *testing.T) {
	buf := NewOutputBuffer(5)
	for i := 0; i < 50; i++ {
		buf.Append(Stdout, []byte("0123456789"))
	}
	stats := buf.Stats()
	if stats.Records != 5 {
		t.Fatalf("expected ring capped at 5 records, got %d", stats.Records)
	}
	if stats.NextSeq != 50 {
		t.Fatalf("expected sequence numbers to keep advancing, got %d", stats.NextSeq)
	}
}

// TestOutputBufferEvictsWithoutBlockingWriter confirms Append never blocks
// waiting for a slow registered reader — the ring evicts the oldest record
// unconditionally and the reader discovers the gap on its next read.
func TestOutputBufferEvictsWithoutBlockingWriter(t *testing.T) {
	buf := NewOutputBuffer(3)
	c := buf.Register(0)
	defer buf.Unregister(c)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 20; i++ {
			buf.Append(Stdout, []byte("x"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Append blocked on a slow reader; writer must never stall")
	}

	recs, _, gap := buf.ReadAfter(c)
	if !gap {
		t.Fatalf("expected the stale reader to observe a gap after eviction")
	}
	if len(recs) != 3 {
		t.Fatalf("expected the reader to catch up to the 3 retained records, got %d", len(recs))
	}
}
