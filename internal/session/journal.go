package session

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ehrlich-b/agentd/internal/logger"
)

// journalRecord is the on-disk, newline-delimited JSON representation of
// a StreamRecord. Kept human-inspectable rather than using the teacher's
// gzip+varint audit frame format, since journals here are small per-session
// logs an operator may want to tail directly.
type journalRecord struct {
	Seq       uint64 `json:"seq"`
	Stream    string `json:"stream"`
	Data      string `json:"data"` // base64
	Timestamp int64  `json:"ts_ms"`
}

// Journal append-only-mirrors a session's OutputBuffer to disk so output
// survives an agent restart. A write failure demotes the journal to
// inactive rather than failing the session — journaling is a durability
// nicety, not a correctness requirement for the live PTY stream.
type Journal struct {
	path string

	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
	active bool
}

// OpenJournal creates or appends to the journal file for sessionID under
// dir. Returns a Journal that is active unless the file could not be
// opened, in which case Append becomes a no-op.
func OpenJournal(dir, sessionID string) *Journal {
	path := filepath.Join(dir, sessionID+".jsonl")
	j := &Journal{path: path}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		logger.Named("journal").Warn("open failed, journaling disabled for session", "session_id", sessionID, "err", err)
		return j
	}
	j.file = f
	j.writer = bufio.NewWriter(f)
	j.active = true
	return j
}

// Append writes one record. Non-fatal on failure: logs a warning and
// demotes the journal to inactive so future Appends are skipped cheaply.
func (j *Journal) Append(rec StreamRecord) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.active {
		return
	}
	jr := journalRecord{
		Seq:       rec.Seq,
		Stream:    rec.Stream.String(),
		Data:      base64.StdEncoding.EncodeToString(rec.Data),
		Timestamp: rec.TimestampMS,
	}
	data, err := json.Marshal(jr)
	if err != nil {
		return
	}
	if _, err := j.writer.Write(data); err != nil {
		j.demoteLocked(err)
		return
	}
	if err := j.writer.WriteByte('\n'); err != nil {
		j.demoteLocked(err)
		return
	}
	if err := j.writer.Flush(); err != nil {
		j.demoteLocked(err)
	}
}

func (j *Journal) demoteLocked(err error) {
	logger.Named("journal").Warn("write failed, demoting to inactive", "path", j.path, "err", err)
	j.active = false
}

// Close flushes and closes the underlying file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	j.writer.Flush()
	return j.file.Close()
}

// Active reports whether the journal is still accepting writes.
func (j *Journal) Active() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.active
}

// Recover reads a journal file from disk and synthesizes an OutputBuffer
// ("tombstone" buffer) from its contents, so a client that reattaches
// after an agent restart can still replay output from before the crash.
// The returned buffer has no live writer — it is read-only scrollback.
func Recover(dir, sessionID string) (*OutputBuffer, error) {
	path := filepath.Join(dir, sessionID+".jsonl")
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := NewOutputBuffer(0)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var jr journalRecord
		if err := json.Unmarshal(scanner.Bytes(), &jr); err != nil {
			continue
		}
		data, err := base64.StdEncoding.DecodeString(jr.Data)
		if err != nil {
			continue
		}
		var stream Stream
		switch jr.Stream {
		case "stderr":
			stream = Stderr
		case "system":
			stream = System
		default:
			stream = Stdout
		}
		buf.appendRecovered(StreamRecord{Seq: jr.Seq, Stream: stream, Data: data, TimestampMS: jr.Timestamp})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan journal %s: %w", path, err)
	}
	return buf, nil
}

// appendRecovered inserts a record with an already-known seq, used only
// during journal recovery where sequence numbers come from disk instead
// of being freshly assigned.
func (b *OutputBuffer) appendRecovered(rec StreamRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records = append(b.records, rec)
	if rec.Seq > b.nextSeq {
		b.nextSeq = rec.Seq
	}
	if len(b.records) > b.maxRecords {
		b.records = b.records[len(b.records)-b.maxRecords:]
	}
}

// lastExitCode scans a recovered buffer's tail for a system "exited"
// record, used to seed a tombstone ManagedSession's reported exit code.
func lastExitCode(buf *OutputBuffer) int {
	recs, _ := buf.SnapshotSince(0)
	for i := len(recs) - 1; i >= 0; i-- {
		if recs[i].Stream != System {
			continue
		}
		var ev SystemEvent
		if json.Unmarshal(recs[i].Data, &ev) == nil && ev.Event == "exited" {
			return ev.ExitCode
		}
	}
	return 0
}

// PurgeAged removes journal files under dir whose modification time is
// older than maxAge. cmd/agentd calls it once an hour when journaling is
// enabled with a positive max age.
func PurgeAged(dir string, maxAge time.Duration) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-maxAge)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			os.Remove(filepath.Join(dir, e.Name()))
		}
	}
}
