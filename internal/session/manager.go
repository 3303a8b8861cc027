package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ehrlich-b/agentd/internal/logger"
)

// LifecycleEventKind discriminates entries broadcast on a SessionManager's
// event channel.
type LifecycleEventKind string

const (
	EventCreated             LifecycleEventKind = "created"
	EventDetached            LifecycleEventKind = "detached"
	EventAttached            LifecycleEventKind = "attached"
	EventExited              LifecycleEventKind = "exited"
	EventRenamed             LifecycleEventKind = "renamed"
	EventAIPermissionChanged LifecycleEventKind = "ai_permission_changed"
	EventAIStatusChanged     LifecycleEventKind = "ai_status_changed"
)

// LifecycleEvent is one entry on the manager's broadcast channel. Fields
// beyond Kind/SessionID/Time are only populated for the kinds that need
// them (Name for EventRenamed, Allowed for EventAIPermissionChanged,
// Working/StatusMessage for EventAIStatusChanged).
type LifecycleEvent struct {
	Kind          LifecycleEventKind
	SessionID     string
	Time          time.Time
	Name          string
	Allowed       bool
	Working       bool
	StatusMessage string
}

// ErrSessionNotFound is returned by Get/Attach/Kill for an unknown ID.
var ErrSessionNotFound = fmt.Errorf("session: not found")

// ErrResourceExhausted is returned by Create when MaxSessions is already
// reached.
var ErrResourceExhausted = fmt.Errorf("session: max_sessions reached")

// Config bounds a SessionManager's behavior.
type Config struct {
	MaxSessions       int
	SessionBufferSize int
	DetachTimeout     time.Duration
	JournalDir        string
	JournalEnabled    bool
	SweepInterval     time.Duration
}

// SessionManager is the single keyed registry of ManagedSessions. All
// admission control (the max_sessions check-and-insert) happens behind
// one write lock so two concurrent Create calls can never both slip in
// under the cap — the same TOCTOU-safe pattern the teacher's
// WingRegistry/PTYRoutes map+mutex uses, generalized from device links to
// sessions.
type SessionManager struct {
	cfg Config

	mu       sync.RWMutex
	sessions map[string]*ManagedSession

	events chan LifecycleEvent

	stopSweep chan struct{}
}

// NewSessionManager creates a manager with no sessions and starts its
// periodic sweep goroutine.
func NewSessionManager(cfg Config) *SessionManager {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	m := &SessionManager{
		cfg:       cfg,
		sessions:  make(map[string]*ManagedSession),
		events:    make(chan LifecycleEvent, 256),
		stopSweep: make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

// Events returns the lifecycle broadcast channel. Exactly one consumer
// should drain it continuously (the gateway, which both mirrors entries
// into the activity journal and fans them out to connected clients) —
// splitting consumption across multiple goroutines would scatter events
// between them instead of delivering each to every interested party.
func (m *SessionManager) Events() <-chan LifecycleEvent {
	return m.events
}

func (m *SessionManager) emit(ev LifecycleEvent) {
	select {
	case m.events <- ev:
	default:
		logger.Named("session").Warn("lifecycle event channel full, dropping", "kind", ev.Kind, "session_id", ev.SessionID)
	}
}

// Create admits a new session if under MaxSessions, spawns its process,
// and registers it. The admission check and map insert happen under the
// same write lock so concurrent callers can't both pass the check.
func (m *SessionManager) Create(cfg RunnerConfig, persistent bool) (*ManagedSession, error) {
	m.mu.Lock()
	if m.cfg.MaxSessions > 0 && len(m.sessions) >= m.cfg.MaxSessions {
		m.mu.Unlock()
		return nil, ErrResourceExhausted
	}
	// No slot is held while the process starts; the cap is checked again
	// under the lock below and a runner over the cap is killed.
	m.mu.Unlock()

	buf := NewOutputBuffer(m.cfg.SessionBufferSize)
	runner, err := Start(cfg, buf)
	if err != nil {
		return nil, fmt.Errorf("start process: %w", err)
	}

	ms := NewManagedSession(cfg, runner, buf, nil, persistent, m.cfg.DetachTimeout)

	m.mu.Lock()
	if m.cfg.MaxSessions > 0 && len(m.sessions) >= m.cfg.MaxSessions {
		m.mu.Unlock()
		runner.Kill()
		return nil, ErrResourceExhausted
	}
	m.sessions[ms.ID] = ms
	m.mu.Unlock()

	if m.cfg.JournalEnabled && m.cfg.JournalDir != "" {
		ms.Journal = OpenJournal(m.cfg.JournalDir, ms.ID)
		go m.mirrorToJournal(ms)
	}

	go m.watchExit(ms)

	m.emit(LifecycleEvent{Kind: EventCreated, SessionID: ms.ID, Time: time.Now()})
	return ms, nil
}

// mirrorToJournal copies every record the buffer accepts into the
// session's journal, using a dedicated cursor so journal writes never
// block (or are blocked by) live attached readers.
func (m *SessionManager) mirrorToJournal(ms *ManagedSession) {
	c := ms.Buffer.Register(0)
	defer ms.Buffer.Unregister(c)
	for {
		recs, wait, _ := ms.Buffer.ReadAfter(c)
		for _, r := range recs {
			ms.Journal.Append(r)
		}
		if wait == nil {
			continue
		}
		select {
		case <-wait:
		case <-ms.Runner.Done():
			recs, _, _ := ms.Buffer.ReadAfter(c)
			for _, r := range recs {
				ms.Journal.Append(r)
			}
			ms.Journal.Close()
			return
		}
	}
}

func (m *SessionManager) watchExit(ms *ManagedSession) {
	<-ms.Runner.Done()
	code := ms.Runner.ExitCode()
	notice, _ := json.Marshal(SystemEvent{Event: "exited", ExitCode: code})
	ms.Buffer.Append(System, notice)
	ms.MarkExited(code, "")
	m.emit(LifecycleEvent{Kind: EventExited, SessionID: ms.ID, Time: time.Now()})
}

// Get returns a session by ID.
func (m *SessionManager) Get(id string) (*ManagedSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ms, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return ms, nil
}

// List returns a snapshot of all sessions.
func (m *SessionManager) List() []*ManagedSession {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*ManagedSession, 0, len(m.sessions))
	for _, ms := range m.sessions {
		out = append(out, ms)
	}
	return out
}

// Attach marks a session as having a new forwarder (Detached -> Running).
func (m *SessionManager) Attach(id string) (*ManagedSession, error) {
	ms, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	ms.Attach()
	m.emit(LifecycleEvent{Kind: EventAttached, SessionID: id, Time: time.Now()})
	return ms, nil
}

// Detach releases one forwarder from a session, possibly moving it to
// Detached or killing it, per ManagedSession.DropForwarder.
func (m *SessionManager) Detach(id string) error {
	ms, err := m.Get(id)
	if err != nil {
		return err
	}
	if ms.DropForwarder() {
		ms.Kill()
		return nil
	}
	if ms.State() == StateDetached {
		m.emit(LifecycleEvent{Kind: EventDetached, SessionID: id, Time: time.Now()})
	}
	return nil
}

// Kill sends SIGKILL to a session's process group. The session stays
// registered until the sweep removes it after it has exited.
func (m *SessionManager) Kill(id string) error {
	ms, err := m.Get(id)
	if err != nil {
		return err
	}
	return ms.Kill()
}

// Rename assigns a session's user-facing label and broadcasts the change.
func (m *SessionManager) Rename(id, name string) error {
	ms, err := m.Get(id)
	if err != nil {
		return err
	}
	ms.Rename(name)
	m.emit(LifecycleEvent{Kind: EventRenamed, SessionID: id, Time: time.Now(), Name: name})
	return nil
}

// SetAllowAI toggles whether an AI agent may drive a session's input and
// broadcasts the change to every connected client.
func (m *SessionManager) SetAllowAI(id string, allow bool) error {
	ms, err := m.Get(id)
	if err != nil {
		return err
	}
	ms.SetAllowAI(allow)
	m.emit(LifecycleEvent{Kind: EventAIPermissionChanged, SessionID: id, Time: time.Now(), Allowed: allow})
	return nil
}

// Signal delivers an arbitrary signal to a session's process group,
// generalizing Kill (which always sends SIGKILL) to any signal a client
// asks for — SIGINT to interrupt a foreground command, SIGTERM for a
// graceful stop, SIGWINCH after an out-of-band resize, and so on.
func (m *SessionManager) Signal(id string, sig syscall.Signal) error {
	ms, err := m.Get(id)
	if err != nil {
		return err
	}
	return ms.Runner.Signal(sig)
}

// Remove deletes an exited session from the registry. Call only after
// MarkExited and after any journal goroutine has finished.
func (m *SessionManager) Remove(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// RecoverTombstones scans dir for journal files left behind by a previous
// run with no corresponding live session, and registers each as a
// read-only Exited session whose scrollback session.attach(since=0) can
// replay. Like any Exited session, a recovered one is removed by the next
// sweep, after which attaching to it returns not_found.
func (m *SessionManager) RecoverTombstones(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".jsonl")

		m.mu.RLock()
		_, live := m.sessions[id]
		m.mu.RUnlock()
		if live {
			continue
		}

		buf, err := Recover(dir, id)
		if err != nil {
			logger.Named("session").Warn("failed to recover journal", "session_id", id, "err", err)
			continue
		}

		runner := NewTombstoneRunner(lastExitCode(buf))
		ms := NewManagedSession(RunnerConfig{}, runner, buf, nil, true, m.cfg.DetachTimeout)
		ms.ID = id
		ms.MarkExited(runner.ExitCode(), "")

		m.mu.Lock()
		m.sessions[id] = ms
		m.mu.Unlock()
		logger.Named("session").Info("recovered session from journal", "session_id", id)
	}
	return nil
}

// sweepLoop periodically reaps sessions whose detach deadline elapsed,
// removes every session in the Exited state, and clears
// AI working flags that have gone idle past their timeout.
func (m *SessionManager) sweepLoop() {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopSweep:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *SessionManager) sweep() {
	now := time.Now()
	m.mu.RLock()
	var toKill, toRemove, aiExpired []*ManagedSession
	for _, ms := range m.sessions {
		switch ms.State() {
		case StateDetached:
			if ms.DetachDeadlinePassed(now) {
				toKill = append(toKill, ms)
			}
		case StateExited:
			toRemove = append(toRemove, ms)
		}
		if ms.AIWorkingExpired(now) {
			aiExpired = append(aiExpired, ms)
		}
	}
	m.mu.RUnlock()

	if len(toKill) > 0 {
		g, _ := errgroup.WithContext(context.Background())
		for _, ms := range toKill {
			ms := ms
			g.Go(func() error {
				logger.Named("session").Info("detach deadline elapsed, killing", "session_id", ms.ID)
				return ms.Kill()
			})
		}
		g.Wait()
	}

	for _, ms := range aiExpired {
		ms.ClearAIWorking()
		m.emit(LifecycleEvent{Kind: EventAIStatusChanged, SessionID: ms.ID, Time: now, Working: false})
	}

	for _, ms := range toRemove {
		m.Remove(ms.ID)
	}
}

// Stop halts the sweep goroutine.
func (m *SessionManager) Stop() {
	close(m.stopSweep)
}
