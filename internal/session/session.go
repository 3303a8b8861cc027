package session

import (
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/ehrlich-b/agentd/internal/logger"
)

// State is a ManagedSession's lifecycle state.
type State string

const (
	StateRunning  State = "running"
	StateDetached State = "detached"
	StateExited   State = "exited"
)

// aiWorkingIdleTimeout bounds how long the AI working flag stays set
// without a fresh touch before the manager's sweep clears it — a driver
// that crashed or lost its connection shouldn't leave a session looking
// permanently AI-occupied.
const aiWorkingIdleTimeout = 60 * time.Second

// AIState tracks whether an AI agent is permitted to, and currently is,
// driving this session's input — the allow_ai/working/activity/
// status_message substate.
type AIState struct {
	Allowed       bool
	Working       bool
	Activity      string
	StatusMessage string
	LastTouchAt   time.Time
}

// ManagedSession is one spawned process plus its output buffer, journal,
// and lifecycle state. Non-persistent sessions skip Detached entirely —
// losing their last forwarder kills them immediately, the same as a
// plain foreground command would behave.
//
// State transitions:
//   Running  -[last forwarder drops, persistent]->  Detached (deadline = now+detachTimeout)
//   Running  -[last forwarder drops, !persistent]->  Exited (killed)
//   Detached -[forwarder attaches]->                 Running
//   Detached -[deadline elapses]->                    Exited (killed)
//   Running/Detached -[child exits]->                 Exited
type ManagedSession struct {
	ID         string
	Command    string
	Args       []string
	CWD        string
	Persistent bool
	StartedAt  time.Time

	Runner  *ProcessRunner
	Buffer  *OutputBuffer
	Journal *Journal

	mu             sync.Mutex
	name           string
	state          State
	forwarderCount int
	detachDeadline time.Time
	exitCode       int
	exitError      string

	ai AIState

	detachTimeout time.Duration
}

// NewManagedSession wraps an already-started ProcessRunner into a
// ManagedSession keyed by a fresh UUID.
func NewManagedSession(cfg RunnerConfig, runner *ProcessRunner, buf *OutputBuffer, journal *Journal, persistent bool, detachTimeout time.Duration) *ManagedSession {
	return &ManagedSession{
		ID:            uuid.New().String(),
		Command:       cfg.Command,
		Args:          cfg.Args,
		CWD:           cfg.CWD,
		Persistent:    persistent,
		StartedAt:     time.Now(),
		Runner:        runner,
		Buffer:        buf,
		Journal:       journal,
		state:         StateRunning,
		detachTimeout: detachTimeout,
	}
}

// State returns the current lifecycle state.
func (s *ManagedSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Name returns the session's user-assigned label, empty if never renamed.
func (s *ManagedSession) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// Rename sets the session's user-assigned label.
func (s *ManagedSession) Rename(name string) {
	s.mu.Lock()
	s.name = name
	s.mu.Unlock()
}

// Attach registers a new forwarder, moving Detached -> Running.
func (s *ManagedSession) Attach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forwarderCount++
	if s.state == StateDetached {
		s.state = StateRunning
		logger.Named("session").Info("reattached", "session_id", s.ID)
	}
}

// DropForwarder releases a forwarder. If it was the last one and the
// session is still running, a persistent session moves to Detached with
// a deadline; a non-persistent session is killed.
func (s *ManagedSession) DropForwarder() (shouldKill bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.forwarderCount > 0 {
		s.forwarderCount--
	}
	if s.forwarderCount > 0 || s.state != StateRunning {
		return false
	}
	if !s.Persistent {
		return true
	}
	s.state = StateDetached
	s.detachDeadline = time.Now().Add(s.detachTimeout)
	logger.Named("session").Info("detached", "session_id", s.ID, "deadline", s.detachDeadline)
	return false
}

// DetachDeadlinePassed reports whether a Detached session's deadline has
// elapsed, used by the manager's sweep to decide what to reap.
func (s *ManagedSession) DetachDeadlinePassed(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateDetached && now.After(s.detachDeadline)
}

// MarkExited records the final state after the process exits, whether
// from natural termination, an explicit kill, or deadline-triggered reap.
func (s *ManagedSession) MarkExited(code int, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateExited
	s.exitCode = code
	s.exitError = errMsg
}

// ExitInfo returns the recorded exit code/error. Only meaningful once
// State() == StateExited.
func (s *ManagedSession) ExitInfo() (code int, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitCode, s.exitError
}

// Kill sends SIGKILL to the session's process group.
func (s *ManagedSession) Kill() error {
	return s.Runner.Signal(syscall.SIGKILL)
}

// SetAllowAI toggles whether an AI agent may drive this session's input.
func (s *ManagedSession) SetAllowAI(allow bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ai.Allowed = allow
}

// SetAIWorking updates the working/status_message substate and stamps
// LastTouchAt, marking this as a live touch from whatever is driving AI
// activity on the session.
func (s *ManagedSession) SetAIWorking(working bool, statusMessage string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ai.Working = working
	s.ai.StatusMessage = statusMessage
	s.ai.LastTouchAt = time.Now()
}

// AI returns a copy of the current AI substate.
func (s *ManagedSession) AI() AIState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ai
}

// AIWorkingExpired reports whether the working flag should auto-clear
// because no touch arrived within aiWorkingIdleTimeout.
func (s *ManagedSession) AIWorkingExpired(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ai.Working && now.Sub(s.ai.LastTouchAt) > aiWorkingIdleTimeout
}

// ClearAIWorking clears the working flag after an idle timeout elapses.
func (s *ManagedSession) ClearAIWorking() {
	s.mu.Lock()
	s.ai.Working = false
	s.ai.StatusMessage = ""
	s.mu.Unlock()
}
