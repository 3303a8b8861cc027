package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/mattn/go-isatty"
)

// defaultMaxOutputBytes bounds how much raw output a single session is
// allowed to produce before the runner starts discarding it — a runaway
// child (a build loop gone infinite, `yes`) shouldn't be able to grow the
// journal/buffer without bound just because nobody's reading it yet.
const defaultMaxOutputBytes = 64 << 20

// RunnerConfig describes a process to spawn.
type RunnerConfig struct {
	Command string
	Args    []string
	CWD     string
	Env     map[string]string
	Cols    int
	Rows    int
	// UsePTY forces PTY allocation; when false and stdout is not a
	// terminal the runner falls back to pipes, mirroring the isatty
	// check an interactive agent would make before deciding how to
	// present a child process's output.
	UsePTY bool
	// MaxOutputBytes caps total output bytes appended to the buffer
	// before further output is discarded (0 uses the default).
	MaxOutputBytes int64
}

// ProcessRunner owns one spawned child process — either attached to a
// PTY (the common interactive case) or plain stdout/stderr pipes — and
// feeds everything it reads into an OutputBuffer. It mirrors the
// teacher's PTY-start-and-pump idiom (pty.StartWithSize, Setpgid,
// cmd.Cancel/WaitDelay for graceful termination) generalized to also
// support non-PTY pipe mode, since not every managed session is an
// interactive terminal.
type ProcessRunner struct {
	cmd   *exec.Cmd
	ptmx  *os.File       // nil in pipe mode
	stdin io.WriteCloser // nil in PTY mode (ptmx serves as both read and write end)

	buf *OutputBuffer

	mu             sync.Mutex
	exitCode       int
	exitErr        error
	done           chan struct{}
	outputBytes    int64
	maxOutputBytes int64
	truncated      bool
}

// Start spawns the process described by cfg, writing everything it
// produces into buf, and returns once the process is running (not once
// it exits — exit is observed via Wait/Done).
func Start(cfg RunnerConfig, buf *OutputBuffer) (*ProcessRunner, error) {
	cmd := exec.CommandContext(context.Background(), cfg.Command, cfg.Args...)
	cmd.Dir = cfg.CWD
	cmd.Env = buildEnv(cfg.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	// Cancel only runs if the command's context is done, and this context
	// never is; sessions are stopped through Signal/Kill. WaitDelay bounds
	// how long Wait keeps waiting on I/O once the process has exited.
	cmd.Cancel = func() error {
		return signalGroup(cmd.Process, syscall.SIGTERM)
	}
	cmd.WaitDelay = 5 * time.Second

	maxOutput := cfg.MaxOutputBytes
	if maxOutput <= 0 {
		maxOutput = defaultMaxOutputBytes
	}

	r := &ProcessRunner{cmd: cmd, buf: buf, done: make(chan struct{}), maxOutputBytes: maxOutput}

	var wg sync.WaitGroup
	usePTY := cfg.UsePTY || isatty.IsTerminal(os.Stdout.Fd())
	if usePTY {
		size := &pty.Winsize{Cols: uint16(cfg.Cols), Rows: uint16(cfg.Rows)}
		ptmx, err := pty.StartWithSize(cmd, size)
		if err != nil {
			return nil, fmt.Errorf("start pty: %w", err)
		}
		r.ptmx = ptmx
		go r.pumpPTY()
	} else {
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("stdout pipe: %w", err)
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			return nil, fmt.Errorf("stderr pipe: %w", err)
		}
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("stdin pipe: %w", err)
		}
		r.stdin = stdin
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("start process: %w", err)
		}
		// Pumping both pipes concurrently avoids the classic deadlock
		// where a child blocks writing to stderr because nobody is
		// draining it while the parent waits on stdout (or vice versa).
		wg.Add(2)
		go func() { defer wg.Done(); r.pumpPipe(stdout, Stdout) }()
		go func() { defer wg.Done(); r.pumpPipe(stderr, Stderr) }()
	}

	// Wait closes the pipes, so in pipe mode it runs only after both pumps
	// have read to EOF; otherwise output still in the pipes would be lost.
	go func() {
		wg.Wait()
		r.waitForExit()
	}()
	return r, nil
}

// NewTombstoneRunner synthesizes an already-exited ProcessRunner for a
// session recovered from its journal after a restart, so it can be
// attached to (read-only) through the same ManagedSession/Runner API a
// live session uses.
func NewTombstoneRunner(exitCode int) *ProcessRunner {
	r := &ProcessRunner{done: make(chan struct{}), exitCode: exitCode}
	close(r.done)
	return r
}

func buildEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

func signalGroup(p *os.Process, sig syscall.Signal) error {
	if p == nil {
		return nil
	}
	// Negative PID signals the whole process group, killing children the
	// target may have spawned (e.g. a shell's pipeline).
	return syscall.Kill(-p.Pid, sig)
}

func (r *ProcessRunner) pumpPTY() {
	buf := make([]byte, 4096)
	for {
		n, err := r.ptmx.Read(buf)
		if n > 0 {
			r.appendOutput(Stdout, buf[:n])
		}
		if err != nil {
			return
		}
	}
}

func (r *ProcessRunner) pumpPipe(rd io.Reader, stream Stream) {
	buf := make([]byte, 4096)
	for {
		n, err := rd.Read(buf)
		if n > 0 {
			r.appendOutput(stream, buf[:n])
		}
		if err != nil {
			return
		}
	}
}

// appendOutput forwards data to the buffer unless the session's output
// cap has already been reached, in which case it is silently discarded
// after one truncation notice. The OS pipe/PTY is still drained either
// way — refusing to read would block or kill the child, which is worse
// than losing scrollback past the cap.
func (r *ProcessRunner) appendOutput(stream Stream, data []byte) {
	r.mu.Lock()
	if r.truncated {
		r.mu.Unlock()
		return
	}
	if r.outputBytes+int64(len(data)) > r.maxOutputBytes {
		remaining := r.maxOutputBytes - r.outputBytes
		r.truncated = true
		r.mu.Unlock()
		if remaining > 0 {
			r.buf.Append(stream, data[:remaining])
		}
		notice, _ := json.Marshal(SystemEvent{Event: "truncated", Message: "output cap reached, further output discarded"})
		r.buf.Append(System, notice)
		return
	}
	r.outputBytes += int64(len(data))
	r.mu.Unlock()
	r.buf.Append(stream, data)
}

func (r *ProcessRunner) waitForExit() {
	err := r.cmd.Wait()
	code := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}
	r.mu.Lock()
	r.exitCode = code
	r.exitErr = err
	r.mu.Unlock()
	if r.ptmx != nil {
		r.ptmx.Close()
	}
	close(r.done)
}

// Write sends input to the process's stdin (pipe mode) or PTY. On a
// tombstone runner recovered from a journal there is no live process, and
// Write returns an error.
func (r *ProcessRunner) Write(p []byte) (int, error) {
	if r.ptmx != nil {
		return r.ptmx.Write(p)
	}
	if r.stdin == nil {
		return 0, fmt.Errorf("session: process has no writable stdin")
	}
	return r.stdin.Write(p)
}

// Resize changes the PTY window size. No-op in pipe mode.
func (r *ProcessRunner) Resize(cols, rows int) error {
	if r.ptmx == nil {
		return nil
	}
	return pty.Setsize(r.ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

// Signal delivers sig to the process group. No-op if there is no live
// process (a tombstone runner).
func (r *ProcessRunner) Signal(sig syscall.Signal) error {
	if r.cmd == nil {
		return nil
	}
	return signalGroup(r.cmd.Process, sig)
}

// Kill forcibly terminates the process group via SIGKILL.
func (r *ProcessRunner) Kill() error {
	return r.Signal(syscall.SIGKILL)
}

// Done returns a channel closed when the process has exited.
func (r *ProcessRunner) Done() <-chan struct{} {
	return r.done
}

// ExitCode returns the process's exit code. Only valid after Done closes.
func (r *ProcessRunner) ExitCode() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exitCode
}

// PID returns the child process's PID, or 0 for a tombstone runner with
// no live process.
func (r *ProcessRunner) PID() int {
	if r.cmd == nil || r.cmd.Process == nil {
		return 0
	}
	return r.cmd.Process.Pid
}

// WaitWithContext blocks until the process exits or ctx is cancelled,
// used by callers enforcing exec_timeout_ms on one-shot commands.
func (r *ProcessRunner) WaitWithContext(ctx context.Context) error {
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
