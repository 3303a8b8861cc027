package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/coder/websocket"

	"github.com/ehrlich-b/agentd/internal/logger"
	"github.com/ehrlich-b/agentd/internal/protocol"
	"github.com/ehrlich-b/agentd/internal/session"
)

// outboundQueueSize bounds how many pending messages a slow WebSocket
// client can accumulate before the connection is closed outright. A
// client that can't keep up with live PTY output (or a whole broadcast
// fan-out) must not be allowed to stall the goroutines writing to it, or
// by extension every other connected client waiting on the same
// broadcast loop.
const outboundQueueSize = 256

// pingInterval/maxMissedPings bound the application-level keepalive: a
// connection that doesn't answer two consecutive pings is presumed dead
// and closed, freeing its session attachments.
const pingInterval = 20 * time.Second
const maxMissedPings = 2

// availableShellCandidates is the fixed set of shell binaries shell.list
// probes for on the host, mirroring the common /etc/shells entries rather
// than reading that file (which may not exist, e.g. in a minimal
// container image).
var availableShellCandidates = []string{"/bin/bash", "/bin/zsh", "/bin/fish", "/bin/sh", "/usr/bin/bash", "/usr/bin/zsh", "/usr/bin/fish"}

// connState is the per-WebSocket-connection dispatch loop: decode an
// envelope, act on the SessionManager, write a reply. Mirrors the
// teacher's handlePTYWS loop generalized from one hardcoded PTY-start/
// attach/input/resize/detach/kill set to the full session.* verb set,
// plus output-forwarding goroutines per attached session.
type connState struct {
	g    *Gateway
	conn *websocket.Conn

	outbound chan []byte
	closed   chan struct{}
	closeOne sync.Once

	attachMu sync.Mutex
	attached map[string]context.CancelFunc

	missedPings int
}

func (g *Gateway) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	if !g.checkAPIKey(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		return
	}
	defer conn.CloseNow()

	cs := &connState{
		g:        g,
		conn:     conn,
		outbound: make(chan []byte, outboundQueueSize),
		closed:   make(chan struct{}),
		attached: make(map[string]context.CancelFunc),
	}
	cs.g.addConn(cs)
	defer cs.g.removeConn(cs)
	defer cs.detachAll()
	defer cs.close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go cs.writePump(ctx)
	go cs.pingLoop(ctx)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		cs.dispatch(ctx, data)
	}
}

// writePump is the connection's sole writer, draining the outbound queue
// so every other goroutine (forwardOutput, broadcast, reply handlers) can
// enqueue without touching the WebSocket directly or contending on a
// shared write lock.
func (cs *connState) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-cs.closed:
			return
		case data := <-cs.outbound:
			writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := cs.conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				cs.close()
				return
			}
		}
	}
}

// pingLoop sends an application-level ping on an interval and closes the
// connection once maxMissedPings pass without any inbound frame resetting
// the counter in dispatch.
func (cs *connState) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-cs.closed:
			return
		case <-ticker.C:
			if cs.missedPings >= maxMissedPings {
				logger.Named("gateway").Warn("connection missed too many pings, closing")
				cs.close()
				return
			}
			cs.missedPings++
			cs.write(protocol.PingMsg{Type: protocol.TypePing})
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			cs.conn.Ping(pingCtx)
			cancel()
		}
	}
}

func (cs *connState) close() {
	cs.closeOne.Do(func() {
		close(cs.closed)
	})
}

// enqueue is used by Gateway.broadcast to deliver a message to this
// connection without blocking the broadcaster on a slow reader; a full
// queue closes the connection instead of back-pressuring every other
// client.
func (cs *connState) enqueue(data []byte) {
	select {
	case cs.outbound <- data:
	default:
		logger.Named("gateway").Warn("connection outbound queue full, closing")
		cs.close()
	}
}

func (cs *connState) write(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	cs.enqueue(data)
}

func (cs *connState) writeError(requestID, code, message string) {
	cs.write(protocol.ErrorMsg{Type: protocol.TypeError, RequestID: requestID, Code: protocol.ErrorCode(code), Message: message})
}

func (cs *connState) dispatch(ctx context.Context, data []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return
	}
	cs.missedPings = 0

	switch env.Type {
	case protocol.TypeSessionCreate:
		cs.handleCreate(ctx, data)
	case protocol.TypeSessionAttach:
		cs.handleAttach(data)
	case protocol.TypeSessionInput:
		cs.handleInput(data)
	case protocol.TypeSessionResize:
		cs.handleResize(data)
	case protocol.TypeSessionDetach:
		cs.handleDetach(data)
	case protocol.TypeSessionKill:
		cs.handleKill(data)
	case protocol.TypeSessionList:
		cs.handleList(data)
	case protocol.TypeSessionAllowAI:
		cs.handleAllowAI(data)
	case protocol.TypeSessionRename:
		cs.handleRename(data)
	case protocol.TypeSessionSignal:
		cs.handleSignal(data)
	case protocol.TypeShellList:
		cs.handleShellList(data)
	case protocol.TypePong:
		// missedPings already reset above; nothing else to do.
	default:
		cs.writeError(env.RequestID, "invalid_argument", "unknown message type: "+env.Type)
	}
}

func (cs *connState) handleCreate(ctx context.Context, data []byte) {
	var req protocol.SessionCreate
	if err := json.Unmarshal(data, &req); err != nil {
		cs.writeError(req.RequestID, "invalid_argument", "malformed session.create")
		return
	}
	if req.Command == "" {
		cs.writeError(req.RequestID, "invalid_argument", "command is required")
		return
	}

	ms, err := cs.g.manager.Create(session.RunnerConfig{
		Command:        req.Command,
		Args:           req.Args,
		CWD:            req.CWD,
		Env:            req.Env,
		Cols:           req.Cols,
		Rows:           req.Rows,
		UsePTY:         true,
		MaxOutputBytes: cs.g.cfg.MaxOutputBytes,
	}, req.Persistent)
	if err != nil {
		cs.writeError(req.RequestID, resourceErrCode(err), err.Error())
		return
	}
	ms.SetAllowAI(req.AllowAI)

	cs.write(protocol.SessionCreated{Type: protocol.TypeSessionCreated, RequestID: req.RequestID, SessionID: ms.ID})
	cs.attachTo(ms, 0)
}

func (cs *connState) handleAttach(data []byte) {
	var req protocol.SessionAttach
	if err := json.Unmarshal(data, &req); err != nil {
		cs.writeError(req.RequestID, "invalid_argument", "malformed session.attach")
		return
	}
	ms, err := cs.g.manager.Attach(req.SessionID)
	if err != nil {
		cs.writeError(req.RequestID, "not_found", err.Error())
		return
	}

	_, gap := ms.Buffer.SnapshotSince(req.Since)
	cs.write(protocol.SessionAttached{Type: protocol.TypeSessionAttached, RequestID: req.RequestID, SessionID: ms.ID, Gap: gap})
	cs.attachTo(ms, req.Since)
}

// attachTo starts (or restarts) an output-forwarding goroutine for ms,
// replaying from sinceSeq, and registers its cancel func so detach/
// connection-close can stop it.
func (cs *connState) attachTo(ms *session.ManagedSession, sinceSeq uint64) {
	cs.attachMu.Lock()
	if cancel, ok := cs.attached[ms.ID]; ok {
		cancel()
	}
	fctx, cancel := context.WithCancel(context.Background())
	cs.attached[ms.ID] = cancel
	cs.attachMu.Unlock()

	go cs.forwardOutput(fctx, ms, sinceSeq)
}

func (cs *connState) forwardOutput(ctx context.Context, ms *session.ManagedSession, sinceSeq uint64) {
	c := ms.Buffer.Register(sinceSeq)
	defer ms.Buffer.Unregister(c)

	emit := func(recs []session.StreamRecord, gap bool) {
		if gap {
			notice, _ := json.Marshal(session.SystemEvent{Event: "gap", Message: "some output was dropped before it could be delivered"})
			cs.write(protocol.SessionOutput{
				Type:      protocol.TypeSessionOutput,
				SessionID: ms.ID,
				Stream:    session.System.String(),
				Data:      base64.StdEncoding.EncodeToString(notice),
				Timestamp: time.Now().UnixMilli(),
			})
		}
		for _, rec := range recs {
			cs.write(protocol.SessionOutput{
				Type:      protocol.TypeSessionOutput,
				SessionID: ms.ID,
				Seq:       rec.Seq,
				Stream:    rec.Stream.String(),
				Data:      base64.StdEncoding.EncodeToString(rec.Data),
				Timestamp: rec.TimestampMS,
			})
		}
	}

	for {
		recs, wait, gap := ms.Buffer.ReadAfter(c)
		emit(recs, gap)
		if wait == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-ms.Runner.Done():
			recs, _, gap := ms.Buffer.ReadAfter(c)
			emit(recs, gap)
			code, errMsg := ms.ExitInfo()
			cs.write(protocol.SessionExited{Type: protocol.TypeSessionExited, SessionID: ms.ID, ExitCode: code, Error: errMsg})
			return
		case <-wait:
		}
	}
}

func (cs *connState) handleInput(data []byte) {
	var req protocol.SessionInput
	if err := json.Unmarshal(data, &req); err != nil {
		return
	}
	ms, err := cs.g.manager.Get(req.SessionID)
	if err != nil {
		return
	}
	raw, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		return
	}
	ms.Runner.Write(raw)
}

func (cs *connState) handleResize(data []byte) {
	var req protocol.SessionResize
	if err := json.Unmarshal(data, &req); err != nil {
		return
	}
	ms, err := cs.g.manager.Get(req.SessionID)
	if err != nil {
		return
	}
	ms.Runner.Resize(req.Cols, req.Rows)
}

func (cs *connState) handleDetach(data []byte) {
	var req protocol.SessionDetach
	if err := json.Unmarshal(data, &req); err != nil {
		return
	}
	if err := cs.g.manager.Detach(req.SessionID); err != nil {
		cs.writeError(req.RequestID, "not_found", err.Error())
		return
	}
	cs.stopForwarding(req.SessionID)
	cs.write(protocol.AckMsg{Type: protocol.TypeAck, RequestID: req.RequestID})
}

func (cs *connState) handleKill(data []byte) {
	var req protocol.SessionKill
	if err := json.Unmarshal(data, &req); err != nil {
		return
	}
	if err := cs.g.manager.Kill(req.SessionID); err != nil {
		cs.writeError(req.RequestID, "not_found", err.Error())
		return
	}
	cs.write(protocol.AckMsg{Type: protocol.TypeAck, RequestID: req.RequestID})
}

func (cs *connState) handleList(data []byte) {
	var req protocol.SessionList
	json.Unmarshal(data, &req)

	sessions := cs.g.manager.List()
	summaries := make([]protocol.SessionSummary, 0, len(sessions))
	for _, ms := range sessions {
		summaries = append(summaries, protocol.SessionSummary{
			SessionID: ms.ID,
			Name:      ms.Name(),
			Command:   ms.Command,
			State:     string(ms.State()),
			StartedAt: ms.StartedAt.UnixMilli(),
		})
	}
	cs.write(protocol.SessionListResult{Type: protocol.TypeSessionListResult, RequestID: req.RequestID, Sessions: summaries})
}

func (cs *connState) handleAllowAI(data []byte) {
	var req protocol.SessionAllowAI
	if err := json.Unmarshal(data, &req); err != nil {
		return
	}
	if err := cs.g.manager.SetAllowAI(req.SessionID, req.Allow); err != nil {
		cs.writeError(req.RequestID, "not_found", err.Error())
		return
	}
	cs.write(protocol.AckMsg{Type: protocol.TypeAck, RequestID: req.RequestID})
}

func (cs *connState) handleRename(data []byte) {
	var req protocol.SessionRename
	if err := json.Unmarshal(data, &req); err != nil {
		return
	}
	if err := cs.g.manager.Rename(req.SessionID, req.Name); err != nil {
		cs.writeError(req.RequestID, "not_found", err.Error())
		return
	}
	cs.write(protocol.AckMsg{Type: protocol.TypeAck, RequestID: req.RequestID})
}

func (cs *connState) handleSignal(data []byte) {
	var req protocol.SessionSignal
	if err := json.Unmarshal(data, &req); err != nil {
		return
	}
	sig, err := parseSignal(req.Signal)
	if err != nil {
		cs.writeError(req.RequestID, "invalid_argument", err.Error())
		return
	}
	if err := cs.g.manager.Signal(req.SessionID, sig); err != nil {
		cs.writeError(req.RequestID, "not_found", err.Error())
		return
	}
	cs.write(protocol.AckMsg{Type: protocol.TypeAck, RequestID: req.RequestID})
}

func (cs *connState) handleShellList(data []byte) {
	var req protocol.ShellList
	json.Unmarshal(data, &req)
	cs.write(protocol.ShellListResult{Type: protocol.TypeShellListResult, RequestID: req.RequestID, Shells: availableShells()})
}

// availableShells probes the fixed candidate list for binaries that
// actually exist on this host, falling back to the user's $SHELL (and
// finally /bin/sh) if none of the well-known paths are present.
func availableShells() []string {
	var out []string
	for _, path := range availableShellCandidates {
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			out = append(out, path)
		}
	}
	if len(out) == 0 {
		if sh := os.Getenv("SHELL"); sh != "" {
			if _, err := exec.LookPath(sh); err == nil {
				out = append(out, sh)
			}
		}
	}
	if len(out) == 0 {
		out = append(out, "/bin/sh")
	}
	return out
}

// parseSignal accepts either a bare signal name ("SIGINT", "INT") or a
// numeric signal value, matching the flexibility a CLI like kill(1) gives.
func parseSignal(name string) (syscall.Signal, error) {
	if n, err := strconv.Atoi(name); err == nil {
		return syscall.Signal(n), nil
	}
	switch strings.ToUpper(strings.TrimPrefix(name, "SIG")) {
	case "HUP":
		return syscall.SIGHUP, nil
	case "INT":
		return syscall.SIGINT, nil
	case "QUIT":
		return syscall.SIGQUIT, nil
	case "TERM":
		return syscall.SIGTERM, nil
	case "KILL":
		return syscall.SIGKILL, nil
	case "USR1":
		return syscall.SIGUSR1, nil
	case "USR2":
		return syscall.SIGUSR2, nil
	case "WINCH":
		return syscall.SIGWINCH, nil
	case "CONT":
		return syscall.SIGCONT, nil
	case "STOP":
		return syscall.SIGSTOP, nil
	default:
		return 0, fmt.Errorf("unknown signal %q", name)
	}
}

func (cs *connState) stopForwarding(sessionID string) {
	cs.attachMu.Lock()
	defer cs.attachMu.Unlock()
	if cancel, ok := cs.attached[sessionID]; ok {
		cancel()
		delete(cs.attached, sessionID)
	}
}

func (cs *connState) detachAll() {
	cs.attachMu.Lock()
	defer cs.attachMu.Unlock()
	for id, cancel := range cs.attached {
		cancel()
		cs.g.manager.Detach(id)
		delete(cs.attached, id)
	}
	logger.Named("gateway").Debug("connection closed, detached all sessions")
}

func resourceErrCode(err error) string {
	if err == session.ErrResourceExhausted {
		return "resource_exhausted"
	}
	return "internal"
}
