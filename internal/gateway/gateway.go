// Package gateway exposes a SessionManager over an authenticated
// WebSocket (the interactive session protocol) and a small REST surface
// (exec/files/info/health). The WebSocket side is a per-connection
// protocol translator: decode an envelope, dispatch to the
// SessionManager, encode the result back — the same shape as the
// teacher's handlePTYWS dispatch loop, generalized from one hardcoded
// message set to the full session.* verb set.
package gateway

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/ehrlich-b/agentd/internal/protocol"
	"github.com/ehrlich-b/agentd/internal/session"
)

// Config configures a Gateway.
type Config struct {
	APIKey         string
	ExecTimeoutMS  int
	MaxBatchSize   int
	PlaybooksDir   string
	DataDir        string
	MaxOutputBytes int64
}

// Gateway wires a SessionManager and an ActivityJournal to both the
// WebSocket session protocol and the REST surface.
type Gateway struct {
	cfg      Config
	manager  *session.SessionManager
	activity *session.ActivityJournal
	started  time.Time

	connsMu sync.Mutex
	conns   map[*connState]struct{}
}

// New creates a Gateway and starts its lifecycle/activity broadcast
// goroutines. It is the sole consumer of manager.Events() — both mirroring
// entries into the activity journal and fanning them out live to every
// connected WebSocket client, so splitting consumption across multiple
// goroutines can't scatter events between them.
func New(manager *session.SessionManager, activity *session.ActivityJournal, cfg Config) *Gateway {
	if cfg.ExecTimeoutMS <= 0 {
		cfg.ExecTimeoutMS = 30_000
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 20
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = 64 << 20
	}
	g := &Gateway{
		cfg:      cfg,
		manager:  manager,
		activity: activity,
		started:  time.Now(),
		conns:    make(map[*connState]struct{}),
	}
	go g.consumeLifecycleEvents()
	go g.broadcastActivity()
	return g
}

// addConn/removeConn maintain the set of live WebSocket connections that
// broadcast messages get fanned out to.
func (g *Gateway) addConn(cs *connState) {
	g.connsMu.Lock()
	g.conns[cs] = struct{}{}
	g.connsMu.Unlock()
}

func (g *Gateway) removeConn(cs *connState) {
	g.connsMu.Lock()
	delete(g.conns, cs)
	g.connsMu.Unlock()
}

// broadcast sends v to every currently-connected client's outbound queue.
// A connection whose queue is full is closed rather than stalling every
// other connection's fan-out.
func (g *Gateway) broadcast(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	g.connsMu.Lock()
	defer g.connsMu.Unlock()
	for cs := range g.conns {
		cs.enqueue(data)
	}
}

// consumeLifecycleEvents is the single long-running reader of
// manager.Events(). Every event is mirrored into the activity journal;
// the kinds clients care about in real time are additionally translated
// into a broadcast protocol message.
func (g *Gateway) consumeLifecycleEvents() {
	for ev := range g.manager.Events() {
		g.activity.Append(string(ev.Kind), ev.SessionID, ev.Time.UnixMilli())
		g.broadcastLifecycle(ev)
	}
}

func (g *Gateway) broadcastLifecycle(ev session.LifecycleEvent) {
	switch ev.Kind {
	case session.EventRenamed:
		g.broadcast(protocol.SessionRenamed{Type: protocol.TypeSessionRenamed, SessionID: ev.SessionID, Name: ev.Name})
	case session.EventAIPermissionChanged:
		g.broadcast(protocol.AIPermissionChanged{Type: protocol.TypeAIPermissionChanged, SessionID: ev.SessionID, Allowed: ev.Allowed})
	case session.EventAIStatusChanged:
		g.broadcast(protocol.AIStatusChanged{Type: protocol.TypeAIStatusChanged, SessionID: ev.SessionID, Working: ev.Working, StatusMessage: ev.StatusMessage})
	case session.EventExited:
		ms, err := g.manager.Get(ev.SessionID)
		if err != nil {
			return
		}
		code, errMsg := ms.ExitInfo()
		g.broadcast(protocol.SessionExited{Type: protocol.TypeSessionExited, SessionID: ev.SessionID, ExitCode: code, Error: errMsg})
	}
}

// broadcastActivity pushes every newly appended activity entry to
// connected clients as it happens, instead of requiring them to poll
// /api/activity.
func (g *Gateway) broadcastActivity() {
	var lastID uint64
	for {
		wait := g.activity.Wait()
		<-wait
		for _, e := range g.activity.Since(lastID) {
			lastID = e.ID
			g.broadcast(protocol.ActivityNew{
				Type:      protocol.TypeActivityNew,
				SessionID: e.Detail,
				Kind:      e.Kind,
				Timestamp: e.TimeMS,
			})
		}
	}
}

// Routes registers every gateway handler (WS + REST) onto mux.
func (g *Gateway) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", g.handleHealth)
	mux.HandleFunc("GET /api/info", g.authenticated(g.handleInfo))
	mux.HandleFunc("GET /ws/session", g.handleSessionWS)

	mux.HandleFunc("POST /api/exec", g.authenticated(g.handleExec))
	mux.HandleFunc("POST /api/exec/batch", g.authenticated(g.handleExecBatch))

	mux.HandleFunc("GET /api/files", g.authenticated(g.handleFilesGet))
	mux.HandleFunc("PUT /api/files", g.authenticated(g.handleFilesPut))
	mux.HandleFunc("DELETE /api/files", g.authenticated(g.handleFilesDelete))

	mux.HandleFunc("GET /api/activity", g.authenticated(g.handleActivity))

	mux.HandleFunc("GET /api/playbooks", g.authenticated(g.handlePlaybooksList))
	mux.HandleFunc("GET /api/playbooks/{name}", g.authenticated(g.handlePlaybookGet))
	mux.HandleFunc("PUT /api/playbooks/{name}", g.authenticated(g.handlePlaybookPut))
	mux.HandleFunc("DELETE /api/playbooks/{name}", g.authenticated(g.handlePlaybookDelete))
}

// authenticated wraps a handler with the pre-shared-key check spec's
// Non-goals limit auth to: no per-user identity, just "does the caller
// know the key".
func (g *Gateway) authenticated(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !g.checkAPIKey(r) {
			writeError(w, http.StatusUnauthorized, "auth_failed", "invalid or missing API key")
			return
		}
		next(w, r)
	}
}

func (g *Gateway) checkAPIKey(r *http.Request) bool {
	if g.cfg.APIKey == "" {
		return true
	}
	key := r.URL.Query().Get("key")
	if key == "" {
		key = r.Header.Get("X-API-Key")
	}
	if key == "" {
		if auth := r.Header.Get("Authorization"); len(auth) > 7 && auth[:7] == "Bearer " {
			key = auth[7:]
		}
	}
	return subtle.ConstantTimeCompare([]byte(key), []byte(g.cfg.APIKey)) == 1
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"uptime_secs": int(time.Since(g.started).Seconds()),
		"version":     "dev",
	})
}

func (g *Gateway) handleInfo(w http.ResponseWriter, r *http.Request) {
	sessions := g.manager.List()
	writeJSON(w, http.StatusOK, map[string]any{
		"session_count": len(sessions),
		"uptime_secs":   int(time.Since(g.started).Seconds()),
	})
}
