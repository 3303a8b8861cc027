package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/ehrlich-b/agentd/internal/logger"
	"github.com/ehrlich-b/agentd/internal/protocol"
)

// maxInlineBody is the per-Frame body size the device side uses when it
// splits a response across HTTPBodyChunk messages. The relay itself sends
// a request body to the device in a single Frame.
const maxInlineBody = 256 * 1024

// requestTimeout bounds how long a proxied HTTP call waits for the
// device to answer before the relay gives up and returns a gateway error.
const requestTimeout = 30 * time.Second

// heartbeatDeadline bounds how long a device link may go without a frame
// (heartbeat or otherwise) before the sweep evicts it as dead — a NAT
// mapping or a half-closed TCP connection can leave a link looking open
// long after the device process is gone.
const heartbeatDeadline = 60 * time.Second

// ServerConfig configures a relay Server.
type ServerConfig struct {
	// TunnelKeys maps device serial to the shared secret it must present
	// in device.register to be admitted. Empty map means any serial is
	// accepted — fine for local development, not for anything exposed to
	// the internet.
	TunnelKeys map[string]string
}

// Server is the reverse-tunnel relay: devices connect to /device/ws and
// register under their serial, callers hit /d/{serial}/... and have their
// request multiplexed over that device's link and the response streamed
// back.
type Server struct {
	cfg       ServerConfig
	registry  *DeviceRegistry
	pending   *pendingRequests
	wsBridges *wsBridgeTable
	limiter   *LinkLimiter
	ipLimit   *IPRateLimiter
	mux       *http.ServeMux

	stopSweep chan struct{}
}

// NewServer builds a relay server and registers its routes.
func NewServer(cfg ServerConfig) *Server {
	s := &Server{
		cfg:       cfg,
		registry:  NewDeviceRegistry(),
		pending:   newPendingRequests(),
		wsBridges: newWSBridgeTable(),
		limiter:   NewLinkLimiter(4<<20, 1<<20), // 4 MiB/s sustained, 1 MiB burst per device
		ipLimit:   NewIPRateLimiter(20, 40),
		mux:       http.NewServeMux(),
		stopSweep: make(chan struct{}),
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /device/ws", s.handleDeviceWS)
	s.mux.HandleFunc("/d/{serial}/", s.handleProxy)
	logger.Named("relay").Info("per-device bandwidth cap",
		"sustained", humanize.Bytes(4<<20)+"/s", "burst", humanize.Bytes(1<<20))
	go s.evictStaleLinks()
	return s
}

// evictStaleLinks periodically closes device links that have gone longer
// than heartbeatDeadline without receiving any frame, freeing callers
// queued against a link whose device process is actually long gone.
func (s *Server) evictStaleLinks() {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopSweep:
			return
		case <-ticker.C:
			for _, link := range s.registry.All() {
				if link.idleSince() > heartbeatDeadline {
					logger.Named("relay").Warn("evicting device link, missed heartbeat deadline", "serial", link.Serial)
					link.Conn.Close(websocket.StatusPolicyViolation, "missed heartbeat deadline")
				}
			}
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"ok": true})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.ipLimit.Allow(clientIP(r)) {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}
	s.mux.ServeHTTP(w, r)
}

// handleDeviceWS accepts a device's long-lived tunnel link. The device is
// expected to send a device.register frame first; anything else closes
// the connection.
func (s *Server) handleDeviceWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	authCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	_, data, err := conn.Read(authCtx)
	cancel()
	if err != nil {
		conn.Close(websocket.StatusPolicyViolation, "registration timeout")
		return
	}

	var reg protocol.DeviceRegister
	if err := protocol.Decode(data, protocol.TypeDeviceRegister, &reg); err != nil || reg.Serial == "" {
		conn.Close(websocket.StatusPolicyViolation, "expected device.register")
		return
	}
	want, ok := s.cfg.TunnelKeys[reg.Serial]
	if len(s.cfg.TunnelKeys) > 0 && (!ok || want != reg.TunnelKey) {
		conn.Close(websocket.StatusPolicyViolation, "invalid tunnel key")
		return
	}

	link := newDeviceLink(reg.Serial, conn)
	s.registry.Register(link)
	defer func() {
		s.registry.Unregister(link)
		s.limiter.Forget(link.Serial)
		s.pending.drain(link.inflightIDs())
		s.wsBridges.drain(link.inflightIDs())
	}()

	ack, _ := json.Marshal(protocol.DeviceRegistered{Type: protocol.TypeDeviceRegistered, Serial: reg.Serial})
	if err := link.write(ack); err != nil {
		return
	}
	logger.Named("relay").Info("device registered", "serial", reg.Serial)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			logger.Named("relay").Info("device disconnected", "serial", reg.Serial)
			return
		}
		link.touch()
		s.dispatchDeviceFrame(link, data)
	}
}

func (s *Server) dispatchDeviceFrame(link *DeviceLink, data []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return
	}
	switch env.Type {
	case protocol.TypeDeviceHeartbeat:
		// liveness already recorded by touch() in the caller; nothing else to do.
	case protocol.TypeHTTPResponse:
		var f protocol.Frame
		if json.Unmarshal(data, &f) == nil {
			s.pending.deliverFrame(f)
			if f.Final {
				link.untrackRequest(f.RequestID)
			}
		}
	case protocol.TypeHTTPBodyChunk:
		var c protocol.HTTPBodyChunk
		if json.Unmarshal(data, &c) == nil {
			s.pending.deliverBodyChunk(c)
			if c.Final {
				link.untrackRequest(c.RequestID)
			}
		}
	case protocol.TypeWSFrame:
		var f protocol.WSFrame
		if json.Unmarshal(data, &f) == nil {
			s.wsBridges.deliverFrame(f)
		}
	case protocol.TypeWSClose:
		var c protocol.WSClose
		if json.Unmarshal(data, &c) == nil {
			s.wsBridges.deliverClose(c)
			link.untrackRequest(c.RequestID)
		}
	}
}

// handleProxy forwards an arbitrary HTTP request to the device named in
// the URL path, waits for its response (or requestTimeout), and writes
// that response back to the original caller.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	serial := r.PathValue("serial")
	link := s.registry.Get(serial)
	if link == nil {
		http.Error(w, "device not connected", http.StatusBadGateway)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/d/"+serial)
	if r.URL.RawQuery != "" {
		path += "?" + r.URL.RawQuery
	}

	if isWebSocketUpgrade(r) {
		s.handleProxyWS(w, r, link, path)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 32<<20))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	if err := s.limiter.Wait(r.Context(), serial, len(body)); err != nil {
		http.Error(w, "bandwidth limit exceeded", http.StatusTooManyRequests)
		return
	}

	requestID := uuid.New().String()
	headers := make(map[string]string, len(r.Header))
	for k := range r.Header {
		headers[k] = r.Header.Get(k)
	}

	frame := protocol.Frame{
		Type:      protocol.TypeHTTPRequest,
		RequestID: requestID,
		Kind:      protocol.KindHTTP,
		Method:    r.Method,
		Path:      path,
		Headers:   headers,
		Body:      body,
		Final:     true,
	}
	encoded, err := json.Marshal(frame)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	pr := s.pending.register(requestID)
	link.trackRequest(requestID)
	defer func() {
		s.pending.forget(requestID)
		link.untrackRequest(requestID)
	}()

	if err := link.write(encoded); err != nil {
		http.Error(w, "device link write failed", http.StatusBadGateway)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	select {
	case resp := <-pr.ch:
		for k, v := range resp.Headers {
			w.Header().Set(k, v)
		}
		w.WriteHeader(resp.Status)
		w.Write(resp.Body)
		s.streamRemainingBody(ctx, w, pr, resp.Final)
	case errMsg := <-pr.errCh:
		http.Error(w, errMsg.Message, http.StatusBadGateway)
	case <-ctx.Done():
		http.Error(w, "device timed out", http.StatusGatewayTimeout)
	}
}

// streamRemainingBody writes any HTTPBodyChunk continuations for a
// response whose body didn't fit in the initial Frame.
func (s *Server) streamRemainingBody(ctx context.Context, w http.ResponseWriter, pr *pendingRequest, final bool) {
	for !final {
		select {
		case chunk := <-pr.bodyCh:
			w.Write(chunk.Body)
			final = chunk.Final
		case <-ctx.Done():
			return
		}
	}
}

// isWebSocketUpgrade reports whether r is asking to be upgraded to a
// WebSocket connection, mirroring the check net/http's own reverse proxy
// (and the teacher's gateway) uses before treating a request specially.
func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

// handleProxyWS bridges a caller's WebSocket connection through to the
// device: it asks the device to dial path locally (ws_open), then pumps
// frames in both directions over the bridge until either side closes.
func (s *Server) handleProxyWS(w http.ResponseWriter, r *http.Request, link *DeviceLink, path string) {
	requestID := uuid.New().String()
	headers := make(map[string]string, len(r.Header))
	for k := range r.Header {
		headers[k] = r.Header.Get(k)
	}

	bridge := s.wsBridges.register(requestID)
	link.trackRequest(requestID)
	defer func() {
		s.wsBridges.forget(requestID)
		link.untrackRequest(requestID)
	}()

	open, _ := json.Marshal(protocol.WSOpen{Type: protocol.TypeWSOpen, RequestID: requestID, Path: path, Headers: headers})
	if err := link.write(open); err != nil {
		http.Error(w, "device link write failed", http.StatusBadGateway)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	go func() {
		for {
			typ, data, err := conn.Read(ctx)
			if err != nil {
				closeMsg, _ := json.Marshal(protocol.WSClose{Type: protocol.TypeWSClose, RequestID: requestID})
				link.write(closeMsg)
				bridge.signalClose(protocol.WSClose{RequestID: requestID})
				return
			}
			frame, _ := json.Marshal(protocol.WSFrame{
				Type:      protocol.TypeWSFrame,
				RequestID: requestID,
				Binary:    typ == websocket.MessageBinary,
				Data:      data,
			})
			if err := link.write(frame); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case f := <-bridge.frameCh:
			typ := websocket.MessageText
			if f.Binary {
				typ = websocket.MessageBinary
			}
			if err := conn.Write(ctx, typ, f.Data); err != nil {
				return
			}
		case c := <-bridge.closeCh:
			reason := c.Reason
			if reason == "" {
				reason = "device closed stream"
			}
			conn.Close(websocket.StatusNormalClosure, reason)
			return
		case <-ctx.Done():
			return
		}
	}
}

// GracefulShutdown closes every device link, failing any in-flight
// requests with tunnel_unavailable first so callers don't hang until
// their own timeout.
func (s *Server) GracefulShutdown(ctx context.Context) {
	close(s.stopSweep)
	for _, link := range s.registry.All() {
		s.pending.drain(link.inflightIDs())
		s.wsBridges.drain(link.inflightIDs())
		link.Conn.Close(websocket.StatusServiceRestart, "relay restarting")
	}
	logger.Named("relay").Info("graceful shutdown complete", "devices", fmt.Sprint(len(s.registry.All())))
}
