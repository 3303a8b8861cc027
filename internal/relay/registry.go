// Package relay implements the reverse-tunnel relay: a public-facing
// server that devices dial out to, registering under their serial number,
// so a caller without a direct route to the device (behind NAT, on a
// private network) can still reach its gateway by addressing the relay
// instead. One WebSocket link per device multiplexes every HTTP request
// and WebSocket session a caller opens against it, keyed by request ID —
// the same envelope-multiplexing idiom the gateway's PTY routing used,
// generalized from one session type to arbitrary HTTP/WS traffic.
package relay

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const writeTimeout = 10 * time.Second

// DeviceLink is one connected device's relay-side WebSocket plus the
// bookkeeping needed to multiplex many in-flight requests over it.
type DeviceLink struct {
	Serial string
	Conn   *websocket.Conn

	writeMu sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{}

	lastSeenMu sync.Mutex
	lastSeen   time.Time
}

func newDeviceLink(serial string, conn *websocket.Conn) *DeviceLink {
	return &DeviceLink{Serial: serial, Conn: conn, inflight: make(map[string]struct{}), lastSeen: time.Now()}
}

// touch records that a frame (heartbeat or otherwise) was just received on
// this link, resetting its idle clock.
func (l *DeviceLink) touch() {
	l.lastSeenMu.Lock()
	l.lastSeen = time.Now()
	l.lastSeenMu.Unlock()
}

// idleSince returns how long it has been since the last frame was received
// on this link, used by the relay's heartbeat sweep to evict dead devices.
func (l *DeviceLink) idleSince() time.Duration {
	l.lastSeenMu.Lock()
	defer l.lastSeenMu.Unlock()
	return time.Since(l.lastSeen)
}

func (l *DeviceLink) write(data []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return l.Conn.Write(ctx, websocket.MessageText, data)
}

// trackRequest records that requestID is now in flight on this link, so a
// disconnect can drain it with tunnel_unavailable instead of leaving the
// caller to time out on its own.
func (l *DeviceLink) trackRequest(requestID string) {
	l.inflightMu.Lock()
	l.inflight[requestID] = struct{}{}
	l.inflightMu.Unlock()
}

func (l *DeviceLink) untrackRequest(requestID string) {
	l.inflightMu.Lock()
	delete(l.inflight, requestID)
	l.inflightMu.Unlock()
}

// inflightIDs returns a snapshot of request IDs still pending on this link.
func (l *DeviceLink) inflightIDs() []string {
	l.inflightMu.Lock()
	defer l.inflightMu.Unlock()
	out := make([]string, 0, len(l.inflight))
	for id := range l.inflight {
		out = append(out, id)
	}
	return out
}

// DeviceRegistry tracks which devices currently have a live relay link.
// Registration is a simple last-writer-wins replace: a device reconnecting
// (new process, flaky network) displaces its old, presumably-dead link.
type DeviceRegistry struct {
	mu    sync.RWMutex
	links map[string]*DeviceLink
}

// NewDeviceRegistry creates an empty registry.
func NewDeviceRegistry() *DeviceRegistry {
	return &DeviceRegistry{links: make(map[string]*DeviceLink)}
}

// Register installs (or replaces) the link for a device serial.
func (r *DeviceRegistry) Register(link *DeviceLink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.links[link.Serial] = link
}

// Unregister removes a link, but only if it is still the currently
// registered one for that serial — guards against a stale disconnect
// handler removing a link a reconnect has already replaced.
func (r *DeviceRegistry) Unregister(link *DeviceLink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.links[link.Serial]; ok && cur == link {
		delete(r.links, link.Serial)
	}
}

// Get returns the live link for a serial, or nil if the device isn't
// connected.
func (r *DeviceRegistry) Get(serial string) *DeviceLink {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.links[serial]
}

// All returns a snapshot of every connected link, used for shutdown
// broadcast.
func (r *DeviceRegistry) All() []*DeviceLink {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*DeviceLink, 0, len(r.links))
	for _, l := range r.links {
		out = append(out, l)
	}
	return out
}
