package relay

import (
	"sync"

	"github.com/ehrlich-b/agentd/internal/protocol"
)

// wsBridge is one WebSocket stream bridged between a relay-side caller and
// a device, keyed by request ID the same way an HTTP pendingRequest is.
// Frames arriving from the device are pushed onto frameCh; a close from
// either side is signaled on closeCh exactly once.
type wsBridge struct {
	frameCh chan protocol.WSFrame
	closeCh chan protocol.WSClose

	closeOnce sync.Once
}

func newWSBridge() *wsBridge {
	return &wsBridge{
		frameCh: make(chan protocol.WSFrame, 32),
		closeCh: make(chan protocol.WSClose, 1),
	}
}

func (b *wsBridge) signalClose(c protocol.WSClose) {
	b.closeOnce.Do(func() {
		b.closeCh <- c
	})
}

// wsBridgeTable tracks every bridged WebSocket stream currently in flight
// across all devices, mirroring pendingRequests' role for plain HTTP
// requests but for long-lived bidirectional streams instead of one-shot
// request/response pairs.
type wsBridgeTable struct {
	mu      sync.Mutex
	bridges map[string]*wsBridge
}

func newWSBridgeTable() *wsBridgeTable {
	return &wsBridgeTable{bridges: make(map[string]*wsBridge)}
}

func (t *wsBridgeTable) register(requestID string) *wsBridge {
	b := newWSBridge()
	t.mu.Lock()
	t.bridges[requestID] = b
	t.mu.Unlock()
	return b
}

func (t *wsBridgeTable) forget(requestID string) {
	t.mu.Lock()
	delete(t.bridges, requestID)
	t.mu.Unlock()
}

func (t *wsBridgeTable) get(requestID string) *wsBridge {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bridges[requestID]
}

func (t *wsBridgeTable) deliverFrame(f protocol.WSFrame) {
	if b := t.get(f.RequestID); b != nil {
		select {
		case b.frameCh <- f:
		default:
			// Bridge's caller-side pump isn't keeping up; drop rather than
			// block the device link's single reader goroutine for everyone
			// else multiplexed on it.
		}
	}
}

func (t *wsBridgeTable) deliverClose(c protocol.WSClose) {
	if b := t.get(c.RequestID); b != nil {
		b.signalClose(c)
	}
}

// drain closes every bridge for the given request IDs with
// tunnel_unavailable semantics, used when a device link drops.
func (t *wsBridgeTable) drain(requestIDs []string) {
	for _, id := range requestIDs {
		if b := t.get(id); b != nil {
			b.signalClose(protocol.WSClose{RequestID: id, Code: 1011, Reason: "device disconnected"})
		}
	}
}
