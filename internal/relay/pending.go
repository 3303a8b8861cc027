package relay

import (
	"sync"

	"github.com/ehrlich-b/agentd/internal/protocol"
)

// pendingRequest collects the frames (and any body continuation chunks)
// that make up a device's response to one proxied HTTP request, then
// hands the full thing to whichever goroutine is blocked waiting on it.
type pendingRequest struct {
	ch     chan protocol.Frame
	bodyCh chan protocol.HTTPBodyChunk
	errCh  chan protocol.TunnelErrorMsg
}

// pendingRequests is the relay's request-ID keyed table of in-flight
// proxied calls, generalizing the teacher's sessionID-keyed tunnelRequests
// map from "browser waiting on one PTY reply" to "any HTTP caller waiting
// on one device response".
type pendingRequests struct {
	mu    sync.Mutex
	table map[string]*pendingRequest
}

func newPendingRequests() *pendingRequests {
	return &pendingRequests{table: make(map[string]*pendingRequest)}
}

// register allocates tracking state for a new outbound request, returning
// channels the proxy handler can select on for the response frame, any
// trailing body chunks, and a drain-on-disconnect error.
func (p *pendingRequests) register(requestID string) *pendingRequest {
	pr := &pendingRequest{
		ch:     make(chan protocol.Frame, 1),
		bodyCh: make(chan protocol.HTTPBodyChunk, 8),
		errCh:  make(chan protocol.TunnelErrorMsg, 1),
	}
	p.mu.Lock()
	p.table[requestID] = pr
	p.mu.Unlock()
	return pr
}

func (p *pendingRequests) forget(requestID string) {
	p.mu.Lock()
	delete(p.table, requestID)
	p.mu.Unlock()
}

// deliverFrame routes a response Frame from a device to the waiting
// caller, if one is still registered (it may have already timed out and
// been forgotten).
func (p *pendingRequests) deliverFrame(f protocol.Frame) {
	p.mu.Lock()
	pr, ok := p.table[f.RequestID]
	p.mu.Unlock()
	if !ok {
		return
	}
	select {
	case pr.ch <- f:
	default:
	}
}

// deliverBodyChunk routes a body continuation chunk to the waiting caller.
func (p *pendingRequests) deliverBodyChunk(c protocol.HTTPBodyChunk) {
	p.mu.Lock()
	pr, ok := p.table[c.RequestID]
	p.mu.Unlock()
	if !ok {
		return
	}
	select {
	case pr.bodyCh <- c:
	default:
	}
}

// drain fails every request waiting on this device's link with
// tunnel_unavailable, called when the link disconnects before the device
// answers — without this, those callers would block until their own
// per-request timeout instead of failing fast.
func (p *pendingRequests) drain(requestIDs []string) {
	p.mu.Lock()
	var prs []*pendingRequest
	for _, id := range requestIDs {
		if pr, ok := p.table[id]; ok {
			prs = append(prs, pr)
		}
	}
	p.mu.Unlock()

	for _, pr := range prs {
		select {
		case pr.errCh <- protocol.TunnelErrorMsg{
			Type:    "tunnel_error",
			Code:    protocol.ErrTunnelUnavailable,
			Message: "device disconnected before responding",
		}:
		default:
		}
	}
}
