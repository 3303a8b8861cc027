package relay

import (
	"testing"
	"time"

	"github.com/ehrlich-b/agentd/internal/protocol"
)

func TestDeviceRegistryRegisterGetUnregister(t *testing.T) {
	reg := NewDeviceRegistry()
	link := newDeviceLink("device-1", nil)
	reg.Register(link)

	if got := reg.Get("device-1"); got != link {
		t.Fatalf("expected Get to return the registered link")
	}

	reg.Unregister(link)
	if got := reg.Get("device-1"); got != nil {
		t.Fatalf("expected Get to return nil after Unregister, got %+v", got)
	}
}

func TestDeviceRegistryUnregisterIgnoresStaleLink(t *testing.T) {
	reg := NewDeviceRegistry()
	old := newDeviceLink("device-1", nil)
	reg.Register(old)

	fresh := newDeviceLink("device-1", nil)
	reg.Register(fresh)

	// A disconnect handler for the old (already-replaced) link must not
	// evict the reconnected one.
	reg.Unregister(old)
	if got := reg.Get("device-1"); got != fresh {
		t.Fatalf("expected reconnected link to survive stale unregister")
	}
}

func TestDeviceLinkTracksInflightRequests(t *testing.T) {
	link := newDeviceLink("device-1", nil)
	link.trackRequest("req-1")
	link.trackRequest("req-2")

	ids := link.inflightIDs()
	if len(ids) != 2 {
		t.Fatalf("expected 2 inflight IDs, got %d", len(ids))
	}

	link.untrackRequest("req-1")
	ids = link.inflightIDs()
	if len(ids) != 1 || ids[0] != "req-2" {
		t.Fatalf("expected only req-2 left inflight, got %+v", ids)
	}
}

func TestPendingRequestsDrainDeliversTunnelError(t *testing.T) {
	p := newPendingRequests()
	pr := p.register("req-1")

	p.drain([]string{"req-1"})

	select {
	case errMsg := <-pr.errCh:
		if errMsg.Code != "tunnel_unavailable" {
			t.Fatalf("expected tunnel_unavailable, got %q", errMsg.Code)
		}
	default:
		t.Fatalf("expected drain to deliver a tunnel error")
	}
}

func TestPendingRequestsForgetStopsDelivery(t *testing.T) {
	p := newPendingRequests()
	p.register("req-1")
	p.forget("req-1")

	// Delivering to a forgotten request ID must not panic and must be a
	// silent no-op.
	p.deliverFrame(protocol.Frame{RequestID: "req-1"})
}

func TestDeviceLinkIdleSinceResetsOnTouch(t *testing.T) {
	link := newDeviceLink("device-1", nil)
	if link.idleSince() < 0 {
		t.Fatalf("expected non-negative idle duration")
	}
	link.touch()
	if link.idleSince() > time.Second {
		t.Fatalf("expected idleSince to reset close to zero after touch")
	}
}

func TestWSBridgeTableDeliverFrameAndClose(t *testing.T) {
	table := newWSBridgeTable()
	b := table.register("req-1")

	table.deliverFrame(protocol.WSFrame{RequestID: "req-1", Data: []byte("hello")})
	select {
	case f := <-b.frameCh:
		if string(f.Data) != "hello" {
			t.Fatalf("unexpected frame payload: %q", f.Data)
		}
	default:
		t.Fatalf("expected frame to be delivered to the registered bridge")
	}

	table.deliverClose(protocol.WSClose{RequestID: "req-1", Reason: "done"})
	select {
	case c := <-b.closeCh:
		if c.Reason != "done" {
			t.Fatalf("unexpected close reason: %q", c.Reason)
		}
	default:
		t.Fatalf("expected close to be delivered to the registered bridge")
	}

	table.forget("req-1")
	// Delivering to a forgotten bridge must not panic.
	table.deliverFrame(protocol.WSFrame{RequestID: "req-1"})
}

func TestWSBridgeTableDrainClosesAllGivenIDs(t *testing.T) {
	table := newWSBridgeTable()
	b := table.register("req-1")
	table.drain([]string{"req-1"})

	select {
	case c := <-b.closeCh:
		if c.Code != 1011 {
			t.Fatalf("expected drain close code 1011, got %d", c.Code)
		}
	default:
		t.Fatalf("expected drain to close the bridge")
	}
}
