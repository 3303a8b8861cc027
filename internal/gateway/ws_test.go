package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/ehrlich-b/agentd/internal/protocol"
)

func newWSTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	g, _ := newTestGateway(t)
	mux := http.NewServeMux()
	g.Routes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func readEnvelope(t *testing.T, ctx context.Context, conn *websocket.Conn, wantType string, timeout time.Duration) []byte {
	t.Helper()
	deadline, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for {
		_, data, err := conn.Read(deadline)
		if err != nil {
			t.Fatalf("read while waiting for %s: %v", wantType, err)
		}
		var env protocol.Envelope
		json.Unmarshal(data, &env)
		if env.Type == wantType {
			return data
		}
	}
}

func TestSessionWSCreateForwardsExit(t *testing.T) {
	srv := newWSTestServer(t)
	ctx := context.Background()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/session?key=test-key"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	create, _ := json.Marshal(protocol.SessionCreate{
		Type:      protocol.TypeSessionCreate,
		RequestID: "r1",
		Command:   "/bin/echo",
		Args:      []string{"hi", "there"},
	})
	if err := conn.Write(ctx, websocket.MessageText, create); err != nil {
		t.Fatalf("write create: %v", err)
	}

	createdData := readEnvelope(t, ctx, conn, protocol.TypeSessionCreated, 5*time.Second)
	var created protocol.SessionCreated
	json.Unmarshal(createdData, &created)
	if created.SessionID == "" {
		t.Fatalf("expected a session ID")
	}

	exitedData := readEnvelope(t, ctx, conn, protocol.TypeSessionExited, 5*time.Second)
	var exited protocol.SessionExited
	json.Unmarshal(exitedData, &exited)
	if exited.ExitCode != 0 {
		t.Fatalf("expected exit code 0, got %d", exited.ExitCode)
	}
}

func TestSessionWSListReportsCreatedSession(t *testing.T) {
	srv := newWSTestServer(t)
	ctx := context.Background()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/session?key=test-key"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	create, _ := json.Marshal(protocol.SessionCreate{
		Type:       protocol.TypeSessionCreate,
		RequestID:  "r1",
		Command:    "/bin/sleep",
		Args:       []string{"2"},
		Persistent: true,
	})
	conn.Write(ctx, websocket.MessageText, create)
	readEnvelope(t, ctx, conn, protocol.TypeSessionCreated, 5*time.Second)

	list, _ := json.Marshal(protocol.SessionList{Type: protocol.TypeSessionList, RequestID: "r2"})
	conn.Write(ctx, websocket.MessageText, list)

	listData := readEnvelope(t, ctx, conn, protocol.TypeSessionListResult, 5*time.Second)
	var result protocol.SessionListResult
	json.Unmarshal(listData, &result)
	if len(result.Sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(result.Sessions))
	}
	if result.Sessions[0].Command != "/bin/sleep" {
		t.Fatalf("unexpected command: %+v", result.Sessions[0])
	}
}

func TestSessionWSRenameBroadcastsToAllConnections(t *testing.T) {
	srv := newWSTestServer(t)
	ctx := context.Background()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/session?key=test-key"

	creator, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial creator: %v", err)
	}
	defer creator.CloseNow()

	watcher, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial watcher: %v", err)
	}
	defer watcher.CloseNow()

	create, _ := json.Marshal(protocol.SessionCreate{
		Type:       protocol.TypeSessionCreate,
		RequestID:  "r1",
		Command:    "/bin/sleep",
		Args:       []string{"2"},
		Persistent: true,
	})
	creator.Write(ctx, websocket.MessageText, create)
	createdData := readEnvelope(t, ctx, creator, protocol.TypeSessionCreated, 5*time.Second)
	var created protocol.SessionCreated
	json.Unmarshal(createdData, &created)

	rename, _ := json.Marshal(protocol.SessionRename{Type: protocol.TypeSessionRename, RequestID: "r2", SessionID: created.SessionID, Name: "build-1"})
	creator.Write(ctx, websocket.MessageText, rename)

	renamedData := readEnvelope(t, ctx, watcher, protocol.TypeSessionRenamed, 5*time.Second)
	var renamed protocol.SessionRenamed
	json.Unmarshal(renamedData, &renamed)
	if renamed.Name != "build-1" || renamed.SessionID != created.SessionID {
		t.Fatalf("unexpected renamed broadcast: %+v", renamed)
	}
}

func TestSessionWSShellList(t *testing.T) {
	srv := newWSTestServer(t)
	ctx := context.Background()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/session?key=test-key"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	req, _ := json.Marshal(protocol.ShellList{Type: protocol.TypeShellList, RequestID: "r1"})
	conn.Write(ctx, websocket.MessageText, req)

	data := readEnvelope(t, ctx, conn, protocol.TypeShellListResult, 5*time.Second)
	var result protocol.ShellListResult
	json.Unmarshal(data, &result)
	if len(result.Shells) == 0 {
		t.Fatalf("expected at least one candidate shell")
	}
}

