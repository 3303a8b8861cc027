package gateway

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ehrlich-b/agentd/internal/session"
)

func newTestGateway(t *testing.T) (*Gateway, string) {
	t.Helper()
	dataDir := t.TempDir()
	playbooksDir := filepath.Join(dataDir, "playbooks")
	if err := os.MkdirAll(playbooksDir, 0755); err != nil {
		t.Fatalf("mkdir playbooks: %v", err)
	}

	manager := session.NewSessionManager(session.Config{MaxSessions: 4, DetachTimeout: time.Minute, SweepInterval: time.Minute})
	t.Cleanup(manager.Stop)
	activity := session.NewActivityJournal(100)

	g := New(manager, activity, Config{
		APIKey:       "test-key",
		DataDir:      dataDir,
		PlaybooksDir: playbooksDir,
	})
	return g, dataDir
}

func TestHealthRequiresNoAuth(t *testing.T) {
	g, _ := newTestGateway(t)
	mux := http.NewServeMux()
	g.Routes(mux)

	req := httptest.NewRequest("GET", "/api/health", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestInfoRequiresAPIKey(t *testing.T) {
	g, _ := newTestGateway(t)
	mux := http.NewServeMux()
	g.Routes(mux)

	req := httptest.NewRequest("GET", "/api/info", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without key, got %d", rec.Code)
	}

	req = httptest.NewRequest("GET", "/api/info?key=test-key", nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with valid key, got %d", rec.Code)
	}
}

func TestFilesPutGetDeleteRoundTrip(t *testing.T) {
	g, _ := newTestGateway(t)
	mux := http.NewServeMux()
	g.Routes(mux)

	putBody, _ := json.Marshal(map[string]any{"path": "hello.txt", "content": "hi there"})
	req := httptest.NewRequest("PUT", "/api/files?key=test-key", bytes.NewReader(putBody))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("PUT failed: %d %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest("GET", "/api/files?key=test-key&path=hello.txt", nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET failed: %d %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["content"] != "hi there" {
		t.Fatalf("unexpected content: %+v", resp)
	}

	req = httptest.NewRequest("DELETE", "/api/files?key=test-key", bytes.NewReader([]byte(`{"path":"hello.txt"}`)))
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("DELETE failed: %d %s", rec.Code, rec.Body.String())
	}
}

func TestFilesRejectsPathTraversal(t *testing.T) {
	g, _ := newTestGateway(t)
	mux := http.NewServeMux()
	g.Routes(mux)

	req := httptest.NewRequest("GET", "/api/files?key=test-key&path=../../etc/passwd", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for traversal attempt, got %d", rec.Code)
	}
}

func TestExecRunsCommandAndCapturesOutput(t *testing.T) {
	g, _ := newTestGateway(t)
	mux := http.NewServeMux()
	g.Routes(mux)

	body, _ := json.Marshal(map[string]any{"command": "echo hello from exec"})
	req := httptest.NewRequest("POST", "/api/exec?key=test-key", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("exec failed: %d %s", rec.Code, rec.Body.String())
	}

	var result execResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.ExitCode != 0 {
		t.Fatalf("expected exit 0, got %d", result.ExitCode)
	}
}

func TestPlaybookPutGetDelete(t *testing.T) {
	g, _ := newTestGateway(t)
	mux := http.NewServeMux()
	g.Routes(mux)

	body, _ := json.Marshal(map[string]string{"content": "# Deploy\n\nsteps..."})
	req := httptest.NewRequest("PUT", "/api/playbooks/deploy?key=test-key", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("PUT playbook failed: %d %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest("GET", "/api/playbooks/deploy?key=test-key", nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET playbook failed: %d %s", rec.Code, rec.Body.String())
	}
}
