package gateway

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// playbookPath resolves name to a path under the playbooks directory,
// rejecting traversal the same way file-API paths are validated.
func (g *Gateway) playbookPath(name string) (string, error) {
	if !strings.HasSuffix(name, ".md") {
		name += ".md"
	}
	return validatePath(g.cfg.PlaybooksDir, name)
}

func (g *Gateway) handlePlaybooksList(w http.ResponseWriter, r *http.Request) {
	entries, err := os.ReadDir(g.cfg.PlaybooksDir)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"playbooks": []string{}})
		return
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".md") {
			names = append(names, strings.TrimSuffix(e.Name(), ".md"))
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"playbooks": names})
}

func (g *Gateway) handlePlaybookGet(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	full, err := g.playbookPath(name)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", err.Error())
		return
	}
	data, err := os.ReadFile(full)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", "no such playbook")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"name": name, "content": string(data)})
}

func (g *Gateway) handlePlaybookPut(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	full, err := g.playbookPath(name)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", err.Error())
		return
	}
	var req struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", "invalid JSON body")
		return
	}
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		writeError(w, http.StatusInternalServerError, "io_error", err.Error())
		return
	}
	if err := atomicWrite(full, []byte(req.Content), 0644); err != nil {
		writeError(w, http.StatusInternalServerError, "io_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (g *Gateway) handlePlaybookDelete(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	full, err := g.playbookPath(name)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", err.Error())
		return
	}
	if err := os.Remove(full); err != nil {
		writeError(w, http.StatusInternalServerError, "io_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
