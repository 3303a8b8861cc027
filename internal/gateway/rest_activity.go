package gateway

import (
	"net/http"
	"strconv"
)

func (g *Gateway) handleActivity(w http.ResponseWriter, r *http.Request) {
	sinceID, _ := strconv.ParseUint(r.URL.Query().Get("since_id"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	entries := g.activity.Since(sinceID)
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
