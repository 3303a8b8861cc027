package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/ehrlich-b/agentd/internal/session"
)

// execRequest mirrors spec's POST /api/exec body.
type execRequest struct {
	Command    string            `json:"command"`
	TimeoutMS  int               `json:"timeout_ms"`
	WorkingDir string            `json:"working_dir"`
	Env        map[string]string `json:"env"`
}

type execResult struct {
	ExitCode   int    `json:"exit_code"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	DurationMS int64  `json:"duration_ms"`
}

func (g *Gateway) handleExec(w http.ResponseWriter, r *http.Request) {
	var req execRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", "invalid JSON body")
		return
	}
	if req.Command == "" {
		writeError(w, http.StatusBadRequest, "invalid_argument", "command is required")
		return
	}

	result, err := g.runOneShot(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleExecBatch runs a size-capped sequential list of commands, as
// spec's POST /api/exec/batch. Each command runs after the previous one
// completes. A batch with more than MaxBatchSize entries is rejected
// outright; a non-zero exit code is a normal result, not a request error.
func (g *Gateway) handleExecBatch(w http.ResponseWriter, r *http.Request) {
	var reqs []execRequest
	if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", "invalid JSON body")
		return
	}
	if len(reqs) > g.cfg.MaxBatchSize {
		writeError(w, http.StatusBadRequest, "invalid_argument", "batch exceeds max_batch_size")
		return
	}

	results := make([]execResult, 0, len(reqs))
	for _, req := range reqs {
		res, err := g.runOneShot(r.Context(), req)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal", err.Error())
			return
		}
		results = append(results, res)
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (g *Gateway) runOneShot(ctx context.Context, req execRequest) (execResult, error) {
	timeoutMS := req.TimeoutMS
	if timeoutMS <= 0 {
		timeoutMS = g.cfg.ExecTimeoutMS
	}

	buf := session.NewOutputBuffer(0)
	parts := strings.Fields(req.Command)
	if len(parts) == 0 {
		return execResult{}, nil
	}

	start := time.Now()
	runner, err := session.Start(session.RunnerConfig{
		Command:        parts[0],
		Args:           parts[1:],
		CWD:            req.WorkingDir,
		Env:            req.Env,
		UsePTY:         false,
		MaxOutputBytes: g.cfg.MaxOutputBytes,
	}, buf)
	if err != nil {
		return execResult{}, err
	}

	runCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutMS)*time.Millisecond)
	defer cancel()
	if err := runner.WaitWithContext(runCtx); err != nil {
		runner.Signal(syscall.SIGKILL)
		<-runner.Done()
	}

	var stdout, stderr strings.Builder
	recs, _ := buf.SnapshotSince(0)
	for _, rec := range recs {
		switch rec.Stream {
		case session.Stderr:
			stderr.Write(rec.Data)
		case session.System:
			// truncation/exit notices, not part of the captured output.
		default:
			stdout.Write(rec.Data)
		}
	}

	if g.activity != nil {
		g.activity.Append("exec", req.Command, time.Now().UnixMilli())
	}

	return execResult{
		ExitCode:   runner.ExitCode(),
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		DurationMS: time.Since(start).Milliseconds(),
	}, nil
}
