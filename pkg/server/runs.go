package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/haivivi/chunkflow/pkg/action"
	"github.com/haivivi/chunkflow/pkg/action/loader"
)

// maxPipelineSize bounds the body of POST /sessions/{id}/runs.
const maxPipelineSize = 1 << 20

type trackedRun struct {
	run     *action.Run
	step    action.Step
	started time.Time
}

// RunState is the lifecycle state of a run.
type RunState string

const (
	RunRunning RunState = "running"
	RunDone    RunState = "done"
	RunFailed  RunState = "failed"
)

// RunView describes a run in API responses.
type RunView struct {
	ID      string            `json:"id"`
	Action  string            `json:"action"`
	Pattern string            `json:"pattern"`
	Inputs  map[string]string `json:"inputs,omitempty"`
	Outputs map[string]string `json:"outputs"`
	State   RunState          `json:"state"`
	Error   string            `json:"error,omitempty"`
	Started time.Time         `json:"started"`
}

func (tr *trackedRun) view() RunView {
	v := RunView{
		ID:      tr.run.ID,
		Action:  tr.step.Action,
		Pattern: tr.run.Pattern,
		Inputs:  tr.step.Inputs,
		Outputs: tr.run.Outputs(),
		State:   RunRunning,
		Started: tr.started,
	}
	select {
	case <-tr.run.Done():
		v.State = RunDone
		if err := tr.run.Wait(); err != nil {
			v.State = RunFailed
			v.Error = err.Error()
		}
	default:
	}
	return v
}

func (s *Server) handleStartRuns(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	data, err := io.ReadAll(io.LimitReader(r.Body, maxPipelineSize+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(data) > maxPipelineSize {
		writeError(w, http.StatusRequestEntityTooLarge, errors.New("pipeline too large"))
		return
	}
	p, err := loader.ParsePipeline(data)
	if err != nil {
		status := statusOf(err)
		if status == http.StatusInternalServerError {
			status = http.StatusBadRequest
		}
		writeError(w, status, err)
		return
	}

	runs, wait, err := s.runner(id).StartAll(s.ctx, p.Steps...)
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}

	now := time.Now()
	tracked := make([]*trackedRun, len(runs))
	views := make([]RunView, len(runs))
	for i, run := range runs {
		tracked[i] = &trackedRun{run: run, step: p.Steps[i], started: now}
		views[i] = tracked[i].view()
	}
	s.mu.Lock()
	s.runs[id] = append(s.runs[id], tracked...)
	s.mu.Unlock()

	logger := s.logger.With("session", id, "pipeline", p.Name)
	logger.Info("pipeline started", "runs", len(runs))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := wait(); err != nil {
			logger.Warn("pipeline failed", "error", err)
			return
		}
		logger.Info("pipeline finished")
	}()

	writeJSON(w, http.StatusCreated, map[string]any{"runs": views})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.mu.Lock()
	tracked := s.runs[id]
	s.mu.Unlock()
	views := make([]RunView, 0, len(tracked))
	for _, tr := range tracked {
		views = append(views, tr.view())
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": views})
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id, runID := r.PathValue("id"), r.PathValue("run")
	s.mu.Lock()
	var found *trackedRun
	for _, tr := range s.runs[id] {
		if tr.run.ID == runID {
			found = tr
			break
		}
	}
	s.mu.Unlock()
	if found == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("run %s not found in session %s", runID, id))
		return
	}
	found.run.Cancel()
	writeJSON(w, http.StatusAccepted, found.view())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
