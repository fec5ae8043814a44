// Package agent exposes the pipeline runner over HTTP so pipelines can be
// submitted to a host that has the toolchain installed.
package agent

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"morpheus/internal/core"
	"morpheus/internal/pipeline"
)

// maxRequestBytes bounds a submitted pipeline definition, input included.
const maxRequestBytes = 64 << 20

// StageResult is the JSON form of pipeline.StageStatus.
type StageResult struct {
	Index    int    `json:"index"`
	Path     string `json:"path"`
	ExitCode int    `json:"exitCode"`
	Signal   string `json:"signal,omitempty"`
	Stderr   []byte `json:"stderr,omitempty"`
}

// RunResponse is returned by POST /run. Byte fields are base64 in JSON.
type RunResponse struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Success  bool          `json:"success"`
	ExitCode int           `json:"exitCode"`
	Stdout   []byte        `json:"stdout"`
	Stderr   []byte        `json:"stderr"`
	Stages   []StageResult `json:"stages"`
	Error    string        `json:"error,omitempty"`
}

type Server struct {
	runner  *core.Runner
	metrics *Metrics
	logger  *slog.Logger
}

func NewServer(runner *core.Runner, metrics *Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Server{runner: runner, metrics: metrics, logger: logger}
}

// Routes returns the agent's HTTP handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	r.Post("/run", s.handleRun)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}
	return r
}

// POST /run -> run a pipeline definition and return its result
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var def core.Pipeline
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&def); err != nil {
		http.Error(w, "invalid pipeline: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := def.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	policy, _ := def.ExitPolicy()

	id := uuid.NewString()
	s.logger.Info("pipeline submitted", "id", id, "name", def.Name, "stages", len(def.Stages),
		"request_id", middleware.GetReqID(r.Context()))

	if s.metrics != nil {
		s.metrics.ActiveRuns.Inc()
		defer s.metrics.ActiveRuns.Dec()
	}
	start := time.Now()
	res, err := s.runner.RunPipeline(r.Context(), &def)
	if s.metrics != nil {
		s.metrics.RunDuration.Observe(time.Since(start).Seconds())
	}

	resp := RunResponse{ID: id, Name: def.Name}
	if res != nil {
		resp.ExitCode = res.ExitCode
		resp.Stdout = res.Stdout
		resp.Stderr = res.Stderr
		for _, st := range res.Stages {
			sr := StageResult{Index: st.Index, Path: st.Path, ExitCode: st.ExitCode, Stderr: st.Stderr}
			if st.Signal != 0 {
				sr.Signal = st.Signal.String()
			}
			resp.Stages = append(resp.Stages, sr)
		}
	}
	status := http.StatusOK
	switch {
	case err != nil:
		resp.Error = err.Error()
		status = errorStatus(err)
	default:
		if cerr := res.Check(policy); cerr != nil {
			resp.Error = cerr.Error()
		} else {
			resp.Success = true
		}
	}

	if s.metrics != nil {
		s.metrics.Runs.WithLabelValues(outcome(resp, err)).Inc()
	}
	s.logger.Info("pipeline finished", "id", id, "success", resp.Success, "exit_code", resp.ExitCode)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// errorStatus maps run errors to HTTP statuses. A stage that cannot be
// launched is the submitter's mistake; anything else is ours.
func errorStatus(err error) int {
	var launchErr *pipeline.LaunchError
	if errors.As(err, &launchErr) {
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func outcome(resp RunResponse, err error) string {
	var launchErr *pipeline.LaunchError
	switch {
	case errors.As(err, &launchErr):
		return "launch_error"
	case err != nil:
		return "error"
	case resp.Success:
		return "success"
	default:
		return "failed"
	}
}
