package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/data-collector/internal/collector"
	"github.com/JakeFAU/data-collector/internal/crawl"
	"github.com/JakeFAU/data-collector/internal/recovery"
	"github.com/JakeFAU/data-collector/internal/sequence"
)

type taskRequest struct {
	ID            string   `json:"id"`
	URLs          []string `json:"urls"`
	TargetStream  string   `json:"target_stream"`
	RespectRobots bool     `json:"respect_robots"`
}

type integrityStatus struct {
	Stream  string         `json:"stream"`
	Running bool           `json:"running"`
	Span    *sequence.Span `json:"span,omitempty"`
}

// submitTask handles PUT /v1/tasks: 201 with the job, 400 for an invalid
// specification, 409 while the same specification id is running.
func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	job, err := s.deps.Crawls.Submit(r.Context(), collector.Specification{
		ID:            strings.TrimSpace(req.ID),
		URLs:          req.URLs,
		TargetStream:  strings.TrimSpace(req.TargetStream),
		RespectRobots: req.RespectRobots,
	})
	if err != nil {
		s.submitFailed(w, "submit task", err)
		return
	}
	writeJSON(w, http.StatusCreated, job.Info())
}

func (s *Server) listTasks(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"jobs": s.deps.Registry.Jobs(collector.JobKindCrawl)})
}

// startScan handles PUT /v1/integrity/{stream}: 202 with the job or 409.
func (s *Server) startScan(w http.ResponseWriter, r *http.Request) {
	stream, err := pathParam(r, "stream")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	job, err := s.deps.Integrity.Run(r.Context(), stream)
	if err != nil {
		s.submitFailed(w, "start scan", err)
		return
	}
	writeJSON(w, http.StatusAccepted, job.Info())
}

// scanStatus handles GET /v1/integrity/{stream}. The span is omitted while a
// scan runs and when the stream has no committed index.
func (s *Server) scanStatus(w http.ResponseWriter, r *http.Request) {
	stream, err := pathParam(r, "stream")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out := integrityStatus{Stream: stream, Running: s.deps.Integrity.IsRunning(stream)}
	if out.Running {
		// The running scan holds the index file lock.
		writeJSON(w, http.StatusOK, out)
		return
	}
	span, err := s.deps.Integrity.Span(stream)
	switch {
	case err == nil:
		out.Span = &span
	case errors.Is(err, sequence.ErrIndexNotFound), errors.Is(err, sequence.ErrIndexEmpty):
	default:
		s.logger.Error("read index span failed", zap.String("stream", stream), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read index")
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// startRecovery handles PUT /v1/recovery/{source}/{target}: 202 with the
// job, 412 when the source has no index, 409 when either stream is busy.
func (s *Server) startRecovery(w http.ResponseWriter, r *http.Request) {
	source, err := pathParam(r, "source")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	target, err := pathParam(r, "target")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if source == target {
		writeError(w, http.StatusBadRequest, "source and target must differ")
		return
	}
	job, err := s.deps.Recoveries.Submit(r.Context(), source, target)
	if err != nil {
		s.submitFailed(w, "start recovery", err)
		return
	}
	writeJSON(w, http.StatusAccepted, job.Info())
}

func (s *Server) listRecoveries(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"jobs": s.deps.Registry.Jobs(collector.JobKindRecovery)})
}

// listJobs handles GET /v1/jobs?kind=.
func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	kind := collector.JobKind(strings.TrimSpace(r.URL.Query().Get("kind")))
	switch kind {
	case "", collector.JobKindCrawl, collector.JobKindIntegrity, collector.JobKindRecovery:
	default:
		writeError(w, http.StatusBadRequest, "invalid kind")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": s.deps.Registry.Jobs(kind)})
}

// getKind returns a handler for GET .../{worker_id}; a non-empty kind hides
// jobs of other kinds.
func (s *Server) getKind(kind collector.JobKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := parseWorkerID(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		job, ok := s.deps.Registry.Job(id)
		if !ok || (kind != "" && job.Kind() != kind) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeJSON(w, http.StatusOK, job.Info())
	}
}

// cancelKind returns a handler that signals a job to stop and answers with
// its current state. Completion is observed by polling.
func (s *Server) cancelKind(kind collector.JobKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := parseWorkerID(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		job, ok := s.deps.Registry.Job(id)
		if !ok || (kind != "" && job.Kind() != kind) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.deps.Registry.Cancel(id)
		writeJSON(w, http.StatusOK, job.Info())
	}
}

// removeJob handles DELETE /v1/jobs/{worker_id}.
func (s *Server) removeJob(w http.ResponseWriter, r *http.Request) {
	id, err := parseWorkerID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.deps.Registry.Remove(id); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) submitFailed(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, crawl.ErrInvalidSpecification):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, recovery.ErrRecoveryPrecondition):
		writeError(w, http.StatusPreconditionFailed, err.Error())
	default:
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			s.logger.Error(op+" failed", zap.Error(err))
		}
		writeError(w, status, err.Error())
	}
}
