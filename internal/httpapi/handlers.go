package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/gorax/flow/internal/catalog"
	"github.com/gorax/flow/internal/eventlog"
	"github.com/gorax/flow/internal/queue"
	"github.com/gorax/flow/internal/retry"
)

// handleAppendEvent implements POST /events: append via the Event Log and
// return the stored (possibly deduplicated) event.
func (s *Server) handleAppendEvent(w http.ResponseWriter, r *http.Request) {
	var event eventlog.Event
	if err := decodeJSON(r, &event); err != nil {
		writeError(w, http.StatusBadRequest, "invalid event body")
		return
	}

	ctx := eventlog.WithTraceID(r.Context(), middleware.GetReqID(r.Context()))
	stored, err := s.log.Append(ctx, event)
	if err != nil {
		s.logger.Error("httpapi: append event failed", "execution_id", event.ExecutionID, "error", err)
		writeError(w, http.StatusInternalServerError, "append event failed")
		return
	}
	if stored.HasFailed() && s.errors != nil {
		s.errors.CaptureError(r.Context(), errors.New(stored.Error))
	}
	writeJSON(w, http.StatusOK, stored)
}

type leaseRequest struct {
	WorkerID     string `json:"worker_id" validate:"required"`
	LeaseSeconds int    `json:"lease_seconds" validate:"gte=1"`
}

// handleQueueLease implements POST /queue/lease.
func (s *Server) handleQueueLease(w http.ResponseWriter, r *http.Request) {
	var req leaseRequest
	if err := s.decodeValid(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid lease request")
		return
	}

	job, ok, err := s.queue.Lease(r.Context(), req.WorkerID, req.LeaseSeconds)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lease failed")
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if s.metrics != nil {
		s.metrics.ObserveQueueLeaseWait(time.Since(job.AvailableAt).Seconds())
	}
	writeJSON(w, http.StatusOK, job)
}

type workerIDRequest struct {
	WorkerID string `json:"worker_id" validate:"required"`
}

// handleQueueComplete implements POST /queue/{id}/complete.
func (s *Server) handleQueueComplete(w http.ResponseWriter, r *http.Request) {
	id, ok := parseJobID(w, r)
	if !ok {
		return
	}
	var req workerIDRequest
	if err := s.decodeValid(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	if err := s.queue.Ack(r.Context(), id, req.WorkerID); err != nil {
		writeQueueError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type failRequest struct {
	WorkerID          string   `json:"worker_id" validate:"required"`
	RetryDelaySeconds *float64 `json:"retry_delay_seconds,omitempty"`
	Retry             *bool    `json:"retry,omitempty"`
}

// handleQueueFail implements POST /queue/{id}/fail. The retry decision is
// made here, server-side; the worker's retry_delay_seconds/retry fields
// are optional overrides, not the primary decision path.
func (s *Server) handleQueueFail(w http.ResponseWriter, r *http.Request) {
	id, ok := parseJobID(w, r)
	if !ok {
		return
	}
	var req failRequest
	if err := s.decodeValid(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	job, err := s.queue.Get(r.Context(), id)
	if err != nil {
		writeQueueError(w, err)
		return
	}

	action := job.Action.AsMap()
	stepName, _ := action["step_name"].(string)

	decision := s.resolveFailureDecision(r.Context(), job, action, req)

	if decision.Retry {
		if _, err := s.log.Append(r.Context(), eventlog.Event{
			ExecutionID: job.ExecutionID,
			EventType:   eventlog.EventStepRetry,
			NodeID:      job.NodeID,
			NodeName:    stepName,
			NodeType:    eventlog.NodeTask,
			Status:      eventlog.StatusPending,
			Context: eventlog.JSON{Raw: map[string]any{
				"attempt":       job.Attempts,
				"max_attempts":  job.MaxAttempts,
				"delay_seconds": decision.DelaySeconds,
				"next_time":     time.Now().Add(time.Duration(decision.DelaySeconds * float64(time.Second))).UTC().Format(time.RFC3339Nano),
			}},
		}); err != nil {
			s.logger.Warn("httpapi: emit step_retry failed", "job_id", id, "error", err)
		}
		if s.metrics != nil {
			s.metrics.RecordRetryDecision("retry")
		}
		delay := time.Duration(decision.DelaySeconds * float64(time.Second))
		if _, err := s.queue.Nack(r.Context(), id, req.WorkerID, delay); err != nil {
			writeQueueError(w, err)
			return
		}
	} else {
		if _, err := s.log.Append(r.Context(), eventlog.Event{
			ExecutionID: job.ExecutionID,
			EventType:   eventlog.EventStepRetryExhausted,
			NodeID:      job.NodeID,
			NodeName:    stepName,
			NodeType:    eventlog.NodeTask,
			Status:      eventlog.StatusFailed,
			Error:       "retries exhausted",
		}); err != nil {
			s.logger.Warn("httpapi: emit step_retry_exhausted failed", "job_id", id, "error", err)
		}
		if _, err := s.log.Append(r.Context(), eventlog.Event{
			ExecutionID: job.ExecutionID,
			EventType:   eventlog.EventStepFailedTerminal,
			NodeID:      job.NodeID,
			NodeName:    stepName,
			NodeType:    eventlog.NodeTask,
			Status:      eventlog.StatusFailed,
			Error:       "retries exhausted",
		}); err != nil {
			s.logger.Warn("httpapi: emit step_failed_terminal failed", "job_id", id, "error", err)
		}
		if s.metrics != nil {
			s.metrics.RecordRetryDecision("exhausted")
		}
		if _, err := s.queue.MarkDead(r.Context(), id, req.WorkerID); err != nil {
			writeQueueError(w, err)
			return
		}
	}

	w.WriteHeader(http.StatusNoContent)
}

// resolveFailureDecision honors a full worker-supplied override when both
// fields are present; otherwise it recovers the triggering action_error
// event and evaluates the step's own retry policy.
func (s *Server) resolveFailureDecision(ctx context.Context, job queue.Job, action map[string]any, req failRequest) retry.Decision {
	if req.Retry != nil {
		delay := 0.0
		if req.RetryDelaySeconds != nil {
			delay = *req.RetryDelaySeconds
		}
		return retry.Decision{Retry: *req.Retry, DelaySeconds: delay}
	}

	failureEvent, found, err := s.log.LatestByType(ctx, job.ExecutionID, eventlog.EventActionError, job.NodeID)
	fe := retry.FailureEvent{
		EventType:   eventlog.EventActionError,
		ExecutionID: job.ExecutionID,
		NodeID:      job.NodeID,
	}
	if err == nil && found {
		fe.EventType = failureEvent.EventType
		fe.Status = string(failureEvent.Status)
		fe.Result = failureEvent.Result.AsMap()
		fe.Error = failureEvent.Error
	}

	cfg := retry.FromAction(action["retry"])
	decision := s.retryCtl.Evaluate(cfg, job.Attempts, fe)
	if req.RetryDelaySeconds != nil {
		decision.DelaySeconds = *req.RetryDelaySeconds
	}
	return decision
}

type heartbeatRequest struct {
	WorkerID      string `json:"worker_id" validate:"required"`
	ExtendSeconds int    `json:"extend_seconds,omitempty" validate:"gte=0"`
}

// handleQueueHeartbeat implements POST /queue/{id}/heartbeat.
func (s *Server) handleQueueHeartbeat(w http.ResponseWriter, r *http.Request) {
	id, ok := parseJobID(w, r)
	if !ok {
		return
	}
	var req heartbeatRequest
	if err := s.decodeValid(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	if err := s.queue.Heartbeat(r.Context(), id, req.WorkerID, req.ExtendSeconds); err != nil {
		writeQueueError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleQueueReapExpired implements POST /queue/reap-expired.
func (s *Server) handleQueueReapExpired(w http.ResponseWriter, r *http.Request) {
	n, err := s.queue.ReapExpired(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "reap failed")
		return
	}
	if s.metrics != nil {
		s.metrics.RecordQueueReaped(n)
	}
	writeJSON(w, http.StatusOK, map[string]int{"reaped": n})
}

// handleQueueSize implements GET /queue/size.
func (s *Server) handleQueueSize(w http.ResponseWriter, r *http.Request) {
	sizes, err := s.queue.SizeByStatus(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "queue size failed")
		return
	}
	writeJSON(w, http.StatusOK, sizes)
}

// handlePoolStatus implements GET /pool/status, the adaptive gate probe's
// target.
func (s *Server) handlePoolStatus(w http.ResponseWriter, r *http.Request) {
	utilization, slotsAvailable, poolMax := s.admission.status(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"utilization":      utilization,
		"slots_available":  slotsAvailable,
		"requests_waiting": 0,
		"pool_max":         poolMax,
	})
}

type catalogResourceRequest struct {
	Path    string `json:"path" validate:"required"`
	Version string `json:"version"`
}

// handleCatalogResource implements POST /catalog/resource.
func (s *Server) handleCatalogResource(w http.ResponseWriter, r *http.Request) {
	var req catalogResourceRequest
	if err := s.decodeValid(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	entry, err := s.catalog.FetchEntry(r.Context(), req.Path, req.Version)
	if errors.Is(err, catalog.ErrNotFound) {
		writeError(w, http.StatusNotFound, "resource not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "catalog lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"path":    entry.Path,
		"version": entry.Version,
		"content": entry.Content,
	})
}

func parseJobID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return 0, false
	}
	return id, true
}

func writeQueueError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, queue.ErrNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, queue.ErrWorkerMismatch):
		writeError(w, http.StatusConflict, "worker id does not match lease holder")
	default:
		writeError(w, http.StatusInternalServerError, "queue operation failed")
	}
}
