package workertransport

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/smallnest/taskgraph/errkind"
	"github.com/smallnest/taskgraph/jobqueue"
	"github.com/smallnest/taskgraph/log"
)

// progressUpdaterCtx is satisfied by jobqueue/durable.Engine's
// UpdateProgress. Optional: a queue that doesn't implement it simply
// can't have its persisted progress updated from a remote worker, and
// the server logs instead of failing the request.
type progressUpdaterCtx interface {
	UpdateProgress(ctx context.Context, id string, percent int, message string)
}

// progressUpdater is satisfied by jobqueue/memqueue.Queue's
// UpdateProgress.
type progressUpdater interface {
	UpdateProgress(id string, percent int, message string)
}

// WorkerServer fronts a jobqueue.JobQueue with an HTTP surface so a
// worker process with no access to the queue's backing storage can
// still lease, execute, and report back against it.
type WorkerServer struct {
	queue  jobqueue.JobQueue
	logger log.Logger
	hub    *chunkHub
}

// NewWorkerServer builds a WorkerServer fronting queue. queue must
// already be started (Start called) if it also serves in-process
// callers; WorkerServer never calls Start/Stop itself.
func NewWorkerServer(queue jobqueue.JobQueue, logger log.Logger) *WorkerServer {
	if logger == nil {
		logger = &log.NoOpLogger{}
	}
	return &WorkerServer{queue: queue, logger: log.Named(logger, "workertransport"), hub: newChunkHub()}
}

// Subscribe registers an in-process listener for chunks a remote worker
// reports against jobID, for a caller that wants to bridge them onward
// (e.g. into a task.Context emission).
func (s *WorkerServer) Subscribe(jobID string, l ChunkListener) (unsubscribe func()) {
	return s.hub.Subscribe(jobID, l)
}

// Handler builds the http.Handler exposing this server's routes.
func (s *WorkerServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /jobs", s.handleAdd)
	mux.HandleFunc("POST /lease", s.handleLease)
	mux.HandleFunc("POST /jobs/{id}/complete", s.handleComplete)
	mux.HandleFunc("POST /jobs/{id}/fail", s.handleFail)
	mux.HandleFunc("POST /jobs/{id}/abort", s.handleAbort)
	mux.HandleFunc("GET /jobs/{id}/progress", s.handleGetProgress)
	mux.HandleFunc("POST /jobs/{id}/progress", s.handlePostProgress)
	mux.HandleFunc("POST /jobs/{id}/chunk", s.handleChunk)
	mux.HandleFunc("GET /jobs/{id}/wait", s.handleWait)
	mux.HandleFunc("GET /size", s.handleSize)
	mux.HandleFunc("POST /clear", s.handleClear)
	return mux
}

func (s *WorkerServer) handleAdd(w http.ResponseWriter, r *http.Request) {
	var job jobqueue.Job
	if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.queue.Add(r.Context(), &job); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, &job)
}

func (s *WorkerServer) handleLease(w http.ResponseWriter, r *http.Request) {
	job, err := s.queue.Next(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if job == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type completeRequest struct {
	Output any `json:"output"`
}

func (s *WorkerServer) handleComplete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.queue.Complete(r.Context(), id, req.Output); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.hub.forget(id)
	w.WriteHeader(http.StatusNoContent)
}

// failRequest is the wire shape of a remote worker's failure report. Kind
// names the errkind taxonomy member to reconstruct server-side, since the
// concrete Go error type can't cross the process boundary.
type failRequest struct {
	Kind      errkind.Kind `json:"kind"`
	Message   string       `json:"message"`
	RetryDate *time.Time   `json:"retryDate,omitempty"`
}

func (s *WorkerServer) handleFail(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req failRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.queue.Fail(r.Context(), id, reconstructError(req)); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.hub.forget(id)
	w.WriteHeader(http.StatusNoContent)
}

// reconstructError rebuilds a Go error from the taxonomy kind a remote
// worker reported, so the queue's own Classify/IsRetryable logic still
// sees the right type via errors.As. Only the kinds a remote runFn can
// plausibly raise are handled; anything else degrades to permanent.
func reconstructError(req failRequest) error {
	switch req.Kind {
	case errkind.KindValidation:
		return &errkind.ValidationError{Message: req.Message}
	case errkind.KindRetryable:
		return &errkind.RetryableJobError{Cause: errString(req.Message), RetryDate: req.RetryDate}
	case errkind.KindRateLimit:
		return errkind.NewRateLimitError(errString(req.Message), req.RetryDate)
	case errkind.KindTimeout:
		return &errkind.TimeoutError{RetryableJobError: errkind.RetryableJobError{Cause: errString(req.Message), RetryDate: req.RetryDate}}
	case errkind.KindAborted:
		return &errkind.AbortError{Reason: req.Message}
	default:
		return &errkind.PermanentJobError{Cause: errString(req.Message)}
	}
}

type errString string

func (e errString) Error() string { return string(e) }

func (s *WorkerServer) handleAbort(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.queue.Abort(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.hub.forget(id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *WorkerServer) handleGetProgress(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	p, err := s.queue.GetProgress(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type progressRequest struct {
	Percent int    `json:"percent"`
	Message string `json:"message"`
}

func (s *WorkerServer) handlePostProgress(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req progressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	switch q := s.queue.(type) {
	case progressUpdaterCtx:
		q.UpdateProgress(r.Context(), id, req.Percent, req.Message)
	case progressUpdater:
		q.UpdateProgress(id, req.Percent, req.Message)
	default:
		s.logger.Warn("queue %T has no UpdateProgress, progress for job %s not persisted", s.queue, id)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *WorkerServer) handleChunk(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var msg ChunkMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.hub.publish(id, msg)
	w.WriteHeader(http.StatusNoContent)
}

func (s *WorkerServer) handleWait(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	job, err := s.queue.WaitFor(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *WorkerServer) handleSize(w http.ResponseWriter, r *http.Request) {
	n, err := s.queue.Size(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"size": n})
}

func (s *WorkerServer) handleClear(w http.ResponseWriter, r *http.Request) {
	if err := s.queue.Clear(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
