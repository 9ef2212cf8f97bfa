package http

import (
	"net/http"

	"github.com/pilotcrew/agentpilot/internal/domain/interrupt"
	"github.com/pilotcrew/agentpilot/internal/domain/task"
	"github.com/pilotcrew/agentpilot/internal/service"
)

// Handlers bundles the services the HTTP layer dispatches to.
type Handlers struct {
	tasks      *service.TaskService
	interrupts *service.InterruptService
	progress   *service.ProgressService
	health     func() map[string]any
}

// NewHandlers creates the handler set. The health probe reports dependency
// connectivity and may be nil.
func NewHandlers(tasks *service.TaskService, interrupts *service.InterruptService, progress *service.ProgressService, health func() map[string]any) *Handlers {
	return &Handlers{tasks: tasks, interrupts: interrupts, progress: progress, health: health}
}

// SubmitTask handles POST /api/v1/tasks.
func (h *Handlers) SubmitTask(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[task.SubmitRequest](w, r)
	if !ok {
		return
	}

	sub, err := h.tasks.Submit(r.Context(), req)
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusAccepted, sub)
}

// GetTask handles GET /api/v1/tasks/{id}.
func (h *Handlers) GetTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.tasks.Get(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// ListTasks handles GET /api/v1/tasks.
func (h *Handlers) ListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.tasks.List(r.Context())
	if err != nil {
		writeDomainError(w, err, "tasks unavailable")
		return
	}
	if tasks == nil {
		tasks = []task.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

// CancelTask handles POST /api/v1/tasks/{id}/cancel.
func (h *Handlers) CancelTask(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	if err := h.tasks.Cancel(r.Context(), id); err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id, "status": "cancel_requested"})
}

// ListTaskEvents handles GET /api/v1/tasks/{id}/events. The response is the
// full trajectory: the ordered events plus per-type counts and the last
// sequence number, so a client can resume a live stream from the watermark.
func (h *Handlers) ListTaskEvents(w http.ResponseWriter, r *http.Request) {
	tr, err := h.progress.LoadTrajectory(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, tr)
}

type resolveRequest struct {
	Decision   interrupt.Decision `json:"decision"`
	EditedArgs map[string]any     `json:"edited_args,omitempty"`
}

type resolveResponse struct {
	Resolved   bool                 `json:"resolved"`
	Resolution interrupt.Resolution `json:"resolution"`
}

// ResolveInterrupt handles POST /api/v1/interrupts/{id}/resolve. A lost
// resolution race is not an error: the response reports resolved=false and
// the committed resolution.
func (h *Handlers) ResolveInterrupt(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[resolveRequest](w, r)
	if !ok {
		return
	}

	committed, won, err := h.interrupts.Resolve(r.Context(), urlParam(r, "id"), req.Decision, req.EditedArgs)
	if err != nil {
		writeDomainError(w, err, "interrupt not found")
		return
	}
	writeJSON(w, http.StatusOK, resolveResponse{Resolved: won, Resolution: committed.Resolution})
}

// ListInterrupts handles GET /api/v1/interrupts?task_id=.
func (h *Handlers) ListInterrupts(w http.ResponseWriter, r *http.Request) {
	taskID := r.URL.Query().Get("task_id")
	if taskID == "" {
		writeError(w, http.StatusBadRequest, "task_id query parameter is required")
		return
	}

	pending, err := h.interrupts.ListPending(r.Context(), taskID)
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	if pending == nil {
		pending = []interrupt.Request{}
	}
	writeJSON(w, http.StatusOK, pending)
}

// Health handles GET /health.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	status := map[string]any{"status": "ok"}
	if h.health != nil {
		for k, v := range h.health() {
			status[k] = v
		}
	}
	writeJSON(w, http.StatusOK, status)
}
