package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pilotcrew/agentpilot/internal/adapter/ws"
)

// MountRoutes registers all API routes on the given chi router.
func MountRoutes(r chi.Router, h *Handlers, hub *ws.Hub) {
	r.Get("/health", h.Health)
	r.Get("/ws", hub.HandleWS)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"version":"0.1.0"}`))
		})

		// Tasks
		r.Post("/tasks", h.SubmitTask)
		r.Get("/tasks", h.ListTasks)
		r.Get("/tasks/{id}", h.GetTask)
		r.Post("/tasks/{id}/cancel", h.CancelTask)
		r.Get("/tasks/{id}/events", h.ListTaskEvents)

		// Interrupts (HITL approvals)
		r.Get("/interrupts", h.ListInterrupts)
		r.Post("/interrupts/{id}/resolve", h.ResolveInterrupt)
	})
}
