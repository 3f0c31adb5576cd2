package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-mirror/internal/auth"
	"github.com/nerrad567/gray-logic-mirror/internal/entity"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.instrumentMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	// Prometheus scrape endpoint, outside the versioned API.
	r.Handle("/metrics", s.prometheusHandler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/metrics", s.handleMetrics)

		// WebSocket authenticates itself: ticket query parameter or bearer header.
		r.Get("/ws", s.handleWebSocket)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Post("/auth/ws-ticket", s.handleWSTicket)

			r.Route("/entities", func(r chi.Router) {
				r.With(s.requirePermission(auth.PermEntityRead)).Get("/", s.handleListEntities)
				r.With(s.requirePermission(auth.PermEntityRead)).Get("/{id}", s.handleGetEntity)
				r.With(s.requirePermission(auth.PermEntityOperate)).Post("/{id}/commands", s.handleDispatch)
			})

			r.Route("/rooms", func(r chi.Router) {
				r.Use(s.requirePermission(auth.PermEntityRead))
				r.Get("/", s.handleListRooms)
				r.Get("/{room}", s.handleGetRoom)
			})

			r.With(s.requirePermission(auth.PermJournalRead)).Get("/commands", s.handleListCommands)
		})
	})

	return r
}

// handleHealth reports the server version and the remote connection state.
// It answers 200 while the mirror is reconnecting; status is "degraded"
// until the connection is ready.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	cs := s.engine.ConnectionState()
	status := "ok"
	if cs.Status != entity.StatusConnected {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     status,
		"version":    s.version,
		"connection": cs,
	})
}
