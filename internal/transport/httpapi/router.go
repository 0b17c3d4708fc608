package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/bizlink/messaging/internal/observability"
)

// NewRouter wires the messaging API routes. The websocket handler is passed
// in separately so the transport layer stays free of delivery internals.
func NewRouter(serviceName string, h *Handler, ws http.Handler) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(observability.MetricsMiddleware(serviceName))

	r.Route("/v1", func(r chi.Router) {
		r.Route("/conversations", func(r chi.Router) {
			r.Post("/", h.CreateConversation)
			r.Get("/", h.ListConversations)

			r.Route("/{conversationID}", func(r chi.Router) {
				r.Get("/", h.GetConversation)
				r.Delete("/", h.DeleteConversation)

				r.Post("/messages", h.AppendMessage)
				r.Get("/messages", h.ListMessages)
				r.Get("/messages/sync", h.SyncMessages)
				r.Patch("/messages/{messageID}", h.EditMessage)
				r.Delete("/messages/{messageID}", h.DeleteMessage)
				r.Post("/messages/{messageID}/read", h.MarkMessageRead)

				r.Post("/read", h.MarkConversationRead)
				r.Post("/archive", h.SetArchived)
				r.Post("/status", h.SetStatus)

				r.Post("/participants", h.AddParticipant)
				r.Delete("/participants", h.RemoveParticipant)

				r.Get("/unread", h.UnreadCount)
			})
		})

		r.Get("/unread/total", h.UnreadTotal)
	})

	if ws != nil {
		r.Handle("/ws", ws)
	}

	return r
}
