// Package gateway is the local HTTP surface the CRM frontend talks to. It is
// a thin translation layer: every route delegates to the realtime client or
// the notification dispatcher and returns JSON snapshots.
package gateway

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/rentchat/internal/client"
	"github.com/rentchat/internal/notify"
)

type Gateway struct {
	client  *client.Client
	push    *notify.WebPushNotifier
	origins string
}

func New(c *client.Client, push *notify.WebPushNotifier, corsOrigins string) *Gateway {
	return &Gateway{client: c, push: push, origins: strings.TrimSpace(corsOrigins)}
}

func (g *Gateway) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)

	origins := []string{"*"}
	if g.origins != "" && g.origins != "*" {
		origins = strings.Split(g.origins, ",")
		for i := range origins {
			origins[i] = strings.TrimSpace(origins[i])
		}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/state", g.handleState)

		r.Route("/conversations", func(r chi.Router) {
			r.Get("/", g.handleConversations)
			r.Post("/refresh", g.handleRefresh)
			r.Route("/{conversationID}", func(r chi.Router) {
				r.Post("/select", g.handleSelect)
				r.Get("/messages", g.handleMessages)
				r.Post("/messages", g.handleSend)
				r.Post("/files", g.handleSendFiles)
				r.Get("/typing", g.handleTypingIndicator)
				r.Post("/typing", g.handleTypingStart)
				r.Delete("/typing", g.handleTypingBlur)
				r.Route("/messages/{messageID}", func(r chi.Router) {
					r.Put("/", g.handleEdit)
					r.Delete("/", g.handleDelete)
					r.Post("/resend", g.handleResend)
					r.Get("/reactions", g.handleReactions)
					r.Post("/reactions", g.handleToggleReaction)
				})
			})
		})

		r.Route("/settings", func(r chi.Router) {
			r.Get("/", g.handleGetSettings)
			r.Patch("/", g.handleUpdateSettings)
			r.Post("/reset", g.handleResetSettings)
		})

		r.Route("/notifications", func(r chi.Router) {
			r.Get("/", g.handleNotifications)
			r.Post("/read-all", g.handleReadAll)
			r.Post("/{notificationID}/read", g.handleReadOne)
		})

		r.Route("/push", func(r chi.Router) {
			r.Get("/key", g.handlePushKey)
			r.Post("/permission", g.handlePushPermission)
			r.Post("/subscribe", g.handleSubscribe)
			r.Delete("/subscribe", g.handleUnsubscribe)
		})
	})

	return r
}
