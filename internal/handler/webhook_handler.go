// internal/handler/webhook_handler.go
package handler

import (
	"context"
	"io"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/unclebandit/smsleopard-crm/internal/channel"
	"github.com/unclebandit/smsleopard-crm/internal/clock"
	appErrors "github.com/unclebandit/smsleopard-crm/internal/errors"
	"github.com/unclebandit/smsleopard-crm/internal/model"
)

// maxWebhookBody bounds what a provider may post in one request.
const maxWebhookBody = 1 << 20

// BatchHandler applies a parsed webhook. *service.InboxService satisfies it.
type BatchHandler interface {
	HandleBatch(ctx context.Context, b channel.Batch) error
}

// WebhookHandler holds the dependencies for inbound provider webhooks
type WebhookHandler struct {
	Inbox       BatchHandler
	Secret      string
	VerifyToken string
	Clock       clock.Clock
}

// Routes mounts GET (challenge) and POST (events) under /webhooks/{channel}.
func (h *WebhookHandler) Routes(r chi.Router) {
	r.Get("/webhooks/{channel}", h.VerifyHandler)
	r.Post("/webhooks/{channel}", h.ReceiveHandler)
}

func webhookChannel(r *http.Request) (model.Channel, bool) {
	ch := model.Channel(chi.URLParam(r, "channel"))
	return ch, ch.Valid()
}

// VerifyHandler answers the provider's subscription handshake by echoing
// the challenge.
func (h *WebhookHandler) VerifyHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := webhookChannel(r); !ok {
		http.Error(w, "unknown channel", http.StatusNotFound)
		return
	}
	q := r.URL.Query()
	challenge := q.Get("challenge")
	if challenge == "" {
		challenge = q.Get("hub.challenge")
	}
	if challenge == "" {
		http.Error(w, "missing challenge", http.StatusBadRequest)
		return
	}
	if h.VerifyToken != "" {
		token := q.Get("verify_token")
		if token == "" {
			token = q.Get("hub.verify_token")
		}
		if token != h.VerifyToken {
			log.Printf("⚠️ webhook challenge with bad verify token from %s", r.RemoteAddr)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, challenge)
}

// ReceiveHandler authenticates and applies one webhook delivery. Bodies
// that do not parse are acknowledged so the provider does not retry them;
// only transient failures answer 500.
func (h *WebhookHandler) ReceiveHandler(w http.ResponseWriter, r *http.Request) {
	ch, ok := webhookChannel(r)
	if !ok {
		http.Error(w, "unknown channel", http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	if h.Secret != "" && !channel.VerifySignature(h.Secret, body, r.Header.Get(channel.SignatureHeader)) {
		log.Printf("⚠️ %s webhook with bad signature from %s", ch, r.RemoteAddr)
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}

	now := clock.Real().Now()
	if h.Clock != nil {
		now = h.Clock.Now()
	}
	batch, err := channel.ParseWebhook(ch, body, now)
	if err != nil {
		log.Printf("⚠️ %s webhook body ignored: %v", ch, err)
		w.WriteHeader(http.StatusOK)
		return
	}
	if len(batch.Messages) == 0 && len(batch.Statuses) == 0 {
		w.WriteHeader(http.StatusOK)
		return
	}

	log.Printf("📩 %s webhook: %d messages, %d statuses", ch, len(batch.Messages), len(batch.Statuses))
	if err := h.Inbox.HandleBatch(r.Context(), batch); err != nil && appErrors.IsTransient(err) {
		log.Printf("❌ %s webhook failed, provider will retry: %v", ch, err)
		http.Error(w, "temporarily unavailable", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}
