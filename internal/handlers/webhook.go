package handlers

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"wasync/internal/gateway"
	"wasync/internal/ingest"
)

// maxWebhookBody bounds a delivery; inline media arrives base64 encoded.
const maxWebhookBody = 32 << 20

// Applier persists one parsed webhook delivery.
type Applier interface {
	Apply(ctx context.Context, env *gateway.Envelope) (ingest.Result, error)
}

// WebhookHandler receives gateway events. A delivery is acknowledged only
// after it was stored, so the gateway redelivers whatever failed.
type WebhookHandler struct {
	ingestor Applier
	token    string
	timeout  time.Duration
}

type webhookResponse struct {
	Event     string `json:"event"`
	Ignored   bool   `json:"ignored,omitempty"`
	Created   int    `json:"created"`
	Updated   int    `json:"updated"`
	Unchanged int    `json:"unchanged"`
	Dropped   int    `json:"dropped"`
}

// NewWebhookHandler creates the handler. An empty token disables the token
// check.
func NewWebhookHandler(ingestor Applier, token string, timeout time.Duration) *WebhookHandler {
	if ingestor == nil {
		log.Fatal().Msg("Ingestor cannot be nil for WebhookHandler")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookHandler{ingestor: ingestor, token: token, timeout: timeout}
}

func (h *WebhookHandler) authorized(r *http.Request) bool {
	if h.token == "" {
		return true
	}
	got := r.URL.Query().Get("token")
	if got == "" {
		got = r.Header.Get("X-Webhook-Token")
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(h.token)) == 1
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		log.Warn().Str("remote", r.RemoteAddr).Msg("Webhook delivery with invalid token")
		writeError(w, http.StatusUnauthorized, "invalid webhook token")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		log.Error().Err(err).Msg("Failed to read webhook body")
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	env, err := gateway.ParseEnvelope(body)
	if err != nil {
		log.Warn().Err(err).Msg("Malformed webhook delivery")
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	log.Debug().Str("event", env.Name).Str("instance", env.Instance).Msg("Received gateway event")

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	res, err := h.ingestor.Apply(ctx, env)
	if err != nil {
		log.Error().Err(err).Str("event", env.Name).Msg("Failed to apply gateway event")
		writeError(w, http.StatusServiceUnavailable, "event not stored, retry later")
		return
	}

	log.Info().
		Str("event", env.Name).
		Bool("ignored", res.Ignored).
		Int("created", res.Created).
		Int("updated", res.Updated).
		Int("dropped", res.Dropped).
		Msg("Gateway event applied")

	writeJSON(w, http.StatusOK, webhookResponse{
		Event:     env.Name,
		Ignored:   res.Ignored,
		Created:   res.Created,
		Updated:   res.Updated,
		Unchanged: res.Unchanged,
		Dropped:   res.Dropped,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
