package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wasync/config"
	"wasync/internal/connection"
	"wasync/internal/db/dbtest"
	"wasync/internal/gateway"
	"wasync/internal/gateway/gatewaytest"
	"wasync/internal/handlers"
	"wasync/internal/health"
	"wasync/internal/ingest"
	"wasync/internal/jobs"
	"wasync/internal/models"
	"wasync/internal/outbound"
	"wasync/internal/poll"
	"wasync/internal/scheduler"
	"wasync/internal/store"
	"wasync/internal/supervisor"
)

const apiToken = "test-token"

type envelope struct {
	Code    int             `json:"code"`
	Success bool            `json:"success"`
	Error   string          `json:"error"`
	Data    json.RawMessage `json:"data"`
}

type apiHarness struct {
	gw      *gatewaytest.Server
	handler http.Handler
}

func newAPI(t *testing.T) *apiHarness {
	conn := dbtest.New(t)
	gw := gatewaytest.New(t)
	cfg := &config.Config{APIToken: apiToken, WebhookPath: "/webhooks/gateway"}

	connStore := store.NewConnectionStore(conn)
	messages := store.NewMessageStore(conn)
	factory := &gateway.Factory{Timeout: 2 * time.Second, BackgroundTimeout: 2 * time.Second}
	manager, err := connection.NewManager(connStore, factory, connection.Defaults{
		InstanceName: gatewaytest.Instance,
		APIURL:       gw.URL,
		APIKey:       gatewaytest.APIKey,
		WebhookURL:   "https://app.example.com/webhooks/gateway",
		Events:       defaultEventTypes,
	}, nil)
	require.NoError(t, err)

	ingestor := ingest.New(messages, manager, nil)
	reconciler := poll.New(manager, factory, ingestor, connStore, poll.Options{Cooldown: time.Millisecond})
	monitor := health.NewMonitor(manager, reconciler, ingestor.Activity(), health.Options{CallTimeout: time.Second})
	sup := supervisor.New(manager, monitor, reconciler, scheduler.New(), supervisor.Options{ConversationPollInterval: time.Hour})
	t.Cleanup(sup.Stop)
	runner := jobs.NewRunner(store.NewJobStore(conn), manager, factory, ingestor, nil, jobs.Options{})

	s := &server{
		cfg:        cfg,
		manager:    manager,
		monitor:    monitor,
		messages:   messages,
		sender:     outbound.New(manager, factory, messages, nil),
		reconciler: reconciler,
		supervisor: sup,
		runner:     runner,
		webhook:    handlers.NewWebhookHandler(ingestor, "", time.Second),
	}
	return &apiHarness{gw: gw, handler: s.routes()}
}

func (h *apiHarness) do(method, path, body string, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func (h *apiHarness) call(t *testing.T, method, path, body string) (int, envelope) {
	rec := h.do(method, path, body, apiToken)
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return rec.Code, env
}

func TestAPIRequiresToken(t *testing.T) {
	h := newAPI(t)
	assert.Equal(t, http.StatusUnauthorized, h.do(http.MethodGet, "/api/connection", "", "").Code)
	assert.Equal(t, http.StatusUnauthorized, h.do(http.MethodGet, "/api/connection", "", "wrong").Code)

	code, env := h.call(t, http.MethodGet, "/api/connection", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.False(t, env.Success)
	assert.NotEmpty(t, env.Error)
}

func TestConnectAndRenderQR(t *testing.T) {
	h := newAPI(t)

	code, env := h.call(t, http.MethodPost, "/api/connection/connect", "")
	require.Equal(t, http.StatusOK, code, env.Error)
	var cfg models.ConnectionConfig
	require.NoError(t, json.Unmarshal(env.Data, &cfg))
	assert.Equal(t, models.StatusAwaitingQRScan, cfg.Status)
	assert.NotContains(t, string(env.Data), gatewaytest.APIKey)

	rec := h.do(http.MethodGet, "/api/connection/qr.png", "", apiToken)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, rec.Body.Bytes())

	code, _ = h.call(t, http.MethodPost, "/api/messages/text", `{"phone": "5548999999999", "text": "hi"}`)
	assert.Equal(t, http.StatusConflict, code)
	code, _ = h.call(t, http.MethodPost, "/api/jobs", `{"kind": "full"}`)
	assert.Equal(t, http.StatusConflict, code)
}

func TestWebhookRouteFeedsConversation(t *testing.T) {
	h := newAPI(t)
	code, _ := h.call(t, http.MethodPost, "/api/connection/connect", "")
	require.Equal(t, http.StatusOK, code)

	body := fmt.Sprintf(`{"event": "messages.upsert", "instance": %q, "data": {
		"key": {"remoteJid": "5548999999999@s.whatsapp.net", "id": "abc"},
		"pushName": "Ana", "message": {"conversation": "oi"}, "messageTimestamp": 1714557600}}`, gatewaytest.Instance)
	rec := h.do(http.MethodPost, "/webhooks/gateway", body, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	code, env := h.call(t, http.MethodGet, "/api/contacts/5548999999999/messages", "")
	require.Equal(t, http.StatusOK, code)
	var msgs []models.Message
	require.NoError(t, json.Unmarshal(env.Data, &msgs))
	require.Len(t, msgs, 1)
	assert.Equal(t, "oi", msgs[0].Body)

	code, env = h.call(t, http.MethodPut, "/api/contacts/5548999999999", `{"displayName": "Ana Maria"}`)
	require.Equal(t, http.StatusOK, code)
	var contact models.Contact
	require.NoError(t, json.Unmarshal(env.Data, &contact))
	assert.Equal(t, "Ana Maria", contact.DisplayName)
	assert.Equal(t, 1, contact.UnreadCount)

	code, _ = h.call(t, http.MethodPost, "/api/contacts/5548999999999/read", "")
	assert.Equal(t, http.StatusOK, code)
	code, _ = h.call(t, http.MethodPost, "/api/contacts/5511000000000/read", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestRequestValidation(t *testing.T) {
	h := newAPI(t)

	code, _ := h.call(t, http.MethodPost, "/api/jobs", `{"kind": "everything"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = h.call(t, http.MethodPost, "/api/jobs", `{not json`)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = h.call(t, http.MethodGet, "/api/jobs/missing", "")
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = h.call(t, http.MethodGet, "/api/contacts/abc/messages", "")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestWatchEndpoints(t *testing.T) {
	h := newAPI(t)

	code, env := h.call(t, http.MethodPost, "/api/conversations/5548999999999/watch", "")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(env.Data), "expiresAt")

	code, env = h.call(t, http.MethodDelete, "/api/conversations/5548999999999/watch", "")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(env.Data), `"stopped":true`)
}

func TestWebhookEvents(t *testing.T) {
	events, err := webhookEvents(nil)
	require.NoError(t, err)
	assert.Equal(t, defaultEventTypes, events)

	events, err = webhookEvents([]string{"messages.upsert", "connection-update"})
	require.NoError(t, err)
	assert.Equal(t, []string{"MESSAGES_UPSERT", "CONNECTION_UPDATE"}, events)

	_, err = webhookEvents([]string{"SOMETHING_ELSE"})
	assert.Error(t, err)
}
