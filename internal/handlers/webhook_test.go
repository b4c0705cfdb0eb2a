package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wasync/internal/db/dbtest"
	"wasync/internal/gateway"
	"wasync/internal/ingest"
	"wasync/internal/models"
	"wasync/internal/store"
)

type sink struct{ cfg *models.ConnectionConfig }

func (s *sink) Current(context.Context) (*models.ConnectionConfig, error) {
	if s.cfg == nil {
		return nil, store.ErrNotFound
	}
	return s.cfg, nil
}

func (s *sink) ApplyGatewayState(context.Context, gateway.State, string) error { return nil }

func (s *sink) ApplyQR(context.Context, gateway.QRCode) error { return nil }

type failingApplier struct{ err error }

func (f failingApplier) Apply(ctx context.Context, _ *gateway.Envelope) (ingest.Result, error) {
	return ingest.Result{}, f.err
}

type slowApplier struct{}

func (slowApplier) Apply(ctx context.Context, _ *gateway.Envelope) (ingest.Result, error) {
	<-ctx.Done()
	return ingest.Result{}, ctx.Err()
}

const upsert = `{"event": "MESSAGES_UPSERT", "instance": "main", "data": {
	"key": {"remoteJid": "5548999999999@s.whatsapp.net", "id": "abc"},
	"pushName": "Ana", "message": {"conversation": "oi"}, "messageTimestamp": 1714557600}}`

func post(h http.Handler, target, body string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) webhookResponse {
	var out webhookResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestWebhookStoresMessageOnce(t *testing.T) {
	ms := store.NewMessageStore(dbtest.New(t))
	in := ingest.New(ms, &sink{cfg: &models.ConnectionConfig{InstanceName: "main", Status: models.StatusConnected}}, nil)
	h := NewWebhookHandler(in, "", time.Second)

	rec := post(h, "/webhooks/gateway", upsert, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	out := decode(t, rec)
	assert.Equal(t, "messages.upsert", out.Event)
	assert.Equal(t, 1, out.Created)

	rec = post(h, "/webhooks/gateway", upsert, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode(t, rec).Unchanged)

	n, err := ms.CountMessages(context.Background(), "5548999999999")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestWebhookIgnoredEventIsAcknowledged(t *testing.T) {
	ms := store.NewMessageStore(dbtest.New(t))
	in := ingest.New(ms, &sink{cfg: &models.ConnectionConfig{InstanceName: "main"}}, nil)
	h := NewWebhookHandler(in, "", time.Second)

	rec := post(h, "/webhooks/gateway", `{"event": "presence.update", "instance": "main", "data": {}}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	out := decode(t, rec)
	assert.True(t, out.Ignored)
	assert.Zero(t, out.Created)
}

func TestWebhookRejectsMalformedPayload(t *testing.T) {
	h := NewWebhookHandler(failingApplier{}, "", time.Second)

	for _, body := range []string{`not json`, `{"instance": "main"}`, `{"event": "messages.upsert", "data": "nope"}`} {
		rec := post(h, "/webhooks/gateway", body, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
}

func TestWebhookStoreFailureIsNotAcknowledged(t *testing.T) {
	h := NewWebhookHandler(failingApplier{err: errors.New("database is locked")}, "", time.Second)
	rec := post(h, "/webhooks/gateway", upsert, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	h = NewWebhookHandler(slowApplier{}, "", 20*time.Millisecond)
	rec = post(h, "/webhooks/gateway", upsert, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestWebhookToken(t *testing.T) {
	ms := store.NewMessageStore(dbtest.New(t))
	in := ingest.New(ms, &sink{cfg: &models.ConnectionConfig{InstanceName: "main", Status: models.StatusConnected}}, nil)
	h := NewWebhookHandler(in, "s3cret", time.Second)

	assert.Equal(t, http.StatusUnauthorized, post(h, "/webhooks/gateway", upsert, nil).Code)
	assert.Equal(t, http.StatusUnauthorized, post(h, "/webhooks/gateway?token=wrong", upsert, nil).Code)
	assert.Equal(t, http.StatusOK, post(h, "/webhooks/gateway?token=s3cret", upsert, nil).Code)
	assert.Equal(t, http.StatusOK, post(h, "/webhooks/gateway", upsert, http.Header{"X-Webhook-Token": {"s3cret"}}).Code)
}
