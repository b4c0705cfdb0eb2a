package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wasync/internal/db/dbtest"
	"wasync/internal/gateway"
	"wasync/internal/models"
	"wasync/internal/store"
)

type fakeSink struct {
	cfg    *models.ConnectionConfig
	states []gateway.State
	qrs    []gateway.QRCode
	err    error
}

func (f *fakeSink) Current(context.Context) (*models.ConnectionConfig, error) {
	if f.cfg == nil {
		return nil, store.ErrNotFound
	}
	return f.cfg, nil
}

func (f *fakeSink) ApplyGatewayState(_ context.Context, s gateway.State, _ string) error {
	f.states = append(f.states, s)
	return f.err
}

func (f *fakeSink) ApplyQR(_ context.Context, qr gateway.QRCode) error {
	f.qrs = append(f.qrs, qr)
	return f.err
}

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) Publish(_ context.Context, event string, _ interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

type fakeUploader struct{ calls int }

func (f *fakeUploader) Upload(_ context.Context, instance, phone, id, mime, payload string) (string, error) {
	f.calls++
	return "https://cdn/" + instance + "/" + phone + "/" + id, nil
}

func setup(t *testing.T) (*Ingestor, *store.MessageStore, *fakeSink, *recorder) {
	ms := store.NewMessageStore(dbtest.New(t))
	sink := &fakeSink{cfg: &models.ConnectionConfig{InstanceName: "main", Status: models.StatusConnected}}
	rec := &recorder{}
	return New(ms, sink, rec), ms, sink, rec
}

func parse(t *testing.T, body string) *gateway.Envelope {
	env, err := gateway.ParseEnvelope([]byte(body))
	require.NoError(t, err)
	return env
}

const upsertABC = `{"event": "messages.upsert", "instance": "main", "data": {
	"key": {"remoteJid": "5548999999999@s.whatsapp.net", "id": "abc"},
	"pushName": "Ana", "message": {"conversation": "oi"}, "messageTimestamp": 1714557600, "status": "SERVER_ACK"}}`

func TestDuplicateDeliveryStoresOneMessage(t *testing.T) {
	in, ms, _, rec := setup(t)
	ctx := context.Background()

	res, err := in.Apply(ctx, parse(t, upsertABC))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Created)

	res, err = in.Apply(ctx, parse(t, upsertABC))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Unchanged)

	n, err := ms.CountMessages(ctx, "5548999999999")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	m, err := ms.GetMessage(ctx, "5548999999999", "abc")
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryServerAck, m.DeliveryStatus)

	c, err := ms.GetContact(ctx, "5548999999999")
	require.NoError(t, err)
	assert.Equal(t, "Ana", c.DisplayName)
	assert.Equal(t, 1, c.UnreadCount)

	assert.Contains(t, rec.events, "message.upserted")
	assert.False(t, in.Activity().Last().IsZero())
}

func TestOutOfOrderStatusIsDropped(t *testing.T) {
	in, ms, _, _ := setup(t)
	ctx := context.Background()

	res, err := in.Apply(ctx, parse(t, `{"event": "messages.update", "instance": "main",
		"data": {"keyId": "xyz", "remoteJid": "5548999999999@s.whatsapp.net", "status": "READ"}}`))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Dropped)

	_, err = in.Apply(ctx, parse(t, `{"event": "messages.upsert", "instance": "main", "data": {
		"key": {"remoteJid": "5548999999999@s.whatsapp.net", "id": "xyz"}, "message": {"conversation": "late"}, "status": "DELIVERY_ACK"}}`))
	require.NoError(t, err)

	m, err := ms.GetMessage(ctx, "5548999999999", "xyz")
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryDelivered, m.DeliveryStatus)
}

func TestStatusNeverRegresses(t *testing.T) {
	in, ms, _, _ := setup(t)
	ctx := context.Background()

	_, err := in.Apply(ctx, parse(t, upsertABC))
	require.NoError(t, err)
	for _, st := range []string{"READ", "DELIVERY_ACK", "SERVER_ACK"} {
		_, err := in.Apply(ctx, parse(t, `{"event": "messages.update", "data": {"keyId": "abc", "status": "`+st+`"}}`))
		require.NoError(t, err)
	}
	m, err := ms.GetMessage(ctx, "5548999999999", "abc")
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryRead, m.DeliveryStatus)
}

func TestContactUpdateKeepsUserName(t *testing.T) {
	in, ms, _, _ := setup(t)
	ctx := context.Background()

	_, err := ms.SetDisplayName(ctx, "5548999999999", "Mom")
	require.NoError(t, err)

	_, err = in.Apply(ctx, parse(t, `{"event": "contacts.update", "data": [{"remoteJid": "5548999999999@s.whatsapp.net", "pushName": "Maria"}]}`))
	require.NoError(t, err)

	c, err := ms.GetContact(ctx, "5548999999999")
	require.NoError(t, err)
	assert.Equal(t, "Mom", c.DisplayName)
}

func TestConnectionEventsGoToSink(t *testing.T) {
	in, _, sink, _ := setup(t)
	ctx := context.Background()

	_, err := in.Apply(ctx, parse(t, `{"event": "connection.update", "instance": "main", "data": {"state": "open", "wuid": "5548999999999@s.whatsapp.net"}}`))
	require.NoError(t, err)
	_, err = in.Apply(ctx, parse(t, `{"event": "qrcode.updated", "instance": "main", "data": {"qrcode": {"code": "2@a"}}}`))
	require.NoError(t, err)

	assert.Equal(t, []gateway.State{gateway.StateOpen}, sink.states)
	require.Len(t, sink.qrs, 1)
	assert.Equal(t, "2@a", sink.qrs[0].Code)

	sink.err = errors.New("store down")
	_, err = in.Apply(ctx, parse(t, `{"event": "connection.update", "data": {"state": "close"}}`))
	assert.Error(t, err)
}

func TestEventsForOtherInstancesAreIgnored(t *testing.T) {
	in, ms, sink, _ := setup(t)
	ctx := context.Background()

	res, err := in.Apply(ctx, parse(t, `{"event": "messages.upsert", "instance": "old", "data": {
		"key": {"remoteJid": "5548999999999@s.whatsapp.net", "id": "abc"}}}`))
	require.NoError(t, err)
	assert.True(t, res.Ignored)

	sink.cfg = nil
	res, err = in.Apply(ctx, parse(t, upsertABC))
	require.NoError(t, err)
	assert.True(t, res.Ignored)

	n, err := ms.CountMessages(ctx, "")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.True(t, in.Activity().Last().IsZero())
}

func TestInlineMediaIsMirroredOnce(t *testing.T) {
	in, ms, _, _ := setup(t)
	up := &fakeUploader{}
	in.WithMedia(up)
	ctx := context.Background()

	body := `{"event": "messages.upsert", "instance": "main", "data": {
		"key": {"remoteJid": "5548999999999@s.whatsapp.net", "id": "img"},
		"message": {"imageMessage": {"mimetype": "image/png"}, "base64": "aGVsbG8="}}}`
	for i := 0; i < 2; i++ {
		_, err := in.Apply(ctx, parse(t, body))
		require.NoError(t, err)
	}
	assert.Equal(t, 1, up.calls)

	m, err := ms.GetMessage(ctx, "5548999999999", "img")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn/main/5548999999999/img", m.MediaURL)
}

func TestActivity(t *testing.T) {
	var a Activity
	assert.True(t, a.Last().IsZero())
	now := time.Now()
	a.Touch(now)
	assert.True(t, a.Last().Equal(now.Round(0)))
}
