package poll

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wasync/internal/db/dbtest"
	"wasync/internal/gateway"
	"wasync/internal/gateway/gatewaytest"
	"wasync/internal/ingest"
	"wasync/internal/models"
	"wasync/internal/store"
)

type sourceFunc func(ctx context.Context) (*models.ConnectionConfig, error)

func (f sourceFunc) Current(ctx context.Context) (*models.ConnectionConfig, error) { return f(ctx) }

type fixture struct {
	srv      *gatewaytest.Server
	conns    *store.ConnectionStore
	messages *store.MessageStore
	ingestor *ingest.Ingestor
	rec      *Reconciler
}

func newFixture(t *testing.T, cooldown time.Duration) *fixture {
	db := dbtest.New(t)
	f := &fixture{
		srv:      gatewaytest.New(t),
		conns:    store.NewConnectionStore(db),
		messages: store.NewMessageStore(db),
	}
	cfg := f.srv.Config()
	number := "5548000000000"
	cfg.Status = models.StatusConnected
	cfg.PairedNumber = &number
	require.NoError(t, f.conns.Save(context.Background(), cfg))
	f.srv.Pair(number)

	f.ingestor = ingest.New(f.messages, nil, nil)
	f.rec = New(sourceFunc(f.conns.Get), &gateway.Factory{BackgroundTimeout: 2 * time.Second}, f.ingestor, f.conns, Options{Cooldown: cooldown, Limit: 20})
	return f
}

func TestPollInsertsThenIsIdempotent(t *testing.T) {
	f := newFixture(t, 20*time.Millisecond)
	ctx := context.Background()
	now := time.Now()
	f.srv.AddTextMessage("5548999999999", "m1", "one", now.Add(-3*time.Minute))
	f.srv.AddTextMessage("5548999999999", "m2", "two", now.Add(-2*time.Minute))
	f.srv.AddTextMessage("5511988887777", "m3", "three", now.Add(-time.Minute))

	res := f.rec.PollSince(ctx, "", 0)
	assert.Equal(t, Result{New: 3}, res)

	assert.Equal(t, Result{Skipped: true}, f.rec.PollSince(ctx, "", 0))

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, Result{}, f.rec.PollSince(ctx, "", 0))

	n, err := f.messages.CountMessages(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	cfg, err := f.conns.Get(ctx)
	require.NoError(t, err)
	assert.NotNil(t, cfg.LastSyncAt)

	c, err := f.messages.GetContact(ctx, "5548999999999")
	require.NoError(t, err)
	assert.Equal(t, "Contact 5548999999999", c.DisplayName)
}

func TestPollConvergesWithWebhookPath(t *testing.T) {
	f := newFixture(t, time.Millisecond)
	ctx := context.Background()

	_, err := f.ingestor.UpsertMessage(ctx, gatewaytest.Instance, gateway.ParsedMessage{Message: models.Message{
		ContactRef:     "5548999999999",
		ExternalID:     "abc",
		Direction:      models.DirectionInbound,
		Body:           "hi",
		DeliveryStatus: models.DeliveryServerAck,
		Timestamp:      time.Now(),
	}})
	require.NoError(t, err)

	f.srv.AddTextMessage("5548999999999", "abc", "hi", time.Now())
	res := f.rec.PollSince(ctx, "5548999999999", 10)
	assert.Equal(t, Result{Updated: 1}, res)

	m, err := f.messages.GetMessage(ctx, "5548999999999", "abc")
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryDelivered, m.DeliveryStatus)

	n, err := f.messages.CountMessages(ctx, "5548999999999")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPollStatusDoesNotRegress(t *testing.T) {
	f := newFixture(t, time.Millisecond)
	ctx := context.Background()

	_, err := f.ingestor.UpsertMessage(ctx, gatewaytest.Instance, gateway.ParsedMessage{Message: models.Message{
		ContactRef: "5548999999999", ExternalID: "abc", Direction: models.DirectionInbound,
		DeliveryStatus: models.DeliveryRead, Timestamp: time.Now(),
	}})
	require.NoError(t, err)

	f.srv.AddMessage(gateway.MessageRecord{
		Key:              gateway.MessageKey{RemoteJID: gateway.JIDFromPhone("5548999999999"), ID: "abc"},
		Message:          &gateway.MessageContent{Conversation: "hi"},
		MessageTimestamp: gateway.Timestamp(time.Now().Unix()),
		Status:           json.RawMessage(`"SERVER_ACK"`),
	})
	assert.Equal(t, Result{}, f.rec.PollSince(ctx, "", 0))

	m, err := f.messages.GetMessage(ctx, "5548999999999", "abc")
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryRead, m.DeliveryStatus)
}

func TestPollScopesAreIndependent(t *testing.T) {
	f := newFixture(t, time.Minute)
	ctx := context.Background()
	f.srv.AddTextMessage("5548999999999", "a1", "a", time.Now())
	f.srv.AddTextMessage("5511988887777", "b1", "b", time.Now())

	assert.Equal(t, Result{New: 1}, f.rec.PollSince(ctx, "5548999999999", 0))
	assert.Equal(t, Result{Skipped: true}, f.rec.PollSince(ctx, "5548999999999", 0))
	assert.Equal(t, Result{New: 1}, f.rec.PollSince(ctx, "", 0))
}

func TestPollGatewayFailureReturnsZero(t *testing.T) {
	f := newFixture(t, time.Millisecond)
	f.srv.Fail("findMessages", http.StatusInternalServerError, -1)
	f.srv.AddTextMessage("5548999999999", "a1", "a", time.Now())

	assert.Equal(t, Result{}, f.rec.PollSince(context.Background(), "", 0))

	cfg, err := f.conns.Get(context.Background())
	require.NoError(t, err)
	assert.Nil(t, cfg.LastSyncAt)
}

func TestPollSkipsWhenNotConnected(t *testing.T) {
	f := newFixture(t, time.Millisecond)
	ctx := context.Background()
	cfg, err := f.conns.Get(ctx)
	require.NoError(t, err)
	cfg.Status = models.StatusDisconnected
	cfg.PairedNumber = nil
	require.NoError(t, f.conns.Save(ctx, cfg))

	assert.Equal(t, Result{}, f.rec.PollSince(ctx, "", 0))
	assert.Zero(t, f.srv.Calls("findMessages"))
}

func TestConcurrentPollsOfSameScopeRunOnce(t *testing.T) {
	f := newFixture(t, time.Millisecond)
	f.srv.Delay("findMessages", 100*time.Millisecond)

	var wg sync.WaitGroup
	results := make([]Result, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = f.rec.PollSince(context.Background(), "", 0)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, f.srv.Calls("findMessages"))
	assert.True(t, results[0].Skipped != results[1].Skipped)
}
