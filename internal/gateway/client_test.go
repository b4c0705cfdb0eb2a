package gateway_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wasync/internal/gateway"
	"wasync/internal/gateway/gatewaytest"
)

func TestNewClientValidatesConfig(t *testing.T) {
	_, err := gateway.NewClient(nil, gateway.Options{})
	assert.Error(t, err)

	srv := gatewaytest.New(t)
	bad := srv.Config()
	bad.APIKey = ""
	_, err = gateway.NewClient(bad, gateway.Options{})
	assert.ErrorContains(t, err, "apiKey")
}

func TestCreateInstanceReturnsQR(t *testing.T) {
	srv := gatewaytest.New(t)
	c, err := gateway.NewClient(srv.Config(), gateway.Options{Timeout: time.Second})
	require.NoError(t, err)
	ctx := context.Background()

	res, err := c.CreateInstance(ctx)
	require.NoError(t, err)
	assert.Equal(t, gateway.StateConnecting, res.State)
	require.NotNil(t, res.QR)
	assert.Equal(t, "2@fake-pairing-code", res.QR.Code)
	assert.Contains(t, res.QR.Payload(), "data:image/png")

	// A second create falls back to connect on the existing instance.
	res, err = c.CreateInstance(ctx)
	require.NoError(t, err)
	require.NotNil(t, res.QR)
	assert.Equal(t, 1, srv.Calls("connect"))

	srv.Pair("5548999999999")
	res, err = c.Connect(ctx)
	require.NoError(t, err)
	assert.Equal(t, gateway.StateOpen, res.State)
	assert.Nil(t, res.QR)

	number, err := c.PairedNumber(ctx)
	require.NoError(t, err)
	assert.Equal(t, "5548999999999", number)

	state, err := c.ConnectionState(ctx)
	require.NoError(t, err)
	assert.Equal(t, gateway.StateOpen, state)
}

func TestWebhookRoundTrip(t *testing.T) {
	srv := gatewaytest.New(t)
	c, err := gateway.NewClient(srv.Config(), gateway.Options{})
	require.NoError(t, err)
	ctx := context.Background()

	wh, err := c.FindWebhook(ctx)
	require.NoError(t, err)
	assert.False(t, wh.Enabled)
	assert.Empty(t, wh.URL)

	require.NoError(t, c.SetWebhook(ctx, "https://me.example.com/hook", []string{"MESSAGES_UPSERT"}))

	wh, err = c.FindWebhook(ctx)
	require.NoError(t, err)
	assert.True(t, wh.Enabled)
	assert.Equal(t, "https://me.example.com/hook", wh.URL)
	assert.Equal(t, []string{"MESSAGES_UPSERT"}, wh.Events)
}

func TestErrorsAreClassified(t *testing.T) {
	srv := gatewaytest.New(t)
	ctx := context.Background()

	c, err := gateway.NewClient(srv.Config(), gateway.Options{})
	require.NoError(t, err)

	srv.Fail("connectionState", http.StatusBadGateway, 1)
	_, err = c.ConnectionState(ctx)
	require.Error(t, err)
	assert.True(t, gateway.IsTransient(err))

	_, err = c.Connect(ctx)
	assert.True(t, gateway.IsNotFound(err))
	assert.False(t, gateway.IsTransient(err))

	cfg := srv.Config()
	cfg.APIKey = "wrong"
	c, err = gateway.NewClient(cfg, gateway.Options{})
	require.NoError(t, err)
	_, err = c.ConnectionState(ctx)
	assert.True(t, gateway.IsUnauthorized(err))
}

func TestBackgroundClientRetriesTransientFailures(t *testing.T) {
	srv := gatewaytest.New(t)
	ctx := context.Background()

	c, err := gateway.NewClient(srv.Config(), gateway.Options{Timeout: time.Second, Retries: 2, RetryWait: time.Millisecond})
	require.NoError(t, err)

	srv.Fail("connectionState", http.StatusServiceUnavailable, 2)
	state, err := c.ConnectionState(ctx)
	require.NoError(t, err)
	assert.Equal(t, gateway.StateClose, state)
	assert.Equal(t, 3, srv.Calls("connectionState"))

	interactive, err := gateway.NewClient(srv.Config(), gateway.Options{})
	require.NoError(t, err)
	srv.Fail("findContacts", http.StatusServiceUnavailable, 1)
	_, err = interactive.FindContacts(ctx)
	assert.Error(t, err)
	assert.Equal(t, 1, srv.Calls("findContacts"))
}

func TestSendAndFindMessages(t *testing.T) {
	srv := gatewaytest.New(t)
	srv.Pair("5548999999999")
	c, err := gateway.NewClient(srv.Config(), gateway.Options{})
	require.NoError(t, err)
	ctx := context.Background()

	res, err := c.SendText(ctx, "5511988887777", "hi")
	require.NoError(t, err)
	assert.NotEmpty(t, res.Key.ID)
	assert.True(t, res.Key.FromMe)

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		srv.AddTextMessage("5511988887777", id, "msg "+id, base.Add(time.Duration(i)*time.Minute))
	}
	srv.AddTextMessage("5511000001111", "other", "x", base)

	page, err := c.FindMessages(ctx, gateway.JIDFromPhone("5511988887777"), 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	assert.Equal(t, 2, page.Pages)
	require.Len(t, page.Records, 2)
	assert.Equal(t, "c", page.Records[0].Key.ID)

	page, err = c.FindMessages(ctx, "", 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 4, page.Total)
}
