package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wasync/internal/db/dbtest"
	"wasync/internal/models"
)

func ptr(s string) *string { return &s }

func TestConnectionStoreRoundTrip(t *testing.T) {
	s := NewConnectionStore(dbtest.New(t))
	ctx := context.Background()

	_, err := s.Get(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	cfg := &models.ConnectionConfig{
		InstanceName: "main",
		APIURL:       "https://gw.example.com",
		APIKey:       "secret",
		Status:       models.StatusAwaitingQRScan,
		QRCode:       ptr("2@abc"),
		WebhookURL:   "https://me.example.com/webhooks/gateway",
		ActiveEvents: models.StringList{"MESSAGES_UPSERT"},
	}
	require.NoError(t, s.Save(ctx, cfg))

	got, err := s.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "main", got.InstanceName)
	assert.Equal(t, "secret", got.APIKey)
	require.NotNil(t, got.QRCode)
	assert.Equal(t, "2@abc", *got.QRCode)
	assert.Equal(t, models.StringList{"MESSAGES_UPSERT"}, got.ActiveEvents)

	got.Status = models.StatusConnected
	got.QRCode = nil
	got.PairedNumber = ptr("5511999990000")
	require.NoError(t, s.Save(ctx, got))

	got, err = s.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.StatusConnected, got.Status)
	assert.Nil(t, got.QRCode)

	require.NoError(t, s.Delete(ctx))
	_, err = s.Get(ctx)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConnectionInvariants(t *testing.T) {
	cases := []struct {
		name string
		cfg  models.ConnectionConfig
		ok   bool
	}{
		{"disconnected", models.ConnectionConfig{InstanceName: "i", Status: models.StatusDisconnected}, true},
		{"qr while connecting", models.ConnectionConfig{InstanceName: "i", Status: models.StatusConnecting, QRCode: ptr("q")}, false},
		{"awaiting without qr", models.ConnectionConfig{InstanceName: "i", Status: models.StatusAwaitingQRScan}, false},
		{"connected without number", models.ConnectionConfig{InstanceName: "i", Status: models.StatusConnected}, false},
		{"number while disconnected", models.ConnectionConfig{InstanceName: "i", Status: models.StatusDisconnected, PairedNumber: ptr("1")}, false},
		{"unknown status", models.ConnectionConfig{InstanceName: "i", Status: "paused"}, false},
		{"no instance", models.ConnectionConfig{Status: models.StatusDisconnected}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := CheckConnectionInvariants(&tc.cfg)
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestTouchLastSyncOnlyMovesForward(t *testing.T) {
	s := NewConnectionStore(dbtest.New(t))
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, &models.ConnectionConfig{InstanceName: "main", Status: models.StatusDisconnected}))

	later := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.TouchLastSync(ctx, later))
	require.NoError(t, s.TouchLastSync(ctx, later.Add(-time.Hour)))

	got, err := s.Get(ctx)
	require.NoError(t, err)
	require.NotNil(t, got.LastSyncAt)
	assert.True(t, later.Equal(*got.LastSyncAt))
}
