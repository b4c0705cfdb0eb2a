package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"wasync/internal/models"
)

// ErrNotFound is returned when the requested row does not exist.
var ErrNotFound = errors.New("not found")

// ConnectionStore persists the singleton ConnectionConfig.
type ConnectionStore struct {
	db  *sqlx.DB
	now func() time.Time
}

func NewConnectionStore(db *sqlx.DB) *ConnectionStore {
	return &ConnectionStore{db: db, now: time.Now}
}

const connectionColumns = `instance_name, api_url, api_key, status, qr_code, paired_number,
	webhook_url, active_events, last_sync_at, created_at, updated_at`

// Get returns the active configuration or ErrNotFound.
func (s *ConnectionStore) Get(ctx context.Context) (*models.ConnectionConfig, error) {
	var cfg models.ConnectionConfig
	err := s.db.GetContext(ctx, &cfg, `SELECT `+connectionColumns+` FROM connection_config WHERE id = 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load connection config: %w", err)
	}
	return &cfg, nil
}

// Save writes cfg as the single authoritative configuration. last_sync_at
// never moves backwards while the instance stays the same.
func (s *ConnectionStore) Save(ctx context.Context, cfg *models.ConnectionConfig) error {
	if err := CheckConnectionInvariants(cfg); err != nil {
		return err
	}

	now := s.now().UTC()
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = now
	}
	cfg.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO connection_config (id, `+connectionColumns+`)
		VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			instance_name = excluded.instance_name,
			api_url = excluded.api_url,
			api_key = excluded.api_key,
			status = excluded.status,
			qr_code = excluded.qr_code,
			paired_number = excluded.paired_number,
			webhook_url = excluded.webhook_url,
			active_events = excluded.active_events,
			last_sync_at = CASE
				WHEN connection_config.instance_name = excluded.instance_name
					AND connection_config.last_sync_at IS NOT NULL
					AND (excluded.last_sync_at IS NULL OR excluded.last_sync_at < connection_config.last_sync_at)
				THEN connection_config.last_sync_at
				ELSE excluded.last_sync_at END,
			updated_at = excluded.updated_at`,
		cfg.InstanceName, cfg.APIURL, cfg.APIKey, cfg.Status, cfg.QRCode, cfg.PairedNumber,
		cfg.WebhookURL, cfg.ActiveEvents, utcPtr(cfg.LastSyncAt), cfg.CreatedAt, cfg.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save connection config: %w", err)
	}
	return nil
}

// Delete removes the configuration. Deleting a missing row is not an error.
func (s *ConnectionStore) Delete(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM connection_config WHERE id = 1`); err != nil {
		return fmt.Errorf("failed to delete connection config: %w", err)
	}
	return nil
}

// TouchLastSync moves last_sync_at forward to at.
func (s *ConnectionStore) TouchLastSync(ctx context.Context, at time.Time) error {
	at = at.UTC()
	_, err := s.db.ExecContext(ctx, `
		UPDATE connection_config
		SET last_sync_at = $1, updated_at = $2
		WHERE id = 1 AND (last_sync_at IS NULL OR last_sync_at < $1)`,
		at, s.now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update last sync: %w", err)
	}
	return nil
}

// CheckConnectionInvariants verifies that the QR code only exists while
// awaiting a scan and the paired number only while connected.
func CheckConnectionInvariants(cfg *models.ConnectionConfig) error {
	if cfg == nil {
		return fmt.Errorf("connection config cannot be nil")
	}
	if cfg.InstanceName == "" {
		return fmt.Errorf("connection config requires an instance name")
	}
	switch cfg.Status {
	case models.StatusDisconnected, models.StatusConnecting, models.StatusAwaitingQRScan, models.StatusConnected:
	default:
		return fmt.Errorf("unknown connection status %q", cfg.Status)
	}
	if (cfg.QRCode != nil) != (cfg.Status == models.StatusAwaitingQRScan) {
		return fmt.Errorf("qr code must be present exactly while %s (status %s)", models.StatusAwaitingQRScan, cfg.Status)
	}
	if (cfg.PairedNumber != nil) != (cfg.Status == models.StatusConnected) {
		return fmt.Errorf("paired number must be present exactly while %s (status %s)", models.StatusConnected, cfg.Status)
	}
	return nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
