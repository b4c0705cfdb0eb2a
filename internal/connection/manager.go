// Package connection owns the lifecycle of the single gateway instance of a
// deployment: Disconnected -> Connecting -> AwaitingQRScan -> Connected.
//
// Every transition runs under one mutex, so connect, disconnect and pushed
// gateway events never interleave. Concurrent connect (or disconnect) calls
// share the outcome of the one already in flight.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"wasync/internal/broker"
	"wasync/internal/gateway"
	"wasync/internal/models"
	"wasync/internal/store"
)

var (
	// ErrNotConfigured wraps store.ErrNotFound so either can be matched.
	ErrNotConfigured      = fmt.Errorf("no active connection: %w", store.ErrNotFound)
	ErrMissingCredentials = errors.New("instanceName, apiUrl and apiKey are required")
)

const (
	// operationTimeout bounds a shared connect or disconnect. The work is
	// detached from the first caller, whose request may end before it does.
	operationTimeout = 2 * time.Minute
	// persistTimeout bounds the write of a terminal state.
	persistTimeout = 5 * time.Second
)

// ConnectRequest carries the setup supplied by the connect action. Empty
// fields fall back to the deployment defaults.
type ConnectRequest struct {
	InstanceName string `json:"instanceName"`
	APIURL       string `json:"apiUrl"`
	APIKey       string `json:"apiKey"`
	WebhookURL   string `json:"webhookUrl"`
}

// Defaults are used for fields a ConnectRequest leaves empty.
type Defaults struct {
	InstanceName string
	APIURL       string
	APIKey       string
	WebhookURL   string
	Events       []string
}

// Purger removes mirrored media of an instance.
type Purger interface {
	Purge(ctx context.Context, instance string) (int, error)
}

// Listener is called after every persisted transition with a copy of the new
// config, or nil once the integration was removed.
type Listener func(cfg *models.ConnectionConfig)

type Manager struct {
	store     *store.ConnectionStore
	factory   *gateway.Factory
	defaults  Defaults
	publisher broker.Publisher
	purger    Purger

	mu        sync.Mutex
	group     singleflight.Group
	lastQR    *gateway.QRCode
	listeners []Listener
}

func NewManager(st *store.ConnectionStore, factory *gateway.Factory, defaults Defaults, publisher broker.Publisher) (*Manager, error) {
	if st == nil {
		return nil, fmt.Errorf("connection store cannot be nil")
	}
	if factory == nil {
		return nil, fmt.Errorf("gateway factory cannot be nil")
	}
	if publisher == nil {
		publisher = broker.Noop{}
	}
	return &Manager{store: st, factory: factory, defaults: defaults, publisher: publisher}, nil
}

// WithPurger enables media purging on RemoveIntegration.
func (m *Manager) WithPurger(p Purger) *Manager {
	m.purger = p
	return m
}

// OnChange registers fn. Register listeners before the manager is used.
func (m *Manager) OnChange(fn Listener) {
	m.listeners = append(m.listeners, fn)
}

// Current returns the persisted config, or ErrNotConfigured.
func (m *Manager) Current(ctx context.Context) (*models.ConnectionConfig, error) {
	cfg, err := m.store.Get(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotConfigured
	}
	return cfg, err
}

// LastQR returns the most recent pairing code seen while awaiting a scan.
func (m *Manager) LastQR() *gateway.QRCode {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastQR == nil {
		return nil
	}
	qr := *m.lastQR
	return &qr
}

// RequestConnect creates or starts the gateway instance. On success the
// config is AwaitingQRScan with a QR, or Connected when the session was
// already paired. A gateway failure leaves it Disconnected.
func (m *Manager) RequestConnect(ctx context.Context, req ConnectRequest) (*models.ConnectionConfig, error) {
	return m.shared(ctx, "connect", func(opCtx context.Context) (*models.ConnectionConfig, error) {
		return m.connect(opCtx, req)
	})
}

// shared runs fn once per key for all concurrent callers. fn gets a
// context detached from any one caller, so a caller that gives up only
// stops waiting; the transition still completes and is persisted.
func (m *Manager) shared(ctx context.Context, key string, fn func(context.Context) (*models.ConnectionConfig, error)) (*models.ConnectionConfig, error) {
	ch := m.group.DoChan(key, func() (interface{}, error) {
		opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), operationTimeout)
		defer cancel()
		return fn(opCtx)
	})
	select {
	case res := <-ch:
		if res.Shared {
			log.Debug().Str("op", key).Msg("Joined request already in flight")
		}
		cfg, _ := res.Val.(*models.ConnectionConfig)
		return cloneConfig(cfg), res.Err
	case <-ctx.Done():
		log.Warn().Err(ctx.Err()).Str("op", key).Msg("Caller gave up, request continues in background")
		return nil, ctx.Err()
	}
}

func (m *Manager) resolve(req ConnectRequest) ConnectRequest {
	if req.InstanceName == "" {
		req.InstanceName = m.defaults.InstanceName
	}
	if req.APIURL == "" {
		req.APIURL = m.defaults.APIURL
	}
	if req.APIKey == "" {
		req.APIKey = m.defaults.APIKey
	}
	if req.WebhookURL == "" {
		req.WebhookURL = m.defaults.WebhookURL
	}
	return req
}

func (m *Manager) connect(ctx context.Context, req ConnectRequest) (*models.ConnectionConfig, error) {
	req = m.resolve(req)
	if req.InstanceName == "" || req.APIURL == "" || req.APIKey == "" {
		return nil, ErrMissingCredentials
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	current, err := m.store.Get(ctx)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("failed to load connection: %w", err)
	}

	cfg := &models.ConnectionConfig{
		InstanceName: req.InstanceName,
		APIURL:       req.APIURL,
		APIKey:       req.APIKey,
		WebhookURL:   req.WebhookURL,
		ActiveEvents: models.StringList(m.defaults.Events),
	}
	if current != nil {
		if current.InstanceName != req.InstanceName || current.APIURL != req.APIURL {
			m.teardown(ctx, current)
		} else {
			if current.Status == models.StatusConnected && current.APIKey == req.APIKey && current.WebhookURL == req.WebhookURL {
				log.Info().Str("instance", current.InstanceName).Msg("Instance already connected")
				return current, nil
			}
			cfg.LastSyncAt = current.LastSyncAt
			cfg.CreatedAt = current.CreatedAt
		}
	}

	cfg.Status = models.StatusConnecting
	if err := m.save(ctx, cfg); err != nil {
		return nil, err
	}

	client, err := m.factory.Interactive(cfg)
	if err != nil {
		return nil, m.revert(ctx, cfg, err)
	}
	res, err := client.CreateInstance(ctx)
	if err != nil {
		return nil, m.revert(ctx, cfg, err)
	}

	switch {
	case res.State == gateway.StateOpen:
		number, err := client.PairedNumber(ctx)
		if err != nil {
			return nil, m.revert(ctx, cfg, err)
		}
		cfg.Status = models.StatusConnected
		cfg.PairedNumber = &number
		m.lastQR = nil
	case !res.QR.Empty():
		payload := res.QR.Payload()
		cfg.Status = models.StatusAwaitingQRScan
		cfg.QRCode = &payload
		m.lastQR = res.QR
	}

	if cfg.WebhookURL != "" {
		if err := client.SetWebhook(ctx, cfg.WebhookURL, cfg.ActiveEvents); err != nil {
			log.Warn().Err(err).Str("instance", cfg.InstanceName).Msg("Failed to register webhook, health monitor will retry")
		}
	}

	if err := m.persist(ctx, cfg); err != nil {
		return nil, err
	}
	log.Info().Str("instance", cfg.InstanceName).Str("status", string(cfg.Status)).Msg("Connect request completed")
	return cfg, nil
}

// revert persists Disconnected after a failed connect and returns cause.
func (m *Manager) revert(ctx context.Context, cfg *models.ConnectionConfig, cause error) error {
	log.Error().Err(cause).Str("instance", cfg.InstanceName).Msg("Connect failed, reverting to disconnected")
	setDisconnected(cfg)
	m.lastQR = nil
	if err := m.persist(ctx, cfg); err != nil {
		log.Error().Err(err).Msg("Failed to persist disconnected state")
	}
	return fmt.Errorf("failed to connect instance %s: %w", cfg.InstanceName, cause)
}

// teardown logs out and deletes a previous instance being replaced.
func (m *Manager) teardown(ctx context.Context, old *models.ConnectionConfig) {
	log.Info().Str("instance", old.InstanceName).Msg("Replacing connection, tearing down previous instance")
	client, err := m.factory.Interactive(old)
	if err != nil {
		log.Warn().Err(err).Str("instance", old.InstanceName).Msg("Cannot reach previous instance")
		return
	}
	if err := client.Logout(ctx); err != nil && !gateway.IsNotFound(err) {
		log.Warn().Err(err).Str("instance", old.InstanceName).Msg("Failed to log out previous instance")
	}
	if err := client.DeleteInstance(ctx); err != nil && !gateway.IsNotFound(err) {
		log.Warn().Err(err).Str("instance", old.InstanceName).Msg("Failed to delete previous instance")
	}
}

// RequestDisconnect logs the instance out. The local state becomes
// Disconnected even when the gateway call fails; that failure is returned.
func (m *Manager) RequestDisconnect(ctx context.Context) (*models.ConnectionConfig, error) {
	return m.shared(ctx, "disconnect", m.disconnect)
}

func (m *Manager) disconnect(ctx context.Context) (*models.ConnectionConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg, err := m.load(ctx)
	if err != nil {
		return nil, err
	}

	var gwErr error
	client, err := m.factory.Interactive(cfg)
	if err != nil {
		gwErr = err
	} else if err := client.Logout(ctx); err != nil && !gateway.IsNotFound(err) {
		gwErr = err
	}

	setDisconnected(cfg)
	m.lastQR = nil
	if err := m.persist(ctx, cfg); err != nil {
		return nil, err
	}
	if gwErr != nil {
		log.Warn().Err(gwErr).Str("instance", cfg.InstanceName).Msg("Gateway logout failed, marked disconnected locally")
		return cfg, fmt.Errorf("gateway logout failed: %w", gwErr)
	}
	log.Info().Str("instance", cfg.InstanceName).Msg("Instance disconnected")
	return cfg, nil
}

// ApplyGatewayState maps a state reported by the gateway onto the local
// state machine. number is the paired phone when known; for "open" without
// one it is fetched from the gateway.
func (m *Manager) ApplyGatewayState(ctx context.Context, state gateway.State, number string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg, err := m.load(ctx)
	if err != nil {
		return err
	}

	switch state {
	case gateway.StateOpen:
		if number == "" && cfg.Status == models.StatusConnected && cfg.PairedNumber != nil {
			return nil
		}
		if number == "" {
			client, err := m.factory.Background(cfg)
			if err != nil {
				return err
			}
			if number, err = client.PairedNumber(ctx); err != nil {
				return fmt.Errorf("failed to resolve paired number: %w", err)
			}
		}
		if cfg.Status == models.StatusConnected && cfg.PairedNumber != nil && *cfg.PairedNumber == number {
			return nil
		}
		cfg.Status = models.StatusConnected
		cfg.PairedNumber = &number
		cfg.QRCode = nil
		m.lastQR = nil

	case gateway.StateConnecting:
		if cfg.Status == models.StatusConnecting || cfg.Status == models.StatusAwaitingQRScan {
			return nil
		}
		cfg.Status = models.StatusConnecting
		cfg.PairedNumber = nil
		cfg.QRCode = nil

	default:
		if cfg.Status == models.StatusDisconnected {
			return nil
		}
		setDisconnected(cfg)
		m.lastQR = nil
	}

	log.Info().Str("instance", cfg.InstanceName).Str("gatewayState", string(state)).Str("status", string(cfg.Status)).Msg("Connection state changed by gateway")
	return m.save(ctx, cfg)
}

// ApplyQR stores a refreshed pairing code. It is only accepted while a scan
// is expected.
func (m *Manager) ApplyQR(ctx context.Context, qr gateway.QRCode) error {
	if qr.Empty() {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg, err := m.load(ctx)
	if err != nil {
		return err
	}
	if cfg.Status != models.StatusAwaitingQRScan && cfg.Status != models.StatusConnecting {
		log.Debug().Str("status", string(cfg.Status)).Msg("Ignoring QR update outside of pairing")
		return nil
	}

	payload := qr.Payload()
	cfg.Status = models.StatusAwaitingQRScan
	cfg.QRCode = &payload
	m.lastQR = &qr
	return m.save(ctx, cfg)
}

// RemoveIntegration deletes the gateway instance and the local config. When
// purge is set, mirrored media is removed too and the number of deleted
// objects is returned.
func (m *Manager) RemoveIntegration(ctx context.Context, purge bool) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg, err := m.load(ctx)
	if err != nil {
		return 0, err
	}

	if client, err := m.factory.Interactive(cfg); err == nil {
		if err := client.Logout(ctx); err != nil && !gateway.IsNotFound(err) {
			log.Warn().Err(err).Str("instance", cfg.InstanceName).Msg("Failed to log out instance")
		}
		if err := client.DeleteInstance(ctx); err != nil && !gateway.IsNotFound(err) {
			log.Warn().Err(err).Str("instance", cfg.InstanceName).Msg("Failed to delete instance")
		}
	}

	purged := 0
	if purge && m.purger != nil {
		if purged, err = m.purger.Purge(ctx, cfg.InstanceName); err != nil {
			log.Warn().Err(err).Str("instance", cfg.InstanceName).Msg("Failed to purge mirrored media")
		}
	}

	if err := m.store.Delete(ctx); err != nil {
		return purged, fmt.Errorf("failed to delete connection: %w", err)
	}
	m.lastQR = nil
	log.Info().Str("instance", cfg.InstanceName).Int("purged", purged).Msg("Integration removed")
	m.notify(ctx, nil)
	return purged, nil
}

func (m *Manager) load(ctx context.Context) (*models.ConnectionConfig, error) {
	cfg, err := m.store.Get(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotConfigured
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load connection: %w", err)
	}
	return cfg, nil
}

func (m *Manager) save(ctx context.Context, cfg *models.ConnectionConfig) error {
	if err := m.store.Save(ctx, cfg); err != nil {
		return fmt.Errorf("failed to save connection: %w", err)
	}
	m.notify(ctx, cfg)
	return nil
}

// persist saves a terminal state on a fresh deadline, even when ctx is done.
func (m *Manager) persist(ctx context.Context, cfg *models.ConnectionConfig) error {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	return m.save(pctx, cfg)
}

func (m *Manager) notify(ctx context.Context, cfg *models.ConnectionConfig) {
	for _, fn := range m.listeners {
		fn(cloneConfig(cfg))
	}
	if cfg == nil {
		m.publisher.Publish(ctx, broker.EventConnectionChanged, map[string]interface{}{"removed": true})
		return
	}
	m.publisher.Publish(ctx, broker.EventConnectionChanged, cloneConfig(cfg))
}

func setDisconnected(cfg *models.ConnectionConfig) {
	cfg.Status = models.StatusDisconnected
	cfg.QRCode = nil
	cfg.PairedNumber = nil
}

func cloneConfig(cfg *models.ConnectionConfig) *models.ConnectionConfig {
	if cfg == nil {
		return nil
	}
	cp := *cfg
	cp.ActiveEvents = append(models.StringList(nil), cfg.ActiveEvents...)
	if cfg.QRCode != nil {
		qr := *cfg.QRCode
		cp.QRCode = &qr
	}
	if cfg.PairedNumber != nil {
		n := *cfg.PairedNumber
		cp.PairedNumber = &n
	}
	if cfg.LastSyncAt != nil {
		t := *cfg.LastSyncAt
		cp.LastSyncAt = &t
	}
	return &cp
}
