package gateway

import (
	"time"

	"wasync/internal/models"
)

// Factory builds clients for the currently configured instance. User
// actions get an interactive client that never retries; health checks and
// polls get a background client with short timeouts and retries.
type Factory struct {
	Timeout           time.Duration
	BackgroundTimeout time.Duration
	Retries           int
	RetryWait         time.Duration
}

func (f *Factory) Interactive(cfg *models.ConnectionConfig) (*Client, error) {
	return NewClient(cfg, Options{Timeout: f.Timeout})
}

func (f *Factory) Background(cfg *models.ConnectionConfig) (*Client, error) {
	return NewClient(cfg, Options{Timeout: f.BackgroundTimeout, Retries: f.Retries, RetryWait: f.RetryWait})
}
