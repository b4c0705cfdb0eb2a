package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds all configuration fields for the application.
type Config struct {
	Port         string
	DatabaseType string
	DatabaseURL  string
	LogLevel     string
	LogFormat    string
	APIToken     string
	WebhookPath  string
	WebhookToken string
	QRTerminal   bool

	// Defaults for the connect action. The connect request may override each.
	GatewayURL       string
	GatewayAPIKey    string
	GatewayInstance  string
	PublicWebhookURL string
	WebhookEvents    []string

	GatewayTimeout    time.Duration
	HealthCallTimeout time.Duration
	BackgroundRetries int

	HealthInterval           time.Duration
	BackstopPollInterval     time.Duration
	ConversationPollInterval time.Duration
	ConversationWatchTTL     time.Duration
	GapThreshold             time.Duration
	PollCooldown             time.Duration
	PollLimit                int

	JobPageSize        int
	JobMaxPageFailures int
	JobPagesPerSecond  float64

	RabbitMQURL         string
	RabbitMQQueuePrefix string

	S3 S3Config
}

// S3Config configures optional mirroring of inbound media.
type S3Config struct {
	Enabled   bool
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	PathStyle bool
	PublicURL string
}

// LoadConfig loads configuration from environment variables.
// It attempts to load a .env file if present; variables already set win.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Info().Err(err).Msg("No .env file found or error loading it, relying on environment variables")
	} else {
		log.Info().Msg("Loaded configuration from .env file")
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from a lookup function, applying defaults.
func FromEnv(getenv func(string) string) (*Config, error) {
	p := &parser{getenv: getenv}

	cfg := &Config{
		Port:         p.str("PORT", "8080"),
		DatabaseType: strings.ToLower(p.str("DB_TYPE", "sqlite")),
		DatabaseURL:  p.str("DATABASE_URL", "file:wasync.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"),
		LogLevel:     p.str("LOG_LEVEL", "info"),
		LogFormat:    p.str("LOG_FORMAT", "console"),
		APIToken:     p.str("API_TOKEN", ""),
		WebhookPath:  p.str("WEBHOOK_PATH", "/webhooks/gateway"),
		WebhookToken: p.str("WEBHOOK_TOKEN", ""),
		QRTerminal:   p.boolean("QR_TERMINAL", false),

		GatewayURL:       strings.TrimRight(p.str("GATEWAY_URL", ""), "/"),
		GatewayAPIKey:    p.str("GATEWAY_API_KEY", ""),
		GatewayInstance:  p.str("GATEWAY_INSTANCE", ""),
		PublicWebhookURL: p.str("PUBLIC_WEBHOOK_URL", ""),
		WebhookEvents:    p.list("WEBHOOK_EVENTS"),

		GatewayTimeout:    p.duration("GATEWAY_TIMEOUT", 15*time.Second),
		HealthCallTimeout: p.duration("HEALTH_CALL_TIMEOUT", 5*time.Second),
		BackgroundRetries: p.integer("BACKGROUND_RETRIES", 3),

		HealthInterval:           p.duration("HEALTH_INTERVAL", 60*time.Second),
		BackstopPollInterval:     p.duration("BACKSTOP_POLL_INTERVAL", 5*time.Minute),
		ConversationPollInterval: p.duration("CONVERSATION_POLL_INTERVAL", 20*time.Second),
		ConversationWatchTTL:     p.duration("CONVERSATION_WATCH_TTL", 2*time.Minute),
		GapThreshold:             p.duration("GAP_THRESHOLD", 2*time.Minute),
		PollCooldown:             p.duration("POLL_COOLDOWN", 5*time.Second),
		PollLimit:                p.integer("POLL_LIMIT", 50),

		JobPageSize:        p.integer("JOB_PAGE_SIZE", 50),
		JobMaxPageFailures: p.integer("JOB_MAX_PAGE_FAILURES", 3),
		JobPagesPerSecond:  p.float("JOB_PAGES_PER_SECOND", 2),

		RabbitMQURL:         p.str("RABBITMQ_URL", ""),
		RabbitMQQueuePrefix: p.str("RABBITMQ_QUEUE_PREFIX", "wasync"),

		S3: S3Config{
			Enabled:   p.boolean("S3_ENABLED", false),
			Bucket:    p.str("S3_BUCKET", ""),
			Region:    p.str("S3_REGION", "us-east-1"),
			Endpoint:  p.str("S3_ENDPOINT", ""),
			AccessKey: p.str("S3_ACCESS_KEY", ""),
			SecretKey: p.str("S3_SECRET_KEY", ""),
			PathStyle: p.boolean("S3_PATH_STYLE", false),
			PublicURL: p.str("S3_PUBLIC_URL", ""),
		},
	}

	if len(p.errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %s", strings.Join(p.errs, "; "))
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	log.Info().
		Str("dbType", cfg.DatabaseType).
		Str("webhookPath", cfg.WebhookPath).
		Dur("healthInterval", cfg.HealthInterval).
		Dur("gapThreshold", cfg.GapThreshold).
		Bool("rabbitmq", cfg.RabbitMQURL != "").
		Bool("s3", cfg.S3.Enabled).
		Msg("Configuration loaded")
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.DatabaseType {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported DB_TYPE %q", c.DatabaseType)
	}
	if !strings.HasPrefix(c.WebhookPath, "/") {
		return fmt.Errorf("WEBHOOK_PATH must start with '/'")
	}
	if c.PollLimit <= 0 || c.JobPageSize <= 0 {
		return fmt.Errorf("POLL_LIMIT and JOB_PAGE_SIZE must be positive")
	}
	if c.JobMaxPageFailures <= 0 {
		return fmt.Errorf("JOB_MAX_PAGE_FAILURES must be positive")
	}
	if c.S3.Enabled && c.S3.Bucket == "" {
		return fmt.Errorf("S3_BUCKET is required when S3_ENABLED is set")
	}
	for name, d := range map[string]time.Duration{
		"HEALTH_INTERVAL":            c.HealthInterval,
		"BACKSTOP_POLL_INTERVAL":     c.BackstopPollInterval,
		"CONVERSATION_POLL_INTERVAL": c.ConversationPollInterval,
		"GATEWAY_TIMEOUT":            c.GatewayTimeout,
		"HEALTH_CALL_TIMEOUT":        c.HealthCallTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	return nil
}

type parser struct {
	getenv func(string) string
	errs   []string
}

func (p *parser) str(key, def string) string {
	if v := strings.TrimSpace(p.getenv(key)); v != "" {
		return v
	}
	return def
}

func (p *parser) list(key string) []string {
	raw := strings.TrimSpace(p.getenv(key))
	if raw == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(p.getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Sprintf("%s: %v", key, err))
		return def
	}
	return d
}

func (p *parser) integer(key string, def int) int {
	raw := strings.TrimSpace(p.getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Sprintf("%s: %v", key, err))
		return def
	}
	return n
}

func (p *parser) float(key string, def float64) float64 {
	raw := strings.TrimSpace(p.getenv(key))
	if raw == "" {
		return def
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Sprintf("%s: %v", key, err))
		return def
	}
	return f
}

func (p *parser) boolean(key string, def bool) bool {
	raw := strings.TrimSpace(p.getenv(key))
	if raw == "" {
		return def
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Sprintf("%s: %v", key, err))
		return def
	}
	return b
}
