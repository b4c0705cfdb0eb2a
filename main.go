package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/mdp/qrterminal/v3"
	"github.com/rs/zerolog/log"

	"wasync/config"
	"wasync/internal/broker"
	"wasync/internal/connection"
	"wasync/internal/db"
	"wasync/internal/gateway"
	"wasync/internal/handlers"
	"wasync/internal/health"
	"wasync/internal/ingest"
	"wasync/internal/jobs"
	"wasync/internal/media"
	"wasync/internal/models"
	"wasync/internal/outbound"
	"wasync/internal/poll"
	"wasync/internal/scheduler"
	"wasync/internal/store"
	"wasync/internal/supervisor"
	"wasync/pkg/logger"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	logger.InitLogger(cfg.LogLevel, cfg.LogFormat)

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("Server stopped with error")
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	events, err := webhookEvents(cfg.WebhookEvents)
	if err != nil {
		return err
	}

	conn, err := db.Open(cfg.DatabaseType, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := db.MigrateDB(ctx, conn); err != nil {
		return err
	}

	connStore := store.NewConnectionStore(conn)
	messages := store.NewMessageStore(conn)
	jobStore := store.NewJobStore(conn)

	var publisher broker.Publisher = broker.Noop{}
	if cfg.RabbitMQURL != "" {
		rabbit, err := broker.Dial(cfg.RabbitMQURL, cfg.RabbitMQQueuePrefix)
		if err != nil {
			log.Warn().Err(err).Msg("RabbitMQ unavailable, events will not be published")
		} else {
			publisher = rabbit
			defer rabbit.Close()
		}
	}

	factory := &gateway.Factory{
		Timeout:           cfg.GatewayTimeout,
		BackgroundTimeout: cfg.HealthCallTimeout,
		Retries:           cfg.BackgroundRetries,
		RetryWait:         500 * time.Millisecond,
	}

	manager, err := connection.NewManager(connStore, factory, connection.Defaults{
		InstanceName: cfg.GatewayInstance,
		APIURL:       cfg.GatewayURL,
		APIKey:       cfg.GatewayAPIKey,
		WebhookURL:   cfg.PublicWebhookURL,
		Events:       events,
	}, publisher)
	if err != nil {
		return err
	}

	ingestor := ingest.New(messages, manager, publisher)
	if cfg.S3.Enabled {
		mirror, err := media.NewMirror(cfg.S3)
		if err != nil {
			return err
		}
		ingestor.WithMedia(mirror)
		manager.WithPurger(mirror)
	}

	reconciler := poll.New(manager, factory, ingestor, connStore, poll.Options{
		Cooldown: cfg.PollCooldown,
		Limit:    cfg.PollLimit,
	})
	monitor := health.NewMonitor(manager, reconciler, ingestor.Activity(), health.Options{
		CallTimeout:  cfg.HealthCallTimeout,
		Retries:      cfg.BackgroundRetries,
		GapThreshold: cfg.GapThreshold,
	})
	sup := supervisor.New(manager, monitor, reconciler, scheduler.New(), supervisor.Options{
		HealthInterval:           cfg.HealthInterval,
		BackstopPollInterval:     cfg.BackstopPollInterval,
		ConversationPollInterval: cfg.ConversationPollInterval,
		WatchTTL:                 cfg.ConversationWatchTTL,
	})
	manager.OnChange(sup.Notify)
	if cfg.QRTerminal {
		manager.OnChange(terminalQR(manager))
	}

	runner := jobs.NewRunner(jobStore, manager, factory, ingestor, publisher, jobs.Options{
		PageSize:        cfg.JobPageSize,
		MaxPageFailures: cfg.JobMaxPageFailures,
		PagesPerSecond:  cfg.JobPagesPerSecond,
	})
	if _, err := runner.RecoverOrphaned(ctx); err != nil {
		return err
	}

	s := &server{
		cfg:        cfg,
		manager:    manager,
		monitor:    monitor,
		messages:   messages,
		sender:     outbound.New(manager, factory, messages, publisher),
		reconciler: reconciler,
		supervisor: sup,
		runner:     runner,
		webhook:    handlers.NewWebhookHandler(ingestor, cfg.WebhookToken, 10*time.Second),
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	sup.Start(ctx)

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("port", cfg.Port).Str("webhookPath", cfg.WebhookPath).Msg("Server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			sup.Stop()
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	runner.Shutdown(shutdownCtx)
	sup.Stop()
	log.Info().Msg("Server stopped")
	return nil
}

// terminalQR prints each new pairing code to stdout. Listeners run while
// the manager holds its lock, so the code is read in a goroutine.
func terminalQR(manager *connection.Manager) connection.Listener {
	var (
		mu   sync.Mutex
		last string
	)
	return func(cfg *models.ConnectionConfig) {
		if cfg == nil || cfg.Status != models.StatusAwaitingQRScan {
			return
		}
		go func() {
			qr := manager.LastQR()
			if qr == nil || qr.Code == "" {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if qr.Code == last {
				return
			}
			last = qr.Code
			log.Info().Str("instance", cfg.InstanceName).Msg("Scan the QR code below to pair the instance")
			qrterminal.GenerateHalfBlock(qr.Code, qrterminal.L, os.Stdout)
		}()
	}
}
