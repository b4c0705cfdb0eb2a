package main

import (
	"net/http"

	"github.com/gorilla/mux"

	"wasync/config"
	"wasync/internal/connection"
	"wasync/internal/health"
	"wasync/internal/jobs"
	"wasync/internal/outbound"
	"wasync/internal/poll"
	"wasync/internal/store"
	"wasync/internal/supervisor"
)

type server struct {
	cfg        *config.Config
	router     *mux.Router
	manager    *connection.Manager
	monitor    *health.Monitor
	messages   *store.MessageStore
	sender     *outbound.Sender
	reconciler *poll.Reconciler
	supervisor *supervisor.Supervisor
	runner     *jobs.Runner
	webhook    http.Handler
}
