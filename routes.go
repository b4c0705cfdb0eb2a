package main

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/justinas/alice"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"
)

func (s *server) routes() http.Handler {
	s.router = mux.NewRouter()

	c := alice.New()
	c = c.Append(hlog.NewHandler(log.Logger))
	c = c.Append(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("Got API request")
	}))
	c = c.Append(hlog.RemoteAddrHandler("ip"))
	c = c.Append(hlog.RequestIDHandler("req_id", "Request-Id"))

	// The gateway authenticates with the webhook token, not the API token.
	s.router.Handle(s.cfg.WebhookPath, c.Then(s.webhook)).Methods(http.MethodPost)

	api := s.router.PathPrefix("/api").Subrouter()
	a := c.Append(s.authalice)

	api.Handle("/connection", a.Then(s.GetConnection())).Methods(http.MethodGet)
	api.Handle("/connection", a.Then(s.RemoveConnection())).Methods(http.MethodDelete)
	api.Handle("/connection/connect", a.Then(s.Connect())).Methods(http.MethodPost)
	api.Handle("/connection/disconnect", a.Then(s.Disconnect())).Methods(http.MethodPost)
	api.Handle("/connection/qr.png", a.Then(s.GetQRImage())).Methods(http.MethodGet)

	api.Handle("/health", a.Then(s.GetHealth())).Methods(http.MethodGet)

	api.Handle("/messages/text", a.Then(s.SendText())).Methods(http.MethodPost)
	api.Handle("/messages/media", a.Then(s.SendMedia())).Methods(http.MethodPost)

	api.Handle("/contacts", a.Then(s.ListContacts())).Methods(http.MethodGet)
	api.Handle("/contacts/{phone}", a.Then(s.UpdateContact())).Methods(http.MethodPut)
	api.Handle("/contacts/{phone}/read", a.Then(s.MarkRead())).Methods(http.MethodPost)
	api.Handle("/contacts/{phone}/messages", a.Then(s.ListMessages())).Methods(http.MethodGet)

	api.Handle("/conversations/{phone}/watch", a.Then(s.WatchConversation())).Methods(http.MethodPost)
	api.Handle("/conversations/{phone}/watch", a.Then(s.UnwatchConversation())).Methods(http.MethodDelete)

	api.Handle("/poll", a.Then(s.Poll())).Methods(http.MethodPost)

	api.Handle("/jobs", a.Then(s.StartJob())).Methods(http.MethodPost)
	api.Handle("/jobs", a.Then(s.ListJobs())).Methods(http.MethodGet)
	api.Handle("/jobs/{jobId}", a.Then(s.GetJob())).Methods(http.MethodGet)
	api.Handle("/jobs/{jobId}/cancel", a.Then(s.CancelJob())).Methods(http.MethodPost)

	return s.router
}

// authalice checks the bearer token of API requests when one is configured.
func (s *server) authalice(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		token := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.APIToken)) != 1 {
			s.Respond(w, r, http.StatusUnauthorized, errors.New("unauthorized"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
