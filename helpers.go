package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"wasync/internal/connection"
	"wasync/internal/gateway"
	"wasync/internal/jobs"
	"wasync/internal/outbound"
	"wasync/internal/store"
)

// Respond wraps data in the API envelope. An error value becomes the error
// field.
func (s *server) Respond(w http.ResponseWriter, r *http.Request, status int, data interface{}) {
	envelope := map[string]interface{}{"code": status}
	if err, ok := data.(error); ok {
		envelope["success"] = false
		envelope["error"] = err.Error()
	} else {
		envelope["success"] = status < http.StatusBadRequest
		if data != nil {
			envelope["data"] = data
		}
	}
	s.respondWithJSON(w, status, envelope)
}

func (s *server) respondWithJSON(w http.ResponseWriter, statusCode int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// respondError maps domain errors onto HTTP statuses.
func (s *server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	var gwErr *gateway.Error
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, connection.ErrMissingCredentials),
		errors.Is(err, outbound.ErrInvalidMessage),
		errors.Is(err, errBadRequest):
		status = http.StatusBadRequest
	case errors.Is(err, jobs.ErrJobNotFound),
		errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, outbound.ErrNotConnected),
		errors.Is(err, jobs.ErrNotConnected),
		errors.Is(err, jobs.ErrJobFinished):
		status = http.StatusConflict
	case errors.As(err, &gwErr):
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
	}
	s.Respond(w, r, status, err)
}

var errBadRequest = errors.New("bad request")

// decodeBody decodes an optional JSON body into v.
func decodeBody(r *http.Request, v interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

// queryInt reads a positive integer query parameter, falling back to def.
func queryInt(r *http.Request, key string, def, max int) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || n <= 0 {
		return def
	}
	if max > 0 && n > max {
		return max
	}
	return n
}
