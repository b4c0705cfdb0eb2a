package main

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
	"github.com/skip2/go-qrcode"
	"github.com/vincent-petithory/dataurl"

	"wasync/internal/connection"
	"wasync/internal/gateway"
	"wasync/internal/models"
	"wasync/internal/outbound"
)

func phoneParam(r *http.Request) (string, error) {
	phone, err := gateway.PhoneFromJID(mux.Vars(r)["phone"])
	if err != nil {
		return "", fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return phone, nil
}

// GetConnection returns the active connection config.
func (s *server) GetConnection() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cfg, err := s.manager.Current(r.Context())
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		s.Respond(w, r, http.StatusOK, cfg)
	}
}

// Connect creates or starts the gateway instance.
func (s *server) Connect() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req connection.ConnectRequest
		if err := decodeBody(r, &req); err != nil {
			s.respondError(w, r, err)
			return
		}
		cfg, err := s.manager.RequestConnect(r.Context(), req)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		s.Respond(w, r, http.StatusOK, cfg)
	}
}

// Disconnect logs the session out. The connection is marked disconnected
// even when the gateway could not be reached.
func (s *server) Disconnect() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cfg, err := s.manager.RequestDisconnect(r.Context())
		if err != nil && cfg == nil {
			s.respondError(w, r, err)
			return
		}
		if err != nil {
			log.Warn().Err(err).Msg("Disconnected locally, gateway logout failed")
			s.respondWithJSON(w, http.StatusBadGateway, map[string]interface{}{
				"code":    http.StatusBadGateway,
				"success": false,
				"error":   err.Error(),
				"data":    cfg,
			})
			return
		}
		s.Respond(w, r, http.StatusOK, cfg)
	}
}

// RemoveConnection tears the integration down.
func (s *server) RemoveConnection() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		purge, _ := strconv.ParseBool(r.URL.Query().Get("purgeMedia"))
		purged, err := s.manager.RemoveIntegration(r.Context(), purge)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		s.Respond(w, r, http.StatusOK, map[string]interface{}{"removed": true, "purgedObjects": purged})
	}
}

// GetQRImage renders the pairing code as a PNG.
func (s *server) GetQRImage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cfg, err := s.manager.Current(r.Context())
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		if cfg.Status != models.StatusAwaitingQRScan || cfg.QRCode == nil || *cfg.QRCode == "" {
			s.Respond(w, r, http.StatusNotFound, errors.New("no pairing code available"))
			return
		}

		var (
			png         []byte
			contentType = "image/png"
		)
		if payload := *cfg.QRCode; strings.HasPrefix(payload, "data:") {
			du, err := dataurl.DecodeString(payload)
			if err != nil {
				s.Respond(w, r, http.StatusInternalServerError, fmt.Errorf("invalid stored qr code: %w", err))
				return
			}
			png, contentType = du.Data, du.ContentType()
		} else {
			png, err = qrcode.Encode(payload, qrcode.Medium, 256)
			if err != nil {
				s.Respond(w, r, http.StatusInternalServerError, err)
				return
			}
		}

		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusOK)
		w.Write(png)
	}
}

// GetHealth returns the latest health report, checking once if none exists.
func (s *server) GetHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := s.monitor.Last()
		if report == nil {
			report = s.monitor.Check(r.Context())
		}
		s.Respond(w, r, http.StatusOK, report)
	}
}

func (s *server) SendText() http.HandlerFunc {
	type sendTextRequest struct {
		Phone string `json:"phone"`
		Text  string `json:"text"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req sendTextRequest
		if err := decodeBody(r, &req); err != nil {
			s.respondError(w, r, err)
			return
		}
		msg, err := s.sender.SendText(r.Context(), req.Phone, req.Text)
		s.respondSent(w, r, msg, err)
	}
}

func (s *server) SendMedia() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req outbound.MediaRequest
		if err := decodeBody(r, &req); err != nil {
			s.respondError(w, r, err)
			return
		}
		msg, err := s.sender.SendMedia(r.Context(), req)
		s.respondSent(w, r, msg, err)
	}
}

// respondSent reports a send. A failed send still returns the stored
// message so the caller can show it as failed.
func (s *server) respondSent(w http.ResponseWriter, r *http.Request, msg *models.Message, err error) {
	if err == nil {
		s.Respond(w, r, http.StatusCreated, msg)
		return
	}
	if msg == nil {
		s.respondError(w, r, err)
		return
	}
	s.respondWithJSON(w, http.StatusBadGateway, map[string]interface{}{
		"code":    http.StatusBadGateway,
		"success": false,
		"error":   err.Error(),
		"data":    msg,
	})
}

func (s *server) ListContacts() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := queryInt(r, "limit", 50, 500)
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		if offset < 0 {
			offset = 0
		}
		contacts, err := s.messages.ListContacts(r.Context(), limit, offset)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		s.Respond(w, r, http.StatusOK, contacts)
	}
}

// UpdateContact assigns a human chosen name. Gateway updates never
// overwrite it.
func (s *server) UpdateContact() http.HandlerFunc {
	type updateContactRequest struct {
		DisplayName string `json:"displayName"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		phone, err := phoneParam(r)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		var req updateContactRequest
		if err := decodeBody(r, &req); err != nil {
			s.respondError(w, r, err)
			return
		}
		contact, err := s.messages.SetDisplayName(r.Context(), phone, strings.TrimSpace(req.DisplayName))
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		s.Respond(w, r, http.StatusOK, contact)
	}
}

func (s *server) MarkRead() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		phone, err := phoneParam(r)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		if err := s.messages.ResetUnread(r.Context(), phone); err != nil {
			s.respondError(w, r, err)
			return
		}
		s.Respond(w, r, http.StatusOK, map[string]interface{}{"phone": phone, "unreadCount": 0})
	}
}

func (s *server) ListMessages() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		phone, err := phoneParam(r)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		msgs, err := s.messages.ListMessages(r.Context(), phone, queryInt(r, "limit", 50, 500))
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		s.Respond(w, r, http.StatusOK, msgs)
	}
}

// WatchConversation starts or renews the poll of an open conversation.
func (s *server) WatchConversation() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		phone, err := phoneParam(r)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		expires, err := s.supervisor.Watch(phone)
		if err != nil {
			s.respondError(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
			return
		}
		s.Respond(w, r, http.StatusOK, map[string]interface{}{"phone": phone, "expiresAt": expires})
	}
}

func (s *server) UnwatchConversation() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		phone, err := phoneParam(r)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		s.Respond(w, r, http.StatusOK, map[string]interface{}{"phone": phone, "stopped": s.supervisor.Unwatch(phone)})
	}
}

// Poll runs a reconciliation right away.
func (s *server) Poll() http.HandlerFunc {
	type pollRequest struct {
		Phone string `json:"phone"`
		Limit int    `json:"limit"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req pollRequest
		if err := decodeBody(r, &req); err != nil {
			s.respondError(w, r, err)
			return
		}
		if req.Phone != "" {
			phone, err := gateway.PhoneFromJID(req.Phone)
			if err != nil {
				s.respondError(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
				return
			}
			req.Phone = phone
		}
		s.Respond(w, r, http.StatusOK, s.reconciler.PollSince(r.Context(), req.Phone, req.Limit))
	}
}
