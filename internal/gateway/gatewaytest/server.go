// Package gatewaytest runs an in-process fake of the messaging gateway API.
package gatewaytest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"wasync/internal/gateway"
	"wasync/internal/models"
)

const (
	APIKey   = "test-key"
	Instance = "test-instance"
)

type failure struct {
	status int
	times  int
}

// Server is a fake gateway holding one instance. Zero values mean a fresh,
// never created instance that hands out a QR on connect.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	created  bool
	state    gateway.State
	qr       gateway.QRCode
	owner    string
	webhook  *gateway.WebhookConfig
	messages []gateway.MessageRecord
	contacts []gateway.ContactRecord
	sent     int
	calls    map[string]int
	failures map[string]*failure
	delays   map[string]time.Duration
}

// New starts a fake gateway that is closed when t ends.
func New(t testing.TB) *Server {
	s := &Server{
		state:    gateway.StateClose,
		qr:       gateway.QRCode{Code: "2@fake-pairing-code", Base64: "data:image/png;base64,iVBORw0KGgo="},
		calls:    map[string]int{},
		failures: map[string]*failure{},
		delays:   map[string]time.Duration{},
	}

	r := mux.NewRouter()
	r.Use(s.auth)
	r.HandleFunc("/instance/create", s.handle("create", s.create)).Methods(http.MethodPost)
	r.HandleFunc("/instance/connect/{instance}", s.handle("connect", s.connect)).Methods(http.MethodGet)
	r.HandleFunc("/instance/connectionState/{instance}", s.handle("connectionState", s.connectionState)).Methods(http.MethodGet)
	r.HandleFunc("/instance/fetchInstances", s.handle("fetchInstances", s.fetchInstances)).Methods(http.MethodGet)
	r.HandleFunc("/instance/logout/{instance}", s.handle("logout", s.logout)).Methods(http.MethodDelete)
	r.HandleFunc("/instance/delete/{instance}", s.handle("delete", s.deleteInstance)).Methods(http.MethodDelete)
	r.HandleFunc("/webhook/find/{instance}", s.handle("findWebhook", s.findWebhook)).Methods(http.MethodGet)
	r.HandleFunc("/webhook/set/{instance}", s.handle("setWebhook", s.setWebhook)).Methods(http.MethodPost)
	r.HandleFunc("/message/sendText/{instance}", s.handle("sendText", s.send)).Methods(http.MethodPost)
	r.HandleFunc("/message/sendMedia/{instance}", s.handle("sendMedia", s.send)).Methods(http.MethodPost)
	r.HandleFunc("/chat/findMessages/{instance}", s.handle("findMessages", s.findMessages)).Methods(http.MethodPost)
	r.HandleFunc("/chat/findContacts/{instance}", s.handle("findContacts", s.findContacts)).Methods(http.MethodPost)

	s.Server = httptest.NewServer(r)
	t.Cleanup(s.Close)
	return s
}

// Config returns a connection config pointing at this server.
func (s *Server) Config() *models.ConnectionConfig {
	return &models.ConnectionConfig{
		InstanceName: Instance,
		APIURL:       s.URL,
		APIKey:       APIKey,
		Status:       models.StatusDisconnected,
	}
}

// Fail makes op answer status for the next times calls, or forever if times < 0.
func (s *Server) Fail(op string, status, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = &failure{status: status, times: times}
}

// Heal clears every injected failure.
func (s *Server) Heal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = map[string]*failure{}
}

// Delay slows op down by d.
func (s *Server) Delay(op string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays[op] = d
}

// Calls returns how often op was requested, failed calls included.
func (s *Server) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Pair simulates a scanned QR: the instance becomes open and owned by phone.
func (s *Server) Pair(phone string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created = true
	s.state = gateway.StateOpen
	s.owner = gateway.JIDFromPhone(phone)
}

// SetState overrides the reported connection state.
func (s *Server) SetState(state gateway.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

func (s *Server) SetWebhook(cfg *gateway.WebhookConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.webhook = cfg
}

func (s *Server) Webhook() *gateway.WebhookConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.webhook == nil {
		return nil
	}
	cp := *s.webhook
	return &cp
}

// AddMessage stores a message the gateway will list.
func (s *Server) AddMessage(rec gateway.MessageRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, rec)
}

// AddTextMessage stores an inbound text from phone.
func (s *Server) AddTextMessage(phone, id, text string, at time.Time) {
	s.AddMessage(gateway.MessageRecord{
		Key:              gateway.MessageKey{RemoteJID: gateway.JIDFromPhone(phone), ID: id},
		PushName:         "Contact " + phone,
		Message:          &gateway.MessageContent{Conversation: text},
		MessageTimestamp: gateway.Timestamp(at.Unix()),
		Status:           json.RawMessage(`"DELIVERY_ACK"`),
	})
}

func (s *Server) AddContact(rec gateway.ContactRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contacts = append(s.contacts, rec)
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("apikey") != APIKey {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handle(op string, fn func(w http.ResponseWriter, r *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.calls[op]++
		delay := s.delays[op]
		f := s.failures[op]
		status := 0
		if f != nil && f.times != 0 {
			status = f.status
			if f.times > 0 {
				f.times--
			}
		}
		s.mu.Unlock()

		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}
		if status != 0 {
			writeJSON(w, status, map[string]string{"error": http.StatusText(status)})
			return
		}
		if v := mux.Vars(r)["instance"]; v != "" && v != Instance {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "instance not found"})
			return
		}
		fn(w, r)
	}
}

func (s *Server) create(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.created {
		writeJSON(w, http.StatusForbidden, map[string]interface{}{
			"status": http.StatusForbidden,
			"response": map[string]interface{}{
				"message": []string{fmt.Sprintf("This name %q is already in use.", Instance)},
			},
		})
		return
	}
	s.created = true
	resp := map[string]interface{}{
		"instance": map[string]string{"instanceName": Instance, "status": "created"},
	}
	if s.state != gateway.StateOpen {
		s.state = gateway.StateConnecting
		resp["qrcode"] = s.qr
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) connect(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.created {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "instance not found"})
		return
	}
	if s.state == gateway.StateOpen {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"instance": map[string]string{"instanceName": Instance, "state": string(s.state)},
		})
		return
	}
	s.state = gateway.StateConnecting
	writeJSON(w, http.StatusOK, s.qr)
}

func (s *Server) connectionState(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"instance": map[string]string{"instanceName": Instance, "state": string(s.state)},
	})
}

func (s *Server) fetchInstances(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []gateway.InstanceInfo{}
	if s.created {
		out = append(out, gateway.InstanceInfo{Name: Instance, OwnerJID: s.owner, ConnectionStatus: string(s.state)})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = gateway.StateClose
	s.owner = ""
	writeJSON(w, http.StatusOK, map[string]string{"status": "SUCCESS"})
}

func (s *Server) deleteInstance(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created = false
	s.state = gateway.StateClose
	s.owner = ""
	s.webhook = nil
	writeJSON(w, http.StatusOK, map[string]string{"status": "SUCCESS"})
}

func (s *Server) findWebhook(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.webhook == nil {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	writeJSON(w, http.StatusOK, s.webhook)
}

func (s *Server) setWebhook(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Webhook struct {
			Enabled  bool     `json:"enabled"`
			URL      string   `json:"url"`
			ByEvents bool     `json:"byEvents"`
			Base64   bool     `json:"base64"`
			Events   []string `json:"events"`
		} `json:"webhook"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.webhook = &gateway.WebhookConfig{
		Enabled:  body.Webhook.Enabled,
		URL:      body.Webhook.URL,
		Events:   body.Webhook.Events,
		ByEvents: body.Webhook.ByEvents,
		Base64:   body.Webhook.Base64,
	}
	writeJSON(w, http.StatusCreated, s.webhook)
}

func (s *Server) send(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Number string `json:"number"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Number == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "number is required"})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != gateway.StateOpen {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "instance not connected"})
		return
	}
	s.sent++
	writeJSON(w, http.StatusCreated, gateway.SendResult{
		Key:              gateway.MessageKey{RemoteJID: gateway.JIDFromPhone(body.Number), FromMe: true, ID: fmt.Sprintf("GW%04d", s.sent)},
		MessageTimestamp: gateway.Timestamp(time.Now().Unix()),
		Status:           "PENDING",
	})
}

func (s *Server) findMessages(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Where struct {
			Key struct {
				RemoteJID string `json:"remoteJid"`
			} `json:"key"`
		} `json:"where"`
		Page   int `json:"page"`
		Offset int `json:"offset"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if body.Page < 1 {
		body.Page = 1
	}
	if body.Offset < 1 {
		body.Offset = 50
	}

	s.mu.Lock()
	var matched []gateway.MessageRecord
	for _, m := range s.messages {
		if body.Where.Key.RemoteJID == "" || m.Key.RemoteJID == body.Where.Key.RemoteJID {
			matched = append(matched, m)
		}
	}
	s.mu.Unlock()

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].MessageTimestamp > matched[j].MessageTimestamp
	})

	pages := (len(matched) + body.Offset - 1) / body.Offset
	start := (body.Page - 1) * body.Offset
	records := []gateway.MessageRecord{}
	if start < len(matched) {
		end := start + body.Offset
		if end > len(matched) {
			end = len(matched)
		}
		records = matched[start:end]
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"messages": gateway.MessagePage{Total: len(matched), Pages: pages, CurrentPage: body.Page, Records: records},
	})
}

func (s *Server) findContacts(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]gateway.ContactRecord{}, s.contacts...)
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
