package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"wasync/internal/models"
)

// EventType is the normalized kind of a webhook event.
type EventType string

const (
	EventMessageUpsert       EventType = "MessageUpsert"
	EventMessageStatusUpdate EventType = "MessageStatusUpdate"
	EventConnectionUpdate    EventType = "ConnectionUpdate"
	EventQRUpdate            EventType = "QRUpdate"
	EventContactUpdate       EventType = "ContactUpdate"
	EventIgnored             EventType = "Ignored"
)

// Event is one of MessageUpsert, MessageStatusUpdate, ConnectionUpdate,
// QRUpdate, ContactUpdate or Ignored.
type Event interface {
	Type() EventType
}

// ParsedMessage is a gateway message mapped onto the local model.
type ParsedMessage struct {
	Message   models.Message
	PushName  string
	MimeType  string
	MediaData string
}

type MessageUpsert struct {
	Messages []ParsedMessage
}

// StatusChange moves a message's status. Phone may be empty when the gateway
// did not say which conversation the id belongs to.
type StatusChange struct {
	Phone      string
	ExternalID string
	Status     models.DeliveryStatus
}

type MessageStatusUpdate struct {
	Changes []StatusChange
}

type ConnectionUpdate struct {
	State        State
	Number       string
	StatusReason int
}

type QRUpdate struct {
	QR QRCode
}

type ContactChange struct {
	Phone             string
	PushName          string
	ProfilePictureURL string
}

type ContactUpdate struct {
	Contacts []ContactChange
}

// Ignored is any event this service does not act on.
type Ignored struct {
	Name string
}

func (MessageUpsert) Type() EventType       { return EventMessageUpsert }
func (MessageStatusUpdate) Type() EventType { return EventMessageStatusUpdate }
func (ConnectionUpdate) Type() EventType    { return EventConnectionUpdate }
func (QRUpdate) Type() EventType            { return EventQRUpdate }
func (ContactUpdate) Type() EventType       { return EventContactUpdate }
func (Ignored) Type() EventType             { return EventIgnored }

// Envelope is a parsed webhook delivery.
type Envelope struct {
	Name     string
	Instance string
	APIKey   string
	Sent     time.Time
	Event    Event
}

type rawEnvelope struct {
	Event    string          `json:"event"`
	Instance string          `json:"instance"`
	Data     json.RawMessage `json:"data"`
	DateTime string          `json:"date_time"`
	APIKey   string          `json:"apikey"`
}

// NormalizeEventName maps "MESSAGES_UPSERT" and "messages-upsert" onto "messages.upsert".
func NormalizeEventName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	return strings.NewReplacer("_", ".", "-", ".").Replace(name)
}

// ParseEnvelope validates a webhook body and decodes its data into the
// matching event. Unknown events parse as Ignored.
func ParseEnvelope(body []byte) (*Envelope, error) {
	var raw rawEnvelope
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if strings.TrimSpace(raw.Event) == "" {
		return nil, fmt.Errorf("%w: missing event name", ErrMalformedEvent)
	}

	env := &Envelope{Name: NormalizeEventName(raw.Event), Instance: raw.Instance, APIKey: raw.APIKey}
	if t, err := time.Parse(time.RFC3339, raw.DateTime); err == nil {
		env.Sent = t.UTC()
	}

	var err error
	switch env.Name {
	case "messages.upsert", "send.message":
		env.Event, err = parseMessageUpsert(raw.Data)
	case "messages.update":
		env.Event, err = parseStatusUpdate(raw.Data)
	case "connection.update":
		env.Event, err = parseConnectionUpdate(raw.Data)
	case "qrcode.updated":
		env.Event, err = parseQRUpdate(raw.Data)
	case "contacts.update", "contacts.upsert":
		env.Event, err = parseContactUpdate(raw.Data)
	default:
		env.Event = Ignored{Name: env.Name}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedEvent, env.Name, err)
	}
	return env, nil
}

// decodeOneOrMany decodes data holding either one T or a list of them.
func decodeOneOrMany[T any](data json.RawMessage) ([]T, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, fmt.Errorf("missing data")
	}
	if data[0] == '[' {
		var out []T
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, err
		}
		return out, nil
	}
	var one T
	if err := json.Unmarshal(data, &one); err != nil {
		return nil, err
	}
	return []T{one}, nil
}

func parseMessageUpsert(data json.RawMessage) (Event, error) {
	records, err := decodeOneOrMany[MessageRecord](data)
	if err != nil {
		return nil, err
	}
	ev := MessageUpsert{}
	for _, rec := range records {
		msg, err := rec.Parse()
		if errors.Is(err, ErrUnsupportedChat) {
			continue
		}
		if err != nil {
			return nil, err
		}
		ev.Messages = append(ev.Messages, msg)
	}
	return ev, nil
}

// Parse maps a gateway record onto a Message. Records from groups and other
// non one-to-one chats return ErrUnsupportedChat.
func (r MessageRecord) Parse() (ParsedMessage, error) {
	var out ParsedMessage
	if r.Key.ID == "" {
		return out, fmt.Errorf("message without key.id")
	}
	phone, err := PhoneFromJID(r.Key.RemoteJID)
	if err != nil {
		return out, err
	}

	msg := models.Message{
		ContactRef: phone,
		ExternalID: r.Key.ID,
		Timestamp:  r.MessageTimestamp.Time(),
		Direction:  models.DirectionInbound,
	}
	if r.Key.FromMe {
		msg.Direction = models.DirectionOutbound
	}

	if c := r.Message; c != nil {
		msg.Body = c.Conversation
		if msg.Body == "" && c.ExtendedText != nil {
			msg.Body = c.ExtendedText.Text
		}
		for _, m := range []struct {
			kind    string
			content *MediaContent
		}{
			{"image", c.Image}, {"video", c.Video}, {"audio", c.Audio}, {"document", c.Document}, {"sticker", c.Sticker},
		} {
			if m.content == nil {
				continue
			}
			msg.MediaType = m.kind
			out.MimeType = m.content.Mimetype
			if msg.Body == "" {
				msg.Body = m.content.Caption
			}
			break
		}
		msg.MediaURL = c.MediaURL
		out.MediaData = c.Base64
	}

	status, ok := ParseStatus(string(r.Status))
	if !ok {
		status = models.DeliveryDelivered
		if msg.Direction == models.DirectionOutbound {
			status = models.DeliveryServerAck
		}
	}
	msg.DeliveryStatus = status

	out.Message = msg
	if !r.Key.FromMe {
		out.PushName = r.PushName
	}
	return out, nil
}

type statusRecord struct {
	KeyID     string          `json:"keyId"`
	RemoteJID string          `json:"remoteJid"`
	Status    json.RawMessage `json:"status"`
	Key       *MessageKey     `json:"key"`
	Update    *struct {
		Status json.RawMessage `json:"status"`
	} `json:"update"`
}

func parseStatusUpdate(data json.RawMessage) (Event, error) {
	records, err := decodeOneOrMany[statusRecord](data)
	if err != nil {
		return nil, err
	}
	ev := MessageStatusUpdate{}
	for _, rec := range records {
		id, jid, rawStatus := rec.KeyID, rec.RemoteJID, rec.Status
		if rec.Key != nil {
			if id == "" {
				id = rec.Key.ID
			}
			if jid == "" {
				jid = rec.Key.RemoteJID
			}
		}
		if rec.Update != nil && len(rec.Update.Status) > 0 {
			rawStatus = rec.Update.Status
		}
		if id == "" {
			return nil, fmt.Errorf("status update without message id")
		}

		status, ok := ParseStatus(string(rawStatus))
		if !ok {
			continue
		}
		var phone string
		if jid != "" {
			phone, err = PhoneFromJID(jid)
			if errors.Is(err, ErrUnsupportedChat) {
				continue
			}
			if err != nil {
				return nil, err
			}
		}
		ev.Changes = append(ev.Changes, StatusChange{Phone: phone, ExternalID: id, Status: status})
	}
	return ev, nil
}

func parseConnectionUpdate(data json.RawMessage) (Event, error) {
	var raw struct {
		State        string `json:"state"`
		StatusReason int    `json:"statusReason"`
		WUID         string `json:"wuid"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	if raw.State == "" {
		return nil, fmt.Errorf("connection update without state")
	}
	ev := ConnectionUpdate{State: ParseState(raw.State), StatusReason: raw.StatusReason}
	if raw.WUID != "" {
		number, err := PhoneFromJID(raw.WUID)
		if err != nil {
			return nil, err
		}
		ev.Number = number
	}
	return ev, nil
}

func parseQRUpdate(data json.RawMessage) (Event, error) {
	var raw struct {
		Nested      *QRCode `json:"qrcode"`
		Code        string  `json:"code"`
		Base64      string  `json:"base64"`
		PairingCode string  `json:"pairingCode"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	qr := QRCode{Code: raw.Code, Base64: raw.Base64, PairingCode: raw.PairingCode}
	if raw.Nested != nil {
		qr = *raw.Nested
	}
	if qr.Empty() {
		return nil, fmt.Errorf("qr update without code")
	}
	return QRUpdate{QR: qr}, nil
}

func parseContactUpdate(data json.RawMessage) (Event, error) {
	records, err := decodeOneOrMany[ContactRecord](data)
	if err != nil {
		return nil, err
	}
	ev := ContactUpdate{}
	for _, rec := range records {
		phone, err := PhoneFromJID(rec.RemoteJID)
		if errors.Is(err, ErrUnsupportedChat) {
			continue
		}
		if err != nil {
			return nil, err
		}
		ev.Contacts = append(ev.Contacts, ContactChange{Phone: phone, PushName: rec.PushName, ProfilePictureURL: rec.ProfilePicURL})
	}
	return ev, nil
}
