package gateway

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"wasync/internal/models"
)

// State is the connection state reported by the gateway.
type State string

const (
	StateOpen       State = "open"
	StateClose      State = "close"
	StateConnecting State = "connecting"
)

// ParseState normalizes the gateway's spelling of a connection state.
func ParseState(s string) State {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "open", "connected":
		return StateOpen
	case "connecting":
		return StateConnecting
	}
	return StateClose
}

// QRCode is a pairing code. Base64 holds the rendered image as a data URL.
type QRCode struct {
	Code        string `json:"code"`
	Base64      string `json:"base64"`
	PairingCode string `json:"pairingCode,omitempty"`
}

// Payload is what gets stored as the connection's qrCode.
func (q *QRCode) Payload() string {
	if q == nil {
		return ""
	}
	if q.Base64 != "" {
		return q.Base64
	}
	return q.Code
}

func (q *QRCode) Empty() bool {
	return q == nil || (q.Code == "" && q.Base64 == "")
}

// ConnectResult is the outcome of creating or starting an instance: either a
// pairing QR or an already established session.
type ConnectResult struct {
	State State
	QR    *QRCode
}

type instanceState struct {
	InstanceName string `json:"instanceName"`
	State        string `json:"state"`
	Status       string `json:"status"`
}

type createResponse struct {
	Instance instanceState `json:"instance"`
	QRCode   *QRCode       `json:"qrcode"`
}

type connectResponse struct {
	QRCode
	Instance *instanceState `json:"instance"`
}

type stateResponse struct {
	Instance instanceState `json:"instance"`
}

// InstanceInfo is an entry of fetchInstances.
type InstanceInfo struct {
	Name             string `json:"name"`
	OwnerJID         string `json:"ownerJid"`
	ProfileName      string `json:"profileName"`
	ConnectionStatus string `json:"connectionStatus"`
}

// WebhookConfig is the gateway's webhook registration for an instance.
type WebhookConfig struct {
	Enabled  bool     `json:"enabled"`
	URL      string   `json:"url"`
	Events   []string `json:"events"`
	ByEvents bool     `json:"webhookByEvents"`
	Base64   bool     `json:"webhookBase64"`
}

type setWebhookRequest struct {
	Webhook struct {
		Enabled  bool     `json:"enabled"`
		URL      string   `json:"url"`
		ByEvents bool     `json:"byEvents"`
		Base64   bool     `json:"base64"`
		Events   []string `json:"events"`
	} `json:"webhook"`
}

// MessageKey identifies a message on the gateway.
type MessageKey struct {
	RemoteJID string `json:"remoteJid"`
	FromMe    bool   `json:"fromMe"`
	ID        string `json:"id"`
}

// Timestamp accepts unix seconds encoded as a number or a string.
type Timestamp int64

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*t = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		f, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil {
			return err
		}
		n = int64(f)
	}
	*t = Timestamp(n)
	return nil
}

// Time converts the timestamp, accepting milliseconds as well as seconds.
func (t Timestamp) Time() time.Time {
	if t <= 0 {
		return time.Time{}
	}
	if t > 1e12 {
		return time.UnixMilli(int64(t)).UTC()
	}
	return time.Unix(int64(t), 0).UTC()
}

// SendResult is the gateway's answer to a send.
type SendResult struct {
	Key              MessageKey `json:"key"`
	MessageTimestamp Timestamp  `json:"messageTimestamp"`
	Status           string     `json:"status"`
}

type sendTextRequest struct {
	Number string `json:"number"`
	Text   string `json:"text"`
}

// MediaMessage is an outbound media send. Media is a URL or base64 content.
type MediaMessage struct {
	Number    string `json:"number"`
	MediaType string `json:"mediatype"`
	MimeType  string `json:"mimetype,omitempty"`
	Caption   string `json:"caption,omitempty"`
	Media     string `json:"media"`
	FileName  string `json:"fileName,omitempty"`
}

// MediaContent is the common shape of image/video/audio/document payloads.
type MediaContent struct {
	Caption  string `json:"caption"`
	Mimetype string `json:"mimetype"`
	URL      string `json:"url"`
	FileName string `json:"fileName"`
}

type extendedText struct {
	Text string `json:"text"`
}

// MessageContent is the subset of message bodies this service understands.
type MessageContent struct {
	Conversation string        `json:"conversation"`
	ExtendedText *extendedText `json:"extendedTextMessage"`
	Image        *MediaContent `json:"imageMessage"`
	Video        *MediaContent `json:"videoMessage"`
	Audio        *MediaContent `json:"audioMessage"`
	Document     *MediaContent `json:"documentMessage"`
	Sticker      *MediaContent `json:"stickerMessage"`
	Base64       string        `json:"base64"`
	MediaURL     string        `json:"mediaUrl"`
}

// MessageRecord is a message as returned by findMessages and pushed by the
// messages.upsert webhook.
type MessageRecord struct {
	Key              MessageKey      `json:"key"`
	PushName         string          `json:"pushName"`
	Message          *MessageContent `json:"message"`
	MessageType      string          `json:"messageType"`
	MessageTimestamp Timestamp       `json:"messageTimestamp"`
	Status           json.RawMessage `json:"status"`
}

// MessagePage is one page of findMessages.
type MessagePage struct {
	Total       int             `json:"total"`
	Pages       int             `json:"pages"`
	CurrentPage int             `json:"currentPage"`
	Records     []MessageRecord `json:"records"`
}

type findMessagesResponse struct {
	Messages MessagePage `json:"messages"`
}

// ContactRecord is an entry of findContacts.
type ContactRecord struct {
	RemoteJID     string `json:"remoteJid"`
	PushName      string `json:"pushName"`
	ProfilePicURL string `json:"profilePicUrl"`
}

// ParseStatus maps the gateway's delivery status, given by name or by its
// numeric code, onto a DeliveryStatus.
func ParseStatus(raw string) (models.DeliveryStatus, bool) {
	switch strings.ToUpper(strings.Trim(strings.TrimSpace(raw), `"`)) {
	case "PENDING", "1":
		return models.DeliverySent, true
	case "SERVER_ACK", "2":
		return models.DeliveryServerAck, true
	case "DELIVERY_ACK", "3":
		return models.DeliveryDelivered, true
	case "READ", "PLAYED", "4", "5":
		return models.DeliveryRead, true
	case "ERROR", "0":
		return models.DeliveryFailed, true
	}
	return "", false
}
