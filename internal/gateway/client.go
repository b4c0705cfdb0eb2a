package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"wasync/internal/models"
)

// Client talks to one instance of the messaging gateway.
type Client struct {
	httpClient *resty.Client
	instance   string
}

// Options tune a Client. Retries greater than zero retry transport errors
// and 5xx/429 answers with backoff; user-initiated calls use zero.
type Options struct {
	Timeout   time.Duration
	Retries   int
	RetryWait time.Duration
}

// NewClient creates a client for the instance described by cfg.
func NewClient(cfg *models.ConnectionConfig, opts Options) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("gateway config cannot be nil")
	}
	if cfg.APIURL == "" {
		return nil, fmt.Errorf("gateway apiUrl cannot be empty")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gateway apiKey cannot be empty")
	}
	if cfg.InstanceName == "" {
		return nil, fmt.Errorf("gateway instanceName cannot be empty")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}

	client := resty.New().
		SetBaseURL(cfg.APIURL).
		SetHeader("apikey", cfg.APIKey).
		SetHeader("Content-Type", "application/json").
		SetTimeout(opts.Timeout)

	if opts.Retries > 0 {
		wait := opts.RetryWait
		if wait <= 0 {
			wait = 500 * time.Millisecond
		}
		client.
			SetRetryCount(opts.Retries).
			SetRetryWaitTime(wait).
			SetRetryMaxWaitTime(8 * wait).
			AddRetryCondition(func(r *resty.Response, err error) bool {
				if err != nil {
					return true
				}
				return r != nil && (r.StatusCode() >= http.StatusInternalServerError || r.StatusCode() == http.StatusTooManyRequests)
			})
	}

	return &Client{httpClient: client, instance: cfg.InstanceName}, nil
}

func (c *Client) path(format string) string {
	return fmt.Sprintf(format, url.PathEscape(c.instance))
}

func (c *Client) do(ctx context.Context, op, method, path string, body, result interface{}) error {
	req := c.httpClient.R().SetContext(ctx)
	if body != nil {
		req.SetBody(body)
	}
	if result != nil {
		req.SetResult(result)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		log.Error().Err(err).Str("op", op).Str("path", path).Msg("Gateway API: request failed")
		return &Error{Op: op, Err: err}
	}
	if resp.IsError() {
		log.Error().Str("op", op).Str("path", path).Int("statusCode", resp.StatusCode()).Str("responseBody", string(resp.Body())).Msg("Gateway API: returned an error")
		return &Error{Op: op, StatusCode: resp.StatusCode(), Body: resp.String()}
	}
	return nil
}

// CreateInstance registers the instance on the gateway and asks for a QR.
// An instance that already exists is started instead.
func (c *Client) CreateInstance(ctx context.Context) (*ConnectResult, error) {
	body := map[string]interface{}{
		"instanceName": c.instance,
		"qrcode":       true,
		"integration":  "WHATSAPP-BAILEYS",
	}
	var out createResponse
	err := c.do(ctx, "createInstance", http.MethodPost, "/instance/create", body, &out)
	if isAlreadyInUse(err) {
		log.Info().Str("instance", c.instance).Msg("Gateway instance already exists, connecting")
		return c.Connect(ctx)
	}
	if err != nil {
		return nil, err
	}

	res := &ConnectResult{State: ParseState(out.Instance.Status), QR: out.QRCode}
	if !res.QR.Empty() {
		res.State = StateConnecting
	} else if res.State != StateOpen {
		// Freshly created instances may not carry a QR yet.
		return c.Connect(ctx)
	}
	log.Info().Str("instance", c.instance).Str("state", string(res.State)).Bool("qr", !res.QR.Empty()).Msg("Gateway instance created")
	return res, nil
}

// Connect starts the instance. The result carries a QR unless the session is
// already paired.
func (c *Client) Connect(ctx context.Context) (*ConnectResult, error) {
	var out connectResponse
	if err := c.do(ctx, "connect", http.MethodGet, c.path("/instance/connect/%s"), nil, &out); err != nil {
		return nil, err
	}
	if out.Instance != nil && out.QRCode.Empty() {
		return &ConnectResult{State: ParseState(out.Instance.State)}, nil
	}
	qr := out.QRCode
	if qr.Empty() {
		return &ConnectResult{State: StateConnecting}, nil
	}
	return &ConnectResult{State: StateConnecting, QR: &qr}, nil
}

// ConnectionState returns the gateway's view of the instance connection.
func (c *Client) ConnectionState(ctx context.Context) (State, error) {
	var out stateResponse
	if err := c.do(ctx, "connectionState", http.MethodGet, c.path("/instance/connectionState/%s"), nil, &out); err != nil {
		return "", err
	}
	return ParseState(out.Instance.State), nil
}

// FetchInstance returns the instance details, including the paired owner.
func (c *Client) FetchInstance(ctx context.Context) (*InstanceInfo, error) {
	var out []InstanceInfo
	req := c.httpClient.R().SetContext(ctx).SetQueryParam("instanceName", c.instance).SetResult(&out)
	resp, err := req.Get("/instance/fetchInstances")
	if err != nil {
		log.Error().Err(err).Str("op", "fetchInstances").Msg("Gateway API: request failed")
		return nil, &Error{Op: "fetchInstances", Err: err}
	}
	if resp.IsError() {
		log.Error().Str("op", "fetchInstances").Int("statusCode", resp.StatusCode()).Str("responseBody", string(resp.Body())).Msg("Gateway API: returned an error")
		return nil, &Error{Op: "fetchInstances", StatusCode: resp.StatusCode(), Body: resp.String()}
	}
	for i := range out {
		if out[i].Name == c.instance {
			return &out[i], nil
		}
	}
	return nil, &Error{Op: "fetchInstances", StatusCode: http.StatusNotFound, Body: "instance not listed"}
}

// PairedNumber returns the phone number the instance is paired with.
func (c *Client) PairedNumber(ctx context.Context) (string, error) {
	info, err := c.FetchInstance(ctx)
	if err != nil {
		return "", err
	}
	if info.OwnerJID == "" {
		return "", fmt.Errorf("instance %s has no owner yet", c.instance)
	}
	return PhoneFromJID(info.OwnerJID)
}

func (c *Client) Logout(ctx context.Context) error {
	return c.do(ctx, "logout", http.MethodDelete, c.path("/instance/logout/%s"), nil, nil)
}

func (c *Client) DeleteInstance(ctx context.Context) error {
	return c.do(ctx, "deleteInstance", http.MethodDelete, c.path("/instance/delete/%s"), nil, nil)
}

// FindWebhook returns the registered webhook; an unregistered one comes back
// disabled with an empty URL.
func (c *Client) FindWebhook(ctx context.Context) (*WebhookConfig, error) {
	var out *WebhookConfig
	if err := c.do(ctx, "findWebhook", http.MethodGet, c.path("/webhook/find/%s"), nil, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = &WebhookConfig{}
	}
	return out, nil
}

// SetWebhook registers url for events.
func (c *Client) SetWebhook(ctx context.Context, webhookURL string, events []string) error {
	var body setWebhookRequest
	body.Webhook.Enabled = true
	body.Webhook.URL = webhookURL
	body.Webhook.Base64 = true
	body.Webhook.Events = events
	if err := c.do(ctx, "setWebhook", http.MethodPost, c.path("/webhook/set/%s"), body, nil); err != nil {
		return err
	}
	log.Info().Str("instance", c.instance).Str("url", webhookURL).Strs("events", events).Msg("Gateway webhook registered")
	return nil
}

func (c *Client) SendText(ctx context.Context, number, text string) (*SendResult, error) {
	var out SendResult
	if err := c.do(ctx, "sendText", http.MethodPost, c.path("/message/sendText/%s"), sendTextRequest{Number: number, Text: text}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) SendMedia(ctx context.Context, msg MediaMessage) (*SendResult, error) {
	var out SendResult
	if err := c.do(ctx, "sendMedia", http.MethodPost, c.path("/message/sendMedia/%s"), msg, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FindMessages returns one page (1-based) of the most recent messages,
// optionally restricted to one conversation.
func (c *Client) FindMessages(ctx context.Context, remoteJID string, page, pageSize int) (*MessagePage, error) {
	where := map[string]interface{}{}
	if remoteJID != "" {
		where["key"] = map[string]string{"remoteJid": remoteJID}
	}
	body := map[string]interface{}{"where": where, "page": page, "offset": pageSize}

	var out findMessagesResponse
	if err := c.do(ctx, "findMessages", http.MethodPost, c.path("/chat/findMessages/%s"), body, &out); err != nil {
		return nil, err
	}
	return &out.Messages, nil
}

func (c *Client) FindContacts(ctx context.Context) ([]ContactRecord, error) {
	var out []ContactRecord
	body := map[string]interface{}{"where": map[string]interface{}{}}
	if err := c.do(ctx, "findContacts", http.MethodPost, c.path("/chat/findContacts/%s"), body, &out); err != nil {
		return nil, err
	}
	return out, nil
}
