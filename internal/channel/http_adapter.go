package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	appErrors "github.com/unclebandit/smsleopard-crm/internal/errors"
	"github.com/unclebandit/smsleopard-crm/internal/model"
)

const maxErrorBodyBytes = 1 << 16

// HTTPAdapter posts JSON to a provider API described by the channel
// account (api_url, access_token, sender).
type HTTPAdapter struct {
	channel    model.Channel
	httpClient *http.Client
	timeout    time.Duration
	endpoint   func(account *model.ChannelAccount) string
	payload    func(account *model.ChannelAccount, to string, content Content) any
	messageID  func(body []byte) string
}

type Option func(*HTTPAdapter)

func WithHTTPClient(client *http.Client) Option {
	return func(a *HTTPAdapter) {
		if client != nil {
			a.httpClient = client
		}
	}
}

func WithSendTimeout(d time.Duration) Option {
	return func(a *HTTPAdapter) { a.timeout = d }
}

func newHTTPAdapter(ch model.Channel, opts []Option) *HTTPAdapter {
	a := &HTTPAdapter{
		channel:    ch,
		httpClient: &http.Client{},
		endpoint:   func(acc *model.ChannelAccount) string { return acc.APIURL },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// NewWhatsAppAdapter speaks the WhatsApp Cloud API message endpoint.
func NewWhatsAppAdapter(opts ...Option) *HTTPAdapter {
	a := newHTTPAdapter(model.ChannelWhatsApp, opts)
	a.endpoint = func(acc *model.ChannelAccount) string {
		return strings.TrimRight(acc.APIURL, "/") + "/" + acc.ExternalID + "/messages"
	}
	a.payload = func(_ *model.ChannelAccount, to string, c Content) any {
		return map[string]any{
			"messaging_product": "whatsapp",
			"to":                to,
			"type":              "text",
			"text":              map[string]string{"body": c.Body},
		}
	}
	a.messageID = func(body []byte) string {
		var resp struct {
			Messages []struct {
				ID string `json:"id"`
			} `json:"messages"`
		}
		if json.Unmarshal(body, &resp) != nil || len(resp.Messages) == 0 {
			return ""
		}
		return resp.Messages[0].ID
	}
	return a
}

// NewEmailAdapter posts to a transactional email API.
func NewEmailAdapter(opts ...Option) *HTTPAdapter {
	a := newHTTPAdapter(model.ChannelEmail, opts)
	a.payload = func(acc *model.ChannelAccount, to string, c Content) any {
		return map[string]string{"from": acc.Sender, "to": to, "subject": c.Subject, "text": c.Body}
	}
	a.messageID = idField("id")
	return a
}

// NewSMSAdapter posts to an SMS gateway.
func NewSMSAdapter(opts ...Option) *HTTPAdapter {
	a := newHTTPAdapter(model.ChannelSMS, opts)
	a.payload = func(acc *model.ChannelAccount, to string, c Content) any {
		return map[string]string{"from": acc.Sender, "to": to, "message": c.Body}
	}
	a.messageID = idField("message_id")
	return a
}

func idField(name string) func([]byte) string {
	return func(body []byte) string {
		var resp map[string]any
		if json.Unmarshal(body, &resp) != nil {
			return ""
		}
		id, _ := resp[name].(string)
		return id
	}
}

func (a *HTTPAdapter) Channel() model.Channel { return a.channel }

func (a *HTTPAdapter) SendTimeout() time.Duration { return a.timeout }

// Send posts one message. 5xx, 429 and network errors are transient;
// other non-2xx answers are terminal.
func (a *HTTPAdapter) Send(ctx context.Context, tenantID string, account *model.ChannelAccount, to string, content Content) (Receipt, error) {
	body, err := json.Marshal(a.payload(account, to, content))
	if err != nil {
		return Receipt{Status: StatusFailed}, appErrors.Terminal("marshal send payload", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint(account), bytes.NewReader(body))
	if err != nil {
		return Receipt{Status: StatusFailed}, appErrors.Terminal("build send request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if account.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+account.AccessToken)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Receipt{Status: StatusFailed}, err
		}
		return Receipt{Status: StatusFailed}, appErrors.Transient("post "+string(a.channel), err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	if err != nil {
		return Receipt{Status: StatusFailed}, appErrors.Transient("read provider response", err)
	}

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		return Receipt{ProviderMessageID: a.messageID(respBody), Status: StatusSent}, nil
	}

	providerErr := fmt.Errorf("provider status=%d body=%q", resp.StatusCode, string(respBody))
	if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
		return Receipt{Status: StatusFailed}, appErrors.Transient("send "+string(a.channel), providerErr)
	}
	return Receipt{Status: StatusFailed}, appErrors.Terminal("send "+string(a.channel), providerErr)
}
