package channel

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/unclebandit/smsleopard-crm/internal/model"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw request body.
const SignatureHeader = "X-Hub-Signature-256"

// CanonicalInbound is a provider-neutral inbound message.
type CanonicalInbound struct {
	Channel           model.Channel
	AccountExternalID string
	ExternalSender    string
	SenderName        string
	Content           string
	ProviderMessageID string
	ReceivedAt        time.Time
}

// StatusUpdate is a provider delivery receipt for an outbound message.
type StatusUpdate struct {
	Channel           model.Channel
	AccountExternalID string
	ProviderMessageID string
	Status            model.MessageStatus
	Bounced           bool // provider reported a bounce; Status is MessageFailed
	Error             string
}

// Batch is everything one webhook request carried. Unknown shapes parse
// into an empty batch.
type Batch struct {
	Messages []CanonicalInbound
	Statuses []StatusUpdate
}

// VerifySignature checks header ("sha256=<hex>" or bare hex) against the
// HMAC of body under secret.
func VerifySignature(secret string, body []byte, header string) bool {
	if secret == "" || header == "" {
		return false
	}
	sig := strings.TrimPrefix(strings.TrimSpace(header), "sha256=")
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// Sign returns the header value VerifySignature accepts.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

type waPayload struct {
	Entry []struct {
		Changes []struct {
			Value waValue `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
	// Flat shape used by the SMS and email gateways.
	AccountID string      `json:"account_id"`
	Messages  []waMessage `json:"messages"`
	Statuses  []waStatus  `json:"statuses"`
}

type waValue struct {
	Metadata struct {
		PhoneNumberID string `json:"phone_number_id"`
	} `json:"metadata"`
	Contacts []struct {
		WaID    string `json:"wa_id"`
		Profile struct {
			Name string `json:"name"`
		} `json:"profile"`
	} `json:"contacts"`
	Messages []waMessage `json:"messages"`
	Statuses []waStatus  `json:"statuses"`
}

type waMessage struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	Name      string `json:"name"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      struct {
		Body string `json:"body"`
	} `json:"text"`
	Body string `json:"body"`
}

type waStatus struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Errors []struct {
		Title string `json:"title"`
	} `json:"errors"`
	Error string `json:"error"`
}

// ParseWebhook decodes a messaging webhook body. now stamps messages that
// carry no provider timestamp.
func ParseWebhook(ch model.Channel, body []byte, now time.Time) (Batch, error) {
	var p waPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return Batch{}, err
	}

	var b Batch
	for _, entry := range p.Entry {
		for _, change := range entry.Changes {
			v := change.Value
			names := map[string]string{}
			for _, c := range v.Contacts {
				names[c.WaID] = c.Profile.Name
			}
			b.add(ch, v.Metadata.PhoneNumberID, v.Messages, v.Statuses, names, now)
		}
	}
	if p.AccountID != "" {
		b.add(ch, p.AccountID, p.Messages, p.Statuses, nil, now)
	}
	return b, nil
}

func (b *Batch) add(ch model.Channel, account string, msgs []waMessage, statuses []waStatus, names map[string]string, now time.Time) {
	for _, m := range msgs {
		if m.ID == "" || m.From == "" {
			continue
		}
		content := m.Text.Body
		if content == "" {
			content = m.Body
		}
		name := m.Name
		if name == "" {
			name = names[m.From]
		}
		b.Messages = append(b.Messages, CanonicalInbound{
			Channel:           ch,
			AccountExternalID: account,
			ExternalSender:    m.From,
			SenderName:        name,
			Content:           content,
			ProviderMessageID: m.ID,
			ReceivedAt:        parseUnix(m.Timestamp, now),
		})
	}
	for _, s := range statuses {
		status, ok := providerStatus(s.Status)
		if s.ID == "" || !ok {
			continue
		}
		errMsg := s.Error
		if errMsg == "" && len(s.Errors) > 0 {
			errMsg = s.Errors[0].Title
		}
		b.Statuses = append(b.Statuses, StatusUpdate{
			Channel:           ch,
			AccountExternalID: account,
			ProviderMessageID: s.ID,
			Status:            status,
			Bounced:           strings.EqualFold(s.Status, "bounced"),
			Error:             errMsg,
		})
	}
}

func providerStatus(s string) (model.MessageStatus, bool) {
	switch strings.ToLower(s) {
	case "sent":
		return model.MessageSent, true
	case "delivered":
		return model.MessageDelivered, true
	case "read":
		return model.MessageRead, true
	case "failed", "undelivered", "bounced":
		return model.MessageFailed, true
	}
	return "", false
}

func parseUnix(ts string, fallback time.Time) time.Time {
	if ts == "" {
		return fallback
	}
	secs, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fallback
	}
	return time.Unix(secs, 0).UTC()
}
