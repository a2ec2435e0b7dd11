// Package channel holds the provider adapters for outbound sends and the
// inbound webhook parsers paired with them.
package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	appErrors "github.com/unclebandit/smsleopard-crm/internal/errors"
	"github.com/unclebandit/smsleopard-crm/internal/model"
)

// DefaultSendTimeout bounds every outbound send unless the adapter
// overrides it.
const DefaultSendTimeout = 30 * time.Second

// Content is a rendered outbound message.
type Content struct {
	Subject string
	Body    string
}

type SendStatus string

const (
	StatusSent   SendStatus = "sent"
	StatusFailed SendStatus = "failed"
)

// Receipt is the provider's answer to one send.
type Receipt struct {
	ProviderMessageID string
	Status            SendStatus
}

// Adapter sends over one channel. Implementations never retry; a
// transient error is returned for the scheduler to redeliver.
type Adapter interface {
	Channel() model.Channel
	Send(ctx context.Context, tenantID string, account *model.ChannelAccount, to string, content Content) (Receipt, error)
}

// TimeoutOverride lets an adapter replace DefaultSendTimeout.
type TimeoutOverride interface {
	SendTimeout() time.Duration
}

// Registry dispatches sends to the adapter for a channel and applies the
// send deadline.
type Registry struct {
	mu       sync.RWMutex
	adapters map[model.Channel]Adapter
	timeout  time.Duration
}

// NewRegistry builds a registry with the given default deadline.
func NewRegistry(timeout time.Duration, adapters ...Adapter) *Registry {
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}
	r := &Registry{adapters: make(map[model.Channel]Adapter), timeout: timeout}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds or replaces the adapter for a.Channel().
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Channel()] = a
}

// Adapter returns the adapter for ch.
func (r *Registry) Adapter(ch model.Channel) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[ch]
	if !ok {
		return nil, appErrors.Terminal("channel adapter", fmt.Errorf("no adapter for channel %q", ch))
	}
	return a, nil
}

// Send delivers content through the adapter for account's channel. The
// account must belong to tenantID. Exceeding the deadline is transient.
func (r *Registry) Send(ctx context.Context, tenantID string, account *model.ChannelAccount, to string, content Content) (Receipt, error) {
	if account == nil {
		return Receipt{Status: StatusFailed}, appErrors.Terminal("send", errors.New("no channel account"))
	}
	if account.TenantID != tenantID {
		return Receipt{Status: StatusFailed}, appErrors.Terminal("send", errors.New("channel account belongs to another tenant"))
	}
	if to == "" {
		return Receipt{Status: StatusFailed}, appErrors.Terminal("send", errors.New("recipient has no address"))
	}
	a, err := r.Adapter(account.Channel)
	if err != nil {
		return Receipt{Status: StatusFailed}, err
	}

	timeout := r.timeout
	if o, ok := a.(TimeoutOverride); ok && o.SendTimeout() > 0 {
		timeout = o.SendTimeout()
	}
	sendCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	receipt, err := a.Send(sendCtx, tenantID, account, to, content)
	if err != nil {
		receipt.Status = StatusFailed
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(sendCtx.Err(), context.DeadlineExceeded) {
			return receipt, appErrors.Transient("send", fmt.Errorf("send deadline %s exceeded: %w", timeout, err))
		}
		return receipt, err
	}
	if receipt.Status == "" {
		receipt.Status = StatusSent
	}
	return receipt, nil
}
