package channel

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"github.com/google/uuid"

	appErrors "github.com/unclebandit/smsleopard-crm/internal/errors"
	"github.com/unclebandit/smsleopard-crm/internal/model"
)

// MockAdapter simulates a provider for local runs: it succeeds with
// probability SuccessRate and returns a random message id.
type MockAdapter struct {
	channel     model.Channel
	SuccessRate float64

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewMockAdapter returns a mock with a 90% success rate.
func NewMockAdapter(ch model.Channel, seed int64) *MockAdapter {
	return &MockAdapter{channel: ch, SuccessRate: 0.9, rnd: rand.New(rand.NewSource(seed))}
}

func (m *MockAdapter) Channel() model.Channel { return m.channel }

func (m *MockAdapter) Send(ctx context.Context, tenantID string, account *model.ChannelAccount, to string, content Content) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{Status: StatusFailed}, err
	}
	m.mu.Lock()
	r := m.rnd.Float64()
	m.mu.Unlock()
	if r >= m.SuccessRate {
		return Receipt{Status: StatusFailed}, appErrors.Transient("mock send", fmt.Errorf("mock sending failed"))
	}
	return Receipt{ProviderMessageID: "mock-" + uuid.NewString(), Status: StatusSent}, nil
}
