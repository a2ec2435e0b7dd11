// Package trigger publishes domain events to the rule engine.
package trigger

import (
	"context"
	"fmt"
	"log"
	"sync"

	appErrors "github.com/unclebandit/smsleopard-crm/internal/errors"
	"github.com/unclebandit/smsleopard-crm/internal/model"
)

// Event is one publication: the tenant travels with the snapshot.
type Event struct {
	TenantID string
	Name     model.TriggerEvent
	Record   *model.Record
}

type Subscriber func(ctx context.Context, ev Event) error

// Publisher is what mutating services depend on.
type Publisher interface {
	Publish(ctx context.Context, tenantID string, name model.TriggerEvent, rec *model.Record) error
}

// Bus delivers events synchronously, in subscription order.
type Bus struct {
	mu   sync.RWMutex
	subs []Subscriber
}

func NewBus() *Bus {
	return &Bus{}
}

func (b *Bus) Subscribe(s Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, s)
}

// Publish validates the event and hands it to every subscriber. The first
// subscriber error is returned after all subscribers ran.
func (b *Bus) Publish(ctx context.Context, tenantID string, name model.TriggerEvent, rec *model.Record) error {
	if !name.Valid() {
		return appErrors.Validation("publish", "unknown trigger event %q", name)
	}
	if rec == nil {
		return appErrors.Validation("publish", "event %s has no record", name)
	}
	if rec.TenantID != tenantID {
		return appErrors.Terminal("publish", fmt.Errorf("record %s/%d does not belong to tenant %s", rec.Kind, rec.ID, tenantID))
	}

	b.mu.RLock()
	subs := append([]Subscriber(nil), b.subs...)
	b.mu.RUnlock()

	ev := Event{TenantID: tenantID, Name: name, Record: rec.Clone()}
	var first error
	for _, s := range subs {
		if err := s(ctx, ev); err != nil {
			log.Printf("⚠️ tenant=%s event=%s record=%s/%d subscriber failed: %v", tenantID, name, rec.Kind, rec.ID, err)
			if first == nil {
				first = err
			}
		}
	}
	return first
}
