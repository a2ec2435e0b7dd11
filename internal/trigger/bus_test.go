package trigger

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/unclebandit/smsleopard-crm/internal/errors"
	"github.com/unclebandit/smsleopard-crm/internal/model"
)

func TestPublishDeliversSnapshot(t *testing.T) {
	bus := NewBus()
	var got []Event
	bus.Subscribe(func(ctx context.Context, ev Event) error {
		got = append(got, ev)
		ev.Record.Fields["name"] = "changed"
		return nil
	})

	rec := &model.Record{Kind: model.KindLead, ID: 1, TenantID: "t1", Fields: map[string]any{"name": "Ada"}}
	require.NoError(t, bus.Publish(context.Background(), "t1", model.EventLeadCreated, rec))
	require.Len(t, got, 1)
	assert.Equal(t, "t1", got[0].TenantID)
	assert.Equal(t, "Ada", rec.Fields["name"])
}

func TestPublishRejectsUnknownEventAndForeignRecord(t *testing.T) {
	bus := NewBus()
	rec := &model.Record{Kind: model.KindLead, ID: 1, TenantID: "t1"}

	err := bus.Publish(context.Background(), "t1", "lead_exploded", rec)
	assert.True(t, appErrors.IsValidation(err))

	err = bus.Publish(context.Background(), "t2", model.EventLeadCreated, rec)
	assert.Equal(t, appErrors.KindTerminal, appErrors.KindOf(err))
}

func TestPublishRunsAllSubscribers(t *testing.T) {
	bus := NewBus()
	calls := 0
	bus.Subscribe(func(ctx context.Context, ev Event) error { calls++; return errors.New("boom") })
	bus.Subscribe(func(ctx context.Context, ev Event) error { calls++; return nil })

	rec := &model.Record{Kind: model.KindDeal, ID: 2, TenantID: "t1"}
	err := bus.Publish(context.Background(), "t1", model.EventDealUpdated, rec)
	assert.EqualError(t, err, "boom")
	assert.Equal(t, 2, calls)
}
