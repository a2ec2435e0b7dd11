package service_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/unclebandit/smsleopard-crm/internal/channel"
	"github.com/unclebandit/smsleopard-crm/internal/clock"
	"github.com/unclebandit/smsleopard-crm/internal/config"
	appErrors "github.com/unclebandit/smsleopard-crm/internal/errors"
	"github.com/unclebandit/smsleopard-crm/internal/model"
	"github.com/unclebandit/smsleopard-crm/internal/queue"
	"github.com/unclebandit/smsleopard-crm/internal/repository/memory"
	"github.com/unclebandit/smsleopard-crm/internal/service"
	"github.com/unclebandit/smsleopard-crm/internal/trigger"
)

var t0 = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

type sentMessage struct {
	TenantID string
	To       string
	Content  channel.Content
	ID       string
}

// fakeSender records sends; addresses listed in fail return that error.
type fakeSender struct {
	mu   sync.Mutex
	seq  int
	sent []sentMessage
	fail map[string]error
}

func (f *fakeSender) Send(ctx context.Context, tenantID string, account *model.ChannelAccount, to string, content channel.Content) (channel.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if account == nil || account.TenantID != tenantID {
		return channel.Receipt{Status: channel.StatusFailed}, appErrors.Terminal("send", fmt.Errorf("bad account"))
	}
	if err, ok := f.fail[to]; ok {
		return channel.Receipt{Status: channel.StatusFailed}, err
	}
	f.seq++
	id := fmt.Sprintf("pm-%d", f.seq)
	f.sent = append(f.sent, sentMessage{TenantID: tenantID, To: to, Content: content, ID: id})
	return channel.Receipt{ProviderMessageID: id, Status: channel.StatusSent}, nil
}

func (f *fakeSender) Sent() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []string
}

func (a *recordingAlerter) Alert(ctx context.Context, tenantID, subject, detail string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, tenantID+": "+subject+": "+detail)
}

func (a *recordingAlerter) Alerts() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.alerts...)
}

type publishedEvent struct {
	TenantID string
	Name     model.TriggerEvent
	Record   *model.Record
}

type harness struct {
	ctx    context.Context
	store  *memory.Store
	clk    *clock.FakeClock
	sched  *queue.Scheduler
	sender *fakeSender
	alerts *recordingAlerter
	bus    *trigger.Bus

	mu     sync.Mutex
	events []publishedEvent

	audience  *service.AudienceResolver
	campaigns *service.CampaignService
	drips     *service.DripService
	engine    *service.RuleEngine
	rules     *service.RuleService
	inbox     *service.InboxService
	tickets   *service.TicketService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		ctx:    context.Background(),
		store:  memory.New(),
		clk:    clock.Fake(t0),
		sender: &fakeSender{fail: map[string]error{}},
		alerts: &recordingAlerter{},
		bus:    trigger.NewBus(),
	}
	h.audience = &service.AudienceResolver{RecordRepo: h.store, Clock: h.clk}
	h.campaigns = &service.CampaignService{
		CampaignRepo: h.store,
		AccountRepo:  h.store,
		RecordRepo:   h.store,
		Audience:     h.audience,
		Sender:       h.sender,
		Clock:        h.clk,
	}
	h.drips = &service.DripService{
		DripRepo:    h.store,
		RecordRepo:  h.store,
		AccountRepo: h.store,
		Audience:    h.audience,
		Sender:      h.sender,
		Alerter:     h.alerts,
		Clock:       h.clk,
		BatchSize:   2,
	}
	h.engine = &service.RuleEngine{
		RuleRepo:   h.store,
		RecordRepo: h.store,
		Keys:       h.store,
		Dispatcher: h.campaigns,
		Clock:      h.clk,
	}
	h.rules = &service.RuleService{RuleRepo: h.store}
	h.inbox = &service.InboxService{
		ConversationRepo: h.store,
		AccountRepo:      h.store,
		CampaignRepo:     h.store,
		DripRepo:         h.store,
		Events:           h.bus,
		Sender:           h.sender,
		Clock:            h.clk,
	}
	h.tickets = &service.TicketService{
		TicketRepo: h.store,
		SLA:        &service.SLATracker{Policies: &config.SLAPolicies{}},
		Events:     h.bus,
		Alerter:    h.alerts,
		Clock:      h.clk,
	}

	h.bus.Subscribe(func(ctx context.Context, ev trigger.Event) error {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.events = append(h.events, publishedEvent{TenantID: ev.TenantID, Name: ev.Name, Record: ev.Record})
		return nil
	})
	h.bus.Subscribe(h.engine.Subscriber())

	h.newScheduler(t)

	for _, tenant := range []string{"t1", "t2"} {
		for _, ch := range []model.Channel{model.ChannelSMS, model.ChannelWhatsApp, model.ChannelEmail} {
			h.store.AddAccount(&model.ChannelAccount{
				TenantID:   tenant,
				Channel:    ch,
				ExternalID: tenant + "-" + string(ch),
				IsDefault:  true,
			})
		}
	}
	return h
}

// newScheduler gives the harness a fresh scheduler over its store, the way
// a new process starts with an empty in-memory queue.
func (h *harness) newScheduler(t *testing.T) {
	t.Helper()
	h.sched = queue.NewScheduler(h.clk, queue.Config{MaxAttempts: 3, RetryBackoff: time.Minute, RetryMaxDelay: 10 * time.Minute})
	h.sched.SetStore(h.store)
	h.campaigns.Queue = h.sched
	h.engine.Queue = h.sched
	require.NoError(t, service.RegisterJobHandlers(h.sched, &service.Jobs{
		Tenants:   h.store,
		Campaigns: h.campaigns,
		Drips:     h.drips,
		Rules:     h.engine,
		Tickets:   h.tickets,
	}))
}

// restart drops every in-memory job and reloads the stored ones.
func (h *harness) restart(t *testing.T) int {
	t.Helper()
	h.newScheduler(t)
	n, err := h.sched.Restore(h.ctx)
	require.NoError(t, err)
	return n
}

func (h *harness) Events() []publishedEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]publishedEvent(nil), h.events...)
}

func (h *harness) addContact(tenantID, name, phone string, tags ...string) *model.Contact {
	return h.store.AddContact(&model.Contact{
		TenantID:  tenantID,
		Channel:   model.ChannelSMS,
		Handle:    phone,
		Name:      name,
		Phone:     phone,
		Email:     name + "@example.com",
		Tags:      tags,
		CreatedAt: h.clk.Now(),
	})
}

func (h *harness) addLead(tenantID string, fields map[string]any) *model.Record {
	if _, ok := fields[model.FieldCreatedAt]; !ok {
		fields[model.FieldCreatedAt] = h.clk.Now()
	}
	return h.store.AddRecord(&model.Record{Kind: model.KindLead, TenantID: tenantID, Fields: fields})
}

func (h *harness) record(t *testing.T, tenantID string, kind model.RecordKind, id int64) *model.Record {
	t.Helper()
	rec, err := h.store.GetRecord(h.ctx, tenantID, kind, id)
	require.NoError(t, err)
	return rec
}
