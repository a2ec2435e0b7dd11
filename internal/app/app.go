// Package app assembles the services shared by the server and worker
// binaries.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log"

	"github.com/go-chi/chi/v5"

	"github.com/unclebandit/smsleopard-crm/internal/channel"
	"github.com/unclebandit/smsleopard-crm/internal/clock"
	"github.com/unclebandit/smsleopard-crm/internal/config"
	"github.com/unclebandit/smsleopard-crm/internal/controller"
	"github.com/unclebandit/smsleopard-crm/internal/db"
	"github.com/unclebandit/smsleopard-crm/internal/handler"
	"github.com/unclebandit/smsleopard-crm/internal/model"
	"github.com/unclebandit/smsleopard-crm/internal/queue"
	"github.com/unclebandit/smsleopard-crm/internal/repository"
	"github.com/unclebandit/smsleopard-crm/internal/repository/memory"
	"github.com/unclebandit/smsleopard-crm/internal/service"
	"github.com/unclebandit/smsleopard-crm/internal/trigger"
)

// App is one wired instance of the core.
type App struct {
	Config    config.Config
	Clock     clock.Clock
	Store     repository.Store
	Scheduler *queue.Scheduler
	Bus       *trigger.Bus
	Transport *queue.AMQPTransport

	Campaigns *service.CampaignService
	Drips     *service.DripService
	Rules     *service.RuleService
	Engine    *service.RuleEngine
	Inbox     *service.InboxService
	Tickets   *service.TicketService

	conn *sql.DB
}

// New opens storage and wires every service. In memory mode the channel
// adapters are mocks.
func New(ctx context.Context, cfg config.Config, clk clock.Clock) (*App, error) {
	a := &App{Config: cfg, Clock: clk}

	var adapters []channel.Adapter
	switch cfg.StoreDriver {
	case "memory":
		log.Println("⚠️ using in-memory store and mock channel adapters")
		a.Store = memory.New()
		adapters = []channel.Adapter{
			channel.NewMockAdapter(model.ChannelSMS, 1),
			channel.NewMockAdapter(model.ChannelWhatsApp, 2),
			channel.NewMockAdapter(model.ChannelEmail, 3),
		}
	default:
		conn, err := db.Open(ctx, cfg.DSN())
		if err != nil {
			return nil, err
		}
		a.conn = conn
		a.Store = repository.NewPostgres(conn)
		opt := channel.WithSendTimeout(cfg.SendTimeout)
		adapters = []channel.Adapter{
			channel.NewSMSAdapter(opt),
			channel.NewWhatsAppAdapter(opt),
			channel.NewEmailAdapter(opt),
		}
	}
	sender := channel.NewRegistry(cfg.SendTimeout, adapters...)

	policies, err := config.LoadSLAPolicies(cfg.SLAPolicyFile)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("load SLA policies: %w", err)
	}

	a.Scheduler = queue.NewScheduler(clk, queue.Config{
		Workers:       cfg.QueueWorkers,
		PollInterval:  cfg.QueuePollInterval,
		MaxAttempts:   cfg.QueueMaxAttempts,
		RetryBackoff:  cfg.QueueRetryBackoff,
		RetryMaxDelay: cfg.QueueRetryMaxDelay,
	})
	a.Scheduler.SetStore(a.Store)
	a.Bus = trigger.NewBus()
	alerter := service.LogAlerter{}
	audience := &service.AudienceResolver{RecordRepo: a.Store, Clock: clk}

	a.Campaigns = &service.CampaignService{
		CampaignRepo: a.Store,
		AccountRepo:  a.Store,
		RecordRepo:   a.Store,
		Audience:     audience,
		Sender:       sender,
		Queue:        a.Scheduler,
		Clock:        clk,
	}
	a.Drips = &service.DripService{
		DripRepo:    a.Store,
		RecordRepo:  a.Store,
		AccountRepo: a.Store,
		Audience:    audience,
		Sender:      sender,
		Alerter:     alerter,
		Clock:       clk,
		BatchSize:   cfg.DripBatchSize,
	}
	a.Engine = &service.RuleEngine{
		RuleRepo:   a.Store,
		RecordRepo: a.Store,
		Keys:       a.Store,
		Dispatcher: a.Campaigns,
		Queue:      a.Scheduler,
		Clock:      clk,
	}
	a.Rules = &service.RuleService{RuleRepo: a.Store}
	a.Inbox = &service.InboxService{
		ConversationRepo: a.Store,
		AccountRepo:      a.Store,
		CampaignRepo:     a.Store,
		DripRepo:         a.Store,
		Events:           a.Bus,
		Sender:           sender,
		Clock:            clk,
	}
	a.Tickets = &service.TicketService{
		TicketRepo: a.Store,
		SLA:        &service.SLATracker{Policies: policies},
		Events:     a.Bus,
		Alerter:    alerter,
		Clock:      clk,
	}

	a.Bus.Subscribe(a.Engine.Subscriber())
	if err := service.RegisterJobHandlers(a.Scheduler, &service.Jobs{
		Tenants:   a.Store,
		Campaigns: a.Campaigns,
		Drips:     a.Drips,
		Rules:     a.Engine,
		Tickets:   a.Tickets,
	}); err != nil {
		a.Close()
		return nil, err
	}

	if cfg.AMQPURL != "" {
		t, err := queue.DialAMQP(cfg.AMQPURL, cfg.AMQPQueue)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Transport = t
		a.Scheduler.SetTransport(t)
	}

	restored, err := a.Scheduler.Restore(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	if restored > 0 {
		log.Printf("✅ restored %d scheduled jobs", restored)
	}
	return a, nil
}

// Routes mounts the webhook and admin endpoints.
func (a *App) Routes(r chi.Router) {
	if a.Config.WebhookSecret == "" {
		log.Println("⚠️ WEBHOOK_SECRET is empty, webhook signatures are not checked")
	}
	webhooks := &handler.WebhookHandler{
		Inbox:       a.Inbox,
		Secret:      a.Config.WebhookSecret,
		VerifyToken: a.Config.WebhookVerifyToken,
		Clock:       a.Clock,
	}
	webhooks.Routes(r)

	ctrl := &controller.Controllers{
		Campaigns:     &controller.CampaignController{CampaignService: a.Campaigns},
		Drips:         &controller.DripController{DripService: a.Drips},
		Rules:         &controller.RuleController{RuleService: a.Rules},
		Tickets:       &controller.TicketController{TicketService: a.Tickets, Clock: a.Clock},
		Conversations: &controller.ConversationController{InboxService: a.Inbox},
	}
	ctrl.Routes(r)
}

// Close releases the AMQP connection and database pool.
func (a *App) Close() {
	if a.Transport != nil {
		if err := a.Transport.Close(); err != nil {
			log.Println("⚠️ close AMQP:", err)
		}
	}
	if a.conn != nil {
		a.conn.Close()
	}
}
