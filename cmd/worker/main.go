package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/unclebandit/smsleopard-crm/internal/app"
	"github.com/unclebandit/smsleopard-crm/internal/clock"
	"github.com/unclebandit/smsleopard-crm/internal/config"
	"github.com/unclebandit/smsleopard-crm/internal/telemetry"
)

var errNoBroker = errors.New("worker needs AMQP_URL")

// newWorker wires the services that execute consumed jobs. Deferred rule
// actions created while running are scheduled locally and published back
// to the broker when due.
func newWorker(ctx context.Context, cfg config.Config) (*app.App, error) {
	if cfg.AMQPURL == "" {
		return nil, errNoBroker
	}
	return app.New(ctx, cfg, clock.Real())
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("❌ ", err)
	}
	cfg.Flags(pflag.CommandLine)
	pflag.Parse()
	if err := cfg.Validate(); err != nil {
		log.Fatal("❌ ", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, "crm-worker", cfg.OTELEndpoint, cfg.OTELEnabled)
	if err != nil {
		log.Println("⚠️ tracing disabled:", err)
	}
	defer shutdownTracing(context.Background())

	a, err := newWorker(ctx, cfg)
	if err != nil {
		log.Fatal("❌ ", err)
	}
	defer a.Close()

	a.Scheduler.Start(ctx)
	log.Println("🚀 Worker started. Waiting for jobs...")
	if err := a.Transport.Consume(ctx, a.Scheduler, cfg.QueueMaxAttempts); err != nil {
		log.Println("❌ consumer stopped:", err)
	}
	if err := a.Scheduler.Stop(cfg.QueueDrainTimeout); err != nil {
		log.Println("⚠️ scheduler stop:", err)
	}
}
