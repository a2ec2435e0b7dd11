// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/pflag"

	"github.com/unclebandit/smsleopard-crm/internal/app"
	"github.com/unclebandit/smsleopard-crm/internal/clock"
	"github.com/unclebandit/smsleopard-crm/internal/config"
	"github.com/unclebandit/smsleopard-crm/internal/service"
	"github.com/unclebandit/smsleopard-crm/internal/telemetry"
)

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

	shutdownTracing, err := telemetry.Setup(ctx, "crm-server", cfg.OTELEndpoint, cfg.OTELEnabled)
	if err != nil {
		log.Println("⚠️ tracing disabled:", err)
	}
	defer shutdownTracing(context.Background())

	a, err := app.New(ctx, cfg, clock.Real())
	if err != nil {
		log.Fatal("❌ ", err)
	}
	defer a.Close()

	if err := service.ScheduleSweeps(ctx, a.Scheduler, cfg.DripSweepInterval, cfg.SLASweepInterval); err != nil {
		log.Fatal("❌ ", err)
	}
	a.Scheduler.Start(ctx)

	r := chi.NewRouter()
	a.Routes(r)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("🚀 Server running on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Println("❌ http server:", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Println("⚠️ shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Println("⚠️ http shutdown:", err)
	}
	if err := a.Scheduler.Stop(cfg.QueueDrainTimeout); err != nil {
		log.Println("⚠️ scheduler stop:", err)
	}
}
