package app_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/smsleopard-crm/internal/app"
	"github.com/unclebandit/smsleopard-crm/internal/clock"
	"github.com/unclebandit/smsleopard-crm/internal/config"
	"github.com/unclebandit/smsleopard-crm/internal/controller"
	"github.com/unclebandit/smsleopard-crm/internal/model"
	"github.com/unclebandit/smsleopard-crm/internal/service"
)

func memoryConfig() config.Config {
	return config.Config{
		StoreDriver:       "memory",
		QueueMaxAttempts:  3,
		DripBatchSize:     10,
		DripSweepInterval: time.Minute,
		SLASweepInterval:  time.Minute,
		SendTimeout:       time.Second,
	}
}

func TestMemoryAppServesTicketsAndSweeps(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	clk := clock.Fake(start)

	a, err := app.New(ctx, memoryConfig(), clk)
	require.NoError(t, err)
	defer a.Close()
	require.Nil(t, a.Transport)
	require.NoError(t, service.ScheduleSweeps(ctx, a.Scheduler, time.Minute, time.Minute))

	r := chi.NewRouter()
	a.Routes(r)

	body, _ := json.Marshal(map[string]any{"subject": "Down", "priority": "urgent"})
	req := httptest.NewRequest(http.MethodPost, "/tickets/", bytes.NewReader(body))
	req.Header.Set(controller.TenantHeader, "acme")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var tk model.Ticket
	require.NoError(t, json.NewDecoder(w.Body).Decode(&tk))

	clk.Advance(2 * time.Hour)
	assert.Equal(t, 2, a.Scheduler.RunDue(ctx))

	req = httptest.NewRequest(http.MethodGet, "/tickets/"+strconv.FormatInt(tk.ID, 10), nil)
	req.Header.Set(controller.TenantHeader, "acme")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.NewDecoder(w.Body).Decode(&tk))
	assert.NotNil(t, tk.BreachNotifiedAt)

	req = httptest.NewRequest(http.MethodGet, "/webhooks/sms?challenge=ping", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, "ping", w.Body.String())
}

func TestUnknownSLAPolicyFileFails(t *testing.T) {
	cfg := memoryConfig()
	cfg.SLAPolicyFile = "/nonexistent/sla.yaml"
	_, err := app.New(context.Background(), cfg, clock.Fake(time.Now()))
	assert.Error(t, err)
}
