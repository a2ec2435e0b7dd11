package service

import (
	"context"
	"fmt"
	"log"
	"time"

	appErrors "github.com/unclebandit/smsleopard-crm/internal/errors"
	"github.com/unclebandit/smsleopard-crm/internal/queue"
	"github.com/unclebandit/smsleopard-crm/internal/repository"
)

// JobSubscriber registers handlers by kind. *queue.Scheduler satisfies it.
type JobSubscriber interface {
	Subscribe(kind queue.Kind, handler queue.Handler) error
	OnExhausted(kind queue.Kind, fn queue.ExhaustedHandler) error
}

// Jobs bundles the services that back queue handlers.
type Jobs struct {
	Tenants   repository.TenantRepositoryInterface
	Campaigns *CampaignService
	Drips     *DripService
	Rules     *RuleEngine
	Tickets   *TicketService
}

// RegisterJobHandlers subscribes one handler per job kind.
func RegisterJobHandlers(s JobSubscriber, j *Jobs) error {
	handlers := map[queue.Kind]queue.Handler{
		queue.KindCampaignRun:        j.Campaigns.HandleRun,
		queue.KindRuleDeferredAction: j.Rules.HandleDeferred,
		queue.KindDripAdvance:        j.handleDripSweep,
		queue.KindSLASweep:           j.handleSLASweep,
	}
	for _, kind := range []queue.Kind{queue.KindCampaignRun, queue.KindRuleDeferredAction, queue.KindDripAdvance, queue.KindSLASweep} {
		if err := s.Subscribe(kind, handlers[kind]); err != nil {
			return fmt.Errorf("subscribe %s: %w", kind, err)
		}
	}
	if err := s.OnExhausted(queue.KindCampaignRun, j.Campaigns.HandleExhausted); err != nil {
		return fmt.Errorf("subscribe exhausted %s: %w", queue.KindCampaignRun, err)
	}
	return nil
}

// ScheduleSweeps submits the periodic drip and SLA sweeps. The jobs carry
// no tenant; each run walks every tenant and passes it explicitly.
func ScheduleSweeps(ctx context.Context, q queue.Queue, dripEvery, slaEvery time.Duration) error {
	if err := q.SubmitPeriodic(ctx, queue.Key("sweep", queue.KindDripAdvance), dripEvery,
		queue.Job{Kind: queue.KindDripAdvance}); err != nil {
		return fmt.Errorf("schedule drip sweep: %w", err)
	}
	if err := q.SubmitPeriodic(ctx, queue.Key("sweep", queue.KindSLASweep), slaEvery,
		queue.Job{Kind: queue.KindSLASweep}); err != nil {
		return fmt.Errorf("schedule SLA sweep: %w", err)
	}
	return nil
}

func (j *Jobs) tenants(ctx context.Context, job queue.Job) ([]string, error) {
	if job.TenantID != "" {
		return []string{job.TenantID}, nil
	}
	ids, err := j.Tenants.ListTenants(ctx)
	if err != nil {
		return nil, appErrors.Transient("list tenants", err)
	}
	return ids, nil
}

// forEachTenant runs fn per tenant. A failing tenant does not stop the
// others; the first transient error is returned for redelivery.
func (j *Jobs) forEachTenant(ctx context.Context, job queue.Job, fn func(ctx context.Context, tenantID string) error) error {
	ids, err := j.tenants(ctx, job)
	if err != nil {
		return err
	}
	var first error
	for _, id := range ids {
		if err := fn(ctx, id); err != nil {
			log.Printf("❌ tenant=%s %s failed: %v", id, job.Kind, err)
			if first == nil && appErrors.IsTransient(err) {
				first = err
			}
		}
	}
	return first
}

func (j *Jobs) handleDripSweep(ctx context.Context, job queue.Job) error {
	return j.forEachTenant(ctx, job, func(ctx context.Context, tenantID string) error {
		res, err := j.Drips.Sweep(ctx, tenantID)
		if err != nil {
			return err
		}
		if res.Enrolled+res.Advanced+res.Stopped > 0 {
			log.Printf("✅ tenant=%s drip sweep: enrolled=%d advanced=%d sent=%d failed=%d stopped=%d",
				tenantID, res.Enrolled, res.Advanced, res.Sent, res.Failed, res.Stopped)
		}
		return nil
	})
}

func (j *Jobs) handleSLASweep(ctx context.Context, job queue.Job) error {
	return j.forEachTenant(ctx, job, func(ctx context.Context, tenantID string) error {
		_, err := j.Tickets.SweepBreaches(ctx, tenantID)
		return err
	})
}
