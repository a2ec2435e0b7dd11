package queue

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Kind is the closed set of job kinds the core schedules.
type Kind string

const (
	KindCampaignRun        Kind = "campaign_run"
	KindDripAdvance        Kind = "drip_advance"
	KindRuleDeferredAction Kind = "rule_deferred_action"
	KindSLASweep           Kind = "sla_sweep"
)

// Job is the payload handed to handlers. The tenant always travels in the
// payload; handlers never inherit it from the submitter.
type Job struct {
	Kind     Kind              `json:"kind"`
	TenantID string            `json:"tenant_id"`
	ObjectID int64             `json:"object_id"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Key      string            `json:"key"`
	Attempt  int               `json:"attempt"`
}

// Handler executes one job. Handlers must tolerate redelivery.
type Handler func(ctx context.Context, job Job) error

// ExhaustedHandler is told about a job that failed and will not be retried.
type ExhaustedHandler func(ctx context.Context, job Job, cause error)

// ScheduledJob is a one-shot job as a JobStore keeps it.
type ScheduledJob struct {
	Key  string
	When time.Time
	Job  Job
}

// JobStore persists one-shot jobs so that a restarted scheduler can pick
// them up again. Periodic jobs are resubmitted at startup and never stored.
type JobStore interface {
	SaveJob(ctx context.Context, key string, when time.Time, job Job) error
	DeleteJob(ctx context.Context, key string) error
	ListJobs(ctx context.Context) ([]ScheduledJob, error)
}

// Queue is the submission side the core depends on.
type Queue interface {
	SubmitOnce(ctx context.Context, key string, when time.Time, job Job) error
	SubmitPeriodic(ctx context.Context, key string, interval time.Duration, job Job) error
	Cancel(key string) error
}

// Key joins idempotency key parts: Key("campaign", 12) == "campaign:12".
func Key(parts ...any) string {
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = fmt.Sprint(p)
	}
	return strings.Join(out, ":")
}

type cancelFlagKey struct{}

type cancelFlag interface{ Load() bool }

// Cancelled reports whether the job running under ctx was cancelled via
// Cancel. Long handlers check it between recipients.
func Cancelled(ctx context.Context) bool {
	flag, ok := ctx.Value(cancelFlagKey{}).(cancelFlag)
	return ok && flag.Load()
}

func withCancelFlag(ctx context.Context, flag cancelFlag) context.Context {
	return context.WithValue(ctx, cancelFlagKey{}, flag)
}
