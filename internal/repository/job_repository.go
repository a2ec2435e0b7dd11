package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"time"

	appErrors "github.com/unclebandit/smsleopard-crm/internal/errors"
	"github.com/unclebandit/smsleopard-crm/internal/queue"
)

// JobRepositoryInterface keeps one-shot scheduler jobs (campaign runs and
// deferred rule actions) across restarts.
type JobRepositoryInterface interface {
	queue.JobStore
}

type JobRepository struct {
	DB *sql.DB
}

var _ queue.JobStore = (*JobRepository)(nil)

func (r *JobRepository) SaveJob(ctx context.Context, key string, when time.Time, job queue.Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return appErrors.Terminal("save job", err)
	}
	query := `
        INSERT INTO scheduled_jobs (job_key, kind, tenant_id, run_at, payload, updated_at)
        VALUES ($1, $2, $3, $4, $5, NOW())
        ON CONFLICT (job_key) DO UPDATE
        SET kind=EXCLUDED.kind,
            tenant_id=EXCLUDED.tenant_id,
            run_at=EXCLUDED.run_at,
            payload=EXCLUDED.payload,
            updated_at=NOW()
    `
	_, err = r.DB.ExecContext(ctx, query, key, job.Kind, job.TenantID, when, payload)
	return err
}

func (r *JobRepository) DeleteJob(ctx context.Context, key string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE job_key=$1`, key)
	return err
}

// ListJobs skips rows whose payload no longer decodes; they are logged and
// left for an operator.
func (r *JobRepository) ListJobs(ctx context.Context) ([]queue.ScheduledJob, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT job_key, run_at, payload FROM scheduled_jobs ORDER BY run_at ASC, job_key ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := []queue.ScheduledJob{}
	for rows.Next() {
		var sj queue.ScheduledJob
		var payload []byte
		if err := rows.Scan(&sj.Key, &sj.When, &payload); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payload, &sj.Job); err != nil {
			log.Printf("⚠️ scheduled job %s has unreadable payload: %v", sj.Key, err)
			continue
		}
		jobs = append(jobs, sj)
	}
	return jobs, rows.Err()
}
