package memory

import (
	"context"
	"sort"
	"time"

	"github.com/unclebandit/smsleopard-crm/internal/queue"
)

// ====================== Scheduled Jobs ======================

func (s *Store) SaveJob(ctx context.Context, key string, when time.Time, job queue.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job.Metadata = cloneMetadata(job.Metadata)
	s.jobs[key] = queue.ScheduledJob{Key: key, When: when, Job: job}
	return nil
}

func (s *Store) DeleteJob(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, key)
	return nil
}

func (s *Store) ListJobs(ctx context.Context) ([]queue.ScheduledJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]queue.ScheduledJob, 0, len(s.jobs))
	for _, sj := range s.jobs {
		sj.Job.Metadata = cloneMetadata(sj.Job.Metadata)
		out = append(out, sj)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].When.Equal(out[j].When) {
			return out[i].When.Before(out[j].When)
		}
		return out[i].Key < out[j].Key
	})
	return out, nil
}

func cloneMetadata(md map[string]string) map[string]string {
	if md == nil {
		return nil
	}
	out := make(map[string]string, len(md))
	for k, v := range md {
		out[k] = v
	}
	return out
}
