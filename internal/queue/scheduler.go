package queue

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/unclebandit/smsleopard-crm/internal/clock"
	appErrors "github.com/unclebandit/smsleopard-crm/internal/errors"
)

// Config tunes the scheduler worker pool and redelivery.
type Config struct {
	Workers       int
	PollInterval  time.Duration
	MaxAttempts   int
	RetryBackoff  time.Duration
	RetryMaxDelay time.Duration
}

func (c Config) normalized() Config {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 5 * time.Second
	}
	if c.RetryMaxDelay < c.RetryBackoff {
		c.RetryMaxDelay = c.RetryBackoff
	}
	return c
}

// Transport hands a due job to whatever executes it. The scheduler uses
// its own handlers when no transport is set.
type Transport interface {
	Deliver(ctx context.Context, job Job) error
}

type entry struct {
	key       string
	job       Job
	when      time.Time
	interval  time.Duration
	inFlight  bool
	attempts  int
	cancelled *atomic.Bool
}

// Scheduler is the in-process job queue. Delayed and periodic jobs are
// keyed for idempotency and run on a bounded worker pool; transient
// failures are redelivered at least once. With a JobStore set, one-shot
// jobs outlive the process.
type Scheduler struct {
	clock     clock.Clock
	cfg       Config
	transport Transport
	store     JobStore

	mu        sync.Mutex
	entries   map[string]*entry
	handlers  map[Kind]Handler
	exhausted map[Kind]ExhaustedHandler

	group     *errgroup.Group
	runCtx    context.Context
	abortRuns context.CancelFunc
	stopLoop  context.CancelFunc
	loopDone  chan struct{}
}

// NewScheduler creates a scheduler reading time from clk.
func NewScheduler(clk clock.Clock, cfg Config) *Scheduler {
	if clk == nil {
		clk = clock.Real()
	}
	return &Scheduler{
		clock:     clk,
		cfg:       cfg.normalized(),
		entries:   make(map[string]*entry),
		handlers:  make(map[Kind]Handler),
		exhausted: make(map[Kind]ExhaustedHandler),
	}
}

// SetStore persists one-shot jobs in store. Call Restore afterwards to
// reload what an earlier process left behind.
func (s *Scheduler) SetStore(store JobStore) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store = store
}

// Restore loads the stored one-shot jobs and returns how many were added.
// Jobs whose time has passed run on the next poll.
func (s *Scheduler) Restore(ctx context.Context) (int, error) {
	s.mu.Lock()
	store := s.store
	s.mu.Unlock()
	if store == nil {
		return 0, nil
	}
	jobs, err := store.ListJobs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list stored jobs: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	restored := 0
	for _, sj := range jobs {
		if existing, ok := s.entries[sj.Key]; ok && !existing.cancelled.Load() {
			continue
		}
		job := sj.Job
		job.Key = sj.Key
		s.entries[sj.Key] = &entry{
			key:       sj.Key,
			job:       job,
			when:      sj.When,
			attempts:  job.Attempt,
			cancelled: new(atomic.Bool),
		}
		restored++
	}
	return restored, nil
}

// SetTransport routes due jobs through t instead of local handlers.
func (s *Scheduler) SetTransport(t Transport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transport = t
}

// Subscribe registers the handler for a job kind.
func (s *Scheduler) Subscribe(kind Kind, handler Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.handlers[kind]; exists {
		return fmt.Errorf("handler already registered for %s", kind)
	}
	s.handlers[kind] = handler
	return nil
}

// OnExhausted registers fn for jobs of kind that failed for good, either
// with a non-transient error or after the last allowed attempt.
func (s *Scheduler) OnExhausted(kind Kind, fn ExhaustedHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.exhausted[kind]; exists {
		return fmt.Errorf("exhausted handler already registered for %s", kind)
	}
	s.exhausted[kind] = fn
	return nil
}

// Exhausted reports a job that will not run again. AMQP consumers call it
// when they drop a message.
func (s *Scheduler) Exhausted(ctx context.Context, job Job, cause error) {
	s.mu.Lock()
	fn, ok := s.exhausted[job.Kind]
	s.mu.Unlock()
	if ok {
		fn(ctx, job, cause)
	}
}

// SubmitOnce schedules job for when. A live entry under the same key,
// scheduled or in flight, makes the call a no-op.
func (s *Scheduler) SubmitOnce(ctx context.Context, key string, when time.Time, job Job) error {
	return s.submit(ctx, key, when, 0, job)
}

// SubmitPeriodic runs job every interval, first at now+interval. A run
// always completes before the next run of the same key starts.
func (s *Scheduler) SubmitPeriodic(ctx context.Context, key string, interval time.Duration, job Job) error {
	if interval <= 0 {
		return fmt.Errorf("periodic job %s: interval must be positive", key)
	}
	return s.submit(ctx, key, s.clock.Now().Add(interval), interval, job)
}

func (s *Scheduler) live(key string) bool {
	existing, ok := s.entries[key]
	return ok && !existing.cancelled.Load()
}

func (s *Scheduler) submit(ctx context.Context, key string, when time.Time, interval time.Duration, job Job) error {
	if key == "" {
		return fmt.Errorf("job key is required")
	}
	job.Key = key

	s.mu.Lock()
	if s.live(key) {
		s.mu.Unlock()
		return nil
	}
	store := s.store
	s.mu.Unlock()

	// Write the row before the entry exists; a run that finished first
	// would otherwise delete a row that was not there yet.
	if store != nil && interval == 0 {
		if err := store.SaveJob(ctx, key, when, job); err != nil {
			return appErrors.Transient("persist job", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.live(key) {
		return nil
	}
	s.entries[key] = &entry{
		key:       key,
		job:       job,
		when:      when,
		interval:  interval,
		cancelled: new(atomic.Bool),
	}
	return nil
}

// Cancel removes future runs of key. An in-flight run completes; its
// handler observes Cancelled(ctx) == true.
func (s *Scheduler) Cancel(key string) error {
	s.mu.Lock()
	e, ok := s.entries[key]
	if ok {
		e.cancelled.Store(true)
		if !e.inFlight {
			delete(s.entries, key)
		}
	}
	store := s.store
	s.mu.Unlock()

	if store == nil || (ok && e.interval > 0) {
		return nil
	}
	if err := store.DeleteJob(context.Background(), key); err != nil {
		return appErrors.Transient("cancel job", err)
	}
	return nil
}

// Pending reports whether key has a live entry.
func (s *Scheduler) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	return ok && !e.cancelled.Load()
}

// NextRun returns when key is next due.
func (s *Scheduler) NextRun(key string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok || e.cancelled.Load() {
		return time.Time{}, false
	}
	return e.when, true
}

// claimDue marks every due, idle entry in flight, oldest first.
func (s *Scheduler) claimDue() []*entry {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*entry
	for _, e := range s.entries {
		if e.inFlight || e.cancelled.Load() || e.when.After(now) {
			continue
		}
		e.inFlight = true
		due = append(due, e)
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].when.Equal(due[j].when) {
			return due[i].when.Before(due[j].when)
		}
		return due[i].key < due[j].key
	})
	return due
}

// RunDue synchronously executes every job due now and returns how many
// ran. Tests drive the scheduler with a fake clock through it.
func (s *Scheduler) RunDue(ctx context.Context) int {
	due := s.claimDue()
	for _, e := range due {
		s.run(ctx, e)
	}
	return len(due)
}

// Execute runs the registered handler for job. AMQP consumers call it.
func (s *Scheduler) Execute(ctx context.Context, job Job) error {
	s.mu.Lock()
	handler, ok := s.handlers[job.Kind]
	s.mu.Unlock()
	if !ok {
		return appErrors.Terminal("execute job", fmt.Errorf("no handler for job kind %q", job.Kind))
	}

	ctx, span := otel.Tracer("github.com/unclebandit/smsleopard-crm/internal/queue").Start(ctx, "job.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.kind", string(job.Kind)),
		attribute.String("job.key", job.Key),
		attribute.String("tenant.id", job.TenantID),
		attribute.Int("job.attempt", job.Attempt),
	)
	err := handler(ctx, job)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (s *Scheduler) run(ctx context.Context, e *entry) {
	s.mu.Lock()
	transport := s.transport
	job := e.job
	s.mu.Unlock()

	runCtx := withCancelFlag(ctx, e.cancelled)
	var err error
	if transport != nil {
		err = transport.Deliver(runCtx, job)
	} else {
		err = s.Execute(runCtx, job)
	}
	s.finish(ctx, e, err)
}

func (s *Scheduler) finish(ctx context.Context, e *entry, err error) {
	now := s.clock.Now()
	var (
		retry, remove, exhausted bool
		job                      Job
		when                     time.Time
	)

	s.mu.Lock()
	e.inFlight = false
	store := s.store
	switch {
	case e.cancelled.Load():
		if s.entries[e.key] == e {
			delete(s.entries, e.key)
		}
	case err != nil && appErrors.IsTransient(err) && e.attempts+1 < s.cfg.MaxAttempts:
		e.attempts++
		e.job.Attempt = e.attempts
		delay := s.retryDelay(e.attempts)
		e.when = now.Add(delay)
		log.Printf("⚠️ job %s failed (attempt %d/%d), retrying in %s: %v", e.key, e.attempts, s.cfg.MaxAttempts, delay, err)
		retry = e.interval == 0
	default:
		if err != nil {
			log.Printf("❌ job %s permanently failed after %d attempts: %v", e.key, e.attempts+1, err)
			exhausted = true
		}
		if e.interval > 0 {
			e.attempts = 0
			e.job.Attempt = 0
			e.when = nextPeriod(e.when, e.interval, now)
		} else if s.entries[e.key] == e {
			delete(s.entries, e.key)
			remove = true
		}
	}
	job, when = e.job, e.when
	s.mu.Unlock()

	if exhausted {
		s.Exhausted(ctx, job, err)
	}
	if store == nil {
		return
	}
	storeCtx := context.WithoutCancel(ctx)
	switch {
	case retry:
		if serr := store.SaveJob(storeCtx, e.key, when, job); serr != nil {
			log.Printf("⚠️ persist retry of job %s: %v", e.key, serr)
		}
	case remove:
		if serr := store.DeleteJob(storeCtx, e.key); serr != nil {
			log.Printf("⚠️ delete finished job %s: %v", e.key, serr)
		}
	}
}

func nextPeriod(last time.Time, interval time.Duration, now time.Time) time.Time {
	next := last.Add(interval)
	if next.After(now) {
		return next
	}
	skipped := now.Sub(last) / interval
	return last.Add((skipped + 1) * interval)
}

func (s *Scheduler) retryDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.RetryBackoff
	b.MaxInterval = s.cfg.RetryMaxDelay
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.Reset()
	delay := b.InitialInterval
	for i := 0; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	if delay <= 0 {
		delay = s.cfg.RetryMaxDelay
	}
	return delay
}

// Start launches the polling loop and worker pool. Call Stop on shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	loopCtx, stopLoop := context.WithCancel(ctx)
	runCtx, abortRuns := context.WithCancel(context.WithoutCancel(ctx))

	group := new(errgroup.Group)
	group.SetLimit(s.cfg.Workers)

	s.mu.Lock()
	s.group = group
	s.runCtx = runCtx
	s.abortRuns = abortRuns
	s.stopLoop = stopLoop
	s.loopDone = make(chan struct{})
	s.mu.Unlock()

	go func() {
		defer close(s.loopDone)
		ticker := time.NewTicker(s.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				for _, e := range s.claimDue() {
					e := e
					group.Go(func() error {
						s.run(runCtx, e)
						return nil
					})
				}
			}
		}
	}()
	log.Printf("✅ scheduler started (workers=%d, poll=%s)", s.cfg.Workers, s.cfg.PollInterval)
}

// Stop halts polling and waits up to drain for in-flight jobs. Jobs still
// running after drain see their context cancelled.
func (s *Scheduler) Stop(drain time.Duration) error {
	s.mu.Lock()
	stopLoop, abortRuns, loopDone, group := s.stopLoop, s.abortRuns, s.loopDone, s.group
	s.mu.Unlock()
	if stopLoop == nil {
		return nil
	}
	stopLoop()
	<-loopDone

	done := make(chan struct{})
	go func() {
		_ = group.Wait()
		close(done)
	}()
	select {
	case <-done:
		abortRuns()
		log.Println("✅ scheduler drained")
		return nil
	case <-time.After(drain):
		abortRuns()
		<-done
		return fmt.Errorf("scheduler drain exceeded %s", drain)
	}
}
