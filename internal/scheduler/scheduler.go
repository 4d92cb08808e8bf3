// Package scheduler provides delayed one-shot and periodic execution
// for retry wake-ups and agent check-ins.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/sidekick-labs/sidekick/internal/util"
)

// Job is a scheduled unit of work.
type Job func(ctx context.Context)

// Scheduler runs jobs later. At schedules a single execution, Every a
// recurring one from a cron expression. Cancel is a no-op for unknown
// or already-fired ids.
type Scheduler interface {
	At(runAt time.Time, job Job) (string, error)
	Every(spec string, job Job) (string, error)
	Cancel(id string)
}

// CronScheduler implements Scheduler on a cron runner.
type CronScheduler struct {
	cron   *cron.Cron
	ctx    context.Context
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// NewCronScheduler creates a started scheduler. Jobs inherit ctx;
// canceling it stops job execution at the next boundary.
func NewCronScheduler(ctx context.Context, logger *slog.Logger) *CronScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &CronScheduler{
		cron:    cron.New(),
		ctx:     ctx,
		logger:  logger,
		entries: make(map[string]cron.EntryID),
	}
	s.cron.Start()
	return s
}

// Stop halts the runner and waits for running jobs to finish.
func (s *CronScheduler) Stop() {
	<-s.cron.Stop().Done()
}

// oneShot is a cron.Schedule that fires once at a fixed instant and
// never again.
type oneShot struct {
	at    time.Time
	mu    sync.Mutex
	fired bool
}

// Next reports the activation time on its first call and the zero
// time afterwards, so the runner fires exactly once.
func (o *oneShot) Next(t time.Time) time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fired {
		return time.Time{}
	}
	o.fired = true
	if o.at.After(t) {
		return o.at
	}
	// runAt already passed; fire on the next tick.
	return t.Add(time.Millisecond)
}

func (s *CronScheduler) At(runAt time.Time, job Job) (string, error) {
	id := util.NewID()
	sched := &oneShot{at: runAt}

	var entryID cron.EntryID
	entryID = s.cron.Schedule(sched, cron.FuncJob(func() {
		defer s.cron.Remove(entryID)
		s.mu.Lock()
		delete(s.entries, id)
		s.mu.Unlock()
		if s.ctx.Err() != nil {
			return
		}
		job(s.ctx)
	}))

	s.mu.Lock()
	s.entries[id] = entryID
	s.mu.Unlock()
	s.logger.Debug("scheduled one-shot job", "id", id, "run_at", runAt)
	return id, nil
}

func (s *CronScheduler) Every(spec string, job Job) (string, error) {
	id := util.NewID()
	entryID, err := s.cron.AddFunc(spec, func() {
		if s.ctx.Err() != nil {
			return
		}
		job(s.ctx)
	})
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.entries[id] = entryID
	s.mu.Unlock()
	s.logger.Debug("scheduled recurring job", "id", id, "spec", spec)
	return id, nil
}

func (s *CronScheduler) Cancel(id string) {
	s.mu.Lock()
	entryID, ok := s.entries[id]
	if ok {
		delete(s.entries, id)
	}
	s.mu.Unlock()
	if ok {
		s.cron.Remove(entryID)
	}
}

// Immediate is a Scheduler that runs jobs synchronously at schedule
// time. Tests use it to make retry chains deterministic.
type Immediate struct {
	mu       sync.Mutex
	canceled map[string]bool
	// Delays records the requested wait for each At call in order.
	Delays []time.Duration
	now    func() time.Time
}

// NewImmediate creates an Immediate scheduler.
func NewImmediate() *Immediate {
	return &Immediate{
		canceled: make(map[string]bool),
		now:      time.Now,
	}
}

func (s *Immediate) At(runAt time.Time, job Job) (string, error) {
	s.mu.Lock()
	s.Delays = append(s.Delays, runAt.Sub(s.now()))
	s.mu.Unlock()
	job(context.Background())
	return util.NewID(), nil
}

func (s *Immediate) Every(string, Job) (string, error) {
	return util.NewID(), nil
}

func (s *Immediate) Cancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.canceled[id] = true
}
