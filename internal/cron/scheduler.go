// Package cron runs the periodic housekeeping jobs: reaping expired
// background tasks, releasing retired plugin modules, and refreshing the
// blacklist caches.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser accepts standard 5-field expressions and descriptors such as
// "@every 30s" or "@hourly".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Job is one named housekeeping task.
type Job struct {
	Name string
	Spec string
	Run  func(ctx context.Context)
}

// Every returns the spec for a fixed interval.
func Every(d time.Duration) string {
	return "@every " + d.String()
}

type Config struct {
	Logger *slog.Logger
	Jobs   []Job
}

type Scheduler struct {
	logger *slog.Logger
	cron   *cronlib.Cron

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	names  map[cronlib.EntryID]string
}

func NewScheduler(cfg Config) (*Scheduler, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "cron")
	adapter := slogAdapter{logger: logger}
	s := &Scheduler{
		logger: logger,
		cron: cronlib.New(
			cronlib.WithParser(cronParser),
			cronlib.WithLogger(adapter),
			cronlib.WithChain(cronlib.Recover(adapter), cronlib.SkipIfStillRunning(adapter)),
		),
		ctx:   context.Background(),
		names: make(map[cronlib.EntryID]string),
	}
	for _, j := range cfg.Jobs {
		if err := s.Add(j); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Add registers a job. Jobs added after Start begin on their next tick.
func (s *Scheduler) Add(j Job) error {
	if j.Run == nil {
		return fmt.Errorf("cron job %q has no func", j.Name)
	}
	id, err := s.cron.AddFunc(j.Spec, func() {
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		start := time.Now()
		j.Run(ctx)
		s.logger.Debug("cron job ran", "job", j.Name, "elapsed", time.Since(start))
	})
	if err != nil {
		return fmt.Errorf("cron job %q: parse %q: %w", j.Name, j.Spec, err)
	}
	s.mu.Lock()
	s.names[id] = j.Name
	s.mu.Unlock()
	return nil
}

// Start runs the jobs until ctx ends or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()
	s.cron.Start()
	s.logger.Info("cron scheduler started", "jobs", len(s.cron.Entries()))
}

// Stop halts scheduling and waits for running jobs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	<-s.cron.Stop().Done()
	s.logger.Info("cron scheduler stopped")
}

// Next returns each job's next run time by name.
func (s *Scheduler) Next() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.names))
	for _, e := range s.cron.Entries() {
		out[s.names[e.ID]] = e.Next
	}
	return out
}

// slogAdapter routes the cron library's logging through slog.
type slogAdapter struct {
	logger *slog.Logger
}

func (a slogAdapter) Info(msg string, keysAndValues ...interface{}) {
	a.logger.Debug("cron: "+msg, keysAndValues...)
}

func (a slogAdapter) Error(err error, msg string, keysAndValues ...interface{}) {
	a.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
