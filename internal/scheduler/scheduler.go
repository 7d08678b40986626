// Package scheduler runs handler calls on a bounded goroutine pool.
//
// A call that finishes within the soft timeout returns its result to the
// dispatcher. A call still running at the soft timeout is promoted: it keeps
// running as a background task while the dispatcher treats the event as
// handled. Background tasks older than the hard timeout are cancelled by the
// sweep.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/semaphore"

	"github.com/basket/go-plugbot/internal/audit"
	"github.com/basket/go-plugbot/internal/bus"
	"github.com/basket/go-plugbot/internal/event"
	"github.com/basket/go-plugbot/internal/otel"
	"github.com/basket/go-plugbot/internal/plugin"
	"github.com/basket/go-plugbot/internal/shared"
)

const (
	DefaultPoolSize      = 100
	DefaultSoftTimeout   = 3 * time.Second
	DefaultHardTimeout   = 300 * time.Second
	DefaultSweepInterval = 30 * time.Second
)

type Config struct {
	PoolSize      int
	SoftTimeout   time.Duration
	HardTimeout   time.Duration
	SweepInterval time.Duration
	Logger        *slog.Logger
	Bus           *bus.Bus
	Metrics       *otel.Metrics
}

// Call is one handler invocation.
type Call struct {
	Plugin  string
	Handler string
	Fn      plugin.Handler
	Event   *event.Event
}

// Outcome is what the dispatcher sees. When Promoted is set the call is
// still running and Result and Err are meaningless.
type Outcome struct {
	Result   plugin.Result
	Err      error
	Promoted bool
	TaskID   string
	Duration time.Duration
}

// Task is a status snapshot of a background task.
type Task struct {
	ID       string
	Plugin   string
	Handler  string
	UserID   string
	GroupID  string
	Content  string
	Started  time.Time
	Promoted time.Time
	Age      time.Duration
}

type inflight struct {
	task     Task
	cancel   context.CancelFunc
	finished bool
	promoted bool
	reaped   bool
}

type Scheduler struct {
	cfg     Config
	sem     *semaphore.Weighted
	logger  *slog.Logger
	metrics *otel.Metrics

	base       context.Context
	cancelBase context.CancelFunc
	wg         sync.WaitGroup

	mu        sync.Mutex
	running   map[string]*inflight
	lastSweep time.Time

	now func() time.Time
}

func New(cfg Config) *Scheduler {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.SoftTimeout <= 0 {
		cfg.SoftTimeout = DefaultSoftTimeout
	}
	if cfg.HardTimeout <= 0 {
		cfg.HardTimeout = DefaultHardTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = otel.NopMetrics()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:        cfg,
		sem:        semaphore.NewWeighted(int64(cfg.PoolSize)),
		logger:     logger.With("component", "scheduler"),
		metrics:    metrics,
		base:       base,
		cancelBase: cancel,
		running:    make(map[string]*inflight),
		lastSweep:  time.Now(),
		now:        time.Now,
	}
}

// Run executes call on the pool and waits up to the soft timeout. The
// handler context derives from the scheduler, not from ctx, so a promoted
// task outlives the dispatch that started it. ctx only carries trace values
// and lets the caller stop waiting early, which promotes the call.
func (s *Scheduler) Run(ctx context.Context, call Call) Outcome {
	id := shared.NewTaskID()
	taskCtx, cancel := context.WithCancel(s.base)
	taskCtx = shared.WithTraceID(taskCtx, shared.TraceID(ctx))
	taskCtx = shared.WithTaskID(taskCtx, id)
	taskCtx = shared.WithPlugin(taskCtx, call.Plugin)

	ev := call.Event
	inf := &inflight{
		task: Task{
			ID:      id,
			Plugin:  call.Plugin,
			Handler: call.Handler,
			UserID:  ev.UserID,
			GroupID: ev.GroupID,
			Content: shared.Snippet(ev.Content, shared.DefaultSnippetLen),
			Started: s.now(),
		},
		cancel: cancel,
	}
	s.mu.Lock()
	s.running[id] = inf
	s.mu.Unlock()

	done := make(chan Outcome, 1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		out := s.execute(taskCtx, inf, call)
		out.TaskID = id
		s.finish(inf, out)
		done <- out
	}()

	timer := time.NewTimer(s.cfg.SoftTimeout)
	defer timer.Stop()
	select {
	case out := <-done:
		s.metrics.HandlerDuration.Record(ctx, out.Duration.Seconds(),
			metric.WithAttributes(otel.AttrPlugin.String(call.Plugin), otel.AttrHandler.String(call.Handler)))
		return out
	case <-timer.C:
	case <-ctx.Done():
	}

	s.mu.Lock()
	if inf.finished {
		s.mu.Unlock()
		return <-done
	}
	inf.promoted = true
	inf.task.Promoted = s.now()
	age := inf.task.Promoted.Sub(inf.task.Started)
	s.mu.Unlock()

	s.logger.Info("handler promoted to background task",
		"task_id", id, "plugin", call.Plugin, "handler", call.Handler,
		"user", ev.UserID, "group", ev.GroupID, "content", inf.task.Content, "elapsed", age)
	s.metrics.TasksPromoted.Add(ctx, 1, metric.WithAttributes(otel.AttrPlugin.String(call.Plugin)))
	s.metrics.TasksActive.Add(ctx, 1)
	s.metrics.HandlerDuration.Record(ctx, age.Seconds(),
		metric.WithAttributes(otel.AttrPlugin.String(call.Plugin), otel.AttrHandler.String(call.Handler)))
	s.publish(bus.TopicTaskPromoted, inf, age, nil)
	return Outcome{Promoted: true, TaskID: id, Duration: age}
}

func (s *Scheduler) execute(ctx context.Context, inf *inflight, call Call) (out Outcome) {
	start := s.now()
	defer func() {
		out.Duration = s.now().Sub(start)
	}()
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return Outcome{Result: plugin.Stop, Err: fmt.Errorf("acquire worker slot: %w", err)}
	}
	defer s.sem.Release(1)

	defer func() {
		if r := recover(); r != nil {
			out = Outcome{Result: plugin.Stop, Err: &plugin.HandlerError{
				Plugin:  call.Plugin,
				Handler: call.Handler,
				Err:     fmt.Errorf("panic: %v", r),
				Stack:   string(debug.Stack()),
			}}
		}
	}()

	var replies atomic.Int64
	ev := call.Event.WithObserver(func(msg event.Message) {
		n := replies.Add(1)
		s.mu.Lock()
		reaped := inf.reaped
		s.mu.Unlock()
		if reaped {
			return
		}
		summary := shared.Snippet(msg.Summary(), 200)
		sequence := "first"
		if n > 1 {
			sequence = "continued"
		}
		s.logger.Info("reply sent",
			"plugin", call.Plugin, "handler", call.Handler, "user", call.Event.UserID,
			"group", call.Event.GroupID, "kind", msg.Kind, "sequence", sequence, "payload", summary)
		audit.RecordReply(call.Plugin, call.Handler, call.Event.UserID, call.Event.GroupID, summary, n == 1)
	})

	res, err := call.Fn(ctx, ev)
	if err != nil {
		err = &plugin.HandlerError{Plugin: call.Plugin, Handler: call.Handler, Err: err}
	}
	return Outcome{Result: res, Err: err}
}

// finish retires inf. Promoted tasks report their own end here because the
// dispatcher is no longer waiting for them; reaped tasks stay silent.
func (s *Scheduler) finish(inf *inflight, out Outcome) {
	s.mu.Lock()
	inf.finished = true
	promoted, reaped := inf.promoted, inf.reaped
	delete(s.running, inf.task.ID)
	s.mu.Unlock()

	if !promoted || reaped {
		return
	}
	t := inf.task
	age := s.now().Sub(t.Started)
	s.metrics.TasksActive.Add(context.Background(), -1)
	s.publish(bus.TopicTaskFinished, inf, age, out.Err)

	if out.Err == nil {
		s.logger.Info("background task finished", "task_id", t.ID, "plugin", t.Plugin, "handler", t.Handler, "elapsed", age)
		return
	}
	if errors.Is(out.Err, context.Canceled) && s.base.Err() != nil {
		s.logger.Debug("background task cancelled at shutdown", "task_id", t.ID, "plugin", t.Plugin, "handler", t.Handler)
		return
	}
	s.metrics.HandlerErrors.Add(context.Background(), 1, metric.WithAttributes(otel.AttrPlugin.String(t.Plugin)))
	s.logger.Error("background task failed",
		"task_id", t.ID, "plugin", t.Plugin, "handler", t.Handler,
		"user", t.UserID, "group", t.GroupID, "content", t.Content, "error", out.Err)
	audit.RecordHandlerError(t.Plugin, t.Handler, t.UserID, t.GroupID, out.Err.Error())
}

// MaybeSweep reaps expired tasks at most once per sweep interval.
func (s *Scheduler) MaybeSweep() int {
	s.mu.Lock()
	if s.now().Sub(s.lastSweep) < s.cfg.SweepInterval {
		s.mu.Unlock()
		return 0
	}
	s.mu.Unlock()
	return s.Sweep()
}

// Sweep cancels every background task older than the hard timeout. Each
// reaped task is logged exactly once and nothing is logged for it after.
func (s *Scheduler) Sweep() int {
	now := s.now()
	var reaped []Task
	s.mu.Lock()
	s.lastSweep = now
	for id, inf := range s.running {
		if !inf.promoted || inf.finished || now.Sub(inf.task.Started) < s.cfg.HardTimeout {
			continue
		}
		inf.reaped = true
		inf.cancel()
		delete(s.running, id)
		t := inf.task
		t.Age = now.Sub(t.Started)
		reaped = append(reaped, t)
	}
	s.mu.Unlock()

	for _, t := range reaped {
		s.logger.Error("background task exceeded hard timeout, cancelled",
			"task_id", t.ID, "plugin", t.Plugin, "handler", t.Handler,
			"user", t.UserID, "group", t.GroupID, "content", t.Content,
			"age", t.Age, "hard_timeout", s.cfg.HardTimeout)
		audit.RecordTaskReaped(t.Plugin, t.Handler, t.UserID, t.GroupID,
			fmt.Sprintf("age %s exceeded %s", t.Age.Round(time.Second), s.cfg.HardTimeout))
		s.metrics.TasksReaped.Add(context.Background(), 1, metric.WithAttributes(otel.AttrPlugin.String(t.Plugin)))
		s.metrics.TasksActive.Add(context.Background(), -1)
		if s.cfg.Bus != nil {
			s.cfg.Bus.Publish(bus.TopicTaskReaped, bus.TaskEvent{
				TaskID: t.ID, Plugin: t.Plugin, Handler: t.Handler,
				UserID: t.UserID, GroupID: t.GroupID, Age: t.Age,
			})
		}
	}
	return len(reaped)
}

// Tasks returns the live background tasks, oldest first.
func (s *Scheduler) Tasks() []Task {
	now := s.now()
	s.mu.Lock()
	out := make([]Task, 0, len(s.running))
	for _, inf := range s.running {
		if !inf.promoted || inf.finished {
			continue
		}
		t := inf.task
		t.Age = now.Sub(t.Started)
		out = append(out, t)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Started.Before(out[j].Started) })
	return out
}

// Close cancels every running call and waits for the goroutines to exit,
// bounded by ctx.
func (s *Scheduler) Close(ctx context.Context) error {
	s.cancelBase()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		n := len(s.running)
		s.mu.Unlock()
		return fmt.Errorf("scheduler close: %d calls still running: %w", n, ctx.Err())
	}
}

func (s *Scheduler) publish(topic string, inf *inflight, age time.Duration, err error) {
	if s.cfg.Bus == nil {
		return
	}
	t := inf.task
	s.cfg.Bus.Publish(topic, bus.TaskEvent{
		TaskID: t.ID, Plugin: t.Plugin, Handler: t.Handler,
		UserID: t.UserID, GroupID: t.GroupID, Age: age, Err: err,
	})
}
