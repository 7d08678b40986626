// Package bot assembles the dispatch pipeline from configuration and runs
// its background loops.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/basket/go-plugbot/internal/audit"
	"github.com/basket/go-plugbot/internal/builtin"
	"github.com/basket/go-plugbot/internal/bus"
	"github.com/basket/go-plugbot/internal/config"
	"github.com/basket/go-plugbot/internal/cron"
	"github.com/basket/go-plugbot/internal/dispatch"
	"github.com/basket/go-plugbot/internal/event"
	"github.com/basket/go-plugbot/internal/gate"
	"github.com/basket/go-plugbot/internal/loader"
	"github.com/basket/go-plugbot/internal/notify"
	"github.com/basket/go-plugbot/internal/otel"
	"github.com/basket/go-plugbot/internal/patterns"
	"github.com/basket/go-plugbot/internal/plugin"
	"github.com/basket/go-plugbot/internal/registry"
	"github.com/basket/go-plugbot/internal/scheduler"
	"github.com/basket/go-plugbot/internal/script/jsplugin"
	"github.com/basket/go-plugbot/internal/script/luaplugin"
)

type Options struct {
	Config config.Config
	Logger *slog.Logger
	// Telemetry defaults to the disabled provider.
	Telemetry *otel.Provider
	// Runtimes defaults to Lua and JavaScript.
	Runtimes []loader.Runtime
	// Extra gates run after the blacklist and maintenance gates.
	ExtraGates []gate.Gate
}

// Bot owns every long-lived component.
type Bot struct {
	Store      *config.Store
	Bus        *bus.Bus
	Registry   *registry.Registry
	Loader     *loader.Loader
	Users      *gate.Blacklist
	Groups     *gate.Blacklist
	Gates      *gate.Pipeline
	Notifier   *notify.Notifier
	Scheduler  *scheduler.Scheduler
	Dispatcher *dispatch.Dispatcher
	Cron       *cron.Scheduler

	logger  *slog.Logger
	metrics *otel.Metrics
	cancel  context.CancelFunc
}

// DefaultRuntimes returns the script runtimes plugin files are loaded with.
func DefaultRuntimes(logger *slog.Logger) []loader.Runtime {
	return []loader.Runtime{luaplugin.New(logger), jsplugin.New(logger)}
}

func New(opts Options) (*Bot, error) {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tel := opts.Telemetry
	if tel == nil {
		tel = otel.Disabled()
	}
	metrics, err := otel.NewMetrics(tel.Meter)
	if err != nil {
		return nil, fmt.Errorf("create metrics: %w", err)
	}
	runtimes := opts.Runtimes
	if runtimes == nil {
		runtimes = DefaultRuntimes(logger)
	}

	b := &Bot{
		Store:   config.NewStore(cfg),
		Bus:     bus.New(),
		logger:  logger.With("component", "bot"),
		metrics: metrics,
	}

	cache, err := patterns.New(cfg.Plugins.PatternCacheSize, cfg.MatchTimeout())
	if err != nil {
		return nil, fmt.Errorf("create pattern cache: %w", err)
	}
	b.Registry = registry.New(cache, logger)

	if b.Users, err = gate.NewBlacklist(cfg.Blacklist.UserFile, cfg.BlacklistReload(), logger); err != nil {
		return nil, err
	}
	if b.Groups, err = gate.NewBlacklist(cfg.Blacklist.GroupFile, cfg.BlacklistReload(), logger); err != nil {
		return nil, err
	}
	b.Gates = gate.NewPipeline(gate.Options{
		Store:   b.Store,
		Users:   b.Users,
		Groups:  b.Groups,
		Logger:  logger,
		Metrics: metrics,
		Extra:   opts.ExtraGates,
	})
	b.Notifier = notify.New(b.Store, logger)

	b.Scheduler = scheduler.New(scheduler.Config{
		PoolSize:      cfg.Scheduler.PoolSize,
		SoftTimeout:   cfg.SoftTimeout(),
		HardTimeout:   cfg.HardTimeout(),
		SweepInterval: cfg.SweepInterval(),
		Logger:        logger,
		Bus:           b.Bus,
		Metrics:       metrics,
	})

	b.Loader = loader.New(loader.Options{
		Dirs:            cfg.Plugins.Dirs,
		Runtimes:        runtimes,
		Registry:        b.Registry,
		Bus:             b.Bus,
		Metrics:         metrics,
		Logger:          logger,
		RefreshInterval: cfg.RefreshInterval(),
		RetireInterval:  cfg.RetireInterval(),
		LoadTimeout:     cfg.LoadTimeout(),
	})
	static := append(builtin.Providers(builtin.Deps{
		Store:    b.Store,
		Users:    b.Users,
		Groups:   b.Groups,
		Tasks:    b.Scheduler,
		Registry: b.Registry,
		Bus:      b.Bus,
		Logger:   logger,
		Housekeeping: func() map[string]time.Time {
			if b.Cron == nil {
				return nil
			}
			return b.Cron.Next()
		},
	}), plugin.Registered()...)
	b.Loader.LoadStatic(static...)

	b.Dispatcher = dispatch.New(dispatch.Options{
		Store:     b.Store,
		Registry:  b.Registry,
		Loader:    b.Loader,
		Scheduler: b.Scheduler,
		Gates:     b.Gates,
		Notifier:  b.Notifier,
		Patterns:  cache,
		Logger:    logger,
		Metrics:   metrics,
		Tracer:    tel.Tracer,
	})

	jobs := []cron.Job{
		{Name: "sweep", Spec: cron.Every(cfg.SweepInterval()), Run: func(context.Context) { b.Scheduler.Sweep() }},
		{Name: "retire", Spec: cron.Every(cfg.RetireInterval()), Run: func(context.Context) { b.Loader.FlushRetired(true) }},
		{Name: "blacklist", Spec: cron.Every(cfg.BlacklistReload()), Run: func(context.Context) { b.Gates.Invalidate() }},
	}
	if !cfg.Plugins.Watch {
		jobs = append(jobs, cron.Job{Name: "rescan", Spec: cron.Every(cfg.RefreshInterval()), Run: func(ctx context.Context) { b.Loader.Refresh(ctx) }})
	}
	if b.Cron, err = cron.NewScheduler(cron.Config{Logger: logger, Jobs: jobs}); err != nil {
		return nil, err
	}
	return b, nil
}

// Dispatch routes one inbound event.
func (b *Bot) Dispatch(ctx context.Context, ev *event.Event) bool {
	return b.Dispatcher.Dispatch(ctx, ev)
}

// Start loads plugin files and starts the watchers and housekeeping jobs.
// They stop when ctx ends or Close is called.
func (b *Bot) Start(ctx context.Context) error {
	ctx, b.cancel = context.WithCancel(ctx)
	cfg := b.Store.Current()

	res := b.Loader.Scan(ctx)
	b.logger.Info("startup phase", "phase", "plugins_loaded",
		"files", len(b.Loader.Files()), "loaded", res.Loaded, "failed", res.Failed,
		"handlers", b.Registry.Snapshot().Len())

	b.Gates.Follow(ctx, b.Bus)
	audit.Follow(ctx, b.Bus)
	b.logger.Info("startup phase", "phase", "gates_ready", "order", b.Gates.Names())

	if cfg.Plugins.Watch {
		if _, err := b.Loader.Watch(ctx); err != nil {
			return fmt.Errorf("watch plugin dirs: %w", err)
		}
	}

	confWatcher := config.NewWatcher(cfg.HomeDir, b.logger, cfg.Blacklist.UserFile, cfg.Blacklist.GroupFile)
	if err := confWatcher.Start(ctx); err != nil {
		return fmt.Errorf("watch config: %w", err)
	}
	go func() {
		for ev := range confWatcher.Events() {
			b.HandleConfigChange(ev.Path)
		}
	}()

	b.Cron.Start(ctx)
	b.logger.Info("startup phase", "phase", "ready")
	return nil
}

// HandleConfigChange reacts to a changed file under watch. A config.yaml
// that fails to load leaves the previous configuration live.
func (b *Bot) HandleConfigChange(path string) {
	cfg := b.Store.Current()
	switch filepath.Clean(path) {
	case filepath.Clean(config.ConfigPath(cfg.HomeDir)):
		next, err := b.Store.Reload()
		if err != nil {
			b.logger.Error("config.yaml reload rejected; retaining previous config", "error", err)
			return
		}
		fp := next.Fingerprint()
		b.logger.Info("config.yaml hot-reloaded", "fingerprint", fp, "maintenance", next.MaintenanceMode)
		b.Bus.Publish(bus.TopicConfigReloaded, bus.ConfigEvent{Path: path, Fingerprint: fp})
	case filepath.Clean(cfg.Blacklist.UserFile), filepath.Clean(cfg.Blacklist.GroupFile):
		b.logger.Info("blacklist file changed", "path", path)
		b.Bus.Publish(bus.TopicBlacklistChanged, bus.ConfigEvent{Path: path, Fingerprint: cfg.Fingerprint()})
	}
}

// Close stops background work, waits for in-flight handlers up to ctx and
// releases every plugin module.
func (b *Bot) Close(ctx context.Context) error {
	if b.cancel != nil {
		b.cancel()
	}
	b.Cron.Stop()
	var errs []error
	if err := b.Scheduler.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	b.Loader.Close()
	b.logger.Info("shutdown complete",
		"retired_pending", b.Loader.Retired(),
		"replies", audit.ReplyCount(),
		"gate_stops", audit.GateStopCount())
	return errors.Join(errs...)
}
