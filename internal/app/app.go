// Package app assembles the daemon: config, logging, ledger, session pool,
// coordinators, reconciler, jobs and alerts, wired through the event bus.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/jatenner/xBOT-sub003/internal/alert"
	"github.com/jatenner/xBOT-sub003/internal/browser"
	"github.com/jatenner/xBOT-sub003/internal/config"
	"github.com/jatenner/xBOT-sub003/internal/coordinator"
	"github.com/jatenner/xBOT-sub003/internal/eventbus"
	"github.com/jatenner/xBOT-sub003/internal/jobs"
	"github.com/jatenner/xBOT-sub003/internal/ledger"
	"github.com/jatenner/xBOT-sub003/internal/publish"
	"github.com/jatenner/xBOT-sub003/internal/ratelimit"
	"github.com/jatenner/xBOT-sub003/internal/reconcile"
	rtsup "github.com/jatenner/xBOT-sub003/internal/runtime/supervisor"
	logx "github.com/jatenner/xBOT-sub003/pkg/logx"
)

// Deps are the platform-facing implementations the daemon is assembled
// around. Driver, Surface and Evidence are required; the background sources
// are optional and their jobs are skipped when nil.
type Deps struct {
	Driver   browser.Driver
	Surface  publish.Surface
	Evidence publish.EvidenceSource

	Engagement jobs.EngagementSource
	Discovery  jobs.DiscoverySource
}

func (d Deps) validate() error {
	if d.Driver == nil {
		return errors.New("app: browser driver is required")
	}
	if d.Surface == nil {
		return errors.New("app: publish surface is required")
	}
	if d.Evidence == nil {
		return errors.New("app: evidence source is required")
	}
	return nil
}

type App struct {
	cfgPath string
	cfgm    *config.Manager
	sup     *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store   ledger.Store
	journal *ledger.Journal
	pool    *browser.Pool

	limiter *ratelimit.Limiter
	pacer   *ratelimit.Pacer

	postCycle  *coordinator.Coordinator
	replyCycle *coordinator.Coordinator
	reconciler *reconcile.Reconciler

	sched *jobs.Scheduler
	alert *alert.Notifier

	intervals config.JobIntervals
	deps      Deps
}

func New(cfgPath string, deps Deps) (*App, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}

	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	rt, err := config.Resolve(cfg)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(rt.Logging)
	log = log.With(logx.String("comp", "app"))
	bus := eventbus.New()

	store, err := ledger.Open(rt.Ledger, log.With(logx.String("comp", "ledger")))
	if err != nil {
		logSvc.Close()
		return nil, err
	}
	journal, err := ledger.OpenJournal(rt.JournalPath, log.With(logx.String("comp", "journal")))
	if err != nil {
		store.Close()
		logSvc.Close()
		return nil, err
	}

	pool := browser.New(rt.Pool, deps.Driver, log.With(logx.String("comp", "pool")), bus)
	limiter := ratelimit.New(rt.Limits, store)
	pacer := ratelimit.NewPacer(rt.PacingGaps)

	pub := publish.New(rt.Publisher, deps.Surface, deps.Evidence, journal,
		log.With(logx.String("comp", "publish")))

	postCycle := coordinator.New(rt.PostCycle, store, limiter, pacer, pool, pub,
		log.With(logx.String("comp", "post-cycle")), bus)
	replyCycle := coordinator.New(rt.ReplyCycle, store, limiter, pacer, pool, pub,
		log.With(logx.String("comp", "reply-cycle")), bus)

	reconciler := reconcile.New(rt.Reconciler, store, pool, deps.Evidence,
		log.With(logx.String("comp", "reconcile")), bus)

	sched := jobs.New(rt.Jobs, log.With(logx.String("comp", "jobs")), bus)

	var notifier *alert.Notifier
	if rt.Alerts != nil && rt.Alerts.Enabled {
		acfg := alert.Config{
			Enabled:          true,
			Token:            rt.Alerts.Token,
			ChatID:           rt.Alerts.ChatID,
			QueueSize:        rt.Alerts.QueueSize,
			RatePerSec:       rt.Alerts.RatePerSec,
			DedupWindow:      rt.AlertDedupWin,
			RecoveredNotices: rt.Alerts.RecoveredNotices,
		}
		sender, err := alert.NewTelegramSender(acfg)
		if err != nil {
			journal.Close()
			store.Close()
			logSvc.Close()
			return nil, fmt.Errorf("alerts: %w", err)
		}
		notifier = alert.New(acfg, sender, log.With(logx.String("comp", "alert")), bus)
	}

	return &App{
		cfgPath:    cfgPath,
		cfgm:       cfgm,
		log:        log,
		logs:       logSvc,
		bus:        bus,
		store:      store,
		journal:    journal,
		pool:       pool,
		limiter:    limiter,
		pacer:      pacer,
		postCycle:  postCycle,
		replyCycle: replyCycle,
		reconciler: reconciler,
		sched:      sched,
		alert:      notifier,
		intervals:  rt.JobIntervals,
		deps:       deps,
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		_, err := config.Resolve(cfg)
		return err
	})

	if err := a.registerJobs(); err != nil {
		return err
	}

	if a.alert != nil {
		a.alert.Start(a.sup.Context())
	}
	a.sched.Start(a.sup.Context())

	// Live reload: rate limits, pacing and log level apply in place. The
	// rest (pool capacity, paths, schedules) takes effect on restart.
	updates := a.cfgm.Subscribe(1)
	a.sup.Go0("config.watch", func(c context.Context) { _ = a.cfgm.Watch(c) })
	a.sup.Go0("config.apply", func(c context.Context) {
		defer a.cfgm.Unsubscribe(updates)
		for {
			select {
			case <-c.Done():
				return
			case cfg, ok := <-updates:
				if !ok {
					return
				}
				rt, err := config.Resolve(cfg)
				if err != nil {
					// Validator rejects bad revisions before publish.
					a.log.Warn("config revision not applicable", logx.Err(err))
					continue
				}
				a.logs.Apply(rt.Logging)
				a.limiter.Apply(rt.Limits)
				a.pacer.Apply(rt.PacingGaps)
				a.log.Info("runtime config applied")
			}
		}
	})

	a.log.Info("daemon started")
	return nil
}

func (a *App) registerJobs() error {
	add := func(j jobs.Job) error {
		if j.Every <= 0 {
			a.log.Info("job disabled", logx.String("job", j.Name))
			return nil
		}
		return a.sched.Register(j)
	}

	if err := add(jobs.Job{
		Name:  "post-cycle",
		Every: a.intervals.Post,
		Run:   a.postCycle.RunCycle,
	}); err != nil {
		return err
	}
	if err := add(jobs.Job{
		Name:  "reply-cycle",
		Every: a.intervals.Reply,
		Run:   a.replyCycle.RunCycle,
	}); err != nil {
		return err
	}
	if err := add(jobs.Job{
		Name:  "reconcile",
		Every: a.intervals.Reconcile,
		Run:   a.reconciler.Run,
	}); err != nil {
		return err
	}

	if a.deps.Engagement != nil {
		mc := &jobs.MetricsCollector{
			Pool:   a.pool,
			Store:  a.store,
			Source: a.deps.Engagement,
			Log:    a.log.With(logx.String("comp", "metrics")),
		}
		if err := add(jobs.Job{Name: "metrics", Every: a.intervals.Metrics, Run: mc.Run}); err != nil {
			return err
		}
	}
	if a.deps.Discovery != nil {
		dj := &jobs.Discovery{
			Pool:   a.pool,
			Store:  a.store,
			Source: a.deps.Discovery,
			Log:    a.log.With(logx.String("comp", "discovery")),
		}
		if err := add(jobs.Job{Name: "discovery", Every: a.intervals.Discovery, Run: dj.Run}); err != nil {
			return err
		}
	}
	return nil
}

// Done is closed when the supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Stop shuts components down in dependency order and drains best-effort
// until ctx expires.
func (a *App) Stop(ctx context.Context) error {
	a.sched.Stop(ctx)
	if a.alert != nil {
		a.alert.Stop(ctx)
	}
	if a.sup != nil {
		_ = a.sup.Stop(ctx)
	}
	a.pool.Close(ctx)

	var errs []error
	if err := a.journal.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := a.logs.Close(); err != nil {
		errs = append(errs, err)
	}
	a.log.Info("daemon stopped")
	return errors.Join(errs...)
}
