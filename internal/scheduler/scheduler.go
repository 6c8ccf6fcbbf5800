// Package scheduler drives the periodic loops: polling due cron tasks,
// delayed tasks, and chains out of Postgres, sweeping heartbeats and process
// monitors, draining retry and overlap queues, and housekeeping. Each loop
// claims one locked row at a time, so any number of scheduler processes can
// share a database.
package scheduler

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cronboxhq/cronbox/internal/executor"
	logging "github.com/cronboxhq/cronbox/internal/logging"
	"github.com/cronboxhq/cronbox/internal/metrics"
	"github.com/cronboxhq/cronbox/internal/overlap"
	"github.com/cronboxhq/cronbox/internal/queue"
	"github.com/cronboxhq/cronbox/internal/store"
)

// Submitter feeds jobs to the local executor pool.
type Submitter interface {
	Submit(job executor.Job) error
}

// MonitorSweeper runs the heartbeat and process monitor deadline sweeps.
type MonitorSweeper interface {
	SweepHeartbeats(ctx context.Context, now time.Time) (int, error)
	SweepMonitors(ctx context.Context, now time.Time, limit int) (int, error)
}

// PlanService is the billing collaborator invoked by the subscription sweep.
// The engine itself never enforces plans; a control plane injects its own
// implementation.
type PlanService interface {
	SweepSubscriptions(ctx context.Context, now time.Time) error
}

type noopPlans struct{}

func (noopPlans) SweepSubscriptions(context.Context, time.Time) error { return nil }

type Config struct {
	PollIntervalCron    time.Duration
	PollIntervalDelayed time.Duration
	PollIntervalChain   time.Duration
	PollIntervalMonitor time.Duration
	RecomputePeriod     time.Duration
	DrainPeriod         time.Duration
	StaleCleanupPeriod  time.Duration
	GCPeriod            time.Duration
	SubscriptionPeriod  time.Duration

	BatchLimitTasks  int
	BatchLimitChains int

	// RetentionDefaultDays applies to workspaces without their own retention.
	RetentionDefaultDays int
}

func (c *Config) applyDefaults() {
	if c.PollIntervalCron <= 0 {
		c.PollIntervalCron = 2 * time.Second
	}
	if c.PollIntervalDelayed <= 0 {
		c.PollIntervalDelayed = time.Second
	}
	if c.PollIntervalChain <= 0 {
		c.PollIntervalChain = 5 * time.Second
	}
	if c.PollIntervalMonitor <= 0 {
		c.PollIntervalMonitor = 30 * time.Second
	}
	if c.RecomputePeriod <= 0 {
		c.RecomputePeriod = time.Minute
	}
	if c.DrainPeriod <= 0 {
		c.DrainPeriod = 10 * time.Second
	}
	if c.StaleCleanupPeriod <= 0 {
		c.StaleCleanupPeriod = 5 * time.Minute
	}
	if c.GCPeriod <= 0 {
		c.GCPeriod = time.Hour
	}
	if c.SubscriptionPeriod <= 0 {
		c.SubscriptionPeriod = time.Hour
	}
	if c.BatchLimitTasks <= 0 {
		c.BatchLimitTasks = 100
	}
	if c.BatchLimitChains <= 0 {
		c.BatchLimitChains = 50
	}
	if c.RetentionDefaultDays <= 0 {
		c.RetentionDefaultDays = 7
	}
}

// Scheduler owns all periodic loops. Run blocks until the context is
// cancelled.
type Scheduler struct {
	cfg      Config
	store    *store.Store
	queues   *queue.Queues
	overlap  *overlap.Controller
	exec     Submitter
	monitors MonitorSweeper
	plans    PlanService
	m        *metrics.Metrics

	nowFn func() time.Time
}

func New(cfg Config, st *store.Store, qs *queue.Queues, ovl *overlap.Controller,
	exec Submitter, monitors MonitorSweeper, plans PlanService, m *metrics.Metrics) *Scheduler {
	cfg.applyDefaults()
	if plans == nil {
		plans = noopPlans{}
	}
	return &Scheduler{
		cfg:      cfg,
		store:    st,
		queues:   qs,
		overlap:  ovl,
		exec:     exec,
		monitors: monitors,
		plans:    plans,
		m:        m,
		nowFn:    func() time.Time { return time.Now().UTC() },
	}
}

// Run starts every loop and blocks until ctx is cancelled. A failing pass is
// logged and retried on the next tick; it never stops the loop.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	loops := []struct {
		name   string
		period time.Duration
		pass   func(context.Context, time.Time) error
	}{
		{"cron_poll", s.cfg.PollIntervalCron, s.cronPass},
		{"delayed_poll", s.cfg.PollIntervalDelayed, s.delayedPass},
		{"chain_poll", s.cfg.PollIntervalChain, s.chainPass},
		{"heartbeat_sweep", s.cfg.PollIntervalMonitor, s.heartbeatPass},
		{"monitor_sweep", s.cfg.PollIntervalMonitor, s.monitorPass},
		{"next_run_recompute", s.cfg.RecomputePeriod, s.recomputePass},
		{"queue_drain", s.cfg.DrainPeriod, s.queueDrainPass},
		{"stale_cleanup", s.cfg.StaleCleanupPeriod, s.stalePass},
		{"execution_gc", s.cfg.GCPeriod, s.gcPass},
		{"subscription_sweep", s.cfg.SubscriptionPeriod, s.subscriptionPass},
	}
	for _, loop := range loops {
		loop := loop
		g.Go(func() error {
			s.runLoop(ctx, loop.name, loop.period, loop.pass)
			return nil
		})
	}

	logging.L_info("scheduler: started", "loops", len(loops))
	return g.Wait()
}

func (s *Scheduler) runLoop(ctx context.Context, name string, period time.Duration,
	pass func(context.Context, time.Time) error) {

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.L_debug("scheduler: loop stopped", "loop", name)
			return
		case <-ticker.C:
			started := s.nowFn()
			if err := pass(ctx, started); err != nil {
				logging.L_error("scheduler: pass failed", "loop", name, "error", err)
			}
			if s.m != nil {
				s.m.LoopDuration.WithLabelValues(name).Observe(time.Since(started).Seconds())
			}
		}
	}
}

func (s *Scheduler) heartbeatPass(ctx context.Context, now time.Time) error {
	_, err := s.monitors.SweepHeartbeats(ctx, now)
	return err
}

func (s *Scheduler) monitorPass(ctx context.Context, now time.Time) error {
	_, err := s.monitors.SweepMonitors(ctx, now, s.cfg.BatchLimitTasks)
	return err
}

func (s *Scheduler) stalePass(ctx context.Context, now time.Time) error {
	_, err := s.overlap.CleanupStale(ctx, now)
	return err
}

func (s *Scheduler) subscriptionPass(ctx context.Context, now time.Time) error {
	return s.plans.SweepSubscriptions(ctx, now)
}
