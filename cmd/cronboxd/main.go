// cronboxd is the CronBox scheduling daemon: it claims due cron, delayed and
// chain tasks from Postgres, executes or dispatches them, sweeps heartbeat
// and process monitors, and serves the public ping and worker HTTP API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cronboxhq/cronbox/internal/chain"
	"github.com/cronboxhq/cronbox/internal/config"
	"github.com/cronboxhq/cronbox/internal/executor"
	httpapi "github.com/cronboxhq/cronbox/internal/http"
	. "github.com/cronboxhq/cronbox/internal/logging"
	"github.com/cronboxhq/cronbox/internal/metrics"
	"github.com/cronboxhq/cronbox/internal/monitor"
	"github.com/cronboxhq/cronbox/internal/notify"
	"github.com/cronboxhq/cronbox/internal/overlap"
	"github.com/cronboxhq/cronbox/internal/probe"
	"github.com/cronboxhq/cronbox/internal/queue"
	"github.com/cronboxhq/cronbox/internal/scheduler"
	"github.com/cronboxhq/cronbox/internal/store"
)

const version = "0.3.0"

func main() {
	fs := flag.NewFlagSet("cronboxd", flag.ExitOnError)
	cfgPath := fs.String("config", "/etc/cronbox/config.toml", "path to config file")

	args := os.Args[1:]
	cmd := "serve"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd = args[0]
		args = args[1:]
	}
	_ = fs.Parse(args)

	if cmd == "version" {
		fmt.Printf("cronboxd %s\n", version)
		return
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cronboxd: %v\n", err)
		os.Exit(1)
	}

	Init(&Config{
		Level:      ParseLevel(cfg.Log.Level),
		TimeFormat: cfg.Log.TimeFormat,
		ShowCaller: cfg.Log.ShowCaller,
	})
	L_info("cronboxd starting", "version", version, "config", *cfgPath)

	switch cmd {
	case "serve":
		if err := serve(cfg, *cfgPath); err != nil {
			L_fatal("cronboxd failed", "error", err)
		}
	case "migrate":
		if err := migrate(cfg); err != nil {
			L_fatal("migrate failed", "error", err)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q (want serve, migrate, or version)\n", cmd)
		os.Exit(2)
	}
}

func migrate(cfg *config.Config) error {
	st, err := store.Open(cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		return err
	}
	defer st.Close()
	return st.Migrate(context.Background())
}

func serve(cfg *config.Config, cfgPath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		return err
	}
	defer st.Close()

	if cfg.Database.MigrateOnStart {
		if err := st.Migrate(ctx); err != nil {
			return err
		}
	}

	qs, err := queue.Open(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return err
	}
	defer qs.Close()

	m := metrics.New()

	prober, err := probe.New(probe.Config{
		MaxResponseBytes: cfg.Probe.HTTPMaxResponseBytes,
		MaxICMPCount:     cfg.Probe.ICMPMaxCount,
		PingBinary:       cfg.Probe.ICMPPingBinary,
		BlockedCIDRs:     cfg.Probe.BlockedCIDRs,
	})
	if err != nil {
		return err
	}

	notifier, err := notify.New(st, cfg.Notify.DefaultLanguage, m, buildChannels(cfg)...)
	if err != nil {
		return err
	}

	ovl := overlap.New(st, m)
	exec := executor.New(executor.Config{
		PoolSize:      cfg.Executor.PoolSize,
		QueueCapacity: cfg.Executor.QueueCapacity,
	}, st, prober, chain.New(prober), ovl, qs, notifier, m)
	if err := exec.Start(ctx); err != nil {
		return err
	}

	monitors := monitor.New(st, notifier, m)

	sched := scheduler.New(scheduler.Config{
		PollIntervalCron:     cfg.Scheduler.PollIntervalCron.Std(),
		PollIntervalDelayed:  cfg.Scheduler.PollIntervalDelayed.Std(),
		PollIntervalChain:    cfg.Scheduler.PollIntervalChain.Std(),
		PollIntervalMonitor:  cfg.Scheduler.PollIntervalMonitor.Std(),
		StaleCleanupPeriod:   cfg.Overlap.CleanupPeriod.Std(),
		GCPeriod:             cfg.Execution.GCPeriod.Std(),
		BatchLimitTasks:      cfg.Scheduler.BatchLimitTasks,
		BatchLimitChains:     cfg.Scheduler.BatchLimitChains,
		RetentionDefaultDays: cfg.Execution.RetentionDefaultDays,
	}, st, qs, ovl, exec, monitors, nil, m)

	srv := httpapi.NewServer(httpapi.Config{
		Listen:       cfg.Server.Listen,
		ReadTimeout:  cfg.Server.ReadTimeout.Std(),
		WriteTimeout: cfg.Server.WriteTimeout.Std(),
	}, monitors, qs, exec, m.Handler(), st.Ping)
	srv.Start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error {
		// Config reload only re-applies the log level; everything else
		// needs a restart.
		err := config.Watch(gctx, cfgPath, func(fresh *config.Config) {
			SetLevel(ParseLevel(fresh.Log.Level))
		})
		if err != nil {
			L_warn("config watch disabled", "error", err)
		}
		return nil
	})

	L_info("cronboxd ready", "listen", cfg.Server.Listen)
	<-gctx.Done()

	L_info("cronboxd shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		L_warn("http shutdown incomplete", "error", err)
	}
	if err := g.Wait(); err != nil && err != context.Canceled {
		L_warn("background loops stopped with error", "error", err)
	}

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelDrain()
	if err := exec.Stop(drainCtx); err != nil {
		L_warn("executor drain incomplete", "error", err)
	}
	L_info("cronboxd stopped")
	return nil
}

// buildChannels assembles the enabled notification channels. A channel that
// fails to initialize is skipped so one bad credential does not take the
// scheduler down with it.
func buildChannels(cfg *config.Config) []notify.Channel {
	channels := []notify.Channel{notify.NewWebhookChannel(cfg.Notify.WebhookTimeout.Std())}

	if cfg.Notify.Telegram.Enabled {
		tg, err := notify.NewTelegramChannel(cfg.Notify.Telegram.Token)
		if err != nil {
			L_error("telegram channel disabled", "error", err)
		} else {
			channels = append(channels, tg)
		}
	}

	if cfg.Notify.SMTP.Host != "" {
		email, err := notify.NewEmailChannel(cfg.Notify.SMTP.Host, cfg.Notify.SMTP.Port,
			cfg.Notify.SMTP.Username, cfg.Notify.SMTP.Password, cfg.Notify.SMTP.From)
		if err != nil {
			L_error("email channel disabled", "error", err)
		} else {
			channels = append(channels, email)
		}
	}
	return channels
}
