package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/basket/kaihost/internal/bus"
	"github.com/basket/kaihost/internal/config"
	"github.com/basket/kaihost/internal/cron"
	"github.com/basket/kaihost/internal/marketplace"
)

func runServe(ctx context.Context, g globalFlags, args []string, out *printer, stderr io.Writer) int {
	if len(args) != 0 {
		fmt.Fprintln(stderr, "usage: kaihost serve")
		return exitUsage
	}
	a, err := openApp(ctx, appOptions{home: g.home, quiet: g.quiet, load: false})
	if err != nil {
		return printErr(stderr, "startup", err)
	}
	defer a.close()
	logger := a.logger

	recovered, err := a.store.RecoverInterruptedGenerations(ctx)
	if err != nil {
		return printErr(stderr, "recover generations", err)
	}
	logger.Info("startup phase", "phase", "recovery_scan_completed", "abandoned_generations", recovered)

	faults := a.bus.Subscribe("extension.")
	defer a.bus.Unsubscribe(faults)

	if err := a.registry.Load(ctx); err != nil {
		return printErr(stderr, "load catalog", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if a.cfg.Extensions.Watch {
		debounce := time.Duration(a.cfg.Extensions.WatchDebounceMillis) * time.Millisecond
		if err := a.registry.Watch(runCtx, debounce); err != nil {
			logger.Warn("extension watcher disabled", "error", err)
		}
	}

	cfgWatcher := config.NewWatcher(a.cfg.HomeDir, logger)
	if err := cfgWatcher.Start(runCtx); err != nil {
		logger.Warn("config watcher disabled", "error", err)
	}

	sched := cron.NewScheduler(cron.Config{Logger: logger})
	if err := sched.Add(retentionJob(a)); err != nil {
		return printErr(stderr, "schedule retention", err)
	}
	if a.cfg.Marketplace.Enabled {
		client, err := marketplace.NewClient(marketplace.Config{
			BaseURL: a.cfg.Marketplace.BaseURL,
			Token:   a.cfg.Marketplace.Token,
			Logger:  logger,
		})
		if err != nil {
			return printErr(stderr, "marketplace", err)
		}
		reporter := marketplace.NewReporter(client, a.registry, logger)
		if err := sched.Add(reporter.Job(a.cfg.Marketplace.ReportSchedule)); err != nil {
			return printErr(stderr, "schedule marketplace report", err)
		}
	}
	sched.Start(runCtx)
	defer sched.Stop()

	out.Printf("kaihost %s serving %d extensions from %s\n", Version, len(a.registry.List()), a.cfg.HomeDir)
	logger.Info("startup phase", "phase", "serving")

	applied := a.cfg
	cfgEvents := cfgWatcher.Events()
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutdown requested")
			cancel()
			return exitOK
		case _, ok := <-cfgEvents:
			if !ok {
				cfgEvents = nil
				continue
			}
			applied = reloadConfig(a, applied)
		case ev := <-faults.Ch():
			if ev.Topic != bus.TopicExtensionFaulted {
				continue
			}
			if e, ok := ev.Payload.(bus.ExtensionEvent); ok {
				out.Printf("%s %s: %s\n", out.paint(out.bad, "fault"), e.ID, e.Error)
			}
		}
	}
}

// reloadConfig applies the settings that can change without a restart and
// returns the config now in effect. Only the dependency allow-list is live;
// everything else waits for the next start.
func reloadConfig(a *app, prev config.Config) config.Config {
	next, err := config.LoadFrom(prev.HomeDir)
	if err != nil {
		a.logger.Warn("config reload failed, keeping previous settings", "error", err)
		return prev
	}
	if next.Fingerprint() == prev.Fingerprint() {
		return prev
	}
	a.resolver.SetAllow(next.Dependencies.Allow)
	a.audit.Record(context.Background(), "config.reload", "allow", config.ConfigPath(next.HomeDir), next.Fingerprint())
	a.logger.Info("config reloaded", "fingerprint", next.Fingerprint(), "allow", len(next.Dependencies.Allow))
	return next
}

func retentionJob(a *app) cron.Job {
	eventDays, auditDays := a.cfg.RetentionGenerationEventsDays, a.cfg.RetentionAuditLogDays
	return cron.Job{
		Name:       "retention",
		Schedule:   "@daily",
		RunOnStart: true,
		Run: func(ctx context.Context) error {
			res, err := a.store.RunRetention(ctx, eventDays, auditDays)
			if err != nil {
				return err
			}
			a.logger.Info("retention completed",
				"purged_generation_events", res.PurgedGenerationEvents,
				"purged_audit_logs", res.PurgedAuditLogs)
			return nil
		},
	}
}
