package cmd

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"grimm.is/bastion/internal/ban"
	"grimm.is/bastion/internal/errdefs"
	"grimm.is/bastion/internal/intake"
	"grimm.is/bastion/internal/rules"
	"grimm.is/bastion/internal/scheduler"
	"grimm.is/bastion/internal/session"
	"grimm.is/bastion/internal/whitelist"
)

const sweepInterval = 30 * time.Second

// RunDaemon starts the gateway engine: the ban intake socket, the expiry
// sweep, and the periodic consolidation pass. Blocks until SIGINT/SIGTERM.
func RunDaemon(configFile, metricsAddr string) error {
	cfg, logger, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	if cfg.Ban == nil {
		return errdefs.FatalConfigf("ban block is required to run the daemon")
	}
	if cfg.Intake == nil || cfg.Intake.Socket == "" {
		return errdefs.FatalConfigf("intake socket is required to run the daemon")
	}

	sets, err := newController(cfg.Ban, logger)
	if err != nil {
		return err
	}

	eng, store, err := newEngine(cfg, sets, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	// Keep the whitelist fragment in step with config before anything is
	// consolidated.
	if cfg.Whitelist != nil {
		set, err := whitelist.New(cfg.Whitelist.CIDRs)
		if err != nil {
			return err
		}
		if err := ban.WriteWhitelistFragment(cfg.Paths.Rules, set.Networks()); err != nil {
			return err
		}
	}

	ctx := context.Background()
	if err := eng.Rearm(ctx); err != nil {
		return err
	}

	funnel := intake.NewFunnel(eng, 0, 0, logger)
	funnel.Start()
	defer funnel.Stop()

	socket := intake.NewServer(cfg.Intake.Socket, funnel, logger)
	if err := socket.Start(); err != nil {
		return err
	}
	defer socket.Stop()

	consolidator := rules.NewConsolidator(cfg.Paths.Rules, nil, logger)

	sched := scheduler.New(nil, logger)
	if err := sched.AddTask(scheduler.NewSweepTask(eng, sweepInterval)); err != nil {
		return err
	}
	if err := sched.AddTask(scheduler.NewConsolidateTask(consolidator, cfg.Consolidate.IntervalDuration())); err != nil {
		return err
	}
	if cfg.Sessions != nil && cfg.Sessions.RetentionDays > 0 {
		reg, err := session.NewRegistry(cfg.Paths.Sessions, nil, logger)
		if err != nil {
			return err
		}
		if err := sched.AddTask(scheduler.NewRetentionTask(reg, cfg.Sessions.RetentionDays, nil)); err != nil {
			return err
		}
	}
	sched.Start()
	defer sched.Stop()

	if metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				logger.Error("metrics listener failed", "addr", metricsAddr, "error", err)
			}
		}()
		logger.Info("metrics exposed", "addr", metricsAddr)
	}

	logger.Info("daemon running", "socket", cfg.Intake.Socket)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	logger.Info("shutting down", "signal", s.String())
	return nil
}
