package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cptspacemanspiff/procwatch/internal/collector"
	"github.com/cptspacemanspiff/procwatch/internal/config"
	dbussvc "github.com/cptspacemanspiff/procwatch/internal/dbus"
	"github.com/cptspacemanspiff/procwatch/internal/probe"
	"github.com/cptspacemanspiff/procwatch/internal/startup"
	"github.com/cptspacemanspiff/procwatch/internal/wake"
)

func defaultConfigPath() string {
	return config.DefaultPath()
}

// loadConfig reads the config file and applies command-line overrides.
func loadConfig(cmd *cobra.Command, logger *slog.Logger) (*config.Config, error) {
	cfg, found, err := config.LoadOrDefault(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", configPath, err)
	}
	if !found {
		logger.Info("config file not found, using defaults", "path", configPath)
	}
	if cmd.Flags().Changed("include-system") {
		cfg.Process.IncludeSystem = includeSystem
	}
	return cfg, nil
}

// monitors builds the process sampler and startup scanner from cfg.
func monitors(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*collector.ProcessSampler, *startup.Scanner) {
	sampler := collector.NewProcessSampler(probe.NewSystem(ctx), collector.SamplerOptions{
		Interval:       cfg.Process.Interval(),
		IncludeSystem:  cfg.Process.IncludeSystem,
		SystemAccounts: cfg.Process.SystemAccounts,
	}, logger.With("topic", topicProcess))

	run := startup.ExecRunner(cfg.Startup.CommandTimeout())
	scanner := startup.NewScanner(
		startup.NewLaunchctl(run),
		startup.NewAppleScriptLoginItems(run),
		startup.ScannerOptions{
			Interval:     cfg.Startup.Interval(),
			StatusTTL:    cfg.Startup.StatusTTL(),
			UserOnly:     cfg.Startup.UserOnly,
			UserAgentDir: cfg.Startup.UserAgentDir,
			AgentDirs:    cfg.Startup.AgentDirs,
			DaemonDirs:   cfg.Startup.DaemonDirs,
		},
		logger.With("topic", topicStartup),
	)
	return sampler, scanner
}

func runDaemon(cmd *cobra.Command, args []string) error {
	logger := newLogger(os.Stderr, parseTopics(logTopics, verbose))

	cfg, err := loadConfig(cmd, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sampler, scanner := monitors(ctx, cfg, logger)
	sampler.Start(ctx)
	defer sampler.Stop()
	scanner.Start(ctx)
	defer scanner.Stop()

	if cfg.Startup.WatchDefinitions {
		w, err := startup.NewWatcher(scanner.WatchDirs(), startup.DefaultDebounce, scanner.Refresh, logger.With("topic", topicWatch))
		if err != nil {
			logger.Warn("definition watcher unavailable", "err", err)
		} else {
			defer w.Close()
		}
	}

	if cfg.DBus.Enabled {
		conn, err := dbussvc.Connect(cfg.DBus.Bus)
		if err != nil {
			logger.Warn("D-Bus unavailable, continuing without it", "err", err)
		} else {
			defer conn.Close()
			svc := dbussvc.NewService(sampler, scanner, logger.With("topic", topicDBus))
			if err := svc.Export(conn); err != nil {
				return fmt.Errorf("export dbus service: %w", err)
			}
			go svc.EmitUpdates(ctx, conn)
		}
	}

	var wakeCh <-chan struct{}
	if cfg.DBus.WakeMonitor {
		mon, err := wake.NewSystem(logger.With("topic", topicWake))
		if err != nil {
			logger.Warn("wake monitor unavailable", "err", err)
		} else {
			defer mon.Close()
			wakeCh = mon.Wake()
		}
	}

	logger.Info("procwatchd started",
		"version", Version,
		"process_interval", cfg.Process.Interval(),
		"startup_interval", cfg.Startup.Interval(),
		"include_system", cfg.Process.IncludeSystem)

	for {
		select {
		case <-wakeCh:
			logger.Info("wake signal received, refreshing")
			sampler.Trigger()
			scanner.Refresh()
		case <-ctx.Done():
			logger.Info("shutting down")
			return nil
		}
	}
}
