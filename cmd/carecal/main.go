package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"carecal/internal/config"
	appLog "carecal/internal/log"
	"carecal/internal/poller"
	"carecal/internal/repo"
	"carecal/internal/schedule"
	"carecal/internal/web"
)

// flagConfig holds CLI flag values.
type flagConfig struct {
	configPath string
	listen     string
	backend    string
	once       bool
}

func main() {
	appLog.Info("carecal starting", "version", "0.1.0-dev")

	flags := parseFlags()

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}

	// CLI flags override config file values if provided.
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	if flags.backend != "" {
		conf.Backend = config.Backend(flags.backend)
		conf.Normalize()
	}

	appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))

	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", conf.Timezone,
		"backend", string(conf.Backend),
		"writes_enabled", conf.WritesEnabled,
		"refresh", conf.RefreshCron,
		"list", conf.ListStore.ListName,
		"once", flags.once,
	)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		appLog.Info("signal received, shutting down", "signal", sig.String())
		cancel()
	}()

	provider := repo.NewProvider(conf)

	if flags.once {
		runOnce(ctx, provider)
		return
	}

	p := poller.New(provider.Repository(), provider.Calendar())
	if err := p.Start(ctx, conf.RefreshCron); err != nil {
		appLog.Error("failed to start refresh loop", err, "cron", conf.RefreshCron)
		os.Exit(1)
	}

	if err := web.StartServer(ctx, conf, provider, p); err != nil {
		appLog.Error("HTTP server failed", err)
		os.Exit(1)
	}

	appLog.Info("carecal exiting")
}

// runOnce lists the default window a single time and exits; useful for
// checking connectivity and credentials from the shell.
func runOnce(ctx context.Context, provider *repo.Provider) {
	opCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	now := time.Now().UTC()
	rng := schedule.DateRange{
		From: now.Add(-24 * time.Hour),
		To:   now.Add(14 * 24 * time.Hour),
	}
	items, err := provider.Repository().List(opCtx, rng)
	if err != nil {
		appLog.Error("one-shot list failed", err)
		os.Exit(1)
	}
	appLog.Info("one-shot list succeeded", "count", len(items))
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/carecal/config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.StringVar(&cfg.backend, "backend", "", "Backend override: demo or liststore")
	flag.BoolVar(&cfg.once, "once", false, "Run one list cycle and exit")

	flag.Parse()

	return cfg
}
