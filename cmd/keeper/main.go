package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alejandrodnm/perpkeeper/config"
	"github.com/alejandrodnm/perpkeeper/internal/adapters/httpapi"
	"github.com/alejandrodnm/perpkeeper/internal/adapters/notify"
	"github.com/alejandrodnm/perpkeeper/internal/adapters/storage"
	"github.com/alejandrodnm/perpkeeper/internal/metrics"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run arma y corre el keeper. Devuelve el exit code; los defers corren siempre
// antes de salir.
func run(args []string) int {
	fs := flag.NewFlagSet("keeper", flag.ContinueOnError)
	configPath := fs.String("config", "config/config.yaml", "path to config file")
	once := fs.Bool("once", false, "run startup (account refresh + price check) and exit")
	verbose := fs.Bool("verbose", false, "set log level to debug")
	logFormat := fs.String("format", "", "log format: text|json (overrides config)")
	table := fs.Bool("table", false, "print the tx report as tables (default: compact 1-line)")
	report := fs.Bool("report", false, "print the tx journal report for the last 24h and exit")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err, "path", *configPath)
		return 1
	}

	if *verbose {
		cfg.Log.Level = "debug"
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	setupLogger(cfg.Log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	journal, err := storage.NewSQLiteJournal(cfg.Storage.DSN)
	if err != nil {
		slog.Error("failed to open storage", "err", err, "dsn", cfg.Storage.DSN)
		return 1
	}
	defer journal.Close()

	if *report {
		since := time.Now().Add(-24 * time.Hour)
		if err := notify.NewConsole(*table).Report(ctx, journal, since, 20); err != nil {
			slog.Error("report failed", "err", err)
			return 1
		}
		return 0
	}

	slog.Info("perpkeeper starting",
		"config", *configPath,
		"market_id", cfg.Keeper.MarketID,
		"liquidate_every", cfg.Cadence.Liquidate,
		"refresh_every", cfg.Cadence.AccountRefresh,
		"prices_every", cfg.Cadence.Prices,
		"swap_every", cfg.Cadence.Swap,
		"treasury", cfg.Treasury.Enabled,
		"once", *once,
	)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	k, err := build(ctx, cfg, journal, m)
	if err != nil {
		slog.Error("failed to build keeper", "err", err)
		return 1
	}
	defer k.close()

	if *once {
		st := k.scheduler.Startup(ctx)
		slog.Info("startup finished", "msg", st.Message, "launched", st.Launched)
		return 0
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return k.scheduler.Run(gctx) })
	if cfg.Server.Addr != "" {
		h := httpapi.NewRouter(httpapi.Config{
			State:           k.scheduler.State(),
			Metrics:         m.Handler(),
			LivenessTimeout: cfg.LivenessTimeout(),
		})
		g.Go(func() error { return httpapi.Serve(gctx, cfg.Server.Addr, h) })
	}

	if err := g.Wait(); err != nil {
		slog.Error("keeper exited with error", "err", err)
		return 1
	}

	slog.Info("perpkeeper stopped cleanly")
	return 0
}

// setupLogger configura slog según la config. Cada proceso lleva un run_id para
// separar reinicios en los logs agregados.
func setupLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler).With("run_id", uuid.NewString()))
}
