package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/oriys/partsearch/internal/api"
	"github.com/oriys/partsearch/internal/logging"
	"github.com/oriys/partsearch/internal/metrics"
	"github.com/oriys/partsearch/internal/notify"
	"github.com/oriys/partsearch/internal/observability"
)

func serveCmd() *cobra.Command {
	var (
		httpAddr      string
		watchEvents   bool
		printSearches bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the search HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if httpAddr != "" {
				cfg.Daemon.HTTPAddr = httpAddr
			}

			if err := observability.Init(context.Background(), cfg.Observability); err != nil {
				logging.Op().Warn("tracing disabled", "error", err)
			}
			defer observability.Shutdown(context.Background())
			metrics.InitPrometheus("partsearch", nil)
			if printSearches {
				logging.Default().SetConsole(os.Stdout)
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			rt, err := buildRuntime(ctx, cfg, runtimeOptions{memoryIndex: true, listen: true})
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := metrics.RegisterGaugeFunc("cache_hit_ratio", "Result cache hit ratio since start",
				func() float64 { return rt.results.Stats().HitRate }); err != nil {
				logging.Op().Warn("cache hit ratio gauge not registered", "error", err)
			}

			if watchEvents {
				go logEvents(rt.notifier.Subscribe(ctx))
			}

			rlCfg := cfg.RateLimit
			httpServer := api.StartHTTPServer(cfg.Daemon.HTTPAddr, api.ServerConfig{
				Service:      rt.svc,
				Redis:        rt.redis,
				RateLimitCfg: &rlCfg,
			})
			logging.Op().Info("partsearch started",
				"http", cfg.Daemon.HTTPAddr,
				"backends", len(rt.backends),
				"redis", cfg.Redis.Enabled())

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			sig := <-sigCh
			logging.Op().Info("shutting down", "signal", sig.String())

			shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
			defer stop()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logging.Op().Warn("HTTP server shutdown", "error", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&httpAddr, "http", "", "HTTP address (overrides config)")
	cmd.Flags().BoolVar(&watchEvents, "watch-events", false, "Log every search completion event")
	cmd.Flags().BoolVar(&printSearches, "print-searches", false, "Print one line per search to stdout")

	return cmd
}

func logEvents(events <-chan notify.Event) {
	for ev := range events {
		logging.Op().Info("search completed",
			"request_id", ev.RequestID,
			"scope", ev.Scope,
			"keys", ev.KeyCount,
			"ready", ev.Ready,
			"cached", ev.Cached)
	}
}
