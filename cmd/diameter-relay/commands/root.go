package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/hsdfat8/diam-node/internal/config"
	"github.com/hsdfat8/diam-node/pkg/logger"
	"github.com/hsdfat8/diam-node/pkg/metrics"
	"github.com/hsdfat8/diam-node/relay"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "diameter-relay",
	Short: "Diameter relay agent",
	RunE: func(_ *cobra.Command, _ []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		level := cfg.Logging.Level
		if logLevel != "" {
			level = logLevel
		}
		logger.SetLevel(level)
		return run(cfg)
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the config file (default: ./config.yaml)")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "log level override (debug, info, warn, error)")
}

// Execute executes root CLI command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logger.Log.Errorw("Diameter relay failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	peers, err := cfg.Relay.Peers()
	if err != nil {
		return err
	}
	r, err := relay.New(cfg.Node.Settings(), cfg.Node.Validator(), &relay.Config{
		Upstreams:             peers,
		RequestTimeout:        cfg.Relay.RequestTimeout,
		EnableRequestLogging:  cfg.Relay.EnableReqLog,
		EnableResponseLogging: cfg.Relay.EnableRespLog,
	})
	if err != nil {
		return err
	}
	if err := r.Start(); err != nil {
		return err
	}
	logger.Log.Infow("Relay started", "upstreams", cfg.Relay.Upstreams)

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		metricsServer = serveMetrics(cfg.Metrics)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if cfg.Relay.StatsInterval > 0 {
		go logStats(ctx, r, cfg.Relay.StatsInterval)
	}
	<-ctx.Done()

	logger.Log.Infow("Shutdown signal received, stopping relay...")
	err = r.Stop(cfg.Relay.ShutdownGrace)
	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if serr := metricsServer.Shutdown(shutdownCtx); serr != nil {
			logger.Log.Warnw("Metrics server shutdown failed", "error", serr)
		}
	}
	if err != nil {
		return fmt.Errorf("error during shutdown: %w", err)
	}
	logger.Log.Infow("Relay stopped successfully")
	return nil
}

func serveMetrics(cfg config.MetricsConfig) *http.Server {
	metrics.RegisterMetrics()
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Log.Infow("Serving metrics", "addr", srv.Addr, "path", cfg.Path)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log.Errorw("Failed to start metrics API", "error", err)
		}
	}()
	return srv
}

func logStats(ctx context.Context, r *relay.Relay, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := r.GetStats()
			logger.Log.Infow("Relay statistics",
				"total_requests", stats.TotalRequests,
				"total_forwarded", stats.TotalForwarded,
				"total_answers", stats.TotalAnswers,
				"total_rejected", stats.TotalRejected,
				"active_requests", stats.ActiveRequests,
				"timeout_errors", stats.TimeoutErrors,
				"routing_errors", stats.RoutingErrors,
				"upstreams_up", stats.UpstreamUp,
				"avg_latency_ms", stats.AverageLatencyMs)

			sent, received := r.Manager().MessageMetrics()
			logger.Log.Infow(metrics.CompactMetrics("sent", sent))
			logger.Log.Debugw(metrics.FormatMetrics("received", received))
		}
	}
}
