package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"repowarden/internal/metrics"
	"repowarden/internal/patterns"
	"repowarden/internal/watcher"
)

var (
	watchMetricsAddr string
	watchInterval    time.Duration
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch rule files and drain patterns continuously",
	Long: `Hot-loads manually authored rules from .warden/rules/, drains and
distills learner patterns on an interval, and serves Prometheus metrics.
Runs until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEngine(workspace)
		if err != nil {
			return err
		}
		defer e.close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		rulesDir := filepath.Join(workspace, ".warden", "rules")
		w, err := watcher.New(rulesDir, e.rules)
		if err != nil {
			return err
		}
		if err := w.LoadAll(); err != nil {
			return err
		}
		w.Start(ctx)
		defer w.Stop()
		logger.Info("watching rule files", zap.String("dir", rulesDir))

		var metricsSrv *http.Server
		if watchMetricsAddr != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
			metricsSrv = &http.Server{Addr: watchMetricsAddr, Handler: mux}
			go func() {
				if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("metrics server", zap.Error(err))
				}
			}()
			logger.Info("serving metrics", zap.String("addr", watchMetricsAddr))
		}

		cycle := patterns.NewCycle(e.source, e.distiller)
		ticker := time.NewTicker(watchInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				logger.Info("shutting down")
				if metricsSrv != nil {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					_ = metricsSrv.Shutdown(shutdownCtx)
					cancel()
				}
				return nil

			case <-ticker.C:
				accepted, rejected, err := cycle.RunOnce()
				if err != nil {
					logger.Warn("distillation cycle", zap.Error(err))
					continue
				}
				if len(accepted)+len(rejected) > 0 {
					logger.Info("distillation cycle",
						zap.Int("accepted", len(accepted)),
						zap.Int("rejected", len(rejected)))
				}
			}
		}
	},
}

func init() {
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", ":9920",
		"address for the Prometheus /metrics endpoint (empty to disable)")
	watchCmd.Flags().DurationVar(&watchInterval, "interval", 30*time.Second,
		"pattern drain interval")
	rootCmd.AddCommand(watchCmd)
}
