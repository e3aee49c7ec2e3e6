package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/phone-enrich/internal/lookup"
	"github.com/sells-group/phone-enrich/internal/queue"
)

var workerMetricsAddr string

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run lookup, enrichment, dedupe and webhook tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "worker")
		if err != nil {
			return err
		}
		defer env.Close()
		checkProviders(env.Caller)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return runWorker(gctx, env) })

		if workerMetricsAddr != "" {
			srv := &http.Server{Addr: workerMetricsAddr, Handler: env.Metrics.Handler(), ReadHeaderTimeout: 10 * time.Second}
			g.Go(func() error {
				zap.L().Info("serving worker metrics", zap.String("addr", workerMetricsAddr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
		}

		return g.Wait()
	},
}

// runWorker polls the task queue, and sweeps stuck records when the reaper
// is enabled, until ctx is done.
func runWorker(ctx context.Context, env *appEnv) error {
	w := queue.NewWorker(env.Store, queue.WorkerConfig{
		Concurrency:  cfg.Worker.Concurrency,
		BatchSize:    cfg.Worker.BatchSize,
		Lease:        time.Duration(cfg.Worker.LeaseSecs) * time.Second,
		PollInterval: time.Duration(cfg.Worker.PollIntervalMs) * time.Millisecond,
	}, env.Descriptors()...)
	w.SetObserver(env.Metrics)

	if rc := cfg.Lookup.Reaper; rc.Enabled {
		reaper := lookup.NewReaper(env.Store, env.Queue, time.Duration(rc.StuckAfterMins)*time.Minute, rc.BatchSize)
		go reaper.Run(ctx, time.Duration(rc.IntervalSecs)*time.Second)
	}

	return w.Run(ctx)
}

func init() {
	workerCmd.Flags().StringVar(&workerMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9090)")
	rootCmd.AddCommand(workerCmd)
}
