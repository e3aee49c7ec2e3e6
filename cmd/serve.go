package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/phone-enrich/internal/monitoring"
	"github.com/sells-group/phone-enrich/internal/server"
)

var (
	servePort       int
	serveWithWorker bool
)

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the webhook and admin HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr: fmt.Sprintf(":%d", port),
			Handler: server.NewRouter(server.Deps{
				Health:        env.Store,
				Webhooks:      env.Webhooks,
				Records:       env.Lookup,
				Reader:        env.Store,
				Breakers:      env.Breakers,
				Stats:         monitoring.NewCollector(env.Store, env.Breakers),
				Metrics:       env.Metrics,
				AdminToken:    cfg.Server.AdminToken,
				CORSOrigins:   cfg.Server.CORSOrigins,
				LookbackHours: cfg.Monitoring.LookbackWindowHours,
			}),
			ReadHeaderTimeout: 10 * time.Second,
		}

		g, gctx := errgroup.WithContext(ctx)

		g.Go(func() error {
			zap.L().Info("starting server",
				zap.Int("port", port),
				zap.Strings("webhook_sources", env.Webhooks.Sources()),
			)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return eris.Wrap(err, "server listen")
			}
			return nil
		})

		// Graceful shutdown
		g.Go(func() error {
			<-gctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})

		if serveWithWorker {
			g.Go(func() error { return runWorker(gctx, env) })
		}
		if cfg.Monitoring.Enabled {
			g.Go(func() error {
				startChecker(gctx, env)
				return nil
			})
		}

		return g.Wait()
	},
}

// startChecker runs the periodic alert checker until ctx is done.
func startChecker(ctx context.Context, env *appEnv) {
	collector := monitoring.NewCollector(env.Store, env.Breakers)
	checker := monitoring.NewChecker(collector, monitoring.NewAlerter(cfg.Monitoring), env.Metrics, cfg.Monitoring)
	checker.Run(ctx)
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().BoolVar(&serveWithWorker, "with-worker", false, "also run the task worker in this process")
	rootCmd.AddCommand(serveCmd)
}
