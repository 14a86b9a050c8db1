package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/visadoc/internal/api"
	"github.com/sells-group/visadoc/internal/monitoring"
	"github.com/sells-group/visadoc/internal/resilience"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and the session watchdog",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if servePort != 0 {
			cfg.Server.Port = servePort
		}

		env, err := initApp(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		watchdog := monitoring.NewChecker(env.Store, env.Analysis, monitoring.Config{
			Interval:   time.Duration(cfg.Analysis.WatchdogIntervalSecs) * time.Second,
			StaleAfter: cfg.Analysis.StaleAfter(),
			Breaker:    resilience.FromCircuitConfig("watchdog", 3, 5*cfg.Analysis.WatchdogIntervalSecs),
		})
		go watchdog.Run(ctx)

		handler := api.NewServer(env.Analysis, env.Tracker, env.Catalog, env.Store, api.Config{
			AllowedOrigins: cfg.Server.AllowedOrigins,
			LongPollMax:    time.Duration(cfg.Analysis.LongPollMaxSecs) * time.Second,
		})

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		stopped := make(chan struct{})
		go func() {
			defer close(stopped)
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
			if err := env.Analysis.Shutdown(shutdownCtx); err != nil {
				zap.L().Warn("analysis sessions still running at shutdown", zap.Error(err))
			}
		}()

		zap.L().Info("starting server", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}
		<-stopped

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
