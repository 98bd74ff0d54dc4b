package cli

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/warp/kilometers-engine/api"
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("addr", "", "Listen address (overrides server.addr)")
	serveCmd.Flags().Bool("no-scheduler", false, "Do not run the expiration scheduler")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the expiration scheduler",
	Long: `Run the HTTP API. Unless disabled, the expiration sweep also runs in the
background at sweep.interval.

On SIGINT/SIGTERM the server stops accepting connections, waits for active
requests (server.shutdown_timeout), stops the scheduler and closes the store.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	addr, _ := cmd.Flags().GetString("addr")
	if addr == "" {
		addr = rt.cfg.Server.Addr
	}
	noScheduler, _ := cmd.Flags().GetBool("no-scheduler")

	handler := api.NewHandler(rt.engine, rt.sweepConfig(), rt.log.Named("http"))
	router := api.NewRouter(handler, rt.cfg.Server.AllowedOrigins)

	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  rt.cfg.Server.ReadTimeout.Duration,
		WriteTimeout: rt.cfg.Server.WriteTimeout.Duration,
		IdleTimeout:  rt.cfg.Server.IdleTimeout.Duration,
	}

	scheduler := api.NewExpirationScheduler(rt.engine, rt.sweepConfig(), rt.log)
	scheduler.Interval = rt.cfg.Sweep.Interval.Duration
	scheduler.Enabled = rt.cfg.Sweep.Enabled && !noScheduler
	scheduler.Start()
	defer scheduler.Stop()

	serveErr := make(chan error, 1)
	go func() {
		rt.log.Info("server starting",
			zap.String("addr", addr),
			zap.String("store", rt.cfg.Store.Driver))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	rt.log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), rt.cfg.Server.ShutdownTimeout.Duration)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		rt.log.Error("server forced to shutdown", zap.Error(err))
		return err
	}

	rt.log.Info("server stopped")
	return nil
}
