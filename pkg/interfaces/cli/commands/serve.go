package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vsinha/batchalloc/pkg/infrastructure/logger"
	"github.com/vsinha/batchalloc/pkg/interfaces/api"
)

// NewServeCommand serves the HTTP API until interrupted.
func NewServeCommand(opts *RootOptions) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the allocation API over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			e, err := opts.openEngine(ctx)
			if err != nil {
				return err
			}
			defer e.close()

			defaultMode, err := e.cfg.Allocation.Mode()
			if err != nil {
				return WrapExitError(ExitCommandError, "allocation.default_mode", err)
			}
			if port == 0 {
				port = e.cfg.Server.Port
			}
			if !opts.Verbose {
				gin.SetMode(gin.ReleaseMode)
			}

			srv := &http.Server{
				Addr:         fmt.Sprintf(":%d", port),
				Handler:      api.NewRouter(api.NewServer(e.service, defaultMode, api.WithHistory(e.events))),
				ReadTimeout:  e.cfg.Server.ReadTimeout,
				WriteTimeout: e.cfg.Server.WriteTimeout,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("Starting HTTP server",
					zap.String("addr", srv.Addr),
					zap.String("store", e.cfg.Store.Driver),
				)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err := <-errCh:
				if err != nil {
					return WrapExitError(ExitCommandError, "http server", err)
				}
				return nil
			case <-ctx.Done():
			}

			logger.Info("Shutting down server...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), e.cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return WrapExitError(ExitCommandError, "server shutdown", err)
			}
			logger.Info("Server stopped")
			return nil
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "listen port, default from config")
	return cmd
}
