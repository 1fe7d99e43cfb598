package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/opsflow/guardian/internal/api"
	"github.com/opsflow/guardian/internal/metrics"
	"github.com/opsflow/guardian/internal/stream"
	"github.com/opsflow/guardian/internal/version"
)

const (
	apiPrefix       = "/api/v1"
	shutdownTimeout = 15 * time.Second
)

func serveCmd(g *globalFlags) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API, audit stream and metrics, and sweep stale approvals",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := setup(ctx, g, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()
			if addr != "" {
				a.cfg.Server.Addr = addr
			}
			return a.serve(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address override")
	return cmd
}

// routes mounts the API, the metrics endpoint and the audit stream. The
// stream bypasses the request logger, which cannot hijack connections.
func (a *app) routes() http.Handler {
	apiHandler := api.NewHandler(a.engine,
		api.WithAudit(a.audit),
		api.WithAgents(a.agents),
		api.WithLogger(a.logger),
	)
	mux := http.NewServeMux()
	mux.Handle(apiPrefix+"/", apiHandler.Handler(apiPrefix))
	mux.Handle("GET "+a.cfg.Server.MetricsPath, metrics.Handler(a.registry))
	mux.Handle("GET "+a.cfg.Server.StreamPath, stream.NewHandler(a.audit,
		stream.WithLogger(a.logger),
		stream.WithOriginPatterns(a.cfg.Server.Origins...),
	))
	return mux
}

func (a *app) serve(ctx context.Context) error {
	if err := a.sweeper.Start(); err != nil {
		return err
	}

	ln, err := net.Listen("tcp", a.cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.cfg.Server.Addr, err)
	}
	srv := &http.Server{
		Handler:           a.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	a.logger.Info("guardian ready",
		"version", version.Get().Version,
		"addr", ln.Addr().String(),
		"store", a.cfg.Store.Driver,
		"oracle", a.cfg.Oracle.Kind)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	// Websocket streams end when the audit log closes in app.Close.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("http shutdown", "error", err)
	}
	return nil
}
