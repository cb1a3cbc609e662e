package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/banshee-data/sweeplab/internal/api"
	"github.com/banshee-data/sweeplab/internal/sink"
)

func newServeCmd(g *globalFlags) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the sweep API, metrics and debug routes",
		Long: `Open the experiment and serve /api/state, /api/start, /api/stop,
/api/runs, /metrics and the /debug/ admin pages until interrupted. A run in
progress is stopped on shutdown.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			ln, err := net.Listen("tcp", listen)
			if err != nil {
				return err
			}
			return serve(ctx, g, ln)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", ":8090", "Listen address")
	return cmd
}

// serve runs the API on ln until ctx is done.
func serve(ctx context.Context, g *globalFlags, ln net.Listener) error {
	l, err := openLab(ctx, g)
	if err != nil {
		ln.Close()
		return err
	}
	defer l.Close()

	o, err := l.orchestrator(sink.NewMemory())
	if err != nil {
		ln.Close()
		return err
	}
	defer o.Stop()

	opts := api.Options{
		Runner:   o,
		Gatherer: l.registry,
		Admin:    []api.AdminRouter{l.station},
		Log:      l.log.With("[api]"),
		Context:  ctx,
	}
	if l.db != nil {
		opts.Runs = l.db
		opts.Admin = append(opts.Admin, l.db)
	}
	server := &http.Server{Handler: api.LoggingMiddleware(api.NewServer(opts).ServeMux())}

	errc := make(chan error, 1)
	go func() {
		l.log.Printf("serving %s on %s", l.exp.Name, ln.Addr())
		errc <- server.Serve(ln)
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}
	l.log.Printf("shutting down HTTP server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		l.log.Warnf("HTTP server shutdown error: %v", err)
		if err := server.Close(); err != nil {
			l.log.Warnf("HTTP server force close error: %v", err)
		}
	}
	return nil
}
