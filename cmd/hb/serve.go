package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/homeboard/homeboard/internal/api"
	"github.com/homeboard/homeboard/internal/chore"
	"github.com/homeboard/homeboard/internal/config"
	"github.com/homeboard/homeboard/internal/docstore"
	"github.com/homeboard/homeboard/internal/hub"
	"github.com/homeboard/homeboard/internal/routine"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "server",
	Short:   "Serve the document store over HTTP and WebSocket",
	Long: `Start the homeboard server.

The server exposes the configured store to clients running with
store.driver = "remote" and streams every document change to them over
WebSocket. It also runs the daily routine baseline job at the boundary
hour.

Endpoints:
  GET  /health
  GET  /docs/{collection}/{id}
  PUT  /docs/{collection}/{id}
  GET  /ws/{collection}/{id}
  GET  /routine/upcoming

Examples:
  hb serve
  hb serve --addr 0.0.0.0:8740 --store file`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		if addr == "" {
			addr = cfg.Server.Addr
		}
		if cfg.Store.Driver == config.DriverRemote {
			return errors.New("serve needs a local store; store.driver is remote")
		}
		calc, err := calculator()
		if err != nil {
			return err
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		return withStore(cmd, func(_ context.Context, store docstore.Store) error {
			return serve(ctx, cmd, store, calc, addr)
		})
	},
}

func serve(ctx context.Context, cmd *cobra.Command, store docstore.Store, calc chore.Calculator, addr string) error {
	svc := routine.New(store, calc, nil)

	h := hub.New(store, &hub.Config{
		OriginPatterns: originPatterns(cfg.Server.CORSOrigins),
		Logger:         logs.For("hub"),
	})
	defer h.Close()

	srv := &http.Server{
		Addr: addr,
		Handler: api.NewRouter(store, h, &api.Config{
			CORSOrigins:     cfg.Server.CORSOrigins,
			CORSCredentials: cfg.Server.CORSCredentials,
			Routine:         svc,
			Logger:          logs.For("api"),
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sched := chore.NewScheduler(calc, svc.BaselineJob(), &chore.SchedulerConfig{
		RunOnStart: true,
		Logger:     logs.For("scheduler"),
	})
	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		_ = sched.Run(ctx)
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "homeboard serving %s store on http://%s\n", cfg.Store.Driver, addr)
	fmt.Fprintln(out, "Press Ctrl+C to stop...")

	var serveErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("server failed: %w", err)
		}
	}

	fmt.Fprintln(out, "\nShutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil && serveErr == nil {
		serveErr = fmt.Errorf("shutdown failed: %w", err)
	}
	<-schedDone
	return serveErr
}

// originPatterns turns CORS origins into WebSocket origin host patterns.
func originPatterns(origins []string) []string {
	var out []string
	for _, o := range origins {
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			out = append(out, u.Host)
			continue
		}
		out = append(out, o)
	}
	return out
}

func init() {
	serveCmd.Flags().String("addr", "", "Listen address (default server.addr)")
	rootCmd.AddCommand(serveCmd)
}
