package cli

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/changesync/internal/auth"
	"github.com/roach88/changesync/internal/broadcast"
	"github.com/roach88/changesync/internal/server"
)

// shutdownTimeout bounds how long in-flight requests may take to finish.
const shutdownTimeout = 10 * time.Second

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sync server with workers",
		Long: `Run the HTTP sync endpoint, the websocket hub, a worker pool and the
reconciler in one process.

POST /sync admits a batch, GET /ws streams resolutions, /health and
/metrics report status. auth.jwt_secret (or CHANGESYNC_JWT_SECRET) is
required.

Example:
  changesync serve --db ./changesync.db
  CHANGESYNC_JWT_SECRET=dev changesync serve --config changesync.yaml`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(rootOpts, cmd)
		},
	}
}

func runServe(opts *RootOptions, cmd *cobra.Command) error {
	cfg, err := opts.Config()
	if err != nil {
		return err
	}
	verifier, err := auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	if err != nil {
		return WrapExitError(ExitCommandError, "auth.jwt_secret is required to serve", err)
	}

	rt, err := openRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	hub := broadcast.NewHub(rt.authz, broadcast.WithSendBuffer(cfg.Broadcast.SendBuffer))
	b, err := broadcast.New(hub, cfg.Broadcast.DedupWindow)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create broadcaster", err)
	}
	rt.notifyTo(b)

	pool := rt.pool()
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()
	if err := pool.Register(ctx); err != nil {
		return WrapExitError(ExitCommandError, "failed to register worker", err)
	}

	srv := server.New(cfg.Server, rt.admitter(pool), verifier,
		server.WithHub(hub),
		server.WithLedger(rt.store),
	)
	if err := srv.Start(ctx); err != nil {
		return WrapExitError(ExitCommandError, "failed to start server", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Serving on %s (worker %s). Press Ctrl-C to stop.\n", srv.BaseURL(), pool.ID())

	relay := broadcast.NewRelay(rt.store, b, cfg.Broadcast.RelayInterval)
	reconciler := rt.reconciler()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pool.Run(gctx) })
	g.Go(func() error { return relay.Run(gctx) })
	g.Go(func() error { return reconciler.Run(gctx, cfg.Reconciler.Interval) })
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, done := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer done()
		hub.Close()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !isCancellation(err) {
		return WrapExitError(ExitFailure, "server error", err)
	}
	slog.Info("server stopped gracefully")
	return nil
}
