package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/venice-bridge/internal/api"
	"github.com/xkilldash9x/venice-bridge/internal/config"
	"github.com/xkilldash9x/venice-bridge/internal/observability"
)

func newServeCmd() *cobra.Command {
	defaults := config.NewDefaultConfig()

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Sign in to venice.ai and serve the Ollama compatible API",
		Long: `Launches a browser, signs in to venice.ai, and serves the Ollama and
OpenAI compatible endpoints until interrupted. Every request drives the signed
in chat page and streams the captured reply back as NDJSON.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFrom(cmd.Context())
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, observability.GetLogger())
		},
	}

	f := cmd.Flags()
	f.String("username", "", "venice.ai account email (default $VENICE_USERNAME)")
	f.String("password", "", "venice.ai account password (default $VENICE_PASSWORD)")
	f.String("auth-mode", string(defaults.Venice.AuthMode), "sign-in strategy: credentials or wallet")
	f.String("host", defaults.Server.Host, "address to listen on")
	f.Int("port", defaults.Server.Port, "port to listen on")
	f.Duration("timeout", defaults.Bridge.StreamTimeout, "inactivity window before a reply counts as stalled")
	f.Duration("browser-timeout", defaults.Bridge.WaitTimeout, "upper bound for each browser wait")
	f.Bool("headless", defaults.Browser.Headless, "run the browser without a window")
	f.Bool("no-headless", false, "show the browser window")
	f.Bool("debug-browser", defaults.Browser.Debug, "forward the page console into the log after each request")
	f.String("remote-url", "", "attach to a running browser's DevTools endpoint instead of launching one")
	return cmd
}

// runServe signs in eagerly, then serves until ctx is done. The browser is
// closed once shutdown starts so in-flight replies fail fast.
func runServe(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	rt, err := newRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.close(ctx)

	logger.Info("Starting venice-bridge",
		zap.String("version", Version),
		zap.String("address", cfg.Server.Addr()),
		zap.String("auth_mode", string(cfg.Venice.AuthMode)))

	if _, err := rt.manager.Acquire(ctx); err != nil {
		return fmt.Errorf("initial sign-in failed: %w", err)
	}

	server := api.NewServer(cfg, logger, api.Deps{
		Bridge:   rt.orchestrator,
		Sessions: rt.manager,
		Gatherer: rt.registry,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		rt.close(gctx)
		return nil
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("server stopped: %w", err)
	}
	return ctx.Err()
}
