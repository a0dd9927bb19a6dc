package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/venice-bridge/internal/config"
	"github.com/xkilldash9x/venice-bridge/internal/observability"
)

func newLoginCmd() *cobra.Command {
	defaults := config.NewDefaultConfig()

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in once, report the session, and exit",
		Long: `Runs the same sign-in and readiness checks as serve, prints the
resulting session, and closes the browser. Useful for checking credentials and
locators without starting the API.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFrom(cmd.Context())
			if err != nil {
				return err
			}
			return runLogin(cmd.Context(), cfg, observability.GetLogger(), cmd.OutOrStdout())
		},
	}

	f := cmd.Flags()
	f.String("username", "", "venice.ai account email (default $VENICE_USERNAME)")
	f.String("password", "", "venice.ai account password (default $VENICE_PASSWORD)")
	f.String("auth-mode", string(defaults.Venice.AuthMode), "sign-in strategy: credentials or wallet")
	f.Duration("browser-timeout", defaults.Bridge.WaitTimeout, "upper bound for each browser wait")
	f.Bool("headless", defaults.Browser.Headless, "run the browser without a window")
	f.Bool("no-headless", false, "show the browser window")
	f.String("remote-url", "", "attach to a running browser's DevTools endpoint instead of launching one")
	return cmd
}

func runLogin(ctx context.Context, cfg *config.Config, logger *zap.Logger, out io.Writer) error {
	rt, err := newRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.close(ctx)

	s, err := rt.manager.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("sign-in failed: %w", err)
	}

	fmt.Fprintf(out, "Signed in.\n  session:  %s\n  mode:     %s\n  created:  %s\n  location: %s\n",
		s.ID, s.Mode, s.CreatedAt.UTC().Format(time.RFC3339), s.Location())
	return nil
}
