// Package cmd defines the resilient-fetch CLI.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/resilient-fetch/internal/config"
	"github.com/JakeFAU/resilient-fetch/internal/fetch"
	"github.com/JakeFAU/resilient-fetch/internal/logging"
	"github.com/JakeFAU/resilient-fetch/internal/server"
)

// App is what the subcommands need from the application graph. Tests swap
// in a fake through newApp.
type App interface {
	FetchAll(ctx context.Context, reqs []fetch.Request) []fetch.Result
	Serve(ctx context.Context) error
	Close(ctx context.Context)
}

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	return server.Build(ctx, cfg, logger)
}

type runtimeKeyType struct{}

// cliEnv is stored on the command context by the root pre-run hook.
type cliEnv struct {
	cfg    config.Config
	logger *zap.Logger
	app    App
}

// errFailures makes Execute exit non-zero without printing a second error.
var errFailures = errors.New("one or more fetches failed")

func newRootCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "resilient-fetch",
		Short: "Fetch article content through a chain of fallback strategies.",
		Long: `resilient-fetch retrieves readable article content from URLs that may be
paywalled, bot-protected, rate limited or dead. Each URL is tried directly,
then in a headless browser, then through archive.is, the Wayback Machine
and finally by resurrecting an archived copy of a related URL.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.Build(logging.Options{
				Development: cfg.Logging.Development,
				Level:       cfg.Logging.Level,
			})
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			zap.ReplaceGlobals(logger)

			app, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), runtimeKeyType{}, &cliEnv{
				cfg:    cfg,
				logger: logger,
				app:    app,
			}))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")
	cmd.AddCommand(newFetchCmd(), newServeCmd())
	return cmd
}

func runtimeFrom(ctx context.Context) *cliEnv {
	rt, _ := ctx.Value(runtimeKeyType{}).(*cliEnv)
	return rt
}

// withRuntime resolves the runtime for run and releases it afterwards,
// whether or not run fails.
func withRuntime(run func(cmd *cobra.Command, args []string, rt *cliEnv) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		rt := runtimeFrom(cmd.Context())
		if rt == nil || rt.app == nil {
			return errors.New("application services not initialized")
		}
		defer func() {
			rt.app.Close(context.WithoutCancel(cmd.Context()))
			_ = rt.logger.Sync()
		}()
		return run(cmd, args, rt)
	}
}

// Execute is the main entry point.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err == nil {
		return
	}
	if !errors.Is(err, errFailures) {
		fmt.Fprintln(os.Stderr, "error:", err)
	}
	os.Exit(1)
}
