package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long: `Serves POST /v1/fetch and POST /v1/batch plus health and metrics
endpoints. SIGINT or SIGTERM drains in-flight requests before exiting.`,
		RunE: withRuntime(func(cmd *cobra.Command, _ []string, rt *cliEnv) error {
			if err := rt.app.Serve(cmd.Context()); err != nil {
				return err
			}
			rt.logger.Info("serve command finished", zap.Int("port", rt.cfg.Server.Port))
			return nil
		}),
	}
}
