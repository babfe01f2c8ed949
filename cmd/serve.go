package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newServeCmd creates the 'serve' subcommand, which runs the HTTP API and
// the stream scheduler until interrupted.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the crawl API and stream scheduler",
		Long: `Starts the HTTP API. URLs submitted to POST /v1/urls are queued and
scraped continuously. On SIGINT or SIGTERM new URLs are refused and in-flight
work drains within crawler.shutdown_timeout_ms.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := appInstance.Serve(cmd.Context()); err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			appInstance.Logger().Info("Serve command finished.")
			return nil
		},
	}
}
