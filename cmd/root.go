// Package cmd defines and implements the CLI commands for the eventcrawler executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/JakeFAU/event-crawler/internal/config"
	"github.com/JakeFAU/event-crawler/internal/crawler"
	"github.com/JakeFAU/event-crawler/internal/logging"
	"github.com/JakeFAU/event-crawler/internal/server"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App defines the application interface that commands will use.
// This allows us to inject a fake app during tests.
type App interface {
	Crawl(ctx context.Context, urls []string) ([]crawler.ScrapingResult, error)
	Serve(ctx context.Context) error
	Store() crawler.Store
	Logger() *zap.Logger
	Close()
}

// newApp is the application factory. It's a variable so we can
// replace it with a fake factory in our tests.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	return server.Build(ctx, cfg, logger)
}

// newRootCmd creates and configures the root command. Each call owns a
// fresh Viper instance so flag bindings never leak between runs.
func newRootCmd() *cobra.Command {
	v := viper.New()
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "eventcrawler",
		Short: "An adaptive crawler for event listing pages.",
		Long: `eventcrawler scrapes event detail pages into structured records.
It rotates browser fingerprints and proxies, detects and solves challenge
pages, learns CSS selectors per domain, and retries failures by category.`,
		SilenceUsage: true,

		// Config and logging are resolved here so every subcommand shares
		// one App for its lifetime.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadWith(v, cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			appInstance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				appInstance.Close()
			}
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (YAML, JSON or TOML)")
	flags.String("log-level", "", "log level: debug, info, warn or error")
	flags.Bool("dev", true, "human-readable development logging")
	mustBind(v, "logging.level", flags.Lookup("log-level"))
	mustBind(v, "logging.development", flags.Lookup("dev"))

	cmd.AddCommand(newCrawlCmd(v))
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newStatsCmd())

	return cmd
}

// Execute is the main entry point. SIGINT and SIGTERM cancel the command
// context, which starts a graceful shutdown.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

func mustBind(v *viper.Viper, key string, flag *pflag.Flag) {
	if err := v.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("bind flag %s: %v", key, err))
	}
}
