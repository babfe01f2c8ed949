package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/event-crawler/internal/crawler"
	"github.com/JakeFAU/event-crawler/internal/output"
)

type proxyReport struct {
	URL                 string    `json:"url" yaml:"url"`
	Active              bool      `json:"active" yaml:"active"`
	SuccessCount        int64     `json:"success_count" yaml:"success_count"`
	FailureCount        int64     `json:"failure_count" yaml:"failure_count"`
	ConsecutiveFailures int64     `json:"consecutive_failures" yaml:"consecutive_failures"`
	SuccessRatio        float64   `json:"success_ratio" yaml:"success_ratio"`
	AverageResponseMs   int64     `json:"average_response_ms" yaml:"average_response_ms"`
	LastUsed            time.Time `json:"last_used,omitzero" yaml:"last_used,omitempty"`
}

type selectorReport struct {
	Field        string  `json:"field" yaml:"field"`
	Selector     string  `json:"selector" yaml:"selector"`
	SuccessCount int64   `json:"success_count" yaml:"success_count"`
	FailureCount int64   `json:"failure_count" yaml:"failure_count"`
	SuccessRatio float64 `json:"success_ratio" yaml:"success_ratio"`
}

type statsReport struct {
	Proxies   []proxyReport    `json:"proxies" yaml:"proxies"`
	Domain    string           `json:"domain,omitempty" yaml:"domain,omitempty"`
	Selectors []selectorReport `json:"selectors,omitempty" yaml:"selectors,omitempty"`
}

// newStatsCmd creates the 'stats' subcommand, which prints persisted proxy
// health and, for one domain, the learned selectors in rank order.
func newStatsCmd() *cobra.Command {
	var domain, format string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print proxy health and learned selectors",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			report, err := buildStatsReport(cmd, appInstance.Store(), domain)
			if err != nil {
				return err
			}
			writer, err := output.NewWriter(cmd.OutOrStdout(), format)
			if err != nil {
				return err
			}
			if err := writer.Encode(report); err != nil {
				return err
			}
			return writer.Close()
		},
	}
	cmd.Flags().StringVar(&domain, "domain", "", "also list learned selectors for this domain")
	cmd.Flags().StringVar(&format, "format", output.FormatYAML, "output format: jsonl or yaml")
	return cmd
}

func buildStatsReport(cmd *cobra.Command, store crawler.Store, domain string) (statsReport, error) {
	ctx := cmd.Context()
	proxies, err := store.ListProxies(ctx)
	if err != nil {
		return statsReport{}, fmt.Errorf("list proxies: %w", err)
	}
	report := statsReport{Proxies: make([]proxyReport, 0, len(proxies))}
	for _, p := range proxies {
		report.Proxies = append(report.Proxies, proxyReport{
			URL:                 p.ProxyURL,
			Active:              p.IsActive,
			SuccessCount:        p.SuccessCount,
			FailureCount:        p.FailureCount,
			ConsecutiveFailures: p.ConsecutiveFailures,
			SuccessRatio:        p.SuccessRatio(),
			AverageResponseMs:   p.AverageResponseTime().Milliseconds(),
			LastUsed:            p.LastUsed,
		})
	}

	if domain == "" {
		return report, nil
	}
	report.Domain = crawler.Domain("//" + domain)
	patterns, err := store.GetLearnedSelectors(ctx, report.Domain, "", 0)
	if err != nil {
		return statsReport{}, fmt.Errorf("list selectors for %s: %w", report.Domain, err)
	}
	for _, p := range patterns {
		report.Selectors = append(report.Selectors, selectorReport{
			Field:        p.ElementType,
			Selector:     p.Selector,
			SuccessCount: p.SuccessCount,
			FailureCount: p.FailureCount,
			SuccessRatio: p.SuccessRatio(),
		})
	}
	return report, nil
}
