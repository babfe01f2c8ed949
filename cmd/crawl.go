package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/JakeFAU/event-crawler/internal/output"
)

type crawlOptions struct {
	urlsFile string
	output   string
	format   string
}

// newCrawlCmd creates the 'crawl' subcommand, which scrapes a fixed batch of
// URLs and writes one result per URL.
func newCrawlCmd(v *viper.Viper) *cobra.Command {
	opts := &crawlOptions{}
	cmd := &cobra.Command{
		Use:   "crawl [url...]",
		Short: "Scrape a batch of event URLs",
		Long: `Scrapes every URL given as an argument or listed in --urls-file and
writes the results as JSON lines or YAML. Results come back in input order;
a failed URL yields a result with success=false rather than aborting the run.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCrawlCommand(cmd, args, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.urlsFile, "urls-file", "", "file with one URL per line (# starts a comment)")
	flags.StringVarP(&opts.output, "output", "o", "", "write results to this file instead of stdout")
	flags.StringVar(&opts.format, "format", output.FormatJSONL, "output format: jsonl or yaml")
	flags.Int("concurrency", 0, "maximum URLs scraped at once")
	flags.String("fetcher", "", "session transport: browser or http")
	mustBind(v, "crawler.max_concurrent_scrapes", flags.Lookup("concurrency"))
	mustBind(v, "browser.fetcher", flags.Lookup("fetcher"))
	return cmd
}

func runCrawlCommand(cmd *cobra.Command, args []string, opts *crawlOptions) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	logger := appInstance.Logger()

	urls, err := readURLs(args, opts.urlsFile)
	if err != nil {
		return err
	}
	if len(urls) == 0 {
		return errors.New("no URLs given: pass them as arguments or with --urls-file")
	}

	dst := cmd.OutOrStdout()
	if opts.output != "" {
		f, err := os.Create(opts.output)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer func() {
			if cerr := f.Close(); cerr != nil {
				logger.Warn("Failed to close output file", zap.Error(cerr))
			}
		}()
		dst = f
	}
	writer, err := output.NewWriter(dst, opts.format)
	if err != nil {
		return err
	}

	logger.Info("Crawl starting", zap.Int("urls", len(urls)))
	results, err := appInstance.Crawl(cmd.Context(), urls)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run crawl: %w", err)
	}

	succeeded := 0
	for _, r := range results {
		if r.Success {
			succeeded++
		}
		if err := writer.Write(r); err != nil {
			return err
		}
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("flush output: %w", err)
	}

	logger.Info("Crawl command finished.",
		zap.Int("urls", len(urls)),
		zap.Int("succeeded", succeeded),
		zap.Int("failed", len(results)-succeeded),
	)
	return nil
}

// readURLs merges args with the lines of path, skipping blanks and comments
// and dropping duplicates while keeping first-seen order.
func readURLs(args []string, path string) ([]string, error) {
	urls := make([]string, 0, len(args))
	seen := make(map[string]struct{}, len(args))
	add := func(raw string) {
		raw = strings.TrimSpace(raw)
		if raw == "" || strings.HasPrefix(raw, "#") {
			return
		}
		if _, dup := seen[raw]; dup {
			return
		}
		seen[raw] = struct{}{}
		urls = append(urls, raw)
	}
	for _, a := range args {
		add(a)
	}
	if path == "" {
		return urls, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open urls file: %w", err)
	}
	defer func() { _ = f.Close() }()
	if err := scanLines(f, add); err != nil {
		return nil, fmt.Errorf("read urls file: %w", err)
	}
	return urls, nil
}

func scanLines(r io.Reader, fn func(string)) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fn(scanner.Text())
	}
	return scanner.Err()
}
