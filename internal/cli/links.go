package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"sociallinks/internal/sociallinks"
)

type linksOptions struct {
	Concurrency int
	Output      string
}

func newLinksCmd(a *app) *cobra.Command {
	options := linksOptions{}

	cmd := &cobra.Command{
		Use:   "links <url>...",
		Short: "Extract the social media links of one or more websites",
		Long: `Extract the social media links of one or more websites.

Each URL gets its own MCP server session and conversation. The result is
printed as JSON mapping every URL to its links keyed by platform.`,
		Example: `  sociallinks links https://crawford.house.gov/
  sociallinks links --concurrency 3 https://a.example https://b.example -o links.json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			concurrency := a.cfg.Concurrency
			if cmd.Flags().Changed("concurrency") {
				concurrency = options.Concurrency
			}
			if concurrency < 1 {
				return fmt.Errorf("concurrency must be at least 1, got %d", concurrency)
			}
			return a.finish(runLinks(cmd, a, args, concurrency, options.Output))
		},
	}

	cmd.Flags().IntVarP(&options.Concurrency, "concurrency", "c", 1, "number of URLs processed in parallel")
	cmd.Flags().StringVarP(&options.Output, "output", "o", "", "also write the JSON result to this file")
	return cmd
}

func runLinks(cmd *cobra.Command, a *app, urls []string, concurrency int, output string) error {
	extractor, err := a.extractor()
	if err != nil {
		return err
	}

	var (
		mu       sync.Mutex
		results  = make(map[string]map[string]string, len(urls))
		failures int
	)

	var g errgroup.Group
	g.SetLimit(concurrency)
	for _, url := range urls {
		url := url
		g.Go(func() error {
			links, err := extractor.Links(cmd.Context(), url)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures++
				a.logger.Error("link extraction failed", "url", url, "kind", describe(err), "error", err)
				return nil
			}
			a.logger.Info("extracted social links", "url", url, "count", len(links))
			results[url] = sociallinks.ByPlatform(links)
			return nil
		})
	}
	g.Wait()

	if len(results) > 0 {
		data, err := json.MarshalIndent(results, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode result: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))

		if output != "" {
			if err := os.WriteFile(output, append(data, '\n'), 0o644); err != nil {
				return fmt.Errorf("failed to write %s: %w", output, err)
			}
			a.logger.Info("results saved", "path", output)
		}
	}

	if failures > 0 {
		return fmt.Errorf("%d of %d URLs failed", failures, len(urls))
	}
	return nil
}
