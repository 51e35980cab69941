package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"sociallinks/internal/sociallinks"
)

func newSelectorCmd(a *app) *cobra.Command {
	var target string

	cmd := &cobra.Command{
		Use:   "selector <url>",
		Short: "Find the CSS selector of a popup close button or the social links container",
		Example: `  sociallinks selector https://crawford.house.gov/ --target popup-close
  sociallinks selector https://crawford.house.gov/ --target social-container`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := sociallinks.ParseTarget(target)
			if err != nil {
				return err
			}
			return a.finish(runSelector(cmd, a, args[0], t))
		},
	}

	cmd.Flags().StringVarP(&target, "target", "t", string(sociallinks.TargetSocialContainer), "element to find: popup-close or social-container")
	return cmd
}

func runSelector(cmd *cobra.Command, a *app, url string, target sociallinks.Target) error {
	extractor, err := a.extractor()
	if err != nil {
		return err
	}

	selector, err := extractor.Selector(cmd.Context(), url, target)
	if err != nil {
		a.logger.Error("selector search failed", "url", url, "target", target, "kind", describe(err), "error", err)
		return fmt.Errorf("%s: %w", describe(err), err)
	}

	data, err := json.MarshalIndent(map[string]string{
		"url":      url,
		"target":   string(target),
		"selector": selector,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}
