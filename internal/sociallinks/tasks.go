// Package sociallinks drives a browser through an MCP tool server to find a
// site's social media links and the CSS selectors around them.
package sociallinks

import (
	"fmt"
	"strings"
)

const (
	// LinksToolName is the final-answer tool of the links task.
	LinksToolName = "report_social_links"
	// SelectorToolName is the final-answer tool of the selector task.
	SelectorToolName = "report_selector"

	// DefaultLinksIterations is the completion budget of the links task.
	DefaultLinksIterations = 15
)

// LinksAnswer is the structured answer of the links task.
type LinksAnswer struct {
	Links []string `json:"links" jsonschema:"description=List of social media link URLs"`
}

// SelectorAnswer is the structured answer of the selector task.
type SelectorAnswer struct {
	Selector string `json:"selector" jsonschema:"description=A CSS selector matching exactly the requested element"`
}

// Target names the element the selector task looks for.
type Target string

const (
	TargetPopupClose      Target = "popup-close"
	TargetSocialContainer Target = "social-container"
)

// Targets lists the supported selector targets.
var Targets = []Target{TargetPopupClose, TargetSocialContainer}

// ParseTarget validates a target name.
func ParseTarget(s string) (Target, error) {
	for _, t := range Targets {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown target %q (want one of %s)", s, joinTargets())
}

func joinTargets() string {
	names := make([]string, len(Targets))
	for i, t := range Targets {
		names[i] = string(t)
	}
	return strings.Join(names, ", ")
}

// LinksPrompt is the task given to the model for extracting links.
func LinksPrompt(url string) string {
	return fmt.Sprintf(`Please use the Playwright MCP tools to complete the following task:

1. Navigate to %s
2. Wait for the page to load
3. Use the MCP to close any popups that appear (like newsletter signups, cookie notices, etc.)
4. Find the social media links on the page (look for links to Facebook, Twitter/X, Instagram, YouTube, etc.)
5. Extract all the social media link URLs
6. Use the "%s" tool to return the list of URLs

Make sure to extract all social media links you can find on the page.
`, url, LinksToolName)
}

// SelectorPrompt is the task given to the model for finding a selector.
func SelectorPrompt(url string, target Target) string {
	var goal string
	switch target {
	case TargetPopupClose:
		goal = `the button or link that closes the popup shown when the page loads (newsletter signup, cookie notice, survey, etc.). Take a snapshot after the page loads and identify the element a user would click to dismiss it`
	default:
		goal = `the smallest element that contains all of the page's social media links (Facebook, Twitter/X, Instagram, YouTube, etc.). Close any popups that get in the way first`
	}

	return fmt.Sprintf(`Please use the Playwright MCP tools to complete the following task:

1. Navigate to %s
2. Wait for the page to load
3. Find %s
4. Work out a CSS selector that matches exactly that element and nothing else. Prefer ids and stable class names over positional selectors
5. If the tools let you, verify the selector against the page
6. Use the "%s" tool to return the selector
`, url, goal, SelectorToolName)
}
