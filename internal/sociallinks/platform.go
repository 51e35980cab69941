package sociallinks

import (
	"net/url"
	"strings"
)

// Platform returns the platform name of a social media URL: the lower-cased
// host without a leading "www.", up to its first dot.
//
//	https://instagram.com/repilhan     -> instagram
//	https://www.facebook.com/RepIlhan/ -> facebook
//	https://x.com/Ilhan                -> x
func Platform(link string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(link))
	if err != nil {
		return "", err
	}

	host := strings.ToLower(u.Host)
	host = strings.TrimPrefix(host, "www.")
	platform, _, _ := strings.Cut(host, ".")
	return platform, nil
}

// ByPlatform maps each link to its platform. A later link replaces an
// earlier one for the same platform; links that cannot be parsed are
// skipped.
func ByPlatform(links []string) map[string]string {
	out := make(map[string]string, len(links))
	for _, link := range links {
		platform, err := Platform(link)
		if err != nil {
			continue
		}
		out[platform] = link
	}
	return out
}
