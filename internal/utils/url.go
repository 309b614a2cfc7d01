package utils

import (
	"net/url"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/net/idna"
)

// linkRegex matches a host with a letter TLD, with or without a scheme, and
// whatever path follows it.
var linkRegex = regexp.MustCompile(`(?i)(?:https?://)?(?:[\p{L}\p{N}-]+\.)+\p{L}{2,}(?::\d+)?(?:[/?#]\S*)?`)

var trackingParams = []string{"utm_source", "utm_medium", "utm_campaign", "utm_term", "utm_content", "fbclid", "gclid"}

// Links returns every URL-like token in content. Tokens carrying an http(s)
// scheme come first, in order of appearance, followed by bare hosts such as
// "example.com/path". Dotted words like "node.js" only ever show up in the
// second group.
func Links(content string) []string {
	tokens := linkRegex.FindAllString(content, -1)
	if len(tokens) == 0 {
		return nil
	}
	out := make([]string, 0, len(tokens))
	var bare []string
	for _, token := range tokens {
		if hasScheme(token) {
			out = append(out, token)
		} else {
			bare = append(bare, token)
		}
	}
	return append(out, bare...)
}

func hasScheme(token string) bool {
	lower := strings.ToLower(token)
	return strings.HasPrefix(lower, "https://") || strings.HasPrefix(lower, "http://")
}

// BareDomain reduces a link token to its host: scheme and everything from the
// first path separator on are dropped, as are credentials and the port. The
// result is lowercased and IDNA-encoded.
func BareDomain(token string) string {
	host := strings.TrimSpace(token)
	lower := strings.ToLower(host)
	for _, scheme := range []string{"https://", "http://"} {
		if strings.HasPrefix(lower, scheme) {
			host = host[len(scheme):]
			break
		}
	}
	if i := strings.IndexAny(host, "/?#"); i >= 0 {
		host = host[:i]
	}
	if i := strings.LastIndex(host, "@"); i >= 0 {
		host = host[i+1:]
	}
	if i := strings.LastIndex(host, ":"); i >= 0 {
		host = host[:i]
	}
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if ascii, err := idna.ToASCII(host); err == nil {
		host = ascii
	}
	return host
}

// NormalizeURL canonicalises a link for display and audit: https scheme when
// none is given, lowercase ASCII host, no fragment or credentials, tracking
// parameters removed and the rest sorted.
func NormalizeURL(raw string) (string, string, error) {
	if !hasScheme(raw) {
		raw = "https://" + raw
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return "", "", err
	}

	host := strings.ToLower(parsed.Hostname())
	asciiHost, err := idna.ToASCII(host)
	if err == nil {
		host = asciiHost
	}

	if port := parsed.Port(); port != "" {
		parsed.Host = host + ":" + port
	} else {
		parsed.Host = host
	}
	parsed.Fragment = ""
	parsed.User = nil

	query := parsed.Query()
	for _, key := range trackingParams {
		query.Del(key)
	}
	parsed.RawQuery = normalizeQuery(query)

	return parsed.String(), host, nil
}

func normalizeQuery(values url.Values) string {
	if len(values) == 0 {
		return ""
	}
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	clean := url.Values{}
	for _, key := range keys {
		clean[key] = values[key]
	}
	return clean.Encode()
}
