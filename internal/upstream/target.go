package upstream

import "strings"

// Target is the resolved destination of one proxied call.
type Target struct {
	BaseURL string
	// Path may itself be an absolute URL, in which case BaseURL is ignored.
	Path      string
	AuthToken string
}

// URL returns the effective request URL.
func (t Target) URL() string {
	return FormatURL(t.BaseURL, t.Path)
}

// IsAbsoluteURL reports whether s carries its own http(s) scheme.
func IsAbsoluteURL(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// FormatURL joins base and path with exactly one slash. An absolute path is
// returned as-is, so FormatURL(base, FormatURL(base, p)) == FormatURL(base, p).
func FormatURL(base, path string) string {
	path = strings.TrimSpace(path)
	if IsAbsoluteURL(path) {
		return path
	}
	return strings.TrimRight(strings.TrimSpace(base), "/") + "/" + strings.TrimLeft(path, "/")
}

// WithStreamQuery adds stream=true to the query string, using '?' or '&' as
// needed. URLs that already request streaming are returned unchanged.
func WithStreamQuery(u string) string {
	_, query, hasQuery := strings.Cut(u, "?")
	if !hasQuery {
		return u + "?stream=true"
	}
	for _, kv := range strings.Split(query, "&") {
		if kv == "stream=true" {
			return u
		}
	}
	if query == "" || strings.HasSuffix(query, "&") {
		return u + "stream=true"
	}
	return u + "&stream=true"
}
