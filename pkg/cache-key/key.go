package cachekey

import (
	"net/url"
	"strings"
)

// DefaultStripParams are the volatile cache-buster query parameters removed
// from every key.
var DefaultStripParams = []string{"_", "t", "ts", "cb", "cachebust", "nocache"}

// Keyer derives canonical cache keys from target URLs. Two requests that
// differ only in volatile query parameters, parameter order or the fragment
// map to the same key.
type Keyer struct {
	strip map[string]bool
}

// New creates a Keyer that strips the given query parameters. With no
// arguments the default cache-buster set is used.
func New(stripParams ...string) Keyer {
	if len(stripParams) == 0 {
		stripParams = DefaultStripParams
	}
	strip := make(map[string]bool, len(stripParams))
	for _, param := range stripParams {
		strip[param] = true
	}
	return Keyer{strip: strip}
}

// Key returns the canonical cache key for the given target URL. The key is
// itself a valid absolute URL, so it can be turned back into a request.
func (k Keyer) Key(u *url.URL) string {
	canonical := *u
	canonical.Scheme = strings.ToLower(canonical.Scheme)
	canonical.Host = strings.ToLower(canonical.Host)
	canonical.User = nil
	canonical.Fragment = ""
	canonical.RawFragment = ""
	if canonical.Path == "" {
		canonical.Path = "/"
	}
	query := canonical.Query()
	for param := range query {
		if k.strip[param] {
			delete(query, param)
		}
	}
	if len(query) == 0 {
		canonical.RawQuery = ""
	} else {
		// Encode writes parameters sorted by name
		canonical.RawQuery = query.Encode()
	}
	return canonical.String()
}
