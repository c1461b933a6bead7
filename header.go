package pokedexcache

import (
	"net/http"
	"strings"

	"github.com/kolbylandon/pokedex-cache/pkg/classifier"
)

type CacheControl struct {
	m map[string]string
}

func (c CacheControl) Has(directive string) bool {
	_, ok := c.m[directive]
	return ok
}

func (c CacheControl) Get(directive string) (string, bool) {
	val, ok := c.m[directive]
	return val, ok
}

func ParseCacheControl(header string) CacheControl {
	m := make(map[string]string)
	for _, directive := range strings.Split(header, ",") {
		parts := strings.SplitN(strings.TrimSpace(directive), "=", 2)
		var val string
		if len(parts) > 1 {
			val = parts[1]
		}
		m[parts[0]] = val
	}
	return CacheControl{m}
}

// bypassRequested reports whether the request asked to skip the cache.
// Authenticated requests are never served from the shared cache.
func bypassRequested(r *http.Request) bool {
	if r.Header.Get("X-Cache-Bypass") != "" {
		return true
	}
	if r.Header.Get("Authorization") != "" {
		return true
	}
	cc := ParseCacheControl(r.Header.Get("Cache-Control"))
	return cc.Has("no-store")
}

// hintFor derives the resource type hint from fetch metadata sent by the
// client.
func hintFor(r *http.Request) classifier.Hint {
	switch r.Header.Get("Sec-Fetch-Dest") {
	case "document":
		return classifier.HintDocument
	case "image":
		return classifier.HintImage
	case "audio":
		return classifier.HintAudio
	}
	if r.Header.Get("Sec-Fetch-Mode") == "navigate" {
		return classifier.HintDocument
	}
	if strings.Contains(r.Header.Get("Accept"), "text/html") {
		return classifier.HintDocument
	}
	return classifier.HintNone
}

var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// storableHeader returns a copy of h without hop-by-hop fields. Stored
// responses are re-framed when served, so transport details must not be
// replayed.
func storableHeader(h http.Header) http.Header {
	stored := make(http.Header, len(h))
	for name, values := range h {
		for _, value := range values {
			stored.Add(name, value)
		}
	}
	for _, name := range hopByHopHeaders {
		stored.Del(name)
	}
	return stored
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		// some servers do not like the presence of these headers in the
		// downstream request
		if k != "X-Forwarded-For" && k != "X-Forwarded-Proto" && k != "X-Forwarded-Host" {
			for _, v := range vv {
				dst.Add(k, v)
			}
		}
	}
}
