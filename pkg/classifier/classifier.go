package classifier

import (
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/kolbylandon/pokedex-cache/store"
)

// Strategy selects how the gateway answers a classified request.
type Strategy int

const (
	// CacheFirst serves from cache and only fetches on a miss.
	CacheFirst Strategy = iota
	// NetworkFirst fetches and falls back to cache when the network fails.
	NetworkFirst
	// StaleWhileRevalidate serves from cache and refreshes in the background.
	StaleWhileRevalidate
)

func (s Strategy) String() string {
	switch s {
	case CacheFirst:
		return "cache-first"
	case NetworkFirst:
		return "network-first"
	case StaleWhileRevalidate:
		return "stale-while-revalidate"
	}
	return "unknown"
}

// Fallback names the degradation chain used when both cache and network fail.
type Fallback int

const (
	// FallbackNone propagates the failure to the client.
	FallbackNone Fallback = iota
	// FallbackDocument serves the offline document, then the root document.
	FallbackDocument
	// FallbackPlaceholder serves the placeholder asset, then a synthesized
	// unavailable response.
	FallbackPlaceholder
)

// Hint is the coarse resource type of a request, taken from fetch metadata
// such as the Sec-Fetch-Dest header.
type Hint string

const (
	HintNone     Hint = ""
	HintDocument Hint = "document"
	HintImage    Hint = "image"
	HintAudio    Hint = "audio"
)

// Descriptor is the request shape the classifier decides on.
type Descriptor struct {
	Method string
	// URL is the resolved target URL, after any upstream mapping.
	URL  *url.URL
	Hint Hint
	// Bypass marks requests that asked to skip the cache entirely.
	Bypass bool
}

// Route is the classification outcome: the partition role and strategy to
// use, or a pass-through verdict.
type Route struct {
	Partition   store.Role
	Strategy    Strategy
	Fallback    Fallback
	PassThrough bool
}

// Config holds the classification rule set.
type Config struct {
	// APIPrefixes route matching target URLs to the api partition. Prefixes
	// are matched against the canonical string form of the URL.
	APIPrefixes []string `yaml:"apiPrefixes"`
	// AssetOrigins are hosts whose responses are always treated as binary
	// assets, e.g. a sprite CDN.
	AssetOrigins []string `yaml:"assetOrigins"`
	// StaticPaths route matching URL paths to the static partition. The
	// gateway fills this from the install manifest.
	StaticPaths []string `yaml:"staticPaths"`
	// BinaryExtensions replaces the default binary extension set.
	BinaryExtensions []string `yaml:"binaryExtensions"`
	// StaticExtensions replaces the default static asset extension set.
	StaticExtensions []string `yaml:"staticExtensions"`
}

var defaultBinaryExtensions = []string{
	".png", ".jpg", ".jpeg", ".gif", ".webp", ".avif", ".svg", ".ico",
	".mp3", ".ogg", ".wav",
}

var defaultStaticExtensions = []string{
	".html", ".css", ".js", ".mjs", ".json", ".webmanifest",
	".woff", ".woff2", ".map",
}

// Classifier maps request descriptors to routes. It is pure: the same
// descriptor always yields the same route, and it is safe for concurrent use.
type Classifier struct {
	apiPrefixes  []string
	assetOrigins map[string]bool
	staticPaths  map[string]bool
	binaryExts   map[string]bool
	staticExts   map[string]bool
}

func New(cfg Config) *Classifier {
	binary := cfg.BinaryExtensions
	if len(binary) == 0 {
		binary = defaultBinaryExtensions
	}
	static := cfg.StaticExtensions
	if len(static) == 0 {
		static = defaultStaticExtensions
	}
	c := &Classifier{
		apiPrefixes:  cfg.APIPrefixes,
		assetOrigins: make(map[string]bool, len(cfg.AssetOrigins)),
		staticPaths:  make(map[string]bool, len(cfg.StaticPaths)),
		binaryExts:   make(map[string]bool, len(binary)),
		staticExts:   make(map[string]bool, len(static)),
	}
	for _, origin := range cfg.AssetOrigins {
		c.assetOrigins[strings.ToLower(origin)] = true
	}
	for _, p := range cfg.StaticPaths {
		c.staticPaths[p] = true
	}
	for _, ext := range binary {
		c.binaryExts[strings.ToLower(ext)] = true
	}
	for _, ext := range static {
		c.staticExts[strings.ToLower(ext)] = true
	}
	return c
}

// Classify routes one request. Rules are checked in a fixed order and the
// first match wins.
func (c *Classifier) Classify(d Descriptor) Route {
	if d.Bypass {
		return Route{PassThrough: true}
	}
	if d.Method != http.MethodGet {
		return Route{PassThrough: true}
	}
	if d.URL == nil || (d.URL.Scheme != "http" && d.URL.Scheme != "https") {
		return Route{PassThrough: true}
	}
	if d.Hint == HintDocument {
		return Route{Partition: store.RoleDynamic, Strategy: NetworkFirst, Fallback: FallbackDocument}
	}
	if c.isBinary(d) {
		return Route{Partition: store.RoleDynamic, Strategy: CacheFirst, Fallback: FallbackPlaceholder}
	}
	if c.isAPI(d.URL) {
		return Route{Partition: store.RoleAPI, Strategy: StaleWhileRevalidate}
	}
	if c.isStatic(d.URL) {
		return Route{Partition: store.RoleStatic, Strategy: CacheFirst}
	}
	return Route{Partition: store.RoleDynamic, Strategy: NetworkFirst}
}

func (c *Classifier) isBinary(d Descriptor) bool {
	if d.Hint == HintImage || d.Hint == HintAudio {
		return true
	}
	if c.assetOrigins[strings.ToLower(d.URL.Host)] {
		return true
	}
	return c.binaryExts[strings.ToLower(path.Ext(d.URL.Path))]
}

func (c *Classifier) isAPI(u *url.URL) bool {
	target := u.String()
	for _, prefix := range c.apiPrefixes {
		if strings.HasPrefix(target, prefix) {
			return true
		}
	}
	return false
}

func (c *Classifier) isStatic(u *url.URL) bool {
	if c.staticPaths[u.Path] {
		return true
	}
	return c.staticExts[strings.ToLower(path.Ext(u.Path))]
}
