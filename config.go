package pokedexcache

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/kolbylandon/pokedex-cache/pkg/classifier"
	"github.com/kolbylandon/pokedex-cache/pkg/fetch"
	"github.com/kolbylandon/pokedex-cache/store"
)

// Config configures a Gateway.
type Config struct {
	// Store persists cache entries. Required.
	Store store.Store
	// Origin is the application origin requests resolve against.
	// Origins with paths are not supported. Required.
	Origin url.URL
	// Upstreams rewrite matching path prefixes onto other origins before
	// classification, e.g. /api/ onto the JSON API host.
	Upstreams []Upstream
	// Generation is the cache generation this gateway owns. Partitions of
	// other generations are retired on activation.
	Generation int
	// Policies overrides the per-role partition policy. Roles not present
	// use DefaultPolicies.
	Policies map[store.Role]PartitionPolicy
	// Classifier is the routing rule set. StaticPaths is extended with the
	// manifest.
	Classifier classifier.Config
	// Manifest lists the application shell paths seeded at install time.
	Manifest []string
	// Fallbacks name the degradation documents.
	Fallbacks Fallbacks
	// WarmURLs are proactively fetched when connectivity returns.
	WarmURLs []string
	// StripParams replaces the default set of query parameters removed
	// during cache key derivation.
	StripParams []string
	// ReconcileInterval is the pause between background staleness scans.
	// Zero disables the reconciler.
	ReconcileInterval time.Duration
	// HoldActivation makes Run wait between install and activation until
	// ForceActivate is called.
	HoldActivation bool
	// Fetch bounds the resilient fetch.
	Fetch fetch.Options
	// Client issues origin requests. http.DefaultClient is used if nil.
	Client fetch.Doer
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
	// Metrics receives observability events. NoopMetrics is used if nil.
	Metrics Metrics
	// Clock returns the current time. time.Now is used if nil.
	Clock func() time.Time
}

// Upstream maps a path prefix onto another origin. A request for
// Prefix+rest resolves to Target+rest.
type Upstream struct {
	Prefix string
	Target url.URL
}

// Resolve maps a request path onto the upstream target, or reports that the
// path does not match the prefix.
func (u Upstream) Resolve(requestPath string) (*url.URL, bool) {
	if !strings.HasPrefix(requestPath, u.Prefix) {
		return nil, false
	}
	target := u.Target
	target.Path = joinPath(target.Path, strings.TrimPrefix(requestPath, u.Prefix))
	return &target, true
}

func joinPath(base, rest string) string {
	if rest == "" {
		return base
	}
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(rest, "/")
}

// PartitionPolicy bounds one partition role.
type PartitionPolicy struct {
	// MaxEntries caps the partition size. Zero means unbounded.
	MaxEntries int
	// TTL is how long an entry counts as fresh.
	TTL time.Duration
	// StaleAfter is the age beyond which the reconciler proactively
	// refreshes an entry.
	StaleAfter time.Duration
}

// Fresh reports whether an entry of the given age may be served without
// hitting the network.
func (p PartitionPolicy) Fresh(age time.Duration) bool {
	if p.TTL <= 0 {
		return true
	}
	return age < p.TTL
}

// DefaultPolicies is the partition policy used for roles not configured
// explicitly.
var DefaultPolicies = map[store.Role]PartitionPolicy{
	store.RoleStatic:  {MaxEntries: 0, TTL: 7 * 24 * time.Hour, StaleAfter: 0},
	store.RoleDynamic: {MaxEntries: 50, TTL: 24 * time.Hour, StaleAfter: 0},
	store.RoleAPI:     {MaxEntries: 150, TTL: time.Hour, StaleAfter: 6 * time.Hour},
}

// Fallbacks name the resources served when both cache and network fail.
// All paths resolve against the origin and are seeded at install time.
type Fallbacks struct {
	// OfflinePath is the dedicated offline document.
	OfflinePath string
	// RootPath is the application root document, the last resort for
	// failed navigations.
	RootPath string
	// PlaceholderPath is the placeholder asset for failed binary fetches.
	PlaceholderPath string
}

func (c Config) validate() error {
	if c.Store == nil {
		return fmt.Errorf("config: store is required")
	}
	if c.Origin.Host == "" {
		return fmt.Errorf("config: origin is required")
	}
	if c.Origin.Path != "" && c.Origin.Path != "/" {
		return fmt.Errorf("config: origin must not have a path")
	}
	if c.Generation < 0 {
		return fmt.Errorf("config: generation must not be negative")
	}
	for _, u := range c.Upstreams {
		if u.Prefix == "" || !strings.HasPrefix(u.Prefix, "/") {
			return fmt.Errorf("config: upstream prefix %q must start with /", u.Prefix)
		}
		if u.Target.Host == "" {
			return fmt.Errorf("config: upstream %s has no target host", u.Prefix)
		}
	}
	return nil
}

// policies merges the configured overrides over the defaults.
func (c Config) policies() map[store.Role]PartitionPolicy {
	merged := make(map[store.Role]PartitionPolicy, len(DefaultPolicies))
	for role, policy := range DefaultPolicies {
		merged[role] = policy
	}
	for role, policy := range c.Policies {
		merged[role] = policy
	}
	return merged
}
