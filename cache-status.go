package pokedexcache

import "fmt"

// FwdReason explains why a request was forwarded to the network.
type FwdReason string

const (
	// FwdBypass means the cache was configured to not handle this request.
	FwdBypass FwdReason = "bypass"

	// FwdMethod means the request method's semantics require the request
	// to be forwarded.
	FwdMethod FwdReason = "method"

	// FwdUriMiss means the cache did not contain a response for the
	// request URI.
	FwdUriMiss FwdReason = "uri-miss"

	// FwdRequest means the routing strategy forwards this request
	// regardless of cache contents.
	FwdRequest FwdReason = "request"

	// FwdStale means a response was cached but too old to reuse as is.
	FwdStale FwdReason = "stale"
)

// CacheStatus renders the Cache-Status response header for this cache layer,
// following the rfc9211 vocabulary.
type CacheStatus struct {
	Status    string
	FwdReason FwdReason
	// Stored is set when the forwarded response was written to the cache.
	Stored bool
	// TimeToLive is the remaining freshness lifetime in seconds. Stale hits
	// have a negative value.
	TimeToLive int
	HasTTL     bool
	// Detail carries the fallback used to answer a degraded request.
	Detail string
}

func (cs *CacheStatus) Hit() {
	cs.Status = "hit"
}

func (cs *CacheStatus) Forward(reason FwdReason) {
	cs.Status = "fwd"
	cs.FwdReason = reason
}

// TTL records the remaining freshness lifetime.
func (cs *CacheStatus) TTL(seconds int) {
	cs.TimeToLive = seconds
	cs.HasTTL = true
}

// IsHit reports whether the response was answered from the cache.
func (cs *CacheStatus) IsHit() bool {
	return cs.Status == "hit"
}

func (cs *CacheStatus) String() string {
	status := fmt.Sprintf("Pokedex-Cache; %s", cs.Status)
	if cs.Status == "fwd" && cs.FwdReason != "" {
		status = fmt.Sprintf("%s=%s", status, cs.FwdReason)
	}
	if cs.Stored {
		status = status + "; stored"
	}
	if cs.HasTTL {
		status = fmt.Sprintf("%s; ttl=%d", status, cs.TimeToLive)
	}
	if cs.Detail != "" {
		status = status + "; detail=" + cs.Detail
	}
	return status
}
