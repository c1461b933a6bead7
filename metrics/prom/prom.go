package prom

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	pokedexcache "github.com/kolbylandon/pokedex-cache"
	"github.com/kolbylandon/pokedex-cache/store"
)

// Adapter implements pokedexcache.Metrics and exports Prometheus counters.
// Safe for concurrent use; all Prometheus metric types are goroutine-safe.
type Adapter struct {
	hits          *prometheus.CounterVec
	misses        *prometheus.CounterVec
	evictions     *prometheus.CounterVec
	fetches       *prometheus.CounterVec
	fetchAttempts prometheus.Counter
	revalidations *prometheus.CounterVec
	fallbacks     *prometheus.CounterVec
}

// New constructs a Prometheus metrics adapter.
//   - reg: registry to register metrics with (nil => prometheus.DefaultRegisterer)
//   - ns:  Prometheus namespace
func New(reg prometheus.Registerer, ns string) *Adapter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	a := &Adapter{
		hits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "hits_total",
			Help:      "Requests answered from the cache",
		}, []string{"partition"}),
		misses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "misses_total",
			Help:      "Requests with nothing usable in the cache",
		}, []string{"partition"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "evictions_total",
			Help:      "Entries removed by the capacity governor",
		}, []string{"partition"}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "fetches_total",
			Help:      "Resilient fetches by outcome",
		}, []string{"ok"}),
		fetchAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "fetch_attempts_total",
			Help:      "Network attempts consumed by resilient fetches",
		}),
		revalidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "revalidations_total",
			Help:      "Background revalidations by outcome",
		}, []string{"ok"}),
		fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "fallbacks_total",
			Help:      "Degraded responses by fallback kind",
		}, []string{"kind"}),
	}
	reg.MustRegister(a.hits, a.misses, a.evictions, a.fetches, a.fetchAttempts,
		a.revalidations, a.fallbacks)
	return a
}

func (a *Adapter) Hit(role store.Role) {
	a.hits.WithLabelValues(string(role)).Inc()
}

func (a *Adapter) Miss(role store.Role) {
	a.misses.WithLabelValues(string(role)).Inc()
}

func (a *Adapter) Evict(role store.Role, n int) {
	a.evictions.WithLabelValues(string(role)).Add(float64(n))
}

func (a *Adapter) Fetch(ok bool, attempts int) {
	a.fetches.WithLabelValues(strconv.FormatBool(ok)).Inc()
	a.fetchAttempts.Add(float64(attempts))
}

func (a *Adapter) Revalidate(ok bool) {
	a.revalidations.WithLabelValues(strconv.FormatBool(ok)).Inc()
}

func (a *Adapter) Fallback(kind string) {
	a.fallbacks.WithLabelValues(kind).Inc()
}

var _ pokedexcache.Metrics = (*Adapter)(nil)
