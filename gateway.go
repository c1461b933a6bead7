package pokedexcache

import (
	"context"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	cachekey "github.com/kolbylandon/pokedex-cache/pkg/cache-key"
	"github.com/kolbylandon/pokedex-cache/pkg/classifier"
	"github.com/kolbylandon/pokedex-cache/pkg/fetch"
	"github.com/kolbylandon/pokedex-cache/pkg/tasks"
	"github.com/kolbylandon/pokedex-cache/store"
)

// Gateway is a caching layer in front of a Pokédex web app and its
// upstreams. It classifies incoming requests, answers them from partitioned
// response caches using per-route strategies, and keeps the cached content
// fresh in the background.
//
// A Gateway only serves from cache once its generation has been installed
// and activated, see Run.
type Gateway struct {
	store      store.Store
	fetcher    *fetch.Fetcher
	classifier *classifier.Classifier
	keyer      cachekey.Keyer

	generation int
	origin     url.URL
	upstreams  []Upstream
	policies   map[store.Role]PartitionPolicy
	manifest   []string
	fallbacks  Fallbacks
	warmURLs   []string

	reconcileInterval time.Duration
	holdActivation    bool

	log     zerolog.Logger
	metrics Metrics
	clock   func() time.Time

	tasks        *tasks.Runner
	flight       singleflight.Group
	reverseproxy httputil.ReverseProxy

	state       atomic.Int32
	release     chan struct{}
	releaseOnce sync.Once
	reconnect   chan struct{}
	stop        context.CancelFunc

	// pending revalidations, owned by the reconcile loop goroutine
	pending map[string]*revalidationTask

	lockMutex      sync.Mutex
	partitionLocks map[string]*sync.Mutex
}

// New initializes a Gateway from the given config. The gateway serves
// everything as a pass-through proxy until Run has activated its generation.
func New(config Config) (*Gateway, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}

	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}

	// create a child logger and add defaults
	logger = logger.With().
		Str("origin", config.Origin.String()).
		Int("generation", config.Generation).
		Logger()

	metrics := config.Metrics
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	clock := config.Clock
	if clock == nil {
		clock = time.Now
	}

	// manifest paths are static by definition
	classifierConfig := config.Classifier
	classifierConfig.StaticPaths = append(
		append([]string{}, classifierConfig.StaticPaths...), config.Manifest...)

	g := &Gateway{
		store:             config.Store,
		fetcher:           fetch.New(config.Client, logger, config.Fetch),
		classifier:        classifier.New(classifierConfig),
		keyer:             cachekey.New(config.StripParams...),
		generation:        config.Generation,
		origin:            config.Origin,
		upstreams:         config.Upstreams,
		policies:          config.policies(),
		manifest:          config.Manifest,
		fallbacks:         config.Fallbacks,
		warmURLs:          config.WarmURLs,
		reconcileInterval: config.ReconcileInterval,
		holdActivation:    config.HoldActivation,
		log:               logger,
		metrics:           metrics,
		clock:             clock,
		tasks:             tasks.NewRunner(logger),
		release:           make(chan struct{}),
		reconnect:         make(chan struct{}, 1),
		pending:           make(map[string]*revalidationTask),
		partitionLocks:    make(map[string]*sync.Mutex),
	}
	g.reverseproxy = httputil.ReverseProxy{
		Director: g.director,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			g.log.Error().Err(err).Str("url", r.URL.String()).Msg("Pass-through request failed")
			http.Error(w, "Could not reach origin", http.StatusBadGateway)
		},
	}
	if config.Client != nil {
		// a custom client carries all origin traffic, pass-through included
		g.reverseproxy.Transport = doerTransport{config.Client}
	}
	return g, nil
}

type doerTransport struct {
	doer fetch.Doer
}

func (t doerTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	return t.doer.Do(r)
}

// ServeHTTP implements the http.Handler interface.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer g.recovery(w, r)
	if g.State() != StateActive {
		g.passThrough(w, r, FwdBypass, "inactive")
		return
	}
	d := classifier.Descriptor{
		Method: r.Method,
		URL:    g.resolveTarget(r.URL),
		Hint:   hintFor(r),
		Bypass: bypassRequested(r),
	}
	route := g.classifier.Classify(d)
	if route.PassThrough {
		reason := FwdBypass
		if !d.Bypass && r.Method != http.MethodGet {
			reason = FwdMethod
		}
		g.passThrough(w, r, reason, "")
		return
	}
	g.execute(w, r, d, route)
}

// resolveTarget maps an incoming request URL onto its upstream target. The
// first matching upstream prefix wins; everything else goes to the origin.
func (g *Gateway) resolveTarget(u *url.URL) *url.URL {
	for _, upstream := range g.upstreams {
		if target, ok := upstream.Resolve(u.Path); ok {
			target.RawQuery = u.RawQuery
			return target
		}
	}
	target := g.origin
	target.Path = u.Path
	target.RawQuery = u.RawQuery
	return &target
}

func (g *Gateway) director(req *http.Request) {
	target := g.resolveTarget(req.URL)
	req.URL = target
	req.Host = target.Host
}

// passThrough proxies the request untouched: no classification, no cache
// write. Every request is served this way until the gateway is active.
func (g *Gateway) passThrough(w http.ResponseWriter, r *http.Request, reason FwdReason, detail string) {
	cs := CacheStatus{Detail: detail}
	cs.Forward(reason)
	w.Header().Add("Cache-Status", cs.String())
	g.reverseproxy.ServeHTTP(w, r)
	g.logRequest(r, cs)
}

func (g *Gateway) send(w http.ResponseWriter, r *http.Request, res result) {
	copyHeader(w.Header(), res.entry.Header)
	w.Header().Add("Cache-Status", res.status.String())
	w.WriteHeader(res.entry.Status)
	if _, err := w.Write(res.entry.Body); err != nil {
		g.log.Error().Err(err).Msg("Could not write response body to client")
	}
	g.logRequest(r, res.status)
}

// sendError translates a failed strategy execution into a client response.
// Upstream statuses pass through as is; transport failures become 502.
func (g *Gateway) sendError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusBadGateway
	if code := fetch.StatusCode(err); code != 0 {
		status = code
	}
	cs := CacheStatus{}
	cs.Forward(FwdUriMiss)
	w.Header().Add("Cache-Status", cs.String())
	http.Error(w, http.StatusText(status), status)
	g.log.Debug().Err(err).Int("status", status).Str("url", r.URL.String()).
		Msg("Sending error to client")
}

// Status is a point-in-time snapshot of the cache contents.
type Status struct {
	Generation int            `json:"generation"`
	State      string         `json:"state"`
	Partitions map[string]int `json:"countsByPartition"`
	Total      int            `json:"total"`
}

// Status reports per-partition entry counts over every partition present in
// the store, including ones left over from other generations.
func (g *Gateway) Status(ctx context.Context) (Status, error) {
	status := Status{
		Generation: g.generation,
		State:      g.State().String(),
		Partitions: make(map[string]int),
	}
	partitions, err := g.store.Partitions(ctx)
	if err != nil {
		return Status{}, err
	}
	for _, p := range partitions {
		count, err := g.store.Count(ctx, p)
		if err != nil {
			return Status{}, err
		}
		status.Partitions[p.Name()] = count
		status.Total += count
	}
	return status, nil
}

// ClearAll removes every cached entry from every partition. The partitions
// themselves stay in place, so the gateway keeps serving (and re-filling)
// without a new install.
func (g *Gateway) ClearAll(ctx context.Context) error {
	partitions, err := g.store.Partitions(ctx)
	if err != nil {
		return err
	}
	for _, p := range partitions {
		if err := g.store.Clear(ctx, p); err != nil {
			return err
		}
	}
	g.log.Info().Msg("Cleared all cache entries")
	return nil
}

// partitionLock returns the mutex serializing writes and capacity checks for
// one partition.
func (g *Gateway) partitionLock(p store.Partition) *sync.Mutex {
	g.lockMutex.Lock()
	defer g.lockMutex.Unlock()
	name := p.Name()
	lock, ok := g.partitionLocks[name]
	if !ok {
		lock = &sync.Mutex{}
		g.partitionLocks[name] = lock
	}
	return lock
}

// recovery keeps a panic on the cache path from taking down the server: the
// request gets one plain proxy round trip instead.
func (g *Gateway) recovery(w http.ResponseWriter, r *http.Request) {
	if v := recover(); v != nil {
		if v == http.ErrAbortHandler {
			panic(v)
		}
		g.log.Error().Interface("panic", v).Str("url", r.URL.String()).
			Msg("Panic while serving from cache")
		g.escapeHatch(w, r)
	}
}

func (g *Gateway) escapeHatch(w http.ResponseWriter, r *http.Request) {
	g.reverseproxy.ServeHTTP(w, r)
}

func (g *Gateway) logRequest(r *http.Request, cs CacheStatus) {
	isHit := 0
	if cs.IsHit() {
		isHit = 1
	}
	g.log.Debug().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Str("sourceIp", sourceIP(r)).
		Str("status", cs.Status).
		Str("fwd", string(cs.FwdReason)).
		Bool("stored", cs.Stored).
		Int("ttl", cs.TimeToLive).
		Int("hit", isHit).
		Msg("Sending response to client")
}

func sourceIP(r *http.Request) string {
	// RemoteAddr is in the format:
	// 1.2.3.4:10000 for ipv4
	// [1:2:3]:10000 for ipv6
	ipAndPort := r.RemoteAddr
	portSepIdx := strings.LastIndex(ipAndPort, ":")
	if portSepIdx < 0 {
		return ipAndPort
	}
	return ipAndPort[:portSepIdx]
}
