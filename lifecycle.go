package pokedexcache

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/kolbylandon/pokedex-cache/store"
)

// State is the lifecycle phase of a gateway generation.
type State int32

const (
	// StateNew is the phase before Run: every request passes through.
	StateNew State = iota
	// StateInstalling means partitions are being created and seeded.
	StateInstalling
	// StateInstalled means the generation is ready but not yet serving
	// from cache, e.g. while waiting for an activation handoff.
	StateInstalled
	// StateActivating means stale generations are being retired.
	StateActivating
	// StateActive means requests are served through the cache.
	StateActive
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActive:
		return "active"
	}
	return "unknown"
}

// State returns the current lifecycle phase.
func (g *Gateway) State() State {
	return State(g.state.Load())
}

// Run takes the gateway through install and activation and starts the
// background reconciler. It returns once the generation is active, or with
// the first lifecycle error. With HoldActivation set, Run blocks between
// install and activation until ForceActivate is called.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.Install(ctx); err != nil {
		return fmt.Errorf("install: %w", err)
	}
	if g.holdActivation {
		g.log.Info().Msg("Installed, holding activation")
		select {
		case <-g.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := g.Activate(ctx); err != nil {
		return fmt.Errorf("activate: %w", err)
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	g.stop = cancel
	if g.reconcileInterval > 0 {
		go g.reconcileLoop(loopCtx)
	}
	return nil
}

// Install creates this generation's partitions and seeds the static one
// from the manifest. Seeding failures for individual assets are logged and
// tolerated; the static partition simply starts out partially populated.
func (g *Gateway) Install(ctx context.Context) error {
	g.state.Store(int32(StateInstalling))
	g.log.Info().Msg("Installing cache generation")
	for _, role := range store.Roles {
		p := store.Partition{Role: role, Generation: g.generation}
		if err := g.store.CreatePartition(ctx, p); err != nil {
			return fmt.Errorf("create partition %s: %w", p.Name(), err)
		}
	}
	g.seedStatic(ctx)
	g.state.Store(int32(StateInstalled))
	return nil
}

// seedStatic fetches every manifest path concurrently and stores the
// successful ones in a single batch.
func (g *Gateway) seedStatic(ctx context.Context) {
	paths := g.manifestPaths()
	if len(paths) == 0 {
		return
	}
	p := store.Partition{Role: store.RoleStatic, Generation: g.generation}

	var mutex sync.Mutex
	entries := make([]store.Entry, 0, len(paths))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(4)
	for _, path := range paths {
		path := path
		group.Go(func() error {
			target := g.resolveTarget(&url.URL{Path: path})
			req, err := http.NewRequestWithContext(groupCtx, http.MethodGet, target.String(), nil)
			if err != nil {
				g.log.Warn().Err(err).Str("path", path).Msg("Could not seed static asset")
				return nil
			}
			res, err := g.fetcher.Fetch(groupCtx, req)
			if err != nil {
				g.log.Warn().Err(err).Str("path", path).Msg("Could not seed static asset")
				return nil
			}
			mutex.Lock()
			entries = append(entries, store.Entry{
				Key:        g.keyer.Key(target),
				Status:     res.StatusCode,
				Header:     storableHeader(res.Header),
				Body:       res.Body,
				CapturedAt: g.clock(),
			})
			mutex.Unlock()
			return nil
		})
	}
	group.Wait()

	if len(entries) == 0 {
		g.log.Warn().Msg("No static assets could be seeded")
		return
	}
	if err := g.store.PutAll(ctx, p, entries); err != nil {
		g.log.Warn().Err(err).Msg("Batch seed failed, storing entries one by one")
		for _, entry := range entries {
			if err := g.store.Put(ctx, p, entry); err != nil {
				g.log.Warn().Err(err).Str("key", entry.Key).Msg("Could not seed static asset")
			}
		}
	}
	g.log.Info().Int("assets", len(entries)).Int("manifest", len(paths)).
		Msg("Seeded static partition")
}

// manifestPaths is the manifest plus the fallback documents, deduplicated.
// Fallbacks must be cached before they are ever needed.
func (g *Gateway) manifestPaths() []string {
	paths := make([]string, 0, len(g.manifest)+3)
	seen := make(map[string]bool)
	add := func(path string) {
		if path == "" || seen[path] {
			return
		}
		seen[path] = true
		paths = append(paths, path)
	}
	for _, path := range g.manifest {
		add(path)
	}
	add(g.fallbacks.OfflinePath)
	add(g.fallbacks.RootPath)
	add(g.fallbacks.PlaceholderPath)
	return paths
}

// Activate retires every partition that does not belong to this generation
// and makes the gateway serve from cache. Partitions are matched by parsed
// identity: "static-v2" is retired by generation 24 even though it is a
// prefix of "static-v24". Missing partitions of the current generation are
// created, so activation always converges on the expected set.
func (g *Gateway) Activate(ctx context.Context) error {
	g.state.Store(int32(StateActivating))
	g.log.Info().Msg("Activating cache generation")

	existing, err := g.store.Partitions(ctx)
	if err != nil {
		return fmt.Errorf("enumerate partitions: %w", err)
	}
	group, groupCtx := errgroup.WithContext(ctx)
	for _, p := range existing {
		if p.Generation == g.generation && validRole(p.Role) {
			continue
		}
		p := p
		group.Go(func() error {
			g.log.Info().Str("partition", p.Name()).Msg("Retiring partition")
			return g.store.DropPartition(groupCtx, p)
		})
	}
	if err := group.Wait(); err != nil {
		return fmt.Errorf("retire partitions: %w", err)
	}

	for _, role := range store.Roles {
		p := store.Partition{Role: role, Generation: g.generation}
		if err := g.store.CreatePartition(ctx, p); err != nil {
			return fmt.Errorf("create partition %s: %w", p.Name(), err)
		}
	}

	g.state.Store(int32(StateActive))
	g.log.Info().Msg("Cache generation active")
	return nil
}

func validRole(role store.Role) bool {
	for _, known := range store.Roles {
		if role == known {
			return true
		}
	}
	return false
}

// ForceActivate releases a gateway that is holding activation. It is safe
// to call at any time, from any goroutine, more than once.
func (g *Gateway) ForceActivate() {
	g.releaseOnce.Do(func() {
		g.log.Info().Msg("Activation forced")
		close(g.release)
	})
}

// Close stops the background reconciler and waits for in-flight detached
// jobs to finish. It does not close the store.
func (g *Gateway) Close() error {
	if g.stop != nil {
		g.stop()
	}
	g.tasks.Wait()
	return nil
}
