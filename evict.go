package pokedexcache

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/kolbylandon/pokedex-cache/store"
)

// enforceCapacity deletes the oldest entries of p until it is back under its
// configured maximum. Oldest means least recently written: replacing an
// entry renews its position. The deletes run concurrently and the pass only
// returns once all of them have finished, so a subsequent count observes the
// bound. Callers hold the partition lock.
func (g *Gateway) enforceCapacity(ctx context.Context, p store.Partition) error {
	policy, ok := g.policies[p.Role]
	if !ok || policy.MaxEntries <= 0 {
		return nil
	}
	count, err := g.store.Count(ctx, p)
	if err != nil {
		return err
	}
	if count <= policy.MaxEntries {
		return nil
	}
	victims, err := g.store.OldestKeys(ctx, p, count-policy.MaxEntries)
	if err != nil {
		return err
	}
	group, groupCtx := errgroup.WithContext(ctx)
	for _, key := range victims {
		key := key
		group.Go(func() error {
			return g.store.Delete(groupCtx, p, key)
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}
	g.metrics.Evict(p.Role, len(victims))
	g.log.Debug().Str("partition", p.Name()).Int("evicted", len(victims)).
		Msg("Enforced partition capacity")
	return nil
}
