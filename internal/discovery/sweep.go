package discovery

import (
	"context"

	"github.com/vncache/vncache/internal/authn"
	"github.com/vncache/vncache/internal/logger"
)

// Sweeper runs the discovery loop described in §4.G.3.
type Sweeper struct {
	selfNodeID string
	collection *Collection
	monitor    *Monitor
	knownPeers []authn.Advertisement
	fetcher    Fetcher
}

// NewSweeper builds a sweeper. knownPeers is the cluster's statically
// configured seed list (§6's known_peers).
func NewSweeper(selfNodeID string, collection *Collection, monitor *Monitor, knownPeers []authn.Advertisement, fetcher Fetcher) *Sweeper {
	return &Sweeper{
		selfNodeID: selfNodeID,
		collection: collection,
		monitor:    monitor,
		knownPeers: knownPeers,
		fetcher:    fetcher,
	}
}

// Sweep performs one discovery pass: build the seed set, walk it
// breadth-first, and replace the collection with the result. Errors
// reaching any one peer are logged and do not abort the sweep.
func (s *Sweeper) Sweep(ctx context.Context) {
	log := logger.Discovery()
	seen := make(map[string]authn.Advertisement)
	var queue []authn.Advertisement

	addSeed := func(ad authn.Advertisement) {
		if ad.NodeID == "" || ad.NodeID == s.selfNodeID {
			return
		}
		if _, ok := seen[ad.NodeID]; ok {
			return
		}
		seen[ad.NodeID] = ad
		queue = append(queue, ad)
	}

	for _, ad := range s.monitor.ConnectedAdvertisements() {
		addSeed(ad)
	}
	for _, ad := range s.knownPeers {
		addSeed(ad)
	}

	for len(queue) > 0 {
		select {
		case <-ctx.Done():
			return
		default:
		}

		next := queue[0]
		queue = queue[1:]
		if next.DiscoveryURL == "" {
			continue
		}

		peers, err := s.fetcher.FetchPeers(ctx, next.DiscoveryURL)
		if err != nil {
			log.Warn().Err(err).Str("peer", next.NodeID).Msg("discovery sweep could not reach peer")
			continue
		}
		for _, p := range peers {
			addSeed(p)
		}
	}

	result := make([]authn.Advertisement, 0, len(seen))
	for _, ad := range seen {
		result = append(result, ad)
	}
	s.collection.Replace(result)
	log.Debug().Int("peers", len(result)).Msg("discovery sweep complete")
}
