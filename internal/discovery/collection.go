package discovery

import (
	"sync"

	"github.com/vncache/vncache/internal/authn"
)

// Collection is the discovery manager's linked set of known
// advertisements (§4.G), keyed by node id so a peer reachable through
// more than one seed is only stored once. Self is always filtered.
type Collection struct {
	mu         sync.Mutex
	selfNodeID string
	peers      map[string]authn.Advertisement
}

// NewCollection creates an empty collection that filters selfNodeID
// out of anything it is given.
func NewCollection(selfNodeID string) *Collection {
	return &Collection{
		selfNodeID: selfNodeID,
		peers:      make(map[string]authn.Advertisement),
	}
}

// Replace atomically swaps the collection's contents, the step a
// completed discovery sweep performs (§4.G.3 step 3).
func (c *Collection) Replace(peers []authn.Advertisement) {
	next := make(map[string]authn.Advertisement, len(peers))
	for _, p := range peers {
		if p.NodeID == "" || p.NodeID == c.selfNodeID {
			continue
		}
		next[p.NodeID] = p
	}

	c.mu.Lock()
	c.peers = next
	c.mu.Unlock()
}

// Snapshot copies the current set into an array under lock.
func (c *Collection) Snapshot() []authn.Advertisement {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]authn.Advertisement, 0, len(c.peers))
	for _, p := range c.peers {
		out = append(out, p)
	}
	return out
}

// Len returns the number of known peers.
func (c *Collection) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.peers)
}
