package replication

import (
	"context"
	"sync"

	"github.com/vncache/vncache/internal/authn"
	"github.com/vncache/vncache/internal/blobstore"
	"github.com/vncache/vncache/internal/logger"
)

// Supervisor keeps exactly one running Worker per currently known peer,
// matching §4.H's reschedule-on-next-sweep policy: a worker that exits
// (peer unreachable, connection dropped) is simply removed from the
// running set, and the next call to Reconcile starts a fresh one if the
// peer is still present.
type Supervisor struct {
	table      *blobstore.Table
	keystore   *authn.KeyStore
	selfNodeID string
	selfAd     authn.Advertisement
	bufReq     BufferRequest

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// NewSupervisor builds a supervisor sharing the given table and identity
// across every per-peer worker it starts.
func NewSupervisor(table *blobstore.Table, keystore *authn.KeyStore, selfNodeID string, selfAd authn.Advertisement, bufReq BufferRequest) *Supervisor {
	return &Supervisor{
		table:      table,
		keystore:   keystore,
		selfNodeID: selfNodeID,
		selfAd:     selfAd,
		bufReq:     bufReq,
		running:    make(map[string]context.CancelFunc),
	}
}

// Reconcile starts a worker for every peer in peers not already running,
// and stops any running worker for a peer no longer present. ctx is the
// process-wide exit token; individual worker contexts are derived from
// it so a single shutdown cancels every worker.
func (s *Supervisor) Reconcile(ctx context.Context, peers []authn.Advertisement) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := make(map[string]authn.Advertisement, len(peers))
	for _, ad := range peers {
		if ad.NodeID == "" || ad.ConnectURL == "" {
			continue
		}
		wanted[ad.NodeID] = ad
	}

	for nodeID, cancel := range s.running {
		if _, ok := wanted[nodeID]; !ok {
			cancel()
			delete(s.running, nodeID)
		}
	}

	for nodeID, ad := range wanted {
		if _, ok := s.running[nodeID]; ok {
			continue
		}
		workerCtx, cancel := context.WithCancel(ctx)
		s.running[nodeID] = cancel
		go s.runWorker(workerCtx, nodeID, ad.ConnectURL)
	}
}

func (s *Supervisor) runWorker(ctx context.Context, peerNodeID, connectURL string) {
	worker := NewWorker(peerNodeID, connectURL, s.table, s.keystore, s.selfNodeID, s.selfAd, s.bufReq, 0)
	if err := worker.Run(ctx); err != nil {
		logger.Replication().Debug().Err(err).Str("peer", peerNodeID).Msg("replication worker exited")
	}

	s.mu.Lock()
	delete(s.running, peerNodeID)
	s.mu.Unlock()
}

// StopAll cancels every running worker. Used during process shutdown.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for nodeID, cancel := range s.running {
		cancel()
		delete(s.running, nodeID)
	}
}
