package replication

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vncache/vncache/internal/authn"
	"github.com/vncache/vncache/internal/blobstore"
	"github.com/vncache/vncache/internal/fbm"
	"github.com/vncache/vncache/internal/logger"
)

const getTimeout = 10 * time.Second

// Worker replicates one peer's change stream into the local table: it
// dials the peer, runs several parallel DEQUEUE loops over the single
// resulting connection (§4.H.2), and for every "modified" status pulls
// the fresh value with a synchronous GET.
type Worker struct {
	peerNodeID string
	table      *blobstore.Table

	keystore   *authn.KeyStore
	selfNodeID string
	selfAd     authn.Advertisement
	connectURL string
	bufReq     BufferRequest

	parallelism int
}

// NewWorker builds a worker for one peer. parallelism <= 0 defaults to
// runtime.NumCPU() parallel DEQUEUE loops, per §4.H.2.
func NewWorker(peerNodeID, connectURL string, table *blobstore.Table, keystore *authn.KeyStore, selfNodeID string, selfAd authn.Advertisement, bufReq BufferRequest, parallelism int) *Worker {
	if parallelism <= 0 {
		parallelism = runtime.NumCPU()
	}
	return &Worker{
		peerNodeID:  peerNodeID,
		table:       table,
		keystore:    keystore,
		selfNodeID:  selfNodeID,
		selfAd:      selfAd,
		connectURL:  connectURL,
		bufReq:      bufReq,
		parallelism: parallelism,
	}
}

// Run connects to the peer and replicates until ctx is cancelled or the
// connection fails. A connection failure is not retried here: the
// caller (the per-peer supervisor loop) is expected to reschedule on
// the next discovery sweep, per §4.H's "disconnect and wait for
// rediscovery" policy rather than an internal backoff loop.
func (w *Worker) Run(ctx context.Context) error {
	log := logger.Replication().With().Str("peer", w.peerNodeID).Logger()

	conn, maxMessage, err := Dial(ctx, w.keystore, w.selfNodeID, w.selfAd, w.connectURL, w.bufReq)
	if err != nil {
		log.Warn().Err(err).Msg("failed to dial peer for replication")
		return err
	}
	cc := newClientConn(conn, maxMessage)
	defer cc.Close()

	log.Info().Int("parallelism", w.parallelism).Msg("replication connection established")

	var wg sync.WaitGroup
	wg.Add(w.parallelism)
	for i := 0; i < w.parallelism; i++ {
		go func() {
			defer wg.Done()
			w.dequeueLoop(ctx, cc, &log)
		}()
	}
	wg.Wait()
	return nil
}

// dequeueLoop issues back-to-back "dq" requests and applies whatever
// comes back, until the connection fails, the peer reports it no
// longer has this node subscribed ("nf"), or ctx is cancelled.
func (w *Worker) dequeueLoop(ctx context.Context, cc *clientConn, log *zerolog.Logger) {
	for {
		if ctx.Err() != nil {
			return
		}

		resp, err := cc.Request(ctx, fbm.Frame{Action: fbm.ActionDequeue})
		if err != nil {
			log.Debug().Err(err).Msg("dequeue request ended")
			return
		}

		switch resp.Status {
		case fbm.StatusNotFound:
			log.Info().Msg("peer no longer recognizes this node as subscribed; stopping loop")
			return
		case fbm.StatusDeleted:
			w.applyDelete(resp.ObjectID)
		case fbm.StatusModified:
			key := resp.ObjectID
			if resp.NewObjectID != "" {
				key = resp.NewObjectID
				w.table.Remove(resp.ObjectID)
			}
			w.pullAndApply(ctx, cc, key)
		default:
			log.Warn().Str("status", resp.Status).Msg("unexpected dequeue response status")
		}
	}
}

func (w *Worker) applyDelete(key string) {
	if key == "" {
		return
	}
	w.table.Remove(key)
}

// pullAndApply issues a synchronous "g" request for key and upserts the
// result locally. A "nf" response means the key was deleted again
// before the pull completed; this is logged, not treated as an error.
func (w *Worker) pullAndApply(ctx context.Context, cc *clientConn, key string) {
	pullCtx, cancel := context.WithTimeout(ctx, getTimeout)
	defer cancel()

	resp, err := cc.Request(pullCtx, fbm.Frame{Action: fbm.ActionGet, ObjectID: key})
	if err != nil {
		logger.Replication().Debug().Err(err).Str("key", key).Msg("failed to pull modified key")
		return
	}
	switch resp.Status {
	case fbm.StatusOK:
		w.table.Upsert(key, resp.Body)
	case fbm.StatusNotFound:
		logger.Replication().Debug().Str("key", key).Msg("modified key vanished before pull completed")
	default:
		logger.Replication().Warn().Str("key", key).Str("status", resp.Status).Msg("unexpected get response status")
	}
}
