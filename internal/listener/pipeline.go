package listener

import (
	"context"
	"sync"

	"github.com/vncache/vncache/internal/changeevent"
	"github.com/vncache/vncache/internal/peerqueue"
)

// localQueueDepth is the capacity of the single internal mutation
// channel every session's UPSERT/DELETE dispatch enqueues into
// (§4.E: "capacity 64, drop-oldest, single-reader").
const localQueueDepth = 64

// MutationPipeline is the node-wide funnel from per-connection mutating
// actions to the peer event queue manager. Every session shares one
// pipeline; a single background worker batch-drains it and hands
// batches to the peer queue manager's fan-out.
type MutationPipeline struct {
	ch        chan changeevent.ChangeEvent
	publishMu sync.Mutex
	manager   *peerqueue.Manager
}

// NewMutationPipeline builds a pipeline that publishes into manager.
func NewMutationPipeline(manager *peerqueue.Manager) *MutationPipeline {
	return &MutationPipeline{
		ch:      make(chan changeevent.ChangeEvent, localQueueDepth),
		manager: manager,
	}
}

// Enqueue is called from any session's dispatch goroutine after a
// mutating action completes. Non-blocking; drops the oldest buffered
// event on overflow. publishMu serializes the drop-oldest dance so
// concurrent producers can't race each other into losing two events
// for one slot.
func (p *MutationPipeline) Enqueue(ev changeevent.ChangeEvent) {
	p.publishMu.Lock()
	defer p.publishMu.Unlock()

	select {
	case p.ch <- ev:
		return
	default:
	}
	select {
	case <-p.ch:
	default:
	}
	select {
	case p.ch <- ev:
	default:
	}
}

// Run drains the pipeline until ctx is cancelled, batching up to
// localQueueDepth events per publish to the peer queue manager.
func (p *MutationPipeline) Run(ctx context.Context) {
	for {
		var first changeevent.ChangeEvent
		select {
		case first = <-p.ch:
		case <-ctx.Done():
			return
		}

		batch := make([]changeevent.ChangeEvent, 0, localQueueDepth)
		batch = append(batch, first)

	drain:
		for len(batch) < localQueueDepth {
			select {
			case ev := <-p.ch:
				batch = append(batch, ev)
			default:
				break drain
			}
		}

		p.manager.PublishMany(batch)
	}
}
