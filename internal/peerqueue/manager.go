// Package peerqueue implements the per-peer bounded change-event queue
// manager (§4.F): one drop-oldest queue per subscribed peer node, fanned
// out to by the cache listener's mutation pipeline and drained by
// DEQUEUE requests and by the replication worker on the remote side.
package peerqueue

import (
	"context"
	"sync"
	"time"

	"github.com/vncache/vncache/internal/changeevent"
	"github.com/vncache/vncache/internal/logger"
)

// Queue is a single peer's bounded, drop-oldest change-event queue.
// Multiple producers publish into it (try-send, non-blocking); multiple
// consumers may drain it concurrently (a peer reconnecting with several
// sockets all observe the same stream).
type Queue struct {
	ch chan changeevent.ChangeEvent

	publishMu sync.Mutex

	mu         sync.Mutex
	listeners  int
	idleMarked bool
}

func newQueue(depth int) *Queue {
	return &Queue{ch: make(chan changeevent.ChangeEvent, depth)}
}

// tryPublish enqueues event, dropping the oldest buffered event if the
// queue is full. publishMu serializes producers so that "queue full,
// drop head, enqueue" happens as one atomic step per publish; it never
// blocks a concurrent Dequeue, which only ever shrinks the channel.
func (q *Queue) tryPublish(event changeevent.ChangeEvent) {
	q.publishMu.Lock()
	defer q.publishMu.Unlock()

	select {
	case q.ch <- event:
		return
	default:
	}
	// Full: drop the oldest to make room, then enqueue.
	select {
	case <-q.ch:
	default:
		// A concurrent Dequeue already freed a slot.
	}
	select {
	case q.ch <- event:
	default:
		// Extremely unlikely race (another Dequeue refilled the gap);
		// the event is dropped, which is within drop-oldest semantics.
	}
}

// Dequeue blocks until an event is available or ctx is cancelled.
func (q *Queue) Dequeue(ctx context.Context) (changeevent.ChangeEvent, bool) {
	select {
	case ev := <-q.ch:
		return ev, true
	case <-ctx.Done():
		return changeevent.ChangeEvent{}, false
	}
}

func (q *Queue) addListener() {
	q.mu.Lock()
	q.listeners++
	q.mu.Unlock()
}

func (q *Queue) removeListener() {
	q.mu.Lock()
	if q.listeners > 0 {
		q.listeners--
	}
	q.mu.Unlock()
}

func (q *Queue) listenerCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.listeners
}

// ListenerCount exports listenerCount for callers outside the package
// (tests, diagnostics) that need to confirm subscribe/unsubscribe
// bookkeeping without reaching into the manager's internal map.
func (q *Queue) ListenerCount() int {
	return q.listenerCount()
}

// markIdleIfZero reports whether the queue already had zero listeners as
// of the previous sweep, and (if it currently has zero listeners) sets
// that mark for the next sweep to observe. A queue only gets reclaimed
// on the sweep *after* the one that first observes it at zero, matching
// §4.F's "zero since the last sweep" reclamation rule rather than an
// immediate zero-at-this-instant check.
func (q *Queue) markIdleIfZero() (wasIdle bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.listeners != 0 {
		q.idleMarked = false
		return false
	}
	wasIdle = q.idleMarked
	q.idleMarked = true
	return wasIdle
}

// Manager owns the full set of per-peer queues. Two locks are used, per
// §5: queuesMu guards add/remove of whole queues; subscribersMu guards
// nothing beyond what a single publish needs and is held only for the
// span of one fan-out pass.
type Manager struct {
	depth int

	queuesMu sync.Mutex
	queues   map[string]*Queue

	subscribersMu sync.Mutex
}

// NewManager creates a manager whose queues are bounded to maxQueueDepth.
func NewManager(maxQueueDepth int) *Manager {
	return &Manager{
		depth:  maxQueueDepth,
		queues: make(map[string]*Queue),
	}
}

// Subscribe returns the queue for nodeID, allocating it on first
// subscription, and increments its listener count.
func (m *Manager) Subscribe(nodeID string) *Queue {
	m.queuesMu.Lock()
	q, ok := m.queues[nodeID]
	if !ok {
		q = newQueue(m.depth)
		m.queues[nodeID] = q
	}
	m.queuesMu.Unlock()

	q.addListener()
	return q
}

// Lookup returns the existing queue for nodeID without allocating one
// and without affecting the listener count. Used by a dequeue request
// on an already-subscribed session, which must not register a second,
// never-released listener per request.
func (m *Manager) Lookup(nodeID string) (*Queue, bool) {
	m.queuesMu.Lock()
	defer m.queuesMu.Unlock()
	q, ok := m.queues[nodeID]
	return q, ok
}

// Unsubscribe decrements nodeID's listener count. The queue itself is
// not destroyed — a peer that reconnects within the purge interval
// resumes draining whatever accumulated while it was detached (§9 Open
// Question: events are retained across detach/reattach until the
// sweep removes the queue).
func (m *Manager) Unsubscribe(nodeID string) {
	m.queuesMu.Lock()
	q, ok := m.queues[nodeID]
	m.queuesMu.Unlock()
	if ok {
		q.removeListener()
	}
}

// PublishOne fans event out to every peer's queue, non-blocking. A
// queue whose nodeID equals event.Origin is skipped: the node that
// last handed us this change already has it, so echoing it straight
// back would only feed the oscillation the design notes call out
// (§9, "Replication echo"). This is the one form of dedup this
// package performs; it suppresses echoes, not the no-dedup ordering
// oscillation between two peers that mirror each other.
func (m *Manager) PublishOne(event changeevent.ChangeEvent) {
	m.subscribersMu.Lock()
	defer m.subscribersMu.Unlock()

	m.queuesMu.Lock()
	targets := make(map[string]*Queue, len(m.queues))
	for nodeID, q := range m.queues {
		targets[nodeID] = q
	}
	m.queuesMu.Unlock()

	for nodeID, q := range targets {
		if event.Origin != "" && nodeID == event.Origin {
			continue
		}
		q.tryPublish(event)
	}
}

// PublishMany fans out a batch, preserving per-queue FIFO order for
// events drained by the same consumer.
func (m *Manager) PublishMany(events []changeevent.ChangeEvent) {
	for _, ev := range events {
		m.PublishOne(ev)
	}
}

// Purge removes every queue whose listener count has been zero since
// the last sweep, discarding any buffered events. A queue first seen at
// zero is only marked, not removed, so a peer that unsubscribes and
// resubscribes between two sweeps keeps its buffered events; it takes
// two consecutive idle sweeps to reclaim a queue. Intended to run on a
// ticker at queuePurgeInterval.
func (m *Manager) Purge() {
	m.queuesMu.Lock()
	defer m.queuesMu.Unlock()

	for nodeID, q := range m.queues {
		if q.markIdleIfZero() {
			delete(m.queues, nodeID)
		}
	}
}

// RunPurgeLoop runs Purge every interval until ctx is cancelled. Errors
// cannot occur here, but the loop follows the same cancellation shape
// as the discovery sweep and replication worker: check the context at
// every suspension point.
func (m *Manager) RunPurgeLoop(ctx context.Context, interval time.Duration) {
	log := logger.PeerQueue()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			before := m.queueCount()
			m.Purge()
			after := m.queueCount()
			if before != after {
				log.Debug().Int("removed", before-after).Msg("purged idle peer queues")
			}
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) queueCount() int {
	m.queuesMu.Lock()
	defer m.queuesMu.Unlock()
	return len(m.queues)
}
