package listener

import (
	"context"

	"github.com/vncache/vncache/internal/changeevent"
	"github.com/vncache/vncache/internal/fbm"
)

// dispatch implements the per-action contract of §4.E. It always
// writes exactly one response frame carrying the request's message id.
func (s *Session) dispatch(ctx context.Context, req fbm.Frame) {
	switch req.Action {
	case fbm.ActionGet:
		s.handleGet(req)
	case fbm.ActionUpsert:
		s.handleUpsert(req)
	case fbm.ActionDelete:
		s.handleDelete(req)
	case fbm.ActionDequeue:
		s.handleDequeue(ctx, req)
	default:
		s.log.Debug().Str("action", req.Action).Msg("unknown or missing action")
		s.writeFrame(fbm.Frame{MessageID: req.MessageID, Status: fbm.StatusErr})
	}
}

// minObjectIDLen is the shortest key the bucket layer ever sees (§4.A):
// anything shorter is rejected here, at the listener boundary, and never
// reaches the table.
const minObjectIDLen = 4

func tooShort(id string) bool {
	return len([]rune(id)) < minObjectIDLen
}

func (s *Session) handleGet(req fbm.Frame) {
	if tooShort(req.ObjectID) {
		// A key this short could never have been stored (it would have
		// been rejected here on its way in), so the honest answer is
		// not-found rather than a malformed-request error.
		s.writeFrame(fbm.Frame{MessageID: req.MessageID, Status: fbm.StatusNotFound, ObjectID: req.ObjectID})
		return
	}
	value, ok := s.table.Get(req.ObjectID)
	if !ok {
		s.writeFrame(fbm.Frame{MessageID: req.MessageID, Status: fbm.StatusNotFound, ObjectID: req.ObjectID})
		return
	}
	s.writeFrame(fbm.Frame{MessageID: req.MessageID, Status: fbm.StatusOK, ObjectID: req.ObjectID, Body: value})
}

func (s *Session) handleUpsert(req fbm.Frame) {
	if tooShort(req.ObjectID) {
		s.writeFrame(fbm.Frame{MessageID: req.MessageID, Status: fbm.StatusErr})
		return
	}
	if req.NewObjectID != "" && tooShort(req.NewObjectID) {
		s.writeFrame(fbm.Frame{MessageID: req.MessageID, Status: fbm.StatusErr})
		return
	}

	if req.NewObjectID == "" {
		s.table.Upsert(req.ObjectID, req.Body)
		s.pipeline.Enqueue(changeevent.Upserted(req.ObjectID, s.NodeID))
		s.writeFrame(fbm.Frame{MessageID: req.MessageID, Status: fbm.StatusOK, ObjectID: req.ObjectID})
		return
	}

	if err := s.table.Rename(req.ObjectID, req.NewObjectID, req.Body, true); err != nil {
		s.log.Debug().Err(err).Str("from", req.ObjectID).Str("to", req.NewObjectID).Msg("rename failed")
		s.writeFrame(fbm.Frame{MessageID: req.MessageID, Status: fbm.StatusErr, ObjectID: req.ObjectID})
		return
	}
	s.pipeline.Enqueue(changeevent.Renamed(req.ObjectID, req.NewObjectID, s.NodeID))
	s.writeFrame(fbm.Frame{MessageID: req.MessageID, Status: fbm.StatusOK, ObjectID: req.ObjectID, NewObjectID: req.NewObjectID})
}

func (s *Session) handleDelete(req fbm.Frame) {
	if tooShort(req.ObjectID) {
		s.writeFrame(fbm.Frame{MessageID: req.MessageID, Status: fbm.StatusNotFound, ObjectID: req.ObjectID})
		return
	}
	if !s.table.Remove(req.ObjectID) {
		s.writeFrame(fbm.Frame{MessageID: req.MessageID, Status: fbm.StatusNotFound, ObjectID: req.ObjectID})
		return
	}
	s.pipeline.Enqueue(changeevent.DeletedEvent(req.ObjectID, s.NodeID))
	s.writeFrame(fbm.Frame{MessageID: req.MessageID, Status: fbm.StatusOK, ObjectID: req.ObjectID})
}

// handleDequeue blocks until a change event is available on this
// peer's queue or the connection/session is cancelled (§4.E). Only
// peer sessions may dequeue; any other caller gets an immediate nf.
func (s *Session) handleDequeue(ctx context.Context, req fbm.Frame) {
	if !s.IsPeer {
		s.writeFrame(fbm.Frame{MessageID: req.MessageID, Status: fbm.StatusNotFound})
		return
	}

	// The session already subscribed once in Run and will unsubscribe
	// once on close; looking the queue up here (rather than calling
	// Subscribe again) avoids registering a new, never-released
	// listener on every single dequeue request.
	queue, ok := s.queues.Lookup(s.NodeID)
	if !ok {
		s.writeFrame(fbm.Frame{MessageID: req.MessageID, Status: fbm.StatusNotFound})
		return
	}

	ev, ok := queue.Dequeue(ctx)
	if !ok {
		// Context cancelled; the read loop is tearing the connection
		// down, so there is no peer left to hear this response.
		return
	}

	resp := fbm.Frame{MessageID: req.MessageID, ObjectID: ev.CurrentID}
	if ev.Deleted {
		resp.Status = fbm.StatusDeleted
	} else {
		resp.Status = fbm.StatusModified
		if ev.AlternateID != "" {
			resp.NewObjectID = ev.AlternateID
		}
	}
	s.writeFrame(resp)
}
