// Package changeevent defines the ChangeEvent record emitted whenever a
// key is added, updated, renamed, or deleted, and carried from the
// cache listener through the peer event queue manager to the
// replication worker on a subscribed peer.
package changeevent

// ChangeEvent is immutable and cheaply copyable; nothing owns it beyond
// its lifetime in a single queue slot.
type ChangeEvent struct {
	// CurrentID is the key the mutation left the value under.
	CurrentID string

	// AlternateID is the rename target, non-empty only when the
	// mutation was a rename. Never set together with Deleted.
	AlternateID string

	// Deleted is true when the mutation removed CurrentID.
	Deleted bool

	// Origin is the node ID that produced this event. It is not part
	// of the wire-level ChangeEvent record in §3, but is threaded
	// through the in-process queue so the peer queue manager can skip
	// the originating node's own queue when it fans the event out (§9
	// Design Notes, "Replication echo").
	Origin string
}

// Upserted builds the event for a plain UPSERT with no rename.
func Upserted(key, origin string) ChangeEvent {
	return ChangeEvent{CurrentID: key, Origin: origin}
}

// Renamed builds the event for an UPSERT that also renamed a key.
func Renamed(oldKey, newKey, origin string) ChangeEvent {
	return ChangeEvent{CurrentID: oldKey, AlternateID: newKey, Origin: origin}
}

// DeletedEvent builds the event for a DELETE.
func DeletedEvent(key, origin string) ChangeEvent {
	return ChangeEvent{CurrentID: key, Deleted: true, Origin: origin}
}
