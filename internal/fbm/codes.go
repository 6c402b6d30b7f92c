package fbm

// Header command bytes, bit-exact for wire interop (§4.C, §6).
const (
	cmdEnd         byte = 0x00 // zero-length triple terminating the header block
	CmdStatus      byte = 0x01 // response only
	CmdAction      byte = 0x02 // request only
	CmdObjectID    byte = 0xAA
	CmdNewObjectID byte = 0xAB
)

// headerTerminator marks the end of a header value.
const headerTerminator byte = 0xFF

// Status tokens, bit-exact (§4.C, §4.E).
const (
	StatusOK       = "ok"
	StatusErr      = "err"
	StatusNotFound = "nf"
	StatusDeleted  = "deleted"
	StatusModified = "modified"
)

// Action tokens, bit-exact (§4.C).
const (
	ActionGet     = "g"
	ActionUpsert  = "u"
	ActionDelete  = "d"
	ActionDequeue = "dq"
)

// ControlMessageID is reserved for out-of-band control, never used as a
// request/response correlation id.
const ControlMessageID uint32 = 0
