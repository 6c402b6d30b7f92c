// Package fbm implements the framed message protocol that multiplexes
// concurrent request/response pairs over a single WebSocket connection
// (§4.C). A frame is one WebSocket binary message: a 4-byte big-endian
// message id, a header block of (command, value) pairs terminated by a
// zero-length triple, and a trailing body of opaque bytes.
package fbm

import (
	"encoding/binary"
	"fmt"

	"github.com/vncache/vncache/internal/apperrors"
)

// Frame is the decoded form of one wire message. Not every field is
// meaningful for every action/status combination; see §4.C and §4.E for
// which fields a given request or response carries.
type Frame struct {
	MessageID uint32

	// Status is set on responses: "ok", "err", "nf", "deleted", "modified".
	Status string

	// Action is set on requests: "g", "u", "d", "dq".
	Action string

	ObjectID    string
	NewObjectID string
	Body        []byte
}

// headerOrder fixes serialization order so encoded frames are
// deterministic; decoding accepts headers in any order.
var headerOrder = []byte{CmdStatus, CmdAction, CmdObjectID, CmdNewObjectID}

func (f *Frame) headerValue(cmd byte) (string, bool) {
	switch cmd {
	case CmdStatus:
		return f.Status, f.Status != ""
	case CmdAction:
		return f.Action, f.Action != ""
	case CmdObjectID:
		return f.ObjectID, f.ObjectID != ""
	case CmdNewObjectID:
		return f.NewObjectID, f.NewObjectID != ""
	}
	return "", false
}

// Encode serializes the frame, refusing to produce one exceeding
// maxMessageSize — the sender-side half of the negotiated size limit.
func (f *Frame) Encode(maxMessageSize int) ([]byte, error) {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, f.MessageID)

	for _, cmd := range headerOrder {
		value, present := f.headerValue(cmd)
		if !present {
			continue
		}
		buf = append(buf, cmd)
		buf = append(buf, []byte(value)...)
		buf = append(buf, headerTerminator)
	}
	buf = append(buf, cmdEnd, headerTerminator)
	buf = append(buf, f.Body...)

	if maxMessageSize > 0 && len(buf) > maxMessageSize {
		return nil, apperrors.Protocol(fmt.Sprintf("frame of %d bytes exceeds negotiated maximum %d", len(buf), maxMessageSize))
	}
	return buf, nil
}

// Decode parses a wire message produced by Encode. It rejects messages
// exceeding maxMessageSize before doing any further work, and returns a
// ProtocolError for any structural problem (truncated id, unterminated
// header value, missing terminator triple).
func Decode(data []byte, maxMessageSize int) (Frame, error) {
	if maxMessageSize > 0 && len(data) > maxMessageSize {
		return Frame{}, apperrors.Protocol(fmt.Sprintf("frame of %d bytes exceeds negotiated maximum %d", len(data), maxMessageSize))
	}
	if len(data) < 4 {
		return Frame{}, apperrors.Protocol("frame too short to contain a message id")
	}

	f := Frame{MessageID: binary.BigEndian.Uint32(data[:4])}
	pos := 4

	for {
		if pos >= len(data) {
			return Frame{}, apperrors.Protocol("header block missing terminator triple")
		}
		cmd := data[pos]
		pos++

		end := indexOf(data[pos:], headerTerminator)
		if end < 0 {
			return Frame{}, apperrors.Protocol("unterminated header value")
		}
		value := string(data[pos : pos+end])
		pos += end + 1

		if cmd == cmdEnd && value == "" {
			break
		}
		if err := f.setHeader(cmd, value); err != nil {
			return Frame{}, err
		}
	}

	f.Body = data[pos:]
	return f, nil
}

func (f *Frame) setHeader(cmd byte, value string) error {
	switch cmd {
	case CmdStatus:
		f.Status = value
	case CmdAction:
		f.Action = value
	case CmdObjectID:
		f.ObjectID = value
	case CmdNewObjectID:
		f.NewObjectID = value
	default:
		return apperrors.Protocol(fmt.Sprintf("unrecognized header command 0x%02x", cmd))
	}
	return nil
}

// PeekMessageID recovers the message id from a frame that otherwise
// failed to decode, so the dispatcher can still correlate its error
// response to the right request.
func PeekMessageID(data []byte) (uint32, bool) {
	if len(data) < 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(data[:4]), true
}

func indexOf(b []byte, target byte) int {
	for i, c := range b {
		if c == target {
			return i
		}
	}
	return -1
}
