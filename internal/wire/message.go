// Package wire implements the three fixed-schema peer messages: REQUEST,
// PIECE, and CANCEL. It is pure encode/decode with no I/O of its own,
// exercised by every transport (quictransport, relaytransport) and by the
// scheduler.
package wire

import (
	"encoding/binary"
	"fmt"
)

// Message ids, fixed by the wire protocol.
const (
	idRequest = 6
	idPiece   = 7
	idCancel  = 8
)

// HashSize is the length in bytes of a piece/file hash (SHA-1).
const HashSize = 20

// Request asks a seeder for one piece. Hash carries the requester's
// expectation of the file's identity so a seeder can reject a request for
// a file it doesn't recognize; begin/length are carried for protocol
// completeness but the scheduler always sets begin = index*piece_length
// and length = piece_length.
type Request struct {
	Seeder uint32
	Index  uint32
	Begin  uint32
	Length uint32
	Hash   [HashSize]byte
}

// Piece carries one piece's raw bytes in response to a Request.
type Piece struct {
	Index   uint32
	Payload []byte
}

// Cancel aborts an outstanding request, or — sent by a seeder that can't
// serve a piece — stands in for the Piece reply.
type Cancel struct {
	Seeder uint32
	Index  uint32
	Begin  uint32
	Length uint32
}

// Encode frames a message as: u32 total_len (excludes itself) | u8 id | body.
func Encode(msg interface{}) ([]byte, error) {
	switch m := msg.(type) {
	case Request:
		buf := make([]byte, 4+1+4+4+4+4+HashSize)
		binary.BigEndian.PutUint32(buf[0:4], uint32(1+4+4+4+4+HashSize))
		buf[4] = idRequest
		binary.BigEndian.PutUint32(buf[5:9], m.Seeder)
		binary.BigEndian.PutUint32(buf[9:13], m.Index)
		binary.BigEndian.PutUint32(buf[13:17], m.Begin)
		binary.BigEndian.PutUint32(buf[17:21], m.Length)
		copy(buf[21:21+HashSize], m.Hash[:])
		return buf, nil

	case Piece:
		bodyLen := 1 + 4 + len(m.Payload)
		buf := make([]byte, 4+bodyLen)
		binary.BigEndian.PutUint32(buf[0:4], uint32(bodyLen))
		buf[4] = idPiece
		binary.BigEndian.PutUint32(buf[5:9], m.Index)
		copy(buf[9:], m.Payload)
		return buf, nil

	case Cancel:
		buf := make([]byte, 4+1+4+4+4+4)
		binary.BigEndian.PutUint32(buf[0:4], uint32(1+4+4+4+4))
		buf[4] = idCancel
		binary.BigEndian.PutUint32(buf[5:9], m.Seeder)
		binary.BigEndian.PutUint32(buf[9:13], m.Index)
		binary.BigEndian.PutUint32(buf[13:17], m.Begin)
		binary.BigEndian.PutUint32(buf[17:21], m.Length)
		return buf, nil

	default:
		return nil, fmt.Errorf("wire: unknown message type %T", msg)
	}
}

// Decode parses a framed message. It requires at least 5 bytes (the
// length prefix plus the id byte) and validates the body length against
// the schema for fixed-size messages. Unknown ids are a framing error.
func Decode(buf []byte) (interface{}, error) {
	if len(buf) < 5 {
		return nil, fmt.Errorf("wire: short buffer, need at least 5 bytes, got %d", len(buf))
	}

	totalLen := binary.BigEndian.Uint32(buf[0:4])
	if int(totalLen) != len(buf)-4 {
		return nil, fmt.Errorf("wire: length prefix %d does not match body length %d", totalLen, len(buf)-4)
	}

	id := buf[4]
	body := buf[5:]

	switch id {
	case idRequest:
		const wantLen = 4 + 4 + 4 + 4 + HashSize
		if len(body) != wantLen {
			return nil, fmt.Errorf("wire: REQUEST body must be %d bytes, got %d", wantLen, len(body))
		}
		var m Request
		m.Seeder = binary.BigEndian.Uint32(body[0:4])
		m.Index = binary.BigEndian.Uint32(body[4:8])
		m.Begin = binary.BigEndian.Uint32(body[8:12])
		m.Length = binary.BigEndian.Uint32(body[12:16])
		copy(m.Hash[:], body[16:16+HashSize])
		return m, nil

	case idPiece:
		if len(body) < 4 {
			return nil, fmt.Errorf("wire: PIECE body must be at least 4 bytes, got %d", len(body))
		}
		var m Piece
		m.Index = binary.BigEndian.Uint32(body[0:4])
		m.Payload = append([]byte(nil), body[4:]...)
		return m, nil

	case idCancel:
		const wantLen = 4 + 4 + 4 + 4
		if len(body) != wantLen {
			return nil, fmt.Errorf("wire: CANCEL body must be %d bytes, got %d", wantLen, len(body))
		}
		var m Cancel
		m.Seeder = binary.BigEndian.Uint32(body[0:4])
		m.Index = binary.BigEndian.Uint32(body[4:8])
		m.Begin = binary.BigEndian.Uint32(body[8:12])
		m.Length = binary.BigEndian.Uint32(body[12:16])
		return m, nil

	default:
		return nil, fmt.Errorf("wire: unknown message id %d", id)
	}
}

// ReadLength reads just the u32 length prefix, the amount a reader must
// consume before it knows how many more bytes to read for the full frame.
func ReadLength(prefix [4]byte) uint32 {
	return binary.BigEndian.Uint32(prefix[:])
}
