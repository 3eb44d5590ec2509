package wire

import (
	"bytes"
	"testing"
)

func hashOf(b byte) [HashSize]byte {
	var h [HashSize]byte
	for i := range h {
		h[i] = b
	}
	return h
}

func TestRequestRoundTrip(t *testing.T) {
	want := Request{Seeder: 1, Index: 42, Begin: 42 * 65536, Length: 65536, Hash: hashOf(0xAB)}

	encoded, err := Encode(want)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(encoded) != 4+37 {
		t.Fatalf("expected total frame of 41 bytes, got %d", len(encoded))
	}

	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	got, ok := decoded.(Request)
	if !ok {
		t.Fatalf("expected Request, got %T", decoded)
	}
	if got != want {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestPieceRoundTrip(t *testing.T) {
	want := Piece{Index: 7, Payload: bytes.Repeat([]byte{0x42}, 65536)}

	encoded, err := Encode(want)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(encoded) != 9+65536 {
		t.Fatalf("expected total frame of %d bytes, got %d", 9+65536, len(encoded))
	}

	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	got, ok := decoded.(Piece)
	if !ok {
		t.Fatalf("expected Piece, got %T", decoded)
	}
	if got.Index != want.Index || !bytes.Equal(got.Payload, want.Payload) {
		t.Fatalf("round trip mismatch")
	}
}

func TestCancelRoundTrip(t *testing.T) {
	want := Cancel{Seeder: 3, Index: 9, Begin: 9 * 65536, Length: 65536}

	encoded, err := Encode(want)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(encoded) != 4+17 {
		t.Fatalf("expected total frame of 21 bytes, got %d", len(encoded))
	}

	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	got, ok := decoded.(Cancel)
	if !ok {
		t.Fatalf("expected Cancel, got %T", decoded)
	}
	if got != want {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestDecodeRejectsShortBuffer(t *testing.T) {
	if _, err := Decode([]byte{0, 0, 0}); err == nil {
		t.Fatalf("expected error for buffer shorter than 5 bytes")
	}
}

func TestDecodeRejectsUnknownID(t *testing.T) {
	buf := []byte{0, 0, 0, 1, 0xFF}
	if _, err := Decode(buf); err == nil {
		t.Fatalf("expected framing error for unknown message id")
	}
}

func TestDecodeRejectsMismatchedLengthPrefix(t *testing.T) {
	req := Request{Seeder: 1, Index: 1, Begin: 0, Length: 1, Hash: hashOf(1)}
	encoded, err := Encode(req)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	// Truncate the body without adjusting the length prefix.
	corrupt := encoded[:len(encoded)-1]
	if _, err := Decode(corrupt); err == nil {
		t.Fatalf("expected error for mismatched length prefix")
	}
}

func TestDecodeRejectsWrongFixedLength(t *testing.T) {
	// A REQUEST-tagged frame with a truncated body.
	buf := []byte{0, 0, 0, 5, idRequest, 1, 2, 3, 4}
	if _, err := Decode(buf); err == nil {
		t.Fatalf("expected error for REQUEST body of wrong length")
	}
}

func TestEncodeUnknownTypeFails(t *testing.T) {
	if _, err := Encode("not a message"); err == nil {
		t.Fatalf("expected error encoding an unrecognized type")
	}
}
