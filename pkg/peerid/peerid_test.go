package peerid

import "testing"

func TestEncodeDecodeRoundTrip(t *testing.T) {
	p, err := New("203.0.113.5", 6881, "10.0.0.7", 51413)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	got, err := Decode(Encode(p))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got != p {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, p)
	}
}

func TestStringParseRoundTrip(t *testing.T) {
	p, err := New("203.0.113.5", 6881, "10.0.0.7", 51413)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	got, err := Parse(p.String())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got != p {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, p)
	}
}

func TestSessionIDSymmetric(t *testing.T) {
	a, _ := New("203.0.113.5", 6881, "10.0.0.7", 51413)
	b, _ := New("198.51.100.9", 6882, "10.0.0.8", 51414)

	if SessionID(a, b) != SessionID(b, a) {
		t.Fatalf("session id must be symmetric")
	}
}

func TestSameLAN(t *testing.T) {
	a, _ := New("203.0.113.5", 6881, "10.0.0.7", 51413)
	b, _ := New("203.0.113.5", 6882, "10.0.0.8", 51414)
	c, _ := New("198.51.100.9", 6882, "10.0.0.8", 51414)

	if !a.SameLAN(b) {
		t.Fatalf("expected same public IP to report SameLAN")
	}
	if a.SameLAN(c) {
		t.Fatalf("expected different public IP to not report SameLAN")
	}
}

func TestDecodeRejectsWrongLength(t *testing.T) {
	if _, err := Decode(make([]byte, 10)); err == nil {
		t.Fatalf("expected error for short buffer")
	}
}
