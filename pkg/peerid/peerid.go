// Package peerid defines the per-attempt peer endpoint identifier used
// throughout the introducer, NAT ladder, and transports.
//
// A PeerId binds exactly one leeching or seeding attempt: every attempt
// binds fresh sockets and mints a fresh PeerId, so PeerIds are never reused
// as a long-lived identity the way a ClientId is.
package peerid

import (
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// PeerId is a 32-bit-address peer endpoint pair: a STUN-observed public
// address and a locally bound private address. IPv6 is out of scope; all
// addresses are encoded as big-endian u32.
type PeerId struct {
	PubIP    uint32
	PubPort  uint16
	PrivIP   uint32
	PrivPort uint16
}

// New builds a PeerId from dotted-quad strings and ports.
func New(pubIP string, pubPort int, privIP string, privPort int) (PeerId, error) {
	pub, err := ipToUint32(pubIP)
	if err != nil {
		return PeerId{}, fmt.Errorf("peerid: bad public ip %q: %w", pubIP, err)
	}
	priv, err := ipToUint32(privIP)
	if err != nil {
		return PeerId{}, fmt.Errorf("peerid: bad private ip %q: %w", privIP, err)
	}
	return PeerId{
		PubIP:    pub,
		PubPort:  uint16(pubPort),
		PrivIP:   priv,
		PrivPort: uint16(privPort),
	}, nil
}

func ipToUint32(s string) (uint32, error) {
	ip := net.ParseIP(s)
	if ip == nil {
		return 0, fmt.Errorf("not an IP address")
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return 0, fmt.Errorf("not an IPv4 address (IPv6 is out of scope)")
	}
	return binary.BigEndian.Uint32(ip4), nil
}

func uint32ToIP(v uint32) string {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return net.IP(b[:]).String()
}

// PubAddr returns the "ip:port" form of the public endpoint.
func (p PeerId) PubAddr() string {
	return net.JoinHostPort(uint32ToIP(p.PubIP), strconv.Itoa(int(p.PubPort)))
}

// PrivAddr returns the "ip:port" form of the private endpoint.
func (p PeerId) PrivAddr() string {
	return net.JoinHostPort(uint32ToIP(p.PrivIP), strconv.Itoa(int(p.PrivPort)))
}

// String returns the canonical textual form "pub_ip:pub_port-priv_ip:priv_port"
// used as a half of a TURN session id (§4.4 of the data-plane spec).
func (p PeerId) String() string {
	return fmt.Sprintf("%s-%s", p.PubAddr(), p.PrivAddr())
}

// SameLAN reports whether two peers share a public IP, the trigger for the
// LAN rung of the NAT ladder.
func (p PeerId) SameLAN(other PeerId) bool {
	return p.PubIP == other.PubIP
}

// SessionID returns the canonical TURN session id for a pair of peers: the
// lexicographic join of both PeerId string forms, joined by "|". Session ids
// are symmetric — either side computes the same id for the same pair.
func SessionID(a, b PeerId) string {
	as, bs := a.String(), b.String()
	if as <= bs {
		return as + "|" + bs
	}
	return bs + "|" + as
}

// Encode serializes a PeerId into the 12-byte compact wire form (4-byte
// public IP, 2-byte public port, 4-byte private IP, 2-byte private port),
// all big-endian.
func Encode(p PeerId) []byte {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint32(buf[0:4], p.PubIP)
	binary.BigEndian.PutUint16(buf[4:6], p.PubPort)
	binary.BigEndian.PutUint32(buf[6:10], p.PrivIP)
	binary.BigEndian.PutUint16(buf[10:12], p.PrivPort)
	return buf
}

// Decode parses the 12-byte compact wire form produced by Encode.
func Decode(buf []byte) (PeerId, error) {
	if len(buf) != 12 {
		return PeerId{}, fmt.Errorf("peerid: compact form must be 12 bytes, got %d", len(buf))
	}
	return PeerId{
		PubIP:    binary.BigEndian.Uint32(buf[0:4]),
		PubPort:  binary.BigEndian.Uint16(buf[4:6]),
		PrivIP:   binary.BigEndian.Uint32(buf[6:10]),
		PrivPort: binary.BigEndian.Uint16(buf[10:12]),
	}, nil
}

// Parse parses the canonical "pub_ip:pub_port-priv_ip:priv_port" textual
// form produced by String.
func Parse(s string) (PeerId, error) {
	halves := strings.SplitN(s, "-", 2)
	if len(halves) != 2 {
		return PeerId{}, fmt.Errorf("peerid: malformed peer id %q", s)
	}
	pubHost, pubPortStr, err := net.SplitHostPort(halves[0])
	if err != nil {
		return PeerId{}, fmt.Errorf("peerid: malformed public half %q: %w", halves[0], err)
	}
	privHost, privPortStr, err := net.SplitHostPort(halves[1])
	if err != nil {
		return PeerId{}, fmt.Errorf("peerid: malformed private half %q: %w", halves[1], err)
	}
	pubPort, err := strconv.Atoi(pubPortStr)
	if err != nil {
		return PeerId{}, fmt.Errorf("peerid: bad public port %q: %w", pubPortStr, err)
	}
	privPort, err := strconv.Atoi(privPortStr)
	if err != nil {
		return PeerId{}, fmt.Errorf("peerid: bad private port %q: %w", privPortStr, err)
	}
	return New(pubHost, pubPort, privHost, privPort)
}
