// Package quictransport implements the secured stream transport (C5):
// a single UDP socket multiplexed into per-request QUIC streams,
// authenticated by a self-signed certificate handed over through the
// introducer's get_cert/send_cert rendezvous.
package quictransport

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/Sizboo/BearTorrent-Final-Project/internal/dataplane"
	"github.com/Sizboo/BearTorrent-Final-Project/internal/filestore"
	"github.com/Sizboo/BearTorrent-Final-Project/internal/wire"
)

const (
	dialTimeout   = 4 * time.Second
	acceptTimeout = 4 * time.Second

	requestFrameBytes = 4 + 37 // length prefix + REQUEST body, per the wire codec
)

// ALPN is the application protocol tag both sides require in their TLS
// config's NextProtos.
const ALPN = "helpful-serf-p2p"

// Leecher is the dialing side of C5: it owns the scheduler's per-peer
// request channel and opens one bidirectional stream per REQUEST.
type Leecher struct {
	conn quic.Connection
}

// DialLeecher dials addr over udpConn (already bound/addressed by the
// NAT ladder), presenting ALPN and trusting only tlsConf's root pool
// (built by certgen.TrustedConfig from the seeder's handed-over cert).
func DialLeecher(ctx context.Context, udpConn *net.UDPConn, tlsConf *tls.Config) (*Leecher, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, err := quic.Dial(dialCtx, udpConn, udpConn.RemoteAddr(), tlsConf, nil)
	if err != nil {
		return nil, fmt.Errorf("quictransport: dial %s: %w", udpConn.RemoteAddr(), err)
	}
	return &Leecher{conn: conn}, nil
}

// Run implements transport.PeerTransport: for each request taken from
// requests, open a new bidirectional stream, write the encoded
// REQUEST, half-close the write side, then read exactly
// piece_length+9 bytes (a PIECE) or the short CANCEL frame, decode, and
// forward the outcome to responses.
func (l *Leecher) Run(ctx context.Context, requests <-chan wire.Request, responses chan<- interface{}) error {
	for {
		select {
		case req, ok := <-requests:
			if !ok {
				return nil
			}
			msg, err := l.fulfil(ctx, req)
			if err != nil {
				dataplane.Log("[quictransport] leecher request for piece %d failed: %v, cancelling", req.Index, err)
				responses <- wire.Cancel{Seeder: req.Seeder, Index: req.Index, Begin: req.Begin, Length: req.Length}
				continue
			}
			responses <- msg
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (l *Leecher) fulfil(ctx context.Context, req wire.Request) (interface{}, error) {
	stream, err := l.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	defer stream.Close()

	encoded, err := wire.Encode(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	if _, err := stream.Write(encoded); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}
	if err := stream.Close(); err != nil {
		return nil, fmt.Errorf("close write side: %w", err)
	}

	frame := make([]byte, int(req.Length)+9)
	n, err := io.ReadFull(stream, frame)
	if err != nil && err != io.ErrUnexpectedEOF {
		return nil, fmt.Errorf("read response: %w", err)
	}

	msg, err := wire.Decode(frame[:n])
	if err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return msg, nil
}

// Close closes the underlying QUIC connection.
func (l *Leecher) Close() error {
	return l.conn.CloseWithError(0, "")
}

// Seeder is the listening side of C5: it accepts bidirectional streams
// repeatedly, replying to each REQUEST with a PIECE (or CANCEL on a
// read failure) served from the file store. The file is resolved per
// request from the REQUEST's hash field, not bound at construction,
// since a seeder's listener is shared across whichever file a leecher
// asks for.
type Seeder struct {
	listener *quic.Listener
	store    *filestore.Store
}

// ListenSeeder binds udpConn as a QUIC listener presenting tlsCert.
func ListenSeeder(udpConn *net.UDPConn, tlsCert tls.Certificate, store *filestore.Store) (*Seeder, error) {
	tlsConf := &tls.Config{
		Certificates: []tls.Certificate{tlsCert},
		NextProtos:   []string{ALPN},
	}
	listener, err := quic.Listen(udpConn, tlsConf, nil)
	if err != nil {
		return nil, fmt.Errorf("quictransport: listen: %w", err)
	}
	return &Seeder{listener: listener, store: store}, nil
}

// Accept blocks for one incoming connection (the matched leecher).
func (s *Seeder) Accept(ctx context.Context) error {
	acceptCtx, cancel := context.WithTimeout(ctx, acceptTimeout)
	defer cancel()

	conn, err := s.listener.Accept(acceptCtx)
	if err != nil {
		return fmt.Errorf("quictransport: accept: %w", err)
	}
	return s.serve(ctx, conn)
}

func (s *Seeder) serve(ctx context.Context, conn quic.Connection) error {
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return nil // peer-initiated shutdown or context cancellation
		}
		go s.serveStream(stream)
	}
}

func (s *Seeder) serveStream(stream quic.Stream) {
	defer stream.Close()

	frame := make([]byte, requestFrameBytes)
	if _, err := io.ReadFull(stream, frame); err != nil {
		dataplane.Log("[quictransport] seeder read request failed: %v", err)
		return
	}

	msg, err := wire.Decode(frame)
	if err != nil {
		dataplane.Log("[quictransport] seeder decode request failed: %v", err)
		return
	}
	req, ok := msg.(wire.Request)
	if !ok {
		dataplane.Log("[quictransport] seeder expected REQUEST, got %T", msg)
		return
	}

	ih, ok := s.store.Catalog()[filestore.FileHash(req.Hash)]
	if !ok {
		dataplane.Log("[quictransport] seeder has no file matching requested hash, sending cancel")
		cancel, _ := wire.Encode(wire.Cancel{Seeder: req.Seeder, Index: req.Index, Begin: req.Begin, Length: req.Length})
		stream.Write(cancel)
		return
	}

	payload, err := s.store.ReadPiece(ih, req.Index)
	if err != nil {
		dataplane.Log("[quictransport] seeder read piece %d failed: %v, sending cancel", req.Index, err)
		cancel, _ := wire.Encode(wire.Cancel{Seeder: req.Seeder, Index: req.Index, Begin: req.Begin, Length: req.Length})
		stream.Write(cancel)
		return
	}

	piece, err := wire.Encode(wire.Piece{Index: req.Index, Payload: payload})
	if err != nil {
		dataplane.Log("[quictransport] seeder encode piece %d failed: %v", req.Index, err)
		return
	}
	stream.Write(piece)
}

// Close closes the underlying QUIC listener.
func (s *Seeder) Close() error {
	return s.listener.Close()
}
