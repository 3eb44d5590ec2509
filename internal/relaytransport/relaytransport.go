// Package relaytransport implements the TURN relay transport (C6): the
// same request/response channel contract as quictransport, but the
// wire is routed through the introducer over a gorilla/websocket
// connection instead of a direct QUIC stream.
package relaytransport

import (
	"context"
	"fmt"

	"github.com/Sizboo/BearTorrent-Final-Project/internal/dataplane"
	"github.com/Sizboo/BearTorrent-Final-Project/internal/filestore"
	"github.com/Sizboo/BearTorrent-Final-Project/internal/introclient"
	"github.com/Sizboo/BearTorrent-Final-Project/internal/introducer"
	"github.com/Sizboo/BearTorrent-Final-Project/internal/wire"
)

// Leecher pumps scheduler requests out over the relay and forwards
// relayed PIECE frames back to the scheduler's response sink. Peer
// disappearance has no relay analogue to CANCEL, so a closed relay
// connection is surfaced as a synthesized CANCEL for whichever request
// was outstanding.
type Leecher struct {
	turn *introclient.TurnConn
}

// NewLeecher wraps an already-joined TURN connection (see
// introclient.Client.JoinTurn).
func NewLeecher(turn *introclient.TurnConn) *Leecher {
	return &Leecher{turn: turn}
}

// Run implements transport.PeerTransport for the relayed leecher side:
// a select-style loop over the scheduler's request channel (outgoing)
// and the relay's inbound frames (incoming PIECE).
func (l *Leecher) Run(ctx context.Context, requests <-chan wire.Request, responses chan<- interface{}) error {
	inbound := make(chan introducer.TurnPacket)
	recvErr := make(chan error, 1)
	go func() {
		for {
			pkt, err := l.turn.Recv()
			if err != nil {
				recvErr <- err
				return
			}
			inbound <- pkt
		}
	}()

	var pending *wire.Request

	for {
		select {
		case req, ok := <-requests:
			if !ok {
				return nil
			}
			reqCopy := req
			pending = &reqCopy
			encoded, err := wire.Encode(req)
			if err != nil {
				return fmt.Errorf("relaytransport: encode request: %w", err)
			}
			if err := l.turn.Send(introducer.TurnPacket{Body: encoded}); err != nil {
				dataplane.Log("[relaytransport] leecher send failed: %v, cancelling", err)
				responses <- wire.Cancel{Seeder: req.Seeder, Index: req.Index, Begin: req.Begin, Length: req.Length}
			}

		case pkt := <-inbound:
			msg, err := wire.Decode(pkt.Body)
			if err != nil {
				dataplane.Log("[relaytransport] leecher decode failed: %v", err)
				continue
			}
			responses <- msg

		case err := <-recvErr:
			dataplane.Log("[relaytransport] leecher relay connection lost: %v", err)
			if pending != nil {
				responses <- wire.Cancel{Seeder: pending.Seeder, Index: pending.Index, Begin: pending.Begin, Length: pending.Length}
			}
			return err

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Seeder reads REQUEST frames off the relay, serves pieces from the
// file store, and writes PIECE (or CANCEL on read failure) back. Like
// quictransport.Seeder, the file is resolved per request from the
// REQUEST's hash field rather than bound at construction.
type Seeder struct {
	turn  *introclient.TurnConn
	store *filestore.Store
}

// NewSeeder wraps an already-joined TURN connection.
func NewSeeder(turn *introclient.TurnConn, store *filestore.Store) *Seeder {
	return &Seeder{turn: turn, store: store}
}

// Serve loops until ctx is done or the relay connection fails,
// answering every inbound REQUEST with a PIECE or CANCEL.
func (s *Seeder) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		pkt, err := s.turn.Recv()
		if err != nil {
			return fmt.Errorf("relaytransport: seeder recv: %w", err)
		}

		msg, err := wire.Decode(pkt.Body)
		if err != nil {
			dataplane.Log("[relaytransport] seeder decode failed: %v", err)
			continue
		}
		req, ok := msg.(wire.Request)
		if !ok {
			dataplane.Log("[relaytransport] seeder expected REQUEST, got %T", msg)
			continue
		}

		ih, ok := s.store.Catalog()[filestore.FileHash(req.Hash)]
		if !ok {
			dataplane.Log("[relaytransport] seeder has no file matching requested hash, sending cancel")
			cancel, _ := wire.Encode(wire.Cancel{Seeder: req.Seeder, Index: req.Index, Begin: req.Begin, Length: req.Length})
			s.turn.Send(introducer.TurnPacket{Body: cancel})
			continue
		}

		payload, err := s.store.ReadPiece(ih, req.Index)
		if err != nil {
			cancel, _ := wire.Encode(wire.Cancel{Seeder: req.Seeder, Index: req.Index, Begin: req.Begin, Length: req.Length})
			s.turn.Send(introducer.TurnPacket{Body: cancel})
			continue
		}

		piece, err := wire.Encode(wire.Piece{Index: req.Index, Payload: payload})
		if err != nil {
			dataplane.Log("[relaytransport] seeder encode piece %d failed: %v", req.Index, err)
			continue
		}
		s.turn.Send(introducer.TurnPacket{Body: piece})
	}
}
