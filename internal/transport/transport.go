// Package transport defines the seam C5 (secured QUIC) and C6 (TURN
// relay) both implement: a transport pumps pieces for one peer
// connection until its request channel closes, translating PIECE and
// CANCEL outcomes onto the scheduler's shared response sink.
package transport

import (
	"context"

	"github.com/Sizboo/BearTorrent-Final-Project/internal/wire"
)

// PeerTransport drains requests, fulfilling each by whatever means the
// concrete implementation uses (a QUIC stream, a relayed TURN frame),
// and writes PIECE/CANCEL outcomes to responses. Run returns when
// requests is closed and drained, or ctx is done.
type PeerTransport interface {
	Run(ctx context.Context, requests <-chan wire.Request, responses chan<- interface{}) error
}
