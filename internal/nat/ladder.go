// Package nat implements the NAT-traversal ladder (C4): given a local
// endpoint and a remote PeerId, acquire a dialable transport by trying
// LAN, then hole-punch, then TURN relay, in that order. The first rung
// that succeeds wins; later rungs are never attempted.
package nat

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/Sizboo/BearTorrent-Final-Project/internal/dataplane"
	"github.com/Sizboo/BearTorrent-Final-Project/pkg/peerid"
)

// PunchLiteral is the exact 12-byte payload exchanged during a hole
// punch; receipt of this literal from any source ends the punch loop.
const PunchLiteral = "HELPFUL_SERF"

const (
	punchInterval = 10 * time.Millisecond
	punchBudget   = 2 * time.Second
	rungBudget    = 5 * time.Second
	punchPause    = 250 * time.Millisecond
)

// RungKind identifies which ladder rung produced a Result.
type RungKind int

const (
	RungLAN RungKind = iota
	RungHolePunch
	RungRelay
)

func (k RungKind) String() string {
	switch k {
	case RungLAN:
		return "lan"
	case RungHolePunch:
		return "hole-punch"
	case RungRelay:
		return "relay"
	default:
		return "unknown"
	}
}

// Result is what the ladder hands back to C5/C6. For RungLAN and
// RungHolePunch, UDPConn is a socket already addressed at the peer,
// ready to be wrapped by the QUIC transport. For RungRelay, UDPConn is
// nil and SessionID names the TURN session both sides must join.
type Result struct {
	Rung      RungKind
	UDPConn   *net.UDPConn
	SessionID string
}

// Rendezvous is the subset of the introducer client the ladder needs.
// Implemented by introclient.Client; abstracted here so the ladder's
// rung logic can be tested against fakes.
type Rendezvous interface {
	AwaitHolePunchTrigger(ctx context.Context, selfID peerid.PeerId) error
	InitPunch(peer peerid.PeerId) error
}

// Acquire runs the ladder for a single peer. isSeeder controls which
// side parks on AwaitHolePunchTrigger versus calls InitPunch during the
// hole-punch rung.
func Acquire(ctx context.Context, rv Rendezvous, self, remote peerid.PeerId, isSeeder bool) (*Result, error) {
	if self.PubIP == remote.PubIP {
		if conn, err := dialLAN(remote); err == nil {
			dataplane.Log("[nat] rung lan succeeded for %s", remote.String())
			return &Result{Rung: RungLAN, UDPConn: conn}, nil
		}
	}

	rungCtx, cancel := context.WithTimeout(ctx, rungBudget)
	conn, err := holePunch(rungCtx, rv, self, remote, isSeeder)
	cancel()
	if err == nil {
		dataplane.Log("[nat] rung hole-punch succeeded for %s", remote.String())
		return &Result{Rung: RungHolePunch, UDPConn: conn}, nil
	}
	dataplane.Log("[nat] rung hole-punch failed for %s: %v", remote.String(), err)

	sessionID := peerid.SessionID(self, remote)
	return &Result{Rung: RungRelay, SessionID: sessionID}, nil
}

// dialLAN binds a private socket and connects it to the peer's private
// endpoint; UDP "connect" just fixes the remote address, no handshake.
func dialLAN(remote peerid.PeerId) (*net.UDPConn, error) {
	remoteAddr, err := net.ResolveUDPAddr("udp4", remote.PrivAddr())
	if err != nil {
		return nil, fmt.Errorf("nat: resolve lan addr: %w", err)
	}
	conn, err := net.DialUDP("udp4", nil, remoteAddr)
	if err != nil {
		return nil, fmt.Errorf("nat: dial lan: %w", err)
	}
	return conn, nil
}

// holePunch runs the synchronized punch routine on a freshly bound
// public socket. The seeder parks on AwaitHolePunchTrigger; the leecher
// fires InitPunch and pauses briefly before beginning, so both sides'
// punch loops overlap.
func holePunch(ctx context.Context, rv Rendezvous, self, remote peerid.PeerId, isSeeder bool) (*net.UDPConn, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: 0})
	if err != nil {
		return nil, fmt.Errorf("nat: bind punch socket: %w", err)
	}

	remoteAddr, err := net.ResolveUDPAddr("udp4", remote.PubAddr())
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("nat: resolve peer pub addr: %w", err)
	}

	if isSeeder {
		if err := rv.AwaitHolePunchTrigger(ctx, self); err != nil {
			conn.Close()
			return nil, fmt.Errorf("nat: await hole punch trigger: %w", err)
		}
	} else {
		if err := rv.InitPunch(remote); err != nil {
			conn.Close()
			return nil, fmt.Errorf("nat: init punch: %w", err)
		}
		select {
		case <-time.After(punchPause):
		case <-ctx.Done():
			conn.Close()
			return nil, ctx.Err()
		}
	}

	if err := runPunchLoop(ctx, conn, remoteAddr); err != nil {
		conn.Close()
		return nil, err
	}

	laddr := conn.LocalAddr().(*net.UDPAddr)
	conn.Close()
	punched, err := net.DialUDP("udp4", laddr, remoteAddr)
	if err != nil {
		return nil, fmt.Errorf("nat: fix punched socket to peer: %w", err)
	}
	return punched, nil
}

// runPunchLoop sends the punch literal every punchInterval while
// concurrently reading for the same literal from any source, for up to
// punchBudget. Returns nil as soon as the literal is observed inbound.
func runPunchLoop(ctx context.Context, conn *net.UDPConn, remoteAddr *net.UDPAddr) error {
	deadline := time.Now().Add(punchBudget)
	if err := conn.SetReadDeadline(deadline); err != nil {
		return fmt.Errorf("nat: set punch read deadline: %w", err)
	}

	ticker := time.NewTicker(punchInterval)
	defer ticker.Stop()

	done := make(chan error, 1)
	go func() {
		buf := make([]byte, len(PunchLiteral))
		for {
			n, _, err := conn.ReadFromUDP(buf)
			if err != nil {
				done <- err
				return
			}
			if n == len(PunchLiteral) && string(buf[:n]) == PunchLiteral {
				done <- nil
				return
			}
		}
	}()

	for {
		select {
		case err := <-done:
			return err
		case <-ticker.C:
			conn.WriteToUDP([]byte(PunchLiteral), remoteAddr)
		case <-ctx.Done():
			return fmt.Errorf("nat: hole punch budget exhausted: %w", ctx.Err())
		case <-time.After(time.Until(deadline)):
			return fmt.Errorf("nat: hole punch budget exhausted")
		}
	}
}
