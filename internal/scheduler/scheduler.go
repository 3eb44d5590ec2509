// Package scheduler implements the file assembler (C7): it fans out piece
// requests across connected peers, validates incoming pieces against the
// file's InfoHash, evicts peers that fail, and finalizes the file once
// every piece has arrived.
//
// The scheduler is referenced from many peer transports and from its own
// two goroutines, so its peer table lives behind a mutex held only for
// slot lookups; the channel handles themselves are cheap to clone and are
// handed out to transports rather than shared by reference.
package scheduler

import (
	"errors"
	"fmt"
	"sync"

	"github.com/Sizboo/BearTorrent-Final-Project/internal/dataplane"
	"github.com/Sizboo/BearTorrent-Final-Project/internal/filestore"
	"github.com/Sizboo/BearTorrent-Final-Project/internal/wire"
)

// ErrAssemblyFailed is returned by Wait when every peer was evicted before
// the file completed.
var ErrAssemblyFailed = errors.New("scheduler: failed to retrieve file")

// peerHandle is a stable, monotonically assigned identifier for a
// registered peer slot. Eviction keys on this handle, never on a
// recomputed positional index — positions shift as peers are evicted,
// but a handle never gets reassigned to a different peer.
//
// It doubles as the wire REQUEST.Seeder value: the remote peer's CANCEL
// carries back whichever handle the scheduler assigned at request time,
// so eviction always resolves to the right entry regardless of how many
// other peers have dropped out in between.
type peerHandle = uint32

// Scheduler owns the two long-running goroutines ("send-requests" and
// "reassemble") that drive a single file request to completion.
type Scheduler struct {
	infoHash filestore.InfoHash
	fileHash filestore.FileHash
	store    *filestore.Store

	mu         sync.Mutex
	peers      map[peerHandle]chan wire.Request
	order      []peerHandle // registration order, used for round-robin striping
	nextHandle peerHandle
	numConns   int

	responseCh chan interface{} // wire.Piece | wire.Cancel
	resendCh   chan uint32      // piece indices to re-request

	startBarrier chan struct{}
	startOnce    sync.Once

	done chan error
}

// New builds a scheduler for ih, not yet accepting a single registered
// peer. Callers register peers with RegisterPeer, then call Start once
// every initial peer transport has registered.
func New(ih filestore.InfoHash, store *filestore.Store) *Scheduler {
	return &Scheduler{
		infoHash:     ih,
		fileHash:     ih.FileHash(),
		store:        store,
		peers:        make(map[peerHandle]chan wire.Request),
		responseCh:   make(chan interface{}, 64),
		resendCh:     make(chan uint32, 64),
		startBarrier: make(chan struct{}),
		done:         make(chan error, 1),
	}
}

// RegisterPeer adds a new peer slot and returns its stable handle, the
// receive end of its per-peer request channel (handed to the peer
// transport), and the shared send end of the response channel (the
// transport's single sink for PIECE/CANCEL messages).
func (s *Scheduler) RegisterPeer() (handle peerHandle, requests <-chan wire.Request, responses chan<- interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	handle = s.nextHandle
	s.nextHandle++

	ch := make(chan wire.Request, 4)
	s.peers[handle] = ch
	s.order = append(s.order, handle)
	s.numConns++

	return handle, ch, s.responseCh
}

// NumConnections returns the number of currently registered (not yet
// evicted) peers.
func (s *Scheduler) NumConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.numConns
}

// Start fires the start barrier and launches the send-requests and
// reassemble goroutines. Safe to call only once; every transport that
// will participate in the initial striping must have called RegisterPeer
// first.
func (s *Scheduler) Start() {
	s.startOnce.Do(func() {
		close(s.startBarrier)
		go s.reassembleLoop()
		go s.sendRequestsLoop()
	})
}

// Wait blocks until the file completes or assembly fails, returning the
// terminal error (nil on success).
func (s *Scheduler) Wait() error {
	return <-s.done
}

func (s *Scheduler) requestFor(handle peerHandle, index uint32) wire.Request {
	return wire.Request{
		Seeder: handle,
		Index:  index,
		Begin:  index * s.infoHash.PieceLength,
		Length: s.infoHash.PieceLength,
		Hash:   s.fileHash,
	}
}

func (s *Scheduler) sendRequestsLoop() {
	<-s.startBarrier

	s.mu.Lock()
	initialOrder := append([]peerHandle(nil), s.order...)
	initialConns := len(initialOrder)
	s.mu.Unlock()

	if initialConns == 0 {
		return
	}

	numPieces := s.infoHash.NumPieces()
	for i := 0; i < numPieces; i++ {
		slot := i % initialConns
		handle := initialOrder[slot]
		s.sendToHandle(handle, s.requestFor(handle, uint32(i)))
	}

	var resendCounter uint64
	for index := range s.resendCh {
		s.mu.Lock()
		n := len(s.order)
		if n == 0 {
			s.mu.Unlock()
			continue
		}
		handle := s.order[int(resendCounter%uint64(n))]
		s.mu.Unlock()

		resendCounter++
		s.sendToHandle(handle, s.requestFor(handle, index))
	}
}

func (s *Scheduler) sendToHandle(handle peerHandle, req wire.Request) {
	s.mu.Lock()
	ch, ok := s.peers[handle]
	s.mu.Unlock()
	if !ok {
		// Already evicted between slot selection and send; drop it, a
		// resend for this index will already have been queued by the
		// eviction that removed it.
		return
	}
	select {
	case ch <- req:
	default:
		dataplane.Log("[scheduler] request channel for peer %d full, dropping request for piece %d", handle, req.Index)
	}
}

func (s *Scheduler) evict(handle peerHandle) (remaining int, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, exists := s.peers[handle]
	if !exists {
		// Second CANCEL for an already-evicted handle: a no-op, exactly
		// as required when two CANCELs target the same slot in flight.
		return s.numConns, false
	}

	delete(s.peers, handle)
	for i, h := range s.order {
		if h == handle {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.numConns--
	close(ch)

	return s.numConns, true
}

func (s *Scheduler) reassembleLoop() {
	for msg := range s.responseCh {
		switch m := msg.(type) {
		case wire.Piece:
			s.handlePiece(m)
			if s.store.IsComplete(s.infoHash) {
				s.finishSuccess()
				return
			}

		case wire.Cancel:
			if s.handleCancel(m) {
				return
			}

		default:
			dataplane.Log("[scheduler] unknown message type %T on response channel", msg)
		}
	}
}

func (s *Scheduler) handlePiece(p wire.Piece) {
	size, err := s.infoHash.PieceSize(p.Index)
	if err != nil {
		dataplane.Log("[scheduler] piece %d out of range: %v", p.Index, err)
		return
	}

	if len(p.Payload) != size || filestore.HashPiece(p.Payload) != s.infoHash.Pieces[p.Index] {
		dataplane.Log("[scheduler] piece %d failed integrity check, requeueing", p.Index)
		s.resendCh <- p.Index
		return
	}

	if err := s.store.WritePiece(s.infoHash, p.Index, p.Payload); err != nil {
		dataplane.Log("[scheduler] write piece %d failed: %v, requeueing", p.Index, err)
		s.resendCh <- p.Index
	}
}

// handleCancel evicts the failing peer and either requeues its piece or,
// if this was the last connection, fails the whole assembly. Returns true
// if the reassemble loop should exit (assembly failed).
func (s *Scheduler) handleCancel(c wire.Cancel) bool {
	remaining, evicted := s.evict(c.Seeder)
	if !evicted {
		return false
	}

	if remaining == 0 {
		close(s.resendCh)
		s.done <- ErrAssemblyFailed
		return true
	}

	s.resendCh <- c.Index
	return false
}

func (s *Scheduler) finishSuccess() {
	s.mu.Lock()
	for _, ch := range s.peers {
		close(ch)
	}
	s.peers = make(map[peerHandle]chan wire.Request)
	s.order = nil
	s.mu.Unlock()

	close(s.resendCh)

	if err := s.store.Finalize(s.infoHash); err != nil {
		s.done <- fmt.Errorf("scheduler: finalize: %w", err)
		return
	}
	s.done <- nil
}
