// Package introducer implements the rendezvous service (C3): client
// registration, file advertisement, seeder lookup, and the one-shot
// channel choreography that lets two peers find each other (seed/leecher
// pairing, hole-punch triggers, certificate handoff, TURN session
// admission).
//
// The maps below are sharded by concern, each concern behind its own
// mutex (sync.RWMutex for clients and files, sync.Mutex for the
// rendezvous slots), so a long rendezvous wait on one concern (say, a
// parked seed()) never blocks an unrelated advertise() on another.
package introducer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Sizboo/BearTorrent-Final-Project/internal/dataplane"
	"github.com/Sizboo/BearTorrent-Final-Project/internal/filestore"
	"github.com/Sizboo/BearTorrent-Final-Project/pkg/peerid"
)

// ErrNotFound is returned when a lookup names an entry the registry has
// never seen (unknown client, unknown file, un-parked rendezvous slot).
var ErrNotFound = errors.New("introducer: not found")

// ErrUnavailable is returned when a bounded retry against a rendezvous
// slot exhausts its attempts without the slot being claimed.
var ErrUnavailable = errors.New("introducer: unavailable after retry")

const (
	rendezvousRetryAttempts = 5
	rendezvousRetryPace     = 250 * time.Millisecond
)

// ClientId is the opaque handle returned by RegisterClient.
type ClientId string

// turnSession holds the two packet sinks of a relayed transfer plus the
// barrier that releases both sides once each has registered.
type turnSession struct {
	mu          sync.Mutex
	seederSink  chan TurnPacket
	leecherSink chan TurnPacket
	barrier     chan struct{}
	registered  int
	tripped     bool
}

// TurnPacket is a single relayed wire frame plus the session it belongs
// to; C6 exchanges these over a dedicated /ws/turn websocket connection,
// separate from the rendezvous ones.
type TurnPacket struct {
	SessionID string `json:"session_id"`
	Body      []byte `json:"body"`
}

// Registry is the process-wide introducer actor. The zero value is not
// usable; construct with New.
type Registry struct {
	clientsMu sync.RWMutex
	clients   map[ClientId]*peerid.PeerId

	filesMu      sync.RWMutex
	fileTracker  map[filestore.FileHash]filestore.InfoHash
	seederList   map[filestore.FileHash][]ClientId

	seedMu       sync.Mutex
	seedNotifier map[string]chan peerid.PeerId // keyed by peerid.String()

	punchMu        sync.Mutex
	initHolePunch  map[string]chan struct{}

	certMu     sync.Mutex
	certSender map[string]chan []byte

	turnMu   sync.Mutex
	turnSessions map[string]*turnSession

	audit *auditLog
}

// New builds an empty registry. audit may be nil to disable the
// best-effort rendezvous event log.
func New(audit *auditLog) *Registry {
	return &Registry{
		clients:       make(map[ClientId]*peerid.PeerId),
		fileTracker:   make(map[filestore.FileHash]filestore.InfoHash),
		seederList:    make(map[filestore.FileHash][]ClientId),
		seedNotifier:  make(map[string]chan peerid.PeerId),
		initHolePunch: make(map[string]chan struct{}),
		certSender:    make(map[string]chan []byte),
		turnSessions:  make(map[string]*turnSession),
		audit:         audit,
	}
}

// RegisterClient allocates a fresh ClientId with no endpoint yet
// advertised.
func (r *Registry) RegisterClient() ClientId {
	r.clientsMu.Lock()
	defer r.clientsMu.Unlock()

	for {
		id := ClientId(uuid.New().String())
		if _, exists := r.clients[id]; !exists {
			r.clients[id] = nil
			return id
		}
	}
}

// UpdateRegisteredPeerId replaces the PeerId last advertised for id.
func (r *Registry) UpdateRegisteredPeerId(id ClientId, p peerid.PeerId) error {
	r.clientsMu.Lock()
	defer r.clientsMu.Unlock()

	if _, ok := r.clients[id]; !ok {
		return fmt.Errorf("%w: client %s", ErrNotFound, id)
	}
	pCopy := p
	r.clients[id] = &pCopy
	return nil
}

// Advertise registers self as a seeder of fileHash with the given
// metadata, idempotently recording the catalog entry. A client already
// listed for fileHash is not appended again.
func (r *Registry) Advertise(self ClientId, fileHash filestore.FileHash, info filestore.InfoHash) ClientId {
	r.filesMu.Lock()
	if _, known := r.fileTracker[fileHash]; !known {
		r.fileTracker[fileHash] = info
	}
	listed := false
	for _, id := range r.seederList[fileHash] {
		if id == self {
			listed = true
			break
		}
	}
	if !listed {
		r.seederList[fileHash] = append(r.seederList[fileHash], self)
	}
	r.filesMu.Unlock()

	r.auditEvent("advertise", self, fileHash)
	return self
}

// GetFilePeerList resolves fileHash's seeder list through the client
// table into currently-registered endpoints, dropping clients without
// one.
func (r *Registry) GetFilePeerList(fileHash filestore.FileHash) []peerid.PeerId {
	r.filesMu.RLock()
	seeders := append([]ClientId(nil), r.seederList[fileHash]...)
	r.filesMu.RUnlock()

	r.clientsMu.RLock()
	defer r.clientsMu.RUnlock()

	out := make([]peerid.PeerId, 0, len(seeders))
	for _, id := range seeders {
		if p, ok := r.clients[id]; ok && p != nil {
			out = append(out, *p)
		}
	}
	return out
}

// GetAllFiles returns every catalog entry known to the registry.
func (r *Registry) GetAllFiles() []filestore.InfoHash {
	r.filesMu.RLock()
	defer r.filesMu.RUnlock()

	out := make([]filestore.InfoHash, 0, len(r.fileTracker))
	for _, info := range r.fileTracker {
		out = append(out, info)
	}
	return out
}

// DeleteFile removes self from fileHash's seeder list, pruning the
// catalog entry once the last seeder is gone.
func (r *Registry) DeleteFile(self ClientId, fileHash filestore.FileHash) {
	r.filesMu.Lock()
	defer r.filesMu.Unlock()

	seeders := r.seederList[fileHash]
	remaining := seeders[:0]
	for _, id := range seeders {
		if id != self {
			remaining = append(remaining, id)
		}
	}
	if len(remaining) == 0 {
		delete(r.seederList, fileHash)
		delete(r.fileTracker, fileHash)
	} else {
		r.seederList[fileHash] = remaining
	}
}

// DelistClient removes the client entry entirely, prunes it from every
// seeder list, and tears down any rendezvous slot still installed under
// its last registered PeerId.
func (r *Registry) DelistClient(self ClientId) {
	r.clientsMu.Lock()
	lastPeer := r.clients[self]
	delete(r.clients, self)
	r.clientsMu.Unlock()

	if lastPeer != nil {
		key := lastPeer.String()

		r.seedMu.Lock()
		delete(r.seedNotifier, key)
		r.seedMu.Unlock()

		r.punchMu.Lock()
		delete(r.initHolePunch, key)
		r.punchMu.Unlock()

		r.certMu.Lock()
		delete(r.certSender, key)
		r.certMu.Unlock()
	}

	r.filesMu.Lock()
	for fh, seeders := range r.seederList {
		remaining := seeders[:0]
		for _, id := range seeders {
			if id != self {
				remaining = append(remaining, id)
			}
		}
		if len(remaining) == 0 {
			delete(r.seederList, fh)
			delete(r.fileTracker, fh)
		} else {
			r.seederList[fh] = remaining
		}
	}
	r.filesMu.Unlock()

	r.auditEvent("delist_client", self, filestore.FileHash{})
}

// Seed installs a fresh one-shot channel for selfPeerId and parks on its
// receive end until a leecher calls SendFileRequest naming it, or ctx is
// done.
func (r *Registry) Seed(ctx context.Context, selfPeerId peerid.PeerId) (peerid.PeerId, error) {
	key := selfPeerId.String()
	ch := make(chan peerid.PeerId, 1)

	r.seedMu.Lock()
	r.seedNotifier[key] = ch
	r.seedMu.Unlock()

	defer func() {
		r.seedMu.Lock()
		if cur, ok := r.seedNotifier[key]; ok && cur == ch {
			delete(r.seedNotifier, key)
		}
		r.seedMu.Unlock()
	}()

	select {
	case leecher := <-ch:
		return leecher, nil
	case <-ctx.Done():
		return peerid.PeerId{}, ctx.Err()
	}
}

// SendFileRequest wakes the seeder parked in Seed for peerOfSeeder,
// handing it selfPeerId. Retries with bounded pacing to tolerate a
// racing Seed call that has not yet installed its slot.
func (r *Registry) SendFileRequest(peerOfSeeder peerid.PeerId, selfPeerId peerid.PeerId) error {
	key := peerOfSeeder.String()

	for attempt := 0; attempt < rendezvousRetryAttempts; attempt++ {
		r.seedMu.Lock()
		ch, ok := r.seedNotifier[key]
		if ok {
			delete(r.seedNotifier, key)
		}
		r.seedMu.Unlock()

		if ok {
			select {
			case ch <- selfPeerId:
				r.auditEvent("send_file_request", ClientId(selfPeerId.String()), filestore.FileHash{})
				return nil
			default:
				return fmt.Errorf("introducer: seed slot for %s already claimed", key)
			}
		}

		time.Sleep(rendezvousRetryPace)
	}

	return fmt.Errorf("%w: no seeder parked for %s", ErrNotFound, key)
}

// AwaitHolePunchTrigger installs a one-shot "go" signal for selfId and
// blocks until InitPunch fires it or ctx is done.
func (r *Registry) AwaitHolePunchTrigger(ctx context.Context, selfId peerid.PeerId) error {
	key := selfId.String()
	ch := make(chan struct{})

	r.punchMu.Lock()
	r.initHolePunch[key] = ch
	r.punchMu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		r.punchMu.Lock()
		if cur, ok := r.initHolePunch[key]; ok && cur == ch {
			delete(r.initHolePunch, key)
		}
		r.punchMu.Unlock()
		return ctx.Err()
	}
}

// InitPunch fires (and clears) the hole-punch signal for peerId, with
// bounded retry to tolerate a racing AwaitHolePunchTrigger installation.
func (r *Registry) InitPunch(peerId peerid.PeerId) error {
	key := peerId.String()

	for attempt := 0; attempt < rendezvousRetryAttempts; attempt++ {
		r.punchMu.Lock()
		ch, ok := r.initHolePunch[key]
		if ok {
			delete(r.initHolePunch, key)
		}
		r.punchMu.Unlock()

		if ok {
			close(ch)
			return nil
		}
		time.Sleep(rendezvousRetryPace)
	}

	return fmt.Errorf("%w: no peer parked for punch trigger %s", ErrNotFound, key)
}

// GetCert installs a certificate slot for selfAddr and blocks until a
// seeder writes into it via SendCert, or ctx is done.
func (r *Registry) GetCert(ctx context.Context, selfAddr peerid.PeerId) ([]byte, error) {
	key := selfAddr.String()
	ch := make(chan []byte, 1)

	r.certMu.Lock()
	r.certSender[key] = ch
	r.certMu.Unlock()

	defer func() {
		r.certMu.Lock()
		if cur, ok := r.certSender[key]; ok && cur == ch {
			delete(r.certSender, key)
		}
		r.certMu.Unlock()
	}()

	select {
	case cert := <-ch:
		return cert, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SendCert forwards certBytes to the leecher parked in GetCert for
// peerId. The leecher must have called GetCert first; SendCert retries
// with bounded attempts to tolerate the race.
func (r *Registry) SendCert(peerId peerid.PeerId, certBytes []byte) error {
	key := peerId.String()

	for attempt := 0; attempt < rendezvousRetryAttempts; attempt++ {
		r.certMu.Lock()
		ch, ok := r.certSender[key]
		if ok {
			delete(r.certSender, key)
		}
		r.certMu.Unlock()

		if ok {
			select {
			case ch <- certBytes:
				return nil
			default:
				return fmt.Errorf("introducer: cert slot for %s already claimed", key)
			}
		}
		time.Sleep(rendezvousRetryPace)
	}

	return fmt.Errorf("%w: no leecher parked for cert at %s", ErrNotFound, key)
}

// RegisterTurn admits the caller into sessionID's seeder or leecher slot
// and returns the channel of packets inbound to that role. Once both
// slots are filled the session's rendezvous barrier trips, releasing
// both sides.
func (r *Registry) RegisterTurn(ctx context.Context, sessionID string, isSeeder bool) (<-chan TurnPacket, error) {
	r.turnMu.Lock()
	sess, ok := r.turnSessions[sessionID]
	if !ok {
		sess = &turnSession{
			seederSink:  make(chan TurnPacket, 64),
			leecherSink: make(chan TurnPacket, 64),
			barrier:     make(chan struct{}),
		}
		r.turnSessions[sessionID] = sess
	}
	r.turnMu.Unlock()

	sess.mu.Lock()
	var sink chan TurnPacket
	if isSeeder {
		sink = sess.seederSink
	} else {
		sink = sess.leecherSink
	}
	sess.registered++
	// Barrier of 2: the second RegisterTurn call for this session (seeder
	// and leecher, in either order) trips the barrier for both.
	if sess.registered >= 2 && !sess.tripped {
		sess.tripped = true
		close(sess.barrier)
	}
	sess.mu.Unlock()

	select {
	case <-sess.barrier:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return sink, nil
}

// SendTurn routes an inbound packet to the opposite role's sink: a
// REQUEST-bearing packet goes to the seeder slot, a PIECE-bearing packet
// goes to the leecher slot.
func (r *Registry) SendTurn(sessionID string, toSeeder bool, pkt TurnPacket) error {
	r.turnMu.Lock()
	sess, ok := r.turnSessions[sessionID]
	r.turnMu.Unlock()
	if !ok {
		return fmt.Errorf("%w: turn session %s", ErrNotFound, sessionID)
	}

	sink := sess.leecherSink
	if toSeeder {
		sink = sess.seederSink
	}

	select {
	case sink <- pkt:
		return nil
	default:
		return fmt.Errorf("%w: turn session %s sink full", ErrUnavailable, sessionID)
	}
}

// CloseTurnSession releases a session's resources once a relayed
// transfer has finished.
func (r *Registry) CloseTurnSession(sessionID string) {
	r.turnMu.Lock()
	defer r.turnMu.Unlock()
	delete(r.turnSessions, sessionID)
}

func (r *Registry) auditEvent(event string, client ClientId, fileHash filestore.FileHash) {
	if r.audit == nil {
		return
	}
	go func() {
		if err := r.audit.record(event, string(client), fileHash); err != nil {
			dataplane.Log("[introducer] audit log write failed for event %s: %v", event, err)
		}
	}()
}
