// Package client implements the torrent client facade (C8): the
// operations a UI or CLI layer drives directly — registering with the
// introducer, advertising local files, seeding, and requesting a file
// by its content hash.
package client

import (
	"context"
	"fmt"
	"sync"

	"github.com/Sizboo/BearTorrent-Final-Project/internal/config"
	"github.com/Sizboo/BearTorrent-Final-Project/internal/dataplane"
	"github.com/Sizboo/BearTorrent-Final-Project/internal/filestore"
	"github.com/Sizboo/BearTorrent-Final-Project/internal/introclient"
	"github.com/Sizboo/BearTorrent-Final-Project/internal/introducer"
	"github.com/Sizboo/BearTorrent-Final-Project/internal/nat"
	"github.com/Sizboo/BearTorrent-Final-Project/internal/scheduler"
	"github.com/Sizboo/BearTorrent-Final-Project/internal/transport"
	"github.com/Sizboo/BearTorrent-Final-Project/internal/wire"
	"github.com/Sizboo/BearTorrent-Final-Project/pkg/peerid"
)

// introducerAPI is the subset of introclient.Client the facade needs,
// narrowed to an interface so it can be driven by a fake in tests. It
// includes the rendezvous calls the NAT ladder needs (AwaitHolePunchTrigger,
// InitPunch) so a value of this type can be passed anywhere a
// nat.Rendezvous is expected.
type introducerAPI interface {
	RegisterClient() (introducer.ClientId, error)
	UpdateRegisteredPeerId(id introducer.ClientId, p peerid.PeerId) error
	Advertise(id introducer.ClientId, info filestore.InfoHash) (filestore.FileHash, error)
	GetFilePeerList(fh filestore.FileHash) ([]peerid.PeerId, error)
	GetAllFiles() ([]filestore.InfoHash, error)
	DeleteFile(id introducer.ClientId, fh filestore.FileHash) error
	DelistClient(id introducer.ClientId) error
	SendFileRequest(peerOfSeeder, self peerid.PeerId) error
	Seed(ctx context.Context, self peerid.PeerId) (peerid.PeerId, error)
	AwaitHolePunchTrigger(ctx context.Context, selfID peerid.PeerId) error
	InitPunch(peer peerid.PeerId) error
}

var _ introducerAPI = (*introclient.Client)(nil)

// TransportFactory builds the live transport for one acquired ladder
// rung. cmd/peer supplies the concrete implementation: quictransport for
// RungLAN/RungHolePunch, relaytransport for RungRelay, since only the
// caller holds the introducer client needed for the C5 certificate
// handoff and the C6 TURN join.
type TransportFactory func(ctx context.Context, result *nat.Result, peer peerid.PeerId, isSeeder bool) (transport.PeerTransport, error)

// Client is the local process's view of the network: its introducer
// session, its file catalog, and the event feed observers attach to.
type Client struct {
	cfg      *config.Config
	intro    introducerAPI
	store    *filestore.Store
	clientID introducer.ClientId
	self     peerid.PeerId
	Events   *Hub

	Transport TransportFactory

	closeOnce sync.Once
	closeDown chan struct{}
}

// New registers a fresh ClientId with the introducer and catalogs the
// local files directory. self is this process's current PeerId, minted
// by the caller from its STUN-observed public endpoint and locally
// bound private socket.
func New(cfg *config.Config, intro introducerAPI, self peerid.PeerId) (*Client, error) {
	store, err := filestore.New(cfg.FilesDir, cfg.CacheDir)
	if err != nil {
		return nil, fmt.Errorf("client: open file store: %w", err)
	}

	clientID, err := intro.RegisterClient()
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("client: register with introducer: %w", err)
	}
	if err := intro.UpdateRegisteredPeerId(clientID, self); err != nil {
		store.Close()
		return nil, fmt.Errorf("client: update_registered_peer_id: %w", err)
	}

	return &Client{
		cfg:       cfg,
		intro:     intro,
		store:     store,
		clientID:  clientID,
		self:      self,
		Events:    NewHub(),
		closeDown: make(chan struct{}),
	}, nil
}

// ClientID returns this session's introducer-assigned identity.
func (c *Client) ClientID() introducer.ClientId {
	return c.clientID
}

// Self returns this process's current PeerId.
func (c *Client) Self() peerid.PeerId {
	return c.self
}

// Store exposes the local file store so a TransportFactory can bind
// quictransport/relaytransport seeders directly against it.
func (c *Client) Store() *filestore.Store {
	return c.store
}

// AdvertiseAll advertises every locally cataloged file to the
// introducer.
func (c *Client) AdvertiseAll() error {
	for fh, info := range c.store.Catalog() {
		if _, err := c.intro.Advertise(c.clientID, info); err != nil {
			return fmt.Errorf("client: advertise %s: %w", fh.String(), err)
		}
		c.Events.Emit(Event{Category: "advertise", Action: "advertised", Detail: info.Name})
	}
	return nil
}

// GetServerFiles returns the introducer's full file catalog.
func (c *Client) GetServerFiles() ([]filestore.InfoHash, error) {
	return c.intro.GetAllFiles()
}

// DeleteFile removes fh from this client's seeder list and deletes its
// local artifacts.
func (c *Client) DeleteFile(fh filestore.FileHash) error {
	if err := c.intro.DeleteFile(c.clientID, fh); err != nil {
		return fmt.Errorf("client: delete_file: %w", err)
	}
	info, ok := c.store.Catalog()[fh]
	if !ok {
		return nil
	}
	if err := c.store.Delete(info); err != nil {
		return fmt.Errorf("client: delete local artifacts: %w", err)
	}
	c.Events.Emit(Event{Category: "file", Action: "deleted", Detail: info.Name})
	return nil
}

// RemoveClient delists this client entirely and signals close_down to
// any outstanding Seeding loop.
func (c *Client) RemoveClient() error {
	c.closeOnce.Do(func() { close(c.closeDown) })
	return c.intro.DelistClient(c.clientID)
}

// Seeding loops: advertise everything, park in Seed, spawn a seeder
// ladder+transport for whichever leecher wakes us, and repeat. Returns
// when RemoveClient fires close_down or ctx is cancelled.
func (c *Client) Seeding(ctx context.Context) error {
	seedCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.closeDown:
			cancel()
		case <-seedCtx.Done():
		}
	}()

	for {
		select {
		case <-c.closeDown:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := c.AdvertiseAll(); err != nil {
			dataplane.Log("[client] advertise_all failed: %v", err)
		}

		leecher, err := c.intro.Seed(seedCtx, c.self)
		if err != nil {
			select {
			case <-c.closeDown:
				return nil
			default:
			}
			dataplane.Log("[client] seed parked wait failed: %v", err)
			continue
		}

		c.Events.Emit(Event{Category: "seed-wake", Action: "woken", Detail: leecher.String()})
		go c.serveLeecher(ctx, leecher)
	}
}

// serveLeecher runs the NAT ladder for leecher, seeder-side, and hands
// the resulting rung off to whatever transport the factory builds.
// Without a request channel to drain (this client isn't assembling a
// file, it's answering one), the transport's own Run loop has nothing
// to pump from the seeder side of quictransport/relaytransport, which
// instead run their own Accept/Serve loops directly; serveLeecher's
// role is only to surface the lifecycle event and report failures, the
// concrete accept loop is started by cmd/peer once it owns the
// dialed/listened connection.
func (c *Client) serveLeecher(ctx context.Context, leecher peerid.PeerId) {
	result, err := nat.Acquire(ctx, c.intro, c.self, leecher, true)
	if err != nil {
		dataplane.Log("[client] ladder failed for leecher %s: %v", leecher.String(), err)
		c.Events.Emit(Event{Category: "peer", Action: "ladder-failed", Detail: leecher.String()})
		return
	}
	c.Events.Emit(Event{Category: "ladder", Action: "rung-chosen", Detail: result.Rung.String()})

	if c.Transport == nil {
		return
	}
	if _, err := c.Transport(ctx, result, leecher, true); err != nil {
		dataplane.Log("[client] seeder transport setup failed for %s: %v", leecher.String(), err)
	}
}

// FileRequest downloads fh: binds num_connections = min(len(peers),
// len(pieces)) peer transports via the NAT ladder, registers each with
// a fresh scheduler, and waits for assembly to finish or fail.
func (c *Client) FileRequest(ctx context.Context, fh filestore.FileHash, info filestore.InfoHash) error {
	peers, err := c.intro.GetFilePeerList(fh)
	if err != nil {
		return fmt.Errorf("client: get_file_peer_list: %w", err)
	}

	numConns := len(peers)
	if info.NumPieces() < numConns {
		numConns = info.NumPieces()
	}
	if numConns == 0 {
		return fmt.Errorf("client: no seeders available for %s", fh.String())
	}
	peers = peers[:numConns]

	sched := scheduler.New(info, c.store)

	var wg sync.WaitGroup
	var registered int
	for _, peer := range peers {
		if err := c.intro.SendFileRequest(peer, c.self); err != nil {
			dataplane.Log("[client] send_file_request to %s failed: %v", peer.String(), err)
			continue
		}

		registered++
		_, requests, responses := sched.RegisterPeer()
		wg.Add(1)
		peer := peer
		go func() {
			defer wg.Done()
			c.runPeerTransport(ctx, peer, requests, responses)
		}()
	}

	if registered == 0 {
		c.Events.Emit(Event{Category: "file", Action: "failed", Detail: fh.String()})
		return fmt.Errorf("client: file_request: send_file_request failed for every seeder of %s", fh.String())
	}

	sched.Start()
	err = sched.Wait()
	wg.Wait()

	if err != nil {
		c.Events.Emit(Event{Category: "file", Action: "failed", Detail: fh.String()})
		return fmt.Errorf("client: file_request: %w", err)
	}
	c.Events.Emit(Event{Category: "file", Action: "completed", Detail: fh.String()})
	return nil
}

// runPeerTransport acquires a ladder rung for peer and pumps its
// request/response channels until the scheduler closes them.
func (c *Client) runPeerTransport(ctx context.Context, peer peerid.PeerId, requests <-chan wire.Request, responses chan<- interface{}) {
	drain := func() {
		for req := range requests {
			responses <- wire.Cancel{Seeder: req.Seeder, Index: req.Index, Begin: req.Begin, Length: req.Length}
		}
	}

	if c.Transport == nil {
		dataplane.Log("[client] no transport factory configured, draining requests for peer %s", peer.String())
		drain()
		return
	}

	result, err := nat.Acquire(ctx, c.intro, c.self, peer, false)
	if err != nil {
		dataplane.Log("[client] ladder failed for peer %s: %v", peer.String(), err)
		drain()
		return
	}
	c.Events.Emit(Event{Category: "ladder", Action: "rung-chosen", Detail: result.Rung.String()})

	t, err := c.Transport(ctx, result, peer, false)
	if err != nil {
		dataplane.Log("[client] transport construction failed for peer %s: %v", peer.String(), err)
		drain()
		return
	}

	if err := t.Run(ctx, requests, responses); err != nil {
		dataplane.Log("[client] transport for peer %s ended: %v", peer.String(), err)
	}
}

// Close releases the local file store.
func (c *Client) Close() error {
	return c.store.Close()
}
