package introducer

import (
	"context"
	"testing"
	"time"

	"github.com/Sizboo/BearTorrent-Final-Project/internal/filestore"
	"github.com/Sizboo/BearTorrent-Final-Project/pkg/peerid"
)

func mustPeer(t *testing.T, pubIP string, pubPort int, privIP string, privPort int) peerid.PeerId {
	t.Helper()
	p, err := peerid.New(pubIP, pubPort, privIP, privPort)
	if err != nil {
		t.Fatalf("peerid.New: %v", err)
	}
	return p
}

func TestRegisterClientAssignsUniqueIds(t *testing.T) {
	r := New(nil)
	a := r.RegisterClient()
	b := r.RegisterClient()
	if a == b {
		t.Fatalf("expected distinct client ids, got %s twice", a)
	}
}

func TestAdvertiseThenGetFilePeerList(t *testing.T) {
	r := New(nil)
	client := r.RegisterClient()
	peer := mustPeer(t, "1.2.3.4", 6000, "10.0.0.5", 6000)
	if err := r.UpdateRegisteredPeerId(client, peer); err != nil {
		t.Fatalf("UpdateRegisteredPeerId: %v", err)
	}

	info := filestore.InfoHash{Name: "movie.mkv", FileLength: 100, PieceLength: 100, Pieces: [][filestore.HashSize]byte{filestore.HashPiece(make([]byte, 100))}}
	fh := info.FileHash()
	r.Advertise(client, fh, info)

	peers := r.GetFilePeerList(fh)
	if len(peers) != 1 || peers[0] != peer {
		t.Fatalf("expected single peer %v, got %v", peer, peers)
	}

	files := r.GetAllFiles()
	if len(files) != 1 || files[0].Name != "movie.mkv" {
		t.Fatalf("expected catalog to contain movie.mkv, got %+v", files)
	}
}

func TestGetFilePeerListDropsClientsWithoutEndpoint(t *testing.T) {
	r := New(nil)
	client := r.RegisterClient() // never calls UpdateRegisteredPeerId

	info := filestore.InfoHash{Name: "x", FileLength: 1, PieceLength: 1, Pieces: [][filestore.HashSize]byte{filestore.HashPiece([]byte{1})}}
	fh := info.FileHash()
	r.Advertise(client, fh, info)

	if peers := r.GetFilePeerList(fh); len(peers) != 0 {
		t.Fatalf("expected no peers for a client with no endpoint, got %v", peers)
	}
}

func TestDeleteFilePrunesEmptySeederList(t *testing.T) {
	r := New(nil)
	client := r.RegisterClient()
	info := filestore.InfoHash{Name: "solo.bin", FileLength: 1, PieceLength: 1, Pieces: [][filestore.HashSize]byte{filestore.HashPiece([]byte{9})}}
	fh := info.FileHash()
	r.Advertise(client, fh, info)

	r.DeleteFile(client, fh)

	if files := r.GetAllFiles(); len(files) != 0 {
		t.Fatalf("expected catalog entry to be pruned, got %+v", files)
	}
}

func TestDelistClientRemovesFromAllSeederLists(t *testing.T) {
	r := New(nil)
	client := r.RegisterClient()
	peer := mustPeer(t, "1.1.1.1", 1, "10.0.0.1", 1)
	r.UpdateRegisteredPeerId(client, peer)

	info := filestore.InfoHash{Name: "a", FileLength: 1, PieceLength: 1, Pieces: [][filestore.HashSize]byte{filestore.HashPiece([]byte{1})}}
	fh := info.FileHash()
	r.Advertise(client, fh, info)

	r.DelistClient(client)

	if peers := r.GetFilePeerList(fh); len(peers) != 0 {
		t.Fatalf("expected delisted client to be pruned from seeder list, got %v", peers)
	}
}

func TestSeedAndSendFileRequestPairing(t *testing.T) {
	r := New(nil)
	seeder := mustPeer(t, "2.2.2.2", 2000, "10.0.0.2", 2000)
	leecher := mustPeer(t, "3.3.3.3", 3000, "10.0.0.3", 3000)

	resultCh := make(chan peerid.PeerId, 1)
	errCh := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		got, err := r.Seed(ctx, seeder)
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- got
	}()

	// Give the seeder goroutine a chance to install its slot.
	time.Sleep(20 * time.Millisecond)

	if err := r.SendFileRequest(seeder, leecher); err != nil {
		t.Fatalf("SendFileRequest: %v", err)
	}

	select {
	case got := <-resultCh:
		if got != leecher {
			t.Fatalf("expected seed to wake with leecher %v, got %v", leecher, got)
		}
	case err := <-errCh:
		t.Fatalf("Seed failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for seed/send_file_request pairing")
	}
}

func TestSendFileRequestRetriesThenFails(t *testing.T) {
	r := New(nil)
	seeder := mustPeer(t, "4.4.4.4", 4000, "10.0.0.4", 4000)
	leecher := mustPeer(t, "5.5.5.5", 5000, "10.0.0.5", 5000)

	start := time.Now()
	err := r.SendFileRequest(seeder, leecher)
	elapsed := time.Since(start)

	if err == nil {
		t.Fatalf("expected failure when no seeder is parked")
	}
	if elapsed < 4*rendezvousRetryPace {
		t.Fatalf("expected bounded retry to take at least %v, took %v", 4*rendezvousRetryPace, elapsed)
	}
}

func TestHolePunchTriggerFiresOnce(t *testing.T) {
	r := New(nil)
	peer := mustPeer(t, "6.6.6.6", 6000, "10.0.0.6", 6000)

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		done <- r.AwaitHolePunchTrigger(ctx, peer)
	}()

	time.Sleep(20 * time.Millisecond)
	if err := r.InitPunch(peer); err != nil {
		t.Fatalf("InitPunch: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("AwaitHolePunchTrigger: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for hole punch trigger")
	}
}

func TestCertHandoffRequiresGetCertFirst(t *testing.T) {
	r := New(nil)
	leecher := mustPeer(t, "7.7.7.7", 7000, "10.0.0.7", 7000)

	got := make(chan []byte, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		cert, err := r.GetCert(ctx, leecher)
		if err != nil {
			return
		}
		got <- cert
	}()

	time.Sleep(20 * time.Millisecond)
	want := []byte("fake-certificate-bytes")
	if err := r.SendCert(leecher, want); err != nil {
		t.Fatalf("SendCert: %v", err)
	}

	select {
	case cert := <-got:
		if string(cert) != string(want) {
			t.Fatalf("cert mismatch: got %q want %q", cert, want)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for cert handoff")
	}
}

func TestSendCertWithoutWaiterFailsAfterRetry(t *testing.T) {
	r := New(nil)
	leecher := mustPeer(t, "8.8.8.8", 8000, "10.0.0.8", 8000)

	if err := r.SendCert(leecher, []byte("x")); err == nil {
		t.Fatalf("expected failure sending a cert with no waiter")
	}
}

func TestTurnBarrierReleasesBothSidesOnSecondRegistration(t *testing.T) {
	r := New(nil)
	sessionID := "session-a|session-b"

	seederDone := make(chan struct{})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if _, err := r.RegisterTurn(ctx, sessionID, true); err != nil {
			t.Errorf("seeder RegisterTurn: %v", err)
		}
		close(seederDone)
	}()

	select {
	case <-seederDone:
		t.Fatalf("seeder side should not release before the leecher registers")
	case <-time.After(50 * time.Millisecond):
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := r.RegisterTurn(ctx, sessionID, false); err != nil {
		t.Fatalf("leecher RegisterTurn: %v", err)
	}

	select {
	case <-seederDone:
	case <-time.After(time.Second):
		t.Fatalf("expected barrier to release the seeder side once the leecher registered")
	}
}

func TestSendTurnRoutesToOppositeRole(t *testing.T) {
	r := New(nil)
	sessionID := "sess-route"

	var seederCh <-chan TurnPacket
	var leecherCh <-chan TurnPacket
	done := make(chan struct{})
	go func() {
		ctx := context.Background()
		seederCh, _ = r.RegisterTurn(ctx, sessionID, true)
		close(done)
	}()
	leecherCh2, err := r.RegisterTurn(context.Background(), sessionID, false)
	if err != nil {
		t.Fatalf("RegisterTurn leecher: %v", err)
	}
	leecherCh = leecherCh2
	<-done

	if err := r.SendTurn(sessionID, true, TurnPacket{SessionID: sessionID, Body: []byte("to-seeder")}); err != nil {
		t.Fatalf("SendTurn to seeder: %v", err)
	}
	if err := r.SendTurn(sessionID, false, TurnPacket{SessionID: sessionID, Body: []byte("to-leecher")}); err != nil {
		t.Fatalf("SendTurn to leecher: %v", err)
	}

	select {
	case pkt := <-seederCh:
		if string(pkt.Body) != "to-seeder" {
			t.Fatalf("expected seeder packet, got %q", pkt.Body)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for seeder packet")
	}

	select {
	case pkt := <-leecherCh:
		if string(pkt.Body) != "to-leecher" {
			t.Fatalf("expected leecher packet, got %q", pkt.Body)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for leecher packet")
	}
}
