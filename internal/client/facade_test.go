package client

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/Sizboo/BearTorrent-Final-Project/internal/config"
	"github.com/Sizboo/BearTorrent-Final-Project/internal/filestore"
	"github.com/Sizboo/BearTorrent-Final-Project/internal/introducer"
	"github.com/Sizboo/BearTorrent-Final-Project/pkg/peerid"
)

// fakeIntro satisfies introducerAPI without touching the network, so
// facade logic can be exercised directly.
type fakeIntro struct {
	registerCalled int
	advertised     []filestore.InfoHash
	deleted        []filestore.FileHash
	delisted       bool
	files          []filestore.InfoHash
	peerList       []peerid.PeerId
}

func (f *fakeIntro) RegisterClient() (introducer.ClientId, error) {
	f.registerCalled++
	return introducer.ClientId("fake-client"), nil
}

func (f *fakeIntro) UpdateRegisteredPeerId(id introducer.ClientId, p peerid.PeerId) error {
	return nil
}

func (f *fakeIntro) Advertise(id introducer.ClientId, info filestore.InfoHash) (filestore.FileHash, error) {
	f.advertised = append(f.advertised, info)
	return info.FileHash(), nil
}

func (f *fakeIntro) GetFilePeerList(fh filestore.FileHash) ([]peerid.PeerId, error) {
	return f.peerList, nil
}

func (f *fakeIntro) GetAllFiles() ([]filestore.InfoHash, error) {
	return f.files, nil
}

func (f *fakeIntro) DeleteFile(id introducer.ClientId, fh filestore.FileHash) error {
	f.deleted = append(f.deleted, fh)
	return nil
}

func (f *fakeIntro) DelistClient(id introducer.ClientId) error {
	f.delisted = true
	return nil
}

func (f *fakeIntro) SendFileRequest(peerOfSeeder, self peerid.PeerId) error {
	return nil
}

func (f *fakeIntro) Seed(ctx context.Context, self peerid.PeerId) (peerid.PeerId, error) {
	<-ctx.Done()
	return peerid.PeerId{}, ctx.Err()
}

func (f *fakeIntro) AwaitHolePunchTrigger(ctx context.Context, selfID peerid.PeerId) error {
	return nil
}

func (f *fakeIntro) InitPunch(peer peerid.PeerId) error {
	return nil
}

func testSelf(t *testing.T) peerid.PeerId {
	t.Helper()
	self, err := peerid.New("1.2.3.4", 5000, "10.0.0.1", 6000)
	if err != nil {
		t.Fatalf("peerid.New: %v", err)
	}
	return self
}

func newTestClient(t *testing.T, intro *fakeIntro) *Client {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		FilesDir: dir + "/files",
		CacheDir: dir + "/cache",
	}
	c, err := New(cfg, intro, testSelf(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestNewRegistersClient(t *testing.T) {
	intro := &fakeIntro{}
	c := newTestClient(t, intro)

	if intro.registerCalled != 1 {
		t.Fatalf("expected RegisterClient called once, got %d", intro.registerCalled)
	}
	if c.ClientID() != introducer.ClientId("fake-client") {
		t.Fatalf("unexpected client id %q", c.ClientID())
	}
}

func TestAdvertiseAllAdvertisesCatalogedFiles(t *testing.T) {
	intro := &fakeIntro{}
	c := newTestClient(t, intro)

	if err := os.WriteFile(c.cfg.FilesDir+"/hello.txt", []byte("hello world"), 0644); err != nil {
		t.Fatalf("write test file: %v", err)
	}
	if err := c.store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}
	store, err := filestore.New(c.cfg.FilesDir, c.cfg.CacheDir)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	c.store = store

	if err := c.AdvertiseAll(); err != nil {
		t.Fatalf("AdvertiseAll: %v", err)
	}
	if len(intro.advertised) != 1 {
		t.Fatalf("expected 1 file advertised, got %d", len(intro.advertised))
	}
	if intro.advertised[0].Name != "hello.txt" {
		t.Fatalf("unexpected advertised file name %q", intro.advertised[0].Name)
	}
}

func TestGetServerFilesDelegatesToIntroducer(t *testing.T) {
	want := []filestore.InfoHash{{Name: "a"}, {Name: "b"}}
	intro := &fakeIntro{files: want}
	c := newTestClient(t, intro)

	got, err := c.GetServerFiles()
	if err != nil {
		t.Fatalf("GetServerFiles: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 files, got %d", len(got))
	}
}

func TestDeleteFileRemovesFromIntroducerAndDisk(t *testing.T) {
	intro := &fakeIntro{}
	c := newTestClient(t, intro)

	if err := os.WriteFile(c.cfg.FilesDir+"/doomed.txt", []byte("bye"), 0644); err != nil {
		t.Fatalf("write test file: %v", err)
	}
	store, err := filestore.New(c.cfg.FilesDir, c.cfg.CacheDir)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	c.store.Close()
	c.store = store

	var fh filestore.FileHash
	for k, v := range c.store.Catalog() {
		if v.Name == "doomed.txt" {
			fh = k
		}
	}

	if err := c.DeleteFile(fh); err != nil {
		t.Fatalf("DeleteFile: %v", err)
	}
	if len(intro.deleted) != 1 || intro.deleted[0] != fh {
		t.Fatalf("expected introducer DeleteFile called with %v, got %v", fh, intro.deleted)
	}
	if _, err := os.Stat(c.cfg.FilesDir + "/doomed.txt"); !os.IsNotExist(err) {
		t.Fatalf("expected doomed.txt to be removed from disk")
	}
}

func TestRemoveClientDelistsAndStopsSeeding(t *testing.T) {
	intro := &fakeIntro{}
	c := newTestClient(t, intro)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- c.Seeding(ctx) }()

	if err := c.RemoveClient(); err != nil {
		t.Fatalf("RemoveClient: %v", err)
	}
	if !intro.delisted {
		t.Fatalf("expected DelistClient to have been called")
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Seeding returned error %v, want nil after close_down", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Seeding did not exit after close_down")
	}
}

func TestFileRequestFailsWithNoSeeders(t *testing.T) {
	intro := &fakeIntro{}
	c := newTestClient(t, intro)

	info := filestore.InfoHash{Name: "missing", FileLength: 10, PieceLength: 10, Pieces: [][filestore.HashSize]byte{{}}}
	err := c.FileRequest(context.Background(), info.FileHash(), info)
	if err == nil {
		t.Fatalf("expected error when no seeders are available")
	}
}
