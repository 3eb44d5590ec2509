package quictransport

import (
	"bytes"
	"context"
	"io/ioutil"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Sizboo/BearTorrent-Final-Project/internal/certgen"
	"github.com/Sizboo/BearTorrent-Final-Project/internal/filestore"
	"github.com/Sizboo/BearTorrent-Final-Project/internal/wire"
)

// newLoopbackStore seeds name into a fresh store and returns its catalog
// entry. pieceLength is not passed to the store: the store catalogs every
// file with its own fixed piece length, so requests use ih.PieceLength.
func newLoopbackStore(t *testing.T, name string, data []byte, pieceLength uint32) (*filestore.Store, filestore.InfoHash) {
	t.Helper()
	root, err := ioutil.TempDir("", "quictransport-test")
	if err != nil {
		t.Fatalf("TempDir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(root) })

	filesDir := filepath.Join(root, "files")
	if err := os.MkdirAll(filesDir, 0755); err != nil {
		t.Fatalf("mkdir files dir: %v", err)
	}
	if err := ioutil.WriteFile(filepath.Join(filesDir, name), data, 0644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	s, err := filestore.New(filesDir, filepath.Join(root, "cache"))
	if err != nil {
		t.Fatalf("filestore.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	var ih filestore.InfoHash
	for _, cand := range s.Catalog() {
		if cand.Name == name {
			ih = cand
		}
	}
	if ih.Name == "" {
		t.Fatalf("expected %s to be cataloged", name)
	}
	return s, ih
}

func connectedLoopbackPair(t *testing.T) (seederConn, leecherConn *net.UDPConn) {
	t.Helper()
	seederConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen seeder udp: %v", err)
	}
	leecherConn, err = net.DialUDP("udp4", nil, seederConn.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("dial leecher udp: %v", err)
	}
	return seederConn, leecherConn
}

func TestSeederServesRequestedFileByHash(t *testing.T) {
	data := bytes.Repeat([]byte{0xAB}, 300)
	store, ih := newLoopbackStore(t, "payload.bin", data, 128)

	cred, err := certgen.Generate("127.0.0.1")
	if err != nil {
		t.Fatalf("certgen.Generate: %v", err)
	}

	seederUDP, leecherUDP := connectedLoopbackPair(t)

	seeder, err := ListenSeeder(seederUDP, cred.TLSCert, store)
	if err != nil {
		t.Fatalf("ListenSeeder: %v", err)
	}
	defer seeder.Close()

	acceptErr := make(chan error, 1)
	go func() {
		acceptErr <- seeder.Accept(context.Background())
	}()

	tlsConf, err := certgen.TrustedConfig(cred.CertPEM, ALPN)
	if err != nil {
		t.Fatalf("TrustedConfig: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 4*time.Second)
	defer cancel()
	leecher, err := DialLeecher(ctx, leecherUDP, tlsConf)
	if err != nil {
		t.Fatalf("DialLeecher: %v", err)
	}
	defer leecher.Close()

	requests := make(chan wire.Request, 1)
	responses := make(chan interface{}, 1)
	runErr := make(chan error, 1)
	go func() { runErr <- leecher.Run(ctx, requests, responses) }()

	// 300 bytes is below the store's piece length: piece 0 is the whole file.
	requests <- wire.Request{Index: 0, Begin: 0, Length: ih.PieceLength, Hash: ih.FileHash()}

	select {
	case msg := <-responses:
		piece, ok := msg.(wire.Piece)
		if !ok {
			t.Fatalf("expected Piece, got %T", msg)
		}
		if piece.Index != 0 || !bytes.Equal(piece.Payload, data) {
			t.Fatalf("unexpected piece payload")
		}
	case <-time.After(4 * time.Second):
		t.Fatalf("timed out waiting for piece response")
	}

	close(requests)
	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("leecher.Run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for leecher.Run to return")
	}
}

func TestSeederCancelsRequestForUnknownHash(t *testing.T) {
	data := []byte("known file contents")
	store, _ := newLoopbackStore(t, "known.bin", data, 64)

	cred, err := certgen.Generate("127.0.0.1")
	if err != nil {
		t.Fatalf("certgen.Generate: %v", err)
	}

	seederUDP, leecherUDP := connectedLoopbackPair(t)

	seeder, err := ListenSeeder(seederUDP, cred.TLSCert, store)
	if err != nil {
		t.Fatalf("ListenSeeder: %v", err)
	}
	defer seeder.Close()

	go seeder.Accept(context.Background())

	tlsConf, err := certgen.TrustedConfig(cred.CertPEM, ALPN)
	if err != nil {
		t.Fatalf("TrustedConfig: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 4*time.Second)
	defer cancel()
	leecher, err := DialLeecher(ctx, leecherUDP, tlsConf)
	if err != nil {
		t.Fatalf("DialLeecher: %v", err)
	}
	defer leecher.Close()

	requests := make(chan wire.Request, 1)
	responses := make(chan interface{}, 1)
	go leecher.Run(ctx, requests, responses)

	var unknownHash [filestore.HashSize]byte
	copy(unknownHash[:], bytes.Repeat([]byte{0xFF}, filestore.HashSize))
	requests <- wire.Request{Index: 0, Begin: 0, Length: 64, Hash: unknownHash}

	select {
	case msg := <-responses:
		if _, ok := msg.(wire.Cancel); !ok {
			t.Fatalf("expected Cancel for unrecognized file hash, got %T", msg)
		}
	case <-time.After(4 * time.Second):
		t.Fatalf("timed out waiting for cancel response")
	}
}
