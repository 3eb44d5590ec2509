package filestore

import (
	"bytes"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) (*Store, string, string) {
	t.Helper()
	root, err := ioutil.TempDir("", "filestore-test")
	if err != nil {
		t.Fatalf("TempDir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(root) })

	filesDir := filepath.Join(root, "files")
	cacheDir := filepath.Join(root, "cache")

	s, err := New(filesDir, cacheDir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	return s, filesDir, cacheDir
}

func buildInfoHash(name string, data []byte, pieceLength uint32) InfoHash {
	numPieces := 0
	if len(data) > 0 {
		numPieces = (len(data) + int(pieceLength) - 1) / int(pieceLength)
	}
	pieces := make([][HashSize]byte, numPieces)
	for i := 0; i < numPieces; i++ {
		start := i * int(pieceLength)
		end := start + int(pieceLength)
		if end > len(data) {
			end = len(data)
		}
		pieces[i] = HashPiece(data[start:end])
	}
	return InfoHash{Name: name, FileLength: uint64(len(data)), PieceLength: pieceLength, Pieces: pieces}
}

func TestWritePieceThenFinalizeProducesOriginalBytes(t *testing.T) {
	s, _, _ := newTestStore(t)

	data := []byte("hello, world! this spans more than one piece if piece length is small")
	ih := buildInfoHash("hello.txt", data, 16)

	for i := range ih.Pieces {
		size, err := ih.PieceSize(uint32(i))
		if err != nil {
			t.Fatalf("PieceSize: %v", err)
		}
		start := i * int(ih.PieceLength)
		piece := data[start : start+size]
		if err := s.WritePiece(ih, uint32(i), piece); err != nil {
			t.Fatalf("WritePiece(%d): %v", i, err)
		}
	}

	if !s.IsComplete(ih) {
		t.Fatalf("expected assembly to be complete")
	}

	if err := s.Finalize(ih); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	got, err := ioutil.ReadFile(filepath.Join(s.filesDir, "hello.txt"))
	if err != nil {
		t.Fatalf("read finalized file: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("finalized bytes mismatch")
	}
}

func TestEmptyFileIsImmediatelyComplete(t *testing.T) {
	s, _, _ := newTestStore(t)
	ih := buildInfoHash("empty.txt", nil, 65536)

	if !s.IsComplete(ih) {
		t.Fatalf("zero-piece file should be immediately complete")
	}
	if err := s.Finalize(ih); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	info, err := os.Stat(filepath.Join(s.filesDir, "empty.txt"))
	if err != nil {
		t.Fatalf("stat finalized empty file: %v", err)
	}
	if info.Size() != 0 {
		t.Fatalf("expected empty finalized file, got size %d", info.Size())
	}
}

func TestFinalizeFailsIfCanonicalAlreadyExists(t *testing.T) {
	s, filesDir, _ := newTestStore(t)
	if err := os.MkdirAll(filesDir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := ioutil.WriteFile(filepath.Join(filesDir, "dup.txt"), []byte("x"), 0644); err != nil {
		t.Fatalf("seed canonical file: %v", err)
	}

	ih := buildInfoHash("dup.txt", []byte("x"), 65536)
	if err := s.WritePiece(ih, 0, []byte("x")); err != nil {
		t.Fatalf("WritePiece: %v", err)
	}

	if err := s.Finalize(ih); err == nil {
		t.Fatalf("expected Finalize to fail when canonical file already exists")
	}
}

func TestReadPieceShortLastPiece(t *testing.T) {
	s, filesDir, _ := newTestStore(t)
	if err := os.MkdirAll(filesDir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	data := []byte("0123456789") // 10 bytes, piece length 4 -> pieces of 4,4,2
	if err := ioutil.WriteFile(filepath.Join(filesDir, "seed.bin"), data, 0644); err != nil {
		t.Fatalf("seed file: %v", err)
	}
	ih := buildInfoHash("seed.bin", data, 4)

	last, err := s.ReadPiece(ih, uint32(len(ih.Pieces)-1))
	if err != nil {
		t.Fatalf("ReadPiece: %v", err)
	}
	if !bytes.Equal(last, []byte("89")) {
		t.Fatalf("expected short last piece %q, got %q", "89", last)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	s, _, _ := newTestStore(t)
	ih := buildInfoHash("gone.txt", []byte("x"), 65536)

	if err := s.Delete(ih); err != nil {
		t.Fatalf("Delete on nonexistent file should be a no-op, got: %v", err)
	}
	if err := s.Delete(ih); err != nil {
		t.Fatalf("second Delete should also be a no-op, got: %v", err)
	}
}

func TestFileHashRoundTripViaFilecache(t *testing.T) {
	s, filesDir, _ := newTestStore(t)
	data := bytes.Repeat([]byte{0x7}, 200)
	if err := ioutil.WriteFile(filepath.Join(filesDir, "cached.bin"), data, 0644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	if err := s.rebuildCatalog(); err != nil {
		t.Fatalf("rebuildCatalog: %v", err)
	}
	// The first scan persisted cached.bin's .filecache; the second loads
	// the entry back from that sidecar.
	if err := s.rebuildCatalog(); err != nil {
		t.Fatalf("second rebuildCatalog: %v", err)
	}

	catalog := s.Catalog()
	want := buildInfoHash("cached.bin", data, defaultCatalogPieceLength)
	got, ok := catalog[want.FileHash()]
	if !ok {
		t.Fatalf("expected cached.bin to be cataloged")
	}
	if got.Name != want.Name || got.FileLength != want.FileLength {
		t.Fatalf("catalog entry mismatch: got %+v, want %+v", got, want)
	}
}
