// Package filestore locates pieces for seeding, writes pieces into a sparse
// scratch file with a per-piece completion bitmap, and finalizes completed
// downloads into the canonical files directory. It is the only component
// that touches the filesystem on behalf of the data plane.
//
// Grounded on this codebase's anacrolix/torrent storage.ClientImplCloser
// split-path adapter: piece-indexed ReadAt/WriteAt plus a completion
// tracker, here backed by a flat .info bitmap instead of Postgres, and a
// bencode-serialized .filecache sidecar instead of a database row.
package filestore

import (
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/anacrolix/torrent/bencode"
	"github.com/fsnotify/fsnotify"
)

// HashSize is the length in bytes of a SHA-1 digest.
const HashSize = 20

// FileHash is the 20-byte content address of a file.
type FileHash [HashSize]byte

func (h FileHash) String() string {
	return fmt.Sprintf("%x", h[:])
}

// ParseFileHash parses the hex form produced by FileHash.String.
func ParseFileHash(s string) (FileHash, error) {
	var h FileHash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("filestore: invalid file hash %q: %w", s, err)
	}
	if len(b) != HashSize {
		return h, fmt.Errorf("filestore: file hash %q has wrong length %d", s, len(b))
	}
	copy(h[:], b)
	return h, nil
}

// InfoHash is the structured metadata record describing a file.
type InfoHash struct {
	Name        string
	FileLength  uint64
	PieceLength uint32
	Pieces      [][HashSize]byte
}

// NumPieces returns len(Pieces), the authoritative piece count.
func (ih InfoHash) NumPieces() int {
	return len(ih.Pieces)
}

// PieceSize returns the size in bytes of the piece at index, accounting for
// a possibly-short last piece.
func (ih InfoHash) PieceSize(index uint32) (int, error) {
	n := ih.NumPieces()
	if int(index) >= n {
		return 0, fmt.Errorf("filestore: piece index %d out of range (%d pieces)", index, n)
	}
	if int(index) == n-1 {
		last := ih.FileLength - uint64(ih.PieceLength)*uint64(n-1)
		return int(last), nil
	}
	return int(ih.PieceLength), nil
}

// FileHash computes the content address: SHA-1 of
// (name || file_length BE u64 || piece_length BE u32 || piece hashes concatenated).
func (ih InfoHash) FileHash() FileHash {
	h := sha1.New()
	h.Write([]byte(ih.Name))
	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], ih.FileLength)
	h.Write(lenBuf[:])
	var pieceLenBuf [4]byte
	binary.BigEndian.PutUint32(pieceLenBuf[:], ih.PieceLength)
	h.Write(pieceLenBuf[:])
	for _, p := range ih.Pieces {
		h.Write(p[:])
	}
	var out FileHash
	copy(out[:], h.Sum(nil))
	return out
}

// HashPiece returns the SHA-1 digest of raw piece bytes.
func HashPiece(b []byte) [HashSize]byte {
	var out [HashSize]byte
	sum := sha1.Sum(b)
	copy(out[:], sum[:])
	return out
}

type filecacheRecord struct {
	Name        string `bencode:"name"`
	FileLength  int64  `bencode:"file_length"`
	PieceLength int32  `bencode:"piece_length"`
	Pieces      []byte `bencode:"pieces"`
}

func toRecord(ih InfoHash) filecacheRecord {
	pieces := make([]byte, 0, len(ih.Pieces)*HashSize)
	for _, p := range ih.Pieces {
		pieces = append(pieces, p[:]...)
	}
	return filecacheRecord{
		Name:        ih.Name,
		FileLength:  int64(ih.FileLength),
		PieceLength: int32(ih.PieceLength),
		Pieces:      pieces,
	}
}

func fromRecord(r filecacheRecord) (InfoHash, error) {
	if len(r.Pieces)%HashSize != 0 {
		return InfoHash{}, fmt.Errorf("filestore: corrupt filecache, pieces length %d not a multiple of %d", len(r.Pieces), HashSize)
	}
	n := len(r.Pieces) / HashSize
	pieces := make([][HashSize]byte, n)
	for i := 0; i < n; i++ {
		copy(pieces[i][:], r.Pieces[i*HashSize:(i+1)*HashSize])
	}
	return InfoHash{
		Name:        r.Name,
		FileLength:  uint64(r.FileLength),
		PieceLength: uint32(r.PieceLength),
		Pieces:      pieces,
	}, nil
}

// bitmapState is the in-memory mirror of a .info sidecar: one byte per
// piece, flipped to 1 on acceptance. Held behind its own mutex so writes
// for distinct indices never block each other for long, and is_complete
// never observes a torn write.
type bitmapState struct {
	mu   sync.Mutex
	bits []byte
}

func newBitmapState(n int) *bitmapState {
	return &bitmapState{bits: make([]byte, n)}
}

func (b *bitmapState) set(index int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if index >= 0 && index < len(b.bits) {
		b.bits[index] = 1
	}
}

func (b *bitmapState) isComplete() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, v := range b.bits {
		if v != 1 {
			return false
		}
	}
	return true
}

func (b *bitmapState) snapshot() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, len(b.bits))
	copy(out, b.bits)
	return out
}

// Store implements the file-store adapter (C2). It is safe for concurrent
// use by many scheduler instances working on distinct files.
type Store struct {
	filesDir string
	cacheDir string

	catalogMu sync.RWMutex
	catalog   map[FileHash]InfoHash

	bitmapsMu sync.Mutex
	bitmaps   map[FileHash]*bitmapState

	watcher *fsnotify.Watcher
}

// New creates a Store rooted at filesDir (canonical completed files) and
// cacheDir (scratch .part/.info/.filecache artifacts), both created if
// missing, and performs an initial catalog scan.
func New(filesDir, cacheDir string) (*Store, error) {
	if err := os.MkdirAll(filesDir, 0755); err != nil {
		return nil, fmt.Errorf("filestore: mkdir files dir: %w", err)
	}
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return nil, fmt.Errorf("filestore: mkdir cache dir: %w", err)
	}

	s := &Store{
		filesDir: filesDir,
		cacheDir: cacheDir,
		catalog:  make(map[FileHash]InfoHash),
		bitmaps:  make(map[FileHash]*bitmapState),
	}

	if err := s.rebuildCatalog(); err != nil {
		return nil, err
	}

	if w, err := fsnotify.NewWatcher(); err == nil {
		if err := w.Add(filesDir); err == nil {
			s.watcher = w
			go s.watchLoop()
		} else {
			log.Printf("[filestore] could not watch %s: %v (catalog will only refresh on restart)", filesDir, err)
			w.Close()
		}
	} else {
		log.Printf("[filestore] fsnotify unavailable: %v (catalog will only refresh on restart)", err)
	}

	return s, nil
}

// Close stops the directory watch.
func (s *Store) Close() error {
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

func (s *Store) watchLoop() {
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Write|fsnotify.Rename) != 0 {
				log.Printf("[filestore] detected out-of-band change: %s", event)
				if err := s.rebuildCatalog(); err != nil {
					log.Printf("[filestore] catalog rebuild after fs event failed: %v", err)
				}
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[filestore] watcher error: %v", err)
		}
	}
}

func (s *Store) filecachePath(name string) string {
	return filepath.Join(s.cacheDir, name+".filecache")
}

func (s *Store) partPath(name string) string {
	return filepath.Join(s.cacheDir, name+".part")
}

func (s *Store) infoPath(name string) string {
	return filepath.Join(s.cacheDir, name+".info")
}

func (s *Store) canonicalPath(name string) string {
	return filepath.Join(s.filesDir, name)
}

// rebuildCatalog scans the canonical directory, trusting a .filecache
// sidecar when present, and computing/caching an InfoHash (with a fixed
// 64KB piece length) for any canonical file lacking one.
func (s *Store) rebuildCatalog() error {
	entries, err := ioutil.ReadDir(s.filesDir)
	if err != nil {
		return fmt.Errorf("filestore: scan files dir: %w", err)
	}

	next := make(map[FileHash]InfoHash, len(entries))

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()

		ih, err := s.loadOrComputeInfoHash(name)
		if err != nil {
			log.Printf("[filestore] skipping %s: %v", name, err)
			continue
		}
		next[ih.FileHash()] = ih
	}

	s.catalogMu.Lock()
	s.catalog = next
	s.catalogMu.Unlock()
	return nil
}

const defaultCatalogPieceLength = 1 << 16 // 65536

func (s *Store) loadOrComputeInfoHash(name string) (InfoHash, error) {
	cachePath := s.filecachePath(name)
	if data, err := ioutil.ReadFile(cachePath); err == nil {
		var rec filecacheRecord
		if err := bencode.Unmarshal(data, &rec); err == nil {
			if ih, err := fromRecord(rec); err == nil {
				return ih, nil
			}
		}
	}

	ih, err := ComputeInfoHash(s.canonicalPath(name), name, defaultCatalogPieceLength)
	if err != nil {
		return InfoHash{}, err
	}
	if err := s.writeFilecache(ih); err != nil {
		log.Printf("[filestore] could not persist filecache for %s: %v", name, err)
	}
	return ih, nil
}

func (s *Store) writeFilecache(ih InfoHash) error {
	data, err := bencode.Marshal(toRecord(ih))
	if err != nil {
		return err
	}
	return ioutil.WriteFile(s.filecachePath(ih.Name), data, 0644)
}

// ComputeInfoHash hashes every piece of an existing file on disk into an
// InfoHash. Exported so a standalone cataloging tool can invoke it directly.
func ComputeInfoHash(path, name string, pieceLength uint32) (InfoHash, error) {
	f, err := os.Open(path)
	if err != nil {
		return InfoHash{}, fmt.Errorf("filestore: open %s: %w", path, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return InfoHash{}, fmt.Errorf("filestore: stat %s: %w", path, err)
	}
	fileLength := uint64(fi.Size())

	numPieces := 0
	if fileLength > 0 {
		numPieces = int((fileLength + uint64(pieceLength) - 1) / uint64(pieceLength))
	}

	pieces := make([][HashSize]byte, numPieces)
	buf := make([]byte, pieceLength)
	for i := 0; i < numPieces; i++ {
		n, err := io.ReadFull(f, buf)
		if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
			return InfoHash{}, fmt.Errorf("filestore: read piece %d of %s: %w", i, path, err)
		}
		pieces[i] = HashPiece(buf[:n])
	}

	return InfoHash{Name: name, FileLength: fileLength, PieceLength: pieceLength, Pieces: pieces}, nil
}

// Catalog returns all known files, keyed by FileHash.
func (s *Store) Catalog() map[FileHash]InfoHash {
	s.catalogMu.RLock()
	defer s.catalogMu.RUnlock()
	out := make(map[FileHash]InfoHash, len(s.catalog))
	for k, v := range s.catalog {
		out[k] = v
	}
	return out
}

// ReadPiece returns exactly the piece's bytes from the canonical file.
func (s *Store) ReadPiece(ih InfoHash, index uint32) ([]byte, error) {
	size, err := ih.PieceSize(index)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(s.canonicalPath(ih.Name))
	if err != nil {
		return nil, fmt.Errorf("filestore: open canonical file: %w", err)
	}
	defer f.Close()

	buf := make([]byte, size)
	offset := int64(index) * int64(ih.PieceLength)
	if _, err := f.ReadAt(buf, offset); err != nil && err != io.EOF {
		return nil, fmt.Errorf("filestore: read piece %d: %w", index, err)
	}
	return buf, nil
}

func (s *Store) bitmapFor(ih InfoHash) *bitmapState {
	fh := ih.FileHash()
	s.bitmapsMu.Lock()
	defer s.bitmapsMu.Unlock()
	b, ok := s.bitmaps[fh]
	if !ok {
		b = s.loadOrCreateBitmap(ih)
		s.bitmaps[fh] = b
	}
	return b
}

func (s *Store) loadOrCreateBitmap(ih InfoHash) *bitmapState {
	if data, err := ioutil.ReadFile(s.infoPath(ih.Name)); err == nil && len(data) == ih.NumPieces() {
		b := &bitmapState{bits: data}
		return b
	}
	return newBitmapState(ih.NumPieces())
}

// WritePiece writes piece bytes into the sparse scratch file at
// index*piece_length, then flips the bitmap byte for that index. Writes for
// distinct indices may interleave safely: WriteAt positions independently
// per call, and the bitmap flip is a short, independently-locked operation.
func (s *Store) WritePiece(ih InfoHash, index uint32, data []byte) error {
	size, err := ih.PieceSize(index)
	if err != nil {
		return err
	}
	if len(data) != size {
		return fmt.Errorf("filestore: piece %d expected %d bytes, got %d", index, size, len(data))
	}

	f, err := os.OpenFile(s.partPath(ih.Name), os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("filestore: open scratch file: %w", err)
	}
	defer f.Close()

	offset := int64(index) * int64(ih.PieceLength)
	if _, err := f.WriteAt(data, offset); err != nil {
		return fmt.Errorf("filestore: write piece %d: %w", index, err)
	}

	b := s.bitmapFor(ih)
	b.set(int(index))
	if err := ioutil.WriteFile(s.infoPath(ih.Name), b.snapshot(), 0644); err != nil {
		log.Printf("[filestore] could not persist bitmap for %s: %v", ih.Name, err)
	}

	return nil
}

// IsComplete reports whether every bitmap byte is 1. An empty bitmap
// (zero-piece / zero-length file) is immediately complete.
func (s *Store) IsComplete(ih InfoHash) bool {
	if ih.NumPieces() == 0 {
		return true
	}
	return s.bitmapFor(ih).isComplete()
}

// Finalize renames the scratch file into the canonical location and
// removes the bitmap sidecar. Only valid once IsComplete is true; fails if
// the canonical file already exists.
func (s *Store) Finalize(ih InfoHash) error {
	if !s.IsComplete(ih) {
		return fmt.Errorf("filestore: cannot finalize %s, assembly incomplete", ih.Name)
	}

	canonical := s.canonicalPath(ih.Name)
	if _, err := os.Stat(canonical); err == nil {
		return fmt.Errorf("filestore: canonical file %s already exists", canonical)
	}

	if ih.NumPieces() == 0 {
		f, err := os.Create(canonical)
		if err != nil {
			return fmt.Errorf("filestore: create empty canonical file: %w", err)
		}
		f.Close()
	} else {
		if err := os.Rename(s.partPath(ih.Name), canonical); err != nil {
			return fmt.Errorf("filestore: finalize rename: %w", err)
		}
	}

	os.Remove(s.infoPath(ih.Name))

	s.bitmapsMu.Lock()
	delete(s.bitmaps, ih.FileHash())
	s.bitmapsMu.Unlock()

	if err := s.writeFilecache(ih); err != nil {
		log.Printf("[filestore] could not write filecache for finalized %s: %v", ih.Name, err)
	}

	s.catalogMu.Lock()
	s.catalog[ih.FileHash()] = ih
	s.catalogMu.Unlock()

	return nil
}

// Delete removes the canonical file and all scratch artifacts. Idempotent.
func (s *Store) Delete(ih InfoHash) error {
	os.Remove(s.canonicalPath(ih.Name))
	os.Remove(s.partPath(ih.Name))
	os.Remove(s.infoPath(ih.Name))
	os.Remove(s.filecachePath(ih.Name))

	s.bitmapsMu.Lock()
	delete(s.bitmaps, ih.FileHash())
	s.bitmapsMu.Unlock()

	s.catalogMu.Lock()
	delete(s.catalog, ih.FileHash())
	s.catalogMu.Unlock()

	return nil
}
