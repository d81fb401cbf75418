// file_backend.go
//
// Snapshot-file Backend.
// Committed images live in a single file that is memory-mapped read-only; an
// in-memory index maps *OID* → *record location* so that a read is a map
// look-up followed by one ReadAt on the mapping. Changes are staged in memory
// and Commit writes a complete new snapshot next to the old one, renames it
// into place and re-maps it, so a crash never leaves a half-written file
// behind.
//
// Layout (little-endian):
//
//	header  magic "OBJS" | version u32 | root u64 | nextOID u64 | count u32 | reserved u32
//	record  oid u64 | len u32 | crc32(data) u32 | data[len]
//
// Hot images are kept in an adaptive replacement cache (ARC) so repeated
// page reads do not hit the mapping.

package objstore

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"maps"
	"os"
	"runtime"
	"slices"
	"sync"

	"github.com/hashicorp/golang-lru/arc/v2"
	"golang.org/x/exp/mmap"
)

const (
	snapshotMagic   = "OBJS"
	snapshotVersion = 1

	snapshotHeaderSize = 32
	recordHeaderSize   = 16
)

// recordLoc locates one committed image inside the mapped snapshot.
type recordLoc struct {
	// off is the absolute offset of the image bytes, just past the record
	// header.
	off  int64
	size uint32
	crc  uint32
}

// fileBackend implements Backend over a snapshot file.
type fileBackend struct {
	path string

	mu sync.RWMutex

	// r is the read-only mapping of the committed snapshot; nil when the file
	// does not exist yet.
	r     *mmap.ReaderAt
	index map[OID]recordLoc

	root    OID
	nextOID OID
	pending staged

	// images caches committed images by OID. Staged writes never enter it.
	images *arc.ARCCache[OID, []byte]

	verifyCRC bool
	closed    bool
}

// NewFileBackend opens or creates the snapshot file at path. cacheSize bounds
// the number of images held in the read cache.
func NewFileBackend(path string, cacheSize int, verifyCRC bool) (Backend, error) {
	images, err := arc.NewARC[OID, []byte](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create ARC cache: %w", err)
	}
	b := &fileBackend{
		path:      path,
		index:     make(map[OID]recordLoc),
		nextOID:   1,
		pending:   newStaged(),
		images:    images,
		verifyCRC: verifyCRC,
	}
	if err := b.mapSnapshot(); err != nil {
		return nil, err
	}
	return b, nil
}

// mapSnapshot maps the file at b.path, if any, and rebuilds the index.
func (b *fileBackend) mapSnapshot() error {
	if _, err := os.Stat(b.path); errors.Is(err, os.ErrNotExist) {
		return nil
	} else if err != nil {
		return err
	}
	r, err := mmap.Open(b.path)
	if err != nil {
		return fmt.Errorf("mmap snapshot: %w", err)
	}
	if err := b.parseSnapshot(r); err != nil {
		_ = r.Close()
		return fmt.Errorf("parse snapshot %s: %w", b.path, err)
	}
	b.r = r
	return nil
}

// remapCommitted maps the committed snapshot again after a failed install.
// OIDs handed out since it was written stay allocated.
func (b *fileBackend) remapCommitted() error {
	next := b.nextOID
	if err := b.mapSnapshot(); err != nil {
		return fmt.Errorf("remap snapshot: %w", err)
	}
	b.nextOID = max(b.nextOID, next)
	return nil
}

func (b *fileBackend) parseSnapshot(r *mmap.ReaderAt) error {
	var hdr [snapshotHeaderSize]byte
	if _, err := r.ReadAt(hdr[:], 0); err != nil {
		return fmt.Errorf("%w: short header: %v", ErrCorruptObject, err)
	}
	if string(hdr[0:4]) != snapshotMagic {
		return fmt.Errorf("%w: bad magic %q", ErrCorruptObject, hdr[0:4])
	}
	if v := binary.LittleEndian.Uint32(hdr[4:8]); v != snapshotVersion {
		return fmt.Errorf("unsupported snapshot version %d", v)
	}
	b.root = OID(binary.LittleEndian.Uint64(hdr[8:16]))
	b.nextOID = OID(binary.LittleEndian.Uint64(hdr[16:24]))
	count := binary.LittleEndian.Uint32(hdr[24:28])

	index := make(map[OID]recordLoc, count)
	off := int64(snapshotHeaderSize)
	end := int64(r.Len())
	var rec [recordHeaderSize]byte
	for range count {
		if off+recordHeaderSize > end {
			return fmt.Errorf("%w: record header at %d past end of file", ErrCorruptObject, off)
		}
		if _, err := r.ReadAt(rec[:], off); err != nil {
			return err
		}
		oid := OID(binary.LittleEndian.Uint64(rec[0:8]))
		loc := recordLoc{
			off:  off + recordHeaderSize,
			size: binary.LittleEndian.Uint32(rec[8:12]),
			crc:  binary.LittleEndian.Uint32(rec[12:16]),
		}
		if loc.off+int64(loc.size) > end {
			return fmt.Errorf("%w: record %v extends past end of file", ErrCorruptObject, oid)
		}
		index[oid] = loc
		off = loc.off + int64(loc.size)
	}
	b.index = index
	return nil
}

// readCommitted copies the committed image of oid out of the mapping.
func (b *fileBackend) readCommitted(oid OID) ([]byte, error) {
	if img, ok := b.images.Get(oid); ok {
		return slices.Clone(img), nil
	}
	loc, ok := b.index[oid]
	if !ok || b.r == nil {
		return nil, fmt.Errorf("read %v: %w", oid, ErrObjectNotFound)
	}
	img := make([]byte, loc.size)
	if _, err := b.r.ReadAt(img, loc.off); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read %v: %w", oid, err)
	}
	if b.verifyCRC {
		if got := crc32.ChecksumIEEE(img); got != loc.crc {
			return nil, fmt.Errorf("read %v: %w: want %08x, got %08x", oid, ErrChecksumMismatch, loc.crc, got)
		}
	}
	b.images.Add(oid, img)
	return slices.Clone(img), nil
}

func (b *fileBackend) Read(oid OID) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrStorageClosed
	}
	if img, found := b.pending.lookup(oid); found {
		if img == nil {
			return nil, fmt.Errorf("read %v: %w", oid, ErrObjectNotFound)
		}
		return slices.Clone(img), nil
	}
	return b.readCommitted(oid)
}

func (b *fileBackend) Write(oid OID, image []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrStorageClosed
	}
	b.pending.write(oid, image)
	return nil
}

func (b *fileBackend) Free(oid OID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrStorageClosed
	}
	b.pending.free(oid)
	return nil
}

func (b *fileBackend) AllocateOID() (OID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, ErrStorageClosed
	}
	oid := b.nextOID
	b.nextOID++
	return oid, nil
}

func (b *fileBackend) Root() OID {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.pending.dirty {
		return b.pending.root
	}
	return b.root
}

func (b *fileBackend) SetRoot(oid OID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrStorageClosed
	}
	b.pending.root = oid
	b.pending.dirty = true
	return nil
}

// Commit writes a new snapshot containing every committed image that was not
// overwritten or freed plus all staged writes, then swaps it in.
func (b *fileBackend) Commit() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrStorageClosed
	}
	if b.r != nil && len(b.pending.writes) == 0 && len(b.pending.frees) == 0 && !b.pending.dirty {
		return nil
	}

	root := b.root
	if b.pending.dirty {
		root = b.pending.root
	}

	live := make(map[OID]struct{}, len(b.index)+len(b.pending.writes))
	for oid := range b.index {
		live[oid] = struct{}{}
	}
	for oid := range b.pending.writes {
		live[oid] = struct{}{}
	}
	for oid := range b.pending.frees {
		delete(live, oid)
	}
	oids := slices.Sorted(maps.Keys(live))

	tmp := b.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create snapshot: %w", err)
	}
	defer func() {
		if f != nil {
			_ = f.Close()
			_ = os.Remove(tmp)
		}
	}()

	w := bufio.NewWriterSize(f, 64<<10)
	var hdr [snapshotHeaderSize]byte
	copy(hdr[0:4], snapshotMagic)
	binary.LittleEndian.PutUint32(hdr[4:8], snapshotVersion)
	binary.LittleEndian.PutUint64(hdr[8:16], uint64(root))
	binary.LittleEndian.PutUint64(hdr[16:24], uint64(b.nextOID))
	binary.LittleEndian.PutUint32(hdr[24:28], uint32(len(oids)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("write snapshot header: %w", err)
	}

	var rec [recordHeaderSize]byte
	for _, oid := range oids {
		img, ok := b.pending.writes[oid]
		if !ok {
			if img, err = b.readCommitted(oid); err != nil {
				return err
			}
		}
		binary.LittleEndian.PutUint64(rec[0:8], uint64(oid))
		binary.LittleEndian.PutUint32(rec[8:12], uint32(len(img)))
		binary.LittleEndian.PutUint32(rec[12:16], crc32.ChecksumIEEE(img))
		if _, err := w.Write(rec[:]); err != nil {
			return fmt.Errorf("write record %v: %w", oid, err)
		}
		if _, err := w.Write(img); err != nil {
			return fmt.Errorf("write record %v: %w", oid, err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush snapshot: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close snapshot: %w", err)
	}
	f = nil

	// Windows refuses to replace a mapped file, so the old mapping goes first
	// there. Elsewhere it stays until the rename succeeded and keeps serving
	// the committed images if it does not.
	if b.r != nil && runtime.GOOS == "windows" {
		if err := b.r.Close(); err != nil {
			_ = os.Remove(tmp)
			return fmt.Errorf("unmap snapshot: %w", err)
		}
		b.r = nil
	}
	if err := os.Rename(tmp, b.path); err != nil {
		_ = os.Remove(tmp)
		if b.r == nil && len(b.index) > 0 {
			if rerr := b.remapCommitted(); rerr != nil {
				return errors.Join(fmt.Errorf("install snapshot: %w", err), rerr)
			}
		}
		return fmt.Errorf("install snapshot: %w", err)
	}
	if b.r != nil {
		_ = b.r.Close()
		b.r = nil
	}

	for oid := range b.pending.writes {
		b.images.Remove(oid)
	}
	for oid := range b.pending.frees {
		b.images.Remove(oid)
	}
	b.pending.reset()
	return b.mapSnapshot()
}

func (b *fileBackend) Discard() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending.reset()
	return nil
}

func (b *fileBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.images.Purge()
	if b.r != nil {
		err := b.r.Close()
		b.r = nil
		return err
	}
	return nil
}
