package objstore

import (
	"fmt"
	"maps"
	"slices"
	"sync"
)

// Backend persists object images by OID. Writes, frees and root changes are
// staged until Commit; Discard drops everything staged since the last Commit.
//
// Implementations must be safe for concurrent use.
type Backend interface {
	// Read returns the image stored for oid, reflecting staged changes. It
	// returns an error wrapping ErrObjectNotFound when there is none.
	Read(oid OID) ([]byte, error)

	// Write stages image as the new content of oid. The backend may retain
	// image; callers must not modify it afterwards.
	Write(oid OID, image []byte) error

	// Free stages the removal of oid.
	Free(oid OID) error

	// AllocateOID returns an OID that has never been handed out before.
	AllocateOID() (OID, error)

	// Root returns the OID registered with SetRoot, or 0.
	Root() OID
	SetRoot(oid OID) error

	Commit() error
	Discard() error
	Close() error
}

// staged holds uncommitted changes shared by both backends.
type staged struct {
	writes map[OID][]byte
	frees  map[OID]struct{}
	root   OID
	dirty  bool // root changed
}

func newStaged() staged {
	return staged{writes: make(map[OID][]byte), frees: make(map[OID]struct{})}
}

func (st *staged) write(oid OID, image []byte) {
	delete(st.frees, oid)
	st.writes[oid] = image
}

func (st *staged) free(oid OID) {
	delete(st.writes, oid)
	st.frees[oid] = struct{}{}
}

// lookup reports the staged state of oid: found is true when the staged
// changes decide the answer, in which case image is nil for a freed OID.
func (st *staged) lookup(oid OID) (image []byte, found bool) {
	if _, ok := st.frees[oid]; ok {
		return nil, true
	}
	if img, ok := st.writes[oid]; ok {
		return img, true
	}
	return nil, false
}

func (st *staged) reset() {
	clear(st.writes)
	clear(st.frees)
	st.dirty = false
}

// memBackend keeps committed images in a map. It is the backend of
// OpenMemory and of most tests.
type memBackend struct {
	mu        sync.RWMutex
	committed map[OID][]byte
	root      OID
	nextOID   OID
	pending   staged
	closed    bool
}

// NewMemoryBackend returns an empty in-memory Backend.
func NewMemoryBackend() Backend {
	return &memBackend{
		committed: make(map[OID][]byte),
		nextOID:   1,
		pending:   newStaged(),
	}
}

func (b *memBackend) Read(oid OID) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrStorageClosed
	}
	img, found := b.pending.lookup(oid)
	if !found {
		img, found = b.committed[oid]
	}
	if !found || img == nil {
		return nil, fmt.Errorf("read %v: %w", oid, ErrObjectNotFound)
	}
	return slices.Clone(img), nil
}

func (b *memBackend) Write(oid OID, image []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrStorageClosed
	}
	b.pending.write(oid, image)
	return nil
}

func (b *memBackend) Free(oid OID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrStorageClosed
	}
	b.pending.free(oid)
	return nil
}

func (b *memBackend) AllocateOID() (OID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, ErrStorageClosed
	}
	oid := b.nextOID
	b.nextOID++
	return oid, nil
}

func (b *memBackend) Root() OID {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.pending.dirty {
		return b.pending.root
	}
	return b.root
}

func (b *memBackend) SetRoot(oid OID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrStorageClosed
	}
	b.pending.root = oid
	b.pending.dirty = true
	return nil
}

func (b *memBackend) Commit() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrStorageClosed
	}
	maps.Copy(b.committed, b.pending.writes)
	for oid := range b.pending.frees {
		delete(b.committed, oid)
	}
	if b.pending.dirty {
		b.root = b.pending.root
	}
	b.pending.reset()
	return nil
}

func (b *memBackend) Discard() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending.reset()
	return nil
}

func (b *memBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
