// Package objstore provides an embedded persistent object store whose objects
// are transparently paged between memory and a backing Backend, together with
// a persistent R-tree for locating objects by region or proximity.
//
// Two subsystems do the heavy lifting:
//
//   - an object identity cache that maps every OID to the one live in-memory
//     instance for it. Entries are held weakly so the garbage collector can
//     reclaim idle objects, a bounded pin list keeps recently used clean
//     objects alive, and a dirty list keeps modified objects alive until they
//     are flushed;
//   - an R-tree (Guttman, quadratic split, deletion by forced reinsertion)
//     whose pages are ordinary persistent objects, so every page dereference
//     goes through the identity cache.
//
// Typical usage:
//
//	s, err := objstore.OpenFile("places.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer s.Close()
//
//	tree, err := objstore.NewRTree(s)
//	// handle err…
//	err = tree.Insert(objstore.NewRect(0, 0, 10, 10), place)
//	// handle err…
//	err = s.Commit()
//
// Application types take part by embedding Persistent and implementing
// encoding.BinaryMarshaler / encoding.BinaryUnmarshaler, and by registering a
// factory with Storage.Register.
//
// The cache is safe for concurrent use. The R-tree assumes a single writer at
// a time; concurrent readers are fine as long as no insert or remove runs in
// parallel. Iterators detect, but do not prevent, such interleavings.
package objstore

import (
	"encoding"
	"fmt"
	"sync/atomic"
)

// OID identifies a persistent object independently of its in-memory location.
//
// The zero OID means "not yet persistent".
type OID uint64

// String renders the OID in the form used by log and error messages.
func (o OID) String() string { return fmt.Sprintf("#%d", uint64(o)) }

// Object is the contract every value managed by a Storage satisfies.
//
// Application types satisfy it by embedding Persistent (which supplies OID and
// the unexported base accessor) and implementing the binary marshaling pair.
// MarshalBinary is called when the object is flushed; UnmarshalBinary is
// called on a freshly constructed instance (or on the cached instance during
// a reload) with the bytes previously produced by MarshalBinary.
type Object interface {
	OID() OID
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler

	base() *Persistent
}

// Object state bits.
const (
	stateLoaded uint32 = 1 << iota
	stateDirty
	stateDeleted
)

// Persistent is the embeddable base of every persistent object. The zero value
// is a transient object; Storage.MakePersistent attaches it to a store.
//
// A Persistent must only be used embedded in the struct that implements
// Object, and only by value of that struct's pointer.
type Persistent struct {
	oid   OID
	store *Storage

	// self points back at the embedding object so that the store can recover
	// it from the weak reference it keeps to this header.
	self  Object
	state atomic.Uint32
}

func (p *Persistent) base() *Persistent { return p }

// OID returns the object identifier, or 0 when the object is transient.
func (p *Persistent) OID() OID { return p.oid }

// Storage returns the store the object is attached to, or nil.
func (p *Persistent) Storage() *Storage { return p.store }

// IsPersistent reports whether the object has been assigned an OID.
func (p *Persistent) IsPersistent() bool { return p.oid != 0 }

// IsModified reports whether the object has unflushed changes.
func (p *Persistent) IsModified() bool { return p.state.Load()&stateDirty != 0 }

// IsLoaded reports whether the in-memory state reflects the stored image.
// Transient objects are always considered loaded.
func (p *Persistent) IsLoaded() bool { return p.oid == 0 || p.state.Load()&stateLoaded != 0 }

// IsDeleted reports whether the object was deallocated.
func (p *Persistent) IsDeleted() bool { return p.state.Load()&stateDeleted != 0 }

// Modify must be called by every method that changes a persisted field. It
// places the object on the cache's dirty list so that it survives until the
// next Commit. Calling Modify on a transient object is a no-op; the object
// is written when it first becomes persistent.
func (p *Persistent) Modify() {
	if p.store == nil || p.oid == 0 || p.state.Load()&stateDeleted != 0 || p.store.closed.Load() {
		return
	}
	if p.state.Or(stateDirty)&stateDirty != 0 {
		return
	}
	p.store.cache.setDirty(p.self)
}

// Load re-reads the object's state from the backend, overwriting any
// in-memory changes.
func (p *Persistent) Load() error {
	if p.store == nil || p.oid == 0 {
		return fmt.Errorf("load %v: %w", p.oid, ErrNotPersistent)
	}
	return p.store.load(p.self)
}

// Store writes the object's current image to the backend immediately and
// takes it off the dirty list.
func (p *Persistent) Store() error {
	if p.store == nil || p.oid == 0 {
		return fmt.Errorf("store %v: %w", p.oid, ErrNotPersistent)
	}
	return p.store.Store(p.self)
}

// Invalidate discards the in-memory state; the next Storage.Get of this OID
// reloads it from the backend into the same instance. A pending modification
// stays queued and is written from whatever state the object holds at flush.
func (p *Persistent) Invalidate() {
	p.state.And(^stateLoaded)
}

// Deallocate releases the OID and the stored image permanently.
func (p *Persistent) Deallocate() error {
	if p.store == nil || p.oid == 0 {
		return fmt.Errorf("deallocate %v: %w", p.oid, ErrNotPersistent)
	}
	return p.store.Deallocate(p.self)
}

// attach binds p to store s under oid.
func (p *Persistent) attach(s *Storage, oid OID, self Object) {
	p.store = s
	p.oid = oid
	p.self = self
}
