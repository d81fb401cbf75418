// cache.go
//
// Object identity cache.
// The cache maps *OID* → *the one live in-memory instance* so that repeated
// look-ups of the same OID never materialize a second copy. Entries are held
// through weak pointers: an object nobody references can be reclaimed by the
// garbage collector and is re-read from the backend on the next access.
//
// Two lists override weak retention. The pin list is a bounded LRU of clean
// objects that were recently touched; it prevents an object from being
// reclaimed and re-materialized immediately after use. The dirty list holds
// every modified object until it has been flushed, so no change can be lost to
// reclamation. An entry is on at most one of the two lists.
//
// Buckets are chained; the table grows in two phases, first sweeping entries
// whose referent has been collected and doubling only when the sweep alone did
// not free enough room.

package objstore

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"weak"

	list "github.com/bahlo/generic-list-go"
	"github.com/dgryski/go-farm"
	"github.com/hashicorp/golang-lru/v2/simplelru"
)

const (
	minCacheCapacity = 16

	// loadFactorNum / loadFactorDen is the fill ratio that triggers growth.
	loadFactorNum = 3
	loadFactorDen = 4
)

// cacheEntry tracks a single OID.
type cacheEntry struct {
	oid OID

	// ref is the weak reference to the object's Persistent header. It is the
	// only reference the cache holds while the entry is on neither list.
	ref weak.Pointer[Persistent]

	// strong is non-nil exactly while the entry is pinned or dirty.
	strong Object

	pinned bool
	dirty  *list.Element[*cacheEntry]

	// next chains entries that hash to the same bucket.
	next *cacheEntry
}

// object returns the live instance or nil when it has been reclaimed.
func (e *cacheEntry) object() Object {
	if e.strong != nil {
		return e.strong
	}
	if p := e.ref.Value(); p != nil {
		return p.self
	}
	return nil
}

// objectCache is the identity map shared by a Storage.
//
// Every method takes mu for its whole duration, except flush and reload which
// release it around calls back into the store so that those calls may
// re-enter the cache.
type objectCache struct {
	mu sync.Mutex

	table     []*cacheEntry
	count     int // entries in table, live or not yet swept
	threshold int

	pinLimit int
	// pinned is nil when pinLimit is 0.
	pinned *simplelru.LRU[OID, *cacheEntry]
	// dirty is ordered by the time an entry was first dirtied; flush drains it
	// from the front.
	dirty *list.List[*cacheEntry]

	log *slog.Logger
}

func newObjectCache(capacity, pinLimit int, log *slog.Logger) (*objectCache, error) {
	if pinLimit < 0 {
		return nil, fmt.Errorf("pin limit must not be negative, got %d", pinLimit)
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	size := minCacheCapacity
	for size < capacity {
		size <<= 1
	}
	c := &objectCache{
		table:     make([]*cacheEntry, size),
		threshold: size * loadFactorNum / loadFactorDen,
		pinLimit:  pinLimit,
		dirty:     list.New[*cacheEntry](),
		log:       log,
	}
	if pinLimit > 0 {
		lru, err := simplelru.NewLRU[OID, *cacheEntry](pinLimit, c.unpinned)
		if err != nil {
			return nil, fmt.Errorf("create pin list: %w", err)
		}
		c.pinned = lru
	}
	return c, nil
}

// unpinned is the pin list's eviction callback. It runs with mu held.
func (c *objectCache) unpinned(_ OID, e *cacheEntry) {
	e.pinned = false
	if e.dirty == nil {
		e.strong = nil
	}
}

func (c *objectCache) bucket(oid OID, n int) int {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(oid))
	return int(farm.Hash64(buf[:]) & uint64(n-1))
}

func (c *objectCache) lookup(oid OID) *cacheEntry {
	for e := c.table[c.bucket(oid, len(c.table))]; e != nil; e = e.next {
		if e.oid == oid {
			return e
		}
	}
	return nil
}

// get returns the live instance for oid, or nil. A clean object is moved to
// the most-recently-used end of the pin list.
func (c *objectCache) get(oid OID) Object {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.lookup(oid)
	if e == nil {
		return nil
	}
	obj := e.object()
	if obj == nil {
		return nil
	}
	if c.pinned != nil && e.dirty == nil {
		c.pin(e, obj)
	}
	return obj
}

func (c *objectCache) pin(e *cacheEntry, obj Object) {
	e.strong = obj
	e.pinned = true
	c.pinned.Add(e.oid, e)
}

// put registers obj under oid and returns the instance the cache now holds
// for it. An entry whose object has been reclaimed is replaced; a live entry
// for a different instance wins, so that concurrent misses on the same OID
// still converge on one instance.
func (c *objectCache) put(oid OID, obj Object) Object {
	c.mu.Lock()
	defer c.mu.Unlock()

	i := c.bucket(oid, len(c.table))
	for e := c.table[i]; e != nil; e = e.next {
		if e.oid != oid {
			continue
		}
		if live := e.object(); live != nil {
			return live
		}
		c.detach(e)
		e.ref = weak.Make(obj.base())
		return obj
	}

	c.table[i] = &cacheEntry{oid: oid, ref: weak.Make(obj.base()), next: c.table[i]}
	c.count++
	if c.count > c.threshold {
		c.grow()
	}
	return obj
}

// detach takes e off both lists and drops its strong reference.
func (c *objectCache) detach(e *cacheEntry) {
	if e.pinned {
		c.pinned.Remove(e.oid)
	}
	if e.dirty != nil {
		c.dirty.Remove(e.dirty)
		e.dirty = nil
	}
	e.pinned = false
	e.strong = nil
}

// grow sweeps out reclaimed entries and doubles the table only when the live
// count still exceeds half the threshold afterwards.
func (c *objectCache) grow() {
	before := c.count
	live := 0
	for i := range c.table {
		var prev *cacheEntry
		for e := c.table[i]; e != nil; e = e.next {
			if e.object() == nil {
				if prev == nil {
					c.table[i] = e.next
				} else {
					prev.next = e.next
				}
				continue
			}
			live++
			prev = e
		}
	}
	c.count = live

	if live <= c.threshold/2 {
		c.log.Debug("object cache compacted", "swept", before-live, "live", live, "capacity", len(c.table))
		return
	}

	table := make([]*cacheEntry, len(c.table)*2)
	for _, head := range c.table {
		for e := head; e != nil; {
			next := e.next
			j := c.bucket(e.oid, len(table))
			e.next = table[j]
			table[j] = e
			e = next
		}
	}
	c.table = table
	c.threshold = len(table) * loadFactorNum / loadFactorDen
	c.log.Debug("object cache grown", "swept", before-live, "live", live, "capacity", len(table))
}

// setDirty moves obj onto the dirty list. The object must have an entry;
// anything else is a bookkeeping defect in the caller.
func (c *objectCache) setDirty(obj Object) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.lookup(obj.OID())
	if e == nil || e.object() != obj {
		panic(fmt.Sprintf("objstore: object %v marked dirty but not registered in the cache", obj.OID()))
	}
	if e.dirty != nil {
		return
	}
	e.dirty = c.dirty.PushBack(e)
	e.strong = obj
	if e.pinned {
		c.pinned.Remove(e.oid)
	}
}

// clearDirty takes obj off the dirty list after it was stored. The object
// returns to the pin list when pinning is enabled, otherwise to weak
// retention.
func (c *objectCache) clearDirty(obj Object) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.lookup(obj.OID())
	if e == nil || e.object() != obj {
		return
	}
	if e.dirty != nil {
		c.dirty.Remove(e.dirty)
		e.dirty = nil
	}
	if c.pinned != nil {
		c.pin(e, obj)
	} else {
		e.strong = nil
	}
}

// flush stores dirty objects, oldest first, until the dirty list is empty.
// Objects dirtied by a store call are appended and handled in the same pass.
// When store fails the entry goes back to the front and the error is
// returned.
func (c *objectCache) flush(store func(Object) error) (int, error) {
	stored := 0
	for {
		c.mu.Lock()
		front := c.dirty.Front()
		if front == nil {
			c.mu.Unlock()
			break
		}
		e := front.Value
		obj := e.strong
		c.dirty.Remove(front)
		e.dirty = nil
		e.strong = nil
		// A Modify from here on must queue the object again.
		obj.base().state.And(^stateDirty)
		c.mu.Unlock()

		if err := store(obj); err != nil {
			c.requeue(obj, true)
			return stored, fmt.Errorf("flush %v: %w", obj.OID(), err)
		}
		stored++
	}
	if stored > 0 {
		c.log.Debug("object cache flushed", "stored", stored)
	}
	return stored, nil
}

// requeue puts obj back on the dirty list after a failed store, at the front
// when front is set. It does nothing when obj is no longer tracked or was
// dirtied again in the meantime.
func (c *objectCache) requeue(obj Object, front bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.lookup(obj.OID())
	if e == nil || e.object() != obj || e.dirty != nil {
		return
	}
	if e.pinned {
		c.pinned.Remove(e.oid)
	}
	if front {
		e.dirty = c.dirty.PushFront(e)
	} else {
		e.dirty = c.dirty.PushBack(e)
	}
	e.strong = obj
	obj.base().state.Or(stateDirty)
}

// invalidate forgets every entry. Live objects lose their loaded and dirty
// state so that a later access reloads them.
func (c *objectCache) invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, head := range c.table {
		for e := head; e != nil; e = e.next {
			if obj := e.object(); obj != nil {
				p := obj.base()
				p.Invalidate()
				p.state.And(^stateDirty)
			}
		}
	}
	if c.pinned != nil {
		c.pinned.Purge()
	}
	c.dirty.Init()
	clear(c.table)
	c.count = 0
}

// reload re-reads every reachable object. Pending modifications are dropped.
// An object that fails to load (typically one created by a transaction that
// never committed) is removed from the cache; the failure is not reported.
func (c *objectCache) reload(load func(Object) error) {
	c.mu.Lock()
	var objs []Object
	for _, head := range c.table {
		for e := head; e != nil; e = e.next {
			obj := e.object()
			if obj == nil {
				continue
			}
			if e.dirty != nil {
				c.dirty.Remove(e.dirty)
				e.dirty = nil
				if !e.pinned {
					e.strong = nil
				}
			}
			obj.base().state.And(^stateDirty)
			objs = append(objs, obj)
		}
	}
	c.mu.Unlock()

	for _, obj := range objs {
		if err := load(obj); err != nil {
			c.log.Debug("dropping object that failed to reload", "oid", obj.OID(), "err", err)
			c.removeObject(obj)
			obj.base().state.Store(stateDeleted)
		}
	}
}

// remove drops the entry for oid. It reports whether one existed.
func (c *objectCache) remove(oid OID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unlink(oid, nil)
}

// removeObject drops the entry for obj's OID only if it still maps to obj.
func (c *objectCache) removeObject(obj Object) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unlink(obj.OID(), obj)
}

func (c *objectCache) unlink(oid OID, want Object) bool {
	i := c.bucket(oid, len(c.table))
	var prev *cacheEntry
	for e := c.table[i]; e != nil; e = e.next {
		if e.oid != oid {
			prev = e
			continue
		}
		if want != nil && e.object() != want {
			return false
		}
		c.detach(e)
		if prev == nil {
			c.table[i] = e.next
		} else {
			prev.next = e.next
		}
		c.count--
		return true
	}
	return false
}

// size returns the number of tracked entries, including reclaimed ones that
// have not been swept yet.
func (c *objectCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

func (c *objectCache) pinnedLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pinned == nil {
		return 0
	}
	return c.pinned.Len()
}

func (c *objectCache) dirtyLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dirty.Len()
}

func (c *objectCache) capacity() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.table)
}
