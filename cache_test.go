package objstore

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObjectCache(t *testing.T) {
	t.Run("Identity", testCacheIdentity)
	t.Run("Pin List", testCachePinList)
	t.Run("Dirty List", testCacheDirtyList)
	t.Run("Flush", testCacheFlush)
	t.Run("Growth", testCacheGrowth)
	t.Run("Weak Retention", testCacheWeakRetention)
	t.Run("Invalidate and Reload", testCacheInvalidateReload)
	t.Run("Concurrency", testCacheConcurrency)
}

func testCacheIdentity(t *testing.T) {
	t.Run("Get Returns The Same Instance", func(t *testing.T) {
		s := openTestStorage(t)
		p := newPlace(t, s, "harbour")
		require.NoError(t, s.Commit())

		a, err := s.Get(p.OID())
		require.NoError(t, err)
		b, err := s.Get(p.OID())
		require.NoError(t, err)
		assert.Same(t, p, a, "Get must return the registered instance")
		assert.Same(t, a, b, "repeated Get must return the same instance")
	})

	t.Run("Put Keeps The Live Instance", func(t *testing.T) {
		s := openTestStorage(t)
		p := newPlace(t, s, "harbour")

		dup := &place{Name: "impostor"}
		dup.attach(s, p.OID(), dup)
		got := s.cache.put(p.OID(), dup)
		assert.Same(t, p, got, "a live entry must win over a second instance")
		assert.Equal(t, 1, s.CacheSize(), "no second entry may be created")
	})

	t.Run("Remove Reports Presence", func(t *testing.T) {
		s := openTestStorage(t)
		p := newPlace(t, s, "harbour")

		assert.True(t, s.cache.remove(p.OID()), "remove of a cached OID should report true")
		assert.False(t, s.cache.remove(p.OID()), "second remove should report false")
		assert.Nil(t, s.cache.get(p.OID()), "removed OID must not be found")
		assert.Zero(t, s.cache.dirtyLen(), "remove must take the entry off the dirty list")
	})
}

func testCachePinList(t *testing.T) {
	t.Run("Bounded By Pin Limit", func(t *testing.T) {
		s := openTestStorage(t, WithPinLimit(3))
		for i := range 10 {
			newPlace(t, s, fmt.Sprintf("p%d", i))
		}
		assert.Zero(t, s.cache.pinnedLen(), "dirty objects are never pinned")

		require.NoError(t, s.Commit())
		assert.Equal(t, 3, s.cache.pinnedLen(), "pin list must not exceed its limit")
		assert.Zero(t, s.cache.dirtyLen(), "commit must drain the dirty list")
	})

	t.Run("Get Moves To Most Recently Used", func(t *testing.T) {
		s := openTestStorage(t, WithPinLimit(2))
		a := newPlace(t, s, "a")
		b := newPlace(t, s, "b")
		require.NoError(t, s.Commit())

		_, err := s.Get(a.OID())
		require.NoError(t, err)
		c := newPlace(t, s, "c")
		require.NoError(t, s.Commit())

		assert.True(t, s.cache.pinned.Contains(a.OID()), "recently read object should stay pinned")
		assert.True(t, s.cache.pinned.Contains(c.OID()), "newest object should be pinned")
		assert.False(t, s.cache.pinned.Contains(b.OID()), "least recently used object should be unpinned")
	})

	t.Run("Zero Limit Disables Pinning", func(t *testing.T) {
		s := openTestStorage(t, WithPinLimit(0))
		p := newPlace(t, s, "a")
		require.NoError(t, s.Commit())
		_, err := s.Get(p.OID())
		require.NoError(t, err)
		assert.Zero(t, s.cache.pinnedLen())
		assert.Nil(t, s.cache.lookup(p.OID()).strong, "unpinned clean entry must be weak")
	})

	t.Run("Pinned And Dirty Are Exclusive", func(t *testing.T) {
		s := openTestStorage(t, WithPinLimit(4))
		p := newPlace(t, s, "a")
		require.NoError(t, s.Commit())
		require.Equal(t, 1, s.cache.pinnedLen())

		p.Visits++
		p.Modify()
		e := s.cache.lookup(p.OID())
		assert.False(t, e.pinned, "dirtied object must leave the pin list")
		assert.NotNil(t, e.dirty, "dirtied object must be on the dirty list")
		assert.Zero(t, s.cache.pinnedLen())

		require.NoError(t, s.Commit())
		assert.True(t, e.pinned, "flushed object returns to the pin list")
		assert.Nil(t, e.dirty)
	})
}

func testCacheDirtyList(t *testing.T) {
	t.Run("Modify Is Idempotent", func(t *testing.T) {
		s := openTestStorage(t)
		p := newPlace(t, s, "a")
		p.Modify()
		p.Modify()
		assert.Equal(t, 1, s.cache.dirtyLen(), "an object is queued once per dirty period")
		assert.True(t, p.IsModified())
	})

	t.Run("Dirty Object Survives Collection", func(t *testing.T) {
		s := openTestStorage(t, WithPinLimit(0))
		oid := func() OID {
			p := &place{Name: "unsaved", Visits: 7}
			oid, err := s.MakePersistent(p)
			require.NoError(t, err)
			return oid
		}()
		for range 3 {
			runtime.GC()
		}

		obj, err := s.Get(oid)
		require.NoError(t, err, "a never-committed dirty object must still be reachable")
		p := obj.(*place)
		assert.Equal(t, "unsaved", p.Name)
		assert.Equal(t, 7, p.Visits)
	})

	t.Run("Set Dirty On Unknown Object Panics", func(t *testing.T) {
		s := openTestStorage(t)
		stray := &place{}
		stray.attach(s, 999, stray)
		assert.Panics(t, func() { s.cache.setDirty(stray) }, "marking an unregistered object dirty is a defect")
	})

	t.Run("Modify On Transient Object Is A No-op", func(t *testing.T) {
		s := openTestStorage(t)
		p := &place{Name: "transient"}
		p.Modify()
		assert.False(t, p.IsModified())
		assert.Zero(t, s.cache.dirtyLen())
	})
}

func testCacheFlush(t *testing.T) {
	t.Run("Cascading Writes Terminate", func(t *testing.T) {
		s := openTestStorage(t)
		a, b, c := newPlace(t, s, "a"), newPlace(t, s, "b"), newPlace(t, s, "c")
		require.NoError(t, s.Commit())

		a.Modify()
		var order []OID
		stored, err := s.cache.flush(func(obj Object) error {
			order = append(order, obj.OID())
			if obj == Object(a) {
				b.Modify()
				c.Modify()
			}
			return s.Store(obj)
		})
		require.NoError(t, err)
		assert.Equal(t, 3, stored, "every object is stored exactly once")
		assert.Equal(t, []OID{a.OID(), b.OID(), c.OID()}, order, "flush drains oldest first and picks up cascaded objects")
		assert.Zero(t, s.cache.dirtyLen())
	})

	t.Run("Failed Store Is Requeued At The Front", func(t *testing.T) {
		s := openTestStorage(t)
		a, b := newPlace(t, s, "a"), newPlace(t, s, "b")
		boom := errors.New("disk on fire")

		_, err := s.cache.flush(func(obj Object) error {
			if obj == Object(a) {
				return boom
			}
			return s.Store(obj)
		})
		require.ErrorIs(t, err, boom)
		assert.Equal(t, 2, s.cache.dirtyLen(), "nothing may be lost on failure")
		assert.Same(t, Object(a), s.cache.dirty.Front().Value.strong, "failed object goes back to the front")

		var order []OID
		_, err = s.cache.flush(func(obj Object) error {
			order = append(order, obj.OID())
			return s.Store(obj)
		})
		require.NoError(t, err)
		assert.Equal(t, []OID{a.OID(), b.OID()}, order)
	})

	t.Run("Modify While Storing Queues The Object Again", func(t *testing.T) {
		s := openTestStorage(t, WithPinLimit(0))
		p := newPlace(t, s, "v1")
		p.afterMarshal = func() {
			p.afterMarshal = nil
			p.Name = "v2"
			p.Modify()
		}

		require.NoError(t, s.Commit())
		assert.False(t, p.IsModified())
		assert.Zero(t, s.cache.dirtyLen())

		img, err := s.backend.Read(p.OID())
		require.NoError(t, err)
		_, payload, err := decodeImage(img)
		require.NoError(t, err)
		var stored place
		require.NoError(t, stored.UnmarshalBinary(payload))
		assert.Equal(t, "v2", stored.Name, "a change made while the object was being stored must not be lost")
	})

	t.Run("Failed Direct Store Keeps The Object Queued", func(t *testing.T) {
		s := openTestStorage(t)
		p := newPlace(t, s, "a")
		require.NoError(t, s.Commit())
		require.NoError(t, s.backend.Close())

		p.Visits++
		p.Modify()
		require.Error(t, s.Store(p))
		assert.True(t, p.IsModified())
		assert.Equal(t, 1, s.cache.dirtyLen())
	})

	t.Run("Commit Persists Modifications", func(t *testing.T) {
		s := openTestStorage(t, WithPinLimit(0))
		p := newPlace(t, s, "before")
		require.NoError(t, s.Commit())

		p.Name = "after"
		p.Modify()
		require.NoError(t, s.Commit())

		img, err := s.backend.Read(p.OID())
		require.NoError(t, err)
		_, payload, err := decodeImage(img)
		require.NoError(t, err)
		var stored place
		require.NoError(t, stored.UnmarshalBinary(payload))
		assert.Equal(t, "after", stored.Name)
	})
}

func testCacheGrowth(t *testing.T) {
	t.Run("Doubles When Live Entries Exceed Threshold", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.CacheCapacity = 16
		s := openTestStorage(t, WithConfig(cfg))
		require.Equal(t, 16, s.cache.capacity())

		places := make([]*place, 100)
		for i := range places {
			places[i] = newPlace(t, s, fmt.Sprintf("p%d", i))
		}
		assert.GreaterOrEqual(t, s.cache.capacity(), 128, "table must grow to hold every live entry")
		assert.Equal(t, 100, s.CacheSize())
		for _, p := range places {
			obj, err := s.Get(p.OID())
			require.NoError(t, err)
			assert.Same(t, p, obj, "rehash must preserve identity")
		}
	})

	t.Run("Compaction Sweeps Reclaimed Entries", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.CacheCapacity = 16
		cfg.PinLimit = 0
		s := openTestStorage(t, WithConfig(cfg))

		func() {
			for i := range 12 {
				p := &place{Name: fmt.Sprintf("gone%d", i)}
				_, err := s.MakePersistent(p)
				require.NoError(t, err)
			}
		}()
		require.NoError(t, s.Commit())
		for range 3 {
			runtime.GC()
		}

		keep := newPlace(t, s, "survivor")
		assert.Equal(t, 16, s.cache.capacity(), "sweeping dead entries must avoid doubling")
		assert.Equal(t, 1, s.CacheSize(), "only the live entry remains after the sweep")
		obj, err := s.Get(keep.OID())
		require.NoError(t, err)
		assert.Same(t, keep, obj)
	})
}

func testCacheWeakRetention(t *testing.T) {
	t.Run("Clean Unreferenced Object Is Rematerialized", func(t *testing.T) {
		s := openTestStorage(t, WithPinLimit(0))
		oid := func() OID {
			p := &place{Name: "ephemeral", Visits: 3}
			oid, err := s.MakePersistent(p)
			require.NoError(t, err)
			return oid
		}()
		require.NoError(t, s.Commit())

		reclaimed := false
		for range 10 {
			runtime.GC()
			if s.cache.get(oid) == nil {
				reclaimed = true
				break
			}
		}
		require.True(t, reclaimed, "weakly held object should be reclaimed once unreferenced")

		obj, err := s.Get(oid)
		require.NoError(t, err, "a reclaimed object must be re-read from the backend")
		p := obj.(*place)
		assert.Equal(t, "ephemeral", p.Name)
		assert.Equal(t, 3, p.Visits)
		assert.True(t, p.IsLoaded())
	})
}

func testCacheInvalidateReload(t *testing.T) {
	t.Run("Invalidated Object Reloads In Place", func(t *testing.T) {
		s := openTestStorage(t)
		p := newPlace(t, s, "stored")
		require.NoError(t, s.Commit())

		p.Name = "scribbled"
		p.Invalidate()
		assert.False(t, p.IsLoaded())

		obj, err := s.Get(p.OID())
		require.NoError(t, err)
		assert.Same(t, p, obj, "reload must reuse the cached instance")
		assert.Equal(t, "stored", p.Name)
		assert.True(t, p.IsLoaded())
	})

	t.Run("Rollback Reloads And Drops Uncommitted", func(t *testing.T) {
		s := openTestStorage(t)
		kept := newPlace(t, s, "kept")
		require.NoError(t, s.Commit())

		kept.Name = "changed"
		kept.Modify()
		fresh := newPlace(t, s, "fresh")
		freshOID := fresh.OID()

		require.NoError(t, s.Rollback())
		assert.Equal(t, "kept", kept.Name, "committed object must revert to its stored image")
		assert.False(t, kept.IsModified())
		assert.True(t, fresh.IsDeleted(), "object from the aborted transaction must vanish")
		assert.Zero(t, s.cache.dirtyLen())

		_, err := s.Get(freshOID)
		assert.ErrorIs(t, err, ErrObjectNotFound)
		obj, err := s.Get(kept.OID())
		require.NoError(t, err)
		assert.Same(t, kept, obj)
	})

	t.Run("Close Invalidates Everything", func(t *testing.T) {
		s, err := OpenMemory()
		require.NoError(t, err)
		registerTestTypes(t, s)
		p := newPlace(t, s, "a")

		require.NoError(t, s.Close())
		assert.False(t, p.IsLoaded(), "closing must invalidate live objects")
		assert.Zero(t, s.CacheSize())
		_, err = s.Get(p.OID())
		assert.ErrorIs(t, err, ErrStorageClosed)
		assert.NoError(t, s.Close(), "second Close is a no-op")
	})
}

func testCacheConcurrency(t *testing.T) {
	t.Run("Parallel Gets Share Instances", func(t *testing.T) {
		s := openTestStorage(t)
		places := make([]*place, 64)
		for i := range places {
			places[i] = newPlace(t, s, fmt.Sprintf("p%d", i))
		}
		require.NoError(t, s.Commit())

		var wg sync.WaitGroup
		for g := range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := range 500 {
					p := places[(g*31+i)%len(places)]
					obj, err := s.Get(p.OID())
					if !assert.NoError(t, err) {
						return
					}
					assert.Same(t, p, obj)
				}
			}()
		}
		wg.Wait()
	})

	t.Run("Parallel Gets Reload An Invalidated Object", func(t *testing.T) {
		s := openTestStorage(t)
		p := newPlace(t, s, "stored")
		require.NoError(t, s.Commit())
		oid := p.OID()

		for range 20 {
			p.Name = "scribbled"
			p.Invalidate()

			start := make(chan struct{})
			var wg sync.WaitGroup
			for range 8 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					<-start
					obj, err := s.Get(oid)
					if assert.NoError(t, err) {
						assert.Same(t, p, obj)
					}
				}()
			}
			close(start)
			wg.Wait()

			assert.True(t, p.IsLoaded())
			assert.Equal(t, "stored", p.Name)
		}
	})
}
