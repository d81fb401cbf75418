// rtree_iter.go
//
// Lazy R-tree traversals.
// RTreeIterator walks the tree depth first, keeping one (page, position) pair
// per level and skipping any subtree whose rectangle misses the query.
// NeighborIterator performs branch-and-bound nearest-neighbour search over a
// candidate list sorted by distance to the query point.
//
// Both iterators are fail-fast: they remember the tree's modification counter
// when created and return ErrConcurrentModification once it has moved.

package objstore

import (
	"errors"
	"fmt"
	"io"
	"slices"
)

// Entry is one (rectangle, object) pair of an RTree. Object is nil for
// entries returned by NextRawEntry.
type Entry struct {
	Rect   Rect
	OID    OID
	Object Object
}

// RTreeIterator yields the entries whose rectangle intersects a query
// rectangle. It is not restartable; create a new one with RTree.Iterator.
type RTreeIterator struct {
	tree    *RTree
	query   Rect
	counter uint64

	// pages[0] is the root; pages[len-1] the current leaf.
	pages []*rtreePage
	pos   []int

	// ready is true while pages/pos point at the next entry to return.
	ready bool
	err   error
}

// Iterator returns an iterator over the entries intersecting r.
func (t *RTree) Iterator(r Rect) *RTreeIterator {
	it := &RTreeIterator{tree: t, query: r, counter: t.modCount}
	if t.root == 0 {
		return it
	}
	root, err := t.page(t.root)
	if err != nil {
		it.err = err
		return it
	}
	it.pages = make([]*rtreePage, t.height)
	it.pos = make([]int, t.height)
	it.ready, it.err = it.first(0, root)
	return it
}

// first positions the stack at the first matching entry of the subtree
// rooted at pg, which occupies stack slot sp.
func (it *RTreeIterator) first(sp int, pg *rtreePage) (bool, error) {
	leaf := sp == len(it.pages)-1
	for i := range pg.size() {
		if !it.query.Intersects(pg.rects[i]) {
			continue
		}
		if leaf {
			it.pages[sp], it.pos[sp] = pg, i
			return true, nil
		}
		child, err := it.tree.page(pg.branch.OID(i))
		if err != nil {
			return false, err
		}
		ok, err := it.first(sp+1, child)
		if err != nil {
			return false, err
		}
		if ok {
			it.pages[sp], it.pos[sp] = pg, i
			return true, nil
		}
	}
	return false, nil
}

// next moves the stack from the current entry to the following match.
func (it *RTreeIterator) next(sp int) (bool, error) {
	pg := it.pages[sp]
	leaf := sp == len(it.pages)-1
	if !leaf {
		ok, err := it.next(sp + 1)
		if err != nil || ok {
			return ok, err
		}
	}
	for i := it.pos[sp] + 1; i < pg.size(); i++ {
		if !it.query.Intersects(pg.rects[i]) {
			continue
		}
		if leaf {
			it.pos[sp] = i
			return true, nil
		}
		child, err := it.tree.page(pg.branch.OID(i))
		if err != nil {
			return false, err
		}
		ok, err := it.first(sp+1, child)
		if err != nil {
			return false, err
		}
		if ok {
			it.pos[sp] = i
			return true, nil
		}
	}
	return false, nil
}

// advance returns the current entry and moves past it.
func (it *RTreeIterator) advance() (Rect, OID, bool, error) {
	if it.err != nil {
		return Rect{}, 0, false, it.err
	}
	if it.counter != it.tree.modCount {
		it.err = ErrConcurrentModification
		return Rect{}, 0, false, it.err
	}
	if !it.ready {
		return Rect{}, 0, false, io.EOF
	}
	leaf := it.pages[len(it.pages)-1]
	i := it.pos[len(it.pos)-1]
	r, oid := leaf.rects[i], leaf.branch.OID(i)
	// A failure to load the next page is reported by the following call.
	it.ready, it.err = it.next(0)
	return r, oid, true, nil
}

// Next returns the next matching object. Once the iterator is exhausted ok
// is false and err is io.EOF.
func (it *RTreeIterator) Next() (obj Object, ok bool, err error) {
	_, oid, ok, err := it.advance()
	if !ok || err != nil {
		return nil, false, err
	}
	obj, err = it.tree.store.Get(oid)
	if err != nil {
		return nil, false, err
	}
	return obj, true, nil
}

// NextOID is Next without materializing the object.
func (it *RTreeIterator) NextOID() (OID, bool, error) {
	_, oid, ok, err := it.advance()
	return oid, ok, err
}

// NextEntry returns the next matching entry with its object loaded.
func (it *RTreeIterator) NextEntry() (Entry, bool, error) {
	r, oid, ok, err := it.advance()
	if !ok || err != nil {
		return Entry{}, false, err
	}
	obj, err := it.tree.store.Get(oid)
	if err != nil {
		return Entry{}, false, err
	}
	return Entry{Rect: r, OID: oid, Object: obj}, true, nil
}

// NextRawEntry returns the next matching entry without loading its object.
func (it *RTreeIterator) NextRawEntry() (Entry, bool, error) {
	r, oid, ok, err := it.advance()
	return Entry{Rect: r, OID: oid}, ok, err
}

// Remove is not supported; the tree must be changed through RTree.Remove.
func (it *RTreeIterator) Remove() error {
	return fmt.Errorf("rtree iterator: remove: %w", errors.ErrUnsupported)
}

// neighbor is a candidate of the nearest-neighbour search. level is the page
// level of the page it names, or 0 for a payload object.
type neighbor struct {
	rect  Rect
	oid   OID
	level int
	dist  float64
}

// NeighborIterator yields payload objects in non-decreasing distance from a
// query point. Distance is measured to the nearest point of each entry's
// rectangle.
type NeighborIterator struct {
	tree    *RTree
	x, y    float64
	counter uint64
	queue   []neighbor
	err     error
}

// Nearest returns an iterator over all entries ordered by distance from
// (x, y).
func (t *RTree) Nearest(x, y float64) *NeighborIterator {
	it := &NeighborIterator{tree: t, x: x, y: y, counter: t.modCount}
	if t.root != 0 {
		it.push(neighbor{rect: t.bounds, oid: t.root, level: t.height})
	}
	return it
}

// push inserts n after every candidate at the same or smaller distance.
func (it *NeighborIterator) push(n neighbor) {
	n.dist = n.rect.Distance(it.x, it.y)
	i, _ := slices.BinarySearchFunc(it.queue, n.dist, func(e neighbor, d float64) int {
		if e.dist <= d {
			return -1
		}
		return 1
	})
	it.queue = slices.Insert(it.queue, i, n)
}

func (it *NeighborIterator) advance() (neighbor, bool, error) {
	if it.err != nil {
		return neighbor{}, false, it.err
	}
	if it.counter != it.tree.modCount {
		it.err = ErrConcurrentModification
		return neighbor{}, false, it.err
	}
	for len(it.queue) > 0 {
		head := it.queue[0]
		it.queue = it.queue[1:]
		if head.level == 0 {
			return head, true, nil
		}
		pg, err := it.tree.page(head.oid)
		if err != nil {
			it.err = err
			return neighbor{}, false, err
		}
		for i := range pg.size() {
			it.push(neighbor{rect: pg.rects[i], oid: pg.branch.OID(i), level: head.level - 1})
		}
	}
	return neighbor{}, false, io.EOF
}

// Next returns the next closest object.
func (it *NeighborIterator) Next() (obj Object, ok bool, err error) {
	n, ok, err := it.advance()
	if !ok || err != nil {
		return nil, false, err
	}
	obj, err = it.tree.store.Get(n.oid)
	if err != nil {
		return nil, false, err
	}
	return obj, true, nil
}

// NextEntry returns the next closest entry with its object loaded, along with
// its distance from the query point.
func (it *NeighborIterator) NextEntry() (e Entry, dist float64, ok bool, err error) {
	n, ok, err := it.advance()
	if !ok || err != nil {
		return Entry{}, 0, false, err
	}
	obj, err := it.tree.store.Get(n.oid)
	if err != nil {
		return Entry{}, 0, false, err
	}
	return Entry{Rect: n.rect, OID: n.oid, Object: obj}, n.dist, true, nil
}

// Remove is not supported.
func (it *NeighborIterator) Remove() error {
	return fmt.Errorf("nearest iterator: remove: %w", errors.ErrUnsupported)
}
