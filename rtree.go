// rtree.go
//
// Persistent R-tree.
// The tree maps rectangles to persistent objects. Pages are persistent objects
// themselves and reference their children by OID, so every page access goes
// through the store's identity cache.
//
// Insertion follows Guttman: descend by least enlargement, add to a leaf and
// split overflowing pages with the quadratic heuristic, growing a new root when
// the old one splits. Deletion never merges siblings; a page that drops below
// the minimum fill is released and its entries are reinserted at the level
// they came from, deepest first.

package objstore

import (
	"cmp"
	"errors"
	"fmt"
	"io"
	"slices"
)

// RTree is a persistent spatial index of (Rect, Object) pairs. The same
// object may be inserted under several rectangles.
//
// An RTree must be created with NewRTree or obtained from its Storage. It is
// not safe for concurrent mutation; see the package documentation.
type RTree struct {
	Persistent

	height int // 0 when empty, 1 when the root is a leaf
	count  int
	root   OID
	fanout int
	bounds Rect

	// modCount changes on every structural mutation. It is not persisted.
	modCount uint64
}

// NewRTree creates an empty tree in s using the configured fanout.
func NewRTree(s *Storage) (*RTree, error) {
	t := &RTree{fanout: s.cfg.RTreeFanout}
	if _, err := s.MakePersistent(t); err != nil {
		return nil, fmt.Errorf("new rtree: %w", err)
	}
	return t, nil
}

// Size returns the number of entries.
func (t *RTree) Size() int { return t.count }

// Height returns the number of page levels; 0 for an empty tree.
func (t *RTree) Height() int { return t.height }

// Fanout returns the maximum number of entries per page.
func (t *RTree) Fanout() int { return t.fanout }

// WrappingRectangle returns the smallest rectangle enclosing every entry. ok
// is false when the tree is empty.
func (t *RTree) WrappingRectangle() (r Rect, ok bool) {
	if t.count == 0 {
		return Rect{}, false
	}
	return t.bounds, true
}

func (t *RTree) minFill() int { return t.fanout / 2 }

func (t *RTree) page(oid OID) (*rtreePage, error) {
	obj, err := t.store.Get(oid)
	if err != nil {
		return nil, fmt.Errorf("rtree page %v: %w", oid, err)
	}
	pg, ok := obj.(*rtreePage)
	if !ok {
		return nil, fmt.Errorf("rtree page %v: %w: found %T", oid, ErrCorruptObject, obj)
	}
	return pg, nil
}

// Insert adds obj under r, making obj persistent first when needed.
func (t *RTree) Insert(r Rect, obj Object) error {
	if !r.Valid() {
		return fmt.Errorf("insert %v: %w", r, ErrInvalidRect)
	}
	if t.store == nil {
		return fmt.Errorf("insert: %w", ErrNotPersistent)
	}
	oid, err := t.store.MakePersistent(obj)
	if err != nil {
		return fmt.Errorf("insert %v: %w", r, err)
	}

	t.Modify()
	if t.root == 0 {
		pg, err := newRTreePage(t.store, []Rect{r}, []OID{oid})
		if err != nil {
			return fmt.Errorf("insert %v: %w", r, err)
		}
		t.root = pg.OID()
		t.height = 1
		t.bounds = r
	} else {
		if err := t.insertEntry(r, oid, 1); err != nil {
			return fmt.Errorf("insert %v: %w", r, err)
		}
		t.bounds = t.bounds.Union(r)
	}
	t.count++
	t.modCount++
	return nil
}

// insertEntry adds (r, oid) to a page at level, where leaves are level 1,
// growing the tree when the root splits.
func (t *RTree) insertEntry(r Rect, oid OID, level int) error {
	root, err := t.page(t.root)
	if err != nil {
		return err
	}
	sibling, err := t.insertAt(root, t.height, level, r, oid)
	if err != nil || sibling == nil {
		return err
	}
	newRoot, err := newRTreePage(t.store,
		[]Rect{root.cover(), sibling.cover()},
		[]OID{root.OID(), sibling.OID()})
	if err != nil {
		return err
	}
	t.root = newRoot.OID()
	t.height++
	t.store.log.Debug("rtree root split", "tree", t.OID(), "height", t.height)
	return nil
}

// insertAt inserts below pg, which sits at level. It returns the new sibling
// when pg had to split, nil otherwise.
func (t *RTree) insertAt(pg *rtreePage, level, target int, r Rect, oid OID) (*rtreePage, error) {
	if level > target {
		i := pg.chooseSubtree(r)
		child, err := t.page(pg.branch.OID(i))
		if err != nil {
			return nil, err
		}
		sibling, err := t.insertAt(child, level-1, target, r, oid)
		if err != nil {
			return nil, err
		}
		pg.Modify()
		if sibling == nil {
			pg.rects[i] = pg.rects[i].Union(r)
			return nil, nil
		}
		pg.rects[i] = child.cover()
		return t.addBranch(pg, sibling.cover(), sibling.OID())
	}
	return t.addBranch(pg, r, oid)
}

func (t *RTree) addBranch(pg *rtreePage, r Rect, oid OID) (*rtreePage, error) {
	if pg.size() < t.fanout {
		pg.Modify()
		pg.addBranch(r, oid)
		return nil, nil
	}
	return pg.split(r, oid, t.minFill())
}

// orphan is an underflowing page whose entries await reinsertion.
type orphan struct {
	page  *rtreePage
	level int
}

// Remove deletes the entry pairing exactly r with obj. It returns
// ErrKeyNotFound, leaving the tree untouched, when there is no such entry.
func (t *RTree) Remove(r Rect, obj Object) error {
	oid := obj.OID()
	if oid == 0 || t.root == 0 {
		return fmt.Errorf("remove %v %v: %w", r, oid, ErrKeyNotFound)
	}
	root, err := t.page(t.root)
	if err != nil {
		return fmt.Errorf("remove %v %v: %w", r, oid, err)
	}
	var orphans []orphan
	found, err := t.removeAt(root, t.height, r, oid, &orphans)
	if err != nil {
		return fmt.Errorf("remove %v %v: %w", r, oid, err)
	}
	if !found {
		return fmt.Errorf("remove %v %v: %w", r, oid, ErrKeyNotFound)
	}

	t.Modify()
	t.count--
	t.modCount++

	slices.SortStableFunc(orphans, func(a, b orphan) int { return cmp.Compare(a.level, b.level) })
	for _, o := range orphans {
		for i := range o.page.size() {
			if err := t.insertEntry(o.page.rects[i], o.page.branch.OID(i), o.level); err != nil {
				return fmt.Errorf("remove %v %v: reinsert: %w", r, oid, err)
			}
		}
		if err := o.page.Deallocate(); err != nil {
			return fmt.Errorf("remove %v %v: %w", r, oid, err)
		}
	}
	if len(orphans) > 0 {
		t.store.log.Debug("rtree entries reinserted", "tree", t.OID(), "pages", len(orphans))
	}

	if err := t.shrink(); err != nil {
		return fmt.Errorf("remove %v %v: %w", r, oid, err)
	}
	return nil
}

// removeAt looks for (r, oid) below pg, which sits at level. Pages that
// underflow are unlinked from their parent and appended to orphans; nothing is
// modified when the entry is not found.
func (t *RTree) removeAt(pg *rtreePage, level int, r Rect, oid OID, orphans *[]orphan) (bool, error) {
	if level == 1 {
		for i := range pg.size() {
			if pg.branch.OID(i) == oid && pg.rects[i] == r {
				pg.Modify()
				pg.removeBranch(i)
				return true, nil
			}
		}
		return false, nil
	}
	for i := range pg.size() {
		if !pg.rects[i].Contains(r) {
			continue
		}
		child, err := t.page(pg.branch.OID(i))
		if err != nil {
			return false, err
		}
		found, err := t.removeAt(child, level-1, r, oid, orphans)
		if err != nil {
			return false, err
		}
		if !found {
			continue
		}
		pg.Modify()
		if child.size() >= t.minFill() {
			pg.rects[i] = child.cover()
		} else {
			*orphans = append(*orphans, orphan{page: child, level: level - 1})
			pg.removeBranch(i)
		}
		return true, nil
	}
	return false, nil
}

// shrink collapses single-child roots and resets an emptied tree, then
// refreshes the wrapping rectangle.
func (t *RTree) shrink() error {
	root, err := t.page(t.root)
	if err != nil {
		return err
	}
	for t.height > 1 && root.size() == 1 {
		child := root.branch.OID(0)
		if err := root.Deallocate(); err != nil {
			return err
		}
		t.root = child
		t.height--
		t.store.log.Debug("rtree root collapsed", "tree", t.OID(), "height", t.height)
		if root, err = t.page(t.root); err != nil {
			return err
		}
	}
	if root.size() == 0 {
		if err := root.Deallocate(); err != nil {
			return err
		}
		t.root = 0
		t.height = 0
		t.bounds = Rect{}
		return nil
	}
	t.bounds = root.cover()
	return nil
}

// Search returns every object whose rectangle intersects r.
func (t *RTree) Search(r Rect) ([]Object, error) {
	var objs []Object
	it := t.Iterator(r)
	for {
		obj, _, err := it.Next()
		if errors.Is(err, io.EOF) {
			return objs, nil
		}
		if err != nil {
			return nil, err
		}
		objs = append(objs, obj)
	}
}

// SearchOIDs is Search without materializing the objects.
func (t *RTree) SearchOIDs(r Rect) ([]OID, error) {
	var oids []OID
	it := t.Iterator(r)
	for {
		oid, _, err := it.NextOID()
		if errors.Is(err, io.EOF) {
			return oids, nil
		}
		if err != nil {
			return nil, err
		}
		oids = append(oids, oid)
	}
}

// Clear removes every entry and releases all pages. The payload objects are
// left alone.
func (t *RTree) Clear() error {
	if t.root != 0 {
		if err := t.purge(t.root, t.height); err != nil {
			return fmt.Errorf("clear: %w", err)
		}
	}
	t.Modify()
	t.root = 0
	t.height = 0
	t.count = 0
	t.bounds = Rect{}
	t.modCount++
	return nil
}

// purge deallocates the page oid at level and everything below it.
func (t *RTree) purge(oid OID, level int) error {
	pg, err := t.page(oid)
	if err != nil {
		return err
	}
	if level > 1 {
		for i := range pg.size() {
			if err := t.purge(pg.branch.OID(i), level-1); err != nil {
				return err
			}
		}
	}
	return pg.Deallocate()
}

// DeallocateMembers deallocates every payload object and then clears the
// tree. An object inserted under several rectangles is deallocated once.
func (t *RTree) DeallocateMembers() error {
	var members []OID
	if t.root != 0 {
		if err := t.collect(t.root, t.height, &members); err != nil {
			return fmt.Errorf("deallocate members: %w", err)
		}
	}
	seen := make(map[OID]struct{}, len(members))
	for _, oid := range members {
		if _, dup := seen[oid]; dup {
			continue
		}
		seen[oid] = struct{}{}
		obj, err := t.store.Get(oid)
		if err != nil {
			return fmt.Errorf("deallocate members: %w", err)
		}
		if err := t.store.Deallocate(obj); err != nil {
			return fmt.Errorf("deallocate members: %w", err)
		}
	}
	return t.Clear()
}

func (t *RTree) collect(oid OID, level int, out *[]OID) error {
	pg, err := t.page(oid)
	if err != nil {
		return err
	}
	if level == 1 {
		*out = append(*out, pg.branch.oids...)
		return nil
	}
	for i := range pg.size() {
		if err := t.collect(pg.branch.OID(i), level-1, out); err != nil {
			return err
		}
	}
	return nil
}

func (t *RTree) MarshalBinary() ([]byte, error) {
	e := NewEncoder(64)
	e.PutUvarint(uint64(t.height))
	e.PutUvarint(uint64(t.count))
	e.PutOID(t.root)
	e.PutUvarint(uint64(t.fanout))
	e.PutRect(t.bounds)
	return e.Bytes(), nil
}

func (t *RTree) UnmarshalBinary(data []byte) error {
	d := NewDecoder(data)
	height := int(d.Uvarint())
	count := int(d.Uvarint())
	root := d.OID()
	fanout := int(d.Uvarint())
	bounds := d.Rect()
	if err := d.Err(); err != nil {
		return fmt.Errorf("rtree: %w", err)
	}
	if fanout < minRTreeFanout {
		return fmt.Errorf("rtree: %w: fanout %d", ErrCorruptObject, fanout)
	}
	t.height, t.count, t.root, t.fanout, t.bounds = height, count, root, fanout, bounds
	// Iterators opened before a reload must not survive it.
	t.modCount++
	return nil
}
