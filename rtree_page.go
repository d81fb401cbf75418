package objstore

import (
	"fmt"
	"math"
	"slices"
)

// rtreePage is one node of an RTree. Entry i pairs rects[i] with
// branch.OID(i): on a leaf page the OID names a payload object, on an internal
// page it names the child page whose entries rects[i] bounds exactly.
//
// A page does not know its own level; the tree passes it down during
// descent (leaves are level 1).
type rtreePage struct {
	Persistent
	rects  []Rect
	branch Link
}

func newRTreePage(s *Storage, rects []Rect, oids []OID) (*rtreePage, error) {
	pg := &rtreePage{rects: rects, branch: Link{store: s, oids: oids}}
	if _, err := s.MakePersistent(pg); err != nil {
		return nil, err
	}
	return pg, nil
}

func (pg *rtreePage) size() int { return len(pg.rects) }

// cover returns the union of every entry rectangle. It must not be called on
// an empty page.
func (pg *rtreePage) cover() Rect {
	r := pg.rects[0]
	for _, b := range pg.rects[1:] {
		r = r.Union(b)
	}
	return r
}

// chooseSubtree returns the entry needing the least area enlargement to
// cover r, preferring the smaller rectangle on ties.
func (pg *rtreePage) chooseSubtree(r Rect) int {
	best := 0
	minIncr, minArea := math.Inf(1), math.Inf(1)
	for i, b := range pg.rects {
		area := b.Area()
		incr := b.JoinArea(r) - area
		if incr < minIncr || (incr == minIncr && area < minArea) {
			best, minIncr, minArea = i, incr, area
		}
	}
	return best
}

func (pg *rtreePage) addBranch(r Rect, oid OID) {
	pg.rects = append(pg.rects, r)
	pg.branch.addOID(oid)
}

// removeBranch deletes entry i, shifting the following entries down.
func (pg *rtreePage) removeBranch(i int) {
	n := pg.size()
	pg.rects = slices.Delete(pg.rects, i, i+1)
	for j := i; j < n-1; j++ {
		pg.branch.setOID(j, pg.branch.OID(j+1))
	}
	pg.branch.truncate(n - 1)
}

// splitGroup marks which half of a split an entry went to.
type splitGroup int8

const (
	unassigned splitGroup = iota
	group0
	group1
)

// split distributes the page's entries plus (r, oid) between pg and a new
// sibling using the quadratic-cost heuristic, keeping at least minFill
// entries on each side. It returns the new sibling.
//
// The seeds are the two entries that would waste the most area if covered by
// one rectangle. Each remaining entry is then picked by how strongly it
// prefers one group over the other and goes to the group it enlarges least;
// ties go to the group with the smaller area, then to the one with fewer
// entries.
func (pg *rtreePage) split(r Rect, oid OID, minFill int) (*rtreePage, error) {
	rects := append(slices.Clone(pg.rects), r)
	oids := append(slices.Clone(pg.branch.oids), oid)
	n := len(rects)

	areas := make([]float64, n)
	for i, b := range rects {
		areas[i] = b.Area()
	}
	seed0, seed1 := 0, 1
	worst := math.Inf(-1)
	for i := 0; i < n-1; i++ {
		for j := i + 1; j < n; j++ {
			waste := rects[i].JoinArea(rects[j]) - areas[i] - areas[j]
			if waste > worst {
				worst, seed0, seed1 = waste, i, j
			}
		}
	}

	groups := make([]splitGroup, n)
	groups[seed0], groups[seed1] = group0, group1
	cover0, cover1 := rects[seed0], rects[seed1]
	card0, card1 := 1, 1

	assign := func(i int, g splitGroup) {
		groups[i] = g
		if g == group0 {
			cover0 = cover0.Union(rects[i])
			card0++
		} else {
			cover1 = cover1.Union(rects[i])
			card1++
		}
	}

	for remaining := n - 2; remaining > 0; remaining-- {
		// A group that can only reach minFill by taking everything left
		// gets everything left.
		if card0+remaining <= minFill || card1+remaining <= minFill {
			g := group0
			if card1+remaining <= minFill {
				g = group1
			}
			for i := range groups {
				if groups[i] == unassigned {
					assign(i, g)
				}
			}
			break
		}

		chosen := -1
		var biggest, incr0, incr1 float64
		for i := range groups {
			if groups[i] != unassigned {
				continue
			}
			d0 := cover0.Enlargement(rects[i])
			d1 := cover1.Enlargement(rects[i])
			if diff := math.Abs(d0 - d1); chosen < 0 || diff > biggest {
				chosen, biggest, incr0, incr1 = i, diff, d0, d1
			}
		}

		var g splitGroup
		switch a0, a1 := cover0.Area(), cover1.Area(); {
		case incr0 < incr1:
			g = group0
		case incr1 < incr0:
			g = group1
		case a0 < a1:
			g = group0
		case a1 < a0:
			g = group1
		case card1 < card0:
			g = group1
		default:
			g = group0
		}
		assign(chosen, g)
	}

	keepRects, keepOIDs := make([]Rect, 0, card0), make([]OID, 0, card0)
	moveRects, moveOIDs := make([]Rect, 0, card1), make([]OID, 0, card1)
	for i, g := range groups {
		if g == group0 {
			keepRects, keepOIDs = append(keepRects, rects[i]), append(keepOIDs, oids[i])
		} else {
			moveRects, moveOIDs = append(moveRects, rects[i]), append(moveOIDs, oids[i])
		}
	}
	pg.Modify()
	pg.rects = keepRects
	pg.branch.oids = keepOIDs
	return newRTreePage(pg.store, moveRects, moveOIDs)
}

func (pg *rtreePage) MarshalBinary() ([]byte, error) {
	e := NewEncoder(8 + len(pg.rects)*36)
	pg.branch.encode(e)
	for _, r := range pg.rects {
		e.PutRect(r)
	}
	return e.Bytes(), nil
}

func (pg *rtreePage) UnmarshalBinary(data []byte) error {
	d := NewDecoder(data)
	pg.branch.decode(d, pg.store)
	rects := make([]Rect, 0, pg.branch.Size())
	for range pg.branch.Size() {
		rects = append(rects, d.Rect())
	}
	if err := d.Err(); err != nil {
		return fmt.Errorf("rtree page: %w", err)
	}
	pg.rects = rects
	return nil
}
