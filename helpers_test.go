package objstore

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/hexops/gotextdiff/span"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// place is the payload type used throughout the tests.
type place struct {
	Persistent
	Name   string
	Visits int

	// afterMarshal, when set, runs once the image has been built.
	afterMarshal func()
}

func (p *place) MarshalBinary() ([]byte, error) {
	e := NewEncoder(len(p.Name) + 8)
	e.PutString(p.Name)
	e.PutVarint(int64(p.Visits))
	if p.afterMarshal != nil {
		p.afterMarshal()
	}
	return e.Bytes(), nil
}

func (p *place) UnmarshalBinary(data []byte) error {
	d := NewDecoder(data)
	p.Name = d.String()
	p.Visits = int(d.Varint())
	return d.Err()
}

// route owns a Link to the places it visits.
type route struct {
	Persistent
	Stops Link
}

func (r *route) MarshalBinary() ([]byte, error) {
	e := NewEncoder(8 * (r.Stops.Size() + 1))
	r.Stops.encode(e)
	return e.Bytes(), nil
}

func (r *route) UnmarshalBinary(data []byte) error {
	d := NewDecoder(data)
	r.Stops.decode(d, r.Storage())
	return d.Err()
}

func registerTestTypes(t *testing.T, s *Storage) {
	t.Helper()
	require.NoError(t, s.Register("test.place", func() Object { return new(place) }))
	require.NoError(t, s.Register("test.route", func() Object { return new(route) }))
}

// openTestStorage returns an in-memory Storage with the test types registered.
func openTestStorage(t *testing.T, opts ...Option) *Storage {
	t.Helper()
	s, err := OpenMemory(opts...)
	require.NoError(t, err, "OpenMemory should succeed")
	registerTestTypes(t, s)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newPlace(t *testing.T, s *Storage, name string) *place {
	t.Helper()
	p := &place{Name: name}
	_, err := s.MakePersistent(p)
	require.NoError(t, err, "MakePersistent should succeed")
	return p
}

func randomRect(rng *rand.Rand, extent, maxSide float64) Rect {
	x, y := rng.Float64()*extent, rng.Float64()*extent
	return NewRect(x, y, x+rng.Float64()*maxSide, y+rng.Float64()*maxSide)
}

// checkTree verifies the structural invariants of tree: every internal
// rectangle equals the cover of its child, every page other than the root
// respects the fill bounds, the entry count matches and the wrapping
// rectangle equals the root cover.
func checkTree(t *testing.T, tree *RTree) {
	t.Helper()
	if tree.root == 0 {
		assert.Zero(t, tree.height, "empty tree must have height 0")
		assert.Zero(t, tree.count, "empty tree must have no entries")
		_, ok := tree.WrappingRectangle()
		assert.False(t, ok, "empty tree has no wrapping rectangle")
		return
	}
	entries := checkPage(t, tree, tree.root, tree.height, true)
	assert.Equal(t, tree.count, entries, "leaf entries must match the tree size")

	root, err := tree.page(tree.root)
	require.NoError(t, err)
	wr, ok := tree.WrappingRectangle()
	assert.True(t, ok, "non-empty tree has a wrapping rectangle")
	assert.Equal(t, root.cover(), wr, "wrapping rectangle must be the root cover")
}

func checkPage(t *testing.T, tree *RTree, oid OID, level int, isRoot bool) int {
	t.Helper()
	pg, err := tree.page(oid)
	require.NoError(t, err, "page %v must load", oid)

	n := pg.size()
	assert.LessOrEqual(t, n, tree.fanout, "page %v overflows", oid)
	assert.Equal(t, n, pg.branch.Size(), "page %v rects and branches disagree", oid)
	switch {
	case !isRoot:
		assert.GreaterOrEqual(t, n, tree.minFill(), "page %v underflows", oid)
	case level > 1:
		assert.GreaterOrEqual(t, n, 2, "internal root %v must have two children", oid)
	default:
		assert.Positive(t, n, "leaf root %v must not be empty", oid)
	}
	if level == 1 {
		return n
	}
	total := 0
	for i := range n {
		child, err := tree.page(pg.branch.OID(i))
		require.NoError(t, err)
		assert.Equal(t, child.cover(), pg.rects[i], "entry %d of page %v must bound its child exactly", i, oid)
		total += checkPage(t, tree, child.OID(), level-1, false)
	}
	return total
}

// dumpTree renders tree one entry per line, indented by depth.
func dumpTree(t *testing.T, tree *RTree) string {
	t.Helper()
	var b strings.Builder
	fmt.Fprintf(&b, "height=%d count=%d\n", tree.height, tree.count)
	if tree.root != 0 {
		dumpPage(t, tree, &b, tree.root, tree.height, 0)
	}
	return b.String()
}

func dumpPage(t *testing.T, tree *RTree, b *strings.Builder, oid OID, level, depth int) {
	pg, err := tree.page(oid)
	require.NoError(t, err)
	for i := range pg.size() {
		fmt.Fprintf(b, "%s%v %v\n", strings.Repeat("  ", depth), pg.rects[i], pg.branch.OID(i))
		if level > 1 {
			dumpPage(t, tree, b, pg.branch.OID(i), level-1, depth+1)
		}
	}
}

// requireSameDump fails with a unified diff when two tree dumps differ.
func requireSameDump(t *testing.T, want, got string) {
	t.Helper()
	if want == got {
		return
	}
	edits := myers.ComputeEdits(span.URIFromPath("want"), want, got)
	t.Fatalf("tree changed:\n%s", fmt.Sprint(gotextdiff.ToUnified("want", "got", want, edits)))
}

// bruteForce returns the OIDs of entries intersecting q.
func bruteForce(entries map[OID]Rect, q Rect) []OID {
	var oids []OID
	for oid, r := range entries {
		if r.Intersects(q) {
			oids = append(oids, oid)
		}
	}
	return oids
}
