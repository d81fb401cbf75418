package objstore

import (
	"fmt"
	"math"
)

// Rect is an axis-aligned bounding box. A Rect is valid when MinX <= MaxX and
// MinY <= MaxY; a degenerate rectangle (zero width or height) represents a
// segment or a point.
type Rect struct {
	MinX, MinY float64
	MaxX, MaxY float64
}

// NewRect returns the rectangle spanning the two corners, in either order.
func NewRect(x0, y0, x1, y1 float64) Rect {
	return Rect{
		MinX: math.Min(x0, x1),
		MinY: math.Min(y0, y1),
		MaxX: math.Max(x0, x1),
		MaxY: math.Max(y0, y1),
	}
}

// PointRect returns the degenerate rectangle covering the single point (x, y).
func PointRect(x, y float64) Rect { return Rect{MinX: x, MinY: y, MaxX: x, MaxY: y} }

// Valid reports whether r has ordered corners and only finite coordinates.
func (r Rect) Valid() bool {
	for _, v := range [...]float64{r.MinX, r.MinY, r.MaxX, r.MaxY} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return r.MinX <= r.MaxX && r.MinY <= r.MaxY
}

// Area returns the area of r.
func (r Rect) Area() float64 { return (r.MaxX - r.MinX) * (r.MaxY - r.MinY) }

// Intersects reports whether r and other share at least one point. Touching
// edges count as an intersection.
func (r Rect) Intersects(other Rect) bool {
	return r.MinX <= other.MaxX && r.MaxX >= other.MinX &&
		r.MinY <= other.MaxY && r.MaxY >= other.MinY
}

// Contains reports whether other lies entirely inside r.
func (r Rect) Contains(other Rect) bool {
	return r.MinX <= other.MinX && r.MaxX >= other.MaxX &&
		r.MinY <= other.MinY && r.MaxY >= other.MaxY
}

// Union returns the smallest rectangle enclosing both r and other.
func (r Rect) Union(other Rect) Rect {
	return Rect{
		MinX: math.Min(r.MinX, other.MinX),
		MinY: math.Min(r.MinY, other.MinY),
		MaxX: math.Max(r.MaxX, other.MaxX),
		MaxY: math.Max(r.MaxY, other.MaxY),
	}
}

// JoinArea returns the area of r.Union(other) without building it.
func (r Rect) JoinArea(other Rect) float64 {
	return (math.Max(r.MaxX, other.MaxX) - math.Min(r.MinX, other.MinX)) *
		(math.Max(r.MaxY, other.MaxY) - math.Min(r.MinY, other.MinY))
}

// Enlargement returns how much r's area grows when extended to cover other.
func (r Rect) Enlargement(other Rect) float64 { return r.JoinArea(other) - r.Area() }

// Distance returns the Euclidean distance from (x, y) to the nearest point of
// r; it is 0 when the point lies inside r.
func (r Rect) Distance(x, y float64) float64 {
	var dx, dy float64
	switch {
	case x < r.MinX:
		dx = r.MinX - x
	case x > r.MaxX:
		dx = x - r.MaxX
	}
	switch {
	case y < r.MinY:
		dy = r.MinY - y
	case y > r.MaxY:
		dy = y - r.MaxY
	}
	return math.Hypot(dx, dy)
}

func (r Rect) String() string {
	return fmt.Sprintf("[(%g,%g)-(%g,%g)]", r.MinX, r.MinY, r.MaxX, r.MaxY)
}
