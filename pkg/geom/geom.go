// Package geom provides the planar geometry primitives the job model,
// optimizer and compiler operate on: points, line/arc segments and
// axis-aligned bounds.
//
// Copyright (C) 2026  Laserhost Developers
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package geom

import "math"

// Point is a position on the work plane, in millimeters.
type Point struct {
	X float64
	Y float64
}

// Add returns p translated by q.
func (p Point) Add(q Point) Point {
	return Point{X: p.X + q.X, Y: p.Y + q.Y}
}

// Sub returns the vector from q to p.
func (p Point) Sub(q Point) Point {
	return Point{X: p.X - q.X, Y: p.Y - q.Y}
}

// Distance returns the euclidean distance between p and q.
func (p Point) Distance(q Point) float64 {
	dx := p.X - q.X
	dy := p.Y - q.Y
	return math.Sqrt(dx*dx + dy*dy)
}

// DistanceSq returns the squared distance between p and q. The optimizer
// compares distances without needing the square root.
func (p Point) DistanceSq(q Point) float64 {
	dx := p.X - q.X
	dy := p.Y - q.Y
	return dx*dx + dy*dy
}

// SegmentKind distinguishes straight moves from arc moves.
type SegmentKind int

const (
	// KindLine is a straight segment from Start to End.
	KindLine SegmentKind = iota

	// KindArc is a circular arc from Start to End around Center.
	KindArc
)

// Segment is one drawable primitive. Segments are immutable once placed in
// a path; construct them with Line or Arc.
type Segment struct {
	Kind  SegmentKind
	Start Point
	End   Point

	// Arc parameters; meaningful only when Kind is KindArc.
	Center    Point
	Radius    float64
	Clockwise bool

	// Travel marks a rapid repositioning move (laser off).
	Travel bool
}

// Line returns a straight burn segment.
func Line(start, end Point) Segment {
	return Segment{Kind: KindLine, Start: start, End: end}
}

// TravelLine returns a straight rapid segment (laser off).
func TravelLine(start, end Point) Segment {
	return Segment{Kind: KindLine, Start: start, End: end, Travel: true}
}

// Arc returns an arc segment around center. The radius is derived from the
// start point; callers are expected to supply a center equidistant from
// both endpoints.
func Arc(start, end, center Point, clockwise bool) Segment {
	return Segment{
		Kind:      KindArc,
		Start:     start,
		End:       end,
		Center:    center,
		Radius:    start.Distance(center),
		Clockwise: clockwise,
	}
}

// Length returns the segment length used for travel/burn accounting and
// time estimation. Arcs use the chord length approximation.
func (s Segment) Length() float64 {
	return s.Start.Distance(s.End)
}

// Reversed returns the segment traversed in the opposite direction.
func (s Segment) Reversed() Segment {
	r := s
	r.Start, r.End = s.End, s.Start
	r.Clockwise = !s.Clockwise
	return r
}

// Bounds is an axis-aligned bounding box.
type Bounds struct {
	Min Point
	Max Point
}

// EmptyBounds returns a bounds value that any Extend call will replace.
func EmptyBounds() Bounds {
	return Bounds{
		Min: Point{X: math.Inf(1), Y: math.Inf(1)},
		Max: Point{X: math.Inf(-1), Y: math.Inf(-1)},
	}
}

// IsEmpty reports whether the bounds contain no points.
func (b Bounds) IsEmpty() bool {
	return b.Min.X > b.Max.X || b.Min.Y > b.Max.Y
}

// Extend grows the bounds to include p.
func (b *Bounds) Extend(p Point) {
	b.Min.X = math.Min(b.Min.X, p.X)
	b.Min.Y = math.Min(b.Min.Y, p.Y)
	b.Max.X = math.Max(b.Max.X, p.X)
	b.Max.Y = math.Max(b.Max.Y, p.Y)
}

// Union grows the bounds to include all of o.
func (b *Bounds) Union(o Bounds) {
	if o.IsEmpty() {
		return
	}
	b.Extend(o.Min)
	b.Extend(o.Max)
}

// Contains reports whether p lies inside the bounds (inclusive).
func (b Bounds) Contains(p Point) bool {
	return p.X >= b.Min.X && p.X <= b.Max.X && p.Y >= b.Min.Y && p.Y <= b.Max.Y
}

// BoundsOf computes the bounding box of a segment list. Arc bulges extend
// the box by the circle extremes the sweep actually crosses, so an arc
// whose circle dips outside the box does not inflate it.
func BoundsOf(segments []Segment) Bounds {
	b := EmptyBounds()
	for _, s := range segments {
		b.Extend(s.Start)
		b.Extend(s.End)
		if s.Kind == KindArc {
			extendArcExtremes(&b, s)
		}
	}
	return b
}

// extendArcExtremes adds the circle's axis extreme points that lie on the
// swept portion of the arc. Coincident endpoints mean a full circle.
func extendArcExtremes(b *Bounds, s Segment) {
	from := math.Atan2(s.Start.Y-s.Center.Y, s.Start.X-s.Center.X)
	to := math.Atan2(s.End.Y-s.Center.Y, s.End.X-s.Center.X)
	if s.Clockwise {
		// A clockwise arc covers the same angles as the counter-clockwise
		// arc traversed from the other end.
		from, to = to, from
	}
	sweep := math.Mod(to-from+4*math.Pi, 2*math.Pi)
	if sweep == 0 {
		sweep = 2 * math.Pi
	}

	extremes := [4]Point{
		{X: s.Center.X + s.Radius, Y: s.Center.Y}, // 0
		{X: s.Center.X, Y: s.Center.Y + s.Radius}, // pi/2
		{X: s.Center.X - s.Radius, Y: s.Center.Y}, // pi
		{X: s.Center.X, Y: s.Center.Y - s.Radius}, // 3pi/2
	}
	for i, p := range extremes {
		theta := float64(i) * math.Pi / 2
		if math.Mod(theta-from+4*math.Pi, 2*math.Pi) <= sweep {
			b.Extend(p)
		}
	}
}
