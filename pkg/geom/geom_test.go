// Copyright (C) 2026  Laserhost Developers
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package geom

import (
	"math"
	"testing"
)

func TestPointDistance(t *testing.T) {
	a := Point{X: 0, Y: 0}
	b := Point{X: 3, Y: 4}
	if d := a.Distance(b); d != 5 {
		t.Errorf("Distance = %v, want 5", d)
	}
	if d := a.DistanceSq(b); d != 25 {
		t.Errorf("DistanceSq = %v, want 25", d)
	}
}

func TestSegmentReversed(t *testing.T) {
	s := Arc(Point{X: 0, Y: 0}, Point{X: 10, Y: 0}, Point{X: 5, Y: 0}, true)
	r := s.Reversed()

	if r.Start != s.End || r.End != s.Start {
		t.Errorf("Reversed endpoints = %v -> %v", r.Start, r.End)
	}
	if r.Clockwise {
		t.Error("Reversed arc should flip direction")
	}
	if r.Center != s.Center {
		t.Errorf("Reversed arc moved center to %v", r.Center)
	}
}

func TestArcRadius(t *testing.T) {
	s := Arc(Point{X: 0, Y: 0}, Point{X: 0, Y: 10}, Point{X: 0, Y: 5}, false)
	if s.Radius != 5 {
		t.Errorf("Radius = %v, want 5", s.Radius)
	}
}

func TestSegmentLengthIsChord(t *testing.T) {
	// Half circle: chord length is the diameter, not the arc length.
	s := Arc(Point{X: 0, Y: 0}, Point{X: 10, Y: 0}, Point{X: 5, Y: 0}, true)
	if l := s.Length(); l != 10 {
		t.Errorf("Length = %v, want chord 10", l)
	}
}

func TestEmptyBounds(t *testing.T) {
	b := EmptyBounds()
	if !b.IsEmpty() {
		t.Error("EmptyBounds should be empty")
	}
	b.Extend(Point{X: 1, Y: 2})
	if b.IsEmpty() {
		t.Error("bounds with a point should not be empty")
	}
	if b.Min != (Point{X: 1, Y: 2}) || b.Max != (Point{X: 1, Y: 2}) {
		t.Errorf("single-point bounds = %v..%v", b.Min, b.Max)
	}
}

func TestBoundsOfArcSweep(t *testing.T) {
	for _, tc := range []struct {
		name     string
		arc      Segment
		min, max Point
	}{
		{
			// Bulges to radius 10 on both axes but stays in quadrant I.
			name: "quarter counter-clockwise",
			arc:  Arc(Point{X: 10, Y: 0}, Point{X: 0, Y: 10}, Point{X: 0, Y: 0}, false),
			min:  Point{X: 0, Y: 0}, max: Point{X: 10, Y: 10},
		},
		{
			// Top semicircle through (3,3): the bottom of the circle is
			// never swept and must not widen the box.
			name: "top semicircle clockwise",
			arc:  Arc(Point{X: 0, Y: 0}, Point{X: 6, Y: 0}, Point{X: 3, Y: 0}, true),
			min:  Point{X: 0, Y: 0}, max: Point{X: 6, Y: 3},
		},
		{
			// Same endpoints, opposite direction: the bottom half.
			name: "bottom semicircle counter-clockwise",
			arc:  Arc(Point{X: 0, Y: 0}, Point{X: 6, Y: 0}, Point{X: 3, Y: 0}, false),
			min:  Point{X: 0, Y: -3}, max: Point{X: 6, Y: 0},
		},
		{
			// Sweep crosses the zero-angle direction.
			name: "right semicircle across zero angle",
			arc:  Arc(Point{X: 0, Y: -5}, Point{X: 0, Y: 5}, Point{X: 0, Y: 0}, false),
			min:  Point{X: 0, Y: -5}, max: Point{X: 5, Y: 5},
		},
		{
			// Coincident endpoints: the full circle.
			name: "full circle",
			arc:  Arc(Point{X: 10, Y: 0}, Point{X: 10, Y: 0}, Point{X: 0, Y: 0}, false),
			min:  Point{X: -10, Y: -10}, max: Point{X: 10, Y: 10},
		},
	} {
		b := BoundsOf([]Segment{tc.arc})
		if !near(b.Min, tc.min) || !near(b.Max, tc.max) {
			t.Errorf("%s: bounds %v..%v, want %v..%v", tc.name, b.Min, b.Max, tc.min, tc.max)
		}
	}
}

func near(p, q Point) bool {
	const eps = 1e-9
	return math.Abs(p.X-q.X) < eps && math.Abs(p.Y-q.Y) < eps
}

func TestBoundsUnion(t *testing.T) {
	a := EmptyBounds()
	a.Extend(Point{X: 0, Y: 0})
	a.Extend(Point{X: 5, Y: 5})

	b := EmptyBounds()
	b.Extend(Point{X: -3, Y: 2})

	a.Union(b)
	if a.Min.X != -3 || a.Max.X != 5 {
		t.Errorf("union = %v..%v", a.Min, a.Max)
	}

	// Union with empty bounds is a no-op.
	before := a
	a.Union(EmptyBounds())
	if a != before {
		t.Error("union with empty bounds changed the box")
	}
}

func TestBoundsContains(t *testing.T) {
	b := Bounds{Min: Point{X: 0, Y: 0}, Max: Point{X: 10, Y: 10}}
	for _, tc := range []struct {
		p  Point
		in bool
	}{
		{Point{X: 5, Y: 5}, true},
		{Point{X: 0, Y: 0}, true},
		{Point{X: 10, Y: 10}, true},
		{Point{X: -0.001, Y: 5}, false},
		{Point{X: 5, Y: 10.001}, false},
	} {
		if got := b.Contains(tc.p); got != tc.in {
			t.Errorf("Contains(%v) = %v, want %v", tc.p, got, tc.in)
		}
	}
}

func TestVectorOps(t *testing.T) {
	p := Point{X: 2, Y: 3}
	q := Point{X: 1, Y: 1}
	if got := p.Add(q); got != (Point{X: 3, Y: 4}) {
		t.Errorf("Add = %v", got)
	}
	if got := p.Sub(q); got != (Point{X: 1, Y: 2}) {
		t.Errorf("Sub = %v", got)
	}
	if d := p.Distance(p); d != 0 {
		t.Errorf("self distance = %v", d)
	}
	if math.IsNaN(p.Distance(q)) {
		t.Error("distance is NaN")
	}
}
