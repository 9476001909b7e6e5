// Package job implements the in-memory work-order model: paths grouped in
// a layer tree with inherited visibility and per-pass overrides, owned by a
// Job that tracks a mutation epoch so downstream execution plans can detect
// staleness.
//
// Copyright (C) 2026  Laserhost Developers
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package job

import (
	"math"
	"sync"

	"laserhost/pkg/errors"
	"laserhost/pkg/geom"
	"laserhost/pkg/profile"
)

// contiguityTolerance is the maximum gap allowed between consecutive
// segment endpoints within one path, in millimeters.
const contiguityTolerance = 1e-6

// PathID identifies a path within its job.
type PathID int

// PassOverride scales a path's power and speed for one pass index.
type PassOverride struct {
	PowerScale float64
	SpeedScale float64
}

// Job is a complete work order: a tree of layers holding burn paths, plus
// the machine profile and material preset the job targets.
type Job struct {
	mu       sync.RWMutex
	roots    []*Layer
	profile  *profile.Machine
	material string
	nextPath PathID
	epoch    uint64
}

// New creates an empty job.
func New() *Job {
	return &Job{nextPath: 1}
}

// bump invalidates any execution plan derived from the current structure.
// Callers must hold j.mu.
func (j *Job) bump() {
	j.epoch++
}

// Epoch returns the job's mutation counter. An ExecutionPlan captured at an
// older epoch is stale and must be regenerated.
func (j *Job) Epoch() uint64 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.epoch
}

// SetProfile binds the machine profile the job will compile against.
func (j *Job) SetProfile(m *profile.Machine) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.profile = m
	j.bump()
}

// Profile returns the bound machine profile, or nil.
func (j *Job) Profile() *profile.Machine {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.profile
}

// SetMaterial records the material preset name the job was resolved from.
func (j *Job) SetMaterial(name string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.material = name
}

// Material returns the material preset name.
func (j *Job) Material() string {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.material
}

// NewLayer creates a layer under parent, or a new root layer when parent is
// nil. Layers are visible by default with unit power/speed scales.
func (j *Job) NewLayer(name string, parent *Layer) (*Layer, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if parent != nil && parent.job != j {
		return nil, errors.Validation("parent layer belongs to a different job")
	}

	l := &Layer{
		job:        j,
		name:       name,
		visible:    true,
		powerScale: 1,
		speedScale: 1,
		parent:     parent,
	}
	if parent == nil {
		j.roots = append(j.roots, l)
	} else {
		parent.children = append(parent.children, l)
	}
	j.bump()
	return l, nil
}

// Roots returns the top-level layers in document order.
func (j *Job) Roots() []*Layer {
	j.mu.RLock()
	defer j.mu.RUnlock()
	out := make([]*Layer, len(j.roots))
	copy(out, j.roots)
	return out
}

// VisiblePaths returns every path on an effectively visible layer, in
// document order (depth-first over the layer tree).
func (j *Job) VisiblePaths() []*Path {
	j.mu.RLock()
	defer j.mu.RUnlock()

	var out []*Path
	var walk func(l *Layer)
	walk = func(l *Layer) {
		if !l.visible {
			// Hidden parents hide all descendants.
			return
		}
		out = append(out, l.paths...)
		for _, c := range l.children {
			walk(c)
		}
	}
	for _, l := range j.roots {
		walk(l)
	}
	return out
}

// PathByID finds a path anywhere in the job, or returns nil.
func (j *Job) PathByID(id PathID) *Path {
	j.mu.RLock()
	defer j.mu.RUnlock()

	var found *Path
	var walk func(l *Layer)
	walk = func(l *Layer) {
		for _, p := range l.paths {
			if p.id == id {
				found = p
				return
			}
		}
		for _, c := range l.children {
			if found == nil {
				walk(c)
			}
		}
	}
	for _, l := range j.roots {
		if found == nil {
			walk(l)
		}
	}
	return found
}

// Bounds returns the bounding box of all visible geometry.
func (j *Job) Bounds() geom.Bounds {
	b := geom.EmptyBounds()
	for _, p := range j.VisiblePaths() {
		pb := geom.BoundsOf(p.segments)
		b.Union(pb)
	}
	return b
}

// Layer groups paths with shared overrides. Layers form a strict tree;
// visibility is inherited (a hidden parent hides all descendants) and the
// power/speed scales multiply down the ancestor chain.
type Layer struct {
	job           *Job
	name          string
	visible       bool
	powerScale    float64
	speedScale    float64
	parent        *Layer
	children      []*Layer
	paths         []*Path
	passOverrides []PassOverride
}

// Name returns the layer name.
func (l *Layer) Name() string {
	l.job.mu.RLock()
	defer l.job.mu.RUnlock()
	return l.name
}

// Visible returns the layer's own visibility flag.
func (l *Layer) Visible() bool {
	l.job.mu.RLock()
	defer l.job.mu.RUnlock()
	return l.visible
}

// SetVisible toggles the layer's own visibility flag and invalidates any
// cached execution plan.
func (l *Layer) SetVisible(v bool) {
	l.job.mu.Lock()
	defer l.job.mu.Unlock()
	if l.visible != v {
		l.visible = v
		l.job.bump()
	}
}

// EffectiveVisible reports whether the layer and all of its ancestors are
// visible.
func (l *Layer) EffectiveVisible() bool {
	l.job.mu.RLock()
	defer l.job.mu.RUnlock()
	for cur := l; cur != nil; cur = cur.parent {
		if !cur.visible {
			return false
		}
	}
	return true
}

// SetScales sets the layer's power and speed multipliers.
func (l *Layer) SetScales(power, speed float64) error {
	if power <= 0 || speed <= 0 {
		return errors.Validation("layer scales must be positive, got power=%g speed=%g", power, speed)
	}
	l.job.mu.Lock()
	defer l.job.mu.Unlock()
	l.powerScale = power
	l.speedScale = speed
	l.job.bump()
	return nil
}

// SetPassOverrides replaces the per-pass multiplier list and invalidates
// any cached execution plan.
func (l *Layer) SetPassOverrides(overrides []PassOverride) error {
	for i, o := range overrides {
		if o.PowerScale <= 0 || o.SpeedScale <= 0 {
			return errors.Validation("pass override %d must have positive scales", i)
		}
	}
	l.job.mu.Lock()
	defer l.job.mu.Unlock()
	l.passOverrides = append([]PassOverride(nil), overrides...)
	l.job.bump()
	return nil
}

// passOverride returns the override for a pass index, defaulting to unit
// scales. Callers must hold the job lock.
func (l *Layer) passOverride(pass int) PassOverride {
	if pass >= 0 && pass < len(l.passOverrides) {
		return l.passOverrides[pass]
	}
	return PassOverride{PowerScale: 1, SpeedScale: 1}
}

// Children returns the child layers in document order.
func (l *Layer) Children() []*Layer {
	l.job.mu.RLock()
	defer l.job.mu.RUnlock()
	out := make([]*Layer, len(l.children))
	copy(out, l.children)
	return out
}

// Paths returns the layer's paths in document order.
func (l *Layer) Paths() []*Path {
	l.job.mu.RLock()
	defer l.job.mu.RUnlock()
	out := make([]*Path, len(l.paths))
	copy(out, l.paths)
	return out
}

// AddPath appends a burn path to the layer. Segments must be non-empty and
// contiguous; power is a percentage in (0, 100], speed is mm/min, passes
// must be at least 1.
func (l *Layer) AddPath(segments []geom.Segment, power, speed float64, passes int) (*Path, error) {
	if len(segments) == 0 {
		return nil, errors.Validation("path must contain at least one segment")
	}
	if power <= 0 || power > 100 {
		return nil, errors.Validation("path power %g%% outside (0, 100]", power)
	}
	if speed <= 0 {
		return nil, errors.Validation("path speed must be positive, got %g", speed)
	}
	if passes < 1 {
		return nil, errors.Validation("path pass count must be at least 1, got %d", passes)
	}
	for i := 1; i < len(segments); i++ {
		gap := segments[i-1].End.Distance(segments[i].Start)
		if gap > contiguityTolerance {
			return nil, errors.Validation("segments %d and %d are not contiguous (gap %.6f mm)", i-1, i, gap)
		}
	}

	l.job.mu.Lock()
	defer l.job.mu.Unlock()

	p := &Path{
		id:       l.job.nextPath,
		layer:    l,
		segments: append([]geom.Segment(nil), segments...),
		power:    power,
		speed:    speed,
		passes:   passes,
	}
	l.job.nextPath++
	l.paths = append(l.paths, p)
	l.job.bump()
	return p, nil
}

// RemovePath detaches a path from the layer. Returns false if the path is
// not on this layer.
func (l *Layer) RemovePath(p *Path) bool {
	l.job.mu.Lock()
	defer l.job.mu.Unlock()
	for i, q := range l.paths {
		if q == p {
			l.paths = append(l.paths[:i], l.paths[i+1:]...)
			p.layer = nil
			l.job.bump()
			return true
		}
	}
	return false
}

// Path is one contiguous burn operation: an ordered segment chain with
// power, speed and a pass count. Immutable after creation.
type Path struct {
	id       PathID
	layer    *Layer
	segments []geom.Segment
	power    float64
	speed    float64
	passes   int
}

// ID returns the path's job-unique identifier.
func (p *Path) ID() PathID { return p.id }

// Layer returns the owning layer, or nil after removal.
func (p *Path) Layer() *Layer { return p.layer }

// Segments returns the path's segment chain. Callers must not modify the
// returned slice.
func (p *Path) Segments() []geom.Segment { return p.segments }

// Power returns the programmed laser power percentage.
func (p *Path) Power() float64 { return p.power }

// Speed returns the programmed feed rate in mm/min.
func (p *Path) Speed() float64 { return p.speed }

// Passes returns the number of repetitions of the path geometry.
func (p *Path) Passes() int { return p.passes }

// Entry returns the point where traversal begins.
func (p *Path) Entry() geom.Point { return p.segments[0].Start }

// Exit returns the point where traversal ends.
func (p *Path) Exit() geom.Point { return p.segments[len(p.segments)-1].End }

// Closed reports whether the path ends where it begins.
func (p *Path) Closed() bool {
	return p.Entry().Distance(p.Exit()) <= contiguityTolerance
}

// Length returns the total geometry length of one pass.
func (p *Path) Length() float64 {
	var total float64
	for _, s := range p.segments {
		total += s.Length()
	}
	return total
}

// EffectivePower returns the power percentage for a pass after applying
// the layer scale chain and the pass override, clamped to 100%.
func (p *Path) EffectivePower(pass int) float64 {
	if p.layer == nil {
		return p.power
	}
	p.layer.job.mu.RLock()
	defer p.layer.job.mu.RUnlock()

	power := p.power * p.layer.passOverride(pass).PowerScale
	for cur := p.layer; cur != nil; cur = cur.parent {
		power *= cur.powerScale
	}
	return math.Min(power, 100)
}

// EffectiveSpeed returns the feed rate in mm/min for a pass after applying
// the layer scale chain and the pass override.
func (p *Path) EffectiveSpeed(pass int) float64 {
	if p.layer == nil {
		return p.speed
	}
	p.layer.job.mu.RLock()
	defer p.layer.job.mu.RUnlock()

	speed := p.speed * p.layer.passOverride(pass).SpeedScale
	for cur := p.layer; cur != nil; cur = cur.parent {
		speed *= cur.speedScale
	}
	return speed
}
