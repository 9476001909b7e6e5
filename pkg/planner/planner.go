// Package planner reorders a job's visible burn paths to minimize
// non-burning travel. Greedy nearest-neighbor construction with an optional
// adjacent-swap improvement pass; deterministic with stable tie-breaking on
// document order.
//
// Copyright (C) 2026  Laserhost Developers
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package planner

import (
	"laserhost/pkg/geom"
	"laserhost/pkg/job"
)

// Options controls plan construction.
type Options struct {
	// Start is the cursor position the first travel move begins from,
	// typically the current machine position or the origin.
	Start geom.Point

	// StrictLayerOrder confines reordering to within each layer, keeping
	// layers in document order. When false, paths reorder freely across
	// all visible layers.
	StrictLayerOrder bool

	// AllowReverse permits traversing a path from its exit point when
	// that is closer to the cursor.
	AllowReverse bool

	// Improve enables the adjacent-swap (restricted 2-opt) improvement
	// pass after greedy construction.
	Improve bool
}

// DefaultOptions matches the interactive application defaults: free
// reordering across layers, reversal allowed, improvement on.
func DefaultOptions() Options {
	return Options{AllowReverse: true, Improve: true}
}

// Step schedules one path traversal.
type Step struct {
	PathID   job.PathID
	Reversed bool
}

// Plan is the optimizer output: an ordered traversal of every visible path
// with aggregate travel/burn distances for operator feedback. A plan is a
// permutation of the job's visible paths; the compiler consumes it once.
type Plan struct {
	Steps []Step

	// TravelDistance is the summed laser-off repositioning distance,
	// including inter-pass returns for open paths.
	TravelDistance float64

	// BurnDistance is the summed geometry length across all passes.
	BurnDistance float64

	// Start is the cursor position the plan was built from; End is the
	// cursor position after the final path.
	Start geom.Point
	End   geom.Point

	jobEpoch uint64
}

// ValidFor reports whether the plan still matches the job's structure.
// Any visibility or override mutation since Optimize invalidates the plan.
func (p *Plan) ValidFor(j *job.Job) bool {
	return p != nil && p.jobEpoch == j.Epoch()
}

// candidate is a path with its traversal endpoints precomputed.
type candidate struct {
	path  *job.Path
	order int // document order, used for stable tie-breaking
}

// Optimize builds an execution plan over the job's visible paths.
func Optimize(j *job.Job, opts Options) *Plan {
	epoch := j.Epoch()
	visible := j.VisiblePaths()

	plan := &Plan{Start: opts.Start, End: opts.Start, jobEpoch: epoch}
	if len(visible) == 0 {
		return plan
	}

	var groups [][]*job.Path
	if opts.StrictLayerOrder {
		groups = groupByLayer(visible)
	} else {
		groups = [][]*job.Path{visible}
	}

	cursor := opts.Start
	for _, group := range groups {
		cursor = appendGreedy(plan, group, cursor, opts)
	}

	if opts.Improve {
		improveAdjacent(plan, j, opts.Start, opts.StrictLayerOrder)
	}

	plan.End = cursor
	if opts.Improve {
		// Recompute the exit cursor; swaps may have changed the last step.
		plan.End = planExit(plan, j, opts.Start)
	}
	return plan
}

// groupByLayer splits a document-ordered path list into runs sharing a
// layer, preserving order.
func groupByLayer(paths []*job.Path) [][]*job.Path {
	var groups [][]*job.Path
	var cur []*job.Path
	for i, p := range paths {
		if i > 0 && p.Layer() != paths[i-1].Layer() {
			groups = append(groups, cur)
			cur = nil
		}
		cur = append(cur, p)
	}
	if len(cur) > 0 {
		groups = append(groups, cur)
	}
	return groups
}

// appendGreedy schedules group onto the plan with nearest-neighbor
// selection, returning the updated cursor.
func appendGreedy(plan *Plan, group []*job.Path, cursor geom.Point, opts Options) geom.Point {
	remaining := make([]candidate, len(group))
	for i, p := range group {
		remaining[i] = candidate{path: p, order: i}
	}

	for len(remaining) > 0 {
		bestIdx := 0
		bestRev := false
		bestDistSq := cursor.DistanceSq(remaining[0].path.Entry())
		if opts.AllowReverse {
			if d := cursor.DistanceSq(remaining[0].path.Exit()); d < bestDistSq {
				bestDistSq = d
				bestRev = true
			}
		}
		// Strict less-than keeps the lowest document order on ties.
		for i := 1; i < len(remaining); i++ {
			if d := cursor.DistanceSq(remaining[i].path.Entry()); d < bestDistSq {
				bestDistSq = d
				bestIdx = i
				bestRev = false
			}
			if opts.AllowReverse {
				if d := cursor.DistanceSq(remaining[i].path.Exit()); d < bestDistSq {
					bestDistSq = d
					bestIdx = i
					bestRev = true
				}
			}
		}

		chosen := remaining[bestIdx]
		remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)

		cursor = appendStep(plan, chosen.path, bestRev, cursor)
	}
	return cursor
}

// appendStep accounts one path traversal (all passes) and returns the new
// cursor.
func appendStep(plan *Plan, p *job.Path, reversed bool, cursor geom.Point) geom.Point {
	entry, exit := p.Entry(), p.Exit()
	if reversed {
		entry, exit = exit, entry
	}

	plan.Steps = append(plan.Steps, Step{PathID: p.ID(), Reversed: reversed})
	plan.TravelDistance += cursor.Distance(entry)
	plan.BurnDistance += p.Length() * float64(p.Passes())
	// Each extra pass rapids back to the entry point unless the path is
	// closed.
	if p.Passes() > 1 && !p.Closed() {
		plan.TravelDistance += exit.Distance(entry) * float64(p.Passes()-1)
	}
	return exit
}

// improveAdjacent performs a restricted 2-opt pass: swap adjacent plan
// entries whenever that shortens total travel. Repeats until no swap
// improves.
func improveAdjacent(plan *Plan, j *job.Job, start geom.Point, strict bool) {
	if len(plan.Steps) < 2 {
		return
	}

	entryOf := func(s Step) geom.Point {
		p := j.PathByID(s.PathID)
		if s.Reversed {
			return p.Exit()
		}
		return p.Entry()
	}
	exitOf := func(s Step) geom.Point {
		p := j.PathByID(s.PathID)
		if s.Reversed {
			return p.Entry()
		}
		return p.Exit()
	}

	improved := true
	for improved {
		improved = false
		cursor := start
		for i := 0; i+1 < len(plan.Steps); i++ {
			a, b := plan.Steps[i], plan.Steps[i+1]
			if j.PathByID(a.PathID).Layer() != j.PathByID(b.PathID).Layer() && strict {
				cursor = exitOf(a)
				continue
			}

			var after geom.Point
			hasAfter := i+2 < len(plan.Steps)
			if hasAfter {
				after = entryOf(plan.Steps[i+2])
			}

			current := cursor.Distance(entryOf(a)) + exitOf(a).Distance(entryOf(b))
			swapped := cursor.Distance(entryOf(b)) + exitOf(b).Distance(entryOf(a))
			if hasAfter {
				current += exitOf(b).Distance(after)
				swapped += exitOf(a).Distance(after)
			}

			if swapped < current {
				plan.Steps[i], plan.Steps[i+1] = b, a
				plan.TravelDistance += swapped - current
				improved = true
			}
			cursor = exitOf(plan.Steps[i])
		}
	}
}

// planExit recomputes the cursor position after the final step.
func planExit(plan *Plan, j *job.Job, start geom.Point) geom.Point {
	if len(plan.Steps) == 0 {
		return start
	}
	last := plan.Steps[len(plan.Steps)-1]
	p := j.PathByID(last.PathID)
	if last.Reversed {
		return p.Entry()
	}
	return p.Exit()
}
