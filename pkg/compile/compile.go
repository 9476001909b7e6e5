// Package compile lowers an execution plan into a linear motion-command
// sequence: for each scheduled path instance, a power-set, a rapid to the
// entry point, an optional settle dwell, then one motion command per
// segment, repeated per pass with pass-specific overrides. The plan's
// order is preserved exactly; compilation never reorders.
//
// Copyright (C) 2026  Laserhost Developers
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package compile

import (
	"fmt"
	"strings"
	"time"

	"laserhost/pkg/errors"
	"laserhost/pkg/estimate"
	"laserhost/pkg/geom"
	"laserhost/pkg/job"
	"laserhost/pkg/planner"
	"laserhost/pkg/profile"
)

// Kind classifies one compiled instruction.
type Kind int

const (
	// KindPower sets laser power and turns it on (M3 S<n>).
	KindPower Kind = iota

	// KindPowerOff turns the laser off (M5).
	KindPowerOff

	// KindRapid is a laser-off positioning move (G0).
	KindRapid

	// KindMove is a powered linear move (G1).
	KindMove

	// KindArc is a powered arc move (G2/G3) with I/J center offsets.
	KindArc

	// KindDwell pauses for DwellSeconds (G4).
	KindDwell

	// KindModal is a modal setup line (G21, G90).
	KindModal

	// KindPassMarker emits nothing on the wire; it marks a pass boundary
	// for progress reporting.
	KindPassMarker
)

// Command is one compiled instruction. Rendered lazily to a controller
// line by Line; pass markers render empty.
type Command struct {
	Kind Kind

	// Target is the endpoint of a motion command, in work coordinates.
	Target geom.Point

	// CenterOffset is the arc center relative to the move's start point
	// (the I/J words).
	CenterOffset geom.Point

	// Clockwise selects G2 over G3 for arcs.
	Clockwise bool

	// Feed is the F word in mm/min for powered moves.
	Feed float64

	// Power is the S word in controller units (already scaled by the
	// profile's spindle maximum).
	Power float64

	// DwellSeconds is the G4 P value.
	DwellSeconds float64

	// Modal is the literal line for KindModal commands.
	Modal string

	// PathID and Pass locate the instruction in the source job for
	// progress reporting. Pass is zero-based.
	PathID job.PathID
	Pass   int

	// Duration is the estimated execution time of this command.
	Duration time.Duration
}

// Line renders the command as a controller ASCII line without the trailing
// newline. Coordinates use three decimals; feed and power are integral.
func (c Command) Line() string {
	switch c.Kind {
	case KindPower:
		return fmt.Sprintf("M3 S%.0f", c.Power)
	case KindPowerOff:
		return "M5"
	case KindRapid:
		return fmt.Sprintf("G0 X%.3f Y%.3f", c.Target.X, c.Target.Y)
	case KindMove:
		return fmt.Sprintf("G1 X%.3f Y%.3f F%.0f", c.Target.X, c.Target.Y, c.Feed)
	case KindArc:
		word := "G3"
		if c.Clockwise {
			word = "G2"
		}
		return fmt.Sprintf("%s X%.3f Y%.3f I%.3f J%.3f F%.0f",
			word, c.Target.X, c.Target.Y, c.CenterOffset.X, c.CenterOffset.Y, c.Feed)
	case KindDwell:
		return fmt.Sprintf("G4 P%.3f", c.DwellSeconds)
	case KindModal:
		return c.Modal
	default:
		return ""
	}
}

// Program is a compiled job ready for streaming.
type Program struct {
	Commands []Command

	// Estimate is the kinematic duration estimate for the whole program.
	Estimate estimate.Estimate
}

// TotalDuration sums the per-command duration estimates.
func (p *Program) TotalDuration() time.Duration {
	var total time.Duration
	for _, c := range p.Commands {
		total += c.Duration
	}
	return total
}

// Text renders the whole program as newline-terminated controller lines,
// skipping pass markers. Useful for export and for tests.
func (p *Program) Text() string {
	var b strings.Builder
	for _, c := range p.Commands {
		line := c.Line()
		if line == "" {
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}

// Compile lowers plan into a Program against the machine profile. It fails
// with a compile error when the plan is stale for the job or when any
// coordinate falls outside the work area; violations are reported, never
// clamped.
func Compile(j *job.Job, plan *planner.Plan, m *profile.Machine) (*Program, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if !plan.ValidFor(j) {
		return nil, errors.Compile("execution plan is stale; re-run the optimizer")
	}

	prog := &Program{}
	emit := func(c Command) {
		prog.Commands = append(prog.Commands, c)
	}

	emit(Command{Kind: KindModal, Modal: "G21"}) // millimeters
	emit(Command{Kind: KindModal, Modal: "G90"}) // absolute coordinates

	cursor := plan.Start
	for _, step := range plan.Steps {
		p := j.PathByID(step.PathID)
		if p == nil {
			return nil, errors.Compile("plan references unknown path %d", step.PathID)
		}

		segs := p.Segments()
		if step.Reversed {
			segs = reverseSegments(segs)
		}
		if err := checkBounds(segs, m); err != nil {
			return nil, err
		}

		entry := segs[0].Start
		for pass := 0; pass < p.Passes(); pass++ {
			emit(Command{Kind: KindPassMarker, PathID: p.ID(), Pass: pass})

			power := p.EffectivePower(pass) / 100 * m.SpindleMax
			feed := p.EffectiveSpeed(pass)
			emit(Command{Kind: KindPower, Power: power, PathID: p.ID(), Pass: pass})

			emit(Command{
				Kind:     KindRapid,
				Target:   entry,
				PathID:   p.ID(),
				Pass:     pass,
				Duration: seconds(estimate.SegmentSeconds(cursor.Distance(entry), m.MaxFeed, m.MaxAccel)),
			})
			cursor = entry

			if m.DwellMS > 0 {
				emit(Command{
					Kind:         KindDwell,
					DwellSeconds: float64(m.DwellMS) / 1000,
					PathID:       p.ID(),
					Pass:         pass,
					Duration:     m.Dwell(),
				})
			}

			for _, s := range segs {
				cmd := Command{
					Target:   s.End,
					Feed:     feed,
					PathID:   p.ID(),
					Pass:     pass,
					Duration: seconds(estimate.SegmentSeconds(s.Length(), feed, m.MaxAccel)),
				}
				if s.Kind == geom.KindArc {
					cmd.Kind = KindArc
					cmd.CenterOffset = s.Center.Sub(s.Start)
					cmd.Clockwise = s.Clockwise
				} else {
					cmd.Kind = KindMove
				}
				emit(cmd)
				cursor = s.End
			}
		}

		// Restore shared modal state between paths.
		emit(Command{Kind: KindPowerOff, PathID: p.ID()})
	}

	prog.Estimate = estimate.ForPlan(j, plan, m)
	return prog, nil
}

// checkBounds verifies every segment endpoint (and arc extreme) lies inside
// the work area.
func checkBounds(segs []geom.Segment, m *profile.Machine) error {
	b := geom.BoundsOf(segs)
	if b.IsEmpty() {
		return nil
	}
	if b.Min.X < 0 {
		return errors.CompileBounds("X", b.Min.X, 0, m.WorkAreaWidth)
	}
	if b.Max.X > m.WorkAreaWidth {
		return errors.CompileBounds("X", b.Max.X, 0, m.WorkAreaWidth)
	}
	if b.Min.Y < 0 {
		return errors.CompileBounds("Y", b.Min.Y, 0, m.WorkAreaHeight)
	}
	if b.Max.Y > m.WorkAreaHeight {
		return errors.CompileBounds("Y", b.Max.Y, 0, m.WorkAreaHeight)
	}
	return nil
}

// reverseSegments returns the chain traversed exit-to-entry.
func reverseSegments(segs []geom.Segment) []geom.Segment {
	out := make([]geom.Segment, len(segs))
	for i, s := range segs {
		out[len(segs)-1-i] = s.Reversed()
	}
	return out
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
