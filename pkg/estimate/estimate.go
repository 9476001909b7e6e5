// Package estimate computes job durations from a trapezoidal velocity
// profile: accelerate at the machine limit, cruise at the programmed feed,
// decelerate symmetrically; short segments degrade to a triangular ramp
// that never reaches the programmed feed.
//
// Copyright (C) 2026  Laserhost Developers
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package estimate

import (
	"math"
	"time"

	"laserhost/pkg/job"
	"laserhost/pkg/planner"
	"laserhost/pkg/profile"
)

// SegmentSeconds returns the duration of one segment of the given length
// (mm) at the target feed (mm/min) under the acceleration limit (mm/s²).
// Arc lengths are chord approximations supplied by the caller.
func SegmentSeconds(lengthMM, feedMMMin, accel float64) float64 {
	if lengthMM <= 0 || feedMMMin <= 0 {
		return 0
	}
	v := feedMMMin / 60 // mm/s
	if accel <= 0 {
		return lengthMM / v
	}

	rampDist := v * v / (2 * accel)
	if 2*rampDist >= lengthMM {
		// Triangular profile: peak velocity stays below the target feed.
		return 2 * math.Sqrt(lengthMM/accel)
	}
	rampTime := v / accel
	cruiseTime := (lengthMM - 2*rampDist) / v
	return 2*rampTime + cruiseTime
}

// Estimate is a job duration broken into scalable motion time and fixed
// dwell time. Feed overrides rescale motion only.
type Estimate struct {
	// Motion is the moving time across travel and burn segments.
	Motion time.Duration

	// Dwell is the summed fixed per-path settle time, one per pass entry.
	Dwell time.Duration

	// TravelDistance and BurnDistance mirror the plan's totals.
	TravelDistance float64
	BurnDistance   float64
}

// Total returns motion plus dwell.
func (e Estimate) Total() time.Duration {
	return e.Motion + e.Dwell
}

// WithFeedOverride rescales the motion portion by the inverse of the
// override percentage. Dwell constants are unaffected.
func (e Estimate) WithFeedOverride(pct int) Estimate {
	if pct <= 0 {
		return e
	}
	scaled := e
	scaled.Motion = time.Duration(float64(e.Motion) * 100 / float64(pct))
	return scaled
}

// ForPlan walks an execution plan from its start cursor and sums segment
// durations: rapids at the machine travel feed, burn segments at each
// pass's effective speed, plus the profile's dwell per pass entry.
func ForPlan(j *job.Job, plan *planner.Plan, m *profile.Machine) Estimate {
	var e Estimate
	var motion float64

	cursor := plan.Start
	for _, step := range plan.Steps {
		p := j.PathByID(step.PathID)
		if p == nil {
			continue
		}
		segs := p.Segments()

		entry, exit := p.Entry(), p.Exit()
		if step.Reversed {
			entry, exit = exit, entry
		}

		for pass := 0; pass < p.Passes(); pass++ {
			// Rapid to the pass entry.
			motion += SegmentSeconds(cursor.Distance(entry), m.MaxFeed, m.MaxAccel)
			cursor = entry
			e.Dwell += m.Dwell()

			feed := p.EffectiveSpeed(pass)
			for _, s := range segs {
				motion += SegmentSeconds(s.Length(), feed, m.MaxAccel)
			}
			cursor = exit
		}
	}

	e.Motion = time.Duration(motion * float64(time.Second))
	e.TravelDistance = plan.TravelDistance
	e.BurnDistance = plan.BurnDistance
	return e
}
