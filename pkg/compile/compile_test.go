// Copyright (C) 2026  Laserhost Developers
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package compile

import (
	"strings"
	"testing"

	"laserhost/pkg/errors"
	"laserhost/pkg/geom"
	"laserhost/pkg/job"
	"laserhost/pkg/planner"
	"laserhost/pkg/profile"
)

func line(x1, y1, x2, y2 float64) geom.Segment {
	return geom.Line(geom.Point{X: x1, Y: y1}, geom.Point{X: x2, Y: y2})
}

func testMachine() *profile.Machine {
	m := profile.Default()
	m.WorkAreaWidth = 300
	m.WorkAreaHeight = 200
	m.SpindleMax = 1000
	m.DwellMS = 0
	return m
}

func compileOne(t *testing.T, segs []geom.Segment, power, speed float64, passes int, m *profile.Machine) *Program {
	t.Helper()
	j := job.New()
	l, _ := j.NewLayer("cut", nil)
	if _, err := l.AddPath(segs, power, speed, passes); err != nil {
		t.Fatalf("AddPath: %v", err)
	}
	plan := planner.Optimize(j, planner.DefaultOptions())
	prog, err := Compile(j, plan, m)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	return prog
}

func TestCommandLineRendering(t *testing.T) {
	cases := []struct {
		cmd  Command
		want string
	}{
		{Command{Kind: KindModal, Modal: "G21"}, "G21"},
		{Command{Kind: KindPower, Power: 500}, "M3 S500"},
		{Command{Kind: KindPowerOff}, "M5"},
		{Command{Kind: KindRapid, Target: geom.Point{X: 1.5, Y: 2}}, "G0 X1.500 Y2.000"},
		{Command{Kind: KindMove, Target: geom.Point{X: 10, Y: 0}, Feed: 600}, "G1 X10.000 Y0.000 F600"},
		{Command{Kind: KindArc, Target: geom.Point{X: 2, Y: 0}, CenterOffset: geom.Point{X: 1, Y: 0}, Clockwise: true, Feed: 300},
			"G2 X2.000 Y0.000 I1.000 J0.000 F300"},
		{Command{Kind: KindArc, Target: geom.Point{X: 2, Y: 0}, CenterOffset: geom.Point{X: 1, Y: 0}, Feed: 300},
			"G3 X2.000 Y0.000 I1.000 J0.000 F300"},
		{Command{Kind: KindDwell, DwellSeconds: 0.05}, "G4 P0.050"},
		{Command{Kind: KindPassMarker}, ""},
	}
	for _, tc := range cases {
		if got := tc.cmd.Line(); got != tc.want {
			t.Errorf("Line() = %q, want %q", got, tc.want)
		}
	}
}

func TestCompileBasicSequence(t *testing.T) {
	prog := compileOne(t, []geom.Segment{line(0, 0, 10, 0)}, 50, 600, 1, testMachine())

	lines := strings.Split(strings.TrimRight(prog.Text(), "\n"), "\n")
	want := []string{
		"G21",
		"G90",
		"M3 S500",
		"G0 X0.000 Y0.000",
		"G1 X10.000 Y0.000 F600",
		"M5",
	}
	if len(lines) != len(want) {
		t.Fatalf("got %d lines: %q", len(lines), lines)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, lines[i], want[i])
		}
	}
}

func TestCompileDwell(t *testing.T) {
	m := testMachine()
	m.DwellMS = 50
	prog := compileOne(t, []geom.Segment{line(0, 0, 10, 0)}, 50, 600, 1, m)

	if !strings.Contains(prog.Text(), "G4 P0.050\n") {
		t.Errorf("missing dwell:\n%s", prog.Text())
	}
}

func TestCompilePassExpansion(t *testing.T) {
	j := job.New()
	l, _ := j.NewLayer("cut", nil)
	if err := l.SetPassOverrides([]job.PassOverride{
		{PowerScale: 1, SpeedScale: 1},
		{PowerScale: 0.5, SpeedScale: 2},
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := l.AddPath([]geom.Segment{line(0, 0, 10, 0)}, 80, 600, 2); err != nil {
		t.Fatal(err)
	}

	m := testMachine()
	plan := planner.Optimize(j, planner.DefaultOptions())
	prog, err := Compile(j, plan, m)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	text := prog.Text()
	// Pass 0: 80% of 1000. Pass 1: 40% at double feed.
	if !strings.Contains(text, "M3 S800\n") {
		t.Errorf("pass 0 power missing:\n%s", text)
	}
	if !strings.Contains(text, "M3 S400\n") {
		t.Errorf("pass 1 power missing:\n%s", text)
	}
	if !strings.Contains(text, "F1200\n") {
		t.Errorf("pass 1 feed missing:\n%s", text)
	}

	var markers int
	for _, c := range prog.Commands {
		if c.Kind == KindPassMarker {
			markers++
		}
	}
	if markers != 2 {
		t.Errorf("pass markers = %d, want 2", markers)
	}
}

func TestCompilePreservesPlanOrder(t *testing.T) {
	j := job.New()
	l, _ := j.NewLayer("cut", nil)
	for _, x := range []float64{40, 0, 20} {
		if _, err := l.AddPath([]geom.Segment{line(x, 0, x+5, 0)}, 50, 600, 1); err != nil {
			t.Fatal(err)
		}
	}

	plan := planner.Optimize(j, planner.DefaultOptions())
	prog, err := Compile(j, plan, testMachine())
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	var compiled []job.PathID
	for _, c := range prog.Commands {
		if c.Kind == KindPassMarker {
			compiled = append(compiled, c.PathID)
		}
	}
	if len(compiled) != len(plan.Steps) {
		t.Fatalf("compiled %d paths, plan has %d", len(compiled), len(plan.Steps))
	}
	for i, step := range plan.Steps {
		if compiled[i] != step.PathID {
			t.Errorf("position %d: compiled path %d, plan says %d", i, compiled[i], step.PathID)
		}
	}
}

func TestCompileStalePlanRejected(t *testing.T) {
	j := job.New()
	l, _ := j.NewLayer("cut", nil)
	if _, err := l.AddPath([]geom.Segment{line(0, 0, 10, 0)}, 50, 600, 1); err != nil {
		t.Fatal(err)
	}
	plan := planner.Optimize(j, planner.DefaultOptions())

	// Mutate the job after planning.
	l.SetVisible(false)
	l.SetVisible(true)

	if _, err := Compile(j, plan, testMachine()); !errors.IsCompile(err) {
		t.Errorf("stale plan: err = %v, want compile error", err)
	}
}

func TestCompileBoundsViolation(t *testing.T) {
	j := job.New()
	l, _ := j.NewLayer("cut", nil)
	// Endpoint past the right edge of a 300mm work area.
	if _, err := l.AddPath([]geom.Segment{line(290, 0, 310, 0)}, 50, 600, 1); err != nil {
		t.Fatal(err)
	}
	plan := planner.Optimize(j, planner.DefaultOptions())

	_, err := Compile(j, plan, testMachine())
	if !errors.IsCompile(err) {
		t.Fatalf("out-of-bounds accepted: %v", err)
	}
	// The violation is reported, never clamped to the edge.
	if !strings.Contains(err.Error(), "310") {
		t.Errorf("error should name the offending coordinate: %v", err)
	}
}

func TestCompileArcExtremesChecked(t *testing.T) {
	j := job.New()
	l, _ := j.NewLayer("cut", nil)
	// Both endpoints are inside, but the half circle's rightmost point
	// sits at x=305, past the 300mm work area.
	arc := geom.Arc(
		geom.Point{X: 295, Y: 50},
		geom.Point{X: 295, Y: 70},
		geom.Point{X: 295, Y: 60},
		false,
	)
	if _, err := l.AddPath([]geom.Segment{arc}, 50, 600, 1); err != nil {
		t.Fatal(err)
	}
	plan := planner.Optimize(j, planner.DefaultOptions())

	if _, err := Compile(j, plan, testMachine()); !errors.IsCompile(err) {
		t.Errorf("arc extreme past work area accepted: %v", err)
	}
}

func TestCompileArcAlongWorkAreaEdge(t *testing.T) {
	j := job.New()
	l, _ := j.NewLayer("cut", nil)
	// Top semicircle hugging the bottom edge: every swept point has y >= 0
	// even though the circle's lowest point sits at y=-3. Only the swept
	// portion counts against the work area.
	arc := geom.Arc(
		geom.Point{X: 0, Y: 0},
		geom.Point{X: 6, Y: 0},
		geom.Point{X: 3, Y: 0},
		true,
	)
	if _, err := l.AddPath([]geom.Segment{arc}, 50, 600, 1); err != nil {
		t.Fatal(err)
	}
	plan := planner.Optimize(j, planner.DefaultOptions())

	if _, err := Compile(j, plan, testMachine()); err != nil {
		t.Errorf("in-bounds edge arc rejected: %v", err)
	}
}

func TestCompileReversedPath(t *testing.T) {
	j := job.New()
	l, _ := j.NewLayer("cut", nil)
	// Exit at the origin: with reversal allowed the planner flips it.
	if _, err := l.AddPath([]geom.Segment{line(10, 0, 0, 0)}, 50, 600, 1); err != nil {
		t.Fatal(err)
	}
	plan := planner.Optimize(j, planner.Options{AllowReverse: true})
	if !plan.Steps[0].Reversed {
		t.Fatal("expected a reversed step")
	}

	prog, err := Compile(j, plan, testMachine())
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	text := prog.Text()
	if !strings.Contains(text, "G0 X0.000 Y0.000\n") {
		t.Errorf("rapid should target the reversed entry:\n%s", text)
	}
	if !strings.Contains(text, "G1 X10.000 Y0.000 F600\n") {
		t.Errorf("move should end at the reversed exit:\n%s", text)
	}
}

func TestCompileArcCenterOffset(t *testing.T) {
	j := job.New()
	l, _ := j.NewLayer("cut", nil)
	// Quarter circle about (10,10) from (10,0)... center offsets are
	// relative to the segment start.
	arc := geom.Arc(
		geom.Point{X: 20, Y: 10},
		geom.Point{X: 10, Y: 20},
		geom.Point{X: 10, Y: 10},
		false,
	)
	if _, err := l.AddPath([]geom.Segment{arc}, 50, 600, 1); err != nil {
		t.Fatal(err)
	}
	plan := planner.Optimize(j, planner.DefaultOptions())

	prog, err := Compile(j, plan, testMachine())
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if !strings.Contains(prog.Text(), "G3 X10.000 Y20.000 I-10.000 J0.000 F600\n") {
		t.Errorf("arc words wrong:\n%s", prog.Text())
	}
}

func TestCompileInvalidProfile(t *testing.T) {
	j := job.New()
	plan := planner.Optimize(j, planner.DefaultOptions())
	bad := testMachine()
	bad.MaxFeed = 0
	if _, err := Compile(j, plan, bad); !errors.Is(err, errors.ErrProfile) {
		t.Errorf("invalid profile accepted: %v", err)
	}
}

func TestProgramEstimatePopulated(t *testing.T) {
	prog := compileOne(t, []geom.Segment{line(0, 0, 100, 0)}, 50, 600, 1, testMachine())
	if prog.Estimate.Total() <= 0 {
		t.Errorf("Estimate.Total = %v", prog.Estimate.Total())
	}
	if prog.TotalDuration() <= 0 {
		t.Errorf("TotalDuration = %v", prog.TotalDuration())
	}
}
