// Copyright (C) 2026  Laserhost Developers
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package grbl

import (
	"bytes"
	"testing"
)

func TestParseStatus(t *testing.T) {
	cases := []struct {
		in   string
		want Status
	}{
		{"Idle", StatusIdle},
		{"Run", StatusRun},
		{"Hold", StatusHold},
		{"Hold:0", StatusHold},
		{"Hold:1", StatusHold},
		{"Jog", StatusJog},
		{"Alarm", StatusAlarm},
		{"Door:2", StatusDoor},
		{"Home", StatusHome},
		{"Sleep", StatusSleep},
		{"Bogus", StatusDisconnected},
	}
	for _, tc := range cases {
		if got := ParseStatus(tc.in); got != tc.want {
			t.Errorf("ParseStatus(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestParseLineClassification(t *testing.T) {
	cases := []struct {
		line string
		kind ResponseKind
		code int
	}{
		{"ok", RespOk, 0},
		{"ok\r", RespOk, 0},
		{"error:9", RespError, 9},
		{"ALARM:2", RespAlarm, 2},
		{"Grbl 1.1h ['$' for help]", RespWelcome, 0},
		{"[MSG:Caution: Unlocked]", RespFeedback, 0},
		{"$10=255", RespSetting, 0},
		{"something else", RespUnknown, 0},
	}
	for _, tc := range cases {
		resp, err := ParseLine(tc.line)
		if err != nil {
			t.Errorf("ParseLine(%q): %v", tc.line, err)
			continue
		}
		if resp.Kind != tc.kind || resp.Code != tc.code {
			t.Errorf("ParseLine(%q) = kind %v code %d, want %v/%d",
				tc.line, resp.Kind, resp.Code, tc.kind, tc.code)
		}
	}

	if _, err := ParseLine("error:abc"); err == nil {
		t.Error("malformed error ack accepted")
	}
	if _, err := ParseLine("ALARM:x"); err == nil {
		t.Error("malformed alarm accepted")
	}
}

func TestParseReportFull(t *testing.T) {
	rep, err := ParseReport("<Idle|MPos:10.000,20.000,0.000|FS:600,450|Ov:110,100,90|Bf:15,127>")
	if err != nil {
		t.Fatalf("ParseReport: %v", err)
	}
	if rep.State != StatusIdle {
		t.Errorf("State = %v", rep.State)
	}
	if rep.MPos != (Position{X: 10, Y: 20}) {
		t.Errorf("MPos = %+v", rep.MPos)
	}
	if rep.Feed != 600 || rep.Spindle != 450 {
		t.Errorf("FS = %v,%v", rep.Feed, rep.Spindle)
	}
	if rep.FeedOv != 110 || rep.RapidOv != 100 || rep.SpindleOv != 90 {
		t.Errorf("Ov = %d,%d,%d", rep.FeedOv, rep.RapidOv, rep.SpindleOv)
	}
	if rep.PlannerFree != 15 || rep.RxFree != 127 {
		t.Errorf("Bf = %d,%d", rep.PlannerFree, rep.RxFree)
	}
}

func TestParseReportDerivesWPos(t *testing.T) {
	rep, err := ParseReport("<Run|MPos:10.000,20.000,5.000|WCO:1.000,2.000,3.000>")
	if err != nil {
		t.Fatalf("ParseReport: %v", err)
	}
	if rep.WPos != (Position{X: 9, Y: 18, Z: 2}) {
		t.Errorf("derived WPos = %+v", rep.WPos)
	}

	rep, err = ParseReport("<Run|WPos:9.000,18.000,2.000|WCO:1.000,2.000,3.000>")
	if err != nil {
		t.Fatalf("ParseReport: %v", err)
	}
	if rep.MPos != (Position{X: 10, Y: 20, Z: 5}) {
		t.Errorf("derived MPos = %+v", rep.MPos)
	}
}

func TestParseReportDefaults(t *testing.T) {
	// Overrides default to 100% when the Ov field is absent.
	rep, err := ParseReport("<Idle|MPos:0.000,0.000,0.000>")
	if err != nil {
		t.Fatalf("ParseReport: %v", err)
	}
	if rep.FeedOv != 100 || rep.RapidOv != 100 || rep.SpindleOv != 100 {
		t.Errorf("Ov defaults = %d,%d,%d", rep.FeedOv, rep.RapidOv, rep.SpindleOv)
	}
	// Without a WCO the positions coincide.
	if rep.WPos != rep.MPos {
		t.Errorf("WPos %+v != MPos %+v", rep.WPos, rep.MPos)
	}
}

func TestParseReportRejectsGarbage(t *testing.T) {
	for _, line := range []string{
		"<>",
		"<Nonsense|MPos:0,0,0>",
		"<Idle|MPos:x,y,z>",
		"<Idle|WPos:1>",
	} {
		if _, err := ParseReport(line); err == nil {
			t.Errorf("ParseReport(%q) accepted", line)
		}
	}
}

func TestOverrideSteps(t *testing.T) {
	cases := []struct {
		name            string
		current, target int
		want            []byte
	}{
		{"no change", 100, 100, nil},
		{"reset to 100", 150, 100, []byte{FeedOvReset}},
		{"up coarse and fine", 100, 123, []byte{
			FeedOvPlus10, FeedOvPlus10, FeedOvPlus1, FeedOvPlus1, FeedOvPlus1}},
		{"down coarse and fine", 100, 87, []byte{
			FeedOvMinus10, FeedOvMinus1, FeedOvMinus1, FeedOvMinus1}},
		{"fine only", 100, 99, []byte{FeedOvMinus1}},
		{"overshoot up", 110, 119, []byte{FeedOvPlus10, FeedOvMinus1}},
		{"overshoot down", 119, 110, []byte{FeedOvMinus10, FeedOvPlus1}},
		{"half remainder stays fine", 110, 115, []byte{
			FeedOvPlus1, FeedOvPlus1, FeedOvPlus1, FeedOvPlus1, FeedOvPlus1}},
	}
	for _, tc := range cases {
		got := FeedOverrideSteps(tc.current, tc.target)
		if !bytes.Equal(got, tc.want) {
			t.Errorf("%s: steps = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestSpindleOverrideSteps(t *testing.T) {
	got := SpindleOverrideSteps(100, 120)
	want := []byte{SpindleOvPlus10, SpindleOvPlus10}
	if !bytes.Equal(got, want) {
		t.Errorf("steps = %v, want %v", got, want)
	}
	if SpindleOverrideSteps(150, 100)[0] != SpindleOvReset {
		t.Error("return to 100 should use the reset byte")
	}
}

func TestJogBuilders(t *testing.T) {
	if got := JogRelative(5, -2.5, 1200); got != "$J=G91X5.000Y-2.500F1200" {
		t.Errorf("JogRelative = %q", got)
	}
	if got := JogAbsolute(100, 50, 3000); got != "$J=G90X100.000Y50.000F3000" {
		t.Errorf("JogAbsolute = %q", got)
	}
	if got := JogZ(-1, 300); got != "$J=G91Z-1.000F300" {
		t.Errorf("JogZ = %q", got)
	}
}

func TestMessages(t *testing.T) {
	if got := ErrorMessage(9); got != "locked out during alarm or jog" {
		t.Errorf("ErrorMessage(9) = %q", got)
	}
	if got := ErrorMessage(999); got != "error 999" {
		t.Errorf("ErrorMessage(999) = %q", got)
	}
	if got := AlarmMessage(1); got != "hard limit triggered" {
		t.Errorf("AlarmMessage(1) = %q", got)
	}
	if got := AlarmMessage(42); got != "alarm 42" {
		t.Errorf("AlarmMessage(42) = %q", got)
	}
}

func TestPositionArithmetic(t *testing.T) {
	a := Position{X: 10, Y: 20, Z: 5}
	b := Position{X: 1, Y: 2, Z: 3}
	if a.Sub(b) != (Position{X: 9, Y: 18, Z: 2}) {
		t.Errorf("Sub = %+v", a.Sub(b))
	}
	if b.Add(a.Sub(b)) != a {
		t.Error("Add does not invert Sub")
	}
}
