// Package grbl implements the GRBL-class controller wire protocol: machine
// status values, real-time command bytes, response and status-report
// parsing, and jog/system command builders.
//
// The protocol is line-oriented ASCII: command lines terminated by '\n',
// acknowledged with "ok" or "error:<code>". Real-time commands are single
// bytes that bypass the line buffer entirely.
//
// Copyright (C) 2026  Laserhost Developers
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package grbl

import "fmt"

// Status is the controller (and session) machine state.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusIdle
	StatusRun
	StatusHold
	StatusJog
	StatusAlarm
	StatusDoor
	StatusCheck
	StatusHome
	StatusSleep
)

// String returns the canonical state name.
func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "Disconnected"
	case StatusConnecting:
		return "Connecting"
	case StatusIdle:
		return "Idle"
	case StatusRun:
		return "Run"
	case StatusHold:
		return "Hold"
	case StatusJog:
		return "Jog"
	case StatusAlarm:
		return "Alarm"
	case StatusDoor:
		return "Door"
	case StatusCheck:
		return "Check"
	case StatusHome:
		return "Home"
	case StatusSleep:
		return "Sleep"
	default:
		return "Unknown"
	}
}

// ParseStatus maps a status-report state field to a Status. Sub-states
// like "Hold:1" and "Door:2" map to their base state.
func ParseStatus(s string) Status {
	switch s {
	case "Idle":
		return StatusIdle
	case "Run":
		return StatusRun
	case "Hold", "Hold:0", "Hold:1":
		return StatusHold
	case "Jog":
		return StatusJog
	case "Alarm":
		return StatusAlarm
	case "Door", "Door:0", "Door:1", "Door:2", "Door:3":
		return StatusDoor
	case "Check":
		return StatusCheck
	case "Home":
		return StatusHome
	case "Sleep":
		return StatusSleep
	default:
		return StatusDisconnected
	}
}

// Real-time command bytes. These bypass the controller's line buffer and
// take effect immediately; they never consume receive-buffer budget.
const (
	CmdStatusReport byte = '?'
	CmdCycleStart   byte = '~'
	CmdFeedHold     byte = '!'
	CmdSoftReset    byte = 0x18

	FeedOvReset   byte = 0x90
	FeedOvPlus10  byte = 0x91
	FeedOvMinus10 byte = 0x92
	FeedOvPlus1   byte = 0x93
	FeedOvMinus1  byte = 0x94

	RapidOv100 byte = 0x95
	RapidOv50  byte = 0x96
	RapidOv25  byte = 0x97

	SpindleOvReset   byte = 0x99
	SpindleOvPlus10  byte = 0x9A
	SpindleOvMinus10 byte = 0x9B
	SpindleOvPlus1   byte = 0x9C
	SpindleOvMinus1  byte = 0x9D
)

// System command lines.
const (
	CmdHome   = "$H"
	CmdUnlock = "$X"
)

// Override limits enforced before any override byte is transmitted.
const (
	OverrideMin = 10
	OverrideMax = 200
)

// Position is a machine coordinate triple in millimeters.
type Position struct {
	X float64
	Y float64
	Z float64
}

// Sub returns p - q componentwise.
func (p Position) Sub(q Position) Position {
	return Position{X: p.X - q.X, Y: p.Y - q.Y, Z: p.Z - q.Z}
}

// Add returns p + q componentwise.
func (p Position) Add(q Position) Position {
	return Position{X: p.X + q.X, Y: p.Y + q.Y, Z: p.Z + q.Z}
}

// Report is a parsed status report:
// <Idle|MPos:0.000,0.000,0.000|FS:0,0|Ov:100,100,100>.
type Report struct {
	State Status

	// MPos is the machine position; WPos the work position; WCO the work
	// coordinate offset (WPos = MPos - WCO).
	MPos Position
	WPos Position
	WCO  Position

	// Feed is the current feed rate (mm/min); Spindle the current S value.
	Feed    float64
	Spindle float64

	// FeedOv, RapidOv and SpindleOv are the controller-side override
	// percentages from the Ov field.
	FeedOv    int
	RapidOv   int
	SpindleOv int

	// PlannerFree and RxFree are the free planner-block and rx-buffer
	// slots from the Bf field, when reported.
	PlannerFree int
	RxFree      int
}

// OverrideSteps returns the fewest real-time bytes that move a
// controller-side override percentage from current to target: the reset
// byte when the target is 100%, otherwise coarse ±10 steps and a fine ±1
// remainder, overshooting by one coarse step when that is shorter (for
// example +9 is one +10 and one -1). Targets are expected to be
// pre-clamped to [OverrideMin, OverrideMax].
func OverrideSteps(current, target int, reset, plus10, minus10, plus1, minus1 byte) []byte {
	if current == target {
		return nil
	}
	if target == 100 {
		return []byte{reset}
	}

	delta := target - current
	tens := delta / 10
	ones := delta - tens*10
	if ones > 5 {
		tens++
		ones -= 10
	} else if ones < -5 {
		tens--
		ones += 10
	}

	var out []byte
	for ; tens > 0; tens-- {
		out = append(out, plus10)
	}
	for ; tens < 0; tens++ {
		out = append(out, minus10)
	}
	for ; ones > 0; ones-- {
		out = append(out, plus1)
	}
	for ; ones < 0; ones++ {
		out = append(out, minus1)
	}
	return out
}

// FeedOverrideSteps returns the byte sequence for a feed override change.
func FeedOverrideSteps(current, target int) []byte {
	return OverrideSteps(current, target, FeedOvReset, FeedOvPlus10, FeedOvMinus10, FeedOvPlus1, FeedOvMinus1)
}

// SpindleOverrideSteps returns the byte sequence for a laser power
// override change.
func SpindleOverrideSteps(current, target int) []byte {
	return OverrideSteps(current, target, SpindleOvReset, SpindleOvPlus10, SpindleOvMinus10, SpindleOvPlus1, SpindleOvMinus1)
}

// JogRelative builds a GRBL v1.1 $J= jog line moving by (dx, dy) mm at the
// given feed.
func JogRelative(dx, dy, feed float64) string {
	return fmt.Sprintf("$J=G91X%.3fY%.3fF%.0f", dx, dy, feed)
}

// JogAbsolute builds a $J= jog line to the absolute work position (x, y).
func JogAbsolute(x, y, feed float64) string {
	return fmt.Sprintf("$J=G90X%.3fY%.3fF%.0f", x, y, feed)
}

// JogZ builds a $J= jog line moving the Z axis by dz mm.
func JogZ(dz, feed float64) string {
	return fmt.Sprintf("$J=G91Z%.3fF%.0f", dz, feed)
}

// errorMessages maps GRBL v1.1 error codes to their documented meaning.
var errorMessages = map[int]string{
	1:  "expected command letter",
	2:  "bad number format",
	3:  "invalid $ system command",
	4:  "negative value not allowed",
	5:  "homing cycle not enabled",
	7:  "EEPROM read failure",
	8:  "$ command only valid when idle",
	9:  "locked out during alarm or jog",
	10: "soft limits require homing",
	11: "line exceeds max length",
	14: "build info line too long",
	15: "jog target exceeds machine travel",
	16: "invalid jog command",
	17: "laser mode requires PWM output",
	20: "unsupported gcode command",
	21: "modal group violation",
	22: "undefined feed rate",
	23: "command requires integer value",
	24: "more than one command in modal group",
	25: "repeated gcode word",
	26: "missing axis words",
	27: "invalid line number",
	28: "missing required value word",
	29: "unsupported work coordinate system",
	30: "G53 requires G0 or G1",
	31: "unneeded axis words",
	32: "G2/G3 requires a plane axis word",
	33: "invalid motion target",
	34: "arc radius computation failed",
	35: "G2/G3 requires offset word",
	36: "unused value words",
	37: "tool length offset axis invalid",
	38: "tool number out of range",
}

// ErrorMessage returns the human-readable meaning of an error:<code>
// acknowledgement.
func ErrorMessage(code int) string {
	if msg, ok := errorMessages[code]; ok {
		return msg
	}
	return fmt.Sprintf("error %d", code)
}

// alarmMessages maps GRBL v1.1 alarm codes to their documented meaning.
var alarmMessages = map[int]string{
	1: "hard limit triggered",
	2: "motion target exceeds travel",
	3: "reset while in motion",
	4: "probe fail: not in expected state",
	5: "probe fail: no contact",
	6: "homing fail: reset during cycle",
	7: "homing fail: door opened",
	8: "homing fail: limit stayed engaged",
	9: "homing fail: limit not found",
}

// AlarmMessage returns the human-readable meaning of an ALARM:<code>
// report.
func AlarmMessage(code int) string {
	if msg, ok := alarmMessages[code]; ok {
		return msg
	}
	return fmt.Sprintf("alarm %d", code)
}
