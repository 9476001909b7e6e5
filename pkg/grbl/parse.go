// Copyright (C) 2026  Laserhost Developers
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package grbl

import (
	"strconv"
	"strings"

	"laserhost/pkg/errors"
)

// ResponseKind classifies one controller output line.
type ResponseKind int

const (
	// RespOk acknowledges one queued line; its bytes leave the rx window.
	RespOk ResponseKind = iota

	// RespError rejects one queued line; Code carries the error number.
	RespError

	// RespAlarm is an asynchronous ALARM:<n> report.
	RespAlarm

	// RespReport is a <...> status report; Report is populated.
	RespReport

	// RespWelcome is the post-reset banner ("Grbl 1.1h ['$' for help]").
	RespWelcome

	// RespFeedback is a [MSG:...] or other bracketed feedback line.
	RespFeedback

	// RespSetting is a $n=value settings dump line.
	RespSetting

	// RespUnknown is any line the parser does not recognize.
	RespUnknown
)

// Response is one parsed controller output line.
type Response struct {
	Kind    ResponseKind
	Code    int    // error or alarm number
	Message string // feedback text, banner, or raw unknown line
	Report  *Report
}

// ParseLine classifies a single controller output line. The trailing
// newline must already be stripped. Partial status fields are tolerated;
// a malformed report yields a protocol error.
func ParseLine(line string) (Response, error) {
	line = strings.TrimRight(line, "\r")
	switch {
	case line == "ok":
		return Response{Kind: RespOk}, nil

	case strings.HasPrefix(line, "error:"):
		code, err := strconv.Atoi(line[len("error:"):])
		if err != nil {
			return Response{}, errors.Protocol(0, "malformed error ack %q", line)
		}
		return Response{Kind: RespError, Code: code, Message: ErrorMessage(code)}, nil

	case strings.HasPrefix(line, "ALARM:"):
		code, err := strconv.Atoi(line[len("ALARM:"):])
		if err != nil {
			return Response{}, errors.Protocol(0, "malformed alarm %q", line)
		}
		return Response{Kind: RespAlarm, Code: code, Message: AlarmMessage(code)}, nil

	case strings.HasPrefix(line, "<") && strings.HasSuffix(line, ">"):
		rep, err := ParseReport(line)
		if err != nil {
			return Response{}, err
		}
		return Response{Kind: RespReport, Report: rep}, nil

	case strings.HasPrefix(line, "Grbl "):
		return Response{Kind: RespWelcome, Message: line}, nil

	case strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]"):
		return Response{Kind: RespFeedback, Message: strings.Trim(line, "[]")}, nil

	case strings.HasPrefix(line, "$") && strings.Contains(line, "="):
		return Response{Kind: RespSetting, Message: line}, nil

	default:
		return Response{Kind: RespUnknown, Message: line}, nil
	}
}

// ParseReport parses a <...> status report. Only the state field is
// mandatory; WPos or MPos is derived from the other via the last known WCO
// when the report carries one.
func ParseReport(line string) (*Report, error) {
	body := strings.TrimSuffix(strings.TrimPrefix(line, "<"), ">")
	fields := strings.Split(body, "|")
	if len(fields) == 0 || fields[0] == "" {
		return nil, errors.Protocol(0, "status report missing state: %q", line)
	}

	rep := &Report{
		State:     ParseStatus(fields[0]),
		FeedOv:    100,
		RapidOv:   100,
		SpindleOv: 100,
	}
	if rep.State == StatusDisconnected {
		return nil, errors.Protocol(0, "status report has unknown state %q", fields[0])
	}

	var haveMPos, haveWPos, haveWCO bool
	for _, field := range fields[1:] {
		name, value, ok := strings.Cut(field, ":")
		if !ok {
			continue
		}
		switch name {
		case "MPos":
			pos, err := parsePosition(value)
			if err != nil {
				return nil, err
			}
			rep.MPos = pos
			haveMPos = true
		case "WPos":
			pos, err := parsePosition(value)
			if err != nil {
				return nil, err
			}
			rep.WPos = pos
			haveWPos = true
		case "WCO":
			pos, err := parsePosition(value)
			if err != nil {
				return nil, err
			}
			rep.WCO = pos
			haveWCO = true
		case "FS":
			parts := strings.Split(value, ",")
			if len(parts) == 2 {
				rep.Feed, _ = strconv.ParseFloat(parts[0], 64)
				rep.Spindle, _ = strconv.ParseFloat(parts[1], 64)
			}
		case "F":
			rep.Feed, _ = strconv.ParseFloat(value, 64)
		case "Ov":
			parts := strings.Split(value, ",")
			if len(parts) == 3 {
				rep.FeedOv, _ = strconv.Atoi(parts[0])
				rep.RapidOv, _ = strconv.Atoi(parts[1])
				rep.SpindleOv, _ = strconv.Atoi(parts[2])
			}
		case "Bf":
			parts := strings.Split(value, ",")
			if len(parts) == 2 {
				rep.PlannerFree, _ = strconv.Atoi(parts[0])
				rep.RxFree, _ = strconv.Atoi(parts[1])
			}
		}
	}

	// The controller reports one position kind; derive the other when the
	// offset is known (WPos = MPos - WCO).
	if haveWCO {
		if haveMPos && !haveWPos {
			rep.WPos = rep.MPos.Sub(rep.WCO)
		} else if haveWPos && !haveMPos {
			rep.MPos = rep.WPos.Add(rep.WCO)
		}
	} else if haveMPos && !haveWPos {
		rep.WPos = rep.MPos
	} else if haveWPos && !haveMPos {
		rep.MPos = rep.WPos
	}
	return rep, nil
}

// parsePosition parses an "x,y,z" (or "x,y") coordinate field.
func parsePosition(s string) (Position, error) {
	parts := strings.Split(s, ",")
	if len(parts) < 2 {
		return Position{}, errors.Protocol(0, "malformed position field %q", s)
	}
	var pos Position
	var err error
	if pos.X, err = strconv.ParseFloat(parts[0], 64); err != nil {
		return Position{}, errors.Protocol(0, "malformed position field %q", s)
	}
	if pos.Y, err = strconv.ParseFloat(parts[1], 64); err != nil {
		return Position{}, errors.Protocol(0, "malformed position field %q", s)
	}
	if len(parts) > 2 {
		if pos.Z, err = strconv.ParseFloat(parts[2], 64); err != nil {
			return Position{}, errors.Protocol(0, "malformed position field %q", s)
		}
	}
	return pos, nil
}
