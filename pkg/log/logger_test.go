// Copyright (C) 2026  Laserhost Developers
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package log

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func newTestLogger() (*Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	l := New("test")
	l.SetWriter(&buf)
	l.SetColorize(false)
	l.SetLevel(DEBUG)
	return l, &buf
}

func TestLevelFiltering(t *testing.T) {
	l, buf := newTestLogger()
	l.SetLevel(WARN)

	l.Debug("dropped")
	l.Info("dropped")
	l.Warn("kept")
	l.Error("kept too")

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Errorf("low-level records leaked: %q", out)
	}
	if !strings.Contains(out, "kept") || !strings.Contains(out, "kept too") {
		t.Errorf("high-level records missing: %q", out)
	}
}

func TestFormattedMessage(t *testing.T) {
	l, buf := newTestLogger()
	l.Info("value is %d for %s", 42, "feed")
	if !strings.Contains(buf.String(), "value is 42 for feed") {
		t.Errorf("output = %q", buf.String())
	}
}

func TestFieldsSorted(t *testing.T) {
	l, buf := newTestLogger()
	l.WithFields(Fields{"zeta": 1, "alpha": 2}).Info("msg")

	out := buf.String()
	if !strings.Contains(out, "{alpha=2, zeta=1}") {
		t.Errorf("fields not sorted: %q", out)
	}
}

func TestEntryWithFieldCopies(t *testing.T) {
	l, buf := newTestLogger()
	base := l.WithField("a", 1)
	base.WithField("b", 2).Info("two")
	base.Info("one")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines", len(lines))
	}
	if strings.Contains(lines[1], "b=2") {
		t.Errorf("entry mutation leaked into base: %q", lines[1])
	}
}

func TestParseLevel(t *testing.T) {
	for s, want := range map[string]Level{
		"debug":   DEBUG,
		"INFO":    INFO,
		"Warning": WARN,
		"error":   ERROR,
		"bogus":   INFO,
	} {
		if got := ParseLevel(s); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", s, got, want)
		}
	}
}

func TestJSONFormat(t *testing.T) {
	l, buf := newTestLogger()
	l.SetFormat(FormatJSON)
	l.WithField("device", "/dev/ttyUSB0").Warn("slow ack")

	var rec struct {
		Level   string         `json:"level"`
		Logger  string         `json:"logger"`
		Message string         `json:"message"`
		Fields  map[string]any `json:"fields"`
	}
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("invalid JSON output %q: %v", buf.String(), err)
	}
	if rec.Level != "WARN" || rec.Logger != "test" || rec.Message != "slow ack" {
		t.Errorf("record = %+v", rec)
	}
	if rec.Fields["device"] != "/dev/ttyUSB0" {
		t.Errorf("fields = %v", rec.Fields)
	}
}

func TestWithPrefixSharesSettings(t *testing.T) {
	l, buf := newTestLogger()
	l.SetLevel(ERROR)

	child := l.WithPrefix("child")
	child.Info("dropped")
	child.Error("kept")

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Errorf("child ignored parent level: %q", out)
	}
	if !strings.Contains(out, "child") {
		t.Errorf("child prefix missing: %q", out)
	}
}
