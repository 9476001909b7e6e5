// Copyright (C) 2026  Laserhost Developers
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"laserhost/pkg/errors"
	"laserhost/pkg/grbl"
	"laserhost/pkg/machine"
)

// fakeController is a canned Controller for handler tests.
type fakeController struct {
	mu       sync.Mutex
	state    grbl.Status
	report   grbl.Report
	feed     int
	rapid    int
	power    int
	degraded bool
	lastErr  error

	holdErr error
	jogErr  error
	jogs    []float64
}

func newFakeController() *fakeController {
	return &fakeController{
		state: grbl.StatusIdle,
		feed:  100, rapid: 100, power: 100,
		report: grbl.Report{
			State:  grbl.StatusIdle,
			MPos:   grbl.Position{X: 10, Y: 20},
			WPos:   grbl.Position{X: 10, Y: 20},
			Feed:   600,
			FeedOv: 100, RapidOv: 100, SpindleOv: 100,
		},
	}
}

func (f *fakeController) State() grbl.Status   { return f.state }
func (f *fakeController) Report() grbl.Report  { return f.report }
func (f *fakeController) PendingBytes() int    { return 0 }
func (f *fakeController) Acknowledge()         { f.degraded = false; f.lastErr = nil }
func (f *fakeController) Hold() error          { return f.holdErr }
func (f *fakeController) Resume() error        { return f.holdErr }
func (f *fakeController) SoftReset() error     { return nil }
func (f *fakeController) Degraded() (bool, error) {
	return f.degraded, f.lastErr
}
func (f *fakeController) Overrides() (int, int, int) {
	return f.feed, f.rapid, f.power
}
func (f *fakeController) SetFeedOverride(pct int) int {
	if pct > grbl.OverrideMax {
		pct = grbl.OverrideMax
	}
	f.feed = pct
	return pct
}
func (f *fakeController) SetPowerOverride(pct int) int {
	f.power = pct
	return pct
}
func (f *fakeController) SetRapidOverride(pct int) error {
	if pct != 25 && pct != 50 && pct != 100 {
		return errors.Validation("rapid override must be 25, 50 or 100, got %d", pct)
	}
	f.rapid = pct
	return nil
}
func (f *fakeController) Jog(ctx context.Context, dx, dy, feed float64) error {
	if f.jogErr != nil {
		return f.jogErr
	}
	f.mu.Lock()
	f.jogs = append(f.jogs, dx, dy, feed)
	f.mu.Unlock()
	return nil
}
func (f *fakeController) Home(ctx context.Context) error   { return nil }
func (f *fakeController) Unlock(ctx context.Context) error { return nil }
func (f *fakeController) Subscribe() (<-chan machine.Event, func()) {
	ch := make(chan machine.Event)
	return ch, func() { close(ch) }
}

func testServer(t *testing.T, ctrl Controller) *httptest.Server {
	t.Helper()
	srv := New(Config{Controller: ctrl})
	ts := httptest.NewServer(srv.routes())
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url string, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestStatusEndpoint(t *testing.T) {
	ts := testServer(t, newFakeController())

	resp, err := http.Get(ts.URL + "/machine/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got struct {
		State   string     `json:"state"`
		MPos    [3]float64 `json:"mpos"`
		Feed    float64    `json:"feed"`
		FeedOv  int        `json:"feed_override"`
		Pending int        `json:"pending_bytes"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.Equal(t, "Idle", got.State)
	require.Equal(t, [3]float64{10, 20, 0}, got.MPos)
	require.Equal(t, 600.0, got.Feed)
	require.Equal(t, 100, got.FeedOv)
}

func TestStatusIncludesDegradedError(t *testing.T) {
	ctrl := newFakeController()
	ctrl.degraded = true
	ctrl.lastErr = errors.Protocol(20, "controller rejected command: unsupported gcode command")
	ts := testServer(t, ctrl)

	resp, err := http.Get(ts.URL + "/machine/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	var got struct {
		Degraded  bool   `json:"degraded"`
		LastError string `json:"last_error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.True(t, got.Degraded)
	require.Contains(t, got.LastError, "unsupported gcode")
}

func TestFeedOverrideEndpoint(t *testing.T) {
	ctrl := newFakeController()
	ts := testServer(t, ctrl)

	resp := postJSON(t, ts.URL+"/machine/override/feed", `{"percent":150}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.Equal(t, 150, got["percent"])
	require.Equal(t, 150, ctrl.feed)

	// The applied (clamped) value is echoed back, not the request.
	resp = postJSON(t, ts.URL+"/machine/override/feed", `{"percent":999}`)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.Equal(t, grbl.OverrideMax, got["percent"])
}

func TestRapidOverrideRejectsBadLevel(t *testing.T) {
	ts := testServer(t, newFakeController())

	resp := postJSON(t, ts.URL+"/machine/override/rapid", `{"percent":30}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postJSON(t, ts.URL+"/machine/override/rapid", `{"percent":50}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestActionConflictOnInvalidState(t *testing.T) {
	ctrl := newFakeController()
	ctrl.holdErr = errors.InvalidState("hold", "Idle")
	ts := testServer(t, ctrl)

	resp := postJSON(t, ts.URL+"/machine/hold", ``)
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	var got map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.Contains(t, got["error"], "hold")
}

func TestActionRequiresPost(t *testing.T) {
	ts := testServer(t, newFakeController())

	resp, err := http.Get(ts.URL + "/machine/hold")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestJogEndpoint(t *testing.T) {
	ctrl := newFakeController()
	ts := testServer(t, ctrl)

	resp := postJSON(t, ts.URL+"/machine/jog", `{"dx":5,"dy":-2.5,"feed":1200}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, []float64{5, -2.5, 1200}, ctrl.jogs)

	ctrl.jogErr = errors.Validation("jog feed must be positive, got 0")
	resp = postJSON(t, ts.URL+"/machine/jog", `{"dx":1,"dy":0,"feed":0}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postJSON(t, ts.URL+"/machine/jog", `not json`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestNoSessionUnavailable(t *testing.T) {
	ts := testServer(t, nil)

	resp, err := http.Get(ts.URL + "/machine/status")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp2 := postJSON(t, ts.URL+"/machine/hold", ``)
	require.Equal(t, http.StatusServiceUnavailable, resp2.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := testServer(t, newFakeController())

	resp, err := http.Get(ts.URL + "/machine/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	// The engine registers its instruments at package init.
	require.Contains(t, string(body), "laserhost_lines_sent_total")
	require.Contains(t, string(body), "laserhost_pending_bytes")
}

func TestWebSocketInitialStatus(t *testing.T) {
	ts := testServer(t, newFakeController())

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/websocket"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	var ev struct {
		Kind   string `json:"kind"`
		Status *struct {
			State string `json:"state"`
		} `json:"status"`
	}
	require.NoError(t, conn.ReadJSON(&ev))
	require.Equal(t, "status", ev.Kind)
	require.NotNil(t, ev.Status)
	require.Equal(t, "Idle", ev.Status.State)
}
