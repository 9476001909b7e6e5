// Package api exposes the core to UI collaborators over HTTP: REST
// endpoints for control operations and a WebSocket feed of session events
// (state transitions, status reports, job progress).
//
// Copyright (C) 2026  Laserhost Developers
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"laserhost/pkg/errors"
	"laserhost/pkg/grbl"
	"laserhost/pkg/log"
	"laserhost/pkg/machine"
	"laserhost/pkg/metrics"
)

// Controller is the slice of the session the server drives. Implemented by
// *machine.Session.
type Controller interface {
	State() grbl.Status
	Report() grbl.Report
	Overrides() (feed, rapid, power int)
	PendingBytes() int
	Degraded() (bool, error)
	Acknowledge()
	SetFeedOverride(pct int) int
	SetPowerOverride(pct int) int
	SetRapidOverride(pct int) error
	Hold() error
	Resume() error
	SoftReset() error
	Jog(ctx context.Context, dx, dy, feed float64) error
	Home(ctx context.Context) error
	Unlock(ctx context.Context) error
	Subscribe() (<-chan machine.Event, func())
}

// Config holds server configuration.
type Config struct {
	// Addr is the HTTP listen address (e.g. ":8160").
	Addr string

	// Controller is the live session, or nil before connect.
	Controller Controller

	// Logger defaults to an "api"-prefixed logger.
	Logger *log.Logger
}

// Server is the HTTP/WebSocket front for one session.
type Server struct {
	ctrl   Controller
	addr   string
	logger *log.Logger

	httpServer *http.Server
	upgrader   websocket.Upgrader

	clientMu sync.RWMutex
	clients  map[int64]*wsClient
	nextID   int64

	running atomic.Bool
}

// New creates a server.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New("api")
	}
	s := &Server{
		ctrl:    cfg.Controller,
		addr:    cfg.Addr,
		logger:  logger,
		clients: make(map[int64]*wsClient),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	return s
}

// Start serves until Stop or a listener error. Blocking.
func (s *Server) Start() error {
	s.httpServer = &http.Server{Addr: s.addr, Handler: s.routes()}
	s.running.Store(true)
	s.logger.Info("listening on %s", s.addr)

	if s.ctrl != nil {
		go s.eventLoop()
	}
	return s.httpServer.ListenAndServe()
}

// routes builds the request multiplexer.
func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/machine/status", s.handleStatus)
	mux.HandleFunc("/machine/override/feed", s.handleOverride(func(pct int) int { return s.ctrl.SetFeedOverride(pct) }))
	mux.HandleFunc("/machine/override/power", s.handleOverride(func(pct int) int { return s.ctrl.SetPowerOverride(pct) }))
	mux.HandleFunc("/machine/override/rapid", s.handleRapidOverride)
	mux.HandleFunc("/machine/hold", s.handleAction(func() error { return s.ctrl.Hold() }))
	mux.HandleFunc("/machine/resume", s.handleAction(func() error { return s.ctrl.Resume() }))
	mux.HandleFunc("/machine/reset", s.handleAction(func() error { return s.ctrl.SoftReset() }))
	mux.HandleFunc("/machine/acknowledge", s.handleAction(func() error { s.ctrl.Acknowledge(); return nil }))
	mux.HandleFunc("/machine/home", s.handleAction(func() error { return s.ctrl.Home(context.Background()) }))
	mux.HandleFunc("/machine/unlock", s.handleAction(func() error { return s.ctrl.Unlock(context.Background()) }))
	mux.HandleFunc("/machine/jog", s.handleJog)
	mux.HandleFunc("/machine/metrics", s.handleMetrics)
	mux.HandleFunc("/websocket", s.handleWebSocket)
	return mux
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	io.WriteString(w, metrics.Gather())
}

// Stop closes the listener and every WebSocket client.
func (s *Server) Stop() error {
	s.running.Store(false)

	s.clientMu.Lock()
	for _, c := range s.clients {
		c.close()
	}
	s.clients = make(map[int64]*wsClient)
	s.clientMu.Unlock()

	if s.httpServer != nil {
		return s.httpServer.Close()
	}
	return nil
}

// statusPayload is the REST and WebSocket status representation.
type statusPayload struct {
	State     string     `json:"state"`
	MPos      [3]float64 `json:"mpos"`
	WPos      [3]float64 `json:"wpos"`
	Feed      float64    `json:"feed"`
	Spindle   float64    `json:"spindle"`
	FeedOv    int        `json:"feed_override"`
	RapidOv   int        `json:"rapid_override"`
	PowerOv   int        `json:"power_override"`
	Pending   int        `json:"pending_bytes"`
	Degraded  bool       `json:"degraded"`
	LastError string     `json:"last_error,omitempty"`
}

func (s *Server) status() statusPayload {
	rep := s.ctrl.Report()
	feed, rapid, power := s.ctrl.Overrides()
	degraded, lastErr := s.ctrl.Degraded()
	p := statusPayload{
		State:    s.ctrl.State().String(),
		MPos:     [3]float64{rep.MPos.X, rep.MPos.Y, rep.MPos.Z},
		WPos:     [3]float64{rep.WPos.X, rep.WPos.Y, rep.WPos.Z},
		Feed:     rep.Feed,
		Spindle:  rep.Spindle,
		FeedOv:   feed,
		RapidOv:  rapid,
		PowerOv:  power,
		Pending:  s.ctrl.PendingBytes(),
		Degraded: degraded,
	}
	if lastErr != nil {
		p.LastError = lastErr.Error()
	}
	return p
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.ctrl == nil {
		s.writeError(w, http.StatusServiceUnavailable, errors.New(errors.ErrConnection, "no active session"))
		return
	}
	s.writeJSON(w, s.status())
}

// handleOverride builds a POST handler for one override knob.
func (s *Server) handleOverride(apply func(int) int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if s.ctrl == nil {
			s.writeError(w, http.StatusServiceUnavailable, errors.New(errors.ErrConnection, "no active session"))
			return
		}
		var req struct {
			Percent int `json:"percent"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, errors.Validation("malformed override request: %v", err))
			return
		}
		applied := apply(req.Percent)
		s.writeJSON(w, map[string]int{"percent": applied})
	}
}

// handleAction builds a POST handler for a parameterless control.
func (s *Server) handleAction(action func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if s.ctrl == nil {
			s.writeError(w, http.StatusServiceUnavailable, errors.New(errors.ErrConnection, "no active session"))
			return
		}
		if err := action(); err != nil {
			status := http.StatusInternalServerError
			if errors.IsInvalidState(err) {
				status = http.StatusConflict
			}
			s.writeError(w, status, err)
			return
		}
		s.writeJSON(w, map[string]string{"result": "ok"})
	}
}

func (s *Server) handleRapidOverride(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.ctrl == nil {
		s.writeError(w, http.StatusServiceUnavailable, errors.New(errors.ErrConnection, "no active session"))
		return
	}
	var req struct {
		Percent int `json:"percent"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, errors.Validation("malformed override request: %v", err))
		return
	}
	if err := s.ctrl.SetRapidOverride(req.Percent); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.writeJSON(w, map[string]int{"percent": req.Percent})
}

func (s *Server) handleJog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.ctrl == nil {
		s.writeError(w, http.StatusServiceUnavailable, errors.New(errors.ErrConnection, "no active session"))
		return
	}
	var req struct {
		DX   float64 `json:"dx"`
		DY   float64 `json:"dy"`
		Feed float64 `json:"feed"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, errors.Validation("malformed jog request: %v", err))
		return
	}
	if err := s.ctrl.Jog(r.Context(), req.DX, req.DY, req.Feed); err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.IsValidation(err):
			status = http.StatusBadRequest
		case errors.IsInvalidState(err):
			status = http.StatusConflict
		}
		s.writeError(w, status, err)
		return
	}
	s.writeJSON(w, map[string]string{"result": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

// wsEvent is one WebSocket notification.
type wsEvent struct {
	Kind     string            `json:"kind"`
	Status   *statusPayload    `json:"status,omitempty"`
	Progress *machine.Progress `json:"progress,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// eventLoop bridges session events to the connected clients.
func (s *Server) eventLoop() {
	events, cancel := s.ctrl.Subscribe()
	defer cancel()

	for ev := range events {
		if !s.running.Load() {
			return
		}
		var out wsEvent
		switch ev.Kind {
		case machine.EventState, machine.EventReport:
			status := s.status()
			out = wsEvent{Kind: "status", Status: &status}
		case machine.EventProgress:
			out = wsEvent{Kind: "progress", Progress: ev.Progress}
		case machine.EventJobDone:
			out = wsEvent{Kind: "job_done"}
			if ev.Err != nil {
				out.Error = ev.Err.Error()
			}
		case machine.EventError:
			out = wsEvent{Kind: "error"}
			if ev.Err != nil {
				out.Error = ev.Err.Error()
			}
		default:
			continue
		}
		s.broadcast(out)
	}
}

// broadcast fans an event out to every client without blocking.
func (s *Server) broadcast(ev wsEvent) {
	s.clientMu.RLock()
	defer s.clientMu.RUnlock()
	for _, c := range s.clients {
		c.send(ev)
	}
}

// wsClient is one WebSocket subscriber.
type wsClient struct {
	id     int64
	conn   *websocket.Conn
	server *Server
	sendCh chan wsEvent
	done   chan struct{}
	once   sync.Once
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Warn("websocket upgrade failed")
		return
	}

	c := &wsClient{
		id:     atomic.AddInt64(&s.nextID, 1),
		conn:   conn,
		server: s,
		sendCh: make(chan wsEvent, 64),
		done:   make(chan struct{}),
	}
	s.clientMu.Lock()
	s.clients[c.id] = c
	s.clientMu.Unlock()
	s.logger.WithField("client", c.id).Info("websocket client connected")

	// Push the current status immediately so the client renders without
	// waiting for the next poll.
	if s.ctrl != nil {
		status := s.status()
		c.send(wsEvent{Kind: "status", Status: &status})
	}

	go c.writePump()
	c.readPump()
}

// send queues an event, dropping it if the client is slow.
func (c *wsClient) send(ev wsEvent) {
	select {
	case c.sendCh <- ev:
	case <-c.done:
	default:
	}
}

func (c *wsClient) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// readPump consumes client messages; the feed is one-way, so input only
// services pings and detects disconnects.
func (c *wsClient) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.close()
	}()

	c.conn.SetReadLimit(64 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case ev := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (s *Server) removeClient(c *wsClient) {
	s.clientMu.Lock()
	delete(s.clients, c.id)
	s.clientMu.Unlock()
	s.logger.WithField("client", c.id).Info("websocket client disconnected")
}
