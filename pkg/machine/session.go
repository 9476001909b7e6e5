// Package machine implements the serial protocol engine: a MachineSession
// that streams compiled programs to a GRBL-class controller under
// byte-counted flow control, injects real-time override and control bytes
// that bypass the line queue, polls status, and enforces the session state
// machine.
//
// Concurrency model: one writer goroutine owns the transport write side
// (real-time bytes are queued on a priority channel that preempts command
// lines); one reader goroutine parses controller output; the public API is
// safe for concurrent use.
//
// Copyright (C) 2026  Laserhost Developers
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package machine

import (
	"bufio"
	"context"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"laserhost/pkg/errors"
	"laserhost/pkg/grbl"
	"laserhost/pkg/log"
	"laserhost/pkg/serial"
)

// EventKind classifies a session event.
type EventKind int

const (
	// EventState reports a session state transition.
	EventState EventKind = iota

	// EventReport carries a fresh status report.
	EventReport

	// EventProgress reports job streaming progress on each acknowledgement.
	EventProgress

	// EventJobDone reports job completion (success or abort).
	EventJobDone

	// EventError carries an asynchronous error (alarm, protocol, transport).
	EventError
)

// Event is one session notification.
type Event struct {
	Kind     EventKind
	State    grbl.Status
	Report   *grbl.Report
	Progress *Progress
	Err      error
}

// Progress describes streaming position within a running job.
type Progress struct {
	// Acked and Total count wire lines (pass markers excluded).
	Acked int
	Total int

	// Elapsed is the wall time since the job started; Remaining is the
	// estimate for the unacknowledged portion, scaled by the current feed
	// override.
	Elapsed   time.Duration
	Remaining time.Duration
}

// Options tunes session behavior.
type Options struct {
	// PollInterval is the status-query cadence. Zero selects 200ms.
	PollInterval time.Duration

	// ConnectTimeout bounds the wait for the controller to identify
	// itself after the transport opens. Zero selects 10s.
	ConnectTimeout time.Duration

	// Logger defaults to a "machine"-prefixed logger.
	Logger *log.Logger
}

// Session is a live connection to one controller. Created by Connect,
// destroyed by Disconnect.
type Session struct {
	id        uuid.UUID
	transport serial.Transport
	rxBuffer  int
	logger    *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// realtime preempts lines in the writer goroutine.
	realtime chan byte
	lines    chan outgoing

	mu       sync.Mutex
	cond     *sync.Cond // signals acks and state changes to the streamer
	state    grbl.Status
	report   grbl.Report
	pending  int        // bytes sent but not yet acknowledged
	inflight []outgoing // lines awaiting acks, send order
	flushSeq int        // bumped whenever a reset flushes the stream
	degraded bool       // an error ack poisoned the stream
	lastErr  error
	feedOv   int // last override targets we steered toward
	rapidOv  int
	powerOv  int
	banner   string
	job      *jobRun

	subMu sync.Mutex
	subs  map[int]chan Event
	nextS int
}

// outgoing is one command line in flight or queued for the writer.
type outgoing struct {
	text   string // without trailing newline
	length int    // wire length including newline
	ack    bool   // expects an ok/error acknowledgement
	seq    int    // flushSeq at submission; the writer drops stale lines
}

// Connect opens a session over an established transport. It waits for the
// controller to identify itself (welcome banner after a reset pulse, or a
// status report) before reporting Idle; a controller that wakes in an
// alarm state yields an Alarm session that must be unlocked first.
func Connect(transport serial.Transport, rxBufferSize int, opts Options) (*Session, error) {
	if rxBufferSize <= 0 {
		return nil, errors.Validation("rx buffer size must be positive, got %d", rxBufferSize)
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 200 * time.Millisecond
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = log.New("machine")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:        uuid.New(),
		transport: transport,
		rxBuffer:  rxBufferSize,
		logger:    opts.Logger,
		ctx:       ctx,
		cancel:    cancel,
		realtime:  make(chan byte, 64),
		lines:     make(chan outgoing, 256),
		state:     grbl.StatusConnecting,
		feedOv:    100,
		rapidOv:   100,
		powerOv:   100,
		subs:      make(map[int]chan Event),
	}
	s.cond = sync.NewCond(&s.mu)
	s.report.FeedOv, s.report.RapidOv, s.report.SpindleOv = 100, 100, 100

	s.wg.Add(2)
	go s.readLoop()
	go s.writeLoop()

	s.logger.WithFields(log.Fields{
		"session": s.id.String(),
		"device":  transport.Device(),
	}).Info("connecting")

	// Provoke a status report in case the controller was already up and
	// will not re-send its banner.
	s.SendRealtime(grbl.CmdStatusReport)

	if err := s.awaitIdentification(opts.ConnectTimeout); err != nil {
		s.Disconnect()
		return nil, err
	}

	s.wg.Add(1)
	go s.pollLoop(opts.PollInterval)
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() uuid.UUID { return s.id }

// State returns the current session state.
func (s *Session) State() grbl.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Report returns the most recent status report.
func (s *Session) Report() grbl.Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.report
}

// Banner returns the controller's welcome line, if one was seen.
func (s *Session) Banner() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.banner
}

// Overrides returns the feed, rapid and power override targets.
func (s *Session) Overrides() (feed, rapid, power int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.feedOv, s.rapidOv, s.powerOv
}

// PendingBytes returns the count of sent-but-unacknowledged bytes.
func (s *Session) PendingBytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// Degraded reports whether an error acknowledgement poisoned the stream.
// A degraded session accepts only status queries, real-time controls and
// Acknowledge until the operator clears it.
func (s *Session) Degraded() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded, s.lastErr
}

// Acknowledge clears the degraded flag after the operator has reviewed the
// failure. The controller-side state is not touched; an Alarm still
// requires Unlock or a soft reset.
func (s *Session) Acknowledge() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.degraded = false
	s.lastErr = nil
	s.cond.Broadcast()
}

// Disconnect tears the session down: goroutines stopped, transport closed,
// pending byte count abandoned.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	if s.state == grbl.StatusDisconnected {
		s.mu.Unlock()
		return nil
	}
	s.setStateLocked(grbl.StatusDisconnected)
	s.pending = 0
	s.inflight = nil
	s.cond.Broadcast()
	s.mu.Unlock()

	s.cancel()
	err := s.transport.Close()
	s.wg.Wait()

	s.subMu.Lock()
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
	s.subMu.Unlock()

	s.logger.WithField("session", s.id.String()).Info("disconnected")
	return err
}

// Subscribe registers an event channel. Events are dropped rather than
// block a slow subscriber. The returned cancel function unregisters and
// closes the channel.
func (s *Session) Subscribe() (<-chan Event, func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextS
	s.nextS++
	ch := make(chan Event, 64)
	s.subs[id] = ch
	return ch, func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if c, ok := s.subs[id]; ok {
			close(c)
			delete(s.subs, id)
		}
	}
}

// publish fans an event out to all subscribers without blocking.
func (s *Session) publish(ev Event) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// setStateLocked transitions the session state and notifies subscribers.
// Callers must hold s.mu.
func (s *Session) setStateLocked(next grbl.Status) {
	if s.state == next {
		return
	}
	prev := s.state
	s.state = next
	s.cond.Broadcast()
	s.logger.WithFields(log.Fields{"from": prev.String(), "to": next.String()}).Debug("state transition")
	go s.publish(Event{Kind: EventState, State: next})
}

// requireStateLocked rejects an operation unless the session is in one of
// the allowed states. Callers must hold s.mu. Nothing is sent to the
// controller on rejection.
func (s *Session) requireStateLocked(op string, allowed ...grbl.Status) error {
	for _, a := range allowed {
		if s.state == a {
			return nil
		}
	}
	return errors.InvalidState(op, s.state.String())
}

// awaitIdentification blocks until the controller produces a banner or
// status report, then settles the initial state.
func (s *Session) awaitIdentification(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	// Wake the cond wait periodically so the deadline is observed.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.mu.Lock()
				s.cond.Broadcast()
				s.mu.Unlock()
			}
		}
	}()

	s.mu.Lock()
	defer s.mu.Unlock()
	for s.state == grbl.StatusConnecting {
		if time.Now().After(deadline) {
			return errors.Connection("controller did not identify itself", serial.ErrTimeout)
		}
		s.cond.Wait()
	}
	if s.state == grbl.StatusDisconnected {
		return errors.Connection("transport closed during connect", io.EOF)
	}
	return nil
}

// readLoop parses controller output lines and dispatches them.
func (s *Session) readLoop() {
	defer s.wg.Done()

	scanner := bufio.NewScanner(readerFunc(func(p []byte) (int, error) {
		for {
			n, err := s.transport.Read(p)
			if err == serial.ErrTimeout {
				select {
				case <-s.ctx.Done():
					return 0, io.EOF
				default:
					continue
				}
			}
			return n, err
		}
	}))

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		resp, err := grbl.ParseLine(line)
		if err != nil {
			s.logger.WithError(err).Warn("unparseable controller line %q", line)
			continue
		}
		s.dispatch(resp)
	}

	// Transport gone: if the session is not already shutting down, flag it.
	s.mu.Lock()
	if s.state != grbl.StatusDisconnected {
		s.setStateLocked(grbl.StatusDisconnected)
		s.pending = 0
		s.inflight = nil
		s.cond.Broadcast()
		s.mu.Unlock()
		s.publish(Event{Kind: EventError, Err: errors.Connection("controller link lost", io.EOF)})
		return
	}
	s.mu.Unlock()
}

// dispatch routes one parsed controller line.
func (s *Session) dispatch(resp grbl.Response) {
	switch resp.Kind {
	case grbl.RespOk:
		s.handleAck(nil)

	case grbl.RespError:
		err := errors.Protocol(resp.Code, "controller rejected command: %s", resp.Message)
		s.handleAck(err)

	case grbl.RespAlarm:
		mAlarms.Inc()
		s.mu.Lock()
		s.setStateLocked(grbl.StatusAlarm)
		s.degraded = true
		alarmErr := errors.Protocol(resp.Code, "controller alarm: %s", resp.Message)
		s.lastErr = alarmErr
		s.cond.Broadcast()
		s.mu.Unlock()
		s.logger.WithField("code", resp.Code).Error("alarm: %s", resp.Message)
		s.publish(Event{Kind: EventError, State: grbl.StatusAlarm, Err: alarmErr})

	case grbl.RespReport:
		s.handleReport(resp.Report)

	case grbl.RespWelcome:
		s.mu.Lock()
		s.banner = resp.Message
		// A reset clears the controller's receive buffer and reboots it
		// into Idle; a following alarm report corrects the state if the
		// reset interrupted motion.
		s.pending = 0
		s.inflight = nil
		s.flushSeq++
		if s.state != grbl.StatusDisconnected {
			s.setStateLocked(grbl.StatusIdle)
		}
		s.cond.Broadcast()
		s.mu.Unlock()
		s.logger.Info("controller identified: %s", resp.Message)

	case grbl.RespFeedback:
		s.logger.Debug("controller feedback: %s", resp.Message)

	default:
		s.logger.Debug("ignoring controller line %q", resp.Message)
	}
}

// handleReport folds a status report into the session.
func (s *Session) handleReport(rep *grbl.Report) {
	s.mu.Lock()
	s.report = *rep
	switch {
	case s.state == grbl.StatusConnecting:
		// First contact; adopt whatever state the controller is in.
		s.setStateLocked(rep.State)
	case s.state == grbl.StatusDisconnected:
		// Stale report during teardown; drop it.
	case rep.State == grbl.StatusAlarm:
		s.setStateLocked(grbl.StatusAlarm)
	case s.state == grbl.StatusRun && rep.State == grbl.StatusHold:
		s.setStateLocked(grbl.StatusHold)
	case s.state == grbl.StatusHold && rep.State == grbl.StatusRun:
		s.setStateLocked(grbl.StatusRun)
	case s.state == grbl.StatusHome && rep.State == grbl.StatusIdle:
		s.setStateLocked(grbl.StatusIdle)
	case s.state == grbl.StatusJog && rep.State == grbl.StatusIdle:
		s.setStateLocked(grbl.StatusIdle)
	case s.state == grbl.StatusIdle && (rep.State == grbl.StatusJog || rep.State == grbl.StatusHome):
		s.setStateLocked(rep.State)
	case s.state == grbl.StatusRun && rep.State == grbl.StatusIdle && s.job == nil:
		// No job is streaming; trust the controller.
		s.setStateLocked(grbl.StatusIdle)
	}
	snapshot := s.report
	s.mu.Unlock()
	s.publish(Event{Kind: EventReport, Report: &snapshot})
}

// handleAck settles the oldest in-flight line. An error acknowledgement
// poisons the stream: the remaining queue is abandoned and the session
// degrades until the operator acknowledges.
func (s *Session) handleAck(ackErr error) {
	s.mu.Lock()
	if len(s.inflight) == 0 {
		// Ack with nothing in flight: a reset raced an acknowledgement.
		s.mu.Unlock()
		return
	}
	head := s.inflight[0]
	s.inflight = s.inflight[1:]
	s.pending -= head.length
	if s.pending < 0 {
		s.pending = 0
	}
	mPendingBytes.Set(float64(s.pending))
	if ackErr == nil {
		mAcksOK.Inc()
	} else {
		mAcksError.Inc()
	}

	var poisoned error
	if ackErr != nil {
		if ce, ok := ackErr.(*errors.CoreError); ok {
			ce.WithCommand(head.text)
		}
		// The rejected line and everything after it are indeterminate on
		// the controller side; degrade until the operator intervenes.
		s.degraded = true
		s.lastErr = ackErr
		s.setStateLocked(grbl.StatusAlarm)
		poisoned = ackErr
	}
	run := s.job
	s.cond.Broadcast()
	s.mu.Unlock()

	if run != nil {
		run.noteAck(poisoned)
	}
	if poisoned != nil {
		s.logger.WithError(poisoned).Error("command rejected, stream degraded")
		s.publish(Event{Kind: EventError, Err: poisoned})
	}
}

// writeLoop is the single transport writer. Real-time bytes preempt
// queued command lines.
func (s *Session) writeLoop() {
	defer s.wg.Done()
	for {
		// Drain real-time bytes first.
		select {
		case b := <-s.realtime:
			s.write([]byte{b})
			continue
		default:
		}

		select {
		case <-s.ctx.Done():
			return
		case b := <-s.realtime:
			s.write([]byte{b})
		case out := <-s.lines:
			// A reset may have flushed the stream after this line was
			// queued; its bytes are no longer accounted for and must not
			// reach the controller.
			s.mu.Lock()
			stale := out.seq != s.flushSeq
			s.mu.Unlock()
			if stale {
				continue
			}
			s.write(append([]byte(out.text), '\n'))
		}
	}
}

// write performs one transport write, flagging connection loss.
func (s *Session) write(data []byte) {
	if _, err := s.transport.Write(data); err != nil {
		s.mu.Lock()
		alreadyDown := s.state == grbl.StatusDisconnected
		s.mu.Unlock()
		if !alreadyDown {
			s.logger.WithError(err).Error("transport write failed")
			s.publish(Event{Kind: EventError, Err: errors.Connection("write", err)})
		}
	}
}

// pollLoop issues the status-query real-time byte at a fixed cadence,
// independent of job streaming.
func (s *Session) pollLoop(interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.SendRealtime(grbl.CmdStatusReport)
		}
	}
}

// readerFunc adapts a closure to io.Reader for bufio.Scanner.
type readerFunc func(p []byte) (int, error)

func (f readerFunc) Read(p []byte) (int, error) { return f(p) }
