// Job streaming under byte-counted flow control.
//
// The engine counts every command line's wire length (including the
// newline) against the controller's receive buffer. A line is handed to
// the writer only when its length plus the pending unacknowledged bytes
// fits; each ok/error acknowledgement releases the oldest line's bytes.
// This pipelines up to buffer capacity without ever overflowing it.
//
// Copyright (C) 2026  Laserhost Developers
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package machine

import (
	"context"
	"sync"
	"time"

	"laserhost/pkg/compile"
	"laserhost/pkg/errors"
	"laserhost/pkg/grbl"
	"laserhost/pkg/log"
)

// jobRun tracks one in-progress program.
type jobRun struct {
	session *Session

	mu        sync.Mutex
	total     int
	acked     int
	durations []time.Duration // per wire line, estimator output
	remaining time.Duration
	started   time.Time
	err       error
	done      chan struct{}
	closed    bool
}

// noteAck records one acknowledgement and publishes progress. A non-nil
// err aborts the run.
func (r *jobRun) noteAck(err error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	if r.acked < r.total {
		r.remaining -= r.durations[r.acked]
		r.acked++
	}
	prog := r.progressLocked()
	finished := err != nil || r.acked >= r.total
	if finished {
		r.err = err
		r.closed = true
		close(r.done)
	}
	r.mu.Unlock()

	r.session.publish(Event{Kind: EventProgress, Progress: &prog})
}

// fail aborts the run from outside the ack path (reset, disconnect).
func (r *jobRun) fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.err = err
	r.closed = true
	close(r.done)
}

// progressLocked snapshots progress; callers hold r.mu.
func (r *jobRun) progressLocked() Progress {
	feed, _, _ := r.session.Overrides()
	remaining := r.remaining
	if feed > 0 && feed != 100 {
		remaining = time.Duration(float64(remaining) * 100 / float64(feed))
	}
	if remaining < 0 {
		remaining = 0
	}
	return Progress{
		Acked:     r.acked,
		Total:     r.total,
		Elapsed:   time.Since(r.started),
		Remaining: remaining,
	}
}

// RunJob streams a compiled program to the controller. It requires an Idle
// non-degraded session, transitions to Run, and blocks until every line is
// acknowledged, the context is cancelled (which soft-resets the
// controller), or the stream degrades on an error acknowledgement.
func (s *Session) RunJob(ctx context.Context, prog *compile.Program) error {
	lines, durations := wireLines(prog)
	if len(lines) == 0 {
		return errors.Validation("program contains no commands")
	}
	for _, l := range lines {
		if len(l)+1 > s.rxBuffer {
			return errors.Validation("command line %q exceeds the %d-byte receive buffer", l, s.rxBuffer)
		}
	}

	run := &jobRun{
		session:   s,
		total:     len(lines),
		durations: durations,
		started:   time.Now(),
		done:      make(chan struct{}),
	}
	for _, d := range durations {
		run.remaining += d
	}

	s.mu.Lock()
	if err := s.requireStateLocked("run job", grbl.StatusIdle); err != nil {
		s.mu.Unlock()
		return err
	}
	if s.degraded {
		s.mu.Unlock()
		return errors.InvalidState("run job", "degraded")
	}
	s.job = run
	s.setStateLocked(grbl.StatusRun)
	s.mu.Unlock()

	s.logger.WithFields(log.Fields{
		"lines":    len(lines),
		"estimate": prog.Estimate.Total().Round(time.Second).String(),
	}).Info("job started")

	// Wake the flow window when the caller gives up.
	watchDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.cond.Broadcast()
			s.mu.Unlock()
		case <-watchDone:
		}
	}()
	defer close(watchDone)

	var streamErr error
	for _, line := range lines {
		// A reset or error ack may have ended the run between submissions.
		run.mu.Lock()
		ended, endErr := run.closed, run.err
		run.mu.Unlock()
		if ended {
			streamErr = endErr
			break
		}
		if err := s.submitLine(ctx, line); err != nil {
			streamErr = err
			break
		}
	}

	if streamErr == nil {
		select {
		case <-run.done:
			run.mu.Lock()
			streamErr = run.err
			run.mu.Unlock()
		case <-ctx.Done():
			streamErr = ctx.Err()
		}
	}

	if ctx.Err() != nil && streamErr == ctx.Err() {
		// Caller abort: halt the controller and flush both queues.
		s.logger.Warn("job cancelled, issuing soft reset")
		s.SoftReset()
		run.fail(streamErr)
	}

	s.mu.Lock()
	s.job = nil
	if streamErr == nil && s.state == grbl.StatusRun {
		s.setStateLocked(grbl.StatusIdle)
	}
	s.mu.Unlock()

	if streamErr == nil {
		mJobsCompleted.Inc()
		s.logger.Info("job complete")
	} else {
		mJobsFailed.Inc()
	}
	s.publish(Event{Kind: EventJobDone, Err: streamErr})
	return streamErr
}

// submitLine blocks until the line fits in the flow window, then records
// it in flight and hands it to the writer goroutine.
func (s *Session) submitLine(ctx context.Context, text string) error {
	out := outgoing{text: text, length: len(text) + 1, ack: true}

	s.mu.Lock()
	seq := s.flushSeq
	for {
		if s.state == grbl.StatusDisconnected {
			s.mu.Unlock()
			return errors.New(errors.ErrConnection, "session disconnected")
		}
		if s.flushSeq != seq {
			// A reset flushed the stream while this line waited for room;
			// it no longer belongs to anything.
			s.mu.Unlock()
			return errors.New(errors.ErrInvalidState, "stream flushed by reset")
		}
		if s.degraded {
			err := s.lastErr
			s.mu.Unlock()
			if err == nil {
				err = errors.New(errors.ErrProtocol, "stream degraded")
			}
			return err
		}
		if ctx.Err() != nil {
			s.mu.Unlock()
			return ctx.Err()
		}
		if s.pending+out.length <= s.rxBuffer {
			break
		}
		s.cond.Wait()
	}
	out.seq = seq
	s.pending += out.length
	s.inflight = append(s.inflight, out)
	mLinesSent.Inc()
	mPendingBytes.Set(float64(s.pending))
	s.mu.Unlock()

	select {
	case s.lines <- out:
		return nil
	case <-s.ctx.Done():
		return errors.New(errors.ErrConnection, "session closed")
	}
}

// SendLine submits a single ad-hoc command line under flow control and
// returns once it is queued (not acknowledged). Used for jog, homing and
// unlock lines.
func (s *Session) SendLine(ctx context.Context, text string) error {
	return s.submitLine(ctx, text)
}

// wireLines extracts the program's wire lines and their duration
// estimates, skipping pass markers.
func wireLines(prog *compile.Program) ([]string, []time.Duration) {
	lines := make([]string, 0, len(prog.Commands))
	durations := make([]time.Duration, 0, len(prog.Commands))
	for _, c := range prog.Commands {
		line := c.Line()
		if line == "" {
			continue
		}
		lines = append(lines, line)
		durations = append(durations, c.Duration)
	}
	return lines, durations
}
