// Real-time control: override, hold, resume, status-query and soft-reset
// bytes bypass the line queue and buffer accounting entirely. They may be
// sent in any connected state, including mid-stream with every
// acknowledgement stalled, and never consume receive-buffer budget.
//
// Copyright (C) 2026  Laserhost Developers
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package machine

import (
	"context"
	"time"

	"laserhost/pkg/errors"
	"laserhost/pkg/geom"
	"laserhost/pkg/grbl"
	"laserhost/pkg/profile"
)

// SendRealtime queues one real-time byte on the priority channel. It never
// blocks on the flow window.
func (s *Session) SendRealtime(b byte) {
	select {
	case s.realtime <- b:
		mRealtimeBytes.Inc()
	case <-s.ctx.Done():
	}
}

// clampOverride bounds an override percentage to the permitted range.
func clampOverride(pct int) int {
	if pct < grbl.OverrideMin {
		return grbl.OverrideMin
	}
	if pct > grbl.OverrideMax {
		return grbl.OverrideMax
	}
	return pct
}

// SetFeedOverride steers the controller's feed override toward pct,
// clamped to [10, 200]. The returned value is the clamped target. The
// controller applies each step immediately; the status poller confirms
// convergence via the Ov field.
func (s *Session) SetFeedOverride(pct int) int {
	pct = clampOverride(pct)
	s.mu.Lock()
	steps := grbl.FeedOverrideSteps(s.feedOv, pct)
	s.feedOv = pct
	s.mu.Unlock()

	for _, b := range steps {
		s.SendRealtime(b)
	}
	s.logger.WithField("target", pct).Debug("feed override")
	return pct
}

// SetPowerOverride steers the laser power (spindle) override toward pct,
// clamped to [10, 200].
func (s *Session) SetPowerOverride(pct int) int {
	pct = clampOverride(pct)
	s.mu.Lock()
	steps := grbl.SpindleOverrideSteps(s.powerOv, pct)
	s.powerOv = pct
	s.mu.Unlock()

	for _, b := range steps {
		s.SendRealtime(b)
	}
	s.logger.WithField("target", pct).Debug("power override")
	return pct
}

// SetRapidOverride selects one of the controller's fixed rapid override
// levels: 100, 50 or 25 percent. Other values are rejected.
func (s *Session) SetRapidOverride(pct int) error {
	var b byte
	switch pct {
	case 100:
		b = grbl.RapidOv100
	case 50:
		b = grbl.RapidOv50
	case 25:
		b = grbl.RapidOv25
	default:
		return errors.Validation("rapid override must be 25, 50 or 100, got %d", pct)
	}
	s.mu.Lock()
	s.rapidOv = pct
	s.mu.Unlock()
	s.SendRealtime(b)
	return nil
}

// Hold issues a feed-hold. Legal while a job runs or a jog is in motion;
// the controller decelerates and parks.
func (s *Session) Hold() error {
	s.mu.Lock()
	if err := s.requireStateLocked("hold", grbl.StatusRun, grbl.StatusJog); err != nil {
		s.mu.Unlock()
		return err
	}
	s.setStateLocked(grbl.StatusHold)
	s.mu.Unlock()

	s.SendRealtime(grbl.CmdFeedHold)
	s.logger.Info("feed hold")
	return nil
}

// Resume releases a feed-hold.
func (s *Session) Resume() error {
	s.mu.Lock()
	if err := s.requireStateLocked("resume", grbl.StatusHold, grbl.StatusDoor); err != nil {
		s.mu.Unlock()
		return err
	}
	s.setStateLocked(grbl.StatusRun)
	s.mu.Unlock()

	s.SendRealtime(grbl.CmdCycleStart)
	s.logger.Info("resume")
	return nil
}

// SoftReset halts the controller immediately and clears both the
// controller's and the engine's queues. The pending byte count drops to
// zero; any running job is failed. Legal in every connected state.
func (s *Session) SoftReset() error {
	s.mu.Lock()
	if s.state == grbl.StatusDisconnected {
		s.mu.Unlock()
		return errors.InvalidState("soft reset", s.state.String())
	}
	s.pending = 0
	s.inflight = nil
	s.flushSeq++
	mPendingBytes.Set(0)
	s.degraded = false
	s.lastErr = nil
	run := s.job
	s.job = nil
	s.cond.Broadcast()
	s.mu.Unlock()

	// Flush lines the writer has not picked up yet.
	for drained := false; !drained; {
		select {
		case <-s.lines:
		default:
			drained = true
		}
	}

	mSoftResets.Inc()
	s.SendRealtime(grbl.CmdSoftReset)
	if run != nil {
		run.fail(errors.New(errors.ErrInvalidState, "job aborted by soft reset"))
	}
	s.logger.Warn("soft reset")
	return nil
}

// Jog moves the head by (dx, dy) millimeters at the given feed using the
// controller's jog mode. Legal when Idle or already jogging.
func (s *Session) Jog(ctx context.Context, dx, dy, feed float64) error {
	if feed <= 0 {
		return errors.Validation("jog feed must be positive, got %g", feed)
	}
	s.mu.Lock()
	if err := s.requireStateLocked("jog", grbl.StatusIdle, grbl.StatusJog); err != nil {
		s.mu.Unlock()
		return err
	}
	s.setStateLocked(grbl.StatusJog)
	s.mu.Unlock()

	return s.SendLine(ctx, grbl.JogRelative(dx, dy, feed))
}

// JogTo moves the head to the absolute work position (x, y).
func (s *Session) JogTo(ctx context.Context, x, y, feed float64) error {
	if feed <= 0 {
		return errors.Validation("jog feed must be positive, got %g", feed)
	}
	s.mu.Lock()
	if err := s.requireStateLocked("jog", grbl.StatusIdle, grbl.StatusJog); err != nil {
		s.mu.Unlock()
		return err
	}
	s.setStateLocked(grbl.StatusJog)
	s.mu.Unlock()

	return s.SendLine(ctx, grbl.JogAbsolute(x, y, feed))
}

// Home runs the controller's homing cycle. Legal only when Idle; the
// session returns to Idle on completion or Alarm on failure, driven by
// status reports.
func (s *Session) Home(ctx context.Context) error {
	s.mu.Lock()
	if err := s.requireStateLocked("home", grbl.StatusIdle); err != nil {
		s.mu.Unlock()
		return err
	}
	s.setStateLocked(grbl.StatusHome)
	s.mu.Unlock()

	s.logger.Info("homing")
	return s.SendLine(ctx, grbl.CmdHome)
}

// Unlock clears an alarm with the controller's unlock command. Legal only
// in Alarm; the controller answers ok and subsequent status reports return
// the session to Idle.
func (s *Session) Unlock(ctx context.Context) error {
	s.mu.Lock()
	if err := s.requireStateLocked("unlock", grbl.StatusAlarm); err != nil {
		s.mu.Unlock()
		return err
	}
	s.degraded = false
	s.lastErr = nil
	s.setStateLocked(grbl.StatusIdle)
	s.mu.Unlock()

	s.logger.Info("alarm unlock")
	return s.SendLine(ctx, grbl.CmdUnlock)
}

// Frame traces the job's bounding box with the laser off so the operator
// can verify material placement. Legal only when Idle.
func (s *Session) Frame(ctx context.Context, bounds geom.Bounds, m *profile.Machine) error {
	if bounds.IsEmpty() {
		return errors.Validation("cannot frame an empty job")
	}
	s.mu.Lock()
	if err := s.requireStateLocked("frame", grbl.StatusIdle); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	feed := m.MaxFeed
	corners := []geom.Point{
		bounds.Min,
		{X: bounds.Max.X, Y: bounds.Min.Y},
		bounds.Max,
		{X: bounds.Min.X, Y: bounds.Max.Y},
		bounds.Min,
	}
	for _, c := range corners {
		if err := s.SendLine(ctx, grbl.JogAbsolute(c.X, c.Y, feed)); err != nil {
			return err
		}
	}
	return nil
}

// WaitForState blocks until the session reaches one of the wanted states
// or the timeout expires.
func (s *Session) WaitForState(timeout time.Duration, wanted ...grbl.Status) error {
	deadline := time.Now().Add(timeout)

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
	for {
		for _, w := range wanted {
			if s.state == w {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return errors.Newf(errors.ErrConnection, "timed out waiting for state, still %s", s.state)
		}
		s.cond.Wait()
	}
}
