// Package timer computes authoritative elapsed and remaining time for
// attempts. All computation is server-side from stored fields; client
// reported elapsed time is advisory and never consulted.
package timer

import (
	"time"

	"github.com/proctorly/attempt-engine/internal/model"
)

// Remaining returns the time the attempt has left, never below zero.
// While IN_PROGRESS it decreases with the wall clock; while PAUSED the
// running pause span is excluded so the value stays constant.
func Remaining(a *model.Attempt, now time.Time) time.Duration {
	duration := time.Duration(a.DurationSeconds) * time.Second
	remaining := duration - activeElapsed(a, now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Expired reports whether the attempt has exhausted its duration plus the
// grace period. Grace gives slow clients room to submit before the sweeper
// force-expires the attempt.
func Expired(a *model.Attempt, now time.Time, grace time.Duration) bool {
	duration := time.Duration(a.DurationSeconds) * time.Second
	return activeElapsed(a, now) > duration+grace
}

// Pause records the pause start. A second pause while already paused is a
// no-op. Returns whether the attempt changed.
func Pause(a *model.Attempt, now time.Time) bool {
	if a.PausedAt != nil {
		return false
	}
	t := now
	a.PausedAt = &t
	a.Status = model.AttemptStatusPaused
	return true
}

// Resume folds the finished pause span into TotalPausedSeconds and clears
// PausedAt. Resuming a non-paused attempt is a no-op, not an error.
// Returns whether the attempt changed.
func Resume(a *model.Attempt, now time.Time) bool {
	if a.PausedAt == nil {
		return false
	}
	span := now.Sub(*a.PausedAt)
	if span < 0 {
		span = 0
	}
	a.TotalPausedSeconds += int64(span / time.Second)
	a.PausedAt = nil
	a.Status = model.AttemptStatusInProgress
	return true
}

// activeElapsed is wall time since start minus all pause time, including a
// pause still in progress.
func activeElapsed(a *model.Attempt, now time.Time) time.Duration {
	elapsed := now.Sub(a.StartedAt)
	elapsed -= time.Duration(a.TotalPausedSeconds) * time.Second
	if a.PausedAt != nil {
		elapsed -= now.Sub(*a.PausedAt)
	}
	return elapsed
}
