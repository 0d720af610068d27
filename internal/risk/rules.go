// Package risk derives a per-attempt risk assessment from the append-only
// telemetry event log. The score is a fold over the log: replaying the same
// events against the same ruleset always reproduces the same assessment,
// which keeps every stored profile auditable.
package risk

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/proctorly/attempt-engine/internal/model"
)

// Ruleset parameterizes the risk fold. Weights and threshold are tenant
// configurable; the rest come from service configuration.
type Ruleset struct {
	// Weights maps event type to base score contribution. Types missing
	// from the table contribute DefaultWeight.
	Weights       map[string]float64
	DefaultWeight float64

	// Burst rule: more than BurstCount events of one type inside
	// BurstWindow adds BurstPenalty once per window crossing and sets the
	// BURST_ACTIVITY flag.
	BurstWindow  time.Duration
	BurstCount   int
	BurstPenalty float64

	// Threshold is the score at which the attempt is auto-flagged for
	// manual review.
	Threshold float64

	// AnomalyFraction: time spent under this fraction of the cohort
	// median sets the TIME_ANOMALY flag.
	AnomalyFraction float64
}

// DefaultWeights is the stock per-event-type weight table.
func DefaultWeights() map[string]float64 {
	return map[string]float64{
		model.EventTabSwitch:  5,
		model.EventWindowBlur: 3,
		model.EventCopy:       10,
		model.EventPaste:      10,
		model.EventRightClick: 2,
	}
}

// Assessment is the outcome of one fold over the event log.
type Assessment struct {
	Score float64
	Flags []string
}

// HasFlag reports whether the assessment carries the given flag.
func (a *Assessment) HasFlag(flag string) bool {
	for _, f := range a.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// Fold computes the assessment for an attempt from its full event log.
//
// Each event contributes weight(type) × decay(t) where t is the event's
// position in the attempt. Decay is monotone non-increasing, from 1.0 at
// attempt start down to 0.5 at the deadline: an isolated late event counts
// less than an early one, while genuine late floods are caught by the burst
// rule instead. The final score is clamped to [0,100].
func Fold(a *model.Attempt, events []model.TelemetryEvent, rs Ruleset) Assessment {
	events = dedupSorted(events)

	var (
		score   float64
		flags   []string
		flagged = map[string]bool{}
		windows = map[string][]time.Time{}
	)

	addFlag := func(f string) {
		if !flagged[f] {
			flagged[f] = true
			flags = append(flags, f)
		}
	}

	for i := range events {
		ev := &events[i]

		weight, ok := rs.Weights[ev.EventType]
		if !ok {
			weight = rs.DefaultWeight
		}
		score += weight * decay(a, ev.OccurredAt)

		// Burst rule: slide the per-type window forward and penalize the
		// exact event that pushes the count past the limit. The penalty
		// re-arms once the window drains below the limit.
		w := append(windows[ev.EventType], ev.OccurredAt)
		cutoff := ev.OccurredAt.Add(-rs.BurstWindow)
		for len(w) > 0 && !w[0].After(cutoff) {
			w = w[1:]
		}
		windows[ev.EventType] = w
		if len(w) == rs.BurstCount+1 {
			score += rs.BurstPenalty
			addFlag(model.FlagBurstActivity)
		}
	}

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	if score >= rs.Threshold {
		addFlag(model.FlagManualReview)
	}

	return Assessment{Score: score, Flags: flags}
}

// TimeAnomaly reports whether any answered question was completed in less
// than AnomalyFraction of its cohort median time. With no cohort data the
// rule is skipped, never faulted.
func TimeAnomaly(answers map[uuid.UUID]*model.AnswerRecord, medians map[uuid.UUID]float64, rs Ruleset) bool {
	if len(medians) == 0 {
		return false
	}
	for qid, rec := range answers {
		if rec == nil || !rec.Answered() || rec.TimeSpentSeconds <= 0 {
			continue
		}
		median, ok := medians[qid]
		if !ok || median <= 0 {
			continue
		}
		if float64(rec.TimeSpentSeconds) < median*rs.AnomalyFraction {
			return true
		}
	}
	return false
}

// decay maps an event's position inside the attempt to a multiplier in
// [0.5, 1.0], linear in elapsed active share of the duration.
func decay(a *model.Attempt, at time.Time) float64 {
	duration := time.Duration(a.DurationSeconds) * time.Second
	if duration <= 0 {
		return 1
	}
	progress := float64(at.Sub(a.StartedAt)) / float64(duration)
	if progress < 0 {
		progress = 0
	}
	if progress > 1 {
		progress = 1
	}
	return 1 - 0.5*progress
}

// dedupSorted orders events by (occurred_at, type) and drops duplicates of
// the (type, occurred_at) identity, mirroring the persistence-level dedup so
// a replay over raw input matches a replay over stored rows.
func dedupSorted(events []model.TelemetryEvent) []model.TelemetryEvent {
	sorted := make([]model.TelemetryEvent, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].OccurredAt.Equal(sorted[j].OccurredAt) {
			return sorted[i].OccurredAt.Before(sorted[j].OccurredAt)
		}
		return sorted[i].EventType < sorted[j].EventType
	})

	out := sorted[:0]
	seen := map[string]struct{}{}
	for _, ev := range sorted {
		key := ev.EventType + "|" + ev.OccurredAt.UTC().Format(time.RFC3339Nano)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, ev)
	}
	return out
}
