package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Well-known anti-cheat event types. The weight table is open: unknown
// types are accepted and scored with the default weight.
const (
	EventTabSwitch  = "TAB_SWITCH"
	EventWindowBlur = "WINDOW_BLUR"
	EventCopy       = "COPY"
	EventPaste      = "PASTE"
	EventRightClick = "RIGHT_CLICK"
)

// TelemetryEvent is one anti-cheat signal. The log is append-only; events
// are deduplicated on (attempt_id, event_type, occurred_at) and never
// mutated or deleted.
type TelemetryEvent struct {
	AttemptID  uuid.UUID       `json:"attempt_id"`
	EventType  string          `json:"event_type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	// ChainDigest is a blake2b digest over the previous event's digest and
	// this event's identity, making the persisted log tamper-evident.
	ChainDigest string `json:"chain_digest"`
}

// Risk flags set by the scoring rules.
const (
	FlagBurstActivity = "BURST_ACTIVITY"
	FlagTimeAnomaly   = "TIME_ANOMALY"
	FlagManualReview  = "MANUAL_REVIEW"
)

// ReviewDecision values accepted from the manager-review collaborator.
const (
	ReviewDecisionCleared   = "CLEARED"
	ReviewDecisionConfirmed = "CONFIRMED"
)

// RiskProfile is the per-attempt risk assessment. Score is a deterministic
// fold over the attempt's telemetry log and is recomputed, never reset.
type RiskProfile struct {
	AttemptID      uuid.UUID `json:"attempt_id"`
	Score          float64   `json:"score"`
	Flags          []string  `json:"flags"`
	Reviewed       bool      `json:"reviewed"`
	ReviewerID     *int      `json:"reviewer_id,omitempty"`
	ReviewDecision *string   `json:"review_decision,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// HasFlag reports whether the profile carries the given flag.
func (p *RiskProfile) HasFlag(flag string) bool {
	for _, f := range p.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// IngestTelemetryRequest is the payload for the telemetry endpoint.
type IngestTelemetryRequest struct {
	EventType  string          `json:"type" binding:"required,min=1,max=64"`
	OccurredAt time.Time       `json:"timestamp" binding:"required"`
	Metadata   json.RawMessage `json:"metadata"`
}

// ReviewRequest is the payload for the manager review endpoint.
type ReviewRequest struct {
	Decision string `json:"decision" binding:"required,oneof=CLEARED CONFIRMED"`
}
