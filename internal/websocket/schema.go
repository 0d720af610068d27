package websocket

import "github.com/proctorly/attempt-engine/internal/model"

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionSync      Action = "sync"
	ActionTelemetry Action = "telemetry"
	ActionSubmit    Action = "submit"
	ActionPing      Action = "ping"
)

// RequestPayload is a client message on the attempt stream. Action selects
// which of the optional fields are read.
type RequestPayload struct {
	Action  Action                        `json:"action"`
	Answers []model.AnswerEntry           `json:"answers,omitempty"`
	Event   *model.IngestTelemetryRequest `json:"event,omitempty"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventError     Event = "error"
	EventSynced    Event = "synced"
	EventAccepted  Event = "accepted"
	EventTimer     Event = "timer"
	EventSubmitted Event = "submitted"
	EventPong      Event = "pong"
)

type SyncedResponse struct {
	Event            Event   `json:"event"`
	Applied          int     `json:"applied"`
	Stale            int     `json:"stale"`
	RemainingSeconds float64 `json:"remaining_seconds"`
}

type AcceptedResponse struct {
	Event Event `json:"event"`
}

// TimerResponse is the periodic authoritative countdown push. Clients render
// it; local clocks never extend it.
type TimerResponse struct {
	Event            Event   `json:"event"`
	RemainingSeconds float64 `json:"remaining_seconds"`
	Status           string  `json:"status"`
}

type SubmittedResponse struct {
	Event  Event                `json:"event"`
	Result *model.AttemptResult `json:"result,omitempty"`
}

type ErrorResponse struct {
	Event Event  `json:"event"`
	Code  string `json:"code,omitempty"`
	Error string `json:"error"`
}

type PongResponse struct {
	Event Event `json:"event"`
}
