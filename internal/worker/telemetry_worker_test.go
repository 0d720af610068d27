package worker

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/proctorly/attempt-engine/internal/model"
	"github.com/proctorly/attempt-engine/internal/risk"
	"github.com/rs/zerolog"
)

// fakeEventLog mimics the store's insert-time dedup on
// (event_type, occurred_at).
type fakeEventLog struct {
	events []model.TelemetryEvent
	seen   map[string]struct{}
}

func newFakeEventLog() *fakeEventLog {
	return &fakeEventLog{seen: map[string]struct{}{}}
}

func eventKey(ev *model.TelemetryEvent) string {
	return ev.EventType + "|" + ev.OccurredAt.UTC().Format(time.RFC3339Nano)
}

func (f *fakeEventLog) Append(_ context.Context, ev *model.TelemetryEvent) (bool, error) {
	key := eventKey(ev)
	if _, ok := f.seen[key]; ok {
		return false, nil
	}
	f.seen[key] = struct{}{}
	f.events = append(f.events, *ev)
	return true, nil
}

func (f *fakeEventLog) ListByAttempt(_ context.Context, _ uuid.UUID) ([]model.TelemetryEvent, error) {
	return append([]model.TelemetryEvent(nil), f.events...), nil
}

func (f *fakeEventLog) LastDigest(_ context.Context, _ uuid.UUID) (string, error) {
	if len(f.events) == 0 {
		return "", nil
	}
	return f.events[len(f.events)-1].ChainDigest, nil
}

func chainWorker(log *fakeEventLog) *TelemetryWorker {
	return &TelemetryWorker{telemetry: log, log: zerolog.Nop()}
}

func telemetryEvent(attemptID uuid.UUID, eventType string, at time.Time) model.TelemetryEvent {
	return model.TelemetryEvent{AttemptID: attemptID, EventType: eventType, OccurredAt: at}
}

func TestAppendChainedRetryWithNewEventKeepsChainValid(t *testing.T) {
	ctx := context.Background()
	store := newFakeEventLog()
	w := chainWorker(store)
	attemptID := uuid.New()
	base := time.Now().UTC().Truncate(time.Second)

	e1 := telemetryEvent(attemptID, model.EventTabSwitch, base)
	if n, err := w.appendChained(ctx, attemptID, []model.TelemetryEvent{e1}); err != nil || n != 1 {
		t.Fatalf("first append = (%d, %v), want (1, nil)", n, err)
	}
	d1 := store.events[0].ChainDigest

	// A client retry re-sends E1 alongside new E2. E1 must be skipped
	// without advancing the chain, so E2 links to the stored D1.
	e2 := telemetryEvent(attemptID, model.EventCopy, base.Add(5*time.Second))
	n, err := w.appendChained(ctx, attemptID, []model.TelemetryEvent{e1, e2})
	if err != nil || n != 1 {
		t.Fatalf("retry append = (%d, %v), want (1, nil)", n, err)
	}

	if len(store.events) != 2 {
		t.Fatalf("stored %d events, want 2", len(store.events))
	}
	if got := store.events[1].ChainDigest; got != risk.ChainDigest(d1, &store.events[1]) {
		t.Errorf("second event not chained to stored predecessor digest")
	}
	if !risk.VerifyChain(store.events) {
		t.Error("chain invalid after honest retry")
	}
}

func TestAppendChainedDuplicateWithinBatch(t *testing.T) {
	ctx := context.Background()
	store := newFakeEventLog()
	w := chainWorker(store)
	attemptID := uuid.New()
	at := time.Now().UTC().Truncate(time.Second)

	e := telemetryEvent(attemptID, model.EventPaste, at)
	next := telemetryEvent(attemptID, model.EventWindowBlur, at.Add(time.Second))
	n, err := w.appendChained(ctx, attemptID, []model.TelemetryEvent{e, e, next})
	if err != nil || n != 2 {
		t.Fatalf("append = (%d, %v), want (2, nil)", n, err)
	}
	if !risk.VerifyChain(store.events) {
		t.Error("chain invalid after intra-batch duplicate")
	}
}

func TestAppendChainedFullReplayIsNoOp(t *testing.T) {
	ctx := context.Background()
	store := newFakeEventLog()
	w := chainWorker(store)
	attemptID := uuid.New()
	base := time.Now().UTC().Truncate(time.Second)

	batch := []model.TelemetryEvent{
		telemetryEvent(attemptID, model.EventTabSwitch, base),
		telemetryEvent(attemptID, model.EventRightClick, base.Add(time.Second)),
	}
	if n, err := w.appendChained(ctx, attemptID, batch); err != nil || n != 2 {
		t.Fatalf("initial append = (%d, %v), want (2, nil)", n, err)
	}
	tail, _ := store.LastDigest(ctx, attemptID)

	n, err := w.appendChained(ctx, attemptID, batch)
	if err != nil || n != 0 {
		t.Fatalf("replay append = (%d, %v), want (0, nil)", n, err)
	}
	if got, _ := store.LastDigest(ctx, attemptID); got != tail {
		t.Error("replay moved the chain tail")
	}
	if !risk.VerifyChain(store.events) {
		t.Error("chain invalid after full replay")
	}
}
