package worker

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/proctorly/attempt-engine/internal/config"
	"github.com/proctorly/attempt-engine/internal/model"
	"github.com/proctorly/attempt-engine/internal/repository"
	"github.com/proctorly/attempt-engine/internal/risk"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	BatchSize    = 50
	BatchTimeout = 2 * time.Second
	PollTimeout  = 1 * time.Second // Must be >= 1s to satisfy Redis

	cohortMedianTTL = 5 * time.Minute
)

// TelemetryPayload is the queued form of one anti-cheat event. The ingest
// endpoint pushes these to Redis; the worker drains, chains and persists
// them in batches and recomputes the attempt's risk profile.
type TelemetryPayload struct {
	AttemptID string          `json:"attempt_id"`
	EventType string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// EventLog is the append-only telemetry persistence surface the worker
// needs.
type EventLog interface {
	Append(ctx context.Context, ev *model.TelemetryEvent) (bool, error)
	ListByAttempt(ctx context.Context, attemptID uuid.UUID) ([]model.TelemetryEvent, error)
	LastDigest(ctx context.Context, attemptID uuid.UUID) (string, error)
}

// TelemetryWorker drains the telemetry queue into Postgres and keeps risk
// profiles current. Events for one attempt are chained with a running digest
// so the stored log is tamper-evident.
type TelemetryWorker struct {
	telemetry EventLog
	attempts  *repository.AttemptRepository
	answers   *repository.AnswerRepository
	profiles  *repository.RiskRepository
	exams     *repository.ExamRepository
	rdb       *redis.Client
	cfg       *config.Config
	log       zerolog.Logger
}

// NewTelemetryWorker creates a new TelemetryWorker.
func NewTelemetryWorker(
	telemetry EventLog,
	attempts *repository.AttemptRepository,
	answers *repository.AnswerRepository,
	profiles *repository.RiskRepository,
	exams *repository.ExamRepository,
	rdb *redis.Client,
	cfg *config.Config,
	log zerolog.Logger,
) *TelemetryWorker {
	return &TelemetryWorker{
		telemetry: telemetry,
		attempts:  attempts,
		answers:   answers,
		profiles:  profiles,
		exams:     exams,
		rdb:       rdb,
		cfg:       cfg,
		log:       log.With().Str("component", "telemetry_worker").Logger(),
	}
}

// Start runs the drain loop until ctx is cancelled. Batches flush on size or
// timeout, whichever comes first.
func (w *TelemetryWorker) Start(ctx context.Context) {
	w.log.Info().Msg("telemetry worker started")

	buffer := make([]*TelemetryPayload, 0, BatchSize)
	lastFlush := time.Now()

	for {
		if len(buffer) > 0 {
			if len(buffer) >= BatchSize || time.Since(lastFlush) >= BatchTimeout {
				w.flushSafe(ctx, buffer)
				buffer = buffer[:0]
				lastFlush = time.Now()
			}
		}

		select {
		case <-ctx.Done():
			w.shutdown(buffer)
			return
		default:
		}

		result, err := w.rdb.BLPop(ctx, PollTimeout, config.WorkerKey.PersistTelemetryQueue).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			w.log.Error().Err(err).Msg("redis connection error, sleeping 3s")
			time.Sleep(3 * time.Second)
			continue
		}
		if len(result) < 2 {
			continue
		}

		var payload TelemetryPayload
		if err := json.Unmarshal([]byte(result[1]), &payload); err != nil {
			// Malformed JSON cannot be retried. Log and discard.
			w.log.Error().Err(err).Str("data", result[1]).Msg("discarding malformed payload")
			continue
		}
		buffer = append(buffer, &payload)
	}
}

// flushSafe persists the batch per attempt and requeues anything that fails
// on a storage error, so a database outage loses no events.
func (w *TelemetryWorker) flushSafe(ctx context.Context, batch []*TelemetryPayload) {
	byAttempt := make(map[uuid.UUID][]*TelemetryPayload)
	for _, p := range batch {
		id, err := uuid.Parse(p.AttemptID)
		if err != nil {
			w.log.Error().Str("attempt_id", p.AttemptID).Msg("dropping event with invalid attempt id")
			continue
		}
		byAttempt[id] = append(byAttempt[id], p)
	}

	var requeue []*TelemetryPayload
	for attemptID, payloads := range byAttempt {
		if err := w.processAttempt(ctx, attemptID, payloads); err != nil {
			w.log.Error().Err(err).Str("attempt_id", attemptID.String()).Int("count", len(payloads)).Msg("flush failed, requeueing")
			requeue = append(requeue, payloads...)
		}
	}
	if len(requeue) > 0 {
		w.requeue(ctx, requeue)
	}
}

// processAttempt appends the attempt's new events to the chained log and
// recomputes its risk profile from the full stored history.
func (w *TelemetryWorker) processAttempt(ctx context.Context, attemptID uuid.UUID, payloads []*TelemetryPayload) error {
	attempt, err := w.attempts.GetByID(ctx, attemptID)
	if err != nil {
		return err
	}

	events := make([]model.TelemetryEvent, 0, len(payloads))
	for _, p := range payloads {
		events = append(events, model.TelemetryEvent{
			AttemptID:  attemptID,
			EventType:  p.EventType,
			OccurredAt: p.Timestamp,
			Metadata:   p.Metadata,
		})
	}
	// The chain is computed in occurred_at order, matching replay order.
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].OccurredAt.Before(events[j].OccurredAt)
	})

	appended, err := w.appendChained(ctx, attemptID, events)
	if err != nil {
		return err
	}
	if appended == 0 {
		// Whole batch was a duplicate replay; the profile is current.
		return nil
	}

	return w.recomputeRisk(ctx, attempt)
}

// appendChained extends the attempt's digest chain one event at a time. The
// running digest only advances over rows that actually land: a duplicate in
// the batch (a client retry, or a repeat within the batch itself) is skipped
// by the store, and chaining past it would leave the next event pointing at
// a digest that was never persisted.
func (w *TelemetryWorker) appendChained(ctx context.Context, attemptID uuid.UUID, events []model.TelemetryEvent) (int, error) {
	prev, err := w.telemetry.LastDigest(ctx, attemptID)
	if err != nil {
		return 0, err
	}

	appended := 0
	for i := range events {
		events[i].ChainDigest = risk.ChainDigest(prev, &events[i])
		landed, err := w.telemetry.Append(ctx, &events[i])
		if err != nil {
			return appended, err
		}
		if landed {
			prev = events[i].ChainDigest
			appended++
		}
	}
	return appended, nil
}

// recomputeRisk folds the attempt's full event log into a fresh assessment
// and upserts the profile. Review state on the stored profile survives.
func (w *TelemetryWorker) recomputeRisk(ctx context.Context, attempt *model.Attempt) error {
	examCfg, err := w.exams.GetConfig(ctx, attempt.ExamID)
	if err != nil {
		return err
	}
	rs := RulesetFor(w.cfg, examCfg)

	events, err := w.telemetry.ListByAttempt(ctx, attempt.ID)
	if err != nil {
		return err
	}
	assessment := risk.Fold(attempt, events, rs)

	answers, err := w.answers.GetByAttempt(ctx, attempt.ID)
	if err != nil {
		return err
	}
	medians, err := w.cohortMedians(ctx, attempt.ExamID)
	if err != nil {
		w.log.Warn().Err(err).Str("exam_id", attempt.ExamID.String()).Msg("cohort medians unavailable, skipping time-anomaly rule")
		medians = nil
	}
	flags := assessment.Flags
	if risk.TimeAnomaly(answers, medians, rs) {
		flags = append(flags, model.FlagTimeAnomaly)
	}

	profile := &model.RiskProfile{
		AttemptID: attempt.ID,
		Score:     assessment.Score,
		Flags:     flags,
	}
	if err := w.profiles.Upsert(ctx, profile); err != nil {
		return err
	}

	w.log.Debug().
		Str("attempt_id", attempt.ID.String()).
		Float64("score", assessment.Score).
		Strs("flags", flags).
		Msg("risk profile recomputed")
	return nil
}

// cohortMedians loads per-question median time figures, Redis-cached so a
// burst of telemetry does not hammer the aggregate query.
func (w *TelemetryWorker) cohortMedians(ctx context.Context, examID uuid.UUID) (map[uuid.UUID]float64, error) {
	key := config.CacheKey.CohortMedianKey(examID.String())

	if raw, err := w.rdb.Get(ctx, key).Result(); err == nil {
		medians := make(map[uuid.UUID]float64)
		if err := json.Unmarshal([]byte(raw), &medians); err == nil {
			return medians, nil
		}
	} else if err != redis.Nil {
		return nil, err
	}

	medians, err := w.answers.CohortMedians(ctx, examID)
	if err != nil {
		return nil, err
	}
	if raw, err := json.Marshal(medians); err == nil {
		_ = w.rdb.Set(ctx, key, raw, cohortMedianTTL).Err()
	}
	return medians, nil
}

func (w *TelemetryWorker) requeue(ctx context.Context, items []*TelemetryPayload) {
	pipe := w.rdb.Pipeline()
	for _, p := range items {
		data, _ := json.Marshal(p)
		pipe.RPush(ctx, config.WorkerKey.PersistTelemetryQueue, data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		w.log.Error().Err(err).Msg("CRITICAL: requeue failed, telemetry events lost")
		return
	}
	w.log.Info().Int("count", len(items)).Msg("requeued failed events")
	// Avoid thrashing while the database is down.
	time.Sleep(2 * time.Second)
}

func (w *TelemetryWorker) shutdown(buffer []*TelemetryPayload) {
	w.log.Info().Msg("telemetry worker stopping, flushing remaining buffer")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if len(buffer) > 0 {
		w.flushSafe(shutdownCtx, buffer)
	}
}

// RulesetFor merges the global risk configuration with an exam's overrides.
func RulesetFor(cfg *config.Config, exam *model.ExamConfig) risk.Ruleset {
	rs := risk.Ruleset{
		Weights:         risk.DefaultWeights(),
		DefaultWeight:   1,
		BurstWindow:     cfg.BurstWindow,
		BurstCount:      cfg.BurstCount,
		BurstPenalty:    cfg.BurstPenalty,
		Threshold:       cfg.RiskThreshold,
		AnomalyFraction: cfg.AnomalyFraction,
	}
	if exam != nil {
		if exam.RiskThreshold != nil {
			rs.Threshold = *exam.RiskThreshold
		}
		for typ, weight := range exam.RiskWeights {
			rs.Weights[typ] = weight
		}
	}
	return rs
}
