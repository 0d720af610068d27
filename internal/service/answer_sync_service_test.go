package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/proctorly/attempt-engine/internal/model"
)

type fakeAnswerStore struct {
	records map[uuid.UUID]map[uuid.UUID]*model.AnswerRecord
	saves   int
	failAll bool
}

func newFakeAnswerStore() *fakeAnswerStore {
	return &fakeAnswerStore{records: make(map[uuid.UUID]map[uuid.UUID]*model.AnswerRecord)}
}

func (f *fakeAnswerStore) GetByAttempt(_ context.Context, attemptID uuid.UUID) (map[uuid.UUID]*model.AnswerRecord, error) {
	out := make(map[uuid.UUID]*model.AnswerRecord)
	for qid, rec := range f.records[attemptID] {
		cp := *rec
		out[qid] = &cp
	}
	return out, nil
}

func (f *fakeAnswerStore) SaveBatch(_ context.Context, records []*model.AnswerRecord) error {
	if f.failAll {
		return errors.New("db down")
	}
	f.saves++
	for _, rec := range records {
		byQ := f.records[rec.AttemptID]
		if byQ == nil {
			byQ = make(map[uuid.UUID]*model.AnswerRecord)
			f.records[rec.AttemptID] = byQ
		}
		cp := *rec
		byQ[rec.QuestionID] = &cp
	}
	return nil
}

func questionIndexFor(qs ...model.Question) map[uuid.UUID]*model.Question {
	idx := make(map[uuid.UUID]*model.Question, len(qs))
	for i := range qs {
		idx[qs[i].ID] = &qs[i]
	}
	return idx
}

func TestSyncAppliesNewAnswers(t *testing.T) {
	store := newFakeAnswerStore()
	svc := NewAnswerSyncService(store)
	attempt := &model.Attempt{ID: uuid.New(), ExamID: uuid.New()}

	q1 := model.Question{ID: uuid.New(), Type: model.QuestionTypeMCQSingle}
	q2 := model.Question{ID: uuid.New(), Type: model.QuestionTypeMCQMulti}
	idx := questionIndexFor(q1, q2)

	now := time.Now()
	outcome, err := svc.Sync(context.Background(), attempt, idx, []model.AnswerEntry{
		{QuestionID: q1.ID, Selected: []string{"A"}, AnsweredAt: now, TimeSpentSeconds: 10},
		{QuestionID: q2.ID, Selected: []string{"A", "C"}, AnsweredAt: now, TimeSpentSeconds: 25},
	}, now)
	if err != nil {
		t.Fatalf("Sync() error: %v", err)
	}
	if outcome.Applied != 2 || outcome.Stale != 0 {
		t.Fatalf("outcome = %+v, want 2 applied 0 stale", outcome)
	}

	stored, _ := store.GetByAttempt(context.Background(), attempt.ID)
	if len(stored) != 2 {
		t.Fatalf("stored %d records, want 2", len(stored))
	}
	if got := stored[q1.ID].TimeSpentSeconds; got != 10 {
		t.Errorf("time spent = %d, want 10", got)
	}
}

func TestSyncReplayIsNoOp(t *testing.T) {
	store := newFakeAnswerStore()
	svc := NewAnswerSyncService(store)
	attempt := &model.Attempt{ID: uuid.New()}
	q := model.Question{ID: uuid.New(), Type: model.QuestionTypeMCQSingle}
	idx := questionIndexFor(q)

	now := time.Now()
	batch := []model.AnswerEntry{
		{QuestionID: q.ID, Selected: []string{"B"}, AnsweredAt: now, TimeSpentSeconds: 30},
	}

	if _, err := svc.Sync(context.Background(), attempt, idx, batch, now); err != nil {
		t.Fatalf("first Sync() error: %v", err)
	}
	outcome, err := svc.Sync(context.Background(), attempt, idx, batch, now.Add(5*time.Second))
	if err != nil {
		t.Fatalf("replay Sync() error: %v", err)
	}
	if outcome.Applied != 0 || outcome.Stale != 1 {
		t.Fatalf("replay outcome = %+v, want 0 applied 1 stale", outcome)
	}

	stored, _ := store.GetByAttempt(context.Background(), attempt.ID)
	if got := stored[q.ID].TimeSpentSeconds; got != 30 {
		t.Errorf("replay changed time spent to %d, want 30", got)
	}
	if store.saves != 1 {
		t.Errorf("saves = %d, want 1 (replay must not write)", store.saves)
	}
}

func TestSyncStaleBatchNeverRollsBack(t *testing.T) {
	store := newFakeAnswerStore()
	svc := NewAnswerSyncService(store)
	attempt := &model.Attempt{ID: uuid.New()}
	q := model.Question{ID: uuid.New(), Type: model.QuestionTypeMCQSingle}
	idx := questionIndexFor(q)

	base := time.Now()
	newer := []model.AnswerEntry{{QuestionID: q.ID, Selected: []string{"C"}, AnsweredAt: base.Add(time.Minute)}}
	older := []model.AnswerEntry{{QuestionID: q.ID, Selected: []string{"A"}, AnsweredAt: base}}

	if _, err := svc.Sync(context.Background(), attempt, idx, newer, base.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	outcome, err := svc.Sync(context.Background(), attempt, idx, older, base.Add(2*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Applied != 0 {
		t.Fatalf("stale batch applied %d entries", outcome.Applied)
	}

	stored, _ := store.GetByAttempt(context.Background(), attempt.ID)
	if got := stored[q.ID].Selected; len(got) != 1 || got[0] != "C" {
		t.Errorf("stored answer = %v, want [C]", got)
	}
}

func TestSyncNewerAnswerAccumulatesTime(t *testing.T) {
	store := newFakeAnswerStore()
	svc := NewAnswerSyncService(store)
	attempt := &model.Attempt{ID: uuid.New()}
	q := model.Question{ID: uuid.New(), Type: model.QuestionTypeMCQSingle}
	idx := questionIndexFor(q)

	base := time.Now()
	first := []model.AnswerEntry{{QuestionID: q.ID, Selected: []string{"A"}, AnsweredAt: base, TimeSpentSeconds: 20}}
	second := []model.AnswerEntry{{QuestionID: q.ID, Selected: []string{"B"}, AnsweredAt: base.Add(time.Minute), TimeSpentSeconds: 15}}

	svcMust(t, svc, attempt, idx, first, base)
	svcMust(t, svc, attempt, idx, second, base.Add(time.Minute))

	stored, _ := store.GetByAttempt(context.Background(), attempt.ID)
	rec := stored[q.ID]
	if rec.TimeSpentSeconds != 35 {
		t.Errorf("time spent = %d, want 35 (20+15)", rec.TimeSpentSeconds)
	}
	if rec.Selected[0] != "B" {
		t.Errorf("answer = %v, want [B]", rec.Selected)
	}
}

func TestSyncTimeSpentCappedAtQuestionLimit(t *testing.T) {
	store := newFakeAnswerStore()
	svc := NewAnswerSyncService(store)
	attempt := &model.Attempt{ID: uuid.New()}
	limit := 60
	q := model.Question{ID: uuid.New(), Type: model.QuestionTypeFillBlank, TimeLimitSeconds: &limit}
	idx := questionIndexFor(q)

	base := time.Now()
	svcMust(t, svc, attempt, idx,
		[]model.AnswerEntry{{QuestionID: q.ID, Selected: []string{"x"}, AnsweredAt: base, TimeSpentSeconds: 50}}, base)
	svcMust(t, svc, attempt, idx,
		[]model.AnswerEntry{{QuestionID: q.ID, Selected: []string{"y"}, AnsweredAt: base.Add(time.Minute), TimeSpentSeconds: 50}}, base.Add(time.Minute))

	stored, _ := store.GetByAttempt(context.Background(), attempt.ID)
	if got := stored[q.ID].TimeSpentSeconds; got != limit {
		t.Errorf("time spent = %d, want capped at %d", got, limit)
	}
}

func TestSyncExplicitClearWins(t *testing.T) {
	store := newFakeAnswerStore()
	svc := NewAnswerSyncService(store)
	attempt := &model.Attempt{ID: uuid.New()}
	q := model.Question{ID: uuid.New(), Type: model.QuestionTypeMCQSingle}
	idx := questionIndexFor(q)

	base := time.Now()
	svcMust(t, svc, attempt, idx,
		[]model.AnswerEntry{{QuestionID: q.ID, Selected: []string{"A"}, AnsweredAt: base}}, base)
	svcMust(t, svc, attempt, idx,
		[]model.AnswerEntry{{QuestionID: q.ID, Selected: nil, AnsweredAt: base.Add(time.Second)}}, base.Add(time.Second))

	stored, _ := store.GetByAttempt(context.Background(), attempt.ID)
	if stored[q.ID].Answered() {
		t.Error("cleared answer still reads as answered")
	}
}

func TestSyncRejectsWholeBatchOnUnknownQuestion(t *testing.T) {
	store := newFakeAnswerStore()
	svc := NewAnswerSyncService(store)
	attempt := &model.Attempt{ID: uuid.New()}
	q := model.Question{ID: uuid.New(), Type: model.QuestionTypeMCQSingle}
	idx := questionIndexFor(q)

	now := time.Now()
	_, err := svc.Sync(context.Background(), attempt, idx, []model.AnswerEntry{
		{QuestionID: q.ID, Selected: []string{"A"}, AnsweredAt: now},
		{QuestionID: uuid.New(), Selected: []string{"B"}, AnsweredAt: now},
	}, now)

	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	stored, _ := store.GetByAttempt(context.Background(), attempt.ID)
	if len(stored) != 0 {
		t.Errorf("rejected batch left %d records behind", len(stored))
	}
}

func TestSyncRejectsMultiAnswerOnSingleQuestion(t *testing.T) {
	store := newFakeAnswerStore()
	svc := NewAnswerSyncService(store)
	attempt := &model.Attempt{ID: uuid.New()}
	q := model.Question{ID: uuid.New(), Type: model.QuestionTypeTrueFalse}
	idx := questionIndexFor(q)

	now := time.Now()
	_, err := svc.Sync(context.Background(), attempt, idx, []model.AnswerEntry{
		{QuestionID: q.ID, Selected: []string{"true", "false"}, AnsweredAt: now},
	}, now)

	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
}

func svcMust(t *testing.T, svc *AnswerSyncService, attempt *model.Attempt, idx map[uuid.UUID]*model.Question, batch []model.AnswerEntry, at time.Time) {
	t.Helper()
	if _, err := svc.Sync(context.Background(), attempt, idx, batch, at); err != nil {
		t.Fatalf("Sync() error: %v", err)
	}
}
