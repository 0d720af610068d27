package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/proctorly/attempt-engine/internal/config"
	"github.com/proctorly/attempt-engine/internal/lock"
	"github.com/proctorly/attempt-engine/internal/model"
	"github.com/proctorly/attempt-engine/internal/repository"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

type fakeAttemptStore struct {
	mu       sync.Mutex
	attempts map[uuid.UUID]*model.Attempt
	results  map[uuid.UUID]*model.AttemptResult
}

func newFakeAttemptStore() *fakeAttemptStore {
	return &fakeAttemptStore{
		attempts: make(map[uuid.UUID]*model.Attempt),
		results:  make(map[uuid.UUID]*model.AttemptResult),
	}
}

func (f *fakeAttemptStore) Create(_ context.Context, a *model.Attempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, other := range f.attempts {
		if other.ExamID == a.ExamID && other.UserID == a.UserID && other.Status.Active() {
			return errors.New("duplicate active attempt")
		}
	}
	a.StartedAt = time.Now()
	cp := *a
	f.attempts[a.ID] = &cp
	return nil
}

func (f *fakeAttemptStore) GetByID(_ context.Context, id uuid.UUID) (*model.Attempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.attempts[id]
	if !ok {
		return nil, errors.New("attempt not found")
	}
	cp := *a
	return &cp, nil
}

func (f *fakeAttemptStore) GetActive(_ context.Context, examID uuid.UUID, userID int) (*model.Attempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.attempts {
		if a.ExamID == examID && a.UserID == userID && a.Status.Active() {
			cp := *a
			return &cp, nil
		}
	}
	return nil, repository.ErrNoActiveAttempt
}

func (f *fakeAttemptStore) CountFinished(_ context.Context, examID uuid.UUID, userID int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, a := range f.attempts {
		if a.ExamID == examID && a.UserID == userID && !a.Status.Active() {
			n++
		}
	}
	return n, nil
}

func (f *fakeAttemptStore) UpdateTimer(_ context.Context, a *model.Attempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored := f.attempts[a.ID]
	stored.Status = a.Status
	stored.TotalPausedSeconds = a.TotalPausedSeconds
	stored.PausedAt = a.PausedAt
	return nil
}

func (f *fakeAttemptStore) Transition(_ context.Context, id uuid.UUID, from []model.AttemptStatus, to model.AttemptStatus, submittedAt *time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.attempts[id]
	if !ok {
		return false, errors.New("attempt not found")
	}
	for _, s := range from {
		if a.Status == s {
			a.Status = to
			if submittedAt != nil {
				a.SubmittedAt = submittedAt
			}
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeAttemptStore) GetResult(_ context.Context, id uuid.UUID) (*model.AttemptResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	res, ok := f.results[id]
	if !ok {
		return nil, errors.New("result not found")
	}
	return res, nil
}

type fakeExamStore struct {
	cfg       *model.ExamConfig
	questions []model.Question
}

func (f *fakeExamStore) GetConfig(_ context.Context, _ uuid.UUID) (*model.ExamConfig, error) {
	return f.cfg, nil
}

func (f *fakeExamStore) ListQuestions(_ context.Context, _ uuid.UUID) ([]model.Question, error) {
	return f.questions, nil
}

type fakeFinalizer struct {
	mu    sync.Mutex
	calls int
	store *fakeAttemptStore
}

func (f *fakeFinalizer) Finalize(_ context.Context, a *model.Attempt) (*model.AttemptResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	res, ok := f.store.results[a.ID]
	if !ok {
		res = &model.AttemptResult{AttemptID: a.ID, Score: 1, Passed: true, EvaluatedAt: time.Now()}
		f.store.results[a.ID] = res
		if stored := f.store.attempts[a.ID]; stored != nil && stored.Status == model.AttemptStatusSubmitted {
			stored.Status = model.AttemptStatusEvaluated
		}
	}
	return res, nil
}

type attemptFixture struct {
	svc     *AttemptService
	store   *fakeAttemptStore
	answers *fakeAnswerStore
	exams   *fakeExamStore
	fin     *fakeFinalizer
	locker  *lock.AttemptLock
	mr      *miniredis.Miniredis
	examID  uuid.UUID
}

func newAttemptFixture(t *testing.T, examCfg *model.ExamConfig) *attemptFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	examID := uuid.New()
	examCfg.ExamID = examID
	if examCfg.TenantID == "" {
		examCfg.TenantID = "acme"
	}

	q := model.Question{ID: uuid.New(), ExamID: examID, Type: model.QuestionTypeMCQSingle, Correct: []string{"A"}, Marks: 1}
	store := newFakeAttemptStore()
	answers := newFakeAnswerStore()
	exams := &fakeExamStore{cfg: examCfg, questions: []model.Question{q}}
	fin := &fakeFinalizer{store: store}
	locker := lock.NewAttemptLock(rdb)

	cfg := &config.Config{GracePeriod: 30 * time.Second}
	svc := NewAttemptService(store, exams, NewAnswerSyncService(answers), fin, locker, cfg, zerolog.Nop())

	return &attemptFixture{svc: svc, store: store, answers: answers, exams: exams, fin: fin, locker: locker, mr: mr, examID: examID}
}

func TestStartCreatesAttempt(t *testing.T) {
	fx := newAttemptFixture(t, &model.ExamConfig{DurationSeconds: 600})

	state, err := fx.svc.Start(context.Background(), fx.examID, 7, "acme")
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if state.Attempt.Status != model.AttemptStatusInProgress {
		t.Errorf("status = %s, want IN_PROGRESS", state.Attempt.Status)
	}
	if state.RemainingSeconds <= 0 || state.RemainingSeconds > 600 {
		t.Errorf("remaining = %f, want (0, 600]", state.RemainingSeconds)
	}
	if len(state.Questions) != 1 {
		t.Fatalf("got %d questions, want 1", len(state.Questions))
	}
}

func TestStartResumesExistingAttempt(t *testing.T) {
	fx := newAttemptFixture(t, &model.ExamConfig{DurationSeconds: 600})

	first, err := fx.svc.Start(context.Background(), fx.examID, 7, "acme")
	if err != nil {
		t.Fatal(err)
	}
	second, err := fx.svc.Start(context.Background(), fx.examID, 7, "acme")
	if err != nil {
		t.Fatalf("second Start() error: %v", err)
	}
	if first.Attempt.ID != second.Attempt.ID {
		t.Errorf("second start forked a new attempt: %s vs %s", first.Attempt.ID, second.Attempt.ID)
	}
}

func TestStartRejectsClosedWindow(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	fx := newAttemptFixture(t, &model.ExamConfig{DurationSeconds: 600, ScheduledEnd: &past})

	_, err := fx.svc.Start(context.Background(), fx.examID, 7, "acme")
	if !errors.Is(err, ErrExamWindowClosed) {
		t.Fatalf("err = %v, want ErrExamWindowClosed", err)
	}
}

func TestStartEnforcesAttemptLimit(t *testing.T) {
	fx := newAttemptFixture(t, &model.ExamConfig{DurationSeconds: 600, MaxAttempts: 1})

	done := &model.Attempt{
		ID: uuid.New(), ExamID: fx.examID, UserID: 7, TenantID: "acme",
		Status: model.AttemptStatusEvaluated, StartedAt: time.Now().Add(-time.Hour),
	}
	fx.store.attempts[done.ID] = done

	_, err := fx.svc.Start(context.Background(), fx.examID, 7, "acme")
	if !errors.Is(err, ErrAttemptLimit) {
		t.Fatalf("err = %v, want ErrAttemptLimit", err)
	}
}

func TestStartRejectsForeignTenant(t *testing.T) {
	fx := newAttemptFixture(t, &model.ExamConfig{DurationSeconds: 600})

	_, err := fx.svc.Start(context.Background(), fx.examID, 7, "other-tenant")
	if !errors.Is(err, ErrNotOwner) {
		t.Fatalf("err = %v, want ErrNotOwner", err)
	}
}

func TestStartConflictsWhenLockHeldElsewhere(t *testing.T) {
	fx := newAttemptFixture(t, &model.ExamConfig{DurationSeconds: 600})

	// Another instance holds the lock but its attempt row is not visible
	// here yet (replication gap or mid-transaction).
	key := config.CacheKey.AttemptLockKey("acme", fx.examID.String(), 7)
	if err := fx.locker.Acquire(context.Background(), key, "other-attempt", time.Minute); err != nil {
		t.Fatal(err)
	}

	_, err := fx.svc.Start(context.Background(), fx.examID, 7, "acme")
	if !errors.Is(err, ErrConcurrentAttempt) {
		t.Fatalf("err = %v, want ErrConcurrentAttempt", err)
	}
}

func TestSubmitIsIdempotent(t *testing.T) {
	fx := newAttemptFixture(t, &model.ExamConfig{DurationSeconds: 600})

	started, err := fx.svc.Start(context.Background(), fx.examID, 7, "acme")
	if err != nil {
		t.Fatal(err)
	}
	id := started.Attempt.ID

	first, err := fx.svc.Submit(context.Background(), id, 7, nil)
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	if first.Result == nil {
		t.Fatal("first submit returned no result")
	}

	second, err := fx.svc.Submit(context.Background(), id, 7, nil)
	if err != nil {
		t.Fatalf("second Submit() error: %v", err)
	}
	if second.Result == nil || second.Result.Score != first.Result.Score {
		t.Errorf("second submit result differs: %+v vs %+v", second.Result, first.Result)
	}
}

func TestSubmitPastGraceExpiresAttempt(t *testing.T) {
	fx := newAttemptFixture(t, &model.ExamConfig{DurationSeconds: 600})

	started, err := fx.svc.Start(context.Background(), fx.examID, 7, "acme")
	if err != nil {
		t.Fatal(err)
	}
	id := started.Attempt.ID

	// Backdate past duration + grace.
	fx.store.mu.Lock()
	fx.store.attempts[id].StartedAt = time.Now().Add(-700 * time.Second)
	fx.store.mu.Unlock()

	_, err = fx.svc.Submit(context.Background(), id, 7, nil)
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("err = %v, want ErrInvalidState", err)
	}

	reloaded, _ := fx.store.GetByID(context.Background(), id)
	if reloaded.Status != model.AttemptStatusExpired {
		t.Errorf("status = %s, want EXPIRED", reloaded.Status)
	}
}

func TestSyncRejectsLostLock(t *testing.T) {
	fx := newAttemptFixture(t, &model.ExamConfig{DurationSeconds: 600})

	started, err := fx.svc.Start(context.Background(), fx.examID, 7, "acme")
	if err != nil {
		t.Fatal(err)
	}

	// Simulate TTL expiry and takeover by another attempt.
	key := config.CacheKey.AttemptLockKey("acme", fx.examID.String(), 7)
	fx.mr.Del(key)
	if err := fx.locker.Acquire(context.Background(), key, "usurper", time.Minute); err != nil {
		t.Fatal(err)
	}

	_, _, err = fx.svc.Sync(context.Background(), started.Attempt.ID, 7, nil)
	if !errors.Is(err, ErrLockExpired) {
		t.Fatalf("err = %v, want ErrLockExpired", err)
	}
}

func TestPauseRejectedWhenNotAllowed(t *testing.T) {
	fx := newAttemptFixture(t, &model.ExamConfig{DurationSeconds: 600, AllowPause: false})

	started, err := fx.svc.Start(context.Background(), fx.examID, 7, "acme")
	if err != nil {
		t.Fatal(err)
	}
	_, err = fx.svc.Pause(context.Background(), started.Attempt.ID, 7)
	if !errors.Is(err, ErrPauseNotAllowed) {
		t.Fatalf("err = %v, want ErrPauseNotAllowed", err)
	}
}

func TestPauseResumeRoundTrip(t *testing.T) {
	fx := newAttemptFixture(t, &model.ExamConfig{DurationSeconds: 600, AllowPause: true})

	started, err := fx.svc.Start(context.Background(), fx.examID, 7, "acme")
	if err != nil {
		t.Fatal(err)
	}
	id := started.Attempt.ID

	paused, err := fx.svc.Pause(context.Background(), id, 7)
	if err != nil {
		t.Fatalf("Pause() error: %v", err)
	}
	if paused.Attempt.Status != model.AttemptStatusPaused {
		t.Errorf("status = %s, want PAUSED", paused.Attempt.Status)
	}

	resumed, err := fx.svc.Resume(context.Background(), id, 7)
	if err != nil {
		t.Fatalf("Resume() error: %v", err)
	}
	if resumed.Attempt.Status != model.AttemptStatusInProgress {
		t.Errorf("status = %s, want IN_PROGRESS", resumed.Attempt.Status)
	}

	// Pausing again after resume is allowed; resuming a running attempt
	// is rejected.
	if _, err := fx.svc.Resume(context.Background(), id, 7); !errors.Is(err, ErrInvalidState) {
		t.Errorf("double resume err = %v, want ErrInvalidState", err)
	}
}

func TestOperationsRejectForeignUser(t *testing.T) {
	fx := newAttemptFixture(t, &model.ExamConfig{DurationSeconds: 600})

	started, err := fx.svc.Start(context.Background(), fx.examID, 7, "acme")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := fx.svc.State(context.Background(), started.Attempt.ID, 8); !errors.Is(err, ErrNotOwner) {
		t.Errorf("State err = %v, want ErrNotOwner", err)
	}
	if _, err := fx.svc.Submit(context.Background(), started.Attempt.ID, 8, nil); !errors.Is(err, ErrNotOwner) {
		t.Errorf("Submit err = %v, want ErrNotOwner", err)
	}
}

func TestShuffleStablePerAttempt(t *testing.T) {
	attemptID := uuid.New()
	cfg := &model.ExamConfig{ShuffleQuestions: true}
	questions := make([]model.Question, 20)
	for i := range questions {
		questions[i] = model.Question{ID: uuid.New()}
	}

	a := studentQuestions(attemptID, questions, cfg)
	b := studentQuestions(attemptID, questions, cfg)
	for i := range a {
		if a[i].ID != b[i].ID {
			t.Fatalf("shuffle not stable at %d: %s vs %s", i, a[i].ID, b[i].ID)
		}
	}

	c := studentQuestions(uuid.New(), questions, cfg)
	same := true
	for i := range a {
		if a[i].ID != c[i].ID {
			same = false
			break
		}
	}
	if same {
		t.Error("different attempts produced identical shuffle order")
	}
}
