package worker

import (
	"context"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/proctorly/attempt-engine/internal/config"
	"github.com/proctorly/attempt-engine/internal/repository"
	"github.com/proctorly/attempt-engine/internal/service"
	"github.com/rs/zerolog"
)

// sweepBatchLimit caps attempts reclaimed per tick so one pathological scan
// cannot monopolize the pool.
const sweepBatchLimit = 100

// SweeperWorker periodically force-expires attempts whose deadline plus
// grace passed without a submit. It is the authority of last resort: clients
// that crash, lose connectivity or sit parked in PAUSED forever are reclaimed
// here, graded with whatever they synced.
type SweeperWorker struct {
	attempts  *repository.AttemptRepository
	lifecycle *service.AttemptService
	cfg       *config.Config
	scheduler *gocron.Scheduler
	log       zerolog.Logger
}

// NewSweeperWorker creates a new SweeperWorker.
func NewSweeperWorker(attempts *repository.AttemptRepository, lifecycle *service.AttemptService, cfg *config.Config, log zerolog.Logger) *SweeperWorker {
	return &SweeperWorker{
		attempts:  attempts,
		lifecycle: lifecycle,
		cfg:       cfg,
		log:       log.With().Str("component", "sweeper_worker").Logger(),
	}
}

// Start schedules the sweep and runs until ctx is cancelled.
func (w *SweeperWorker) Start(ctx context.Context) {
	w.scheduler = gocron.NewScheduler(time.UTC)
	if _, err := w.scheduler.Every(w.cfg.SweepInterval).Do(w.sweep, ctx); err != nil {
		w.log.Error().Err(err).Msg("failed to schedule sweep")
		return
	}
	w.scheduler.StartAsync()
	w.log.Info().Dur("interval", w.cfg.SweepInterval).Msg("sweeper started")

	<-ctx.Done()
	w.scheduler.Stop()
	w.log.Info().Msg("sweeper stopped")
}

func (w *SweeperWorker) sweep(ctx context.Context) {
	overdue, err := w.attempts.ListOverdue(ctx, w.cfg.GracePeriod, sweepBatchLimit)
	if err != nil {
		w.log.Error().Err(err).Msg("overdue scan failed")
		return
	}
	if len(overdue) == 0 {
		return
	}

	expired := 0
	for i := range overdue {
		if ctx.Err() != nil {
			return
		}
		if _, err := w.lifecycle.Expire(ctx, &overdue[i]); err != nil {
			w.log.Error().Err(err).Str("attempt_id", overdue[i].ID.String()).Msg("expire failed")
			continue
		}
		expired++
	}
	w.log.Info().Int("expired", expired).Int("overdue", len(overdue)).Msg("sweep complete")
}
