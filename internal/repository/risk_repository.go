package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/proctorly/attempt-engine/internal/model"
)

// RiskRepository handles risk profile data access.
type RiskRepository struct {
	pool *pgxpool.Pool
}

// NewRiskRepository creates a new RiskRepository.
func NewRiskRepository(pool *pgxpool.Pool) *RiskRepository {
	return &RiskRepository{pool: pool}
}

// Get retrieves the attempt's risk profile.
func (r *RiskRepository) Get(ctx context.Context, attemptID uuid.UUID) (*model.RiskProfile, error) {
	p := &model.RiskProfile{}
	err := r.pool.QueryRow(ctx,
		`SELECT attempt_id, score, flags, reviewed, reviewer_id, review_decision, updated_at
		 FROM risk_profiles
		 WHERE attempt_id = $1`, attemptID,
	).Scan(&p.AttemptID, &p.Score, &p.Flags, &p.Reviewed, &p.ReviewerID,
		&p.ReviewDecision, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Upsert writes the recomputed score and flags. Review state is preserved on
// conflict: recomputation never un-reviews a profile, and flags only grow.
func (r *RiskRepository) Upsert(ctx context.Context, p *model.RiskProfile) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO risk_profiles (attempt_id, score, flags, reviewed, updated_at)
		 VALUES ($1, $2, $3, FALSE, NOW())
		 ON CONFLICT (attempt_id) DO UPDATE
		 SET score = EXCLUDED.score,
		     flags = (
		       SELECT ARRAY(
		         SELECT DISTINCT f
		         FROM unnest(risk_profiles.flags || EXCLUDED.flags) AS f
		         ORDER BY f
		       )
		     ),
		     updated_at = NOW()`,
		p.AttemptID, p.Score, p.Flags)
	return err
}

// Review marks the profile reviewed with the reviewer's decision. This is
// the only write path that sets reviewed = TRUE.
func (r *RiskRepository) Review(ctx context.Context, attemptID uuid.UUID, reviewerID int, decision string) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE risk_profiles
		 SET reviewed = TRUE, reviewer_id = $1, review_decision = $2, updated_at = NOW()
		 WHERE attempt_id = $3`,
		reviewerID, decision, attemptID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}
