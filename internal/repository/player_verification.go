package repository

import (
	"context"

	"github.com/shopmindai/pingpongbot/internal/apperr"
)

// PlayerVerificationRepo is append-only, mirroring EloHistoryRepo: the
// bot façade writes one row per /id lookup that returns a status, and
// nothing in the engine reads it back.
type PlayerVerificationRepo struct{}

func NewPlayerVerificationRepo() *PlayerVerificationRepo { return &PlayerVerificationRepo{} }

// Record inserts one verification-attempt row.
func (r *PlayerVerificationRepo) Record(ctx context.Context, q Querier, playerID int64, nickname, outcome string) error {
	const op = "PlayerVerificationRepo.Record"
	if err := requirePositiveID(op, playerID); err != nil {
		return err
	}
	if err := requireNonEmptyBounded(op, nickname); err != nil {
		return err
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO player_verifications (player_id, nickname, outcome, created_at)
		VALUES ($1, $2, $3, now())
	`, playerID, nickname, outcome)
	if err != nil {
		return apperr.New(apperr.Permanent, op, err)
	}
	return nil
}
