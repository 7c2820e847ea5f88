package repository

import (
	"context"
	"database/sql"

	"github.com/shopmindai/pingpongbot/internal/apperr"
	"github.com/shopmindai/pingpongbot/internal/domain"
)

// EloHistoryRepo is append-only: no Update or Delete method exists on
// purpose.
type EloHistoryRepo struct{}

func NewEloHistoryRepo() *EloHistoryRepo { return &EloHistoryRepo{} }

// Append inserts one EloHistory row.
func (r *EloHistoryRepo) Append(ctx context.Context, tx *sql.Tx, e *domain.EloHistory) error {
	const op = "EloHistoryRepo.Append"
	if err := requirePositiveID(op, e.GroupID); err != nil {
		return err
	}
	if err := requirePositiveID(op, e.PlayerID); err != nil {
		return err
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO elo_history (match_id, group_id, player_id, rating_before, rating_after, rating_change, created_at, is_undone)
		VALUES ($1, $2, $3, $4, $5, $6, now(), $7)
	`, e.MatchID, e.GroupID, e.PlayerID, e.RatingBefore, e.RatingAfter, e.RatingChange, e.IsUndone)
	if err != nil {
		return apperr.New(apperr.Permanent, op, err)
	}
	return nil
}

// GetLatestForPlayer returns the most recent EloHistory row for a
// (group, player) pair, for checking the history-current consistency
// invariant. No code in this module calls it.
func (r *EloHistoryRepo) GetLatestForPlayer(ctx context.Context, q Querier, groupID, playerID int64) (*domain.EloHistory, error) {
	const op = "EloHistoryRepo.GetLatestForPlayer"
	row := q.QueryRowContext(ctx, `
		SELECT id, match_id, group_id, player_id, rating_before, rating_after, rating_change, created_at, is_undone
		FROM elo_history WHERE group_id = $1 AND player_id = $2
		ORDER BY created_at DESC, id DESC LIMIT 1
	`, groupID, playerID)

	var e domain.EloHistory
	if err := row.Scan(&e.ID, &e.MatchID, &e.GroupID, &e.PlayerID, &e.RatingBefore, &e.RatingAfter, &e.RatingChange, &e.CreatedAt, &e.IsUndone); err != nil {
		if err == sql.ErrNoRows {
			return nil, apperr.New(apperr.NotFound, op, err)
		}
		return nil, apperr.New(apperr.Permanent, op, err)
	}
	return &e, nil
}
