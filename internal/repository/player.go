package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/shopmindai/pingpongbot/internal/apperr"
	"github.com/shopmindai/pingpongbot/internal/domain"
)

// PlayerRepo covers Player queries.
type PlayerRepo struct{}

func NewPlayerRepo() *PlayerRepo { return &PlayerRepo{} }

// CreateOrGet inserts a Player row if one doesn't already exist among
// non-deleted rows for platformUserID, then returns the current row.
// A player who soft-deleted and rejoined gets a fresh row rather than
// the old soft-deleted one being revived.
func (r *PlayerRepo) CreateOrGet(ctx context.Context, q Querier, platformUserID string) (*domain.Player, error) {
	const op = "PlayerRepo.CreateOrGet"
	if err := requireNonEmptyBounded(op, platformUserID); err != nil {
		return nil, err
	}

	row := q.QueryRowContext(ctx, `
		WITH existing AS (
			SELECT id FROM players WHERE platform_user_id = $1 AND deleted_at IS NULL
		), inserted AS (
			INSERT INTO players (platform_user_id, verified_nickname, verified_student, allowed_non_student, created_at, updated_at)
			SELECT $1, '', false, false, now(), now()
			WHERE NOT EXISTS (SELECT 1 FROM existing)
			RETURNING id
		)
		SELECT id FROM inserted
		UNION ALL
		SELECT id FROM existing
		LIMIT 1
	`, platformUserID)

	var id int64
	if err := row.Scan(&id); err != nil {
		return nil, apperr.New(apperr.Permanent, op, err)
	}

	return r.GetByID(ctx, q, id)
}

// GetByPlatformID looks up the current non-deleted player row for a
// platform user id without creating one, used by membership-event
// handling where a missing row (the user never issued a command) is
// simply a no-op rather than a reason to create one.
func (r *PlayerRepo) GetByPlatformID(ctx context.Context, q Querier, platformUserID string) (*domain.Player, error) {
	const op = "PlayerRepo.GetByPlatformID"
	if err := requireNonEmptyBounded(op, platformUserID); err != nil {
		return nil, err
	}
	row := q.QueryRowContext(ctx, `
		SELECT id, platform_user_id, verified_nickname, verified_student, allowed_non_student, created_at, updated_at, deleted_at
		FROM players WHERE platform_user_id = $1 AND deleted_at IS NULL
	`, platformUserID)
	return scanPlayer(op, row)
}

// GetByID fetches a player by internal id.
func (r *PlayerRepo) GetByID(ctx context.Context, q Querier, id int64) (*domain.Player, error) {
	const op = "PlayerRepo.GetByID"
	row := q.QueryRowContext(ctx, `
		SELECT id, platform_user_id, verified_nickname, verified_student, allowed_non_student, created_at, updated_at, deleted_at
		FROM players WHERE id = $1
	`, id)
	return scanPlayer(op, row)
}

// Update updates the mutable fields of player by internal id, failing
// with NotFound if missing.
func (r *PlayerRepo) Update(ctx context.Context, q Querier, p *domain.Player) error {
	const op = "PlayerRepo.Update"
	if err := requirePositiveID(op, p.ID); err != nil {
		return err
	}

	res, err := q.ExecContext(ctx, `
		UPDATE players
		SET verified_nickname = $1, verified_student = $2, allowed_non_student = $3, updated_at = now()
		WHERE id = $4 AND deleted_at IS NULL
	`, p.VerifiedNickname, p.VerifiedStudent, p.AllowedNonStudent, p.ID)
	if err != nil {
		return apperr.New(apperr.Permanent, op, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return apperr.New(apperr.Permanent, op, err)
	}
	if n == 0 {
		return apperr.New(apperr.NotFound, op, nil)
	}
	return nil
}

// SoftDelete sets deletedAt; idempotent.
func (r *PlayerRepo) SoftDelete(ctx context.Context, q Querier, id int64) error {
	const op = "PlayerRepo.SoftDelete"
	if err := requirePositiveID(op, id); err != nil {
		return err
	}
	_, err := q.ExecContext(ctx, `UPDATE players SET deleted_at = now(), updated_at = now() WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return apperr.New(apperr.Permanent, op, err)
	}
	return nil
}

func scanPlayer(op string, row *sql.Row) (*domain.Player, error) {
	var p domain.Player
	if err := row.Scan(&p.ID, &p.PlatformUserID, &p.VerifiedNickname, &p.VerifiedStudent, &p.AllowedNonStudent, &p.CreatedAt, &p.UpdatedAt, &p.DeletedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.New(apperr.NotFound, op, err)
		}
		return nil, apperr.New(apperr.Permanent, op, err)
	}
	return &p, nil
}
