package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"

	"github.com/shopmindai/pingpongbot/internal/apperr"
	"github.com/shopmindai/pingpongbot/internal/domain"
)

// MatchRepo covers Match queries. It never mutates a Match row
// except the single is-undone transition.
type MatchRepo struct {
	maxRating int
}

func NewMatchRepo(maxRating int) *MatchRepo { return &MatchRepo{maxRating: maxRating} }

// uniqueViolationCode is Postgres SQLSTATE 23505.
const uniqueViolationCode = "23505"

// Create inserts a match, failing with DuplicateIdempotency if the
// idempotency key collides.
func (r *MatchRepo) Create(ctx context.Context, tx *sql.Tx, m *domain.Match) (*domain.Match, error) {
	const op = "MatchRepo.Create"
	if err := m.Validate(r.maxRating); err != nil {
		return nil, apperr.New(apperr.InvalidArgument, op, err)
	}
	if err := requireNonEmptyBounded(op, m.IdempotencyKey); err != nil {
		return nil, err
	}

	row := tx.QueryRowContext(ctx, `
		INSERT INTO matches (
			group_id, player1_id, player2_id, score1, score2,
			player1_rating_before, player1_rating_after,
			player2_rating_before, player2_rating_after,
			idempotency_key, creator_platform_id, created_at, is_undone
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11, now(), false)
		RETURNING id, group_id, player1_id, player2_id, score1, score2,
			player1_rating_before, player1_rating_after,
			player2_rating_before, player2_rating_after,
			idempotency_key, creator_platform_id, created_at, is_undone, undone_at, undone_platform_id
	`, m.GroupID, m.Player1ID, m.Player2ID, m.Score1, m.Score2,
		m.Player1RatingBefore, m.Player1RatingAfter,
		m.Player2RatingBefore, m.Player2RatingAfter,
		m.IdempotencyKey, m.CreatorPlatformID)

	match, err := scanMatch(op, row)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolationCode {
			return nil, apperr.New(apperr.DuplicateIdempotency, op, err)
		}
		return nil, err
	}
	return match, nil
}

// GetByIdempotencyKey performs the non-locking idempotency pre-check
// before opening a transaction.
func (r *MatchRepo) GetByIdempotencyKey(ctx context.Context, q Querier, key string) (*domain.Match, error) {
	const op = "MatchRepo.GetByIdempotencyKey"
	row := q.QueryRowContext(ctx, matchSelectColumns+` WHERE idempotency_key = $1`, key)
	return scanMatch(op, row)
}

// GetByID fetches a match by internal id.
func (r *MatchRepo) GetByID(ctx context.Context, q Querier, id int64) (*domain.Match, error) {
	const op = "MatchRepo.GetByID"
	row := q.QueryRowContext(ctx, matchSelectColumns+` WHERE id = $1`, id)
	return scanMatch(op, row)
}

// GetForUpdate locks a match row inside tx for the undo flow.
func (r *MatchRepo) GetForUpdate(ctx context.Context, tx *sql.Tx, id int64) (*domain.Match, error) {
	const op = "MatchRepo.GetForUpdate"
	row := tx.QueryRowContext(ctx, matchSelectColumns+` WHERE id = $1 FOR UPDATE`, id)
	return scanMatch(op, row)
}

// GetMostRecentForUpdate locks the most recent non-undone match in a
// group, used when /undo has no reply context.
func (r *MatchRepo) GetMostRecentForUpdate(ctx context.Context, tx *sql.Tx, groupID int64) (*domain.Match, error) {
	const op = "MatchRepo.GetMostRecentForUpdate"
	row := tx.QueryRowContext(ctx, matchSelectColumns+`
		WHERE group_id = $1 AND is_undone = false
		ORDER BY created_at DESC LIMIT 1 FOR UPDATE
	`, groupID)
	return scanMatch(op, row)
}

// GetByGroupID paginates a group's match history.
func (r *MatchRepo) GetByGroupID(ctx context.Context, q Querier, groupID int64, limit, offset int) ([]*domain.Match, error) {
	const op = "MatchRepo.GetByGroupID"
	if limit <= 0 {
		return nil, apperr.New(apperr.InvalidArgument, op, nil)
	}

	rows, err := q.QueryContext(ctx, matchSelectColumns+`
		WHERE group_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3
	`, groupID, limit, offset)
	if err != nil {
		return nil, apperr.New(apperr.Permanent, op, err)
	}
	defer rows.Close()

	var out []*domain.Match
	for rows.Next() {
		m, err := scanMatchRows(op, rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// UndoMatch sets is-undone, undoneAt and undoer atomically; a no-op if
// already undone.
func (r *MatchRepo) UndoMatch(ctx context.Context, tx *sql.Tx, id int64, undoerPlatformUserID string) error {
	const op = "MatchRepo.UndoMatch"
	_, err := tx.ExecContext(ctx, `
		UPDATE matches SET is_undone = true, undone_at = now(), undone_platform_id = $1
		WHERE id = $2 AND is_undone = false
	`, undoerPlatformUserID, id)
	if err != nil {
		return apperr.New(apperr.Permanent, op, err)
	}
	return nil
}

const matchSelectColumns = `
	SELECT id, group_id, player1_id, player2_id, score1, score2,
		player1_rating_before, player1_rating_after,
		player2_rating_before, player2_rating_after,
		idempotency_key, creator_platform_id, created_at, is_undone, undone_at, undone_platform_id
	FROM matches
`

func scanMatch(op string, row *sql.Row) (*domain.Match, error) {
	var m domain.Match
	err := row.Scan(&m.ID, &m.GroupID, &m.Player1ID, &m.Player2ID, &m.Score1, &m.Score2,
		&m.Player1RatingBefore, &m.Player1RatingAfter, &m.Player2RatingBefore, &m.Player2RatingAfter,
		&m.IdempotencyKey, &m.CreatorPlatformID, &m.CreatedAt, &m.IsUndone, &m.UndoneAt, &m.UndonePlatformID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.New(apperr.NotFound, op, err)
		}
		return nil, apperr.New(apperr.Permanent, op, err)
	}
	return &m, nil
}

func scanMatchRows(op string, rows *sql.Rows) (*domain.Match, error) {
	var m domain.Match
	err := rows.Scan(&m.ID, &m.GroupID, &m.Player1ID, &m.Player2ID, &m.Score1, &m.Score2,
		&m.Player1RatingBefore, &m.Player1RatingAfter, &m.Player2RatingBefore, &m.Player2RatingAfter,
		&m.IdempotencyKey, &m.CreatorPlatformID, &m.CreatedAt, &m.IsUndone, &m.UndoneAt, &m.UndonePlatformID)
	if err != nil {
		return nil, apperr.New(apperr.Permanent, op, err)
	}
	return &m, nil
}
