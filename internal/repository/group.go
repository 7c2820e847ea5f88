package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/shopmindai/pingpongbot/internal/apperr"
	"github.com/shopmindai/pingpongbot/internal/domain"
)

// GroupRepo covers Group, GroupPlayer and GroupTopic queries.
type GroupRepo struct {
	maxRating int
}

// NewGroupRepo builds a GroupRepo; maxRating bounds GroupPlayer rating
// validation.
func NewGroupRepo(maxRating int) *GroupRepo {
	return &GroupRepo{maxRating: maxRating}
}

// CreateOrGet upserts a Group by platform chat id, updating the name
// and updatedAt on every call.
func (r *GroupRepo) CreateOrGet(ctx context.Context, q Querier, platformChatID, name string) (*domain.Group, error) {
	const op = "GroupRepo.CreateOrGet"
	if err := requireNonEmptyBounded(op, platformChatID); err != nil {
		return nil, err
	}

	row := q.QueryRowContext(ctx, `
		INSERT INTO groups (platform_chat_id, name, active, created_at, updated_at)
		VALUES ($1, $2, true, now(), now())
		ON CONFLICT (platform_chat_id) DO UPDATE
			SET name = EXCLUDED.name, active = true, updated_at = now()
		RETURNING id, platform_chat_id, name, active, created_at, updated_at
	`, platformChatID, name)

	return scanGroup(op, row)
}

// Reactivate marks a previously-deactivated group active again under
// the same platform chat id.
func (r *GroupRepo) Reactivate(ctx context.Context, q Querier, platformChatID string) (*domain.Group, error) {
	const op = "GroupRepo.Reactivate"
	row := q.QueryRowContext(ctx, `
		UPDATE groups SET active = true, updated_at = now()
		WHERE platform_chat_id = $1
		RETURNING id, platform_chat_id, name, active, created_at, updated_at
	`, platformChatID)
	return scanGroup(op, row)
}

// Deactivate marks a group inactive when the bot is removed from the
// chat.
func (r *GroupRepo) Deactivate(ctx context.Context, q Querier, platformChatID string) error {
	const op = "GroupRepo.Deactivate"
	_, err := q.ExecContext(ctx, `UPDATE groups SET active = false, updated_at = now() WHERE platform_chat_id = $1`, platformChatID)
	if err != nil {
		return apperr.New(apperr.Permanent, op, err)
	}
	return nil
}

// MigrateChatID updates a group's platform chat id in place, used
// when the chat platform migrates a chat to a new id.
func (r *GroupRepo) MigrateChatID(ctx context.Context, q Querier, oldChatID, newChatID string) error {
	const op = "GroupRepo.MigrateChatID"
	_, err := q.ExecContext(ctx, `UPDATE groups SET platform_chat_id = $1, updated_at = now() WHERE platform_chat_id = $2`, newChatID, oldChatID)
	if err != nil {
		return apperr.New(apperr.Permanent, op, err)
	}
	return nil
}

func scanGroup(op string, row *sql.Row) (*domain.Group, error) {
	var g domain.Group
	if err := row.Scan(&g.ID, &g.PlatformChatID, &g.Name, &g.Active, &g.CreatedAt, &g.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.New(apperr.NotFound, op, err)
		}
		return nil, apperr.New(apperr.Permanent, op, err)
	}
	return &g, nil
}

// GetOrCreateGroupPlayer inserts a GroupPlayer row with the default
// rating and version 0 if absent, returning the current row.
func (r *GroupRepo) GetOrCreateGroupPlayer(ctx context.Context, q Querier, groupID, playerID int64, initialRating int) (*domain.GroupPlayer, error) {
	const op = "GroupRepo.GetOrCreateGroupPlayer"
	if err := requirePositiveID(op, groupID); err != nil {
		return nil, err
	}
	if err := requirePositiveID(op, playerID); err != nil {
		return nil, err
	}

	row := q.QueryRowContext(ctx, `
		INSERT INTO group_players (group_id, player_id, current_rating, matches_played, matches_won, matches_lost, version, created_at, updated_at)
		VALUES ($1, $2, $3, 0, 0, 0, 0, now(), now())
		ON CONFLICT (group_id, player_id) DO UPDATE SET group_id = group_players.group_id
		RETURNING id, group_id, player_id, current_rating, matches_played, matches_won, matches_lost, version, created_at, updated_at
	`, groupID, playerID, initialRating)

	return scanGroupPlayer(op, row)
}

// GetGroupPlayerForUpdate locks a GroupPlayer row inside tx, used by
// the match engine's optimistic-locking protocol. Rows must
// be locked in ascending internal-id order by the caller.
func (r *GroupRepo) GetGroupPlayerForUpdate(ctx context.Context, tx *sql.Tx, id int64) (*domain.GroupPlayer, error) {
	const op = "GroupRepo.GetGroupPlayerForUpdate"
	row := tx.QueryRowContext(ctx, `
		SELECT id, group_id, player_id, current_rating, matches_played, matches_won, matches_lost, version, created_at, updated_at
		FROM group_players WHERE id = $1 FOR UPDATE
	`, id)
	return scanGroupPlayer(op, row)
}

// UpdateGroupPlayer performs the conditional update:
// WHERE id=gp.id AND version=gp.version, incrementing version.
// Returns true iff exactly one row was updated.
func (r *GroupRepo) UpdateGroupPlayer(ctx context.Context, tx *sql.Tx, gp *domain.GroupPlayer) (bool, error) {
	const op = "GroupRepo.UpdateGroupPlayer"
	if err := requireRatingBounds(op, gp.CurrentRating, r.maxRating); err != nil {
		return false, err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE group_players
		SET current_rating = $1, matches_played = $2, matches_won = $3, matches_lost = $4,
		    version = version + 1, updated_at = now()
		WHERE id = $5 AND version = $6
	`, gp.CurrentRating, gp.MatchesPlayed, gp.MatchesWon, gp.MatchesLost, gp.ID, gp.Version)
	if err != nil {
		return false, apperr.New(apperr.Permanent, op, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, apperr.New(apperr.Permanent, op, err)
	}
	return n == 1, nil
}

func scanGroupPlayer(op string, row *sql.Row) (*domain.GroupPlayer, error) {
	var gp domain.GroupPlayer
	if err := row.Scan(&gp.ID, &gp.GroupID, &gp.PlayerID, &gp.CurrentRating, &gp.MatchesPlayed, &gp.MatchesWon, &gp.MatchesLost, &gp.Version, &gp.CreatedAt, &gp.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.New(apperr.NotFound, op, err)
		}
		return nil, apperr.New(apperr.Permanent, op, err)
	}
	return &gp, nil
}

// RankingRow is one entry of GetRankings: a GroupPlayer joined with
// enough Player data for the façade to render a numbered list.
type RankingRow struct {
	domain.GroupPlayer
	PlatformUserID string
}

// GetRankings returns the top-N GroupPlayer rows by current rating
// descending, ties broken by ascending internal id.
func (r *GroupRepo) GetRankings(ctx context.Context, q Querier, groupID int64, limit int) ([]RankingRow, error) {
	const op = "GroupRepo.GetRankings"
	if err := requirePositiveID(op, groupID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, apperr.New(apperr.InvalidArgument, op, nil)
	}

	rows, err := q.QueryContext(ctx, `
		SELECT gp.id, gp.group_id, gp.player_id, gp.current_rating, gp.matches_played,
		       gp.matches_won, gp.matches_lost, gp.version, gp.created_at, gp.updated_at,
		       p.platform_user_id
		FROM group_players gp
		JOIN players p ON p.id = gp.player_id
		WHERE gp.group_id = $1
		ORDER BY gp.current_rating DESC, gp.id ASC
		LIMIT $2
	`, groupID, limit)
	if err != nil {
		return nil, apperr.New(apperr.Permanent, op, err)
	}
	defer rows.Close()

	var out []RankingRow
	for rows.Next() {
		var rr RankingRow
		if err := rows.Scan(&rr.ID, &rr.GroupID, &rr.PlayerID, &rr.CurrentRating, &rr.MatchesPlayed,
			&rr.MatchesWon, &rr.MatchesLost, &rr.Version, &rr.CreatedAt, &rr.UpdatedAt, &rr.PlatformUserID); err != nil {
			return nil, apperr.New(apperr.Permanent, op, err)
		}
		out = append(out, rr)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.New(apperr.Permanent, op, err)
	}
	return out, nil
}

// ConfigureTopic creates or overwrites a GroupTopic mapping;
// administrative-command only.
func (r *GroupRepo) ConfigureTopic(ctx context.Context, q Querier, t *domain.GroupTopic) (*domain.GroupTopic, error) {
	const op = "GroupRepo.ConfigureTopic"
	if err := requirePositiveID(op, t.GroupID); err != nil {
		return nil, err
	}
	if err := requireNonEmptyBounded(op, t.PlatformTopicID); err != nil {
		return nil, err
	}
	if err := requireValidTopicType(op, t.Type); err != nil {
		return nil, err
	}

	row := q.QueryRowContext(ctx, `
		INSERT INTO group_topics (group_id, platform_topic_id, type, created_at, updated_at)
		VALUES ($1, $2, $3, now(), now())
		ON CONFLICT (group_id, platform_topic_id, type) DO UPDATE SET updated_at = now()
		RETURNING id, group_id, platform_topic_id, type, created_at, updated_at
	`, t.GroupID, t.PlatformTopicID, string(t.Type))

	return scanGroupTopic(op, row)
}

// GetTopic looks up a specific (group, platform topic id, type)
// mapping.
func (r *GroupRepo) GetTopic(ctx context.Context, q Querier, groupID int64, platformTopicID string, t domain.TopicType) (*domain.GroupTopic, error) {
	const op = "GroupRepo.GetTopic"
	row := q.QueryRowContext(ctx, `
		SELECT id, group_id, platform_topic_id, type, created_at, updated_at
		FROM group_topics WHERE group_id = $1 AND platform_topic_id = $2 AND type = $3
	`, groupID, platformTopicID, string(t))
	return scanGroupTopic(op, row)
}

// GetTopicByType returns any configured topic of the given type for a
// group, used by the router to decide whether topic scoping applies
// at all.
func (r *GroupRepo) GetTopicByType(ctx context.Context, q Querier, groupID int64, t domain.TopicType) (*domain.GroupTopic, error) {
	const op = "GroupRepo.GetTopicByType"
	row := q.QueryRowContext(ctx, `
		SELECT id, group_id, platform_topic_id, type, created_at, updated_at
		FROM group_topics WHERE group_id = $1 AND type = $2
		ORDER BY id LIMIT 1
	`, groupID, string(t))
	return scanGroupTopic(op, row)
}

func scanGroupTopic(op string, row *sql.Row) (*domain.GroupTopic, error) {
	var t domain.GroupTopic
	var typ string
	if err := row.Scan(&t.ID, &t.GroupID, &t.PlatformTopicID, &typ, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.New(apperr.NotFound, op, err)
		}
		return nil, apperr.New(apperr.Permanent, op, err)
	}
	t.Type = domain.TopicType(typ)
	return &t, nil
}
