// Package matchengine implements the transactional state machine
// behind match registration and undo: idempotency pre-check,
// optimistic-locked rating update, match insertion, history append,
// and undo. It is the only package that mutates GroupPlayer rows.
package matchengine

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shopmindai/pingpongbot/internal/apperr"
	"github.com/shopmindai/pingpongbot/internal/config"
	"github.com/shopmindai/pingpongbot/internal/domain"
	"github.com/shopmindai/pingpongbot/internal/ratingcalc"
	"github.com/shopmindai/pingpongbot/internal/repository"
	"github.com/shopmindai/pingpongbot/internal/retry"
	"github.com/shopmindai/pingpongbot/internal/store"
)

// RegisterMatchInput is the input to RegisterMatch.
type RegisterMatchInput struct {
	PlatformChatID    string
	GroupName         string
	Player1PlatformID string
	Player2PlatformID string
	Score1, Score2    int
	IdempotencyKey    string
	CreatorPlatformID string
}

// RatingChange describes one participant's rating movement, returned
// to the façade for rendering.
type RatingChange struct {
	PlayerPlatformID string
	Before, After     int
}

// RegisterMatchResult is the terminal success state of a registration.
type RegisterMatchResult struct {
	Match         *domain.Match
	RatingChanges []RatingChange
	Duplicate     bool // true for the DuplicateAck terminal state
}

// UndoInput is the input to Undo.
type UndoInput struct {
	MatchID              int64 // 0 means "most recent" for the group
	PlatformChatID       string
	InvokerPlatformID    string
	InvokerIsGroupAdmin  bool
}

// UndoResult carries the reversed ratings for rendering.
type UndoResult struct {
	Match         *domain.Match
	RatingChanges []RatingChange
}

// EventPublisher publishes best-effort domain events after commit. A
// nil EventPublisher is a valid no-op.
type EventPublisher interface {
	PublishMatchRegistered(ctx context.Context, m *domain.Match)
	PublishMatchUndone(ctx context.Context, m *domain.Match)
}

// undoTimeLimit is the 24-hour non-administrator undo window.
const undoTimeLimit = 24 * time.Hour

// dbGateway is the slice of store.Gateway the engine depends on.
// Narrowing it to an interface here (rather than importing the
// concrete *store.Gateway) lets tests substitute an in-memory
// transaction runner without a live Postgres connection.
type dbGateway interface {
	DB() *sql.DB
	WithTransaction(ctx context.Context, fn func(tx *sql.Tx) error) error
}

// groupRepository is the slice of *repository.GroupRepo the engine
// depends on.
type groupRepository interface {
	CreateOrGet(ctx context.Context, q repository.Querier, platformChatID, name string) (*domain.Group, error)
	GetOrCreateGroupPlayer(ctx context.Context, q repository.Querier, groupID, playerID int64, initialRating int) (*domain.GroupPlayer, error)
	GetGroupPlayerForUpdate(ctx context.Context, tx *sql.Tx, id int64) (*domain.GroupPlayer, error)
	UpdateGroupPlayer(ctx context.Context, tx *sql.Tx, gp *domain.GroupPlayer) (bool, error)
	GetRankings(ctx context.Context, q repository.Querier, groupID int64, limit int) ([]repository.RankingRow, error)
}

// playerRepository is the slice of *repository.PlayerRepo the engine
// depends on.
type playerRepository interface {
	CreateOrGet(ctx context.Context, q repository.Querier, platformUserID string) (*domain.Player, error)
	GetByID(ctx context.Context, q repository.Querier, id int64) (*domain.Player, error)
}

// matchRepository is the slice of *repository.MatchRepo the engine
// depends on.
type matchRepository interface {
	GetByIdempotencyKey(ctx context.Context, q repository.Querier, key string) (*domain.Match, error)
	Create(ctx context.Context, tx *sql.Tx, m *domain.Match) (*domain.Match, error)
	GetForUpdate(ctx context.Context, tx *sql.Tx, id int64) (*domain.Match, error)
	GetMostRecentForUpdate(ctx context.Context, tx *sql.Tx, groupID int64) (*domain.Match, error)
	UndoMatch(ctx context.Context, tx *sql.Tx, id int64, undoerPlatformUserID string) error
}

// historyRepository is the slice of *repository.EloHistoryRepo the
// engine depends on.
type historyRepository interface {
	Append(ctx context.Context, tx *sql.Tx, e *domain.EloHistory) error
}

// failedOpsRepository is the slice of *repository.FailedOperationsRepo
// the engine depends on.
type failedOpsRepository interface {
	Record(ctx context.Context, q repository.Querier, op string, groupID *int64, payload interface{}, lastErr error, attempts int) error
}

// Engine implements registerMatch, undo and getRankings.
type Engine struct {
	gateway dbGateway

	groups    groupRepository
	players   playerRepository
	matches   matchRepository
	history   historyRepository
	failedOps failedOpsRepository

	rating config.RatingConfig
	retry  retry.Config
	events EventPublisher
	log    *logrus.Logger
}

// New builds an Engine. events may be nil.
func New(
	gateway *store.Gateway,
	groups *repository.GroupRepo,
	players *repository.PlayerRepo,
	matches *repository.MatchRepo,
	history *repository.EloHistoryRepo,
	failedOps *repository.FailedOperationsRepo,
	rating config.RatingConfig,
	retryCfg retry.Config,
	events EventPublisher,
	log *logrus.Logger,
) *Engine {
	return &Engine{
		gateway:   gateway,
		groups:    groups,
		players:   players,
		matches:   matches,
		history:   history,
		failedOps: failedOps,
		rating:    rating,
		retry:     retryCfg,
		events:    events,
		log:       log,
	}
}

// recordExhaustion writes a best-effort dead-letter row when the retry
// harness gives up, so an operator can triage the operation later. A
// failure to write the row is logged, never returned: the caller's
// original error is what matters to the requester.
func (e *Engine) recordExhaustion(ctx context.Context, op string, groupID int64, payload interface{}, err error) {
	var exhausted *retry.ExhaustedError
	if !errors.As(err, &exhausted) {
		return
	}
	if e.failedOps == nil {
		return
	}
	if recErr := e.failedOps.Record(ctx, e.gateway.DB(), op, &groupID, payload, exhausted.Err, exhausted.Attempts); recErr != nil {
		if e.log != nil {
			e.log.WithError(recErr).WithField("op", op).Warn("failed to record dead-lettered operation")
		}
	}
}

// RegisterMatch runs the full registration state machine through the
// retry harness, so an OptimisticConflict from the conditional update
// is retried up to cfg.MaxRetries times with the configured backoff.
func (e *Engine) RegisterMatch(ctx context.Context, in RegisterMatchInput) (*RegisterMatchResult, error) {
	group, err := e.groups.CreateOrGet(ctx, e.gateway.DB(), in.PlatformChatID, in.GroupName)
	if err != nil {
		return nil, err
	}
	player1, err := e.players.CreateOrGet(ctx, e.gateway.DB(), in.Player1PlatformID)
	if err != nil {
		return nil, err
	}
	player2, err := e.players.CreateOrGet(ctx, e.gateway.DB(), in.Player2PlatformID)
	if err != nil {
		return nil, err
	}

	m := &domain.Match{
		GroupID: group.ID, Player1ID: player1.ID, Player2ID: player2.ID,
		Score1: in.Score1, Score2: in.Score2,
		IdempotencyKey: in.IdempotencyKey, CreatorPlatformID: in.CreatorPlatformID,
	}
	if err := m.Validate(e.rating.MaxRating); err != nil {
		return nil, apperr.New(apperr.InvalidArgument, "matchengine.RegisterMatch", err)
	}

	// Non-locking idempotency pre-check before opening a transaction.
	if existing, err := e.matches.GetByIdempotencyKey(ctx, e.gateway.DB(), in.IdempotencyKey); err == nil {
		return &RegisterMatchResult{Match: existing, Duplicate: true}, nil
	} else if apperr.KindOf(err) != apperr.NotFound {
		return nil, err
	}

	var result *RegisterMatchResult
	err = retry.Do(ctx, e.retry, func(ctx context.Context) error {
		r, txErr := e.registerMatchOnce(ctx, group.ID, player1.ID, player2.ID, in)
		if txErr != nil {
			return txErr
		}
		result = r
		return nil
	})
	if err != nil {
		e.recordExhaustion(ctx, "matchengine.RegisterMatch", group.ID, in, err)
		return nil, err
	}

	if e.events != nil && !result.Duplicate {
		e.events.PublishMatchRegistered(ctx, result.Match)
	}
	return result, nil
}

// duplicateMatchSignal is returned from the transactional closure to
// force a rollback when the insert loses an idempotency-key race,
// while still letting the caller recover the already-fetched existing
// match without a second round trip.
type duplicateMatchSignal struct {
	existing *domain.Match
}

func (s *duplicateMatchSignal) Error() string { return "matchengine: duplicate idempotency key" }

// registerMatchOnce is one attempt of the transactional core, run
// inside WithTransaction. An OptimisticConflict here is surfaced for
// the outer retry.Do call to classify and retry.
func (e *Engine) registerMatchOnce(ctx context.Context, groupID, player1ID, player2ID int64, in RegisterMatchInput) (*RegisterMatchResult, error) {
	var result *RegisterMatchResult

	err := e.gateway.WithTransaction(ctx, func(tx *sql.Tx) error {
		gp1, gp2, err := e.lockGroupPlayersInOrder(ctx, tx, groupID, player1ID, player2ID)
		if err != nil {
			return err
		}

		before1, before2 := gp1.CurrentRating, gp2.CurrentRating
		calc := ratingcalc.Calc(before1, before2, in.Score1, in.Score2, e.rating.KFactor)

		applyCounters(gp1, gp2, in.Score1, in.Score2, +1)
		gp1.CurrentRating = calc.Rating1
		gp2.CurrentRating = calc.Rating2

		ok1, err := e.groups.UpdateGroupPlayer(ctx, tx, gp1)
		if err != nil {
			return err
		}
		ok2, err := e.groups.UpdateGroupPlayer(ctx, tx, gp2)
		if err != nil {
			return err
		}
		if !ok1 || !ok2 {
			return apperr.New(apperr.OptimisticConflict, "matchengine.registerMatchOnce", nil)
		}

		m := &domain.Match{
			GroupID: groupID, Player1ID: player1ID, Player2ID: player2ID,
			Score1: in.Score1, Score2: in.Score2,
			Player1RatingBefore: before1, Player1RatingAfter: calc.Rating1,
			Player2RatingBefore: before2, Player2RatingAfter: calc.Rating2,
			IdempotencyKey: in.IdempotencyKey, CreatorPlatformID: in.CreatorPlatformID,
		}
		created, err := e.matches.Create(ctx, tx, m)
		if err != nil {
			if apperr.KindOf(err) == apperr.DuplicateIdempotency {
				existing, getErr := e.matches.GetByIdempotencyKey(ctx, tx, in.IdempotencyKey)
				if getErr != nil {
					return getErr
				}
				// Force a rollback: the rating mutations above must not
				// commit for a match that was already registered by a
				// concurrent request under the same idempotency key.
				return &duplicateMatchSignal{existing: existing}
			}
			return err
		}

		if err := e.history.Append(ctx, tx, &domain.EloHistory{
			MatchID: &created.ID, GroupID: groupID, PlayerID: player1ID,
			RatingBefore: before1, RatingAfter: calc.Rating1, RatingChange: calc.Rating1 - before1,
		}); err != nil {
			return err
		}
		if err := e.history.Append(ctx, tx, &domain.EloHistory{
			MatchID: &created.ID, GroupID: groupID, PlayerID: player2ID,
			RatingBefore: before2, RatingAfter: calc.Rating2, RatingChange: calc.Rating2 - before2,
		}); err != nil {
			return err
		}

		result = &RegisterMatchResult{
			Match: created,
			RatingChanges: []RatingChange{
				{PlayerPlatformID: in.Player1PlatformID, Before: before1, After: calc.Rating1},
				{PlayerPlatformID: in.Player2PlatformID, Before: before2, After: calc.Rating2},
			},
		}
		return nil
	})
	if err != nil {
		var dup *duplicateMatchSignal
		if errors.As(err, &dup) {
			return &RegisterMatchResult{Match: dup.existing, Duplicate: true}, nil
		}
		return nil, err
	}
	return result, nil
}

// lockGroupPlayersInOrder locks both participants' GroupPlayer rows in
// ascending internal-id order, creating them lazily at the default
// rating first.
func (e *Engine) lockGroupPlayersInOrder(ctx context.Context, tx *sql.Tx, groupID, player1ID, player2ID int64) (*domain.GroupPlayer, *domain.GroupPlayer, error) {
	gp1, err := e.groups.GetOrCreateGroupPlayer(ctx, e.gateway.DB(), groupID, player1ID, e.rating.InitialRating)
	if err != nil {
		return nil, nil, err
	}
	gp2, err := e.groups.GetOrCreateGroupPlayer(ctx, e.gateway.DB(), groupID, player2ID, e.rating.InitialRating)
	if err != nil {
		return nil, nil, err
	}

	firstID, secondID := gp1.ID, gp2.ID
	if firstID > secondID {
		firstID, secondID = secondID, firstID
	}

	locked := make(map[int64]*domain.GroupPlayer, 2)
	for _, id := range []int64{firstID, secondID} {
		gp, err := e.groups.GetGroupPlayerForUpdate(ctx, tx, id)
		if err != nil {
			return nil, nil, err
		}
		locked[id] = gp
	}
	return locked[gp1.ID], locked[gp2.ID], nil
}

// applyCounters mutates gp1/gp2's match counters in place, direction
// +1 for a registration, -1 for an undo reversal.
func applyCounters(gp1, gp2 *domain.GroupPlayer, score1, score2 int, direction int) {
	gp1.MatchesPlayed += direction
	gp2.MatchesPlayed += direction

	switch {
	case score1 > score2:
		gp1.MatchesWon = clampNonNegative(gp1.MatchesWon + direction)
		gp2.MatchesLost = clampNonNegative(gp2.MatchesLost + direction)
	case score2 > score1:
		gp2.MatchesWon = clampNonNegative(gp2.MatchesWon + direction)
		gp1.MatchesLost = clampNonNegative(gp1.MatchesLost + direction)
	}
}

func clampNonNegative(n int) int {
	if n < 0 {
		return 0
	}
	return n
}

// clampRating bounds an undo-reversed rating to [0, maxRating], the
// same bounds ratingcalc.Calc enforces for a forward registration.
func clampRating(r, maxRating int) int {
	if r < domain.MinRating {
		return domain.MinRating
	}
	if r > maxRating {
		return maxRating
	}
	return r
}

// GetRankings returns the top-N GroupPlayer rows for a group.
// It does not require a transaction.
func (e *Engine) GetRankings(ctx context.Context, platformChatID string, limit int) ([]repository.RankingRow, error) {
	group, err := e.groups.CreateOrGet(ctx, e.gateway.DB(), platformChatID, "")
	if err != nil {
		return nil, err
	}
	return e.groups.GetRankings(ctx, e.gateway.DB(), group.ID, limit)
}

// Undo reverses a match, enforcing the 24-hour non-administrator time
// limit.
func (e *Engine) Undo(ctx context.Context, in UndoInput) (*UndoResult, error) {
	var result *UndoResult

	err := retry.Do(ctx, e.retry, func(ctx context.Context) error {
		r, txErr := e.undoOnce(ctx, in)
		if txErr != nil {
			return txErr
		}
		result = r
		return nil
	})
	if err != nil {
		var groupID int64
		if result != nil && result.Match != nil {
			groupID = result.Match.GroupID
		}
		e.recordExhaustion(ctx, "matchengine.Undo", groupID, in, err)
		return nil, err
	}

	if e.events != nil {
		e.events.PublishMatchUndone(ctx, result.Match)
	}
	return result, nil
}

func (e *Engine) undoOnce(ctx context.Context, in UndoInput) (*UndoResult, error) {
	var result *UndoResult

	err := e.gateway.WithTransaction(ctx, func(tx *sql.Tx) error {
		m, err := e.lockTargetMatch(ctx, tx, in)
		if err != nil {
			return err
		}
		if m.IsUndone {
			return apperr.New(apperr.NotFound, "matchengine.Undo", nil)
		}

		if !in.InvokerIsGroupAdmin {
			participant := in.InvokerPlatformID
			isParticipant, err := e.isMatchParticipant(ctx, m, participant)
			if err != nil {
				return err
			}
			if !isParticipant {
				return apperr.New(apperr.Unauthorized, "matchengine.Undo", nil)
			}
			if time.Since(m.CreatedAt) > undoTimeLimit {
				return apperr.New(apperr.UndoExpired, "matchengine.Undo", nil)
			}
		}

		gp1, gp2, err := e.lockGroupPlayersInOrder(ctx, tx, m.GroupID, m.Player1ID, m.Player2ID)
		if err != nil {
			return err
		}

		// The undo delta is derived from the match's own snapshot, not
		// a re-read of historic GroupPlayer state, so stacked
		// subsequent matches' deltas remain correct.
		delta1 := m.Player1RatingAfter - m.Player1RatingBefore
		delta2 := m.Player2RatingAfter - m.Player2RatingBefore

		before1, before2 := gp1.CurrentRating, gp2.CurrentRating
		gp1.CurrentRating = clampRating(before1-delta1, e.rating.MaxRating)
		gp2.CurrentRating = clampRating(before2-delta2, e.rating.MaxRating)

		applyCounters(gp1, gp2, m.Score1, m.Score2, -1)

		ok1, err := e.groups.UpdateGroupPlayer(ctx, tx, gp1)
		if err != nil {
			return err
		}
		ok2, err := e.groups.UpdateGroupPlayer(ctx, tx, gp2)
		if err != nil {
			return err
		}
		if !ok1 || !ok2 {
			return apperr.New(apperr.OptimisticConflict, "matchengine.undoOnce", nil)
		}

		if err := e.matches.UndoMatch(ctx, tx, m.ID, in.InvokerPlatformID); err != nil {
			return err
		}

		if err := e.history.Append(ctx, tx, &domain.EloHistory{
			MatchID: &m.ID, GroupID: m.GroupID, PlayerID: m.Player1ID,
			RatingBefore: m.Player1RatingAfter, RatingAfter: gp1.CurrentRating,
			RatingChange: gp1.CurrentRating - m.Player1RatingAfter, IsUndone: true,
		}); err != nil {
			return err
		}
		if err := e.history.Append(ctx, tx, &domain.EloHistory{
			MatchID: &m.ID, GroupID: m.GroupID, PlayerID: m.Player2ID,
			RatingBefore: m.Player2RatingAfter, RatingAfter: gp2.CurrentRating,
			RatingChange: gp2.CurrentRating - m.Player2RatingAfter, IsUndone: true,
		}); err != nil {
			return err
		}

		p1, err := e.players.GetByID(ctx, tx, m.Player1ID)
		if err != nil {
			return err
		}
		p2, err := e.players.GetByID(ctx, tx, m.Player2ID)
		if err != nil {
			return err
		}

		m.IsUndone = true
		result = &UndoResult{
			Match: m,
			RatingChanges: []RatingChange{
				{PlayerPlatformID: p1.PlatformUserID, Before: before1, After: gp1.CurrentRating},
				{PlayerPlatformID: p2.PlatformUserID, Before: before2, After: gp2.CurrentRating},
			},
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (e *Engine) lockTargetMatch(ctx context.Context, tx *sql.Tx, in UndoInput) (*domain.Match, error) {
	if in.MatchID != 0 {
		return e.matches.GetForUpdate(ctx, tx, in.MatchID)
	}
	group, err := e.groups.CreateOrGet(ctx, tx, in.PlatformChatID, "")
	if err != nil {
		return nil, err
	}
	return e.matches.GetMostRecentForUpdate(ctx, tx, group.ID)
}

func (e *Engine) isMatchParticipant(ctx context.Context, m *domain.Match, invokerPlatformID string) (bool, error) {
	p1, err := e.players.GetByID(ctx, e.gateway.DB(), m.Player1ID)
	if err != nil {
		return false, err
	}
	if p1.PlatformUserID == invokerPlatformID {
		return true, nil
	}
	p2, err := e.players.GetByID(ctx, e.gateway.DB(), m.Player2ID)
	if err != nil {
		return false, err
	}
	return p2.PlatformUserID == invokerPlatformID, nil
}
