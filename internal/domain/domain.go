// Package domain holds the entity types: Group, Player, GroupPlayer,
// Match, EloHistory and GroupTopic. These are plain value types
// returned by internal/repository; mutation happens only through
// repository calls run inside a store.Gateway transaction.
package domain

import (
	"errors"
	"time"
)

// Domain errors surfaced by factory/business-logic helpers in this
// package. Repository-level errors use internal/apperr instead.
var (
	ErrInvalidScore    = errors.New("scores must be non-negative and at least one must be positive")
	ErrSamePlayer      = errors.New("player1 and player2 must differ")
	ErrRatingOutOfBounds = errors.New("rating out of [0, maxRating] bounds")
)

const (
	DefaultInitialRating = 1500
	MinRating            = 0
)

// Group represents one chat where the bot is active.
type Group struct {
	ID             int64
	PlatformChatID string
	Name           string
	Active         bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Player represents one chat-platform user.
type Player struct {
	ID                 int64
	PlatformUserID     string
	VerifiedNickname   string
	VerifiedStudent    bool
	AllowedNonStudent  bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
	DeletedAt          *time.Time
}

func (p *Player) IsDeleted() bool { return p.DeletedAt != nil }

// GroupPlayer is the per-(group, player) rating and counters row.
// Version is the optimistic-lock counter.
type GroupPlayer struct {
	ID            int64
	GroupID       int64
	PlayerID      int64
	CurrentRating int
	MatchesPlayed int
	MatchesWon    int
	MatchesLost   int
	Version       int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Validate enforces the GroupPlayer invariants.
func (gp *GroupPlayer) Validate(maxRating int) error {
	if gp.CurrentRating < MinRating || gp.CurrentRating > maxRating {
		return ErrRatingOutOfBounds
	}
	if gp.MatchesWon+gp.MatchesLost > gp.MatchesPlayed {
		return errors.New("won+lost must not exceed matches played")
	}
	return nil
}

// Match is the immutable record of a registered match.
type Match struct {
	ID                  int64
	GroupID             int64
	Player1ID           int64
	Player2ID           int64
	Score1              int
	Score2              int
	Player1RatingBefore int
	Player1RatingAfter  int
	Player2RatingBefore int
	Player2RatingAfter  int
	IdempotencyKey      string
	CreatorPlatformID   string
	CreatedAt           time.Time
	IsUndone            bool
	UndoneAt            *time.Time
	UndonePlatformID    *string
}

// Validate enforces the Match invariants.
func (m *Match) Validate(maxRating int) error {
	if m.Player1ID == m.Player2ID {
		return ErrSamePlayer
	}
	if m.Score1 < 0 || m.Score2 < 0 || (m.Score1 == 0 && m.Score2 == 0) {
		return ErrInvalidScore
	}
	for _, r := range []int{m.Player1RatingBefore, m.Player1RatingAfter, m.Player2RatingBefore, m.Player2RatingAfter} {
		if r < MinRating || r > maxRating {
			return ErrRatingOutOfBounds
		}
	}
	return nil
}

// WinnerID returns the id of the winning player, or 0 on a tie.
func (m *Match) WinnerID() int64 {
	switch {
	case m.Score1 > m.Score2:
		return m.Player1ID
	case m.Score2 > m.Score1:
		return m.Player2ID
	default:
		return 0
	}
}

// EloHistory is one append-only rating-change row.
type EloHistory struct {
	ID            int64
	MatchID       *int64
	GroupID       int64
	PlayerID      int64
	RatingBefore  int
	RatingAfter   int
	RatingChange  int
	CreatedAt     time.Time
	IsUndone      bool
}

// TopicType is a stringly-typed closed enum of topic kinds.
type TopicType string

const (
	TopicTypeID       TopicType = "id"
	TopicTypeRanking  TopicType = "ranking"
	TopicTypeMatches  TopicType = "matches"
	TopicTypeLogs     TopicType = "logs"
)

// Valid reports whether t is one of the closed set of topic types.
func (t TopicType) Valid() bool {
	switch t {
	case TopicTypeID, TopicTypeRanking, TopicTypeMatches, TopicTypeLogs:
		return true
	default:
		return false
	}
}

// GroupTopic maps a (group, platform topic id) pair to a topic type.
type GroupTopic struct {
	ID              int64
	GroupID         int64
	PlatformTopicID string
	Type            TopicType
	CreatedAt       time.Time
	UpdatedAt       time.Time
}
