package matchengine

import (
	"context"
	"database/sql"
	"sort"
	"testing"
	"time"

	"github.com/shopmindai/pingpongbot/internal/apperr"
	"github.com/shopmindai/pingpongbot/internal/config"
	"github.com/shopmindai/pingpongbot/internal/domain"
	"github.com/shopmindai/pingpongbot/internal/repository"
	"github.com/shopmindai/pingpongbot/internal/retry"
)

// fakeGateway runs the transactional closure directly against a nil
// *sql.Tx: none of the fake repositories below dereference it, they
// hold state in memory instead.
type fakeGateway struct{}

func (fakeGateway) DB() *sql.DB { return nil }

func (fakeGateway) WithTransaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return fn(nil)
}

type fakeGroupRepo struct {
	nextID int64

	groups map[string]*domain.Group

	gps   map[int64]*domain.GroupPlayer
	byKey map[[2]int64]int64

	platformIDs map[int64]string // playerID -> platform id, for GetRankings

	// failUpdateOnce, when set for a GroupPlayer id, makes the next
	// UpdateGroupPlayer call for that id report a lost optimistic-lock
	// race without applying the write, simulating a concurrent writer.
	failUpdateOnce map[int64]bool
}

func newFakeGroupRepo() *fakeGroupRepo {
	return &fakeGroupRepo{
		groups:         make(map[string]*domain.Group),
		gps:            make(map[int64]*domain.GroupPlayer),
		byKey:          make(map[[2]int64]int64),
		platformIDs:    make(map[int64]string),
		failUpdateOnce: make(map[int64]bool),
	}
}

func (f *fakeGroupRepo) CreateOrGet(ctx context.Context, q repository.Querier, platformChatID, name string) (*domain.Group, error) {
	if g, ok := f.groups[platformChatID]; ok {
		return g, nil
	}
	f.nextID++
	g := &domain.Group{ID: f.nextID, PlatformChatID: platformChatID, Name: name, Active: true}
	f.groups[platformChatID] = g
	return g, nil
}

func (f *fakeGroupRepo) GetOrCreateGroupPlayer(ctx context.Context, q repository.Querier, groupID, playerID int64, initialRating int) (*domain.GroupPlayer, error) {
	key := [2]int64{groupID, playerID}
	if id, ok := f.byKey[key]; ok {
		gp := *f.gps[id]
		return &gp, nil
	}
	f.nextID++
	gp := &domain.GroupPlayer{
		ID: f.nextID, GroupID: groupID, PlayerID: playerID,
		CurrentRating: initialRating,
	}
	f.gps[gp.ID] = gp
	f.byKey[key] = gp.ID
	out := *gp
	return &out, nil
}

func (f *fakeGroupRepo) GetGroupPlayerForUpdate(ctx context.Context, tx *sql.Tx, id int64) (*domain.GroupPlayer, error) {
	stored, ok := f.gps[id]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "fakeGroupRepo.GetGroupPlayerForUpdate", nil)
	}
	gp := *stored
	return &gp, nil
}

func (f *fakeGroupRepo) UpdateGroupPlayer(ctx context.Context, tx *sql.Tx, gp *domain.GroupPlayer) (bool, error) {
	stored, ok := f.gps[gp.ID]
	if !ok {
		return false, apperr.New(apperr.NotFound, "fakeGroupRepo.UpdateGroupPlayer", nil)
	}
	if f.failUpdateOnce[gp.ID] {
		delete(f.failUpdateOnce, gp.ID)
		return false, nil
	}
	if stored.Version != gp.Version {
		return false, nil
	}
	updated := *gp
	updated.Version++
	f.gps[gp.ID] = &updated
	return true, nil
}

func (f *fakeGroupRepo) GetRankings(ctx context.Context, q repository.Querier, groupID int64, limit int) ([]repository.RankingRow, error) {
	var rows []repository.RankingRow
	for _, gp := range f.gps {
		if gp.GroupID != groupID {
			continue
		}
		rows = append(rows, repository.RankingRow{
			GroupPlayer:    *gp,
			PlatformUserID: f.platformIDs[gp.PlayerID],
		})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].CurrentRating != rows[j].CurrentRating {
			return rows[i].CurrentRating > rows[j].CurrentRating
		}
		return rows[i].ID < rows[j].ID
	})
	if len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

type fakePlayerRepo struct {
	nextID     int64
	byPlatform map[string]*domain.Player
	byID       map[int64]*domain.Player
}

func newFakePlayerRepo() *fakePlayerRepo {
	return &fakePlayerRepo{
		byPlatform: make(map[string]*domain.Player),
		byID:       make(map[int64]*domain.Player),
	}
}

func (f *fakePlayerRepo) CreateOrGet(ctx context.Context, q repository.Querier, platformUserID string) (*domain.Player, error) {
	if p, ok := f.byPlatform[platformUserID]; ok {
		return p, nil
	}
	f.nextID++
	p := &domain.Player{ID: f.nextID, PlatformUserID: platformUserID}
	f.byPlatform[platformUserID] = p
	f.byID[p.ID] = p
	return p, nil
}

func (f *fakePlayerRepo) GetByID(ctx context.Context, q repository.Querier, id int64) (*domain.Player, error) {
	p, ok := f.byID[id]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "fakePlayerRepo.GetByID", nil)
	}
	return p, nil
}

type fakeMatchRepo struct {
	nextID int64
	byID   map[int64]*domain.Match
	byKey  map[string]int64
}

func newFakeMatchRepo() *fakeMatchRepo {
	return &fakeMatchRepo{byID: make(map[int64]*domain.Match), byKey: make(map[string]int64)}
}

func (f *fakeMatchRepo) GetByIdempotencyKey(ctx context.Context, q repository.Querier, key string) (*domain.Match, error) {
	id, ok := f.byKey[key]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "fakeMatchRepo.GetByIdempotencyKey", nil)
	}
	m := *f.byID[id]
	return &m, nil
}

func (f *fakeMatchRepo) Create(ctx context.Context, tx *sql.Tx, m *domain.Match) (*domain.Match, error) {
	if _, exists := f.byKey[m.IdempotencyKey]; exists {
		return nil, apperr.New(apperr.DuplicateIdempotency, "fakeMatchRepo.Create", nil)
	}
	f.nextID++
	created := *m
	created.ID = f.nextID
	created.CreatedAt = time.Now()
	f.byID[created.ID] = &created
	f.byKey[m.IdempotencyKey] = created.ID
	out := created
	return &out, nil
}

func (f *fakeMatchRepo) GetForUpdate(ctx context.Context, tx *sql.Tx, id int64) (*domain.Match, error) {
	m, ok := f.byID[id]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "fakeMatchRepo.GetForUpdate", nil)
	}
	out := *m
	return &out, nil
}

func (f *fakeMatchRepo) GetMostRecentForUpdate(ctx context.Context, tx *sql.Tx, groupID int64) (*domain.Match, error) {
	var best *domain.Match
	for _, m := range f.byID {
		if m.GroupID != groupID || m.IsUndone {
			continue
		}
		if best == nil || m.CreatedAt.After(best.CreatedAt) {
			best = m
		}
	}
	if best == nil {
		return nil, apperr.New(apperr.NotFound, "fakeMatchRepo.GetMostRecentForUpdate", nil)
	}
	out := *best
	return &out, nil
}

func (f *fakeMatchRepo) UndoMatch(ctx context.Context, tx *sql.Tx, id int64, undoerPlatformUserID string) error {
	m, ok := f.byID[id]
	if !ok {
		return apperr.New(apperr.NotFound, "fakeMatchRepo.UndoMatch", nil)
	}
	if m.IsUndone {
		return nil
	}
	m.IsUndone = true
	now := time.Now()
	m.UndoneAt = &now
	m.UndonePlatformID = &undoerPlatformUserID
	return nil
}

type fakeHistoryRepo struct {
	rows []*domain.EloHistory
}

func (f *fakeHistoryRepo) Append(ctx context.Context, tx *sql.Tx, e *domain.EloHistory) error {
	f.rows = append(f.rows, e)
	return nil
}

// testEngine bundles an Engine with direct access to its fakes so
// tests can inspect and perturb in-memory state.
type testEngine struct {
	engine  *Engine
	groups  *fakeGroupRepo
	players *fakePlayerRepo
	matches *fakeMatchRepo
	history *fakeHistoryRepo
}

func newTestEngine() *testEngine {
	groups := newFakeGroupRepo()
	players := newFakePlayerRepo()
	matches := newFakeMatchRepo()
	history := &fakeHistoryRepo{}

	rating := config.RatingConfig{KFactor: 32, InitialRating: 1500, MaxRating: 10000}
	retryCfg := retry.Config{MaxRetries: 3, InitialDelay: time.Millisecond, Multiplier: 2, Classify: apperr.IsTransient}

	e := &Engine{
		gateway: fakeGateway{},
		groups:  groups,
		players: players,
		matches: matches,
		history: history,
		rating:  rating,
		retry:   retryCfg,
	}
	return &testEngine{engine: e, groups: groups, players: players, matches: matches, history: history}
}

func registerInput(chatID, p1, p2 string, s1, s2 int, key string) RegisterMatchInput {
	return RegisterMatchInput{
		PlatformChatID: chatID, GroupName: "group", Player1PlatformID: p1, Player2PlatformID: p2,
		Score1: s1, Score2: s2, IdempotencyKey: key, CreatorPlatformID: p1,
	}
}

func TestRegisterMatch_ComputesEloAndPersistsHistory(t *testing.T) {
	te := newTestEngine()
	ctx := context.Background()

	result, err := te.engine.RegisterMatch(ctx, registerInput("chat1", "alice", "bob", 21, 15, "chat1:msg1"))
	if err != nil {
		t.Fatalf("RegisterMatch: %v", err)
	}
	if result.Duplicate {
		t.Fatalf("expected a fresh registration, got Duplicate")
	}
	if len(result.RatingChanges) != 2 {
		t.Fatalf("expected 2 rating changes, got %d", len(result.RatingChanges))
	}
	if result.RatingChanges[0].Before != 1500 || result.RatingChanges[1].Before != 1500 {
		t.Fatalf("expected both players to start at the initial rating")
	}
	if result.RatingChanges[0].After <= result.RatingChanges[0].Before {
		t.Fatalf("winner's rating should have increased: %+v", result.RatingChanges[0])
	}
	if result.RatingChanges[1].After >= result.RatingChanges[1].Before {
		t.Fatalf("loser's rating should have decreased: %+v", result.RatingChanges[1])
	}
	if len(te.history.rows) != 2 {
		t.Fatalf("expected 2 history rows appended, got %d", len(te.history.rows))
	}
}

func TestRegisterMatch_DuplicateIdempotencyKeyDoesNotMutateRatingsAgain(t *testing.T) {
	te := newTestEngine()
	ctx := context.Background()

	in := registerInput("chat1", "alice", "bob", 21, 15, "chat1:msg1")
	first, err := te.engine.RegisterMatch(ctx, in)
	if err != nil {
		t.Fatalf("first RegisterMatch: %v", err)
	}

	second, err := te.engine.RegisterMatch(ctx, in)
	if err != nil {
		t.Fatalf("second RegisterMatch: %v", err)
	}
	if !second.Duplicate {
		t.Fatalf("expected the second call to report Duplicate")
	}
	if second.Match.ID != first.Match.ID {
		t.Fatalf("expected the same match to be returned, got %d and %d", first.Match.ID, second.Match.ID)
	}
	if len(te.history.rows) != 2 {
		t.Fatalf("expected history to stay at 2 rows after the duplicate, got %d", len(te.history.rows))
	}

	rankings, err := te.engine.GetRankings(ctx, "chat1", 10)
	if err != nil {
		t.Fatalf("GetRankings: %v", err)
	}
	for _, r := range rankings {
		if r.MatchesPlayed != 1 {
			t.Fatalf("expected matches_played to stay at 1 after the duplicate, got %d", r.MatchesPlayed)
		}
	}
}

func TestRegisterMatch_TieProducesNoWinLossChange(t *testing.T) {
	te := newTestEngine()
	ctx := context.Background()

	_, err := te.engine.RegisterMatch(ctx, registerInput("chat1", "alice", "bob", 10, 10, "chat1:msg1"))
	if err != nil {
		t.Fatalf("RegisterMatch: %v", err)
	}

	rankings, err := te.engine.GetRankings(ctx, "chat1", 10)
	if err != nil {
		t.Fatalf("GetRankings: %v", err)
	}
	for _, r := range rankings {
		if r.MatchesPlayed != 1 {
			t.Fatalf("expected matches_played=1, got %d", r.MatchesPlayed)
		}
		if r.MatchesWon != 0 || r.MatchesLost != 0 {
			t.Fatalf("expected a tie to leave win/loss counters untouched, got won=%d lost=%d", r.MatchesWon, r.MatchesLost)
		}
	}
}

func TestRegisterMatch_OptimisticConflictRetriesAndSucceeds(t *testing.T) {
	te := newTestEngine()
	ctx := context.Background()

	// Prime both GroupPlayer rows, then arrange for the first
	// conditional update attempt on one of them to report a lost race.
	group, err := te.groups.CreateOrGet(ctx, nil, "chat1", "group")
	if err != nil {
		t.Fatalf("CreateOrGet: %v", err)
	}
	alice, err := te.players.CreateOrGet(ctx, nil, "alice")
	if err != nil {
		t.Fatalf("CreateOrGet player: %v", err)
	}
	gp, err := te.groups.GetOrCreateGroupPlayer(ctx, nil, group.ID, alice.ID, 1500)
	if err != nil {
		t.Fatalf("GetOrCreateGroupPlayer: %v", err)
	}
	te.groups.failUpdateOnce[gp.ID] = true

	result, err := te.engine.RegisterMatch(ctx, registerInput("chat1", "alice", "bob", 21, 15, "chat1:msg1"))
	if err != nil {
		t.Fatalf("expected the retry harness to absorb one optimistic conflict, got error: %v", err)
	}
	if result.Duplicate {
		t.Fatalf("did not expect a duplicate result")
	}
}

func TestRegisterMatch_RejectsSamePlayerTwice(t *testing.T) {
	te := newTestEngine()
	ctx := context.Background()

	_, err := te.engine.RegisterMatch(ctx, registerInput("chat1", "alice", "alice", 21, 15, "chat1:msg1"))
	if apperr.KindOf(err) != apperr.InvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}

func TestUndo_ReversesRatingsExactly(t *testing.T) {
	te := newTestEngine()
	ctx := context.Background()

	reg, err := te.engine.RegisterMatch(ctx, registerInput("chat1", "alice", "bob", 21, 15, "chat1:msg1"))
	if err != nil {
		t.Fatalf("RegisterMatch: %v", err)
	}

	undo, err := te.engine.Undo(ctx, UndoInput{MatchID: reg.Match.ID, PlatformChatID: "chat1", InvokerPlatformID: "alice"})
	if err != nil {
		t.Fatalf("Undo: %v", err)
	}
	for _, rc := range undo.RatingChanges {
		if rc.After != 1500 {
			t.Fatalf("expected undo to restore the initial rating, got %d for %s", rc.After, rc.PlayerPlatformID)
		}
	}

	rankings, err := te.engine.GetRankings(ctx, "chat1", 10)
	if err != nil {
		t.Fatalf("GetRankings: %v", err)
	}
	for _, r := range rankings {
		if r.MatchesPlayed != 0 {
			t.Fatalf("expected matches_played to return to 0 after undo, got %d", r.MatchesPlayed)
		}
	}
}

func TestUndo_ExpiredForNonAdminAfterTimeLimit(t *testing.T) {
	te := newTestEngine()
	ctx := context.Background()

	reg, err := te.engine.RegisterMatch(ctx, registerInput("chat1", "alice", "bob", 21, 15, "chat1:msg1"))
	if err != nil {
		t.Fatalf("RegisterMatch: %v", err)
	}
	te.matches.byID[reg.Match.ID].CreatedAt = time.Now().Add(-25 * time.Hour)

	_, err = te.engine.Undo(ctx, UndoInput{MatchID: reg.Match.ID, PlatformChatID: "chat1", InvokerPlatformID: "alice"})
	if apperr.KindOf(err) != apperr.UndoExpired {
		t.Fatalf("expected UndoExpired, got %v", err)
	}
}

func TestUndo_AllowedForAdminAfterTimeLimit(t *testing.T) {
	te := newTestEngine()
	ctx := context.Background()

	reg, err := te.engine.RegisterMatch(ctx, registerInput("chat1", "alice", "bob", 21, 15, "chat1:msg1"))
	if err != nil {
		t.Fatalf("RegisterMatch: %v", err)
	}
	te.matches.byID[reg.Match.ID].CreatedAt = time.Now().Add(-25 * time.Hour)

	_, err = te.engine.Undo(ctx, UndoInput{
		MatchID: reg.Match.ID, PlatformChatID: "chat1",
		InvokerPlatformID: "someone-else", InvokerIsGroupAdmin: true,
	})
	if err != nil {
		t.Fatalf("expected an admin to bypass the time limit, got %v", err)
	}
}

func TestUndo_RejectsNonParticipantNonAdmin(t *testing.T) {
	te := newTestEngine()
	ctx := context.Background()

	reg, err := te.engine.RegisterMatch(ctx, registerInput("chat1", "alice", "bob", 21, 15, "chat1:msg1"))
	if err != nil {
		t.Fatalf("RegisterMatch: %v", err)
	}

	_, err = te.engine.Undo(ctx, UndoInput{MatchID: reg.Match.ID, PlatformChatID: "chat1", InvokerPlatformID: "carol"})
	if apperr.KindOf(err) != apperr.Unauthorized {
		t.Fatalf("expected Unauthorized, got %v", err)
	}
}

func TestUndo_MostRecentWhenMatchIDUnset(t *testing.T) {
	te := newTestEngine()
	ctx := context.Background()

	_, err := te.engine.RegisterMatch(ctx, registerInput("chat1", "alice", "bob", 21, 15, "chat1:msg1"))
	if err != nil {
		t.Fatalf("RegisterMatch 1: %v", err)
	}
	time.Sleep(time.Millisecond)
	second, err := te.engine.RegisterMatch(ctx, registerInput("chat1", "alice", "bob", 5, 21, "chat1:msg2"))
	if err != nil {
		t.Fatalf("RegisterMatch 2: %v", err)
	}

	undo, err := te.engine.Undo(ctx, UndoInput{PlatformChatID: "chat1", InvokerPlatformID: "alice"})
	if err != nil {
		t.Fatalf("Undo: %v", err)
	}
	if undo.Match.ID != second.Match.ID {
		t.Fatalf("expected undo with no MatchID to target the most recent match %d, got %d", second.Match.ID, undo.Match.ID)
	}
}

func TestUndo_AlreadyUndoneIsRejected(t *testing.T) {
	te := newTestEngine()
	ctx := context.Background()

	reg, err := te.engine.RegisterMatch(ctx, registerInput("chat1", "alice", "bob", 21, 15, "chat1:msg1"))
	if err != nil {
		t.Fatalf("RegisterMatch: %v", err)
	}
	in := UndoInput{MatchID: reg.Match.ID, PlatformChatID: "chat1", InvokerPlatformID: "alice"}
	if _, err := te.engine.Undo(ctx, in); err != nil {
		t.Fatalf("first Undo: %v", err)
	}
	if _, err := te.engine.Undo(ctx, in); apperr.KindOf(err) != apperr.NotFound {
		t.Fatalf("expected NotFound for a second undo of the same match, got %v", err)
	}
}
