// Package botfacade is the stateless per-event orchestrator: it turns
// a neutral chat-gateway event into calls against the command router,
// the match engine, the identity verifier and the entity repositories,
// then turns the result back into a chat response. Nothing in this
// package touches a platform-specific SDK; that boundary lives in
// internal/gateway.
package botfacade

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shopmindai/pingpongbot/internal/apperr"
	"github.com/shopmindai/pingpongbot/internal/command"
	"github.com/shopmindai/pingpongbot/internal/config"
	"github.com/shopmindai/pingpongbot/internal/domain"
	"github.com/shopmindai/pingpongbot/internal/identity"
	"github.com/shopmindai/pingpongbot/internal/matchengine"
	"github.com/shopmindai/pingpongbot/internal/metrics"
	"github.com/shopmindai/pingpongbot/internal/repository"
	"github.com/shopmindai/pingpongbot/internal/store"
)

// Reaction is the closed set of emoji reactions the façade sets on a
// message in response to a reactive-UI command.
type Reaction string

const (
	ReactionPending   Reaction = "⏳"
	ReactionThumbsUp  Reaction = "👍"
	ReactionThumbsDown Reaction = "👎"
)

// ChatResponder is the narrow output surface a gateway adapter
// implements: emitting text and setting reactions. The façade depends
// on this interface, never on a platform SDK's client type.
type ChatResponder interface {
	SendMessage(ctx context.Context, chatID, text, replyToMessageID, topicID string) error
	SetMessageReaction(ctx context.Context, chatID, messageID string, emoji Reaction) error
}

// Deduper records processed message ids so at-least-once gateway
// delivery doesn't reprocess the same message twice. It is not the
// durable safety net — the engine's idempotency key is — it only saves
// a redundant round trip and a redundant user-visible reply.
type Deduper interface {
	// SeenBefore records messageID if new, returning true if it was
	// already recorded.
	SeenBefore(ctx context.Context, messageID string) (bool, error)
}

// Facade wires together one event's full handling.
type Facade struct {
	router    *command.Router
	engine    *matchengine.Engine
	identity  *identity.Verifier
	gateway   *store.Gateway
	groups        *repository.GroupRepo
	players       *repository.PlayerRepo
	verifications *repository.PlayerVerificationRepo
	responder ChatResponder
	dedup     Deduper
	metrics   *metrics.Metrics
	log       *logrus.Logger

	topicsEnabled bool
	rankingLimit  int
}

// New builds a Facade. All collaborators are required explicit
// dependencies; there is no package-level state and no singleton
// besides the process-wide logger the caller already owns.
func New(
	router *command.Router,
	engine *matchengine.Engine,
	verifier *identity.Verifier,
	gateway *store.Gateway,
	groups *repository.GroupRepo,
	players *repository.PlayerRepo,
	verifications *repository.PlayerVerificationRepo,
	responder ChatResponder,
	dedup Deduper,
	m *metrics.Metrics,
	log *logrus.Logger,
	topics config.TopicsConfig,
) *Facade {
	return &Facade{
		router:        router,
		engine:        engine,
		identity:      verifier,
		gateway:       gateway,
		groups:        groups,
		players:       players,
		verifications: verifications,
		responder:     responder,
		dedup:         dedup,
		metrics:       m,
		log:           log,
		topicsEnabled: topics.Enabled,
		rankingLimit:  20,
	}
}

const helpText = "Commands: /match @p1 @p2 <s1> <s2>, /ranking, /id <nickname>, /id_guest, /undo, /config_topic <id|ranking|matches|logs>"

// MembershipEvent is the neutral shape of a ChatMemberUpdate (§6): the
// chat platform telling us the bot's or a user's membership in a chat
// changed. Only the gateway adapter can determine WasLastGroup (it
// alone has visibility into every group a user shares with the bot),
// so that determination is made at the boundary rather than here.
type MembershipEvent struct {
	ChatID          string
	ChatName        string
	PlatformUserID  string
	BotAdded        bool
	BotRemoved      bool
	UserLeft        bool
	WasLastGroup    bool
}

// MigrationEvent is the neutral shape of a GroupMigration (§6): the
// chat platform reassigned a chat's id (a supergroup upgrade, in
// platforms that have the concept).
type MigrationEvent struct {
	OldChatID string
	NewChatID string
}

// HandleChatMemberUpdate implements §4.H.1: create or reactivate a
// Group on the bot joining, deactivate on the bot being removed, and
// soft-delete a Player once the gateway adapter confirms they have
// left every group the bot shares with them.
func (f *Facade) HandleChatMemberUpdate(ctx context.Context, ev MembershipEvent) {
	switch {
	case ev.BotAdded:
		if _, err := f.groups.Reactivate(ctx, f.gateway.DB(), ev.ChatID); err != nil {
			if _, cerr := f.groups.CreateOrGet(ctx, f.gateway.DB(), ev.ChatID, ev.ChatName); cerr != nil {
				f.log.WithError(cerr).Warn("botfacade: could not create group on bot add")
			}
		}
	case ev.BotRemoved:
		if err := f.groups.Deactivate(ctx, f.gateway.DB(), ev.ChatID); err != nil {
			f.log.WithError(err).Warn("botfacade: could not deactivate group on bot removal")
		}
	case ev.UserLeft && ev.WasLastGroup:
		player, err := f.players.GetByPlatformID(ctx, f.gateway.DB(), ev.PlatformUserID)
		if err != nil {
			return // never joined under a command; nothing to soft-delete.
		}
		if err := f.players.SoftDelete(ctx, f.gateway.DB(), player.ID); err != nil {
			f.log.WithError(err).Warn("botfacade: could not soft-delete departed player")
		}
	}
}

// HandleGroupMigration implements the chat-id-migration half of
// §4.H.1 by rewriting the Group's platform chat id in place.
func (f *Facade) HandleGroupMigration(ctx context.Context, ev MigrationEvent) {
	if err := f.groups.MigrateChatID(ctx, f.gateway.DB(), ev.OldChatID, ev.NewChatID); err != nil {
		f.log.WithError(err).Warn("botfacade: could not migrate group chat id")
	}
}

// HandleMessage is the entry point for a Message event: dedup, parse,
// route, dispatch.
func (f *Facade) HandleMessage(ctx context.Context, ev command.Event) {
	if ev.MessageID != "" {
		seen, err := f.dedup.SeenBefore(ctx, ev.ChatID+":"+ev.MessageID)
		if err != nil {
			f.log.WithError(err).Warn("botfacade: dedup check failed, processing anyway")
		} else if seen {
			return
		}
	}

	cmd, rerr := f.router.Route(ev)
	if rerr != nil {
		f.recordRouted("error", "error")
		f.replyToRoutedError(ctx, ev, rerr)
		return
	}

	if cmd.ShowHelp {
		f.recordRouted(cmd.Kind.String(), "ok")
		f.reply(ctx, ev, helpText)
		return
	}

	f.dispatch(ctx, cmd)
}

func (f *Facade) recordRouted(kind, outcome string) {
	if f.metrics == nil {
		return
	}
	f.metrics.CommandsRouted.WithLabelValues(kind, outcome).Inc()
}

func (f *Facade) replyToRoutedError(ctx context.Context, ev command.Event, rerr *command.RoutedError) {
	var text string
	switch rerr.Reason {
	case command.ReasonWrongTopic:
		text = rerr.Message
	case command.ReasonUnauthorized:
		text = "you are not allowed to do that"
	case command.ReasonUnresolvedMention:
		text = "could not resolve one of the mentioned players"
	case command.ReasonParseFailure:
		text = rerr.Message
	default:
		text = "sorry, I didn't understand that"
	}
	f.reply(ctx, ev, text)
}

func (f *Facade) dispatch(ctx context.Context, cmd *command.RoutedCommand) {
	switch cmd.Kind {
	case command.KindStart, command.KindHelp:
		f.handleHelp(ctx, cmd)
	case command.KindMatch:
		f.handleMatch(ctx, cmd)
	case command.KindRanking:
		f.handleRanking(ctx, cmd)
	case command.KindID:
		f.handleID(ctx, cmd)
	case command.KindIDGuest:
		f.handleIDGuest(ctx, cmd)
	case command.KindUndo:
		f.handleUndo(ctx, cmd)
	case command.KindConfigTopic:
		f.handleConfigTopic(ctx, cmd)
	default:
		f.recordRouted("unknown", "error")
	}
}

func (f *Facade) handleHelp(ctx context.Context, cmd *command.RoutedCommand) {
	f.recordRouted(cmd.Kind.String(), "ok")
	f.reply(ctx, cmd.Event, helpText)
}

func (f *Facade) handleMatch(ctx context.Context, cmd *command.RoutedCommand) {
	start := time.Now()
	result, err := f.engine.RegisterMatch(ctx, matchengine.RegisterMatchInput{
		PlatformChatID:    cmd.Event.ChatID,
		GroupName:         "",
		Player1PlatformID: cmd.Player1ID,
		Player2PlatformID: cmd.Player2ID,
		Score1:            cmd.Score1,
		Score2:            cmd.Score2,
		IdempotencyKey:    cmd.Event.ChatID + ":" + cmd.Event.MessageID,
		CreatorPlatformID: cmd.Event.SenderUserID,
	})
	if f.metrics != nil {
		f.metrics.RegisterMatchLatency.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		f.recordRouted(cmd.Kind.String(), "error")
		f.reportEngineError(ctx, cmd.Event, "RegisterMatch", err)
		return
	}

	f.recordRouted(cmd.Kind.String(), "ok")
	if f.metrics != nil {
		outcome := "new"
		if result.Duplicate {
			outcome = "duplicate"
		}
		f.metrics.MatchesRegistered.WithLabelValues(outcome).Inc()
	}

	if result.Duplicate {
		f.reply(ctx, cmd.Event, "this match was already registered")
		return
	}

	rc := result.RatingChanges
	f.reply(ctx, cmd.Event, fmt.Sprintf(
		"match registered: %s %d-%d %s (%d -> %d, %d -> %d)",
		cmd.Player1ID, cmd.Score1, cmd.Score2, cmd.Player2ID,
		rc[0].Before, rc[0].After, rc[1].Before, rc[1].After,
	))
}

func (f *Facade) handleRanking(ctx context.Context, cmd *command.RoutedCommand) {
	rows, err := f.engine.GetRankings(ctx, cmd.Event.ChatID, f.rankingLimit)
	if err != nil {
		f.recordRouted(cmd.Kind.String(), "error")
		f.reportEngineError(ctx, cmd.Event, "GetRankings", err)
		return
	}

	f.recordRouted(cmd.Kind.String(), "ok")
	if len(rows) == 0 {
		f.reply(ctx, cmd.Event, "no ranked players yet")
		return
	}

	var b strings.Builder
	for i, r := range rows {
		fmt.Fprintf(&b, "%d. %s — %d (%dW/%dL/%d played)\n", i+1, r.PlatformUserID, r.CurrentRating, r.MatchesWon, r.MatchesLost, r.MatchesPlayed)
	}
	f.reply(ctx, cmd.Event, strings.TrimSuffix(b.String(), "\n"))
}

func (f *Facade) handleID(ctx context.Context, cmd *command.RoutedCommand) {
	ev := cmd.Event
	_ = f.responder.SetMessageReaction(ctx, ev.ChatID, ev.MessageID, ReactionPending)

	result, err := f.identity.GetParticipant(ctx, cmd.Nickname)
	if f.metrics != nil {
		status := "error"
		if err == nil {
			status = result.Status.String()
		}
		f.metrics.IdentityLookups.WithLabelValues(status).Inc()
	}
	if err != nil {
		f.recordRouted(cmd.Kind.String(), "error")
		_ = f.responder.SetMessageReaction(ctx, ev.ChatID, ev.MessageID, ReactionThumbsDown)
		f.reply(ctx, ev, "could not verify your nickname right now, please try again later")
		return
	}

	switch result.Status {
	case identity.VerifiedActive, identity.VerifiedNonActive:
		f.recordRouted(cmd.Kind.String(), "ok")
		f.verifyPlayer(ctx, ev, cmd.Nickname, result.Status == identity.VerifiedActive)
		_ = f.responder.SetMessageReaction(ctx, ev.ChatID, ev.MessageID, ReactionThumbsUp)
	case identity.NotFound:
		f.recordRouted(cmd.Kind.String(), "error")
		f.recordVerification(ctx, ev.SenderUserID, cmd.Nickname, "not_found")
		_ = f.responder.SetMessageReaction(ctx, ev.ChatID, ev.MessageID, ReactionThumbsDown)
		f.reply(ctx, ev, fmt.Sprintf("no member found with nickname %q", cmd.Nickname))
	default:
		f.recordRouted(cmd.Kind.String(), "error")
		f.recordVerification(ctx, ev.SenderUserID, cmd.Nickname, "temporary_failure")
		_ = f.responder.SetMessageReaction(ctx, ev.ChatID, ev.MessageID, ReactionThumbsDown)
		f.reply(ctx, ev, "could not verify your nickname right now, please try again later")
	}
}

// recordVerification writes the terminal getParticipant outcome to the
// append-only verification log. Best-effort: a failure here is logged,
// never surfaced as the command's own failure.
func (f *Facade) recordVerification(ctx context.Context, platformUserID, nickname, outcome string) {
	if f.verifications == nil {
		return
	}
	player, err := f.players.CreateOrGet(ctx, f.gateway.DB(), platformUserID)
	if err != nil {
		f.log.WithError(err).Warn("botfacade: could not resolve player for verification record")
		return
	}
	if err := f.verifications.Record(ctx, f.gateway.DB(), player.ID, nickname, outcome); err != nil {
		f.log.WithError(err).Warn("botfacade: could not record verification outcome")
	}
}

func (f *Facade) handleIDGuest(ctx context.Context, cmd *command.RoutedCommand) {
	ev := cmd.Event
	f.recordRouted(cmd.Kind.String(), "ok")
	f.setGuest(ctx, ev.SenderUserID)
	_ = f.responder.SetMessageReaction(ctx, ev.ChatID, ev.MessageID, ReactionThumbsUp)
}

func (f *Facade) handleUndo(ctx context.Context, cmd *command.RoutedCommand) {
	ev := cmd.Event
	result, err := f.engine.Undo(ctx, matchengine.UndoInput{
		PlatformChatID:      ev.ChatID,
		InvokerPlatformID:   ev.SenderUserID,
		InvokerIsGroupAdmin: ev.SenderIsGroupAdmin,
	})
	if err != nil {
		f.recordRouted(cmd.Kind.String(), "error")
		f.reportEngineError(ctx, ev, "Undo", err)
		return
	}

	f.recordRouted(cmd.Kind.String(), "ok")
	role := "participant"
	if ev.SenderIsGroupAdmin {
		role = "admin"
	}
	if f.metrics != nil {
		f.metrics.MatchesUndone.WithLabelValues(role).Inc()
	}

	rc := result.RatingChanges
	f.reply(ctx, ev, fmt.Sprintf("match undone: ratings restored (%d -> %d, %d -> %d)", rc[0].Before, rc[0].After, rc[1].Before, rc[1].After))
}

func (f *Facade) handleConfigTopic(ctx context.Context, cmd *command.RoutedCommand) {
	ev := cmd.Event
	if !f.topicsEnabled {
		f.recordRouted(cmd.Kind.String(), "error")
		f.reply(ctx, ev, "topic scoping is disabled for this deployment")
		return
	}

	group, err := f.groups.CreateOrGet(ctx, f.gateway.DB(), ev.ChatID, "")
	if err != nil {
		f.recordRouted(cmd.Kind.String(), "error")
		f.reportEngineError(ctx, ev, "ConfigureTopic", err)
		return
	}

	if _, err := f.groups.ConfigureTopic(ctx, f.gateway.DB(), &domain.GroupTopic{
		GroupID:         group.ID,
		PlatformTopicID: ev.TopicID,
		Type:            cmd.TopicType,
	}); err != nil {
		f.recordRouted(cmd.Kind.String(), "error")
		f.reportEngineError(ctx, ev, "ConfigureTopic", err)
		return
	}

	f.recordRouted(cmd.Kind.String(), "ok")
	f.reply(ctx, ev, fmt.Sprintf("this topic is now configured as %s", cmd.TopicType))
}

// verifyPlayer and setGuest are separated from their handler so the
// repository mutation path is independent of the reaction/messaging
// side effects above.
func (f *Facade) verifyPlayer(ctx context.Context, ev command.Event, nickname string, active bool) {
	player, err := f.players.CreateOrGet(ctx, f.gateway.DB(), ev.SenderUserID)
	if err != nil {
		f.log.WithError(err).Warn("botfacade: could not load player for id verification")
		return
	}
	player.VerifiedNickname = nickname
	player.VerifiedStudent = active
	player.AllowedNonStudent = false
	if err := f.players.Update(ctx, f.gateway.DB(), player); err != nil {
		f.log.WithError(err).Warn("botfacade: could not persist id verification")
	}

	outcome := "verified_active"
	if !active {
		outcome = "verified_non_active"
	}
	if f.verifications != nil {
		if err := f.verifications.Record(ctx, f.gateway.DB(), player.ID, nickname, outcome); err != nil {
			f.log.WithError(err).Warn("botfacade: could not record verification outcome")
		}
	}
}

func (f *Facade) setGuest(ctx context.Context, platformUserID string) {
	player, err := f.players.CreateOrGet(ctx, f.gateway.DB(), platformUserID)
	if err != nil {
		f.log.WithError(err).Warn("botfacade: could not load player for id_guest")
		return
	}
	player.VerifiedNickname = ""
	player.VerifiedStudent = false
	player.AllowedNonStudent = true
	if err := f.players.Update(ctx, f.gateway.DB(), player); err != nil {
		f.log.WithError(err).Warn("botfacade: could not persist id_guest")
	}
}

// reportEngineError logs the underlying cause and replies with one of
// the small set of user-visible messages (invalid format, player not
// found, duplicate, permission denied, rate-limited, try again later);
// internal details never reach the chat.
func (f *Facade) reportEngineError(ctx context.Context, ev command.Event, op string, err error) {
	f.log.WithError(err).WithField("op", op).Warn("botfacade: engine call failed")

	var text string
	switch apperr.KindOf(err) {
	case apperr.Unauthorized:
		text = "you don't have permission to do that"
	case apperr.UndoExpired:
		text = "this match can no longer be undone (past the 24-hour window)"
	case apperr.NotFound:
		text = "player or match not found"
	case apperr.InvalidArgument:
		text = "invalid command format"
	case apperr.DuplicateIdempotency:
		text = "this match was already registered"
	default:
		text = "something went wrong, please try again later"
	}
	f.reply(ctx, ev, text)
}

func (f *Facade) reply(ctx context.Context, ev command.Event, text string) {
	if err := f.responder.SendMessage(ctx, ev.ChatID, text, ev.MessageID, ev.TopicID); err != nil {
		f.log.WithError(err).Warn("botfacade: send message failed")
	}
}

func (k Reaction) String() string { return string(k) }
