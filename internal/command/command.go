// Package command implements the chat-command grammar, mention
// resolution, topic scoping and authorization. It turns a neutral
// chat event into a discriminated RoutedCommand or RoutedError the
// bot façade dispatches.
package command

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/shopmindai/pingpongbot/internal/domain"
)

// Kind discriminates the recognized command grammar.
type Kind int

const (
	KindUnknown Kind = iota
	KindStart
	KindHelp
	KindMatch
	KindRanking
	KindID
	KindIDGuest
	KindUndo
	KindConfigTopic
)

// Entity mirrors the neutral chat-event entity shape: a mention
// carries only a username, a textMention carries the platform user id
// directly.
type Entity struct {
	Type            string // "mention" or "textMention"
	Username        string
	PlatformUserID  string
	Offset, Length  int
}

// Event is the neutral chat-event shape the grammar is parsed from.
type Event struct {
	ChatID            string
	SenderUserID      string
	MessageID         string
	Text              string
	ReplyToMessageID  string
	TopicID           string
	Entities          []Entity
	SenderIsGroupAdmin bool
}

// RoutedCommand is the successfully parsed, authorized output of
// Route. The façade switches on Kind to decide which engine call to
// make.
type RoutedCommand struct {
	Kind            Kind
	Event           Event
	Player1ID       string
	Player2ID       string
	Score1, Score2  int
	Nickname        string
	TopicType       domain.TopicType
	ShowHelp        bool
}

// ErrorReason is the closed set of router-level rejection reasons.
type ErrorReason int

const (
	ReasonUnknown ErrorReason = iota
	ReasonParseFailure
	ReasonUnresolvedMention
	ReasonWrongTopic
	ReasonUnauthorized
)

// RoutedError is returned for parse, resolution, topic-scope or
// authorization failures, with a reason a façade can render without
// leaking internals.
type RoutedError struct {
	Reason  ErrorReason
	Message string
}

func (e *RoutedError) Error() string { return e.Message }

// matchPattern is the exact grammar anchor for the /match command.
var matchPattern = regexp.MustCompile(`^/match\s+@(\w+)\s+@(\w+)\s+(\d+)\s+(\d+)$`)

// TopicChecker answers whether a group has any configured topic of a
// given type, and if so which platform topic id it maps to. The
// router uses both halves: whether one is configured, and the topic
// id an incoming command must match.
type TopicChecker interface {
	HasTopicOfType(chatID string, topicType domain.TopicType) (platformTopicID string, configured bool)
}

// Authorizer decides whether a subject may invoke a command resource,
// per a casbin-backed RBAC model.
type Authorizer interface {
	Enforce(subject, resource, action string) (bool, error)
}

// Router parses, resolves, scopes and authorizes commands.
type Router struct {
	topics    TopicChecker
	authz     Authorizer
	usernames *xsync.Map[string, string]
}

// New builds a Router. topics and authz are required collaborators
// (database-read topic lookups, casbin enforcer, respectively).
func New(topics TopicChecker, authz Authorizer) *Router {
	return &Router{
		topics:    topics,
		authz:     authz,
		usernames: xsync.NewMap[string, string](),
	}
}

// ObserveTextMentions opportunistically populates the username cache
// from every textMention entity seen, regardless of whether the
// message carries a recognized command.
func (r *Router) ObserveTextMentions(entities []Entity) {
	for _, e := range entities {
		if e.Type == "textMention" && e.Username != "" && e.PlatformUserID != "" {
			r.usernames.Store(e.Username, e.PlatformUserID)
		}
	}
}

// Route parses ev.Text against the grammar, resolves mentions, checks
// topic scoping, and authorizes the invoker, in that order.
func (r *Router) Route(ev Event) (*RoutedCommand, *RoutedError) {
	r.ObserveTextMentions(ev.Entities)

	text := strings.TrimSpace(ev.Text)
	showHelp := false
	if trimmed, ok := cutTrailingHelp(text); ok {
		text = trimmed
		showHelp = true
	}

	cmd, rerr := r.parse(ev, text)
	if rerr != nil {
		return nil, rerr
	}
	cmd.ShowHelp = showHelp
	if showHelp {
		return cmd, nil
	}

	if rerr := r.checkTopicScope(ev, cmd.Kind, cmd.TopicType); rerr != nil {
		return nil, rerr
	}
	if rerr := r.authorize(ev, cmd); rerr != nil {
		return nil, rerr
	}
	return cmd, nil
}

// cutTrailingHelp strips a trailing literal "help" argument.
func cutTrailingHelp(text string) (string, bool) {
	const suffix = " help"
	if text != suffix && strings.HasSuffix(text, suffix) {
		return strings.TrimSuffix(text, suffix), true
	}
	return text, false
}

func (r *Router) parse(ev Event, text string) (*RoutedCommand, *RoutedError) {
	switch {
	case text == "/start":
		return &RoutedCommand{Kind: KindStart, Event: ev}, nil
	case text == "/help":
		return &RoutedCommand{Kind: KindHelp, Event: ev}, nil
	case text == "/ranking" || text == "/rank":
		return &RoutedCommand{Kind: KindRanking, Event: ev}, nil
	case text == "/id_guest":
		return &RoutedCommand{Kind: KindIDGuest, Event: ev}, nil
	case text == "/undo":
		return &RoutedCommand{Kind: KindUndo, Event: ev}, nil
	case strings.HasPrefix(text, "/id "):
		nickname := strings.TrimSpace(strings.TrimPrefix(text, "/id "))
		if nickname == "" || len(nickname) > 256 || strings.ContainsAny(nickname, " \t\n") {
			return nil, &RoutedError{Reason: ReasonParseFailure, Message: "usage: /id <nickname>"}
		}
		return &RoutedCommand{Kind: KindID, Event: ev, Nickname: nickname}, nil
	case strings.HasPrefix(text, "/config_topic "):
		arg := strings.TrimSpace(strings.TrimPrefix(text, "/config_topic "))
		t := domain.TopicType(arg)
		if !t.Valid() {
			return nil, &RoutedError{Reason: ReasonParseFailure, Message: "usage: /config_topic <id|ranking|matches|logs>"}
		}
		return &RoutedCommand{Kind: KindConfigTopic, Event: ev, TopicType: t}, nil
	case strings.HasPrefix(text, "/match"):
		return r.parseMatch(ev, text)
	default:
		return nil, &RoutedError{Reason: ReasonParseFailure, Message: "unrecognized command"}
	}
}

func (r *Router) parseMatch(ev Event, text string) (*RoutedCommand, *RoutedError) {
	m := matchPattern.FindStringSubmatch(text)
	if m == nil {
		return nil, &RoutedError{Reason: ReasonParseFailure, Message: "usage: /match @player1 @player2 score1 score2"}
	}

	username1, username2 := m[1], m[2]
	score1, _ := strconv.Atoi(m[3])
	score2, _ := strconv.Atoi(m[4])

	player1ID, ok := r.resolveMention(ev, username1)
	if !ok {
		return nil, &RoutedError{Reason: ReasonUnresolvedMention, Message: fmt.Sprintf("could not resolve @%s", username1)}
	}
	player2ID, ok := r.resolveMention(ev, username2)
	if !ok {
		return nil, &RoutedError{Reason: ReasonUnresolvedMention, Message: fmt.Sprintf("could not resolve @%s", username2)}
	}

	return &RoutedCommand{
		Kind:      KindMatch,
		Event:     ev,
		Player1ID: player1ID,
		Player2ID: player2ID,
		Score1:    score1,
		Score2:    score2,
		TopicType: domain.TopicTypeMatches,
	}, nil
}

// resolveMention prefers a textMention entity on the event itself
// (carries the platform id directly), falling back to the
// opportunistically populated username cache.
func (r *Router) resolveMention(ev Event, username string) (string, bool) {
	for _, e := range ev.Entities {
		if e.Type == "textMention" && e.Username == username && e.PlatformUserID != "" {
			return e.PlatformUserID, true
		}
	}
	return r.usernames.Load(username)
}

// requiredTopicType maps command kind to the required topic type:
// match->matches, id/id_guest->id, everything else is unscoped.
func requiredTopicType(kind Kind) (domain.TopicType, bool) {
	switch kind {
	case KindMatch:
		return domain.TopicTypeMatches, true
	case KindID, KindIDGuest:
		return domain.TopicTypeID, true
	default:
		return "", false
	}
}

func (r *Router) checkTopicScope(ev Event, kind Kind, explicitType domain.TopicType) *RoutedError {
	required, ok := requiredTopicType(kind)
	if !ok {
		return nil
	}
	if required == "" {
		return nil
	}

	platformTopicID, configured := r.topics.HasTopicOfType(ev.ChatID, required)
	if !configured {
		return nil // no topic of that type configured: accepted anywhere.
	}
	if ev.TopicID != platformTopicID {
		return &RoutedError{Reason: ReasonWrongTopic, Message: fmt.Sprintf("this command must be used in the %s topic", required)}
	}
	return nil
}

// resourceName maps a command kind to the casbin resource name used in
// the static policy CSV.
func resourceName(kind Kind) string {
	switch kind {
	case KindMatch:
		return "match"
	case KindUndo:
		return "undo"
	case KindConfigTopic:
		return "config_topic"
	case KindID:
		return "id"
	case KindIDGuest:
		return "id_guest"
	case KindRanking:
		return "ranking"
	default:
		return "any"
	}
}

func (r *Router) authorize(ev Event, cmd *RoutedCommand) *RoutedError {
	resource := resourceName(cmd.Kind)
	if resource == "any" {
		return nil
	}

	role := "member"
	if ev.SenderIsGroupAdmin {
		role = "admin"
	}

	// /undo's policy-level role check only covers the admin shortcut;
	// a non-admin member is still eligible if they are a match
	// participant, which only the match engine can confirm once the
	// target match is resolved.
	if resource == "undo" && role == "member" {
		return nil
	}

	allowed, err := r.authz.Enforce(role, resource, "invoke")
	if err != nil || !allowed {
		return &RoutedError{Reason: ReasonUnauthorized, Message: "you are not allowed to do that"}
	}
	return nil
}
