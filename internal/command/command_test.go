package command

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shopmindai/pingpongbot/internal/domain"
)

type fakeTopics struct {
	byType map[domain.TopicType]string
}

func (f *fakeTopics) HasTopicOfType(chatID string, t domain.TopicType) (string, bool) {
	id, ok := f.byType[t]
	return id, ok
}

type fakeAuthz struct {
	allow map[string]bool // "role:resource"
}

func (f *fakeAuthz) Enforce(subject, resource, action string) (bool, error) {
	return f.allow[subject+":"+resource], nil
}

func newTestRouter(topics *fakeTopics, authz *fakeAuthz) *Router {
	if topics == nil {
		topics = &fakeTopics{byType: map[domain.TopicType]string{}}
	}
	if authz == nil {
		authz = &fakeAuthz{allow: map[string]bool{
			"member:match": true, "member:id": true, "member:id_guest": true,
			"admin:match": true, "admin:id": true, "admin:id_guest": true,
			"admin:undo": true, "admin:config_topic": true,
		}}
	}
	return New(topics, authz)
}

func TestRoute_Help(t *testing.T) {
	r := newTestRouter(nil, nil)
	cmd, rerr := r.Route(Event{Text: "/help"})
	require.Nil(t, rerr)
	assert.Equal(t, KindHelp, cmd.Kind)
}

func TestRoute_MatchWithTextMentions(t *testing.T) {
	r := newTestRouter(nil, nil)
	ev := Event{
		Text: "/match @alice @bob 11 7",
		Entities: []Entity{
			{Type: "textMention", Username: "alice", PlatformUserID: "p1"},
			{Type: "textMention", Username: "bob", PlatformUserID: "p2"},
		},
	}
	cmd, rerr := r.Route(ev)
	require.Nil(t, rerr)
	assert.Equal(t, KindMatch, cmd.Kind)
	assert.Equal(t, "p1", cmd.Player1ID)
	assert.Equal(t, "p2", cmd.Player2ID)
	assert.Equal(t, 11, cmd.Score1)
	assert.Equal(t, 7, cmd.Score2)
}

func TestRoute_MatchResolvesBareUsernameFromCache(t *testing.T) {
	r := newTestRouter(nil, nil)
	// Prime the cache via an earlier textMention sighting.
	r.ObserveTextMentions([]Entity{{Type: "textMention", Username: "carol", PlatformUserID: "p3"}})

	ev := Event{
		Text: "/match @carol @bob 5 3",
		Entities: []Entity{
			{Type: "textMention", Username: "bob", PlatformUserID: "p2"},
		},
	}
	cmd, rerr := r.Route(ev)
	require.Nil(t, rerr)
	assert.Equal(t, "p3", cmd.Player1ID)
}

func TestRoute_MatchUnresolvedMention(t *testing.T) {
	r := newTestRouter(nil, nil)
	ev := Event{Text: "/match @ghost @bob 5 3"}
	_, rerr := r.Route(ev)
	require.NotNil(t, rerr)
	assert.Equal(t, ReasonUnresolvedMention, rerr.Reason)
}

func TestRoute_MatchRejectsMalformedGrammar(t *testing.T) {
	r := newTestRouter(nil, nil)
	_, rerr := r.Route(Event{Text: "/match @alice @bob eleven 7"})
	require.NotNil(t, rerr)
	assert.Equal(t, ReasonParseFailure, rerr.Reason)
}

func TestRoute_TrailingHelpSuppressesDispatch(t *testing.T) {
	r := newTestRouter(nil, nil)
	ev := Event{
		Text: "/match @alice @bob 11 7 help",
		Entities: []Entity{
			{Type: "textMention", Username: "alice", PlatformUserID: "p1"},
			{Type: "textMention", Username: "bob", PlatformUserID: "p2"},
		},
	}
	cmd, rerr := r.Route(ev)
	require.Nil(t, rerr)
	assert.True(t, cmd.ShowHelp)
}

func TestRoute_WrongTopicRejectedWhenTopicConfigured(t *testing.T) {
	topics := &fakeTopics{byType: map[domain.TopicType]string{domain.TopicTypeMatches: "topic-42"}}
	r := newTestRouter(topics, nil)
	ev := Event{
		Text:    "/match @alice @bob 11 7",
		TopicID: "topic-99",
		Entities: []Entity{
			{Type: "textMention", Username: "alice", PlatformUserID: "p1"},
			{Type: "textMention", Username: "bob", PlatformUserID: "p2"},
		},
	}
	_, rerr := r.Route(ev)
	require.NotNil(t, rerr)
	assert.Equal(t, ReasonWrongTopic, rerr.Reason)
}

func TestRoute_AnyTopicAcceptedWhenNoneConfigured(t *testing.T) {
	r := newTestRouter(nil, nil)
	ev := Event{
		Text:    "/match @alice @bob 11 7",
		TopicID: "whatever",
		Entities: []Entity{
			{Type: "textMention", Username: "alice", PlatformUserID: "p1"},
			{Type: "textMention", Username: "bob", PlatformUserID: "p2"},
		},
	}
	_, rerr := r.Route(ev)
	assert.Nil(t, rerr)
}

func TestRoute_ConfigTopicRequiresAdmin(t *testing.T) {
	r := newTestRouter(nil, nil)
	_, rerr := r.Route(Event{Text: "/config_topic ranking", SenderIsGroupAdmin: false})
	require.NotNil(t, rerr)
	assert.Equal(t, ReasonUnauthorized, rerr.Reason)

	cmd, rerr := r.Route(Event{Text: "/config_topic ranking", SenderIsGroupAdmin: true})
	require.Nil(t, rerr)
	assert.Equal(t, KindConfigTopic, cmd.Kind)
	assert.Equal(t, domain.TopicTypeRanking, cmd.TopicType)
}

func TestRoute_ConfigTopicRejectsUnknownType(t *testing.T) {
	r := newTestRouter(nil, nil)
	_, rerr := r.Route(Event{Text: "/config_topic nonsense", SenderIsGroupAdmin: true})
	require.NotNil(t, rerr)
	assert.Equal(t, ReasonParseFailure, rerr.Reason)
}

func TestRoute_UndoAllowedForMemberWithoutPolicyCheck(t *testing.T) {
	r := newTestRouter(nil, nil)
	cmd, rerr := r.Route(Event{Text: "/undo", SenderIsGroupAdmin: false})
	require.Nil(t, rerr)
	assert.Equal(t, KindUndo, cmd.Kind)
}
