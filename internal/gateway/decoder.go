package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/shopmindai/pingpongbot/internal/botfacade"
	"github.com/shopmindai/pingpongbot/internal/command"
)

// wireEntity and wireUpdate are the neutral JSON shape this reference
// Decoder accepts. A deployment talking to a real chat platform
// supplies its own Decoder translating that platform's actual wire
// format (out of scope per spec.md §1 Non-goals) into the same
// gateway.Update target shape; this one exists so cmd/pingpongbot has
// a working default against a platform that already speaks the
// neutral shape (e.g. a test harness or a thin platform-side adapter
// deployed alongside the bot).
type wireEntity struct {
	Type           string `json:"type"`
	Username       string `json:"username,omitempty"`
	PlatformUserID string `json:"platformUserId,omitempty"`
	Offset         int    `json:"offset"`
	Length         int    `json:"length"`
}

type wireUpdate struct {
	Kind string `json:"kind"`

	Message *struct {
		ChatID             string       `json:"chatId"`
		SenderUserID       string       `json:"senderUserId"`
		MessageID          string       `json:"messageId"`
		Text               string       `json:"text"`
		ReplyToMessageID   string       `json:"replyToMessageId,omitempty"`
		TopicID            string       `json:"topicId,omitempty"`
		Entities           []wireEntity `json:"entities,omitempty"`
		SenderIsGroupAdmin bool         `json:"senderIsGroupAdmin"`
	} `json:"message,omitempty"`

	Member *struct {
		ChatID         string `json:"chatId"`
		ChatName       string `json:"chatName,omitempty"`
		PlatformUserID string `json:"platformUserId,omitempty"`
		BotAdded       bool   `json:"botAdded"`
		BotRemoved     bool   `json:"botRemoved"`
		UserLeft       bool   `json:"userLeft"`
		WasLastGroup   bool   `json:"wasLastGroup"`
	} `json:"member,omitempty"`

	Migration *struct {
		OldChatID string `json:"oldChatId"`
		NewChatID string `json:"newChatId"`
	} `json:"migration,omitempty"`
}

// JSONDecoder implements Decoder against the wireUpdate shape above.
type JSONDecoder struct{}

// NewJSONDecoder builds the reference JSON decoder.
func NewJSONDecoder() *JSONDecoder { return &JSONDecoder{} }

// Decode implements Decoder.
func (JSONDecoder) Decode(raw []byte) (*Update, error) {
	var w wireUpdate
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("gateway: decode update: %w", err)
	}

	switch w.Kind {
	case "message":
		if w.Message == nil {
			return nil, fmt.Errorf("gateway: kind=message with no message payload")
		}
		entities := make([]command.Entity, 0, len(w.Message.Entities))
		for _, e := range w.Message.Entities {
			entities = append(entities, command.Entity{
				Type:           e.Type,
				Username:       e.Username,
				PlatformUserID: e.PlatformUserID,
				Offset:         e.Offset,
				Length:         e.Length,
			})
		}
		return &Update{
			Kind: UpdateMessage,
			Message: &command.Event{
				ChatID:             w.Message.ChatID,
				SenderUserID:       w.Message.SenderUserID,
				MessageID:          w.Message.MessageID,
				Text:               w.Message.Text,
				ReplyToMessageID:   w.Message.ReplyToMessageID,
				TopicID:            w.Message.TopicID,
				Entities:           entities,
				SenderIsGroupAdmin: w.Message.SenderIsGroupAdmin,
			},
		}, nil

	case "member":
		if w.Member == nil {
			return nil, fmt.Errorf("gateway: kind=member with no member payload")
		}
		return &Update{
			Kind: UpdateMemberChange,
			Member: &botfacade.MembershipEvent{
				ChatID:         w.Member.ChatID,
				ChatName:       w.Member.ChatName,
				PlatformUserID: w.Member.PlatformUserID,
				BotAdded:       w.Member.BotAdded,
				BotRemoved:     w.Member.BotRemoved,
				UserLeft:       w.Member.UserLeft,
				WasLastGroup:   w.Member.WasLastGroup,
			},
		}, nil

	case "migration":
		if w.Migration == nil {
			return nil, fmt.Errorf("gateway: kind=migration with no migration payload")
		}
		return &Update{
			Kind: UpdateMigration,
			Migration: &botfacade.MigrationEvent{
				OldChatID: w.Migration.OldChatID,
				NewChatID: w.Migration.NewChatID,
			},
		}, nil

	default:
		return nil, fmt.Errorf("gateway: unrecognized update kind %q", w.Kind)
	}
}
