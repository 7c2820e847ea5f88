package gateway

import (
	"context"

	"github.com/go-resty/resty/v2"

	"github.com/shopmindai/pingpongbot/internal/botfacade"
)

// HTTPResponder implements botfacade.ChatResponder over a generic
// neutral HTTP API: two POSTs (send message, set reaction) against a
// configured base URL. Concrete chat platforms wrap their own
// SDK/HTTP client behind the same two methods; designing that wire
// format is out of scope (spec.md §1 Non-goals) so this responder only
// targets the neutral JSON shape below.
type HTTPResponder struct {
	client *resty.Client
}

// NewHTTPResponder builds a responder posting against baseURL.
func NewHTTPResponder(baseURL string) *HTTPResponder {
	return &HTTPResponder{client: resty.New().SetBaseURL(baseURL)}
}

type sendMessageRequest struct {
	ChatID           string `json:"chatId"`
	Text             string `json:"text"`
	ReplyToMessageID string `json:"replyToMessageId,omitempty"`
	TopicID          string `json:"topicId,omitempty"`
}

type setReactionRequest struct {
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
}

// SendMessage implements botfacade.ChatResponder.
func (r *HTTPResponder) SendMessage(ctx context.Context, chatID, text, replyToMessageID, topicID string) error {
	resp, err := r.client.R().
		SetContext(ctx).
		SetBody(sendMessageRequest{ChatID: chatID, Text: text, ReplyToMessageID: replyToMessageID, TopicID: topicID}).
		Post("/send-message")
	if err != nil {
		return err
	}
	return errorFromStatus(resp)
}

// SetMessageReaction implements botfacade.ChatResponder.
func (r *HTTPResponder) SetMessageReaction(ctx context.Context, chatID, messageID string, emoji botfacade.Reaction) error {
	resp, err := r.client.R().
		SetContext(ctx).
		SetBody(setReactionRequest{ChatID: chatID, MessageID: messageID, Emoji: emoji.String()}).
		Post("/set-reaction")
	if err != nil {
		return err
	}
	return errorFromStatus(resp)
}

func errorFromStatus(resp *resty.Response) error {
	if resp.IsError() {
		return &responderError{status: resp.StatusCode()}
	}
	return nil
}

type responderError struct{ status int }

func (e *responderError) Error() string {
	return "gateway: chat platform responder call failed"
}
