// Package gateway is the chat gateway adapter of §6/§9 (component I):
// it decodes platform-specific updates into the neutral event shapes
// consumed by internal/botfacade, and implements the façade's narrow
// ChatResponder output surface. Designing the wire format of any
// particular chat platform is explicitly out of scope (spec.md §1
// Non-goals); this package instead defines the neutral target shape a
// platform-specific Decoder must produce, so the façade never imports
// a platform SDK's types, per the §9 "adapter, not inheritance" note.
package gateway

import (
	"context"

	"github.com/shopmindai/pingpongbot/internal/botfacade"
	"github.com/shopmindai/pingpongbot/internal/command"
)

// UpdateKind discriminates the decoded update.
type UpdateKind int

const (
	UpdateUnknown UpdateKind = iota
	UpdateMessage
	UpdateMemberChange
	UpdateMigration
)

// Update is the neutral decode target a platform Decoder produces from
// one raw update. Exactly one of Message/Member/Migration is set,
// matching Kind.
type Update struct {
	Kind      UpdateKind
	Message   *command.Event
	Member    *botfacade.MembershipEvent
	Migration *botfacade.MigrationEvent
}

// Decoder turns one raw platform update (a webhook POST body or one
// polling/streaming frame) into the neutral Update shape. Supplying a
// platform-specific Decoder is the caller's (cmd/pingpongbot's)
// responsibility; this package never hardcodes a wire format.
type Decoder interface {
	Decode(raw []byte) (*Update, error)
}

// Dispatcher is the slice of *botfacade.Facade every adapter in this
// package depends on.
type Dispatcher interface {
	HandleMessage(ctx context.Context, ev command.Event)
	HandleChatMemberUpdate(ctx context.Context, ev botfacade.MembershipEvent)
	HandleGroupMigration(ctx context.Context, ev botfacade.MigrationEvent)
}

// dispatch routes one decoded Update to the matching Dispatcher method.
func dispatch(ctx context.Context, d Dispatcher, u *Update) {
	switch u.Kind {
	case UpdateMessage:
		if u.Message != nil {
			d.HandleMessage(ctx, *u.Message)
		}
	case UpdateMemberChange:
		if u.Member != nil {
			d.HandleChatMemberUpdate(ctx, *u.Member)
		}
	case UpdateMigration:
		if u.Migration != nil {
			d.HandleGroupMigration(ctx, *u.Migration)
		}
	}
}
