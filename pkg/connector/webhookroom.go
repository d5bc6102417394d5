// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"fmt"

	"maunium.net/go/mautrix/event"
)

// WebhookRoom is a channel reached only through a Slack incoming webhook.
// Posting is fire-and-forget, so edits, deletes and reactions are refused
// up front.
type WebhookRoom struct {
	*BridgedRoom
}

var _ Room = (*WebhookRoom)(nil)

func (r *WebhookRoom) IsPrivate() bool { return false }

func (r *WebhookRoom) HandleMatrixEdit(context.Context, *event.Event) error {
	return fmt.Errorf("%w: webhook rooms cannot edit", ErrUnsupported)
}

func (r *WebhookRoom) HandleMatrixRedaction(context.Context, *event.Event) error {
	return fmt.Errorf("%w: webhook rooms cannot delete", ErrUnsupported)
}

func (r *WebhookRoom) HandleMatrixReaction(context.Context, *event.Event) error {
	return fmt.Errorf("%w: webhook rooms cannot react", ErrUnsupported)
}
