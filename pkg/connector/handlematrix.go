// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aiku/mautrix-slack/pkg/datastore"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Matrix event outcomes recorded in metrics.
const (
	matrixOutcomeSuccess   = "success"
	matrixOutcomeDropped   = "dropped"
	matrixOutcomeUnrouted  = "unroutable"
	matrixOutcomeFailed    = "failed"
	matrixOutcomeDuplicate = "duplicate"
)

// HandleMatrixEvent is the entry point for events pushed by the homeserver.
// Failures are logged and counted; the returned error is informational.
func (b *Bridge) HandleMatrixEvent(ctx context.Context, evt *event.Event) error {
	log := b.Log.With().
		Str("component", "matrix").
		Stringer("room_id", evt.RoomID).
		Stringer("event_id", evt.ID).
		Stringer("sender", evt.Sender).
		Str("event_type", evt.Type.Type).
		Logger()
	ctx = log.WithContext(ctx)

	if b.matrixDedupe.CheckAndAdd(evt.ID) {
		log.Debug().Msg("Dropping duplicate Matrix event")
		b.Metrics.MatrixEvent(evt.Type.Type, matrixOutcomeDuplicate)
		return nil
	}
	if b.isBridgeUser(evt.Sender) {
		b.Metrics.MatrixEvent(evt.Type.Type, matrixOutcomeDropped)
		return nil
	}

	err := b.dispatchMatrixEvent(ctx, evt)
	outcome := matrixOutcomeSuccess
	switch {
	case err == nil:
	case errors.Is(err, ErrRoomNotFound):
		outcome = matrixOutcomeUnrouted
		log.Debug().Msg("Matrix event in unbridged room")
	case errors.Is(err, ErrUnknownMessageType), errors.Is(err, ErrUnsupported):
		outcome = matrixOutcomeDropped
		log.Debug().Err(err).Msg("Dropping Matrix event")
	default:
		outcome = matrixOutcomeFailed
		log.Err(err).Msg("Failed to bridge Matrix event")
	}
	b.Metrics.MatrixEvent(evt.Type.Type, outcome)
	return err
}

func (b *Bridge) dispatchMatrixEvent(ctx context.Context, evt *event.Event) error {
	if evt.Type == event.EventMessage && b.Config.Bridge.AdminRoom != "" && evt.RoomID == b.Config.Bridge.AdminRoom {
		b.HandleAdminCommand(ctx, evt)
		return nil
	}
	if evt.Type == event.StateMember {
		return b.HandleMatrixMembership(ctx, evt)
	}

	room := b.Rooms.GetByMatrixRoomID(evt.RoomID)
	if room == nil {
		return ErrRoomNotFound
	}
	switch evt.Type {
	case event.EventMessage, event.EventSticker:
		content := evt.Content.AsMessage()
		if content.RelatesTo != nil && content.RelatesTo.GetReplaceID() != "" {
			return room.HandleMatrixEdit(ctx, evt)
		}
		return room.HandleMatrixMessage(ctx, evt)
	case event.EventRedaction:
		return room.HandleMatrixRedaction(ctx, evt)
	case event.EventReaction:
		return room.HandleMatrixReaction(ctx, evt)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownMessageType, evt.Type.Type)
	}
}

func (b *Bridge) isBridgeUser(userID id.UserID) bool {
	if userID == b.Matrix.Bot().UserID() {
		return true
	}
	return IsGhostUserID(userID, b.Config.Bridge.UsernamePrefix, b.Matrix.ServerName())
}

// HandleMatrixMembership makes puppeted users follow their Matrix room
// membership on Slack. Everyone else is ignored.
func (b *Bridge) HandleMatrixMembership(ctx context.Context, evt *event.Event) error {
	room := b.Rooms.GetByMatrixRoomID(evt.RoomID)
	if room == nil || evt.StateKey == nil {
		return ErrRoomNotFound
	}
	target := id.UserID(*evt.StateKey)
	if target != evt.Sender || room.SlackTeamID() == "" || room.SlackChannelID() == "" {
		return nil
	}
	client, _, err := b.Clients.GetPuppetForMatrixUser(ctx, room.SlackTeamID(), string(target))
	if err != nil || client == nil {
		return err
	}
	switch evt.Content.AsMember().Membership {
	case event.MembershipJoin:
		err = client.JoinConversation(ctx, room.SlackChannelID())
	case event.MembershipLeave:
		err = client.LeaveConversation(ctx, room.SlackChannelID())
	default:
		return nil
	}
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("Failed to mirror puppet membership to Slack")
	}
	return nil
}

// HandleMatrixMessage sends a Matrix message to Slack. Content that is not a
// known message shape is dropped rather than guessed at.
func (r *BridgedRoom) HandleMatrixMessage(ctx context.Context, evt *event.Event) error {
	content := evt.Content.AsMessage()
	if evt.Type == event.EventSticker {
		content.MsgType = event.MsgImage
	}

	msg := &OutgoingMessage{}
	var media []byte
	switch content.MsgType {
	case event.MsgText, event.MsgNotice:
		msg.Text = r.bridge.Subs.MatrixToSlack(ctx, content, r.self)
	case event.MsgEmote:
		msg.Text = "_" + r.bridge.Subs.MatrixToSlack(ctx, content, r.self) + "_"
	case event.MsgImage, event.MsgVideo, event.MsgAudio, event.MsgFile:
		if content.File != nil {
			return fmt.Errorf("%w: encrypted media", ErrUnsupported)
		}
		data, err := r.bridge.Matrix.Bot().DownloadMedia(ctx, content.URL)
		if err != nil {
			return fmt.Errorf("failed to download media: %w", err)
		}
		media = data
	default:
		return fmt.Errorf("%w: %s", ErrUnknownMessageType, content.MsgType)
	}

	if rel := content.RelatesTo; rel != nil {
		if root := rel.GetThreadParent(); root != "" {
			msg.ThreadTS = r.slackTSFor(ctx, root)
		} else if reply := rel.GetReplyTo(); reply != "" {
			msg.ThreadTS = r.slackTSFor(ctx, reply)
		}
	}
	msg.Username, msg.IconURL = r.senderProfile(ctx, evt.Sender)

	client, _, err := r.apiClient(ctx, evt.Sender)
	if err != nil {
		return fmt.Errorf("failed to get Slack client: %w", err)
	}

	r.sendMu.Lock()
	defer r.sendMu.Unlock()

	var ts string
	switch {
	case client != nil && media != nil:
		caption := ""
		if content.FileName != "" && content.Body != content.FileName {
			caption = r.bridge.Subs.MatrixToSlack(ctx, content, r.self)
		}
		uploaded, err := client.UploadFile(ctx, &OutgoingFile{
			ChannelID: r.SlackChannelID(),
			ThreadTS:  msg.ThreadTS,
			Filename:  content.GetFileName(),
			Title:     content.GetFileName(),
			Comment:   caption,
			Data:      media,
		})
		if err != nil {
			return fmt.Errorf("failed to upload file to Slack: %w", err)
		}
		if uploaded.TS == "" {
			r.bridge.uploads.Add(uploaded.ID, evt.ID)
		}
		ts = uploaded.TS
	case client != nil:
		ts, err = client.PostMessage(ctx, r.SlackChannelID(), msg)
		if err != nil {
			return fmt.Errorf("failed to post message to Slack: %w", err)
		}
	case r.WebhookURI() != "":
		if media != nil {
			link := r.bridge.Matrix.PublicMediaURL(content.URL)
			if link == "" {
				return fmt.Errorf("%w: media over webhook without a public media URL", ErrUnsupported)
			}
			msg.Text = "<" + link + "|" + content.GetFileName() + ">"
		}
		if err = r.bridge.postWebhook(ctx, r.WebhookURI(), msg); err != nil {
			return fmt.Errorf("failed to post message to webhook: %w", err)
		}
	default:
		return ErrNoSendPath
	}

	if ts != "" {
		if err = r.bridge.DB.UpsertEvent(ctx, &datastore.EventEntry{
			RoomID:         string(r.matrixRoomID),
			EventID:        string(evt.ID),
			SlackChannelID: r.SlackChannelID(),
			SlackTS:        ts,
		}); err != nil {
			return fmt.Errorf("failed to store message correlation for %s: %w", ts, err)
		}
	}
	now := time.Now()
	r.BumpActivity(SideMatrix, now)
	r.BumpActivity(SideSlack, now)
	r.bridge.Metrics.MessageSent(string(SideSlack))
	return nil
}

// slackTSFor returns the Slack timestamp a Matrix event was bridged to, or
// "" when it was not.
func (r *BridgedRoom) slackTSFor(ctx context.Context, eventID id.EventID) string {
	entry, err := r.bridge.DB.GetEventByMatrixID(ctx, string(r.matrixRoomID), string(eventID))
	if err != nil || entry == nil {
		return ""
	}
	return entry.SlackTS
}

// senderProfile returns the room display name and avatar URL of a Matrix
// user for impersonated posts.
func (r *BridgedRoom) senderProfile(ctx context.Context, sender id.UserID) (string, string) {
	member, err := r.bridge.Matrix.Bot().MemberProfile(ctx, r.matrixRoomID, sender)
	if err != nil || member == nil {
		return sender.String(), ""
	}
	name := member.Displayname
	if name == "" {
		name = sender.String()
	}
	return name, r.bridge.Matrix.PublicMediaURL(member.AvatarURL)
}

// HandleMatrixEdit updates the Slack message an edited Matrix event was
// bridged to. An edit of a message that was never bridged does nothing.
func (r *BridgedRoom) HandleMatrixEdit(ctx context.Context, evt *event.Event) error {
	content := evt.Content.AsMessage()
	target := content.RelatesTo.GetReplaceID()
	log := r.log(ctx).With().Stringer("edit_target", target).Logger()

	orig, err := r.bridge.DB.GetEventByMatrixID(ctx, string(r.matrixRoomID), string(target))
	if err != nil {
		return fmt.Errorf("failed to look up edited event: %w", err)
	}
	if orig == nil {
		log.Debug().Msg("Edited event was never bridged, ignoring edit")
		return nil
	}

	newContent := content.NewContent
	if newContent == nil {
		newContent = content
	}
	text := r.bridge.Subs.MatrixToSlack(ctx, newContent, r.self)
	if newContent.MsgType == event.MsgEmote {
		text = "_" + text + "_"
	}

	client, _, err := r.apiClient(ctx, evt.Sender)
	if err != nil {
		return fmt.Errorf("failed to get Slack client: %w", err)
	}
	if client == nil {
		return fmt.Errorf("%w: edits need a bot token", ErrUnsupported)
	}
	if err = client.UpdateMessage(ctx, orig.SlackChannelID, orig.SlackTS, text); err != nil {
		return fmt.Errorf("failed to update Slack message: %w", err)
	}

	editOf := orig.EventID
	if orig.EditOf != "" {
		editOf = orig.EditOf
	}
	if err = r.bridge.DB.UpsertEvent(ctx, &datastore.EventEntry{
		RoomID:         string(r.matrixRoomID),
		EventID:        string(evt.ID),
		SlackChannelID: orig.SlackChannelID,
		SlackTS:        orig.SlackTS,
		EditOf:         editOf,
	}); err != nil {
		return fmt.Errorf("failed to store edit correlation: %w", err)
	}
	r.BumpActivity(SideMatrix, time.Now())
	return nil
}

// HandleMatrixRedaction deletes the Slack message or removes the Slack
// reaction a redacted Matrix event was bridged to.
func (r *BridgedRoom) HandleMatrixRedaction(ctx context.Context, evt *event.Event) error {
	target := evt.Redacts
	if target == "" {
		target = evt.Content.AsRedaction().Redacts
	}
	log := r.log(ctx).With().Stringer("redacts", target).Logger()

	reaction, err := r.bridge.DB.GetReactionByMatrixID(ctx, string(r.matrixRoomID), string(target))
	if err != nil {
		return fmt.Errorf("failed to look up redacted reaction: %w", err)
	}
	if reaction != nil {
		client, _, err := r.apiClient(ctx, evt.Sender)
		if err != nil {
			return fmt.Errorf("failed to get Slack client: %w", err)
		}
		if client == nil {
			return fmt.Errorf("%w: reactions need a bot token", ErrUnsupported)
		}
		if err = client.RemoveReaction(ctx, reaction.SlackChannelID, reaction.SlackTS, reaction.Reaction); err != nil {
			return fmt.Errorf("failed to remove Slack reaction: %w", err)
		}
		return r.bridge.DB.DeleteReactionByMatrixID(ctx, reaction.RoomID, reaction.EventID)
	}

	entry, err := r.bridge.DB.GetEventByMatrixID(ctx, string(r.matrixRoomID), string(target))
	if err != nil {
		return fmt.Errorf("failed to look up redacted event: %w", err)
	}
	if entry == nil {
		log.Debug().Msg("Redacted event was never bridged, ignoring")
		return nil
	}
	if entry.EditOf != "" {
		log.Debug().Msg("Redacted event is an edit, leaving Slack message in place")
		return r.bridge.DB.DeleteEventByMatrixID(ctx, entry.RoomID, entry.EventID)
	}
	client, _, err := r.apiClient(ctx, evt.Sender)
	if err != nil {
		return fmt.Errorf("failed to get Slack client: %w", err)
	}
	if client == nil {
		return fmt.Errorf("%w: deletes need a bot token", ErrUnsupported)
	}
	if err = client.DeleteMessage(ctx, entry.SlackChannelID, entry.SlackTS); err != nil {
		return fmt.Errorf("failed to delete Slack message: %w", err)
	}
	return r.bridge.DB.DeleteEventByMatrixID(ctx, entry.RoomID, entry.EventID)
}

// HandleMatrixReaction adds a Matrix reaction to the bridged Slack message.
func (r *BridgedRoom) HandleMatrixReaction(ctx context.Context, evt *event.Event) error {
	rel := evt.Content.AsReaction().RelatesTo
	log := r.log(ctx).With().Stringer("target", rel.EventID).Str("key", rel.Key).Logger()

	target, err := r.bridge.DB.GetEventByMatrixID(ctx, string(r.matrixRoomID), string(rel.EventID))
	if err != nil {
		return fmt.Errorf("failed to look up reacted event: %w", err)
	}
	if target == nil {
		log.Debug().Msg("Reacted event was never bridged, ignoring")
		return nil
	}
	name, ok := emojiToReaction(strings.TrimSpace(rel.Key))
	if !ok {
		return fmt.Errorf("%w: reaction %q has no Slack equivalent", ErrUnknownMessageType, rel.Key)
	}

	client, slackUserID, err := r.apiClient(ctx, evt.Sender)
	if err != nil {
		return fmt.Errorf("failed to get Slack client: %w", err)
	}
	if client == nil {
		return fmt.Errorf("%w: reactions need a bot token", ErrUnsupported)
	}
	if err = client.AddReaction(ctx, target.SlackChannelID, target.SlackTS, name); err != nil {
		return fmt.Errorf("failed to add Slack reaction: %w", err)
	}
	return r.bridge.DB.InsertReaction(ctx, &datastore.ReactionEntry{
		RoomID:         string(r.matrixRoomID),
		EventID:        string(evt.ID),
		SlackChannelID: target.SlackChannelID,
		SlackTS:        target.SlackTS,
		SlackUserID:    slackUserID,
		Reaction:       name,
	})
}
