// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/aiku/mautrix-slack/pkg/datastore"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.mau.fi/util/jsontime"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// EventSource is the transport a Slack event arrived on.
type EventSource string

const (
	SourceWebhook EventSource = "webhook"
	SourceSocket  EventSource = "socket"
)

// EventOutcome is how handling of one Slack event ended.
type EventOutcome string

const (
	OutcomeSuccess    EventOutcome = "success"
	OutcomeDropped    EventOutcome = "dropped"
	OutcomeUnroutable EventOutcome = "unroutable"
	OutcomeFailed     EventOutcome = "failed"
)

var errDMDenied = errors.New("dm denied by policy")

// SlackEventHandler orders inbound Slack events per (team, channel) and routes
// them to rooms.
type SlackEventHandler struct {
	bridge *Bridge
	queue  *KeyedQueue
	log    zerolog.Logger
}

func NewSlackEventHandler(b *Bridge) *SlackEventHandler {
	log := b.Log.With().Str("component", "slack_events").Logger()
	return &SlackEventHandler{
		bridge: b,
		queue:  NewKeyedQueue(log),
		log:    log,
	}
}

// HandleEvent acknowledges evt and queues it behind every earlier event of the
// same channel. It never waits for handling to finish. ack may be nil.
func (h *SlackEventHandler) HandleEvent(teamID string, evt *SlackEvent, ack func(), source EventSource) {
	if ack != nil {
		ack()
	}
	log := h.log.With().
		Str("team_id", teamID).
		Str("channel_id", evt.ChannelID).
		Str("slack_event_type", evt.Type).
		Str("slack_event_id", evt.EventID).
		Str("source", string(source)).
		Logger()
	h.queue.Enqueue(queueKey(teamID, evt.ChannelID), func() {
		ctx := log.WithContext(h.bridge.backgroundCtx())
		outcome := h.handle(ctx, teamID, evt)
		h.bridge.Metrics.RemoteEvent(evt.Type, outcome, source)
	})
}

// Wait blocks until all queued events are handled.
func (h *SlackEventHandler) Wait() {
	h.queue.Wait()
}

func (h *SlackEventHandler) handle(ctx context.Context, teamID string, evt *SlackEvent) EventOutcome {
	log := zerolog.Ctx(ctx)
	err := h.dispatch(ctx, teamID, evt)
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, ErrRoomNotFound), errors.Is(err, ErrCannotDetermineTeam):
		log.Warn().Err(err).Msg("Dropping unroutable Slack event")
		return OutcomeUnroutable
	case errors.Is(err, ErrUnknownMessageType), errors.Is(err, errDMDenied):
		log.Debug().Err(err).Msg("Dropping Slack event")
		return OutcomeDropped
	default:
		log.Err(err).Msg("Failed to handle Slack event")
		return OutcomeFailed
	}
}

func (h *SlackEventHandler) dispatch(ctx context.Context, teamID string, evt *SlackEvent) error {
	switch evt.Type {
	case "message":
		return h.handleMessage(ctx, teamID, evt)
	case "reaction_added", "reaction_removed":
		var rx SlackReaction
		if err := json.Unmarshal(evt.Raw, &rx); err != nil {
			return fmt.Errorf("failed to parse reaction: %w", err)
		}
		room := h.bridge.Rooms.GetBySlackChannelID(rx.Item.Channel)
		if room == nil {
			return ErrRoomNotFound
		}
		return room.HandleSlackReaction(ctx, &rx, evt.Type == "reaction_added")
	case "member_joined_channel", "member_left_channel":
		return h.handleMember(ctx, teamID, evt)
	case "channel_rename":
		ch, err := parseChannelEvent(evt.Raw)
		if err != nil {
			return fmt.Errorf("failed to parse channel event: %w", err)
		}
		room := h.bridge.Rooms.GetBySlackChannelID(ch.Channel)
		if room == nil {
			return ErrRoomNotFound
		}
		return room.Rename(ctx, ch.Name)
	case "channel_deleted", "channel_archive", "group_deleted", "group_archive":
		ch, err := parseChannelEvent(evt.Raw)
		if err != nil {
			return fmt.Errorf("failed to parse channel event: %w", err)
		}
		room := h.bridge.Rooms.GetBySlackChannelID(ch.Channel)
		if room == nil {
			return ErrRoomNotFound
		}
		return h.bridge.UnlinkRoom(ctx, room)
	case "channel_created":
		zerolog.Ctx(ctx).Debug().Msg("Channel created, nothing to bridge until it is linked")
		return nil
	case "team_domain_change":
		var change SlackTeamDomainChange
		if err := json.Unmarshal(evt.Raw, &change); err != nil {
			return fmt.Errorf("failed to parse domain change: %w", err)
		}
		return h.handleDomainChange(ctx, teamID, change.Domain)
	default:
		return fmt.Errorf("%w: event type %q", ErrUnknownMessageType, evt.Type)
	}
}

func (h *SlackEventHandler) handleMessage(ctx context.Context, teamID string, evt *SlackEvent) error {
	var msg SlackMessage
	if err := json.Unmarshal(evt.Raw, &msg); err != nil {
		return fmt.Errorf("failed to parse message: %w", err)
	}
	if msg.Channel == "" {
		msg.Channel = evt.ChannelID
	}
	if h.isOwnBot(ctx, teamID, &msg) {
		return fmt.Errorf("%w: own bot echo", ErrUnknownMessageType)
	}
	if msg.Subtype == "channel_name" && msg.Name == "" {
		msg.Name = msg.Text
	}

	room := h.bridge.Rooms.GetBySlackChannelID(msg.Channel)
	if room == nil {
		if msg.ChannelType != "im" && msg.ChannelType != "mpim" {
			return ErrRoomNotFound
		}
		var err error
		if room, err = h.discoverDM(ctx, teamID, &msg); err != nil {
			return err
		}
	}
	return room.HandleSlackMessage(ctx, &msg)
}

// isOwnBot reports whether the bridge bot posted msg. Both delivery paths
// carry the bot's own posts back.
func (h *SlackEventHandler) isOwnBot(ctx context.Context, teamID string, msg *SlackMessage) bool {
	if msg.BotID == "" && msg.User == "" {
		return false
	}
	team, err := h.bridge.DB.GetTeam(ctx, teamID)
	if err != nil || team == nil {
		return false
	}
	return (msg.BotID != "" && msg.BotID == team.BotID) || (msg.User != "" && msg.User == team.UserID)
}

func (h *SlackEventHandler) handleMember(ctx context.Context, teamID string, evt *SlackEvent) error {
	var member SlackMemberEvent
	if err := json.Unmarshal(evt.Raw, &member); err != nil {
		return fmt.Errorf("failed to parse member event: %w", err)
	}
	room := h.bridge.Rooms.GetBySlackChannelID(member.Channel)
	if room == nil {
		return ErrRoomNotFound
	}
	if team, err := h.bridge.DB.GetTeam(ctx, teamID); err == nil && team != nil && team.UserID == member.User {
		return nil
	}
	ghost, err := h.bridge.Ghosts.Get(ctx, member.User, "", teamID)
	if err != nil {
		return err
	}
	if evt.Type == "member_left_channel" {
		return ghost.LeaveRoom(ctx, room.MatrixRoomID())
	}
	if room.IsPrivate() {
		if err = h.bridge.Matrix.Bot().Invite(ctx, room.MatrixRoomID(), ghost.UserID()); err != nil {
			zerolog.Ctx(ctx).Debug().Err(err).Msg("Failed to invite ghost")
		}
	}
	return ghost.JoinRoom(ctx, room.MatrixRoomID())
}

func (h *SlackEventHandler) handleDomainChange(ctx context.Context, teamID, domain string) error {
	team, err := h.bridge.DB.GetTeam(ctx, teamID)
	if err != nil {
		return fmt.Errorf("failed to load team: %w", err)
	}
	if team == nil {
		return fmt.Errorf("%w: unknown team %s", ErrRoomNotFound, teamID)
	}
	team.Domain = domain
	team.UpdatedAt = jsontime.U(time.Now())
	return h.bridge.DB.UpsertTeam(ctx, team)
}

// discoverDM creates a room for a direct conversation that has none yet. The
// room is owned by the puppeted Matrix user taking part in the conversation.
func (h *SlackEventHandler) discoverDM(ctx context.Context, teamID string, msg *SlackMessage) (Room, error) {
	if !h.bridge.Config.Bridge.DMAutoDiscovery {
		return nil, ErrRoomNotFound
	}
	puppets, err := h.bridge.DB.GetAllPuppets(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load puppets: %w", err)
	}
	var owner *datastore.PuppetEntry
	var members []string
	for _, p := range puppets {
		if p.TeamID != teamID {
			continue
		}
		client, err := h.bridge.Clients.GetPuppetClient(ctx, teamID, p.SlackUserID)
		if err != nil || client == nil {
			continue
		}
		m, err := client.ConversationMembers(ctx, msg.Channel)
		if err != nil {
			continue
		}
		if slices.Contains(m, p.SlackUserID) {
			owner, members = p, m
			break
		}
	}
	if owner == nil {
		return nil, fmt.Errorf("%w: no puppet in conversation %s", ErrRoomNotFound, msg.Channel)
	}

	sender := msg.User
	if sender == owner.SlackUserID {
		for _, m := range members {
			if m != owner.SlackUserID {
				sender = m
				break
			}
		}
	}
	name := sender
	if profile, err := h.bridge.Ghosts.LookupProfile(ctx, teamID, sender); err == nil {
		name = profile.BestName()
	}
	if reason := h.bridge.AllowDeny.AllowDM(id.UserID(owner.MatrixID), sender, name); reason != DenyReasonAllowed {
		return nil, fmt.Errorf("%w: %s", errDMDenied, reason)
	}

	kind := datastore.RoomKindIM
	if msg.ChannelType == "mpim" {
		kind = datastore.RoomKindMPIM
	}
	roomID, err := h.bridge.Matrix.Bot().CreateRoom(ctx, &mautrix.ReqCreateRoom{
		Preset:   "trusted_private_chat",
		IsDirect: kind == datastore.RoomKindIM,
		Name:     name,
		Invite:   []id.UserID{id.UserID(owner.MatrixID)},
		InitialState: []*event.Event{{
			Type:    event.StateHistoryVisibility,
			Content: event.Content{Parsed: &event.HistoryVisibilityEventContent{HistoryVisibility: event.HistoryVisibilityShared}},
		}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create DM room: %w", err)
	}
	entry := &datastore.RoomEntry{
		ID:           uuid.NewString(),
		MatrixRoomID: string(roomID),
		RemoteID:     msg.Channel,
		Remote: datastore.RoomRemote{
			ID:          msg.Channel,
			Name:        name,
			TeamID:      teamID,
			Kind:        kind,
			UserToken:   owner.Token,
			PuppetOwner: owner.MatrixID,
			IsPrivate:   true,
		},
	}
	room, err := h.bridge.createRoom(ctx, entry)
	if err != nil {
		return nil, err
	}
	zerolog.Ctx(ctx).Info().Stringer("room_id", roomID).Str("owner", owner.MatrixID).Msg("Created DM room")
	return room, nil
}
