// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/aiku/mautrix-slack/pkg/datastore"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

var (
	ErrRoomNotFound       = errors.New("room not found")
	ErrUnsupported        = errors.New("operation not supported by this room")
	ErrUnknownMessageType = errors.New("unknown message type")
	ErrNoSendPath         = errors.New("room has neither a bot token nor a webhook")
)

// RoomStatus is the link state of a room, derived from which of its fields
// are set.
type RoomStatus string

const (
	RoomStatusPendingParams RoomStatus = "pending-params"
	RoomStatusPendingName   RoomStatus = "pending-name"
	RoomStatusReadyNoToken  RoomStatus = "ready-no-token"
	RoomStatusReady         RoomStatus = "ready"
)

// ActivitySide names the side of the bridge a message came from.
type ActivitySide string

const (
	SideMatrix ActivitySide = "matrix"
	SideSlack  ActivitySide = "slack"
)

// Room is one Matrix room bridged to one Slack conversation.
type Room interface {
	InboundID() string
	MatrixRoomID() id.RoomID
	SlackChannelID() string
	SlackChannelName() string
	SlackTeamID() string
	Kind() datastore.RoomKind
	Status() RoomStatus
	IsPrivate() bool
	PuppetOwner() id.UserID
	LinkedBy() id.UserID
	WebhookURI() string

	SetSlackChannelID(channelID string)
	SetSlackChannelName(name string)
	SetSlackTeamID(teamID string)
	SetBotToken(token string)
	SetWebhookURI(uri string)

	IsDirty() bool
	Snapshot() (*datastore.RoomEntry, uint64)
	MarkPersisted(gen uint64)
	BumpActivity(side ActivitySide, ts time.Time)
	LastActivity(side ActivitySide) time.Time

	Rename(ctx context.Context, name string) error
	HandleSlackMessage(ctx context.Context, msg *SlackMessage) error
	HandleSlackReaction(ctx context.Context, reaction *SlackReaction, added bool) error
	HandleMatrixMessage(ctx context.Context, evt *event.Event) error
	HandleMatrixEdit(ctx context.Context, evt *event.Event) error
	HandleMatrixRedaction(ctx context.Context, evt *event.Event) error
	HandleMatrixReaction(ctx context.Context, evt *event.Event) error
}

// newRoom builds the room variant an entry describes. Direct conversations
// become DM rooms, channels reachable only through an incoming webhook URL
// become webhook rooms and everything else is a plain bridged room.
func newRoom(b *Bridge, entry *datastore.RoomEntry) Room {
	base := newBridgedRoom(b, entry)
	switch {
	case entry.Remote.Kind == datastore.RoomKindIM || entry.Remote.Kind == datastore.RoomKindMPIM:
		base.self = &DMRoom{BridgedRoom: base}
	case entry.Remote.WebhookURI != "" && entry.Remote.BotToken == "":
		base.self = &WebhookRoom{BridgedRoom: base}
	}
	return base.self
}

// BridgedRoom is the default room implementation. The inbound id and Matrix
// room id never change; everything else lives in remote and is guarded by mu.
type BridgedRoom struct {
	bridge *Bridge
	// self is the outermost variant wrapping this room. Index and persist
	// through it so the store never holds the embedded value.
	self         Room
	inboundID    string
	matrixRoomID id.RoomID

	// sendMu is held from a Slack send until its correlation is stored, so
	// the echo of that send is never handled in between.
	sendMu sync.Mutex

	mu           sync.RWMutex
	remote       datastore.RoomRemote
	gen          uint64
	persistedGen uint64
}

var _ Room = (*BridgedRoom)(nil)

func newBridgedRoom(b *Bridge, entry *datastore.RoomEntry) *BridgedRoom {
	remote := entry.Remote
	if remote.ID == "" {
		remote.ID = entry.RemoteID
	}
	if remote.Kind == "" {
		remote.Kind = datastore.RoomKindChannel
	}
	r := &BridgedRoom{
		bridge:       b,
		inboundID:    entry.ID,
		matrixRoomID: id.RoomID(entry.MatrixRoomID),
		remote:       remote,
	}
	r.self = r
	return r
}

func (r *BridgedRoom) InboundID() string       { return r.inboundID }
func (r *BridgedRoom) MatrixRoomID() id.RoomID { return r.matrixRoomID }

func (r *BridgedRoom) SlackChannelID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.remote.ID
}

func (r *BridgedRoom) SlackChannelName() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.remote.Name
}

func (r *BridgedRoom) SlackTeamID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.remote.TeamID
}

func (r *BridgedRoom) Kind() datastore.RoomKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.remote.Kind
}

func (r *BridgedRoom) IsPrivate() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.remote.IsPrivate
}

func (r *BridgedRoom) PuppetOwner() id.UserID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return id.UserID(r.remote.PuppetOwner)
}

func (r *BridgedRoom) LinkedBy() id.UserID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return id.UserID(r.remote.LinkedBy)
}

func (r *BridgedRoom) WebhookURI() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.remote.WebhookURI
}

func (r *BridgedRoom) botToken() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.remote.BotToken
}

// Status projects the current fields onto a link state.
func (r *BridgedRoom) Status() RoomStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	hasBot := r.remote.BotToken != ""
	switch {
	case !hasBot && r.remote.WebhookURI == "":
		return RoomStatusPendingParams
	case r.remote.ID == "" || r.remote.Name == "":
		return RoomStatusPendingName
	case !hasBot:
		return RoomStatusReadyNoToken
	default:
		return RoomStatusReady
	}
}

// mutate applies fn under the lock and marks the room dirty when fn reports
// a change.
func (r *BridgedRoom) mutate(fn func(remote *datastore.RoomRemote) bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if fn(&r.remote) {
		r.gen++
	}
}

func (r *BridgedRoom) SetSlackChannelID(channelID string) {
	r.mutate(func(remote *datastore.RoomRemote) bool {
		changed := remote.ID != channelID
		remote.ID = channelID
		return changed
	})
}

func (r *BridgedRoom) SetSlackChannelName(name string) {
	r.mutate(func(remote *datastore.RoomRemote) bool {
		changed := remote.Name != name
		remote.Name = name
		return changed
	})
}

func (r *BridgedRoom) SetSlackTeamID(teamID string) {
	r.mutate(func(remote *datastore.RoomRemote) bool {
		changed := remote.TeamID != teamID
		remote.TeamID = teamID
		return changed
	})
}

func (r *BridgedRoom) SetBotToken(token string) {
	r.mutate(func(remote *datastore.RoomRemote) bool {
		changed := remote.BotToken != token
		remote.BotToken = token
		return changed
	})
}

func (r *BridgedRoom) SetWebhookURI(uri string) {
	r.mutate(func(remote *datastore.RoomRemote) bool {
		changed := remote.WebhookURI != uri
		remote.WebhookURI = uri
		return changed
	})
}

// IsDirty reports whether the room changed since it was last persisted.
func (r *BridgedRoom) IsDirty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.gen != r.persistedGen
}

// Snapshot returns the persistable form of the room and the generation it
// reflects. Pass the generation to MarkPersisted once the entry is written.
func (r *BridgedRoom) Snapshot() (*datastore.RoomEntry, uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return &datastore.RoomEntry{
		ID:           r.inboundID,
		MatrixRoomID: string(r.matrixRoomID),
		RemoteID:     r.remote.ID,
		Remote:       r.remote,
	}, r.gen
}

// MarkPersisted clears the dirty flag unless the room changed again after
// the snapshot of generation gen was taken.
func (r *BridgedRoom) MarkPersisted(gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if gen > r.persistedGen {
		r.persistedGen = gen
	}
}

func (r *BridgedRoom) BumpActivity(side ActivitySide, ts time.Time) {
	epoch := ts.Unix()
	r.mutate(func(remote *datastore.RoomRemote) bool {
		field := &remote.LastRemoteSeen
		if side == SideMatrix {
			field = &remote.LastMatrixSeen
		}
		if epoch <= *field {
			return false
		}
		*field = epoch
		return true
	})
}

func (r *BridgedRoom) LastActivity(side ActivitySide) time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	epoch := r.remote.LastRemoteSeen
	if side == SideMatrix {
		epoch = r.remote.LastMatrixSeen
	}
	if epoch == 0 {
		return time.Time{}
	}
	return time.Unix(epoch, 0)
}

func (r *BridgedRoom) log(ctx context.Context) *zerolog.Logger {
	log := zerolog.Ctx(ctx).With().
		Stringer("room_id", r.matrixRoomID).
		Str("channel_id", r.SlackChannelID()).
		Logger()
	return &log
}

// Rename stores a new channel name and mirrors it to the Matrix room.
func (r *BridgedRoom) Rename(ctx context.Context, name string) error {
	if name == "" || name == r.SlackChannelName() {
		return nil
	}
	r.SetSlackChannelName(name)
	if err := r.bridge.Matrix.Bot().SetRoomName(ctx, r.matrixRoomID, name); err != nil {
		r.log(ctx).Warn().Err(err).Str("name", name).Msg("Failed to set Matrix room name")
	}
	return r.bridge.persistRoom(ctx, r.self)
}

// apiClient returns the client that acts for sender: the sender's own puppet
// when they have one in the room's team, the team bot otherwise. It returns
// nil without error when the room has no bot token.
func (r *BridgedRoom) apiClient(ctx context.Context, sender id.UserID) (SlackAPI, string, error) {
	teamID := r.SlackTeamID()
	if teamID != "" && sender != "" {
		client, puppet, err := r.bridge.Clients.GetPuppetForMatrixUser(ctx, teamID, string(sender))
		if err != nil {
			return nil, "", err
		}
		if client != nil {
			return client, puppet.SlackUserID, nil
		}
	}
	return r.botClient(ctx)
}

// botClient returns the team bot client and the bot's Slack user id.
func (r *BridgedRoom) botClient(ctx context.Context) (SlackAPI, string, error) {
	token := r.botToken()
	if token == "" {
		return nil, "", nil
	}
	teamID := r.SlackTeamID()
	if teamID == "" {
		return r.bridge.Clients.ClientForToken("", token), "", nil
	}
	client, err := r.bridge.Clients.GetTeamClient(ctx, teamID)
	if err != nil {
		return nil, "", err
	}
	var botUser string
	if team, err := r.bridge.DB.GetTeam(ctx, teamID); err == nil && team != nil {
		botUser = team.UserID
	}
	return client, botUser, nil
}
