// Copyright 2024-2026 Aiku AI

// Package datastore defines the persistence contract of the bridge and ships
// two engines for it: an in-memory store and a Pebble-backed store.
//
// Lookups that find nothing return a nil record and a nil error. Callers treat
// a missing correlation as a normal outcome, not a failure.
package datastore

import (
	"context"
	"time"

	"go.mau.fi/util/jsontime"
)

// TeamStatus is the health of a team's stored credentials.
type TeamStatus string

const (
	TeamStatusOK       TeamStatus = "ok"
	TeamStatusBadAuth  TeamStatus = "bad_auth"
	TeamStatusArchived TeamStatus = "archived"
)

// RoomKind discriminates the room implementation built for an entry.
type RoomKind string

const (
	RoomKindChannel RoomKind = "channel"
	RoomKindIM      RoomKind = "im"
	RoomKindMPIM    RoomKind = "mpim"
)

// RoomRemote is the remote metadata blob embedded in a room entry.
type RoomRemote struct {
	ID             string   `json:"id"`
	Name           string   `json:"name,omitempty"`
	TeamID         string   `json:"slack_team_id,omitempty"`
	Kind           RoomKind `json:"slack_type,omitempty"`
	WebhookURI     string   `json:"webhook_uri,omitempty"`
	BotToken       string   `json:"slack_bot_token,omitempty"`
	UserToken      string   `json:"slack_user_token,omitempty"`
	PuppetOwner    string   `json:"puppet_owner,omitempty"`
	LinkedBy       string   `json:"linked_by,omitempty"`
	IsPrivate      bool     `json:"is_private,omitempty"`
	LastRemoteSeen int64    `json:"last_remote_ts,omitempty"`
	LastMatrixSeen int64    `json:"last_matrix_ts,omitempty"`
}

// RoomEntry is the persisted form of a bridged room, keyed by inbound id.
type RoomEntry struct {
	ID           string     `json:"id"`
	MatrixRoomID string     `json:"matrix_id"`
	RemoteID     string     `json:"remote_id,omitempty"`
	Remote       RoomRemote `json:"remote"`
}

// UserEntry is a mirrored remote user, keyed by the local ghost id.
type UserEntry struct {
	ID          string        `json:"id"`
	SlackID     string        `json:"slack_id"`
	TeamID      string        `json:"team_id,omitempty"`
	DisplayName string        `json:"display_name,omitempty"`
	AvatarURL   string        `json:"avatar_url,omitempty"`
	AvatarMXC   string        `json:"avatar_mxc,omitempty"`
	LastActive  jsontime.Unix `json:"last_active"`
}

// TeamEntry holds a workspace and its bot credentials.
type TeamEntry struct {
	ID        string        `json:"id"`
	Name      string        `json:"name,omitempty"`
	Domain    string        `json:"domain,omitempty"`
	BotToken  string        `json:"bot_token,omitempty"`
	BotID     string        `json:"bot_id,omitempty"`
	UserID    string        `json:"user_id,omitempty"`
	Scopes    string        `json:"scopes,omitempty"`
	Status    TeamStatus    `json:"status"`
	UpdatedAt jsontime.Unix `json:"updated_at"`
}

// EventEntry correlates one Matrix event with one Slack message.
//
// EditOf is set for entries written for edit events. Such entries are only
// reachable by Matrix id; the Slack coordinates keep resolving to the
// original message.
type EventEntry struct {
	RoomID         string            `json:"room_id"`
	EventID        string            `json:"event_id"`
	SlackChannelID string            `json:"slack_channel_id"`
	SlackTS        string            `json:"slack_ts"`
	EditOf         string            `json:"edit_of,omitempty"`
	Extras         map[string]string `json:"extras,omitempty"`
}

// ReactionEntry correlates a Matrix reaction event with a Slack reaction.
type ReactionEntry struct {
	RoomID         string `json:"room_id"`
	EventID        string `json:"event_id"`
	SlackChannelID string `json:"slack_channel_id"`
	SlackTS        string `json:"slack_message_ts"`
	SlackUserID    string `json:"slack_user_id"`
	Reaction       string `json:"reaction"`
}

// PuppetEntry is a Matrix user acting as a Slack user through a personal token.
type PuppetEntry struct {
	MatrixID    string `json:"matrix_id"`
	TeamID      string `json:"team_id"`
	SlackUserID string `json:"slack_user_id"`
	Token       string `json:"token"`
}

// Datastore is the durable state the bridge core depends on.
type Datastore interface {
	UpsertRoom(ctx context.Context, room *RoomEntry) error
	DeleteRoom(ctx context.Context, id string) error
	GetAllRooms(ctx context.Context) ([]*RoomEntry, error)

	UpsertUser(ctx context.Context, user *UserEntry) error
	GetUser(ctx context.Context, id string) (*UserEntry, error)
	GetAllUsersForTeam(ctx context.Context, teamID string) ([]*UserEntry, error)

	UpsertTeam(ctx context.Context, team *TeamEntry) error
	GetTeam(ctx context.Context, teamID string) (*TeamEntry, error)
	GetAllTeams(ctx context.Context) ([]*TeamEntry, error)
	DeleteTeam(ctx context.Context, teamID string) error

	UpsertEvent(ctx context.Context, evt *EventEntry) error
	GetEventByMatrixID(ctx context.Context, roomID, eventID string) (*EventEntry, error)
	GetEventBySlackID(ctx context.Context, channelID, ts string) (*EventEntry, error)
	DeleteEventByMatrixID(ctx context.Context, roomID, eventID string) error

	InsertReaction(ctx context.Context, reaction *ReactionEntry) error
	GetReactionByMatrixID(ctx context.Context, roomID, eventID string) (*ReactionEntry, error)
	GetReactionBySlackID(ctx context.Context, channelID, ts, userID, reaction string) (*ReactionEntry, error)
	DeleteReactionByMatrixID(ctx context.Context, roomID, eventID string) error
	DeleteReactionBySlackID(ctx context.Context, channelID, ts, userID, reaction string) error

	SetPuppetToken(ctx context.Context, puppet *PuppetEntry) error
	GetPuppetBySlackID(ctx context.Context, teamID, slackUserID string) (*PuppetEntry, error)
	GetPuppetsByMatrixID(ctx context.Context, matrixID string) ([]*PuppetEntry, error)
	GetAllPuppets(ctx context.Context) ([]*PuppetEntry, error)
	RemovePuppet(ctx context.Context, teamID, slackUserID string) error

	SetUserAdminRoom(ctx context.Context, userID, roomID string) error
	GetUserAdminRoom(ctx context.Context, userID string) (string, error)
	GetUserForAdminRoom(ctx context.Context, roomID string) (string, error)

	CountRooms(ctx context.Context) (int, error)
	CountActiveRooms(ctx context.Context, since time.Time) (map[string]int, error)
	CountActiveUsers(ctx context.Context, since time.Time) (map[string]int, error)

	Close() error
}

// ActiveSince reports whether an epoch-seconds activity stamp is at or after since.
func ActiveSince(epoch int64, since time.Time) bool {
	return epoch > 0 && !time.Unix(epoch, 0).Before(since)
}
