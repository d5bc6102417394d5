// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"fmt"
	"strings"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/appservice"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// MatrixIntent is a Matrix user the bridge acts as: the bridge bot or a ghost.
type MatrixIntent interface {
	UserID() id.UserID
	EnsureRegistered(ctx context.Context) error
	EnsureJoined(ctx context.Context, roomID id.RoomID) error

	SendMessage(ctx context.Context, roomID id.RoomID, content *event.MessageEventContent) (id.EventID, error)
	SendReaction(ctx context.Context, roomID id.RoomID, target id.EventID, key string) (id.EventID, error)
	Redact(ctx context.Context, roomID id.RoomID, eventID id.EventID) error
	SetRoomName(ctx context.Context, roomID id.RoomID, name string) error

	UploadMedia(ctx context.Context, data []byte, mimeType string) (id.ContentURIString, error)
	DownloadMedia(ctx context.Context, uri id.ContentURIString) ([]byte, error)
	SetDisplayName(ctx context.Context, name string) error
	SetAvatarURL(ctx context.Context, uri id.ContentURIString) error

	Invite(ctx context.Context, roomID id.RoomID, userID id.UserID) error
	Leave(ctx context.Context, roomID id.RoomID) error
	JoinedMembers(ctx context.Context, roomID id.RoomID) ([]id.UserID, error)
	MemberProfile(ctx context.Context, roomID id.RoomID, userID id.UserID) (*event.MemberEventContent, error)
	CreateRoom(ctx context.Context, req *mautrix.ReqCreateRoom) (id.RoomID, error)
}

// MatrixConnector hands out intents for the bridge bot and ghosts.
type MatrixConnector interface {
	Bot() MatrixIntent
	Intent(userID id.UserID) MatrixIntent
	ServerName() string
	// PublicMediaURL returns an HTTP URL for a Matrix content URI, or "" when
	// no public media base is configured.
	PublicMediaURL(uri id.ContentURIString) string
}

// ASConnector adapts a mautrix appservice to MatrixConnector.
type ASConnector struct {
	AS        *appservice.AppService
	MediaBase string
}

var _ MatrixConnector = (*ASConnector)(nil)

func (c *ASConnector) Bot() MatrixIntent {
	return &asIntent{intent: c.AS.BotIntent()}
}

func (c *ASConnector) Intent(userID id.UserID) MatrixIntent {
	return &asIntent{intent: c.AS.Intent(userID)}
}

func (c *ASConnector) ServerName() string {
	return c.AS.HomeserverDomain
}

func (c *ASConnector) PublicMediaURL(uri id.ContentURIString) string {
	if c.MediaBase == "" || uri == "" {
		return ""
	}
	parsed, err := uri.Parse()
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%s/_matrix/media/v3/download/%s/%s",
		strings.TrimSuffix(c.MediaBase, "/"), parsed.Homeserver, parsed.FileID)
}

type asIntent struct {
	intent *appservice.IntentAPI
}

func (i *asIntent) UserID() id.UserID {
	return i.intent.UserID
}

func (i *asIntent) EnsureRegistered(ctx context.Context) error {
	return i.intent.EnsureRegistered(ctx)
}

func (i *asIntent) EnsureJoined(ctx context.Context, roomID id.RoomID) error {
	return i.intent.EnsureJoined(ctx, roomID)
}

func (i *asIntent) SendMessage(ctx context.Context, roomID id.RoomID, content *event.MessageEventContent) (id.EventID, error) {
	resp, err := i.intent.SendMessageEvent(ctx, roomID, event.EventMessage, content)
	if err != nil {
		return "", err
	}
	return resp.EventID, nil
}

func (i *asIntent) SendReaction(ctx context.Context, roomID id.RoomID, target id.EventID, key string) (id.EventID, error) {
	resp, err := i.intent.SendMessageEvent(ctx, roomID, event.EventReaction, &event.ReactionEventContent{
		RelatesTo: event.RelatesTo{
			Type:    event.RelAnnotation,
			EventID: target,
			Key:     key,
		},
	})
	if err != nil {
		return "", err
	}
	return resp.EventID, nil
}

func (i *asIntent) Redact(ctx context.Context, roomID id.RoomID, eventID id.EventID) error {
	_, err := i.intent.RedactEvent(ctx, roomID, eventID)
	return err
}

func (i *asIntent) SetRoomName(ctx context.Context, roomID id.RoomID, name string) error {
	_, err := i.intent.SendStateEvent(ctx, roomID, event.StateRoomName, "", &event.RoomNameEventContent{Name: name})
	return err
}

func (i *asIntent) UploadMedia(ctx context.Context, data []byte, mimeType string) (id.ContentURIString, error) {
	resp, err := i.intent.UploadBytes(ctx, data, mimeType)
	if err != nil {
		return "", err
	}
	return resp.ContentURI.CUString(), nil
}

func (i *asIntent) DownloadMedia(ctx context.Context, uri id.ContentURIString) ([]byte, error) {
	parsed, err := uri.Parse()
	if err != nil {
		return nil, fmt.Errorf("invalid content uri %q: %w", uri, err)
	}
	return i.intent.DownloadBytes(ctx, parsed)
}

func (i *asIntent) SetDisplayName(ctx context.Context, name string) error {
	return i.intent.SetDisplayName(ctx, name)
}

func (i *asIntent) SetAvatarURL(ctx context.Context, uri id.ContentURIString) error {
	parsed, err := uri.Parse()
	if err != nil {
		return fmt.Errorf("invalid content uri %q: %w", uri, err)
	}
	return i.intent.SetAvatarURL(ctx, parsed)
}

func (i *asIntent) Invite(ctx context.Context, roomID id.RoomID, userID id.UserID) error {
	_, err := i.intent.InviteUser(ctx, roomID, &mautrix.ReqInviteUser{UserID: userID})
	return err
}

func (i *asIntent) Leave(ctx context.Context, roomID id.RoomID) error {
	_, err := i.intent.LeaveRoom(ctx, roomID)
	return err
}

func (i *asIntent) JoinedMembers(ctx context.Context, roomID id.RoomID) ([]id.UserID, error) {
	resp, err := i.intent.JoinedMembers(ctx, roomID)
	if err != nil {
		return nil, err
	}
	out := make([]id.UserID, 0, len(resp.Joined))
	for userID := range resp.Joined {
		out = append(out, userID)
	}
	return out, nil
}

func (i *asIntent) MemberProfile(ctx context.Context, roomID id.RoomID, userID id.UserID) (*event.MemberEventContent, error) {
	var content event.MemberEventContent
	if err := i.intent.StateEvent(ctx, roomID, event.StateMember, userID.String(), &content); err != nil {
		return nil, err
	}
	return &content, nil
}

func (i *asIntent) CreateRoom(ctx context.Context, req *mautrix.ReqCreateRoom) (id.RoomID, error) {
	resp, err := i.intent.CreateRoom(ctx, req)
	if err != nil {
		return "", err
	}
	return resp.RoomID, nil
}
