// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/aiku/mautrix-slack/pkg/datastore"
	"github.com/rs/zerolog"
	"go.mau.fi/util/jsontime"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// activityPersistInterval bounds how often a ghost's activity stamp is written.
const activityPersistInterval = 5 * time.Minute

// SlackGhost is the Matrix user that mirrors one Slack user or bot.
type SlackGhost struct {
	bridge  *Bridge
	userID  id.UserID
	slackID string
	teamID  string

	mu          sync.Mutex
	displayName string
	avatarURL   string
	avatarMXC   id.ContentURIString
	lastActive  time.Time
	persistedAt time.Time
	registered  bool
}

func newGhostFromEntry(b *Bridge, entry *datastore.UserEntry) *SlackGhost {
	return &SlackGhost{
		bridge:      b,
		userID:      id.UserID(entry.ID),
		slackID:     entry.SlackID,
		teamID:      entry.TeamID,
		displayName: entry.DisplayName,
		avatarURL:   entry.AvatarURL,
		avatarMXC:   id.ContentURIString(entry.AvatarMXC),
		lastActive:  entry.LastActive.Time,
		persistedAt: entry.LastActive.Time,
	}
}

func (g *SlackGhost) UserID() id.UserID { return g.userID }
func (g *SlackGhost) SlackID() string   { return g.slackID }
func (g *SlackGhost) TeamID() string    { return g.teamID }

func (g *SlackGhost) DisplayName() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.displayName
}

// Intent returns the Matrix intent of the ghost.
func (g *SlackGhost) Intent() MatrixIntent {
	return g.bridge.Matrix.Intent(g.userID)
}

func (g *SlackGhost) log(ctx context.Context) *zerolog.Logger {
	log := zerolog.Ctx(ctx).With().Stringer("ghost_id", g.userID).Logger()
	return &log
}

func (g *SlackGhost) toEntry() *datastore.UserEntry {
	return &datastore.UserEntry{
		ID:          string(g.userID),
		SlackID:     g.slackID,
		TeamID:      g.teamID,
		DisplayName: g.displayName,
		AvatarURL:   g.avatarURL,
		AvatarMXC:   string(g.avatarMXC),
		LastActive:  jsontime.U(g.lastActive),
	}
}

// persistLocked writes the ghost. g.mu must be held.
func (g *SlackGhost) persistLocked(ctx context.Context) error {
	if err := g.bridge.DB.UpsertUser(ctx, g.toEntry()); err != nil {
		return fmt.Errorf("failed to persist ghost %s: %w", g.userID, err)
	}
	g.persistedAt = g.lastActive
	return nil
}

func (g *SlackGhost) ensureRegistered(ctx context.Context) error {
	g.mu.Lock()
	registered := g.registered
	g.mu.Unlock()
	if registered {
		return nil
	}
	if err := g.Intent().EnsureRegistered(ctx); err != nil {
		return fmt.Errorf("failed to register ghost %s: %w", g.userID, err)
	}
	g.mu.Lock()
	g.registered = true
	g.mu.Unlock()
	return nil
}

// UpdateFromMessage refreshes the ghost's profile from the sender of msg. Bot
// messages carry their own name and icon; user messages trigger a profile
// lookup that is served from the profile cache when possible.
func (g *SlackGhost) UpdateFromMessage(ctx context.Context, msg *SlackMessage) error {
	if msg.BotID != "" && msg.User == "" {
		var icon string
		if msg.Icons != nil {
			icon = msg.Icons.Image72
			if icon == "" {
				icon = msg.Icons.Image48
			}
		}
		name := msg.Username
		if name == "" {
			name = msg.BotID
		}
		return g.Update(ctx, DisplaynameParams{Name: name, DisplayName: name}, icon)
	}
	profile, err := g.bridge.Ghosts.LookupProfile(ctx, g.teamID, g.slackID)
	if err != nil {
		return err
	}
	return g.Update(ctx, DisplaynameParams{
		Name:        profile.Name,
		DisplayName: profile.DisplayName,
		RealName:    profile.RealName,
	}, profile.AvatarURL)
}

// Update sets the ghost's display name and avatar when they changed.
func (g *SlackGhost) Update(ctx context.Context, params DisplaynameParams, avatarURL string) error {
	if err := g.ensureRegistered(ctx); err != nil {
		return err
	}
	name := g.bridge.Config.Bridge.FormatDisplayname(params)

	g.mu.Lock()
	nameChanged := name != "" && name != g.displayName
	avatarChanged := avatarURL != "" && avatarURL != g.avatarURL
	g.mu.Unlock()
	if !nameChanged && !avatarChanged {
		return nil
	}

	intent := g.Intent()
	if nameChanged {
		if err := intent.SetDisplayName(ctx, name); err != nil {
			return fmt.Errorf("failed to set display name: %w", err)
		}
	}
	var mxc id.ContentURIString
	if avatarChanged {
		var err error
		mxc, err = g.uploadAvatar(ctx, avatarURL)
		if err != nil {
			g.log(ctx).Warn().Err(err).Str("avatar_url", avatarURL).Msg("Failed to update ghost avatar")
			avatarChanged = false
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if nameChanged {
		g.displayName = name
	}
	if avatarChanged {
		g.avatarURL = avatarURL
		g.avatarMXC = mxc
	}
	return g.persistLocked(ctx)
}

func (g *SlackGhost) uploadAvatar(ctx context.Context, avatarURL string) (id.ContentURIString, error) {
	client, err := g.bridge.Clients.GetTeamClient(ctx, g.teamID)
	if err != nil {
		return "", err
	}
	data, err := client.DownloadFile(ctx, avatarURL)
	if err != nil {
		return "", fmt.Errorf("failed to download avatar: %w", err)
	}
	intent := g.Intent()
	mxc, err := intent.UploadMedia(ctx, data, http.DetectContentType(data))
	if err != nil {
		return "", fmt.Errorf("failed to upload avatar: %w", err)
	}
	if err = intent.SetAvatarURL(ctx, mxc); err != nil {
		return "", fmt.Errorf("failed to set avatar: %w", err)
	}
	return mxc, nil
}

// BumpActivity records that the ghost was active at ts.
func (g *SlackGhost) BumpActivity(ctx context.Context, ts time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if ts.Before(g.lastActive) {
		return
	}
	g.lastActive = ts
	if ts.Sub(g.persistedAt) < activityPersistInterval {
		return
	}
	if err := g.persistLocked(ctx); err != nil {
		g.log(ctx).Warn().Err(err).Msg("Failed to persist ghost activity")
	}
}

// SendMessage joins the room if needed and sends content as the ghost.
func (g *SlackGhost) SendMessage(ctx context.Context, roomID id.RoomID, content *event.MessageEventContent) (id.EventID, error) {
	intent := g.Intent()
	if err := intent.EnsureJoined(ctx, roomID); err != nil {
		return "", fmt.Errorf("failed to join %s: %w", roomID, err)
	}
	return intent.SendMessage(ctx, roomID, content)
}

func (g *SlackGhost) SendReaction(ctx context.Context, roomID id.RoomID, target id.EventID, key string) (id.EventID, error) {
	intent := g.Intent()
	if err := intent.EnsureJoined(ctx, roomID); err != nil {
		return "", fmt.Errorf("failed to join %s: %w", roomID, err)
	}
	return intent.SendReaction(ctx, roomID, target, key)
}

func (g *SlackGhost) Redact(ctx context.Context, roomID id.RoomID, eventID id.EventID) error {
	return g.Intent().Redact(ctx, roomID, eventID)
}

func (g *SlackGhost) JoinRoom(ctx context.Context, roomID id.RoomID) error {
	return g.Intent().EnsureJoined(ctx, roomID)
}

func (g *SlackGhost) LeaveRoom(ctx context.Context, roomID id.RoomID) error {
	return g.Intent().Leave(ctx, roomID)
}
