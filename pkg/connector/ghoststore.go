// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"maunium.net/go/mautrix/id"
)

// ErrCannotDetermineTeam is returned when neither a team domain nor a team id
// can be found for a Slack user. Callers drop the message.
var ErrCannotDetermineTeam = errors.New("cannot determine team for slack user")

const (
	defaultGhostCacheSize   = 1000
	defaultProfileCacheSize = 5000
	defaultProfileTTL       = 10 * time.Minute
)

// GhostStore creates, caches and looks up ghosts. The in-memory LRU is only an
// accelerator; ghosts are always persisted on creation.
type GhostStore struct {
	bridge *Bridge

	ghosts   *lru.Cache[id.UserID, *SlackGhost]
	profiles *expirable.LRU[string, *SlackUser]

	creates  singleflight.Group
	lookups  singleflight.Group
	domainSF singleflight.Group
}

// NewGhostStore creates a ghost store with room for size ghosts in memory and
// a profile cache whose entries expire after ttl.
func NewGhostStore(b *Bridge, size int, ttl time.Duration) *GhostStore {
	if size <= 0 {
		size = defaultGhostCacheSize
	}
	if ttl <= 0 {
		ttl = defaultProfileTTL
	}
	cache, err := lru.New[id.UserID, *SlackGhost](size)
	if err != nil {
		// lru.New only fails for non-positive sizes.
		panic(err)
	}
	return &GhostStore{
		bridge:   b,
		ghosts:   cache,
		profiles: expirable.NewLRU[string, *SlackUser](defaultProfileCacheSize, nil, ttl),
	}
}

// DeriveUserID returns the ghost user id for a Slack user of a team domain.
func (s *GhostStore) DeriveUserID(slackUserID, teamDomain string) id.UserID {
	return DeriveGhostUserID(s.bridge.Config.Bridge.UsernamePrefix, slackUserID, teamDomain, s.bridge.Matrix.ServerName())
}

// Get returns the ghost for a Slack user, creating and persisting it on first
// use. teamDomain may be empty when teamID is known; the domain is then
// resolved through the team record.
func (s *GhostStore) Get(ctx context.Context, slackUserID, teamDomain, teamID string) (*SlackGhost, error) {
	if slackUserID == "" {
		return nil, errors.New("empty slack user id")
	}
	if teamDomain == "" {
		if teamID == "" {
			return nil, ErrCannotDetermineTeam
		}
		var err error
		teamDomain, err = s.TeamDomain(ctx, teamID)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCannotDetermineTeam, err)
		}
		if teamDomain == "" {
			return nil, ErrCannotDetermineTeam
		}
	}
	userID := s.DeriveUserID(slackUserID, teamDomain)
	if ghost, ok := s.ghosts.Get(userID); ok {
		return ghost, nil
	}

	res, err, _ := s.creates.Do(string(userID), func() (any, error) {
		if ghost, ok := s.ghosts.Get(userID); ok {
			return ghost, nil
		}
		entry, err := s.bridge.DB.GetUser(ctx, string(userID))
		if err != nil {
			return nil, fmt.Errorf("failed to load ghost %s: %w", userID, err)
		}
		var ghost *SlackGhost
		if entry != nil {
			ghost = newGhostFromEntry(s.bridge, entry)
			if ghost.teamID == "" && teamID != "" {
				ghost.teamID = teamID
			}
		} else {
			ghost = &SlackGhost{bridge: s.bridge, userID: userID, slackID: slackUserID, teamID: teamID}
			if err = s.bridge.DB.UpsertUser(ctx, ghost.toEntry()); err != nil {
				return nil, fmt.Errorf("failed to persist new ghost %s: %w", userID, err)
			}
			zerolog.Ctx(ctx).Debug().Stringer("ghost_id", userID).Msg("Created ghost")
		}
		s.ghosts.Add(userID, ghost)
		return ghost, nil
	})
	if err != nil {
		return nil, err
	}
	return res.(*SlackGhost), nil
}

// GetForMessage returns the ghost of the sender of msg. Bot messages without a
// user map to a ghost keyed by the bot id.
func (s *GhostStore) GetForMessage(ctx context.Context, msg *SlackMessage, teamID string) (*SlackGhost, error) {
	sender := msg.User
	if sender == "" {
		sender = msg.BotID
	}
	if sender == "" {
		return nil, errors.New("message has no sender")
	}
	if msg.UserTeam != "" {
		teamID = msg.UserTeam
	} else if msg.Team != "" {
		teamID = msg.Team
	}
	return s.Get(ctx, sender, "", teamID)
}

// GetExisting returns the ghost with the given user id without creating,
// caching or persisting anything. It returns nil when the ghost is unknown.
func (s *GhostStore) GetExisting(ctx context.Context, userID id.UserID) (*SlackGhost, error) {
	if ghost, ok := s.ghosts.Peek(userID); ok {
		return ghost, nil
	}
	entry, err := s.bridge.DB.GetUser(ctx, string(userID))
	if err != nil {
		return nil, fmt.Errorf("failed to load ghost %s: %w", userID, err)
	}
	if entry == nil {
		return nil, nil
	}
	return newGhostFromEntry(s.bridge, entry), nil
}

// LookupProfile fetches a Slack user's profile. Results are cached for the
// store's TTL and concurrent lookups of the same user share one API call.
func (s *GhostStore) LookupProfile(ctx context.Context, teamID, slackUserID string) (*SlackUser, error) {
	key := teamID + ":" + slackUserID
	if profile, ok := s.profiles.Get(key); ok {
		return profile, nil
	}
	res, err, _ := s.lookups.Do(key, func() (any, error) {
		client, err := s.bridge.Clients.GetTeamClient(ctx, teamID)
		if err != nil {
			return nil, err
		}
		profile, err := client.UserInfo(ctx, slackUserID)
		if err != nil {
			return nil, fmt.Errorf("failed to look up user %s: %w", slackUserID, err)
		}
		s.profiles.Add(key, profile)
		return profile, nil
	})
	if err != nil {
		return nil, err
	}
	return res.(*SlackUser), nil
}

// TeamDomain returns the domain of a team, fetching and storing it when the
// team record does not carry one yet.
func (s *GhostStore) TeamDomain(ctx context.Context, teamID string) (string, error) {
	team, err := s.bridge.DB.GetTeam(ctx, teamID)
	if err != nil {
		return "", fmt.Errorf("failed to load team: %w", err)
	}
	if team == nil {
		return "", fmt.Errorf("%w: %s", ErrTeamNotFound, teamID)
	}
	if team.Domain != "" {
		return team.Domain, nil
	}
	res, err, _ := s.domainSF.Do(teamID, func() (any, error) {
		client, err := s.bridge.Clients.GetTeamClient(ctx, teamID)
		if err != nil {
			return "", err
		}
		info, err := client.TeamInfo(ctx)
		if err != nil {
			return "", fmt.Errorf("failed to fetch team info: %w", err)
		}
		team.Domain = info.Domain
		if team.Name == "" {
			team.Name = info.Name
		}
		if err = s.bridge.DB.UpsertTeam(ctx, team); err != nil {
			return "", fmt.Errorf("failed to save team domain: %w", err)
		}
		return info.Domain, nil
	})
	if err != nil {
		return "", err
	}
	return res.(string), nil
}

// Len returns the number of ghosts held in memory.
func (s *GhostStore) Len() int {
	return s.ghosts.Len()
}

