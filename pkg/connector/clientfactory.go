// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aiku/mautrix-slack/pkg/datastore"
	"github.com/rs/zerolog"
	"go.mau.fi/util/jsontime"
	"golang.org/x/time/rate"
)

var (
	ErrTeamNotFound = errors.New("team not found")
	ErrTeamBadAuth  = errors.New("team credentials were rejected")
	ErrNoBotToken   = errors.New("team has no bot token")
)

// CallObserver is invoked before every Slack Web API call with the logical
// method name. The returned function, if not nil, is invoked with the call's
// error once it completes.
type CallObserver func(ctx context.Context, method string) func(err error)

// ClientFactory hands out Slack API clients for teams and puppeted users.
// Team clients are authenticated once and cached; a team whose token is
// rejected is marked bad_auth in the datastore and fails fast afterwards.
type ClientFactory struct {
	ds        datastore.Datastore
	log       zerolog.Logger
	newClient func(token string) SlackAPI
	observers []CallObserver
	limit     rate.Limit
	burst     int

	mu          sync.Mutex
	teamClients map[string]SlackAPI
	userClients map[string]SlackAPI
	limiters    map[string]*rate.Limiter
}

// ClientFactoryOption configures a ClientFactory.
type ClientFactoryOption func(*ClientFactory)

// WithCallObserver adds an observer to every client the factory creates.
func WithCallObserver(obs CallObserver) ClientFactoryOption {
	return func(f *ClientFactory) {
		f.observers = append(f.observers, obs)
	}
}

// WithClientConstructor replaces the function that builds a raw client from a
// token. Tests use it to return fakes.
func WithClientConstructor(fn func(token string) SlackAPI) ClientFactoryOption {
	return func(f *ClientFactory) {
		f.newClient = fn
	}
}

// WithRateLimit limits Web API calls per team. A non-positive rate disables
// limiting.
func WithRateLimit(perSecond float64, burst int) ClientFactoryOption {
	return func(f *ClientFactory) {
		if perSecond <= 0 {
			f.limit = rate.Inf
			return
		}
		f.limit = rate.Limit(perSecond)
		f.burst = max(burst, 1)
	}
}

// NewClientFactory creates a factory. Without options it builds slack-go
// clients against the public Web API with no rate limiting.
func NewClientFactory(ds datastore.Datastore, log zerolog.Logger, opts ...ClientFactoryOption) *ClientFactory {
	f := &ClientFactory{
		ds:          ds,
		log:         log,
		newClient:   func(token string) SlackAPI { return NewSlackAPI(token, "") },
		limit:       rate.Inf,
		teamClients: make(map[string]SlackAPI),
		userClients: make(map[string]SlackAPI),
		limiters:    make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *ClientFactory) limiter(teamID string) *rate.Limiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.limiters[teamID]
	if !ok {
		l = rate.NewLimiter(f.limit, f.burst)
		f.limiters[teamID] = l
	}
	return l
}

// ClientForToken wraps a client for an arbitrary token with the factory's
// observers and the team's limiter. The result is not cached.
func (f *ClientFactory) ClientForToken(teamID, token string) SlackAPI {
	return &observedSlackAPI{
		inner:     f.newClient(token),
		limiter:   f.limiter(teamID),
		observers: f.observers,
	}
}

// GetTeamClient returns the bot client of a team.
func (f *ClientFactory) GetTeamClient(ctx context.Context, teamID string) (SlackAPI, error) {
	f.mu.Lock()
	client, ok := f.teamClients[teamID]
	f.mu.Unlock()
	if ok {
		return client, nil
	}

	team, err := f.ds.GetTeam(ctx, teamID)
	if err != nil {
		return nil, fmt.Errorf("failed to load team %s: %w", teamID, err)
	}
	switch {
	case team == nil:
		return nil, fmt.Errorf("%w: %s", ErrTeamNotFound, teamID)
	case team.Status == datastore.TeamStatusBadAuth:
		return nil, fmt.Errorf("%w: %s", ErrTeamBadAuth, teamID)
	case team.BotToken == "":
		return nil, fmt.Errorf("%w: %s", ErrNoBotToken, teamID)
	}

	client = f.ClientForToken(teamID, team.BotToken)
	if _, err = client.AuthTest(ctx); err != nil {
		f.log.Warn().Err(err).Str("team_id", teamID).Msg("Team token rejected, marking team as bad_auth")
		team.Status = datastore.TeamStatusBadAuth
		team.UpdatedAt = jsontime.U(time.Now())
		if saveErr := f.ds.UpsertTeam(ctx, team); saveErr != nil {
			f.log.Err(saveErr).Str("team_id", teamID).Msg("Failed to persist bad_auth status")
		}
		return nil, fmt.Errorf("failed to authenticate team %s: %w", teamID, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.teamClients[teamID]; ok {
		return existing, nil
	}
	f.teamClients[teamID] = client
	return client, nil
}

// GetPuppetClient returns the client of a puppeted Slack user, or nil when
// the user has no stored token.
func (f *ClientFactory) GetPuppetClient(ctx context.Context, teamID, slackUserID string) (SlackAPI, error) {
	key := teamID + ":" + slackUserID
	f.mu.Lock()
	client, ok := f.userClients[key]
	f.mu.Unlock()
	if ok {
		return client, nil
	}
	puppet, err := f.ds.GetPuppetBySlackID(ctx, teamID, slackUserID)
	if err != nil {
		return nil, fmt.Errorf("failed to load puppet: %w", err)
	}
	if puppet == nil || puppet.Token == "" {
		return nil, nil
	}
	client = f.ClientForToken(teamID, puppet.Token)
	f.mu.Lock()
	f.userClients[key] = client
	f.mu.Unlock()
	return client, nil
}

// GetPuppetForMatrixUser returns the client and puppet record a Matrix user
// acts through in a team. Both are nil when the user is not puppeted there.
func (f *ClientFactory) GetPuppetForMatrixUser(ctx context.Context, teamID, matrixUserID string) (SlackAPI, *datastore.PuppetEntry, error) {
	puppets, err := f.ds.GetPuppetsByMatrixID(ctx, matrixUserID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load puppets: %w", err)
	}
	for _, p := range puppets {
		if p.TeamID != teamID {
			continue
		}
		client, err := f.GetPuppetClient(ctx, p.TeamID, p.SlackUserID)
		if err != nil || client == nil {
			return nil, nil, err
		}
		return client, p, nil
	}
	return nil, nil, nil
}

// DropPuppetClient forgets a cached puppet client.
func (f *ClientFactory) DropPuppetClient(teamID, slackUserID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.userClients, teamID+":"+slackUserID)
}

// DropTeamClient forgets a cached team client.
func (f *ClientFactory) DropTeamClient(teamID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.teamClients, teamID)
}

// UpsertTeamFromToken validates a bot token, stores the team it belongs to
// with status ok and caches its client.
func (f *ClientFactory) UpsertTeamFromToken(ctx context.Context, token string) (*datastore.TeamEntry, error) {
	probe := f.ClientForToken("", token)
	ident, err := probe.AuthTest(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to validate token: %w", err)
	}
	client := f.ClientForToken(ident.TeamID, token)
	team := &datastore.TeamEntry{
		ID:        ident.TeamID,
		Name:      ident.Team,
		BotToken:  token,
		BotID:     ident.BotID,
		UserID:    ident.UserID,
		Status:    datastore.TeamStatusOK,
		UpdatedAt: jsontime.U(time.Now()),
	}
	if info, err := client.TeamInfo(ctx); err != nil {
		f.log.Warn().Err(err).Str("team_id", ident.TeamID).Msg("Failed to fetch team info")
	} else {
		team.Name = info.Name
		team.Domain = info.Domain
	}
	if err = f.ds.UpsertTeam(ctx, team); err != nil {
		return nil, fmt.Errorf("failed to save team: %w", err)
	}
	f.mu.Lock()
	f.teamClients[team.ID] = client
	f.mu.Unlock()
	return team, nil
}

// observedSlackAPI runs every call through the team's rate limiter and the
// registered observers.
type observedSlackAPI struct {
	inner     SlackAPI
	limiter   *rate.Limiter
	observers []CallObserver
}

var _ SlackAPI = (*observedSlackAPI)(nil)

func (c *observedSlackAPI) call(ctx context.Context, method string, fn func() error) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter for %s: %w", method, err)
		}
	}
	done := make([]func(error), 0, len(c.observers))
	for _, obs := range c.observers {
		if d := obs(ctx, method); d != nil {
			done = append(done, d)
		}
	}
	err := fn()
	for _, d := range done {
		d(err)
	}
	return err
}

func (c *observedSlackAPI) AuthTest(ctx context.Context) (out *SlackIdentity, err error) {
	err = c.call(ctx, "auth.test", func() error {
		out, err = c.inner.AuthTest(ctx)
		return err
	})
	return out, err
}

func (c *observedSlackAPI) TeamInfo(ctx context.Context) (out *SlackTeam, err error) {
	err = c.call(ctx, "team.info", func() error {
		out, err = c.inner.TeamInfo(ctx)
		return err
	})
	return out, err
}

func (c *observedSlackAPI) PostMessage(ctx context.Context, channelID string, msg *OutgoingMessage) (ts string, err error) {
	err = c.call(ctx, "chat.postMessage", func() error {
		ts, err = c.inner.PostMessage(ctx, channelID, msg)
		return err
	})
	return ts, err
}

func (c *observedSlackAPI) UpdateMessage(ctx context.Context, channelID, ts, text string) error {
	return c.call(ctx, "chat.update", func() error {
		return c.inner.UpdateMessage(ctx, channelID, ts, text)
	})
}

func (c *observedSlackAPI) DeleteMessage(ctx context.Context, channelID, ts string) error {
	return c.call(ctx, "chat.delete", func() error {
		return c.inner.DeleteMessage(ctx, channelID, ts)
	})
}

func (c *observedSlackAPI) AddReaction(ctx context.Context, channelID, ts, name string) error {
	return c.call(ctx, "reactions.add", func() error {
		return c.inner.AddReaction(ctx, channelID, ts, name)
	})
}

func (c *observedSlackAPI) RemoveReaction(ctx context.Context, channelID, ts, name string) error {
	return c.call(ctx, "reactions.remove", func() error {
		return c.inner.RemoveReaction(ctx, channelID, ts, name)
	})
}

func (c *observedSlackAPI) UploadFile(ctx context.Context, file *OutgoingFile) (out *UploadedFile, err error) {
	err = c.call(ctx, "files.uploadV2", func() error {
		out, err = c.inner.UploadFile(ctx, file)
		return err
	})
	return out, err
}

func (c *observedSlackAPI) DownloadFile(ctx context.Context, url string) (out []byte, err error) {
	err = c.call(ctx, "files.download", func() error {
		out, err = c.inner.DownloadFile(ctx, url)
		return err
	})
	return out, err
}

func (c *observedSlackAPI) ConversationInfo(ctx context.Context, channelID string) (out *SlackChannel, err error) {
	err = c.call(ctx, "conversations.info", func() error {
		out, err = c.inner.ConversationInfo(ctx, channelID)
		return err
	})
	return out, err
}

func (c *observedSlackAPI) ConversationMembers(ctx context.Context, channelID string) (out []string, err error) {
	err = c.call(ctx, "conversations.members", func() error {
		out, err = c.inner.ConversationMembers(ctx, channelID)
		return err
	})
	return out, err
}

func (c *observedSlackAPI) ListConversations(ctx context.Context) (out []*SlackChannel, err error) {
	err = c.call(ctx, "users.conversations", func() error {
		out, err = c.inner.ListConversations(ctx)
		return err
	})
	return out, err
}

func (c *observedSlackAPI) OpenDM(ctx context.Context, userIDs []string) (out *SlackChannel, err error) {
	err = c.call(ctx, "conversations.open", func() error {
		out, err = c.inner.OpenDM(ctx, userIDs)
		return err
	})
	return out, err
}

func (c *observedSlackAPI) JoinConversation(ctx context.Context, channelID string) error {
	return c.call(ctx, "conversations.join", func() error {
		return c.inner.JoinConversation(ctx, channelID)
	})
}

func (c *observedSlackAPI) LeaveConversation(ctx context.Context, channelID string) error {
	return c.call(ctx, "conversations.leave", func() error {
		return c.inner.LeaveConversation(ctx, channelID)
	})
}

func (c *observedSlackAPI) UserInfo(ctx context.Context, userID string) (out *SlackUser, err error) {
	err = c.call(ctx, "users.info", func() error {
		out, err = c.inner.UserInfo(ctx, userID)
		return err
	})
	return out, err
}
