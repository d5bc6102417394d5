// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aiku/mautrix-slack/pkg/datastore"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"maunium.net/go/mautrix/id"
)

var (
	ErrChannelAlreadyLinked = errors.New("slack channel is already linked to another room")
	ErrChannelDenied        = errors.New("slack channel is denied by policy")
	ErrInvalidLink          = errors.New("invalid link request")
)

const (
	defaultGaugeInterval = time.Minute
	activityWindow       = 24 * time.Hour
	loadParallelism      = 8
	unlinkParallelism    = 4
	uploadCacheSize      = 512
	uploadCacheTTL       = 10 * time.Minute
)

// Bridge is the process-wide context every component reaches through. It owns
// the room and ghost stores, the client factory, the event queue and the
// Socket Mode connections.
type Bridge struct {
	Config    *Config
	Log       zerolog.Logger
	DB        datastore.Datastore
	Matrix    MatrixConnector
	Clients   *ClientFactory
	Rooms     *RoomStore
	Ghosts    *GhostStore
	Subs      *Substitutions
	AllowDeny *AllowDenyList
	Events    *SlackEventHandler
	Sockets   *SocketManager
	Metrics   *Metrics

	postWebhook  WebhookPoster
	matrixDedupe *eventRing
	// uploads maps Slack file ids uploaded by the bridge to their Matrix
	// events, for uploads whose message ts is not known yet.
	uploads *expirable.LRU[string, id.EventID]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type bridgeOptions struct {
	clientOpts   []ClientFactoryOption
	postWebhook  WebhookPoster
	socketRunner SocketRunner
}

// BridgeOption configures a Bridge.
type BridgeOption func(*bridgeOptions)

// WithClientOptions passes extra options to the client factory.
func WithClientOptions(opts ...ClientFactoryOption) BridgeOption {
	return func(o *bridgeOptions) {
		o.clientOpts = append(o.clientOpts, opts...)
	}
}

// WithWebhookPoster replaces the function that posts to incoming webhook URLs.
func WithWebhookPoster(fn WebhookPoster) BridgeOption {
	return func(o *bridgeOptions) {
		o.postWebhook = fn
	}
}

// WithSocketRunner replaces the function that holds a Socket Mode connection.
func WithSocketRunner(fn SocketRunner) BridgeOption {
	return func(o *bridgeOptions) {
		o.socketRunner = fn
	}
}

// NewBridge wires every component around cfg, ds and matrix. cfg must have
// been post-processed.
func NewBridge(cfg *Config, log zerolog.Logger, ds datastore.Datastore, matrix MatrixConnector, opts ...BridgeOption) (*Bridge, error) {
	o := bridgeOptions{postWebhook: postSlackWebhook}
	for _, opt := range opts {
		opt(&o)
	}
	allowDeny, err := NewAllowDenyList(cfg.AllowDeny)
	if err != nil {
		return nil, err
	}

	b := &Bridge{
		Config:       cfg,
		Log:          log,
		DB:           ds,
		Matrix:       matrix,
		Rooms:        NewRoomStore(),
		AllowDeny:    allowDeny,
		Metrics:      NewMetrics(),
		postWebhook:  o.postWebhook,
		matrixDedupe: newEventRing(cfg.Bridge.DedupeSize),
		uploads:      expirable.NewLRU[string, id.EventID](uploadCacheSize, nil, uploadCacheTTL),
	}
	b.ctx, b.cancel = context.WithCancel(context.Background())

	apiURL := cfg.Slack.APIURL
	clientOpts := append([]ClientFactoryOption{
		WithClientConstructor(func(token string) SlackAPI { return NewSlackAPI(token, apiURL) }),
		WithRateLimit(cfg.Slack.RateLimit, cfg.Slack.RateBurst),
		WithCallObserver(b.Metrics.ObserveCall),
	}, o.clientOpts...)
	b.Clients = NewClientFactory(ds, log.With().Str("component", "slack_clients").Logger(), clientOpts...)
	b.Ghosts = NewGhostStore(b, cfg.Bridge.GhostCacheSize, cfg.Bridge.ProfileCacheTTL)
	b.Subs = &Substitutions{bridge: b}
	b.Events = NewSlackEventHandler(b)
	b.Sockets = NewSocketManager(b, o.socketRunner)
	return b, nil
}

// backgroundCtx is the context of work that outlives the request that queued
// it. It is cancelled by Stop.
func (b *Bridge) backgroundCtx() context.Context {
	return b.ctx
}

// Start loads persisted rooms, opens Socket Mode connections when enabled and
// starts the gauge refresher.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.loadRooms(ctx); err != nil {
		return err
	}
	if b.Config.Slack.SocketMode {
		teams, err := b.DB.GetAllTeams(ctx)
		if err != nil {
			return fmt.Errorf("failed to load teams: %w", err)
		}
		for _, team := range teams {
			if team.Status != datastore.TeamStatusOK || team.BotToken == "" {
				continue
			}
			if err = b.Sockets.Start(ctx, team.ID); err != nil {
				b.Log.Err(err).Str("team_id", team.ID).Msg("Failed to start Socket Mode connection")
			}
		}
	}
	b.wg.Add(1)
	go b.gaugeLoop()
	b.Log.Info().Int("rooms", b.Rooms.Len()).Msg("Bridge started")
	return nil
}

// Stop closes connections, drains the event queue and writes dirty rooms.
func (b *Bridge) Stop(ctx context.Context) {
	b.Sockets.StopAll()
	b.Events.Wait()
	b.cancel()
	b.wg.Wait()
	if err := b.Rooms.FlushDirty(ctx, b.DB); err != nil {
		b.Log.Err(err).Msg("Failed to flush rooms on shutdown")
	}
}

// loadRooms indexes every persisted room and looks up the names of rooms that
// are only missing their channel name.
func (b *Bridge) loadRooms(ctx context.Context) error {
	entries, err := b.DB.GetAllRooms(ctx)
	if err != nil {
		return fmt.Errorf("failed to load rooms: %w", err)
	}
	var pending []Room
	for _, entry := range entries {
		room := newRoom(b, entry)
		b.Rooms.Upsert(room)
		if room.Status() == RoomStatusPendingName && room.SlackChannelID() != "" && room.SlackTeamID() != "" {
			pending = append(pending, room)
		}
	}

	var eg errgroup.Group
	eg.SetLimit(loadParallelism)
	for _, room := range pending {
		eg.Go(func() error {
			log := b.Log.With().Stringer("room_id", room.MatrixRoomID()).Str("channel_id", room.SlackChannelID()).Logger()
			client, err := b.Clients.GetTeamClient(ctx, room.SlackTeamID())
			if err != nil {
				log.Warn().Err(err).Msg("No client to look up channel name")
				return nil
			}
			info, err := client.ConversationInfo(ctx, room.SlackChannelID())
			if err != nil {
				log.Warn().Err(err).Msg("Failed to look up channel name")
				return nil
			}
			room.SetSlackChannelName(info.Name)
			if err = b.persistRoom(ctx, room); err != nil {
				log.Warn().Err(err).Msg("Failed to persist channel name")
			}
			return nil
		})
	}
	_ = eg.Wait()
	b.Log.Debug().Int("rooms", len(entries)).Int("named", len(pending)).Msg("Loaded rooms")
	return nil
}

func (b *Bridge) persistRoom(ctx context.Context, room Room) error {
	return b.Rooms.Persist(ctx, b.DB, room)
}

// createRoom builds the room an entry describes, writes it and indexes it. An
// indexed room holding any of the same keys is replaced.
func (b *Bridge) createRoom(ctx context.Context, entry *datastore.RoomEntry) (Room, error) {
	room := newRoom(b, entry)
	snapshot, gen := room.Snapshot()
	if err := b.DB.UpsertRoom(ctx, snapshot); err != nil {
		return nil, fmt.Errorf("failed to save room %s: %w", entry.MatrixRoomID, err)
	}
	room.MarkPersisted(gen)
	b.Rooms.Upsert(room)
	return room, nil
}

// LinkOptions describes a link between a Matrix room and a Slack channel. At
// least one of ChannelID and WebhookURI must be set; a channel without a
// webhook also needs TeamID.
type LinkOptions struct {
	MatrixRoomID id.RoomID
	ChannelID    string
	TeamID       string
	WebhookURI   string
	LinkedBy     id.UserID
}

// LinkRoom links or relinks a Matrix room. Relinking keeps the room's inbound
// id so existing outgoing webhooks keep working.
func (b *Bridge) LinkRoom(ctx context.Context, opts LinkOptions) (Room, error) {
	switch {
	case opts.MatrixRoomID == "":
		return nil, fmt.Errorf("%w: matrix room id is required", ErrInvalidLink)
	case opts.ChannelID == "" && opts.WebhookURI == "":
		return nil, fmt.Errorf("%w: a channel id or a webhook url is required", ErrInvalidLink)
	case opts.WebhookURI == "" && opts.TeamID == "":
		return nil, fmt.Errorf("%w: team id is required without a webhook url", ErrInvalidLink)
	}
	if opts.ChannelID != "" {
		if other := b.Rooms.GetBySlackChannelID(opts.ChannelID); other != nil && other.MatrixRoomID() != opts.MatrixRoomID {
			return nil, fmt.Errorf("%w: %s is bridged to %s", ErrChannelAlreadyLinked, opts.ChannelID, other.MatrixRoomID())
		}
	}

	entry := &datastore.RoomEntry{
		ID:           uuid.NewString(),
		MatrixRoomID: string(opts.MatrixRoomID),
		RemoteID:     opts.ChannelID,
		Remote: datastore.RoomRemote{
			ID:         opts.ChannelID,
			TeamID:     opts.TeamID,
			Kind:       datastore.RoomKindChannel,
			WebhookURI: opts.WebhookURI,
			LinkedBy:   string(opts.LinkedBy),
		},
	}
	if existing := b.Rooms.GetByMatrixRoomID(opts.MatrixRoomID); existing != nil {
		prev, _ := existing.Snapshot()
		entry.ID = prev.ID
		entry.Remote.LastRemoteSeen = prev.Remote.LastRemoteSeen
		entry.Remote.LastMatrixSeen = prev.Remote.LastMatrixSeen
	}

	if opts.TeamID != "" {
		team, err := b.DB.GetTeam(ctx, opts.TeamID)
		if err != nil {
			return nil, fmt.Errorf("failed to load team: %w", err)
		}
		if team == nil {
			return nil, fmt.Errorf("%w: %s", ErrTeamNotFound, opts.TeamID)
		}
		entry.Remote.BotToken = team.BotToken
	}
	if opts.ChannelID != "" && entry.Remote.BotToken != "" {
		client, err := b.Clients.GetTeamClient(ctx, opts.TeamID)
		if err != nil {
			return nil, err
		}
		info, err := client.ConversationInfo(ctx, opts.ChannelID)
		if err != nil {
			return nil, fmt.Errorf("failed to look up channel %s: %w", opts.ChannelID, err)
		}
		entry.Remote.Name = info.Name
		entry.Remote.IsPrivate = info.IsPrivate
		entry.Remote.Kind = info.Kind()
	}
	if opts.ChannelID != "" || entry.Remote.Name != "" {
		if reason := b.AllowDeny.AllowSlackChannel(opts.ChannelID, entry.Remote.Name); reason != DenyReasonAllowed {
			return nil, fmt.Errorf("%w: %s", ErrChannelDenied, opts.ChannelID)
		}
	}

	room, err := b.createRoom(ctx, entry)
	if err != nil {
		return nil, err
	}
	log := b.Log.With().Stringer("room_id", opts.MatrixRoomID).Str("channel_id", opts.ChannelID).Logger()
	if err = b.Matrix.Bot().EnsureJoined(ctx, opts.MatrixRoomID); err != nil {
		log.Warn().Err(err).Msg("Bridge bot could not join linked room")
	}
	if b.Config.Slack.SocketMode && opts.TeamID != "" {
		if err = b.Sockets.Start(ctx, opts.TeamID); err != nil {
			log.Warn().Err(err).Msg("Failed to start Socket Mode connection for linked team")
		}
	}
	log.Info().Str("status", string(room.Status())).Stringer("linked_by", opts.LinkedBy).Msg("Linked room")
	return room, nil
}

// UnlinkRoom stops bridging room, forgets it and makes its ghosts leave.
func (b *Bridge) UnlinkRoom(ctx context.Context, room Room) error {
	roomID := room.MatrixRoomID()
	b.Rooms.Remove(room)
	if err := b.DB.DeleteRoom(ctx, room.InboundID()); err != nil {
		return fmt.Errorf("failed to delete room %s: %w", roomID, err)
	}
	log := b.Log.With().Stringer("room_id", roomID).Str("channel_id", room.SlackChannelID()).Logger()
	members, err := b.Matrix.Bot().JoinedMembers(ctx, roomID)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to list members of unlinked room")
		return nil
	}
	var eg errgroup.Group
	eg.SetLimit(unlinkParallelism)
	for _, member := range members {
		if !b.isBridgeUser(member) || member == b.Matrix.Bot().UserID() {
			continue
		}
		eg.Go(func() error {
			if err := b.Matrix.Intent(member).Leave(ctx, roomID); err != nil {
				log.Debug().Err(err).Stringer("ghost_id", member).Msg("Ghost failed to leave unlinked room")
			}
			return nil
		})
	}
	_ = eg.Wait()
	log.Info().Msg("Unlinked room")
	return nil
}

// AddTeam validates a bot token, stores its team and hands the token to the
// team's rooms.
func (b *Bridge) AddTeam(ctx context.Context, botToken string) (*datastore.TeamEntry, error) {
	team, err := b.Clients.UpsertTeamFromToken(ctx, botToken)
	if err != nil {
		return nil, err
	}
	for _, room := range b.Rooms.All() {
		if room.SlackTeamID() == "" {
			b.adoptWebhookRoom(ctx, team, room)
			continue
		}
		if room.SlackTeamID() != team.ID {
			continue
		}
		room.SetBotToken(team.BotToken)
		if _, ok := room.(*WebhookRoom); ok {
			// A webhook room with a bot token is a full room now.
			entry, _ := room.Snapshot()
			if _, err = b.createRoom(ctx, entry); err != nil {
				b.Log.Warn().Err(err).Stringer("room_id", room.MatrixRoomID()).Msg("Failed to upgrade webhook room")
			}
			continue
		}
		if err = b.persistRoom(ctx, room); err != nil {
			b.Log.Warn().Err(err).Stringer("room_id", room.MatrixRoomID()).Msg("Failed to store new bot token")
		}
	}
	if b.Config.Slack.SocketMode {
		b.Sockets.Stop(team.ID)
		if err = b.Sockets.Start(ctx, team.ID); err != nil {
			b.Log.Warn().Err(err).Str("team_id", team.ID).Msg("Failed to start Socket Mode connection")
		}
	}
	return team, nil
}

// adoptWebhookRoom upgrades a webhook room linked without a team when the
// team's bot can see the room's channel. Rooms without a channel id stay
// webhook-only.
func (b *Bridge) adoptWebhookRoom(ctx context.Context, team *datastore.TeamEntry, room Room) {
	if _, ok := room.(*WebhookRoom); !ok || room.SlackChannelID() == "" {
		return
	}
	log := b.Log.With().Stringer("room_id", room.MatrixRoomID()).Str("team_id", team.ID).Logger()
	client := b.Clients.ClientForToken(team.ID, team.BotToken)
	if _, err := client.ConversationInfo(ctx, room.SlackChannelID()); err != nil {
		log.Debug().Err(err).Msg("Team cannot see webhook room channel, not adopting it")
		return
	}
	entry, _ := room.Snapshot()
	entry.Remote.TeamID = team.ID
	entry.Remote.BotToken = team.BotToken
	if _, err := b.createRoom(ctx, entry); err != nil {
		log.Warn().Err(err).Msg("Failed to adopt webhook room")
		return
	}
	log.Info().Msg("Adopted webhook room into team")
}

// SetPuppet stores the personal token a Matrix user acts through in a team.
func (b *Bridge) SetPuppet(ctx context.Context, matrixUser id.UserID, teamID, slackUserID, token string) error {
	err := b.DB.SetPuppetToken(ctx, &datastore.PuppetEntry{
		MatrixID:    string(matrixUser),
		TeamID:      teamID,
		SlackUserID: slackUserID,
		Token:       token,
	})
	if err != nil {
		return fmt.Errorf("failed to save puppet: %w", err)
	}
	b.Clients.DropPuppetClient(teamID, slackUserID)
	return nil
}

func (b *Bridge) RemovePuppet(ctx context.Context, teamID, slackUserID string) error {
	if err := b.DB.RemovePuppet(ctx, teamID, slackUserID); err != nil {
		return fmt.Errorf("failed to remove puppet: %w", err)
	}
	b.Clients.DropPuppetClient(teamID, slackUserID)
	return nil
}

func (b *Bridge) gaugeLoop() {
	defer b.wg.Done()
	interval := b.Config.Bridge.GaugeInterval
	if interval <= 0 {
		interval = defaultGaugeInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			b.refreshGauges(b.ctx)
		}
	}
}

// refreshGauges writes dirty rooms and recomputes the room and activity
// gauges.
func (b *Bridge) refreshGauges(ctx context.Context) {
	if err := b.Rooms.FlushDirty(ctx, b.DB); err != nil {
		b.Log.Warn().Err(err).Msg("Failed to flush dirty rooms")
	}
	counts := make(map[[2]string]int)
	for _, room := range b.Rooms.All() {
		counts[[2]string{string(room.Kind()), string(room.Status())}]++
	}
	b.Metrics.SetRoomCounts(counts)

	since := time.Now().Add(-activityWindow)
	rooms, err := b.DB.CountActiveRooms(ctx, since)
	if err != nil {
		b.Log.Warn().Err(err).Msg("Failed to count active rooms")
		return
	}
	users, err := b.DB.CountActiveUsers(ctx, since)
	if err != nil {
		b.Log.Warn().Err(err).Msg("Failed to count active users")
		return
	}
	b.Metrics.SetActive(rooms, users)
}
