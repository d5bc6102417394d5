// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/socketmode"
)

// SocketEventFunc receives one Events API event from a streaming connection
// together with the function that acknowledges it.
type SocketEventFunc func(evt *SlackEvent, ack func())

// SocketRunner holds one streaming connection for a team until ctx ends.
type SocketRunner func(ctx context.Context, teamID, botToken string, handle SocketEventFunc) error

// SocketManager keeps at most one Socket Mode connection per team.
// Reconnection is left to the socketmode client; the manager never probes
// connections for liveness.
type SocketManager struct {
	bridge *Bridge
	run    SocketRunner
	log    zerolog.Logger

	mu    sync.Mutex
	conns map[string]*socketConn
	wg    sync.WaitGroup
}

type socketConn struct {
	cancel context.CancelFunc
}

func NewSocketManager(b *Bridge, run SocketRunner) *SocketManager {
	if run == nil {
		run = socketModeRunner(b.Config.Slack.AppToken, b.Config.Slack.APIURL)
	}
	return &SocketManager{
		bridge: b,
		run:    run,
		log:    b.Log.With().Str("component", "socket_mode").Logger(),
		conns:  make(map[string]*socketConn),
	}
}

// Start opens the team's connection. Starting an already connected team is a
// no-op.
func (m *SocketManager) Start(ctx context.Context, teamID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conns[teamID]; ok {
		return nil
	}
	team, err := m.bridge.DB.GetTeam(ctx, teamID)
	if err != nil {
		return fmt.Errorf("failed to load team: %w", err)
	}
	if team == nil || team.BotToken == "" {
		return fmt.Errorf("%w: %s", ErrNoBotToken, teamID)
	}

	connCtx, cancel := context.WithCancel(m.bridge.backgroundCtx())
	conn := &socketConn{cancel: cancel}
	m.conns[teamID] = conn
	log := m.log.With().Str("team_id", teamID).Logger()
	handle := func(evt *SlackEvent, ack func()) {
		m.bridge.Events.HandleEvent(teamID, evt, ack, SourceSocket)
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		log.Info().Msg("Starting Socket Mode connection")
		err := m.run(log.WithContext(connCtx), teamID, team.BotToken, handle)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Err(err).Msg("Socket Mode connection ended")
		}
		m.mu.Lock()
		if m.conns[teamID] == conn {
			delete(m.conns, teamID)
		}
		m.mu.Unlock()
		cancel()
	}()
	return nil
}

// Stop closes the team's connection if there is one.
func (m *SocketManager) Stop(teamID string) {
	m.mu.Lock()
	conn, ok := m.conns[teamID]
	delete(m.conns, teamID)
	m.mu.Unlock()
	if ok {
		conn.cancel()
	}
}

// StopAll closes every connection and waits for them to end.
func (m *SocketManager) StopAll() {
	m.mu.Lock()
	for teamID, conn := range m.conns {
		conn.cancel()
		delete(m.conns, teamID)
	}
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *SocketManager) Connected(teamID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.conns[teamID]
	return ok
}

func socketModeRunner(appToken, apiURL string) SocketRunner {
	return func(ctx context.Context, teamID, botToken string, handle SocketEventFunc) error {
		opts := []slack.Option{slack.OptionAppLevelToken(appToken)}
		if apiURL != "" {
			opts = append(opts, slack.OptionAPIURL(apiURL))
		}
		client := socketmode.New(slack.New(botToken, opts...))
		log := zerolog.Ctx(ctx)

		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case evt, ok := <-client.Events:
					if !ok {
						return
					}
					switch evt.Type {
					case socketmode.EventTypeConnected:
						log.Info().Msg("Socket Mode connected")
					case socketmode.EventTypeConnectionError:
						log.Warn().Msg("Socket Mode connection error")
					case socketmode.EventTypeEventsAPI:
						if evt.Request == nil {
							continue
						}
						req := *evt.Request
						_, slackEvt, err := parseCallback(req.Payload)
						if err != nil {
							log.Warn().Err(err).Msg("Failed to parse Socket Mode payload")
							client.Ack(req)
							continue
						}
						handle(slackEvt, func() { client.Ack(req) })
					}
				}
			}
		}()
		return client.RunContext(ctx)
	}
}
