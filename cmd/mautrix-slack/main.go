// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command mautrix-slack is a Matrix-Slack bridge. It relays messages, edits,
// deletions and reactions between bridged Matrix rooms and Slack channels,
// receiving Slack events over the Events API or Socket Mode.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aiku/mautrix-slack/pkg/connector"
	"github.com/aiku/mautrix-slack/pkg/datastore"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	up "go.mau.fi/util/configupgrade"
	"gopkg.in/yaml.v3"
	"maunium.net/go/mautrix/appservice"
	"maunium.net/go/mautrix/event"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	configPath  = pflag.StringP("config", "c", "config.yaml", "Path to the config file")
	noUpdate    = pflag.Bool("no-update", false, "Don't write the upgraded config back to disk")
	showVersion = pflag.BoolP("version", "v", false, "Print the version and exit")
)

const shutdownTimeout = 15 * time.Second

func main() {
	pflag.Parse()
	if *showVersion {
		fmt.Printf("mautrix-slack %s (%s, built %s)\n", Tag, Commit, BuildTime)
		return
	}
	if err := run(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*connector.Config, error) {
	data, _, err := up.Do(*configPath, !*noUpdate, connector.Upgrader())
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade config: %w", err)
	}
	var cfg connector.Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err = cfg.PostProcess(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func openDatastore(cfg connector.DatabaseConfig, log zerolog.Logger) (datastore.Datastore, error) {
	if cfg.Type == "memory" {
		log.Warn().Msg("Using in-memory datastore, bridge state is lost on restart")
		return datastore.NewMemoryStore(), nil
	}
	return datastore.OpenPebble(cfg.Path, log.With().Str("component", "pebble").Logger())
}

func newAppService(cfg *connector.Config, log zerolog.Logger) (*appservice.AppService, error) {
	reg, err := appservice.LoadRegistration(cfg.AppService.Registration)
	if err != nil {
		return nil, fmt.Errorf("failed to load registration: %w", err)
	}
	as := appservice.Create()
	as.Registration = reg
	as.HomeserverDomain = cfg.Homeserver.Domain
	as.Host.Hostname = cfg.AppService.Hostname
	as.Host.Port = cfg.AppService.Port
	as.Log = log.With().Str("component", "appservice").Logger()
	if err = as.SetHomeserverURL(cfg.Homeserver.Address); err != nil {
		return nil, fmt.Errorf("invalid homeserver address: %w", err)
	}
	return as, nil
}

func serve(log zerolog.Logger, name, addr string, handler http.Handler) *http.Server {
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		log.Info().Str("addr", addr).Msgf("Starting %s listener", name)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Err(err).Msgf("%s listener failed", name)
		}
	}()
	return server
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logPtr, err := cfg.Logging.Compile()
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	log := *logPtr
	zerolog.DefaultContextLogger = &log
	log.Info().Str("version", Tag).Str("commit", Commit).Msg("Initializing mautrix-slack")

	ds, err := openDatastore(cfg.Database, log)
	if err != nil {
		return fmt.Errorf("failed to open datastore: %w", err)
	}
	defer func() {
		if err := ds.Close(); err != nil {
			log.Err(err).Msg("Failed to close datastore")
		}
	}()

	as, err := newAppService(cfg, log)
	if err != nil {
		return err
	}
	matrix := &connector.ASConnector{AS: as, MediaBase: cfg.Homeserver.PublicMediaURL}
	bridge, err := connector.NewBridge(cfg, log, ds, matrix)
	if err != nil {
		return fmt.Errorf("failed to create bridge: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err = matrix.Bot().EnsureRegistered(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to register bridge bot")
	}
	if err = bridge.Start(ctx); err != nil {
		return fmt.Errorf("failed to start bridge: %w", err)
	}

	ep := appservice.NewEventProcessor(as)
	handle := func(ctx context.Context, evt *event.Event) {
		_ = bridge.HandleMatrixEvent(ctx, evt)
	}
	for _, evtType := range []event.Type{
		event.EventMessage,
		event.EventSticker,
		event.EventRedaction,
		event.EventReaction,
		event.StateMember,
	} {
		ep.On(evtType, handle)
	}
	ep.Start(ctx)
	go as.Start()

	servers := []*http.Server{serve(log, "webhook", cfg.Webhook.Listen, bridge.Router())}
	if cfg.Metrics.Enabled {
		servers = append(servers, serve(log, "metrics", cfg.Metrics.Listen, bridge.Metrics.Handler()))
	}

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, server := range servers {
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Failed to shut down listener")
		}
	}
	as.Stop()
	ep.Stop()
	bridge.Stop(shutdownCtx)
	return nil
}
