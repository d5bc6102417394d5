// Copyright 2024-2026 Aiku AI

package connector

import (
	_ "embed"
	"fmt"
	"slices"
	"strings"
	"text/template"
	"time"

	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"
	"maunium.net/go/mautrix/id"
)

//go:embed example-config.yaml
var ExampleConfig string

// Config holds the bridge configuration.
type Config struct {
	Homeserver   HomeserverConfig   `yaml:"homeserver"`
	AppService   AppServiceConfig   `yaml:"appservice"`
	Bridge       BridgeConfig       `yaml:"bridge"`
	Slack        SlackConfig        `yaml:"slack"`
	Webhook      WebhookConfig      `yaml:"webhook"`
	Provisioning ProvisioningConfig `yaml:"provisioning"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Database     DatabaseConfig     `yaml:"database"`
	AllowDeny    AllowDenyConfig    `yaml:"allow_deny"`
	Logging      zeroconfig.Config  `yaml:"logging"`
}

type HomeserverConfig struct {
	Address string `yaml:"address"`
	Domain  string `yaml:"domain"`
	// PublicMediaURL is the base under which the homeserver's media is
	// reachable from Slack. Media sent through webhook rooms needs it.
	PublicMediaURL string `yaml:"public_media_url"`
}

type AppServiceConfig struct {
	Registration string `yaml:"registration"`
	Hostname     string `yaml:"hostname"`
	Port         uint16 `yaml:"port"`
}

type BridgeConfig struct {
	UsernamePrefix      string        `yaml:"username_prefix"`
	DisplaynameTemplate string        `yaml:"displayname_template"`
	AdminRoom           id.RoomID     `yaml:"admin_room"`
	Admins              []id.UserID   `yaml:"admins"`
	DMAutoDiscovery     bool          `yaml:"dm_auto_discovery"`
	DedupeSize          int           `yaml:"dedupe_size"`
	GhostCacheSize      int           `yaml:"ghost_cache_size"`
	ProfileCacheTTL     time.Duration `yaml:"profile_cache_ttl"`
	GaugeInterval       time.Duration `yaml:"gauge_interval"`

	displaynameTemplate *template.Template `yaml:"-"`
}

type SlackConfig struct {
	SigningSecret string   `yaml:"signing_secret"`
	AppToken      string   `yaml:"app_token"`
	SocketMode    bool     `yaml:"socket_mode"`
	APIURL        string   `yaml:"api_url"`
	RateLimit     float64  `yaml:"rate_limit"`
	RateBurst     int      `yaml:"rate_burst"`
	ClientID      string   `yaml:"client_id"`
	ClientSecret  string   `yaml:"client_secret"`
	RedirectURI   string   `yaml:"redirect_uri"`
	BotScopes     []string `yaml:"bot_scopes"`
	UserScopes    []string `yaml:"user_scopes"`
}

type WebhookConfig struct {
	Listen string `yaml:"listen"`
}

type ProvisioningConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Prefix       string `yaml:"prefix"`
	SharedSecret string `yaml:"shared_secret"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

type DatabaseConfig struct {
	Type string `yaml:"type"`
	Path string `yaml:"path"`
}

// DisplaynameParams holds the parameters for rendering the displayname template.
type DisplaynameParams struct {
	Name        string
	DisplayName string
	RealName    string
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// PostProcess compiles the displayname template and checks the fields the
// bridge cannot start without.
func (c *Config) PostProcess() error {
	var err error
	c.Bridge.displaynameTemplate, err = template.New("displayname").Parse(c.Bridge.DisplaynameTemplate)
	if err != nil {
		return fmt.Errorf("invalid displayname_template: %w", err)
	}
	switch {
	case c.Homeserver.Domain == "":
		return fmt.Errorf("homeserver.domain is required")
	case c.Bridge.UsernamePrefix == "":
		return fmt.Errorf("bridge.username_prefix is required")
	case c.Provisioning.Enabled && c.Provisioning.SharedSecret == "":
		return fmt.Errorf("provisioning.shared_secret is required when provisioning is enabled")
	case c.Slack.SocketMode && c.Slack.AppToken == "":
		return fmt.Errorf("slack.app_token is required for socket mode")
	case !slices.Contains([]string{"memory", "pebble"}, c.Database.Type):
		return fmt.Errorf("unknown database.type %q", c.Database.Type)
	case c.Database.Type == "pebble" && c.Database.Path == "":
		return fmt.Errorf("database.path is required for pebble")
	}
	c.Provisioning.Prefix = "/" + strings.Trim(c.Provisioning.Prefix, "/")
	return nil
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "homeserver", "address")
	helper.Copy(up.Str, "homeserver", "domain")
	helper.Copy(up.Str|up.Null, "homeserver", "public_media_url")

	helper.Copy(up.Str, "appservice", "registration")
	helper.Copy(up.Str, "appservice", "hostname")
	helper.Copy(up.Int, "appservice", "port")

	helper.Copy(up.Str, "bridge", "username_prefix")
	helper.Copy(up.Str, "bridge", "displayname_template")
	helper.Copy(up.Str|up.Null, "bridge", "admin_room")
	helper.Copy(up.List, "bridge", "admins")
	helper.Copy(up.Bool, "bridge", "dm_auto_discovery")
	helper.Copy(up.Int, "bridge", "dedupe_size")
	helper.Copy(up.Int, "bridge", "ghost_cache_size")
	helper.Copy(up.Str, "bridge", "profile_cache_ttl")
	helper.Copy(up.Str, "bridge", "gauge_interval")

	helper.Copy(up.Str|up.Null, "slack", "signing_secret")
	helper.Copy(up.Str|up.Null, "slack", "app_token")
	helper.Copy(up.Bool, "slack", "socket_mode")
	helper.Copy(up.Str|up.Null, "slack", "api_url")
	helper.Copy(up.Float|up.Int, "slack", "rate_limit")
	helper.Copy(up.Int, "slack", "rate_burst")
	helper.Copy(up.Str|up.Null, "slack", "client_id")
	helper.Copy(up.Str|up.Null, "slack", "client_secret")
	helper.Copy(up.Str|up.Null, "slack", "redirect_uri")
	helper.Copy(up.List, "slack", "bot_scopes")
	helper.Copy(up.List, "slack", "user_scopes")

	helper.Copy(up.Str, "webhook", "listen")

	helper.Copy(up.Bool, "provisioning", "enabled")
	helper.Copy(up.Str, "provisioning", "prefix")
	helper.Copy(up.Str|up.Null, "provisioning", "shared_secret")

	helper.Copy(up.Bool, "metrics", "enabled")
	helper.Copy(up.Str, "metrics", "listen")

	helper.Copy(up.Str, "database", "type")
	helper.Copy(up.Str|up.Null, "database", "path")

	helper.Copy(up.Map, "allow_deny")
	helper.Copy(up.Map, "logging")
}

// Upgrader returns the upgrader that carries values of an older config over to
// the current example layout.
func Upgrader() *up.StructUpgrader {
	return &up.StructUpgrader{
		SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
		Blocks: [][]string{
			{"homeserver"},
			{"appservice"},
			{"bridge"},
			{"slack"},
			{"webhook"},
			{"provisioning"},
			{"metrics"},
			{"database"},
			{"allow_deny"},
			{"logging"},
		},
		Base: ExampleConfig,
	}
}

// IsAdmin reports whether userID may run admin commands and manage any link.
func (c *BridgeConfig) IsAdmin(userID id.UserID) bool {
	return slices.Contains(c.Admins, userID)
}

// FormatDisplayname generates a display name from the template and params.
func (c *BridgeConfig) FormatDisplayname(params DisplaynameParams) string {
	fallback := params.DisplayName
	if fallback == "" {
		fallback = params.Name
	}
	if c.displaynameTemplate == nil {
		return fallback
	}
	var buf strings.Builder
	if err := c.displaynameTemplate.Execute(&buf, params); err != nil {
		return fallback
	}
	if name := strings.TrimSpace(buf.String()); name != "" {
		return name
	}
	return fallback
}
