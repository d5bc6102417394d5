// Copyright 2024-2026 Aiku AI

package connector

import (
	"fmt"
	"regexp"
	"strings"

	"maunium.net/go/mautrix/id"
)

// DenyReason is the outcome of an allow/deny check. The zero value allows.
type DenyReason int

const (
	DenyReasonAllowed DenyReason = iota
	DenyReasonMatrix
	DenyReasonSlack
)

func (r DenyReason) String() string {
	switch r {
	case DenyReasonAllowed:
		return "ALLOWED"
	case DenyReasonMatrix:
		return "MATRIX"
	case DenyReasonSlack:
		return "SLACK"
	default:
		return fmt.Sprintf("DenyReason(%d)", int(r))
	}
}

// UserRules lists Matrix user id patterns (regular expressions) and Slack user
// ids or usernames.
type UserRules struct {
	Matrix []string `yaml:"matrix"`
	Slack  []string `yaml:"slack"`
}

// AllowDenyConfig is the allow_deny section of the config.
type AllowDenyConfig struct {
	DM struct {
		Allow UserRules `yaml:"allow"`
		Deny  UserRules `yaml:"deny"`
	} `yaml:"dm"`
	Channel struct {
		// Entries are Slack channel ids or names, with or without a leading #.
		Allow []string `yaml:"allow"`
		Deny  []string `yaml:"deny"`
	} `yaml:"channel"`
}

type compiledRules struct {
	matrix []*regexp.Regexp
	slack  map[string]struct{}
}

func compileRules(rules UserRules) (compiledRules, error) {
	out := compiledRules{slack: make(map[string]struct{}, len(rules.Slack))}
	for _, pattern := range rules.Matrix {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return out, fmt.Errorf("invalid matrix pattern %q: %w", pattern, err)
		}
		out.matrix = append(out.matrix, re)
	}
	for _, s := range rules.Slack {
		out.slack[strings.ToLower(s)] = struct{}{}
	}
	return out, nil
}

func (c compiledRules) matchMatrix(userID id.UserID) bool {
	for _, re := range c.matrix {
		if re.MatchString(string(userID)) {
			return true
		}
	}
	return false
}

func (c compiledRules) matchSlack(slackUserID, slackUsername string) bool {
	if _, ok := c.slack[strings.ToLower(slackUserID)]; ok && slackUserID != "" {
		return true
	}
	if _, ok := c.slack[strings.ToLower(slackUsername)]; ok && slackUsername != "" {
		return true
	}
	return false
}

func channelSet(entries []string) map[string]struct{} {
	out := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		out[strings.ToLower(strings.TrimPrefix(e, "#"))] = struct{}{}
	}
	return out
}

// AllowDenyList decides whether DMs and channels may be bridged. It holds
// only compiled rules and is safe for concurrent use.
type AllowDenyList struct {
	dmAllow      compiledRules
	dmDeny       compiledRules
	channelAllow map[string]struct{}
	channelDeny  map[string]struct{}
}

// NewAllowDenyList compiles the rules of cfg.
func NewAllowDenyList(cfg AllowDenyConfig) (*AllowDenyList, error) {
	allow, err := compileRules(cfg.DM.Allow)
	if err != nil {
		return nil, fmt.Errorf("failed to compile dm allow list: %w", err)
	}
	deny, err := compileRules(cfg.DM.Deny)
	if err != nil {
		return nil, fmt.Errorf("failed to compile dm deny list: %w", err)
	}
	return &AllowDenyList{
		dmAllow:      allow,
		dmDeny:       deny,
		channelAllow: channelSet(cfg.Channel.Allow),
		channelDeny:  channelSet(cfg.Channel.Deny),
	}, nil
}

// AllowDM checks whether a DM between a Matrix user and a Slack user may be
// bridged. Deny rules are checked first, so a user matching both lists is
// denied. A non-empty allow list on one side admits only its matches.
func (l *AllowDenyList) AllowDM(matrixUser id.UserID, slackUserID, slackUsername string) DenyReason {
	if l == nil {
		return DenyReasonAllowed
	}
	if l.dmDeny.matchMatrix(matrixUser) {
		return DenyReasonMatrix
	}
	if l.dmDeny.matchSlack(slackUserID, slackUsername) {
		return DenyReasonSlack
	}
	if len(l.dmAllow.matrix) > 0 && !l.dmAllow.matchMatrix(matrixUser) {
		return DenyReasonMatrix
	}
	if len(l.dmAllow.slack) > 0 && !l.dmAllow.matchSlack(slackUserID, slackUsername) {
		return DenyReasonSlack
	}
	return DenyReasonAllowed
}

// AllowSlackChannel checks whether a Slack channel may be linked.
func (l *AllowDenyList) AllowSlackChannel(channelID, channelName string) DenyReason {
	if l == nil {
		return DenyReasonAllowed
	}
	idKey := strings.ToLower(channelID)
	nameKey := strings.ToLower(strings.TrimPrefix(channelName, "#"))
	if _, ok := l.channelDeny[idKey]; ok && idKey != "" {
		return DenyReasonSlack
	}
	if _, ok := l.channelDeny[nameKey]; ok && nameKey != "" {
		return DenyReasonSlack
	}
	if len(l.channelAllow) == 0 {
		return DenyReasonAllowed
	}
	if _, ok := l.channelAllow[idKey]; ok && idKey != "" {
		return DenyReasonAllowed
	}
	if _, ok := l.channelAllow[nameKey]; ok && nameKey != "" {
		return DenyReasonAllowed
	}
	return DenyReasonSlack
}
