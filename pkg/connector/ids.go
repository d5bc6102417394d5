// Copyright 2024-2026 Aiku AI

package connector

import (
	"strings"

	"maunium.net/go/mautrix/id"
)

// GhostLocalpart returns the Matrix localpart of the ghost that mirrors a
// Slack user. The team domain is lower-cased and the Slack id upper-cased so
// the result does not depend on how either value was spelled by the caller.
func GhostLocalpart(prefix, slackUserID, teamDomain string) string {
	return prefix + strings.ToLower(teamDomain) + "_" + strings.ToUpper(slackUserID)
}

// DeriveGhostUserID returns the Matrix user id of the ghost for a Slack user.
func DeriveGhostUserID(prefix, slackUserID, teamDomain, serverName string) id.UserID {
	return id.NewUserID(GhostLocalpart(prefix, slackUserID, teamDomain), serverName)
}

// ParseGhostUserID splits a ghost user id back into its team domain and Slack
// user id. ok is false for users that are not ghosts of this bridge.
func ParseGhostUserID(userID id.UserID, prefix, serverName string) (teamDomain, slackUserID string, ok bool) {
	localpart, server, err := userID.Parse()
	if err != nil || server != serverName || !strings.HasPrefix(localpart, prefix) {
		return "", "", false
	}
	rest := strings.TrimPrefix(localpart, prefix)
	// Slack domains never contain underscores, ids never contain them either,
	// but the last separator is the safe one to split on.
	idx := strings.LastIndexByte(rest, '_')
	if idx <= 0 || idx == len(rest)-1 {
		return "", "", false
	}
	return rest[:idx], rest[idx+1:], true
}

// IsGhostUserID reports whether the user id belongs to the ghost namespace.
func IsGhostUserID(userID id.UserID, prefix, serverName string) bool {
	_, _, ok := ParseGhostUserID(userID, prefix, serverName)
	return ok
}

// MatrixToURL returns the matrix.to permalink used for mention links.
func MatrixToURL(userID id.UserID) string {
	return "https://matrix.to/#/" + string(userID)
}

// queueKey is the ordering key for inbound events of one channel.
func queueKey(teamID, channelID string) string {
	return teamID + ":" + channelID
}
