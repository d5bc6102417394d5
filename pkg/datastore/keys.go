// Copyright 2024-2026 Aiku AI

package datastore

import (
	"maps"
	"time"
)

// Composite natural keys. NUL never appears in Matrix or Slack identifiers,
// so it is safe as a separator and keeps prefix scans unambiguous.
const sep = "\x00"

func matrixEventKey(roomID, eventID string) string {
	return roomID + sep + eventID
}

func slackEventKey(channelID, ts string) string {
	return channelID + sep + ts
}

func slackReactionKey(channelID, ts, userID, reaction string) string {
	return channelID + sep + ts + sep + userID + sep + reaction
}

func puppetKey(teamID, slackUserID string) string {
	return teamID + sep + slackUserID
}

func copyEvent(e *EventEntry) *EventEntry {
	cp := *e
	cp.Extras = maps.Clone(e.Extras)
	return &cp
}

func roomActiveSince(r *RoomEntry, since time.Time) bool {
	return ActiveSince(r.Remote.LastRemoteSeen, since) || ActiveSince(r.Remote.LastMatrixSeen, since)
}
