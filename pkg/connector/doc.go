// Copyright 2024-2026 Aiku AI

// Package connector implements a Matrix-Slack bridge running as a Matrix
// application service.
//
// A [Bridge] links Matrix rooms to Slack channels. Each link is a [Room]: a
// [BridgedRoom] posting through a team's bot token, a [WebhookRoom] that can
// only post through an incoming webhook, or a [DMRoom] for direct
// conversations of puppeted users. The [RoomStore] indexes rooms by Matrix
// room id, Slack channel id and inbound webhook id.
//
// # Slack to Matrix
//
// Slack events arrive over the Events API endpoint, legacy outgoing webhooks
// or Socket Mode ([SocketManager]). All three feed the [SlackEventHandler],
// which acknowledges each delivery first and then handles events in order per
// channel. Slack users appear in Matrix as ghosts kept by the [GhostStore].
//
// # Matrix to Slack
//
// Matrix events are pushed by the homeserver and routed by
// [Bridge.HandleMatrixEvent]. A message is sent through the sender's puppet
// token when they have one, otherwise through the bot with the sender's
// Matrix name and avatar, otherwise through the room's webhook.
//
// # Management
//
// Links, teams and puppets are managed through the [ProvisioningAPI] and the
// admin room commands. Both run on the same core operations as the bridge
// itself, such as [Bridge.LinkRoom] and [Bridge.AddTeam].
//
// # Sub-packages
//
//   - matrixfmt converts Matrix HTML to Slack mrkdwn.
//   - slackfmt converts Slack mrkdwn to Matrix HTML.
package connector
