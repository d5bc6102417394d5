// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"fmt"
	"slices"

	"golang.org/x/sync/errgroup"
	"maunium.net/go/mautrix/id"
)

const dmMembershipParallelism = 4

// DMRoom bridges a direct or multi-party private conversation owned by a
// puppeted Matrix user.
type DMRoom struct {
	*BridgedRoom
}

var _ Room = (*DMRoom)(nil)

func (r *DMRoom) IsPrivate() bool { return true }

// HandleSlackMessage reconciles room membership before bridging the message.
func (r *DMRoom) HandleSlackMessage(ctx context.Context, msg *SlackMessage) error {
	if err := r.reconcileMembers(ctx); err != nil {
		r.log(ctx).Warn().Err(err).Msg("Failed to reconcile DM membership")
	}
	return r.BridgedRoom.HandleSlackMessage(ctx, msg)
}

// reconcileMembers invites every member of the Slack conversation that is
// missing from the Matrix room. The owner is invited as themselves, everyone
// else as their ghost.
func (r *DMRoom) reconcileMembers(ctx context.Context) error {
	teamID := r.SlackTeamID()
	owner := r.PuppetOwner()
	client, ownerPuppet, err := r.bridge.Clients.GetPuppetForMatrixUser(ctx, teamID, string(owner))
	if err != nil {
		return err
	}
	if client == nil {
		if client, _, err = r.botClient(ctx); err != nil || client == nil {
			return err
		}
	}
	members, err := client.ConversationMembers(ctx, r.SlackChannelID())
	if err != nil {
		return fmt.Errorf("failed to list conversation members: %w", err)
	}
	bot := r.bridge.Matrix.Bot()
	joined, err := bot.JoinedMembers(ctx, r.matrixRoomID)
	if err != nil {
		return fmt.Errorf("failed to list room members: %w", err)
	}

	var eg errgroup.Group
	eg.SetLimit(dmMembershipParallelism)
	for _, member := range members {
		eg.Go(func() error {
			if ownerPuppet != nil && member == ownerPuppet.SlackUserID {
				if owner != "" && !slices.Contains(joined, owner) {
					r.invite(ctx, owner)
				}
				return nil
			}
			ghost, err := r.bridge.Ghosts.Get(ctx, member, "", teamID)
			if err != nil {
				r.log(ctx).Debug().Err(err).Str("slack_user_id", member).Msg("Failed to resolve DM member")
				return nil
			}
			if slices.Contains(joined, ghost.UserID()) {
				return nil
			}
			r.invite(ctx, ghost.UserID())
			if err = ghost.JoinRoom(ctx, r.matrixRoomID); err != nil {
				r.log(ctx).Warn().Err(err).Stringer("ghost_id", ghost.UserID()).Msg("Failed to join ghost to DM")
			}
			return nil
		})
	}
	return eg.Wait()
}

func (r *DMRoom) invite(ctx context.Context, userID id.UserID) {
	if err := r.bridge.Matrix.Bot().Invite(ctx, r.matrixRoomID, userID); err != nil {
		r.log(ctx).Warn().Err(err).Stringer("user_id", userID).Msg("Failed to invite DM member")
	}
}
