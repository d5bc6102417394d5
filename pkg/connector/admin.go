// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

type adminCommand struct {
	usage string
	help  string
	run   func(b *Bridge, ctx context.Context, sender id.UserID, fs *pflag.FlagSet, args []string) (string, error)
}

var adminCommands map[string]adminCommand

func init() {
	adminCommands = map[string]adminCommand{
		"help":    {"help", "Show this help.", (*Bridge).adminHelp},
		"list":    {"list [--team T]", "List bridged rooms.", (*Bridge).adminList},
		"link":    {"link --room !room --channel C [--team T] [--webhook URL]", "Link a Matrix room to a Slack channel.", (*Bridge).adminLink},
		"unlink":  {"unlink --room !room", "Unlink a Matrix room.", (*Bridge).adminUnlink},
		"getlink": {"getlink --room !room", "Show the link of a Matrix room.", (*Bridge).adminGetLink},
		"teams":   {"teams", "List known Slack teams.", (*Bridge).adminTeams},
		"puppets": {"puppets [--user @user:server]", "List puppeted Slack accounts of a Matrix user.", (*Bridge).adminPuppets},
	}
}

// HandleAdminCommand runs a command sent to the admin room and replies with a
// notice. Failures are reported in the reply.
func (b *Bridge) HandleAdminCommand(ctx context.Context, evt *event.Event) {
	content := evt.Content.AsMessage()
	if content.MsgType != event.MsgText {
		return
	}
	args := strings.Fields(content.Body)
	if len(args) == 0 {
		return
	}
	log := zerolog.Ctx(ctx).With().Str("command", args[0]).Logger()
	if !b.Config.Bridge.IsAdmin(evt.Sender) {
		b.replyAdmin(ctx, evt.RoomID, "Only bridge admins can run commands here.")
		return
	}
	if prev, _ := b.DB.GetUserAdminRoom(ctx, string(evt.Sender)); prev != string(evt.RoomID) {
		if err := b.DB.SetUserAdminRoom(ctx, string(evt.Sender), string(evt.RoomID)); err != nil {
			log.Warn().Err(err).Msg("Failed to remember admin room")
		}
	}
	cmd, ok := adminCommands[strings.ToLower(args[0])]
	if !ok {
		b.replyAdmin(ctx, evt.RoomID, fmt.Sprintf("Unknown command %q. Try `help`.", args[0]))
		return
	}
	fs := pflag.NewFlagSet(args[0], pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	reply, err := cmd.run(b, log.WithContext(ctx), evt.Sender, fs, args[1:])
	if err != nil {
		log.Debug().Err(err).Msg("Admin command failed")
		reply = fmt.Sprintf("Error: %v\nUsage: %s", err, cmd.usage)
	}
	b.replyAdmin(ctx, evt.RoomID, reply)
}

func (b *Bridge) replyAdmin(ctx context.Context, roomID id.RoomID, text string) {
	_, err := b.Matrix.Bot().SendMessage(ctx, roomID, &event.MessageEventContent{
		MsgType: event.MsgNotice,
		Body:    text,
	})
	if err != nil {
		zerolog.Ctx(ctx).Err(err).Msg("Failed to send admin reply")
	}
}

// notifyUser sends a notice to the admin room the user last ran a command in.
// Users without one are skipped.
func (b *Bridge) notifyUser(ctx context.Context, userID id.UserID, text string) {
	roomID, err := b.DB.GetUserAdminRoom(ctx, string(userID))
	if err != nil || roomID == "" {
		return
	}
	b.replyAdmin(ctx, id.RoomID(roomID), text)
}

func (b *Bridge) adminHelp(_ context.Context, _ id.UserID, _ *pflag.FlagSet, _ []string) (string, error) {
	names := make([]string, 0, len(adminCommands))
	for name := range adminCommands {
		names = append(names, name)
	}
	slices.Sort(names)
	var sb strings.Builder
	sb.WriteString("Available commands:\n")
	for _, name := range names {
		cmd := adminCommands[name]
		fmt.Fprintf(&sb, "  %s - %s\n", cmd.usage, cmd.help)
	}
	return strings.TrimSuffix(sb.String(), "\n"), nil
}

func formatRoomLine(room Room) string {
	name := room.SlackChannelName()
	if name == "" {
		name = "?"
	}
	line := fmt.Sprintf("%s -> #%s (%s) [%s]", room.MatrixRoomID(), name, room.SlackChannelID(), room.Status())
	if team := room.SlackTeamID(); team != "" {
		line += " team=" + team
	}
	return line
}

func (b *Bridge) adminList(_ context.Context, _ id.UserID, fs *pflag.FlagSet, args []string) (string, error) {
	team := fs.String("team", "", "only rooms of this team")
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	var lines []string
	for _, room := range b.Rooms.All() {
		if *team != "" && room.SlackTeamID() != *team {
			continue
		}
		lines = append(lines, formatRoomLine(room))
	}
	if len(lines) == 0 {
		return "No bridged rooms.", nil
	}
	slices.Sort(lines)
	return fmt.Sprintf("%d bridged rooms:\n%s", len(lines), strings.Join(lines, "\n")), nil
}

func (b *Bridge) adminLink(ctx context.Context, sender id.UserID, fs *pflag.FlagSet, args []string) (string, error) {
	roomID := fs.String("room", "", "Matrix room id")
	channel := fs.String("channel", "", "Slack channel id")
	team := fs.String("team", "", "Slack team id")
	webhook := fs.String("webhook", "", "Slack incoming webhook URL")
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	room, err := b.LinkRoom(ctx, LinkOptions{
		MatrixRoomID: id.RoomID(*roomID),
		ChannelID:    *channel,
		TeamID:       *team,
		WebhookURI:   *webhook,
		LinkedBy:     sender,
	})
	if err != nil {
		return "", err
	}
	return "Linked " + formatRoomLine(room), nil
}

func (b *Bridge) roomFlag(fs *pflag.FlagSet, args []string) (Room, error) {
	roomID := fs.String("room", "", "Matrix room id")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if *roomID == "" {
		return nil, errors.New("--room is required")
	}
	room := b.Rooms.GetByMatrixRoomID(id.RoomID(*roomID))
	if room == nil {
		return nil, fmt.Errorf("%w: %s", ErrRoomNotFound, *roomID)
	}
	return room, nil
}

func (b *Bridge) adminUnlink(ctx context.Context, _ id.UserID, fs *pflag.FlagSet, args []string) (string, error) {
	room, err := b.roomFlag(fs, args)
	if err != nil {
		return "", err
	}
	if err = b.UnlinkRoom(ctx, room); err != nil {
		return "", err
	}
	return fmt.Sprintf("Unlinked %s", room.MatrixRoomID()), nil
}

func (b *Bridge) adminGetLink(_ context.Context, _ id.UserID, fs *pflag.FlagSet, args []string) (string, error) {
	room, err := b.roomFlag(fs, args)
	if err != nil {
		return "", err
	}
	line := formatRoomLine(room)
	if linkedBy := room.LinkedBy(); linkedBy != "" {
		line += "\nLinked by " + string(linkedBy)
	}
	line += "\nInbound id " + room.InboundID()
	return line, nil
}

func (b *Bridge) adminTeams(ctx context.Context, _ id.UserID, fs *pflag.FlagSet, args []string) (string, error) {
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	teams, err := b.DB.GetAllTeams(ctx)
	if err != nil {
		return "", err
	}
	if len(teams) == 0 {
		return "No teams.", nil
	}
	lines := make([]string, 0, len(teams))
	for _, team := range teams {
		line := fmt.Sprintf("%s %s (%s) [%s]", team.ID, team.Name, team.Domain, team.Status)
		if b.Sockets.Connected(team.ID) {
			line += " socket"
		}
		lines = append(lines, line)
	}
	slices.Sort(lines)
	return strings.Join(lines, "\n"), nil
}

func (b *Bridge) adminPuppets(ctx context.Context, sender id.UserID, fs *pflag.FlagSet, args []string) (string, error) {
	user := fs.String("user", string(sender), "Matrix user id")
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	puppets, err := b.DB.GetPuppetsByMatrixID(ctx, *user)
	if err != nil {
		return "", err
	}
	if len(puppets) == 0 {
		return fmt.Sprintf("%s has no puppeted accounts.", *user), nil
	}
	lines := make([]string, 0, len(puppets))
	for _, p := range puppets {
		lines = append(lines, fmt.Sprintf("%s in %s", p.SlackUserID, p.TeamID))
	}
	return strings.Join(lines, "\n"), nil
}
