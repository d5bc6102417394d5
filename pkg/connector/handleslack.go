// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"fmt"
	"html"
	"net/http"
	"strings"
	"time"

	"github.com/aiku/mautrix-slack/pkg/connector/slackfmt"
	"github.com/aiku/mautrix-slack/pkg/datastore"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Extras keys stored on event correlation entries.
const (
	extraThreadLast = "thread_last"
	extraFileEvents = "file_events"
	extraLastEdit   = "last_edit_ts"
)

// extraTextPending marks an entry whose files reached Matrix before its
// text did.
const extraTextPending = "text_pending"

// HandleSlackMessage mirrors one Slack message event into the room. Callers
// serialize calls per channel.
func (r *BridgedRoom) HandleSlackMessage(ctx context.Context, msg *SlackMessage) error {
	switch msg.Subtype {
	case "", "bot_message", "file_share", "thread_broadcast", "me_message", "file_comment":
		return r.handleSlackNewMessage(ctx, msg)
	case "message_changed":
		return r.handleSlackEdit(ctx, msg)
	case "message_deleted":
		return r.handleSlackDelete(ctx, msg)
	case "channel_name":
		return r.self.Rename(ctx, msg.Name)
	default:
		return fmt.Errorf("%w: message subtype %q", ErrUnknownMessageType, msg.Subtype)
	}
}

func (r *BridgedRoom) handleSlackNewMessage(ctx context.Context, msg *SlackMessage) error {
	log := r.log(ctx).With().Str("slack_ts", msg.TS).Logger()
	channelID := r.SlackChannelID()

	// A Matrix send in progress stores its correlation before releasing sendMu.
	r.sendMu.Lock()
	existing, err := r.bridge.DB.GetEventBySlackID(ctx, channelID, msg.TS)
	r.sendMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to look up message correlation: %w", err)
	}
	if existing != nil && existing.Extras[extraTextPending] == "" {
		log.Debug().Str("event_id", existing.EventID).Msg("Slack message already bridged")
		return nil
	}
	if existing == nil && r.isUploadEcho(ctx, msg) {
		return nil
	}

	ghost, err := r.bridge.Ghosts.GetForMessage(ctx, msg, r.SlackTeamID())
	if err != nil {
		return err
	}
	if err = ghost.UpdateFromMessage(ctx, msg); err != nil {
		log.Warn().Err(err).Msg("Failed to update ghost profile")
	}

	var threadRoot *datastore.EventEntry
	var relatesTo *event.RelatesTo
	if msg.IsThreadReply() {
		threadRoot, err = r.bridge.DB.GetEventBySlackID(ctx, channelID, msg.ThreadTS)
		if err != nil {
			return fmt.Errorf("failed to look up thread root: %w", err)
		}
		if threadRoot != nil {
			last := threadRoot.Extras[extraThreadLast]
			if last == "" {
				last = threadRoot.EventID
			}
			relatesTo = (&event.RelatesTo{}).SetThread(id.EventID(threadRoot.EventID), id.EventID(last))
		}
	}

	var sent []id.EventID
	pending := existing
	if existing != nil {
		// The files went out on an earlier delivery whose text failed.
		sent = append(sent, id.EventID(existing.EventID))
		if files := existing.Extras[extraFileEvents]; files != "" {
			for _, evtID := range strings.Split(files, ",") {
				sent = append(sent, id.EventID(evtID))
			}
		}
	} else {
		for i := range msg.Files {
			file := &msg.Files[i]
			content, err := r.slackFileContent(ctx, ghost, file)
			if err != nil {
				log.Warn().Err(err).Str("file_id", file.ID).Msg("Failed to bridge file, skipping it")
				continue
			}
			content.RelatesTo = relatesTo
			evtID, err := ghost.SendMessage(ctx, r.matrixRoomID, content)
			if err != nil {
				log.Warn().Err(err).Str("file_id", file.ID).Msg("Failed to send file to Matrix, skipping it")
				continue
			}
			sent = append(sent, evtID)
		}
		if len(sent) > 0 && msg.Text != "" {
			pending = r.correlationEntry(channelID, msg.TS, sent, true)
			if err = r.bridge.DB.UpsertEvent(ctx, pending); err != nil {
				return fmt.Errorf("failed to store file correlation: %w", err)
			}
		}
	}

	var textID id.EventID
	if msg.Text != "" {
		msgType := event.MsgText
		if msg.Subtype == "me_message" {
			msgType = event.MsgEmote
		}
		content := r.slackTextContent(ctx, msg.Text, msgType)
		content.RelatesTo = relatesTo
		textID, err = ghost.SendMessage(ctx, r.matrixRoomID, content)
		if err != nil {
			return fmt.Errorf("failed to send message to Matrix: %w", err)
		}
	}

	events := sent
	if textID != "" {
		events = append([]id.EventID{textID}, sent...)
	}
	if len(events) == 0 {
		log.Debug().Msg("Slack message produced no Matrix events")
		return nil
	}
	entry := r.correlationEntry(channelID, msg.TS, events, false)
	primary := events[0]
	if pending != nil && pending.EventID != entry.EventID {
		if err = r.bridge.DB.DeleteEventByMatrixID(ctx, pending.RoomID, pending.EventID); err != nil {
			return fmt.Errorf("failed to replace file correlation: %w", err)
		}
	}
	if err = r.bridge.DB.UpsertEvent(ctx, entry); err != nil {
		return fmt.Errorf("failed to store message correlation: %w", err)
	}
	if threadRoot != nil {
		if threadRoot.Extras == nil {
			threadRoot.Extras = make(map[string]string)
		}
		threadRoot.Extras[extraThreadLast] = string(primary)
		if err = r.bridge.DB.UpsertEvent(ctx, threadRoot); err != nil {
			log.Warn().Err(err).Msg("Failed to update thread root correlation")
		}
	}

	ts := ParseSlackTS(msg.TS)
	if ts.IsZero() {
		ts = time.Now()
	}
	ghost.BumpActivity(ctx, ts)
	r.BumpActivity(SideSlack, ts)
	r.bridge.Metrics.MessageSent(string(SideMatrix))
	return nil
}

// correlationEntry maps a Slack message to the Matrix events it produced. The
// first event is the primary one.
func (r *BridgedRoom) correlationEntry(channelID, ts string, events []id.EventID, textPending bool) *datastore.EventEntry {
	entry := &datastore.EventEntry{
		RoomID:         string(r.matrixRoomID),
		EventID:        string(events[0]),
		SlackChannelID: channelID,
		SlackTS:        ts,
	}
	if len(events) > 1 || textPending {
		entry.Extras = make(map[string]string)
	}
	if len(events) > 1 {
		rest := make([]string, 0, len(events)-1)
		for _, evtID := range events[1:] {
			rest = append(rest, string(evtID))
		}
		entry.Extras[extraFileEvents] = strings.Join(rest, ",")
	}
	if textPending {
		entry.Extras[extraTextPending] = "true"
	}
	return entry
}

// isUploadEcho reports whether msg is Slack's share of a file the bridge
// uploaded from Matrix, and records its correlation if so.
func (r *BridgedRoom) isUploadEcho(ctx context.Context, msg *SlackMessage) bool {
	for i := range msg.Files {
		evtID, ok := r.bridge.uploads.Peek(msg.Files[i].ID)
		if !ok {
			continue
		}
		r.bridge.uploads.Remove(msg.Files[i].ID)
		err := r.bridge.DB.UpsertEvent(ctx, &datastore.EventEntry{
			RoomID:         string(r.matrixRoomID),
			EventID:        string(evtID),
			SlackChannelID: r.SlackChannelID(),
			SlackTS:        msg.TS,
		})
		if err != nil {
			r.log(ctx).Warn().Err(err).Str("file_id", msg.Files[i].ID).Msg("Failed to store upload correlation")
		}
		return true
	}
	return false
}

// slackTextContent converts Slack message text to Matrix content.
func (r *BridgedRoom) slackTextContent(ctx context.Context, text string, msgType event.MessageType) *event.MessageEventContent {
	markdown := r.bridge.Subs.SlackToMatrix(ctx, text, r.SlackTeamID())
	parsed := slackfmt.Parse(markdown)
	return &event.MessageEventContent{
		MsgType:       msgType,
		Body:          parsed.Body,
		Format:        parsed.Format,
		FormattedBody: parsed.FormattedBody,
	}
}

// slackFileContent downloads a Slack file and uploads it to Matrix as the
// ghost. Snippets become code blocks. For images the thumbnail is uploaded
// first on a best-effort basis.
func (r *BridgedRoom) slackFileContent(ctx context.Context, ghost *SlackGhost, file *SlackFile) (*event.MessageEventContent, error) {
	client, err := r.bridge.Clients.GetTeamClient(ctx, r.SlackTeamID())
	if err != nil {
		return nil, err
	}
	data, err := client.DownloadFile(ctx, file.DownloadURL())
	if err != nil {
		return nil, fmt.Errorf("failed to download file: %w", err)
	}

	if file.IsSnippet() {
		code := string(data)
		return &event.MessageEventContent{
			MsgType:       event.MsgText,
			Body:          "```\n" + code + "\n```",
			Format:        event.FormatHTML,
			FormattedBody: "<pre><code>" + html.EscapeString(code) + "</code></pre>",
		}, nil
	}

	mimeType := file.Mimetype
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	info := &event.FileInfo{MimeType: mimeType, Size: len(data)}
	msgType := event.MsgFile
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		msgType = event.MsgImage
		info.Width, info.Height = file.OriginalW, file.OriginalH
		if file.Thumb360 != "" {
			if thumbURL, err := r.uploadThumbnail(ctx, client, ghost, file.Thumb360); err != nil {
				r.log(ctx).Debug().Err(err).Str("file_id", file.ID).Msg("Failed to upload thumbnail")
			} else {
				info.ThumbnailURL = thumbURL
				info.ThumbnailInfo = &event.FileInfo{Width: file.Thumb360W, Height: file.Thumb360H}
			}
		}
	case strings.HasPrefix(mimeType, "video/"):
		msgType = event.MsgVideo
	case strings.HasPrefix(mimeType, "audio/"):
		msgType = event.MsgAudio
	}

	mxc, err := ghost.Intent().UploadMedia(ctx, data, mimeType)
	if err != nil {
		return nil, fmt.Errorf("failed to upload file: %w", err)
	}
	name := file.Name
	if name == "" {
		name = file.Title
	}
	return &event.MessageEventContent{
		MsgType:  msgType,
		Body:     name,
		FileName: name,
		URL:      mxc,
		Info:     info,
	}, nil
}

func (r *BridgedRoom) uploadThumbnail(ctx context.Context, client SlackAPI, ghost *SlackGhost, url string) (id.ContentURIString, error) {
	data, err := client.DownloadFile(ctx, url)
	if err != nil {
		return "", err
	}
	return ghost.Intent().UploadMedia(ctx, data, http.DetectContentType(data))
}

func (r *BridgedRoom) handleSlackEdit(ctx context.Context, msg *SlackMessage) error {
	edited := msg.Message
	if edited == nil {
		return fmt.Errorf("%w: message_changed without message", ErrUnknownMessageType)
	}
	var prevText string
	if msg.PreviousMessage != nil {
		prevText = msg.PreviousMessage.Text
		if prevText == edited.Text {
			// Link unfurls and other metadata changes.
			return nil
		}
	}
	log := r.log(ctx).With().Str("slack_ts", edited.TS).Logger()
	channelID := r.SlackChannelID()

	orig, err := r.bridge.DB.GetEventBySlackID(ctx, channelID, edited.TS)
	if err != nil {
		return fmt.Errorf("failed to look up edited message: %w", err)
	}
	if orig == nil {
		log.Debug().Msg("Edited message was never bridged, ignoring edit")
		return nil
	}
	if orig.Extras[extraLastEdit] == msg.TS {
		log.Debug().Msg("Slack edit already bridged")
		return nil
	}

	ghost, err := r.bridge.Ghosts.GetForMessage(ctx, edited, r.SlackTeamID())
	if err != nil {
		return err
	}

	teamID := r.SlackTeamID()
	diff := MakeDiff(
		r.bridge.Subs.SlackToMatrix(ctx, prevText, teamID),
		r.bridge.Subs.SlackToMatrix(ctx, edited.Text, teamID),
	)
	newContent := r.slackTextContent(ctx, edited.Text, event.MsgText)
	content := &event.MessageEventContent{
		MsgType:    event.MsgText,
		Body:       diff.EditFallback(),
		NewContent: newContent,
		RelatesTo:  (&event.RelatesTo{}).SetReplace(id.EventID(orig.EventID)),
	}
	evtID, err := ghost.SendMessage(ctx, r.matrixRoomID, content)
	if err != nil {
		return fmt.Errorf("failed to send edit to Matrix: %w", err)
	}

	if err = r.bridge.DB.UpsertEvent(ctx, &datastore.EventEntry{
		RoomID:         string(r.matrixRoomID),
		EventID:        string(evtID),
		SlackChannelID: channelID,
		SlackTS:        orig.SlackTS,
		EditOf:         orig.EventID,
	}); err != nil {
		return fmt.Errorf("failed to store edit correlation: %w", err)
	}
	if orig.Extras == nil {
		orig.Extras = make(map[string]string)
	}
	orig.Extras[extraLastEdit] = msg.TS
	if err = r.bridge.DB.UpsertEvent(ctx, orig); err != nil {
		log.Warn().Err(err).Msg("Failed to record edit on original correlation")
	}
	r.BumpActivity(SideSlack, time.Now())
	return nil
}

func (r *BridgedRoom) handleSlackDelete(ctx context.Context, msg *SlackMessage) error {
	deletedTS := msg.DeletedTS
	if deletedTS == "" && msg.PreviousMessage != nil {
		deletedTS = msg.PreviousMessage.TS
	}
	log := r.log(ctx).With().Str("slack_ts", deletedTS).Logger()

	entry, err := r.bridge.DB.GetEventBySlackID(ctx, r.SlackChannelID(), deletedTS)
	if err != nil {
		return fmt.Errorf("failed to look up deleted message: %w", err)
	}
	if entry == nil {
		log.Debug().Msg("Deleted message was never bridged, ignoring")
		return nil
	}

	redactor := r.bridge.Matrix.Bot()
	if prev := msg.PreviousMessage; prev != nil && (prev.User != "" || prev.BotID != "") {
		if ghost, err := r.bridge.Ghosts.GetForMessage(ctx, prev, r.SlackTeamID()); err == nil {
			redactor = ghost.Intent()
		}
	}
	targets := []string{entry.EventID}
	if files := entry.Extras[extraFileEvents]; files != "" {
		targets = append(targets, strings.Split(files, ",")...)
	}
	for _, target := range targets {
		if err = redactor.Redact(ctx, r.matrixRoomID, id.EventID(target)); err != nil {
			log.Warn().Err(err).Str("event_id", target).Msg("Failed to redact Matrix event")
		}
	}
	if err = r.bridge.DB.DeleteEventByMatrixID(ctx, entry.RoomID, entry.EventID); err != nil {
		return fmt.Errorf("failed to delete message correlation: %w", err)
	}
	return nil
}

// HandleSlackReaction mirrors a Slack reaction add or removal.
func (r *BridgedRoom) HandleSlackReaction(ctx context.Context, rx *SlackReaction, added bool) error {
	log := r.log(ctx).With().
		Str("slack_ts", rx.Item.TS).
		Str("reaction", rx.Reaction).
		Str("slack_user_id", rx.User).
		Logger()
	channelID := rx.Item.Channel

	target, err := r.bridge.DB.GetEventBySlackID(ctx, channelID, rx.Item.TS)
	if err != nil {
		return fmt.Errorf("failed to look up reacted message: %w", err)
	}
	if target == nil {
		log.Debug().Msg("Reacted message was never bridged, ignoring")
		return nil
	}
	existing, err := r.bridge.DB.GetReactionBySlackID(ctx, channelID, rx.Item.TS, rx.User, rx.Reaction)
	if err != nil {
		return fmt.Errorf("failed to look up reaction: %w", err)
	}

	if !added {
		if existing == nil {
			log.Debug().Msg("Removed reaction was never bridged, ignoring")
			return nil
		}
		ghost, err := r.bridge.Ghosts.Get(ctx, rx.User, "", r.SlackTeamID())
		if err != nil {
			return err
		}
		if err = ghost.Redact(ctx, r.matrixRoomID, id.EventID(existing.EventID)); err != nil {
			return fmt.Errorf("failed to redact reaction: %w", err)
		}
		return r.bridge.DB.DeleteReactionBySlackID(ctx, channelID, rx.Item.TS, rx.User, rx.Reaction)
	}

	if existing != nil {
		log.Debug().Msg("Reaction already bridged")
		return nil
	}
	ghost, err := r.bridge.Ghosts.Get(ctx, rx.User, "", r.SlackTeamID())
	if err != nil {
		return err
	}
	evtID, err := ghost.SendReaction(ctx, r.matrixRoomID, id.EventID(target.EventID), reactionToEmoji(rx.Reaction))
	if err != nil {
		return fmt.Errorf("failed to send reaction: %w", err)
	}
	return r.bridge.DB.InsertReaction(ctx, &datastore.ReactionEntry{
		RoomID:         string(r.matrixRoomID),
		EventID:        string(evtID),
		SlackChannelID: channelID,
		SlackTS:        rx.Item.TS,
		SlackUserID:    rx.User,
		Reaction:       rx.Reaction,
	})
}
