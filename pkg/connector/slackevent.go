// Copyright 2024-2026 Aiku AI

package connector

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/slack-go/slack/slackevents"
)

// SlackEvent is an inbound Slack event, independent of how it was delivered.
// Raw holds the inner event object as sent by Slack.
type SlackEvent struct {
	Type      string
	Subtype   string
	ChannelID string
	EventID   string
	Raw       json.RawMessage
}

type slackEventHeader struct {
	Type    string          `json:"type"`
	Subtype string          `json:"subtype"`
	Channel json.RawMessage `json:"channel"`
	Item    *struct {
		Channel string `json:"channel"`
	} `json:"item"`
}

// ParseSlackEvent reads the routing fields of an inner event object.
func ParseSlackEvent(raw json.RawMessage) (*SlackEvent, error) {
	var hdr slackEventHeader
	if err := json.Unmarshal(raw, &hdr); err != nil {
		return nil, fmt.Errorf("failed to parse event: %w", err)
	}
	if hdr.Type == "" {
		return nil, errors.New("event has no type")
	}
	evt := &SlackEvent{Type: hdr.Type, Subtype: hdr.Subtype, Raw: raw}
	switch {
	case len(hdr.Channel) > 0 && hdr.Channel[0] == '"':
		_ = json.Unmarshal(hdr.Channel, &evt.ChannelID)
	case len(hdr.Channel) > 0 && hdr.Channel[0] == '{':
		var ch struct {
			ID string `json:"id"`
		}
		_ = json.Unmarshal(hdr.Channel, &ch)
		evt.ChannelID = ch.ID
	case hdr.Item != nil:
		evt.ChannelID = hdr.Item.Channel
	}
	return evt, nil
}

// parseCallback decodes an Events API callback payload into its envelope and
// inner event.
func parseCallback(body []byte) (*slackevents.EventsAPICallbackEvent, *SlackEvent, error) {
	var cb slackevents.EventsAPICallbackEvent
	if err := json.Unmarshal(body, &cb); err != nil {
		return nil, nil, fmt.Errorf("failed to parse callback: %w", err)
	}
	if cb.InnerEvent == nil {
		return &cb, nil, errors.New("callback has no event")
	}
	evt, err := ParseSlackEvent(*cb.InnerEvent)
	if err != nil {
		return &cb, nil, err
	}
	evt.EventID = cb.EventID
	return &cb, evt, nil
}

// SlackFile is a file attached to a message.
type SlackFile struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	Title              string `json:"title"`
	Mimetype           string `json:"mimetype"`
	Filetype           string `json:"filetype"`
	Mode               string `json:"mode"`
	Size               int    `json:"size"`
	URLPrivate         string `json:"url_private"`
	URLPrivateDownload string `json:"url_private_download"`
	Permalink          string `json:"permalink"`
	Preview            string `json:"preview"`
	Thumb360           string `json:"thumb_360"`
	Thumb360W          int    `json:"thumb_360_w"`
	Thumb360H          int    `json:"thumb_360_h"`
	OriginalW          int    `json:"original_w"`
	OriginalH          int    `json:"original_h"`
}

// DownloadURL returns the best URL to fetch the file content from.
func (f *SlackFile) DownloadURL() string {
	if f.URLPrivateDownload != "" {
		return f.URLPrivateDownload
	}
	return f.URLPrivate
}

// IsSnippet reports whether the file is a text snippet.
func (f *SlackFile) IsSnippet() bool {
	return f.Mode == "snippet"
}

type SlackIcons struct {
	Image48 string `json:"image_48,omitempty"`
	Image72 string `json:"image_72,omitempty"`
}

// SlackMessage is a message event or a nested message of a
// message_changed/message_deleted event.
type SlackMessage struct {
	Type            string        `json:"type"`
	Subtype         string        `json:"subtype,omitempty"`
	Channel         string        `json:"channel,omitempty"`
	ChannelType     string        `json:"channel_type,omitempty"`
	User            string        `json:"user,omitempty"`
	BotID           string        `json:"bot_id,omitempty"`
	Username        string        `json:"username,omitempty"`
	Icons           *SlackIcons   `json:"icons,omitempty"`
	Text            string        `json:"text"`
	TS              string        `json:"ts"`
	ThreadTS        string        `json:"thread_ts,omitempty"`
	EventTS         string        `json:"event_ts,omitempty"`
	Team            string        `json:"team,omitempty"`
	UserTeam        string        `json:"user_team,omitempty"`
	Files           []SlackFile   `json:"files,omitempty"`
	Message         *SlackMessage `json:"message,omitempty"`
	PreviousMessage *SlackMessage `json:"previous_message,omitempty"`
	DeletedTS       string        `json:"deleted_ts,omitempty"`
	Name            string        `json:"name,omitempty"`
	OldName         string        `json:"old_name,omitempty"`
	Hidden          bool          `json:"hidden,omitempty"`
}

// IsThreadReply reports whether the message belongs to a thread without
// being its root.
func (m *SlackMessage) IsThreadReply() bool {
	return m.ThreadTS != "" && m.ThreadTS != m.TS
}

// SlackReaction is a reaction_added or reaction_removed event.
type SlackReaction struct {
	Type     string `json:"type"`
	User     string `json:"user"`
	Reaction string `json:"reaction"`
	ItemUser string `json:"item_user"`
	Item     struct {
		Type    string `json:"type"`
		Channel string `json:"channel"`
		TS      string `json:"ts"`
	} `json:"item"`
	EventTS string `json:"event_ts"`
}

// SlackMemberEvent is a member_joined_channel or member_left_channel event.
type SlackMemberEvent struct {
	Type        string `json:"type"`
	User        string `json:"user"`
	Channel     string `json:"channel"`
	ChannelType string `json:"channel_type"`
	Team        string `json:"team"`
	Inviter     string `json:"inviter,omitempty"`
}

// SlackChannelEvent covers channel lifecycle events whose channel field is an
// object (channel_created, channel_rename) or a bare id (channel_deleted,
// channel_archive).
type SlackChannelEvent struct {
	Type    string
	Channel string
	Name    string
}

func parseChannelEvent(raw json.RawMessage) (*SlackChannelEvent, error) {
	var hdr struct {
		Type    string          `json:"type"`
		Channel json.RawMessage `json:"channel"`
	}
	if err := json.Unmarshal(raw, &hdr); err != nil {
		return nil, err
	}
	out := &SlackChannelEvent{Type: hdr.Type}
	if len(hdr.Channel) > 0 && hdr.Channel[0] == '{' {
		var ch struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		}
		if err := json.Unmarshal(hdr.Channel, &ch); err != nil {
			return nil, err
		}
		out.Channel, out.Name = ch.ID, ch.Name
	} else if err := json.Unmarshal(hdr.Channel, &out.Channel); err != nil {
		return nil, err
	}
	return out, nil
}

// SlackTeamDomainChange is a team_domain_change event.
type SlackTeamDomainChange struct {
	Type   string `json:"type"`
	URL    string `json:"url"`
	Domain string `json:"domain"`
}

// ParseSlackTS converts a Slack message timestamp ("1712345678.000100") to a
// time. Malformed timestamps yield the zero time.
func ParseSlackTS(ts string) time.Time {
	secs, frac, _ := strings.Cut(ts, ".")
	s, err := strconv.ParseInt(secs, 10, 64)
	if err != nil {
		return time.Time{}
	}
	var micros int64
	if frac != "" {
		frac = (frac + "000000")[:6]
		micros, _ = strconv.ParseInt(frac, 10, 64)
	}
	return time.Unix(s, micros*int64(time.Microsecond))
}
