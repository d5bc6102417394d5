// Copyright 2024-2026 Aiku AI

package connector

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aiku/mautrix-slack/pkg/datastore"
	"github.com/slack-go/slack"
)

// SlackAPI is the subset of the Slack Web API the bridge uses. Every method
// blocks on one or more HTTP calls.
type SlackAPI interface {
	AuthTest(ctx context.Context) (*SlackIdentity, error)
	TeamInfo(ctx context.Context) (*SlackTeam, error)

	PostMessage(ctx context.Context, channelID string, msg *OutgoingMessage) (ts string, err error)
	UpdateMessage(ctx context.Context, channelID, ts, text string) error
	DeleteMessage(ctx context.Context, channelID, ts string) error
	AddReaction(ctx context.Context, channelID, ts, name string) error
	RemoveReaction(ctx context.Context, channelID, ts, name string) error
	UploadFile(ctx context.Context, file *OutgoingFile) (*UploadedFile, error)
	DownloadFile(ctx context.Context, url string) ([]byte, error)

	ConversationInfo(ctx context.Context, channelID string) (*SlackChannel, error)
	ConversationMembers(ctx context.Context, channelID string) ([]string, error)
	ListConversations(ctx context.Context) ([]*SlackChannel, error)
	OpenDM(ctx context.Context, userIDs []string) (*SlackChannel, error)
	JoinConversation(ctx context.Context, channelID string) error
	LeaveConversation(ctx context.Context, channelID string) error

	UserInfo(ctx context.Context, userID string) (*SlackUser, error)
}

// SlackIdentity is the result of auth.test.
type SlackIdentity struct {
	TeamID string
	Team   string
	UserID string
	User   string
	BotID  string
	URL    string
}

// SlackTeam is a workspace as reported by team.info.
type SlackTeam struct {
	ID     string
	Name   string
	Domain string
}

// SlackUser is the profile of a Slack user or bot user.
type SlackUser struct {
	ID          string
	TeamID      string
	Name        string
	RealName    string
	DisplayName string
	AvatarURL   string
	IsBot       bool
	Deleted     bool
}

// BestName returns the most human-friendly name available.
func (u *SlackUser) BestName() string {
	switch {
	case u.DisplayName != "":
		return u.DisplayName
	case u.RealName != "":
		return u.RealName
	default:
		return u.Name
	}
}

// SlackChannel describes a conversation.
type SlackChannel struct {
	ID         string
	Name       string
	Topic      string
	Purpose    string
	IsPrivate  bool
	IsIM       bool
	IsMpIM     bool
	IsArchived bool
	IsMember   bool
	// User is the other party of an IM.
	User       string
	NumMembers int
}

// Kind returns the room kind a link to this conversation should use.
func (c *SlackChannel) Kind() datastore.RoomKind {
	switch {
	case c.IsIM:
		return datastore.RoomKindIM
	case c.IsMpIM:
		return datastore.RoomKindMPIM
	default:
		return datastore.RoomKindChannel
	}
}

// OutgoingMessage is a message to post to Slack. Username and IconURL
// override the poster's identity where the token allows it.
type OutgoingMessage struct {
	Text     string
	Username string
	IconURL  string
	ThreadTS string
}

// OutgoingFile is a file to upload to a Slack conversation.
type OutgoingFile struct {
	ChannelID string
	ThreadTS  string
	Filename  string
	Title     string
	Comment   string
	Data      []byte
}

// UploadedFile identifies a file posted to Slack. TS is empty when the share
// message was not visible yet.
type UploadedFile struct {
	ID string
	TS string
}

type slackClient struct {
	api *slack.Client
}

var _ SlackAPI = (*slackClient)(nil)

// NewSlackAPI returns a SlackAPI backed by slack-go for one token. A
// non-empty apiURL points the client at a different Web API base, which must
// end with a slash.
func NewSlackAPI(token, apiURL string) SlackAPI {
	opts := []slack.Option{}
	if apiURL != "" {
		opts = append(opts, slack.OptionAPIURL(apiURL))
	}
	return &slackClient{api: slack.New(token, opts...)}
}

func (c *slackClient) AuthTest(ctx context.Context) (*SlackIdentity, error) {
	resp, err := c.api.AuthTestContext(ctx)
	if err != nil {
		return nil, err
	}
	return &SlackIdentity{
		TeamID: resp.TeamID,
		Team:   resp.Team,
		UserID: resp.UserID,
		User:   resp.User,
		BotID:  resp.BotID,
		URL:    resp.URL,
	}, nil
}

func (c *slackClient) TeamInfo(ctx context.Context) (*SlackTeam, error) {
	info, err := c.api.GetTeamInfoContext(ctx)
	if err != nil {
		return nil, err
	}
	return &SlackTeam{ID: info.ID, Name: info.Name, Domain: info.Domain}, nil
}

func (c *slackClient) PostMessage(ctx context.Context, channelID string, msg *OutgoingMessage) (string, error) {
	opts := []slack.MsgOption{slack.MsgOptionText(msg.Text, false)}
	if msg.Username != "" {
		opts = append(opts, slack.MsgOptionUsername(msg.Username))
	}
	if msg.IconURL != "" {
		opts = append(opts, slack.MsgOptionIconURL(msg.IconURL))
	}
	if msg.ThreadTS != "" {
		opts = append(opts, slack.MsgOptionTS(msg.ThreadTS))
	}
	_, ts, err := c.api.PostMessageContext(ctx, channelID, opts...)
	if err != nil {
		return "", err
	}
	return ts, nil
}

func (c *slackClient) UpdateMessage(ctx context.Context, channelID, ts, text string) error {
	_, _, _, err := c.api.UpdateMessageContext(ctx, channelID, ts, slack.MsgOptionText(text, false))
	return err
}

func (c *slackClient) DeleteMessage(ctx context.Context, channelID, ts string) error {
	_, _, err := c.api.DeleteMessageContext(ctx, channelID, ts)
	return err
}

func (c *slackClient) AddReaction(ctx context.Context, channelID, ts, name string) error {
	return c.api.AddReactionContext(ctx, name, slack.NewRefToMessage(channelID, ts))
}

func (c *slackClient) RemoveReaction(ctx context.Context, channelID, ts, name string) error {
	return c.api.RemoveReactionContext(ctx, name, slack.NewRefToMessage(channelID, ts))
}

func (c *slackClient) UploadFile(ctx context.Context, file *OutgoingFile) (*UploadedFile, error) {
	summary, err := c.api.UploadFileV2Context(ctx, slack.UploadFileV2Parameters{
		Reader:          bytes.NewReader(file.Data),
		FileSize:        len(file.Data),
		Filename:        file.Filename,
		Title:           file.Title,
		InitialComment:  file.Comment,
		Channel:         file.ChannelID,
		ThreadTimestamp: file.ThreadTS,
	})
	if err != nil {
		return nil, err
	}
	uploaded := &UploadedFile{ID: summary.ID}
	// Sharing completes asynchronously, so the message ts may not exist yet.
	info, _, _, err := c.api.GetFileInfoContext(ctx, summary.ID, 0, 0)
	if err != nil {
		return uploaded, nil
	}
	for _, shares := range []map[string][]slack.ShareFileInfo{info.Shares.Public, info.Shares.Private} {
		if list := shares[file.ChannelID]; len(list) > 0 {
			uploaded.TS = list[0].Ts
			break
		}
	}
	return uploaded, nil
}

func (c *slackClient) DownloadFile(ctx context.Context, url string) ([]byte, error) {
	var buf bytes.Buffer
	if err := c.api.GetFileContext(ctx, url, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *slackClient) ConversationInfo(ctx context.Context, channelID string) (*SlackChannel, error) {
	ch, err := c.api.GetConversationInfoContext(ctx, &slack.GetConversationInfoInput{
		ChannelID:         channelID,
		IncludeNumMembers: true,
	})
	if err != nil {
		return nil, err
	}
	return convertChannel(ch), nil
}

func (c *slackClient) ConversationMembers(ctx context.Context, channelID string) ([]string, error) {
	var members []string
	params := &slack.GetUsersInConversationParameters{ChannelID: channelID, Limit: 200}
	for {
		page, cursor, err := c.api.GetUsersInConversationContext(ctx, params)
		if err != nil {
			return nil, err
		}
		members = append(members, page...)
		if cursor == "" {
			return members, nil
		}
		params.Cursor = cursor
	}
}

func (c *slackClient) ListConversations(ctx context.Context) ([]*SlackChannel, error) {
	var out []*SlackChannel
	params := &slack.GetConversationsForUserParameters{
		Types:           []string{"public_channel", "private_channel"},
		Limit:           200,
		ExcludeArchived: true,
	}
	for {
		page, cursor, err := c.api.GetConversationsForUserContext(ctx, params)
		if err != nil {
			return nil, err
		}
		for i := range page {
			out = append(out, convertChannel(&page[i]))
		}
		if cursor == "" {
			return out, nil
		}
		params.Cursor = cursor
	}
}

func (c *slackClient) OpenDM(ctx context.Context, userIDs []string) (*SlackChannel, error) {
	ch, _, _, err := c.api.OpenConversationContext(ctx, &slack.OpenConversationParameters{
		Users:    userIDs,
		ReturnIM: true,
	})
	if err != nil {
		return nil, err
	}
	return convertChannel(ch), nil
}

func (c *slackClient) JoinConversation(ctx context.Context, channelID string) error {
	_, _, _, err := c.api.JoinConversationContext(ctx, channelID)
	return err
}

func (c *slackClient) LeaveConversation(ctx context.Context, channelID string) error {
	_, err := c.api.LeaveConversationContext(ctx, channelID)
	return err
}

func (c *slackClient) UserInfo(ctx context.Context, userID string) (*SlackUser, error) {
	u, err := c.api.GetUserInfoContext(ctx, userID)
	if err != nil {
		return nil, err
	}
	avatar := u.Profile.ImageOriginal
	if avatar == "" {
		avatar = u.Profile.Image512
	}
	if avatar == "" {
		avatar = u.Profile.Image192
	}
	return &SlackUser{
		ID:          u.ID,
		TeamID:      u.TeamID,
		Name:        u.Name,
		RealName:    u.RealName,
		DisplayName: u.Profile.DisplayName,
		AvatarURL:   avatar,
		IsBot:       u.IsBot,
		Deleted:     u.Deleted,
	}, nil
}

func convertChannel(ch *slack.Channel) *SlackChannel {
	return &SlackChannel{
		ID:         ch.ID,
		Name:       ch.Name,
		Topic:      ch.Topic.Value,
		Purpose:    ch.Purpose.Value,
		IsPrivate:  ch.IsPrivate,
		IsIM:       ch.IsIM,
		IsMpIM:     ch.IsMpIM,
		IsArchived: ch.IsArchived,
		IsMember:   ch.IsMember,
		User:       ch.User,
		NumMembers: ch.NumMembers,
	}
}

// WebhookPoster posts a message to a Slack incoming webhook URL.
type WebhookPoster func(ctx context.Context, url string, msg *OutgoingMessage) error

func postSlackWebhook(ctx context.Context, url string, msg *OutgoingMessage) error {
	err := slack.PostWebhookContext(ctx, url, &slack.WebhookMessage{
		Text:            msg.Text,
		Username:        msg.Username,
		IconURL:         msg.IconURL,
		ThreadTimestamp: msg.ThreadTS,
	})
	if err != nil {
		return fmt.Errorf("failed to post to webhook: %w", err)
	}
	return nil
}
