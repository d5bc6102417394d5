// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/aiku/mautrix-slack/pkg/datastore"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

const (
	testServer   = "example.com"
	testTeamID   = "T1"
	testDomain   = "acme"
	testBotToken = "xoxb-bot"
	testBotUser  = "UBOT"
	testBotID    = "BBOT"
	testAdmin    = id.UserID("@admin:example.com")
	testBotMXID  = id.UserID("@slackbot:example.com")
)

// opLog records the order of datastore and Matrix operations across fakes.
type opLog struct {
	mu  sync.Mutex
	ops []string
}

func (l *opLog) add(op string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ops = append(l.ops, op)
}

func (l *opLog) Ops() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.ops)
}

// ────────────────────────────────────────────────────────────────────
// Slack Web API fake
// ────────────────────────────────────────────────────────────────────

// slackCall records one Slack API call made through a fake client.
type slackCall struct {
	Method  string
	Token   string
	Channel string
	TS      string
	Text    string
	Name    string
}

// fakeSlack holds the state behind every fakeSlackClient handed out by a test
// client factory.
type fakeSlack struct {
	mu     sync.Mutex
	calls  []slackCall
	nextTS int

	// Identities maps tokens to auth.test results. Unknown tokens fail auth.
	Identities map[string]*SlackIdentity
	Teams      map[string]*SlackTeam
	Users      map[string]*SlackUser
	Channels   map[string]*SlackChannel
	Members    map[string][]string
	// Files maps download URLs to file contents.
	Files map[string][]byte
	// FailMethods makes the named API methods return an error.
	FailMethods map[string]bool
	// ShareUploads makes uploads report their share message ts.
	ShareUploads bool
	// OnPost runs after chat.postMessage assigned a ts, before it returns.
	OnPost func(channelID, ts string)
}

func newFakeSlack() *fakeSlack {
	return &fakeSlack{
		nextTS:      200,
		Identities:  make(map[string]*SlackIdentity),
		Teams:       make(map[string]*SlackTeam),
		Users:       make(map[string]*SlackUser),
		Channels:    make(map[string]*SlackChannel),
		Members:     make(map[string][]string),
		Files:       make(map[string][]byte),
		FailMethods: make(map[string]bool),
	}
}

func (f *fakeSlack) client(token string) SlackAPI {
	return &fakeSlackClient{f: f, token: token}
}

func (f *fakeSlack) record(c slackCall) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
	if f.FailMethods[c.Method] {
		return fmt.Errorf("%s: fake failure", c.Method)
	}
	return nil
}

// Calls returns the recorded calls, limited to the given methods if any.
func (f *fakeSlack) Calls(methods ...string) []slackCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []slackCall
	for _, c := range f.calls {
		if len(methods) == 0 || slices.Contains(methods, c.Method) {
			out = append(out, c)
		}
	}
	return out
}

// Writes returns the calls that change Slack state.
func (f *fakeSlack) Writes() []slackCall {
	return f.Calls("chat.postMessage", "chat.update", "chat.delete",
		"reactions.add", "reactions.remove", "files.uploadV2")
}

func (f *fakeSlack) newTS() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextTS++
	return strconv.Itoa(f.nextTS) + ".000100"
}

type fakeSlackClient struct {
	f     *fakeSlack
	token string
}

var _ SlackAPI = (*fakeSlackClient)(nil)

func (c *fakeSlackClient) AuthTest(_ context.Context) (*SlackIdentity, error) {
	if err := c.f.record(slackCall{Method: "auth.test", Token: c.token}); err != nil {
		return nil, err
	}
	c.f.mu.Lock()
	defer c.f.mu.Unlock()
	ident, ok := c.f.Identities[c.token]
	if !ok {
		return nil, fmt.Errorf("invalid_auth")
	}
	return ident, nil
}

func (c *fakeSlackClient) TeamInfo(_ context.Context) (*SlackTeam, error) {
	if err := c.f.record(slackCall{Method: "team.info", Token: c.token}); err != nil {
		return nil, err
	}
	c.f.mu.Lock()
	defer c.f.mu.Unlock()
	ident, ok := c.f.Identities[c.token]
	if !ok {
		return nil, fmt.Errorf("invalid_auth")
	}
	team, ok := c.f.Teams[ident.TeamID]
	if !ok {
		return nil, fmt.Errorf("team_not_found")
	}
	return team, nil
}

func (c *fakeSlackClient) PostMessage(_ context.Context, channelID string, msg *OutgoingMessage) (string, error) {
	if err := c.f.record(slackCall{Method: "chat.postMessage", Token: c.token, Channel: channelID, TS: msg.ThreadTS, Text: msg.Text, Name: msg.Username}); err != nil {
		return "", err
	}
	ts := c.f.newTS()
	if c.f.OnPost != nil {
		c.f.OnPost(channelID, ts)
	}
	return ts, nil
}

func (c *fakeSlackClient) UpdateMessage(_ context.Context, channelID, ts, text string) error {
	return c.f.record(slackCall{Method: "chat.update", Token: c.token, Channel: channelID, TS: ts, Text: text})
}

func (c *fakeSlackClient) DeleteMessage(_ context.Context, channelID, ts string) error {
	return c.f.record(slackCall{Method: "chat.delete", Token: c.token, Channel: channelID, TS: ts})
}

func (c *fakeSlackClient) AddReaction(_ context.Context, channelID, ts, name string) error {
	return c.f.record(slackCall{Method: "reactions.add", Token: c.token, Channel: channelID, TS: ts, Name: name})
}

func (c *fakeSlackClient) RemoveReaction(_ context.Context, channelID, ts, name string) error {
	return c.f.record(slackCall{Method: "reactions.remove", Token: c.token, Channel: channelID, TS: ts, Name: name})
}

func (c *fakeSlackClient) UploadFile(_ context.Context, file *OutgoingFile) (*UploadedFile, error) {
	if err := c.f.record(slackCall{Method: "files.uploadV2", Token: c.token, Channel: file.ChannelID, TS: file.ThreadTS, Text: file.Comment, Name: file.Filename}); err != nil {
		return nil, err
	}
	ts := c.f.newTS()
	uploaded := &UploadedFile{ID: "F" + strings.Split(ts, ".")[0]}
	if c.f.ShareUploads {
		uploaded.TS = ts
	}
	return uploaded, nil
}

func (c *fakeSlackClient) DownloadFile(_ context.Context, url string) ([]byte, error) {
	if err := c.f.record(slackCall{Method: "files.download", Token: c.token, Text: url}); err != nil {
		return nil, err
	}
	c.f.mu.Lock()
	defer c.f.mu.Unlock()
	data, ok := c.f.Files[url]
	if !ok {
		return nil, fmt.Errorf("file_not_found")
	}
	return data, nil
}

func (c *fakeSlackClient) ConversationInfo(_ context.Context, channelID string) (*SlackChannel, error) {
	if err := c.f.record(slackCall{Method: "conversations.info", Token: c.token, Channel: channelID}); err != nil {
		return nil, err
	}
	c.f.mu.Lock()
	defer c.f.mu.Unlock()
	ch, ok := c.f.Channels[channelID]
	if !ok {
		return nil, fmt.Errorf("channel_not_found")
	}
	return ch, nil
}

func (c *fakeSlackClient) ConversationMembers(_ context.Context, channelID string) ([]string, error) {
	if err := c.f.record(slackCall{Method: "conversations.members", Token: c.token, Channel: channelID}); err != nil {
		return nil, err
	}
	c.f.mu.Lock()
	defer c.f.mu.Unlock()
	return slices.Clone(c.f.Members[channelID]), nil
}

func (c *fakeSlackClient) ListConversations(_ context.Context) ([]*SlackChannel, error) {
	if err := c.f.record(slackCall{Method: "users.conversations", Token: c.token}); err != nil {
		return nil, err
	}
	c.f.mu.Lock()
	defer c.f.mu.Unlock()
	out := make([]*SlackChannel, 0, len(c.f.Channels))
	for _, ch := range c.f.Channels {
		out = append(out, ch)
	}
	slices.SortFunc(out, func(a, b *SlackChannel) int {
		if a.ID < b.ID {
			return -1
		}
		return 1
	})
	return out, nil
}

func (c *fakeSlackClient) OpenDM(_ context.Context, userIDs []string) (*SlackChannel, error) {
	if err := c.f.record(slackCall{Method: "conversations.open", Token: c.token}); err != nil {
		return nil, err
	}
	return &SlackChannel{ID: "D" + userIDs[0], IsIM: true}, nil
}

func (c *fakeSlackClient) JoinConversation(_ context.Context, channelID string) error {
	return c.f.record(slackCall{Method: "conversations.join", Token: c.token, Channel: channelID})
}

func (c *fakeSlackClient) LeaveConversation(_ context.Context, channelID string) error {
	return c.f.record(slackCall{Method: "conversations.leave", Token: c.token, Channel: channelID})
}

func (c *fakeSlackClient) UserInfo(_ context.Context, userID string) (*SlackUser, error) {
	if err := c.f.record(slackCall{Method: "users.info", Token: c.token, Name: userID}); err != nil {
		return nil, err
	}
	c.f.mu.Lock()
	defer c.f.mu.Unlock()
	u, ok := c.f.Users[userID]
	if !ok {
		return nil, fmt.Errorf("user_not_found")
	}
	return u, nil
}

// ────────────────────────────────────────────────────────────────────
// Matrix fake
// ────────────────────────────────────────────────────────────────────

// matrixCall records one action performed through a fakeIntent.
type matrixCall struct {
	Kind    string
	Sender  id.UserID
	RoomID  id.RoomID
	EventID id.EventID
	Target  id.EventID
	Key     string
	Content *event.MessageEventContent
}

type fakeMatrix struct {
	ops    *opLog
	mu     sync.Mutex
	calls  []matrixCall
	nextID int

	Members   map[id.RoomID][]id.UserID
	Profiles  map[id.UserID]*event.MemberEventContent
	Media     map[id.ContentURIString][]byte
	FailKinds map[string]bool
	MediaBase string
	// RejectMessage makes SendMessage fail for the contents it matches.
	RejectMessage func(*event.MessageEventContent) bool
}

var _ MatrixConnector = (*fakeMatrix)(nil)

func newFakeMatrix(ops *opLog) *fakeMatrix {
	return &fakeMatrix{
		ops:       ops,
		Members:   make(map[id.RoomID][]id.UserID),
		Profiles:  make(map[id.UserID]*event.MemberEventContent),
		Media:     make(map[id.ContentURIString][]byte),
		FailKinds: make(map[string]bool),
	}
}

func (m *fakeMatrix) Bot() MatrixIntent                   { return &fakeIntent{m: m, userID: testBotMXID} }
func (m *fakeMatrix) Intent(userID id.UserID) MatrixIntent { return &fakeIntent{m: m, userID: userID} }
func (m *fakeMatrix) ServerName() string                  { return testServer }

func (m *fakeMatrix) PublicMediaURL(uri id.ContentURIString) string {
	if m.MediaBase == "" || uri == "" {
		return ""
	}
	return m.MediaBase + "/" + string(uri)
}

func (m *fakeMatrix) record(c matrixCall) (id.EventID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailKinds[c.Kind] {
		return "", fmt.Errorf("%s: fake failure", c.Kind)
	}
	if c.Kind == "message" || c.Kind == "reaction" {
		m.nextID++
		c.EventID = id.EventID(fmt.Sprintf("$evt%d", m.nextID))
	}
	m.calls = append(m.calls, c)
	if m.ops != nil {
		m.ops.add("matrix:" + c.Kind)
	}
	return c.EventID, nil
}

// Calls returns the recorded calls, limited to the given kinds if any.
func (m *fakeMatrix) Calls(kinds ...string) []matrixCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []matrixCall
	for _, c := range m.calls {
		if len(kinds) == 0 || slices.Contains(kinds, c.Kind) {
			out = append(out, c)
		}
	}
	return out
}

func (m *fakeMatrix) join(roomID id.RoomID, userID id.UserID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !slices.Contains(m.Members[roomID], userID) {
		m.Members[roomID] = append(m.Members[roomID], userID)
	}
}

type fakeIntent struct {
	m      *fakeMatrix
	userID id.UserID
}

func (i *fakeIntent) UserID() id.UserID { return i.userID }

func (i *fakeIntent) EnsureRegistered(context.Context) error {
	_, err := i.m.record(matrixCall{Kind: "register", Sender: i.userID})
	return err
}

func (i *fakeIntent) EnsureJoined(_ context.Context, roomID id.RoomID) error {
	if _, err := i.m.record(matrixCall{Kind: "join", Sender: i.userID, RoomID: roomID}); err != nil {
		return err
	}
	i.m.join(roomID, i.userID)
	return nil
}

func (i *fakeIntent) SendMessage(_ context.Context, roomID id.RoomID, content *event.MessageEventContent) (id.EventID, error) {
	i.m.mu.Lock()
	reject := i.m.RejectMessage
	i.m.mu.Unlock()
	if reject != nil && reject(content) {
		return "", fmt.Errorf("message: fake failure")
	}
	return i.m.record(matrixCall{Kind: "message", Sender: i.userID, RoomID: roomID, Content: content})
}

func (i *fakeIntent) SendReaction(_ context.Context, roomID id.RoomID, target id.EventID, key string) (id.EventID, error) {
	return i.m.record(matrixCall{Kind: "reaction", Sender: i.userID, RoomID: roomID, Target: target, Key: key})
}

func (i *fakeIntent) Redact(_ context.Context, roomID id.RoomID, eventID id.EventID) error {
	_, err := i.m.record(matrixCall{Kind: "redact", Sender: i.userID, RoomID: roomID, Target: eventID})
	return err
}

func (i *fakeIntent) SetRoomName(_ context.Context, roomID id.RoomID, name string) error {
	_, err := i.m.record(matrixCall{Kind: "name", Sender: i.userID, RoomID: roomID, Key: name})
	return err
}

func (i *fakeIntent) UploadMedia(_ context.Context, data []byte, mimeType string) (id.ContentURIString, error) {
	if _, err := i.m.record(matrixCall{Kind: "upload", Sender: i.userID, Key: mimeType}); err != nil {
		return "", err
	}
	i.m.mu.Lock()
	defer i.m.mu.Unlock()
	uri := id.ContentURIString(fmt.Sprintf("mxc://%s/media%d", testServer, len(i.m.Media)+1))
	i.m.Media[uri] = data
	return uri, nil
}

func (i *fakeIntent) DownloadMedia(_ context.Context, uri id.ContentURIString) ([]byte, error) {
	if _, err := i.m.record(matrixCall{Kind: "download", Sender: i.userID, Key: string(uri)}); err != nil {
		return nil, err
	}
	i.m.mu.Lock()
	defer i.m.mu.Unlock()
	data, ok := i.m.Media[uri]
	if !ok {
		return nil, fmt.Errorf("M_NOT_FOUND")
	}
	return data, nil
}

func (i *fakeIntent) SetDisplayName(_ context.Context, name string) error {
	_, err := i.m.record(matrixCall{Kind: "displayname", Sender: i.userID, Key: name})
	return err
}

func (i *fakeIntent) SetAvatarURL(_ context.Context, uri id.ContentURIString) error {
	_, err := i.m.record(matrixCall{Kind: "avatar", Sender: i.userID, Key: string(uri)})
	return err
}

func (i *fakeIntent) Invite(_ context.Context, roomID id.RoomID, userID id.UserID) error {
	_, err := i.m.record(matrixCall{Kind: "invite", Sender: i.userID, RoomID: roomID, Key: string(userID)})
	return err
}

func (i *fakeIntent) Leave(_ context.Context, roomID id.RoomID) error {
	if _, err := i.m.record(matrixCall{Kind: "leave", Sender: i.userID, RoomID: roomID}); err != nil {
		return err
	}
	i.m.mu.Lock()
	defer i.m.mu.Unlock()
	i.m.Members[roomID] = slices.DeleteFunc(i.m.Members[roomID], func(u id.UserID) bool { return u == i.userID })
	return nil
}

func (i *fakeIntent) JoinedMembers(_ context.Context, roomID id.RoomID) ([]id.UserID, error) {
	i.m.mu.Lock()
	defer i.m.mu.Unlock()
	if i.m.FailKinds["members"] {
		return nil, fmt.Errorf("members: fake failure")
	}
	return slices.Clone(i.m.Members[roomID]), nil
}

func (i *fakeIntent) MemberProfile(_ context.Context, _ id.RoomID, userID id.UserID) (*event.MemberEventContent, error) {
	i.m.mu.Lock()
	defer i.m.mu.Unlock()
	profile, ok := i.m.Profiles[userID]
	if !ok {
		return nil, fmt.Errorf("M_NOT_FOUND")
	}
	return profile, nil
}

func (i *fakeIntent) CreateRoom(_ context.Context, req *mautrix.ReqCreateRoom) (id.RoomID, error) {
	if _, err := i.m.record(matrixCall{Kind: "create", Sender: i.userID, Key: req.Name}); err != nil {
		return "", err
	}
	i.m.mu.Lock()
	defer i.m.mu.Unlock()
	i.m.nextID++
	roomID := id.RoomID(fmt.Sprintf("!created%d:%s", i.m.nextID, testServer))
	i.m.Members[roomID] = append([]id.UserID{i.userID}, req.Invite...)
	return roomID, nil
}

// ────────────────────────────────────────────────────────────────────
// Datastore wrapper
// ────────────────────────────────────────────────────────────────────

// recordingStore logs correlation lookups and writes into the shared opLog so
// tests can assert that the store is consulted before anything is sent.
type recordingStore struct {
	datastore.Datastore
	ops *opLog

	// failUpserts makes UpsertEvent fail.
	failUpserts atomic.Bool
}

func (s *recordingStore) GetEventBySlackID(ctx context.Context, channelID, ts string) (*datastore.EventEntry, error) {
	s.ops.add("db:GetEventBySlackID")
	return s.Datastore.GetEventBySlackID(ctx, channelID, ts)
}

func (s *recordingStore) GetEventByMatrixID(ctx context.Context, roomID, eventID string) (*datastore.EventEntry, error) {
	s.ops.add("db:GetEventByMatrixID")
	return s.Datastore.GetEventByMatrixID(ctx, roomID, eventID)
}

func (s *recordingStore) UpsertEvent(ctx context.Context, evt *datastore.EventEntry) error {
	s.ops.add("db:UpsertEvent")
	if s.failUpserts.Load() {
		return fmt.Errorf("upsert event: fake failure")
	}
	return s.Datastore.UpsertEvent(ctx, evt)
}

// ────────────────────────────────────────────────────────────────────
// Bridge fixture
// ────────────────────────────────────────────────────────────────────

type webhookPost struct {
	URL string
	Msg OutgoingMessage
}

type testEnv struct {
	bridge *Bridge
	slack  *fakeSlack
	matrix *fakeMatrix
	ds     *recordingStore
	ops    *opLog

	mu       sync.Mutex
	webhooks []webhookPost
}

func (e *testEnv) Webhooks() []webhookPost {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.webhooks)
}

func testConfig() *Config {
	cfg := &Config{
		Homeserver: HomeserverConfig{Domain: testServer},
		Bridge: BridgeConfig{
			UsernamePrefix:      "slack_",
			DisplaynameTemplate: "{{.DisplayName}}",
			Admins:              []id.UserID{testAdmin},
			DMAutoDiscovery:     true,
			DedupeSize:          16,
		},
		Slack: SlackConfig{
			SigningSecret: "signing-secret",
			ClientID:      "client-id",
			ClientSecret:  "client-secret",
			RedirectURI:   "https://bridge.example.com/oauth",
			BotScopes:     []string{"chat:write"},
			UserScopes:    []string{"chat:write"},
		},
		Provisioning: ProvisioningConfig{Enabled: true, Prefix: "/_matrix/provision/v1", SharedSecret: "provision-secret"},
		Database:     DatabaseConfig{Type: "memory"},
	}
	return cfg
}

// newTestEnv builds a bridge over fakes with team T1 (domain acme) and Slack
// users U1 (alice) and U2 (bob). mutate may adjust the config before the
// bridge is created.
func newTestEnv(t *testing.T, mutate ...func(*Config)) *testEnv {
	t.Helper()
	cfg := testConfig()
	for _, fn := range mutate {
		fn(cfg)
	}
	if err := cfg.PostProcess(); err != nil {
		t.Fatalf("PostProcess: %v", err)
	}

	ops := &opLog{}
	env := &testEnv{
		slack:  newFakeSlack(),
		matrix: newFakeMatrix(ops),
		ds:     &recordingStore{Datastore: datastore.NewMemoryStore(), ops: ops},
		ops:    ops,
	}
	env.slack.Identities[testBotToken] = &SlackIdentity{TeamID: testTeamID, Team: "Acme", UserID: testBotUser, BotID: testBotID}
	env.slack.Teams[testTeamID] = &SlackTeam{ID: testTeamID, Name: "Acme", Domain: testDomain}
	env.slack.Users["U1"] = &SlackUser{ID: "U1", TeamID: testTeamID, Name: "alice", DisplayName: "Alice"}
	env.slack.Users["U2"] = &SlackUser{ID: "U2", TeamID: testTeamID, Name: "bob", DisplayName: "Bob"}

	b, err := NewBridge(cfg, zerolog.Nop(), env.ds, env.matrix,
		WithClientOptions(WithClientConstructor(env.slack.client)),
		WithWebhookPoster(func(_ context.Context, url string, msg *OutgoingMessage) error {
			env.mu.Lock()
			defer env.mu.Unlock()
			env.webhooks = append(env.webhooks, webhookPost{URL: url, Msg: *msg})
			return nil
		}),
		WithSocketRunner(func(ctx context.Context, _, _ string, _ SocketEventFunc) error {
			<-ctx.Done()
			return ctx.Err()
		}),
	)
	if err != nil {
		t.Fatalf("NewBridge: %v", err)
	}
	env.bridge = b
	t.Cleanup(func() {
		b.Sockets.StopAll()
		b.Events.Wait()
		b.cancel()
	})

	err = env.ds.UpsertTeam(context.Background(), &datastore.TeamEntry{
		ID:       testTeamID,
		Name:     "Acme",
		Domain:   testDomain,
		BotToken: testBotToken,
		BotID:    testBotID,
		UserID:   testBotUser,
		Status:   datastore.TeamStatusOK,
	})
	if err != nil {
		t.Fatalf("UpsertTeam: %v", err)
	}
	return env
}

func ghostID(slackID string) id.UserID {
	return DeriveGhostUserID("slack_", slackID, testDomain, testServer)
}

// linkChannel creates a ready room bridging roomID to channelID in team T1.
func (e *testEnv) linkChannel(t *testing.T, roomID id.RoomID, channelID, name string) Room {
	t.Helper()
	room, err := e.bridge.createRoom(context.Background(), &datastore.RoomEntry{
		ID:           "inbound-" + channelID,
		MatrixRoomID: string(roomID),
		RemoteID:     channelID,
		Remote: datastore.RoomRemote{
			ID:       channelID,
			Name:     name,
			TeamID:   testTeamID,
			Kind:     datastore.RoomKindChannel,
			BotToken: testBotToken,
		},
	})
	if err != nil {
		t.Fatalf("createRoom: %v", err)
	}
	e.matrix.join(roomID, testBotMXID)
	return room
}

// linkWebhook creates a room that can only post through an incoming webhook.
func (e *testEnv) linkWebhook(t *testing.T, roomID id.RoomID, channelID, url string) Room {
	t.Helper()
	room, err := e.bridge.createRoom(context.Background(), &datastore.RoomEntry{
		ID:           "inbound-" + channelID,
		MatrixRoomID: string(roomID),
		RemoteID:     channelID,
		Remote: datastore.RoomRemote{
			ID:         channelID,
			Name:       "hooked",
			Kind:       datastore.RoomKindChannel,
			WebhookURI: url,
		},
	})
	if err != nil {
		t.Fatalf("createRoom: %v", err)
	}
	return room
}

// matrixEvent builds a Matrix event with parsed content.
func matrixEvent(evtType event.Type, roomID id.RoomID, sender id.UserID, evtID id.EventID, content any) *event.Event {
	return &event.Event{
		Type:    evtType,
		RoomID:  roomID,
		Sender:  sender,
		ID:      evtID,
		Content: event.Content{Parsed: content},
	}
}

func textEvent(roomID id.RoomID, sender id.UserID, evtID id.EventID, body string) *event.Event {
	return matrixEvent(event.EventMessage, roomID, sender, evtID, &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    body,
	})
}
