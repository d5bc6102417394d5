// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"

	"github.com/aiku/mautrix-slack/pkg/datastore"
	"github.com/rs/zerolog"
)

func newTestFactory(t *testing.T, slack *fakeSlack, opts ...ClientFactoryOption) (*ClientFactory, datastore.Datastore) {
	t.Helper()
	ds := datastore.NewMemoryStore()
	opts = append([]ClientFactoryOption{WithClientConstructor(slack.client)}, opts...)
	return NewClientFactory(ds, zerolog.Nop(), opts...), ds
}

func TestClientFactoryTeamClient(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	slack := newFakeSlack()
	slack.Identities["xoxb-good"] = &SlackIdentity{TeamID: "T1"}
	f, ds := newTestFactory(t, slack)

	if _, err := f.GetTeamClient(ctx, "T1"); !errors.Is(err, ErrTeamNotFound) {
		t.Errorf("unknown team: got %v, want ErrTeamNotFound", err)
	}
	if err := ds.UpsertTeam(ctx, &datastore.TeamEntry{ID: "T0", Status: datastore.TeamStatusOK}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.GetTeamClient(ctx, "T0"); !errors.Is(err, ErrNoBotToken) {
		t.Errorf("team without token: got %v, want ErrNoBotToken", err)
	}

	if err := ds.UpsertTeam(ctx, &datastore.TeamEntry{ID: "T1", BotToken: "xoxb-good", Status: datastore.TeamStatusOK}); err != nil {
		t.Fatal(err)
	}
	first, err := f.GetTeamClient(ctx, "T1")
	if err != nil {
		t.Fatalf("GetTeamClient: %v", err)
	}
	second, err := f.GetTeamClient(ctx, "T1")
	if err != nil {
		t.Fatalf("GetTeamClient (cached): %v", err)
	}
	if first != second {
		t.Error("team client was not cached")
	}
	if n := len(slack.Calls("auth.test")); n != 1 {
		t.Errorf("expected one auth.test, got %d", n)
	}
}

func TestClientFactoryMarksBadAuth(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	slack := newFakeSlack()
	f, ds := newTestFactory(t, slack)
	if err := ds.UpsertTeam(ctx, &datastore.TeamEntry{ID: "T1", BotToken: "xoxb-revoked", Status: datastore.TeamStatusOK}); err != nil {
		t.Fatal(err)
	}

	if _, err := f.GetTeamClient(ctx, "T1"); err == nil {
		t.Fatal("expected the rejected token to fail")
	}
	team, err := ds.GetTeam(ctx, "T1")
	if err != nil || team == nil {
		t.Fatalf("GetTeam: %v, %v", team, err)
	}
	if team.Status != datastore.TeamStatusBadAuth {
		t.Errorf("status = %q, want %q", team.Status, datastore.TeamStatusBadAuth)
	}

	if _, err = f.GetTeamClient(ctx, "T1"); !errors.Is(err, ErrTeamBadAuth) {
		t.Errorf("second attempt: got %v, want ErrTeamBadAuth", err)
	}
	if n := len(slack.Calls("auth.test")); n != 1 {
		t.Errorf("bad_auth team was retried: %d auth.test calls", n)
	}
}

func TestClientFactoryPuppets(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	slack := newFakeSlack()
	f, ds := newTestFactory(t, slack)
	err := ds.SetPuppetToken(ctx, &datastore.PuppetEntry{MatrixID: "@alice:example.com", TeamID: "T1", SlackUserID: "U1", Token: "xoxp-alice"})
	if err != nil {
		t.Fatal(err)
	}

	client, puppet, err := f.GetPuppetForMatrixUser(ctx, "T1", "@alice:example.com")
	if err != nil || client == nil || puppet == nil {
		t.Fatalf("GetPuppetForMatrixUser: %v, %v, %v", client, puppet, err)
	}
	if puppet.SlackUserID != "U1" {
		t.Errorf("puppet = %+v", puppet)
	}
	if err = client.JoinConversation(ctx, "C1"); err != nil {
		t.Fatal(err)
	}
	if calls := slack.Calls("conversations.join"); len(calls) != 1 || calls[0].Token != "xoxp-alice" {
		t.Errorf("puppet calls: %+v", calls)
	}

	if client, _, err = f.GetPuppetForMatrixUser(ctx, "T2", "@alice:example.com"); err != nil || client != nil {
		t.Errorf("other team: got %v, %v", client, err)
	}
	if client, _, err = f.GetPuppetForMatrixUser(ctx, "T1", "@bob:example.com"); err != nil || client != nil {
		t.Errorf("unpuppeted user: got %v, %v", client, err)
	}
	if client, err = f.GetPuppetClient(ctx, "T1", "U9"); err != nil || client != nil {
		t.Errorf("unknown puppet: got %v, %v", client, err)
	}
}

func TestClientFactoryObserver(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	slack := newFakeSlack()
	slack.FailMethods["chat.delete"] = true

	var mu sync.Mutex
	var seen []string
	observer := func(_ context.Context, method string) func(error) {
		return func(err error) {
			mu.Lock()
			defer mu.Unlock()
			result := method + ":ok"
			if err != nil {
				result = method + ":error"
			}
			seen = append(seen, result)
		}
	}
	f, _ := newTestFactory(t, slack, WithCallObserver(observer), WithRateLimit(0, 0))

	client := f.ClientForToken("T1", "xoxb-any")
	if _, err := client.PostMessage(ctx, "C1", &OutgoingMessage{Text: "hi"}); err != nil {
		t.Fatal(err)
	}
	if err := client.DeleteMessage(ctx, "C1", "1.1"); err == nil {
		t.Fatal("expected chat.delete to fail")
	}
	want := []string{"chat.postMessage:ok", "chat.delete:error"}
	mu.Lock()
	defer mu.Unlock()
	if !slices.Equal(seen, want) {
		t.Errorf("observed %v, want %v", seen, want)
	}
}

func TestClientFactoryRateLimitCancelled(t *testing.T) {
	t.Parallel()
	slack := newFakeSlack()
	f, _ := newTestFactory(t, slack, WithRateLimit(0.001, 1))
	client := f.ClientForToken("T1", "xoxb-any")

	if _, err := client.PostMessage(context.Background(), "C1", &OutgoingMessage{Text: "first"}); err != nil {
		t.Fatalf("burst call: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := client.PostMessage(ctx, "C1", &OutgoingMessage{Text: "second"}); err == nil {
		t.Error("expected the limiter to refuse with a cancelled context")
	}
	if n := len(slack.Calls("chat.postMessage")); n != 1 {
		t.Errorf("limited call reached Slack: %d posts", n)
	}
}

func TestUpsertTeamFromToken(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	slack := newFakeSlack()
	slack.Identities["xoxb-new"] = &SlackIdentity{TeamID: "T7", Team: "Seven", UserID: "U7BOT", BotID: "B7"}
	slack.Teams["T7"] = &SlackTeam{ID: "T7", Name: "Seven Inc", Domain: "seven"}
	f, ds := newTestFactory(t, slack)

	team, err := f.UpsertTeamFromToken(ctx, "xoxb-new")
	if err != nil {
		t.Fatalf("UpsertTeamFromToken: %v", err)
	}
	if team.ID != "T7" || team.Name != "Seven Inc" || team.Domain != "seven" || team.BotID != "B7" || team.UserID != "U7BOT" {
		t.Errorf("team = %+v", team)
	}
	stored, err := ds.GetTeam(ctx, "T7")
	if err != nil || stored == nil || stored.Status != datastore.TeamStatusOK || stored.BotToken != "xoxb-new" {
		t.Errorf("stored team = %+v, %v", stored, err)
	}
	if _, err = f.GetTeamClient(ctx, "T7"); err != nil {
		t.Errorf("GetTeamClient after upsert: %v", err)
	}
	if n := len(slack.Calls("auth.test")); n != 1 {
		t.Errorf("cached client was re-authenticated: %d auth.test calls", n)
	}

	if _, err = f.UpsertTeamFromToken(ctx, "xoxb-bogus"); err == nil {
		t.Error("expected an invalid token to fail")
	}
}
