// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"testing"

	"github.com/aiku/mautrix-slack/pkg/datastore"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

func TestMakeDiff(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		prev     string
		curr     string
		want     Diff
		fallback string
	}{
		{
			name:     "middle word",
			prev:     "hello world foo",
			curr:     "hello there foo",
			want:     Diff{Before: "hello ", Prev: "world", Curr: "there", After: " foo"},
			fallback: "(edited) hello world foo ⇒ hello there foo",
		},
		{
			name:     "shared word prefix is not split",
			prev:     "the cat sat",
			curr:     "the car sat",
			want:     Diff{Before: "the ", Prev: "cat", Curr: "car", After: " sat"},
			fallback: "(edited) the cat sat ⇒ the car sat",
		},
		{
			name:     "appended text",
			prev:     "one two",
			curr:     "one two three",
			want:     Diff{Before: "one ", Prev: "two", Curr: "two three", After: ""},
			fallback: "(edited) one two ⇒ one two three",
		},
		{
			name:     "complete rewrite",
			prev:     "abc",
			curr:     "xyz",
			want:     Diff{Prev: "abc", Curr: "xyz"},
			fallback: "(edited) abc ⇒ xyz",
		},
		{
			name:     "context is one word each side",
			prev:     "a b c d e",
			curr:     "a b X d e",
			want:     Diff{Before: "a b ", Prev: "c", Curr: "X", After: " d e"},
			fallback: "(edited) b c d ⇒ b X d",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := MakeDiff(tt.prev, tt.curr)
			if got != tt.want {
				t.Errorf("MakeDiff(%q, %q) = %+v, want %+v", tt.prev, tt.curr, got, tt.want)
			}
			if fb := got.EditFallback(); fb != tt.fallback {
				t.Errorf("EditFallback() = %q, want %q", fb, tt.fallback)
			}
		})
	}
}

func TestSubstituteNameMentions(t *testing.T) {
	t.Parallel()
	candidates := []nameCandidate{
		{Name: "Bob", SlackID: "U2"},
		{Name: "Bob Smith", SlackID: "U3"},
		{Name: "Carol", SlackID: "U4"},
		{Name: "carol", SlackID: "U5"},
		{Name: "İlker", SlackID: "U9"},
		{Name: "Ⱥnna", SlackID: "U8"},
	}
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"single name", "hi @Bob", "hi <@U2>"},
		{"longest name wins", "hi @Bob Smith!", "hi <@U3>!"},
		{"case insensitive", "cc @bob please", "cc <@U2> please"},
		{"ambiguous name is left alone", "hi @Carol", "hi @Carol"},
		{"inside a word is not a mention", "mail bob@Bob", "mail bob@Bob"},
		{"prefix of a longer word", "hi @Bobby", "hi @Bobby"},
		{"after parenthesis", "(@Bob)", "(<@U2>)"},
		{"no at sign", "Bob", "Bob"},
		{"lowercase grows in bytes", "hi @İlker there", "hi <@U9> there"},
		{"lowercase grows at the end", "hi @Ⱥnna", "hi <@U8>"},
		{"folded non-ASCII", "hi @ⱥNNA!", "hi <@U8>!"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := substituteNameMentions(tt.in, candidates); got != tt.want {
				t.Errorf("substituteNameMentions(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSlackToMatrix(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	env.linkChannel(t, "!general:example.com", "C123", "general")
	bob, err := env.bridge.Ghosts.Get(ctx, "U2", "", testTeamID)
	if err != nil {
		t.Fatalf("Ghosts.Get: %v", err)
	}
	if err = bob.Update(ctx, DisplaynameParams{DisplayName: "Bob"}, ""); err != nil {
		t.Fatalf("Update: %v", err)
	}

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"ghost mention", "<@U2> hi", "[Bob](https://matrix.to/#/@slack_acme_U2:example.com) hi"},
		{"user without ghost uses profile", "ping <@U1>", "ping Alice"},
		{"user without ghost uses label", "ping <@U1|ally>", "ping ally"},
		{"unknown user keeps id", "ping <@U9>", "ping U9"},
		{"bridged channel", "see <#C123>", "see [#general](https://matrix.to/#/!general:example.com)"},
		{"unbridged channel with label", "see <#C999|random>", "see #random"},
		{"broadcast", "<!here> lunch", "@room lunch"},
		{"user group", "<!subteam^S1|@eng> ping", "@eng ping"},
		{"date fallback", "<!date^1700000000^{date}|Nov 14>", "Nov 14"},
		{"labelled link", "<https://example.org|site>", "[site](https://example.org)"},
		{"bare link", "<https://example.org>", "https://example.org"},
		{"mailto", "<mailto:a@b.c|a@b.c>", "a@b.c"},
		{"entities", "a &lt;b&gt; &amp; c", "a <b> & c"},
		{"shortcodes", "nice :+1:", "nice \U0001f44d"},
		{"unknown shortcode", "nice :partyparrot:", "nice :partyparrot:"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := env.bridge.Subs.SlackToMatrix(ctx, tt.in, testTeamID); got != tt.want {
				t.Errorf("SlackToMatrix(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestMatrixToSlack(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	room := env.linkChannel(t, "!general:example.com", "C123", "general")
	env.linkChannel(t, "!random:example.com", "C456", "random")

	bob, err := env.bridge.Ghosts.Get(ctx, "U2", "", testTeamID)
	if err != nil {
		t.Fatalf("Ghosts.Get: %v", err)
	}
	if err = bob.Update(ctx, DisplaynameParams{DisplayName: "Bob"}, ""); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err = bob.JoinRoom(ctx, room.MatrixRoomID()); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}

	tests := []struct {
		name    string
		content *event.MessageEventContent
		want    string
	}{
		{
			name:    "plain",
			content: &event.MessageEventContent{MsgType: event.MsgText, Body: "hello"},
			want:    "hello",
		},
		{
			name:    "at room",
			content: &event.MessageEventContent{MsgType: event.MsgText, Body: "@room lunch"},
			want:    "<!channel> lunch",
		},
		{
			name:    "ghost link",
			content: &event.MessageEventContent{MsgType: event.MsgText, Body: "hey https://matrix.to/#/@slack_acme_U2:example.com"},
			want:    "hey <@U2>",
		},
		{
			name:    "room link",
			content: &event.MessageEventContent{MsgType: event.MsgText, Body: "see https://matrix.to/#/!random:example.com"},
			want:    "see <#C456>",
		},
		{
			name:    "name mention",
			content: &event.MessageEventContent{MsgType: event.MsgText, Body: "thanks @Bob"},
			want:    "thanks <@U2>",
		},
		{
			name:    "unrelated matrix user",
			content: &event.MessageEventContent{MsgType: event.MsgText, Body: "hey https://matrix.to/#/@carol:example.com"},
			want:    "hey https://matrix.to/#/@carol:example.com",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := env.bridge.Subs.MatrixToSlack(ctx, tt.content, room); got != tt.want {
				t.Errorf("MatrixToSlack(%q) = %q, want %q", tt.content.Body, got, tt.want)
			}
		})
	}
}

func TestMatrixToSlackPuppetPill(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	room := env.linkChannel(t, "!general:example.com", "C123", "general")
	alice := id.UserID("@alice:example.com")
	err := env.ds.SetPuppetToken(ctx, &datastore.PuppetEntry{
		MatrixID:    string(alice),
		TeamID:      testTeamID,
		SlackUserID: "U1",
		Token:       "xoxp-alice",
	})
	if err != nil {
		t.Fatalf("SetPuppetToken: %v", err)
	}
	content := &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    "hi https://matrix.to/#/" + string(alice),
	}
	if got := env.bridge.Subs.MatrixToSlack(ctx, content, room); got != "hi <@U1>" {
		t.Errorf("MatrixToSlack = %q, want %q", got, "hi <@U1>")
	}
}
