// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/aiku/mautrix-slack/pkg/connector/matrixfmt"
	"github.com/aiku/mautrix-slack/pkg/connector/slackfmt"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

func isSimpleToken(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}

// ---------------------------------------------------------------------------
// FuzzGhostUserID: ghost ids for plain Slack ids and domains must round-trip,
// and parsing arbitrary user ids must never panic.
// ---------------------------------------------------------------------------

func FuzzGhostUserID(f *testing.F) {
	f.Add("U123ABC", "acme", "@slack_acme_U1:example.com")
	f.Add("W42", "BigCorp", "@alice:example.com")
	f.Add("", "", "")
	f.Add("U1", "acme", "@slack_:example.com")
	f.Add("U1", "acme", "@slack_acme_:example.com")
	f.Add("U1", "acme", "slack_acme_U1")
	f.Add(string([]byte{0x00}), ":", "@slack_a_b:other.org")

	f.Fuzz(func(t *testing.T, slackUserID, teamDomain, raw string) {
		const prefix, server = "slack_", "example.com"

		// Arbitrary input must not panic and must agree with IsGhostUserID.
		_, _, ok := ParseGhostUserID(id.UserID(raw), prefix, server)
		if ok != IsGhostUserID(id.UserID(raw), prefix, server) {
			t.Errorf("ParseGhostUserID and IsGhostUserID disagree for %q", raw)
		}

		if !isSimpleToken(slackUserID) || !isSimpleToken(teamDomain) {
			return
		}
		userID := DeriveGhostUserID(prefix, slackUserID, teamDomain, server)
		domain, user, ok := ParseGhostUserID(userID, prefix, server)
		if !ok {
			t.Fatalf("ghost %s does not parse back", userID)
		}
		if domain != strings.ToLower(teamDomain) || user != strings.ToUpper(slackUserID) {
			t.Errorf("round trip of %s gave domain=%q user=%q", userID, domain, user)
		}
	})
}

// ---------------------------------------------------------------------------
// FuzzReactionEmoji: reaction conversion is total in the Slack direction and
// a converted key always maps to a non-empty Slack name.
// ---------------------------------------------------------------------------

func FuzzReactionEmoji(f *testing.F) {
	f.Add("thumbsup")
	f.Add("+1::skin-tone-3")
	f.Add("not_an_emoji")
	f.Add("👍")
	f.Add("❤️")
	f.Add(":custom:")
	f.Add("::")
	f.Add("")
	f.Add(string([]byte{0x00}))

	f.Fuzz(func(t *testing.T, input string) {
		if reactionToEmoji(input) == "" {
			t.Errorf("reactionToEmoji(%q) returned an empty string", input)
		}
		if name, ok := emojiToReaction(input); ok && name == "" {
			t.Errorf("emojiToReaction(%q) reported ok with an empty name", input)
		}
		_ = expandShortcodes(input)
	})
}

// ---------------------------------------------------------------------------
// FuzzParseSlackEvent: arbitrary JSON must not panic the event header parser,
// and a parsed event always carries a type.
// ---------------------------------------------------------------------------

func FuzzParseSlackEvent(f *testing.F) {
	f.Add(`{"type":"message","channel":"C1","user":"U1","text":"hi","ts":"1.2"}`)
	f.Add(`{"type":"channel_rename","channel":{"id":"C1","name":"new"}}`)
	f.Add(`{"type":"reaction_added","item":{"channel":"C1","ts":"1.2"}}`)
	f.Add(`{"type":"message","channel":42}`)
	f.Add(`{"type":"","channel":"C1"}`)
	f.Add(`{"channel":null,"item":null}`)
	f.Add(`[]`)
	f.Add(`null`)
	f.Add(``)

	f.Fuzz(func(t *testing.T, raw string) {
		evt, err := ParseSlackEvent(json.RawMessage(raw))
		if err != nil {
			return
		}
		if evt.Type == "" {
			t.Errorf("parsed event without a type from %q", raw)
		}
		_ = ParseSlackTS(raw)
	})
}

// ---------------------------------------------------------------------------
// FuzzFormatDisplayname: the template never leaves a ghost without a name
// when the user has one.
// ---------------------------------------------------------------------------

func FuzzFormatDisplayname(f *testing.F) {
	f.Add("alice", "Ally", "Alice A", "{{.DisplayName}} (Slack)")
	f.Add("bob", "", "", "{{or .DisplayName .RealName .Name}}")
	f.Add("", "", "", "")
	f.Add("carol", "", "", "{{.Missing}}")
	f.Add("dave", "", "", "{{.Bad")
	f.Add(string([]byte{0x00}), "nick", "real", "{{.Name}}")

	f.Fuzz(func(t *testing.T, name, displayName, realName, tmpl string) {
		cfg := testConfig()
		cfg.Bridge.DisplaynameTemplate = tmpl
		// A template that does not parse leaves the fallback in place.
		_ = cfg.PostProcess()

		got := cfg.Bridge.FormatDisplayname(DisplaynameParams{Name: name, DisplayName: displayName, RealName: realName})
		if got == "" && (name != "" || displayName != "") {
			t.Errorf("empty displayname for name=%q displayName=%q tmpl=%q", name, displayName, tmpl)
		}
	})
}

// ---------------------------------------------------------------------------
// FuzzMatrixFmtParse: Matrix HTML to Slack mrkdwn. Must never panic and must
// be deterministic; plain bodies only get Slack escaping.
// ---------------------------------------------------------------------------

func FuzzMatrixFmtParse(f *testing.F) {
	f.Add("hello world", "")
	f.Add("", "")
	f.Add("bold text", "<strong>bold</strong> text")
	f.Add("code", "<pre><code class=\"language-go\">x := 1</code></pre>")
	f.Add("link", `<a href="https://example.com">link</a>`)
	f.Add("pill", `<a href="https://matrix.to/#/@alice:example.com">Alice</a>`)
	f.Add("reply", "<mx-reply><blockquote>old</blockquote></mx-reply>new")
	f.Add("list", `<ol start="3"><li>three</li><li>four</li></ol>`)
	f.Add("xss", `<a href="javascript:alert(1)">click</a>`)
	f.Add("xss", `<script>alert(1)</script>`)
	f.Add("nested", strings.Repeat("<blockquote>", 50)+"deep"+strings.Repeat("</blockquote>", 50))
	f.Add("malformed", "<strong>no close <a href=\"x")
	f.Add("held", "\x000\x00<code>\x001\x00</code>")
	f.Add("control", "<b>&lt;@U1&gt;</b> <!channel>")

	resolve := func(target string) (string, bool) {
		if target == "@alice:example.com" {
			return "<@U1>", true
		}
		return "", false
	}

	f.Fuzz(func(t *testing.T, body, formattedBody string) {
		content := &event.MessageEventContent{
			MsgType:       event.MsgText,
			Body:          body,
			Format:        event.FormatHTML,
			FormattedBody: formattedBody,
		}
		result := matrixfmt.Parse(content, resolve)
		if again := matrixfmt.Parse(content, resolve); again != result {
			t.Errorf("non-deterministic: %q then %q for %q", result, again, formattedBody)
		}

		plain := &event.MessageEventContent{MsgType: event.MsgText, Body: body}
		if got := matrixfmt.Parse(plain, nil); got != matrixfmt.EscapeText(body) {
			t.Errorf("plain body %q converted to %q", body, got)
		}
		if got := matrixfmt.Parse(nil, resolve); got != "" {
			t.Errorf("nil content gave %q", got)
		}
	})
}

// ---------------------------------------------------------------------------
// FuzzSlackFmtParse: Slack mrkdwn to Matrix HTML. Must never panic, keeps the
// original text as body, and never emits a script link.
// ---------------------------------------------------------------------------

func FuzzSlackFmtParse(f *testing.F) {
	f.Add("hello world")
	f.Add("")
	f.Add("*bold* _italic_ ~strike~")
	f.Add("`code` and ```\nblock\n```")
	f.Add("[link](https://example.com)")
	f.Add("[click](javascript:alert(1))")
	f.Add("[click](JAVASCRIPT:alert(1))")
	f.Add("[click](  javascript:alert(1))")
	f.Add("> quoted\n> twice\n• item\n- item")
	f.Add("snake_case_name and *not bold")
	f.Add("\x00CODE0\x00 \x00LINK7\x00")
	f.Add(strings.Repeat("*a* ", 200))
	f.Add(strings.Repeat("> ", 50) + "deep")
	f.Add("<script>alert(1)</script>")

	f.Fuzz(func(t *testing.T, text string) {
		parsed := slackfmt.Parse(text)
		if parsed == nil {
			t.Fatal("Parse returned nil")
		}
		if parsed.Body != text {
			t.Errorf("body changed: %q -> %q", text, parsed.Body)
		}
		if parsed.FormattedBody != "" && parsed.Format != event.FormatHTML {
			t.Errorf("formatted body without HTML format for %q", text)
		}
		lower := strings.ToLower(parsed.FormattedBody)
		if strings.Contains(lower, `href="javascript:`) || strings.Contains(lower, "<script") {
			t.Errorf("unsafe output for %q: %q", text, parsed.FormattedBody)
		}
	})
}
