// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/aiku/mautrix-slack/pkg/connector/matrixfmt"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

var (
	slackBroadcastRe = regexp.MustCompile(`<!(channel|here|everyone)(?:\|[^>]*)?>`)
	slackSpecialRe   = regexp.MustCompile(`<!([^>|]+)(?:\|([^>]*))?>`)
	slackUserRe      = regexp.MustCompile(`<@([UWB][A-Z0-9]+)(?:\|([^>]*))?>`)
	slackChannelRe   = regexp.MustCompile(`<#(C[A-Z0-9]+|G[A-Z0-9]+)(?:\|([^>]*))?>`)
	slackLinkRe      = regexp.MustCompile(`<((?:https?|mailto|tel):[^|>]+)(?:\|([^>]*))?>`)

	matrixToLinkRe = regexp.MustCompile(`https://matrix\.to/#/([@!#][^\s>)|]+)`)
	atRoomRe       = regexp.MustCompile(`(^|\s)@room\b`)
)

var slackEntityReplacer = strings.NewReplacer("&lt;", "<", "&gt;", ">", "&amp;", "&")

// Substitutions transforms message text between the two protocols.
type Substitutions struct {
	bridge *Bridge
}

// SlackToMatrix rewrites Slack message text into markdown suitable for
// slackfmt. Users with a ghost become matrix.to mention links; everyone else
// becomes their plain name.
func (s *Substitutions) SlackToMatrix(ctx context.Context, text, teamID string) string {
	if text == "" {
		return ""
	}
	log := zerolog.Ctx(ctx)

	text = slackBroadcastRe.ReplaceAllString(text, "@room")

	text = slackUserRe.ReplaceAllStringFunc(text, func(m string) string {
		parts := slackUserRe.FindStringSubmatch(m)
		slackID, label := parts[1], parts[2]
		return s.userMention(ctx, teamID, slackID, label)
	})

	text = slackChannelRe.ReplaceAllStringFunc(text, func(m string) string {
		parts := slackChannelRe.FindStringSubmatch(m)
		channelID, name := parts[1], parts[2]
		if room := s.bridge.Rooms.GetBySlackChannelID(channelID); room != nil {
			if name == "" {
				name = room.SlackChannelName()
			}
			if name == "" {
				name = channelID
			}
			return "[#" + name + "](https://matrix.to/#/" + string(room.MatrixRoomID()) + ")"
		}
		if name == "" {
			if client, err := s.bridge.Clients.GetTeamClient(ctx, teamID); err == nil {
				if info, err := client.ConversationInfo(ctx, channelID); err == nil {
					name = info.Name
				} else {
					log.Debug().Err(err).Str("channel_id", channelID).Msg("Failed to look up referenced channel")
				}
			}
		}
		if name == "" {
			return "#" + channelID
		}
		return "#" + name
	})

	text = slackSpecialRe.ReplaceAllStringFunc(text, func(m string) string {
		parts := slackSpecialRe.FindStringSubmatch(m)
		if parts[2] != "" {
			return parts[2]
		}
		return "@" + strings.SplitN(parts[1], "^", 2)[0]
	})

	text = slackLinkRe.ReplaceAllStringFunc(text, func(m string) string {
		parts := slackLinkRe.FindStringSubmatch(m)
		href, label := parts[1], parts[2]
		if label == "" || label == href || strings.TrimPrefix(href, "mailto:") == label {
			return strings.TrimPrefix(href, "mailto:")
		}
		return "[" + label + "](" + href + ")"
	})

	text = slackEntityReplacer.Replace(text)
	return expandShortcodes(text)
}

func (s *Substitutions) userMention(ctx context.Context, teamID, slackID, label string) string {
	domain, err := s.bridge.Ghosts.TeamDomain(ctx, teamID)
	if err == nil && domain != "" {
		ghost, err := s.bridge.Ghosts.GetExisting(ctx, s.bridge.Ghosts.DeriveUserID(slackID, domain))
		if err == nil && ghost != nil {
			name := ghost.DisplayName()
			if name == "" {
				name = label
			}
			if name == "" {
				name = slackID
			}
			return "[" + name + "](" + MatrixToURL(ghost.UserID()) + ")"
		}
	}
	if label != "" {
		return label
	}
	if profile, err := s.bridge.Ghosts.LookupProfile(ctx, teamID, slackID); err == nil {
		return profile.BestName()
	}
	return slackID
}

// MatrixToSlack renders Matrix content as Slack text for a room. Pills and
// matrix.to links become Slack mentions, @room becomes <!channel> and plain
// @name mentions of ghosts in the room are resolved on a best-effort basis.
func (s *Substitutions) MatrixToSlack(ctx context.Context, content *event.MessageEventContent, room Room) string {
	resolve := func(target string) (string, bool) {
		return s.resolvePill(ctx, target, room)
	}
	text := matrixfmt.Parse(content, resolve)

	text = matrixToLinkRe.ReplaceAllStringFunc(text, func(m string) string {
		target := matrixToLinkRe.FindStringSubmatch(m)[1]
		if mention, ok := resolve(target); ok {
			return mention
		}
		return m
	})
	text = atRoomRe.ReplaceAllString(text, "$1<!channel>")

	if strings.Contains(text, "@") {
		text = substituteNameMentions(text, s.roomNameCandidates(ctx, room))
	}
	return text
}

func (s *Substitutions) resolvePill(ctx context.Context, target string, room Room) (string, bool) {
	switch {
	case strings.HasPrefix(target, "@"):
		userID := id.UserID(target)
		if _, slackID, ok := ParseGhostUserID(userID, s.bridge.Config.Bridge.UsernamePrefix, s.bridge.Matrix.ServerName()); ok {
			return "<@" + slackID + ">", true
		}
		puppets, err := s.bridge.DB.GetPuppetsByMatrixID(ctx, target)
		if err != nil {
			return "", false
		}
		for _, p := range puppets {
			if p.TeamID == room.SlackTeamID() {
				return "<@" + p.SlackUserID + ">", true
			}
		}
	case strings.HasPrefix(target, "!"):
		if other := s.bridge.Rooms.GetByMatrixRoomID(id.RoomID(target)); other != nil && other.SlackChannelID() != "" {
			return "<#" + other.SlackChannelID() + ">", true
		}
	}
	return "", false
}

type nameCandidate struct {
	Name    string
	SlackID string
}

func (s *Substitutions) roomNameCandidates(ctx context.Context, room Room) []nameCandidate {
	members, err := s.bridge.Matrix.Bot().JoinedMembers(ctx, room.MatrixRoomID())
	if err != nil {
		zerolog.Ctx(ctx).Debug().Err(err).Msg("Failed to list room members for mention matching")
		return nil
	}
	prefix := s.bridge.Config.Bridge.UsernamePrefix
	server := s.bridge.Matrix.ServerName()
	var out []nameCandidate
	for _, member := range members {
		_, slackID, ok := ParseGhostUserID(member, prefix, server)
		if !ok {
			continue
		}
		ghost, err := s.bridge.Ghosts.GetExisting(ctx, member)
		if err != nil || ghost == nil || ghost.DisplayName() == "" {
			continue
		}
		out = append(out, nameCandidate{Name: ghost.DisplayName(), SlackID: slackID})
	}
	return out
}

// substituteNameMentions replaces "@Full Name" with a Slack mention when the
// name belongs to exactly one candidate. Candidates are indexed by their
// first word and the longest matching name wins; a match shared by two
// different users is left untouched.
func substituteNameMentions(text string, candidates []nameCandidate) string {
	if len(candidates) == 0 {
		return text
	}
	index := make(map[string][]nameCandidate)
	for _, c := range candidates {
		first := strings.ToLower(strings.Fields(c.Name + " ")[0])
		index[first] = append(index[first], c)
	}
	for _, list := range index {
		sort.SliceStable(list, func(i, j int) bool { return len(list[i].Name) > len(list[j].Name) })
	}

	var out strings.Builder
	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		if runes[i] != '@' || (i > 0 && !unicode.IsSpace(runes[i-1]) && runes[i-1] != '(') {
			out.WriteRune(runes[i])
			continue
		}
		rest := string(runes[i+1:])
		word := firstWord(rest)
		matched, consumed := matchCandidate(rest, index[strings.ToLower(word)])
		if matched == "" {
			out.WriteRune(runes[i])
			continue
		}
		out.WriteString("<@" + matched + ">")
		i += len([]rune(rest[:consumed]))
	}
	return out.String()
}

// matchCandidate returns the Slack id of the unique longest candidate whose
// name prefixes rest on a word boundary, and the byte length of rest the
// name covers.
func matchCandidate(rest string, list []nameCandidate) (string, int) {
	for i := 0; i < len(list); i++ {
		n, ok := foldPrefix(rest, list[i].Name)
		if !ok || !wordBoundaryAt(rest, n) {
			continue
		}
		for j := i + 1; j < len(list) && len(list[j].Name) == len(list[i].Name); j++ {
			if strings.EqualFold(list[j].Name, list[i].Name) && list[j].SlackID != list[i].SlackID {
				return "", 0
			}
		}
		return list[i].SlackID, n
	}
	return "", 0
}

// foldPrefix reports whether s starts with prefix under Unicode case folding
// and returns the byte length of the matching part of s.
func foldPrefix(s, prefix string) (int, bool) {
	n := 0
	for _, want := range prefix {
		got, size := utf8.DecodeRuneInString(s[n:])
		if size == 0 || !strings.EqualFold(string(got), string(want)) {
			return 0, false
		}
		n += size
	}
	return n, true
}

func firstWord(s string) string {
	end := strings.IndexFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsPunct(r) && r != '-' && r != '.' && r != '\''
	})
	if end < 0 {
		return s
	}
	return s[:end]
}

func wordBoundaryAt(s string, idx int) bool {
	if idx >= len(s) {
		return true
	}
	r := []rune(s[idx:])[0]
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}

// Diff is the word-aligned difference between two message bodies.
type Diff struct {
	Before string
	Prev   string
	Curr   string
	After  string
}

// MakeDiff finds the changed middle of two texts. The common prefix and
// suffix are trimmed back to whitespace so Before and After never end or
// start inside a word.
func MakeDiff(prev, curr string) Diff {
	a, b := []rune(prev), []rune(curr)
	limit := min(len(a), len(b))

	p := 0
	for p < limit && a[p] == b[p] {
		p++
	}
	if p < len(a) || p < len(b) {
		for p > 0 && !unicode.IsSpace(a[p-1]) {
			p--
		}
	}

	q := 0
	for q < limit-p && a[len(a)-1-q] == b[len(b)-1-q] {
		q++
	}
	if p+q < len(a) || p+q < len(b) {
		for q > 0 && !unicode.IsSpace(a[len(a)-q]) {
			q--
		}
	}

	return Diff{
		Before: string(a[:p]),
		Prev:   string(a[p : len(a)-q]),
		Curr:   string(b[p : len(b)-q]),
		After:  string(a[len(a)-q:]),
	}
}

// EditFallback renders the "(edited) old ⇒ new" text shown by clients that
// do not understand edits. One word of context is kept on each side.
func (d Diff) EditFallback() string {
	var before, after string
	if fields := strings.Fields(d.Before); len(fields) > 0 {
		before = fields[len(fields)-1]
	}
	if fields := strings.Fields(d.After); len(fields) > 0 {
		after = fields[0]
	}
	join := func(parts ...string) string {
		var out []string
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return strings.Join(out, " ")
	}
	return "(edited) " + join(before, d.Prev, after) + " ⇒ " + join(before, d.Curr, after)
}
