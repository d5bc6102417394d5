// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package matrixfmt converts Matrix HTML to Slack mrkdwn.
package matrixfmt

import (
	"html"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"maunium.net/go/mautrix/event"
)

// PillResolver maps the target of a matrix.to link (a user id, room id or
// room alias) to Slack mention syntax such as "<@U123>" or "<#C123>". ok is
// false when the target is not known to the bridge.
type PillResolver func(target string) (mention string, ok bool)

var (
	replyRe      = regexp.MustCompile(`(?s)<mx-reply>.*?</mx-reply>`)
	strongRe     = regexp.MustCompile(`(?s)<(?:strong|b)>(.*?)</(?:strong|b)>`)
	emRe         = regexp.MustCompile(`(?s)<(?:em|i)>(.*?)</(?:em|i)>`)
	delRe        = regexp.MustCompile(`(?s)<(?:del|s|strike)>(.*?)</(?:del|s|strike)>`)
	codeRe       = regexp.MustCompile(`(?s)<code[^>]*>(.*?)</code>`)
	preRe        = regexp.MustCompile(`(?s)<pre[^>]*>(?:<code[^>]*>)?(.*?)(?:</code>)?</pre>`)
	linkRe       = regexp.MustCompile(`(?s)<a href="([^"]+)"[^>]*>(.*?)</a>`)
	brRe         = regexp.MustCompile(`<br\s*/?>`)
	blockquoteRe = regexp.MustCompile(`(?s)<blockquote>(.*?)</blockquote>`)
	headingRe    = regexp.MustCompile(`(?s)<h[1-6]>(.*?)</h[1-6]>`)
	ulRe         = regexp.MustCompile(`(?s)<ul>(.*?)</ul>`)
	olRe         = regexp.MustCompile(`(?s)<ol(?:\s+start="(\d+)")?>(.*?)</ol>`)
	liRe         = regexp.MustCompile(`(?s)<li>(.*?)</li>`)
	pRe          = regexp.MustCompile(`(?s)<p>(.*?)</p>`)
	tagRe        = regexp.MustCompile(`<[^>]+>`)
	held         = regexp.MustCompile("\x00(\\d+)\x00")
	blankLinesRe = regexp.MustCompile(`\n{3,}`)
)

const matrixToPrefix = "https://matrix.to/#/"

// Parse converts Matrix message content to Slack mrkdwn. resolve may be nil.
func Parse(content *event.MessageEventContent, resolve PillResolver) string {
	if content == nil {
		return ""
	}
	if content.Format != event.FormatHTML || content.FormattedBody == "" {
		return EscapeText(content.Body)
	}

	// Slack control sequences produced here are held aside so that escaping
	// the user text afterwards leaves them intact.
	var stash []string
	hold := func(s string) string {
		stash = append(stash, s)
		return "\x00" + strconv.Itoa(len(stash)-1) + "\x00"
	}

	text := replyRe.ReplaceAllString(strings.ReplaceAll(content.FormattedBody, "\x00", ""), "")

	// Code blocks lose their language annotation; Slack cannot render it.
	text = preRe.ReplaceAllStringFunc(text, func(m string) string {
		inner := preRe.FindStringSubmatch(m)[1]
		inner = strings.TrimSuffix(html.UnescapeString(inner), "\n")
		return hold("```\n" + EscapeText(inner) + "\n```")
	})
	text = codeRe.ReplaceAllStringFunc(text, func(m string) string {
		inner := codeRe.FindStringSubmatch(m)[1]
		return hold("`" + EscapeText(html.UnescapeString(inner)) + "`")
	})

	text = linkRe.ReplaceAllStringFunc(text, func(m string) string {
		parts := linkRe.FindStringSubmatch(m)
		href := html.UnescapeString(parts[1])
		label := html.UnescapeString(tagRe.ReplaceAllString(parts[2], ""))
		if target, ok := matrixToTarget(href); ok {
			if resolve != nil {
				if mention, ok := resolve(target); ok {
					return hold(mention)
				}
			}
			return EscapeText(label)
		}
		if label == "" || label == href || "mailto:"+label == href {
			return hold("<" + href + ">")
		}
		return hold("<" + href + "|" + EscapeText(label) + ">")
	})

	text = strongRe.ReplaceAllString(text, "*$1*")
	text = emRe.ReplaceAllString(text, "_${1}_")
	text = delRe.ReplaceAllString(text, "~$1~")
	text = headingRe.ReplaceAllString(text, "*$1*\n")

	text = blockquoteRe.ReplaceAllStringFunc(text, func(m string) string {
		inner := blockquoteRe.FindStringSubmatch(m)[1]
		inner = brRe.ReplaceAllString(inner, "\n")
		inner = pRe.ReplaceAllString(inner, "$1\n")
		lines := strings.Split(strings.TrimSpace(inner), "\n")
		for i, line := range lines {
			lines[i] = hold(">") + " " + strings.TrimSpace(line)
		}
		return strings.Join(lines, "\n") + "\n"
	})

	text = ulRe.ReplaceAllStringFunc(text, func(m string) string {
		items := liRe.FindAllStringSubmatch(m, -1)
		out := make([]string, 0, len(items))
		for _, item := range items {
			out = append(out, "• "+strings.TrimSpace(item[1]))
		}
		return strings.Join(out, "\n") + "\n"
	})
	text = olRe.ReplaceAllStringFunc(text, func(m string) string {
		parts := olRe.FindStringSubmatch(m)
		start := 1
		if parts[1] != "" {
			start, _ = strconv.Atoi(parts[1])
		}
		items := liRe.FindAllStringSubmatch(parts[2], -1)
		out := make([]string, 0, len(items))
		for i, item := range items {
			out = append(out, strconv.Itoa(start+i)+". "+strings.TrimSpace(item[1]))
		}
		return strings.Join(out, "\n") + "\n"
	})

	text = pRe.ReplaceAllString(text, "$1\n\n")
	text = brRe.ReplaceAllString(text, "\n")
	text = tagRe.ReplaceAllString(text, "")
	text = EscapeText(html.UnescapeString(text))
	text = held.ReplaceAllStringFunc(text, func(m string) string {
		idx, err := strconv.Atoi(held.FindStringSubmatch(m)[1])
		if err != nil || idx >= len(stash) {
			return ""
		}
		return stash[idx]
	})
	text = blankLinesRe.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

// EscapeText escapes the three characters Slack reserves for control
// sequences.
func EscapeText(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}

// matrixToTarget extracts the identifier from a matrix.to permalink.
func matrixToTarget(href string) (string, bool) {
	if !strings.HasPrefix(href, matrixToPrefix) {
		return "", false
	}
	target := strings.TrimPrefix(href, matrixToPrefix)
	if idx := strings.IndexAny(target, "/?"); idx >= 0 {
		target = target[:idx]
	}
	if unescaped, err := url.PathUnescape(target); err == nil {
		target = unescaped
	}
	if target == "" {
		return "", false
	}
	return target, true
}
