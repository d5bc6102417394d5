// Copyright 2024-2026 Aiku AI

// Package slackfmt converts Slack mrkdwn to Matrix HTML.
//
// Input is expected to have gone through entity substitution already: user
// and channel references are markdown links and HTML entities are decoded.
package slackfmt

import (
	"html"
	"regexp"
	"strconv"
	"strings"

	"maunium.net/go/mautrix/event"
)

// ParsedMessage holds the result of converting Slack mrkdwn to Matrix format.
type ParsedMessage struct {
	Body          string
	Format        event.Format
	FormattedBody string
}

const (
	boundaryStart = `(^|[\s(\x00])`
	boundaryEnd   = `($|[\s).,!?:;'"\x00])`
)

var (
	boldRe       = regexp.MustCompile(boundaryStart + `\*([^*\s](?:[^*\n]*[^*\s])?)\*` + boundaryEnd)
	italicRe     = regexp.MustCompile(boundaryStart + `_([^_\s](?:[^_\n]*[^_\s])?)_` + boundaryEnd)
	strikeRe     = regexp.MustCompile(boundaryStart + `~([^~\s](?:[^~\n]*[^~\s])?)~` + boundaryEnd)
	codeRe       = regexp.MustCompile("`([^`\n]+)`")
	codeBlockRe  = regexp.MustCompile("(?s)```\n?(.*?)\n?```")
	linkRe       = regexp.MustCompile(`\[([^\]\n]+)\]\(([^)\s]+)\)`)
	blockquoteRe = regexp.MustCompile(`^>\s?(.*)$`)
	bulletRe     = regexp.MustCompile(`^\s*[•◦▪\-]\s+(.+)$`)
	placeholder  = regexp.MustCompile("\x00(CODE|LINK)(\\d+)\x00")
)

// Parse converts a Slack message to Matrix event content. Text without any
// formatting yields a plain body only.
func Parse(text string) *ParsedMessage {
	if text == "" {
		return &ParsedMessage{}
	}

	var stash []string
	hold := func(kind, rendered string) string {
		stash = append(stash, rendered)
		return "\x00" + kind + strconv.Itoa(len(stash)-1) + "\x00"
	}

	// NUL delimits placeholders and never appears in real messages.
	clean := strings.ReplaceAll(text, "\x00", "")
	// Code first so nothing inside it is formatted.
	processed := codeBlockRe.ReplaceAllStringFunc(clean, func(m string) string {
		inner := codeBlockRe.FindStringSubmatch(m)[1]
		return hold("CODE", "<pre><code>"+html.EscapeString(inner)+"</code></pre>")
	})
	processed = codeRe.ReplaceAllStringFunc(processed, func(m string) string {
		inner := codeRe.FindStringSubmatch(m)[1]
		return hold("CODE", "<code>"+html.EscapeString(inner)+"</code>")
	})
	// Links next, so underscores in URLs are never read as italics.
	processed = linkRe.ReplaceAllStringFunc(processed, func(m string) string {
		parts := linkRe.FindStringSubmatch(m)
		label, href := parts[1], parts[2]
		if !safeScheme(href) {
			return hold("LINK", html.EscapeString(label))
		}
		return hold("LINK", `<a href="`+html.EscapeString(href)+`">`+html.EscapeString(label)+`</a>`)
	})

	lines := strings.Split(processed, "\n")
	var result []string
	var listItems []string
	var quoteLines []string

	flushList := func() {
		if len(listItems) > 0 {
			result = append(result, "<ul>"+strings.Join(listItems, "")+"</ul>")
			listItems = nil
		}
	}
	flushQuote := func() {
		if len(quoteLines) > 0 {
			result = append(result, "<blockquote>"+strings.Join(quoteLines, "<br/>")+"</blockquote>")
			quoteLines = nil
		}
	}

	for _, line := range lines {
		if m := blockquoteRe.FindStringSubmatch(line); m != nil {
			flushList()
			quoteLines = append(quoteLines, inline(html.EscapeString(m[1])))
			continue
		}
		if m := bulletRe.FindStringSubmatch(line); m != nil {
			flushQuote()
			listItems = append(listItems, "<li>"+inline(html.EscapeString(m[1]))+"</li>")
			continue
		}
		flushList()
		flushQuote()
		result = append(result, inline(html.EscapeString(line)))
	}
	flushList()
	flushQuote()

	formatted := strings.Join(result, "\n")
	formatted = placeholder.ReplaceAllStringFunc(formatted, func(m string) string {
		idx, err := strconv.Atoi(placeholder.FindStringSubmatch(m)[2])
		if err != nil || idx >= len(stash) {
			return ""
		}
		return stash[idx]
	})
	formatted = strings.ReplaceAll(formatted, "\n", "<br/>")
	formatted = strings.ReplaceAll(formatted, "</blockquote><br/>", "</blockquote>")
	formatted = strings.ReplaceAll(formatted, "</ul><br/>", "</ul>")

	plain := strings.ReplaceAll(html.EscapeString(clean), "\n", "<br/>")
	if formatted == plain {
		return &ParsedMessage{Body: text}
	}
	return &ParsedMessage{
		Body:          text,
		Format:        event.FormatHTML,
		FormattedBody: formatted,
	}
}

// inline applies bold, italic and strikethrough to an escaped line. Each
// pattern runs twice because adjacent spans share a boundary character.
func inline(s string) string {
	for range 2 {
		s = boldRe.ReplaceAllString(s, "$1<strong>$2</strong>$3")
		s = italicRe.ReplaceAllString(s, "$1<em>$2</em>$3")
		s = strikeRe.ReplaceAllString(s, "$1<del>$2</del>$3")
	}
	return s
}

func safeScheme(href string) bool {
	lower := strings.ToLower(strings.TrimSpace(href))
	return strings.HasPrefix(lower, "http://") ||
		strings.HasPrefix(lower, "https://") ||
		strings.HasPrefix(lower, "mailto:")
}
