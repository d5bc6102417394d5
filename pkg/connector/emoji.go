// Copyright 2024-2026 Aiku AI

package connector

import (
	"fmt"
	"regexp"
	"strings"
)

// shortcodeToEmoji maps Slack reaction names to Unicode emoji. Slack skin-tone
// modifiers ("::skin-tone-2") are stripped before lookup.
var shortcodeToEmoji = map[string]string{
	"+1":                    "\U0001f44d",
	"-1":                    "\U0001f44e",
	"thumbsup":              "\U0001f44d",
	"thumbsdown":            "\U0001f44e",
	"heart":                 "\u2764\ufe0f",
	"smile":                 "\U0001f604",
	"smiley":                "\U0001f603",
	"grinning":              "\U0001f600",
	"laughing":              "\U0001f606",
	"joy":                   "\U0001f602",
	"slightly_smiling_face": "\U0001f642",
	"wink":                  "\U0001f609",
	"cry":                   "\U0001f622",
	"sob":                   "\U0001f62d",
	"wave":                  "\U0001f44b",
	"clap":                  "\U0001f44f",
	"raised_hands":          "\U0001f64c",
	"ok_hand":               "\U0001f44c",
	"muscle":                "\U0001f4aa",
	"fire":                  "\U0001f525",
	"100":                   "\U0001f4af",
	"tada":                  "\U0001f389",
	"eyes":                  "\U0001f440",
	"thinking_face":         "\U0001f914",
	"thinking":              "\U0001f914",
	"white_check_mark":      "\u2705",
	"heavy_check_mark":      "\u2714\ufe0f",
	"x":                     "\u274c",
	"warning":               "\u26a0\ufe0f",
	"rocket":                "\U0001f680",
	"star":                  "\u2b50",
	"pray":                  "\U0001f64f",
	"sweat_smile":           "\U0001f605",
	"see_no_evil":           "\U0001f648",
	"party_popper":          "\U0001f389",
	"bulb":                  "\U0001f4a1",
	"memo":                  "\U0001f4dd",
	"rotating_light":        "\U0001f6a8",
	"coffee":                "\u2615",
	"beers":                 "\U0001f37b",
}

// emojiToShortcode is the reverse of shortcodeToEmoji. Aliases resolve to the
// name Slack itself reports for reactions.
var emojiToShortcode = func() map[string]string {
	preferred := map[string]string{
		"\U0001f44d": "+1",
		"\U0001f44e": "-1",
		"\U0001f914": "thinking_face",
		"\U0001f389": "tada",
	}
	out := make(map[string]string, len(shortcodeToEmoji))
	for name, emoji := range shortcodeToEmoji {
		if p, ok := preferred[emoji]; ok {
			out[emoji] = p
			continue
		}
		out[emoji] = name
	}
	return out
}()

var skinToneSuffix = regexp.MustCompile(`::skin-tone-\d$`)

// reactionToEmoji converts a Slack reaction name to a Unicode emoji. Unknown
// names fall back to the colon-wrapped shortcode.
func reactionToEmoji(name string) string {
	name = skinToneSuffix.ReplaceAllString(name, "")
	if emoji, ok := shortcodeToEmoji[name]; ok {
		return emoji
	}
	return fmt.Sprintf(":%s:", name)
}

// emojiToReaction converts a Matrix reaction key to a Slack reaction name.
// ok is false when the key has no Slack equivalent.
func emojiToReaction(key string) (string, bool) {
	if name, ok := emojiToShortcode[key]; ok {
		return name, true
	}
	// Variation selectors are optional on the Matrix side.
	if name, ok := emojiToShortcode[strings.TrimSuffix(key, "\ufe0f")]; ok {
		return name, true
	}
	if name, ok := emojiToShortcode[key+"\ufe0f"]; ok {
		return name, true
	}
	if len(key) > 2 && strings.HasPrefix(key, ":") && strings.HasSuffix(key, ":") {
		if name := strings.Trim(key, ":"); name != "" {
			return name, true
		}
	}
	return "", false
}

var shortcodePattern = regexp.MustCompile(`:([a-z0-9_+\-]+)(?:::skin-tone-\d)?:`)

// expandShortcodes replaces known :shortcode: tokens in text with Unicode emoji.
// Unknown shortcodes stay as written.
func expandShortcodes(text string) string {
	if !strings.Contains(text, ":") {
		return text
	}
	return shortcodePattern.ReplaceAllStringFunc(text, func(m string) string {
		sub := shortcodePattern.FindStringSubmatch(m)
		if emoji, ok := shortcodeToEmoji[sub[1]]; ok {
			return emoji
		}
		return m
	})
}
