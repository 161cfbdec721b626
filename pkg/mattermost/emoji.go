// Copyright 2024-2026 Aiku AI

package mattermost

import "fmt"

var emojiByName = map[string]string{
	"+1":               "\U0001f44d",
	"-1":               "\U0001f44e",
	"heart":            "\u2764\ufe0f",
	"smile":            "\U0001f604",
	"laughing":         "\U0001f606",
	"thumbsup":         "\U0001f44d",
	"thumbsdown":       "\U0001f44e",
	"wave":             "\U0001f44b",
	"clap":             "\U0001f44f",
	"fire":             "\U0001f525",
	"100":              "\U0001f4af",
	"tada":             "\U0001f389",
	"eyes":             "\U0001f440",
	"thinking":         "\U0001f914",
	"white_check_mark": "\u2705",
	"x":                "\u274c",
	"warning":          "\u26a0\ufe0f",
	"rocket":           "\U0001f680",
	"star":             "\u2b50",
	"pray":             "\U0001f64f",
}

var nameByEmoji = map[string]string{
	"\U0001f44d":   "+1",
	"\U0001f44e":   "-1",
	"\u2764\ufe0f": "heart",
	"\U0001f604":   "smile",
	"\U0001f606":   "laughing",
	"\U0001f44b":   "wave",
	"\U0001f44f":   "clap",
	"\U0001f525":   "fire",
	"\U0001f4af":   "100",
	"\U0001f389":   "tada",
	"\U0001f440":   "eyes",
	"\U0001f914":   "thinking",
	"\u2705":       "white_check_mark",
	"\u274c":       "x",
	"\u26a0\ufe0f": "warning",
	"\U0001f680":   "rocket",
	"\u2b50":       "star",
	"\U0001f64f":   "pray",
}

// reactionToEmoji converts a Mattermost emoji name to a Unicode emoji.
// Unknown names are returned in :name: form.
func reactionToEmoji(name string) string {
	if emoji, ok := emojiByName[name]; ok {
		return emoji
	}
	return fmt.Sprintf(":%s:", name)
}

// emojiToReaction converts a Unicode emoji back to a Mattermost emoji name.
func emojiToReaction(emoji string) string {
	if name, ok := nameByEmoji[emoji]; ok {
		return name
	}
	// Strip colons for custom emoji names.
	if len(emoji) > 2 && emoji[0] == ':' && emoji[len(emoji)-1] == ':' {
		return emoji[1 : len(emoji)-1]
	}
	return emoji
}
