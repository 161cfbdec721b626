// Copyright 2024-2026 Aiku AI

package matrix

import (
	"fmt"
	"strings"

	"github.com/aiku/chatmirror/pkg/relay"
)

// topicSeparator joins a room id and a thread root event id in keys. Room
// ids may contain dots in their server part, so a plain dot is not enough.
const topicSeparator = ".$"

func trimID(s string) string {
	return strings.TrimSpace(s)
}

// ParseKey accepts "!room:server" or "!room:server.$threadroot".
func (c *Client) ParseKey(key string) (relay.ChatID, relay.TopicID, error) {
	return parseKey(key)
}

func parseKey(key string) (relay.ChatID, relay.TopicID, error) {
	key = trimID(key)
	room, thread := key, ""
	if idx := strings.LastIndex(key, topicSeparator); idx >= 0 {
		room, thread = key[:idx], key[idx+1:]
	}
	if !strings.HasPrefix(room, "!") || !strings.Contains(room, ":") || len(room) < 4 {
		return "", "", fmt.Errorf("%w: %q is not a room id", relay.ErrInvalidKey, room)
	}
	if thread == "$" {
		return "", "", fmt.Errorf("%w: empty thread id in %q", relay.ErrInvalidKey, key)
	}
	return relay.ChatID(room), relay.TopicID(thread), nil
}
