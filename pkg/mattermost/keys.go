// Copyright 2024-2026 Aiku AI

package mattermost

import (
	"fmt"
	"strings"

	"github.com/mattermost/mattermost/server/public/model"

	"github.com/aiku/chatmirror/pkg/relay"
)

// ParseKey accepts "<channel id>" or "<channel id>.<root post id>", where
// both parts are 26-character Mattermost ids.
func (c *Client) ParseKey(key string) (relay.ChatID, relay.TopicID, error) {
	return parseKey(key)
}

func parseKey(key string) (relay.ChatID, relay.TopicID, error) {
	chat, topic, err := relay.DottedKeys{}.ParseKey(key)
	if err != nil {
		return "", "", err
	}
	if !model.IsValidId(string(chat)) {
		return "", "", fmt.Errorf("%w: %q is not a channel id", relay.ErrInvalidKey, chat)
	}
	if topic != "" && !model.IsValidId(string(topic)) {
		return "", "", fmt.Errorf("%w: %q is not a post id", relay.ErrInvalidKey, topic)
	}
	return relay.ChatID(strings.ToLower(string(chat))), topic, nil
}
