// Copyright 2024-2026 Aiku AI

package relay

import (
	"fmt"
	"strings"
)

// KeyParser validates configuration keys of the form "<chat>" or
// "<chat>.<topic>" for a platform.
type KeyParser interface {
	ParseKey(key string) (ChatID, TopicID, error)
}

// DottedKeys splits keys at the last dot and accepts any non-empty parts.
type DottedKeys struct{}

func (DottedKeys) ParseKey(key string) (ChatID, TopicID, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", "", fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	idx := strings.LastIndexByte(key, '.')
	if idx < 0 {
		return ChatID(key), "", nil
	}
	chat, topic := key[:idx], key[idx+1:]
	if chat == "" || topic == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return ChatID(chat), TopicID(topic), nil
}

// destinationKey identifies one destination queue.
type destinationKey struct {
	Chat  ChatID
	Topic TopicID
}

func (k destinationKey) String() string {
	if k.Topic == "" {
		return string(k.Chat)
	}
	return string(k.Chat) + "." + string(k.Topic)
}
