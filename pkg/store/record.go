// Copyright 2024-2026 Aiku AI

package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Record links one source message to its copy in one destination.
type Record struct {
	SourceChatID  string `json:"source_chat_id"`
	SourceMsgID   string `json:"source_msg_id"`
	BackupChatID  string `json:"backup_chat_id"`
	BackupMsgID   string `json:"backup_msg_id"`
	TargetTopicID string `json:"target_topic_id,omitempty"`
	Timestamp     string `json:"timestamp,omitempty"`
}

// Timestamp layouts accepted on read, in order. Naive layouts are
// interpreted in local time.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// CreatedAt parses the record timestamp. The second return value is false
// when the timestamp is missing or unparsable.
func (r Record) CreatedAt() (time.Time, bool) {
	if r.Timestamp == "" {
		return time.Time{}, false
	}
	for i, layout := range timestampLayouts {
		var t time.Time
		var err error
		if i == 0 {
			t, err = time.Parse(layout, r.Timestamp)
		} else {
			t, err = time.ParseInLocation(layout, r.Timestamp, time.Local)
		}
		if err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

type rawRecord struct {
	SourceChatID  json.RawMessage `json:"source_chat_id"`
	SourceMsgID   json.RawMessage `json:"source_msg_id"`
	BackupChatID  json.RawMessage `json:"backup_chat_id"`
	BackupMsgID   json.RawMessage `json:"backup_msg_id"`
	TargetTopicID json.RawMessage `json:"target_topic_id"`
	Timestamp     json.RawMessage `json:"timestamp"`
}

// UnmarshalJSON accepts numeric ids from older stores.
func (r *Record) UnmarshalJSON(data []byte) error {
	var raw rawRecord
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	fields := []struct {
		name string
		raw  json.RawMessage
		dst  *string
	}{
		{"source_chat_id", raw.SourceChatID, &r.SourceChatID},
		{"source_msg_id", raw.SourceMsgID, &r.SourceMsgID},
		{"backup_chat_id", raw.BackupChatID, &r.BackupChatID},
		{"backup_msg_id", raw.BackupMsgID, &r.BackupMsgID},
		{"target_topic_id", raw.TargetTopicID, &r.TargetTopicID},
		{"timestamp", raw.Timestamp, &r.Timestamp},
	}
	for _, f := range fields {
		val, err := scalarString(f.raw)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", f.name, err)
		}
		*f.dst = val
	}
	return nil
}

func scalarString(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	switch raw[0] {
	case '"':
		var s string
		err := json.Unmarshal(raw, &s)
		return s, err
	default:
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return "", err
		}
		if i, err := n.Int64(); err == nil {
			return strconv.FormatInt(i, 10), nil
		}
		return n.String(), nil
	}
}

// recordList decodes both the current list layout and the legacy layout
// where a key held a single record.
type recordList []Record

func (l *recordList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '{' {
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		*l = recordList{rec}
		return nil
	}
	var recs []Record
	if err := json.Unmarshal(data, &recs); err != nil {
		return err
	}
	*l = recs
	return nil
}
