// Copyright 2024-2026 Aiku AI

// Package store persists the correlation between source messages and their
// mirrored copies.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/chatmirror/pkg/metrics"
)

// FileName is the name of the store file inside the data directory.
const FileName = "message_mapping.json"

// Store is an in-memory correlation table that is written through to a
// single JSON file after every mutation. I/O failures are logged and never
// returned: a failed read starts empty, a failed write keeps the in-memory
// change.
type Store struct {
	path string
	log  zerolog.Logger

	// now is overridable in tests.
	now func() time.Time

	lock    sync.RWMutex
	records map[string][]Record
}

// Key builds the persisted key of a source message.
func Key(sourceChatID, sourceMsgID string) string {
	return sourceChatID + "_" + sourceMsgID
}

// Open loads the store file at path. A missing or unreadable file results in
// an empty store.
func Open(path string, log zerolog.Logger) *Store {
	s := &Store{
		path:    path,
		log:     log.With().Str("component", "store").Logger(),
		now:     time.Now,
		records: make(map[string][]Record),
	}
	s.load()
	return s
}

func (s *Store) load() {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return
	} else if err != nil {
		s.log.Err(err).Str("path", s.path).Msg("Failed to read correlation store, starting empty")
		return
	}
	var raw map[string]recordList
	if err = json.Unmarshal(data, &raw); err != nil {
		s.log.Err(err).Str("path", s.path).Msg("Failed to parse correlation store, starting empty")
		return
	}
	for key, recs := range raw {
		if len(recs) > 0 {
			s.records[key] = recs
		}
	}
	metrics.SetStoreKeys(len(s.records))
	s.log.Info().Int("keys", len(s.records)).Msg("Loaded correlation store")
}

func (s *Store) saveLocked() {
	err := s.writeLocked()
	metrics.IncStoreWrite(err)
	metrics.SetStoreKeys(len(s.records))
	if err != nil {
		s.log.Err(err).Str("path", s.path).Msg("Failed to write correlation store")
	}
}

func (s *Store) writeLocked() error {
	data, err := json.MarshalIndent(s.records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	if err = os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err = os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// Append records a delivered copy. Duplicates are not filtered.
func (s *Store) Append(sourceChatID, sourceMsgID, backupChatID, backupMsgID, targetTopicID string) Record {
	rec := Record{
		SourceChatID:  sourceChatID,
		SourceMsgID:   sourceMsgID,
		BackupChatID:  backupChatID,
		BackupMsgID:   backupMsgID,
		TargetTopicID: targetTopicID,
		Timestamp:     s.now().Format(time.RFC3339Nano),
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	key := Key(sourceChatID, sourceMsgID)
	s.records[key] = append(s.records[key], rec)
	s.saveLocked()
	return rec
}

// Lookup returns a copy of all records of a source message.
func (s *Store) Lookup(sourceChatID, sourceMsgID string) []Record {
	s.lock.RLock()
	defer s.lock.RUnlock()
	recs := s.records[Key(sourceChatID, sourceMsgID)]
	if len(recs) == 0 {
		return nil
	}
	return append([]Record(nil), recs...)
}

// LookupSource finds the record of a mirrored copy.
func (s *Store) LookupSource(backupChatID, backupMsgID string) (Record, bool) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	for _, recs := range s.records {
		for _, rec := range recs {
			if rec.BackupChatID == backupChatID && rec.BackupMsgID == backupMsgID {
				return rec, true
			}
		}
	}
	return Record{}, false
}

// Prune removes records strictly older than retentionDays. Records without a
// parsable timestamp are kept. Keys left empty are dropped. A non-positive
// retention disables pruning. Returns the number of removed records.
func (s *Store) Prune(retentionDays int) int {
	if retentionDays <= 0 {
		return 0
	}
	cutoff := s.now().AddDate(0, 0, -retentionDays)
	s.lock.Lock()
	defer s.lock.Unlock()
	removed := 0
	for key, recs := range s.records {
		kept := recs[:0]
		for _, rec := range recs {
			if ts, ok := rec.CreatedAt(); ok && ts.Before(cutoff) {
				removed++
				continue
			}
			kept = append(kept, rec)
		}
		if len(kept) == 0 {
			delete(s.records, key)
		} else {
			s.records[key] = kept
		}
	}
	if removed > 0 {
		s.saveLocked()
	}
	s.log.Info().
		Int("retention_days", retentionDays).
		Int("removed", removed).
		Int("remaining_keys", len(s.records)).
		Msg("Pruned correlation store")
	return removed
}

// Len returns the number of source keys.
func (s *Store) Len() int {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return len(s.records)
}

// Count returns the total number of records.
func (s *Store) Count() int {
	s.lock.RLock()
	defer s.lock.RUnlock()
	n := 0
	for _, recs := range s.records {
		n += len(recs)
	}
	return n
}
