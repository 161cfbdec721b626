// Copyright 2024-2026 Aiku AI

// Package backup runs the scheduled maintenance jobs: pruning the
// correlation store and exporting destination conversations.
package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/rs/zerolog"
	"golang.org/x/text/message"

	"github.com/aiku/chatmirror/pkg/config"
	"github.com/aiku/chatmirror/pkg/relay"
	"github.com/aiku/chatmirror/pkg/store"
)

var ErrNoHistory = errors.New("platform does not support history export")

// History is implemented by platforms that can list past messages of a
// conversation and upload files into it.
type History interface {
	History(ctx context.Context, chat relay.ChatID, since time.Time) ([]*relay.Message, error)
	UploadFile(ctx context.Context, chat relay.ChatID, filename string, data []byte, caption string) (relay.MessageID, error)
}

// ChatResolver resolves conversation titles for export file names.
type ChatResolver interface {
	ResolveChat(ctx context.Context, id relay.ChatID) (*relay.ChatInfo, error)
}

// Line is one exported message. Messages that are mirrored copies carry the
// ids of their source.
type Line struct {
	ID           string `json:"id"`
	Date         string `json:"date"`
	SenderID     string `json:"sender_id"`
	Text         string `json:"text"`
	ReplyTo      string `json:"reply_to,omitempty"`
	Media        string `json:"media,omitempty"`
	SourceChatID string `json:"source_chat_id,omitempty"`
	SourceMsgID  string `json:"source_msg_id,omitempty"`
}

// Jobs holds the dependencies of the maintenance jobs.
type Jobs struct {
	History History
	Chats   ChatResolver
	Store   *store.Store
	// Destinations returns the conversations to export.
	Destinations func() []relay.ChatID

	ExportDir     string
	TempDir       string
	RetentionDays int
	Location      *time.Location
	Printer       *message.Printer

	// Now is overridable in tests.
	Now func() time.Time
}

func (j *Jobs) now() time.Time {
	if j.Now != nil {
		return j.Now()
	}
	return time.Now()
}

// safeTitle keeps letters, digits, spaces, dashes and underscores.
func safeTitle(title string) string {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ' ' || r == '-' || r == '_' {
			return r
		}
		return -1
	}, title)
	return strings.TrimSpace(cleaned)
}

func (j *Jobs) title(ctx context.Context, chat relay.ChatID) string {
	if j.Chats != nil {
		info, err := j.Chats.ResolveChat(ctx, chat)
		if err == nil && info.Title != "" {
			if title := safeTitle(info.Title); title != "" {
				return title
			}
		}
	}
	return safeTitle(string(chat))
}

func (j *Jobs) line(chat relay.ChatID, msg *relay.Message) Line {
	l := Line{
		ID:       string(msg.ID),
		Date:     msg.Date.UTC().Format(time.RFC3339),
		SenderID: msg.SenderID,
		Text:     msg.Text,
		ReplyTo:  string(msg.ReplyTo),
	}
	if msg.Media != nil {
		l.Media = msg.Media.Kind.String()
	}
	if j.Store != nil {
		if rec, ok := j.Store.LookupSource(string(chat), string(msg.ID)); ok {
			l.SourceChatID = rec.SourceChatID
			l.SourceMsgID = rec.SourceMsgID
		}
	}
	return l
}

// Export writes the messages of chat since the given time to a JSON-lines
// file "<title>_<date><suffix>.bak" in dir. It returns an empty path when
// there was nothing to export.
func (j *Jobs) Export(ctx context.Context, chat relay.ChatID, since time.Time, dir, suffix string) (string, error) {
	if j.History == nil {
		return "", ErrNoHistory
	}
	msgs, err := j.History.History(ctx, chat, since)
	if err != nil {
		return "", fmt.Errorf("failed to fetch history of %s: %w", chat, err)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	count := 0
	for _, msg := range msgs {
		if msg.Text == "" && msg.Media == nil {
			continue
		}
		if err = enc.Encode(j.line(chat, msg)); err != nil {
			return "", fmt.Errorf("failed to encode message %s: %w", msg.ID, err)
		}
		count++
	}
	if count == 0 {
		return "", nil
	}

	date := j.now().In(j.location()).Format(time.DateOnly)
	name := fmt.Sprintf("%s_%s%s.bak", j.title(ctx, chat), date, suffix)
	if err = os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create export directory: %w", err)
	}
	path := filepath.Join(dir, name)
	if err = os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("failed to write export: %w", err)
	}
	zerolog.Ctx(ctx).Info().
		Str("chat_id", string(chat)).
		Str("path", path).
		Int("messages", count).
		Msg("Exported conversation")
	return path, nil
}

func (j *Jobs) location() *time.Location {
	if j.Location == nil {
		return time.UTC
	}
	return j.Location
}

// RunDaily exports the last 24 hours of every destination to ExportDir.
// A failing destination does not stop the others.
func (j *Jobs) RunDaily(ctx context.Context) error {
	if j.History == nil {
		zerolog.Ctx(ctx).Warn().Msg("Platform has no history API, skipping daily export")
		return nil
	}
	since := j.now().Add(-24 * time.Hour)
	var errs []error
	for _, dest := range j.Destinations() {
		if _, err := j.Export(ctx, dest, since, j.ExportDir, "_daily"); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RunWeekly exports the last 7 days of every destination, uploads the file
// into the destination and removes it locally.
func (j *Jobs) RunWeekly(ctx context.Context) error {
	log := zerolog.Ctx(ctx)
	if j.History == nil {
		log.Warn().Msg("Platform has no history API, skipping weekly export")
		return nil
	}
	now := j.now()
	since := now.Add(-7 * 24 * time.Hour)
	caption := relay.BackupCaption(j.Printer, now.In(j.location()).Format(time.DateOnly))
	var errs []error
	for _, dest := range j.Destinations() {
		path, err := j.Export(ctx, dest, since, j.TempDir, "_weekly")
		if err != nil {
			errs = append(errs, err)
			continue
		} else if path == "" {
			continue
		}
		if err = j.upload(ctx, dest, path, caption); err != nil {
			errs = append(errs, err)
		}
		if err = os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn().Err(err).Str("path", path).Msg("Failed to remove weekly export")
		}
	}
	return errors.Join(errs...)
}

func (j *Jobs) upload(ctx context.Context, dest relay.ChatID, path, caption string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read export: %w", err)
	}
	if _, err = j.History.UploadFile(ctx, dest, filepath.Base(path), data, caption); err != nil {
		return fmt.Errorf("failed to upload export to %s: %w", dest, err)
	}
	return nil
}

// RunPrune drops correlation records older than the retention period.
func (j *Jobs) RunPrune(ctx context.Context) error {
	j.Store.Prune(j.RetentionDays)
	return nil
}

// Setup registers the jobs enabled in settings on s. Invalid schedule
// entries are logged and skipped.
func Setup(s *Scheduler, j *Jobs, settings config.Settings, log zerolog.Logger) {
	loc := j.location()
	if j.RetentionDays > 0 {
		sched := Schedule{Hour: 3, Location: loc}
		s.Add("prune", sched, j.RunPrune)
	}
	bs := settings.BackupSchedule
	if bs.DailyTime != "" {
		sched, err := Daily(bs.DailyTime, loc)
		if err != nil {
			log.Err(err).Msg("Invalid daily backup time, daily export disabled")
		} else {
			s.Add("daily_export", sched, j.RunDaily)
		}
	}
	if bs.WeeklyTime != "" {
		sched, err := Weekly(bs.WeeklyDay, bs.WeeklyTime, loc)
		if err != nil {
			log.Err(err).Msg("Invalid weekly backup schedule, weekly export disabled")
		} else {
			s.Add("weekly_export", sched, j.RunWeekly)
		}
	}
}
