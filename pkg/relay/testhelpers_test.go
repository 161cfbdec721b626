// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/chatmirror/pkg/config"
	"github.com/aiku/chatmirror/pkg/store"
)

// platformCall records one call made against fakePlatform.
type platformCall struct {
	Op       string
	Chat     ChatID
	Msg      MessageID
	Body     string
	Media    []Media
	Captions []string
	Opts     SendOptions
}

// fakePlatform is an in-memory Platform that records calls and keeps the
// text of every message it created.
type fakePlatform struct {
	mu     sync.Mutex
	nextID int
	calls  []platformCall
	texts  map[MessageID]string

	// Senders maps sender id to the resolved sender.
	Senders map[string]*Sender
	// SendDelay is slept inside every send to widen race windows.
	SendDelay time.Duration
	// FailEdits makes EditText return an error.
	FailEdits bool
	// FailSends is the number of upcoming sends that fail.
	FailSends int
	// ShortAlbums makes SendMediaGroup return one id less than requested.
	ShortAlbums bool
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		texts:   make(map[MessageID]string),
		Senders: make(map[string]*Sender),
	}
}

var errSendFailed = errors.New("send failed")

func (f *fakePlatform) record(c platformCall) {
	f.calls = append(f.calls, c)
}

func (f *fakePlatform) newID() MessageID {
	f.nextID++
	return MessageID(fmt.Sprintf("m%d", f.nextID))
}

func (f *fakePlatform) failSend() bool {
	if f.FailSends > 0 {
		f.FailSends--
		return true
	}
	return false
}

func (f *fakePlatform) SendText(_ context.Context, dest ChatID, body string, opts SendOptions) (MessageID, error) {
	if f.SendDelay > 0 {
		time.Sleep(f.SendDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSend() {
		f.record(platformCall{Op: "send_text_failed", Chat: dest, Body: body, Opts: opts})
		return "", errSendFailed
	}
	id := f.newID()
	f.texts[id] = body
	f.record(platformCall{Op: "send_text", Chat: dest, Msg: id, Body: body, Opts: opts})
	return id, nil
}

func (f *fakePlatform) SendMedia(_ context.Context, dest ChatID, media Media, caption string, opts SendOptions) (MessageID, error) {
	if f.SendDelay > 0 {
		time.Sleep(f.SendDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSend() {
		return "", errSendFailed
	}
	id := f.newID()
	f.texts[id] = caption
	f.record(platformCall{Op: "send_media", Chat: dest, Msg: id, Body: caption, Media: []Media{media}, Opts: opts})
	return id, nil
}

func (f *fakePlatform) SendMediaGroup(_ context.Context, dest ChatID, media []Media, captions []string, opts SendOptions) ([]MessageID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSend() {
		return nil, errSendFailed
	}
	n := len(media)
	if f.ShortAlbums {
		n--
	}
	ids := make([]MessageID, 0, n)
	for i := 0; i < n; i++ {
		id := f.newID()
		f.texts[id] = captions[i]
		ids = append(ids, id)
	}
	f.record(platformCall{Op: "send_media_group", Chat: dest, Media: media, Captions: captions, Opts: opts})
	return ids, nil
}

func (f *fakePlatform) EditText(_ context.Context, dest ChatID, msg MessageID, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailEdits {
		f.record(platformCall{Op: "edit_text_failed", Chat: dest, Msg: msg, Body: body})
		return errors.New("message can no longer be edited")
	}
	f.texts[msg] = body
	f.record(platformCall{Op: "edit_text", Chat: dest, Msg: msg, Body: body})
	return nil
}

func (f *fakePlatform) FetchText(_ context.Context, _ ChatID, msg MessageID) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	text, ok := f.texts[msg]
	if !ok {
		return "", ErrNotFound
	}
	return text, nil
}

func (f *fakePlatform) ResolveSender(_ context.Context, msg *Message) (*Sender, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.Senders[msg.SenderID]; ok {
		return s, nil
	}
	return &Sender{ID: msg.SenderID, FirstName: "User " + msg.SenderID}, nil
}

func (f *fakePlatform) ResolveChat(_ context.Context, id ChatID) (*ChatInfo, error) {
	return &ChatInfo{ID: id, Title: "Chat " + string(id)}, nil
}

func (f *fakePlatform) SetReaction(_ context.Context, dest ChatID, msg MessageID, reaction string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(platformCall{Op: "set_reaction", Chat: dest, Msg: msg, Body: reaction})
	return nil
}

// NormalizeChatID strips the "raw-" prefix used by tests for raw update ids.
func (f *fakePlatform) NormalizeChatID(id ChatID) ChatID {
	return ChatID(strings.TrimPrefix(string(id), "raw-"))
}

func (f *fakePlatform) Calls() []platformCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]platformCall(nil), f.calls...)
}

func (f *fakePlatform) CallsOf(op string) []platformCall {
	var out []platformCall
	for _, c := range f.Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakePlatform) Text(id MessageID) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.texts[id]
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// waitCalls waits until at least n calls of op were recorded.
func (f *fakePlatform) waitCalls(t *testing.T, op string, n int) []platformCall {
	t.Helper()
	waitFor(t, fmt.Sprintf("%d %s calls", n, op), func() bool {
		return len(f.CallsOf(op)) >= n
	})
	return f.CallsOf(op)
}

const testBaseConfig = `
platform:
    type: mattermost
settings:
    timezone: UTC
    locale: en
    auto_delete_ignore_days: 30
relay:
    album_quiet_period: 50ms
`

func testConfig(t *testing.T, extra string) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(testBaseConfig + extra))
	if err != nil {
		t.Fatalf("config.Parse: %v", err)
	}
	return cfg
}

const testGroups = `
groups:
    src:
        targets: [dst]
        name: Team
        tag: "#team"
`

// newTestEngine builds a started engine backed by a fake platform and a
// store in a temp dir.
func newTestEngine(t *testing.T, extra string, mutate ...func(*config.Config)) (*Engine, *fakePlatform) {
	t.Helper()
	cfg := testConfig(t, extra)
	for _, fn := range mutate {
		fn(cfg)
	}
	fake := newFakePlatform()
	st := store.Open(filepath.Join(t.TempDir(), store.FileName), zerolog.Nop())
	routes := BuildRoutes(cfg.Groups, DottedKeys{}, zerolog.Nop())
	e := NewEngine(fake, st, routes, cfg, zerolog.Nop())
	e.Start(context.Background())
	t.Cleanup(e.Stop)
	return e, fake
}

var testDate = time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

func textMessage(id, sender, text string) *Message {
	return &Message{
		ChatID:   "src",
		ID:       MessageID(id),
		SenderID: sender,
		Text:     text,
		Date:     testDate,
	}
}
