// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package mattermost

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"

	"github.com/aiku/chatmirror/pkg/config"
	"github.com/aiku/chatmirror/pkg/relay"
)

const (
	relayUserID = "relayuserrelayuserrelayuse"
	otherUserID = "otheruserotheruserotheruse"
	channelA    = "channelachannelachannelach"
	channelB    = "channelbchannelbchannelbch"
)

// endpointCall records which API endpoints were hit during a test.
type endpointCall struct {
	Method string
	Path   string
	Body   string
}

// fakeMM is a test helper that wraps an httptest.Server simulating the
// Mattermost API. It records calls and keeps created posts, reactions and
// uploaded files in memory.
type fakeMM struct {
	Server *httptest.Server

	mu     sync.Mutex
	calls  []endpointCall
	nextID int

	// Users maps user ID to model.User for GetUser/GetMe responses.
	Users map[string]*model.User
	// Channels maps channel ID to model.Channel.
	Channels map[string]*model.Channel
	// Posts maps post ID to the stored post.
	Posts map[string]*model.Post
	// ChannelPosts maps channel ID to the list served by the posts endpoint.
	ChannelPosts map[string]*model.PostList
	// Reactions maps post ID to its reactions.
	Reactions map[string][]*model.Reaction
	// Files maps file ID to model.FileInfo.
	Files map[string]*model.FileInfo
	// FileData maps file ID to its content.
	FileData map[string][]byte
	// FailEndpoints causes specific path prefixes to return 500.
	FailEndpoints map[string]bool
}

func newFakeMM(t *testing.T) *fakeMM {
	f := &fakeMM{
		Users: map[string]*model.User{
			relayUserID: {Id: relayUserID, Username: "relay"},
		},
		Channels:      make(map[string]*model.Channel),
		Posts:         make(map[string]*model.Post),
		ChannelPosts:  make(map[string]*model.PostList),
		Reactions:     make(map[string][]*model.Reaction),
		Files:         make(map[string]*model.FileInfo),
		FileData:      make(map[string][]byte),
		FailEndpoints: make(map[string]bool),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handler))
	t.Cleanup(f.Server.Close)
	return f
}

func (f *fakeMM) record(method, path, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, endpointCall{Method: method, Path: path, Body: body})
}

func (f *fakeMM) Calls() []endpointCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]endpointCall, len(f.calls))
	copy(cp, f.calls)
	return cp
}

// CallCount counts calls whose method matches and whose path contains path.
func (f *fakeMM) CallCount(method, path string) int {
	n := 0
	for _, c := range f.Calls() {
		if c.Method == method && strings.Contains(c.Path, path) {
			n++
		}
	}
	return n
}

func (f *fakeMM) newID() string {
	f.nextID++
	id := fmt.Sprintf("created%019d", f.nextID)
	return id
}

func writeJSON(w http.ResponseWriter, v any) {
	_ = json.NewEncoder(w).Encode(v)
}

func notFound(w http.ResponseWriter, path string) {
	w.WriteHeader(http.StatusNotFound)
	writeJSON(w, map[string]any{"message": "not found: " + path, "status_code": http.StatusNotFound})
}

func (f *fakeMM) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.record(r.Method, r.URL.Path, string(body))

	for prefix := range f.FailEndpoints {
		if strings.Contains(r.URL.Path, prefix) {
			w.WriteHeader(http.StatusInternalServerError)
			writeJSON(w, map[string]string{"message": "fake error"})
			return
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	path := strings.TrimPrefix(r.URL.Path, "/api/v4")
	parts := strings.Split(strings.Trim(path, "/"), "/")

	switch {
	// GET /users/me
	case r.Method == http.MethodGet && path == "/users/me":
		writeJSON(w, f.Users[relayUserID])

	// GET /users/{user_id}
	case r.Method == http.MethodGet && len(parts) == 2 && parts[0] == "users":
		if u, ok := f.Users[parts[1]]; ok {
			writeJSON(w, u)
			return
		}
		notFound(w, path)

	// GET /channels/{channel_id}
	case r.Method == http.MethodGet && len(parts) == 2 && parts[0] == "channels":
		if ch, ok := f.Channels[parts[1]]; ok {
			writeJSON(w, ch)
			return
		}
		notFound(w, path)

	// GET /channels/{channel_id}/posts
	case r.Method == http.MethodGet && len(parts) == 3 && parts[0] == "channels" && parts[2] == "posts":
		if r.URL.Query().Get("page") != "0" {
			writeJSON(w, model.NewPostList())
			return
		}
		if pl, ok := f.ChannelPosts[parts[1]]; ok {
			writeJSON(w, pl)
			return
		}
		writeJSON(w, model.NewPostList())

	// POST /posts
	case r.Method == http.MethodPost && path == "/posts":
		var post model.Post
		_ = json.Unmarshal(body, &post)
		post.Id = f.newID()
		post.UserId = relayUserID
		f.Posts[post.Id] = &post
		w.WriteHeader(http.StatusCreated)
		writeJSON(w, &post)

	// GET /posts/{post_id}
	case r.Method == http.MethodGet && len(parts) == 2 && parts[0] == "posts":
		if p, ok := f.Posts[parts[1]]; ok {
			writeJSON(w, p)
			return
		}
		notFound(w, path)

	// PUT /posts/{post_id}/patch
	case r.Method == http.MethodPut && len(parts) == 3 && parts[0] == "posts" && parts[2] == "patch":
		p, ok := f.Posts[parts[1]]
		if !ok {
			notFound(w, path)
			return
		}
		var patch model.PostPatch
		_ = json.Unmarshal(body, &patch)
		if patch.Message != nil {
			p.Message = *patch.Message
		}
		writeJSON(w, p)

	// GET /posts/{post_id}/reactions
	case r.Method == http.MethodGet && len(parts) == 3 && parts[0] == "posts" && parts[2] == "reactions":
		reactions := f.Reactions[parts[1]]
		if reactions == nil {
			reactions = []*model.Reaction{}
		}
		writeJSON(w, reactions)

	// POST /reactions
	case r.Method == http.MethodPost && path == "/reactions":
		var reaction model.Reaction
		_ = json.Unmarshal(body, &reaction)
		f.Reactions[reaction.PostId] = append(f.Reactions[reaction.PostId], &reaction)
		writeJSON(w, &reaction)

	// DELETE /users/{user_id}/posts/{post_id}/reactions/{emoji_name}
	case r.Method == http.MethodDelete && len(parts) == 6 && parts[0] == "users" && parts[4] == "reactions":
		userID, postID, emoji := parts[1], parts[3], parts[5]
		kept := f.Reactions[postID][:0]
		for _, re := range f.Reactions[postID] {
			if re.UserId != userID || re.EmojiName != emoji {
				kept = append(kept, re)
			}
		}
		f.Reactions[postID] = kept
		writeJSON(w, map[string]string{"status": "ok"})

	// GET /files/{file_id}/info
	case r.Method == http.MethodGet && len(parts) == 3 && parts[0] == "files" && parts[2] == "info":
		if fi, ok := f.Files[parts[1]]; ok {
			writeJSON(w, fi)
			return
		}
		notFound(w, path)

	// GET /files/{file_id}
	case r.Method == http.MethodGet && len(parts) == 2 && parts[0] == "files":
		if data, ok := f.FileData[parts[1]]; ok {
			_, _ = w.Write(data)
			return
		}
		notFound(w, path)

	// POST /files (upload)
	case r.Method == http.MethodPost && path == "/files":
		id := f.newID()
		f.Files[id] = &model.FileInfo{Id: id, Name: "upload"}
		w.WriteHeader(http.StatusCreated)
		writeJSON(w, &model.FileUploadResponse{
			FileInfos: []*model.FileInfo{f.Files[id]},
		})

	default:
		notFound(w, path)
	}
}

// newTestClient creates a Client connected to a fake server as the relay user.
func newTestClient(f *fakeMM) *Client {
	c := New(config.Mattermost{ServerURL: f.Server.URL, Token: "test-token"}, zerolog.Nop())
	c.userID = relayUserID
	return c
}

// newWebSocketEvent creates a model.WebSocketEvent for testing handlers.
func newWebSocketEvent(eventType model.WebsocketEventType, channelID string, data map[string]any) *model.WebSocketEvent {
	evt := model.NewWebSocketEvent(eventType, "", channelID, "", nil, "")
	return evt.SetData(data)
}

func postEvent(t *testing.T, eventType model.WebsocketEventType, post *model.Post) *model.WebSocketEvent {
	t.Helper()
	data, err := json.Marshal(post)
	if err != nil {
		t.Fatalf("marshal post: %v", err)
	}
	return newWebSocketEvent(eventType, post.ChannelId, map[string]any{"post": string(data)})
}

// captureSink collects queued events for test assertions.
type captureSink struct {
	mu     sync.Mutex
	events []relay.Event
}

func (s *captureSink) QueueEvent(evt relay.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
}

func (s *captureSink) Events() []relay.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]relay.Event(nil), s.events...)
}
