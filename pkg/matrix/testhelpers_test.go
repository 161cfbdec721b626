// Copyright 2024-2026 Aiku AI

package matrix

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/aiku/chatmirror/pkg/config"
	"github.com/aiku/chatmirror/pkg/relay"
)

const (
	relayUser = "@relay:example.org"
	aliceUser = "@alice:example.org"
	roomA     = "!roomA:example.org"
	roomB     = "!roomB:example.org"
)

// sentEvent is an event the client sent to the fake homeserver.
type sentEvent struct {
	Room    string
	Type    string
	EventID string
	Content map[string]any
}

// fakeHS simulates the parts of the client-server API the relay uses.
type fakeHS struct {
	Server *httptest.Server

	mu     sync.Mutex
	nextID int
	Sent   []sentEvent
	// Redacted lists redacted event ids in order.
	Redacted []string
	// Events maps event id to the raw event served by the event endpoint.
	Events map[string]map[string]any
	// State maps "room|type|key" to state content.
	State map[string]map[string]any
	// DisplayNames maps user id to the global display name.
	DisplayNames map[string]string
	// Fail makes every request matching the path prefix return 500.
	Fail map[string]bool
}

func newFakeHS(t *testing.T) *fakeHS {
	f := &fakeHS{
		Events:       make(map[string]map[string]any),
		State:        make(map[string]map[string]any),
		DisplayNames: make(map[string]string),
		Fail:         make(map[string]bool),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handler))
	t.Cleanup(f.Server.Close)
	return f
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func notFound(w http.ResponseWriter) {
	writeJSON(w, http.StatusNotFound, map[string]string{"errcode": "M_NOT_FOUND", "error": "not found"})
}

func (f *fakeHS) handler(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	path := strings.TrimPrefix(r.URL.Path, "/_matrix/client/v3/")
	for prefix := range f.Fail {
		if strings.HasPrefix(path, prefix) {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"errcode": "M_UNKNOWN", "error": "forced failure"})
			return
		}
	}
	parts := strings.Split(path, "/")

	switch {
	case path == "account/whoami":
		writeJSON(w, http.StatusOK, map[string]string{"user_id": relayUser})

	case len(parts) == 5 && parts[0] == "rooms" && parts[2] == "send" && r.Method == http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		var content map[string]any
		_ = json.Unmarshal(body, &content)
		f.nextID++
		eventID := fmt.Sprintf("$sent%d", f.nextID)
		f.Sent = append(f.Sent, sentEvent{Room: parts[1], Type: parts[3], EventID: eventID, Content: content})
		writeJSON(w, http.StatusOK, map[string]string{"event_id": eventID})

	case len(parts) == 5 && parts[0] == "rooms" && parts[2] == "redact" && r.Method == http.MethodPut:
		f.nextID++
		f.Redacted = append(f.Redacted, parts[3])
		writeJSON(w, http.StatusOK, map[string]string{"event_id": fmt.Sprintf("$redaction%d", f.nextID)})

	case len(parts) == 4 && parts[0] == "rooms" && parts[2] == "event":
		evt, ok := f.Events[parts[3]]
		if !ok {
			notFound(w)
			return
		}
		writeJSON(w, http.StatusOK, evt)

	case len(parts) >= 4 && parts[0] == "rooms" && parts[2] == "state":
		key := ""
		if len(parts) > 4 {
			key = parts[4]
		}
		content, ok := f.State[parts[1]+"|"+parts[3]+"|"+key]
		if !ok {
			notFound(w)
			return
		}
		writeJSON(w, http.StatusOK, content)

	case len(parts) == 3 && parts[0] == "profile" && parts[2] == "displayname":
		name, ok := f.DisplayNames[parts[1]]
		if !ok {
			notFound(w)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"displayname": name})

	default:
		notFound(w)
	}
}

// SentEvents returns a copy of the events sent so far.
func (f *fakeHS) SentEvents() []sentEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentEvent(nil), f.Sent...)
}

// RedactedEvents returns a copy of the redacted event ids.
func (f *fakeHS) RedactedEvents() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.Redacted...)
}

func newTestClient(t *testing.T, f *fakeHS) *Client {
	t.Helper()
	c, err := New(config.Matrix{
		HomeserverURL: f.Server.URL,
		UserID:        relayUser,
		AccessToken:   "token",
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
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
