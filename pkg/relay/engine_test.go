// Copyright 2024-2026 Aiku AI

package relay

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aiku/chatmirror/pkg/config"
)

func TestNewMessageHeaderAndCorrelation(t *testing.T) {
	t.Parallel()
	e, fake := newTestEngine(t, testGroups)
	fake.Senders["u1"] = &Sender{ID: "u1", FirstName: "Alice", LastName: "Liddell", Username: "alice"}

	e.QueueEvent(&MessageEvent{Message: textMessage("1", "u1", "hello")})
	calls := fake.waitCalls(t, "send_text", 1)

	want := "🧑[A] Alice Liddell @alice\n📢 Team #team\n🕐 2025-01-02 03:04:05 (UTC)\n" + separator + "hello"
	if calls[0].Body != want {
		t.Errorf("body:\ngot  %q\nwant %q", calls[0].Body, want)
	}
	if calls[0].Chat != "dst" {
		t.Errorf("Chat: got %q", calls[0].Chat)
	}
	if calls[0].Opts.LinkPreview {
		t.Error("text messages should be sent without link preview")
	}
	waitFor(t, "correlation record", func() bool { return len(e.store.Lookup("src", "1")) == 1 })
	rec := e.store.Lookup("src", "1")[0]
	if rec.BackupChatID != "dst" || MessageID(rec.BackupMsgID) != calls[0].Msg {
		t.Errorf("record: %+v", rec)
	}
}

func TestHeaderSuppression(t *testing.T) {
	t.Parallel()
	e, fake := newTestEngine(t, testGroups)

	e.QueueEvent(&MessageEvent{Message: textMessage("1", "u1", "first")})
	e.QueueEvent(&MessageEvent{Message: textMessage("2", "u1", "second")})
	e.QueueEvent(&MessageEvent{Message: textMessage("3", "u2", "third")})
	fwd := textMessage("4", "u2", "fourth")
	fwd.Forward = &ForwardInfo{FromName: "Carol"}
	e.QueueEvent(&MessageEvent{Message: fwd})
	fwd2 := textMessage("5", "u2", "fifth")
	fwd2.Forward = &ForwardInfo{FromName: "Carol"}
	e.QueueEvent(&MessageEvent{Message: fwd2})

	calls := fake.waitCalls(t, "send_text", 5)
	hasHeader := func(body string) bool { return strings.Contains(body, separator) }
	if !hasHeader(calls[0].Body) {
		t.Error("first message in a cold destination must carry a header")
	}
	if hasHeader(calls[1].Body) {
		t.Errorf("consecutive message of the same sender got a header: %q", calls[1].Body)
	}
	if want := "second\n\n`2025-01-02 03:04:05`"; calls[1].Body != want {
		t.Errorf("continuation body: got %q, want %q", calls[1].Body, want)
	}
	if !hasHeader(calls[2].Body) {
		t.Error("sender change must re-emit the header")
	}
	if !hasHeader(calls[3].Body) || !strings.Contains(calls[3].Body, "Forwarded from Carol") {
		t.Errorf("forward signature change must re-emit the header: %q", calls[3].Body)
	}
	if hasHeader(calls[4].Body) {
		t.Error("same sender and forward signature should not get a header")
	}
}

func TestFIFOPerDestination(t *testing.T) {
	t.Parallel()
	e, fake := newTestEngine(t, `
groups:
    src:
        targets: [dst1, dst2]
`)
	fake.SendDelay = time.Millisecond
	const n = 20
	for i := 0; i < n; i++ {
		e.QueueEvent(&MessageEvent{Message: textMessage(fmt.Sprint(i), "u1", fmt.Sprintf("msg-%02d", i))})
	}
	fake.waitCalls(t, "send_text", 2*n)

	for _, dest := range []ChatID{"dst1", "dst2"} {
		var seen []string
		for _, c := range fake.CallsOf("send_text") {
			if c.Chat != dest {
				continue
			}
			idx := strings.Index(c.Body, "msg-")
			seen = append(seen, c.Body[idx:idx+6])
		}
		if len(seen) != n {
			t.Fatalf("%s: got %d messages, want %d", dest, len(seen), n)
		}
		for i, s := range seen {
			if want := fmt.Sprintf("msg-%02d", i); s != want {
				t.Errorf("%s: position %d got %s, want %s", dest, i, s, want)
			}
		}
	}
	if stats := e.Stats(); stats.Queues != 2 {
		t.Errorf("Queues: got %d, want 2", stats.Queues)
	}
}

func TestConcurrentEnqueueCreatesOneQueue(t *testing.T) {
	t.Parallel()
	e, fake := newTestEngine(t, testGroups)
	var wg sync.WaitGroup
	const n = 50
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e.QueueEvent(&MessageEvent{Message: textMessage(fmt.Sprint(i), "u1", "x")})
		}(i)
	}
	wg.Wait()
	fake.waitCalls(t, "send_text", n)
	if stats := e.Stats(); stats.Queues != 1 {
		t.Errorf("Queues: got %d, want 1", stats.Queues)
	}
}

func TestServiceMessagesAndTopicFilter(t *testing.T) {
	t.Parallel()
	e, fake := newTestEngine(t, `
groups:
    src.t1:
        targets: dst
`)
	svc := textMessage("1", "u1", "joined")
	svc.Service = true
	svc.Topic = "t1"
	e.QueueEvent(&MessageEvent{Message: svc})
	other := textMessage("2", "u1", "other topic")
	other.Topic = "t2"
	e.QueueEvent(&MessageEvent{Message: other})
	match := textMessage("3", "u1", "in topic")
	match.Topic = "t1"
	e.QueueEvent(&MessageEvent{Message: match})

	calls := fake.waitCalls(t, "send_text", 1)
	time.Sleep(50 * time.Millisecond)
	calls = fake.CallsOf("send_text")
	if len(calls) != 1 || !strings.HasSuffix(calls[0].Body, "in topic") {
		t.Errorf("expected only the topic message to be mirrored, got %+v", calls)
	}
}

func TestReplyResolution(t *testing.T) {
	t.Parallel()
	e, fake := newTestEngine(t, `
groups:
    src:
        targets: [dst, other.top]
`)
	e.store.Append("src", "1", "dst", "copy-1", "")

	reply := textMessage("2", "u1", "answer")
	reply.ReplyTo = "1"
	e.QueueEvent(&MessageEvent{Message: reply})
	fake.waitCalls(t, "send_text", 2)

	for _, c := range fake.CallsOf("send_text") {
		switch c.Chat {
		case "dst":
			if c.Opts.ReplyTo != "copy-1" || c.Opts.Topic != "" {
				t.Errorf("dst opts: %+v", c.Opts)
			}
		case "other":
			if c.Opts.ReplyTo != "" || c.Opts.Topic != "top" {
				t.Errorf("uncorrelated reply should fall back to the destination topic: %+v", c.Opts)
			}
		default:
			t.Errorf("unexpected destination %q", c.Chat)
		}
	}
}

func TestMediaDelivery(t *testing.T) {
	t.Parallel()
	e, fake := newTestEngine(t, testGroups)

	photo := textMessage("1", "u1", "")
	photo.Media = &Media{Kind: MediaPhoto, Ref: "file-1"}
	e.QueueEvent(&MessageEvent{Message: photo})
	media := fake.waitCalls(t, "send_media", 1)
	if media[0].Body != "" {
		t.Errorf("media-only message with header should be sent bare, caption %q", media[0].Body)
	}
	follow := fake.waitCalls(t, "send_text", 1)
	if follow[0].Opts.ReplyTo != media[0].Msg {
		t.Errorf("header follow-up should reply to the media copy, got %+v", follow[0].Opts)
	}
	if strings.Contains(follow[0].Body, separator) {
		t.Error("rich media header should not contain a separator")
	}

	photo2 := textMessage("2", "u1", "")
	photo2.Media = &Media{Kind: MediaPhoto, Ref: "file-2"}
	e.QueueEvent(&MessageEvent{Message: photo2})
	media = fake.waitCalls(t, "send_media", 2)
	if media[1].Body != "`2025-01-02 03:04:05`" {
		t.Errorf("continuation media without text should get a timestamp caption, got %q", media[1].Body)
	}

	photo3 := textMessage("3", "u1", "look")
	photo3.Media = &Media{Kind: MediaDocument, Ref: "file-3"}
	e.QueueEvent(&MessageEvent{Message: photo3})
	media = fake.waitCalls(t, "send_media", 3)
	if media[2].Body != "look" {
		t.Errorf("continuation media caption: got %q", media[2].Body)
	}

	link := textMessage("4", "u2", "https://example.com")
	link.Media = &Media{Kind: MediaWebPage}
	e.QueueEvent(&MessageEvent{Message: link})
	texts := fake.waitCalls(t, "send_text", 2)
	if !texts[1].Opts.LinkPreview {
		t.Error("web page messages should be sent with link preview")
	}
	if !strings.Contains(texts[1].Body, separator+"https://example.com") {
		t.Errorf("web page body: %q", texts[1].Body)
	}
	waitFor(t, "records", func() bool { return e.store.Len() == 4 })
}

func albumItem(id string, seq int) *Message {
	msg := textMessage(id, "u1", "")
	msg.GroupID = "g1"
	msg.Seq = seq
	msg.Media = &Media{Kind: MediaPhoto, Ref: "ref-" + id}
	return msg
}

func TestAlbumMapping(t *testing.T) {
	t.Parallel()
	e, fake := newTestEngine(t, testGroups)
	second := albumItem("11", 1)
	second.Text = "caption two"
	e.QueueEvent(&MessageEvent{Message: albumItem("12", 2)})
	e.QueueEvent(&MessageEvent{Message: albumItem("10", 0)})
	e.QueueEvent(&MessageEvent{Message: second})

	calls := fake.waitCalls(t, "send_media_group", 1)
	got := calls[0]
	if len(got.Media) != 3 {
		t.Fatalf("expected 3 items, got %d", len(got.Media))
	}
	for i, want := range []string{"ref-10", "ref-11", "ref-12"} {
		if got.Media[i].Ref != want {
			t.Errorf("item %d: got %s, want %s", i, got.Media[i].Ref, want)
		}
	}
	if !strings.HasPrefix(got.Captions[0], "🧑[U] User u1") {
		t.Errorf("header should be attached to the first caption: %q", got.Captions[0])
	}
	if got.Captions[1] != "caption two" || got.Captions[2] != "" {
		t.Errorf("items should keep their own captions: %q", got.Captions)
	}
	waitFor(t, "album records", func() bool { return e.store.Len() == 3 })
	for i, id := range []string{"10", "11", "12"} {
		recs := e.store.Lookup("src", id)
		if len(recs) != 1 || recs[0].BackupMsgID != fmt.Sprintf("m%d", i+1) {
			t.Errorf("item %s mapped to %+v", id, recs)
		}
	}
}

func TestAlbumWithoutHeaderGetsTimestamp(t *testing.T) {
	t.Parallel()
	e, fake := newTestEngine(t, testGroups)
	e.QueueEvent(&MessageEvent{Message: textMessage("1", "u1", "before")})
	fake.waitCalls(t, "send_text", 1)
	e.QueueEvent(&MessageEvent{Message: albumItem("2", 0)})
	e.QueueEvent(&MessageEvent{Message: albumItem("3", 1)})
	calls := fake.waitCalls(t, "send_media_group", 1)
	if calls[0].Captions[0] != "`2025-01-02 03:04:05`" || calls[0].Captions[1] != "" {
		t.Errorf("captions: %q", calls[0].Captions)
	}
}

func TestAlbumCountMismatchSkipsMapping(t *testing.T) {
	t.Parallel()
	e, fake := newTestEngine(t, testGroups)
	fake.ShortAlbums = true
	e.QueueEvent(&MessageEvent{Message: albumItem("1", 0)})
	e.QueueEvent(&MessageEvent{Message: albumItem("2", 1)})
	fake.waitCalls(t, "send_media_group", 1)
	time.Sleep(50 * time.Millisecond)
	if e.store.Len() != 0 {
		t.Errorf("no records expected on id count mismatch, got %d", e.store.Len())
	}
}

func TestEditIsIdempotent(t *testing.T) {
	t.Parallel()
	e, fake := newTestEngine(t, testGroups)
	e.QueueEvent(&MessageEvent{Message: textMessage("1", "u1", "hello")})
	sent := fake.waitCalls(t, "send_text", 1)
	waitFor(t, "record", func() bool { return e.store.Len() == 1 })

	edited := textMessage("1", "u1", "hello world")
	edited.EditDate = testDate.Add(time.Minute)
	e.QueueEvent(&EditEvent{Message: edited})
	e.QueueEvent(&EditEvent{Message: edited})
	edits := fake.waitCalls(t, "edit_text", 1)
	time.Sleep(50 * time.Millisecond)
	if n := len(fake.CallsOf("edit_text")); n != 1 {
		t.Fatalf("duplicate edit notifications should produce one edit, got %d", n)
	}
	want := sent[0].Body + "\n\n----\n🕐 Edited at: 2025-01-02 03:05:05 (UTC)\nhello world"
	if edits[0].Body != want {
		t.Errorf("edited body:\ngot  %q\nwant %q", edits[0].Body, want)
	}

	again := textMessage("1", "u1", "hello again")
	again.EditDate = testDate.Add(2 * time.Minute)
	e.QueueEvent(&EditEvent{Message: again})
	edits = fake.waitCalls(t, "edit_text", 2)
	if !strings.HasPrefix(edits[1].Body, want+"\n\n----\n") {
		t.Error("later edits should append to the edit history")
	}
}

func TestEditIgnoredEvents(t *testing.T) {
	t.Parallel()
	e, fake := newTestEngine(t, testGroups)
	e.QueueEvent(&MessageEvent{Message: textMessage("1", "u1", "hello")})
	fake.waitCalls(t, "send_text", 1)
	waitFor(t, "record", func() bool { return e.store.Len() == 1 })

	reaction := textMessage("1", "u1", "changed")
	reaction.EditDate = testDate
	e.QueueEvent(&EditEvent{Message: reaction, ReactionUpdate: true})
	e.QueueEvent(&EditEvent{Message: textMessage("1", "u1", "no edit date")})
	same := textMessage("1", "u1", "hello")
	same.EditDate = testDate
	e.QueueEvent(&EditEvent{Message: same})
	unknown := textMessage("99", "u1", "never mirrored")
	unknown.EditDate = testDate
	e.QueueEvent(&EditEvent{Message: unknown})

	time.Sleep(100 * time.Millisecond)
	if n := len(fake.CallsOf("edit_text")); n != 0 {
		t.Errorf("expected no edits, got %d", n)
	}
}

func TestDeleteReconciliation(t *testing.T) {
	t.Parallel()
	e, fake := newTestEngine(t, testGroups)
	e.QueueEvent(&MessageEvent{Message: textMessage("1", "u1", "oops")})
	sent := fake.waitCalls(t, "send_text", 1)
	waitFor(t, "record", func() bool { return e.store.Len() == 1 })

	deletedAt := time.Date(2025, 1, 2, 10, 20, 30, 0, time.UTC)
	e.now = func() time.Time { return deletedAt }
	e.QueueEvent(&DeleteEvent{ChatID: "src", MessageIDs: []MessageID{"1", "404"}})

	edits := fake.waitCalls(t, "edit_text", 1)
	if want := sent[0].Body + "\n\n#recalled `10:20:30`"; edits[0].Body != want {
		t.Errorf("recalled marker:\ngot  %q\nwant %q", edits[0].Body, want)
	}
	warnings := fake.waitCalls(t, "send_text", 2)
	if want := "⚠️ Message recalled ⚠️\n🕐 Recalled at: 10:20:30"; warnings[1].Body != want {
		t.Errorf("warning: got %q, want %q", warnings[1].Body, want)
	}
	if warnings[1].Opts.ReplyTo != sent[0].Msg {
		t.Errorf("warning should reply to the copy, got %+v", warnings[1].Opts)
	}
}

func TestDeleteDegradedWhenEditFails(t *testing.T) {
	t.Parallel()
	e, fake := newTestEngine(t, testGroups)
	e.QueueEvent(&MessageEvent{Message: textMessage("1", "u1", "oops")})
	fake.waitCalls(t, "send_text", 1)
	waitFor(t, "record", func() bool { return e.store.Len() == 1 })
	fake.mu.Lock()
	fake.FailEdits = true
	fake.mu.Unlock()

	e.QueueEvent(&DeleteEvent{ChatID: "src", MessageIDs: []MessageID{"1"}})
	warnings := fake.waitCalls(t, "send_text", 2)
	if !strings.HasSuffix(warnings[1].Body, "\n#recalled") {
		t.Errorf("warning should carry the degraded tag: %q", warnings[1].Body)
	}
}

func TestDeleteIgnoreWindow(t *testing.T) {
	t.Parallel()
	e, fake := newTestEngine(t, testGroups)
	e.store.Append("src", "1", "dst", "copy-1", "")
	e.now = func() time.Time { return time.Now().Add(30 * 24 * time.Hour) }

	e.QueueEvent(&DeleteEvent{ChatID: "src", MessageIDs: []MessageID{"1"}})
	time.Sleep(100 * time.Millisecond)
	if calls := fake.Calls(); len(calls) != 0 {
		t.Errorf("deletion of an old copy should be ignored, got %+v", calls)
	}

	e.now = time.Now
	e.QueueEvent(&DeleteEvent{ChatID: "src", MessageIDs: []MessageID{"1"}})
	fake.waitCalls(t, "send_text", 1)
}

func TestReactionSync(t *testing.T) {
	t.Parallel()
	e, fake := newTestEngine(t, `
groups:
    src:
        targets: [dst1, dst2]
`)
	e.store.Append("src", "5", "dst1", "c1", "")
	e.store.Append("src", "5", "dst2", "c2", "")

	e.QueueEvent(&ReactionEvent{ChatID: "src", MessageID: "5", Reactions: []string{"👍", "❤️"}})
	calls := fake.waitCalls(t, "set_reaction", 2)
	for _, c := range calls {
		if c.Body != "👍" {
			t.Errorf("only the first reaction should be applied, got %q", c.Body)
		}
	}

	e.QueueEvent(&ReactionEvent{ChatID: "raw-src", MessageID: "5"})
	calls = fake.waitCalls(t, "set_reaction", 4)
	for _, c := range calls[2:] {
		if c.Body != "" {
			t.Errorf("empty reaction set should clear, got %q", c.Body)
		}
	}

	e.QueueEvent(&ReactionEvent{ChatID: "unmapped", MessageID: "5", Reactions: []string{"👍"}})
	time.Sleep(50 * time.Millisecond)
	if n := len(fake.CallsOf("set_reaction")); n != 4 {
		t.Errorf("unmapped conversation should be ignored, got %d calls", n)
	}
}

func TestRetryEnabled(t *testing.T) {
	t.Parallel()
	e, fake := newTestEngine(t, testGroups, func(cfg *config.Config) {
		cfg.Relay.Retry = config.Retry{
			Enabled:         true,
			MaxAttempts:     3,
			InitialInterval: time.Millisecond,
			MaxInterval:     5 * time.Millisecond,
		}
	})
	fake.FailSends = 2
	e.QueueEvent(&MessageEvent{Message: textMessage("1", "u1", "persistent")})
	fake.waitCalls(t, "send_text", 1)
	waitFor(t, "record", func() bool { return e.store.Len() == 1 })
	if n := len(fake.CallsOf("send_text_failed")); n != 2 {
		t.Errorf("failed attempts: got %d, want 2", n)
	}
}

func TestFailedTaskIsDropped(t *testing.T) {
	t.Parallel()
	e, fake := newTestEngine(t, testGroups)
	fake.FailSends = 1
	e.QueueEvent(&MessageEvent{Message: textMessage("1", "u1", "lost")})
	e.QueueEvent(&MessageEvent{Message: textMessage("2", "u1", "kept")})
	fake.waitCalls(t, "send_text", 1)
	waitFor(t, "record", func() bool { return e.store.Len() == 1 })
	if e.store.Lookup("src", "1") != nil {
		t.Error("failed message should not be correlated")
	}
	if n := len(fake.CallsOf("send_text_failed")); n != 1 {
		t.Errorf("failed task should not be retried by default, got %d attempts", n)
	}
}

func TestStopDropsNewTasks(t *testing.T) {
	t.Parallel()
	e, fake := newTestEngine(t, testGroups)
	e.Stop()
	e.QueueEvent(&MessageEvent{Message: textMessage("1", "u1", "late")})
	time.Sleep(20 * time.Millisecond)
	if n := len(fake.Calls()); n != 0 {
		t.Errorf("stopped engine processed %d calls", n)
	}
}
