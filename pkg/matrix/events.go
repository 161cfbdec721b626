// Copyright 2024-2026 Aiku AI

package matrix

import (
	"slices"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/chatmirror/pkg/matrix/htmlfmt"
	"github.com/aiku/chatmirror/pkg/relay"
)

func (c *Client) handleMessage(sink relay.EventSink, evt *event.Event) {
	if evt.Sender == c.userID {
		return
	}
	content := evt.Content.AsMessage()
	if replaceID := content.RelatesTo.GetReplaceID(); replaceID != "" {
		newContent := content.NewContent
		if newContent == nil {
			newContent = content
		}
		ts := time.UnixMilli(evt.Timestamp)
		sink.QueueEvent(&relay.EditEvent{Message: &relay.Message{
			ChatID:   relay.ChatID(evt.RoomID),
			ID:       relay.MessageID(replaceID),
			SenderID: string(evt.Sender),
			Text:     htmlfmt.ToMarkdown(newContent),
			Date:     ts,
			EditDate: ts,
		}})
		return
	}
	c.log.Debug().
		Stringer("event_id", evt.ID).
		Stringer("room_id", evt.RoomID).
		Stringer("sender", evt.Sender).
		Msg("Received new message")
	sink.QueueEvent(&relay.MessageEvent{Message: convertMessage(evt, content)})
}

func mediaKind(msgType event.MessageType) relay.MediaKind {
	switch msgType {
	case event.MsgImage:
		return relay.MediaPhoto
	case event.MsgVideo:
		return relay.MediaVideo
	case event.MsgAudio:
		return relay.MediaAudio
	case event.MsgFile:
		return relay.MediaDocument
	default:
		return relay.MediaNone
	}
}

func convertMessage(evt *event.Event, content *event.MessageEventContent) *relay.Message {
	msg := &relay.Message{
		ChatID:   relay.ChatID(evt.RoomID),
		ID:       relay.MessageID(evt.ID),
		SenderID: string(evt.Sender),
		Text:     htmlfmt.ToMarkdown(content),
		Date:     time.UnixMilli(evt.Timestamp),
		Service:  content.MsgType == event.MessageType("m.server_notice"),
	}
	if root := content.RelatesTo.GetThreadParent(); root != "" {
		msg.Topic = relay.TopicID(root)
		msg.ReplyTo = relay.MessageID(root)
	}
	if reply := content.RelatesTo.GetNonFallbackReplyTo(); reply != "" {
		msg.ReplyTo = relay.MessageID(reply)
	}

	kind := mediaKind(content.MsgType)
	if kind == relay.MediaNone {
		return msg
	}
	url := content.URL
	if url == "" && content.File != nil {
		url = content.File.URL
	}
	if url == "" {
		return msg
	}
	media := &relay.Media{Kind: kind, Ref: string(url), Name: content.GetFileName()}
	if content.Info != nil {
		media.MimeType = content.Info.MimeType
	}
	msg.Media = media
	// The body of a media event is its file name unless a caption was set.
	if content.FileName == "" || content.FileName == content.Body {
		msg.Text = ""
	}
	return msg
}

func (c *Client) handleReaction(sink relay.EventSink, evt *event.Event) {
	if evt.Sender == c.userID {
		return
	}
	rel := evt.Content.AsReaction().RelatesTo
	if rel.EventID == "" || rel.Key == "" {
		return
	}
	c.reactionsLock.Lock()
	c.reactions[rel.EventID] = append(c.reactions[rel.EventID], trackedReaction{
		EventID: evt.ID,
		Sender:  evt.Sender,
		Key:     rel.Key,
	})
	c.reactionIndex[evt.ID] = rel.EventID
	keys := c.reactionKeysLocked(rel.EventID)
	c.reactionsLock.Unlock()

	sink.QueueEvent(&relay.ReactionEvent{
		ChatID:    relay.ChatID(evt.RoomID),
		MessageID: relay.MessageID(rel.EventID),
		Reactions: keys,
	})
}

// handleRedaction turns a redacted reaction into a reaction update and any
// other redaction into a delete.
func (c *Client) handleRedaction(sink relay.EventSink, evt *event.Event) {
	if evt.Sender == c.userID {
		return
	}
	redacts := evt.Redacts
	if redacts == "" {
		redacts = evt.Content.AsRedaction().Redacts
	}
	if redacts == "" {
		return
	}

	c.reactionsLock.Lock()
	if target, ok := c.reactionIndex[redacts]; ok {
		delete(c.reactionIndex, redacts)
		c.reactions[target] = slices.DeleteFunc(c.reactions[target], func(r trackedReaction) bool {
			return r.EventID == redacts
		})
		keys := c.reactionKeysLocked(target)
		if len(c.reactions[target]) == 0 {
			delete(c.reactions, target)
		}
		c.reactionsLock.Unlock()
		sink.QueueEvent(&relay.ReactionEvent{
			ChatID:    relay.ChatID(evt.RoomID),
			MessageID: relay.MessageID(target),
			Reactions: keys,
		})
		return
	}
	c.reactionsLock.Unlock()

	sink.QueueEvent(&relay.DeleteEvent{
		ChatID:     relay.ChatID(evt.RoomID),
		MessageIDs: []relay.MessageID{relay.MessageID(redacts)},
	})
}

// reactionKeysLocked returns the distinct reaction keys on target in the
// order they were first seen.
func (c *Client) reactionKeysLocked(target id.EventID) []string {
	var keys []string
	for _, r := range c.reactions[target] {
		if !slices.Contains(keys, r.Key) {
			keys = append(keys, r.Key)
		}
	}
	return keys
}
