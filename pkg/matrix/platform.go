// Copyright 2024-2026 Aiku AI

package matrix

import (
	"context"
	"errors"
	"fmt"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/chatmirror/pkg/matrix/markdownfmt"
	"github.com/aiku/chatmirror/pkg/relay"
)

func apiError(op string, err error) error {
	if errors.Is(err, mautrix.MNotFound) {
		return fmt.Errorf("failed to %s: %w: %w", op, relay.ErrNotFound, err)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

// relatesTo threads a new event. A topic makes it a thread event with
// ReplyTo as an explicit in-thread reply when it differs from the root.
func relatesTo(opts relay.SendOptions) *event.RelatesTo {
	switch {
	case opts.Topic != "":
		root := id.EventID(opts.Topic)
		fallback := root
		if opts.ReplyTo != "" {
			fallback = id.EventID(opts.ReplyTo)
		}
		rel := (&event.RelatesTo{}).SetThread(root, fallback)
		if fallback != root {
			rel.IsFallingBack = false
		}
		return rel
	case opts.ReplyTo != "":
		return (&event.RelatesTo{}).SetReplyTo(id.EventID(opts.ReplyTo))
	default:
		return nil
	}
}

func msgType(kind relay.MediaKind) event.MessageType {
	switch kind {
	case relay.MediaPhoto:
		return event.MsgImage
	case relay.MediaVideo:
		return event.MsgVideo
	case relay.MediaAudio:
		return event.MsgAudio
	default:
		return event.MsgFile
	}
}

// textOf returns the relay-visible text of content: the body of a text
// message or the caption of a media message.
func textOf(content *event.MessageEventContent) string {
	if mediaKind(content.MsgType) == relay.MediaNone {
		return content.Body
	}
	if content.FileName == "" || content.FileName == content.Body {
		return ""
	}
	return content.Body
}

func (c *Client) send(ctx context.Context, dest relay.ChatID, content *event.MessageEventContent) (relay.MessageID, error) {
	resp, err := c.client.SendMessageEvent(ctx, id.RoomID(dest), event.EventMessage, content)
	if err != nil {
		return "", apiError("send message", err)
	}
	c.sent.Set(resp.EventID, content)
	return relay.MessageID(resp.EventID), nil
}

// SendText sends body as markdown. Link previews are left to clients.
func (c *Client) SendText(ctx context.Context, dest relay.ChatID, body string, opts relay.SendOptions) (relay.MessageID, error) {
	content := markdownfmt.Render(body, event.MsgText)
	content.RelatesTo = relatesTo(opts)
	return c.send(ctx, dest, content)
}

// mediaContent reuses the content URI of media. Media on a homeserver is
// readable from every room, so nothing is uploaded again.
func mediaContent(media relay.Media, caption string) *event.MessageEventContent {
	name := media.Name
	if name == "" {
		name = media.Kind.String()
	}
	content := &event.MessageEventContent{
		MsgType: msgType(media.Kind),
		Body:    name,
		URL:     id.ContentURIString(media.Ref),
	}
	if media.MimeType != "" {
		content.Info = &event.FileInfo{MimeType: media.MimeType}
	}
	if caption != "" {
		rendered := markdownfmt.Render(caption, content.MsgType)
		content.FileName = name
		content.Body = rendered.Body
		content.Format = rendered.Format
		content.FormattedBody = rendered.FormattedBody
	}
	content.Mentions = &event.Mentions{}
	return content
}

// SendMedia sends media with caption.
func (c *Client) SendMedia(ctx context.Context, dest relay.ChatID, media relay.Media, caption string, opts relay.SendOptions) (relay.MessageID, error) {
	content := mediaContent(media, caption)
	content.RelatesTo = relatesTo(opts)
	return c.send(ctx, dest, content)
}

// SendMediaGroup sends every item as its own event since Matrix has no
// grouped messages. The returned ids are in item order.
func (c *Client) SendMediaGroup(ctx context.Context, dest relay.ChatID, media []relay.Media, captions []string, opts relay.SendOptions) ([]relay.MessageID, error) {
	ids := make([]relay.MessageID, 0, len(media))
	for i, item := range media {
		var caption string
		if i < len(captions) {
			caption = captions[i]
		}
		msgID, err := c.SendMedia(ctx, dest, item, caption, opts)
		if err != nil {
			return ids, err
		}
		ids = append(ids, msgID)
	}
	return ids, nil
}

// original returns the content of a message sent by the relay, reading it
// from the room when it is not cached.
func (c *Client) original(ctx context.Context, dest relay.ChatID, msg relay.MessageID) (*event.MessageEventContent, error) {
	if content, ok := c.sent.Get(id.EventID(msg)); ok {
		return content, nil
	}
	evt, err := c.client.GetEvent(ctx, id.RoomID(dest), id.EventID(msg))
	if err != nil {
		return nil, apiError("get event", err)
	}
	if evt.Unsigned.RedactedBecause != nil {
		return nil, fmt.Errorf("event %s was redacted: %w", msg, relay.ErrNotFound)
	}
	if err = evt.Content.ParseRaw(evt.Type); err != nil && !errors.Is(err, event.ErrContentAlreadyParsed) {
		return nil, fmt.Errorf("failed to parse event %s: %w", msg, err)
	}
	content := evt.Content.AsMessage()
	if content.MsgType == "" {
		return nil, fmt.Errorf("event %s is not a message: %w", msg, relay.ErrNotFound)
	}
	return content, nil
}

// EditText replaces the text of a message with body. Media messages keep
// their attachment and get body as the caption.
func (c *Client) EditText(ctx context.Context, dest relay.ChatID, msg relay.MessageID, body string) error {
	orig, err := c.original(ctx, dest, msg)
	if err != nil {
		return err
	}
	var content *event.MessageEventContent
	if mediaKind(orig.MsgType) != relay.MediaNone {
		name := orig.FileName
		if name == "" {
			name = orig.Body
		}
		media := relay.Media{Kind: mediaKind(orig.MsgType), Ref: string(orig.URL), Name: name}
		if orig.Info != nil {
			media.MimeType = orig.Info.MimeType
		}
		content = mediaContent(media, body)
	} else {
		content = markdownfmt.Render(body, orig.MsgType)
	}
	newContent := *content
	edit := *content
	edit.NewContent = &newContent
	edit.RelatesTo = (&event.RelatesTo{}).SetReplace(id.EventID(msg))
	if mediaKind(edit.MsgType) == relay.MediaNone {
		edit.Body = "* " + edit.Body
		if edit.FormattedBody != "" {
			edit.FormattedBody = "* " + edit.FormattedBody
		}
	}
	if _, err = c.client.SendMessageEvent(ctx, id.RoomID(dest), event.EventMessage, &edit); err != nil {
		return apiError("edit message", err)
	}
	c.sent.Set(id.EventID(msg), content)
	return nil
}

// FetchText returns the current text of a message.
func (c *Client) FetchText(ctx context.Context, dest relay.ChatID, msg relay.MessageID) (string, error) {
	content, err := c.original(ctx, dest, msg)
	if err != nil {
		return "", err
	}
	return textOf(content), nil
}

// ResolveSender uses the member's room display name, falling back to the
// global profile.
func (c *Client) ResolveSender(ctx context.Context, msg *relay.Message) (*relay.Sender, error) {
	userID := id.UserID(msg.SenderID)
	sender := &relay.Sender{ID: msg.SenderID, Username: userID.Localpart()}
	var member event.MemberEventContent
	err := c.client.StateEvent(ctx, id.RoomID(msg.ChatID), event.StateMember, userID.String(), &member)
	if err == nil && member.Displayname != "" {
		sender.FirstName = member.Displayname
		return sender, nil
	}
	profile, err := c.client.GetDisplayName(ctx, userID)
	if err != nil {
		return nil, apiError("get display name", err)
	}
	sender.FirstName = profile.DisplayName
	return sender, nil
}

// ResolveChat returns the room name, or the room id for unnamed rooms.
func (c *Client) ResolveChat(ctx context.Context, chat relay.ChatID) (*relay.ChatInfo, error) {
	var name event.RoomNameEventContent
	err := c.client.StateEvent(ctx, id.RoomID(chat), event.StateRoomName, "", &name)
	if err != nil && !errors.Is(err, mautrix.MNotFound) {
		return nil, apiError("get room name", err)
	}
	title := name.Name
	if title == "" {
		title = string(chat)
	}
	return &relay.ChatInfo{ID: chat, Title: title}, nil
}

// SetReaction redacts the relay's previous reaction on msg and sends the
// new one.
func (c *Client) SetReaction(ctx context.Context, dest relay.ChatID, msg relay.MessageID, reaction string) error {
	target := id.EventID(msg)
	if old, ok := c.ownReactions.Get(target); ok {
		if old.Key == reaction {
			return nil
		}
		_, err := c.client.RedactEvent(ctx, id.RoomID(dest), old.EventID)
		if err != nil && !errors.Is(err, mautrix.MNotFound) {
			return apiError("remove reaction", err)
		}
		c.ownReactions.Delete(target)
	}
	if reaction == "" {
		return nil
	}
	resp, err := c.client.SendReaction(ctx, id.RoomID(dest), target, reaction)
	if err != nil {
		return apiError("add reaction", err)
	}
	c.ownReactions.Set(target, ownReaction{EventID: resp.EventID, Key: reaction})
	return nil
}
