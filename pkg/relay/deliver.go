// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// replyOptions resolves where a mirrored message attaches in the
// destination: the copy of the replied-to message if it was mirrored there,
// else the destination topic of the binding.
func (e *Engine) replyOptions(binding RouteBinding, msg *Message) SendOptions {
	opts := SendOptions{Topic: binding.DestinationTopic}
	if msg.ReplyTo == "" {
		return opts
	}
	for _, rec := range e.store.Lookup(string(msg.ChatID), string(msg.ReplyTo)) {
		if rec.BackupChatID == string(binding.DestinationID) {
			opts.ReplyTo = MessageID(rec.BackupMsgID)
			break
		}
	}
	return opts
}

func (e *Engine) resolveSender(ctx context.Context, log *zerolog.Logger, msg *Message) *Sender {
	sender, err := e.platform.ResolveSender(ctx, msg)
	if err != nil || sender == nil {
		log.Warn().Err(err).Str("sender_id", msg.SenderID).Msg("Failed to resolve sender")
		return &Sender{ID: msg.SenderID}
	}
	return sender
}

func (e *Engine) deliverNew(ctx context.Context, log *zerolog.Logger, t *NewTask) error {
	msg := t.Message
	key := t.Binding.destination()
	sender := e.resolveSender(ctx, log, msg)
	emit := e.attribution.observe(key, msg.SenderID, forwardSignature(msg.Forward))
	var header string
	if emit {
		header = e.compose.header(t.Binding, sender, msg)
	}
	opts := e.replyOptions(t.Binding, msg)

	var sentID MessageID
	var err error
	switch {
	case msg.Media != nil && msg.Media.Kind == MediaWebPage:
		opts.LinkPreview = true
		body := e.compose.body(header, msg)
		err = e.call(ctx, log, "send_text", func() (err error) {
			sentID, err = e.platform.SendText(ctx, key.Chat, body, opts)
			return
		})
	case msg.Media.IsRich() && emit && msg.Text == "":
		err = e.call(ctx, log, "send_media", func() (err error) {
			sentID, err = e.platform.SendMedia(ctx, key.Chat, *msg.Media, "", opts)
			return
		})
		if err != nil {
			break
		}
		e.record(msg, key, sentID)
		followUp := SendOptions{ReplyTo: sentID, Topic: opts.Topic}
		err = e.call(ctx, log, "send_text", func() error {
			_, err := e.platform.SendText(ctx, key.Chat, header, followUp)
			return err
		})
		if err != nil {
			log.Warn().Err(err).Str("copy_id", string(sentID)).Msg("Failed to send header for media message")
		}
		return nil
	case msg.Media.IsRich():
		caption := e.compose.body(header, msg)
		if caption == "" {
			caption = e.compose.bareTimestamp(msg.Date)
		}
		err = e.call(ctx, log, "send_media", func() (err error) {
			sentID, err = e.platform.SendMedia(ctx, key.Chat, *msg.Media, caption, opts)
			return
		})
	default:
		body := e.compose.body(header, msg)
		err = e.call(ctx, log, "send_text", func() (err error) {
			sentID, err = e.platform.SendText(ctx, key.Chat, body, opts)
			return
		})
	}
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	e.record(msg, key, sentID)
	return nil
}

func (e *Engine) record(msg *Message, key destinationKey, sentID MessageID) {
	e.store.Append(string(msg.ChatID), string(msg.ID), string(key.Chat), string(sentID), string(key.Topic))
}

func (e *Engine) deliverAlbum(ctx context.Context, log *zerolog.Logger, t *AlbumTask) error {
	key := t.Binding.destination()
	items := make([]*Message, 0, len(t.Items))
	media := make([]Media, 0, len(t.Items))
	captions := make([]string, 0, len(t.Items))
	for _, item := range t.Items {
		if item.Media == nil {
			log.Warn().Str("source_msg", string(item.ID)).Msg("Album item without media, skipping")
			continue
		}
		items = append(items, item)
		media = append(media, *item.Media)
		captions = append(captions, item.Text)
	}
	if len(items) == 0 {
		return nil
	}
	first := items[0]
	sender := e.resolveSender(ctx, log, first)
	if e.attribution.observe(key, first.SenderID, forwardSignature(first.Forward)) {
		captions[0] = e.compose.header(t.Binding, sender, first) + captions[0]
	} else if allEmpty(captions) {
		captions[0] = e.compose.bareTimestamp(first.Date)
	}
	opts := e.replyOptions(t.Binding, first)

	var ids []MessageID
	err := e.call(ctx, log, "send_media_group", func() (err error) {
		ids, err = e.platform.SendMediaGroup(ctx, key.Chat, media, captions, opts)
		return
	})
	if err != nil {
		return fmt.Errorf("failed to send album: %w", err)
	}
	if len(ids) != len(items) {
		log.Warn().
			Int("items", len(items)).
			Int("returned", len(ids)).
			Msg("Album id count mismatch, not recording correlation")
		return nil
	}
	for i, item := range items {
		e.record(item, key, ids[i])
	}
	return nil
}

func allEmpty(values []string) bool {
	for _, v := range values {
		if v != "" {
			return false
		}
	}
	return true
}
