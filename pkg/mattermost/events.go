// Copyright 2024-2026 Aiku AI

package mattermost

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/mattermost/mattermost/server/public/model"

	"github.com/aiku/chatmirror/pkg/relay"
)

var errMissingData = errors.New("event missing payload")

// handleEvent dispatches a Mattermost WebSocket event to the appropriate handler.
func (c *Client) handleEvent(ctx context.Context, sink relay.EventSink, evt *model.WebSocketEvent) {
	switch evt.EventType() {
	case model.WebsocketEventPosted:
		c.handlePosted(ctx, sink, evt)
	case model.WebsocketEventPostEdited:
		c.handlePostEdited(sink, evt)
	case model.WebsocketEventPostDeleted:
		c.handlePostDeleted(sink, evt)
	case model.WebsocketEventReactionAdded, model.WebsocketEventReactionRemoved:
		c.handleReactionChanged(ctx, sink, evt)
	default:
		c.log.Trace().Str("event_type", string(evt.EventType())).Msg("Unhandled event type")
	}
}

// parsePostEvent extracts the post of a posted, edited or deleted event.
// It returns (nil, nil) for the relay account's own posts, which must never
// be mirrored again.
func (c *Client) parsePostEvent(evt *model.WebSocketEvent) (*model.Post, error) {
	postJSON, ok := evt.GetData()["post"].(string)
	if !ok {
		return nil, errMissingData
	}
	var post model.Post
	if err := json.Unmarshal([]byte(postJSON), &post); err != nil {
		return nil, fmt.Errorf("failed to unmarshal post: %w", err)
	}
	if post.UserId == c.userID {
		return nil, nil
	}
	return &post, nil
}

// parseReactionEvent extracts a reaction, skipping the relay's own.
func (c *Client) parseReactionEvent(evt *model.WebSocketEvent) (*model.Reaction, error) {
	reactionJSON, ok := evt.GetData()["reaction"].(string)
	if !ok {
		return nil, errMissingData
	}
	var reaction model.Reaction
	if err := json.Unmarshal([]byte(reactionJSON), &reaction); err != nil {
		return nil, fmt.Errorf("failed to unmarshal reaction: %w", err)
	}
	if reaction.UserId == c.userID {
		return nil, nil
	}
	return &reaction, nil
}

func (c *Client) handlePosted(ctx context.Context, sink relay.EventSink, evt *model.WebSocketEvent) {
	post, err := c.parsePostEvent(evt)
	if err != nil {
		c.log.Warn().Err(err).Msg("Failed to parse posted event")
		return
	} else if post == nil {
		return
	}
	c.log.Debug().
		Str("post_id", post.Id).
		Str("channel_id", post.ChannelId).
		Str("user_id", post.UserId).
		Msg("Received new message")

	msg := postMessage(post)
	msg.Media = c.postMedia(ctx, post)
	sink.QueueEvent(&relay.MessageEvent{Message: msg})
}

func (c *Client) handlePostEdited(sink relay.EventSink, evt *model.WebSocketEvent) {
	post, err := c.parsePostEvent(evt)
	if err != nil {
		c.log.Warn().Err(err).Msg("Failed to parse post edited event")
		return
	} else if post == nil {
		return
	}
	sink.QueueEvent(&relay.EditEvent{
		Message: postMessage(post),
		// Metadata-only updates such as reaction changes leave EditAt unset.
		ReactionUpdate: post.EditAt == 0,
	})
}

func (c *Client) handlePostDeleted(sink relay.EventSink, evt *model.WebSocketEvent) {
	post, err := c.parsePostEvent(evt)
	if err != nil {
		c.log.Warn().Err(err).Msg("Failed to parse post deleted event")
		return
	} else if post == nil {
		return
	}
	sink.QueueEvent(&relay.DeleteEvent{
		ChatID:     relay.ChatID(post.ChannelId),
		MessageIDs: []relay.MessageID{relay.MessageID(post.Id)},
	})
}

// handleReactionChanged reports the full reaction set of the post after an
// add or remove, ordered by creation time and without the relay's own.
func (c *Client) handleReactionChanged(ctx context.Context, sink relay.EventSink, evt *model.WebSocketEvent) {
	reaction, err := c.parseReactionEvent(evt)
	if err != nil {
		c.log.Warn().Err(err).Msg("Failed to parse reaction event")
		return
	} else if reaction == nil {
		return
	}
	channelID := evt.GetBroadcast().ChannelId
	if channelID == "" {
		post, _, err := c.client.GetPost(ctx, reaction.PostId, "")
		if err != nil {
			c.log.Warn().Err(err).Str("post_id", reaction.PostId).Msg("Failed to resolve channel of reaction")
			return
		}
		channelID = post.ChannelId
	}

	reactions, _, err := c.client.GetReactions(ctx, reaction.PostId)
	if err != nil {
		c.log.Warn().Err(err).Str("post_id", reaction.PostId).Msg("Failed to fetch reactions")
		return
	}
	sink.QueueEvent(&relay.ReactionEvent{
		ChatID:    relay.ChatID(channelID),
		MessageID: relay.MessageID(reaction.PostId),
		Reactions: c.foreignReactions(reactions),
	})
}

func (c *Client) foreignReactions(reactions []*model.Reaction) []string {
	reactions = slices.Clone(reactions)
	slices.SortStableFunc(reactions, func(a, b *model.Reaction) int {
		return cmp.Compare(a.CreateAt, b.CreateAt)
	})
	var out []string
	for _, r := range reactions {
		if r == nil || r.UserId == c.userID {
			continue
		}
		emoji := reactionToEmoji(r.EmojiName)
		if !slices.Contains(out, emoji) {
			out = append(out, emoji)
		}
	}
	return out
}

// postMessage converts the fields of a post that need no API lookups.
func postMessage(post *model.Post) *relay.Message {
	msg := &relay.Message{
		ChatID:   relay.ChatID(post.ChannelId),
		ID:       relay.MessageID(post.Id),
		SenderID: post.UserId,
		Text:     post.Message,
		Date:     time.UnixMilli(post.CreateAt),
		Service:  post.Type != "" && post.Type != model.PostTypeDefault,
		Forward:  forwardInfo(post),
	}
	if post.EditAt > 0 {
		msg.EditDate = time.UnixMilli(post.EditAt)
	}
	if post.RootId != "" {
		msg.ReplyTo = relay.MessageID(post.RootId)
		msg.Topic = relay.TopicID(post.RootId)
	}
	if post.Metadata != nil && len(post.Metadata.Files) > 0 {
		msg.Media = fileMedia(post.FileIds, post.Metadata.Files[0])
	}
	return msg
}

// forwardInfo treats posts made under an overridden name (webhooks and
// integrations) as forwarded from that name.
func forwardInfo(post *model.Post) *relay.ForwardInfo {
	name, _ := post.GetProp(model.PostPropsOverrideUsername).(string)
	if name != "" {
		return &relay.ForwardInfo{FromName: name}
	}
	if fromWebhook, _ := post.GetProp(model.PostPropsFromWebhook).(string); fromWebhook == "true" {
		return &relay.ForwardInfo{}
	}
	return nil
}

// postMedia describes the attachments of a post. All file ids travel in Ref
// so the copy carries every file; the first file decides the kind.
func (c *Client) postMedia(ctx context.Context, post *model.Post) *relay.Media {
	if len(post.FileIds) > 0 {
		if post.Metadata != nil && len(post.Metadata.Files) > 0 {
			return fileMedia(post.FileIds, post.Metadata.Files[0])
		}
		info, _, err := c.client.GetFileInfo(ctx, post.FileIds[0])
		if err != nil {
			c.log.Warn().Err(err).Str("file_id", post.FileIds[0]).Msg("Failed to get file info")
			info = &model.FileInfo{Id: post.FileIds[0]}
		}
		return fileMedia(post.FileIds, info)
	}
	if post.Metadata != nil {
		for _, embed := range post.Metadata.Embeds {
			if embed != nil && embed.URL != "" && embed.Type == model.PostEmbedOpengraph {
				return &relay.Media{Kind: relay.MediaWebPage, Ref: embed.URL}
			}
		}
	}
	return nil
}

func fileMedia(fileIDs []string, info *model.FileInfo) *relay.Media {
	return &relay.Media{
		Kind:     mediaKind(info.MimeType),
		Ref:      strings.Join(fileIDs, ","),
		Name:     info.Name,
		MimeType: info.MimeType,
	}
}

func mediaKind(mimeType string) relay.MediaKind {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return relay.MediaPhoto
	case strings.HasPrefix(mimeType, "video/"):
		return relay.MediaVideo
	case strings.HasPrefix(mimeType, "audio/"):
		return relay.MediaAudio
	default:
		return relay.MediaDocument
	}
}
