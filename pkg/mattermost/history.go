// Copyright 2024-2026 Aiku AI

package mattermost

import (
	"context"
	"slices"
	"time"

	"github.com/mattermost/mattermost/server/public/model"

	"github.com/aiku/chatmirror/pkg/relay"
)

const historyPageSize = 200

// History returns the posts of a channel created at or after since, oldest
// first. System posts are skipped.
func (c *Client) History(ctx context.Context, chat relay.ChatID, since time.Time) ([]*relay.Message, error) {
	sinceMillis := since.UnixMilli()
	var out []*relay.Message
	for page := 0; ; page++ {
		postList, resp, err := c.client.GetPostsForChannel(ctx, string(chat), page, historyPageSize, "", false, false)
		if err != nil {
			return nil, apiError("get posts", resp, err)
		}
		reachedEnd := len(postList.Order) < historyPageSize
		for _, postID := range postList.Order {
			post, ok := postList.Posts[postID]
			if !ok {
				continue
			}
			if post.CreateAt < sinceMillis {
				reachedEnd = true
				continue
			}
			if post.Type != "" && post.Type != model.PostTypeDefault {
				continue
			}
			out = append(out, postMessage(post))
		}
		if reachedEnd {
			break
		}
	}
	slices.SortStableFunc(out, func(a, b *relay.Message) int {
		return a.Date.Compare(b.Date)
	})
	return out, nil
}

// UploadFile posts data as a file attachment with caption.
func (c *Client) UploadFile(ctx context.Context, chat relay.ChatID, filename string, data []byte, caption string) (relay.MessageID, error) {
	fileID, err := c.uploadFile(ctx, chat, filename, data)
	if err != nil {
		return "", err
	}
	return c.createPost(ctx, &model.Post{
		ChannelId: string(chat),
		Message:   caption,
		FileIds:   []string{fileID},
	})
}
