// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package mattermost

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/mattermost/mattermost/server/public/model"
	"go.mau.fi/util/ptr"

	"github.com/aiku/chatmirror/pkg/relay"
)

var errNoFileInfo = errors.New("no file info returned from upload")

// apiError wraps a failed API call, mapping 404 responses to relay.ErrNotFound.
func apiError(op string, resp *model.Response, err error) error {
	if resp != nil && resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("failed to %s: %w: %w", op, relay.ErrNotFound, err)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

// threadRoot returns the root post a new post should be attached to.
// Mattermost threads are flat, so a reply to a reply goes to the root.
func (c *Client) threadRoot(ctx context.Context, opts relay.SendOptions) string {
	if opts.ReplyTo != "" {
		target, _, err := c.client.GetPost(ctx, string(opts.ReplyTo), "")
		if err == nil {
			if target.RootId != "" {
				return target.RootId
			}
			return target.Id
		}
		c.log.Debug().Err(err).Str("post_id", string(opts.ReplyTo)).Msg("Reply target not found, posting to topic")
	}
	return string(opts.Topic)
}

func (c *Client) createPost(ctx context.Context, post *model.Post) (relay.MessageID, error) {
	created, resp, err := c.client.CreatePost(ctx, post)
	if err != nil {
		return "", apiError("create post", resp, err)
	}
	return relay.MessageID(created.Id), nil
}

// SendText creates a post. Link previews follow the server settings.
func (c *Client) SendText(ctx context.Context, dest relay.ChatID, body string, opts relay.SendOptions) (relay.MessageID, error) {
	return c.createPost(ctx, &model.Post{
		ChannelId: string(dest),
		Message:   body,
		RootId:    c.threadRoot(ctx, opts),
	})
}

// SendMedia copies the files referenced by media into dest and posts them
// with caption.
func (c *Client) SendMedia(ctx context.Context, dest relay.ChatID, media relay.Media, caption string, opts relay.SendOptions) (relay.MessageID, error) {
	fileIDs, err := c.copyFiles(ctx, dest, media)
	if err != nil {
		return "", err
	}
	return c.createPost(ctx, &model.Post{
		ChannelId: string(dest),
		Message:   caption,
		FileIds:   fileIDs,
		RootId:    c.threadRoot(ctx, opts),
	})
}

// SendMediaGroup posts every item separately since Mattermost has no
// grouped posts. The returned ids are in item order.
func (c *Client) SendMediaGroup(ctx context.Context, dest relay.ChatID, media []relay.Media, captions []string, opts relay.SendOptions) ([]relay.MessageID, error) {
	ids := make([]relay.MessageID, 0, len(media))
	for i, item := range media {
		var caption string
		if i < len(captions) {
			caption = captions[i]
		}
		id, err := c.SendMedia(ctx, dest, item, caption, opts)
		if err != nil {
			return ids, fmt.Errorf("item %d: %w", i, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (c *Client) copyFiles(ctx context.Context, dest relay.ChatID, media relay.Media) ([]string, error) {
	var fileIDs []string
	for _, fileID := range strings.Split(media.Ref, ",") {
		if fileID == "" {
			continue
		}
		data, resp, err := c.client.GetFile(ctx, fileID)
		if err != nil {
			return nil, apiError("download file", resp, err)
		}
		filename := media.Name
		if info, _, err := c.client.GetFileInfo(ctx, fileID); err == nil && info.Name != "" {
			filename = info.Name
		}
		uploaded, err := c.uploadFile(ctx, dest, filename, data)
		if err != nil {
			return nil, err
		}
		fileIDs = append(fileIDs, uploaded)
	}
	if len(fileIDs) == 0 {
		return nil, fmt.Errorf("media %s has no files", media.Kind)
	}
	return fileIDs, nil
}

func (c *Client) uploadFile(ctx context.Context, dest relay.ChatID, filename string, data []byte) (string, error) {
	if filename == "" {
		filename = "upload"
	}
	fileUploadResp, resp, err := c.client.UploadFile(ctx, data, string(dest), filename)
	if err != nil {
		return "", apiError("upload file", resp, err)
	}
	if len(fileUploadResp.FileInfos) == 0 {
		return "", errNoFileInfo
	}
	return fileUploadResp.FileInfos[0].Id, nil
}

// EditText replaces the message of a post.
func (c *Client) EditText(ctx context.Context, _ relay.ChatID, msg relay.MessageID, body string) error {
	_, resp, err := c.client.PatchPost(ctx, string(msg), &model.PostPatch{Message: ptr.Ptr(body)})
	if err != nil {
		return apiError("edit post", resp, err)
	}
	return nil
}

// FetchText returns the current message of a post.
func (c *Client) FetchText(ctx context.Context, _ relay.ChatID, msg relay.MessageID) (string, error) {
	post, resp, err := c.client.GetPost(ctx, string(msg), "")
	if err != nil {
		return "", apiError("get post", resp, err)
	}
	return post.Message, nil
}

func (c *Client) getUser(ctx context.Context, userID string) (*model.User, error) {
	if user, ok := c.users.Get(userID); ok {
		return user, nil
	}
	user, resp, err := c.client.GetUser(ctx, userID, "")
	if err != nil {
		return nil, apiError("get user", resp, err)
	}
	c.users.Set(userID, user)
	return user, nil
}

// ResolveSender looks up the author of msg. Users are cached for the
// lifetime of the client.
func (c *Client) ResolveSender(ctx context.Context, msg *relay.Message) (*relay.Sender, error) {
	user, err := c.getUser(ctx, msg.SenderID)
	if err != nil {
		return nil, err
	}
	return &relay.Sender{
		ID:        user.Id,
		FirstName: user.FirstName,
		LastName:  user.LastName,
		Username:  user.Username,
		Nickname:  user.Nickname,
	}, nil
}

// ResolveChat returns the display name of a channel.
func (c *Client) ResolveChat(ctx context.Context, id relay.ChatID) (*relay.ChatInfo, error) {
	channel, resp, err := c.client.GetChannel(ctx, string(id), "")
	if err != nil {
		return nil, apiError("get channel", resp, err)
	}
	title := channel.DisplayName
	if title == "" {
		title = channel.Name
	}
	return &relay.ChatInfo{ID: id, Title: title}, nil
}

// SetReaction makes reaction the relay account's only reaction on msg.
func (c *Client) SetReaction(ctx context.Context, _ relay.ChatID, msg relay.MessageID, reaction string) error {
	existing, resp, err := c.client.GetReactions(ctx, string(msg))
	if err != nil {
		return apiError("get reactions", resp, err)
	}
	want := ""
	if reaction != "" {
		want = emojiToReaction(reaction)
	}
	found := false
	for _, r := range existing {
		if r == nil || r.UserId != c.userID {
			continue
		}
		if r.EmojiName == want {
			found = true
			continue
		}
		if resp, err := c.client.DeleteReaction(ctx, r); err != nil {
			return apiError("remove reaction", resp, err)
		}
	}
	if want == "" || found {
		return nil
	}
	_, resp, err = c.client.SaveReaction(ctx, &model.Reaction{
		UserId:    c.userID,
		PostId:    string(msg),
		EmojiName: want,
	})
	if err != nil {
		return apiError("save reaction", resp, err)
	}
	return nil
}
