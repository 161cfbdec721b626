// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package mattermost

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"
	"go.mau.fi/util/exsync"

	"github.com/aiku/chatmirror/pkg/config"
	"github.com/aiku/chatmirror/pkg/relay"
)

var errEventChannelClosed = errors.New("websocket event channel closed")

// Client is the relay account's connection to a Mattermost server. It
// implements relay.Platform for sending and relay.Listener for receiving.
type Client struct {
	client    *model.Client4
	serverURL string
	userID    string
	log       zerolog.Logger

	users *exsync.Map[string, *model.User]

	// ReconnectMaxInterval caps the delay between websocket reconnects.
	ReconnectMaxInterval time.Duration
}

var (
	_ relay.Platform         = (*Client)(nil)
	_ relay.Listener         = (*Client)(nil)
	_ relay.Permalinker      = (*Client)(nil)
	_ relay.KeyParser        = (*Client)(nil)
	_ relay.ChatIDNormalizer = (*Client)(nil)
)

// New creates a client for the configured server. Call Connect before use.
func New(cfg config.Mattermost, log zerolog.Logger) *Client {
	serverURL := strings.TrimRight(cfg.ServerURL, "/")
	client := model.NewAPIv4Client(serverURL)
	client.SetToken(cfg.Token)
	return &Client{
		client:               client,
		serverURL:            serverURL,
		log:                  log.With().Str("component", "mm_client").Logger(),
		users:                exsync.NewMap[string, *model.User](),
		ReconnectMaxInterval: time.Minute,
	}
}

// Connect verifies the session token and remembers the relay account's user
// id, which is used to ignore the relay's own posts.
func (c *Client) Connect(ctx context.Context) error {
	c.log.Info().Str("server_url", c.serverURL).Msg("Connecting to Mattermost")
	me, _, err := c.client.GetMe(ctx, "")
	if err != nil {
		return fmt.Errorf("failed to verify Mattermost session: %w", err)
	}
	c.userID = me.Id
	c.users.Set(me.Id, me)
	c.log.Info().Str("user_id", me.Id).Str("username", me.Username).Msg("Authenticated")
	return nil
}

// UserID returns the relay account's user id once connected.
func (c *Client) UserID() string {
	return c.userID
}

// Listen streams websocket events into sink until ctx is done. Dropped
// connections are re-established with exponential backoff.
func (c *Client) Listen(ctx context.Context, sink relay.EventSink) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = c.ReconnectMaxInterval
	bo.MaxElapsedTime = 0
	for {
		connected, err := c.listenOnce(ctx, sink)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			bo.Reset()
		}
		wait := bo.NextBackOff()
		c.log.Warn().Err(err).Dur("retry_in", wait).Msg("WebSocket disconnected, reconnecting")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (c *Client) listenOnce(ctx context.Context, sink relay.EventSink) (bool, error) {
	wsURL := httpToWS(c.serverURL)
	ws, err := model.NewWebSocketClient4(wsURL, c.client.AuthToken)
	if err != nil {
		return false, fmt.Errorf("failed to create websocket client: %w", err)
	}
	ws.Listen()
	c.log.Info().Str("ws_url", wsURL).Msg("WebSocket connected")

	for {
		select {
		case <-ctx.Done():
			ws.Close()
			return true, nil
		case evt, ok := <-ws.EventChannel:
			if !ok {
				if ws.ListenError != nil {
					return true, ws.ListenError
				}
				return true, errEventChannelClosed
			}
			if evt == nil {
				continue
			}
			c.handleEvent(ctx, sink, evt)
		}
	}
}

// httpToWS converts an HTTP(S) URL to a WS(S) URL.
func httpToWS(url string) string {
	if strings.HasPrefix(url, "https://") {
		return "wss://" + strings.TrimPrefix(url, "https://")
	}
	if strings.HasPrefix(url, "http://") {
		return "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url
}

// Permalink returns the server's redirect link for a post.
func (c *Client) Permalink(_ relay.ChatID, msg relay.MessageID) string {
	if c.serverURL == "" || msg == "" {
		return ""
	}
	return c.serverURL + "/_redirect/pl/" + string(msg)
}

// NormalizeChatID is the identity: websocket broadcasts carry the same
// channel ids that configuration uses.
func (c *Client) NormalizeChatID(id relay.ChatID) relay.ChatID {
	return relay.ChatID(strings.TrimSpace(string(id)))
}
