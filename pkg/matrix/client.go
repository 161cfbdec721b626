// Copyright 2024-2026 Aiku AI

// Package matrix implements the relay platform on the Matrix client-server
// API. Rooms are conversations and thread roots are topics.
package matrix

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"go.mau.fi/util/exsync"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/chatmirror/pkg/config"
	"github.com/aiku/chatmirror/pkg/relay"
)

// Client is the relay account on a Matrix homeserver.
type Client struct {
	client *mautrix.Client
	userID id.UserID
	log    zerolog.Logger

	// sent keeps the latest content of messages this client created or
	// edited, so edits can be appended without re-reading the room.
	sent *exsync.Map[id.EventID, *event.MessageEventContent]
	// ownReactions maps a target event to the relay's reaction on it.
	ownReactions *exsync.Map[id.EventID, ownReaction]

	reactionsLock sync.Mutex
	reactions     map[id.EventID][]trackedReaction
	reactionIndex map[id.EventID]id.EventID

	// ReconnectMaxInterval caps the delay between failed syncs.
	ReconnectMaxInterval time.Duration
}

type ownReaction struct {
	EventID id.EventID
	Key     string
}

// trackedReaction is a reaction by someone else on a source message.
type trackedReaction struct {
	EventID id.EventID
	Sender  id.UserID
	Key     string
}

var (
	_ relay.Platform         = (*Client)(nil)
	_ relay.Listener         = (*Client)(nil)
	_ relay.KeyParser        = (*Client)(nil)
	_ relay.Permalinker      = (*Client)(nil)
	_ relay.ChatIDNormalizer = (*Client)(nil)
)

// New creates a client for the configured homeserver and account.
func New(cfg config.Matrix, log zerolog.Logger) (*Client, error) {
	cli, err := mautrix.NewClient(cfg.HomeserverURL, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create matrix client: %w", err)
	}
	log = log.With().Str("component", "matrix_client").Logger()
	cli.Log = log
	return &Client{
		client:               cli,
		userID:               id.UserID(cfg.UserID),
		log:                  log,
		sent:                 exsync.NewMap[id.EventID, *event.MessageEventContent](),
		ownReactions:         exsync.NewMap[id.EventID, ownReaction](),
		reactions:            make(map[id.EventID][]trackedReaction),
		reactionIndex:        make(map[id.EventID]id.EventID),
		ReconnectMaxInterval: time.Minute,
	}, nil
}

// Connect checks the access token and learns the account's user id when it
// was not configured.
func (c *Client) Connect(ctx context.Context) error {
	resp, err := c.client.Whoami(ctx)
	if err != nil {
		return fmt.Errorf("failed to verify matrix session: %w", err)
	}
	if c.userID != "" && c.userID != resp.UserID {
		c.log.Warn().Stringer("configured", c.userID).Stringer("actual", resp.UserID).Msg("Configured user id does not match the access token")
	}
	c.userID = resp.UserID
	c.client.UserID = resp.UserID
	c.log.Info().Stringer("user_id", resp.UserID).Msg("Authenticated")
	return nil
}

// UserID returns the relay account's user id.
func (c *Client) UserID() id.UserID {
	return c.userID
}

// Listen syncs until ctx is done and delivers room events to sink. Events
// from before the first sync are skipped. Failed syncs are retried with
// exponential backoff.
func (c *Client) Listen(ctx context.Context, sink relay.EventSink) error {
	syncer, ok := c.client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("unsupported syncer %T", c.client.Syncer)
	}
	syncer.OnSync(c.client.DontProcessOldEvents)
	syncer.OnEventType(event.EventMessage, func(_ context.Context, evt *event.Event) {
		c.handleMessage(sink, evt)
	})
	syncer.OnEventType(event.EventReaction, func(_ context.Context, evt *event.Event) {
		c.handleReaction(sink, evt)
	})
	syncer.OnEventType(event.EventRedaction, func(_ context.Context, evt *event.Event) {
		c.handleRedaction(sink, evt)
	})

	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = c.ReconnectMaxInterval
	bo.MaxElapsedTime = 0
	for {
		err := c.client.SyncWithContext(ctx)
		if ctx.Err() != nil {
			return nil
		}
		wait := bo.NextBackOff()
		c.log.Warn().Err(err).Dur("retry_in", wait).Msg("Sync failed, retrying")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// Permalink returns a matrix.to link to an event.
func (c *Client) Permalink(chat relay.ChatID, msg relay.MessageID) string {
	if chat == "" || msg == "" {
		return ""
	}
	return "https://matrix.to/#/" + url.PathEscape(string(chat)) + "/" + url.PathEscape(string(msg))
}

// NormalizeChatID trims whitespace around room ids.
func (c *Client) NormalizeChatID(chat relay.ChatID) relay.ChatID {
	return relay.ChatID(trimID(string(chat)))
}
