// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound   = errors.New("message not found")
	ErrInvalidKey = errors.New("invalid conversation key")
)

// ChatID identifies a conversation on the platform.
type ChatID string

// MessageID identifies a message within a conversation.
type MessageID string

// TopicID identifies a sub-topic or thread within a conversation.
type TopicID string

// MediaKind is the type of attachment carried by a message.
type MediaKind int

const (
	MediaNone MediaKind = iota
	MediaPhoto
	MediaVideo
	MediaAudio
	MediaDocument
	// MediaWebPage is a link preview. It is sent as text with the preview
	// enabled instead of as an attachment.
	MediaWebPage
)

func (k MediaKind) String() string {
	switch k {
	case MediaPhoto:
		return "photo"
	case MediaVideo:
		return "video"
	case MediaAudio:
		return "audio"
	case MediaDocument:
		return "document"
	case MediaWebPage:
		return "webpage"
	default:
		return "none"
	}
}

// Media describes an attachment. Ref is opaque to the engine and only
// interpreted by the platform adapter that produced it.
type Media struct {
	Kind     MediaKind
	Ref      string
	Name     string
	MimeType string
}

// IsRich reports whether m is an attachment as opposed to a link preview.
func (m *Media) IsRich() bool {
	return m != nil && m.Kind != MediaNone && m.Kind != MediaWebPage
}

// ForwardInfo is the original author of a forwarded message.
type ForwardInfo struct {
	FromID   string
	FromName string
}

// Message is a platform-neutral view of a source message.
type Message struct {
	ChatID   ChatID
	ID       MessageID
	SenderID string
	Text     string
	Date     time.Time
	EditDate time.Time

	// ReplyTo is the message this one replies to, if any.
	ReplyTo MessageID
	// Topic is the sub-topic or thread the message belongs to, if any.
	Topic TopicID

	// GroupID is set on every item of a multi-item post. Seq orders the
	// items within the group.
	GroupID string
	Seq     int

	Media   *Media
	Service bool
	Forward *ForwardInfo
}

// Sender is the resolved author of a message.
type Sender struct {
	ID        string
	FirstName string
	LastName  string
	Username  string
	Nickname  string
}

// ChatInfo is the resolved metadata of a conversation.
type ChatInfo struct {
	ID    ChatID
	Title string
}

// SendOptions controls threading and previews of sent messages.
type SendOptions struct {
	ReplyTo     MessageID
	Topic       TopicID
	LinkPreview bool
}

// Platform is the set of calls the engine makes against the messaging
// platform. All methods must be safe for concurrent use.
type Platform interface {
	SendText(ctx context.Context, dest ChatID, body string, opts SendOptions) (MessageID, error)
	SendMedia(ctx context.Context, dest ChatID, media Media, caption string, opts SendOptions) (MessageID, error)
	// SendMediaGroup sends the items as one unit and returns the ids of the
	// created messages in item order.
	SendMediaGroup(ctx context.Context, dest ChatID, media []Media, captions []string, opts SendOptions) ([]MessageID, error)
	EditText(ctx context.Context, dest ChatID, msg MessageID, body string) error
	// FetchText returns the current text of a message or ErrNotFound.
	FetchText(ctx context.Context, dest ChatID, msg MessageID) (string, error)
	ResolveSender(ctx context.Context, msg *Message) (*Sender, error)
	ResolveChat(ctx context.Context, id ChatID) (*ChatInfo, error)
	// SetReaction replaces the relay account's reaction on msg. An empty
	// reaction clears it.
	SetReaction(ctx context.Context, dest ChatID, msg MessageID, reaction string) error
}

// Permalinker is implemented by platforms that can link to a message.
type Permalinker interface {
	Permalink(chat ChatID, msg MessageID) string
}

// ChatIDNormalizer is implemented by platforms whose raw update ids differ
// from the ids used in configuration.
type ChatIDNormalizer interface {
	NormalizeChatID(id ChatID) ChatID
}

// Event is a change observed on a source conversation.
type Event interface {
	isEvent()
}

// MessageEvent is a new message.
type MessageEvent struct {
	Message *Message
}

// EditEvent is a message update. ReactionUpdate is set when the platform
// reported the update because reactions changed rather than the content.
type EditEvent struct {
	Message        *Message
	ReactionUpdate bool
}

// DeleteEvent is a batch of deleted messages of one conversation.
type DeleteEvent struct {
	ChatID     ChatID
	MessageIDs []MessageID
}

// ReactionEvent carries the full current reaction set of a message.
type ReactionEvent struct {
	ChatID    ChatID
	MessageID MessageID
	Reactions []string
}

func (*MessageEvent) isEvent()  {}
func (*EditEvent) isEvent()     {}
func (*DeleteEvent) isEvent()   {}
func (*ReactionEvent) isEvent() {}

// EventSink receives events from a platform listener.
type EventSink interface {
	QueueEvent(evt Event)
}

// Listener is implemented by platform adapters that produce events.
type Listener interface {
	// Listen delivers events to sink until ctx is done or the connection fails.
	Listen(ctx context.Context, sink EventSink) error
}
