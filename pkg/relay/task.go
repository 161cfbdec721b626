// Copyright 2024-2026 Aiku AI

package relay

import (
	"time"

	"github.com/aiku/chatmirror/pkg/store"
)

// Task is a unit of work owned by a destination queue. The set of task
// types is closed.
type Task interface {
	Kind() string
	task()
}

// NewTask mirrors a single new message.
type NewTask struct {
	Binding RouteBinding
	Message *Message
}

// AlbumTask mirrors the items of one multi-item post, sorted by Seq.
type AlbumTask struct {
	Binding RouteBinding
	Items   []*Message
}

// EditTask appends an edit entry to one mirrored copy.
type EditTask struct {
	Record  store.Record
	Message *Message
}

// DeleteTask flags one mirrored copy as recalled.
type DeleteTask struct {
	Record    store.Record
	DeletedAt time.Time
}

// ReactionTask replaces the relay reaction on one mirrored copy.
type ReactionTask struct {
	Record   store.Record
	Reaction string
}

func (*NewTask) Kind() string      { return "new" }
func (*AlbumTask) Kind() string    { return "album" }
func (*EditTask) Kind() string     { return "edit" }
func (*DeleteTask) Kind() string   { return "delete" }
func (*ReactionTask) Kind() string { return "reaction" }

func (*NewTask) task()      {}
func (*AlbumTask) task()    {}
func (*EditTask) task()     {}
func (*DeleteTask) task()   {}
func (*ReactionTask) task() {}

func recordDestination(rec store.Record) destinationKey {
	return destinationKey{Chat: ChatID(rec.BackupChatID), Topic: TopicID(rec.TargetTopicID)}
}
