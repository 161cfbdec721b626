// Copyright 2024-2026 Aiku AI

package relay

import (
	"slices"
	"sync"
	"time"
)

type albumKey struct {
	dest  destinationKey
	group string
}

type albumBuffer struct {
	binding RouteBinding
	items   []*Message
	timer   *time.Timer
}

// albumAggregator collects the items of multi-item posts per destination.
// A buffer is flushed a fixed quiet period after its first item arrived;
// later items do not extend the deadline.
type albumAggregator struct {
	quiet   time.Duration
	enqueue func(destinationKey, Task)

	lock    sync.Mutex
	buffers map[albumKey]*albumBuffer
}

func newAlbumAggregator(quiet time.Duration, enqueue func(destinationKey, Task)) *albumAggregator {
	return &albumAggregator{
		quiet:   quiet,
		enqueue: enqueue,
		buffers: make(map[albumKey]*albumBuffer),
	}
}

func (a *albumAggregator) add(binding RouteBinding, msg *Message) {
	key := albumKey{dest: binding.destination(), group: msg.GroupID}
	a.lock.Lock()
	defer a.lock.Unlock()
	if buf, ok := a.buffers[key]; ok {
		buf.items = append(buf.items, msg)
		return
	}
	buf := &albumBuffer{binding: binding, items: []*Message{msg}}
	buf.timer = time.AfterFunc(a.quiet, func() { a.flush(key) })
	a.buffers[key] = buf
}

func (a *albumAggregator) flush(key albumKey) {
	a.lock.Lock()
	buf, ok := a.buffers[key]
	delete(a.buffers, key)
	a.lock.Unlock()
	if !ok || len(buf.items) == 0 {
		return
	}
	slices.SortStableFunc(buf.items, func(x, y *Message) int {
		return x.Seq - y.Seq
	})
	a.enqueue(key.dest, &AlbumTask{Binding: buf.binding, Items: buf.items})
}

// stop cancels pending flushes. Buffered items are discarded.
func (a *albumAggregator) stop() int {
	a.lock.Lock()
	defer a.lock.Unlock()
	n := 0
	for key, buf := range a.buffers {
		buf.timer.Stop()
		n += len(buf.items)
		delete(a.buffers, key)
	}
	return n
}

func (a *albumAggregator) pending() int {
	a.lock.Lock()
	defer a.lock.Unlock()
	return len(a.buffers)
}
