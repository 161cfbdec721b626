// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/exsync"
	"golang.org/x/time/rate"

	"github.com/aiku/chatmirror/pkg/config"
	"github.com/aiku/chatmirror/pkg/metrics"
	"github.com/aiku/chatmirror/pkg/store"
)

// Engine dispatches platform events to per-destination queues and runs the
// queue workers.
type Engine struct {
	platform Platform
	store    *store.Store
	log      zerolog.Logger

	compose     *composer
	attribution *attributionTracker
	albums      *albumAggregator
	queues      *exsync.Map[destinationKey, *destinationQueue]
	routes      atomic.Pointer[RouteTable]
	retry       *retrier

	rateLimit    rate.Limit
	rateBurst    int
	ignoreWindow time.Duration

	// now is overridable in tests.
	now func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine creates an engine. Start must be called before events are queued.
func NewEngine(platform Platform, st *store.Store, routes *RouteTable, cfg *config.Config, log zerolog.Logger) *Engine {
	loc, tzLabel := cfg.Settings.Location()
	e := &Engine{
		platform: platform,
		store:    st,
		log:      log.With().Str("component", "relay").Logger(),
		compose: &composer{
			loc:        loc,
			tzLabel:    tzLabel,
			printer:    NewPrinter(cfg.Settings.Locale),
			formatName: cfg.Settings.FormatSenderName,
		},
		attribution:  newAttributionTracker(),
		queues:       exsync.NewMap[destinationKey, *destinationQueue](),
		retry:        newRetrier(cfg.Relay.Retry),
		rateLimit:    rate.Limit(cfg.Relay.RateLimit.PerSecond),
		rateBurst:    cfg.Relay.RateLimit.Burst,
		ignoreWindow: time.Duration(cfg.Settings.AutoDeleteIgnoreDays) * 24 * time.Hour,
		now:          time.Now,
	}
	if pl, ok := platform.(Permalinker); ok {
		e.compose.permalinker = pl
	}
	e.albums = newAlbumAggregator(cfg.Relay.AlbumQuietPeriod, e.enqueue)
	e.SetRoutes(routes)
	return e
}

// Start enables queueing. Workers run until ctx is done or Stop is called.
func (e *Engine) Start(ctx context.Context) {
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.log.Info().
		Int("routes", e.Routes().Len()).
		Bool("retry", e.retry != nil).
		Msg("Relay engine started")
}

// Stop cancels all workers after their in-flight task and waits for them.
// Pending album buffers are discarded.
func (e *Engine) Stop() {
	if e.cancel == nil {
		return
	}
	e.cancel()
	if dropped := e.albums.stop(); dropped > 0 {
		e.log.Warn().Int("items", dropped).Msg("Discarded pending album items on shutdown")
	}
	e.wg.Wait()
	e.log.Info().Msg("Relay engine stopped")
}

// Wait blocks until all workers have exited.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// SetRoutes atomically replaces the routing table.
func (e *Engine) SetRoutes(rt *RouteTable) {
	if rt == nil {
		rt = &RouteTable{bySource: map[ChatID][]RouteBinding{}}
	}
	e.routes.Store(rt)
}

// Routes returns the current routing table.
func (e *Engine) Routes() *RouteTable {
	return e.routes.Load()
}

// Store returns the correlation store of the engine.
func (e *Engine) Store() *store.Store {
	return e.store
}

// QueueEvent implements EventSink. It never performs platform I/O.
func (e *Engine) QueueEvent(evt Event) {
	switch evt := evt.(type) {
	case *MessageEvent:
		e.dispatchMessage(evt.Message)
	case *EditEvent:
		e.dispatchEdit(evt)
	case *DeleteEvent:
		e.dispatchDelete(evt)
	case *ReactionEvent:
		e.dispatchReaction(evt)
	default:
		e.log.Warn().Type("event_type", evt).Msg("Unknown event type")
	}
}

func (e *Engine) dispatchMessage(msg *Message) {
	if msg == nil || msg.Service {
		return
	}
	for _, binding := range e.Routes().Lookup(msg.ChatID) {
		if binding.SourceTopic != "" && msg.Topic != binding.SourceTopic {
			continue
		}
		if msg.GroupID != "" {
			e.albums.add(binding, msg)
			continue
		}
		e.enqueue(binding.destination(), &NewTask{Binding: binding, Message: msg})
	}
}

func (e *Engine) dispatchEdit(evt *EditEvent) {
	msg := evt.Message
	if msg == nil || evt.ReactionUpdate || msg.EditDate.IsZero() {
		return
	}
	if !e.Routes().IsSource(msg.ChatID) {
		return
	}
	for _, rec := range e.store.Lookup(string(msg.ChatID), string(msg.ID)) {
		e.enqueue(recordDestination(rec), &EditTask{Record: rec, Message: msg})
	}
}

func (e *Engine) dispatchDelete(evt *DeleteEvent) {
	if !e.Routes().IsSource(evt.ChatID) {
		return
	}
	now := e.now()
	for _, id := range evt.MessageIDs {
		for _, rec := range e.store.Lookup(string(evt.ChatID), string(id)) {
			if e.deleteIgnored(rec, now) {
				e.log.Debug().
					Str("source_msg", string(id)).
					Str("copy_id", rec.BackupMsgID).
					Msg("Deletion outside the ignore window, not flagging")
				continue
			}
			e.enqueue(recordDestination(rec), &DeleteTask{Record: rec, DeletedAt: now})
		}
	}
}

// deleteIgnored reports whether the copy is old enough that its source
// deletion is treated as platform-side expiry.
func (e *Engine) deleteIgnored(rec store.Record, now time.Time) bool {
	if e.ignoreWindow <= 0 {
		return false
	}
	created, ok := rec.CreatedAt()
	return ok && now.Sub(created) >= e.ignoreWindow
}

func (e *Engine) dispatchReaction(evt *ReactionEvent) {
	chat, ok := e.resolveSource(evt.ChatID)
	if !ok {
		return
	}
	var reaction string
	if len(evt.Reactions) > 0 {
		reaction = evt.Reactions[0]
	}
	for _, rec := range e.store.Lookup(string(chat), string(evt.MessageID)) {
		e.enqueue(recordDestination(rec), &ReactionTask{Record: rec, Reaction: reaction})
	}
}

// resolveSource matches a raw conversation id against the routing table,
// first as is and then in the platform's normalized form.
func (e *Engine) resolveSource(id ChatID) (ChatID, bool) {
	routes := e.Routes()
	if routes.IsSource(id) {
		return id, true
	}
	if norm, ok := e.platform.(ChatIDNormalizer); ok {
		if normalized := norm.NormalizeChatID(id); routes.IsSource(normalized) {
			return normalized, true
		}
	}
	return "", false
}

func (e *Engine) enqueue(key destinationKey, t Task) {
	if e.ctx == nil || e.ctx.Err() != nil {
		e.log.Warn().Str("dest", key.String()).Str("task", t.Kind()).Msg("Engine not running, dropping task")
		metrics.IncTask(t.Kind(), "dropped")
		return
	}
	q, ok := e.queues.Get(key)
	if !ok {
		var existed bool
		q, existed = e.queues.GetOrSet(key, newDestinationQueue(key, e.rateLimit, e.rateBurst, e.log))
		if !existed {
			e.startWorker(q)
		}
	}
	q.push(t)
}

func (e *Engine) startWorker(q *destinationQueue) {
	e.wg.Add(1)
	metrics.ActiveQueues.Inc()
	go func() {
		defer e.wg.Done()
		defer metrics.ActiveQueues.Dec()
		q.run(e.ctx, e.process)
	}()
}

// process runs one task to completion. Failures are logged and the task is
// dropped.
func (e *Engine) process(ctx context.Context, log *zerolog.Logger, task Task) {
	start := time.Now()
	var err error
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
		if err != nil {
			log.Err(err).Dur("duration", time.Since(start)).Msg("Task failed, dropping")
			metrics.IncTask(task.Kind(), "error")
			return
		}
		log.Debug().Dur("duration", time.Since(start)).Msg("Task done")
		metrics.IncTask(task.Kind(), "ok")
	}()
	switch t := task.(type) {
	case *NewTask:
		msgLog := log.With().Str("source_msg", string(t.Message.ID)).Logger()
		err = e.deliverNew(ctx, &msgLog, t)
	case *AlbumTask:
		err = e.deliverAlbum(ctx, log, t)
	case *EditTask:
		err = e.applyEdit(ctx, log, t)
	case *DeleteTask:
		err = e.applyDelete(ctx, log, t)
	case *ReactionTask:
		err = e.applyReaction(ctx, log, t)
	default:
		err = fmt.Errorf("unknown task type %T", task)
	}
}

// Stats is a snapshot of the engine state.
type Stats struct {
	Routes        int `json:"routes"`
	Sources       int `json:"sources"`
	Queues        int `json:"queues"`
	QueuedTasks   int `json:"queued_tasks"`
	PendingAlbums int `json:"pending_albums"`
	StoreKeys     int `json:"store_keys"`
	StoreRecords  int `json:"store_records"`
}

// Stats returns a snapshot of the engine state.
func (e *Engine) Stats() Stats {
	routes := e.Routes()
	stats := Stats{
		Routes:        routes.Len(),
		Sources:       len(routes.Sources()),
		PendingAlbums: e.albums.pending(),
		StoreKeys:     e.store.Len(),
		StoreRecords:  e.store.Count(),
	}
	for _, q := range e.queues.CopyData() {
		stats.Queues++
		stats.QueuedTasks += q.depth()
	}
	return stats
}
