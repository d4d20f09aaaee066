// Package fanout maintains the ordered listener registrations and delivers
// every engine event to each of them on a single dispatch goroutine.
package fanout

import (
	"sync"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/inboxlabs/inboxsync/inbox"
)

type entry struct {
	id uuid.UUID
	l  inbox.Listener
}

// Registry holds listener registrations and serializes delivery. Producers
// enqueue without blocking; a dedicated goroutine drains the queue so all
// callbacks for one mutation complete before the next mutation's begin.
type Registry struct {
	log *zap.Logger

	mu        sync.Mutex
	cond      *sync.Cond
	listeners []entry
	queue     []func()
	closed    bool
	done      chan struct{}
}

// New constructs a Registry and starts its dispatch goroutine.
func New(log *zap.Logger) *Registry {
	r := &Registry{log: log, done: make(chan struct{})}
	r.cond = sync.NewCond(&r.mu)
	go r.dispatch()
	return r
}

func (r *Registry) dispatch() {
	defer close(r.done)
	for {
		r.mu.Lock()
		for len(r.queue) == 0 && !r.closed {
			r.cond.Wait()
		}
		if len(r.queue) == 0 && r.closed {
			r.mu.Unlock()
			return
		}
		fn := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()
		fn()
	}
}

// Add registers a listener and returns its removal handle.
func (r *Registry) Add(l inbox.Listener) uuid.UUID {
	id, _ := uuid.NewV4()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, entry{id: id, l: l})
	return id
}

// Remove drops a registration; reports whether it was present.
func (r *Registry) Remove(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.listeners {
		if e.id == id {
			r.listeners = append(r.listeners[:i], r.listeners[i+1:]...)
			return true
		}
	}
	return false
}

// RemoveAll drops every registration.
func (r *Registry) RemoveAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = nil
}

// Count returns the number of live registrations.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.listeners)
}

// Close stops the dispatch goroutine after the queue drains.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	r.cond.Signal()
	r.mu.Unlock()
	<-r.done
}

// Drain blocks until everything enqueued before the call has been delivered.
func (r *Registry) Drain() {
	ch := make(chan struct{})
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.queue = append(r.queue, func() { close(ch) })
	r.cond.Signal()
	r.mu.Unlock()
	<-ch
}

// broadcast enqueues fn against a snapshot of the current registrations,
// preserving registration order at delivery time.
func (r *Registry) broadcast(fn func(inbox.Listener)) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	ls := make([]entry, len(r.listeners))
	copy(ls, r.listeners)
	r.queue = append(r.queue, func() {
		for _, e := range ls {
			fn(e.l)
		}
	})
	r.cond.Signal()
	r.mu.Unlock()
}

// Replay delivers a full state snapshot to a single registration. Used when a
// listener subscribes after the engine is already initialized, so a late
// subscriber is never left without data.
func (r *Registry) Replay(id uuid.UUID, feed, archive inbox.MessageSet, unread int) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	var target inbox.Listener
	for _, e := range r.listeners {
		if e.id == id {
			target = e.l
			break
		}
	}
	if target == nil {
		r.mu.Unlock()
		return
	}
	r.queue = append(r.queue, func() {
		target.OnMessagesChanged(inbox.FeedMessages, feed.Messages)
		target.OnMessagesChanged(inbox.FeedArchive, archive.Messages)
		target.OnUnreadCountChanged(unread)
	})
	r.cond.Signal()
	r.mu.Unlock()
}

// ErrorTo delivers an error to a single registration.
func (r *Registry) ErrorTo(id uuid.UUID, err error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	var target inbox.Listener
	for _, e := range r.listeners {
		if e.id == id {
			target = e.l
			break
		}
	}
	if target == nil {
		r.mu.Unlock()
		return
	}
	r.queue = append(r.queue, func() { target.OnError(err) })
	r.cond.Signal()
	r.mu.Unlock()
}

// --- store.Emitter / orchestrator broadcast surface ---

// EmitLoading broadcasts a loading-state change.
func (r *Registry) EmitLoading(isRefresh bool) {
	r.broadcast(func(l inbox.Listener) { l.OnLoading(isRefresh) })
}

// EmitError broadcasts an error to every listener.
func (r *Registry) EmitError(err error) {
	r.broadcast(func(l inbox.Listener) { l.OnError(err) })
}

// EmitUnreadCount broadcasts the unread counter.
func (r *Registry) EmitUnreadCount(count int) {
	r.broadcast(func(l inbox.Listener) { l.OnUnreadCountChanged(count) })
}

// EmitTotalCount broadcasts a feed total.
func (r *Registry) EmitTotalCount(feed inbox.Feed, total int) {
	r.broadcast(func(l inbox.Listener) { l.OnTotalCountChanged(feed, total) })
}

// EmitMessages broadcasts a feed's full message list.
func (r *Registry) EmitMessages(feed inbox.Feed, messages []inbox.Message) {
	r.broadcast(func(l inbox.Listener) { l.OnMessagesChanged(feed, messages) })
}

// EmitMessageEvent broadcasts a single message transition.
func (r *Registry) EmitMessageEvent(msg inbox.Message, index int, feed inbox.Feed, event inbox.EventType) {
	r.broadcast(func(l inbox.Listener) { l.OnMessageEvent(msg, index, feed, event) })
}
