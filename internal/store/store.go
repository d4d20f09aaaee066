// Package store holds the engine's single source of truth: the two message
// feeds and the feed-scoped unread counter. Every mutation is applied as one
// serialized atomic step and broadcast after commit; optimistic mutations
// confirm with the remote gateway outside the serialized section and roll the
// joint pre-mutation snapshot back on failure.
package store

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/inboxlabs/inboxsync/inbox"
)

// Emitter receives every committed state transition. Implementations must not
// block; the engine's listener registry enqueues and returns.
type Emitter interface {
	EmitError(err error)
	EmitUnreadCount(count int)
	EmitTotalCount(feed inbox.Feed, total int)
	EmitMessages(feed inbox.Feed, messages []inbox.Message)
	EmitMessageEvent(msg inbox.Message, index int, feed inbox.Feed, event inbox.EventType)
}

// Store owns the feed and archive sets plus the unread counter. All local
// applies run under one mutex; gateway confirmation calls run outside it so
// they never block other mutations.
type Store struct {
	gw   inbox.Gateway
	emit Emitter
	log  *zap.Logger

	mu      sync.Mutex
	feed    inbox.MessageSet
	archive inbox.MessageSet
	unread  int
}

// New constructs an empty store.
func New(gw inbox.Gateway, emit Emitter, log *zap.Logger) *Store {
	return &Store{gw: gw, emit: emit, log: log}
}

type snapshot struct {
	feed    inbox.MessageSet
	archive inbox.MessageSet
	unread  int
}

func (s *Store) snapshotLocked() snapshot {
	return snapshot{feed: s.feed.Clone(), archive: s.archive.Clone(), unread: s.unread}
}

func (s *Store) setLocked(feed inbox.Feed) *inbox.MessageSet {
	if feed == inbox.FeedArchive {
		return &s.archive
	}
	return &s.feed
}

// locateLocked finds a message id; a message lives in at most one feed.
func (s *Store) locateLocked(id string) (inbox.Feed, int) {
	for i := range s.feed.Messages {
		if s.feed.Messages[i].ID == id {
			return inbox.FeedMessages, i
		}
	}
	for i := range s.archive.Messages {
		if s.archive.Messages[i].ID == id {
			return inbox.FeedArchive, i
		}
	}
	return inbox.FeedMessages, -1
}

func (s *Store) adjustUnreadLocked(delta int) {
	s.unread += delta
	if s.unread < 0 {
		s.unread = 0
	}
}

// Snapshot returns independent copies of both sets and the unread counter.
func (s *Store) Snapshot() (feed, archive inbox.MessageSet, unread int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.feed.Clone(), s.archive.Clone(), s.unread
}

// MessageCount returns the number of locally-held messages in a feed.
func (s *Store) MessageCount(feed inbox.Feed) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.setLocked(feed).Messages)
}

// PageState returns a feed's pagination cursor and whether more pages exist.
func (s *Store) PageState(feed inbox.Feed) (cursor string, canPaginate bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.setLocked(feed)
	return set.Cursor, set.CanPaginate
}

// AddMessage inserts a message at index (clamped) in the target feed. A new
// unread message in the primary feed bills the unread counter.
func (s *Store) AddMessage(msg inbox.Message, index int, feed inbox.Feed) {
	s.mu.Lock()
	set := s.setLocked(feed)
	if index < 0 {
		index = 0
	}
	if index > len(set.Messages) {
		index = len(set.Messages)
	}
	set.Messages = append(set.Messages, inbox.Message{})
	copy(set.Messages[index+1:], set.Messages[index:])
	set.Messages[index] = msg

	countsUnread := feed == inbox.FeedMessages && !msg.IsRead()
	if countsUnread {
		s.adjustUnreadLocked(1)
	}
	s.emit.EmitMessageEvent(msg, index, feed, inbox.EventAdded)
	s.emit.EmitMessages(feed, set.Clone().Messages)
	if countsUnread {
		s.emit.EmitUnreadCount(s.unread)
	}
	s.mu.Unlock()
}

// ReadMessage marks a message read. Returns false with a nil error when the
// message is already read (no event, no gateway call). With confirm set the
// gateway is asked to persist the change and the local apply is rolled back
// if that fails.
func (s *Store) ReadMessage(ctx context.Context, id string, confirm bool) (bool, error) {
	return s.mutate(ctx, id, confirm, inbox.EventRead, inbox.EventUnread, -1,
		func(m *inbox.Message) bool {
			if m.IsRead() {
				return false
			}
			m.SetRead()
			return true
		},
		func(ctx context.Context) error { return s.gw.MarkRead(ctx, id) },
	)
}

// UnreadMessage clears a message's read status.
func (s *Store) UnreadMessage(ctx context.Context, id string, confirm bool) (bool, error) {
	return s.mutate(ctx, id, confirm, inbox.EventUnread, inbox.EventRead, 1,
		func(m *inbox.Message) bool {
			if !m.IsRead() {
				return false
			}
			m.SetUnread()
			return true
		},
		func(ctx context.Context) error { return s.gw.MarkUnread(ctx, id) },
	)
}

// OpenMessage marks a message opened. Opening does not affect the unread
// counter.
func (s *Store) OpenMessage(ctx context.Context, id string, confirm bool) (bool, error) {
	return s.mutate(ctx, id, confirm, inbox.EventOpened, inbox.EventUnopened, 0,
		func(m *inbox.Message) bool {
			if m.IsOpened() {
				return false
			}
			m.SetOpened()
			return true
		},
		func(ctx context.Context) error { return s.gw.MarkOpened(ctx, id) },
	)
}

// mutate applies a single-status flip: locate, no-op if already in target
// state, apply + broadcast under the lock, then confirm outside it.
func (s *Store) mutate(
	ctx context.Context,
	id string,
	confirm bool,
	event, inverse inbox.EventType,
	unreadDelta int,
	apply func(*inbox.Message) bool,
	confirmCall func(context.Context) error,
) (bool, error) {
	s.mu.Lock()
	feed, idx := s.locateLocked(id)
	if idx < 0 {
		s.mu.Unlock()
		return false, inbox.ErrNotFound
	}
	snap := s.snapshotLocked()
	set := s.setLocked(feed)
	if !apply(&set.Messages[idx]) {
		s.mu.Unlock()
		return false, nil
	}
	// The counter is feed-scoped: archived messages never contribute.
	counts := feed == inbox.FeedMessages && unreadDelta != 0
	if counts {
		s.adjustUnreadLocked(unreadDelta)
	}
	s.emit.EmitMessageEvent(set.Messages[idx], idx, feed, event)
	s.emit.EmitMessages(feed, set.Clone().Messages)
	if counts {
		s.emit.EmitUnreadCount(s.unread)
	}
	s.mu.Unlock()

	if !confirm {
		return true, nil
	}
	if err := confirmCall(ctx); err != nil {
		gerr := &inbox.GatewayError{Op: string(event), Err: err}
		s.log.Warn("mutation rolled back",
			zap.String("op", string(event)),
			zap.String("id", id),
			zap.Error(err),
		)
		s.rollback(snap, id, inverse)
		s.emit.EmitError(gerr)
		return false, gerr
	}
	return true, nil
}

// ClickMessage reports a click. Clicking changes no local state; without a
// tracking id the server call is skipped and the click is still handled.
func (s *Store) ClickMessage(ctx context.Context, id string, confirm bool) (bool, error) {
	s.mu.Lock()
	feed, idx := s.locateLocked(id)
	if idx < 0 {
		s.mu.Unlock()
		return false, inbox.ErrNotFound
	}
	msg := s.setLocked(feed).Messages[idx]
	s.emit.EmitMessageEvent(msg, idx, feed, inbox.EventClicked)
	s.mu.Unlock()

	if !confirm || msg.TrackingID == "" {
		return true, nil
	}
	if err := s.gw.MarkClicked(ctx, id, msg.TrackingID); err != nil {
		gerr := &inbox.GatewayError{Op: string(inbox.EventClicked), Err: err}
		s.log.Warn("click report failed", zap.String("id", id), zap.Error(err))
		s.emit.EmitError(gerr)
		return false, gerr
	}
	return true, nil
}

// ArchiveMessage moves a message from the primary feed into the archive as
// one atomic step: counter adjustment, removal, recency-sorted insertion.
// Archiving an already-archived message is a no-op.
func (s *Store) ArchiveMessage(ctx context.Context, id string, confirm bool) (bool, error) {
	s.mu.Lock()
	feed, idx := s.locateLocked(id)
	if idx < 0 {
		s.mu.Unlock()
		return false, inbox.ErrNotFound
	}
	if feed == inbox.FeedArchive {
		s.mu.Unlock()
		return false, nil
	}
	snap := s.snapshotLocked()
	msg := s.feed.Messages[idx]

	wasUnread := !msg.IsRead()
	if wasUnread {
		s.adjustUnreadLocked(-1)
	}
	s.feed.Messages = append(s.feed.Messages[:idx], s.feed.Messages[idx+1:]...)
	if s.feed.TotalCount > 0 {
		s.feed.TotalCount--
	}
	if wasUnread {
		s.emit.EmitUnreadCount(s.unread)
	}
	s.emit.EmitMessageEvent(msg, idx, inbox.FeedMessages, inbox.EventArchived)
	s.emit.EmitMessages(inbox.FeedMessages, s.feed.Clone().Messages)

	msg.SetArchived(true)
	at := s.archiveIndexLocked(msg)
	s.archive.Messages = append(s.archive.Messages, inbox.Message{})
	copy(s.archive.Messages[at+1:], s.archive.Messages[at:])
	s.archive.Messages[at] = msg
	s.archive.TotalCount++
	s.emit.EmitMessageEvent(msg, at, inbox.FeedArchive, inbox.EventAdded)
	s.emit.EmitMessages(inbox.FeedArchive, s.archive.Clone().Messages)
	s.mu.Unlock()

	if !confirm {
		return true, nil
	}
	if err := s.gw.MarkArchived(ctx, id); err != nil {
		gerr := &inbox.GatewayError{Op: string(inbox.EventArchived), Err: err}
		s.log.Warn("archive rolled back", zap.String("id", id), zap.Error(err))
		s.rollback(snap, id, inbox.EventUnarchived)
		s.emit.EmitError(gerr)
		return false, gerr
	}
	return true, nil
}

// archiveIndexLocked returns the recency-correct insertion index (newest
// CreatedAt first) among the current archive messages.
func (s *Store) archiveIndexLocked(msg inbox.Message) int {
	for i := range s.archive.Messages {
		if s.archive.Messages[i].CreatedAt.Before(msg.CreatedAt) {
			return i
		}
	}
	return len(s.archive.Messages)
}

// ReadAllMessages marks every unread message in both feeds read and zeroes
// the counter: one read event per changed message, one messages-changed per
// affected feed, one unread-count-changed.
func (s *Store) ReadAllMessages(ctx context.Context, confirm bool) error {
	s.mu.Lock()
	snap := s.snapshotLocked()

	type flip struct {
		msg  inbox.Message
		idx  int
		feed inbox.Feed
	}
	var changed []flip
	for _, feed := range []inbox.Feed{inbox.FeedMessages, inbox.FeedArchive} {
		set := s.setLocked(feed)
		for i := range set.Messages {
			if set.Messages[i].IsRead() {
				continue
			}
			set.Messages[i].SetRead()
			changed = append(changed, flip{msg: set.Messages[i], idx: i, feed: feed})
		}
	}
	if len(changed) == 0 && s.unread == 0 {
		s.mu.Unlock()
		return nil
	}
	s.unread = 0

	touched := map[inbox.Feed]bool{}
	for _, c := range changed {
		s.emit.EmitMessageEvent(c.msg, c.idx, c.feed, inbox.EventRead)
		touched[c.feed] = true
	}
	for _, feed := range []inbox.Feed{inbox.FeedMessages, inbox.FeedArchive} {
		if touched[feed] {
			s.emit.EmitMessages(feed, s.setLocked(feed).Clone().Messages)
		}
	}
	s.emit.EmitUnreadCount(0)
	s.mu.Unlock()

	if !confirm {
		return nil
	}
	if err := s.gw.MarkAllRead(ctx); err != nil {
		gerr := &inbox.GatewayError{Op: string(inbox.EventAllRead), Err: err}
		s.log.Warn("read-all rolled back", zap.Error(err))
		s.rollback(snap, "", "")
		s.emit.EmitError(gerr)
		return gerr
	}
	return nil
}

// AddPage appends an older page to the end of a feed and adopts the page's
// pagination state.
func (s *Store) AddPage(page inbox.MessageSet, feed inbox.Feed) {
	s.mu.Lock()
	set := s.setLocked(feed)
	set.Messages = append(set.Messages, page.Messages...)
	set.TotalCount = page.TotalCount
	set.CanPaginate = page.CanPaginate
	set.Cursor = page.Cursor
	s.emit.EmitMessages(feed, set.Clone().Messages)
	s.mu.Unlock()
}

// ReplaceDataSet swaps a feed wholesale; used on initial load and refresh.
func (s *Store) ReplaceDataSet(set inbox.MessageSet, feed inbox.Feed) {
	s.mu.Lock()
	target := s.setLocked(feed)
	*target = set.Clone()
	s.emit.EmitTotalCount(feed, target.TotalCount)
	s.emit.EmitMessages(feed, target.Clone().Messages)
	s.mu.Unlock()
}

// ReplaceAll adopts a complete fetch result in one serialized step, so no
// observer ever sees the new feed without the new archive or counter.
func (s *Store) ReplaceAll(feed, archive inbox.MessageSet, unread int) {
	s.mu.Lock()
	s.feed = feed.Clone()
	s.archive = archive.Clone()
	if unread < 0 {
		unread = 0
	}
	s.unread = unread
	s.emit.EmitTotalCount(inbox.FeedMessages, s.feed.TotalCount)
	s.emit.EmitMessages(inbox.FeedMessages, s.feed.Clone().Messages)
	s.emit.EmitTotalCount(inbox.FeedArchive, s.archive.TotalCount)
	s.emit.EmitMessages(inbox.FeedArchive, s.archive.Clone().Messages)
	s.emit.EmitUnreadCount(s.unread)
	s.mu.Unlock()
}

// SetUnreadCount adopts a server-reported unread total.
func (s *Store) SetUnreadCount(n int) {
	s.mu.Lock()
	if n < 0 {
		n = 0
	}
	s.unread = n
	s.emit.EmitUnreadCount(s.unread)
	s.mu.Unlock()
}

// Dispose resets both feeds and the counter without emitting.
func (s *Store) Dispose() {
	s.mu.Lock()
	s.feed = inbox.MessageSet{}
	s.archive = inbox.MessageSet{}
	s.unread = 0
	s.mu.Unlock()
}

// rollback restores the joint pre-mutation snapshot and re-broadcasts the
// restored state. When the failed mutation targeted a single message, the
// inverse event reverts what observers saw optimistically.
func (s *Store) rollback(snap snapshot, id string, inverse inbox.EventType) {
	s.mu.Lock()
	s.feed = snap.feed.Clone()
	s.archive = snap.archive.Clone()
	s.unread = snap.unread
	if id != "" && inverse != "" {
		if feed, idx := s.locateLocked(id); idx >= 0 {
			s.emit.EmitMessageEvent(s.setLocked(feed).Messages[idx], idx, feed, inverse)
		}
	}
	s.emit.EmitMessages(inbox.FeedMessages, s.feed.Clone().Messages)
	s.emit.EmitMessages(inbox.FeedArchive, s.archive.Clone().Messages)
	s.emit.EmitUnreadCount(s.unread)
	s.mu.Unlock()
}
