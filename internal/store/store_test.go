package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/inboxlabs/inboxsync/inbox"
)

type fakeGateway struct {
	mu    sync.Mutex
	calls []string

	readErr    error
	unreadErr  error
	openErr    error
	archiveErr error
	clickErr   error
	allReadErr error
}

func (f *fakeGateway) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeGateway) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeGateway) GetMessages(context.Context, int, string) (inbox.MessagePage, error) {
	f.record("getMessages")
	return inbox.MessagePage{}, nil
}

func (f *fakeGateway) GetArchivedMessages(context.Context, int, string) (inbox.MessagePage, error) {
	f.record("getArchived")
	return inbox.MessagePage{}, nil
}

func (f *fakeGateway) GetUnreadCount(context.Context) (int, error) {
	f.record("getUnreadCount")
	return 0, nil
}

func (f *fakeGateway) MarkRead(_ context.Context, id string) error {
	f.record("read:" + id)
	return f.readErr
}

func (f *fakeGateway) MarkUnread(_ context.Context, id string) error {
	f.record("unread:" + id)
	return f.unreadErr
}

func (f *fakeGateway) MarkOpened(_ context.Context, id string) error {
	f.record("opened:" + id)
	return f.openErr
}

func (f *fakeGateway) MarkArchived(_ context.Context, id string) error {
	f.record("archived:" + id)
	return f.archiveErr
}

func (f *fakeGateway) MarkClicked(_ context.Context, id, trackingID string) error {
	f.record("clicked:" + id + ":" + trackingID)
	return f.clickErr
}

func (f *fakeGateway) MarkAllRead(context.Context) error {
	f.record("allRead")
	return f.allReadErr
}

type emitted struct {
	kind  string // "event", "messages", "unread", "total", "error"
	event inbox.EventType
	feed  inbox.Feed
	index int
	msgID string
	count int
	ids   []string
	err   error
}

// recorder is a synchronous Emitter so event order is deterministic in tests.
type recorder struct {
	mu     sync.Mutex
	events []emitted
}

func (r *recorder) append(e emitted) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) EmitError(err error) { r.append(emitted{kind: "error", err: err}) }

func (r *recorder) EmitUnreadCount(count int) { r.append(emitted{kind: "unread", count: count}) }

func (r *recorder) EmitTotalCount(feed inbox.Feed, total int) {
	r.append(emitted{kind: "total", feed: feed, count: total})
}

func (r *recorder) EmitMessages(feed inbox.Feed, messages []inbox.Message) {
	ids := make([]string, 0, len(messages))
	for _, m := range messages {
		ids = append(ids, m.ID)
	}
	r.append(emitted{kind: "messages", feed: feed, ids: ids})
}

func (r *recorder) EmitMessageEvent(msg inbox.Message, index int, feed inbox.Feed, event inbox.EventType) {
	r.append(emitted{kind: "event", event: event, feed: feed, index: index, msgID: msg.ID})
}

func (r *recorder) all() []emitted {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]emitted(nil), r.events...)
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

func (r *recorder) ofKind(kind string) []emitted {
	var out []emitted
	for _, e := range r.all() {
		if e.kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func newStore(t *testing.T) (*Store, *fakeGateway, *recorder) {
	t.Helper()
	gw := &fakeGateway{}
	rec := &recorder{}
	return New(gw, rec, zap.NewNop()), gw, rec
}

func msg(id string, age time.Duration, read bool) inbox.Message {
	m := inbox.Message{ID: id, CreatedAt: time.Now().Add(-age)}
	if read {
		now := time.Now()
		m.Read = &now
	}
	return m
}

// unreadInFeed recomputes the invariant the counter must track.
func unreadInFeed(s *Store) int {
	feed, _, _ := s.Snapshot()
	n := 0
	for i := range feed.Messages {
		if !feed.Messages[i].IsRead() {
			n++
		}
	}
	return n
}

func seed(s *Store, rec *recorder, feedMsgs, archiveMsgs []inbox.Message, unread int) {
	s.ReplaceAll(
		inbox.MessageSet{Messages: feedMsgs, TotalCount: len(feedMsgs)},
		inbox.MessageSet{Messages: archiveMsgs, TotalCount: len(archiveMsgs)},
		unread,
	)
	rec.reset()
}

func TestStore_AddMessage_BillsUnread(t *testing.T) {
	t.Parallel()
	s, _, rec := newStore(t)

	s.AddMessage(msg("m1", time.Minute, false), 0, inbox.FeedMessages)

	events := rec.all()
	require.Len(t, events, 3)
	require.Equal(t, "event", events[0].kind)
	require.Equal(t, inbox.EventAdded, events[0].event)
	require.Equal(t, "messages", events[1].kind)
	require.Equal(t, "unread", events[2].kind)
	require.Equal(t, 1, events[2].count)

	// A read message adds no unread billing.
	rec.reset()
	s.AddMessage(msg("m2", time.Hour, true), 1, inbox.FeedMessages)
	require.Empty(t, rec.ofKind("unread"))
	require.Equal(t, 1, unreadInFeed(s))
}

func TestStore_AddMessage_ArchiveNeverCounts(t *testing.T) {
	t.Parallel()
	s, _, rec := newStore(t)

	s.AddMessage(msg("a1", time.Minute, false), 0, inbox.FeedArchive)

	require.Empty(t, rec.ofKind("unread"))
	_, _, unread := s.Snapshot()
	require.Zero(t, unread)
}

func TestStore_ReadMessage_OptimisticAndIdempotent(t *testing.T) {
	t.Parallel()
	s, gw, rec := newStore(t)
	seed(s, rec, []inbox.Message{msg("m1", time.Minute, false)}, nil, 1)

	updated, err := s.ReadMessage(context.Background(), "m1", true)
	require.NoError(t, err)
	require.True(t, updated)

	events := rec.all()
	require.Equal(t, "event", events[0].kind)
	require.Equal(t, inbox.EventRead, events[0].event)
	require.Equal(t, "m1", events[0].msgID)
	unreads := rec.ofKind("unread")
	require.Len(t, unreads, 1)
	require.Zero(t, unreads[0].count)
	require.Equal(t, []string{"read:m1"}, gw.calls)

	// Second call: same final state, no gateway call, no event.
	rec.reset()
	updated, err = s.ReadMessage(context.Background(), "m1", true)
	require.NoError(t, err)
	require.False(t, updated)
	require.Empty(t, rec.all())
	require.Equal(t, 1, gw.callCount())
}

func TestStore_ReadMessage_RollbackOnGatewayFailure(t *testing.T) {
	t.Parallel()
	s, gw, rec := newStore(t)
	seed(s, rec, []inbox.Message{msg("m1", time.Minute, false), msg("m2", time.Hour, false)}, nil, 2)
	gw.readErr = errors.New("boom")

	preFeed, preArchive, preUnread := s.Snapshot()

	_, err := s.ReadMessage(context.Background(), "m1", true)
	var gerr *inbox.GatewayError
	require.ErrorAs(t, err, &gerr)

	// Post-failure state is bit-for-bit the pre-mutation state.
	postFeed, postArchive, postUnread := s.Snapshot()
	require.Equal(t, preFeed, postFeed)
	require.Equal(t, preArchive, postArchive)
	require.Equal(t, preUnread, postUnread)

	// Observers saw the optimistic read, the reverting unread, and an error.
	var kinds []inbox.EventType
	for _, e := range rec.ofKind("event") {
		kinds = append(kinds, e.event)
	}
	require.Equal(t, []inbox.EventType{inbox.EventRead, inbox.EventUnread}, kinds)
	unreads := rec.ofKind("unread")
	require.Equal(t, 1, unreads[0].count)
	require.Equal(t, 2, unreads[len(unreads)-1].count)
	require.Len(t, rec.ofKind("error"), 1)
}

func TestStore_ReadMessage_NotFound(t *testing.T) {
	t.Parallel()
	s, gw, _ := newStore(t)

	_, err := s.ReadMessage(context.Background(), "missing", true)
	require.ErrorIs(t, err, inbox.ErrNotFound)
	require.Zero(t, gw.callCount())
}

func TestStore_ReadMessage_ArchivedNeverAdjustsCounter(t *testing.T) {
	t.Parallel()
	s, _, rec := newStore(t)
	archived := msg("a1", time.Minute, false)
	archived.Archived = true
	seed(s, rec, nil, []inbox.Message{archived}, 0)

	updated, err := s.ReadMessage(context.Background(), "a1", true)
	require.NoError(t, err)
	require.True(t, updated)
	require.Empty(t, rec.ofKind("unread"))
}

func TestStore_UnreadCounterClampsAtZero(t *testing.T) {
	t.Parallel()
	s, _, rec := newStore(t)
	// Server under-reported: local unread message but counter already zero.
	seed(s, rec, []inbox.Message{msg("m1", time.Minute, false)}, nil, 0)

	_, err := s.ReadMessage(context.Background(), "m1", true)
	require.NoError(t, err)
	_, _, unread := s.Snapshot()
	require.Zero(t, unread)
}

func TestStore_UnreadMessage_RoundTrip(t *testing.T) {
	t.Parallel()
	s, gw, rec := newStore(t)
	seed(s, rec, []inbox.Message{msg("m1", time.Minute, true)}, nil, 0)

	updated, err := s.UnreadMessage(context.Background(), "m1", true)
	require.NoError(t, err)
	require.True(t, updated)
	_, _, unread := s.Snapshot()
	require.Equal(t, 1, unread)
	require.Equal(t, []string{"unread:m1"}, gw.calls)
	require.Equal(t, unreadInFeed(s), unread)

	// Already unread: no-op.
	updated, err = s.UnreadMessage(context.Background(), "m1", true)
	require.NoError(t, err)
	require.False(t, updated)
	require.Equal(t, 1, gw.callCount())
}

func TestStore_OpenMessage_DoesNotTouchCounter(t *testing.T) {
	t.Parallel()
	s, gw, rec := newStore(t)
	seed(s, rec, []inbox.Message{msg("m1", time.Minute, false)}, nil, 1)

	updated, err := s.OpenMessage(context.Background(), "m1", true)
	require.NoError(t, err)
	require.True(t, updated)
	require.Empty(t, rec.ofKind("unread"))
	require.Equal(t, []string{"opened:m1"}, gw.calls)

	feed, _, unread := s.Snapshot()
	require.True(t, feed.Messages[0].IsOpened())
	require.Equal(t, 1, unread)
}

func TestStore_ClickMessage_SkipsServerWithoutTracking(t *testing.T) {
	t.Parallel()
	s, gw, rec := newStore(t)
	seed(s, rec, []inbox.Message{msg("m1", time.Minute, false)}, nil, 1)

	handled, err := s.ClickMessage(context.Background(), "m1", true)
	require.NoError(t, err)
	require.True(t, handled)
	require.Zero(t, gw.callCount())
	events := rec.ofKind("event")
	require.Len(t, events, 1)
	require.Equal(t, inbox.EventClicked, events[0].event)
}

func TestStore_ClickMessage_ReportsTracking(t *testing.T) {
	t.Parallel()
	s, gw, rec := newStore(t)
	m := msg("m1", time.Minute, false)
	m.TrackingID = "trk-1"
	seed(s, rec, []inbox.Message{m}, nil, 1)

	handled, err := s.ClickMessage(context.Background(), "m1", true)
	require.NoError(t, err)
	require.True(t, handled)
	require.Equal(t, []string{"clicked:m1:trk-1"}, gw.calls)

	gw.clickErr = errors.New("boom")
	rec.reset()
	_, err = s.ClickMessage(context.Background(), "m1", true)
	var gerr *inbox.GatewayError
	require.ErrorAs(t, err, &gerr)
	require.Len(t, rec.ofKind("error"), 1)
}

func TestStore_ArchiveMessage_MovesAtomically(t *testing.T) {
	t.Parallel()
	s, gw, rec := newStore(t)
	feedMsgs := []inbox.Message{
		msg("m1", 1*time.Minute, true),
		msg("m2", 2*time.Minute, false),
		msg("m3", 3*time.Minute, false),
	}
	archiveMsgs := []inbox.Message{
		msg("a-new", 90*time.Second, true),
		msg("a-old", 5*time.Minute, true),
	}
	for i := range archiveMsgs {
		archiveMsgs[i].Archived = true
	}
	seed(s, rec, feedMsgs, archiveMsgs, 2)

	updated, err := s.ArchiveMessage(context.Background(), "m2", true)
	require.NoError(t, err)
	require.True(t, updated)

	feed, archive, unread := s.Snapshot()
	require.Equal(t, 1, unread)
	require.Equal(t, 2, feed.TotalCount)
	require.Equal(t, 3, archive.TotalCount)
	for _, m := range feed.Messages {
		require.NotEqual(t, "m2", m.ID)
	}
	// Recency order within the archive: a-new (90s) > m2 (2m) > a-old (5m).
	require.Equal(t, []string{"a-new", "m2", "a-old"},
		[]string{archive.Messages[0].ID, archive.Messages[1].ID, archive.Messages[2].ID})
	require.True(t, archive.Messages[1].IsArchived())
	require.Equal(t, []string{"archived:m2"}, gw.calls)
	require.Equal(t, unreadInFeed(s), unread)

	// Event order: unread billing, archived from feed, added to archive.
	var kinds []inbox.EventType
	for _, e := range rec.ofKind("event") {
		kinds = append(kinds, e.event)
	}
	require.Equal(t, []inbox.EventType{inbox.EventArchived, inbox.EventAdded}, kinds)
	added := rec.ofKind("event")[1]
	require.Equal(t, inbox.FeedArchive, added.feed)
	require.Equal(t, 1, added.index)
}

func TestStore_ArchiveMessage_AlreadyArchivedNoop(t *testing.T) {
	t.Parallel()
	s, gw, rec := newStore(t)
	archived := msg("a1", time.Minute, true)
	archived.Archived = true
	seed(s, rec, nil, []inbox.Message{archived}, 0)

	updated, err := s.ArchiveMessage(context.Background(), "a1", true)
	require.NoError(t, err)
	require.False(t, updated)
	require.Zero(t, gw.callCount())
	require.Empty(t, rec.all())
}

func TestStore_ArchiveMessage_Rollback(t *testing.T) {
	t.Parallel()
	s, gw, rec := newStore(t)
	seed(s, rec,
		[]inbox.Message{msg("m1", time.Minute, false)},
		[]inbox.Message{msg("a1", time.Hour, true)},
		1,
	)
	gw.archiveErr = errors.New("boom")

	preFeed, preArchive, preUnread := s.Snapshot()
	_, err := s.ArchiveMessage(context.Background(), "m1", true)
	var gerr *inbox.GatewayError
	require.ErrorAs(t, err, &gerr)

	postFeed, postArchive, postUnread := s.Snapshot()
	require.Equal(t, preFeed, postFeed)
	require.Equal(t, preArchive, postArchive)
	require.Equal(t, preUnread, postUnread)

	events := rec.ofKind("event")
	require.Equal(t, inbox.EventUnarchived, events[len(events)-1].event)
	require.Equal(t, inbox.FeedMessages, events[len(events)-1].feed)
}

func TestStore_ReadAllMessages(t *testing.T) {
	t.Parallel()
	s, gw, rec := newStore(t)
	archived := msg("a1", time.Hour, false)
	archived.Archived = true
	seed(s, rec,
		[]inbox.Message{msg("m1", time.Minute, false), msg("m2", 2*time.Minute, false), msg("m3", 3*time.Minute, true)},
		[]inbox.Message{archived},
		2,
	)

	require.NoError(t, s.ReadAllMessages(context.Background(), true))

	feed, archive, unread := s.Snapshot()
	require.Zero(t, unread)
	for _, m := range feed.Messages {
		require.True(t, m.IsRead())
	}
	require.True(t, archive.Messages[0].IsRead())

	// Exactly one read event per changed message, one messages-changed per
	// affected feed, one unread-count-changed.
	events := rec.ofKind("event")
	require.Len(t, events, 3)
	for _, e := range events {
		require.Equal(t, inbox.EventRead, e.event)
	}
	require.Len(t, rec.ofKind("messages"), 2)
	unreads := rec.ofKind("unread")
	require.Len(t, unreads, 1)
	require.Zero(t, unreads[0].count)
	require.Equal(t, []string{"allRead"}, gw.calls)
}

func TestStore_ReadAllMessages_NothingUnread(t *testing.T) {
	t.Parallel()
	s, gw, rec := newStore(t)
	seed(s, rec, []inbox.Message{msg("m1", time.Minute, true)}, nil, 0)

	require.NoError(t, s.ReadAllMessages(context.Background(), true))
	require.Empty(t, rec.all())
	require.Zero(t, gw.callCount())
}

func TestStore_ReadAllMessages_Rollback(t *testing.T) {
	t.Parallel()
	s, gw, rec := newStore(t)
	seed(s, rec, []inbox.Message{msg("m1", time.Minute, false)}, nil, 1)
	gw.allReadErr = errors.New("boom")

	preFeed, preArchive, preUnread := s.Snapshot()
	err := s.ReadAllMessages(context.Background(), true)
	var gerr *inbox.GatewayError
	require.ErrorAs(t, err, &gerr)

	postFeed, postArchive, postUnread := s.Snapshot()
	require.Equal(t, preFeed, postFeed)
	require.Equal(t, preArchive, postArchive)
	require.Equal(t, preUnread, postUnread)
	require.Len(t, rec.ofKind("error"), 1)
}

func TestStore_RemoteOriginatedMutationSkipsGateway(t *testing.T) {
	t.Parallel()
	s, gw, rec := newStore(t)
	seed(s, rec, []inbox.Message{msg("m1", time.Minute, false)}, nil, 1)

	updated, err := s.ReadMessage(context.Background(), "m1", false)
	require.NoError(t, err)
	require.True(t, updated)
	require.Zero(t, gw.callCount())
	_, _, unread := s.Snapshot()
	require.Zero(t, unread)
}

func TestStore_AddPage_AppendsAndAdoptsPagination(t *testing.T) {
	t.Parallel()
	s, _, rec := newStore(t)
	seed(s, rec, []inbox.Message{msg("m1", time.Minute, false)}, nil, 1)

	s.AddPage(inbox.MessageSet{
		Messages:    []inbox.Message{msg("m2", time.Hour, true)},
		TotalCount:  10,
		CanPaginate: true,
		Cursor:      "next",
	}, inbox.FeedMessages)

	feed, _, _ := s.Snapshot()
	require.Equal(t, []string{"m1", "m2"}, []string{feed.Messages[0].ID, feed.Messages[1].ID})
	require.Equal(t, 10, feed.TotalCount)
	require.True(t, feed.CanPaginate)
	cursor, ok := s.PageState(inbox.FeedMessages)
	require.True(t, ok)
	require.Equal(t, "next", cursor)
	require.Len(t, rec.ofKind("messages"), 1)
}

func TestStore_ReplaceAll_BroadcastOrder(t *testing.T) {
	t.Parallel()
	s, _, rec := newStore(t)

	s.ReplaceAll(
		inbox.MessageSet{Messages: []inbox.Message{msg("m1", time.Minute, false)}, TotalCount: 5},
		inbox.MessageSet{TotalCount: 2},
		3,
	)

	events := rec.all()
	require.Len(t, events, 5)
	require.Equal(t, "total", events[0].kind)
	require.Equal(t, inbox.FeedMessages, events[0].feed)
	require.Equal(t, 5, events[0].count)
	require.Equal(t, "messages", events[1].kind)
	require.Equal(t, "total", events[2].kind)
	require.Equal(t, inbox.FeedArchive, events[2].feed)
	require.Equal(t, "messages", events[3].kind)
	require.Equal(t, "unread", events[4].kind)
	require.Equal(t, 3, events[4].count)
}

func TestStore_Dispose(t *testing.T) {
	t.Parallel()
	s, _, rec := newStore(t)
	seed(s, rec, []inbox.Message{msg("m1", time.Minute, false)}, []inbox.Message{msg("a1", time.Hour, true)}, 1)

	s.Dispose()

	feed, archive, unread := s.Snapshot()
	require.Empty(t, feed.Messages)
	require.Empty(t, archive.Messages)
	require.Zero(t, unread)
	require.Empty(t, rec.all())
}
