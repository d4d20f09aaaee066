// Package inboxsync is the client-side synchronization engine for a
// push-notification inbox: a memory-resident two-feed message cache kept
// consistent across an initial paginated fetch, a persistent realtime event
// stream, and optimistic user mutations, with every state transition fanned
// out to registered observers exactly once and in order.
package inboxsync

import (
	"context"
	"errors"
	"sync"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/inboxlabs/inboxsync/inbox"
	"github.com/inboxlabs/inboxsync/internal/fanout"
	"github.com/inboxlabs/inboxsync/internal/store"
	"github.com/inboxlabs/inboxsync/internal/syncer"
)

type state int

const (
	stateUninitialized state = iota
	stateFetching
	stateInitialized
)

func (s state) String() string {
	switch s {
	case stateFetching:
		return "fetching"
	case stateInitialized:
		return "initialized"
	default:
		return "uninitialized"
	}
}

// Client binds the data store, sync service, and listener registry to the
// session lifecycle. Construct one per signed-in session with NewClient.
type Client struct {
	log   *zap.Logger
	reg   *fanout.Registry
	store *store.Store
	sync  *syncer.Syncer

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	st       state
	signedIn bool
	limit    int
	gen      uint64
	closed   bool
}

// NewClient constructs the engine around the caller-supplied gateway and
// realtime channel. The client starts signed out; call OnSignIn once a
// credential is available.
func NewClient(gw inbox.Gateway, ch inbox.Channel, opts ...Option) *Client {
	o := options{
		logger: zap.NewNop(),
		limit:  DefaultPaginationLimit,
	}
	for _, opt := range opts {
		opt(&o)
	}

	ctx, cancel := context.WithCancel(context.Background())
	reg := fanout.New(o.logger)
	return &Client{
		log:    o.logger,
		reg:    reg,
		store:  store.New(gw, reg, o.logger),
		sync:   syncer.New(gw, ch, o.keepAlive, o.logger),
		ctx:    ctx,
		cancel: cancel,
		limit:  o.limit,
	}
}

// AddListener registers an observer and returns its removal handle. The first
// listener triggers the initial fetch; a listener added after initialization
// is immediately replayed the current snapshot; one added mid-fetch receives
// the fetch's eventual broadcast like all others.
func (c *Client) AddListener(l inbox.Listener) uuid.UUID {
	id := c.reg.Add(l)
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case !c.signedIn:
		c.reg.ErrorTo(id, inbox.ErrNotAuthenticated)
	case c.st == stateUninitialized:
		c.startFetchLocked(false)
	case c.st == stateInitialized:
		feed, archive, unread := c.store.Snapshot()
		c.reg.Replay(id, feed, archive, unread)
	}
	return id
}

// RemoveListener drops a registration. Removing the last listener tears the
// engine down to uninitialized (the realtime connection is a per-listener
// cost).
func (c *Client) RemoveListener(id uuid.UUID) {
	c.reg.Remove(id)
	if c.reg.Count() == 0 {
		c.teardown()
	}
}

// RemoveAllListeners drops every registration and tears the engine down.
func (c *Client) RemoveAllListeners() {
	c.reg.RemoveAll()
	c.teardown()
}

// Refresh re-fetches both feeds and the unread count, superseding any
// in-flight fetch.
func (c *Client) Refresh() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.signedIn {
		return inbox.ErrNotAuthenticated
	}
	c.startFetchLocked(c.st == stateInitialized)
	return nil
}

// FetchNextPage loads one older page for a feed. Returns (nil, nil) when the
// feed has no further pages or a fetch for it is already outstanding.
func (c *Client) FetchNextPage(ctx context.Context, feed inbox.Feed) (*inbox.MessagePage, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	cursor, ok := c.store.PageState(feed)
	if !ok {
		return nil, nil
	}
	c.mu.Lock()
	limit := c.limit
	c.mu.Unlock()

	page, err := c.sync.FetchNextPage(ctx, feed, cursor, limit)
	if err != nil {
		// Already-loaded pages are kept; the failure is only surfaced.
		c.reg.EmitError(err)
		return nil, err
	}
	if page == nil {
		return nil, nil
	}
	c.store.AddPage(page.Set(), feed)
	return page, nil
}

// ReadMessage optimistically marks a message read and confirms with the
// gateway, rolling back on failure.
func (c *Client) ReadMessage(ctx context.Context, id string) error {
	if err := c.ready(); err != nil {
		return err
	}
	_, err := c.store.ReadMessage(ctx, id, true)
	return err
}

// UnreadMessage optimistically clears a message's read status.
func (c *Client) UnreadMessage(ctx context.Context, id string) error {
	if err := c.ready(); err != nil {
		return err
	}
	_, err := c.store.UnreadMessage(ctx, id, true)
	return err
}

// OpenMessage optimistically marks a message opened.
func (c *Client) OpenMessage(ctx context.Context, id string) error {
	if err := c.ready(); err != nil {
		return err
	}
	_, err := c.store.OpenMessage(ctx, id, true)
	return err
}

// ClickMessage reports a click through the message's tracking token.
func (c *Client) ClickMessage(ctx context.Context, id string) error {
	if err := c.ready(); err != nil {
		return err
	}
	_, err := c.store.ClickMessage(ctx, id, true)
	return err
}

// ArchiveMessage optimistically moves a message from the feed to the archive.
func (c *Client) ArchiveMessage(ctx context.Context, id string) error {
	if err := c.ready(); err != nil {
		return err
	}
	_, err := c.store.ArchiveMessage(ctx, id, true)
	return err
}

// ReadAllMessages optimistically marks every held message read and zeroes the
// unread counter.
func (c *Client) ReadAllMessages(ctx context.Context) error {
	if err := c.ready(); err != nil {
		return err
	}
	return c.store.ReadAllMessages(ctx, true)
}

// SetPaginationLimit sets the default page size, clamped to
// [MinPaginationLimit, MaxPaginationLimit].
func (c *Client) SetPaginationLimit(n int) {
	c.mu.Lock()
	c.limit = clampLimit(n)
	c.mu.Unlock()
}

// UnreadCount returns the current feed-scoped unread counter.
func (c *Client) UnreadCount() int {
	_, _, unread := c.store.Snapshot()
	return unread
}

// Messages returns a copy of the currently-held messages for a feed.
func (c *Client) Messages(feed inbox.Feed) []inbox.Message {
	f, a, _ := c.store.Snapshot()
	if feed == inbox.FeedArchive {
		return a.Messages
	}
	return f.Messages
}

// OnSignIn marks a credential as available and, with listeners waiting,
// starts the initial fetch.
func (c *Client) OnSignIn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.signedIn {
		return
	}
	c.signedIn = true
	if c.reg.Count() > 0 && c.st == stateUninitialized {
		c.startFetchLocked(false)
	}
}

// OnSignOut drops the credential, stops sync, and disposes held state.
func (c *Client) OnSignOut() {
	c.mu.Lock()
	c.signedIn = false
	c.gen++
	c.st = stateUninitialized
	c.mu.Unlock()
	c.sync.Stop()
	c.store.Dispose()
	c.log.Info("signed out")
}

// OnForeground refreshes when listeners exist and the realtime channel is not
// connected (the usual state after a background teardown).
func (c *Client) OnForeground() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.signedIn && c.reg.Count() > 0 && !c.sync.Connected() {
		c.startFetchLocked(c.st == stateInitialized)
	}
}

// OnBackground tears down only the realtime channel; held messages are
// retained for the next foreground.
func (c *Client) OnBackground() {
	c.sync.Stop()
}

// Close tears the engine down permanently.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.gen++
	c.st = stateUninitialized
	c.mu.Unlock()
	c.cancel()
	c.sync.Stop()
	c.store.Dispose()
	c.reg.Close()
}

func (c *Client) ready() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.signedIn {
		return inbox.ErrNotAuthenticated
	}
	if c.st != stateInitialized {
		return inbox.ErrNotInitialized
	}
	return nil
}

func (c *Client) teardown() {
	c.mu.Lock()
	c.gen++
	c.st = stateUninitialized
	c.mu.Unlock()
	c.sync.Stop()
	c.store.Dispose()
}

// startFetchLocked moves to fetching and launches the fetch under a fresh
// generation; a stale fetch's results are discarded when a newer one has
// since been issued.
func (c *Client) startFetchLocked(isRefresh bool) {
	c.st = stateFetching
	c.gen++
	gen := c.gen

	feedLimit, archiveLimit := c.limit, c.limit
	if isRefresh {
		// Refresh must cover everything already on screen.
		feedLimit = clampLimit(max(c.store.MessageCount(inbox.FeedMessages), c.limit))
		archiveLimit = clampLimit(max(c.store.MessageCount(inbox.FeedArchive), c.limit))
	}
	c.reg.EmitLoading(isRefresh)
	c.log.Debug("fetch started",
		zap.Bool("refresh", isRefresh),
		zap.Int("feedLimit", feedLimit),
		zap.Int("archiveLimit", archiveLimit),
	)
	go c.fetch(gen, feedLimit, archiveLimit)
}

func (c *Client) fetch(gen uint64, feedLimit, archiveLimit int) {
	feed, archive, unread, err := c.sync.FetchInitial(c.ctx, feedLimit, archiveLimit)

	c.mu.Lock()
	if gen != c.gen || c.closed {
		c.mu.Unlock()
		c.log.Debug("stale fetch discarded", zap.Uint64("gen", gen))
		return
	}
	if err != nil {
		c.st = stateUninitialized
		c.mu.Unlock()
		c.log.Warn("initial fetch failed", zap.Error(err))
		c.reg.EmitError(err)
		return
	}
	c.store.ReplaceAll(feed, archive, unread)
	c.st = stateInitialized
	c.mu.Unlock()
	c.log.Debug("initialized",
		zap.Int("feed", len(feed.Messages)),
		zap.Int("archive", len(archive.Messages)),
		zap.Int("unread", unread),
	)

	if err := c.sync.ConnectRealtime(c.ctx, c.realtimeHandlers()); err != nil {
		c.log.Warn("realtime connect failed", zap.Error(err))
		c.reg.EmitError(err)
	}
}

func (c *Client) realtimeHandlers() syncer.Handlers {
	return syncer.Handlers{
		OnMessage: func(m inbox.Message) {
			c.store.AddMessage(m, 0, inbox.FeedMessages)
		},
		OnEvent: c.applyRemoteEvent,
		OnError: func(err error) {
			c.reg.EmitError(err)
		},
	}
}

// applyRemoteEvent routes a server-pushed event to the matching store
// mutation without re-invoking the gateway confirmation call: the event
// already represents server truth.
func (c *Client) applyRemoteEvent(event inbox.EventType, id string) {
	var err error
	switch event {
	case inbox.EventRead:
		_, err = c.store.ReadMessage(c.ctx, id, false)
	case inbox.EventUnread:
		_, err = c.store.UnreadMessage(c.ctx, id, false)
	case inbox.EventOpened:
		_, err = c.store.OpenMessage(c.ctx, id, false)
	case inbox.EventClicked:
		_, err = c.store.ClickMessage(c.ctx, id, false)
	case inbox.EventArchived:
		_, err = c.store.ArchiveMessage(c.ctx, id, false)
	case inbox.EventAllRead:
		err = c.store.ReadAllMessages(c.ctx, false)
	default:
		c.log.Debug("unhandled realtime event", zap.String("event", string(event)))
		return
	}
	if err != nil && !errors.Is(err, inbox.ErrNotFound) {
		c.log.Debug("remote event apply failed",
			zap.String("event", string(event)),
			zap.String("id", id),
			zap.Error(err),
		)
	}
}
