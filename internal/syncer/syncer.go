// Package syncer owns all interaction with the remote gateway and the
// realtime channel: the concurrent initial fetch, per-feed page fetches, and
// the connection's keep-alive lifecycle. It holds no message state.
package syncer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/inboxlabs/inboxsync/inbox"
)

// DefaultKeepAlive is the keep-alive ping interval for a live connection.
const DefaultKeepAlive = 5 * time.Minute

// Handlers receive realtime traffic. OnMessage delivers a newly-arrived
// message; OnEvent delivers a message event that occurred elsewhere; OnError
// reports non-benign channel failures.
type Handlers struct {
	OnMessage func(inbox.Message)
	OnEvent   func(event inbox.EventType, messageID string)
	OnError   func(error)
}

// Syncer orchestrates gateway fetches and the realtime subscription.
type Syncer struct {
	gw        inbox.Gateway
	ch        inbox.Channel
	log       *zap.Logger
	keepAlive time.Duration

	isPagingFeed    atomic.Bool
	isPagingArchive atomic.Bool

	mu     sync.Mutex
	sub    inbox.Subscription
	cancel context.CancelFunc
}

// New constructs a Syncer. keepAlive <= 0 selects DefaultKeepAlive.
func New(gw inbox.Gateway, ch inbox.Channel, keepAlive time.Duration, log *zap.Logger) *Syncer {
	if keepAlive <= 0 {
		keepAlive = DefaultKeepAlive
	}
	return &Syncer{gw: gw, ch: ch, log: log, keepAlive: keepAlive}
}

// FetchInitial issues the feed fetch, archive fetch, and unread-count query
// concurrently and fails as a unit: partial results are discarded so no torn
// initial state is ever handed to the store.
func (s *Syncer) FetchInitial(ctx context.Context, feedLimit, archiveLimit int) (feed, archive inbox.MessageSet, unread int, err error) {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		page, err := s.gw.GetMessages(gctx, feedLimit, "")
		if err != nil {
			return &inbox.GatewayError{Op: "get messages", Err: err}
		}
		feed = page.Set()
		return nil
	})
	g.Go(func() error {
		page, err := s.gw.GetArchivedMessages(gctx, archiveLimit, "")
		if err != nil {
			return &inbox.GatewayError{Op: "get archived", Err: err}
		}
		archive = page.Set()
		return nil
	})
	g.Go(func() error {
		n, err := s.gw.GetUnreadCount(gctx)
		if err != nil {
			return &inbox.GatewayError{Op: "get unread count", Err: err}
		}
		unread = n
		return nil
	})
	if err := g.Wait(); err != nil {
		return inbox.MessageSet{}, inbox.MessageSet{}, 0, err
	}
	return feed, archive, unread, nil
}

// FetchNextPage fetches one older page for a feed. A second call while one is
// outstanding for the same feed returns (nil, nil) rather than firing a
// duplicate request; the guard also keeps page results applied in issue order.
func (s *Syncer) FetchNextPage(ctx context.Context, feed inbox.Feed, cursor string, limit int) (*inbox.MessagePage, error) {
	flag := &s.isPagingFeed
	if feed == inbox.FeedArchive {
		flag = &s.isPagingArchive
	}
	if !flag.CompareAndSwap(false, true) {
		return nil, nil
	}
	defer flag.Store(false)

	var (
		page inbox.MessagePage
		err  error
	)
	if feed == inbox.FeedArchive {
		page, err = s.gw.GetArchivedMessages(ctx, limit, cursor)
	} else {
		page, err = s.gw.GetMessages(ctx, limit, cursor)
	}
	if err != nil {
		return nil, &inbox.GatewayError{Op: "get page " + feed.String(), Err: err}
	}
	return &page, nil
}

// ConnectRealtime establishes the realtime subscription, replacing any prior
// connection, and starts the keep-alive schedule for its lifetime.
func (s *Syncer) ConnectRealtime(ctx context.Context, h Handlers) error {
	s.mu.Lock()
	s.teardownLocked()
	sub, err := s.ch.Connect(ctx)
	if err != nil {
		s.mu.Unlock()
		return &inbox.ChannelError{Err: err}
	}
	runCtx, cancel := context.WithCancel(context.Background())
	s.sub = sub
	s.cancel = cancel
	s.mu.Unlock()

	s.log.Debug("realtime connected")
	go s.readLoop(sub, h)
	go s.keepAliveLoop(runCtx, sub)
	return nil
}

func (s *Syncer) readLoop(sub inbox.Subscription, h Handlers) {
	for ev := range sub.Events() {
		switch {
		case ev.Message != nil:
			if h.OnMessage != nil {
				h.OnMessage(*ev.Message)
			}
		case ev.Event != "":
			if h.OnEvent != nil {
				h.OnEvent(ev.Event, ev.MessageID)
			}
		}
	}
	// A benign disconnect is expected during backgrounding and teardown.
	err := sub.Err()
	if err == nil || errors.Is(err, inbox.ErrChannelClosed) {
		s.log.Debug("realtime disconnected")
		return
	}
	s.log.Warn("realtime channel failed", zap.Error(err))
	if h.OnError != nil {
		h.OnError(&inbox.ChannelError{Err: err})
	}
}

func (s *Syncer) keepAliveLoop(ctx context.Context, sub inbox.Subscription) {
	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sub.KeepAlive(ctx); err != nil && ctx.Err() == nil {
				// The read loop decides liveness; a missed ping is only logged.
				s.log.Warn("keep-alive failed", zap.Error(err))
			}
		}
	}
}

// Connected reports whether a realtime subscription is currently held.
func (s *Syncer) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sub != nil
}

// Stop tears down the realtime channel and clears in-flight flags. Idempotent.
func (s *Syncer) Stop() {
	s.mu.Lock()
	s.teardownLocked()
	s.mu.Unlock()
	s.isPagingFeed.Store(false)
	s.isPagingArchive.Store(false)
}

func (s *Syncer) teardownLocked() {
	if s.sub == nil {
		return
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if err := s.sub.Close(); err != nil {
		s.log.Debug("channel close", zap.Error(err))
	}
	s.sub = nil
}
