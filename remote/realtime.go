package remote

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/inboxlabs/inboxsync/inbox"
)

// StreamChannel implements inbox.Channel over a long-lived HTTP response
// carrying newline-delimited JSON events. A broken stream reconnects with
// Fibonacci backoff; an explicit Close reports the benign
// inbox.ErrChannelClosed.
type StreamChannel struct {
	base       string
	http       *http.Client
	tokens     TokenSource
	log        *zap.Logger
	backoff    time.Duration
	maxRetries uint64
}

// ChannelOption configures a StreamChannel.
type ChannelOption func(*StreamChannel)

// WithChannelLogger sets the structured logger.
func WithChannelLogger(log *zap.Logger) ChannelOption {
	return func(c *StreamChannel) {
		if log != nil {
			c.log = log
		}
	}
}

// WithReconnect tunes the reconnect backoff base and attempt cap.
func WithReconnect(base time.Duration, maxRetries uint64) ChannelOption {
	return func(c *StreamChannel) {
		if base > 0 {
			c.backoff = base
		}
		c.maxRetries = maxRetries
	}
}

// NewStreamChannel constructs a channel against the API root URL.
func NewStreamChannel(baseURL string, tokens TokenSource, opts ...ChannelOption) *StreamChannel {
	c := &StreamChannel{
		base: strings.TrimRight(baseURL, "/"),
		// No overall timeout: the events response is held open indefinitely.
		http:       &http.Client{},
		tokens:     tokens,
		log:        zap.NewNop(),
		backoff:    500 * time.Millisecond,
		maxRetries: 5,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ inbox.Channel = (*StreamChannel)(nil)

// Connect opens the event stream. The first open happens synchronously so
// connect failures surface to the caller; later interruptions reconnect in
// the background.
func (c *StreamChannel) Connect(ctx context.Context) (inbox.Subscription, error) {
	runCtx, cancel := context.WithCancel(ctx)
	body, err := c.open(runCtx)
	if err != nil {
		cancel()
		return nil, err
	}
	sub := &subscription{
		ch:     c,
		events: make(chan inbox.ChannelEvent, 16),
		cancel: cancel,
	}
	go sub.run(runCtx, body)
	return sub, nil
}

func (c *StreamChannel) open(ctx context.Context) (io.ReadCloser, error) {
	token, err := c.tokens.Token()
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/events", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/x-ndjson")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return nil, fmt.Errorf("events: status %d: %w", resp.StatusCode, inbox.ErrNotAuthenticated)
		}
		return nil, fmt.Errorf("events: unexpected status %d", resp.StatusCode)
	}
	return resp.Body, nil
}

// wireEvent is the stream envelope, discriminated by type.
type wireEvent struct {
	Type      string       `json:"type"` // "message" | "event"
	Message   *wireMessage `json:"message,omitempty"`
	Event     string       `json:"event,omitempty"`
	MessageID string       `json:"messageId,omitempty"`
}

type subscription struct {
	ch     *StreamChannel
	events chan inbox.ChannelEvent
	cancel context.CancelFunc

	mu  sync.Mutex
	err error
}

var _ inbox.Subscription = (*subscription)(nil)

func (s *subscription) Events() <-chan inbox.ChannelEvent { return s.events }

// KeepAlive pings the stream endpoint so intermediaries keep it open.
func (s *subscription) KeepAlive(ctx context.Context) error {
	token, err := s.ch.tokens.Token()
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.ch.base+"/events/keepalive", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := s.ch.http.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("keepalive: unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *subscription) Close() error {
	s.cancel()
	return nil
}

func (s *subscription) setErr(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

func (s *subscription) run(ctx context.Context, body io.ReadCloser) {
	defer close(s.events)
	for {
		err := s.consume(ctx, body)
		body.Close()
		if ctx.Err() != nil {
			s.setErr(inbox.ErrChannelClosed)
			return
		}
		s.ch.log.Debug("event stream interrupted", zap.Error(err))

		var next io.ReadCloser
		b := retry.WithMaxRetries(s.ch.maxRetries, retry.NewFibonacci(s.ch.backoff))
		rerr := retry.Do(ctx, b, func(ctx context.Context) error {
			rc, oerr := s.ch.open(ctx)
			if oerr != nil {
				if errors.Is(oerr, inbox.ErrNotAuthenticated) {
					return oerr
				}
				return retry.RetryableError(oerr)
			}
			next = rc
			return nil
		})
		if rerr != nil {
			if ctx.Err() != nil {
				s.setErr(inbox.ErrChannelClosed)
			} else {
				s.setErr(rerr)
			}
			return
		}
		s.ch.log.Debug("event stream reconnected")
		body = next
	}
}

// consume reads events off one stream until it breaks.
func (s *subscription) consume(ctx context.Context, body io.Reader) error {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev wireEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			s.ch.log.Debug("bad stream event", zap.Error(err))
			continue
		}
		out, ok := channelEvent(ev)
		if !ok {
			continue
		}
		select {
		case s.events <- out:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	return io.EOF
}

func channelEvent(ev wireEvent) (inbox.ChannelEvent, bool) {
	switch ev.Type {
	case "message":
		if ev.Message == nil {
			return inbox.ChannelEvent{}, false
		}
		m := ev.Message.message()
		return inbox.ChannelEvent{Message: &m}, true
	case "event":
		if ev.Event == "" {
			return inbox.ChannelEvent{}, false
		}
		return inbox.ChannelEvent{Event: inbox.EventType(ev.Event), MessageID: ev.MessageID}, true
	default:
		return inbox.ChannelEvent{}, false
	}
}
