package inboxsync

import (
	"time"

	"go.uber.org/zap"
)

// Pagination limits applied to every fetch.
const (
	MinPaginationLimit     = 1
	MaxPaginationLimit     = 100
	DefaultPaginationLimit = 32
)

type options struct {
	logger    *zap.Logger
	limit     int
	keepAlive time.Duration
}

// Option configures a Client.
type Option func(*options)

// WithLogger sets the structured logger. Defaults to a no-op logger.
func WithLogger(log *zap.Logger) Option {
	return func(o *options) {
		if log != nil {
			o.logger = log
		}
	}
}

// WithPaginationLimit sets the default page size, clamped to
// [MinPaginationLimit, MaxPaginationLimit].
func WithPaginationLimit(n int) Option {
	return func(o *options) { o.limit = clampLimit(n) }
}

// WithKeepAliveInterval sets the realtime keep-alive period.
func WithKeepAliveInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.keepAlive = d
		}
	}
}

func clampLimit(n int) int {
	if n < MinPaginationLimit {
		return MinPaginationLimit
	}
	if n > MaxPaginationLimit {
		return MaxPaginationLimit
	}
	return n
}
