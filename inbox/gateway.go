package inbox

import "context"

// Gateway is the remote API the engine synchronizes against. Implementations
// are supplied by the caller; every call may fail with a transport or
// authorization error and is never retried by the engine.
type Gateway interface {
	// GetMessages fetches one page of the primary feed, newest first.
	GetMessages(ctx context.Context, limit int, cursor string) (MessagePage, error)

	// GetArchivedMessages fetches one page of the archive, newest first.
	GetArchivedMessages(ctx context.Context, limit int, cursor string) (MessagePage, error)

	// GetUnreadCount returns the server's feed-scoped unread total.
	GetUnreadCount(ctx context.Context) (int, error)

	MarkRead(ctx context.Context, messageID string) error
	MarkUnread(ctx context.Context, messageID string) error
	MarkOpened(ctx context.Context, messageID string) error
	MarkArchived(ctx context.Context, messageID string) error

	// MarkClicked reports a click through the message's tracking token.
	MarkClicked(ctx context.Context, messageID, trackingID string) error

	MarkAllRead(ctx context.Context) error
}
