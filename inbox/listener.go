package inbox

// Listener observes engine state. Methods are invoked one at a time on a
// single delivery goroutine, in registration order, and never concurrently.
// Embed NoopListener to implement only the methods you care about.
type Listener interface {
	// OnLoading signals a fetch has started; isRefresh distinguishes a
	// refresh of already-held data from a cold start.
	OnLoading(isRefresh bool)

	// OnError reports fetch, gateway, or channel failures.
	OnError(err error)

	// OnUnreadCountChanged reports the feed-scoped unread counter.
	OnUnreadCountChanged(count int)

	// OnTotalCountChanged reports a server-confirmed total for a feed.
	OnTotalCountChanged(feed Feed, total int)

	// OnMessagesChanged delivers the full committed list for a feed.
	OnMessagesChanged(feed Feed, messages []Message)

	// OnMessageEvent reports a single message transition at its index
	// within the named feed.
	OnMessageEvent(msg Message, index int, feed Feed, event EventType)
}

// NoopListener implements Listener with no-ops.
type NoopListener struct{}

func (NoopListener) OnLoading(bool)                              {}
func (NoopListener) OnError(error)                               {}
func (NoopListener) OnUnreadCountChanged(int)                    {}
func (NoopListener) OnTotalCountChanged(Feed, int)               {}
func (NoopListener) OnMessagesChanged(Feed, []Message)           {}
func (NoopListener) OnMessageEvent(Message, int, Feed, EventType) {}
