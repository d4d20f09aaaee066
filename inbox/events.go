package inbox

// EventType identifies a single-message state transition. The same values are
// used for locally-applied mutations and for events pushed by the realtime
// channel.
type EventType string

const (
	EventAdded      EventType = "added"
	EventRead       EventType = "read"
	EventUnread     EventType = "unread"
	EventOpened     EventType = "opened"
	EventUnopened   EventType = "unopened"
	EventArchived   EventType = "archive"
	EventUnarchived EventType = "unarchive"
	EventClicked    EventType = "click"
	EventUnclicked  EventType = "unclick"
	EventAllRead    EventType = "mark-all-read"
)

// ChannelEvent is one server-pushed fact. Message is set when a new message
// arrived; otherwise Event and MessageID describe a message event that
// occurred elsewhere (MessageID may be empty for feed-wide events such as
// mark-all-read).
type ChannelEvent struct {
	Message   *Message
	Event     EventType
	MessageID string
}
