// Package inbox defines the message model and the contracts the sync engine
// consumes from remote collaborators and exposes to observers.
package inbox

import "time"

// Feed selects one of the two message lists held by the engine.
type Feed int

const (
	// FeedMessages is the primary, non-archived list.
	FeedMessages Feed = iota
	// FeedArchive holds user-archived messages.
	FeedArchive
)

func (f Feed) String() string {
	switch f {
	case FeedMessages:
		return "messages"
	case FeedArchive:
		return "archive"
	default:
		return "unknown"
	}
}

// Action is a declarative button attached to a message. The engine stores it
// and never interprets it.
type Action struct {
	Label   string
	Href    string
	Payload map[string]any
}

// Message is a single inbox entry. ID is immutable; status fields change only
// through the Set* methods.
type Message struct {
	ID        string
	Title     string
	Preview   string
	CreatedAt time.Time

	// Read and Opened hold the time the status was set, nil when unset.
	Read   *time.Time
	Opened *time.Time

	Archived bool

	// TrackingID is the opaque token reported back on click; empty means
	// the message carries no click tracking.
	TrackingID string

	Actions []Action

	// Data is an open-ended payload the engine stores and round-trips
	// without ever interpreting its contents.
	Data map[string]any
}

// IsRead reports whether the message has been marked read.
func (m *Message) IsRead() bool { return m.Read != nil }

// IsOpened reports whether the message has been opened.
func (m *Message) IsOpened() bool { return m.Opened != nil }

// IsArchived reports whether the message has been archived.
func (m *Message) IsArchived() bool { return m.Archived }

// SetRead stamps the read status with the current time.
func (m *Message) SetRead() {
	now := time.Now()
	m.Read = &now
}

// SetUnread clears the read status.
func (m *Message) SetUnread() { m.Read = nil }

// SetOpened stamps the opened status with the current time.
func (m *Message) SetOpened() {
	now := time.Now()
	m.Opened = &now
}

// SetUnopened clears the opened status.
func (m *Message) SetUnopened() { m.Opened = nil }

// SetArchived flips the archived flag.
func (m *Message) SetArchived(v bool) { m.Archived = v }

// MessageSet is one feed's worth of messages plus server-reported pagination
// state. Messages are ordered newest first.
type MessageSet struct {
	Messages    []Message
	TotalCount  int
	CanPaginate bool
	Cursor      string
}

// Clone returns a copy whose Messages slice is independent of the receiver.
// Status timestamps are never mutated through their pointers, so element
// copies are sufficient for snapshot/rollback use.
func (s MessageSet) Clone() MessageSet {
	out := s
	out.Messages = append([]Message(nil), s.Messages...)
	return out
}

// MessagePage is the shape of one paginated gateway fetch.
type MessagePage struct {
	Messages    []Message
	TotalCount  int
	HasNextPage bool
	NextCursor  string
}

// Set converts a fetched page into a feed data set.
func (p MessagePage) Set() MessageSet {
	return MessageSet{
		Messages:    p.Messages,
		TotalCount:  p.TotalCount,
		CanPaginate: p.HasNextPage,
		Cursor:      p.NextCursor,
	}
}
