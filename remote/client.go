package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/inboxlabs/inboxsync/inbox"
)

// Client is a thin HTTP JSON implementation of inbox.Gateway. It handles
// bearer authentication and maps 401/403 responses to
// inbox.ErrNotAuthenticated; it never retries.
type Client struct {
	base   string
	http   *http.Client
	tokens TokenSource
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

// NewClient constructs a gateway client against the API root URL.
func NewClient(baseURL string, tokens TokenSource, opts ...ClientOption) *Client {
	c := &Client{
		base:   strings.TrimRight(baseURL, "/"),
		http:   &http.Client{Timeout: 30 * time.Second},
		tokens: tokens,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ inbox.Gateway = (*Client)(nil)

type wireAction struct {
	Label   string         `json:"content"`
	Href    string         `json:"href,omitempty"`
	Payload map[string]any `json:"data,omitempty"`
}

type wireMessage struct {
	MessageID  string         `json:"messageId"`
	Title      string         `json:"title,omitempty"`
	Preview    string         `json:"preview,omitempty"`
	Created    time.Time      `json:"created"`
	Read       *time.Time     `json:"read,omitempty"`
	Opened     *time.Time     `json:"opened,omitempty"`
	Archived   bool           `json:"archived,omitempty"`
	TrackingID string         `json:"trackingId,omitempty"`
	Actions    []wireAction   `json:"actions,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

func (w wireMessage) message() inbox.Message {
	m := inbox.Message{
		ID:         w.MessageID,
		Title:      w.Title,
		Preview:    w.Preview,
		CreatedAt:  w.Created,
		Read:       w.Read,
		Opened:     w.Opened,
		Archived:   w.Archived,
		TrackingID: w.TrackingID,
		Data:       w.Data,
	}
	for _, a := range w.Actions {
		m.Actions = append(m.Actions, inbox.Action{Label: a.Label, Href: a.Href, Payload: a.Payload})
	}
	return m
}

type wirePage struct {
	Messages    []wireMessage `json:"messages"`
	TotalCount  int           `json:"totalCount"`
	HasNextPage bool          `json:"hasNextPage"`
	NextCursor  string        `json:"nextCursor,omitempty"`
}

func (w wirePage) page() inbox.MessagePage {
	p := inbox.MessagePage{
		TotalCount:  w.TotalCount,
		HasNextPage: w.HasNextPage,
		NextCursor:  w.NextCursor,
	}
	for _, m := range w.Messages {
		p.Messages = append(p.Messages, m.message())
	}
	return p
}

// GetMessages fetches one page of the primary feed.
func (c *Client) GetMessages(ctx context.Context, limit int, cursor string) (inbox.MessagePage, error) {
	return c.getPage(ctx, "/messages", limit, cursor)
}

// GetArchivedMessages fetches one page of the archive.
func (c *Client) GetArchivedMessages(ctx context.Context, limit int, cursor string) (inbox.MessagePage, error) {
	return c.getPage(ctx, "/messages/archived", limit, cursor)
}

func (c *Client) getPage(ctx context.Context, path string, limit int, cursor string) (inbox.MessagePage, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var out wirePage
	if err := c.do(ctx, http.MethodGet, path+"?"+q.Encode(), nil, &out); err != nil {
		return inbox.MessagePage{}, err
	}
	return out.page(), nil
}

// GetUnreadCount returns the feed-scoped unread total.
func (c *Client) GetUnreadCount(ctx context.Context) (int, error) {
	var out struct {
		Count int `json:"count"`
	}
	if err := c.do(ctx, http.MethodGet, "/messages/unread-count", nil, &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

func (c *Client) MarkRead(ctx context.Context, messageID string) error {
	return c.do(ctx, http.MethodPut, "/messages/"+url.PathEscape(messageID)+"/read", nil, nil)
}

func (c *Client) MarkUnread(ctx context.Context, messageID string) error {
	return c.do(ctx, http.MethodPut, "/messages/"+url.PathEscape(messageID)+"/unread", nil, nil)
}

func (c *Client) MarkOpened(ctx context.Context, messageID string) error {
	return c.do(ctx, http.MethodPut, "/messages/"+url.PathEscape(messageID)+"/opened", nil, nil)
}

func (c *Client) MarkArchived(ctx context.Context, messageID string) error {
	return c.do(ctx, http.MethodPut, "/messages/"+url.PathEscape(messageID)+"/archived", nil, nil)
}

func (c *Client) MarkClicked(ctx context.Context, messageID, trackingID string) error {
	body := map[string]string{"trackingId": trackingID}
	return c.do(ctx, http.MethodPost, "/messages/"+url.PathEscape(messageID)+"/clicked", body, nil)
}

func (c *Client) MarkAllRead(ctx context.Context) error {
	return c.do(ctx, http.MethodPut, "/messages/read-all", nil, nil)
}

// do builds the request, attaches the bearer credential, and decodes the
// JSON response into out when non-nil.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	token, err := c.tokens.Token()
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%s %s: status %d: %w", method, path, resp.StatusCode, inbox.ErrNotAuthenticated)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
