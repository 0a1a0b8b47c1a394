// Package ws implements the realtime change-feed channel over WebSocket.
// Each open channel is one socket carrying JSON envelopes of change events
// plus a resume cursor. The client remembers the last cursor per
// subscription scope and hands it back when reopening, so a reconnected
// channel can resume where the dropped one left off.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	storesync "github.com/c0deZ3R0/go-storefront-kit"
	"github.com/c0deZ3R0/go-storefront-kit/cursor"
	kiterr "github.com/c0deZ3R0/go-storefront-kit/errors"
)

// Envelope is the wire form of one feed message.
type Envelope struct {
	Event      storesync.ChangeEvent `json:"event"`
	NextCursor *cursor.WireCursor    `json:"next_cursor,omitempty"`
}

// Client opens change-feed channels against a WebSocket endpoint.
type Client struct {
	baseURL string
	dialer  *websocket.Dialer
	header  http.Header

	mu     sync.Mutex
	resume map[storesync.Key]*cursor.WireCursor
}

// Option configures a Client.
type Option func(*Client)

// WithDialer overrides the default dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// WithHeader sets extra handshake headers (auth tokens and the like).
func WithHeader(h http.Header) Option {
	return func(c *Client) { c.header = h }
}

// NewClient creates a client for the given base URL, e.g.
// "wss://example.test/realtime".
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
		resume: make(map[storesync.Key]*cursor.WireCursor),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OpenChannel implements storesync.ChannelOpener. The subscription scope
// is carried in query parameters; the server streams envelopes until
// either side closes.
func (c *Client) OpenChannel(ctx context.Context, entityType storesync.EntityType, filter storesync.Filter) (storesync.Channel, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, kiterr.E(kiterr.OpChannel, kiterr.Component("transport/ws"), kiterr.KindInvalid, err)
	}
	q := u.Query()
	q.Set("table", string(entityType))
	if !filter.IsZero() {
		q.Set("filter_column", filter.Column)
		q.Set("filter_value", filter.Value)
	}
	q.Set("client_id", uuid.NewString())

	key := storesync.Key{EntityType: entityType, Filter: filter}
	if wc := c.resumeCursor(key); wc != nil {
		if data, err := json.Marshal(wc); err == nil {
			q.Set("cursor", string(data))
		}
	}
	u.RawQuery = q.Encode()

	conn, resp, err := c.dialer.DialContext(ctx, u.String(), c.header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, kiterr.NewTransportError(kiterr.OpChannel, err)
	}

	ch := &channel{
		conn:     conn,
		events:   make(chan storesync.ChangeEvent, 64),
		done:     make(chan struct{}),
		onCursor: func(wc *cursor.WireCursor) { c.storeCursor(key, wc) },
	}
	go ch.readLoop()
	return ch, nil
}

func (c *Client) resumeCursor(key storesync.Key) *cursor.WireCursor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resume[key]
}

func (c *Client) storeCursor(key storesync.Key, wc *cursor.WireCursor) {
	c.mu.Lock()
	c.resume[key] = wc
	c.mu.Unlock()
}

type channel struct {
	conn     *websocket.Conn
	events   chan storesync.ChangeEvent
	done     chan struct{}
	onCursor func(*cursor.WireCursor)

	mu      sync.Mutex
	closed  bool
	err     error
	resumeC cursor.Cursor
}

func (ch *channel) Events() <-chan storesync.ChangeEvent { return ch.events }

func (ch *channel) Err() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.err
}

// LastCursor returns the most recent resume position reported by the
// server, or nil if none has been seen.
func (ch *channel) LastCursor() cursor.Cursor {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.resumeC
}

func (ch *channel) Close() error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return nil
	}
	ch.closed = true
	close(ch.done)
	ch.mu.Unlock()

	deadline := time.Now().Add(time.Second)
	ch.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return ch.conn.Close()
}

func (ch *channel) readLoop() {
	defer close(ch.events)

	for {
		_, data, err := ch.conn.ReadMessage()
		if err != nil {
			ch.mu.Lock()
			if !ch.closed && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				ch.err = kiterr.NewTransportError(kiterr.OpChannel, err)
			}
			ch.mu.Unlock()
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			ch.mu.Lock()
			ch.err = kiterr.E(kiterr.OpChannel, kiterr.Component("transport/ws"),
				kiterr.KindInvalid, err, "decode envelope")
			ch.mu.Unlock()
			ch.conn.Close()
			return
		}

		if env.NextCursor != nil {
			if cur, err := cursor.UnmarshalWire(env.NextCursor); err == nil {
				ch.mu.Lock()
				ch.resumeC = cur
				ch.mu.Unlock()
				ch.onCursor(env.NextCursor)
			}
		}

		ev := env.Event
		if ev.ReceivedAt.IsZero() {
			ev.ReceivedAt = time.Now()
		}
		if err := ev.Validate(); err != nil {
			// Skip malformed events; the reconnect resync covers gaps.
			continue
		}
		select {
		case ch.events <- ev:
		case <-ch.done:
			return
		}
	}
}
