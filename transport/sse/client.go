// Package sse implements the realtime change-feed channel over
// server-sent events, for backends that expose their feed as an HTTP
// stream instead of a socket.
package sse

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	storesync "github.com/c0deZ3R0/go-storefront-kit"
	"github.com/c0deZ3R0/go-storefront-kit/cursor"
	kiterr "github.com/c0deZ3R0/go-storefront-kit/errors"
)

// Envelope is the wire form of one feed message, carried in an SSE data
// line.
type Envelope struct {
	Event      storesync.ChangeEvent `json:"event"`
	NextCursor *cursor.WireCursor    `json:"next_cursor,omitempty"`
}

// Client opens change-feed channels against an SSE endpoint. The last
// cursor seen per subscription scope is handed back when reopening, so a
// reconnected stream can resume where the dropped one left off.
type Client struct {
	baseURL string
	client  *http.Client

	mu     sync.Mutex
	resume map[storesync.Key]*cursor.WireCursor
}

// NewClient creates a client for the given base URL. A nil httpClient
// falls back to http.DefaultClient.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL: baseURL,
		client:  httpClient,
		resume:  make(map[storesync.Key]*cursor.WireCursor),
	}
}

// OpenChannel implements storesync.ChannelOpener.
func (c *Client) OpenChannel(ctx context.Context, entityType storesync.EntityType, filter storesync.Filter) (storesync.Channel, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, kiterr.E(kiterr.OpChannel, kiterr.Component("transport/sse"), kiterr.KindInvalid, err)
	}
	q := u.Query()
	q.Set("table", string(entityType))
	if !filter.IsZero() {
		q.Set("filter_column", filter.Column)
		q.Set("filter_value", filter.Value)
	}

	key := storesync.Key{EntityType: entityType, Filter: filter}
	if wc := c.resumeCursor(key); wc != nil {
		if data, err := json.Marshal(wc); err == nil {
			q.Set("cursor", string(data))
		}
	}
	u.RawQuery = q.Encode()

	streamCtx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, u.String(), nil)
	if err != nil {
		cancel()
		return nil, kiterr.E(kiterr.OpChannel, kiterr.Component("transport/sse"), kiterr.KindInvalid, err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.client.Do(req)
	if err != nil {
		cancel()
		return nil, kiterr.NewTransportError(kiterr.OpChannel, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, kiterr.NewTransportError(kiterr.OpChannel,
			fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	ch := &channel{
		resp:     resp,
		cancel:   cancel,
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
	resp     *http.Response
	cancel   context.CancelFunc
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

	ch.cancel()
	return nil
}

func (ch *channel) readLoop() {
	defer close(ch.events)
	defer ch.resp.Body.Close()

	sc := bufio.NewScanner(ch.resp.Body)
	sc.Buffer(make([]byte, 0, 64<<10), 10<<20) // allow large data lines

	for sc.Scan() {
		line := sc.Bytes()
		if !bytes.HasPrefix(line, []byte("data: ")) {
			continue
		}

		var env Envelope
		if err := json.Unmarshal(bytes.TrimPrefix(line, []byte("data: ")), &env); err != nil {
			ch.setErr(kiterr.E(kiterr.OpChannel, kiterr.Component("transport/sse"),
				kiterr.KindInvalid, err, "decode payload"))
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
			continue
		}
		select {
		case ch.events <- ev:
		case <-ch.done:
			return
		}
	}

	if err := sc.Err(); err != nil {
		ch.setErr(kiterr.NewTransportError(kiterr.OpChannel, err))
	}
}

func (ch *channel) setErr(err error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if !ch.closed {
		ch.err = err
	}
}
