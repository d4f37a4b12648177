// Package testrelay runs an in-process Nostr relay for tests. Answers to each
// REQ can be scripted to exercise silence timeouts, malformed frames and
// dropped connections.
package testrelay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/paul/nostr-activity/internal/store/memory"
	"github.com/paul/nostr-activity/pkg/event"
	"github.com/paul/nostr-activity/pkg/protocol"
	"github.com/paul/nostr-activity/pkg/storage"
)

// Behavior selects how the relay answers one REQ.
type Behavior int

const (
	// Answer sends the stored matches followed by EOSE.
	Answer Behavior = iota
	// Silent sends the stored matches and never sends EOSE.
	Silent
	// Malformed sends the stored matches followed by an undecodable EVENT.
	Malformed
	// Garbage sends a frame that is not a protocol message at all.
	Garbage
	// Refuse answers with CLOSED.
	Refuse
	// Hangup drops the connection without answering.
	Hangup
	// Ignore sends nothing.
	Ignore
	// AnswerThenHangup sends the stored matches and EOSE, then closes the
	// connection with a close frame.
	AnswerThenHangup
)

// Request is one REQ received by the relay.
type Request struct {
	SubID   string
	Filters []*event.Filter
}

// Option configures a Relay.
type Option func(*Relay)

// WithBehavior scripts the answer to the n-th REQ (zero based, counted
// across all connections).
func WithBehavior(fn func(n int, req Request) Behavior) Option {
	return func(r *Relay) { r.behave = fn }
}

// WithResultCap limits every answer to the newest n matches, like a public
// relay's per-query cap.
func WithResultCap(n int) Option {
	return func(r *Relay) { r.resultCap = n }
}

// WithEventDelay pauses between EVENT frames.
func WithEventDelay(d time.Duration) Option {
	return func(r *Relay) { r.eventDelay = d }
}

// WithStore uses store as the backing dataset.
func WithStore(store storage.Store) Option {
	return func(r *Relay) { r.store = store }
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Relay is an httptest server speaking the relay side of NIP-01.
type Relay struct {
	t      testing.TB
	server *httptest.Server
	store  storage.Store

	behave     func(n int, req Request) Behavior
	resultCap  int
	eventDelay time.Duration

	mu       sync.Mutex
	requests []Request
	closes   []string
	conns    map[*client]bool
	reqCh    chan Request
	closeCh  chan string
}

// New starts a relay and registers its shutdown with t.Cleanup.
func New(t testing.TB, opts ...Option) *Relay {
	t.Helper()

	r := &Relay{
		t:       t,
		conns:   make(map[*client]bool),
		reqCh:   make(chan Request, 1024),
		closeCh: make(chan string, 1024),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.store == nil {
		r.store = memory.New()
	}

	r.server = httptest.NewServer(r)
	t.Cleanup(r.Close)
	return r
}

// URL returns the ws:// URL of the relay.
func (r *Relay) URL() string {
	return "ws" + strings.TrimPrefix(r.server.URL, "http")
}

// Publish stores events so later REQs can match them.
func (r *Relay) Publish(events ...*event.Event) {
	r.t.Helper()
	for _, evt := range events {
		if err := r.store.SaveEvent(context.Background(), evt); err != nil {
			r.t.Fatalf("publish: %v", err)
		}
	}
}

// Requests returns every REQ received so far.
func (r *Relay) Requests() []Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Request(nil), r.requests...)
}

// Closes returns the subscription ids of every CLOSE received so far.
func (r *Relay) Closes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.closes...)
}

// NextRequest waits for the next REQ.
func (r *Relay) NextRequest(timeout time.Duration) (Request, bool) {
	select {
	case req := <-r.reqCh:
		return req, true
	case <-time.After(timeout):
		return Request{}, false
	}
}

// NextClose waits for the next CLOSE.
func (r *Relay) NextClose(timeout time.Duration) (string, bool) {
	select {
	case id := <-r.closeCh:
		return id, true
	case <-time.After(timeout):
		return "", false
	}
}

// DropConnections closes every client connection from the relay side.
func (r *Relay) DropConnections() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for c := range r.conns {
		c.close()
	}
}

// Close drops all clients and stops the server.
func (r *Relay) Close() {
	r.DropConnections()
	r.server.CloseClientConnections()
	r.server.Close()
}

// ServeHTTP handles WebSocket upgrade requests
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		http.Error(w, "WebSocket upgrade failed", http.StatusInternalServerError)
		return
	}

	c := &client{conn: conn}
	r.mu.Lock()
	r.conns[c] = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.conns, c)
		r.mu.Unlock()
		c.close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := protocol.ParseClientMessage(data)
		if err != nil {
			notice, _ := protocol.EncodeNotice("error: " + err.Error())
			c.send(notice)
			continue
		}

		switch msg.Type {
		case protocol.MessageTypeReq:
			if !r.handleReq(req.Context(), c, Request{SubID: msg.SubID, Filters: msg.Filters}) {
				return
			}
		case protocol.MessageTypeClose:
			r.mu.Lock()
			r.closes = append(r.closes, msg.SubID)
			r.mu.Unlock()
			r.closeCh <- msg.SubID
		}
	}
}

// handleReq answers one REQ. It returns false when the connection was dropped.
func (r *Relay) handleReq(ctx context.Context, c *client, req Request) bool {
	r.mu.Lock()
	n := len(r.requests)
	r.requests = append(r.requests, req)
	r.mu.Unlock()

	behavior := Answer
	if r.behave != nil {
		behavior = r.behave(n, req)
	}
	// Once NextRequest returns a request, its answer has been written.
	defer func() { r.reqCh <- req }()

	switch behavior {
	case Hangup:
		c.close()
		return false
	case Ignore:
		return true
	case Refuse:
		data, _ := protocol.EncodeClosed(req.SubID, "blocked: scripted refusal")
		c.send(data)
		return true
	case Garbage:
		c.send([]byte(`{"not":"a protocol frame"}`))
		return true
	}

	filters := req.Filters
	if r.resultCap > 0 {
		filters = make([]*event.Filter, 0, len(req.Filters))
		for _, f := range req.Filters {
			capped := *f
			if capped.Limit == nil || *capped.Limit > r.resultCap {
				limit := r.resultCap
				capped.Limit = &limit
			}
			filters = append(filters, &capped)
		}
	}

	events, err := r.store.QueryEvents(ctx, filters)
	if err != nil {
		notice, _ := protocol.EncodeNotice("error: " + err.Error())
		c.send(notice)
		return true
	}

	for _, evt := range events {
		data, err := protocol.EncodeEvent(req.SubID, evt)
		if err != nil {
			continue
		}
		if !c.send(data) {
			return false
		}
		if r.eventDelay > 0 {
			time.Sleep(r.eventDelay)
		}
	}

	switch behavior {
	case Silent:
	case Malformed:
		c.send([]byte(`["EVENT","` + req.SubID + `","not an event"]`))
	case AnswerThenHangup:
		data, _ := protocol.EncodeEOSE(req.SubID)
		c.send(data)
		c.hangup()
		return false
	default:
		data, _ := protocol.EncodeEOSE(req.SubID)
		c.send(data)
	}
	return true
}

type client struct {
	conn      *websocket.Conn
	mu        sync.Mutex
	closeOnce sync.Once
}

func (c *client) send(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data) == nil
}

// hangup sends a normal close frame and drops the connection.
func (c *client) hangup() {
	c.mu.Lock()
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.mu.Unlock()
	c.close()
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		c.conn.Close()
	})
}
