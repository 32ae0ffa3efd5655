// Package transporttest provides an in-memory transport for tests.
package transporttest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/danhigham/telefleet/internal/domain"
	"github.com/danhigham/telefleet/internal/transport"
)

// Transport records every Connect call and hands out fake connections.
type Transport struct {
	mu    sync.Mutex
	conns []*Conn
	opts  []transport.ConnectOptions

	// Configure, when set, is applied to the n-th (zero based) connection
	// before Connect returns it.
	Configure  func(n int, c *Conn)
	connectErr error

	connected chan *Conn
}

func New() *Transport {
	return &Transport{connected: make(chan *Conn, 64)}
}

func (t *Transport) Connect(ctx context.Context, opts transport.ConnectOptions) (transport.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.opts = append(t.opts, opts)
	if t.connectErr != nil {
		return nil, t.connectErr
	}

	c := NewConn(true, "999@user")
	if t.Configure != nil {
		t.Configure(len(t.conns), c)
	}
	t.conns = append(t.conns, c)
	t.connected <- c
	return c, nil
}

// SetConnectErr makes every following Connect call fail with err; nil
// restores success.
func (t *Transport) SetConnectErr(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connectErr = err
}

// Connects returns the number of Connect calls so far.
func (t *Transport) Connects() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.opts)
}

// Conns returns every connection handed out so far.
func (t *Transport) Conns() []*Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Conn(nil), t.conns...)
}

// Options returns the options of the i-th Connect call.
func (t *Transport) Options(i int) transport.ConnectOptions {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.opts[i]
}

// WaitConnect blocks until the next connection is handed out.
func (t *Transport) WaitConnect(tb testing.TB, timeout time.Duration) *Conn {
	tb.Helper()
	select {
	case c := <-t.connected:
		return c
	case <-time.After(timeout):
		tb.Fatalf("no connection within %s", timeout)
		return nil
	}
}

type SentMessage struct {
	ChatID  string
	Message domain.OutboundMessage
}

type Reaction struct {
	ChatID string
	Key    domain.MessageKey
	Emoji  string
}

// Conn is a scriptable transport.Conn.
type Conn struct {
	mu           sync.Mutex
	events       chan transport.Event
	eventsClosed bool
	closed       bool
	registered   bool
	self         string

	sent         []SentMessage
	reactions    []Reaction
	follows      []string
	pairingCalls int

	// PairingCode is returned by RequestPairingCode once PairingErr allows it.
	PairingCode string
	// PairingErr decides the outcome of the n-th (one based) pairing request.
	PairingErr func(call int) error
	// Metadata is served by GroupMetadata; MetadataErr overrides it.
	Metadata    map[string]domain.GroupMetadata
	MetadataErr error
	// SendErr makes every Send fail.
	SendErr   error
	FollowErr error
}

func NewConn(registered bool, self string) *Conn {
	return &Conn{
		events:      make(chan transport.Event, 256),
		registered:  registered,
		self:        self,
		PairingCode: "ABCD-EFGH",
		Metadata:    make(map[string]domain.GroupMetadata),
	}
}

// SetRegistered changes the registration flag reported to the fleet.
func (c *Conn) SetRegistered(registered bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.registered = registered
}

// Push queues an event on the connection's stream.
func (c *Conn) Push(ev transport.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.eventsClosed {
		return
	}
	c.events <- ev
}

// Deliver queues an inbound message.
func (c *Conn) Deliver(msg domain.InboundEvent) {
	c.Push(transport.Inbound{Message: msg})
}

// Open reports the connection as open.
func (c *Conn) Open() {
	c.Push(transport.ConnectionUpdate{State: transport.StateOpen})
}

// Drop reports a close with the given code and ends the event stream.
func (c *Conn) Drop(code int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.eventsClosed {
		return
	}
	c.events <- transport.ConnectionUpdate{State: transport.StateClosed, Code: code, Err: errors.New("dropped")}
	close(c.events)
	c.eventsClosed = true
}

func (c *Conn) Events() <-chan transport.Event { return c.events }

func (c *Conn) Registered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registered
}

func (c *Conn) SelfID() string { return c.self }

func (c *Conn) Send(ctx context.Context, chatID string, msg domain.OutboundMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrClosed
	}
	if c.SendErr != nil {
		return c.SendErr
	}
	c.sent = append(c.sent, SentMessage{ChatID: chatID, Message: msg})
	return nil
}

func (c *Conn) React(ctx context.Context, chatID string, key domain.MessageKey, emoji string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrClosed
	}
	c.reactions = append(c.reactions, Reaction{ChatID: chatID, Key: key, Emoji: emoji})
	return nil
}

func (c *Conn) RequestPairingCode(ctx context.Context, id domain.Identity) (string, error) {
	c.mu.Lock()
	c.pairingCalls++
	call := c.pairingCalls
	check := c.PairingErr
	c.mu.Unlock()

	if check != nil {
		if err := check(call); err != nil {
			return "", err
		}
	}
	return c.PairingCode, nil
}

func (c *Conn) GroupMetadata(ctx context.Context, chatID string) (domain.GroupMetadata, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.MetadataErr != nil {
		return domain.GroupMetadata{}, c.MetadataErr
	}
	return c.Metadata[chatID], nil
}

func (c *Conn) Follow(ctx context.Context, channel string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FollowErr != nil {
		return c.FollowErr
	}
	c.follows = append(c.follows, channel)
	return nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if !c.eventsClosed {
		close(c.events)
		c.eventsClosed = true
	}
	return nil
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) Sent() []SentMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]SentMessage, len(c.sent))
	copy(out, c.sent)
	return out
}

func (c *Conn) Reactions() []Reaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Reaction, len(c.reactions))
	copy(out, c.reactions)
	return out
}

func (c *Conn) Follows() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.follows))
	copy(out, c.follows)
	return out
}

func (c *Conn) PairingCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pairingCalls
}
