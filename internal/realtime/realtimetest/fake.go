// Package realtimetest provides an in-memory realtime transport for tests.
package realtimetest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/appetiteclub/orderdesk/internal/realtime"
	"github.com/appetiteclub/orderdesk/pkg/event"
)

var ErrDialRefused = errors.New("dial refused")

// Message is a frame published by the client.
type Message struct {
	Subject string
	Event   string
	Data    json.RawMessage
}

// Dialer hands out Conns and can be told to refuse upcoming dials.
type Dialer struct {
	mu         sync.Mutex
	failures   int
	conns      []*Conn
	identities []realtime.Identity
}

func NewDialer() *Dialer {
	return &Dialer{}
}

// FailNext makes the next n dials fail.
func (d *Dialer) FailNext(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures = n
}

func (d *Dialer) Dial(ctx context.Context, identity realtime.Identity, hooks realtime.Hooks) (realtime.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.identities = append(d.identities, identity)
	if d.failures > 0 {
		d.failures--
		return nil, ErrDialRefused
	}
	conn := &Conn{hooks: hooks, subs: make(map[string][]*subscription)}
	d.conns = append(d.conns, conn)
	return conn, nil
}

// Dials returns the number of dial attempts, failed ones included.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.identities)
}

func (d *Dialer) Identities() []realtime.Identity {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]realtime.Identity(nil), d.identities...)
}

// Conn returns the most recent successful connection, or nil.
func (d *Dialer) Conn() *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// Conns returns every successful connection in dial order.
func (d *Dialer) Conns() []*Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Conn(nil), d.conns...)
}

type subscription struct {
	conn    *Conn
	subject string
	fn      func([]byte)
}

func (s *subscription) Unsubscribe() error {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()

	subs := s.conn.subs[s.subject]
	for i, candidate := range subs {
		if candidate == s {
			s.conn.subs[s.subject] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(s.conn.subs[s.subject]) == 0 {
		delete(s.conn.subs, s.subject)
	}
	return nil
}

// Conn records publishes and lets tests push frames and link events.
type Conn struct {
	hooks realtime.Hooks

	mu        sync.Mutex
	subs      map[string][]*subscription
	published []Message
	closed    bool
}

func (c *Conn) Subscribe(subject string, fn func(data []byte)) (realtime.Unsubscriber, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := &subscription{conn: c, subject: subject, fn: fn}
	c.subs[subject] = append(c.subs[subject], s)
	return s, nil
}

func (c *Conn) Publish(subject string, data []byte) error {
	env, err := event.DecodeEnvelope(data)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, Message{Subject: subject, Event: env.Event, Data: env.Data})
	return nil
}

func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Subscribed reports whether anything listens on subject.
func (c *Conn) Subscribed(subject string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs[subject]) > 0
}

func (c *Conn) Published() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.published...)
}

// Controls returns the control frames published for a given event name.
func (c *Conn) Controls(eventName string) []string {
	var rooms []string
	for _, m := range c.Published() {
		if m.Subject != event.ControlSubject || m.Event != eventName {
			continue
		}
		var room string
		if err := json.Unmarshal(m.Data, &room); err == nil {
			rooms = append(rooms, room)
		}
	}
	return rooms
}

// Deliver pushes a raw frame to the subscribers of subject, synchronously.
func (c *Conn) Deliver(subject string, data []byte) {
	c.mu.Lock()
	subs := append([]*subscription(nil), c.subs[subject]...)
	c.mu.Unlock()

	for _, s := range subs {
		s.fn(data)
	}
}

// Emit wraps payload in an envelope and delivers it to a restaurant room.
func (c *Conn) Emit(restaurantID, eventName string, payload any) error {
	msg, err := event.NewEnvelope(eventName, payload)
	if err != nil {
		return err
	}
	c.Deliver(event.RoomSubject(restaurantID), msg)
	return nil
}

// Drop simulates the transport losing its link while it retries.
func (c *Conn) Drop(err error) {
	if c.hooks.OnDisconnect != nil {
		c.hooks.OnDisconnect(err)
	}
}

// Restore simulates the transport getting its link back.
func (c *Conn) Restore() {
	if c.hooks.OnReconnect != nil {
		c.hooks.OnReconnect()
	}
}

// Kill simulates the transport giving up for good.
func (c *Conn) Kill() {
	c.Close()
	if c.hooks.OnClosed != nil {
		c.hooks.OnClosed()
	}
}
