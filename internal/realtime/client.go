// Package realtime implements the event channel client: a persistent,
// authenticated connection scoped to one restaurant room that delivers
// validated order lifecycle events to registered handlers.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/appetiteclub/orderdesk/internal/logger"
	"github.com/appetiteclub/orderdesk/internal/order"
	"github.com/appetiteclub/orderdesk/internal/telemetry"
	"github.com/appetiteclub/orderdesk/pkg/event"
	"go.uber.org/zap"
)

var (
	ErrConnectionLost   = errors.New("realtime connection lost")
	ErrDuplicateHandler = errors.New("handler already registered for consumer and event")
	ErrUnknownEvent     = errors.New("unknown realtime event")
	ErrClosed           = errors.New("realtime client closed")
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Identity is presented to the realtime service when connecting.
type Identity struct {
	Token string
	User  string
}

type Options struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Metrics        *telemetry.Metrics
}

func (o Options) withDefaults() Options {
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 1 * time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 30 * time.Second
	}
	if o.MaxBackoff < o.InitialBackoff {
		o.MaxBackoff = o.InitialBackoff
	}
	return o
}

// Handler receives a validated order carried by an event.
type Handler func(o order.Order)

// Client keeps one connection to the realtime service and one room
// membership, and fans incoming order events out to handlers.
type Client struct {
	dialer   Dialer
	identity Identity
	opts     Options
	logger   *zap.Logger

	mu       sync.RWMutex
	state    State
	lastErr  error
	conn     Conn
	gen      uint64
	room     string
	roomSub  Unsubscriber
	handlers map[string][]*Subscription
	retrying bool
	lifetime context.Context
	cancel   context.CancelFunc

	listenerMu         sync.Mutex
	nextListener       int
	stateListeners     map[int]func(State, error)
	reconnectListeners map[int]func()
}

func NewClient(dialer Dialer, identity Identity, opts Options, log *zap.Logger) *Client {
	return &Client{
		dialer:             dialer,
		identity:           identity,
		opts:               opts.withDefaults(),
		logger:             logger.OrNop(log).Named("realtime"),
		handlers:           make(map[string][]*Subscription),
		stateListeners:     make(map[int]func(State, error)),
		reconnectListeners: make(map[int]func()),
	}
}

// Connect dials the realtime service. On failure the client stays
// disconnected, keeps retrying in the background with exponential backoff,
// and the error is returned wrapped in ErrConnectionLost.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected || c.retrying {
		c.mu.Unlock()
		return nil
	}
	if c.lifetime == nil || c.lifetime.Err() != nil {
		c.lifetime, c.cancel = context.WithCancel(context.Background())
	}
	lifetime := c.lifetime
	notify := c.transitionLocked(StateConnecting, nil)
	c.mu.Unlock()
	notify()

	c.logger.Info("connecting to realtime service", zap.String("user", c.Identity().User))

	err := c.dial(ctx, lifetime)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrClosed) {
		return err
	}

	c.logger.Warn("realtime connection failed", zap.Error(err), zap.Duration("retry_in", c.opts.InitialBackoff))
	c.mu.Lock()
	notify = c.transitionLocked(StateDisconnected, err)
	c.mu.Unlock()
	notify()

	c.startRetry()
	return fmt.Errorf("%w: %v", ErrConnectionLost, err)
}

// dial opens a new link and attaches the current room to it. A dial that
// loses a race with Disconnect returns ErrClosed.
func (c *Client) dial(ctx, lifetime context.Context) error {
	c.mu.Lock()
	if lifetime.Err() != nil {
		c.mu.Unlock()
		return ErrClosed
	}
	c.gen++
	gen := c.gen
	identity := c.identity
	c.mu.Unlock()

	conn, err := c.dialer.Dial(ctx, identity, Hooks{
		OnDisconnect: func(err error) { c.handleDrop(gen, err) },
		OnReconnect:  func() { c.handleRestore(gen) },
		OnClosed:     func() { c.handleClosed(gen) },
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	c.conn = conn
	if err := c.attachRoomLocked(); err != nil {
		c.logger.Error("cannot join room", zap.String("restaurant_id", c.room), zap.Error(err))
	}
	notify := c.transitionLocked(StateConnected, nil)
	c.mu.Unlock()
	notify()

	c.logger.Info("connected to realtime service")
	return nil
}

func (c *Client) startRetry() {
	c.mu.Lock()
	if c.retrying || c.lifetime == nil || c.lifetime.Err() != nil {
		c.mu.Unlock()
		return
	}
	c.retrying = true
	ctx := c.lifetime
	c.mu.Unlock()

	go c.connectWithRetry(ctx)
}

// connectWithRetry redials with exponential backoff until it succeeds or the
// client is disconnected.
func (c *Client) connectWithRetry(ctx context.Context) {
	backoff := c.opts.InitialBackoff
	maxBackoff := c.opts.MaxBackoff

	defer func() {
		c.mu.Lock()
		if c.lifetime == ctx {
			c.retrying = false
		}
		c.mu.Unlock()
	}()

	for {
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			c.logger.Info("realtime client shutdown, stopping connection attempts")
			return
		case <-timer.C:
		}

		c.mu.Lock()
		if ctx.Err() != nil {
			c.mu.Unlock()
			return
		}
		notify := c.transitionLocked(StateConnecting, nil)
		c.mu.Unlock()
		notify()

		c.logger.Info("attempting to reconnect to realtime service")

		err := c.dial(ctx, ctx)
		if errors.Is(err, ErrClosed) || ctx.Err() != nil {
			return
		}
		if err != nil {
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			c.logger.Warn("realtime reconnect failed", zap.Error(err), zap.Duration("retry_in", backoff))
			c.mu.Lock()
			notify := c.transitionLocked(StateDisconnected, err)
			c.mu.Unlock()
			notify()
			continue
		}

		c.reconnected()
		return
	}
}

// handleDrop runs when a self-healing transport loses its link.
func (c *Client) handleDrop(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.gen || c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	if err == nil {
		err = ErrConnectionLost
	} else {
		err = fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	// Leave now so the join re-issued on restore is not counted twice. The
	// transport buffers the leave while it reconnects.
	if c.room != "" {
		if perr := c.publishControlLocked(event.EventLeaveRestaurant, c.room); perr != nil {
			c.logger.Debug("leave notification failed", zap.String("restaurant_id", c.room), zap.Error(perr))
		}
	}
	notify := c.transitionLocked(StateConnecting, err)
	c.mu.Unlock()

	c.logger.Warn("realtime connection dropped", zap.Error(err))
	notify()
}

// handleRestore runs when a self-healing transport has its link back. Room
// membership is not preserved by the server, so the join is re-issued.
func (c *Client) handleRestore(gen uint64) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	if c.room != "" {
		if err := c.publishControlLocked(event.EventJoinRestaurant, c.room); err != nil {
			c.logger.Error("cannot rejoin room", zap.String("restaurant_id", c.room), zap.Error(err))
		}
	}
	notify := c.transitionLocked(StateConnected, nil)
	c.mu.Unlock()
	notify()

	c.reconnected()
}

// handleClosed runs when the transport gave up. The client redials itself.
func (c *Client) handleClosed(gen uint64) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.roomSub = nil
	notify := c.transitionLocked(StateDisconnected, ErrConnectionLost)
	c.mu.Unlock()

	c.logger.Warn("realtime transport closed")
	notify()
	c.startRetry()
}

func (c *Client) reconnected() {
	c.opts.Metrics.Reconnected()
	c.logger.Info("realtime connection restored", zap.String("restaurant_id", c.Room()))

	c.listenerMu.Lock()
	fns := make([]func(), 0, len(c.reconnectListeners))
	for _, id := range sortedKeys(c.reconnectListeners) {
		fns = append(fns, c.reconnectListeners[id])
	}
	c.listenerMu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// Disconnect stops reconnecting, leaves the room and closes the link.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.retrying = false
	c.gen++
	if c.room != "" {
		c.detachRoomLocked()
		c.room = ""
	}
	conn := c.conn
	c.conn = nil
	notify := c.transitionLocked(StateDisconnected, nil)
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	notify()
	c.logger.Info("disconnected from realtime service")
}

// JoinRoom scopes the client to one restaurant. Joining while another room is
// held leaves that room first. Before the link is up the join is deferred.
func (c *Client) JoinRoom(restaurantID string) error {
	if restaurantID == "" {
		return errors.New("restaurant id is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.room == restaurantID {
		return nil
	}
	if c.room != "" {
		c.detachRoomLocked()
	}
	c.room = restaurantID
	if c.conn == nil {
		return nil
	}
	if err := c.attachRoomLocked(); err != nil {
		return fmt.Errorf("cannot join room %s: %w", restaurantID, err)
	}
	c.logger.Info("joined room", zap.String("restaurant_id", restaurantID))
	return nil
}

// LeaveRoom drops the current room membership, if any.
func (c *Client) LeaveRoom() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.room == "" {
		return
	}
	c.detachRoomLocked()
	c.logger.Info("left room", zap.String("restaurant_id", c.room))
	c.room = ""
}

func (c *Client) attachRoomLocked() error {
	if c.room == "" || c.conn == nil {
		return nil
	}
	sub, err := c.conn.Subscribe(event.RoomSubject(c.room), c.dispatch)
	if err != nil {
		return err
	}
	c.roomSub = sub
	return c.publishControlLocked(event.EventJoinRestaurant, c.room)
}

func (c *Client) detachRoomLocked() {
	if c.roomSub != nil {
		if err := c.roomSub.Unsubscribe(); err != nil {
			c.logger.Debug("room unsubscribe failed", zap.Error(err))
		}
		c.roomSub = nil
	}
	if c.conn != nil {
		if err := c.publishControlLocked(event.EventLeaveRestaurant, c.room); err != nil {
			c.logger.Debug("leave notification failed", zap.Error(err))
		}
	}
}

func (c *Client) publishControlLocked(name, restaurantID string) error {
	if c.conn == nil {
		return ErrConnectionLost
	}
	msg, err := event.NewEnvelope(name, restaurantID)
	if err != nil {
		return err
	}
	return c.conn.Publish(event.ControlSubject, msg)
}

// dispatch decodes one room message and delivers it to every handler
// registered for its event. Malformed payloads never reach handlers.
func (c *Client) dispatch(data []byte) {
	env, err := event.DecodeEnvelope(data)
	if err != nil {
		c.logger.Warn("dropping malformed realtime message", zap.Error(err))
		c.opts.Metrics.EventDropped("unknown", telemetry.ReasonMalformed)
		return
	}
	if !event.IsOrderEvent(env.Event) {
		c.logger.Debug("ignoring realtime event", zap.String("event", env.Event))
		return
	}
	c.opts.Metrics.EventReceived(env.Event)

	o, err := order.Decode(env.Data)
	if err != nil {
		c.logger.Warn("dropping malformed order payload", zap.String("event", env.Event), zap.Error(err))
		c.opts.Metrics.EventDropped(env.Event, telemetry.ReasonMalformed)
		return
	}

	c.mu.RLock()
	subs := append([]*Subscription(nil), c.handlers[env.Event]...)
	c.mu.RUnlock()

	for _, s := range subs {
		c.invoke(s, o.Clone())
	}
}

func (c *Client) invoke(s *Subscription, o order.Order) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("realtime handler panicked",
				zap.String("consumer", s.consumer),
				zap.String("event", s.event),
				zap.String("order_id", o.ID.String()),
				zap.Any("panic", r))
			c.opts.Metrics.EventDropped(s.event, telemetry.ReasonPanic)
		}
	}()
	s.handler(o)
}

// Subscription is one registered handler. Release it when the consumer goes
// away.
type Subscription struct {
	client   *Client
	consumer string
	event    string
	handler  Handler
	once     sync.Once
}

func (s *Subscription) Event() string {
	return s.event
}

// Release unregisters the handler. Calling it more than once is a no-op.
func (s *Subscription) Release() {
	s.once.Do(func() {
		s.client.remove(s)
	})
}

// Subscribe registers handler for event on behalf of consumer. A consumer may
// hold at most one handler per event.
func (c *Client) Subscribe(consumer, eventName string, handler Handler) (*Subscription, error) {
	if !event.IsOrderEvent(eventName) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, eventName)
	}
	if handler == nil {
		return nil, errors.New("handler is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, s := range c.handlers[eventName] {
		if s.consumer == consumer {
			return nil, fmt.Errorf("%w: %s on %s", ErrDuplicateHandler, consumer, eventName)
		}
	}

	s := &Subscription{client: c, consumer: consumer, event: eventName, handler: handler}
	c.handlers[eventName] = append(c.handlers[eventName], s)
	c.logger.Debug("handler registered", zap.String("consumer", consumer), zap.String("event", eventName))
	return s, nil
}

// Off removes the handler consumer registered for event, if any.
func (c *Client) Off(consumer, eventName string) {
	c.mu.RLock()
	var found *Subscription
	for _, s := range c.handlers[eventName] {
		if s.consumer == consumer {
			found = s
			break
		}
	}
	c.mu.RUnlock()

	if found != nil {
		found.Release()
	}
}

func (c *Client) remove(target *Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()

	subs := c.handlers[target.event]
	for i, s := range subs {
		if s == target {
			c.handlers[target.event] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(c.handlers[target.event]) == 0 {
		delete(c.handlers, target.event)
	}
}

// HandlerCount returns the number of handlers registered for event.
func (c *Client) HandlerCount(eventName string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.handlers[eventName])
}

// OnStateChange registers fn for every state transition. The returned func
// releases it.
func (c *Client) OnStateChange(fn func(State, error)) func() {
	c.listenerMu.Lock()
	defer c.listenerMu.Unlock()

	id := c.nextListener
	c.nextListener++
	c.stateListeners[id] = fn
	return c.releaser(func() { delete(c.stateListeners, id) })
}

// OnReconnect registers fn to run after the link is restored and the room
// rejoined. Events missed during the outage are not replayed.
func (c *Client) OnReconnect(fn func()) func() {
	c.listenerMu.Lock()
	defer c.listenerMu.Unlock()

	id := c.nextListener
	c.nextListener++
	c.reconnectListeners[id] = fn
	return c.releaser(func() { delete(c.reconnectListeners, id) })
}

func (c *Client) releaser(del func()) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			c.listenerMu.Lock()
			del()
			c.listenerMu.Unlock()
		})
	}
}

// SetToken replaces the credential presented on later dials. A live link
// keeps the token it was opened with.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.identity.Token = token
}

func (c *Client) Identity() Identity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity
}

func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// LastError is the error behind the latest transition, nil once connected.
func (c *Client) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

func (c *Client) Room() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.room
}

// transitionLocked records a state change and returns the notification to run
// once c.mu is released.
func (c *Client) transitionLocked(state State, err error) func() {
	if c.state == state && err == nil && c.lastErr == nil {
		return func() {}
	}
	c.state = state
	c.lastErr = err
	c.opts.Metrics.ConnectionState(int(state))

	return func() {
		c.listenerMu.Lock()
		fns := make([]func(State, error), 0, len(c.stateListeners))
		for _, id := range sortedKeys(c.stateListeners) {
			fns = append(fns, c.stateListeners[id])
		}
		c.listenerMu.Unlock()

		for _, fn := range fns {
			fn(state, err)
		}
	}
}

func sortedKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
