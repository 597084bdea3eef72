// Package session ties one restaurant's event channel, order cache and REST
// client together behind an explicit Connect/Disconnect lifecycle.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/appetiteclub/orderdesk/internal/logger"
	"github.com/appetiteclub/orderdesk/internal/order"
	"github.com/appetiteclub/orderdesk/internal/realtime"
	"github.com/appetiteclub/orderdesk/internal/restapi"
	"github.com/appetiteclub/orderdesk/internal/telemetry"
	"github.com/appetiteclub/orderdesk/pkg/enums/orderstatus"
	"github.com/appetiteclub/orderdesk/pkg/event"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	// ErrNetwork matches REST failures and timeouts. They are retryable.
	ErrNetwork = restapi.ErrNetwork

	ErrNoRestaurant = errors.New("restaurant id is required")
	ErrNotConnected = errors.New("session not connected")
	// ErrNoCredentials means no token can be obtained for a restaurant.
	ErrNoCredentials = errors.New("no credentials for restaurant")
)

// Refetch triggers, used as metric labels.
const (
	TriggerConnect   = "connect"
	TriggerReconnect = "reconnect"
	TriggerManual    = "manual"
	TriggerSwitch    = "switch"
)

type Mode int

const (
	// ModeDashboard fetches every order, optionally filtered by status.
	ModeDashboard Mode = iota
	// ModeKitchen fetches only what the kitchen works on.
	ModeKitchen
)

func (m Mode) String() string {
	if m == ModeKitchen {
		return "kitchen"
	}
	return "dashboard"
}

// Channel is the part of the realtime client a session drives.
type Channel interface {
	Connect(ctx context.Context) error
	Disconnect()
	JoinRoom(restaurantID string) error
	LeaveRoom()
	Subscribe(consumer, eventName string, handler realtime.Handler) (*realtime.Subscription, error)
	OnReconnect(fn func()) func()
	OnStateChange(fn func(realtime.State, error)) func()
	State() realtime.State
}

// OrderAPI is the part of the REST client a session drives.
type OrderAPI interface {
	ListOrders(ctx context.Context, statuses ...orderstatus.Status) ([]order.Order, error)
	KitchenActive(ctx context.Context) ([]order.Order, error)
	UpdateStatus(ctx context.Context, id order.ID, status orderstatus.Status) (order.Order, error)
	CancelOrder(ctx context.Context, id order.ID) (order.Order, error)
}

// TokenSource returns a bearer token scoped to restaurantID. The server
// answers every request with the orders of the token's restaurant, so a
// session can only move to a restaurant it can get a token for.
type TokenSource func(restaurantID string) (string, error)

// tokenHolder is implemented by API clients and channels whose credential
// can be swapped.
type tokenHolder interface {
	SetToken(token string)
}

type Deps struct {
	Channel Channel
	API     OrderAPI
	Cache   *order.Cache
	Logger  *zap.Logger
	Metrics *telemetry.Metrics
	// Tokens is required for SwitchRestaurant.
	Tokens  TokenSource
}

type Options struct {
	RestaurantID string
	Mode         Mode
	StatusFilter []orderstatus.Status
	// FetchTimeout bounds every REST call the session makes.
	FetchTimeout time.Duration
	// RefetchInterval is the minimum spacing between reconnect refetches.
	RefetchInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = 10 * time.Second
	}
	if o.RefetchInterval <= 0 {
		o.RefetchInterval = 2 * time.Second
	}
	return o
}

// Snapshot is the state a view needs besides the orders themselves.
type Snapshot struct {
	Restaurant     string
	Mode           Mode
	State          realtime.State
	Reconnecting   bool
	LastFetchError error
	LastFetched    time.Time
	Active         int
	Total          int
	Stats          map[orderstatus.Status]int
}

type Session struct {
	channel  Channel
	api      OrderAPI
	cache    *order.Cache
	logger   *zap.Logger
	metrics  *telemetry.Metrics
	tokens   TokenSource
	opts     Options
	consumer string
	limiter  *rate.Limiter

	mu           sync.RWMutex
	restaurant   string
	connected    bool
	lastFetchErr error
	lastFetched  time.Time
	subs         []*realtime.Subscription
	releases     []func()
	lifetime     context.Context
	cancel       context.CancelFunc

	fetchMu        sync.Mutex
	refetchPending atomic.Bool
	wg             sync.WaitGroup
}

func New(deps Deps, opts Options) (*Session, error) {
	if deps.Channel == nil || deps.API == nil {
		return nil, errors.New("session requires a channel and an order API")
	}
	if opts.RestaurantID == "" {
		return nil, ErrNoRestaurant
	}
	opts = opts.withDefaults()

	log := logger.OrNop(deps.Logger).Named("session")
	cache := deps.Cache
	if cache == nil {
		cache = order.NewCache(log)
	}

	return &Session{
		channel:    deps.Channel,
		api:        deps.API,
		cache:      cache,
		logger:     log,
		metrics:    deps.Metrics,
		tokens:     deps.Tokens,
		opts:       opts,
		consumer:   "session-" + uuid.NewString(),
		limiter:    rate.NewLimiter(rate.Every(opts.RefetchInterval), 1),
		restaurant: opts.RestaurantID,
	}, nil
}

// Connect subscribes to order events, joins the restaurant room, opens the
// channel and loads the cache. A channel that cannot connect yet keeps
// retrying on its own; the returned error only reports a failed fetch.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.connected {
		s.mu.Unlock()
		return nil
	}
	s.lifetime, s.cancel = context.WithCancel(context.Background())

	handlers := map[string]func(order.Order) error{
		event.EventOrderNew:       s.cache.ApplyNew,
		event.EventOrderUpdate:    s.cache.ApplyUpdate,
		event.EventOrderCancelled: s.cache.ApplyCancelled,
	}
	for _, name := range event.OrderEvents {
		sub, err := s.channel.Subscribe(s.consumer, name, s.handle(name, handlers[name]))
		if err != nil {
			s.releaseLocked()
			s.mu.Unlock()
			return fmt.Errorf("cannot subscribe to %s: %w", name, err)
		}
		s.subs = append(s.subs, sub)
	}
	s.releases = append(s.releases, s.channel.OnReconnect(func() {
		s.scheduleRefetch(TriggerReconnect)
	}))

	restaurant := s.restaurant
	if err := s.channel.JoinRoom(restaurant); err != nil {
		s.releaseLocked()
		s.mu.Unlock()
		return err
	}
	s.connected = true
	s.mu.Unlock()

	if err := s.channel.Connect(ctx); err != nil {
		s.logger.Warn("event channel unavailable, retrying in background", zap.Error(err))
	}

	s.logger.Info("session connected", zap.String("restaurant_id", restaurant), zap.Stringer("mode", s.opts.Mode))
	return s.refresh(ctx, TriggerConnect)
}

// Disconnect releases every subscription and listener and closes the channel.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return
	}
	s.connected = false
	s.cancel()
	s.releaseLocked()
	s.mu.Unlock()

	s.wg.Wait()
	s.channel.Disconnect()
	s.logger.Info("session disconnected")
}

func (s *Session) releaseLocked() {
	for _, sub := range s.subs {
		sub.Release()
	}
	s.subs = nil
	for _, release := range s.releases {
		release()
	}
	s.releases = nil
}

// handle adapts a cache mutation into a channel handler that keeps metrics.
func (s *Session) handle(name string, apply func(order.Order) error) realtime.Handler {
	return func(o order.Order) {
		if o.RestaurantID != "" && o.RestaurantID != s.Restaurant() {
			s.logger.Debug("ignoring event for another restaurant",
				zap.String("event", name),
				zap.String("restaurant_id", o.RestaurantID))
			return
		}

		err := apply(o)
		switch {
		case err == nil:
			s.metrics.EventApplied(name)
		case errors.Is(err, order.ErrDuplicateOrder):
			s.metrics.EventDropped(name, telemetry.ReasonDuplicate)
		case errors.Is(err, order.ErrTerminalOrder):
			s.metrics.EventDropped(name, telemetry.ReasonTerminal)
		default:
			s.metrics.EventDropped(name, telemetry.ReasonTransition)
		}
	}
}

// Refresh reloads the cache from the REST API.
func (s *Session) Refresh(ctx context.Context) error {
	return s.refresh(ctx, TriggerManual)
}

// scheduleRefetch queues a refetch behind the rate limiter. Requests arriving
// while one is queued fold into it.
func (s *Session) scheduleRefetch(trigger string) {
	s.mu.RLock()
	if !s.connected || !s.refetchPending.CompareAndSwap(false, true) {
		s.mu.RUnlock()
		return
	}
	ctx := s.lifetime
	s.wg.Add(1)
	s.mu.RUnlock()

	go func() {
		defer s.wg.Done()
		if err := s.limiter.Wait(ctx); err != nil {
			s.refetchPending.Store(false)
			return
		}
		s.refetchPending.Store(false)
		if err := s.refresh(ctx, trigger); err != nil {
			s.logger.Warn("refetch failed", zap.String("trigger", trigger), zap.Error(err))
		}
	}()
}

func (s *Session) refresh(ctx context.Context, trigger string) error {
	s.fetchMu.Lock()
	defer s.fetchMu.Unlock()

	restaurant := s.Restaurant()
	ctx, cancel := context.WithTimeout(ctx, s.opts.FetchTimeout)
	defer cancel()

	s.metrics.Refetch(trigger)
	orders, err := s.fetch(ctx)

	s.mu.Lock()
	if restaurant != s.restaurant {
		s.mu.Unlock()
		s.logger.Debug("discarding fetch for previous restaurant", zap.String("restaurant_id", restaurant))
		return nil
	}
	if err != nil {
		s.lastFetchErr = err
		s.mu.Unlock()
		s.metrics.FetchFailed()
		s.logger.Warn("order fetch failed", zap.String("trigger", trigger), zap.Error(err))
		return fmt.Errorf("fetch orders: %w", err)
	}
	s.lastFetchErr = nil
	s.lastFetched = time.Now()
	s.mu.Unlock()

	orders = s.ownOrders(restaurant, orders)
	s.cache.Load(orders)
	s.logger.Debug("orders loaded", zap.String("trigger", trigger), zap.Int("count", len(orders)))
	return nil
}

// ownOrders drops fetched orders that belong to another restaurant.
func (s *Session) ownOrders(restaurant string, orders []order.Order) []order.Order {
	kept := orders[:0:0]
	for _, o := range orders {
		if o.RestaurantID != "" && o.RestaurantID != restaurant {
			continue
		}
		kept = append(kept, o)
	}
	if dropped := len(orders) - len(kept); dropped > 0 {
		s.logger.Warn("fetched orders of another restaurant dropped",
			zap.String("restaurant_id", restaurant),
			zap.Int("dropped", dropped))
	}
	return kept
}

func (s *Session) fetch(ctx context.Context) ([]order.Order, error) {
	if s.opts.Mode == ModeKitchen {
		return s.api.KitchenActive(ctx)
	}
	return s.api.ListOrders(ctx, s.opts.StatusFilter...)
}

// Advance moves an order to the next status in the standard sequence.
func (s *Session) Advance(ctx context.Context, id order.ID) (order.Order, error) {
	cached, ok := s.cache.Get(id)
	if !ok {
		return order.Order{}, fmt.Errorf("%w: %s", order.ErrUnknownOrder, id)
	}
	next, ok := orderstatus.Next(cached.Status)
	if !ok {
		return order.Order{}, fmt.Errorf("%w: %s is %s", order.ErrTerminalOrder, id, cached.Status)
	}
	return s.SetStatus(ctx, id, next)
}

func (s *Session) Cancel(ctx context.Context, id order.ID) (order.Order, error) {
	return s.SetStatus(ctx, id, orderstatus.Statuses.Cancelled)
}

// SetStatus applies the change locally at once, then asks the server. When
// the server refuses or cannot be reached the order is restored.
func (s *Session) SetStatus(ctx context.Context, id order.ID, status orderstatus.Status) (order.Order, error) {
	prev, err := s.cache.Stage(id, status)
	if err != nil {
		return order.Order{}, fmt.Errorf("cannot move order %s to %s: %w", id, status.Label(), err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.FetchTimeout)
	defer cancel()

	var result order.Order
	if status == orderstatus.Statuses.Cancelled {
		result, err = s.api.CancelOrder(ctx, id)
	} else {
		result, err = s.api.UpdateStatus(ctx, id, status)
	}
	if err != nil {
		s.cache.Revert(prev)
		s.logger.Warn("status change failed, reverted",
			zap.String("order_id", id.String()),
			zap.String("status", status.Code()),
			zap.Error(err))
		return order.Order{}, fmt.Errorf("cannot move order %s to %s: %w", id, status.Label(), err)
	}

	if result.ID == "" {
		result = prev.Clone()
		result.Status = status
	}
	if err := s.cache.Confirm(result); err != nil {
		s.logger.Debug("server record not applied", zap.String("order_id", id.String()), zap.Error(err))
	}

	current, _ := s.cache.Get(id)
	return current, nil
}

// SwitchRestaurant moves the session to another room and reloads. It fails
// with ErrNoCredentials, leaving the session where it was, when no token for
// the new restaurant is available.
func (s *Session) SwitchRestaurant(ctx context.Context, restaurantID string) error {
	if restaurantID == "" {
		return ErrNoRestaurant
	}

	if restaurantID == s.Restaurant() {
		return nil
	}
	if err := s.useCredentials(restaurantID); err != nil {
		return err
	}

	s.mu.Lock()
	if restaurantID == s.restaurant {
		s.mu.Unlock()
		return nil
	}
	previous := s.restaurant
	s.restaurant = restaurantID
	s.lastFetchErr = nil
	connected := s.connected
	s.mu.Unlock()

	s.cache.Load(nil)
	if connected {
		if err := s.channel.JoinRoom(restaurantID); err != nil {
			return err
		}
	}

	s.logger.Info("switched restaurant", zap.String("from", previous), zap.String("to", restaurantID))
	if !connected {
		return nil
	}
	return s.refresh(ctx, TriggerSwitch)
}

// useCredentials installs a token for restaurantID on the API client and the
// channel. Nothing changes when no token can be had.
func (s *Session) useCredentials(restaurantID string) error {
	if s.tokens == nil {
		return fmt.Errorf("%w %s", ErrNoCredentials, restaurantID)
	}
	token, err := s.tokens(restaurantID)
	if err != nil {
		return fmt.Errorf("%w %s: %v", ErrNoCredentials, restaurantID, err)
	}
	if token == "" {
		return fmt.Errorf("%w %s", ErrNoCredentials, restaurantID)
	}

	if h, ok := s.api.(tokenHolder); ok {
		h.SetToken(token)
	}
	if h, ok := s.channel.(tokenHolder); ok {
		h.SetToken(token)
	}
	return nil
}

// OnChange runs fn whenever the cache or the channel state changes.
func (s *Session) OnChange(fn func()) func() {
	releaseCache := s.cache.OnChange(fn)
	releaseState := s.channel.OnStateChange(func(realtime.State, error) { fn() })
	return func() {
		releaseCache()
		releaseState()
	}
}

func (s *Session) Restaurant() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.restaurant
}

func (s *Session) Cache() *order.Cache {
	return s.cache
}

// Board returns the orders a view should list: kitchen statuses in kitchen
// mode, every active order otherwise. Newest first.
func (s *Session) Board() []order.Order {
	if s.opts.Mode == ModeKitchen {
		return s.cache.FilterByStatus(orderstatus.Kitchen...)
	}
	return s.cache.Active()
}

func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	restaurant := s.restaurant
	connected := s.connected
	fetchErr := s.lastFetchErr
	fetched := s.lastFetched
	s.mu.RUnlock()

	state := s.channel.State()
	return Snapshot{
		Restaurant:     restaurant,
		Mode:           s.opts.Mode,
		State:          state,
		Reconnecting:   connected && state != realtime.StateConnected,
		LastFetchError: fetchErr,
		LastFetched:    fetched,
		Active:         s.cache.CountActive(),
		Total:          s.cache.Len(),
		Stats:          s.cache.Stats(),
	}
}
