package order

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/appetiteclub/orderdesk/internal/logger"
	"github.com/appetiteclub/orderdesk/pkg/enums/orderstatus"
	"go.uber.org/zap"
)

var (
	ErrDuplicateOrder = errors.New("order already cached")
	ErrTerminalOrder  = errors.New("order already terminal")
	ErrUnknownOrder   = errors.New("order not cached")
)

// Cache maintains the local view of one restaurant's orders, newest first,
// indexed by status for board columns and counters.
type Cache struct {
	mu sync.RWMutex
	// orders indexed by id
	orders map[ID]*Order
	// ids newest first
	seq []ID
	// index by status code -> count
	byStatus map[string]int
	// optimistic edits awaiting the server, by id
	staged map[ID]orderstatus.Status

	listenerMu sync.Mutex
	listeners  map[int]func()
	nextID     int

	logger *zap.Logger
}

func NewCache(logger *zap.Logger) *Cache {
	return &Cache{
		orders:    make(map[ID]*Order),
		byStatus:  make(map[string]int),
		staged:    make(map[ID]orderstatus.Status),
		listeners: make(map[int]func()),
		logger:    loggerOrNop(logger),
	}
}

func loggerOrNop(l *zap.Logger) *zap.Logger {
	return logger.OrNop(l).Named("order-cache")
}

// Load replaces the whole cache with a fresh fetch. Staged edits whose
// transition is still legal from the fetched status are re-applied.
func (c *Cache) Load(orders []Order) {
	c.mu.Lock()

	c.orders = make(map[ID]*Order, len(orders))
	c.byStatus = make(map[string]int)
	c.seq = c.seq[:0]

	for i := range orders {
		o := orders[i].Clone()
		if _, exists := c.orders[o.ID]; !exists {
			c.seq = append(c.seq, o.ID)
		}
		c.orders[o.ID] = &o
	}

	sort.SliceStable(c.seq, func(i, j int) bool {
		return c.orders[c.seq[i]].CreatedAt.After(c.orders[c.seq[j]].CreatedAt)
	})

	for id, staged := range c.staged {
		o, ok := c.orders[id]
		switch {
		case !ok:
			delete(c.staged, id)
		case o.Status == staged:
			delete(c.staged, id)
		case orderstatus.IsValidTransition(o.Status, staged):
			o.Status = staged
		default:
			c.logger.Debug("dropping staged edit after reload",
				zap.String("order_id", id.String()),
				zap.String("fetched", o.Status.Code()),
				zap.String("staged", staged.Code()))
			delete(c.staged, id)
		}
	}

	for _, o := range c.orders {
		c.byStatus[o.Status.Code()]++
	}

	count := len(c.orders)
	c.mu.Unlock()

	c.logger.Debug("cache loaded", zap.Int("orders", count))
	c.notify()
}

// ApplyNew prepends an order unless its id is already cached.
func (c *Cache) ApplyNew(o Order) error {
	c.mu.Lock()
	err := c.applyNewLocked(o)
	c.mu.Unlock()

	if err != nil {
		c.logger.Debug("ignoring new order", zap.String("order_id", o.ID.String()), zap.Error(err))
		return err
	}
	c.notify()
	return nil
}

func (c *Cache) applyNewLocked(o Order) error {
	if _, exists := c.orders[o.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateOrder, o.ID)
	}
	cp := o.Clone()
	c.orders[o.ID] = &cp
	c.seq = append([]ID{o.ID}, c.seq...)
	c.byStatus[cp.Status.Code()]++
	return nil
}

// ApplyUpdate replaces a cached order when the status change is legal.
// Unknown ids are treated as new orders. Updates for terminal orders and
// illegal transitions leave the cache untouched.
func (c *Cache) ApplyUpdate(o Order) error {
	c.mu.Lock()
	err := c.applyUpdateLocked(o)
	c.mu.Unlock()

	switch {
	case err == nil:
		c.notify()
	case errors.Is(err, ErrTerminalOrder):
		c.logger.Debug("dropping update for terminal order", zap.String("order_id", o.ID.String()))
	default:
		c.logger.Warn("dropping order update", zap.String("order_id", o.ID.String()), zap.Error(err))
	}
	return err
}

func (c *Cache) applyUpdateLocked(o Order) error {
	cached, exists := c.orders[o.ID]
	if !exists {
		return c.applyNewLocked(o)
	}
	if cached.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrTerminalOrder, o.ID, cached.Status)
	}
	if err := orderstatus.Validate(cached.Status, o.Status); err != nil {
		return err
	}
	c.replaceLocked(cached, o)
	return nil
}

// ApplyCancelled marks an order cancelled. Orders never seen before are kept
// as cancelled so history views can show them.
func (c *Cache) ApplyCancelled(o Order) error {
	c.mu.Lock()
	err := c.applyCancelledLocked(o)
	c.mu.Unlock()

	if err != nil {
		c.logger.Debug("dropping cancellation", zap.String("order_id", o.ID.String()), zap.Error(err))
		return err
	}
	c.notify()
	return nil
}

func (c *Cache) applyCancelledLocked(o Order) error {
	o.Status = orderstatus.Statuses.Cancelled
	cached, exists := c.orders[o.ID]
	if !exists {
		return c.applyNewLocked(o)
	}
	if cached.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrTerminalOrder, o.ID, cached.Status)
	}
	c.replaceLocked(cached, o)
	return nil
}

func (c *Cache) replaceLocked(cached *Order, o Order) {
	c.byStatus[cached.Status.Code()]--
	if c.byStatus[cached.Status.Code()] <= 0 {
		delete(c.byStatus, cached.Status.Code())
	}
	*cached = o.Clone()
	c.byStatus[cached.Status.Code()]++
	if staged, ok := c.staged[o.ID]; ok && staged != o.Status && !orderstatus.IsValidTransition(o.Status, staged) {
		delete(c.staged, o.ID)
	}
}

// Stage applies an optimistic status change ahead of the server and returns
// the record as it was, for Revert.
func (c *Cache) Stage(id ID, status orderstatus.Status) (Order, error) {
	c.mu.Lock()
	cached, exists := c.orders[id]
	if !exists {
		c.mu.Unlock()
		return Order{}, fmt.Errorf("%w: %s", ErrUnknownOrder, id)
	}
	if cached.Status.IsTerminal() {
		c.mu.Unlock()
		return Order{}, fmt.Errorf("%w: %s is %s", ErrTerminalOrder, id, cached.Status)
	}
	if err := orderstatus.Validate(cached.Status, status); err != nil {
		c.mu.Unlock()
		return Order{}, err
	}

	prev := cached.Clone()
	next := cached.Clone()
	next.Status = status
	c.replaceLocked(cached, next)
	c.staged[id] = status
	c.mu.Unlock()

	c.notify()
	return prev, nil
}

// Revert restores prev if the staged edit is still what the cache shows.
// A server event that moved the order meanwhile wins.
func (c *Cache) Revert(prev Order) {
	c.mu.Lock()
	staged, ok := c.staged[prev.ID]
	delete(c.staged, prev.ID)
	cached, exists := c.orders[prev.ID]
	restored := ok && exists && cached.Status == staged
	if restored {
		c.replaceLocked(cached, prev)
	}
	c.mu.Unlock()

	if restored {
		c.notify()
	}
}

// Confirm settles a staged edit with the server's authoritative record.
func (c *Cache) Confirm(o Order) error {
	c.mu.Lock()
	delete(c.staged, o.ID)
	cached, exists := c.orders[o.ID]
	var err error
	switch {
	case exists && cached.Status == o.Status:
		c.replaceLocked(cached, o)
	default:
		err = c.applyUpdateLocked(o)
	}
	c.mu.Unlock()

	if err != nil {
		c.logger.Debug("server confirmation not applied", zap.String("order_id", o.ID.String()), zap.Error(err))
		return err
	}
	c.notify()
	return nil
}

// Staged reports the optimistic status pending for id, if any.
func (c *Cache) Staged(id ID) (orderstatus.Status, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.staged[id]
	return s, ok
}

// Get retrieves an order by id.
func (c *Cache) Get(id ID) (Order, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	o, ok := c.orders[id]
	if !ok {
		return Order{}, false
	}
	return o.Clone(), true
}

// All returns every cached order, newest first.
func (c *Cache) All() []Order {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make([]Order, 0, len(c.seq))
	for _, id := range c.seq {
		result = append(result, c.orders[id].Clone())
	}
	return result
}

// FilterByStatus returns orders in any of the given statuses, newest first.
func (c *Cache) FilterByStatus(statuses ...orderstatus.Status) []Order {
	c.mu.RLock()
	defer c.mu.RUnlock()

	want := make(map[orderstatus.Status]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}

	result := make([]Order, 0)
	for _, id := range c.seq {
		if o := c.orders[id]; want[o.Status] {
			result = append(result, o.Clone())
		}
	}
	return result
}

// Active returns non-terminal orders, newest first.
func (c *Cache) Active() []Order {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make([]Order, 0)
	for _, id := range c.seq {
		if o := c.orders[id]; o.Status.IsActive() {
			result = append(result, o.Clone())
		}
	}
	return result
}

// CountActive returns the number of non-terminal orders.
func (c *Cache) CountActive() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	n := 0
	for code, count := range c.byStatus {
		if s, err := orderstatus.Parse(code); err == nil && s.IsActive() {
			n += count
		}
	}
	return n
}

// Stats returns the number of orders per status.
func (c *Cache) Stats() map[orderstatus.Status]int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := make(map[orderstatus.Status]int, len(c.byStatus))
	for code, count := range c.byStatus {
		if s, err := orderstatus.Parse(code); err == nil {
			stats[s] = count
		}
	}
	return stats
}

// Len returns the number of orders in the cache
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.orders)
}

// OnChange registers fn to run after every mutation. The returned func
// releases the registration.
func (c *Cache) OnChange(fn func()) func() {
	c.listenerMu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.listenerMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.listenerMu.Lock()
			delete(c.listeners, id)
			c.listenerMu.Unlock()
		})
	}
}

func (c *Cache) notify() {
	c.listenerMu.Lock()
	fns := make([]func(), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.listenerMu.Unlock()

	for _, fn := range fns {
		fn()
	}
}
