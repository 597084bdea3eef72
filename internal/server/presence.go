package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/appetiteclub/orderdesk/internal/logger"
	"github.com/appetiteclub/orderdesk/internal/telemetry"
	"github.com/appetiteclub/orderdesk/pkg/event"
	"go.uber.org/zap"
)

// Presence counts room members from the join and leave messages clients
// publish on the control subject.
type Presence struct {
	mu      sync.RWMutex
	members map[string]int
	metrics *telemetry.Metrics
	logger  *zap.Logger
}

func NewPresence(metrics *telemetry.Metrics, log *zap.Logger) *Presence {
	return &Presence{
		members: make(map[string]int),
		metrics: metrics,
		logger:  logger.OrNop(log).Named("presence"),
	}
}

// Handle consumes one control message. Its signature matches the NATS
// subscriber handler.
func (p *Presence) Handle(_ context.Context, msg []byte) error {
	env, err := event.DecodeEnvelope(msg)
	if err != nil {
		return err
	}

	var restaurantID string
	if err := json.Unmarshal(env.Data, &restaurantID); err != nil || restaurantID == "" {
		return fmt.Errorf("%s: payload must be a restaurant id", env.Event)
	}

	p.mu.Lock()
	switch env.Event {
	case event.EventJoinRestaurant:
		p.members[restaurantID]++
	case event.EventLeaveRestaurant:
		if p.members[restaurantID] > 0 {
			p.members[restaurantID]--
		}
	default:
		p.mu.Unlock()
		p.logger.Debug("ignoring control event", zap.String("event", env.Event))
		return nil
	}
	n := p.members[restaurantID]
	if n == 0 {
		delete(p.members, restaurantID)
	}
	p.mu.Unlock()

	p.metrics.RoomMembers(restaurantID, n)
	p.logger.Debug("room membership changed",
		zap.String("event", env.Event),
		zap.String("restaurant_id", restaurantID),
		zap.Int("members", n),
	)
	return nil
}

func (p *Presence) Members(restaurantID string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.members[restaurantID]
}
