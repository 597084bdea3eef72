package server

import (
	"context"
	"fmt"

	"github.com/appetiteclub/orderdesk/internal/logger"
	"github.com/appetiteclub/orderdesk/internal/order"
	"github.com/appetiteclub/orderdesk/pkg/event"
	"go.uber.org/zap"
)

type Publisher interface {
	Publish(ctx context.Context, subject string, msg []byte) error
}

// Broadcaster pushes order events into the room of the order's restaurant.
type Broadcaster struct {
	pub    Publisher
	logger *zap.Logger
}

func NewBroadcaster(pub Publisher, log *zap.Logger) *Broadcaster {
	return &Broadcaster{pub: pub, logger: logger.OrNop(log).Named("broadcaster")}
}

func (b *Broadcaster) Broadcast(ctx context.Context, eventName string, o *order.Order) error {
	if b == nil || b.pub == nil {
		return nil
	}

	msg, err := event.NewEnvelope(eventName, o)
	if err != nil {
		return err
	}

	subject := event.RoomSubject(o.RestaurantID)
	if err := b.pub.Publish(ctx, subject, msg); err != nil {
		return fmt.Errorf("cannot publish %s: %w", eventName, err)
	}

	b.logger.Debug("broadcast",
		zap.String("event", eventName),
		zap.String("subject", subject),
		zap.String("order_id", o.ID.String()),
	)
	return nil
}
