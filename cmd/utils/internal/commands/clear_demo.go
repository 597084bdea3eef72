package commands

import (
	"context"
	"fmt"
	"regexp"

	"github.com/appetiteclub/orderdesk/cmd/utils/internal/seeding"
	"github.com/appetiteclub/orderdesk/internal/config"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

// ClearDemo removes every seeded demo order and the seed markers.
func ClearDemo(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	client, db, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Disconnect(ctx)

	pattern := primitive.Regex{Pattern: "^" + regexp.QuoteMeta(seeding.DemoPrefix)}

	orders, err := db.Collection("orders").DeleteMany(ctx, bson.M{"_id": pattern})
	if err != nil {
		return fmt.Errorf("delete demo orders: %w", err)
	}
	logger.Info("deleted demo orders", zap.Int64("count", orders.DeletedCount))

	markers, err := db.Collection(seedsCollection).DeleteMany(ctx, bson.M{"_id": primitive.Regex{Pattern: "^demo_orders_v1:"}})
	if err != nil {
		return fmt.Errorf("delete seed markers: %w", err)
	}
	logger.Info("deleted seed markers", zap.Int64("count", markers.DeletedCount))
	return nil
}
