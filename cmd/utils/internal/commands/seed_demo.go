package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/appetiteclub/orderdesk/cmd/utils/internal/seeding"
	"github.com/appetiteclub/orderdesk/internal/config"
	"github.com/appetiteclub/orderdesk/internal/mongo"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"
)

const seedsCollection = "_seeds"

func seedKey(restaurantID string) string {
	return "demo_orders_v1:" + restaurantID
}

// SeedDemo writes the demo orders for restaurant.id straight into MongoDB.
func SeedDemo(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	restaurantID, err := cfg.Require("restaurant.id")
	if err != nil {
		return err
	}

	client, db, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Disconnect(ctx)

	seeds := db.Collection(seedsCollection)
	count, err := seeds.CountDocuments(ctx, bson.M{"_id": seedKey(restaurantID)})
	if err != nil {
		return fmt.Errorf("check seed status: %w", err)
	}
	if count > 0 {
		logger.Info("demo seeds already applied, skipping", zap.String("restaurant_id", restaurantID))
		return nil
	}

	orders := seeding.DemoOrders(restaurantID, time.Now())
	created, err := seeding.SeedOrders(ctx, mongo.NewOrderRepo(db), orders)
	if err != nil {
		return fmt.Errorf("seed orders: %w", err)
	}

	_, err = seeds.InsertOne(ctx, bson.M{
		"_id":         seedKey(restaurantID),
		"description": "Demo orders spread across every status",
		"applied_at":  time.Now().UTC(),
	})
	if err != nil {
		logger.Warn("failed to mark seed as applied", zap.Error(err))
	}

	logger.Info("demo orders seeded", zap.String("restaurant_id", restaurantID), zap.Int("created", created))
	return nil
}
