package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/appetiteclub/orderdesk/internal/config"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	defaultMongoURL = "mongodb://localhost:27017"
	defaultDBName   = "orderdesk"
)

func connect(ctx context.Context, cfg *config.Config) (*mongo.Client, *mongo.Database, error) {
	mongoURL := cfg.StringOr("db.mongo.url", defaultMongoURL)

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(mongoURL).
		SetServerSelectionTimeout(10*time.Second))
	if err != nil {
		return nil, nil, fmt.Errorf("connect to mongodb: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, nil, fmt.Errorf("ping mongodb: %w", err)
	}

	return client, client.Database(cfg.StringOr("db.mongo.name", defaultDBName)), nil
}
