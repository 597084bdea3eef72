// Package mongo stores backend orders in MongoDB.
package mongo

import (
	"context"
	"fmt"
	"time"

	"github.com/appetiteclub/orderdesk/internal/config"
	"github.com/appetiteclub/orderdesk/internal/logger"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

const (
	defaultURL    = "mongodb://localhost:27017"
	defaultDBName = "orderdesk"
)

type BaseRepo struct {
	client *mongo.Client
	db     *mongo.Database
	logger *zap.Logger
	config *config.Config
}

func NewBaseRepo(cfg *config.Config, log *zap.Logger) *BaseRepo {
	return &BaseRepo{
		logger: logger.OrNop(log).Named("mongo"),
		config: cfg,
	}
}

func (r *BaseRepo) Start(ctx context.Context) error {
	connString := r.config.StringOr("db.mongo.url", defaultURL)
	dbName := r.config.StringOr("db.mongo.name", defaultDBName)

	clientOptions := options.Client().ApplyURI(connString).
		SetConnectTimeout(10 * time.Second).
		SetServerSelectionTimeout(10 * time.Second)

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return fmt.Errorf("cannot connect to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("cannot ping MongoDB: %w", err)
	}

	r.client = client
	r.db = client.Database(dbName)

	if err := r.ensureIndexes(ctx); err != nil {
		return err
	}

	r.logger.Info("connected to MongoDB", zap.String("database", dbName))
	return nil
}

func (r *BaseRepo) ensureIndexes(ctx context.Context) error {
	byRestaurant := mongo.IndexModel{
		Keys: bson.D{
			{Key: "restaurant_id", Value: 1},
			{Key: "status", Value: 1},
			{Key: "created_at", Value: -1},
		},
	}
	if _, err := r.db.Collection(ordersCollection).Indexes().CreateOne(ctx, byRestaurant); err != nil {
		return fmt.Errorf("cannot create restaurant index: %w", err)
	}
	return nil
}

func (r *BaseRepo) Stop(ctx context.Context) error {
	if r.client != nil {
		if err := r.client.Disconnect(ctx); err != nil {
			return fmt.Errorf("cannot disconnect from MongoDB: %w", err)
		}
		r.logger.Info("disconnected from MongoDB")
	}
	return nil
}

func (r *BaseRepo) GetDatabase() *mongo.Database {
	return r.db
}
