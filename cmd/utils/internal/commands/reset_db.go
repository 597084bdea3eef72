package commands

import (
	"context"
	"fmt"

	"github.com/appetiteclub/orderdesk/internal/config"
	"go.uber.org/zap"
)

// ResetDB drops the whole orderdesk database. USE WITH CAUTION.
func ResetDB(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	client, db, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Disconnect(ctx)

	logger.Warn("dropping database, this cannot be undone", zap.String("database", db.Name()))
	if err := db.Drop(ctx); err != nil {
		return fmt.Errorf("drop database %s: %w", db.Name(), err)
	}

	logger.Info("database dropped", zap.String("database", db.Name()))
	return nil
}
