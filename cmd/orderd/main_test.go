package main

import (
	"context"
	"testing"

	"github.com/appetiteclub/orderdesk/internal/config"
	"github.com/appetiteclub/orderdesk/internal/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestOpenRepo(t *testing.T) {
	repo, stop, err := openRepo(context.Background(), config.New(map[string]any{"db.driver": "memory"}), zap.NewNop())
	require.NoError(t, err)
	defer stop()
	assert.IsType(t, &memory.OrderRepo{}, repo)

	_, _, err = openRepo(context.Background(), config.New(map[string]any{"db.driver": "sqlite"}), zap.NewNop())
	assert.ErrorContains(t, err, "unknown db.driver")
}
