package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/whaletrack-dev/api/pkg/kv"
	"github.com/whaletrack-dev/api/pkg/logging"
	"go.uber.org/zap"
)

const instanceIDKey = "instance:id"

// GetOrCreateInstanceID retrieves or creates a unique instance ID for this
// API. The ID is persisted in the store so it survives restarts.
func GetOrCreateInstanceID(ctx context.Context, store kv.Store) (string, error) {
	data, err := store.Read(ctx, instanceIDKey)
	if err == nil && len(data) > 0 {
		instanceID := string(data)
		logging.Logger.Info("Loaded existing API instance ID", zap.String("id", instanceID))
		return instanceID, nil
	}
	if err != nil && !errors.Is(err, kv.ErrNotFound) {
		return "", fmt.Errorf("failed to read instance ID: %w", err)
	}

	instanceID := uuid.New().String()
	if err := store.Write(ctx, instanceIDKey, []byte(instanceID)); err != nil {
		return "", fmt.Errorf("failed to save instance ID: %w", err)
	}

	logging.Logger.Info("Generated new API instance ID", zap.String("id", instanceID))
	return instanceID, nil
}
