// Package cmd provides common initialization functions for command-line applications.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/edgeops/edge-agent/pkg/commandstore"
	"github.com/edgeops/edge-agent/pkg/commandstore/redisstore"
	"github.com/edgeops/edge-agent/pkg/persistence/file"
	redis "github.com/redis/go-redis/v9"
)

var supportedStoreProviders = []string{"memory", "file", "redis"}

// NewStore creates the command store selected by the scheme of storeURL.
//
//nolint:ireturn
func NewStore(ctx context.Context, logger *slog.Logger, storeURL string) (commandstore.Store, error) {
	provider := parseStoreProvider(storeURL)

	logger.InfoContext(ctx, "Opening command store", "provider", provider)

	switch provider {
	case "memory":
		return commandstore.NewMemory(ctx, logger)
	case "file":
		return commandstore.NewMemory(ctx, logger, commandstore.WithPersistence(file.NewPersistence(storeURL)))
	case "redis":
		opts, err := redis.ParseURL(storeURL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}

		client := redis.NewClient(opts)

		err = client.Ping(ctx).Err()
		if err != nil {
			_ = client.Close()

			return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
		}

		return redisstore.NewWithClient(client, redisstore.Config{}, logger), nil
	default:
		return nil, fmt.Errorf("unsupported command store %q, expected one of %v", storeURL, supportedStoreProviders)
	}
}

func parseStoreProvider(storeURL string) string {
	provider, _, found := strings.Cut(storeURL, "://")
	if !found {
		return ""
	}

	return provider
}
