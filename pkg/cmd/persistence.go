package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dukex/conductor/pkg/persistence"
	"github.com/dukex/conductor/pkg/persistence/file"
	"github.com/dukex/conductor/pkg/persistence/postgresql"
	"github.com/dukex/conductor/pkg/persistence/redis"
)

// NewStatusStore picks the backend from the scheme of databaseURL. URLs
// without a known scheme are file store directories.
//
// nolint:ireturn
func NewStatusStore(ctx context.Context, logger *slog.Logger, databaseURL string) (persistence.StatusStore, error) {
	logger = logger.With("module", "persistence")

	switch parsePersistenceProvider(databaseURL) {
	case "postgres", "postgresql":
		store, err := postgresql.NewPersistence(ctx, logger, databaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open PostgreSQL status store: %w", err)
		}

		return store, nil
	case "redis", "rediss":
		store, err := redis.NewPersistence(ctx, logger, databaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open Redis status store: %w", err)
		}

		return store, nil
	default:
		root := strings.TrimPrefix(databaseURL, "file://")
		logger.InfoContext(ctx, "Using file status store", "root", root)

		return file.NewPersistence(root), nil
	}
}

func parsePersistenceProvider(databaseURL string) string {
	provider, _, found := strings.Cut(databaseURL, "://")
	if !found {
		return "file"
	}

	return provider
}
