// Package cmd provides shared wiring helpers for the engine binaries.
package cmd

import (
	"context"
	"log/slog"
	"strings"

	"github.com/forgeline/phasor/pkg/persistence"
	"github.com/forgeline/phasor/pkg/persistence/file"
	"github.com/forgeline/phasor/pkg/persistence/postgresql"
	"github.com/forgeline/phasor/pkg/persistence/redis"
)

var supportedPersistenceProviders = []string{"file", "postgres", "postgresql", "redis"}

// NewPersistence creates a persistence provider from a connection URL. The
// scheme selects the provider; anything unrecognized falls back to the file
// provider with the URL as root directory.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) persistence.Persistence {
	switch parsePersistenceProvider(databaseURL) {
	case "postgres", "postgresql":
		p, err := postgresql.NewPersistence(ctx, logger, databaseURL)
		if err != nil {
			panic("failed to connect to postgresql: " + err.Error())
		}

		return p
	case "redis":
		p, err := redis.NewPersistence(ctx, databaseURL)
		if err != nil {
			panic("failed to connect to redis: " + err.Error())
		}

		return p
	default:
		return file.NewPersistence(databaseURL)
	}
}

func parsePersistenceProvider(databaseURL string) string {
	provider, _, found := strings.Cut(databaseURL, "://")
	if !found {
		return "file"
	}

	for _, supported := range supportedPersistenceProviders {
		if provider == supported {
			return provider
		}
	}

	return "file"
}
