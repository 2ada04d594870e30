package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dukex/repokeeper/pkg/persistence"
	"github.com/dukex/repokeeper/pkg/persistence/file"
	"github.com/dukex/repokeeper/pkg/persistence/postgresql"
	"github.com/dukex/repokeeper/pkg/persistence/redis"
)

// ParsePersistenceProvider returns the provider named by the URL scheme. A URL
// without a scheme is a file store rooted at that path.
func ParsePersistenceProvider(databaseURL string) string {
	scheme, _, found := strings.Cut(databaseURL, "://")
	if !found {
		return "file"
	}

	switch scheme {
	case "postgres", "postgresql":
		return "postgresql"
	case "redis", "rediss":
		return "redis"
	default:
		return scheme
	}
}

// NewPersistence opens the store named by databaseURL: file://<dir> (or a bare path),
// postgres://... or redis://....
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (persistence.Persistence, error) {
	switch provider := ParsePersistenceProvider(databaseURL); provider {
	case "file":
		root := strings.TrimPrefix(databaseURL, "file://")
		if root == "" {
			return nil, fmt.Errorf("file persistence requires a directory: %q", databaseURL)
		}

		return file.NewPersistence(root), nil
	case "postgresql":
		return postgresql.NewPersistence(ctx, logger, databaseURL)
	case "redis":
		return redis.NewPersistence(ctx, logger, databaseURL)
	default:
		return nil, fmt.Errorf("unsupported persistence provider %q", provider)
	}
}
