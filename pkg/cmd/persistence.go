package cmd

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/leadroute/leadroute/pkg/persistence"
	"github.com/leadroute/leadroute/pkg/persistence/memory"
	"github.com/leadroute/leadroute/pkg/persistence/postgresql"
)

var ErrUnsupportedDatabase = errors.New("unsupported database url")

// NewPersistence opens the store named by the URL scheme: memory:// or postgres(ql)://.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (persistence.Persistence, error) {
	switch parsePersistenceProvider(databaseURL) {
	case "memory":
		logger.WarnContext(ctx, "using in-memory persistence, data is lost on restart")

		return memory.NewPersistence(), nil
	case "postgres", "postgresql":
		return postgresql.NewPersistence(ctx, logger.With("module", "postgresql"), databaseURL)
	default:
		return nil, ErrUnsupportedDatabase
	}
}

func parsePersistenceProvider(databaseURL string) string {
	provider, _, found := strings.Cut(databaseURL, "://")
	if !found {
		return ""
	}

	return strings.ToLower(provider)
}
