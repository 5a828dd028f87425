// Package cmd provides shared construction helpers for the command line
// entrypoints.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/postflow/postflow/pkg/persistence"
	"github.com/postflow/postflow/pkg/persistence/memory"
	"github.com/postflow/postflow/pkg/persistence/postgresql"
)

// NewPersistence builds a store from a database URL. postgres:// URLs get the
// PostgreSQL store; memory:// gets the in-process store used for local
// development and tests.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (persistence.Persistence, error) {
	switch parseProvider(databaseURL) {
	case "postgres", "postgresql":
		return postgresql.NewPersistence(ctx, logger, databaseURL)
	case "memory":
		return memory.NewStore(), nil
	default:
		return nil, fmt.Errorf("unsupported database URL: %s", databaseURL)
	}
}

func parseProvider(databaseURL string) string {
	provider, _, found := strings.Cut(databaseURL, "://")
	if !found {
		return ""
	}

	return provider
}
