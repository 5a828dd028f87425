package postgresql

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMigrations_CoreTables(t *testing.T) {
	t.Parallel()

	m := migrations()

	migration, exists := m[1]
	assert.True(t, exists, "Migration version 1 should exist")
	assert.Contains(t, migration, "CREATE TABLE assets")
	assert.Contains(t, migration, "CREATE TABLE workflow_executions")
	assert.Contains(t, migration, "CREATE TABLE destinations")
}

func TestMigrations_SingleFlightIndex(t *testing.T) {
	t.Parallel()

	migration := migrations()[1]

	assert.Contains(t, migration, inFlightIndex)
	assert.Contains(t, migration, "WHERE status IN ('started', 'running')",
		"in-flight index must cover exactly the non-terminal statuses")
}

func TestMigrations_StatusConstraints(t *testing.T) {
	t.Parallel()

	migration := migrations()[1]

	assert.Contains(t, migration, "'started', 'running', 'completed', 'failed', 'cancelled'")
	assert.Contains(t, migration, "'pending', 'published', 'failed'")
}

func TestNewPersistence_InvalidURL(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	p, err := NewPersistence(context.Background(), logger, "not-a-valid-url")
	assert.Error(t, err)
	assert.Nil(t, p)
}
