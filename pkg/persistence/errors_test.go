package persistence_test

import (
	"errors"
	"testing"

	"github.com/postflow/postflow/pkg/persistence"
	"github.com/stretchr/testify/assert"
)

func TestStoreError_WrapsSentinel(t *testing.T) {
	t.Parallel()

	err := persistence.NewStoreError("GetByID", "asset", "a1", persistence.ErrAssetNotFound)

	assert.True(t, errors.Is(err, persistence.ErrAssetNotFound))
	assert.True(t, persistence.IsAssetNotFound(err))
	assert.Contains(t, err.Error(), "GetByID")
	assert.Contains(t, err.Error(), "a1")
}

func TestStoreError_NoID(t *testing.T) {
	t.Parallel()

	err := persistence.NewStoreError("ListStaleStarted", "execution", "", errors.New("connection reset"))

	assert.Contains(t, err.Error(), "execution")
	assert.NotContains(t, err.Error(), "  ")
}

func TestIsExecutionConflict(t *testing.T) {
	t.Parallel()

	wrapped := persistence.NewStoreError("Create", "execution", "e1", persistence.ErrExecutionConflict)

	assert.True(t, persistence.IsExecutionConflict(wrapped))
	assert.False(t, persistence.IsExecutionConflict(persistence.ErrAssetNotFound))
	assert.False(t, persistence.IsExecutionConflict(nil))
}
