package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rulecore/internal/engine"
	apperrors "rulecore/pkg/errors"
)

func TestMemoryChainRepositoryVersions(t *testing.T) {
	repo := NewMemoryChainRepository()
	ctx := context.Background()

	_, err := repo.Get(ctx, "t1")
	assert.True(t, apperrors.IsNotFound(err))

	first, err := repo.Save(ctx, engine.ChainDef{TenantID: "t1", Name: "root", EntryNodeID: "a"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Version)
	assert.NotEmpty(t, first.ID)

	second, err := repo.Save(ctx, engine.ChainDef{TenantID: "t1", Name: "root v2", EntryNodeID: "a"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.Version)
	assert.Equal(t, first.ID, second.ID)

	_, err = repo.Save(ctx, engine.ChainDef{TenantID: "t0", EntryNodeID: "x"})
	require.NoError(t, err)

	all, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "t0", all[0].TenantID)

	require.NoError(t, repo.Delete(ctx, "t1"))
	assert.True(t, apperrors.IsNotFound(repo.Delete(ctx, "t1")))
}
