package txn

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmacdonaldsmith/topicmesh-go/internal/store"
	pstore "github.com/rmacdonaldsmith/topicmesh-go/pkg/store"
)

func TestCommitRunsCommitWork(t *testing.T) {
	tx := New()
	var order []string
	tx.OnCommit(func() { order = append(order, "c1") })
	tx.OnCommit(func() { order = append(order, "c2") })
	tx.OnRollback(func() { order = append(order, "r1") })

	require.NoError(t, tx.Commit(context.Background()))
	assert.Equal(t, []string{"c1", "c2"}, order)
	assert.Equal(t, Committed, tx.State())
	assert.NotEmpty(t, tx.ID())

	assert.ErrorIs(t, tx.Commit(context.Background()), ErrNotActive)
	assert.ErrorIs(t, tx.Rollback(context.Background()), ErrNotActive)
}

func TestRollbackRunsInReverse(t *testing.T) {
	tx := New()
	var order []string
	tx.OnCommit(func() { order = append(order, "c1") })
	tx.OnRollback(func() { order = append(order, "r1") })
	tx.OnRollback(func() { order = append(order, "r2") })

	require.NoError(t, tx.Rollback(context.Background()))
	assert.Equal(t, []string{"r2", "r1"}, order)
	assert.Equal(t, RolledBack, tx.State())
}

func TestRollbackOnly(t *testing.T) {
	tx := New()
	rolledBack := false
	tx.OnRollback(func() { rolledBack = true })
	tx.MarkRollbackOnly()
	assert.True(t, tx.RollbackOnly())

	err := tx.Commit(context.Background())
	assert.ErrorIs(t, err, ErrRollbackOnly)
	assert.True(t, rolledBack)
	assert.Equal(t, RolledBack, tx.State())
}

func TestSavepoints(t *testing.T) {
	tx := New()
	var order []string
	tx.OnCommit(func() { order = append(order, "outer-commit") })

	sp := tx.Savepoint()
	tx.OnCommit(func() { order = append(order, "inner-commit") })
	tx.OnRollback(func() { order = append(order, "inner-undo") })

	require.NoError(t, tx.RollbackToSavepoint(sp))
	assert.Equal(t, []string{"inner-undo"}, order)
	assert.False(t, tx.RollbackOnly(), "no store writes were pending")

	assert.ErrorIs(t, tx.RollbackToSavepoint(sp), ErrBadSavepoint, "a savepoint is consumed by rollback")

	sp2 := tx.Savepoint()
	tx.OnCommit(func() { order = append(order, "kept-commit") })
	require.NoError(t, tx.ReleaseSavepoint(sp2))

	require.NoError(t, tx.Commit(context.Background()))
	assert.Equal(t, []string{"inner-undo", "outer-commit", "kept-commit"}, order)

	other := New()
	assert.ErrorIs(t, other.ReleaseSavepoint(sp2), ErrBadSavepoint)
}

func TestStoreStream(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory(store.Config{})
	defer s.Close()

	tx := New(WithStream(s.NewStream()))
	require.NotNil(t, tx.Stream())
	require.NoError(t, tx.Stream().Reserve(ctx, 0, 1))
	require.NoError(t, tx.Stream().Write(ctx, pstore.Record{Kind: pstore.KindReference, Key: "ref/q/1", Owner: "q"}))
	require.NoError(t, tx.Commit(ctx))

	_, err := s.Get(ctx, "ref/q/1")
	require.NoError(t, err)

	tx = New(WithStream(s.NewStream()))
	require.NoError(t, tx.Stream().Reserve(ctx, 0, 1))
	require.NoError(t, tx.Stream().Write(ctx, pstore.Record{Kind: pstore.KindReference, Key: "ref/q/2", Owner: "q"}))
	sp := tx.Savepoint()
	require.NoError(t, tx.RollbackToSavepoint(sp))
	assert.True(t, tx.RollbackOnly(), "pending store writes force rollback-only")
	assert.True(t, errors.Is(tx.Commit(ctx), ErrRollbackOnly))

	_, err = s.Get(ctx, "ref/q/2")
	assert.Error(t, err)
	assert.Zero(t, s.Stats().ReservedRefs)
}
