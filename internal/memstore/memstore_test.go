package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jieyou_pet/internal/storage"
	"jieyou_pet/internal/types"
)

func TestStore_UserLifecycle(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Date(2026, 2, 2, 8, 0, 0, 0, time.UTC)

	_, err := s.LoadUser(ctx, "u1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, s.CreateUser(ctx, types.NewUser("u1", "A", "", now)))
	require.NoError(t, s.CreateUser(ctx, types.NewUser("u1", "B", "", now)))
	u, err := s.LoadUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "A", u.Name)

	require.NoError(t, s.UpdateUserCoinBalance(ctx, "u1", 42))
	u, _ = s.LoadUser(ctx, "u1")
	assert.Equal(t, int64(42), u.CoinBalance)

	assert.ErrorIs(t, s.UpdateUserCoinBalance(ctx, "nobody", 1), storage.ErrNotFound)
}

func TestStore_PetCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	s := New()

	_, err := s.LoadPet(ctx)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	c, err := s.InitializePet(ctx, types.NewCat(time.Now()))
	require.NoError(t, err)
	assert.Zero(t, c.Version)

	again, err := s.InitializePet(ctx, types.Cat{Name: "other"})
	require.NoError(t, err)
	assert.Equal(t, types.DefaultCatName, again.Name)

	c, err = s.UpdatePetProgress(ctx, storage.PetProgress{TotalExperience: 10, CurrentLevel: 2, ExpectedVersion: 0})
	require.NoError(t, err)
	assert.Equal(t, int64(1), c.Version)

	_, err = s.UpdatePetProgress(ctx, storage.PetProgress{TotalExperience: 11, CurrentLevel: 2, ExpectedVersion: 0})
	assert.ErrorIs(t, err, storage.ErrStaleProgress)
}

func TestStore_AppendsAreIdempotent(t *testing.T) {
	ctx := context.Background()
	s := New()
	base := time.Date(2026, 2, 2, 8, 0, 0, 0, time.UTC)

	ix := types.Interaction{ID: "i1", UserID: "u1", Kind: types.KindFeed, Day: "2026-02-02", CreatedAt: base}
	require.NoError(t, s.AppendInteraction(ctx, ix))
	require.NoError(t, s.AppendInteraction(ctx, ix))
	require.NoError(t, s.AppendInteraction(ctx, types.Interaction{ID: "i2", UserID: "u1", Day: "2026-02-03", CreatedAt: base}))

	got, err := s.LoadInteractions(ctx, "u1", "2026-02-02")
	require.NoError(t, err)
	assert.Len(t, got, 1)

	tx := types.CoinTransaction{ID: "t1", UserID: "u1", Amount: 5}
	require.NoError(t, s.AppendCoinTransaction(ctx, tx))
	require.NoError(t, s.AppendCoinTransaction(ctx, tx))
	assert.Len(t, s.CoinTransactions(), 1)
}

func TestStore_ErrorInjection(t *testing.T) {
	ctx := context.Background()
	s := New()
	boom := errors.New("boom")

	s.FailNext(OpCreateUser, boom)
	assert.ErrorIs(t, s.CreateUser(ctx, types.User{ID: "u"}), boom)
	assert.NoError(t, s.CreateUser(ctx, types.User{ID: "u"}))

	s.FailAlways(OpLoadUser, boom)
	_, err := s.LoadUser(ctx, "u")
	assert.ErrorIs(t, err, boom)
	s.FailAlways(OpLoadUser, nil)
	_, err = s.LoadUser(ctx, "u")
	assert.NoError(t, err)

	assert.Equal(t, []string{OpCreateUser, OpCreateUser, OpLoadUser, OpLoadUser}, s.Calls())
}
