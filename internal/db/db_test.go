package db

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jieyou_pet/internal/storage"
	"jieyou_pet/internal/types"
)

// testDB connects to TEST_DATABASE_URL and clears the pet tables. The test is
// skipped when no database is configured.
func testDB(t *testing.T) *DB {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	d, err := Connect(ctx, url)
	require.NoError(t, err)
	t.Cleanup(d.Close)
	require.NoError(t, d.Migrate(ctx))
	_, err = d.Pool.Exec(ctx, `TRUNCATE users, pets, interactions, coin_transactions`)
	require.NoError(t, err)
	return d
}

func TestGatewayRoundTrip(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	_, err := d.LoadUser(ctx, "u1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = d.LoadPet(ctx)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, d.CreateUser(ctx, types.NewUser("u1", "小明", "", now)))
	require.NoError(t, d.CreateUser(ctx, types.NewUser("u1", "other", "", now)))
	u, err := d.LoadUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "小明", u.Name)

	cat, err := d.InitializePet(ctx, types.NewCat(now))
	require.NoError(t, err)
	assert.Equal(t, types.TheCatID, cat.ID)
	assert.Zero(t, cat.Version)

	again, err := d.InitializePet(ctx, types.Cat{Name: "imposter", CurrentLevel: 9})
	require.NoError(t, err)
	assert.Equal(t, types.DefaultCatName, again.Name)

	saved, err := d.UpdatePetProgress(ctx, storage.PetProgress{TotalExperience: 10, CurrentLevel: 2, ExpectedVersion: 0})
	require.NoError(t, err)
	assert.Equal(t, int64(1), saved.Version)
	assert.Equal(t, 2, saved.CurrentLevel)

	_, err = d.UpdatePetProgress(ctx, storage.PetProgress{TotalExperience: 11, CurrentLevel: 2, ExpectedVersion: 0})
	assert.ErrorIs(t, err, storage.ErrStaleProgress)

	ix := types.Interaction{ID: "ix1", UserID: "u1", CatID: types.TheCatID, Kind: types.KindFeed, ExperienceGained: 1, CreatedAt: now, Day: "2026-03-01"}
	require.NoError(t, d.AppendInteraction(ctx, ix))
	require.NoError(t, d.AppendInteraction(ctx, ix))
	got, err := d.LoadInteractions(ctx, "u1", "2026-03-01")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, types.KindFeed, got[0].Kind)

	require.NoError(t, d.UpdateUserCoinBalance(ctx, "u1", 5))
	assert.ErrorIs(t, d.UpdateUserCoinBalance(ctx, "ghost", 5), storage.ErrNotFound)

	tx := types.CoinTransaction{ID: "tx1", UserID: "u1", Amount: 5, SourceType: types.SourceInteraction, CreatedAt: now, Day: "2026-03-01"}
	require.NoError(t, d.AppendCoinTransaction(ctx, tx))

	n, err := d.ArchiveCoinTransactions(ctx, []types.CoinTransaction{
		tx,
		{ID: "tx2", UserID: "u1", Amount: -3, SourceType: types.SourcePurchase, CreatedAt: now, Day: "2026-03-01"},
		{ID: "", UserID: "u1", Amount: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
