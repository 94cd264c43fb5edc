package ranking

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"ratingd/cache"
	"ratingd/rating"
	"ratingd/store"
)

func openTestDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(t.TempDir() + "/ratings.sqlite")
	require.NoError(t, err)
	require.NoError(t, db.Migrate(context.Background()))
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRebuildOrdersByValueDescending(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertPlayerRating(ctx, db, store.PlayerRating{PlayerID: 1, CharID: 0, Value: 1600, Deviation: 40}))
	require.NoError(t, store.UpsertPlayerRating(ctx, db, store.PlayerRating{PlayerID: 2, CharID: 0, Value: 1800, Deviation: 40}))
	require.NoError(t, store.UpsertPlayerRating(ctx, db, store.PlayerRating{PlayerID: 3, CharID: 1, Value: 1700, Deviation: 40}))
	// Deviation above the confidence threshold, must be excluded.
	require.NoError(t, store.UpsertPlayerRating(ctx, db, store.PlayerRating{PlayerID: 4, CharID: 0, Value: 2000, Deviation: rating.InitialDeviation}))

	require.NoError(t, Rebuild(ctx, db, nil, 2))

	rank2, err := store.PlayerGlobalRank(ctx, db, 2, 0)
	require.NoError(t, err)
	require.Equal(t, 1, rank2)

	rank3, err := store.PlayerGlobalRank(ctx, db, 3, 1)
	require.NoError(t, err)
	require.Equal(t, 2, rank3)

	_, err = store.PlayerGlobalRank(ctx, db, 4, 0)
	require.ErrorIs(t, err, store.ErrNotFound)

	charRank, err := store.PlayerCharacterRank(ctx, db, 1, 0)
	require.NoError(t, err)
	require.Equal(t, 2, charRank)
}

func TestRebuildExcludesCheatersAndHidden(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertPlayerRating(ctx, db, store.PlayerRating{PlayerID: 1, CharID: 0, Value: 1900, Deviation: 40}))
	require.NoError(t, store.SetCheater(ctx, db, store.ModerationEntry{PlayerID: 1, Status: "cheater"}))
	require.NoError(t, store.UpsertPlayerRating(ctx, db, store.PlayerRating{PlayerID: 2, CharID: 0, Value: 1500, Deviation: 40}))

	require.NoError(t, Rebuild(ctx, db, nil, 1))

	_, err := store.PlayerGlobalRank(ctx, db, 1, 0)
	require.ErrorIs(t, err, store.ErrNotFound)

	rank, err := store.PlayerGlobalRank(ctx, db, 2, 0)
	require.NoError(t, err)
	require.Equal(t, 1, rank)
}

// A disabled (no Redis configured) cache must not make Rebuild fail or
// panic: InvalidatePrefix is a safe no-op on a disabled Cache the same
// way Get/Set are.
func TestRebuildToleratesDisabledCache(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertPlayerRating(ctx, db, store.PlayerRating{PlayerID: 1, CharID: 0, Value: 1600, Deviation: 40}))
	require.NoError(t, Rebuild(ctx, db, &cache.Cache{}, 1))
}
