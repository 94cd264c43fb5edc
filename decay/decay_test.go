package decay

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

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

func TestSweepPlayersGrowsDeviationAfterIdlePeriods(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertPlayerRating(ctx, db, store.PlayerRating{
		PlayerID: 1, CharID: 0, Value: 1500, Deviation: 60, LastDecay: 0,
	}))

	n, err := SweepPlayers(ctx, db, 3600*10, 3600)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	pr, err := store.GetPlayerRating(ctx, db, 1, 0)
	require.NoError(t, err)
	require.Greater(t, pr.Deviation, 60.0)
	require.Equal(t, int64(3600*10), pr.LastDecay)
}

func TestSweepPlayersSkipsRecentlyActiveRows(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertPlayerRating(ctx, db, store.PlayerRating{
		PlayerID: 1, CharID: 0, Value: 1500, Deviation: 60, LastDecay: 3600 * 9,
	}))

	n, err := SweepPlayers(ctx, db, 3600*10, 3600)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	pr, err := store.GetPlayerRating(ctx, db, 1, 0)
	require.NoError(t, err)
	require.Equal(t, 60.0, pr.Deviation)
}

func TestSweepGlobalMatchupsGrowsDeviationAndClampsAtCeiling(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertGlobalMatchup(ctx, db, store.TableGlobalMatchups, store.GlobalMatchup{
		CharID: 0, OppCharID: 1, Value: 1500, Deviation: 60,
	}))
	require.NoError(t, store.UpsertGlobalMatchup(ctx, db, store.TableGlobalMatchups, store.GlobalMatchup{
		CharID: 1, OppCharID: 0, Value: 1500, Deviation: rating.InitialDeviation,
	}))

	require.NoError(t, SweepGlobalMatchups(ctx, db))

	moved, err := store.GetGlobalMatchup(ctx, db, store.TableGlobalMatchups, 0, 1)
	require.NoError(t, err)
	require.Greater(t, moved.Deviation, 60.0)
	require.LessOrEqual(t, moved.Deviation, rating.InitialDeviation)

	atCeiling, err := store.GetGlobalMatchup(ctx, db, store.TableGlobalMatchups, 1, 0)
	require.NoError(t, err)
	require.Equal(t, rating.InitialDeviation, atCeiling.Deviation)
}
