package statsagg

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

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

func TestUpdateDistributionsCountsFloorsAndRatingBuckets(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertPlayer(ctx, db, store.Player{ID: 1, Name: "a", Floor: 5, Platform: "steam"}))
	require.NoError(t, store.UpsertPlayer(ctx, db, store.Player{ID: 2, Name: "b", Floor: 5, Platform: "steam"}))

	for i := 0; i < 12; i++ {
		require.NoError(t, store.UpsertPlayerRating(ctx, db, store.PlayerRating{
			PlayerID: int64(100 + i), CharID: 0, Value: 1525, Deviation: 40,
		}))
	}

	require.NoError(t, UpdateDistributions(ctx, db, 10_000_000))

	rows, err := db.QueryContext(ctx, `SELECT player_count FROM player_floor_distribution WHERE floor = 5`)
	require.NoError(t, err)
	defer rows.Close()
	require.True(t, rows.Next())
	var count int
	require.NoError(t, rows.Scan(&count))
	require.Equal(t, 2, count)

	var bucketCount int
	require.NoError(t, db.QueryRowContext(ctx, `
		SELECT player_count FROM player_rating_distribution WHERE min_rating = 1500 AND max_rating = 1550
	`).Scan(&bucketCount))
	require.Equal(t, 12, bucketCount)
}

func TestUpdateFraudIndexFindsOverperformingCharacter(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertPlayerRating(ctx, db, store.PlayerRating{
		PlayerID: 1, CharID: 0, Value: 1900, Deviation: 40, Wins: 150, Losses: 100,
	}))
	require.NoError(t, store.UpsertPlayerRating(ctx, db, store.PlayerRating{
		PlayerID: 1, CharID: 1, Value: 1500, Deviation: 40, Wins: 100, Losses: 100,
	}))

	require.NoError(t, UpdateFraudIndex(ctx, db))

	var count int
	var avgDelta float64
	err := db.QueryRowContext(ctx, `SELECT player_count, avg_delta FROM fraud_index WHERE char_id = 0`).Scan(&count, &avgDelta)
	require.NoError(t, err)
	require.Equal(t, 1, count)
	require.Greater(t, avgDelta, 0.0)
}

func TestUpdateCharacterPopularitySkipsWhenNoRecentGames(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, UpdateCharacterPopularity(ctx, db, 1_000_000, 4))

	var count int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM character_popularity_global`).Scan(&count))
	require.Equal(t, 0, count)
}

func TestUpdateCharacterPopularityComputesShareOfRecentGames(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	m := store.Match{
		Timestamp: 1_000_000, IDA: 1, NameA: "a", CharA: 0, PlatformA: "steam",
		IDB: 2, NameB: "b", CharB: 1, PlatformB: "steam", Winner: 1, GameFloor: 5,
	}
	_, err := store.InsertMatch(ctx, db, m)
	require.NoError(t, err)
	require.NoError(t, store.InsertGameRating(ctx, db, store.GameRating{
		Timestamp: 1_000_000, IDA: 1, ValueA: 1500, DeviationA: 40,
		IDB: 2, ValueB: 1500, DeviationB: 40, Winner: 1, Valid: true,
	}))

	require.NoError(t, UpdateCharacterPopularity(ctx, db, 1_000_100, 2))

	var popChar0, popChar1 float64
	require.NoError(t, db.QueryRowContext(ctx, `SELECT popularity FROM character_popularity_global WHERE char_id = 0`).Scan(&popChar0))
	require.NoError(t, db.QueryRowContext(ctx, `SELECT popularity FROM character_popularity_global WHERE char_id = 1`).Scan(&popChar1))
	require.Equal(t, 1.0, popChar0)
	require.Equal(t, 1.0, popChar1)
}

func TestRatingBracketBoundsAreOpenEndedAtExtremes(t *testing.T) {
	min0, _ := ratingBracketBounds(0)
	require.Equal(t, -99.0, min0)
	_, maxLast := ratingBracketBounds(popRatingBrackets - 1)
	require.Equal(t, 9999.0, maxLast)
}
