package query

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"ratingd/ranking"
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

func TestTopGlobalAndTopCharacterReflectLastRankingRebuild(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertPlayer(ctx, db, store.Player{ID: 1, Name: "alice", Platform: "steam"}))
	require.NoError(t, store.UpsertPlayer(ctx, db, store.Player{ID: 2, Name: "bob", Platform: "steam"}))
	require.NoError(t, store.UpsertPlayerRating(ctx, db, store.PlayerRating{PlayerID: 1, CharID: 0, Value: 1800, Deviation: 40}))
	require.NoError(t, store.UpsertPlayerRating(ctx, db, store.PlayerRating{PlayerID: 2, CharID: 0, Value: 1600, Deviation: 40}))
	require.NoError(t, ranking.Rebuild(ctx, db, nil, 1))

	top, err := TopGlobal(ctx, db, nil, 10)
	require.NoError(t, err)
	require.Len(t, top, 2)
	require.Equal(t, int64(1), top[0].PlayerID)
	require.Equal(t, "alice", top[0].Name)

	topChar, err := TopCharacter(ctx, db, nil, 0, 10)
	require.NoError(t, err)
	require.Len(t, topChar, 2)
	require.Equal(t, 1, topChar[0].Rank)
}

func TestPlayerCharacterReturnsNilForUnknownPlayer(t *testing.T) {
	db := openTestDB(t)
	view, err := PlayerCharacter(context.Background(), db, nil, 999, 0, 4)
	require.NoError(t, err)
	require.Nil(t, view)
}

func TestPlayerCharacterComposesRankAndOtherCharacters(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertPlayer(ctx, db, store.Player{ID: 1, Name: "alice", Platform: "steam"}))
	require.NoError(t, store.RecordPlayerName(ctx, db, 1, "alice"))
	require.NoError(t, store.RecordPlayerName(ctx, db, 1, "old_alice"))
	require.NoError(t, store.UpsertPlayerRating(ctx, db, store.PlayerRating{PlayerID: 1, CharID: 0, Value: 1700, Deviation: 40, Wins: 10, Losses: 5}))
	require.NoError(t, store.UpsertPlayerRating(ctx, db, store.PlayerRating{PlayerID: 1, CharID: 1, Value: 1550, Deviation: 60, Wins: 3, Losses: 2}))
	require.NoError(t, ranking.Rebuild(ctx, db, nil, 2))

	view, err := PlayerCharacter(ctx, db, nil, 1, 0, 2)
	require.NoError(t, err)
	require.NotNil(t, view)
	require.Equal(t, "alice", view.Name)
	require.Equal(t, []string{"old_alice"}, view.OtherNames)
	require.Len(t, view.OtherCharacters, 1)
	require.Equal(t, 1, view.OtherCharacters[0].CharID)
	require.NotNil(t, view.GlobalRank)
	require.Equal(t, 1, *view.GlobalRank)
}

func TestHistoryGroupsConsecutiveSameOpponentRuns(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	for i, ts := range []int64{100, 200, 300} {
		winner := 1
		if i == 2 {
			winner = 2
		}
		_, err := store.InsertMatch(ctx, db, store.Match{
			Timestamp: ts, IDA: 1, NameA: "a", CharA: 0, PlatformA: "steam",
			IDB: 2, NameB: "b", CharB: 0, PlatformB: "steam", Winner: winner, GameFloor: 5,
		})
		require.NoError(t, err)
		require.NoError(t, store.InsertGameRating(ctx, db, store.GameRating{
			Timestamp: ts, IDA: 1, ValueA: 1500, DeviationA: 40,
			IDB: 2, ValueB: 1500, DeviationB: 40, Winner: winner, Valid: true,
		}))
	}

	grouped, err := History(ctx, db, 1, 0, 10, 0, true)
	require.NoError(t, err)
	require.Len(t, grouped, 1)
	require.Equal(t, 2, grouped[0].Wins)
	require.Equal(t, 1, grouped[0].Losses)
	require.Len(t, grouped[0].RatingChangeSequence, 3)

	ungrouped, err := History(ctx, db, 1, 0, 10, 0, false)
	require.NoError(t, err)
	require.Len(t, ungrouped, 3)
}

func TestStringifyFloorLabelsRankedFloorsAndCelestial(t *testing.T) {
	require.Equal(t, "F1", StringifyFloor(1))
	require.Equal(t, "F10", StringifyFloor(10))
	require.Equal(t, "C", StringifyFloor(99))
	require.Equal(t, "C", StringifyFloor(0))
}

func TestMatchupsDefaultsMissingPairingsToFreshRating(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertGlobalMatchup(ctx, db, store.TableGlobalMatchups, store.GlobalMatchup{
		CharID: 0, OppCharID: 1, Value: 1600, Deviation: 40, Wins: 300, Losses: 100,
	}))

	grid, err := Matchups(ctx, db, store.TableGlobalMatchups, 2)
	require.NoError(t, err)
	require.Len(t, grid, 2)

	row0 := grid[0]
	require.Equal(t, int64(400), row0.Matchups[1].GameCount)
	require.Equal(t, 0.75, row0.Matchups[1].WinRate)
	require.NotEqual(t, "none", row0.Matchups[1].Evaluation)

	// Unseen pairing on char 1 vs char 0 falls back to a fresh rating,
	// so the grid cell exists but reports zero games.
	require.Equal(t, int64(0), grid[1].Matchups[0].GameCount)
	require.Equal(t, "none", grid[1].Matchups[0].Evaluation)
}

func TestFraudIndexAndDistributionsReadLastSnapshot(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	floors, err := FloorDistribution(ctx, db)
	require.NoError(t, err)
	require.Empty(t, floors)

	fraud, err := FraudIndex(ctx, db, store.FraudAll)
	require.NoError(t, err)
	require.Empty(t, fraud)
}
