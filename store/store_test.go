package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	dir := t.TempDir()
	db, err := Open(filepath.Join(dir, "ratings.sqlite"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate(context.Background()))
	t.Cleanup(func() { db.Close() })
	return db
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Migrate(context.Background()))
}

func TestUpsertPlayerLatestWins(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, UpsertPlayer(ctx, db, Player{ID: 1, Name: "Alice", Floor: 5, Platform: "steam"}))
	require.NoError(t, UpsertPlayer(ctx, db, Player{ID: 1, Name: "AliceNew", Floor: 8, Platform: "ps"}))

	p, err := GetPlayer(ctx, db, 1)
	require.NoError(t, err)
	require.Equal(t, "AliceNew", p.Name)
	require.Equal(t, 8, p.Floor)
	require.Equal(t, "ps", p.Platform)
}

func TestGetPlayerNotFound(t *testing.T) {
	db := openTestDB(t)
	_, err := GetPlayer(context.Background(), db, 999)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestInsertMatchDedupUnorderedPair(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	m := Match{Timestamp: 100, IDA: 1, NameA: "A", CharA: 1, PlatformA: "steam",
		IDB: 2, NameB: "B", CharB: 2, PlatformB: "steam", Winner: 0, GameFloor: 5}

	ok, err := InsertMatch(ctx, db, m)
	require.NoError(t, err)
	require.True(t, ok)

	// Same timestamp/floor, players swapped: still the same dedup key.
	swapped := m
	swapped.IDA, swapped.IDB = m.IDB, m.IDA
	swapped.NameA, swapped.NameB = m.NameB, m.NameA
	swapped.CharA, swapped.CharB = m.CharB, m.CharA

	ok, err = InsertMatch(ctx, db, swapped)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestUnratedMatchesExcludesRated(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	m := Match{Timestamp: 100, IDA: 1, NameA: "A", CharA: 1, PlatformA: "steam",
		IDB: 2, NameB: "B", CharB: 2, PlatformB: "steam", Winner: 0, GameFloor: 5}
	_, err := InsertMatch(ctx, db, m)
	require.NoError(t, err)

	unrated, err := UnratedMatches(ctx, db, 100)
	require.NoError(t, err)
	require.Len(t, unrated, 1)

	require.NoError(t, InsertGameRating(ctx, db, GameRating{
		Timestamp: 100, IDA: 1, ValueA: 1500, DeviationA: 300,
		IDB: 2, ValueB: 1500, DeviationB: 300, Winner: 0, Valid: true,
	}))

	unrated, err = UnratedMatches(ctx, db, 100)
	require.NoError(t, err)
	require.Len(t, unrated, 0)
}

func TestPlayerRatingRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	r := PlayerRating{
		PlayerID: 1, CharID: 3, Value: 1600, Deviation: 80, Wins: 10, Losses: 4, LastDecay: 1000,
		TopRating:   &TopRating{Value: 1650, Deviation: 70, Timestamp: 900},
		TopDefeated: &TopDefeated{PlayerID: 2, CharID: 4, Name: "Bob", Value: 1700, Deviation: 60, Floor: 9, Timestamp: 950},
	}
	require.NoError(t, UpsertPlayerRating(ctx, db, r))

	got, err := GetPlayerRating(ctx, db, 1, 3)
	require.NoError(t, err)
	require.Equal(t, r.Value, got.Value)
	require.NotNil(t, got.TopRating)
	require.Equal(t, 1650.0, got.TopRating.Value)
	require.NotNil(t, got.TopDefeated)
	require.Equal(t, "Bob", got.TopDefeated.Name)
}

func TestRankablePlayerRatingsExcludesCheatersAndHidden(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, UpsertPlayerRating(ctx, db, PlayerRating{PlayerID: 1, CharID: 0, Value: 2000, Deviation: 40, LastDecay: 0}))
	require.NoError(t, UpsertPlayerRating(ctx, db, PlayerRating{PlayerID: 2, CharID: 0, Value: 1900, Deviation: 40, LastDecay: 0}))
	require.NoError(t, UpsertPlayerRating(ctx, db, PlayerRating{PlayerID: 3, CharID: 0, Value: 1800, Deviation: 400, LastDecay: 0}))
	require.NoError(t, SetCheater(ctx, db, ModerationEntry{PlayerID: 2, Status: "cheater", Notes: "banned"}))

	ranked, err := RankablePlayerRatings(ctx, db, 75, nil, 100)
	require.NoError(t, err)
	require.Len(t, ranked, 1)
	require.Equal(t, int64(1), ranked[0].PlayerID)
}

func TestGlobalMatchupTableRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	m := GlobalMatchup{CharID: 1, OppCharID: 2, Value: 1550, Deviation: 30, Wins: 5, Losses: 3}
	require.NoError(t, UpsertGlobalMatchup(ctx, db, TableGlobalMatchups, m))

	got, err := GetGlobalMatchup(ctx, db, TableGlobalMatchups, 1, 2)
	require.NoError(t, err)
	require.Equal(t, m.Wins, got.Wins)

	all, err := AllGlobalMatchups(ctx, db, TableGlobalMatchups)
	require.NoError(t, err)
	require.Len(t, all, 1)

	require.NoError(t, ClearGlobalMatchupTable(ctx, db, TableGlobalMatchups))
	all, err = AllGlobalMatchups(ctx, db, TableGlobalMatchups)
	require.NoError(t, err)
	require.Len(t, all, 0)
}

func TestModerationSetClear(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, SetHidden(ctx, db, ModerationEntry{PlayerID: 7, Status: "hidden", Notes: "requested"}))
	hidden, err := IsHidden(ctx, db, 7)
	require.NoError(t, err)
	require.True(t, hidden)

	require.NoError(t, ClearHidden(ctx, db, 7))
	hidden, err = IsHidden(ctx, db, 7)
	require.NoError(t, err)
	require.False(t, hidden)
}

func TestLastUpdateRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	ts, err := LastUpdate(ctx, db)
	require.NoError(t, err)
	require.Equal(t, int64(0), ts)

	require.NoError(t, SetLastUpdate(ctx, db, 12345))
	ts, err = LastUpdate(ctx, db)
	require.NoError(t, err)
	require.Equal(t, int64(12345), ts)
}

func TestReplaceRankingGlobal(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, ReplaceRankingGlobal(ctx, tx, []RankingEntry{
		{Rank: 1, PlayerID: 1, CharID: 0},
		{Rank: 2, PlayerID: 2, CharID: 0},
	}))
	require.NoError(t, tx.Commit())

	rank, err := PlayerGlobalRank(ctx, db, 2, 0)
	require.NoError(t, err)
	require.Equal(t, 2, rank)
}
