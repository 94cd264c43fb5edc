package update

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

func match(ts int64, idA, idB int64, charA, charB, winner int) store.Match {
	return store.Match{
		Timestamp: ts, IDA: idA, NameA: "alice", CharA: charA, PlatformA: "steam",
		IDB: idB, NameB: "bob", CharB: charB, PlatformB: "steam",
		Winner: winner, GameFloor: 5,
	}
}

func TestProcessMatchesFreshPairWinnerWinsOnce(t *testing.T) {
	db := openTestDB(t)
	u := New(db, nil, nil, 3600)
	ctx := context.Background()

	rated, invalid, err := u.ProcessMatches(ctx, []store.Match{match(1_000_000, 1, 2, 0, 1, 1)})
	require.NoError(t, err)
	require.Equal(t, 1, rated)
	require.Equal(t, 0, invalid)

	winner, err := store.GetPlayerRating(ctx, db, 1, 0)
	require.NoError(t, err)
	require.Equal(t, 1, winner.Wins)
	require.Greater(t, winner.Value, rating.DefaultValue)

	loser, err := store.GetPlayerRating(ctx, db, 2, 1)
	require.NoError(t, err)
	require.Equal(t, 1, loser.Losses)
	require.Less(t, loser.Value, rating.DefaultValue)
}

func TestProcessMatchesExtremeMismatchIsInvalid(t *testing.T) {
	db := openTestDB(t)
	u := New(db, nil, nil, 3600)
	ctx := context.Background()

	// Seed a confident favorite (2400/30) and a confident underdog
	// (1000/30), both already decayed up to the match time, so the win
	// probability is far outside the margin and rsm_deviation is 30.
	require.NoError(t, store.UpsertPlayerRating(ctx, db, store.PlayerRating{
		PlayerID: 1, CharID: 0, Value: 2400, Deviation: 30, LastDecay: 3_000_000,
	}))

	favorite, err := store.GetPlayerRating(ctx, db, 1, 0)
	require.NoError(t, err)
	require.Less(t, favorite.Deviation, rating.LowDeviation)

	require.NoError(t, store.UpsertPlayerRating(ctx, db, store.PlayerRating{
		PlayerID: 2, CharID: 0, Value: 1000, Deviation: 30, LastDecay: 3_000_000,
	}))
	underdog, err := store.GetPlayerRating(ctx, db, 2, 0)
	require.NoError(t, err)
	require.Less(t, underdog.Deviation, rating.LowDeviation)

	rated, invalid, err := u.ProcessMatches(ctx, []store.Match{match(3_000_000, 1, 2, 0, 0, 1)})
	require.NoError(t, err)
	require.Equal(t, 0, rated)
	require.Equal(t, 1, invalid)
}

func TestProcessMatchesCheaterSuppressesValidity(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	require.NoError(t, store.SetCheater(ctx, db, store.ModerationEntry{PlayerID: 1, Status: "cheater"}))

	u := New(db, nil, nil, 3600)
	rated, invalid, err := u.ProcessMatches(ctx, []store.Match{match(1_000_000, 1, 2, 0, 1, 1)})
	require.NoError(t, err)
	require.Equal(t, 0, rated)
	require.Equal(t, 1, invalid)
}

func TestProcessMatchesIsIdempotentUnderReingestion(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	u := New(db, nil, nil, 3600)

	m := match(1_000_000, 1, 2, 0, 1, 1)
	inserted, err := store.InsertMatch(ctx, db, m)
	require.NoError(t, err)
	require.True(t, inserted)

	// A re-fetch of the same page must not insert a duplicate row.
	inserted, err = store.InsertMatch(ctx, db, m)
	require.NoError(t, err)
	require.False(t, inserted)

	unrated, err := store.UnratedMatches(ctx, db, 100)
	require.NoError(t, err)
	require.Len(t, unrated, 1)

	_, _, err = u.ProcessMatches(ctx, unrated)
	require.NoError(t, err)

	unrated, err = store.UnratedMatches(ctx, db, 100)
	require.NoError(t, err)
	require.Len(t, unrated, 0)
}

func TestProcessMatchesOrderingAcrossBackfilledBatches(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	u := New(db, nil, nil, 3600)

	early := match(1_000_000, 1, 2, 0, 1, 1)
	late := match(1_010_000, 1, 2, 0, 1, 2)

	// Ingested out of order; DrainUnrated must still apply them in
	// timestamp order because UnratedMatches sorts by timestamp.
	_, err := store.InsertMatch(ctx, db, late)
	require.NoError(t, err)
	_, err = store.InsertMatch(ctx, db, early)
	require.NoError(t, err)

	total, err := u.DrainUnrated(ctx, 100)
	require.NoError(t, err)
	require.Equal(t, 2, total)

	pr, err := store.GetPlayerRating(ctx, db, 1, 0)
	require.NoError(t, err)
	// Player 1 won the early game then lost the late one, so the net
	// win/loss record must reflect exactly one of each.
	require.Equal(t, 1, pr.Wins)
	require.Equal(t, 1, pr.Losses)
}

func TestUpdatePlayerMatchupDecaysForwardAfterUpdate(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()

	require.NoError(t, updatePlayerMatchup(ctx, tx, 3600, 1, 0, 1, rating.Default(), 1.0, 1_000_000))
	// Second call, far enough ahead to force a few decay steps.
	require.NoError(t, updatePlayerMatchup(ctx, tx, 3600, 1, 0, 1, rating.Default(), 1.0, 1_000_000+3600*5))

	pm, err := store.GetPlayerMatchup(ctx, tx, 1, 0, 1)
	require.NoError(t, err)
	require.Equal(t, 2, pm.Wins)
	require.Equal(t, int64(1_000_000+3600*5), pm.Timestamp)
}
