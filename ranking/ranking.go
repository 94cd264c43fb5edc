// Package ranking rebuilds the dense leaderboards (C6): a single global
// top 1000 across every (player, character) row, and one top 1000 per
// character. Both are confidence-gated on LowDeviation and exclude
// cheaters and hidden players.
package ranking

import (
	"context"
	"fmt"

	"ratingd/cache"
	"ratingd/rating"
	"ratingd/store"
)

const rankingLimit = 1000

// Rebuild replaces ranking_global and ranking_character for every
// character in [0, characterCount) inside one transaction, so readers
// never observe a half-rebuilt leaderboard, then invalidates every
// cached top-N read so query.TopGlobal/TopCharacter stop serving the
// pre-rebuild leaderboard for the rest of the cache's TTL. ch may be nil
// (cache disabled); Cache's methods are nil-receiver-safe.
func Rebuild(ctx context.Context, db *store.DB, ch *cache.Cache, characterCount int) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ranking: begin tx: %w", err)
	}
	defer tx.Rollback()

	global, err := store.RankablePlayerRatings(ctx, tx, rating.LowDeviation, nil, rankingLimit)
	if err != nil {
		return fmt.Errorf("ranking: rank global: %w", err)
	}
	if err := store.ReplaceRankingGlobal(ctx, tx, toEntries(global)); err != nil {
		return fmt.Errorf("ranking: replace ranking_global: %w", err)
	}

	for c := 0; c < characterCount; c++ {
		char := c
		rows, err := store.RankablePlayerRatings(ctx, tx, rating.LowDeviation, &char, rankingLimit)
		if err != nil {
			return fmt.Errorf("ranking: rank character %d: %w", c, err)
		}
		if err := store.ReplaceRankingCharacter(ctx, tx, c, toEntries(rows)); err != nil {
			return fmt.Errorf("ranking: replace ranking_character %d: %w", c, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ranking: commit: %w", err)
	}

	ch.InvalidatePrefix(ctx, "top_n:")
	return nil
}

// toEntries assigns dense rank 1..N in the order RankablePlayerRatings
// already returned them (value DESC), matching ROW_NUMBER() OVER
// (ORDER BY value DESC) from the reference engine.
func toEntries(rows []store.PlayerRating) []store.RankingEntry {
	out := make([]store.RankingEntry, len(rows))
	for i, r := range rows {
		out[i] = store.RankingEntry{Rank: i + 1, PlayerID: r.PlayerID, CharID: r.CharID}
	}
	return out
}
