// Package statsagg rebuilds the slower-moving aggregate tables (C7):
// floor/rating distributions, character popularity (global and per
// rating bracket), and the three fraud-index variants. It runs far less
// often than update or decay, on the statistics period.
package statsagg

import (
	"context"
	"database/sql"
	"fmt"

	"ratingd/rating"
	"ratingd/store"
)

const (
	popRatingBrackets  = 13
	floorWindowSeconds = 60 * 60 * 24 * 14
	popWindowSeconds   = 60 * 60 * 24 * 7
	ratingBucketWidth  = 50
	ratingBucketCount  = 600
	minBucketPlayers   = 10
)

// UpdateDistributions rebuilds player_floor_distribution (current floor
// occupancy plus games played per floor in the last two weeks) and
// player_rating_distribution (50-point rating buckets, skipping any
// bucket with fewer than minBucketPlayers confident players).
func UpdateDistributions(ctx context.Context, db *store.DB, now int64) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("statsagg: begin tx: %w", err)
	}
	defer tx.Rollback()

	floors := append([]int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, 99)
	windowStart := now - floorWindowSeconds
	var buckets []store.FloorBucket
	for _, f := range floors {
		var players, games int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM players WHERE floor = ?`, f).Scan(&players); err != nil {
			return fmt.Errorf("statsagg: count floor players: %w", err)
		}
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM matches WHERE game_floor = ? AND timestamp > ?`, f, windowStart).Scan(&games); err != nil {
			return fmt.Errorf("statsagg: count floor games: %w", err)
		}
		buckets = append(buckets, store.FloorBucket{Floor: f, PlayerCount: players, GameCount: games})
	}
	if err := store.ReplaceFloorDistribution(ctx, tx, buckets); err != nil {
		return fmt.Errorf("statsagg: replace floor distribution: %w", err)
	}

	var ratingBuckets []store.RatingBucket
	for r := 0; r < ratingBucketCount; r++ {
		rMin, rMax := r*ratingBucketWidth, (r+1)*ratingBucketWidth
		var count int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM player_ratings WHERE value >= ? AND value < ? AND deviation < ?
		`, float64(rMin), float64(rMax), rating.LowDeviation).Scan(&count); err != nil {
			return fmt.Errorf("statsagg: count rating bucket: %w", err)
		}
		if count < minBucketPlayers {
			continue
		}
		var cumulative int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM player_ratings WHERE value < ? AND deviation < ?
		`, float64(rMax), rating.LowDeviation).Scan(&cumulative); err != nil {
			return fmt.Errorf("statsagg: count rating bucket cumulative: %w", err)
		}
		ratingBuckets = append(ratingBuckets, store.RatingBucket{MinRating: rMin, MaxRating: rMax, PlayerCount: count, PlayerCountCum: cumulative})
	}
	if err := store.ReplaceRatingDistribution(ctx, tx, ratingBuckets); err != nil {
		return fmt.Errorf("statsagg: replace rating distribution: %w", err)
	}

	return tx.Commit()
}

type recentGame struct {
	charA, charB           int
	deviationA, deviationB float64
	valueA, valueB         float64
}

// UpdateCharacterPopularity rebuilds character_popularity_global and
// character_popularity_rating from matches rated in the last statistics
// window, skipping entirely (leaving the prior snapshot in place) when
// no qualifying games exist, matching the reference engine's no-op on
// zero games.
func UpdateCharacterPopularity(ctx context.Context, db *store.DB, lastTimestamp int64, characterCount int) error {
	oneWeekAgo := lastTimestamp - popWindowSeconds

	rows, err := db.QueryContext(ctx, `
		SELECT m.char_a, gr.value_a, gr.deviation_a, m.char_b, gr.value_b, gr.deviation_b
		  FROM game_ratings gr
		  JOIN matches m ON m.timestamp = gr.timestamp AND m.id_a = gr.id_a AND m.id_b = gr.id_b
		 WHERE gr.timestamp > ? AND (gr.deviation_a < ? OR gr.deviation_b < ?)
	`, oneWeekAgo, rating.LowDeviation, rating.LowDeviation)
	if err != nil {
		return fmt.Errorf("statsagg: query recent games: %w", err)
	}
	var games []recentGame
	for rows.Next() {
		var g recentGame
		if err := rows.Scan(&g.charA, &g.valueA, &g.deviationA, &g.charB, &g.valueB, &g.deviationB); err != nil {
			rows.Close()
			return fmt.Errorf("statsagg: scan recent game: %w", err)
		}
		games = append(games, g)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	if len(games) == 0 {
		return nil
	}
	globalGameCount := float64(len(games))

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("statsagg: begin tx: %w", err)
	}
	defer tx.Rollback()

	popularity := map[int]float64{}
	for c := 0; c < characterCount; c++ {
		var count float64
		for _, g := range games {
			if g.charA == c {
				count++
			}
			if g.charB == c {
				count++
			}
		}
		popularity[c] = count / globalGameCount
	}
	if err := store.ReplaceCharacterPopularityGlobal(ctx, tx, popularity); err != nil {
		return fmt.Errorf("statsagg: replace popularity global: %w", err)
	}

	for r := 0; r < popRatingBrackets; r++ {
		rMin, rMax := ratingBracketBounds(r)

		var bracketGameCount float64
		for _, g := range games {
			if g.valueA >= rMin && g.valueA < rMax && g.deviationA < rating.LowDeviation {
				bracketGameCount++
			}
			if g.valueB >= rMin && g.valueB < rMax && g.deviationB < rating.LowDeviation {
				bracketGameCount++
			}
		}

		bracketPopularity := map[int]float64{}
		for c := 0; c < characterCount; c++ {
			var charCount float64
			for _, g := range games {
				if g.charA == c && g.valueA >= rMin && g.valueA < rMax && g.deviationA < rating.LowDeviation {
					charCount++
				}
				if g.charB == c && g.valueB >= rMin && g.valueB < rMax && g.deviationB < rating.LowDeviation {
					charCount++
				}
			}
			denom := bracketGameCount
			if denom < 1.0 {
				denom = 1.0
			}
			bracketPopularity[c] = 2.0 * charCount / denom
		}
		if err := store.ReplaceCharacterPopularityRating(ctx, tx, r, bracketPopularity); err != nil {
			return fmt.Errorf("statsagg: replace popularity bracket %d: %w", r, err)
		}
	}

	return tx.Commit()
}

// ratingBracketBounds mirrors the reference engine's open-ended first
// and last brackets: everything below 1000 folds into bracket 0,
// everything at or above 2100 folds into the last bracket.
func ratingBracketBounds(r int) (min, max float64) {
	if r > 0 {
		min = float64(900 + r*100)
	} else {
		min = -99.0
	}
	if r < popRatingBrackets-1 {
		max = float64(1000 + r*100)
	} else {
		max = 9999.0
	}
	return min, max
}

// UpdateFraudIndex rebuilds all three fraud_index variants. A player
// qualifies with at least 200 games on a confident rating; "fraud" here
// means a character rating sitting well above that player's own
// cross-character average, which the reference engine reads as a sign
// of a smurf or a one-character specialist rather than cheating.
func UpdateFraudIndex(ctx context.Context, db *store.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("statsagg: begin tx: %w", err)
	}
	defer tx.Rollback()

	variants := []struct {
		table    store.FraudTable
		minValue *float64
	}{
		{store.FraudAll, nil},
		{store.FraudHigherRated, floatPtr(1500)},
		{store.FraudHighestRated, floatPtr(1800)},
	}
	for _, v := range variants {
		entries, err := fraudEntries(ctx, tx, v.minValue)
		if err != nil {
			return fmt.Errorf("statsagg: compute %s: %w", v.table, err)
		}
		if err := store.ReplaceFraudIndex(ctx, tx, v.table, entries); err != nil {
			return fmt.Errorf("statsagg: replace %s: %w", v.table, err)
		}
	}

	return tx.Commit()
}

func floatPtr(f float64) *float64 { return &f }

// fraudEntries computes, per character, how many qualifying players
// (at least 200 games, deviation below LowDeviation, more than one
// played character) rate meaningfully above their own cross-character
// average, and by how much on average. The leave-one-out correction
// (subtracting the player's own value back out of their average,
// reweighted by char_count) matches the reference engine's SQL exactly;
// minValue adds the higher-rated/highest-rated variants' extra floor.
func fraudEntries(ctx context.Context, tx *sql.Tx, minValue *float64) ([]store.FraudEntry, error) {
	query := `
		SELECT char_id, COUNT(*), AVG(value -
			(avg_value - (1.0 / char_count) * value) * char_count / (char_count - 1.0))
		  FROM (
			SELECT player_id, avg_value, char_count
			  FROM (
				SELECT player_id, AVG(value) AS avg_value, COUNT(char_id) AS char_count
				  FROM player_ratings
				 WHERE deviation < ? AND wins + losses >= 200
				 GROUP BY player_id
			  ) averages
			 WHERE char_count > 1
		  ) filtered_averages
		  JOIN (
			SELECT player_id, char_id, value FROM player_ratings WHERE deviation < ? AND wins + losses >= 200
		  ) char_ratings ON filtered_averages.player_id = char_ratings.player_id
		 WHERE char_ratings.value > filtered_averages.avg_value`
	args := []any{rating.LowDeviation, rating.LowDeviation}
	if minValue != nil {
		query += " AND char_ratings.value > ?"
		args = append(args, *minValue)
	}
	query += " GROUP BY char_id"

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.FraudEntry
	for rows.Next() {
		var e store.FraudEntry
		if err := rows.Scan(&e.CharID, &e.PlayerCount, &e.AvgDelta); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
