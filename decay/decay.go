// Package decay runs the periodic deviation-growth sweep (C5): players
// who haven't had a rated match in a while grow less confident, and so
// do the character-versus-character aggregate tables. Unlike the
// per-match decay folded into package update, this sweep is driven by
// wall-clock time alone and touches rows no recent match reached.
package decay

import (
	"context"
	"fmt"

	"ratingd/rating"
	"ratingd/store"
)

const decayConstant = 3.1

// SweepPlayers advances every player_ratings row whose last_decay is
// more than one rating period behind now. It mirrors the per-match
// decay(timestamp) method exactly, so a player who has been fully idle
// for N periods accrues N decay steps in one pass.
func SweepPlayers(ctx context.Context, db *store.DB, now, ratingPeriod int64) (int, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("decay: begin tx: %w", err)
	}
	defer tx.Rollback()

	due, err := store.RatingsDueForDecay(ctx, tx, now, ratingPeriod)
	if err != nil {
		return 0, fmt.Errorf("decay: list due ratings: %w", err)
	}

	for _, pr := range due {
		delta := now - pr.LastDecay
		if delta <= ratingPeriod {
			continue
		}
		periods := delta / ratingPeriod
		r := rating.Rating{Value: pr.Value, Deviation: pr.Deviation}.DecayDeviation(periods, decayConstant)
		pr.Deviation = r.Deviation
		pr.LastDecay = now
		if err := store.UpsertPlayerRating(ctx, tx, pr); err != nil {
			return 0, fmt.Errorf("decay: upsert player rating: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("decay: commit: %w", err)
	}
	return len(due), nil
}

// SweepGlobalMatchups applies one decay step to every row of the four
// aggregate matchup tables whose deviation hasn't already hit the
// ceiling. This is a single step per sweep (not proportional to elapsed
// time) because the caller runs it once per ranking period; individual
// player_matchups rows are intentionally excluded here — they already
// decay forward inline, during the match that next touches them
// (package update), matching the reference engine which leaves its own
// equivalent statement disabled.
func SweepGlobalMatchups(ctx context.Context, db *store.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("decay: begin tx: %w", err)
	}
	defer tx.Rollback()

	tables := []store.GlobalMatchupTable{
		store.TableGlobalMatchups,
		store.TableTop100Matchups,
		store.TableTop1000Matchups,
		store.TableProportionalMatchups,
	}
	for _, t := range tables {
		query := fmt.Sprintf(`
			UPDATE %s
			   SET rating_deviation = min(?, sqrt(rating_deviation * rating_deviation + ? * ?))
			 WHERE rating_deviation < ?
		`, string(t))
		if _, err := tx.ExecContext(ctx, query, rating.InitialDeviation, decayConstant, decayConstant, rating.InitialDeviation); err != nil {
			return fmt.Errorf("decay: sweep %s: %w", t, err)
		}
	}

	return tx.Commit()
}
