// Package moderation implements the admin-only player-status tools
// (C8): VIP and hidden flags are plain upserts, but marking a player a
// cheater also retroactively strips every opponent's rating of the
// swing that player's games contributed, using the pre-game snapshots
// already sitting in game_ratings.
package moderation

import (
	"context"
	"fmt"

	"ratingd/rating"
	"ratingd/store"
	"ratingd/telemetry"
)

// PlayerKey identifies one (player, character) rating row touched by a
// cheater rollback.
type PlayerKey struct {
	PlayerID int64
	CharID   int
}

// SetVIP/ClearVIP/SetHidden/ClearHidden are thin passthroughs; moderation
// adds no logic of its own over the store layer for these two flags.
func SetVIP(ctx context.Context, db *store.DB, playerID int64, notes string) error {
	return store.SetVIP(ctx, db, store.ModerationEntry{PlayerID: playerID, Status: "VIP", Notes: notes})
}

func ClearVIP(ctx context.Context, db *store.DB, playerID int64) error {
	return store.ClearVIP(ctx, db, playerID)
}

func SetHidden(ctx context.Context, db *store.DB, playerID int64, notes string) error {
	return store.SetHidden(ctx, db, store.ModerationEntry{PlayerID: playerID, Status: "hidden", Notes: notes})
}

func ClearHidden(ctx context.Context, db *store.DB, playerID int64) error {
	return store.ClearHidden(ctx, db, playerID)
}

// ComputeCheaterRollback returns, for every opponent a cheater's valid
// games touched, the rating offset that must be added to undo that
// game's contribution. Invalid games never updated a rating in the
// first place, so they are excluded from the query entirely. It is
// read-only, so the CLI can preview an offset list before committing
// to MarkCheater.
func ComputeCheaterRollback(ctx context.Context, db *store.DB, cheaterID int64) (map[PlayerKey]float64, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT gr.id_a, m.char_a, gr.value_a, gr.deviation_a,
		       gr.id_b, m.char_b, gr.value_b, gr.deviation_b, gr.winner
		  FROM game_ratings gr
		  JOIN matches m ON m.timestamp = gr.timestamp AND m.id_a = gr.id_a AND m.id_b = gr.id_b
		 WHERE (gr.id_a = ? OR gr.id_b = ?) AND gr.valid = 1
	`, cheaterID, cheaterID)
	if err != nil {
		return nil, fmt.Errorf("moderation: query cheater games: %w", err)
	}
	defer rows.Close()

	offsets := map[PlayerKey]float64{}
	for rows.Next() {
		var idA, idB int64
		var charA, charB, winner int
		var valueA, deviationA, valueB, deviationB float64
		if err := rows.Scan(&idA, &charA, &valueA, &deviationA, &idB, &charB, &valueB, &deviationB, &winner); err != nil {
			return nil, fmt.Errorf("moderation: scan cheater game: %w", err)
		}

		if idA == cheaterID {
			result := 1.0
			if winner == 1 {
				result = 0.0
			}
			change := rating.Rating{Value: valueB, Deviation: deviationB}.RatingChange(rating.Rating{Value: valueA, Deviation: deviationA}, result)
			offsets[PlayerKey{PlayerID: idB, CharID: charB}] -= change
		} else {
			result := 0.0
			if winner == 1 {
				result = 1.0
			}
			change := rating.Rating{Value: valueA, Deviation: deviationA}.RatingChange(rating.Rating{Value: valueB, Deviation: deviationB}, result)
			offsets[PlayerKey{PlayerID: idA, CharID: charA}] -= change
		}
	}
	return offsets, rows.Err()
}

// MarkCheater applies the rollback computed by ComputeCheaterRollback to
// every affected opponent's current value (deviation untouched) and
// records cheaterID in cheater_status, all in one transaction. m is
// optional; a nil m just means CheatersMarked is not incremented.
func MarkCheater(ctx context.Context, db *store.DB, m *telemetry.Metrics, cheaterID int64, cheaterType, notes string) error {
	offsets, err := ComputeCheaterRollback(ctx, db, cheaterID)
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("moderation: begin tx: %w", err)
	}
	defer tx.Rollback()

	for key, offset := range offsets {
		pr, err := store.GetPlayerRating(ctx, tx, key.PlayerID, key.CharID)
		if err == store.ErrNotFound {
			continue
		}
		if err != nil {
			return fmt.Errorf("moderation: load opponent rating: %w", err)
		}
		pr.Value += offset
		if err := store.UpsertPlayerRating(ctx, tx, pr); err != nil {
			return fmt.Errorf("moderation: apply rollback: %w", err)
		}
	}

	if err := store.SetCheater(ctx, tx, store.ModerationEntry{PlayerID: cheaterID, Status: cheaterType, Notes: notes}); err != nil {
		return fmt.Errorf("moderation: record cheater status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("moderation: commit: %w", err)
	}

	if m != nil {
		m.CheatersMarked.Inc()
	}
	return nil
}

// ClearCheater removes the cheater flag without reversing the rollback;
// re-running a full update pass is the supported way to rebuild
// history once a player is cleared.
func ClearCheater(ctx context.Context, db *store.DB, playerID int64) error {
	return store.ClearCheater(ctx, db, playerID)
}
