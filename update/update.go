// Package update implements the per-match rating pipeline: given a batch
// of matches already persisted by the ingestor, it snapshots the
// pre-decay ratings into game_ratings, decays both sides forward to the
// match timestamp, runs the validity test, and — for valid matches —
// applies the Glicko update to every table a single match touches:
// player_ratings, player_matchups, the four global matchup tables, and
// daily_ratings.
package update

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"ratingd/cache"
	"ratingd/rating"
	"ratingd/store"
	"ratingd/telemetry"
)

const (
	decayConstant = 3.1
	margin        = 0.045
)

// Updater drives C4 against one database. Metrics and Cache are both
// optional (nil-safe).
type Updater struct {
	DB           *store.DB
	Metrics      *telemetry.Metrics
	Cache        *cache.Cache
	RatingPeriod int64
}

// New builds an Updater with the given rating period in seconds.
func New(db *store.DB, metrics *telemetry.Metrics, c *cache.Cache, ratingPeriod int64) *Updater {
	return &Updater{DB: db, Metrics: metrics, Cache: c, RatingPeriod: ratingPeriod}
}

// DrainUnrated repeatedly rates the oldest unrated matches until none
// remain, batchLimit rows at a time, returning the total rated+invalid
// count processed.
func (u *Updater) DrainUnrated(ctx context.Context, batchLimit int) (int, error) {
	total := 0
	for {
		matches, err := store.UnratedMatches(ctx, u.DB, batchLimit)
		if err != nil {
			return total, fmt.Errorf("update: list unrated matches: %w", err)
		}
		if len(matches) == 0 {
			return total, nil
		}
		rated, invalid, err := u.ProcessMatches(ctx, matches)
		if err != nil {
			return total, err
		}
		total += rated + invalid
		if len(matches) < batchLimit {
			return total, nil
		}
	}
}

// ProcessMatches rates every match in order inside a single transaction.
// A rating-invariant panic (corrupt input data, per rating.Update) rolls
// the whole batch back and re-panics after logging, matching spec.md's
// hard-abort policy for that failure class.
func (u *Updater) ProcessMatches(ctx context.Context, matches []store.Match) (rated, invalid int, err error) {
	if len(matches) == 0 {
		return 0, 0, nil
	}
	started := time.Now()

	tx, err := u.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("update: begin tx: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			logrus.WithFields(logrus.Fields{"component": "update", "panic": r}).
				Error("rating invariant violated, batch rolled back")
			panic(r)
		}
	}()

	popularities, err := characterPopularities(ctx, tx)
	if err != nil {
		tx.Rollback()
		return 0, 0, fmt.Errorf("update: load popularities: %w", err)
	}

	touched := make(map[string]struct{})
	for _, m := range matches {
		valid, err := u.processOne(ctx, tx, m, popularities, touched)
		if err != nil {
			tx.Rollback()
			return rated, invalid, fmt.Errorf("update: process match: %w", err)
		}
		if valid {
			rated++
		} else {
			invalid++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("update: commit: %w", err)
	}

	if u.Metrics != nil {
		u.Metrics.MatchesRated.Add(float64(rated))
		u.Metrics.MatchesInvalid.Add(float64(invalid))
		u.Metrics.UpdateBatchTime.Observe(time.Since(started).Seconds())
	}
	if u.Cache != nil {
		for key := range touched {
			u.Cache.Invalidate(ctx, key)
		}
	}
	return rated, invalid, nil
}

func characterPopularities(ctx context.Context, tx *sql.Tx) (map[int]float64, error) {
	rows, err := tx.QueryContext(ctx, `SELECT char_id, popularity FROM character_popularity_global`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[int]float64{}
	for rows.Next() {
		var id int
		var p float64
		if err := rows.Scan(&id, &p); err != nil {
			return nil, err
		}
		out[id] = p
	}
	return out, rows.Err()
}

// processOne applies one match. touched collects cache keys for the
// caller to invalidate after commit.
func (u *Updater) processOne(ctx context.Context, tx *sql.Tx, m store.Match, popularities map[int]float64, touched map[string]struct{}) (valid bool, err error) {
	if err := store.UpsertPlayer(ctx, tx, store.Player{ID: m.IDA, Name: m.NameA, Floor: m.GameFloor, Platform: m.PlatformA}); err != nil {
		return false, err
	}
	if err := store.UpsertPlayer(ctx, tx, store.Player{ID: m.IDB, Name: m.NameB, Floor: m.GameFloor, Platform: m.PlatformB}); err != nil {
		return false, err
	}
	if err := store.RecordPlayerName(ctx, tx, m.IDA, m.NameA); err != nil {
		return false, err
	}
	if err := store.RecordPlayerName(ctx, tx, m.IDB, m.NameB); err != nil {
		return false, err
	}

	prA, err := loadOrDefault(ctx, tx, m.IDA, m.CharA, m.Timestamp)
	if err != nil {
		return false, err
	}
	prB, err := loadOrDefault(ctx, tx, m.IDB, m.CharB, m.Timestamp)
	if err != nil {
		return false, err
	}

	oldA := rating.Rating{Value: prA.Value, Deviation: prA.Deviation}
	oldB := rating.Rating{Value: prB.Value, Deviation: prB.Deviation}

	decayOne(&prA, m.Timestamp, u.RatingPeriod)
	decayOne(&prB, m.Timestamp, u.RatingPeriod)

	cheaterA, err := store.IsCheater(ctx, tx, m.IDA)
	if err != nil {
		return false, err
	}
	cheaterB, err := store.IsCheater(ctx, tx, m.IDB)
	if err != nil {
		return false, err
	}
	hasCheater := cheaterA || cheaterB

	var winnerPR, loserPR *store.PlayerRating
	var winnerID, loserID int64
	var winnerChar, loserChar int
	var winnerName, loserName string
	switch m.Winner {
	case 1:
		winnerPR, loserPR = &prA, &prB
		winnerID, loserID = m.IDA, m.IDB
		winnerChar, loserChar = m.CharA, m.CharB
		winnerName, loserName = m.NameA, m.NameB
	case 2:
		winnerPR, loserPR = &prB, &prA
		winnerID, loserID = m.IDB, m.IDA
		winnerChar, loserChar = m.CharB, m.CharA
		winnerName, loserName = m.NameB, m.NameA
	default:
		return false, fmt.Errorf("bad winner %d", m.Winner)
	}

	winnerRating := rating.Rating{Value: winnerPR.Value, Deviation: winnerPR.Deviation}
	loserRating := rating.Rating{Value: loserPR.Value, Deviation: loserPR.Deviation}

	expected := winnerRating.Expected(loserRating)
	rsmDeviation := math.Sqrt(0.5*winnerRating.Deviation*winnerRating.Deviation + 0.5*loserRating.Deviation*loserRating.Deviation)
	valid = ((expected > margin && expected < 1.0-margin) || rsmDeviation >= 50.0) && !hasCheater

	winnerRank, err := rankOrInfinite(ctx, tx, winnerID, winnerChar)
	if err != nil {
		return false, err
	}
	loserRank, err := rankOrInfinite(ctx, tx, loserID, loserChar)
	if err != nil {
		return false, err
	}

	if valid {
		newWinnerRating := winnerRating.Update(loserRating, 1.0)
		newLoserRating := loserRating.Update(winnerRating, 0.0)

		winnerPR.Value, winnerPR.Deviation = newWinnerRating.Value, newWinnerRating.Deviation
		winnerPR.Wins++
		loserPR.Value, loserPR.Deviation = newLoserRating.Value, newLoserRating.Deviation
		loserPR.Losses++

		updateTopRating(winnerPR, m.Timestamp)
		updateTopDefeated(winnerPR, loserID, loserChar, loserName, loserRating, m.GameFloor, m.Timestamp)
		updateTopRating(loserPR, m.Timestamp)

		if err := updatePlayerMatchup(ctx, tx, u.RatingPeriod, winnerID, winnerChar, loserChar, loserRating, 1.0, m.Timestamp); err != nil {
			return false, err
		}
		if err := updatePlayerMatchup(ctx, tx, u.RatingPeriod, loserID, loserChar, winnerChar, winnerRating, 0.0, m.Timestamp); err != nil {
			return false, err
		}

		if err := updateGlobalMatchup(ctx, tx, store.TableGlobalMatchups, winnerChar, loserChar); err != nil {
			return false, err
		}
		if winnerRank <= 100 && loserRank <= 100 {
			if err := updateGlobalMatchup(ctx, tx, store.TableTop100Matchups, winnerChar, loserChar); err != nil {
				return false, err
			}
		}
		if winnerRank <= 1000 && loserRank <= 1000 {
			if err := updateGlobalMatchup(ctx, tx, store.TableTop1000Matchups, winnerChar, loserChar); err != nil {
				return false, err
			}
		}
		if float64(winnerRank) <= popularities[winnerChar]*1000.0 && float64(loserRank) <= popularities[loserChar]*1000.0 {
			if err := updateGlobalMatchup(ctx, tx, store.TableProportionalMatchups, winnerChar, loserChar); err != nil {
				return false, err
			}
		}

		dayTimestamp := (m.Timestamp / 86400) * 86400
		if winnerPR.Deviation < rating.LowDeviation {
			if err := store.InsertDailyRating(ctx, tx, winnerID, winnerChar, dayTimestamp, winnerPR.Value, winnerPR.Deviation); err != nil {
				return false, err
			}
		}
		if loserPR.Deviation < rating.LowDeviation {
			if err := store.InsertDailyRating(ctx, tx, loserID, loserChar, dayTimestamp, loserPR.Value, loserPR.Deviation); err != nil {
				return false, err
			}
		}
	}

	if err := store.InsertGameRating(ctx, tx, store.GameRating{
		Timestamp: m.Timestamp, IDA: m.IDA, ValueA: oldA.Value, DeviationA: oldA.Deviation,
		IDB: m.IDB, ValueB: oldB.Value, DeviationB: oldB.Deviation, Winner: m.Winner, Valid: valid,
	}); err != nil {
		return false, err
	}

	if err := store.UpsertPlayerRating(ctx, tx, prA); err != nil {
		return false, err
	}
	if err := store.UpsertPlayerRating(ctx, tx, prB); err != nil {
		return false, err
	}

	touched[cache.PlayerRatingKey(m.IDA, m.CharA)] = struct{}{}
	touched[cache.PlayerRatingKey(m.IDB, m.CharB)] = struct{}{}

	return valid, nil
}

func loadOrDefault(ctx context.Context, tx *sql.Tx, playerID int64, charID int, timestamp int64) (store.PlayerRating, error) {
	pr, err := store.GetPlayerRating(ctx, tx, playerID, charID)
	if err == store.ErrNotFound {
		return store.PlayerRating{
			PlayerID: playerID, CharID: charID,
			Value: rating.DefaultValue, Deviation: rating.InitialDeviation,
			LastDecay: timestamp,
		}, nil
	}
	return pr, err
}

// decayOne applies the decay(timestamp) semantics in place: a negative
// gap only resets the watermark, a gap over one rating period grows the
// deviation by whole periods elapsed, anything in between is a no-op.
func decayOne(pr *store.PlayerRating, timestamp, ratingPeriod int64) {
	delta := timestamp - pr.LastDecay
	if delta < 0 {
		pr.LastDecay = timestamp
		return
	}
	if delta > ratingPeriod {
		periods := delta / ratingPeriod
		r := rating.Rating{Value: pr.Value, Deviation: pr.Deviation}.DecayDeviation(periods, decayConstant)
		pr.Deviation = r.Deviation
		pr.LastDecay = timestamp
	}
}

func rankOrInfinite(ctx context.Context, tx *sql.Tx, playerID int64, charID int) (int, error) {
	rank, err := store.PlayerCharacterRank(ctx, tx, playerID, charID)
	if err == store.ErrNotFound {
		return 99999, nil
	}
	return rank, err
}

func updateTopRating(pr *store.PlayerRating, timestamp int64) {
	if pr.Deviation >= rating.LowDeviation {
		return
	}
	if pr.TopRating == nil || pr.Value >= pr.TopRating.Value {
		pr.TopRating = &store.TopRating{Value: pr.Value, Deviation: pr.Deviation, Timestamp: timestamp}
	}
}

// updateTopDefeated is only ever called on the winner. It gates on the
// defeated opponent's deviation, not the winner's own.
func updateTopDefeated(winnerPR *store.PlayerRating, loserID int64, loserChar int, loserName string, loserRating rating.Rating, floor int, timestamp int64) {
	if loserRating.Deviation >= rating.LowDeviation {
		return
	}
	if winnerPR.TopDefeated == nil || loserRating.Value > winnerPR.TopDefeated.Value {
		winnerPR.TopDefeated = &store.TopDefeated{
			PlayerID: loserID, CharID: loserChar, Name: loserName,
			Value: loserRating.Value, Deviation: loserRating.Deviation,
			Floor: floor, Timestamp: timestamp,
		}
	}
}

// updatePlayerMatchup applies the Glicko update against the opponent's
// live character rating first, then decays the matchup row forward
// across however many whole rating periods have elapsed since — in
// that order, matching the original ratings engine.
func updatePlayerMatchup(ctx context.Context, tx *sql.Tx, ratingPeriod int64, playerID int64, charID int, oppCharID int, oppRating rating.Rating, result float64, gameTimestamp int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO player_matchups(player_id, char_id, opp_char_id, rating_value, rating_deviation, rating_timestamp, wins, losses)
		VALUES (?, ?, ?, ?, 350.0, ?, 0, 0)
	`, playerID, charID, oppCharID, rating.DefaultValue, gameTimestamp)
	if err != nil {
		return err
	}

	pm, err := store.GetPlayerMatchup(ctx, tx, playerID, charID, oppCharID)
	if err != nil {
		return err
	}

	r := rating.Rating{Value: pm.Value, Deviation: pm.Deviation}.Update(oppRating, result)
	lastDecay := pm.Timestamp
	for lastDecay+ratingPeriod <= gameTimestamp {
		r = r.DecayDeviation(1, decayConstant)
		lastDecay += ratingPeriod
	}
	if result == 1.0 {
		pm.Wins++
	} else {
		pm.Losses++
	}
	pm.Value, pm.Deviation, pm.Timestamp = r.Value, r.Deviation, lastDecay

	return store.UpsertPlayerMatchup(ctx, tx, pm)
}

// updateGlobalMatchup mirrors updatePlayerMatchup for the character-vs-
// character aggregate tables: no per-row decay happens here, only on
// the periodic sweep (decay package).
func updateGlobalMatchup(ctx context.Context, tx *sql.Tx, table store.GlobalMatchupTable, winnerChar, loserChar int) error {
	if err := ensureDefaultGlobalRow(ctx, tx, table, winnerChar, loserChar); err != nil {
		return err
	}
	if err := ensureDefaultGlobalRow(ctx, tx, table, loserChar, winnerChar); err != nil {
		return err
	}

	winnerRow, err := store.GetGlobalMatchup(ctx, tx, table, winnerChar, loserChar)
	if err != nil {
		return err
	}
	loserRow, err := store.GetGlobalMatchup(ctx, tx, table, loserChar, winnerChar)
	if err != nil {
		return err
	}

	newWinner := rating.Rating{Value: winnerRow.Value, Deviation: winnerRow.Deviation}.
		UpdateWithMinDeviation(rating.Rating{Value: loserRow.Value, Deviation: loserRow.Deviation}, 1.0, rating.MatchupMinDeviation)
	newLoser := rating.Rating{Value: loserRow.Value, Deviation: loserRow.Deviation}.
		UpdateWithMinDeviation(rating.Rating{Value: winnerRow.Value, Deviation: winnerRow.Deviation}, 0.0, rating.MatchupMinDeviation)

	winnerRow.Value, winnerRow.Deviation, winnerRow.Wins = newWinner.Value, newWinner.Deviation, winnerRow.Wins+1
	loserRow.Value, loserRow.Deviation, loserRow.Losses = newLoser.Value, newLoser.Deviation, loserRow.Losses+1

	if err := store.UpsertGlobalMatchup(ctx, tx, table, winnerRow); err != nil {
		return err
	}
	return store.UpsertGlobalMatchup(ctx, tx, table, loserRow)
}

func ensureDefaultGlobalRow(ctx context.Context, tx *sql.Tx, table store.GlobalMatchupTable, charID, oppCharID int) error {
	_, err := store.GetGlobalMatchup(ctx, tx, table, charID, oppCharID)
	if err == nil {
		return nil
	}
	if err != store.ErrNotFound {
		return err
	}
	return store.UpsertGlobalMatchup(ctx, tx, table, store.GlobalMatchup{
		CharID: charID, OppCharID: oppCharID, Value: rating.DefaultValue, Deviation: rating.InitialDeviation,
	})
}
