// Package query implements the read-only views used by the (out of
// scope) website: top-N rankings, a player's rating on one character,
// match history, character matchups, and the slower-moving distribution
// and fraud-index tables. The top-N and player-rating reads go through
// the optional cache package first and fall back to the store; the
// other views read the store directly, which stays the source of truth.
package query

import (
	"context"
	"fmt"

	"ratingd/cache"
	"ratingd/rating"
	"ratingd/store"
)

const matchupMinGames = 250

// TopGlobal returns the top limit (player, character) rows across every
// character, ordered by global rank. Hidden and cheater-flagged players
// never appear because the ranking rebuild (C6) excludes them at write
// time.
func TopGlobal(ctx context.Context, db *store.DB, c *cache.Cache, limit int) ([]store.RankedPlayer, error) {
	key := cache.TopNKey(nil)
	var cached []store.RankedPlayer
	if c.Get(ctx, key, &cached) {
		return cached, nil
	}
	out, err := store.TopRankingGlobal(ctx, db, limit)
	if err != nil {
		return nil, fmt.Errorf("query: top global: %w", err)
	}
	c.Set(ctx, key, out)
	return out, nil
}

// TopCharacter returns the top limit rows for one character.
func TopCharacter(ctx context.Context, db *store.DB, c *cache.Cache, charID, limit int) ([]store.RankedPlayer, error) {
	key := cache.TopNKey(&charID)
	var cached []store.RankedPlayer
	if c.Get(ctx, key, &cached) {
		return cached, nil
	}
	out, err := store.TopRankingCharacter(ctx, db, charID, limit)
	if err != nil {
		return nil, fmt.Errorf("query: top character: %w", err)
	}
	c.Set(ctx, key, out)
	return out, nil
}

// OtherCharacter is one entry in a player's "other characters" list,
// grounded on api.rs::get_player_other_characters, sorted the same way
// (most confident rating first).
type OtherCharacter struct {
	CharID    int
	Value     float64
	Deviation float64
	GameCount int
}

// MatchupSummary is one row of a player's per-character matchup record,
// grounded on api.rs's PlayerMatchup.
type MatchupSummary struct {
	OppCharID int
	GameCount int
	WinRate   float64
	Value     float64
	Deviation float64
}

// PlayerCharacterView composes everything the website's player page
// needs for one (player, character) pair: base rating, both rank kinds
// (nil when not confident enough to rank), the all-time highlights, the
// per-opponent-character matchup record, and the player's other names
// and other characters. Returns (nil, nil) when the player doesn't
// exist, mirroring api.rs::get_player_data_char's Option return.
type PlayerCharacterView struct {
	PlayerID        int64
	Name            string
	Platform        string
	VIP             bool
	Cheater         bool
	Hidden          bool
	OtherNames      []string
	OtherCharacters []OtherCharacter

	CharID      int
	Value       float64
	Deviation   float64
	GlobalRank  *int
	CharRank    *int
	TopRating   *store.TopRating
	TopDefeated *store.TopDefeated
	Wins        int
	Losses      int
	Matchups    []MatchupSummary
}

func PlayerCharacter(ctx context.Context, db *store.DB, c *cache.Cache, playerID int64, charID int, characterCount int) (*PlayerCharacterView, error) {
	player, err := store.GetPlayer(ctx, db, playerID)
	if err == store.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query: load player: %w", err)
	}

	var pr store.PlayerRating
	key := cache.PlayerRatingKey(playerID, charID)
	if !c.Get(ctx, key, &pr) {
		pr, err = store.GetPlayerRating(ctx, db, playerID, charID)
		if err == store.ErrNotFound {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("query: load player rating: %w", err)
		}
		c.Set(ctx, key, pr)
	}

	view := &PlayerCharacterView{
		PlayerID:  playerID,
		Name:      player.Name,
		Platform:  player.Platform,
		CharID:    charID,
		Value:     pr.Value,
		Deviation: pr.Deviation,
		Wins:      pr.Wins,
		Losses:    pr.Losses,
		TopRating: pr.TopRating,
		TopDefeated: pr.TopDefeated,
	}

	if view.Cheater, err = store.IsCheater(ctx, db, playerID); err != nil {
		return nil, err
	}
	if view.Hidden, err = store.IsHidden(ctx, db, playerID); err != nil {
		return nil, err
	}

	if globalRank, err := store.PlayerGlobalRank(ctx, db, playerID, charID); err == nil {
		view.GlobalRank = &globalRank
	} else if err != store.ErrNotFound {
		return nil, err
	}
	if charRank, err := store.PlayerCharacterRank(ctx, db, playerID, charID); err == nil {
		view.CharRank = &charRank
	} else if err != store.ErrNotFound {
		return nil, err
	}

	names, err := store.PlayerNames(ctx, db, playerID)
	if err != nil {
		return nil, err
	}
	for _, n := range names {
		if n != player.Name {
			view.OtherNames = append(view.OtherNames, n)
		}
	}

	view.OtherCharacters, err = otherCharacters(ctx, db, playerID, charID)
	if err != nil {
		return nil, err
	}

	view.Matchups, err = playerMatchups(ctx, db, playerID, charID, characterCount)
	if err != nil {
		return nil, err
	}

	return view, nil
}

func otherCharacters(ctx context.Context, db *store.DB, playerID int64, excludeCharID int) ([]OtherCharacter, error) {
	ratings, err := store.PlayerRatingsForPlayer(ctx, db, playerID)
	if err != nil {
		return nil, fmt.Errorf("query: other characters: %w", err)
	}
	var out []OtherCharacter
	for _, r := range ratings {
		if r.CharID == excludeCharID {
			continue
		}
		out = append(out, OtherCharacter{
			CharID:    r.CharID,
			Value:     r.Value,
			Deviation: r.Deviation,
			GameCount: r.Wins + r.Losses,
		})
	}
	return out, nil
}

func playerMatchups(ctx context.Context, db *store.DB, playerID int64, charID, characterCount int) ([]MatchupSummary, error) {
	var out []MatchupSummary
	for opp := 0; opp < characterCount; opp++ {
		m, err := store.GetPlayerMatchup(ctx, db, playerID, charID, opp)
		if err == store.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("query: player matchup: %w", err)
		}
		games := m.Wins + m.Losses
		if games == 0 {
			continue
		}
		out = append(out, MatchupSummary{
			OppCharID: opp,
			GameCount: games,
			WinRate:   float64(m.Wins) / float64(games),
			Value:     m.Value,
			Deviation: m.Deviation,
		})
	}
	return out, nil
}

// HistorySet is one entry of a player's match history. When grouped,
// consecutive games against the same opponent (id, character) pair with
// the same validity collapse into one set with an accumulated
// win/loss count and rating-change sequence, grounded on
// api.rs::add_to_grouped_sets; ungrouped mode keeps one entry per game,
// grounded on add_ungrouped_set.
type HistorySet struct {
	Timestamp           int64
	Floor               string
	OwnValue            float64
	OwnDeviation        float64
	OpponentID           int64
	OpponentCharID       int
	OpponentPlatform     string
	OpponentValue        float64
	OpponentDeviation    float64
	OpponentVIP          bool
	OpponentCheater      bool
	OpponentHidden       bool
	Valid                bool
	RatingChangeSequence []float64
	Wins                 int
	Losses               int
}

// History returns a player's match history on one character, newest
// first, optionally grouped by consecutive same-opponent-character runs.
func History(ctx context.Context, db *store.DB, playerID int64, charID int, limit, offset int, grouped bool) ([]HistorySet, error) {
	rows, err := store.PlayerHistory(ctx, db, playerID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query: history: %w", err)
	}

	var out []HistorySet
	for _, h := range rows {
		var ownValue, ownDeviation, oppValue, oppDeviation float64
		var oppID int64
		var oppChar int
		var oppPlatform string
		var won bool

		if h.IDA == playerID && h.CharA == charID {
			ownValue, ownDeviation = h.ValueA, h.DeviationA
			oppID, oppChar, oppPlatform = h.IDB, h.CharB, h.PlatformB
			oppValue, oppDeviation = h.ValueB, h.DeviationB
			won = h.Winner == 1
		} else if h.IDB == playerID && h.CharB == charID {
			ownValue, ownDeviation = h.ValueB, h.DeviationB
			oppID, oppChar, oppPlatform = h.IDA, h.CharA, h.PlatformA
			oppValue, oppDeviation = h.ValueA, h.DeviationA
			won = h.Winner == 2
		} else {
			continue
		}

		oppVIP, err := isFlagged(ctx, db, oppID, "vip_status")
		if err != nil {
			return nil, err
		}
		oppCheater, err := store.IsCheater(ctx, db, oppID)
		if err != nil {
			return nil, err
		}
		oppHidden, err := store.IsHidden(ctx, db, oppID)
		if err != nil {
			return nil, err
		}

		change := 0.0
		if h.Valid {
			result := 0.0
			if won {
				result = 1.0
			}
			change = rating.Rating{Value: ownValue, Deviation: ownDeviation}.RatingChange(rating.Rating{Value: oppValue, Deviation: oppDeviation}, result)
		}

		if grouped && len(out) > 0 {
			last := &out[len(out)-1]
			if last.OpponentID == oppID && last.OpponentCharID == oppChar && last.Valid == h.Valid {
				last.Timestamp = h.Timestamp
				last.OwnValue, last.OwnDeviation = ownValue, ownDeviation
				last.OpponentValue, last.OpponentDeviation = oppValue, oppDeviation
				last.RatingChangeSequence = append(last.RatingChangeSequence, change)
				if won {
					last.Wins++
				} else {
					last.Losses++
				}
				continue
			}
		}

		set := HistorySet{
			Timestamp:            h.Timestamp,
			Floor:                StringifyFloor(h.GameFloor),
			OwnValue:             ownValue,
			OwnDeviation:         ownDeviation,
			OpponentID:           oppID,
			OpponentCharID:       oppChar,
			OpponentPlatform:     oppPlatform,
			OpponentValue:        oppValue,
			OpponentDeviation:    oppDeviation,
			OpponentVIP:          oppVIP,
			OpponentCheater:      oppCheater,
			OpponentHidden:       oppHidden,
			Valid:                h.Valid,
			RatingChangeSequence: []float64{change},
		}
		if won {
			set.Wins = 1
		} else {
			set.Losses = 1
		}
		out = append(out, set)
	}
	return out, nil
}

func isFlagged(ctx context.Context, db *store.DB, playerID int64, table string) (bool, error) {
	var n int
	err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table+" WHERE player_id = ?", playerID).Scan(&n)
	return n > 0, err
}

// StringifyFloor renders a numeric floor as the label the original
// website shows: F1..F10 for the ten ranked floors (unpadded, matching
// the original's format!("F{:0}", f)), C for celestial (floor 99 and
// anything else outside 1-10).
func StringifyFloor(floor int) string {
	if floor >= 1 && floor <= 10 {
		return fmt.Sprintf("F%d", floor)
	}
	return "C"
}

// CharacterMatchups is one character's full row of matchup summaries
// against every character (including itself), grounded on
// api.rs::get_matchups / CharacterMatchups.
type CharacterMatchups struct {
	CharID   int
	Matchups []MatchupView
}

// MatchupView is one cell of the matchup table.
type MatchupView struct {
	OppCharID   int
	WinRate     float64
	GameCount   int64
	RatingDelta float64
	Expected    float64
	Suspicious  bool
	Evaluation  string
}

// Matchups rebuilds the full characterCount x characterCount matchup
// grid for one global matchup table (global/top100/top1000/proportional),
// defaulting any missing pairing to the fresh-player rating the way the
// original's HashMap lookup defaults to (1500, 350, 0, 0).
func Matchups(ctx context.Context, db *store.DB, table store.GlobalMatchupTable, characterCount int) ([]CharacterMatchups, error) {
	rows, err := store.AllGlobalMatchups(ctx, db, table)
	if err != nil {
		return nil, fmt.Errorf("query: matchups: %w", err)
	}
	byPair := make(map[[2]int]store.GlobalMatchup, len(rows))
	for _, r := range rows {
		byPair[[2]int{r.CharID, r.OppCharID}] = r
	}

	lookup := func(c, o int) store.GlobalMatchup {
		if m, ok := byPair[[2]int{c, o}]; ok {
			return m
		}
		return store.GlobalMatchup{CharID: c, OppCharID: o, Value: rating.DefaultValue, Deviation: rating.InitialDeviation}
	}

	out := make([]CharacterMatchups, 0, characterCount)
	for c := 0; c < characterCount; c++ {
		row := CharacterMatchups{CharID: c}
		for o := 0; o < characterCount; o++ {
			own := lookup(c, o)
			opp := lookup(o, c)
			expected := rating.Rating{Value: own.Value, Deviation: own.Deviation}.Expected(rating.Rating{Value: opp.Value, Deviation: opp.Deviation})
			games := int64(own.Wins + own.Losses)
			winRate := 0.0
			if games > 0 {
				winRate = float64(own.Wins) / float64(games)
			}
			row.Matchups = append(row.Matchups, MatchupView{
				OppCharID:   o,
				WinRate:     winRate,
				GameCount:   games,
				RatingDelta: own.Value - opp.Value,
				Expected:    expected,
				Suspicious:  games < matchupMinGames,
				Evaluation:  evaluation(expected, games),
			})
		}
		out = append(out, row)
	}
	return out, nil
}

// evaluation labels a matchup's expected win rate once enough games back
// it up, grounded on api.rs::get_evaluation.
func evaluation(expected float64, gameCount int64) string {
	if gameCount < matchupMinGames {
		return "none"
	}
	switch {
	case expected > 0.6:
		return "verygood"
	case expected > 0.56:
		return "good"
	case expected > 0.52:
		return "slightlygood"
	case expected > 0.48:
		return "ok"
	case expected > 0.44:
		return "slightlybad"
	case expected > 0.40:
		return "bad"
	default:
		return "verybad"
	}
}

// FloorDistribution and RatingDistribution return the last statistics
// job's snapshot verbatim.
func FloorDistribution(ctx context.Context, db *store.DB) ([]store.FloorBucket, error) {
	return store.AllFloorBuckets(ctx, db)
}

func RatingDistribution(ctx context.Context, db *store.DB) ([]store.RatingBucket, error) {
	return store.AllRatingBuckets(ctx, db)
}

func CharacterPopularityGlobal(ctx context.Context, db *store.DB) (map[int]float64, error) {
	return store.AllCharacterPopularityGlobal(ctx, db)
}

func CharacterPopularityBracket(ctx context.Context, db *store.DB, bracket int) (map[int]float64, error) {
	return store.CharacterPopularityForBracket(ctx, db, bracket)
}

func FraudIndex(ctx context.Context, db *store.DB, table store.FraudTable) ([]store.FraudEntry, error) {
	return store.AllFraudEntries(ctx, db, table)
}
