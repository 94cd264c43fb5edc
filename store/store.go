// Package store wraps the single SQLite file that backs every table in
// SPEC_FULL.md §3. There is one writer goroutine group (ingest + update,
// decay + ranking + statistics) and many readers (query), so Open tunes
// the pool for that shape rather than a typical web-service pool.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaFS embed.FS

const driverName = "sqlite3_rating"

var registerOnce sync.Once

func registerDriver() {
	registerOnce.Do(func() {
		sql.Register(driverName, &sqlite3.SQLiteDriver{
			ConnectHook: func(conn *sqlite3.SQLiteConn) error {
				return conn.RegisterFunc("sqrt", math.Sqrt, true)
			},
		})
	})
}

// DB is the handle every package in this module holds. It embeds *sql.DB
// so read-only helpers elsewhere can keep using database/sql directly.
type DB struct {
	*sql.DB
	path string
}

// Open creates (or attaches to) the SQLite file at path, registering the
// sqrt scalar function the decay sweep uses for matchup tables.
func Open(path string) (*DB, error) {
	registerDriver()
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	sdb, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, err
	}
	// A single physical connection keeps SQLite from serializing
	// busy-retries across goroutines; readers and writers share it, so
	// statements run one at a time.
	sdb.SetMaxOpenConns(1)
	if err := sdb.Ping(); err != nil {
		sdb.Close()
		return nil, err
	}
	return &DB{DB: sdb, path: path}, nil
}

// Migrate applies schema.sql. It is idempotent: every table and index
// statement is CREATE ... IF NOT EXISTS, and the config seed row is
// inserted only when none exists.
func (db *DB) Migrate(ctx context.Context) error {
	b, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, string(b))
	return err
}

// Reset drops every table this module owns and re-applies schema.sql. It
// is destructive and only ever invoked from the CLI's reset subcommand.
func (db *DB) Reset(ctx context.Context) error {
	tables := []string{
		"players", "player_names", "player_ratings", "matches", "game_ratings",
		"player_matchups", "global_matchups", "top_100_matchups", "top_1000_matchups",
		"proportional_matchups", "daily_ratings", "ranking_global", "ranking_character",
		"player_floor_distribution", "player_rating_distribution",
		"character_popularity_global", "character_popularity_rating",
		"fraud_index", "fraud_index_higher_rated", "fraud_index_highest_rated",
		"vip_status", "hidden_status", "cheater_status", "config",
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, t := range tables {
		if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+t); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	return db.Migrate(ctx)
}

// Execer is satisfied by both *sql.DB and *sql.Tx, letting every helper
// below run standalone or inside a caller-managed transaction.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// ErrNotFound is returned by single-row lookups instead of sql.ErrNoRows,
// so callers above this package never need to import database/sql.
var ErrNotFound = errors.New("store: not found")

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// ---------------------------------------------------------------------
// players / player_names
// ---------------------------------------------------------------------

type Player struct {
	ID       int64
	Name     string
	Floor    int
	Platform string
}

// UpsertPlayer implements the "latest seen wins" rule for platform-id
// collisions: the row is unconditionally overwritten on every call.
func UpsertPlayer(ctx context.Context, q Execer, p Player) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO players(id, name, floor, platform) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name=excluded.name, floor=excluded.floor, platform=excluded.platform
	`, p.ID, p.Name, p.Floor, p.Platform)
	return err
}

func GetPlayer(ctx context.Context, q Execer, id int64) (Player, error) {
	var p Player
	err := q.QueryRowContext(ctx, `SELECT id, name, floor, platform FROM players WHERE id = ?`, id).
		Scan(&p.ID, &p.Name, &p.Floor, &p.Platform)
	return p, notFound(err)
}

func RecordPlayerName(ctx context.Context, q Execer, playerID int64, name string) error {
	_, err := q.ExecContext(ctx, `INSERT OR IGNORE INTO player_names(player_id, name) VALUES (?, ?)`, playerID, name)
	return err
}

func PlayerNames(ctx context.Context, q Execer, playerID int64) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT name FROM player_names WHERE player_id = ? ORDER BY name`, playerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------
// player_ratings
// ---------------------------------------------------------------------

type TopRating struct {
	Value     float64
	Deviation float64
	Timestamp int64
}

type TopDefeated struct {
	PlayerID  int64
	CharID    int
	Name      string
	Value     float64
	Deviation float64
	Floor     int
	Timestamp int64
}

type PlayerRating struct {
	PlayerID    int64
	CharID      int
	Value       float64
	Deviation   float64
	Wins        int
	Losses      int
	LastDecay   int64
	TopRating   *TopRating
	TopDefeated *TopDefeated
}

func GetPlayerRating(ctx context.Context, q Execer, playerID int64, charID int) (PlayerRating, error) {
	var r PlayerRating
	var trVal, trDev sql.NullFloat64
	var trTS sql.NullInt64
	var tdID, tdChar, tdFloor, tdTS sql.NullInt64
	var tdName sql.NullString
	var tdVal, tdDev sql.NullFloat64

	err := q.QueryRowContext(ctx, `
		SELECT player_id, char_id, value, deviation, wins, losses, last_decay,
		       top_rating_value, top_rating_deviation, top_rating_timestamp,
		       top_defeated_id, top_defeated_char_id, top_defeated_name,
		       top_defeated_value, top_defeated_deviation, top_defeated_floor, top_defeated_timestamp
		  FROM player_ratings WHERE player_id = ? AND char_id = ?
	`, playerID, charID).Scan(
		&r.PlayerID, &r.CharID, &r.Value, &r.Deviation, &r.Wins, &r.Losses, &r.LastDecay,
		&trVal, &trDev, &trTS,
		&tdID, &tdChar, &tdName, &tdVal, &tdDev, &tdFloor, &tdTS,
	)
	if err != nil {
		return PlayerRating{}, notFound(err)
	}
	if trVal.Valid {
		r.TopRating = &TopRating{Value: trVal.Float64, Deviation: trDev.Float64, Timestamp: trTS.Int64}
	}
	if tdID.Valid {
		r.TopDefeated = &TopDefeated{
			PlayerID: tdID.Int64, CharID: int(tdChar.Int64), Name: tdName.String,
			Value: tdVal.Float64, Deviation: tdDev.Float64, Floor: int(tdFloor.Int64), Timestamp: tdTS.Int64,
		}
	}
	return r, nil
}

func UpsertPlayerRating(ctx context.Context, q Execer, r PlayerRating) error {
	var trVal, trDev any
	var trTS any
	if r.TopRating != nil {
		trVal, trDev, trTS = r.TopRating.Value, r.TopRating.Deviation, r.TopRating.Timestamp
	}
	var tdID, tdChar, tdFloor, tdTS any
	var tdName any
	var tdVal, tdDev any
	if r.TopDefeated != nil {
		tdID, tdChar, tdFloor, tdTS = r.TopDefeated.PlayerID, r.TopDefeated.CharID, r.TopDefeated.Floor, r.TopDefeated.Timestamp
		tdName = r.TopDefeated.Name
		tdVal, tdDev = r.TopDefeated.Value, r.TopDefeated.Deviation
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO player_ratings(
			player_id, char_id, value, deviation, wins, losses, last_decay,
			top_rating_value, top_rating_deviation, top_rating_timestamp,
			top_defeated_id, top_defeated_char_id, top_defeated_name,
			top_defeated_value, top_defeated_deviation, top_defeated_floor, top_defeated_timestamp
		) VALUES (?,?,?,?,?,?,?, ?,?,?, ?,?,?,?,?,?,?)
		ON CONFLICT(player_id, char_id) DO UPDATE SET
			value=excluded.value, deviation=excluded.deviation, wins=excluded.wins, losses=excluded.losses,
			last_decay=excluded.last_decay,
			top_rating_value=excluded.top_rating_value, top_rating_deviation=excluded.top_rating_deviation,
			top_rating_timestamp=excluded.top_rating_timestamp,
			top_defeated_id=excluded.top_defeated_id, top_defeated_char_id=excluded.top_defeated_char_id,
			top_defeated_name=excluded.top_defeated_name, top_defeated_value=excluded.top_defeated_value,
			top_defeated_deviation=excluded.top_defeated_deviation, top_defeated_floor=excluded.top_defeated_floor,
			top_defeated_timestamp=excluded.top_defeated_timestamp
	`, r.PlayerID, r.CharID, r.Value, r.Deviation, r.Wins, r.Losses, r.LastDecay,
		trVal, trDev, trTS,
		tdID, tdChar, tdName, tdVal, tdDev, tdFloor, tdTS,
	)
	return err
}

// RatingsDueForDecay returns every player_ratings row whose last_decay is
// more than one rating period behind now, for the decay sweep (C5).
func RatingsDueForDecay(ctx context.Context, q Execer, now, ratingPeriod int64) ([]PlayerRating, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT player_id, char_id FROM player_ratings WHERE last_decay + ? < ?
	`, ratingPeriod, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids [][2]int64
	for rows.Next() {
		var pid, cid int64
		if err := rows.Scan(&pid, &cid); err != nil {
			return nil, err
		}
		ids = append(ids, [2]int64{pid, cid})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]PlayerRating, 0, len(ids))
	for _, id := range ids {
		r, err := GetPlayerRating(ctx, q, id[0], int(id[1]))
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// RankablePlayerRatings returns confident ratings (deviation < LowDeviation)
// belonging to neither a cheater nor a hidden player, highest value first.
// When charID is nil it spans every character (the global ranking); otherwise
// it is scoped to one character.
func RankablePlayerRatings(ctx context.Context, q Execer, lowDeviation float64, charID *int, limit int) ([]PlayerRating, error) {
	query := `
		SELECT pr.player_id, pr.char_id, pr.value, pr.deviation, pr.wins, pr.losses, pr.last_decay
		  FROM player_ratings pr
		 WHERE pr.deviation < ?
		   AND NOT EXISTS (SELECT 1 FROM cheater_status c WHERE c.player_id = pr.player_id)
		   AND NOT EXISTS (SELECT 1 FROM hidden_status h WHERE h.player_id = pr.player_id)`
	args := []any{lowDeviation}
	if charID != nil {
		query += " AND pr.char_id = ?"
		args = append(args, *charID)
	}
	query += " ORDER BY pr.value DESC LIMIT ?"
	args = append(args, limit)

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PlayerRating
	for rows.Next() {
		var r PlayerRating
		if err := rows.Scan(&r.PlayerID, &r.CharID, &r.Value, &r.Deviation, &r.Wins, &r.Losses, &r.LastDecay); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------
// matches / game_ratings
// ---------------------------------------------------------------------

type Match struct {
	Timestamp  int64
	IDA        int64
	NameA      string
	CharA      int
	PlatformA  string
	IDB        int64
	NameB      string
	CharB      int
	PlatformB  string
	Winner     int
	GameFloor  int
}

// InsertMatch applies the dedup key (timestamp, unordered pair, floor).
// It returns inserted=false when the match was already present.
func InsertMatch(ctx context.Context, q Execer, m Match) (inserted bool, err error) {
	lo, hi := minInt64(m.IDA, m.IDB), maxInt64(m.IDA, m.IDB)
	res, err := q.ExecContext(ctx, `
		INSERT OR IGNORE INTO matches(
			timestamp, id_a, name_a, char_a, platform_a,
			id_b, name_b, char_b, platform_b, winner, game_floor, low_id, high_id
		) VALUES (?,?,?,?,?, ?,?,?,?,?,?, ?,?)
	`, m.Timestamp, m.IDA, m.NameA, m.CharA, m.PlatformA,
		m.IDB, m.NameB, m.CharB, m.PlatformB, m.Winner, m.GameFloor, lo, hi)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// UnratedMatches returns matches with no corresponding game_ratings row,
// oldest first, capped at limit (spec.md bounds a single update batch at
// 250000 rows to keep one pass bounded).
func UnratedMatches(ctx context.Context, q Execer, limit int) ([]Match, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT m.timestamp, m.id_a, m.name_a, m.char_a, m.platform_a,
		       m.id_b, m.name_b, m.char_b, m.platform_b, m.winner, m.game_floor
		  FROM matches m
		  LEFT JOIN game_ratings gr
		    ON gr.timestamp = m.timestamp AND gr.id_a = m.id_a AND gr.id_b = m.id_b
		 WHERE gr.timestamp IS NULL
		 ORDER BY m.timestamp ASC
		 LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Match
	for rows.Next() {
		var m Match
		if err := rows.Scan(&m.Timestamp, &m.IDA, &m.NameA, &m.CharA, &m.PlatformA,
			&m.IDB, &m.NameB, &m.CharB, &m.PlatformB, &m.Winner, &m.GameFloor); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

type GameRating struct {
	Timestamp  int64
	IDA        int64
	ValueA     float64
	DeviationA float64
	IDB        int64
	ValueB     float64
	DeviationB float64
	Winner     int
	Valid      bool
}

func InsertGameRating(ctx context.Context, q Execer, g GameRating) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO game_ratings(timestamp, id_a, value_a, deviation_a, id_b, value_b, deviation_b, winner, valid)
		VALUES (?,?,?,?,?,?,?,?,?)
		ON CONFLICT(timestamp, id_a, id_b) DO NOTHING
	`, g.Timestamp, g.IDA, g.ValueA, g.DeviationA, g.IDB, g.ValueB, g.DeviationB, g.Winner, g.Valid)
	return err
}

// PlayerHistory returns every game_ratings row touching playerID, joined
// back to the originating match for opponent/character/floor context,
// newest first. The query package groups consecutive same-opponent,
// same-character, same-validity runs on top of this.
func PlayerHistory(ctx context.Context, q Execer, playerID int64, limit, offset int) ([]HistoryRow, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT m.timestamp, m.id_a, m.char_a, m.platform_a, m.id_b, m.char_b, m.platform_b,
		       m.winner, m.game_floor, gr.value_a, gr.deviation_a, gr.value_b, gr.deviation_b, gr.valid
		  FROM game_ratings gr
		  JOIN matches m ON m.timestamp = gr.timestamp AND m.id_a = gr.id_a AND m.id_b = gr.id_b
		 WHERE gr.id_a = ? OR gr.id_b = ?
		 ORDER BY m.timestamp DESC
		 LIMIT ? OFFSET ?
	`, playerID, playerID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []HistoryRow
	for rows.Next() {
		var h HistoryRow
		if err := rows.Scan(&h.Timestamp, &h.IDA, &h.CharA, &h.PlatformA, &h.IDB, &h.CharB, &h.PlatformB,
			&h.Winner, &h.GameFloor, &h.ValueA, &h.DeviationA, &h.ValueB, &h.DeviationB, &h.Valid); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

type HistoryRow struct {
	Timestamp  int64
	IDA        int64
	CharA      int
	PlatformA  string
	IDB        int64
	CharB      int
	PlatformB  string
	Winner     int
	GameFloor  int
	ValueA     float64
	DeviationA float64
	ValueB     float64
	DeviationB float64
	Valid      bool
}

// ---------------------------------------------------------------------
// player_matchups (one player's record against one opposing character)
// ---------------------------------------------------------------------

type PlayerMatchup struct {
	PlayerID         int64
	CharID           int
	OppCharID        int
	Value, Deviation float64
	Timestamp        int64
	Wins, Losses     int
}

func GetPlayerMatchup(ctx context.Context, q Execer, playerID int64, charID, oppCharID int) (PlayerMatchup, error) {
	var m PlayerMatchup
	err := q.QueryRowContext(ctx, `
		SELECT player_id, char_id, opp_char_id, rating_value, rating_deviation, rating_timestamp, wins, losses
		  FROM player_matchups WHERE player_id = ? AND char_id = ? AND opp_char_id = ?
	`, playerID, charID, oppCharID).Scan(&m.PlayerID, &m.CharID, &m.OppCharID, &m.Value, &m.Deviation, &m.Timestamp, &m.Wins, &m.Losses)
	return m, notFound(err)
}

func UpsertPlayerMatchup(ctx context.Context, q Execer, m PlayerMatchup) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO player_matchups(player_id, char_id, opp_char_id, rating_value, rating_deviation, rating_timestamp, wins, losses)
		VALUES (?,?,?,?,?,?,?,?)
		ON CONFLICT(player_id, char_id, opp_char_id) DO UPDATE SET
			rating_value=excluded.rating_value, rating_deviation=excluded.rating_deviation,
			rating_timestamp=excluded.rating_timestamp, wins=excluded.wins, losses=excluded.losses
	`, m.PlayerID, m.CharID, m.OppCharID, m.Value, m.Deviation, m.Timestamp, m.Wins, m.Losses)
	return err
}

func PlayerMatchupsDueForDecay(ctx context.Context, q Execer, now, period int64) ([]PlayerMatchup, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT player_id, char_id, opp_char_id, rating_value, rating_deviation, rating_timestamp, wins, losses
		  FROM player_matchups WHERE rating_timestamp + ? < ?
	`, period, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PlayerMatchup
	for rows.Next() {
		var m PlayerMatchup
		if err := rows.Scan(&m.PlayerID, &m.CharID, &m.OppCharID, &m.Value, &m.Deviation, &m.Timestamp, &m.Wins, &m.Losses); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------
// global matchup tables: global_matchups, top_100_matchups,
// top_1000_matchups, proportional_matchups. Same shape, different
// membership rule applied by the update package as each match is rated.
// ---------------------------------------------------------------------

type GlobalMatchup struct {
	CharID, OppCharID int
	Value, Deviation  float64
	Wins, Losses      int
}

// GlobalMatchupTable names one of the four tables above; it is a thin
// enum so the decay sweep, the updater and the query layer can share one
// set of functions instead of four copies.
type GlobalMatchupTable string

const (
	TableGlobalMatchups     GlobalMatchupTable = "global_matchups"
	TableTop100Matchups     GlobalMatchupTable = "top_100_matchups"
	TableTop1000Matchups    GlobalMatchupTable = "top_1000_matchups"
	TableProportionalMatchups GlobalMatchupTable = "proportional_matchups"
)

func GetGlobalMatchup(ctx context.Context, q Execer, table GlobalMatchupTable, charID, oppCharID int) (GlobalMatchup, error) {
	var m GlobalMatchup
	query := fmt.Sprintf(`SELECT char_id, opp_char_id, rating_value, rating_deviation, wins, losses FROM %s WHERE char_id = ? AND opp_char_id = ?`, string(table))
	err := q.QueryRowContext(ctx, query, charID, oppCharID).Scan(&m.CharID, &m.OppCharID, &m.Value, &m.Deviation, &m.Wins, &m.Losses)
	return m, notFound(err)
}

func UpsertGlobalMatchup(ctx context.Context, q Execer, table GlobalMatchupTable, m GlobalMatchup) error {
	query := fmt.Sprintf(`
		INSERT INTO %s(char_id, opp_char_id, rating_value, rating_deviation, wins, losses)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT(char_id, opp_char_id) DO UPDATE SET
			rating_value=excluded.rating_value, rating_deviation=excluded.rating_deviation,
			wins=excluded.wins, losses=excluded.losses
	`, string(table))
	_, err := q.ExecContext(ctx, query, m.CharID, m.OppCharID, m.Value, m.Deviation, m.Wins, m.Losses)
	return err
}

func ClearGlobalMatchupTable(ctx context.Context, q Execer, table GlobalMatchupTable) error {
	_, err := q.ExecContext(ctx, "DELETE FROM "+string(table))
	return err
}

func AllGlobalMatchups(ctx context.Context, q Execer, table GlobalMatchupTable) ([]GlobalMatchup, error) {
	query := fmt.Sprintf(`SELECT char_id, opp_char_id, rating_value, rating_deviation, wins, losses FROM %s`, string(table))
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []GlobalMatchup
	for rows.Next() {
		var m GlobalMatchup
		if err := rows.Scan(&m.CharID, &m.OppCharID, &m.Value, &m.Deviation, &m.Wins, &m.Losses); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------
// daily_ratings
// ---------------------------------------------------------------------

func InsertDailyRating(ctx context.Context, q Execer, playerID int64, charID int, day int64, value, deviation float64) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO daily_ratings(player_id, char_id, day, value, deviation) VALUES (?,?,?,?,?)
		ON CONFLICT(player_id, char_id, day) DO UPDATE SET value=excluded.value, deviation=excluded.deviation
	`, playerID, charID, day, value, deviation)
	return err
}

type DailyRating struct {
	Day       int64
	Value     float64
	Deviation float64
}

func PlayerDailyRatings(ctx context.Context, q Execer, playerID int64, charID int) ([]DailyRating, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT day, value, deviation FROM daily_ratings WHERE player_id = ? AND char_id = ? ORDER BY day ASC
	`, playerID, charID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DailyRating
	for rows.Next() {
		var d DailyRating
		if err := rows.Scan(&d.Day, &d.Value, &d.Deviation); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------
// ranking_global / ranking_character
// ---------------------------------------------------------------------

type RankingEntry struct {
	Rank     int
	PlayerID int64
	CharID   int
}

func ReplaceRankingGlobal(ctx context.Context, tx *sql.Tx, entries []RankingEntry) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM ranking_global`); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO ranking_global(global_rank, player_id, char_id) VALUES (?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.Rank, e.PlayerID, e.CharID); err != nil {
			return err
		}
	}
	return nil
}

func ReplaceRankingCharacter(ctx context.Context, tx *sql.Tx, charID int, entries []RankingEntry) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM ranking_character WHERE char_id = ?`, charID); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO ranking_character(char_id, character_rank, player_id) VALUES (?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, charID, e.Rank, e.PlayerID); err != nil {
			return err
		}
	}
	return nil
}

func PlayerGlobalRank(ctx context.Context, q Execer, playerID int64, charID int) (int, error) {
	var rank int
	err := q.QueryRowContext(ctx, `SELECT global_rank FROM ranking_global WHERE player_id = ? AND char_id = ?`, playerID, charID).Scan(&rank)
	return rank, notFound(err)
}

func PlayerCharacterRank(ctx context.Context, q Execer, playerID int64, charID int) (int, error) {
	var rank int
	err := q.QueryRowContext(ctx, `SELECT character_rank FROM ranking_character WHERE player_id = ? AND char_id = ?`, playerID, charID).Scan(&rank)
	return rank, notFound(err)
}

// RankedPlayer joins one ranking_global/ranking_character row back to the
// rating and player name the query layer's top-N views need.
type RankedPlayer struct {
	Rank      int
	PlayerID  int64
	Name      string
	CharID    int
	Value     float64
	Deviation float64
}

func TopRankingGlobal(ctx context.Context, q Execer, limit int) ([]RankedPlayer, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT rg.global_rank, rg.player_id, p.name, rg.char_id, pr.value, pr.deviation
		  FROM ranking_global rg
		  JOIN players p ON p.id = rg.player_id
		  JOIN player_ratings pr ON pr.player_id = rg.player_id AND pr.char_id = rg.char_id
		 ORDER BY rg.global_rank
		 LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	return scanRankedPlayers(rows)
}

func TopRankingCharacter(ctx context.Context, q Execer, charID, limit int) ([]RankedPlayer, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT rc.character_rank, rc.player_id, p.name, rc.char_id, pr.value, pr.deviation
		  FROM ranking_character rc
		  JOIN players p ON p.id = rc.player_id
		  JOIN player_ratings pr ON pr.player_id = rc.player_id AND pr.char_id = rc.char_id
		 WHERE rc.char_id = ?
		 ORDER BY rc.character_rank
		 LIMIT ?
	`, charID, limit)
	if err != nil {
		return nil, err
	}
	return scanRankedPlayers(rows)
}

func scanRankedPlayers(rows *sql.Rows) ([]RankedPlayer, error) {
	defer rows.Close()
	var out []RankedPlayer
	for rows.Next() {
		var r RankedPlayer
		if err := rows.Scan(&r.Rank, &r.PlayerID, &r.Name, &r.CharID, &r.Value, &r.Deviation); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// PlayerRatingsForPlayer returns every character a player has a rating
// row for, used by the query layer's "other characters" view.
func PlayerRatingsForPlayer(ctx context.Context, q Execer, playerID int64) ([]PlayerRating, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT player_id, char_id, value, deviation, wins, losses, last_decay
		  FROM player_ratings WHERE player_id = ?
		 ORDER BY deviation ASC
	`, playerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PlayerRating
	for rows.Next() {
		var r PlayerRating
		if err := rows.Scan(&r.PlayerID, &r.CharID, &r.Value, &r.Deviation, &r.Wins, &r.Losses, &r.LastDecay); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------
// distributions and popularity (C7)
// ---------------------------------------------------------------------

type FloorBucket struct {
	Floor       int
	PlayerCount int
	GameCount   int
}

func ReplaceFloorDistribution(ctx context.Context, tx *sql.Tx, buckets []FloorBucket) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM player_floor_distribution`); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO player_floor_distribution(floor, player_count, game_count) VALUES (?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, b := range buckets {
		if _, err := stmt.ExecContext(ctx, b.Floor, b.PlayerCount, b.GameCount); err != nil {
			return err
		}
	}
	return nil
}

func AllFloorBuckets(ctx context.Context, q Execer) ([]FloorBucket, error) {
	rows, err := q.QueryContext(ctx, `SELECT floor, player_count, game_count FROM player_floor_distribution ORDER BY floor`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []FloorBucket
	for rows.Next() {
		var b FloorBucket
		if err := rows.Scan(&b.Floor, &b.PlayerCount, &b.GameCount); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

type RatingBucket struct {
	MinRating      int
	MaxRating      int
	PlayerCount    int
	PlayerCountCum int
}

func ReplaceRatingDistribution(ctx context.Context, tx *sql.Tx, buckets []RatingBucket) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM player_rating_distribution`); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO player_rating_distribution(min_rating, max_rating, player_count, player_count_cum) VALUES (?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, b := range buckets {
		if _, err := stmt.ExecContext(ctx, b.MinRating, b.MaxRating, b.PlayerCount, b.PlayerCountCum); err != nil {
			return err
		}
	}
	return nil
}

func AllRatingBuckets(ctx context.Context, q Execer) ([]RatingBucket, error) {
	rows, err := q.QueryContext(ctx, `SELECT min_rating, max_rating, player_count, player_count_cum FROM player_rating_distribution ORDER BY min_rating`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RatingBucket
	for rows.Next() {
		var b RatingBucket
		if err := rows.Scan(&b.MinRating, &b.MaxRating, &b.PlayerCount, &b.PlayerCountCum); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func ReplaceCharacterPopularityGlobal(ctx context.Context, tx *sql.Tx, popularity map[int]float64) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM character_popularity_global`); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO character_popularity_global(char_id, popularity) VALUES (?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for charID, p := range popularity {
		if _, err := stmt.ExecContext(ctx, charID, p); err != nil {
			return err
		}
	}
	return nil
}

func AllCharacterPopularityGlobal(ctx context.Context, q Execer) (map[int]float64, error) {
	rows, err := q.QueryContext(ctx, `SELECT char_id, popularity FROM character_popularity_global`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[int]float64{}
	for rows.Next() {
		var charID int
		var p float64
		if err := rows.Scan(&charID, &p); err != nil {
			return nil, err
		}
		out[charID] = p
	}
	return out, rows.Err()
}

func CharacterPopularityForBracket(ctx context.Context, q Execer, bracket int) (map[int]float64, error) {
	rows, err := q.QueryContext(ctx, `SELECT char_id, popularity FROM character_popularity_rating WHERE bracket = ?`, bracket)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[int]float64{}
	for rows.Next() {
		var charID int
		var p float64
		if err := rows.Scan(&charID, &p); err != nil {
			return nil, err
		}
		out[charID] = p
	}
	return out, rows.Err()
}

// ReplaceCharacterPopularityRating repopulates one rating bracket's rows.
// The statistics job calls this once per bracket (spec.md's 13 brackets),
// so it only clears that bracket rather than the whole table.
func ReplaceCharacterPopularityRating(ctx context.Context, tx *sql.Tx, bracket int, popularity map[int]float64) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM character_popularity_rating WHERE bracket = ?`, bracket); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO character_popularity_rating(char_id, bracket, popularity) VALUES (?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for charID, p := range popularity {
		if _, err := stmt.ExecContext(ctx, charID, bracket, p); err != nil {
			return err
		}
	}
	return nil
}

type FraudEntry struct {
	CharID      int
	PlayerCount int
	AvgDelta    float64
}

// FraudTable names one of the three fraud_index variants (spec.md §3:
// all players, players rated above 1500, players rated above 1800).
type FraudTable string

const (
	FraudAll          FraudTable = "fraud_index"
	FraudHigherRated  FraudTable = "fraud_index_higher_rated"
	FraudHighestRated FraudTable = "fraud_index_highest_rated"
)

func AllFraudEntries(ctx context.Context, q Execer, table FraudTable) ([]FraudEntry, error) {
	rows, err := q.QueryContext(ctx, "SELECT char_id, player_count, avg_delta FROM "+string(table)+" ORDER BY avg_delta DESC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []FraudEntry
	for rows.Next() {
		var e FraudEntry
		if err := rows.Scan(&e.CharID, &e.PlayerCount, &e.AvgDelta); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func ReplaceFraudIndex(ctx context.Context, tx *sql.Tx, table FraudTable, entries []FraudEntry) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM "+string(table)); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`INSERT INTO %s(char_id, player_count, avg_delta) VALUES (?,?,?)`, string(table)))
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.CharID, e.PlayerCount, e.AvgDelta); err != nil {
			return err
		}
	}
	return nil
}

// ---------------------------------------------------------------------
// moderation: vip_status, hidden_status, cheater_status (C8)
// ---------------------------------------------------------------------

type ModerationEntry struct {
	PlayerID int64
	Status   string
	Notes    string
}

func setModeration(ctx context.Context, q Execer, table string, e ModerationEntry) error {
	_, err := q.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s(player_id, status, notes) VALUES (?,?,?)
		ON CONFLICT(player_id) DO UPDATE SET status=excluded.status, notes=excluded.notes
	`, table), e.PlayerID, e.Status, e.Notes)
	return err
}

func clearModeration(ctx context.Context, q Execer, table string, playerID int64) error {
	_, err := q.ExecContext(ctx, "DELETE FROM "+table+" WHERE player_id = ?", playerID)
	return err
}

func SetVIP(ctx context.Context, q Execer, e ModerationEntry) error       { return setModeration(ctx, q, "vip_status", e) }
func ClearVIP(ctx context.Context, q Execer, playerID int64) error       { return clearModeration(ctx, q, "vip_status", playerID) }
func SetHidden(ctx context.Context, q Execer, e ModerationEntry) error   { return setModeration(ctx, q, "hidden_status", e) }
func ClearHidden(ctx context.Context, q Execer, playerID int64) error    { return clearModeration(ctx, q, "hidden_status", playerID) }
func SetCheater(ctx context.Context, q Execer, e ModerationEntry) error  { return setModeration(ctx, q, "cheater_status", e) }
func ClearCheater(ctx context.Context, q Execer, playerID int64) error   { return clearModeration(ctx, q, "cheater_status", playerID) }

func IsCheater(ctx context.Context, q Execer, playerID int64) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM cheater_status WHERE player_id = ?`, playerID).Scan(&n)
	return n > 0, err
}

func IsHidden(ctx context.Context, q Execer, playerID int64) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM hidden_status WHERE player_id = ?`, playerID).Scan(&n)
	return n > 0, err
}

// OpponentsOf returns every distinct player the given player has faced.
// Nothing in this module calls it; moderation's rollback reads
// game_ratings directly.
func OpponentsOf(ctx context.Context, q Execer, playerID int64) ([]int64, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT DISTINCT CASE WHEN id_a = ? THEN id_b ELSE id_a END
		  FROM matches WHERE id_a = ? OR id_b = ?
	`, playerID, playerID, playerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------
// config (single row: last_update watermark)
// ---------------------------------------------------------------------

func LastUpdate(ctx context.Context, q Execer) (int64, error) {
	var ts int64
	err := q.QueryRowContext(ctx, `SELECT last_update FROM config LIMIT 1`).Scan(&ts)
	return ts, err
}

func SetLastUpdate(ctx context.Context, q Execer, ts int64) error {
	_, err := q.ExecContext(ctx, `UPDATE config SET last_update = ?`, ts)
	return err
}
