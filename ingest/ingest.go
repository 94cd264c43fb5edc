// Package ingest implements the periodic match fetcher (C3): ask the
// external replay source for the most recent pages, dedup-insert into
// matches, upsert player identity rows, and hand the newly inserted
// matches straight to the rating updater in the same tick.
package ingest

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"ratingd/replay"
	"ratingd/store"
	"ratingd/telemetry"
	"ratingd/update"
)

// Ingestor owns one tick of the ingest loop: fetch, dedup, persist,
// rate. PagesFirst is used on the very first tick (a cold start wants a
// deep replay window); every subsequent tick uses PagesNext. Metrics is
// optional; a nil Metrics just means no counters are incremented.
type Ingestor struct {
	DB         *store.DB
	Source     replay.Source
	Updater    *update.Updater
	Metrics    *telemetry.Metrics
	PagesFirst int
	PagesNext  int

	ticked bool
}

// Tick runs one ingest cycle: fetch, insert, rate. A fetch error is
// logged and swallowed so the caller's loop keeps ticking.
func (in *Ingestor) Tick(ctx context.Context) error {
	pages := in.PagesNext
	if !in.ticked {
		pages = in.PagesFirst
	}
	in.ticked = true

	replays, err := in.Source.FetchReplays(ctx, pages)
	if err != nil {
		logrus.WithError(err).WithField("component", "ingest").Warn("fetch replays failed")
		return nil
	}
	if len(replays) == 0 {
		logrus.WithField("component", "ingest").Warn("external replay source returned nothing; servers down?")
		return nil
	}

	inserted, err := in.persist(ctx, replays)
	if err != nil {
		return fmt.Errorf("ingest: persist: %w", err)
	}

	if in.Metrics != nil {
		in.Metrics.ReplaysFetched.Add(float64(len(replays)))
		in.Metrics.ReplaysDeduped.Add(float64(len(replays) - len(inserted)))
	}

	if len(inserted) == len(replays) {
		logrus.WithFields(logrus.Fields{"component": "ingest", "pages": pages}).
			Warn("every fetched replay was new; page count may be too low to cover the gap between ticks")
	}

	if len(inserted) == 0 {
		return nil
	}

	rated, invalid, err := in.Updater.ProcessMatches(ctx, inserted)
	if err != nil {
		return fmt.Errorf("ingest: rate new matches: %w", err)
	}
	logrus.WithFields(logrus.Fields{
		"component": "ingest", "fetched": len(replays), "inserted": len(inserted),
		"rated": rated, "invalid": invalid,
	}).Info("ingest tick complete")
	return nil
}

// persist inserts every new replay into matches and upserts both
// players' identity rows, all in one transaction, returning the subset
// that was actually newly inserted in their original order.
func (in *Ingestor) persist(ctx context.Context, replays []replay.Replay) ([]store.Match, error) {
	tx, err := in.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var inserted []store.Match
	for _, r := range replays {
		m := toMatch(r)
		ok, err := store.InsertMatch(ctx, tx, m)
		if err != nil {
			return nil, fmt.Errorf("insert match: %w", err)
		}
		if !ok {
			continue
		}

		if err := store.UpsertPlayer(ctx, tx, store.Player{ID: m.IDA, Name: m.NameA, Floor: m.GameFloor, Platform: m.PlatformA}); err != nil {
			return nil, fmt.Errorf("upsert player a: %w", err)
		}
		if err := store.RecordPlayerName(ctx, tx, m.IDA, m.NameA); err != nil {
			return nil, fmt.Errorf("record name a: %w", err)
		}
		if err := store.UpsertPlayer(ctx, tx, store.Player{ID: m.IDB, Name: m.NameB, Floor: m.GameFloor, Platform: m.PlatformB}); err != nil {
			return nil, fmt.Errorf("upsert player b: %w", err)
		}
		if err := store.RecordPlayerName(ctx, tx, m.IDB, m.NameB); err != nil {
			return nil, fmt.Errorf("record name b: %w", err)
		}

		inserted = append(inserted, m)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return inserted, nil
}

func toMatch(r replay.Replay) store.Match {
	return store.Match{
		Timestamp: r.Timestamp.Unix(),
		IDA:       int64(r.IDA),
		NameA:     r.NameA,
		CharA:     r.CharA,
		PlatformA: r.PlatformA,
		IDB:       int64(r.IDB),
		NameB:     r.NameB,
		CharB:     r.CharB,
		PlatformB: r.PlatformB,
		Winner:    r.Winner,
		GameFloor: r.Floor,
	}
}

