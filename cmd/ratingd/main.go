// Command ratingd is the composition root: it wires the store, the
// optional query cache, the internal metrics registry, and the rating
// pipeline (C3-C9), then either runs the ingest+statistics daemon loops
// forever or executes one of the administrative subcommands below.
//
// Dispatch is a plain scan of os.Args[1:], the same shape the reference
// engine's own entrypoint uses; no flag-parsing framework is involved.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	container "github.com/golobby/container/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"ratingd/cache"
	"ratingd/config"
	"ratingd/decay"
	"ratingd/ingest"
	"ratingd/moderation"
	"ratingd/ranking"
	"ratingd/replay"
	"ratingd/statsagg"
	"ratingd/store"
	"ratingd/telemetry"
	"ratingd/update"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg := config.Load()
	log := newLogger(cfg.LogFile)

	c := container.New()
	if err := bind(c, cfg, log); err != nil {
		log.WithError(err).Error("composition root: bind failed")
		return 1
	}

	var db *store.DB
	if err := c.Resolve(&db); err != nil {
		log.WithError(err).Error("composition root: resolve store.DB")
		return 1
	}
	defer db.Close()

	if len(args) == 0 {
		return runDaemon(c, cfg, log)
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "init":
		return cmdInit(db, log)
	case "reset":
		return cmdReset(db, log)
	case "update":
		return cmdUpdate(c, cfg, log)
	case "rankings":
		return cmdRankings(c, db, cfg, log)
	case "fraud":
		return cmdFraud(db, log)
	case "decay":
		return cmdDecay(c, db, cfg, log)
	case "pull":
		return cmdPull(c, cfg, log)
	case "mark_cheater":
		return cmdMarkCheater(c, db, rest, log)
	case "mark_vip":
		return cmdMarkVIP(db, rest, log)
	case "mark_hidden":
		return cmdMarkHidden(db, rest, log)
	case "names":
		return cmdNames(db, log)
	case "distribution":
		return cmdDistribution(db, cfg, log)
	default:
		log.WithField("subcommand", cmd).Error("unrecognized subcommand")
		return 1
	}
}

// newLogger mirrors the teacher's stdout+file setup, but via logrus's
// io.MultiWriter instead of the bare log package.
func newLogger(path string) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		log.WithError(err).Warn("could not open log file, logging to stdout only")
		return log
	}
	log.SetOutput(io.MultiWriter(os.Stdout, f))
	return log
}

// bind registers every long-lived dependency as a container singleton,
// the same role ContainerBuilder plays in the sibling service this
// pattern is grounded on: every component below resolves its
// dependencies through c instead of a hand-wired constructor chain.
func bind(c container.Container, cfg config.Config, log *logrus.Logger) error {
	if err := c.Singleton(func() (*store.DB, error) {
		db, err := store.Open(cfg.DatabasePath)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		if cfg.AutoMigrate() {
			if err := db.Migrate(context.Background()); err != nil {
				return nil, fmt.Errorf("migrate store: %w", err)
			}
		}
		return db, nil
	}); err != nil {
		return fmt.Errorf("bind store.DB: %w", err)
	}

	if err := c.Singleton(func() (*cache.Cache, error) {
		ch, err := cache.NewCache(cfg.RedisURL, 30*time.Second)
		if err != nil {
			log.WithError(err).Warn("query cache disabled")
			return nil, nil
		}
		return ch, nil
	}); err != nil {
		return fmt.Errorf("bind cache.Cache: %w", err)
	}

	metrics, registry := telemetry.NewMetrics()
	if err := c.Singleton(func() (*telemetry.Metrics, error) { return metrics, nil }); err != nil {
		return fmt.Errorf("bind telemetry.Metrics: %w", err)
	}
	if err := c.Singleton(func() (*prometheus.Registry, error) { return registry, nil }); err != nil {
		return fmt.Errorf("bind prometheus.Registry: %w", err)
	}

	// No concrete replay.Source ships in this repo (the Steam ticket
	// exchange and external wire format are out of scope); bind a
	// nilSource so the container always has something to resolve. Every
	// fetch on the paths that need replays (pull, the ingest loop) then
	// logs a warning and ingests nothing; the process still starts.
	if err := c.Singleton(func() replay.Source { return nilSource{} }); err != nil {
		return fmt.Errorf("bind replay.Source: %w", err)
	}

	if err := c.Singleton(func() (*update.Updater, error) {
		var db *store.DB
		if err := c.Resolve(&db); err != nil {
			return nil, err
		}
		var m *telemetry.Metrics
		if err := c.Resolve(&m); err != nil {
			return nil, err
		}
		var ch *cache.Cache
		_ = c.Resolve(&ch)
		return update.New(db, m, ch, cfg.RatingPeriodSeconds), nil
	}); err != nil {
		return fmt.Errorf("bind update.Updater: %w", err)
	}

	if err := c.Singleton(func() (*ingest.Ingestor, error) {
		var db *store.DB
		if err := c.Resolve(&db); err != nil {
			return nil, err
		}
		var src replay.Source
		if err := c.Resolve(&src); err != nil {
			return nil, err
		}
		var u *update.Updater
		if err := c.Resolve(&u); err != nil {
			return nil, err
		}
		var m *telemetry.Metrics
		if err := c.Resolve(&m); err != nil {
			return nil, err
		}
		return &ingest.Ingestor{
			DB: db, Source: src, Updater: u, Metrics: m,
			PagesFirst: cfg.IngestPagesFirst, PagesNext: cfg.IngestPagesNext,
		}, nil
	}); err != nil {
		return fmt.Errorf("bind ingest.Ingestor: %w", err)
	}

	return nil
}

// nilSource reports errNoSource on every fetch; ingest.Tick logs and
// swallows it like any other transient fetch failure. A real deployment
// replaces this binding with a concrete replay.Source.
type nilSource struct{}

var errNoSource = fmt.Errorf("no replay.Source configured")

func (nilSource) FetchReplays(ctx context.Context, pages int) ([]replay.Replay, error) {
	return nil, errNoSource
}

// runDaemon starts T1 (ingest) and T2 (decay/ranking/statistics) and
// blocks until either returns an error or a termination signal arrives.
func runDaemon(c container.Container, cfg config.Config, log *logrus.Logger) int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var stopping atomic.Bool
	watchSignals(cancel, &stopping, log)

	var in *ingest.Ingestor
	if err := c.Resolve(&in); err != nil {
		log.WithError(err).Error("resolve ingest.Ingestor")
		return 1
	}
	var db *store.DB
	if err := c.Resolve(&db); err != nil {
		log.WithError(err).Error("resolve store.DB")
		return 1
	}
	var ch *cache.Cache
	_ = c.Resolve(&ch)
	var m *telemetry.Metrics
	if err := c.Resolve(&m); err != nil {
		log.WithError(err).Error("resolve telemetry.Metrics")
		return 1
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return tickLoop(gctx, time.Duration(cfg.IngestTickSeconds)*time.Second, log, "ingest", func() error {
			return in.Tick(gctx)
		})
	})

	g.Go(func() error {
		return tickLoop(gctx, time.Duration(cfg.RankingPeriodSeconds)*time.Second, log, "statistics", func() error {
			return runStatisticsPass(gctx, db, ch, m, cfg, log)
		})
	})

	if cfg.MetricsAddr != "" {
		var reg *prometheus.Registry
		if err := c.Resolve(&reg); err != nil {
			log.WithError(err).Error("resolve prometheus.Registry")
			return 1
		}
		g.Go(func() error {
			return telemetry.Serve(gctx, cfg.MetricsAddr, reg)
		})
	}

	if err := g.Wait(); err != nil && gctx.Err() == nil {
		log.WithError(err).Error("daemon loop exited with error")
		return 1
	}
	return 0
}

// tickLoop runs fn immediately, then every period, until ctx is done. A
// returned error from fn is logged and swallowed — a single bad tick
// must never bring down the whole daemon — except context cancellation,
// which ends the loop cleanly.
func tickLoop(ctx context.Context, period time.Duration, log *logrus.Logger, name string, fn func() error) error {
	t := time.NewTicker(period)
	defer t.Stop()

	run := func() {
		if err := fn(); err != nil {
			log.WithError(err).WithField("loop", name).Error("tick failed")
		}
	}
	run()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			run()
		}
	}
}

// runStatisticsPass drives T2's per-tick work: decay, then rankings,
// then (far less often, gated on its own period) the slower aggregate
// statistics rebuild.
func runStatisticsPass(ctx context.Context, db *store.DB, ch *cache.Cache, m *telemetry.Metrics, cfg config.Config, log *logrus.Logger) error {
	now := time.Now().Unix()

	if _, err := decay.SweepPlayers(ctx, db, now, cfg.RatingPeriodSeconds); err != nil {
		return fmt.Errorf("sweep players: %w", err)
	}
	if err := decay.SweepGlobalMatchups(ctx, db); err != nil {
		return fmt.Errorf("sweep global matchups: %w", err)
	}
	if m != nil {
		m.LastDecayCycle.Set(float64(now))
	}

	if err := ranking.Rebuild(ctx, db, ch, cfg.CharacterCount); err != nil {
		return fmt.Errorf("rebuild rankings: %w", err)
	}
	if m != nil {
		m.LastRankingCycle.Set(float64(now))
	}

	if now%cfg.StatisticsPeriodSeconds < cfg.RankingPeriodSeconds {
		if err := statsagg.UpdateDistributions(ctx, db, now); err != nil {
			return fmt.Errorf("update distributions: %w", err)
		}
		if err := statsagg.UpdateCharacterPopularity(ctx, db, now, cfg.CharacterCount); err != nil {
			return fmt.Errorf("update character popularity: %w", err)
		}
		if err := statsagg.UpdateFraudIndex(ctx, db); err != nil {
			return fmt.Errorf("update fraud index: %w", err)
		}
		if m != nil {
			m.LastStatisticsCycle.Set(float64(now))
		}
		log.Info("statistics snapshot rebuilt")
	}
	return nil
}

// watchSignals cancels ctx on the first SIGINT/SIGTERM and force-exits
// the process on a second, mirroring the teacher's stopFlag/watchSignals
// two-strikes pattern.
func watchSignals(cancel context.CancelFunc, stopping *atomic.Bool, log *logrus.Logger) {
	sig := make(chan os.Signal, 2)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		stopping.Store(true)
		log.Warn("shutdown signal received, draining in-flight ticks")
		cancel()
		<-sig
		log.Warn("second shutdown signal received, exiting immediately")
		os.Exit(1)
	}()
}

func cmdInit(db *store.DB, log *logrus.Logger) int {
	if err := db.Migrate(context.Background()); err != nil {
		log.WithError(err).Error("init: migrate")
		return 1
	}
	log.Info("schema initialized")
	return 0
}

func cmdReset(db *store.DB, log *logrus.Logger) int {
	if err := db.Reset(context.Background()); err != nil {
		log.WithError(err).Error("reset: drop+recreate")
		return 1
	}
	log.Info("schema reset")
	return 0
}

// cmdUpdate drains every unrated match through C4 and rebuilds rankings,
// repeating until DrainUnrated reports nothing left to do.
func cmdUpdate(c container.Container, cfg config.Config, log *logrus.Logger) int {
	ctx := context.Background()
	var u *update.Updater
	if err := c.Resolve(&u); err != nil {
		log.WithError(err).Error("update: resolve updater")
		return 1
	}
	var db *store.DB
	if err := c.Resolve(&db); err != nil {
		log.WithError(err).Error("update: resolve store")
		return 1
	}
	var ch *cache.Cache
	_ = c.Resolve(&ch)

	total := 0
	for {
		n, err := u.DrainUnrated(ctx, cfg.UpdateBatchLimit)
		if err != nil {
			log.WithError(err).Error("update: drain unrated")
			return 1
		}
		total += n
		if n == 0 {
			break
		}
	}
	if err := ranking.Rebuild(ctx, db, ch, cfg.CharacterCount); err != nil {
		log.WithError(err).Error("update: rebuild rankings")
		return 1
	}
	log.WithField("rated", total).Info("update complete")
	return 0
}

func cmdRankings(c container.Container, db *store.DB, cfg config.Config, log *logrus.Logger) int {
	var ch *cache.Cache
	_ = c.Resolve(&ch)
	if err := ranking.Rebuild(context.Background(), db, ch, cfg.CharacterCount); err != nil {
		log.WithError(err).Error("rankings: rebuild")
		return 1
	}
	log.Info("rankings rebuilt")
	return 0
}

func cmdFraud(db *store.DB, log *logrus.Logger) int {
	if err := statsagg.UpdateFraudIndex(context.Background(), db); err != nil {
		log.WithError(err).Error("fraud: rebuild")
		return 1
	}
	log.Info("fraud index rebuilt")
	return 0
}

func cmdDecay(c container.Container, db *store.DB, cfg config.Config, log *logrus.Logger) int {
	ctx := context.Background()
	now := time.Now().Unix()
	n, err := decay.SweepPlayers(ctx, db, now, cfg.RatingPeriodSeconds)
	if err != nil {
		log.WithError(err).Error("decay: sweep players")
		return 1
	}
	if err := decay.SweepGlobalMatchups(ctx, db); err != nil {
		log.WithError(err).Error("decay: sweep global matchups")
		return 1
	}
	var m *telemetry.Metrics
	if err := c.Resolve(&m); err == nil && m != nil {
		m.LastDecayCycle.Set(float64(now))
	}
	log.WithField("players", n).Info("decay sweep complete")
	return 0
}

// cmdPull runs a single ingestion pass of 100 pages, per spec.md §7.
func cmdPull(c container.Container, cfg config.Config, log *logrus.Logger) int {
	var in *ingest.Ingestor
	if err := c.Resolve(&in); err != nil {
		log.WithError(err).Error("pull: resolve ingestor")
		return 1
	}
	in.PagesFirst = 100
	in.PagesNext = 100
	if err := in.Tick(context.Background()); err != nil {
		log.WithError(err).Error("pull: tick")
		return 1
	}
	log.Info("pull complete")
	return 0
}

// cmdMarkCheater dry-runs (prints proposed offsets only) when the type
// is omitted, and applies the rollback when given, per spec.md §7.
func cmdMarkCheater(c container.Container, db *store.DB, args []string, log *logrus.Logger) int {
	if len(args) < 1 {
		log.Error("mark_cheater: usage: mark_cheater <hex-id> [type] [notes]")
		return 1
	}
	id, err := parseHexID(args[0])
	if err != nil {
		log.WithError(err).Error("mark_cheater: bad hex id")
		return 1
	}

	ctx := context.Background()
	if len(args) < 2 {
		offsets, err := moderation.ComputeCheaterRollback(ctx, db, id)
		if err != nil {
			log.WithError(err).Error("mark_cheater: compute rollback")
			return 1
		}
		for k, delta := range offsets {
			fmt.Printf("player=%d char=%d offset=%+.2f\n", k.PlayerID, k.CharID, delta)
		}
		return 0
	}

	cheaterType := args[1]
	notes := ""
	if len(args) > 2 {
		notes = args[2]
	}
	var m *telemetry.Metrics
	_ = c.Resolve(&m)
	if err := moderation.MarkCheater(ctx, db, m, id, cheaterType, notes); err != nil {
		log.WithError(err).Error("mark_cheater: apply")
		return 1
	}
	log.WithField("player", id).Info("marked cheater and reversed opponent rating impact")
	return 0
}

func cmdMarkVIP(db *store.DB, args []string, log *logrus.Logger) int {
	if len(args) < 2 {
		log.Error("mark_vip: usage: mark_vip <hex-id> <notes>")
		return 1
	}
	id, err := parseHexID(args[0])
	if err != nil {
		log.WithError(err).Error("mark_vip: bad hex id")
		return 1
	}
	if err := moderation.SetVIP(context.Background(), db, id, args[1]); err != nil {
		log.WithError(err).Error("mark_vip: apply")
		return 1
	}
	log.WithField("player", id).Info("marked vip")
	return 0
}

func cmdMarkHidden(db *store.DB, args []string, log *logrus.Logger) int {
	if len(args) < 2 {
		log.Error("mark_hidden: usage: mark_hidden <hex-id> <notes>")
		return 1
	}
	id, err := parseHexID(args[0])
	if err != nil {
		log.WithError(err).Error("mark_hidden: bad hex id")
		return 1
	}
	if err := moderation.SetHidden(context.Background(), db, id, args[1]); err != nil {
		log.WithError(err).Error("mark_hidden: apply")
		return 1
	}
	log.WithField("player", id).Info("marked hidden")
	return 0
}

// cmdNames and cmdDistribution are supplemented one-off rebuild
// commands: the query layer composes other-names and distribution
// snapshots from live tables, so there is nothing to precompute for
// names, and distribution just re-runs the same aggregation statsagg's
// daemon loop would perform on its own schedule.
func cmdNames(db *store.DB, log *logrus.Logger) int {
	var count int
	if err := db.QueryRowContext(context.Background(), `SELECT COUNT(*) FROM player_names`).Scan(&count); err != nil {
		log.WithError(err).Error("names: count")
		return 1
	}
	log.WithField("rows", count).Info("player_names is maintained incrementally by ingest; nothing to rebuild")
	return 0
}

func cmdDistribution(db *store.DB, cfg config.Config, log *logrus.Logger) int {
	ctx := context.Background()
	now := time.Now().Unix()
	if err := statsagg.UpdateDistributions(ctx, db, now); err != nil {
		log.WithError(err).Error("distribution: update")
		return 1
	}
	if err := statsagg.UpdateCharacterPopularity(ctx, db, now, cfg.CharacterCount); err != nil {
		log.WithError(err).Error("distribution: character popularity")
		return 1
	}
	log.Info("distribution rebuilt")
	return 0
}

func parseHexID(s string) (int64, error) {
	n, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("parse hex id %q: %w", s, err)
	}
	return int64(n), nil
}
