// Package config loads the environment-variable configuration for the
// ratingd binary, in the same getenv/atoiDef shape the teacher's
// main.go uses for its own bootstrap.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds every environment-derived setting the composition root
// needs. Zero value is not meaningful; always build via Load.
type Config struct {
	DatabasePath string
	LogFile      string
	RedisURL     string // empty disables the query cache
	MetricsAddr  string // empty disables the internal metrics listener
	autoMigrate  bool

	IngestTickSeconds int
	IngestPagesFirst  int
	IngestPagesNext   int

	RatingPeriodSeconds     int64
	RankingPeriodSeconds    int64
	StatisticsPeriodSeconds int64

	UpdateBatchLimit int

	CharacterCount int
}

// AutoMigrate reports whether the composition root should apply the
// schema on startup, mirroring the teacher's AUTO_MIGRATE flag. The
// explicit init/reset subcommands always migrate regardless of this.
func (c Config) AutoMigrate() bool { return c.autoMigrate }

// Load reads .env (if present, dev convenience only) then the process
// environment, applying the same defaults the teacher's getenv/atoiDef
// helpers apply.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		DatabasePath: getenv("DATABASE_PATH", "ratings.sqlite"),
		LogFile:      getenv("LOG_FILE", "ratingd.log"),
		RedisURL:     getenv("REDIS_URL", ""),
		MetricsAddr:  getenv("METRICS_ADDR", ""),
		autoMigrate:  asBool(getenv("AUTO_MIGRATE", "")),

		IngestTickSeconds: atoiDef(getenv("INGEST_TICK_SECONDS", ""), 60),
		IngestPagesFirst:  atoiDef(getenv("INGEST_PAGES_FIRST", ""), 100),
		IngestPagesNext:   atoiDef(getenv("INGEST_PAGES_NEXT", ""), 10),

		RatingPeriodSeconds:     int64(atoiDef(getenv("RATING_PERIOD_SECONDS", ""), 3600)),
		RankingPeriodSeconds:    int64(atoiDef(getenv("RANKING_PERIOD_SECONDS", ""), 3600)),
		StatisticsPeriodSeconds: int64(atoiDef(getenv("STATISTICS_PERIOD_SECONDS", ""), 86400)),

		UpdateBatchLimit: atoiDef(getenv("UPDATE_BATCH_LIMIT", ""), 250000),

		CharacterCount: atoiDef(getenv("CHARACTER_COUNT", ""), 32),
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func atoiDef(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func asBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "y", "on":
		return true
	default:
		return false
	}
}

