// Package replay defines the contract for the external match-result feed
// that the ingestor (package ingest) consumes. No concrete HTTP
// implementation ships here: the Steam-ticket auth dance and the
// game-service wire format are out of scope, same as spec.md states. Only
// the interface, the in-memory record type, and a test double live here.
package replay

import (
	"context"
	"time"
)

// Replay is one match result as handed to the ingestor. Floor is 1-10, or
// 99 for the top "celestial" tier. Winner is 1 or 2, naming player A or B.
type Replay struct {
	Timestamp time.Time
	Floor     int
	IDA       uint64
	NameA     string
	PlatformA string
	CharA     int
	IDB       uint64
	NameB     string
	PlatformB string
	CharB     int
	Winner    int
}

// Source fetches the most recent pages of replays. The concrete
// implementation (reached through a platform ticket exchange against the
// external game service) is out of scope; callers only ever see this
// interface.
type Source interface {
	FetchReplays(ctx context.Context, pages int) ([]Replay, error)
}
