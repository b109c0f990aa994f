// Package migrate defines the schema release sequence and the forward-only
// migration procedures that walk a store from one release to the next,
// grounded on the teacher's versioned-migration runner
// (internal/db/migrations.go's []migration table and _meta tracking row),
// generalized to a per-(from,to,backend) procedure keyed off RELEASE_ORDER
// rather than a single linear integer version.
package migrate

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/openwallet-labs/agentstore/internal/store/backend"
)

// Release is a linearly ordered schema version identifier.
type Release string

const (
	Release0   Release = "release_0"
	Release0_1 Release = "release_0_1"
	Release0_2 Release = "release_0_2"
)

// RELEASE_ORDER lists every known release in ascending order. Only forward
// migrations (strictly increasing index) are defined.
var RELEASE_ORDER = []Release{Release0, Release0_1, Release0_2}

// indexOf returns r's position in RELEASE_ORDER, or -1 if unknown.
func indexOf(r Release) int {
	for i, v := range RELEASE_ORDER {
		if v == r {
			return i
		}
	}
	return -1
}

// Follows reports whether to strictly follows from in RELEASE_ORDER.
func Follows(from, to Release) bool {
	fi, ti := indexOf(from), indexOf(to)
	return fi >= 0 && ti >= 0 && ti > fi
}

// Procedure transforms schema and data from one release to the next for a
// specific backend. tx is the transaction Apply begins for this step; Apply
// commits it when the procedure succeeds and rolls it back when it fails.
type Procedure func(ctx context.Context, tx *sql.Tx) error

// key identifies one adjacent-release migration for one backend.
type key struct {
	from, to Release
	tag      backend.Tag
}

var procedures = map[key]Procedure{}

// Register associates a Procedure with the (from, to, backend) triple.
// from and to must be adjacent in RELEASE_ORDER; callers (backend
// packages) register these from their own init().
func Register(from, to Release, tag backend.Tag, proc Procedure) {
	procedures[key{from, to, tag}] = proc
}

// ErrDowngrade is returned when apply is asked to migrate backwards.
var ErrDowngrade = fmt.Errorf("migrate: downward migrations are not supported")

// Apply walks RELEASE_ORDER from `from` to `to`, applying each adjacent
// migration in turn over db. A missing procedure for an adjacent pair is
// not an error: the pair is assumed to require no schema change, and any
// warning is left to the caller rather than logged here, keeping this
// package free of a logging dependency.
//
// Returns the list of (from, to) pairs that had no registered procedure,
// so the caller can log them, and an error if `to` does not strictly
// follow `from`, or if any procedure fails.
func Apply(ctx context.Context, db *sql.DB, from, to Release, tag backend.Tag) (skipped []string, err error) {
	if !Follows(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrDowngrade, from, to)
	}
	fi, ti := indexOf(from), indexOf(to)
	for i := fi; i < ti; i++ {
		step := key{RELEASE_ORDER[i], RELEASE_ORDER[i+1], tag}
		proc, ok := procedures[step]
		if !ok {
			skipped = append(skipped, fmt.Sprintf("%s->%s", step.from, step.to))
			continue
		}
		tx, txErr := db.BeginTx(ctx, nil)
		if txErr != nil {
			return skipped, fmt.Errorf("migrate %s->%s: begin: %w", step.from, step.to, txErr)
		}
		if procErr := proc(ctx, tx); procErr != nil {
			_ = tx.Rollback()
			return skipped, fmt.Errorf("migrate %s->%s: %w", step.from, step.to, procErr)
		}
		if commitErr := tx.Commit(); commitErr != nil {
			return skipped, fmt.Errorf("migrate %s->%s: commit: %w", step.from, step.to, commitErr)
		}
	}
	return skipped, nil
}
