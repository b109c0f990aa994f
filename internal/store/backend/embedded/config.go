// Package embedded implements the single-file store engine backend on top
// of modernc.org/sqlite, grounded on the pack's pure-Go embedded-SQLite
// usage (houx15-agenterm/internal/db/db.go) for driver wiring and the
// teacher's internal/storage/connstring.go for DSN/pragma construction.
package embedded

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/openwallet-labs/agentstore/internal/store/pool"
)

// Config holds the embedded backend's explicit, enumerated settings,
// replacing the open-ended configuration map the REDESIGN FLAGS in
// spec.md §9 reject.
type Config struct {
	Path       string // filesystem path or ":memory:"
	ReadOnly   bool
	Pool       pool.Config
	EncryptKey []byte // optional; rekey/encryption-at-rest hook, not enforced here
}

// ParseConfig parses a sqlite:// URI into a Config. Query parameters are
// ignored on this backend per spec.md §6: pool settings are passed via the
// config struct, not the URI, for the embedded engine. rawURI's path is
// taken verbatim rather than through net/url's host/path split, since
// ":memory:" is not a valid URI authority and would otherwise be mangled.
func ParseConfig(rawURI string) (Config, error) {
	const prefix = "sqlite://"
	path := rawURI
	if strings.HasPrefix(path, prefix) {
		path = path[len(prefix):]
	} else if strings.HasPrefix(path, "sqlite:") {
		path = path[len("sqlite:"):]
	}
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return Config{}, fmt.Errorf("embedded: sqlite:// URI has an empty path")
	}
	cfg := Config{Path: path, Pool: pool.DefaultConfig()}
	cfg.Pool.MaxSize = 1 // a single-file engine serializes writers; one physical connection avoids SQLITE_BUSY storms
	cfg.Pool.MinSize = 1
	return cfg, nil
}

// DSN builds the modernc.org/sqlite connection string with the standard
// pragmas: busy_timeout (avoids "database is locked" under concurrency),
// foreign_keys (referential integrity), and time_format. Honors the
// AGENTSTORE_LOCK_TIMEOUT env var for the busy timeout (default 30s).
func (c Config) DSN() string {
	path := strings.TrimSpace(c.Path)
	if path == "" {
		return ""
	}

	busy := 30 * time.Second
	if v := strings.TrimSpace(os.Getenv("AGENTSTORE_LOCK_TIMEOUT")); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			busy = d
		}
	}
	busyMs := busy / time.Millisecond

	if path == ":memory:" {
		return fmt.Sprintf("file::memory:?cache=shared&_pragma=foreign_keys(ON)&_pragma=busy_timeout(%d)", busyMs)
	}

	mode := ""
	if c.ReadOnly {
		mode = "&mode=ro"
	}
	return fmt.Sprintf("file:%s?_pragma=foreign_keys(ON)&_pragma=busy_timeout(%d)&_time_format=sqlite%s",
		path, busyMs, mode)
}
