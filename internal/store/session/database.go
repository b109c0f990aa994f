// Package session implements the Database/Session/Transaction state machine
// that sits between a live backend.Result and a caller: the active-session
// set, the background leak monitor, store-scope scan, and profile
// management. Grounded on the teacher's DoltStore lifecycle
// (internal/storage/dolt/store.go: pool ownership, withRetry, close-drains-
// background-tasks-first), generalized from one fixed MySQL/Dolt connection
// to the backend-agnostic pool.Pool this domain uses.
package session

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/openwallet-labs/agentstore/internal/store/backend"
	"github.com/openwallet-labs/agentstore/internal/store/handler"
	"github.com/openwallet-labs/agentstore/internal/store/migrate"
	"github.com/openwallet-labs/agentstore/internal/store/pool"
	"github.com/openwallet-labs/agentstore/internal/store/registry"
	"github.com/openwallet-labs/agentstore/internal/store/schemactx"
	"github.com/openwallet-labs/agentstore/internal/store/storeerr"
	"github.com/openwallet-labs/agentstore/internal/store/telemetry"
)

// Config bounds a Database's session lifecycle policy.
type Config struct {
	// MaxSessions caps len(active); 0 defaults to 0.75 * the pool's MaxSize.
	MaxSessions int
	// LeakThreshold is the age at which the background monitor force-closes
	// an active session. 0 defaults to 5s.
	LeakThreshold time.Duration
	// EnterRetries bounds how many times Session/Transaction retries a
	// transient acquire failure before giving up with ConnectionError.
	EnterRetries int
}

func (c Config) withDefaults(poolMaxSize int) Config {
	if c.MaxSessions <= 0 {
		c.MaxSessions = int(float64(poolMaxSize) * 0.75)
		if c.MaxSessions < 1 {
			c.MaxSessions = 1
		}
	}
	if c.LeakThreshold <= 0 {
		c.LeakThreshold = 5 * time.Second
	}
	if c.EnterRetries <= 0 {
		c.EnterRetries = 3
	}
	return c
}

// Database is the live store produced by Backend.Provision/Open: it owns
// the pool, the default profile, and the active-session set, and is the
// sole entry point callers use to obtain Session/Transaction handles.
type Database struct {
	pool     *pool.Pool
	backend  backend.Backend
	release  migrate.Release
	tag      backend.Tag
	schema   *schemactx.Context // nil for the embedded backend
	numbered bool               // true when the backend binds params as $1, $2, ... (server)
	cfg      Config

	defaultProfileID   int64
	defaultProfileName string

	mu         sync.Mutex
	active     map[int64]*Session
	nextID     int64
	closed     atomic.Bool
	monitorCtl context.CancelFunc
	monitorWG  sync.WaitGroup
}

// New wires a Database around an opened/provisioned backend.Result.
func New(b backend.Backend, res *backend.Result, tag backend.Tag, schema *schemactx.Context, cfg Config) *Database {
	cfg = cfg.withDefaults(res.Pool.DB().Stats().MaxOpenConnections)
	d := &Database{
		pool:               res.Pool,
		backend:            b,
		release:            migrate.Release(res.EffectiveRelease),
		tag:                tag,
		schema:             schema,
		numbered:           tag == backend.Server,
		cfg:                cfg,
		defaultProfileID:   res.EffectiveProfileID,
		defaultProfileName: res.EffectiveProfileName,
		active:             make(map[int64]*Session),
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.monitorCtl = cancel
	d.monitorWG.Add(1)
	go d.leakMonitor(ctx)
	return d
}

func (d *Database) bind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d *Database) qualify(object string) string {
	if d.schema == nil {
		return object
	}
	return d.schema.Qualify(object)
}

// lookupHandler resolves the CategoryHandler for category under this
// Database's release and backend, bound to this Database's schema
// qualifier (the server backend shares one registry table across every
// tenant's schema, so the qualifier must be supplied per lookup, never
// baked into a shared registry entry).
func (d *Database) lookupHandler(category string) (handler.Handler, error) {
	var qualify func(string) string
	if d.schema != nil {
		qualify = d.schema.Qualify
	}
	e, err := registry.LookupQualified(d.release, d.tag, category, qualify)
	if err != nil {
		return nil, err
	}
	return e.Handler, nil
}

// Session opens a non-transactional handle bound to profile: each
// dispatched operation auto-commits (or rolls back on failure) its own
// implicit work, rather than sharing one transaction across calls.
func (d *Database) Session(ctx context.Context, profile string) (*Session, error) {
	return d.enter(ctx, profile, false)
}

// Transaction opens a handle bound to profile whose entire sequence of
// calls shares one transaction, committed or rolled back explicitly by the
// caller via Commit/Rollback (or implicitly rolled back by Close).
func (d *Database) Transaction(ctx context.Context, profile string) (*Session, error) {
	return d.enter(ctx, profile, true)
}

func (d *Database) enter(ctx context.Context, profile string, transactional bool) (*Session, error) {
	if d.closed.Load() {
		return nil, storeerr.New(storeerr.Unexpected, "session.enter", fmt.Errorf("database is closed"))
	}

	d.mu.Lock()
	if len(d.active) >= d.cfg.MaxSessions {
		d.mu.Unlock()
		return nil, storeerr.NewBackend(storeerr.ConnectionPoolExhausted, "session.enter",
			fmt.Errorf("active sessions %d >= max_sessions %d", len(d.active), d.cfg.MaxSessions))
	}
	d.mu.Unlock()

	conn, err := d.acquireWithRetry(ctx)
	if err != nil {
		return nil, err
	}

	profileID := d.defaultProfileID
	profileName := d.defaultProfileName
	if profile != "" && profile != d.defaultProfileName {
		profileID, err = d.resolveProfileID(ctx, conn.Raw(), profile)
		if err != nil {
			conn.Release(ctx)
			return nil, storeerr.NewBackend(storeerr.ProfileNotFound, "session.enter", fmt.Errorf("profile %q: %w", profile, err))
		}
		profileName = profile
	}

	var tx *sql.Tx
	if transactional {
		tx, err = conn.Raw().BeginTx(ctx, nil)
		if err != nil {
			conn.Release(ctx)
			return nil, storeerr.NewBackend(storeerr.ConnectionError, "session.enter", err)
		}
	}

	d.mu.Lock()
	d.nextID++
	id := d.nextID
	s := &Session{
		db:            d,
		id:            id,
		diagID:        uuid.New(),
		conn:          conn,
		profileID:     profileID,
		profileName:   profileName,
		transactional: transactional,
		tx:            tx,
		state:         stateActive,
		startedAt:     time.Now(),
	}
	d.active[id] = s
	d.mu.Unlock()

	telemetry.Metrics.SessionOpen.Add(ctx, 1)
	return s, nil
}

// acquireWithRetry retries a transient acquire failure up to
// cfg.EnterRetries times, per spec.md §4.5's session-enter retry policy.
func (d *Database) acquireWithRetry(ctx context.Context) (*pool.Conn, error) {
	var lastErr error
	for attempt := 0; attempt < d.cfg.EnterRetries; attempt++ {
		conn, err := d.pool.Acquire(ctx)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if !storeerr.IsRetryableConnError(err) {
			return nil, err
		}
		telemetry.Metrics.RetryCount.Add(ctx, 1)
	}
	return nil, storeerr.NewBackend(storeerr.ConnectionError, "session.enter", lastErr)
}

func (d *Database) resolveProfileID(ctx context.Context, cur handler.Cursor, name string) (int64, error) {
	var id int64
	row := cur.QueryRowContext(ctx, d.bind(fmt.Sprintf(`SELECT id FROM %s WHERE name = ?`, d.qualify("profiles"))), name)
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// DB exposes the underlying *sql.DB for callers that need to run a
// migration or other whole-database operation outside the Session/
// Transaction abstraction.
func (d *Database) DB() *sql.DB { return d.pool.DB() }

// Release reports the schema release this Database was opened/provisioned
// at.
func (d *Database) Release() migrate.Release { return d.release }

// ActiveSessions returns the number of currently open sessions and
// transactions, for callers that expose it as a health/debug metric.
func (d *Database) ActiveSessions() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.active)
}

// remove deletes s from the active set; called by Session.Close.
func (d *Database) remove(id int64) {
	d.mu.Lock()
	delete(d.active, id)
	d.mu.Unlock()
}

// leakMonitor periodically force-closes sessions whose age exceeds
// cfg.LeakThreshold. It is defensive, not authoritative: callers are
// expected to scope their own sessions.
func (d *Database) leakMonitor(ctx context.Context) {
	defer d.monitorWG.Done()
	ticker := time.NewTicker(d.cfg.LeakThreshold)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.closeLeakedSessions(ctx)
		}
	}
}

func (d *Database) closeLeakedSessions(ctx context.Context) {
	d.mu.Lock()
	var leaked []*Session
	cutoff := time.Now().Add(-d.cfg.LeakThreshold)
	for _, s := range d.active {
		if s.startedAt.Before(cutoff) {
			leaked = append(leaked, s)
		}
	}
	d.mu.Unlock()

	for _, s := range leaked {
		log.Printf("session: force-closing leaked session %s (age exceeded %s)", s.diagID, d.cfg.LeakThreshold)
		_ = s.Close(ctx) // best-effort; Close is safe to call more than once
		telemetry.Metrics.SessionLeaked.Add(ctx, 1)
	}
}

// Rows wraps a handler.Rows whose cursor is a connection borrowed
// specifically for one store-scope scan, releasing that connection back to
// the pool on Close rather than relying on a Session's lifecycle.
type Rows struct {
	inner   *handler.Rows
	release func()
	closed  bool
}

func (r *Rows) Next() bool           { return r.inner.Next() }
func (r *Rows) Entry() handler.Entry { return r.inner.Entry() }
func (r *Rows) Err() error           { return r.inner.Err() }

// Close releases the underlying cursor and returns the borrowed connection
// to the pool. Safe to call more than once.
func (r *Rows) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	err := r.inner.Close()
	r.release()
	return err
}

// Scan performs a store-scope scan: it acquires its own connection
// (independent of any open Session), dispatches to the category handler,
// and yields results lazily. The returned Rows must be closed by the
// caller, which releases the connection back to the pool.
func (d *Database) Scan(ctx context.Context, profile, category string, opts handler.ScanOptions) (*Rows, error) {
	return d.scopedScan(ctx, profile, category, func(h handler.Handler, cur handler.Cursor, profileID int64) (*handler.Rows, error) {
		return h.Scan(ctx, cur, profileID, category, opts)
	})
}

// ScanKeyset behaves like Scan but paginates by the last seen id instead of
// an offset, per spec.md §4.2's scan_keyset contract.
func (d *Database) ScanKeyset(ctx context.Context, profile, category string, opts handler.ScanKeysetOptions) (*Rows, error) {
	return d.scopedScan(ctx, profile, category, func(h handler.Handler, cur handler.Cursor, profileID int64) (*handler.Rows, error) {
		return h.ScanKeyset(ctx, cur, profileID, category, opts)
	})
}

func (d *Database) scopedScan(
	ctx context.Context, profile, category string,
	run func(handler.Handler, handler.Cursor, int64) (*handler.Rows, error),
) (*Rows, error) {
	conn, err := d.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	profileID := d.defaultProfileID
	if profile != "" && profile != d.defaultProfileName {
		profileID, err = d.resolveProfileID(ctx, conn.Raw(), profile)
		if err != nil {
			conn.Release(ctx)
			return nil, storeerr.NewBackend(storeerr.ProfileNotFound, "database.scan", fmt.Errorf("profile %q: %w", profile, err))
		}
	}

	h, err := d.lookupHandler(category)
	if err != nil {
		conn.Release(ctx)
		return nil, err
	}

	rows, err := run(h, conn.Raw(), profileID)
	if err != nil {
		conn.Release(ctx)
		return nil, err
	}
	return &Rows{inner: rows, release: func() { conn.Release(ctx) }}, nil
}

// CreateProfile inserts a new, empty profile namespace.
func (d *Database) CreateProfile(ctx context.Context, name string) (int64, error) {
	conn, err := d.pool.Acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Release(ctx)

	var id int64
	query := fmt.Sprintf(`INSERT INTO %s (name) VALUES (?)`, d.qualify("profiles"))
	if d.numbered {
		row := conn.Raw().QueryRowContext(ctx, d.bind(query)+" RETURNING id", name)
		if err := row.Scan(&id); err != nil {
			if isUniqueErr(err) {
				return 0, storeerr.NewBackend(storeerr.ProfileAlreadyExists, "database.create_profile", err)
			}
			return 0, storeerr.NewBackend(storeerr.QueryError, "database.create_profile", err)
		}
		return id, nil
	}
	res, err := conn.Raw().ExecContext(ctx, d.bind(query), name)
	if err != nil {
		if isUniqueErr(err) {
			return 0, storeerr.NewBackend(storeerr.ProfileAlreadyExists, "database.create_profile", err)
		}
		return 0, storeerr.NewBackend(storeerr.QueryError, "database.create_profile", err)
	}
	id, err = res.LastInsertId()
	if err != nil {
		return 0, storeerr.NewBackend(storeerr.QueryError, "database.create_profile", err)
	}
	return id, nil
}

// RemoveProfile deletes profile and, via ON DELETE CASCADE, every item and
// tag it owns.
func (d *Database) RemoveProfile(ctx context.Context, name string) error {
	conn, err := d.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release(ctx)

	res, err := conn.Raw().ExecContext(ctx, d.bind(fmt.Sprintf(`DELETE FROM %s WHERE name = ?`, d.qualify("profiles"))), name)
	if err != nil {
		return storeerr.NewBackend(storeerr.QueryError, "database.remove_profile", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeerr.NewBackend(storeerr.QueryError, "database.remove_profile", err)
	}
	if n == 0 {
		return storeerr.NewBackend(storeerr.ProfileNotFound, "database.remove_profile", fmt.Errorf("no profile %q", name))
	}
	return nil
}

// GetProfileName resolves id to its profile name.
func (d *Database) GetProfileName(ctx context.Context, id int64) (string, error) {
	conn, err := d.pool.Acquire(ctx)
	if err != nil {
		return "", err
	}
	defer conn.Release(ctx)

	var name string
	row := conn.Raw().QueryRowContext(ctx, d.bind(fmt.Sprintf(`SELECT name FROM %s WHERE id = ?`, d.qualify("profiles"))), id)
	if err := row.Scan(&name); err != nil {
		return "", storeerr.NewBackend(storeerr.ProfileNotFound, "database.get_profile_name", fmt.Errorf("profile id %d: %w", id, err))
	}
	return name, nil
}

// Rekey records the SHA-256 digest of passKey in the config table's "key"
// row. It does not re-encrypt the store and applies no key to the
// connection. It is an embedded-only operation: the server backend defers
// encryption at rest to the Postgres deployment and has no connection-level
// key to rotate.
func (d *Database) Rekey(ctx context.Context, passKey []byte) error {
	if d.tag != backend.Embedded {
		return storeerr.NewBackend(storeerr.UnsupportedOperation, "database.rekey",
			fmt.Errorf("rekey is not supported on the %s backend", d.tag))
	}
	sum := sha256.Sum256(passKey)
	digest := hex.EncodeToString(sum[:])

	conn, err := d.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release(ctx)

	if _, err := conn.Raw().ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET value = ? WHERE name = 'key'`, d.qualify("config")), digest); err != nil {
		return storeerr.NewBackend(storeerr.QueryError, "database.rekey", err)
	}
	return nil
}

// Close cancels the leak monitor, closes every still-active session, and
// closes the pool; if remove is true the underlying store is also dropped.
func (d *Database) Close(ctx context.Context, remove bool) error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	d.monitorCtl()
	d.monitorWG.Wait()

	d.mu.Lock()
	leftover := make([]*Session, 0, len(d.active))
	for _, s := range d.active {
		leftover = append(leftover, s)
	}
	d.mu.Unlock()
	for _, s := range leftover {
		_ = s.Close(ctx)
	}

	if err := d.pool.Close(ctx); err != nil {
		return err
	}
	if remove {
		return d.backend.Remove(ctx)
	}
	return nil
}

func isUniqueErr(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}
