// Package pool implements the bounded connection pool shared by both
// backends: acquire-with-timeout, validate-before-handout,
// rollback-then-release, and a background keep-alive task that discovers
// and replaces broken idle connections. It sits on top of database/sql,
// which already pools physical connections; pool adds the caller-visible
// exclusivity, timeout, and keep-alive discipline the store contract
// requires on top of that.
package pool

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/openwallet-labs/agentstore/internal/store/storeerr"
	"github.com/openwallet-labs/agentstore/internal/store/telemetry"
)

// Config bounds the pool's size and lifetime behavior.
type Config struct {
	MinSize        int
	MaxSize        int
	AcquireTimeout time.Duration
	MaxIdle        int
	MaxLifetime    time.Duration
	KeepAlive      time.Duration // interval between idle-connection validation sweeps; 0 disables
}

// DefaultConfig returns the pool defaults used when a BackendConfig does not
// override them via URI query parameters.
func DefaultConfig() Config {
	return Config{
		MinSize:        1,
		MaxSize:        10,
		AcquireTimeout: 5 * time.Second,
		MaxIdle:        5,
		MaxLifetime:    5 * time.Minute,
		KeepAlive:      30 * time.Second,
	}
}

// Checkpoint is called by Close before the underlying *sql.DB is closed.
// The embedded backend supplies a WAL checkpoint here; the server backend
// leaves it nil.
type Checkpoint func(ctx context.Context, db *sql.DB) error

// Pool wraps a *sql.DB with a caller-visible acquire/release discipline.
type Pool struct {
	db         *sql.DB
	cfg        Config
	system     string // "sqlite" or "postgres", for span/metric attributes
	sem        *semaphore.Weighted
	checkpoint Checkpoint

	closed       atomic.Bool
	keepAliveCtl context.CancelFunc
	wg           sync.WaitGroup
}

// New wraps db as a Pool, applying cfg's sizing to the underlying
// *sql.DB and starting the background keep-alive task.
func New(db *sql.DB, cfg Config, system string, checkpoint Checkpoint) *Pool {
	db.SetMaxOpenConns(cfg.MaxSize)
	db.SetMaxIdleConns(cfg.MaxIdle)
	db.SetConnMaxLifetime(cfg.MaxLifetime)

	p := &Pool{
		db:         db,
		cfg:        cfg,
		system:     system,
		sem:        semaphore.NewWeighted(int64(cfg.MaxSize)),
		checkpoint: checkpoint,
	}
	if cfg.KeepAlive > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		p.keepAliveCtl = cancel
		p.wg.Add(1)
		go p.keepAliveLoop(ctx)
	}
	return p
}

// DB exposes the underlying *sql.DB for callers that need store-scope
// operations (Database.scan) without borrowing a dedicated Conn.
func (p *Pool) DB() *sql.DB { return p.db }

// Conn is a single pooled connection, exclusively owned by its acquirer
// until Release is called.
type Conn struct {
	pool *Pool
	raw  *sql.Conn
}

// Raw exposes the underlying *sql.Conn for building a *sql.Tx or issuing
// direct statements.
func (c *Conn) Raw() *sql.Conn { return c.raw }

// Acquire blocks until a connection is available or the pool's
// AcquireTimeout elapses, whichever is sooner. The returned connection is
// verified with a trivial round-trip before being handed out; a connection
// that fails verification is discarded and a fresh one is substituted,
// transparently to the caller.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	if p.closed.Load() {
		return nil, storeerr.NewBackend(storeerr.ConnectionError, "pool.acquire", fmt.Errorf("pool is closed"))
	}

	start := time.Now()
	acqCtx := ctx
	var cancel context.CancelFunc
	if p.cfg.AcquireTimeout > 0 {
		acqCtx, cancel = context.WithTimeout(ctx, p.cfg.AcquireTimeout)
		defer cancel()
	}

	_, span := telemetry.StartSpan(acqCtx, "pool.acquire", telemetry.SpanAttrs(p.system, "acquire", "")...)
	defer span.End()

	if err := p.sem.Acquire(acqCtx, 1); err != nil {
		telemetry.Metrics.AcquireWaitMs.Record(ctx, float64(time.Since(start).Milliseconds()))
		return nil, storeerr.NewBackend(storeerr.ConnectionPoolExhausted, "pool.acquire", err)
	}

	conn, err := p.validatedConn(acqCtx)
	telemetry.Metrics.AcquireWaitMs.Record(ctx, float64(time.Since(start).Milliseconds()))
	if err != nil {
		p.sem.Release(1)
		return nil, err
	}
	return &Conn{pool: p, raw: conn}, nil
}

// validatedConn obtains a *sql.Conn from the underlying pool and verifies it
// with PingContext, discarding and retrying once on failure.
func (p *Pool) validatedConn(ctx context.Context) (*sql.Conn, error) {
	conn, err := p.db.Conn(ctx)
	if err != nil {
		return nil, storeerr.NewBackend(storeerr.ConnectionError, "pool.acquire", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		conn, err = p.db.Conn(ctx)
		if err != nil {
			return nil, storeerr.NewBackend(storeerr.ConnectionError, "pool.acquire", err)
		}
		if err := conn.PingContext(ctx); err != nil {
			_ = conn.Close()
			return nil, storeerr.NewBackend(storeerr.ConnectionError, "pool.acquire", err)
		}
	}
	return conn, nil
}

// Release issues a rollback to clear any open transaction state, then
// returns the connection to the idle pool. A connection that fails
// verification on release is closed instead of being reused.
func (c *Conn) Release(ctx context.Context) {
	_, _ = c.raw.ExecContext(ctx, "ROLLBACK")
	if err := c.raw.PingContext(ctx); err != nil {
		// A Raw callback returning driver.ErrBadConn makes database/sql
		// close the physical connection instead of keeping it idle.
		_ = c.raw.Raw(func(any) error { return driver.ErrBadConn })
		_ = c.raw.Close()
	} else {
		_ = c.raw.Close() // returns the physical connection to sql.DB's idle set
	}
	c.pool.sem.Release(1)
}

// keepAliveLoop periodically pings the pool to surface and let database/sql
// retire broken idle connections; failed validations are logged, not fatal.
func (p *Pool) keepAliveLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.KeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, p.cfg.KeepAlive/2)
			if err := p.db.PingContext(pingCtx); err != nil {
				log.Printf("pool: keep-alive validation failed: %v", err)
			}
			cancel()
		}
	}
}

// Close drains and closes the pool. For the embedded backend this first
// runs a WAL checkpoint via the Checkpoint hook supplied to New.
func (p *Pool) Close(ctx context.Context) error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	if p.keepAliveCtl != nil {
		p.keepAliveCtl()
	}
	p.wg.Wait()

	if p.checkpoint != nil {
		if err := p.checkpoint(ctx, p.db); err != nil {
			_ = p.db.Close()
			return storeerr.NewBackend(storeerr.ConnectionError, "pool.close", err)
		}
	}
	return p.db.Close()
}
