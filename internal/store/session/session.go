package session

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openwallet-labs/agentstore/internal/store/handler"
	"github.com/openwallet-labs/agentstore/internal/store/pool"
	"github.com/openwallet-labs/agentstore/internal/store/storeerr"
	"github.com/openwallet-labs/agentstore/internal/store/tagquery"
	"github.com/openwallet-labs/agentstore/internal/store/telemetry"
)

type state int

const (
	stateActive state = iota
	stateCommitted
	stateRolledBack
	stateClosed
)

func (s state) String() string {
	switch s {
	case stateActive:
		return "active"
	case stateCommitted:
		return "committed"
	case stateRolledBack:
		return "rolled_back"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is a scoped handle bound to one pooled connection and one
// profile. A non-transactional Session (opened via Database.Session)
// auto-commits each dispatched call's implicit work independently; a
// Transaction (opened via Database.Transaction) shares one transaction
// across every call until the caller commits or rolls it back.
//
// State machine: Active -> (Committed | RolledBack) -> Closed. Close is
// idempotent and safe to defer unconditionally: on an Active transactional
// Session it rolls back, on anything else it is a no-op beyond releasing
// the connection.
type Session struct {
	db            *Database
	id            int64
	diagID        uuid.UUID // correlates this session across log lines and trace spans
	conn          *pool.Conn
	profileID     int64
	profileName   string
	transactional bool
	tx            *sql.Tx // non-nil only for transactional sessions
	startedAt     time.Time

	mu    sync.Mutex
	state state
}

// ProfileID returns the profile this session is bound to.
func (s *Session) ProfileID() int64 { return s.profileID }

// ProfileName returns the profile this session is bound to.
func (s *Session) ProfileName() string { return s.profileName }

// DiagnosticID returns the session's correlation id, used to tie together
// log lines and trace spans for one session's lifetime without leaking the
// internal sequential id as a public identity.
func (s *Session) DiagnosticID() uuid.UUID { return s.diagID }

// withCursor runs fn against the Cursor per-call dispatch uses: the shared
// *sql.Tx for a transactional Session, or a fresh per-call *sql.Tx for a
// non-transactional one, committed when fn succeeds and rolled back when it
// fails.
func (s *Session) withCursor(ctx context.Context, fn func(handler.Cursor) error) error {
	s.mu.Lock()
	if s.state != stateActive {
		st := s.state
		s.mu.Unlock()
		return storeerr.New(storeerr.Unexpected, "session.dispatch", fmt.Errorf("session is %s, not active", st))
	}
	s.mu.Unlock()

	if s.transactional {
		return fn(s.tx)
	}

	tx, err := s.conn.Raw().BeginTx(ctx, nil)
	if err != nil {
		return storeerr.NewBackend(storeerr.ConnectionError, "session.dispatch", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Session) handlerFor(category string) (handler.Handler, error) {
	return s.db.lookupHandler(category)
}

// Insert stores a new item under category/name. Fails with a
// DuplicateItemEntry backend error if an item already exists at that
// (profile, category, name).
func (s *Session) Insert(ctx context.Context, category, name string, value []byte, tags []handler.TagPair, expiryMs *int64) error {
	h, err := s.handlerFor(category)
	if err != nil {
		return err
	}
	return s.withCursor(ctx, func(cur handler.Cursor) error {
		return h.Insert(ctx, cur, s.profileID, category, name, value, tags, expiryMs)
	})
}

// Replace overwrites the item at (category, name) in full, including its
// tag set. Fails with a RecordNotFound backend error if no such item exists.
func (s *Session) Replace(ctx context.Context, category, name string, value []byte, tags []handler.TagPair, expiryMs *int64) error {
	h, err := s.handlerFor(category)
	if err != nil {
		return err
	}
	return s.withCursor(ctx, func(cur handler.Cursor) error {
		return h.Replace(ctx, cur, s.profileID, category, name, value, tags, expiryMs)
	})
}

// Remove deletes the item at (category, name). Fails with a RecordNotFound
// backend error if no such item exists.
func (s *Session) Remove(ctx context.Context, category, name string) error {
	h, err := s.handlerFor(category)
	if err != nil {
		return err
	}
	return s.withCursor(ctx, func(cur handler.Cursor) error {
		return h.Remove(ctx, cur, s.profileID, category, name)
	})
}

// RemoveAll deletes every item in category matching tagFilter (nil matches
// everything in the category), returning the count removed.
func (s *Session) RemoveAll(ctx context.Context, category string, tagFilter *tagquery.Query) (uint64, error) {
	h, err := s.handlerFor(category)
	if err != nil {
		return 0, err
	}
	var n uint64
	err = s.withCursor(ctx, func(cur handler.Cursor) error {
		var innerErr error
		n, innerErr = h.RemoveAll(ctx, cur, s.profileID, category, tagFilter)
		return innerErr
	})
	return n, err
}

// Fetch retrieves one item by (category, name), applying tagFilter as an
// additional predicate (nil accepts any tag set). forUpdate requests a
// row lock where the backend supports one.
func (s *Session) Fetch(ctx context.Context, category, name string, tagFilter *tagquery.Query, forUpdate bool) (*handler.Entry, error) {
	h, err := s.handlerFor(category)
	if err != nil {
		return nil, err
	}
	var entry *handler.Entry
	err = s.withCursor(ctx, func(cur handler.Cursor) error {
		var innerErr error
		entry, innerErr = h.Fetch(ctx, cur, s.profileID, category, name, tagFilter, forUpdate)
		return innerErr
	})
	return entry, err
}

// FetchAll retrieves every item in category matching opts, eagerly
// materialized. For large result sets prefer Database.Scan/ScanKeyset.
func (s *Session) FetchAll(ctx context.Context, category string, opts handler.FetchAllOptions) ([]handler.Entry, error) {
	h, err := s.handlerFor(category)
	if err != nil {
		return nil, err
	}
	var entries []handler.Entry
	err = s.withCursor(ctx, func(cur handler.Cursor) error {
		var innerErr error
		entries, innerErr = h.FetchAll(ctx, cur, s.profileID, category, opts)
		return innerErr
	})
	return entries, err
}

// Count returns the number of items in category matching tagFilter.
func (s *Session) Count(ctx context.Context, category string, tagFilter *tagquery.Query) (uint64, error) {
	h, err := s.handlerFor(category)
	if err != nil {
		return 0, err
	}
	var n uint64
	err = s.withCursor(ctx, func(cur handler.Cursor) error {
		var innerErr error
		n, innerErr = h.Count(ctx, cur, s.profileID, category, tagFilter)
		return innerErr
	})
	return n, err
}

// Commit ends a transactional Session successfully. It is an error to call
// Commit on a non-transactional Session; use Close instead.
func (s *Session) Commit(ctx context.Context) error {
	if !s.transactional {
		return storeerr.New(storeerr.Input, "session.commit", fmt.Errorf("commit is only valid on a transaction"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateActive {
		return storeerr.New(storeerr.Unexpected, "session.commit", fmt.Errorf("transaction is %s, not active", s.state))
	}
	if err := s.tx.Commit(); err != nil {
		s.state = stateRolledBack
		s.finishLocked(ctx)
		return storeerr.NewBackend(storeerr.QueryError, "session.commit", err)
	}
	s.state = stateCommitted
	s.finishLocked(ctx)
	return nil
}

// Rollback ends a transactional Session, discarding its work. It is an
// error to call Rollback on a non-transactional Session.
func (s *Session) Rollback(ctx context.Context) error {
	if !s.transactional {
		return storeerr.New(storeerr.Input, "session.rollback", fmt.Errorf("rollback is only valid on a transaction"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateActive {
		return nil
	}
	err := s.tx.Rollback()
	s.state = stateRolledBack
	s.finishLocked(ctx)
	if err != nil {
		return storeerr.NewBackend(storeerr.QueryError, "session.rollback", err)
	}
	return nil
}

// Close ends the Session. On a transactional Session still Active, it
// rolls back (an explicit Commit should have already been called on
// success). On a non-transactional Session, or one already
// Committed/RolledBack, it only releases the connection. Close is
// idempotent: calling it more than once, or after Commit/Rollback, is a
// no-op beyond the first call.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case stateClosed:
		s.mu.Unlock()
		return nil
	case stateActive:
		if s.transactional {
			_ = s.tx.Rollback()
			s.state = stateRolledBack
		}
	}
	s.finishLocked(ctx)
	s.mu.Unlock()
	return nil
}

// finishLocked transitions the session to Closed and releases its
// resources. The caller must hold s.mu.
func (s *Session) finishLocked(ctx context.Context) {
	s.state = stateClosed
	s.conn.Release(ctx)
	s.db.remove(s.id)
	telemetry.Metrics.SessionOpen.Add(ctx, -1)
}
