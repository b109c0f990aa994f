// Package handler defines the per-category CRUD+scan contract dispatched by
// the registry, plus the generic default handler that stores every
// category's items in the shared items/items_tags tables. Specialized,
// normalized handlers for individual categories live alongside this one and
// implement the same Handler interface.
package handler

import (
	"context"
	"database/sql"
	"time"

	"github.com/openwallet-labs/agentstore/internal/store/tagquery"
)

// Cursor is the minimal database/sql surface a Handler needs. *sql.DB,
// *sql.Tx, and *sql.Conn all satisfy it, so a handler can run inside or
// outside an explicit transaction without caring which.
type Cursor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// TagPair is one (name, value) tag attached to an item. Multiple TagPairs
// with the same Name are permitted (set-valued multimap).
type TagPair struct {
	Name  string
	Value string
}

// Entry is a single stored record as returned to a caller.
type Entry struct {
	ProfileID int64
	Category  string
	Name      string
	Value     []byte
	Tags      []TagPair
	Expiry    *time.Time
}

// OrderBy names the column scans and fetch_all order on.
type OrderBy string

const (
	OrderByID      OrderBy = "id"
	OrderByName    OrderBy = "name"
	OrderByExpiry  OrderBy = "expiry"
	OrderByDefault OrderBy = OrderByID
)

// FetchAllOptions bundles fetch_all's optional parameters.
type FetchAllOptions struct {
	TagFilter  *tagquery.Query
	Limit      int // 0 means unbounded
	ForUpdate  bool
	OrderBy    OrderBy
	Descending bool
}

// ScanOptions bundles scan's optional parameters.
type ScanOptions struct {
	TagFilter  *tagquery.Query
	Offset     int
	Limit      int // 0 means unbounded
	OrderBy    OrderBy
	Descending bool
}

// ScanKeysetOptions bundles scan_keyset's optional parameters.
type ScanKeysetOptions struct {
	TagFilter  *tagquery.Query
	LastID     int64 // 0 means start from the beginning
	Limit      int
	OrderBy    OrderBy
	Descending bool
}

// Rows is a lazy sequence of Entry values backed by an open *sql.Rows.
// Scan does not materialize the whole result set: rows are fetched as the
// caller advances Next, and the underlying cursor is released on Close.
type Rows struct {
	rows *sql.Rows
	scan func(*sql.Rows) (Entry, error)
	cur  Entry
	err  error
}

// NewRows wraps rows with a per-row decode function.
func NewRows(rows *sql.Rows, scan func(*sql.Rows) (Entry, error)) *Rows {
	return &Rows{rows: rows, scan: scan}
}

// Next advances to the next row, returning false at end of the sequence or
// on error (check Err after a false return).
func (r *Rows) Next() bool {
	if r.err != nil || !r.rows.Next() {
		return false
	}
	r.cur, r.err = r.scan(r.rows)
	return r.err == nil
}

// Entry returns the current row, valid only after a true return from Next.
func (r *Rows) Entry() Entry { return r.cur }

// Err returns the first error encountered, if any.
func (r *Rows) Err() error {
	if r.err != nil {
		return r.err
	}
	return r.rows.Err()
}

// Close releases the underlying cursor.
func (r *Rows) Close() error { return r.rows.Close() }

// Handler is the per-category CRUD+scan contract dispatched by the
// registry for a given (release, backend, category).
type Handler interface {
	Insert(ctx context.Context, cur Cursor, profileID int64, category, name string, value []byte, tags []TagPair, expiryMs *int64) error
	Replace(ctx context.Context, cur Cursor, profileID int64, category, name string, value []byte, tags []TagPair, expiryMs *int64) error
	Remove(ctx context.Context, cur Cursor, profileID int64, category, name string) error
	RemoveAll(ctx context.Context, cur Cursor, profileID int64, category string, tagFilter *tagquery.Query) (uint64, error)
	Fetch(ctx context.Context, cur Cursor, profileID int64, category, name string, tagFilter *tagquery.Query, forUpdate bool) (*Entry, error)
	FetchAll(ctx context.Context, cur Cursor, profileID int64, category string, opts FetchAllOptions) ([]Entry, error)
	Count(ctx context.Context, cur Cursor, profileID int64, category string, tagFilter *tagquery.Query) (uint64, error)
	Scan(ctx context.Context, cur Cursor, profileID int64, category string, opts ScanOptions) (*Rows, error)
	ScanKeyset(ctx context.Context, cur Cursor, profileID int64, category string, opts ScanKeysetOptions) (*Rows, error)
}

// Rebindable is implemented by handlers whose object-name qualifier can be
// rebound to a new value after registration. The registry's shared table is
// built once at startup with a nil (bare) qualifier for the server backend,
// since the qualifier is per-tenant; LookupQualified uses this to hand back
// a copy bound to one tenant's schema rather than mutating the shared entry.
type Rebindable interface {
	WithQualify(qualify func(string) string) Handler
}
