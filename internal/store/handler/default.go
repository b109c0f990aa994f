package handler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/openwallet-labs/agentstore/internal/store/storeerr"
	"github.com/openwallet-labs/agentstore/internal/store/tagquery"
)

// validUTF8 rejects a value that is not valid UTF-8 text: items.value is
// carried as TEXT on both backends, so per spec.md's value-encoding
// invariant a non-UTF-8 payload fails with QueryError rather than being
// silently stored and handed back unchanged on Fetch.
func validUTF8(value []byte, op string) error {
	if !utf8.Valid(value) {
		return storeerr.NewBackend(storeerr.QueryError, op, fmt.Errorf("value is not valid UTF-8"))
	}
	return nil
}

// Default is the release_0 generic handler: value is stored verbatim in
// items.value, each tag is one row in items_tags, and reads join the two
// tables with the lowered TagQuery. Specialized handlers additionally
// project selected fields of the value into typed columns of a per-category
// table, but the canonical value blob always lives here.
type Default struct {
	// Qualify renders a bare table name the way the owning backend needs
	// it written (schema-qualified for the server backend, bare for the
	// embedded backend). A nil Qualify leaves names bare.
	Qualify func(string) string

	// Numbered selects lib/pq's $1, $2, ... bind style instead of the
	// default "?" used by modernc.org/sqlite. Every query here is authored
	// with "?" placeholders and rebound at execution time, so only this
	// one flag needs to change per backend.
	Numbered bool
}

// WithQualify returns a copy of d bound to qualify instead of d.Qualify,
// leaving d itself untouched.
func (d *Default) WithQualify(qualify func(string) string) Handler {
	rebound := *d
	rebound.Qualify = qualify
	return &rebound
}

func (d *Default) table(name string) string {
	if d.Qualify == nil {
		return name
	}
	return d.Qualify(name)
}

// bind rewrites a query's "?" placeholders into "$1", "$2", ... when
// Numbered is set. Queries never embed a literal "?" inside a string or
// identifier, so a straight left-to-right scan is enough to rebind them,
// the same technique jmoiron/sqlx's Rebind uses.
func (d *Default) bind(query string) string {
	if !d.Numbered {
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

func (d *Default) exec(ctx context.Context, cur Cursor, query string, args ...any) (sql.Result, error) {
	return cur.ExecContext(ctx, d.bind(query), args...)
}

func (d *Default) query(ctx context.Context, cur Cursor, query string, args ...any) (*sql.Rows, error) {
	return cur.QueryContext(ctx, d.bind(query), args...)
}

func (d *Default) queryRow(ctx context.Context, cur Cursor, query string, args ...any) *sql.Row {
	return cur.QueryRowContext(ctx, d.bind(query), args...)
}

func (d *Default) Insert(ctx context.Context, cur Cursor, profileID int64, category, name string, value []byte, tags []TagPair, expiryMs *int64) error {
	if err := validUTF8(value, "handler.insert"); err != nil {
		return err
	}
	var expiry any
	if expiryMs != nil {
		expiry = time.UnixMilli(*expiryMs).UTC()
	}
	itemID, err := d.insertItem(ctx, cur, profileID, category, name, value, expiry)
	if err != nil {
		if isUniqueErr(err) {
			return storeerr.NewBackend(storeerr.DuplicateItemEntry, "handler.insert", err)
		}
		return storeerr.NewBackend(storeerr.QueryError, "handler.insert", err)
	}
	return d.insertTags(ctx, cur, itemID, tags)
}

// insertItem inserts the items row and returns its generated id. lib/pq
// does not implement sql.Result.LastInsertId, so the server backend (d.Numbered)
// recovers the id with a RETURNING clause instead of the embedded backend's
// ExecContext + LastInsertId path.
func (d *Default) insertItem(ctx context.Context, cur Cursor, profileID int64, category, name string, value []byte, expiry any) (int64, error) {
	if d.Numbered {
		var id int64
		row := d.queryRow(ctx, cur,
			fmt.Sprintf(`INSERT INTO %s (profile_id, kind, category, name, value, expiry) VALUES (?, 0, ?, ?, ?, ?) RETURNING id`, d.table("items")),
			profileID, category, name, string(value), expiry,
		)
		if err := row.Scan(&id); err != nil {
			return 0, err
		}
		return id, nil
	}
	res, err := d.exec(ctx, cur,
		fmt.Sprintf(`INSERT INTO %s (profile_id, kind, category, name, value, expiry) VALUES (?, 0, ?, ?, ?, ?)`, d.table("items")),
		profileID, category, name, string(value), expiry,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (d *Default) lookupID(ctx context.Context, cur Cursor, profileID int64, category, name string) (int64, error) {
	var id int64
	row := d.queryRow(ctx, cur,
		fmt.Sprintf(`SELECT id FROM %s WHERE profile_id = ? AND category = ? AND name = ?`, d.table("items")),
		profileID, category, name,
	)
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (d *Default) insertTags(ctx context.Context, cur Cursor, itemID int64, tags []TagPair) error {
	for _, t := range tags {
		if _, err := d.exec(ctx, cur,
			fmt.Sprintf(`INSERT INTO %s (item_id, name, value) VALUES (?, ?, ?)`, d.table("items_tags")),
			itemID, t.Name, t.Value,
		); err != nil {
			return storeerr.NewBackend(storeerr.QueryError, "handler.insert_tags", err)
		}
	}
	return nil
}

func (d *Default) Replace(ctx context.Context, cur Cursor, profileID int64, category, name string, value []byte, tags []TagPair, expiryMs *int64) error {
	if err := validUTF8(value, "handler.replace"); err != nil {
		return err
	}
	itemID, err := d.lookupID(ctx, cur, profileID, category, name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storeerr.NewBackend(storeerr.RecordNotFound, "handler.replace", err)
		}
		return storeerr.NewBackend(storeerr.QueryError, "handler.replace", err)
	}

	var expiry any
	if expiryMs != nil {
		expiry = time.UnixMilli(*expiryMs).UTC()
	}
	if _, err := d.exec(ctx, cur,
		fmt.Sprintf(`UPDATE %s SET value = ?, expiry = ? WHERE id = ?`, d.table("items")),
		string(value), expiry, itemID,
	); err != nil {
		return storeerr.NewBackend(storeerr.QueryError, "handler.replace", err)
	}
	if _, err := d.exec(ctx, cur,
		fmt.Sprintf(`DELETE FROM %s WHERE item_id = ?`, d.table("items_tags")), itemID,
	); err != nil {
		return storeerr.NewBackend(storeerr.QueryError, "handler.replace", err)
	}
	return d.insertTags(ctx, cur, itemID, tags)
}

func (d *Default) Remove(ctx context.Context, cur Cursor, profileID int64, category, name string) error {
	res, err := d.exec(ctx, cur,
		fmt.Sprintf(`DELETE FROM %s WHERE profile_id = ? AND category = ? AND name = ?`, d.table("items")),
		profileID, category, name,
	)
	if err != nil {
		return storeerr.NewBackend(storeerr.QueryError, "handler.remove", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeerr.NewBackend(storeerr.QueryError, "handler.remove", err)
	}
	if n == 0 {
		return storeerr.NewBackend(storeerr.RecordNotFound, "handler.remove", fmt.Errorf("no item %s/%s for profile %d", category, name, profileID))
	}
	return nil
}

func (d *Default) RemoveAll(ctx context.Context, cur Cursor, profileID int64, category string, tagFilter *tagquery.Query) (uint64, error) {
	lowered, err := tagquery.Lower(tagFilter)
	if err != nil {
		return 0, storeerr.New(storeerr.Input, "handler.remove_all", err)
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE profile_id = ? AND category = ? AND (%s)`, d.table("items"), lowered.SQL)
	args := append([]any{profileID, category}, lowered.Args...)
	res, err := d.exec(ctx, cur, query, args...)
	if err != nil {
		return 0, storeerr.NewBackend(storeerr.QueryError, "handler.remove_all", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storeerr.NewBackend(storeerr.QueryError, "handler.remove_all", err)
	}
	return uint64(n), nil
}

func (d *Default) Fetch(ctx context.Context, cur Cursor, profileID int64, category, name string, tagFilter *tagquery.Query, forUpdate bool) (*Entry, error) {
	lowered, err := tagquery.Lower(tagFilter)
	if err != nil {
		return nil, storeerr.New(storeerr.Input, "handler.fetch", err)
	}
	query := fmt.Sprintf(
		`SELECT id, value, expiry FROM %s WHERE profile_id = ? AND category = ? AND name = ? AND (%s)`,
		d.table("items"), lowered.SQL,
	)
	if forUpdate && d.Numbered {
		query += " FOR UPDATE"
	}
	args := append([]any{profileID, category, name}, lowered.Args...)

	var id int64
	var value string
	var expiry sql.NullTime
	row := d.queryRow(ctx, cur, query, args...)
	if err := row.Scan(&id, &value, &expiry); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, storeerr.NewBackend(storeerr.QueryError, "handler.fetch", err)
	}

	tags, err := d.loadTags(ctx, cur, id)
	if err != nil {
		return nil, storeerr.NewBackend(storeerr.QueryError, "handler.fetch", err)
	}
	e := &Entry{ProfileID: profileID, Category: category, Name: name, Value: []byte(value), Tags: tags}
	if expiry.Valid {
		t := expiry.Time
		e.Expiry = &t
	}
	return e, nil
}

func (d *Default) loadTags(ctx context.Context, cur Cursor, itemID int64) ([]TagPair, error) {
	rows, err := d.query(ctx, cur,
		fmt.Sprintf(`SELECT name, value FROM %s WHERE item_id = ?`, d.table("items_tags")), itemID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tags []TagPair
	for rows.Next() {
		var t TagPair
		if err := rows.Scan(&t.Name, &t.Value); err != nil {
			return nil, err
		}
		tags = append(tags, t)
	}
	return tags, rows.Err()
}

func (d *Default) FetchAll(ctx context.Context, cur Cursor, profileID int64, category string, opts FetchAllOptions) ([]Entry, error) {
	lowered, err := tagquery.Lower(opts.TagFilter)
	if err != nil {
		return nil, storeerr.New(storeerr.Input, "handler.fetch_all", err)
	}
	orderBy := opts.OrderBy
	if orderBy == "" {
		orderBy = OrderByDefault
	}
	dir := "ASC"
	if opts.Descending {
		dir = "DESC"
	}
	query := fmt.Sprintf(
		`SELECT id, name, value, expiry FROM %s WHERE profile_id = ? AND category = ? AND (%s) ORDER BY %s %s`,
		d.table("items"), lowered.SQL, orderColumn(orderBy), dir,
	)
	args := append([]any{profileID, category}, lowered.Args...)
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}
	if opts.ForUpdate && d.Numbered {
		query += " FOR UPDATE"
	}

	rows, err := d.query(ctx, cur, query, args...)
	if err != nil {
		return nil, storeerr.NewBackend(storeerr.QueryError, "handler.fetch_all", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var id int64
		var name, value string
		var expiry sql.NullTime
		if err := rows.Scan(&id, &name, &value, &expiry); err != nil {
			return nil, storeerr.NewBackend(storeerr.QueryError, "handler.fetch_all", err)
		}
		tags, err := d.loadTags(ctx, cur, id)
		if err != nil {
			return nil, storeerr.NewBackend(storeerr.QueryError, "handler.fetch_all", err)
		}
		e := Entry{ProfileID: profileID, Category: category, Name: name, Value: []byte(value), Tags: tags}
		if expiry.Valid {
			t := expiry.Time
			e.Expiry = &t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (d *Default) Count(ctx context.Context, cur Cursor, profileID int64, category string, tagFilter *tagquery.Query) (uint64, error) {
	lowered, err := tagquery.Lower(tagFilter)
	if err != nil {
		return 0, storeerr.New(storeerr.Input, "handler.count", err)
	}
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE profile_id = ? AND category = ? AND (%s)`, d.table("items"), lowered.SQL)
	args := append([]any{profileID, category}, lowered.Args...)
	var n int64
	if err := d.queryRow(ctx, cur, query, args...).Scan(&n); err != nil {
		return 0, storeerr.NewBackend(storeerr.QueryError, "handler.count", err)
	}
	return uint64(n), nil
}

func (d *Default) Scan(ctx context.Context, cur Cursor, profileID int64, category string, opts ScanOptions) (*Rows, error) {
	lowered, err := tagquery.Lower(opts.TagFilter)
	if err != nil {
		return nil, storeerr.New(storeerr.Input, "handler.scan", err)
	}
	orderBy := opts.OrderBy
	if orderBy == "" {
		orderBy = OrderByDefault
	}
	dir := "ASC"
	if opts.Descending {
		dir = "DESC"
	}
	query := fmt.Sprintf(
		`SELECT id, name, value, expiry FROM %s WHERE profile_id = ? AND category = ? AND (%s) ORDER BY %s %s`,
		d.table("items"), lowered.SQL, orderColumn(orderBy), dir,
	)
	args := append([]any{profileID, category}, lowered.Args...)
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	} else if opts.Offset > 0 {
		// sqlite accepts OFFSET only after a LIMIT clause.
		query += " LIMIT ?"
		args = append(args, int64(math.MaxInt64))
	}
	if opts.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, opts.Offset)
	}

	rows, err := d.query(ctx, cur, query, args...)
	if err != nil {
		return nil, storeerr.NewBackend(storeerr.QueryError, "handler.scan", err)
	}
	return NewRows(rows, d.scanRow(ctx, cur, profileID, category)), nil
}

func (d *Default) ScanKeyset(ctx context.Context, cur Cursor, profileID int64, category string, opts ScanKeysetOptions) (*Rows, error) {
	lowered, err := tagquery.Lower(opts.TagFilter)
	if err != nil {
		return nil, storeerr.New(storeerr.Input, "handler.scan_keyset", err)
	}
	orderBy := opts.OrderBy
	if orderBy == "" {
		orderBy = OrderByDefault
	}
	cmp, dir := ">", "ASC"
	if opts.Descending {
		cmp, dir = "<", "DESC"
	}
	query := fmt.Sprintf(
		`SELECT id, name, value, expiry FROM %s WHERE profile_id = ? AND category = ? AND id %s ? AND (%s) ORDER BY %s %s`,
		d.table("items"), cmp, lowered.SQL, orderColumn(orderBy), dir,
	)
	lastID := opts.LastID
	if opts.Descending && lastID == 0 {
		lastID = math.MaxInt64 // descending order starts from the highest id
	}
	args := append([]any{profileID, category, lastID}, lowered.Args...)
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := d.query(ctx, cur, query, args...)
	if err != nil {
		return nil, storeerr.NewBackend(storeerr.QueryError, "handler.scan_keyset", err)
	}
	return NewRows(rows, d.scanRow(ctx, cur, profileID, category)), nil
}

func (d *Default) scanRow(ctx context.Context, cur Cursor, profileID int64, category string) func(*sql.Rows) (Entry, error) {
	return func(rows *sql.Rows) (Entry, error) {
		var id int64
		var name, value string
		var expiry sql.NullTime
		if err := rows.Scan(&id, &name, &value, &expiry); err != nil {
			return Entry{}, err
		}
		tags, err := d.loadTags(ctx, cur, id)
		if err != nil {
			return Entry{}, err
		}
		e := Entry{ProfileID: profileID, Category: category, Name: name, Value: []byte(value), Tags: tags}
		if expiry.Valid {
			t := expiry.Time
			e.Expiry = &t
		}
		return e, nil
	}
}

func orderColumn(o OrderBy) string {
	switch o {
	case OrderByName:
		return "name"
	case OrderByExpiry:
		return "expiry"
	default:
		return "id"
	}
}

func isUniqueErr(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}
