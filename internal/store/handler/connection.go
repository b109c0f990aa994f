package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/openwallet-labs/agentstore/internal/store/storeerr"
)

// connectionFields is the subset of a connection record's JSON value this
// handler projects into typed columns, grounded on the "connection"
// category's state/their_did fields.
type connectionFields struct {
	State    string `json:"state"`
	TheirDID string `json:"their_did"`
}

// Connection is the release_0_1+ specialized handler for the "connection"
// category. The canonical value and tag rows are written exactly the way
// Default writes them; Insert and Replace additionally project state and
// their_did out of the JSON value into connection_records, a per-category
// normalized table, for typed indexing. Reads are unchanged from Default:
// the projection is a write-time side effect, not an alternate read path,
// so a normalized store still answers every tag-filtered query a generic
// store does.
type Connection struct {
	Default
}

// NewConnection constructs a Connection handler bound the same way a
// Default handler is.
func NewConnection(qualify func(string) string, numbered bool) *Connection {
	return &Connection{Default: Default{Qualify: qualify, Numbered: numbered}}
}

// ConnectionRecordsDDL returns the create DDL for connection_records.
// foreignKeyType is the column type items.id's primary key uses ("INTEGER"
// for sqlite, "BIGINT" for postgres), matching backend.Dialect.ForeignKeyType.
// connection_records.item_id cascades on items deletion, so no separate
// drop statement is needed: both backends tear a store's tables down as a
// single whole-store wipe (file removal, or DROP SCHEMA ... CASCADE).
func ConnectionRecordsDDL(qualify func(string) string, foreignKeyType string) []string {
	q := qualify
	if q == nil {
		q = func(s string) string { return s }
	}
	return []string{
		`CREATE TABLE IF NOT EXISTS ` + q("connection_records") + ` (
			item_id ` + foreignKeyType + ` PRIMARY KEY REFERENCES ` + q("items") + `(id) ON DELETE CASCADE,
			state TEXT NULL,
			their_did TEXT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS ix_connection_records_state ON ` + q("connection_records") + ` (state)`,
		`CREATE INDEX IF NOT EXISTS ix_connection_records_their_did ON ` + q("connection_records") + ` (their_did)`,
	}
}

// WithQualify returns a copy of c bound to qualify instead of c.Qualify,
// leaving c itself untouched.
func (c *Connection) WithQualify(qualify func(string) string) Handler {
	rebound := *c
	rebound.Qualify = qualify
	return &rebound
}

func (c *Connection) Insert(ctx context.Context, cur Cursor, profileID int64, category, name string, value []byte, tags []TagPair, expiryMs *int64) error {
	if err := validUTF8(value, "handler.connection.insert"); err != nil {
		return err
	}
	var expiry any
	if expiryMs != nil {
		expiry = time.UnixMilli(*expiryMs).UTC()
	}
	itemID, err := c.insertItem(ctx, cur, profileID, category, name, value, expiry)
	if err != nil {
		if isUniqueErr(err) {
			return storeerr.NewBackend(storeerr.DuplicateItemEntry, "handler.connection.insert", err)
		}
		return storeerr.NewBackend(storeerr.QueryError, "handler.connection.insert", err)
	}
	if err := c.insertTags(ctx, cur, itemID, tags); err != nil {
		return err
	}
	return c.upsertRecord(ctx, cur, itemID, value)
}

func (c *Connection) Replace(ctx context.Context, cur Cursor, profileID int64, category, name string, value []byte, tags []TagPair, expiryMs *int64) error {
	if err := c.Default.Replace(ctx, cur, profileID, category, name, value, tags, expiryMs); err != nil {
		return err
	}
	itemID, err := c.lookupID(ctx, cur, profileID, category, name)
	if err != nil {
		return storeerr.NewBackend(storeerr.QueryError, "handler.connection.replace", err)
	}
	return c.upsertRecord(ctx, cur, itemID, value)
}

// upsertRecord projects value's state/their_did fields into
// connection_records. A value that does not parse as the expected shape
// leaves the normalized columns NULL rather than failing the write: the
// canonical value blob is authoritative, the projection is best-effort
// indexing on top of it.
func (c *Connection) upsertRecord(ctx context.Context, cur Cursor, itemID int64, value []byte) error {
	var f connectionFields
	_ = json.Unmarshal(value, &f)

	if _, err := c.exec(ctx, cur,
		fmt.Sprintf(`DELETE FROM %s WHERE item_id = ?`, c.table("connection_records")), itemID,
	); err != nil {
		return storeerr.NewBackend(storeerr.QueryError, "handler.connection.upsert_record", err)
	}
	if _, err := c.exec(ctx, cur,
		fmt.Sprintf(`INSERT INTO %s (item_id, state, their_did) VALUES (?, ?, ?)`, c.table("connection_records")),
		itemID, nullIfEmpty(f.State), nullIfEmpty(f.TheirDID),
	); err != nil {
		return storeerr.NewBackend(storeerr.QueryError, "handler.connection.upsert_record", err)
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
