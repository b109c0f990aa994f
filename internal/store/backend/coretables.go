package backend

// Dialect isolates the handful of SQL spellings that differ between the
// embedded and server engines for the four core tables. Everything else
// about the core schema (column names, constraints, cascade behavior) is
// shared and lives in CoreTableDDL below.
type Dialect struct {
	// Qualify renders a bare object name as the backend needs it written
	// in DDL/DML (schema-qualified for the server backend, bare for the
	// embedded backend).
	Qualify func(object string) string

	PrimaryKeyColumn string // e.g. "INTEGER PRIMARY KEY" or "BIGSERIAL PRIMARY KEY"
	ForeignKeyType   string // e.g. "INTEGER" or "BIGINT"
	TimestampType    string // e.g. "TIMESTAMP" or "TIMESTAMPTZ"
	NowDefault       string // e.g. "CURRENT_TIMESTAMP" or "now()"
}

func bare(object string) string { return object }

// CoreTableDDL returns the ordered CREATE statements for the four core
// tables and their indexes, per spec §6's persisted layout.
func CoreTableDDL(d Dialect) []string {
	q := d.Qualify
	if q == nil {
		q = bare
	}
	return []string{
		`CREATE TABLE IF NOT EXISTS ` + q("config") + ` (
			name TEXT PRIMARY KEY,
			value TEXT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ` + q("profiles") + ` (
			id ` + d.PrimaryKeyColumn + `,
			name TEXT NOT NULL,
			reference TEXT NULL,
			profile_key TEXT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ix_profiles_name ON ` + q("profiles") + ` (name)`,
		`CREATE TABLE IF NOT EXISTS ` + q("items") + ` (
			id ` + d.PrimaryKeyColumn + `,
			profile_id ` + d.ForeignKeyType + ` NOT NULL REFERENCES ` + q("profiles") + `(id) ON DELETE CASCADE ON UPDATE CASCADE,
			kind INTEGER NOT NULL DEFAULT 0,
			category TEXT NOT NULL,
			name TEXT NOT NULL,
			value TEXT NOT NULL,
			expiry ` + d.TimestampType + ` NULL,
			created_at ` + d.TimestampType + ` NOT NULL DEFAULT ` + d.NowDefault + `
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ix_items_profile_category_name ON ` + q("items") + ` (profile_id, category, name)`,
		`CREATE INDEX IF NOT EXISTS ix_items_expiry ON ` + q("items") + ` (expiry)`,
		`CREATE TABLE IF NOT EXISTS ` + q("items_tags") + ` (
			id ` + d.PrimaryKeyColumn + `,
			item_id ` + d.ForeignKeyType + ` NOT NULL REFERENCES ` + q("items") + `(id) ON DELETE CASCADE ON UPDATE CASCADE,
			name TEXT NOT NULL,
			value TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS ix_items_tags_item_id ON ` + q("items_tags") + ` (item_id)`,
		`CREATE INDEX IF NOT EXISTS ix_items_tags_name_value ON ` + q("items_tags") + ` (name, value)`,
	}
}

// BaselineConfigRows returns the (name, value) pairs inserted after
// provision, per spec §6. value for "key" is nil (NULL), reserved for the
// embedded backend's at-rest encryption passphrase hash.
func BaselineConfigRows(releaseNumber string, tag Tag, schemaConfig string) [][2]any {
	return [][2]any{
		{"default_profile", nil}, // filled in by the caller once the default profile row exists
		{"schema_release_number", releaseNumber},
		{"schema_release_type", string(tag)},
		{"schema_config", schemaConfig},
		{"key", nil},
	}
}
