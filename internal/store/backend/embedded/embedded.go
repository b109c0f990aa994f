package embedded

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/openwallet-labs/agentstore/internal/store/backend"
	"github.com/openwallet-labs/agentstore/internal/store/migrate"
	"github.com/openwallet-labs/agentstore/internal/store/pool"
	"github.com/openwallet-labs/agentstore/internal/store/registry"
	"github.com/openwallet-labs/agentstore/internal/store/schemactx"
	"github.com/openwallet-labs/agentstore/internal/store/storeerr"
)

func init() {
	backend.Register(backend.Embedded, func(u *url.URL, raw string) (backend.Backend, error) {
		cfg, err := ParseConfig(raw)
		if err != nil {
			return nil, err
		}
		return New(cfg), nil
	})
	if err := registry.RegisterGenericRelease(backend.Embedded, nil); err != nil {
		panic(fmt.Sprintf("embedded: %v", err))
	}
	for _, r := range []migrate.Release{migrate.Release0_1, migrate.Release0_2} {
		if err := registry.RegisterNormalizedRelease(r, backend.Embedded, nil, dialect.ForeignKeyType); err != nil {
			panic(fmt.Sprintf("embedded: %v", err))
		}
	}
}

var dialect = backend.Dialect{
	PrimaryKeyColumn: "INTEGER PRIMARY KEY AUTOINCREMENT",
	ForeignKeyType:   "INTEGER",
	TimestampType:    "TIMESTAMP",
	NowDefault:       "CURRENT_TIMESTAMP",
}

// Backend is the embedded single-file engine: a sqlite:// store opened via
// database/sql and modernc.org/sqlite, with a bounded pool of size 1 since
// SQLite serializes writers regardless of how many connections ask for one.
type Backend struct {
	cfg Config
	db  *sql.DB
}

// New constructs an unopened Backend for cfg. Callers invoke Provision or
// Open to actually establish the pool.
func New(cfg Config) *Backend {
	return &Backend{cfg: cfg}
}

func (b *Backend) Tag() backend.Tag { return backend.Embedded }

// SchemaContext always returns nil: the embedded backend has no sibling
// tenants within its single file, so it never namespaces object names.
func (b *Backend) SchemaContext() *schemactx.Context { return nil }

func (b *Backend) open(ctx context.Context) (*sql.DB, error) {
	if b.cfg.Path != ":memory:" {
		if dir := filepath.Dir(b.cfg.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, storeerr.NewBackend(storeerr.ProvisionError, "embedded.open", err)
			}
		}
	}
	db, err := sql.Open("sqlite", b.cfg.DSN())
	if err != nil {
		return nil, storeerr.NewBackend(storeerr.ConnectionError, "embedded.open", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, storeerr.NewBackend(storeerr.ConnectionError, "embedded.open", err)
	}
	return db, nil
}

func checkpoint(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)")
	return err
}

// Provision creates a fresh store at cfg.Path, per spec.md §4.4.
func (b *Backend) Provision(ctx context.Context, opts backend.ProvisionOptions) (*backend.Result, error) {
	releaseNumber := opts.ReleaseNumber
	if releaseNumber == "" {
		releaseNumber = string(migrate.Release0)
	}
	// schema_config is generic iff release_0 was requested; any other
	// release uses normalize. Because schema_config is derived from the
	// release here rather than passed in, a mismatched pair cannot arise
	// and the check below never fires.
	schemaConfig := "normalize"
	if releaseNumber == string(migrate.Release0) {
		schemaConfig = "generic"
	}
	if schemaConfig == "generic" && releaseNumber != string(migrate.Release0) {
		return nil, storeerr.New(storeerr.Input, "embedded.provision",
			fmt.Errorf("schema_config=generic requires release_number=release_0, got %q", releaseNumber))
	}

	exists := b.cfg.Path == ":memory:" || fileExists(b.cfg.Path)
	if opts.Recreate && exists && b.cfg.Path != ":memory:" {
		if err := os.Remove(b.cfg.Path); err != nil && !os.IsNotExist(err) {
			return nil, storeerr.NewBackend(storeerr.ProvisionError, "embedded.provision", err)
		}
	}

	db, err := b.open(ctx)
	if err != nil {
		return nil, err
	}
	b.db = db
	p := pool.New(db, b.cfg.Pool, "sqlite", checkpoint)

	for _, stmt := range backend.CoreTableDDL(dialect) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, storeerr.NewBackend(storeerr.ProvisionError, "embedded.provision", err)
		}
	}

	release := migrate.Release(releaseNumber)
	if release != migrate.Release0 {
		for _, stmt := range registry.CreateDDL(release, backend.Embedded) {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				return nil, storeerr.NewBackend(storeerr.ProvisionError, "embedded.provision", err)
			}
		}
	}

	profileName := opts.ProfileName
	if profileName == "" {
		profileName = "default"
	}
	res, err := db.ExecContext(ctx, `INSERT INTO profiles (name) VALUES (?)`, profileName)
	if err != nil {
		return nil, storeerr.NewBackend(storeerr.ProvisionError, "embedded.provision", err)
	}
	profileID, _ := res.LastInsertId()

	rows := backend.BaselineConfigRows(releaseNumber, backend.Embedded, schemaConfig)
	for _, r := range rows {
		name, value := r[0].(string), r[1]
		if name == "default_profile" {
			value = profileName
		}
		if _, err := db.ExecContext(ctx, `INSERT INTO config (name, value) VALUES (?, ?)`, name, value); err != nil {
			return nil, storeerr.NewBackend(storeerr.ProvisionError, "embedded.provision", err)
		}
	}

	return &backend.Result{Pool: p, EffectiveRelease: releaseNumber, EffectiveProfileID: profileID, EffectiveProfileName: profileName}, nil
}

// Open opens an existing store, per spec.md §4.4.
func (b *Backend) Open(ctx context.Context, opts backend.OpenOptions) (*backend.Result, error) {
	if b.cfg.Path != ":memory:" && !fileExists(b.cfg.Path) {
		return nil, storeerr.NewBackend(storeerr.DatabaseNotFound, "embedded.open",
			fmt.Errorf("no database at %q", b.cfg.Path))
	}
	db, err := b.open(ctx)
	if err != nil {
		return nil, err
	}
	b.db = db
	p := pool.New(db, b.cfg.Pool, "sqlite", checkpoint)

	cfgRows, err := readConfig(ctx, db)
	if err != nil {
		return nil, storeerr.NewBackend(storeerr.UnsupportedVersion, "embedded.open", err)
	}
	releaseNumber, ok := cfgRows["schema_release_number"]
	if !ok {
		return nil, storeerr.NewBackend(storeerr.UnsupportedVersion, "embedded.open", fmt.Errorf("missing schema_release_number"))
	}
	schemaConfig, ok := cfgRows["schema_config"]
	if !ok {
		return nil, storeerr.NewBackend(storeerr.UnsupportedVersion, "embedded.open", fmt.Errorf("missing schema_config"))
	}
	if schemaConfig == "generic" && releaseNumber != string(migrate.Release0) {
		return nil, storeerr.NewBackend(storeerr.UnsupportedVersion, "embedded.open",
			fmt.Errorf("schema_config=generic but schema_release_number=%q", releaseNumber))
	}
	if schemaConfig == "normalize" && opts.TargetRelease != "" && opts.TargetRelease != releaseNumber {
		return nil, storeerr.NewBackend(storeerr.UnsupportedVersion, "embedded.open",
			fmt.Errorf("store is at release %q, caller requested %q; apply_migrations first", releaseNumber, opts.TargetRelease))
	}

	defaultProfile, ok := cfgRows["default_profile"]
	if !ok {
		return nil, storeerr.NewBackend(storeerr.DefaultProfileNotFound, "embedded.open", fmt.Errorf("missing default_profile"))
	}
	profileName := opts.ProfileName
	if profileName == "" {
		profileName = defaultProfile
	}
	var profileID int64
	row := db.QueryRowContext(ctx, `SELECT id FROM profiles WHERE name = ?`, profileName)
	if err := row.Scan(&profileID); err != nil {
		return nil, storeerr.NewBackend(storeerr.ProfileNotFound, "embedded.open", fmt.Errorf("profile %q: %w", profileName, err))
	}

	return &backend.Result{Pool: p, EffectiveRelease: releaseNumber, EffectiveProfileID: profileID, EffectiveProfileName: profileName}, nil
}

// Remove drops the store. The embedded backend has no concurrent sessions
// to terminate beyond the caller's own pool, which Database.close already
// closes before calling Remove.
func (b *Backend) Remove(ctx context.Context) error {
	if b.cfg.Path == ":memory:" {
		return nil
	}
	if err := os.Remove(b.cfg.Path); err != nil && !os.IsNotExist(err) {
		return storeerr.NewBackend(storeerr.ProvisionError, "embedded.remove", err)
	}
	return nil
}

// TranslateError classifies a native sqlite driver error into the
// caller-facing store Kind.
func (b *Backend) TranslateError(err error) error {
	return storeerr.Translate("embedded", err)
}

func readConfig(ctx context.Context, db *sql.DB) (map[string]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT name, value FROM config`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var name string
		var value sql.NullString
		if err := rows.Scan(&name, &value); err != nil {
			return nil, err
		}
		out[name] = value.String
	}
	return out, rows.Err()
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
