package server

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/lib/pq"

	"github.com/openwallet-labs/agentstore/internal/store/backend"
	"github.com/openwallet-labs/agentstore/internal/store/migrate"
	"github.com/openwallet-labs/agentstore/internal/store/pool"
	"github.com/openwallet-labs/agentstore/internal/store/registry"
	"github.com/openwallet-labs/agentstore/internal/store/schemactx"
	"github.com/openwallet-labs/agentstore/internal/store/storeerr"
	"github.com/openwallet-labs/agentstore/internal/store/telemetry"
)

// connectRetryMaxElapsed bounds how long open() keeps retrying a transient
// connection failure before giving up, mirroring the teacher's bounded
// server-mode reconnect window.
const connectRetryMaxElapsed = 30 * time.Second

func newConnectBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = connectRetryMaxElapsed
	return bo
}

func init() {
	backend.Register(backend.Server, func(u *url.URL, raw string) (backend.Backend, error) {
		cfg, err := ParseConfig(u)
		if err != nil {
			return nil, err
		}
		for _, key := range cfg.UnknownKeys {
			log.Printf("server: ignoring unknown URI query key %q", key)
		}
		return New(cfg)
	})
	// Registered once, bare (Qualify left nil): the registry table is
	// shared by every tenant schema this process opens, so the per-tenant
	// qualifier is never baked in here. Callers resolve it per lookup via
	// registry.LookupQualified(..., schema.Qualify) instead.
	if err := registry.RegisterGenericRelease(backend.Server, nil); err != nil {
		panic(fmt.Sprintf("server: %v", err))
	}
	for _, r := range []migrate.Release{migrate.Release0_1, migrate.Release0_2} {
		if err := registry.RegisterNormalizedRelease(r, backend.Server, nil, baseDialect.ForeignKeyType); err != nil {
			panic(fmt.Sprintf("server: %v", err))
		}
	}
}

var baseDialect = backend.Dialect{
	PrimaryKeyColumn: "BIGSERIAL PRIMARY KEY",
	ForeignKeyType:   "BIGINT",
	TimestampType:    "TIMESTAMPTZ",
	NowDefault:       "now()",
}

// Backend is the networked store engine: a postgres:// store where every
// store instance owns a dedicated schema within a shared database,
// identified by SchemaContext and derived from the store's dbname.
type Backend struct {
	cfg    Config
	schema *schemactx.Context
	db     *sql.DB
}

// New constructs an unopened Backend for cfg, deriving its per-tenant
// schema qualifier from the store's database name.
func New(cfg Config) (*Backend, error) {
	ctx, err := schemactx.New(cfg.DBName)
	if err != nil {
		return nil, storeerr.New(storeerr.Input, "server.new", err)
	}
	return &Backend{cfg: cfg, schema: ctx}, nil
}

func (b *Backend) Tag() backend.Tag { return backend.Server }

// SchemaContext exposes the per-tenant qualifier this Backend derived from
// its DBName, so a caller wiring a session.Database around this Backend's
// Result does not need to re-derive it independently.
func (b *Backend) SchemaContext() *schemactx.Context { return b.schema }

func (b *Backend) dialect() backend.Dialect {
	d := baseDialect
	d.Qualify = b.schema.Qualify
	return d
}

// open establishes the lib/pq connection, retrying a transient connection
// failure (the server not yet accepting connections, a brief network blip)
// with bounded exponential backoff. A non-transient error fails immediately
// rather than burning the full backoff window.
func (b *Backend) open(ctx context.Context) (*sql.DB, error) {
	db, err := sql.Open("postgres", b.cfg.DSN())
	if err != nil {
		return nil, storeerr.NewBackend(storeerr.ConnectionError, "server.open", err)
	}

	attempts := 0
	pingErr := backoff.Retry(func() error {
		attempts++
		err := db.PingContext(ctx)
		if err == nil {
			return nil
		}
		if storeerr.IsRetryableConnError(err) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(newConnectBackoff(), ctx))
	if attempts > 1 {
		telemetry.Metrics.RetryCount.Add(ctx, int64(attempts-1))
	}
	if pingErr != nil {
		_ = db.Close()
		return nil, storeerr.NewBackend(storeerr.ConnectionError, "server.open", pingErr)
	}
	return db, nil
}

// Provision creates a fresh per-tenant schema in the target database and
// its core + category tables, per spec.md §4.4.
func (b *Backend) Provision(ctx context.Context, opts backend.ProvisionOptions) (*backend.Result, error) {
	releaseNumber := opts.ReleaseNumber
	if releaseNumber == "" {
		releaseNumber = string(migrate.Release0)
	}
	schemaConfig := "normalize"
	if releaseNumber == string(migrate.Release0) {
		schemaConfig = "generic"
	}
	if schemaConfig == "generic" && releaseNumber != string(migrate.Release0) {
		return nil, storeerr.New(storeerr.Input, "server.provision",
			fmt.Errorf("schema_config=generic requires release_number=release_0, got %q", releaseNumber))
	}

	db, err := b.open(ctx)
	if err != nil {
		return nil, err
	}
	b.db = db

	if opts.Recreate {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("DROP SCHEMA IF EXISTS %q CASCADE", b.schema.Schema())); err != nil {
			return nil, storeerr.NewBackend(storeerr.ProvisionError, "server.provision", err)
		}
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %q", b.schema.Schema())); err != nil {
		return nil, storeerr.NewBackend(storeerr.PermissionError, "server.provision", err)
	}

	p := pool.New(db, b.cfg.Pool, "postgres", nil)

	for _, stmt := range backend.CoreTableDDL(b.dialect()) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, storeerr.NewBackend(storeerr.ProvisionError, "server.provision", err)
		}
	}

	release := migrate.Release(releaseNumber)
	if release != migrate.Release0 {
		for _, stmt := range registry.CreateDDL(release, backend.Server) {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				return nil, storeerr.NewBackend(storeerr.ProvisionError, "server.provision", err)
			}
		}
	}

	profileName := opts.ProfileName
	if profileName == "" {
		profileName = "default"
	}
	var profileID int64
	row := db.QueryRowContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (name) VALUES ($1) RETURNING id`, b.schema.Qualify("profiles")), profileName)
	if err := row.Scan(&profileID); err != nil {
		return nil, storeerr.NewBackend(storeerr.ProvisionError, "server.provision", err)
	}

	rows := backend.BaselineConfigRows(releaseNumber, backend.Server, schemaConfig)
	for _, r := range rows {
		name, value := r[0].(string), r[1]
		if name == "default_profile" {
			value = profileName
		}
		if _, err := db.ExecContext(ctx,
			fmt.Sprintf(`INSERT INTO %s (name, value) VALUES ($1, $2)`, b.schema.Qualify("config")), name, value); err != nil {
			return nil, storeerr.NewBackend(storeerr.ProvisionError, "server.provision", err)
		}
	}

	return &backend.Result{Pool: p, EffectiveRelease: releaseNumber, EffectiveProfileID: profileID, EffectiveProfileName: profileName}, nil
}

// Open opens an existing per-tenant schema, per spec.md §4.4.
func (b *Backend) Open(ctx context.Context, opts backend.OpenOptions) (*backend.Result, error) {
	db, err := b.open(ctx)
	if err != nil {
		return nil, err
	}
	b.db = db

	var schemaExists bool
	if err := db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM information_schema.schemata WHERE schema_name = $1)`, b.schema.Schema(),
	).Scan(&schemaExists); err != nil {
		return nil, storeerr.NewBackend(storeerr.ConnectionError, "server.open", err)
	}
	if !schemaExists {
		return nil, storeerr.NewBackend(storeerr.DatabaseNotFound, "server.open",
			fmt.Errorf("no schema %q in database %q", b.schema.Schema(), b.cfg.DBName))
	}

	p := pool.New(db, b.cfg.Pool, "postgres", nil)

	cfgRows, err := readConfig(ctx, db, b.schema)
	if err != nil {
		return nil, storeerr.NewBackend(storeerr.UnsupportedVersion, "server.open", err)
	}
	releaseNumber, ok := cfgRows["schema_release_number"]
	if !ok {
		return nil, storeerr.NewBackend(storeerr.UnsupportedVersion, "server.open", fmt.Errorf("missing schema_release_number"))
	}
	schemaConfig, ok := cfgRows["schema_config"]
	if !ok {
		return nil, storeerr.NewBackend(storeerr.UnsupportedVersion, "server.open", fmt.Errorf("missing schema_config"))
	}
	if schemaConfig == "generic" && releaseNumber != string(migrate.Release0) {
		return nil, storeerr.NewBackend(storeerr.UnsupportedVersion, "server.open",
			fmt.Errorf("schema_config=generic but schema_release_number=%q", releaseNumber))
	}
	if schemaConfig == "normalize" && opts.TargetRelease != "" && opts.TargetRelease != releaseNumber {
		return nil, storeerr.NewBackend(storeerr.UnsupportedVersion, "server.open",
			fmt.Errorf("store is at release %q, caller requested %q; apply_migrations first", releaseNumber, opts.TargetRelease))
	}

	defaultProfile, ok := cfgRows["default_profile"]
	if !ok {
		return nil, storeerr.NewBackend(storeerr.DefaultProfileNotFound, "server.open", fmt.Errorf("missing default_profile"))
	}
	profileName := opts.ProfileName
	if profileName == "" {
		profileName = defaultProfile
	}
	var profileID int64
	row := db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT id FROM %s WHERE name = $1`, b.schema.Qualify("profiles")), profileName)
	if err := row.Scan(&profileID); err != nil {
		return nil, storeerr.NewBackend(storeerr.ProfileNotFound, "server.open", fmt.Errorf("profile %q: %w", profileName, err))
	}

	return &backend.Result{Pool: p, EffectiveRelease: releaseNumber, EffectiveProfileID: profileID, EffectiveProfileName: profileName}, nil
}

// Remove terminates every other backend session connected to the current
// database, not only those using this tenant's schema, and then drops the
// tenant schema. The termination runs over the backend's own connection as
// cfg.User; AdminAccount is not used. A failure to terminate surfaces as
// PermissionError rather than being skipped.
func (b *Backend) Remove(ctx context.Context) error {
	if b.db == nil {
		var err error
		b.db, err = b.open(ctx)
		if err != nil {
			return err
		}
	}
	if _, err := b.db.ExecContext(ctx, `
		SELECT pg_terminate_backend(pid) FROM pg_stat_activity
		WHERE datname = current_database() AND pid <> pg_backend_pid()`); err != nil {
		return storeerr.NewBackend(storeerr.PermissionError, "server.remove", err)
	}
	if _, err := b.db.ExecContext(ctx, fmt.Sprintf("DROP SCHEMA IF EXISTS %q CASCADE", b.schema.Schema())); err != nil {
		return storeerr.NewBackend(storeerr.ProvisionError, "server.remove", err)
	}
	return nil
}

// TranslateError classifies a native lib/pq error into the caller-facing
// store Kind.
func (b *Backend) TranslateError(err error) error {
	return storeerr.Translate("server", err)
}

func readConfig(ctx context.Context, db *sql.DB, schema *schemactx.Context) (map[string]string, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`SELECT name, value FROM %s`, schema.Qualify("config")))
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
