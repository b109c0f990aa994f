package embedded

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/openwallet-labs/agentstore/internal/store/backend"
	"github.com/openwallet-labs/agentstore/internal/store/migrate"
	"github.com/openwallet-labs/agentstore/internal/store/registry"
	"github.com/openwallet-labs/agentstore/internal/store/storeerr"
)

func TestProvisionThenOpenRoundTrip(t *testing.T) {
	ctx := context.Background()
	cfg, err := ParseConfig("sqlite://:memory:")
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	b := New(cfg)

	res, err := b.Provision(ctx, backend.ProvisionOptions{ProfileName: "test_profile"})
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if res.EffectiveRelease != "release_0" {
		t.Fatalf("EffectiveRelease = %q, want release_0", res.EffectiveRelease)
	}
	if res.EffectiveProfileName != "test_profile" {
		t.Fatalf("EffectiveProfileName = %q, want test_profile", res.EffectiveProfileName)
	}

	var count int
	row := res.Pool.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM config`)
	if err := row.Scan(&count); err != nil {
		t.Fatalf("count config rows: %v", err)
	}
	if count != 5 {
		t.Fatalf("baseline config rows = %d, want 5", count)
	}
	res.Pool.Close(ctx)
}

func TestProvisionRelease0Succeeds(t *testing.T) {
	ctx := context.Background()
	cfg, err := ParseConfig("sqlite://:memory:")
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	b := New(cfg)
	res, err := b.Provision(ctx, backend.ProvisionOptions{ReleaseNumber: "release_0"})
	if err != nil {
		t.Fatalf("Provision with release_0 should succeed: %v", err)
	}
	res.Pool.Close(ctx)
}

// TestRecreateWipesExistingStore covers invariant #12: provision(recreate=true)
// on an existing store leaves no rows other than the baseline default
// profile, with category tables for the target release re-created empty.
func TestRecreateWipesExistingStore(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "store.db")

	cfg, err := ParseConfig("sqlite://" + path)
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	b := New(cfg)
	res, err := b.Provision(ctx, backend.ProvisionOptions{ProfileName: "default"})
	if err != nil {
		t.Fatalf("first Provision: %v", err)
	}
	if _, err := res.Pool.DB().ExecContext(ctx, `INSERT INTO profiles (name) VALUES (?)`, "extra"); err != nil {
		t.Fatalf("seed extra profile: %v", err)
	}
	if _, err := res.Pool.DB().ExecContext(ctx,
		`INSERT INTO items (profile_id, category, name, value) VALUES (1, 'people', 'p1', 'v1')`); err != nil {
		t.Fatalf("seed item: %v", err)
	}
	res.Pool.Close(ctx)

	b2 := New(cfg)
	res2, err := b2.Provision(ctx, backend.ProvisionOptions{ProfileName: "default", Recreate: true})
	if err != nil {
		t.Fatalf("recreate Provision: %v", err)
	}
	defer res2.Pool.Close(ctx)

	var profileCount int
	if err := res2.Pool.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM profiles`).Scan(&profileCount); err != nil {
		t.Fatalf("count profiles: %v", err)
	}
	if profileCount != 1 {
		t.Fatalf("profiles after recreate = %d, want 1 (baseline default only)", profileCount)
	}

	var itemCount int
	if err := res2.Pool.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM items`).Scan(&itemCount); err != nil {
		t.Fatalf("count items: %v", err)
	}
	if itemCount != 0 {
		t.Fatalf("items after recreate = %d, want 0", itemCount)
	}
}

// TestNormalizedReleaseConnectionCategoryRoundTrip covers invariant #6's
// extra requirement for a normalize store: a store provisioned at a
// release_0_1+ release creates the "connection" category's normalized
// table, and the category's registered handler round-trips through it.
func TestNormalizedReleaseConnectionCategoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	cfg, err := ParseConfig("sqlite://:memory:")
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	b := New(cfg)
	res, err := b.Provision(ctx, backend.ProvisionOptions{ProfileName: "default", ReleaseNumber: string(migrate.Release0_1)})
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	defer res.Pool.Close(ctx)

	entry, err := registry.Lookup(migrate.Release0_1, backend.Embedded, "connection")
	if err != nil {
		t.Fatalf("registry.Lookup: %v", err)
	}

	db := res.Pool.DB()
	value := []byte(`{"state":"active","their_did":"did:peer:1zQm"}`)
	if err := entry.Handler.Insert(ctx, db, res.EffectiveProfileID, "connection", "conn1", value, nil, nil); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	fetched, err := entry.Handler.Fetch(ctx, db, res.EffectiveProfileID, "connection", "conn1", nil, false)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if fetched == nil || string(fetched.Value) != string(value) {
		t.Fatalf("entry = %+v, want value %s", fetched, value)
	}

	var state string
	row := db.QueryRowContext(ctx, `SELECT state FROM connection_records WHERE item_id = (
		SELECT id FROM items WHERE category = 'connection' AND name = 'conn1'
	)`)
	if err := row.Scan(&state); err != nil {
		t.Fatalf("scan connection_records: %v", err)
	}
	if state != "active" {
		t.Fatalf("state = %q, want active", state)
	}
}

func TestOpenMissingDatabaseFails(t *testing.T) {
	ctx := context.Background()
	cfg, err := ParseConfig("sqlite:///nonexistent/path/does-not-exist.db")
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	b := New(cfg)
	_, err = b.Open(ctx, backend.OpenOptions{})
	be, ok := storeerr.AsBackend(err)
	if !ok || be.Kind != storeerr.DatabaseNotFound {
		t.Fatalf("expected DatabaseNotFound, got %v", err)
	}
}
