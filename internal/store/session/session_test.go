package session

import (
	"context"
	"testing"
	"time"

	"github.com/openwallet-labs/agentstore/internal/store/backend"
	embeddedbackend "github.com/openwallet-labs/agentstore/internal/store/backend/embedded"
	"github.com/openwallet-labs/agentstore/internal/store/handler"
	"github.com/openwallet-labs/agentstore/internal/store/pool"
	"github.com/openwallet-labs/agentstore/internal/store/storeerr"
	"github.com/openwallet-labs/agentstore/internal/store/tagquery"
)

func newTestDatabase(t *testing.T, cfg Config) (*Database, *embeddedbackend.Backend) {
	t.Helper()
	b := embeddedbackend.New(embeddedbackend.Config{Path: ":memory:", Pool: pool.DefaultConfig()})
	res, err := b.Provision(context.Background(), backend.ProvisionOptions{ProfileName: "test_profile"})
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	db := New(b, res, backend.Embedded, nil, cfg)
	t.Cleanup(func() { _ = db.Close(context.Background(), false) })
	return db, b
}

func TestSessionInsertFetchRoundTrip(t *testing.T) {
	db, _ := newTestDatabase(t, Config{})
	ctx := context.Background()

	sess, err := db.Session(ctx, "")
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	defer sess.Close(ctx)

	tags := []handler.TagPair{{Name: "attr::person.status", Value: "active"}}
	if err := sess.Insert(ctx, "people", "person1", []byte(`{"name":"Alice"}`), tags, nil); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	active, _ := tagquery.Parse([]byte(`{"attr::person.status":"active"}`))
	entry, err := sess.Fetch(ctx, "people", "person1", active, false)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if entry == nil || string(entry.Value) != `{"name":"Alice"}` {
		t.Fatalf("entry = %+v", entry)
	}
}

func TestTransactionCommitMakesEffectsVisible(t *testing.T) {
	db, _ := newTestDatabase(t, Config{})
	ctx := context.Background()

	tx, err := db.Transaction(ctx, "")
	if err != nil {
		t.Fatalf("Transaction: %v", err)
	}
	if err := tx.Insert(ctx, "people", "person1", []byte("v1"), nil, nil); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	sess, err := db.Session(ctx, "")
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	defer sess.Close(ctx)
	entry, err := sess.Fetch(ctx, "people", "person1", nil, false)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if entry == nil || string(entry.Value) != "v1" {
		t.Fatalf("entry = %+v, want v1 visible after commit", entry)
	}
}

// TestTransactionRollbackLeavesNoEffect covers invariant #10: no effect of a
// failed/aborted transaction is visible after it exits.
func TestTransactionRollbackLeavesNoEffect(t *testing.T) {
	db, _ := newTestDatabase(t, Config{})
	ctx := context.Background()

	tx, err := db.Transaction(ctx, "")
	if err != nil {
		t.Fatalf("Transaction: %v", err)
	}
	if err := tx.Insert(ctx, "people", "person1", []byte("v1"), nil, nil); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tx.Rollback(ctx); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	sess, err := db.Session(ctx, "")
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	defer sess.Close(ctx)
	entry, err := sess.Fetch(ctx, "people", "person1", nil, false)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if entry != nil {
		t.Fatalf("entry = %+v, want no row visible after rollback", entry)
	}
}

// TestSessionCloseOnActiveTransactionRollsBack covers the documented
// Close-as-implicit-rollback behavior for a transaction never explicitly
// committed or rolled back.
func TestSessionCloseOnActiveTransactionRollsBack(t *testing.T) {
	db, _ := newTestDatabase(t, Config{})
	ctx := context.Background()

	tx, err := db.Transaction(ctx, "")
	if err != nil {
		t.Fatalf("Transaction: %v", err)
	}
	if err := tx.Insert(ctx, "people", "person1", []byte("v1"), nil, nil); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tx.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// Close is idempotent.
	if err := tx.Close(ctx); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	sess, err := db.Session(ctx, "")
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	defer sess.Close(ctx)
	entry, err := sess.Fetch(ctx, "people", "person1", nil, false)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if entry != nil {
		t.Fatalf("entry = %+v, want no row visible after implicit rollback on Close", entry)
	}
}

// TestSessionCapEnforced covers invariant #9: session() returns
// ConnectionPoolExhausted iff active_sessions.len() >= max_sessions.
func TestSessionCapEnforced(t *testing.T) {
	db, _ := newTestDatabase(t, Config{MaxSessions: 1})
	ctx := context.Background()

	first, err := db.Session(ctx, "")
	if err != nil {
		t.Fatalf("first Session: %v", err)
	}
	defer first.Close(ctx)

	if db.ActiveSessions() != 1 {
		t.Fatalf("ActiveSessions = %d, want 1", db.ActiveSessions())
	}

	_, err = db.Session(ctx, "")
	be, ok := storeerr.AsBackend(err)
	if !ok || be.Kind != storeerr.ConnectionPoolExhausted {
		t.Fatalf("second Session error = %v, want ConnectionPoolExhausted", err)
	}

	if err := first.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if db.ActiveSessions() != 0 {
		t.Fatalf("ActiveSessions after close = %d, want 0", db.ActiveSessions())
	}

	second, err := db.Session(ctx, "")
	if err != nil {
		t.Fatalf("Session after release: %v", err)
	}
	defer second.Close(ctx)
}

// TestLeakMonitorForceClosesStaleSession exercises the background monitor
// described in spec.md §4.5: a session whose age exceeds LeakThreshold is
// force-closed, freeing its slot in the active set.
func TestLeakMonitorForceClosesStaleSession(t *testing.T) {
	db, _ := newTestDatabase(t, Config{MaxSessions: 1, LeakThreshold: 20 * time.Millisecond})
	ctx := context.Background()

	if _, err := db.Session(ctx, ""); err != nil {
		t.Fatalf("Session: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for db.ActiveSessions() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("leaked session was never force-closed, ActiveSessions = %d", db.ActiveSessions())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSessionDiagnosticIDsAreUnique(t *testing.T) {
	db, _ := newTestDatabase(t, Config{})
	ctx := context.Background()

	a, err := db.Session(ctx, "")
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	defer a.Close(ctx)
	b, err := db.Session(ctx, "")
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	defer b.Close(ctx)

	if a.DiagnosticID() == b.DiagnosticID() {
		t.Fatalf("expected distinct diagnostic ids, got %s twice", a.DiagnosticID())
	}
}

func TestCreateAndRemoveProfile(t *testing.T) {
	db, _ := newTestDatabase(t, Config{})
	ctx := context.Background()

	id, err := db.CreateProfile(ctx, "second_profile")
	if err != nil {
		t.Fatalf("CreateProfile: %v", err)
	}
	name, err := db.GetProfileName(ctx, id)
	if err != nil {
		t.Fatalf("GetProfileName: %v", err)
	}
	if name != "second_profile" {
		t.Fatalf("name = %q, want second_profile", name)
	}

	if err := db.RemoveProfile(ctx, "second_profile"); err != nil {
		t.Fatalf("RemoveProfile: %v", err)
	}
	if _, err := db.GetProfileName(ctx, id); err == nil {
		t.Fatal("expected error resolving a removed profile")
	}
}

func TestCreateProfileDuplicateFails(t *testing.T) {
	db, _ := newTestDatabase(t, Config{})
	ctx := context.Background()

	if _, err := db.CreateProfile(ctx, "dup"); err != nil {
		t.Fatalf("CreateProfile: %v", err)
	}
	_, err := db.CreateProfile(ctx, "dup")
	be, ok := storeerr.AsBackend(err)
	if !ok || be.Kind != storeerr.ProfileAlreadyExists {
		t.Fatalf("error = %v, want ProfileAlreadyExists", err)
	}
}

func TestRekeyUnsupportedOnServerTag(t *testing.T) {
	db, _ := newTestDatabase(t, Config{})
	db.tag = backend.Server // simulate a server-tagged Database without a live postgres
	ctx := context.Background()
	err := db.Rekey(ctx, []byte("new-pass"))
	be, ok := storeerr.AsBackend(err)
	if !ok || be.Kind != storeerr.UnsupportedOperation {
		t.Fatalf("error = %v, want UnsupportedOperation", err)
	}
}

func TestDatabaseScanYieldsInOrder(t *testing.T) {
	db, _ := newTestDatabase(t, Config{})
	ctx := context.Background()

	sess, err := db.Session(ctx, "")
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	for _, name := range []string{"p1", "p2", "p3"} {
		if err := sess.Insert(ctx, "people", name, []byte("v"), []handler.TagPair{{Name: "status", Value: "active"}}, nil); err != nil {
			t.Fatalf("Insert %s: %v", name, err)
		}
	}
	if err := sess.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	active, _ := tagquery.Parse([]byte(`{"status":"active"}`))
	rows, err := db.Scan(ctx, "", "people", handler.ScanOptions{TagFilter: active, Offset: 1, Limit: 1})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	defer rows.Close()

	if !rows.Next() {
		t.Fatalf("expected one row, got none: %v", rows.Err())
	}
	if rows.Entry().Name != "p2" {
		t.Fatalf("entry = %q, want p2", rows.Entry().Name)
	}
	if rows.Next() {
		t.Fatalf("expected exactly one row, got another: %+v", rows.Entry())
	}
}
