package agentstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openwallet-labs/agentstore/internal/store/storeerr"
)

func TestProvisionOpenSessionRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := Provision(ctx, "sqlite://:memory:", ProvisionOptions{ProfileName: "wallet"})
	require.NoError(t, err)
	defer store.Close(ctx, false)

	sess, err := store.Session(ctx, "")
	require.NoError(t, err)
	defer sess.Close(ctx)

	tags := []TagPair{{Name: "attr::credential.type", Value: "driver_license"}}
	require.NoError(t, sess.Insert(ctx, "credentials", "cred1", []byte(`{"issuer":"DMV"}`), tags, nil))

	q, err := ParseTagFilter([]byte(`{"attr::credential.type":"driver_license"}`))
	require.NoError(t, err)

	entry, err := sess.Fetch(ctx, "credentials", "cred1", q, false)
	require.NoError(t, err)
	require.NotNil(t, entry)
	require.Equal(t, `{"issuer":"DMV"}`, string(entry.Value))
}

func TestTransactionAcrossStoreAPI(t *testing.T) {
	ctx := context.Background()
	store, err := Provision(ctx, "sqlite://:memory:", ProvisionOptions{})
	require.NoError(t, err)
	defer store.Close(ctx, false)

	tx, err := store.Transaction(ctx, "")
	require.NoError(t, err)
	require.NoError(t, tx.Insert(ctx, "credentials", "cred1", []byte("v1"), nil, nil))
	require.NoError(t, tx.Commit(ctx))

	sess, err := store.Session(ctx, "")
	require.NoError(t, err)
	defer sess.Close(ctx)
	entry, err := sess.Fetch(ctx, "credentials", "cred1", nil, false)
	require.NoError(t, err)
	require.Equal(t, "v1", string(entry.Value))
}

func TestCreateProfileAndMigrate(t *testing.T) {
	ctx := context.Background()
	store, err := Provision(ctx, "sqlite://:memory:", ProvisionOptions{ReleaseNumber: Release0})
	require.NoError(t, err)
	defer store.Close(ctx, false)

	id, err := store.CreateProfile(ctx, "second")
	require.NoError(t, err)
	name, err := store.GetProfileName(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "second", name)

	skipped, err := store.Migrate(ctx, Release0_1)
	require.NoError(t, err)
	_ = skipped // either applied or reported as a no-op step; both are acceptable here
}

// TestMigrateRejectsDowngrade covers invariant #11: migrating to a release
// that does not strictly follow the current one fails with an
// UnsupportedVersion backend error.
func TestMigrateRejectsDowngrade(t *testing.T) {
	ctx := context.Background()
	store, err := Provision(ctx, "sqlite://:memory:", ProvisionOptions{ReleaseNumber: Release0_1})
	require.NoError(t, err)
	defer store.Close(ctx, false)

	_, err = store.Migrate(ctx, Release0)
	require.Error(t, err)
	var be *storeerr.BackendError
	require.ErrorAs(t, err, &be)
	require.Equal(t, storeerr.UnsupportedVersion, be.Kind)
}
