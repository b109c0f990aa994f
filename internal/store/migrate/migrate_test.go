package migrate

import (
	"context"
	"errors"
	"testing"

	"github.com/openwallet-labs/agentstore/internal/store/backend"
)

// TestFollowsMonotonicity covers invariant #11: apply_migrations(a, b) is
// only valid when b strictly follows a in RELEASE_ORDER.
func TestFollowsMonotonicity(t *testing.T) {
	cases := []struct {
		from, to Release
		want     bool
	}{
		{Release0, Release0_1, true},
		{Release0, Release0_2, true},
		{Release0_1, Release0_2, true},
		{Release0, Release0, false},
		{Release0_1, Release0, false},
		{Release0_2, Release0, false},
		{Release("bogus"), Release0_1, false},
		{Release0, Release("bogus"), false},
	}
	for _, c := range cases {
		if got := Follows(c.from, c.to); got != c.want {
			t.Errorf("Follows(%q, %q) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

// TestApplyRejectsNonForwardTarget covers invariant #11's failure half:
// Apply refuses any (from, to) pair where to does not strictly follow from.
func TestApplyRejectsNonForwardTarget(t *testing.T) {
	_, err := Apply(context.Background(), nil, Release0_1, Release0, backend.Embedded)
	if !errors.Is(err, ErrDowngrade) {
		t.Fatalf("err = %v, want ErrDowngrade", err)
	}

	_, err = Apply(context.Background(), nil, Release0, Release0, backend.Embedded)
	if !errors.Is(err, ErrDowngrade) {
		t.Fatalf("same-release err = %v, want ErrDowngrade", err)
	}
}

// TestApplySkipsUnregisteredAdjacentPairs covers the documented
// skip-don't-fail behavior for adjacent pairs with no registered Procedure:
// with nothing registered for this backend tag, every step is reported as
// skipped and no error is returned, rather than Apply trying to reach a
// nil *sql.DB.
func TestApplySkipsUnregisteredAdjacentPairs(t *testing.T) {
	skipped, err := Apply(context.Background(), nil, Release0, Release0_2, backend.Tag("no-such-backend-tag"))
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	want := []string{"release_0->release_0_1", "release_0_1->release_0_2"}
	if len(skipped) != len(want) {
		t.Fatalf("skipped = %v, want %v", skipped, want)
	}
	for i := range want {
		if skipped[i] != want[i] {
			t.Fatalf("skipped[%d] = %q, want %q", i, skipped[i], want[i])
		}
	}
}
