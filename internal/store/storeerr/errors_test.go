package storeerr

import (
	"database/sql"
	"errors"
	"fmt"
	"testing"
)

func TestTranslate(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantKind Kind
	}{
		{
			name:     "nil error stays nil",
			err:      nil,
			wantKind: Success,
		},
		{
			name:     "record not found maps to NotFound",
			err:      NewBackend(RecordNotFound, "fetch", sql.ErrNoRows),
			wantKind: NotFound,
		},
		{
			name:     "duplicate item maps to Duplicate",
			err:      NewBackend(DuplicateItemEntry, "insert", errors.New("unique constraint")),
			wantKind: Duplicate,
		},
		{
			name:     "unsupported version maps to Unsupported",
			err:      NewBackend(UnsupportedVersion, "open", errors.New("bad release")),
			wantKind: Unsupported,
		},
		{
			name:     "pool exhausted maps to Busy",
			err:      NewBackend(ConnectionPoolExhausted, "acquire", errors.New("timeout")),
			wantKind: Busy,
		},
		{
			name:     "not encrypted maps to Encryption",
			err:      NewBackend(DatabaseNotEncrypted, "rekey", errors.New("no key set")),
			wantKind: Encryption,
		},
		{
			name:     "unclassified backend kind maps to Unexpected",
			err:      NewBackend(BackendUnexpected, "scan", errors.New("boom")),
			wantKind: Unexpected,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Translate("op", tt.err)
			if tt.err == nil {
				if got != nil {
					t.Fatalf("Translate(nil) = %v, want nil", got)
				}
				return
			}
			if !Is(got, tt.wantKind) {
				t.Fatalf("Translate() kind = %v, want %v", got, tt.wantKind)
			}
		})
	}
}

func TestTranslateNative(t *testing.T) {
	err := TranslateNative("fetch", sql.ErrNoRows)
	if !Is(err, NotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}

	err = TranslateNative("insert", errors.New("UNIQUE constraint failed: items.name"))
	if !Is(err, Duplicate) {
		t.Fatalf("expected Duplicate, got %v", err)
	}

	err = TranslateNative("exec", errors.New("disk I/O error"))
	if !Is(err, Unexpected) {
		t.Fatalf("expected Unexpected, got %v", err)
	}
}

func TestErrorChaining(t *testing.T) {
	root := errors.New("root cause")
	middle := fmt.Errorf("middle layer: %w", root)
	top := New(Backend, "top operation", middle)

	if !errors.Is(top, middle) {
		t.Error("top error doesn't wrap middle error")
	}
	if !errors.Is(top, root) {
		t.Error("top error doesn't wrap root error")
	}

	want := "top operation: Backend: middle layer: root cause"
	if top.Error() != want {
		t.Errorf("error message = %q, want %q", top.Error(), want)
	}
}

func TestIsRetryableConnError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"connection refused", errors.New("dial tcp: connection refused"), true},
		{"database locked", errors.New("database is locked"), true},
		{"unrelated error", errors.New("no such table"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryableConnError(tt.err); got != tt.want {
				t.Errorf("IsRetryableConnError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
