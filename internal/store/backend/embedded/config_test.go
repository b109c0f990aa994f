package embedded

import (
	"strings"
	"testing"
)

func TestParseConfigPath(t *testing.T) {
	tests := []struct {
		uri      string
		wantPath string
		wantErr  bool
	}{
		{"sqlite:///tmp/wallet.db", "/tmp/wallet.db", false},
		{"sqlite://:memory:", ":memory:", false},
		{"sqlite:relative/path.db", "relative/path.db", false},
		{"sqlite://", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			cfg, err := ParseConfig(tt.uri)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tt.uri)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseConfig(%q): %v", tt.uri, err)
			}
			if cfg.Path != tt.wantPath {
				t.Fatalf("Path = %q, want %q", cfg.Path, tt.wantPath)
			}
			if cfg.Pool.MaxSize != 1 {
				t.Fatalf("MaxSize = %d, want 1 (single writer)", cfg.Pool.MaxSize)
			}
		})
	}
}

func TestDSNIncludesPragmas(t *testing.T) {
	cfg := Config{Path: "/tmp/wallet.db"}
	dsn := cfg.DSN()
	for _, want := range []string{"_pragma=foreign_keys(ON)", "_pragma=busy_timeout(", "_time_format=sqlite"} {
		if !strings.Contains(dsn, want) {
			t.Fatalf("DSN() = %q, missing %q", dsn, want)
		}
	}
}

func TestDSNMemory(t *testing.T) {
	cfg := Config{Path: ":memory:"}
	dsn := cfg.DSN()
	if !strings.Contains(dsn, "file::memory:") {
		t.Fatalf("DSN() = %q, want in-memory form", dsn)
	}
}

