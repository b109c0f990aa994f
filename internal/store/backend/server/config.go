// Package server implements the networked store engine backend on top of
// lib/pq, grounded on the teacher's dolt server-mode connection/DSN/pool
// wiring (internal/storage/dolt/store.go openServerConnection,
// buildServerDSN) with the driver swapped from go-sql-driver/mysql to
// lib/pq because spec.md §6 fixes the wire scheme to postgres://.
package server

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/openwallet-labs/agentstore/internal/store/pool"
)

// recognizedQueryKeys are the only URI query parameters this backend
// understands; anything else is warned about and ignored, per spec.md §6.
var recognizedQueryKeys = map[string]bool{
	"connect_timeout": true,
	"sslmode":         true,
	"sslcert":         true,
	"sslkey":          true,
	"sslrootcert":     true,
	"admin_account":   true,
	"admin_password":  true,
	"min_connections": true,
	"max_connections": true,
	"max_idle":        true,
	"max_lifetime":    true,
	"max_sessions":    true,
}

// Config holds the server backend's explicit, enumerated settings.
type Config struct {
	User           string
	Password       string
	Host           string
	Port           string
	DBName         string
	SSLMode        string
	SSLCert        string
	SSLKey         string
	SSLRootCert    string
	ConnectTimeout string
	AdminAccount   string
	AdminPassword  string
	MaxSessions    int
	Pool           pool.Config

	// UnknownKeys records query keys not in recognizedQueryKeys, so the
	// caller can log a warning for each rather than silently dropping them.
	UnknownKeys []string
}

// ParseConfig parses a postgres:// or postgresql:// URI into a Config.
func ParseConfig(u *url.URL) (Config, error) {
	if u.Path == "" || u.Path == "/" {
		return Config{}, fmt.Errorf("server: postgres:// URI is missing a database name")
	}
	cfg := Config{
		Host:   u.Hostname(),
		Port:   u.Port(),
		DBName: strings.TrimPrefix(u.Path, "/"),
		Pool:   pool.DefaultConfig(),
	}
	if cfg.Port == "" {
		cfg.Port = "5432"
	}
	if u.User != nil {
		cfg.User = u.User.Username()
		cfg.Password, _ = u.User.Password()
	}

	q := u.Query()
	for key, vals := range q {
		if !recognizedQueryKeys[key] {
			cfg.UnknownKeys = append(cfg.UnknownKeys, key)
			continue
		}
		if len(vals) == 0 {
			continue
		}
		v := vals[0]
		switch key {
		case "connect_timeout":
			cfg.ConnectTimeout = v
		case "sslmode":
			cfg.SSLMode = v
		case "sslcert":
			cfg.SSLCert = v
		case "sslkey":
			cfg.SSLKey = v
		case "sslrootcert":
			cfg.SSLRootCert = v
		case "admin_account":
			cfg.AdminAccount = v
		case "admin_password":
			cfg.AdminPassword = v
		case "min_connections":
			n, err := strconv.Atoi(v)
			if err != nil {
				return Config{}, fmt.Errorf("server: invalid min_connections %q: %w", v, err)
			}
			cfg.Pool.MinSize = n
		case "max_connections":
			n, err := strconv.Atoi(v)
			if err != nil {
				return Config{}, fmt.Errorf("server: invalid max_connections %q: %w", v, err)
			}
			cfg.Pool.MaxSize = n
		case "max_idle":
			n, err := strconv.Atoi(v)
			if err != nil {
				return Config{}, fmt.Errorf("server: invalid max_idle %q: %w", v, err)
			}
			cfg.Pool.MaxIdle = n
		case "max_lifetime":
			secs, err := strconv.Atoi(v)
			if err != nil {
				return Config{}, fmt.Errorf("server: invalid max_lifetime %q: %w", v, err)
			}
			cfg.Pool.MaxLifetime = time.Duration(secs) * time.Second
		case "max_sessions":
			n, err := strconv.Atoi(v)
			if err != nil {
				return Config{}, fmt.Errorf("server: invalid max_sessions %q: %w", v, err)
			}
			cfg.MaxSessions = n
		}
	}
	if cfg.SSLMode == "" {
		cfg.SSLMode = "prefer"
	}
	return cfg, nil
}

// DSN builds the lib/pq connection string, omitting empty fields so the
// driver falls back to its own defaults (e.g. PGPASSFILE, PGSSLMODE env
// vars) where a setting was not provided.
func (c Config) DSN() string {
	var b strings.Builder
	fmt.Fprintf(&b, "host=%s port=%s dbname=%s", c.Host, c.Port, c.DBName)
	if c.User != "" {
		fmt.Fprintf(&b, " user=%s", c.User)
	}
	if c.Password != "" {
		fmt.Fprintf(&b, " password=%s", c.Password)
	}
	if c.SSLMode != "" {
		fmt.Fprintf(&b, " sslmode=%s", c.SSLMode)
	}
	if c.SSLCert != "" {
		fmt.Fprintf(&b, " sslcert=%s", c.SSLCert)
	}
	if c.SSLKey != "" {
		fmt.Fprintf(&b, " sslkey=%s", c.SSLKey)
	}
	if c.SSLRootCert != "" {
		fmt.Fprintf(&b, " sslrootcert=%s", c.SSLRootCert)
	}
	if c.ConnectTimeout != "" {
		fmt.Fprintf(&b, " connect_timeout=%s", c.ConnectTimeout)
	}
	return b.String()
}
