// Package schemactx implements the per-profile object-name qualifier used by
// the server backend to namespace DDL and DML across tenants sharing one
// database. The embedded backend does not use this package: a single-file
// store has no sibling tenants to collide with.
package schemactx

import (
	"fmt"
	"regexp"
	"strings"
)

var validIdent = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Context derives a schema (namespace) name from a tenant identity and
// qualifies object names against it.
type Context struct {
	schema string
}

// New derives a Context for tenant. tenant is typically the profile name or
// a connection-identity string; it is normalized into a safe schema
// identifier (lowercased, non-alphanumeric runs collapsed to underscore).
func New(tenant string) (*Context, error) {
	schema := normalize(tenant)
	if schema == "" {
		return nil, fmt.Errorf("schemactx: tenant %q normalizes to an empty schema name", tenant)
	}
	if !validIdent.MatchString(schema) {
		return nil, fmt.Errorf("schemactx: normalized schema name %q is not a valid identifier", schema)
	}
	return &Context{schema: schema}, nil
}

// Schema returns the bare schema name.
func (c *Context) Schema() string { return c.schema }

// Qualify returns object, schema-qualified (schema.object), quoted so the
// identifier survives case-sensitive or reserved-word object names.
func (c *Context) Qualify(object string) string {
	return fmt.Sprintf("%q.%q", c.schema, object)
}

func normalize(tenant string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range strings.ToLower(strings.TrimSpace(tenant)) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore && b.Len() > 0 {
				b.WriteRune('_')
				lastUnderscore = true
			}
		}
	}
	s := strings.TrimSuffix(b.String(), "_")
	if s != "" && s[0] >= '0' && s[0] <= '9' {
		s = "t_" + s
	}
	return s
}
