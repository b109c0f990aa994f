// Package registry implements the CategoryRegistry: given a (release,
// backend) pair, it returns the handler and create-DDL for every known
// category, with unknown categories falling back to "default". It keeps no
// drop-DDL.
// Grounded on the teacher's backend factory pattern
// (internal/storage/factory: backendRegistry map + RegisterBackend),
// generalized from a single flat map to the two-axis (release, backend) key
// this domain needs.
package registry

import (
	"fmt"
	"sort"

	"github.com/openwallet-labs/agentstore/internal/store/backend"
	"github.com/openwallet-labs/agentstore/internal/store/handler"
	"github.com/openwallet-labs/agentstore/internal/store/migrate"
	"github.com/openwallet-labs/agentstore/internal/store/storeerr"
)

// DefaultCategory is the fallback key every registry table must define.
const DefaultCategory = "default"

// Entry bundles one category's handler with its create DDL for one
// (release, backend) pair.
type Entry struct {
	Handler   handler.Handler
	CreateDDL []string
}

type tableKey struct {
	release migrate.Release
	tag     backend.Tag
}

// tables is the static table built at startup: (release, backend) ->
// category -> Entry. There is no runtime import: every (release, backend)
// pair a running process needs is registered during package init by the
// embedded and server backend packages.
var tables = map[tableKey]map[string]Entry{}

// Register adds or replaces the category table for one (release, backend)
// pair. entries must contain a DefaultCategory key. Called from the
// embedded and server packages' init() functions.
func Register(release migrate.Release, tag backend.Tag, entries map[string]Entry) error {
	if _, ok := entries[DefaultCategory]; !ok {
		return fmt.Errorf("registry: (%s, %s) table is missing the %q fallback category", release, tag, DefaultCategory)
	}
	tables[tableKey{release, tag}] = entries
	return nil
}

// Lookup returns the Entry for category under (release, tag), falling back
// to DefaultCategory when category is not explicitly registered. An
// unregistered (release, tag) pair fails with storeerr.UnsupportedVersion.
func Lookup(release migrate.Release, tag backend.Tag, category string) (Entry, error) {
	table, ok := tables[tableKey{release, tag}]
	if !ok {
		return Entry{}, storeerr.NewBackend(storeerr.UnsupportedVersion, "registry.lookup",
			fmt.Errorf("no category table registered for release %q backend %q", release, tag))
	}
	if e, ok := table[category]; ok {
		return e, nil
	}
	return table[DefaultCategory], nil
}

// LookupQualified behaves like Lookup, but rebinds the returned handler's
// object-name qualifier to qualify rather than whatever was registered at
// startup. The server backend shares one registry table across every
// tenant's schema, so each Database must supply its own schema's qualifier
// at lookup time instead of one being baked into the shared table entry -
// otherwise two tenants opened concurrently would race over a single
// mutable Qualify closure. Only handlers implementing handler.Rebindable
// support this; other handler kinds are returned unchanged.
func LookupQualified(release migrate.Release, tag backend.Tag, category string, qualify func(string) string) (Entry, error) {
	e, err := Lookup(release, tag, category)
	if err != nil {
		return Entry{}, err
	}
	if r, ok := e.Handler.(handler.Rebindable); ok {
		e.Handler = r.WithQualify(qualify)
	}
	return e, nil
}

// Supported reports whether (release, tag) has a registered table at all,
// without resolving a specific category.
func Supported(release migrate.Release, tag backend.Tag) bool {
	_, ok := tables[tableKey{release, tag}]
	return ok
}

// Categories returns the explicitly registered category names for
// (release, tag) in a stable, sorted order (DefaultCategory excluded,
// since it is always present and is not a "real" category on its own).
func Categories(release migrate.Release, tag backend.Tag) []string {
	table, ok := tables[tableKey{release, tag}]
	if !ok {
		return nil
	}
	names := make([]string, 0, len(table))
	for name := range table {
		if name == DefaultCategory {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CreateDDL returns the ordered create-DDL for every explicitly registered
// category under (release, tag), in Categories order. Categories with no
// DDL for this backend are skipped, per BackendConfig.provision step 5.
func CreateDDL(release migrate.Release, tag backend.Tag) []string {
	var all []string
	for _, name := range Categories(release, tag) {
		all = append(all, tables[tableKey{release, tag}][name].CreateDDL...)
	}
	return all
}
