package registry

import (
	"github.com/openwallet-labs/agentstore/internal/store/backend"
	"github.com/openwallet-labs/agentstore/internal/store/handler"
	"github.com/openwallet-labs/agentstore/internal/store/migrate"
)

// RegisterGenericRelease registers release_0 for tag: no per-category DDL,
// every category (including DefaultCategory) routed to a single Default
// handler instance qualified the way the backend needs.
func RegisterGenericRelease(tag backend.Tag, qualify func(string) string) error {
	h := &handler.Default{Qualify: qualify, Numbered: tag == backend.Server}
	return Register(migrate.Release0, tag, map[string]Entry{
		DefaultCategory: {Handler: h},
	})
}

// RegisterNormalizedRelease registers a release_0_1+ table for tag:
// DefaultCategory still falls back to the generic Default handler (with no
// DDL of its own), and "connection" is routed to the specialized Connection
// handler, with its connection_records table's create DDL supplied so
// Provision can build it like any other category table. Both backends tear
// a store's category tables down as part of a single whole-store wipe
// (file removal on the embedded backend, `DROP SCHEMA ... CASCADE` on the
// server backend) rather than per-category drop statements, so no drop DDL
// is registered here. foreignKeyType is items.id's column type for this
// backend, per backend.Dialect.ForeignKeyType.
func RegisterNormalizedRelease(release migrate.Release, tag backend.Tag, qualify func(string) string, foreignKeyType string) error {
	numbered := tag == backend.Server
	create := handler.ConnectionRecordsDDL(qualify, foreignKeyType)
	return Register(release, tag, map[string]Entry{
		DefaultCategory: {Handler: &handler.Default{Qualify: qualify, Numbered: numbered}},
		"connection":    {Handler: handler.NewConnection(qualify, numbered), CreateDDL: create},
	})
}
