// Package backend defines the backend-agnostic contract every concrete
// storage engine implements (embedded single-file, networked server), plus
// the URI-scheme dispatch used to open one from a connection string.
package backend

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/openwallet-labs/agentstore/internal/store/pool"
)

// Tag identifies a concrete backend implementation.
type Tag string

const (
	Embedded Tag = "sqlite"
	Server   Tag = "postgres"
)

// CanonicalTag maps a URI scheme to its backend Tag. "postgres" and
// "postgresql" are accepted as aliases and canonicalize to the single
// Server tag, per the resolved Open Question on scheme aliasing.
func CanonicalTag(scheme string) (Tag, error) {
	switch strings.ToLower(scheme) {
	case "sqlite":
		return Embedded, nil
	case "postgres", "postgresql":
		return Server, nil
	default:
		return "", fmt.Errorf("backend: unrecognized URI scheme %q", scheme)
	}
}

// ProvisionOptions parameterizes Backend.Provision.
type ProvisionOptions struct {
	ProfileName   string
	Recreate      bool
	ReleaseNumber string // empty means release_0
}

// OpenOptions parameterizes Backend.Open.
type OpenOptions struct {
	ProfileName   string // empty means use the stored default profile
	TargetRelease string // empty means accept whatever release is stored
}

// Result is returned by Provision and Open: the live pool plus the
// effective release and default profile resolved during the call.
type Result struct {
	Pool                 *pool.Pool
	EffectiveRelease     string
	EffectiveProfileID   int64
	EffectiveProfileName string
}

// Backend is the entry-point contract every concrete engine implements.
type Backend interface {
	Tag() Tag
	Provision(ctx context.Context, opts ProvisionOptions) (*Result, error)
	Open(ctx context.Context, opts OpenOptions) (*Result, error)
	Remove(ctx context.Context) error
	TranslateError(err error) error
}

// Opener constructs a Backend from a parsed URI. Concrete backend packages
// register themselves via Register in an init() function.
type Opener func(uri *url.URL, raw string) (Backend, error)

var openers = map[Tag]Opener{}

// Register associates tag with the given Opener. Called from the
// embedded and server packages' init() functions.
func Register(tag Tag, open Opener) {
	openers[tag] = open
}

// Open parses rawURI, dispatches to the registered Opener for its scheme,
// and constructs the corresponding Backend.
func Open(rawURI string) (Backend, error) {
	u, err := url.Parse(rawURI)
	if err != nil {
		return nil, fmt.Errorf("backend: invalid URI %q: %w", rawURI, err)
	}
	tag, err := CanonicalTag(u.Scheme)
	if err != nil {
		return nil, err
	}
	open, ok := openers[tag]
	if !ok {
		return nil, fmt.Errorf("backend: no opener registered for %q (forgot a blank import?)", tag)
	}
	return open(u, rawURI)
}
