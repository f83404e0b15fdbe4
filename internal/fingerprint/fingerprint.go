// Package fingerprint defines the equivalence key deciding whether a worker
// daemon can serve a given unit of work. Two units of work may share a daemon
// iff their fingerprints are structurally equal.
package fingerprint

import (
	"encoding/hex"
	"fmt"
	"maps"
	"slices"

	"github.com/zeebo/blake3"

	"github.com/mattjoyce/journeyman/internal/codec"
)

// KeepAlive selects the shutdown boundary for daemons started from a
// fingerprint.
type KeepAlive string

const (
	// KeepAliveSession daemons are stopped when their session closes.
	KeepAliveSession KeepAlive = "session"
	// KeepAliveProcess daemons survive session close and are stopped only
	// when the owning process shuts the pool down for good.
	KeepAliveProcess KeepAlive = "process"
)

// Valid reports whether k names a known keep-alive boundary.
func (k KeepAlive) Valid() bool {
	return k == KeepAliveSession || k == KeepAliveProcess
}

// Fingerprint captures everything that makes two units of work compatible
// with the same daemon. Instances are treated as immutable values; mutating a
// fingerprint after handing it to the pool is a caller bug.
type Fingerprint struct {
	// ModulePath is the ordered list of module directories the worker
	// loads actions from. Order is identity: the same entries in a
	// different order are a different fingerprint.
	ModulePath []string `json:"module_path,omitempty"`
	// SharedTypes is the set of action type names exposed across the
	// isolation boundary. Set semantics: order and duplicates are ignored.
	SharedTypes []string `json:"shared_types,omitempty"`
	// Args are extra worker process arguments, ordered.
	Args []string `json:"args,omitempty"`
	// WorkDir is the worker's working directory. Empty means the pool
	// provisions a managed scratch directory.
	WorkDir string `json:"work_dir,omitempty"`
	// Env holds environment variable overrides applied to the worker.
	Env map[string]string `json:"env,omitempty"`
	// LogLevel the worker was (or would be) started with.
	LogLevel string `json:"log_level,omitempty"`
	// KeepAlive tags the daemon's shutdown boundary. Zero value means
	// session-scoped.
	KeepAlive KeepAlive `json:"keep_alive,omitempty"`
}

// Normalize returns a copy with set-semantics fields canonicalized and
// defaults applied. Key and Equal operate on the normalized form, so callers
// may pass unnormalized values everywhere.
func (f Fingerprint) Normalize() Fingerprint {
	out := Fingerprint{
		ModulePath: slices.Clone(f.ModulePath),
		Args:       slices.Clone(f.Args),
		WorkDir:    f.WorkDir,
		LogLevel:   f.LogLevel,
		KeepAlive:  f.KeepAlive,
	}
	if len(f.SharedTypes) > 0 {
		shared := slices.Clone(f.SharedTypes)
		slices.Sort(shared)
		out.SharedTypes = slices.Compact(shared)
	}
	if len(f.Env) > 0 {
		out.Env = maps.Clone(f.Env)
	}
	if out.KeepAlive == "" {
		out.KeepAlive = KeepAliveSession
	}
	return out
}

// Key returns the structural hash of the fingerprint as "blake3:<hex>".
// Equal fingerprints always produce the same key; the deterministic encoding
// makes map iteration order irrelevant.
func (f Fingerprint) Key() string {
	body, err := codec.Marshal(f.Normalize())
	if err != nil {
		// Fingerprints are plain strings and maps; encoding cannot fail
		// short of a codec bug.
		panic(fmt.Sprintf("fingerprint: encode for hashing: %v", err))
	}
	sum := blake3.Sum256(body)
	return "blake3:" + hex.EncodeToString(sum[:])
}

// Equal reports structural equality of the normalized forms.
func (f Fingerprint) Equal(other Fingerprint) bool {
	a, b := f.Normalize(), other.Normalize()
	return slices.Equal(a.ModulePath, b.ModulePath) &&
		slices.Equal(a.SharedTypes, b.SharedTypes) &&
		slices.Equal(a.Args, b.Args) &&
		a.WorkDir == b.WorkDir &&
		maps.Equal(a.Env, b.Env) &&
		a.LogLevel == b.LogLevel &&
		a.KeepAlive == b.KeepAlive
}

// Surviving reports whether daemons from this fingerprint outlive their
// session.
func (f Fingerprint) Surviving() bool {
	return f.KeepAlive == KeepAliveProcess
}
