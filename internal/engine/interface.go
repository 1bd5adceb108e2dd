// Package engine implements the sync orchestration loop: it composes
// heterogeneous asynchronous event sources into one ordered stream, enforces
// a state machine over connection/sync state, guarantees at most one active
// loop per local graph, and classifies failures into retryable, fatal, and
// needs-full-pull.
package engine

import (
	"context"
	"encoding/json"

	"github.com/pagegraph/pagesync/internal/ws"
)

// Store is what the engine needs from the local graph database. The sync
// loop borrows the database, it never owns it: the exclusivity lock is what
// keeps a second mutator out.
type Store interface {
	// PendingOpCount returns the number of local edits awaiting push.
	PendingOpCount() (int64, error)

	// PendingAssetCount returns the number of asset transfers in flight.
	PendingAssetCount() (int64, error)

	// UsersByIDs materializes local identity records for presence diffing.
	UsersByIDs(ids []string) ([]UserInfo, error)

	// SetRemoteSchemaVersion records the remote schema version reported on
	// connection open.
	SetRemoteSchemaVersion(v string) error

	// Clocks returns the local and remote logical clocks.
	Clocks() (local, remote int64, err error)
}

// MetaStore is the read-only slice of the store the startup validator needs.
type MetaStore interface {
	GraphUUID() (string, error)
	SchemaVersion() (string, error)
	RemoteSchemaVersion() (string, error)
}

// ConnProvider yields the push stream of a live connection, redialing
// transparently. The returned channel closes when that connection dies;
// calling again resumes on a fresh connection.
type ConnProvider interface {
	AcquirePushes(ctx context.Context) (<-chan ws.Push, error)
}

// UpdateApplier merges a remote update batch into the local database. The
// conflict-resolution algorithm lives behind this boundary.
//
// Apply returns ErrNeedsFullPull (possibly wrapped) when incremental
// application cannot proceed safely; the loop treats that as control flow
// and falls through to a full remote pull, not as an error.
type UpdateApplier interface {
	Apply(ctx context.Context, graphUUID string, payload json.RawMessage) error
}

// OpsPusher encodes and uploads pending local operations.
type OpsPusher interface {
	Push(ctx context.Context) error
}

// DataPuller fetches remote data: incremental on PullRemoteUpdates, full
// when the applier demands it.
type DataPuller interface {
	Pull(ctx context.Context) error
	FullPull(ctx context.Context) error
}

// MigrationSynthesizer inspects local vs remote schema versions and queues
// whatever local migration operations the difference requires. Invoked once
// per loop start, after the first successful connection open.
type MigrationSynthesizer interface {
	InjectMigrationOps(ctx context.Context) error
}

// AssetSyncer is the binary-asset collaborator: a long-running sub-loop
// plus a handler for asset push notifications. Run is launched as a
// subordinate task when the loop reaches Running and cancelled on any exit
// path; it must return promptly once its context is cancelled.
type AssetSyncer interface {
	Run(ctx context.Context) error
	HandlePush(ctx context.Context, payload json.RawMessage) error
}

// PresenceInjector asks the server to inject authoritative user info for
// this graph's session.
type PresenceInjector interface {
	InjectPresence(ctx context.Context, graphUUID string) error
}

// RestartRequester receives the engine's request to restart the whole loop
// after a socket timeout. Implementations must be idempotent: a timeout
// restart may race an already-successful manual restart, and coalescing is
// the required behavior, not suppression.
type RestartRequester interface {
	RequestRestart()
}
