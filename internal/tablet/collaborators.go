package tablet

import "context"

// FileSystem abstracts the directory that holds tablet metadata records.
// A real implementation lives in the storage engine; tests use
// tabletfakes.FileSystem.
type FileSystem interface {
	// ListMetadataFiles returns every tablet_id with a metadata record on
	// disk.
	ListMetadataFiles() ([]string, error)
	// NewBlockID generates a fresh opaque data block identifier.
	NewBlockID() string
}

// MetadataStore abstracts durable storage of one Metadata record per
// tablet.
type MetadataStore interface {
	CreateNew(meta *Metadata) error
	Load(tabletID string) (*Metadata, error)
	Persist(meta *Metadata) error
}

// StatusListener receives human-readable status strings during bootstrap
// and replica operation, surfaced for diagnostics.
type StatusListener interface {
	StatusMessage(msg string)
}

// Clock is the opaque time source handed into ReplicaCore.Init.
type Clock interface {
	Now() int64
}

// Messenger is the opaque RPC transport handle handed into
// ReplicaCore.Init.
type Messenger interface {
	LocalAddress() string
}

// Log is the opaque write-ahead log handle produced by bootstrap and
// handed into ReplicaCore.Init.
type Log interface {
	Close() error
}

// BootstrapResult is what Bootstrapper produces: a log handle, a reference
// registry, and bootstrap info for ReplicaCore.Start. It carries no
// storage handle.
type BootstrapResult struct {
	Log      Log
	RefCount interface{}
	Info     BootstrapInfo
}

// Bootstrapper replays a tablet's durable state. Given metadata, a clock,
// and a status listener, it produces a BootstrapResult or an opaque
// error.
type Bootstrapper interface {
	Bootstrap(ctx context.Context, meta *Metadata, clock Clock, listener StatusListener) (*BootstrapResult, error)
}

// ReplicaCore is the consensus/storage engine's surface on one replica.
// The Tablet Replica state machine is ours; everything Init/Start/
// Shutdown actually does underneath is external.
type ReplicaCore interface {
	Init(clock Clock, messenger Messenger, log Log) error
	Start(info BootstrapInfo) error
	// Shutdown releases the underlying consensus/storage resources. It is
	// called at most once per replica lifetime by Replica.Shutdown, which
	// owns the idempotency and state-transition bookkeeping.
	Shutdown()
	Role() Role
}

// MaintenanceManager registers per-replica background maintenance
// operations (e.g. compaction scheduling), out of scope for this module
// beyond the registration call itself.
type MaintenanceManager interface {
	RegisterOps(tabletID string, core ReplicaCore)
}
