// Package tablet implements the Tablet Manager and Tablet Replica: the
// registry, lifecycle orchestrator, and reporting subsystem grounded on
// original_source/src/kudu/tserver/ts_tablet_manager.cc. The on-disk
// bootstrap procedure, consensus engine, storage engine, clock, and
// filesystem are external collaborators, represented here as interfaces.
package tablet

import "fmt"

// State is a Tablet Replica's lifecycle state.
type State int

const (
	StateInitializing State = iota
	StateBootstrapping
	StateRunning
	StateQuiescing
	StateShutdown
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "Initializing"
	case StateBootstrapping:
		return "Bootstrapping"
	case StateRunning:
		return "Running"
	case StateQuiescing:
		return "Quiescing"
	case StateShutdown:
		return "Shutdown"
	case StateFailed:
		return "Failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Role is a Tablet Replica's consensus role, supplied by the consensus
// collaborator.
type Role int

const (
	RoleNonParticipant Role = iota
	RoleLeader
	RoleFollower
	RoleLearner
)

func (r Role) String() string {
	switch r {
	case RoleLeader:
		return "Leader"
	case RoleFollower:
		return "Follower"
	case RoleLearner:
		return "Learner"
	default:
		return "NonParticipant"
	}
}

// ManagerState is the Tablet Manager's own node-wide lifecycle state.
type ManagerState int

const (
	ManagerInitializing ManagerState = iota
	ManagerRunning
	ManagerQuiescing
	ManagerShutdown
)

func (s ManagerState) String() string {
	switch s {
	case ManagerInitializing:
		return "Initializing"
	case ManagerRunning:
		return "Running"
	case ManagerQuiescing:
		return "Quiescing"
	case ManagerShutdown:
		return "Shutdown"
	default:
		return fmt.Sprintf("ManagerState(%d)", int(s))
	}
}

// QuorumPeer is one member of a tablet's replication group.
type QuorumPeer struct {
	PermanentUUID string
	Role          Role
}

// QuorumConfig is the replication group configuration supplied to
// CreateNewTablet. SeqNo is always overridden to -1 before persisting,
// regardless of the value supplied here.
type QuorumConfig struct {
	Peers []QuorumPeer
	SeqNo int64
}

// Metadata is the small durable record identifying a tablet: its
// identity, schema version, quorum, and the two data block ids the
// storage engine will open. Persisted and loaded through MetadataStore.
type Metadata struct {
	TabletID      string
	TableID       string
	TableName     string
	SchemaVersion uint32
	Quorum        QuorumConfig
	BlockIDs      []string
}

// BootstrapInfo is the opaque result of replaying a tablet's write-ahead
// log, produced by Bootstrapper and consumed by ReplicaCore.Start.
type BootstrapInfo struct {
	Opaque interface{}
}

// CreateTabletRequest bundles CreateNewTablet's input fields.
type CreateTabletRequest struct {
	TableID       string
	TabletID      string
	TableName     string
	SchemaVersion uint32
	Quorum        QuorumConfig
}

// UpdatedTablet is one entry in a Report's updated_tablets list.
type UpdatedTablet struct {
	TabletID      string
	State         State
	Role          Role
	Error         error
	SchemaVersion *uint32
}

// Report is the stable wire contract pulled by the external cluster
// coordinator. It is a plain Go struct rather than a generated protobuf
// message — see SPEC_FULL.md §6 — since no RPC server in this module
// marshals it.
type Report struct {
	SequenceNumber   uint32
	IsIncremental    bool
	UpdatedTablets   []UpdatedTablet
	RemovedTabletIDs []string
}
