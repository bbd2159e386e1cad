package tablet

import (
	"sync"

	"github.com/devrev/pairdb/tablet-node/internal/memtracker"
	"github.com/devrev/pairdb/tablet-node/internal/metrics"
	"github.com/devrev/pairdb/tablet-node/internal/txn"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Replica is a state-machine wrapper around one tablet replica. The state
// machine belongs to this module; the log/consensus/storage it wraps via
// core is external. Replica is safe for concurrent use and is shared by
// reference between the Manager's registry and any caller holding a
// snapshot (see GetTabletPeers).
type Replica struct {
	meta *Metadata

	core    ReplicaCore
	tracker *txn.Tracker
	metrics *metrics.TabletMetrics

	mu        sync.Mutex
	state     State
	lastError error
}

// NewReplica constructs a replica in the Initializing state, owning a
// fresh Transaction Tracker.
func NewReplica(meta *Metadata, core ReplicaCore, logger *zap.Logger) *Replica {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Replica{
		meta:    meta,
		core:    core,
		tracker: txn.NewTracker(meta.TabletID, logger),
		state:   StateInitializing,
	}
}

// TabletID returns the replica's identifier.
func (r *Replica) TabletID() string { return r.meta.TabletID }

// TableID returns the owning table's identifier.
func (r *Replica) TableID() string { return r.meta.TableID }

// TableName returns the owning table's name.
func (r *Replica) TableName() string { return r.meta.TableName }

// SchemaVersion returns the schema version last read from metadata.
func (r *Replica) SchemaVersion() uint32 { return r.meta.SchemaVersion }

// Tracker returns the replica's owned Transaction Tracker.
func (r *Replica) Tracker() *txn.Tracker { return r.tracker }

// MetricsRegistry returns the replica's private Prometheus registry, or
// nil if StartInstrumentation has not been called yet. The Manager
// instruments every replica before submitting its bootstrap.
func (r *Replica) MetricsRegistry() *prometheus.Registry {
	if r.metrics == nil {
		return nil
	}
	return r.metrics.Registry()
}

// State returns the replica's current lifecycle state.
func (r *Replica) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Role returns the replica's consensus role as reported by its core, or
// NonParticipant if the replica has no core.
func (r *Replica) Role() Role {
	if r.core == nil {
		return RoleNonParticipant
	}
	return r.core.Role()
}

// LastError returns the error that moved this replica to Failed, or nil.
func (r *Replica) LastError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastError
}

func (r *Replica) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// SetFailed transitions the replica to Failed and records cause as its
// LastError. Per spec §3, last_error is set exactly when entering Failed.
func (r *Replica) SetFailed(cause error) {
	r.mu.Lock()
	r.state = StateFailed
	r.lastError = cause
	r.mu.Unlock()
}

// StartInstrumentation and StartMemoryTracking are one-time hooks applied
// at bootstrap time, threading the same sink/tracker through to the
// replica's owned Transaction Tracker.
func (r *Replica) StartInstrumentation(sink *metrics.TabletMetrics) {
	r.metrics = sink
	r.tracker.StartInstrumentation(sink)
}

func (r *Replica) StartMemoryTracking(parent *memtracker.Tracker, limitMB int64) {
	r.tracker.StartMemoryTracking(parent, limitMB)
}

// Init delegates to the external ReplicaCore, advancing to Bootstrapping
// on success. On failure it transitions to Failed and returns the cause.
func (r *Replica) Init(clock Clock, messenger Messenger, log Log) error {
	if err := r.core.Init(clock, messenger, log); err != nil {
		r.SetFailed(err)
		return err
	}
	r.setState(StateBootstrapping)
	return nil
}

// Start delegates to the external ReplicaCore, advancing to Running on
// success.
func (r *Replica) Start(info BootstrapInfo) error {
	if err := r.core.Start(info); err != nil {
		r.SetFailed(err)
		return err
	}
	r.setState(StateRunning)
	return nil
}

// Shutdown is idempotent and returns the state the replica was in
// immediately before this call. Tablet Manager uses the returned state to
// tell a caller who raced a concurrent shutdown (previous state already
// Quiescing or Shutdown) from one who observed Running.
func (r *Replica) Shutdown() State {
	r.mu.Lock()
	prev := r.state
	if prev == StateQuiescing || prev == StateShutdown {
		r.mu.Unlock()
		return prev
	}
	r.state = StateQuiescing
	r.mu.Unlock()

	if err := r.tracker.WaitForAllToFinish(drainTimeout); err != nil {
		// The drain itself timing out doesn't block shutdown — the
		// underlying core is torn down regardless, mirroring Kudu's
		// best-effort quiesce before a hard shutdown.
		_ = err
	}
	r.tracker.Close()
	r.core.Shutdown()

	r.mu.Lock()
	r.state = StateShutdown
	r.mu.Unlock()
	return prev
}

// ToUpdatedTablet renders the replica's current state into a report
// entry, mirroring Kudu's CreateReportedTabletPB: error is set iff the
// replica is Failed, schema_version iff the replica has been initialized
// far enough to know it.
func (r *Replica) ToUpdatedTablet() UpdatedTablet {
	r.mu.Lock()
	state := r.state
	lastErr := r.lastError
	r.mu.Unlock()

	ut := UpdatedTablet{
		TabletID: r.TabletID(),
		State:    state,
		Role:     r.Role(),
	}
	if state == StateFailed {
		ut.Error = lastErr
	}
	if state == StateRunning || state == StateQuiescing {
		sv := r.SchemaVersion()
		ut.SchemaVersion = &sv
	}
	return ut
}
