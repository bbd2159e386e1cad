package tablet_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/devrev/pairdb/tablet-node/internal/errors"
	"github.com/devrev/pairdb/tablet-node/internal/tablet"
	"github.com/devrev/pairdb/tablet-node/internal/tablet/tabletfakes"
	"github.com/devrev/pairdb/tablet-node/internal/txn"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeDriver is a minimal comparable txn.Driver for the drain-under-load
// scenario below.
type fakeDriver struct {
	kind txn.Kind
	size int64
}

func (f *fakeDriver) Kind() txn.Kind     { return f.kind }
func (f *fakeDriver) RequestSize() int64 { return f.size }

func newDriver(kind txn.Kind, size int64) *fakeDriver {
	return &fakeDriver{kind: kind, size: size}
}

func newTestManager(t *testing.T, fs *tabletfakes.FileSystem, metaStore *tabletfakes.MetadataStore, bootstrapper *tabletfakes.Bootstrapper) *tablet.Manager {
	if fs == nil {
		fs = tabletfakes.NewFileSystem()
	}
	if metaStore == nil {
		metaStore = tabletfakes.NewMetadataStore()
	}
	if bootstrapper == nil {
		bootstrapper = tabletfakes.NewBootstrapper()
	}
	return tablet.NewManager(tablet.ManagerConfig{
		NodeID:                         "node-1",
		FS:                             fs,
		MetaStore:                      metaStore,
		Bootstrapper:                   bootstrapper,
		Clock:                          &tabletfakes.Clock{},
		Messenger:                      &tabletfakes.Messenger{},
		MaintenanceManager:             &tabletfakes.MaintenanceManager{},
		CoreFactory:                    func(meta *tablet.Metadata) tablet.ReplicaCore { return tabletfakes.NewReplicaCore() },
		NumTabletsToOpenSimultaneously: 8,
		TransactionMemoryLimitMB:       -1,
		Logger:                         zaptest.NewLogger(t),
	})
}

func TestScenario_ColdStartEmptyNode(t *testing.T) {
	m := newTestManager(t, nil, nil, nil)
	require.NoError(t, m.Init(context.Background()))
	require.Equal(t, tablet.ManagerRunning, m.State())

	full := m.GenerateFullTabletReport()
	require.Equal(t, uint32(0), full.SequenceNumber)
	require.False(t, full.IsIncremental)
	require.Empty(t, full.UpdatedTablets)
	require.Empty(t, full.RemovedTabletIDs)

	incr := m.GenerateIncrementalTabletReport()
	require.Equal(t, uint32(1), incr.SequenceNumber)
	require.True(t, incr.IsIncremental)
	require.Empty(t, incr.UpdatedTablets)
	require.Empty(t, incr.RemovedTabletIDs)
}

func TestScenario_CreateThenReport(t *testing.T) {
	m := newTestManager(t, nil, nil, nil)
	require.NoError(t, m.Init(context.Background()))

	_, err := m.CreateNewTablet(tablet.CreateTabletRequest{TableID: "t1", TabletID: "A", TableName: "orders"})
	require.NoError(t, err)

	require.NoError(t, m.WaitForAllBootstrapsToFinish())

	report := m.GenerateIncrementalTabletReport()
	require.Equal(t, uint32(0), report.SequenceNumber)
	require.Len(t, report.UpdatedTablets, 1)
	require.Equal(t, "A", report.UpdatedTablets[0].TabletID)
	require.Equal(t, tablet.StateRunning, report.UpdatedTablets[0].State)
	require.Empty(t, report.RemovedTabletIDs)
}

func TestScenario_DuplicateCreate(t *testing.T) {
	m := newTestManager(t, nil, nil, nil)
	require.NoError(t, m.Init(context.Background()))

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := m.CreateNewTablet(tablet.CreateTabletRequest{TableID: "t1", TabletID: "A", TableName: "orders"})
			results[i] = err
		}(i)
	}
	wg.Wait()

	successes, alreadyPresent := 0, 0
	for _, err := range results {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, errors.CodeAlreadyPresent):
			alreadyPresent++
		}
	}
	require.Equal(t, 1, successes)
	require.Equal(t, 1, alreadyPresent)
}

func TestScenario_DeleteAndIncremental(t *testing.T) {
	m := newTestManager(t, nil, nil, nil)
	require.NoError(t, m.Init(context.Background()))

	replica, err := m.CreateNewTablet(tablet.CreateTabletRequest{TableID: "t1", TabletID: "A", TableName: "orders"})
	require.NoError(t, err)
	require.NoError(t, m.WaitForAllBootstrapsToFinish())

	require.NoError(t, m.DeleteTablet(replica))

	report := m.GenerateIncrementalTabletReport()
	require.Empty(t, report.UpdatedTablets)
	require.Equal(t, []string{"A"}, report.RemovedTabletIDs)

	require.NoError(t, m.MarkTabletReportAcknowledged(report.SequenceNumber))

	report2 := m.GenerateIncrementalTabletReport()
	require.Empty(t, report2.UpdatedTablets)
	require.Empty(t, report2.RemovedTabletIDs)
}

func TestDeleteTablet_AlreadyShuttingDownReturnsServiceUnavailable(t *testing.T) {
	m := newTestManager(t, nil, nil, nil)
	require.NoError(t, m.Init(context.Background()))

	replica, err := m.CreateNewTablet(tablet.CreateTabletRequest{TableID: "t1", TabletID: "A", TableName: "orders"})
	require.NoError(t, err)
	require.NoError(t, m.WaitForAllBootstrapsToFinish())

	require.NoError(t, m.DeleteTablet(replica))
	err2 := m.DeleteTablet(replica)
	require.Error(t, err2)
	require.True(t, errors.Is(err2, errors.CodeServiceUnavailable))
}

func TestWaitForAllBootstrapsToFinish_SurfacesFirstFailure(t *testing.T) {
	bootstrapper := tabletfakes.NewBootstrapper()
	bootstrapper.FailFor("A", errBoom)

	m := newTestManager(t, nil, nil, bootstrapper)
	require.NoError(t, m.Init(context.Background()))

	_, err := m.CreateNewTablet(tablet.CreateTabletRequest{TableID: "t1", TabletID: "A", TableName: "orders"})
	require.NoError(t, err)

	err = m.WaitForAllBootstrapsToFinish()
	require.Error(t, err)
	require.Equal(t, errBoom, err)

	replica, err := m.LookupTablet("A")
	require.NoError(t, err)
	require.Equal(t, tablet.StateFailed, replica.State())
}

func TestLookupTablet_NotFound(t *testing.T) {
	m := newTestManager(t, nil, nil, nil)
	require.NoError(t, m.Init(context.Background()))

	_, err := m.LookupTablet("missing")
	require.Error(t, err)
	require.True(t, errors.Is(err, errors.CodeNotFound))
}

func TestFullReportFollowedByIncremental_NoIntervening_ReportsNothing(t *testing.T) {
	m := newTestManager(t, nil, nil, nil)
	require.NoError(t, m.Init(context.Background()))

	_, err := m.CreateNewTablet(tablet.CreateTabletRequest{TableID: "t1", TabletID: "A", TableName: "orders"})
	require.NoError(t, err)
	require.NoError(t, m.WaitForAllBootstrapsToFinish())

	_ = m.GenerateFullTabletReport()
	incr := m.GenerateIncrementalTabletReport()
	require.Empty(t, incr.UpdatedTablets)
	require.Empty(t, incr.RemovedTabletIDs)
}

func TestMarkTabletReportAcknowledged_OnlyPrunesAtOrBelowAckedSeq(t *testing.T) {
	m := newTestManager(t, nil, nil, nil)
	require.NoError(t, m.Init(context.Background()))

	_, err := m.CreateNewTablet(tablet.CreateTabletRequest{TableID: "t1", TabletID: "A", TableName: "orders"})
	require.NoError(t, err)
	require.NoError(t, m.WaitForAllBootstrapsToFinish())
	seq0 := m.GenerateIncrementalTabletReport().SequenceNumber

	_, err = m.CreateNewTablet(tablet.CreateTabletRequest{TableID: "t1", TabletID: "B", TableName: "orders"})
	require.NoError(t, err)
	require.NoError(t, m.WaitForAllBootstrapsToFinish())

	require.NoError(t, m.MarkTabletReportAcknowledged(seq0))

	report := m.GenerateIncrementalTabletReport()
	require.Len(t, report.UpdatedTablets, 1)
	require.Equal(t, "B", report.UpdatedTablets[0].TabletID)
}

func TestShutdown_IsIdempotentAndClearsRegistry(t *testing.T) {
	m := newTestManager(t, nil, nil, nil)
	require.NoError(t, m.Init(context.Background()))

	_, err := m.CreateNewTablet(tablet.CreateTabletRequest{TableID: "t1", TabletID: "A", TableName: "orders"})
	require.NoError(t, err)
	require.NoError(t, m.WaitForAllBootstrapsToFinish())

	require.NoError(t, m.Shutdown())
	require.Equal(t, tablet.ManagerShutdown, m.State())
	require.Empty(t, m.GetTabletPeers())

	require.NoError(t, m.Shutdown(), "Shutdown must be idempotent")
}

func TestInit_DiscoversPreseededMetadata(t *testing.T) {
	fs := tabletfakes.NewFileSystem("A", "B")
	metaStore := tabletfakes.NewMetadataStore()
	metaStore.Preseed(&tablet.Metadata{TabletID: "A", TableID: "t1", TableName: "orders"})
	metaStore.Preseed(&tablet.Metadata{TabletID: "B", TableID: "t1", TableName: "orders"})

	m := newTestManager(t, fs, metaStore, nil)
	require.NoError(t, m.Init(context.Background()))
	require.NoError(t, m.WaitForAllBootstrapsToFinish())

	require.Len(t, m.GetTabletPeers(), 2)
}

func TestReportSequenceNumbers_StrictlyIncreasingGapFree(t *testing.T) {
	m := newTestManager(t, nil, nil, nil)
	require.NoError(t, m.Init(context.Background()))

	var last uint32
	for i := 0; i < 5; i++ {
		var seq uint32
		if i%2 == 0 {
			seq = m.GenerateFullTabletReport().SequenceNumber
		} else {
			seq = m.GenerateIncrementalTabletReport().SequenceNumber
		}
		if i > 0 {
			require.Equal(t, last+1, seq)
		}
		last = seq
	}
}

func TestWaitForAllBootstrapsToFinish_PanicsBeforeRunning(t *testing.T) {
	m := newTestManager(t, nil, nil, nil)
	require.Panics(t, func() { _ = m.WaitForAllBootstrapsToFinish() })
}

func TestQuorum_SingleMemberMismatchPanics(t *testing.T) {
	m := newTestManager(t, nil, nil, nil)
	require.NoError(t, m.Init(context.Background()))

	req := tablet.CreateTabletRequest{
		TableID:   "t1",
		TabletID:  "A",
		TableName: "orders",
		Quorum: tablet.QuorumConfig{
			Peers: []tablet.QuorumPeer{{PermanentUUID: "some-other-node", Role: tablet.RoleLeader}},
		},
	}
	require.Panics(t, func() { _, _ = m.CreateNewTablet(req) })
}

func TestQuorum_SeqNoAlwaysOverriddenToMinusOne(t *testing.T) {
	metaStore := tabletfakes.NewMetadataStore()
	m := newTestManager(t, nil, metaStore, nil)
	require.NoError(t, m.Init(context.Background()))

	req := tablet.CreateTabletRequest{
		TableID:   "t1",
		TabletID:  "A",
		TableName: "orders",
		Quorum: tablet.QuorumConfig{
			Peers: []tablet.QuorumPeer{{PermanentUUID: "node-1", Role: tablet.RoleLeader}},
			SeqNo: 42,
		},
	}
	_, err := m.CreateNewTablet(req)
	require.NoError(t, err)

	persisted, err := metaStore.Load("A")
	require.NoError(t, err)
	require.Equal(t, int64(-1), persisted.Quorum.SeqNo)
}

func TestDrainUnderLoad(t *testing.T) {
	m := newTestManager(t, nil, nil, nil)
	require.NoError(t, m.Init(context.Background()))

	replica, err := m.CreateNewTablet(tablet.CreateTabletRequest{TableID: "t1", TabletID: "A", TableName: "orders"})
	require.NoError(t, err)
	require.NoError(t, m.WaitForAllBootstrapsToFinish())

	const n = 100
	drivers := make([]*fakeDriver, n)
	for i := 0; i < n; i++ {
		drivers[i] = newDriver(txn.KindWrite, 1024)
		require.NoError(t, replica.Tracker().Add(drivers[i]))
	}

	done := make(chan error, 1)
	go func() {
		done <- replica.Tracker().WaitForAllToFinish(5 * time.Second)
	}()

	for _, d := range drivers {
		replica.Tracker().Release(d)
	}

	require.NoError(t, <-done)
	require.Empty(t, replica.Tracker().GetPendingTransactions())
}
