package txn_test

import (
	"testing"
	"time"

	"github.com/devrev/pairdb/tablet-node/internal/errors"
	"github.com/devrev/pairdb/tablet-node/internal/memtracker"
	"github.com/devrev/pairdb/tablet-node/internal/metrics"
	"github.com/devrev/pairdb/tablet-node/internal/txn"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeDriver is a minimal comparable txn.Driver for tests. Pointer identity
// is what makes each instance distinct in the tracker's pending map.
type fakeDriver struct {
	kind txn.Kind
	size int64
}

func (f *fakeDriver) Kind() txn.Kind      { return f.kind }
func (f *fakeDriver) RequestSize() int64 { return f.size }

func newDriver(kind txn.Kind, size int64) *fakeDriver {
	return &fakeDriver{kind: kind, size: size}
}

func TestAdd_TracksAndReleaseCreditsMemory(t *testing.T) {
	tr := txn.NewTracker("t1", zaptest.NewLogger(t))
	parent := memtracker.NewTracker("root", 1024, nil)
	tr.StartMemoryTracking(parent, 1) // 1 MiB limit

	d := newDriver(txn.KindWrite, 100)
	require.NoError(t, tr.Add(d))
	require.Len(t, tr.GetPendingTransactions(), 1)

	tr.Release(d)
	require.Empty(t, tr.GetPendingTransactions())
	require.Equal(t, int64(0), parent.Consumption())

	tr.Close() // must not panic: fully drained
}

func TestAdd_RejectsOnOwnLimit(t *testing.T) {
	sink := metrics.NewTabletMetrics("t-reject-own")
	tr := txn.NewTracker("t-reject-own", zaptest.NewLogger(t))
	tr.StartInstrumentation(sink)
	tr.StartMemoryTracking(nil, 0) // zero-byte local limit, no parent

	d := newDriver(txn.KindWrite, 1)
	err := tr.Add(d)
	require.Error(t, err)
	require.True(t, errors.Is(err, errors.CodeServiceUnavailable))

	require.Equal(t, float64(1), gaugeValue(t, sink.MemoryLimitRejectionsTotal))
	require.Equal(t, float64(1), gaugeValue(t, sink.MemoryPressureRejectionsTotal))
}

func TestAdd_RejectsOnAncestorLimitNotOwnLimit(t *testing.T) {
	sink := metrics.NewTabletMetrics("t-reject-ancestor")
	parent := memtracker.NewTracker("root", 0, nil) // ancestor has no room at all

	tr := txn.NewTracker("t-reject-ancestor", zaptest.NewLogger(t))
	tr.StartInstrumentation(sink)
	tr.StartMemoryTracking(parent, 64) // generous local limit

	d := newDriver(txn.KindWrite, 1)
	err := tr.Add(d)
	require.Error(t, err)

	require.Equal(t, float64(1), gaugeValue(t, sink.MemoryPressureRejectionsTotal))
	require.Equal(t, float64(0), gaugeValue(t, sink.MemoryLimitRejectionsTotal))
}

func TestStartMemoryTracking_DisableSentinelNeverRejects(t *testing.T) {
	tr := txn.NewTracker("t-disabled", zaptest.NewLogger(t))
	tr.StartMemoryTracking(nil, memtracker.DisableSentinel)

	d := newDriver(txn.KindWrite, 1<<40)
	require.NoError(t, tr.Add(d))
	tr.Release(d)
}

func TestGetPendingTransactions_SnapshotMatchesFootprintSum(t *testing.T) {
	tr := txn.NewTracker("t-sum", zaptest.NewLogger(t))
	parent := memtracker.NewTracker("root", 1<<20, nil)
	tr.StartMemoryTracking(parent, 1)

	drivers := []*fakeDriver{
		newDriver(txn.KindWrite, 10),
		newDriver(txn.KindWrite, 20),
		newDriver(txn.KindAlterSchema, 30),
	}
	var total int64
	for _, d := range drivers {
		require.NoError(t, tr.Add(d))
		total += d.size
	}

	require.Len(t, tr.GetPendingTransactions(), len(drivers))
	require.Equal(t, total, parent.Consumption())

	for _, d := range drivers {
		tr.Release(d)
	}
	require.Equal(t, int64(0), parent.Consumption())
}

func TestRelease_PanicsOnUntrackedDriver(t *testing.T) {
	tr := txn.NewTracker("t-bad-release", zaptest.NewLogger(t))
	d := newDriver(txn.KindWrite, 1)
	require.Panics(t, func() { tr.Release(d) })
}

func TestAdd_PanicsOnDuplicateDriver(t *testing.T) {
	tr := txn.NewTracker("t-dup", zaptest.NewLogger(t))
	d := newDriver(txn.KindWrite, 1)
	require.NoError(t, tr.Add(d))
	require.Panics(t, func() { _ = tr.Add(d) })
}

func TestClose_PanicsWhenNotDrained(t *testing.T) {
	tr := txn.NewTracker("t-close-dirty", zaptest.NewLogger(t))
	require.NoError(t, tr.Add(newDriver(txn.KindWrite, 1)))
	require.Panics(t, func() { tr.Close() })
}

func TestWaitForAllToFinish_ReturnsOnceDrained(t *testing.T) {
	tr := txn.NewTracker("t-wait-ok", zaptest.NewLogger(t))
	d := newDriver(txn.KindWrite, 1)
	require.NoError(t, tr.Add(d))

	go func() {
		time.Sleep(10 * time.Millisecond)
		tr.Release(d)
	}()

	require.NoError(t, tr.WaitForAllToFinish(time.Second))
}

func TestWaitForAllToFinish_TimesOutWithPendingTransactions(t *testing.T) {
	tr := txn.NewTracker("t-wait-timeout", zaptest.NewLogger(t))
	require.NoError(t, tr.Add(newDriver(txn.KindWrite, 1)))

	err := tr.WaitForAllToFinish(20 * time.Millisecond)
	require.Error(t, err)
	require.True(t, errors.Is(err, errors.CodeTimedOut))
}

func gaugeValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, c.Write(m))
	return m.GetCounter().GetValue()
}
