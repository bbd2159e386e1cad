package txn

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devrev/pairdb/tablet-node/internal/errors"
	"github.com/devrev/pairdb/tablet-node/internal/memtracker"
	"github.com/devrev/pairdb/tablet-node/internal/metrics"
	"go.uber.org/zap"
)

const (
	maxTrackedForDump = 50

	initialWaitStep = 250 * time.Microsecond
	maxWaitStep     = time.Second
)

// Tracker is the per-tablet Transaction Tracker. The zero value is not
// usable; construct with NewTracker.
type Tracker struct {
	tabletID string
	logger   *zap.Logger

	mu      sync.Mutex
	pending map[Driver]*Descriptor

	allInFlight   int64
	writeInFlight int64
	alterInFlight int64

	memTracker *memtracker.Tracker
	metrics    *metrics.TabletMetrics

	lastRejectWarnAt int64 // unix nanos, atomic
}

// NewTracker creates an empty Transaction Tracker for one tablet. Memory
// tracking and metrics are attached separately via StartMemoryTracking and
// StartInstrumentation, both of which must be called (if at all) before
// any call to Add.
func NewTracker(tabletID string, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		tabletID: tabletID,
		logger:   logger,
		pending:  make(map[Driver]*Descriptor),
	}
}

// StartInstrumentation attaches a Metrics Sink. One-time; must precede Add.
func (t *Tracker) StartInstrumentation(sink *metrics.TabletMetrics) {
	t.metrics = sink
}

// StartMemoryTracking attaches a memory budget child of parent, sized to
// limitMB. limitMB == -1 disables memory tracking for this tablet
// entirely (t.memTracker stays nil and Add never rejects on memory).
// One-time; must precede Add.
func (t *Tracker) StartMemoryTracking(parent *memtracker.Tracker, limitMB int64) {
	if limitMB == memtracker.DisableSentinel {
		return
	}
	t.memTracker = memtracker.NewTracker(t.tabletID+"-txn", limitMB*1024*1024, parent)
}

// Add admits a transaction, charging its request size against the memory
// budget (if attached) and recording it as pending. It returns
// ServiceUnavailable if the budget rejects the charge.
func (t *Tracker) Add(driver Driver) error {
	footprint := driver.RequestSize()

	if t.memTracker != nil && !t.memTracker.TryConsume(footprint) {
		if t.metrics != nil {
			t.metrics.MemoryPressureRejectionsTotal.Inc()
			if !t.memTracker.CanConsumeNoAncestors(footprint) {
				t.metrics.MemoryLimitRejectionsTotal.Inc()
			}
		}
		t.warnRejection(footprint)
		return errors.ServiceUnavailable(fmt.Sprintf(
			"transaction on tablet %s rejected due to memory pressure: request size %d plus "+
				"current consumption %d exceeds the transaction memory limit %d or an ancestor's limit",
			t.tabletID, footprint, t.memTracker.Consumption(), t.memTracker.Limit()), nil)
	}

	t.incrementCounters(driver.Kind())

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.pending[driver]; exists {
		panic(fmt.Sprintf("transaction tracker %s: driver already tracked", t.tabletID))
	}
	t.pending[driver] = &Descriptor{Driver: driver, Kind: driver.Kind(), MemoryFootprint: footprint}
	return nil
}

// warnRejection throttles the memory-pressure warning to at most once per
// second.
func (t *Tracker) warnRejection(footprint int64) {
	now := time.Now().UnixNano()
	last := atomic.LoadInt64(&t.lastRejectWarnAt)
	if now-last < int64(time.Second) {
		return
	}
	if !atomic.CompareAndSwapInt64(&t.lastRejectWarnAt, last, now) {
		return
	}
	limit := int64(-1)
	consumption := int64(0)
	if t.memTracker != nil {
		limit = t.memTracker.Limit()
		consumption = t.memTracker.Consumption()
	}
	t.logger.Warn("transaction rejected due to memory pressure",
		zap.String("tablet_id", t.tabletID),
		zap.Int64("request_size", footprint),
		zap.Int64("current_consumption", consumption),
		zap.Int64("limit", limit))
}

func (t *Tracker) incrementCounters(kind Kind) {
	atomic.AddInt64(&t.allInFlight, 1)
	if t.metrics != nil {
		t.metrics.AllTransactionsInFlight.Inc()
	}
	switch kind {
	case KindWrite:
		atomic.AddInt64(&t.writeInFlight, 1)
		if t.metrics != nil {
			t.metrics.WriteTransactionsInFlight.Inc()
		}
	case KindAlterSchema:
		atomic.AddInt64(&t.alterInFlight, 1)
		if t.metrics != nil {
			t.metrics.AlterSchemaTransactionsInFlight.Inc()
		}
	}
}

func (t *Tracker) decrementCounters(kind Kind) {
	if atomic.AddInt64(&t.allInFlight, -1) < 0 {
		panic("transaction tracker: all-in-flight counter went negative")
	}
	if t.metrics != nil {
		t.metrics.AllTransactionsInFlight.Dec()
	}
	switch kind {
	case KindWrite:
		if atomic.AddInt64(&t.writeInFlight, -1) < 0 {
			panic("transaction tracker: write-in-flight counter went negative")
		}
		if t.metrics != nil {
			t.metrics.WriteTransactionsInFlight.Dec()
		}
	case KindAlterSchema:
		if atomic.AddInt64(&t.alterInFlight, -1) < 0 {
			panic("transaction tracker: alter-schema-in-flight counter went negative")
		}
		if t.metrics != nil {
			t.metrics.AlterSchemaTransactionsInFlight.Dec()
		}
	}
}

// Release removes a previously-admitted driver, crediting its footprint
// back to the memory tracker. A missing entry is a contract violation.
func (t *Tracker) Release(driver Driver) {
	t.mu.Lock()
	desc, ok := t.pending[driver]
	if ok {
		delete(t.pending, driver)
	}
	t.mu.Unlock()

	if !ok {
		panic(fmt.Sprintf("transaction tracker %s: release of untracked driver", t.tabletID))
	}

	t.decrementCounters(desc.Kind)

	if t.memTracker != nil {
		t.memTracker.Release(desc.MemoryFootprint)
	}
}

// GetPendingTransactions returns a snapshot of every currently-tracked
// driver.
func (t *Tracker) GetPendingTransactions() []Driver {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Driver, 0, len(t.pending))
	for d := range t.pending {
		out = append(out, d)
	}
	return out
}

// WaitForAllToFinish busy-waits, with exponentially capped back-off, until
// the tracker drains or timeout elapses. It periodically logs a warning
// (complaint) with the pending count and a bounded dump of pending
// drivers, at an exponentially increasing interval between complaints.
func (t *Tracker) WaitForAllToFinish(timeout time.Duration) error {
	waitStep := initialWaitStep
	complaints := 0
	start := time.Now()
	nextLogAt := start.Add(time.Second)

	for {
		pending := t.GetPendingTransactions()
		if len(pending) == 0 {
			return nil
		}

		now := time.Now()
		elapsed := now.Sub(start)
		if elapsed > timeout {
			return errors.TimedOut(fmt.Sprintf(
				"timed out waiting for all transactions to finish on tablet %s: %d pending, waited %s",
				t.tabletID, len(pending), elapsed), nil)
		}

		if now.After(nextLogAt) {
			dumped := pending
			if len(dumped) > maxTrackedForDump {
				dumped = dumped[:maxTrackedForDump]
			}
			t.logger.Warn("waiting for outstanding transactions to complete",
				zap.String("tablet_id", t.tabletID),
				zap.Int("pending", len(pending)),
				zap.Duration("elapsed", elapsed),
				zap.Int("dumped", len(dumped)))
			for _, d := range dumped {
				t.logger.Warn("pending transaction",
					zap.String("tablet_id", t.tabletID),
					zap.Stringer("kind", d.Kind()),
					zap.Int64("request_size", d.RequestSize()))
			}

			complaints++
			backoff := complaints
			if backoff > 8 {
				backoff = 8
			}
			nextLogAt = now.Add(time.Duration(1<<backoff) * time.Second)
		}

		time.Sleep(waitStep)
		waitStep = waitStep * 5 / 4
		if waitStep > maxWaitStep {
			waitStep = maxWaitStep
		}
	}
}

// Close enforces the destructor contract: the tracker must be fully
// drained before disposal, or the process terminates rather than silently
// leak accounted memory.
func (t *Tracker) Close() {
	t.mu.Lock()
	n := len(t.pending)
	t.mu.Unlock()
	if n != 0 {
		panic(fmt.Sprintf("transaction tracker %s: closed with %d pending transactions", t.tabletID, n))
	}
}
