// Package memtracker implements a hierarchical byte-budget tree: every
// consumption against a node also consumes against all of its ancestors,
// and release symmetrically credits back. It is the in-module replacement
// for CockroachDB's mon.BytesMonitor (other_examples/Heoric-cockroach__bytes_usage.go)
// and Kudu's MemTracker (original_source/src/kudu/util/mem_tracker.h),
// neither of which is an importable standalone package.
package memtracker

import "sync/atomic"

// DisableSentinel, when used as a Tracker's limit, means the tracker never
// rejects a consumption — it still accumulates self-consumption so
// invariant checks (sum of footprints == self-consumption) keep holding.
const DisableSentinel int64 = -1

// Tracker is one node in a parent-linked budget tree.
type Tracker struct {
	name        string
	limit       int64 // bytes, or DisableSentinel
	parent      *Tracker
	consumption int64 // atomic
}

// NewTracker creates a tracker named name with the given byte limit
// (DisableSentinel to disable enforcement) and optional parent. A nil
// parent makes this the root of its tree.
func NewTracker(name string, limit int64, parent *Tracker) *Tracker {
	return &Tracker{name: name, limit: limit, parent: parent}
}

// Name returns the tracker's name.
func (t *Tracker) Name() string { return t.name }

// Limit returns the tracker's configured byte limit.
func (t *Tracker) Limit() int64 { return t.limit }

// Consumption returns the tracker's current self-consumption in bytes.
func (t *Tracker) Consumption() int64 {
	return atomic.LoadInt64(&t.consumption)
}

// chainRootToSelf returns the ancestor chain from the root down to t,
// inclusive of t itself.
func (t *Tracker) chainRootToSelf() []*Tracker {
	var chain []*Tracker
	for n := t; n != nil; n = n.parent {
		chain = append(chain, n)
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}

// tryLocal attempts to reserve n bytes against this node alone, ignoring
// ancestors.
func (t *Tracker) tryLocal(n int64) bool {
	if t.limit == DisableSentinel {
		atomic.AddInt64(&t.consumption, n)
		return true
	}
	for {
		cur := atomic.LoadInt64(&t.consumption)
		if cur+n > t.limit {
			return false
		}
		if atomic.CompareAndSwapInt64(&t.consumption, cur, cur+n) {
			return true
		}
	}
}

func (t *Tracker) releaseLocal(n int64) {
	atomic.AddInt64(&t.consumption, -n)
}

// TryConsume attempts to atomically reserve n bytes against this tracker
// and every ancestor. It walks the chain root-to-leaf; on the first
// rejection it unwinds (releases) every reservation already made and
// returns false. On success every tracker in the chain has n bytes
// reserved against it.
func (t *Tracker) TryConsume(n int64) bool {
	chain := t.chainRootToSelf()
	reserved := make([]*Tracker, 0, len(chain))
	for _, node := range chain {
		if !node.tryLocal(n) {
			for _, r := range reserved {
				r.releaseLocal(n)
			}
			return false
		}
		reserved = append(reserved, node)
	}
	return true
}

// CanConsumeNoAncestors reports whether this tracker alone (ignoring
// ancestors) has room for n more bytes, without reserving anything. Used
// to distinguish "this tablet's own limit was the blocker" from "an
// ancestor's limit was the blocker".
func (t *Tracker) CanConsumeNoAncestors(n int64) bool {
	if t.limit == DisableSentinel {
		return true
	}
	return t.Consumption()+n <= t.limit
}

// Release credits n bytes back to this tracker and every ancestor.
func (t *Tracker) Release(n int64) {
	for node := t; node != nil; node = node.parent {
		node.releaseLocal(n)
	}
}
