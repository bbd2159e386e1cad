package memtracker_test

import (
	"testing"

	"github.com/devrev/pairdb/tablet-node/internal/memtracker"
	"github.com/stretchr/testify/assert"
)

func TestTryConsume_RespectsSelfLimit(t *testing.T) {
	tr := memtracker.NewTracker("leaf", 100, nil)

	assert.True(t, tr.TryConsume(60))
	assert.True(t, tr.TryConsume(40))
	assert.False(t, tr.TryConsume(1))
	assert.Equal(t, int64(100), tr.Consumption())
}

func TestTryConsume_PropagatesToAncestors(t *testing.T) {
	root := memtracker.NewTracker("root", 100, nil)
	child := memtracker.NewTracker("child", 1000, root)

	assert.True(t, child.TryConsume(80))
	assert.Equal(t, int64(80), root.Consumption())
	assert.Equal(t, int64(80), child.Consumption())

	// Child's own limit has room, but root doesn't: must unwind and leave
	// both trackers untouched.
	assert.False(t, child.TryConsume(30))
	assert.Equal(t, int64(80), root.Consumption())
	assert.Equal(t, int64(80), child.Consumption())
}

func TestRelease_CreditsSelfAndAncestors(t *testing.T) {
	root := memtracker.NewTracker("root", 1000, nil)
	child := memtracker.NewTracker("child", 1000, root)

	assert.True(t, child.TryConsume(50))
	child.Release(50)

	assert.Equal(t, int64(0), root.Consumption())
	assert.Equal(t, int64(0), child.Consumption())
}

func TestDisableSentinel_NeverRejects(t *testing.T) {
	tr := memtracker.NewTracker("unlimited", memtracker.DisableSentinel, nil)

	assert.True(t, tr.TryConsume(1<<40))
	assert.Equal(t, int64(1<<40), tr.Consumption())
}

func TestCanConsumeNoAncestors(t *testing.T) {
	root := memtracker.NewTracker("root", 10, nil)
	child := memtracker.NewTracker("child", 1000, root)

	// Child alone has room for 500 bytes even though the root's limit of 10
	// could never hold them; once the root is full, a real consumption fails.
	assert.True(t, child.CanConsumeNoAncestors(500))
	assert.True(t, root.TryConsume(10))
	assert.False(t, child.TryConsume(1))
}
