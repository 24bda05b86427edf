package rwsentinel

import (
	. "testing"

	"github.com/mediocregopher/radix/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// assertPartition asserts that every address in exp is tracked by rs in
// exactly one of its collections, and nothing else is.
func assertPartition(t *T, rs *replicaSet, exp []Addr) {
	rs.l.RLock()
	defer rs.l.RUnlock()
	assert.Len(t, rs.available, len(rs.availList))
	assert.Equal(t, len(exp), len(rs.available)+len(rs.unavailable))
	for _, addr := range exp {
		_, inAvail := rs.available[addr]
		_, inUnavail := rs.unavailable[addr]
		assert.True(t, inAvail != inUnavail, "addr:%s avail:%v unavail:%v", addr, inAvail, inUnavail)
	}
}

func TestReplicaSetReconcile(t *T) {
	a, b, c, d := addr("10.0.0.1:6379"), addr("10.0.0.2:6379"), addr("10.0.0.3:6379"), addr("10.0.0.4:6379")
	fc := newFakeCluster()
	fc.setDown(c, true)
	rs := newReplicaSet(fc.poolFunc, fc, zaptest.NewLogger(t))

	_, _, ok := rs.pick()
	assert.False(t, ok)

	require.True(t, rs.reconcile([]Addr{a, b, c}))
	assertPartition(t, rs, []Addr{a, b, c})
	avail, unavail, gen := rs.addrs()
	assert.Equal(t, []Addr{a, b}, avail)
	assert.Equal(t, []Addr{c}, unavail)
	assert.Equal(t, uint64(1), gen)

	for i := 0; i < 20; i++ {
		addr, pool, ok := rs.pick()
		require.True(t, ok)
		assert.Contains(t, []Addr{a, b}, addr)
		assert.Equal(t, addr, pool.(*fakePool).addr)
	}

	t.Run("sameSet", func(t *T) {
		// order and duplicates don't matter
		assert.False(t, rs.reconcile([]Addr{c, a, b, a}))
		_, _, gen := rs.addrs()
		assert.Equal(t, uint64(1), gen)
		assert.Equal(t, 1, fc.openCount(a))
	})

	t.Run("newSet", func(t *T) {
		require.True(t, rs.reconcile([]Addr{b, d}))
		assertPartition(t, rs, []Addr{b, d})
		avail, unavail, gen := rs.addrs()
		assert.Equal(t, []Addr{b, d}, avail)
		assert.Empty(t, unavail)
		assert.Equal(t, uint64(2), gen)

		// every previous pool is closed, even for addresses which stayed
		assert.Equal(t, 0, fc.livePools(a))
		assert.Equal(t, 1, fc.livePools(b))
		assert.Equal(t, 2, fc.openCount(b))
		assert.Equal(t, 1, fc.livePools(d))
	})

	t.Run("empty", func(t *T) {
		require.True(t, rs.reconcile(nil))
		assertPartition(t, rs, nil)
		_, _, ok := rs.pick()
		assert.False(t, ok)
		assert.Equal(t, 0, fc.totalLivePools())
	})

	t.Run("closed", func(t *T) {
		require.True(t, rs.reconcile([]Addr{a, b}))
		require.NoError(t, rs.close())
		assert.Equal(t, 0, fc.totalLivePools())
		assert.False(t, rs.reconcile([]Addr{a, b, d}))
		_, _, ok := rs.pick()
		assert.False(t, ok)
	})
}

func TestReplicaSetReconcilePoolFailure(t *T) {
	a, b := addr("10.0.0.1:6379"), addr("10.0.0.2:6379")
	fc := newFakeCluster()

	// b is reachable according to the probe, but its pool can't be opened
	probe := probeFunc{
		reachable: func(Addr) bool { return true },
		alive:     fc.Alive,
	}
	fc.setDown(b, true)
	rs := newReplicaSet(fc.poolFunc, probe, zaptest.NewLogger(t))

	require.True(t, rs.reconcile([]Addr{a, b}))
	assertPartition(t, rs, []Addr{a, b})
	avail, unavail, _ := rs.addrs()
	assert.Equal(t, []Addr{a}, avail)
	assert.Equal(t, []Addr{b}, unavail)
}

func TestReplicaSetApply(t *T) {
	a, b, c := addr("10.0.0.1:6379"), addr("10.0.0.2:6379"), addr("10.0.0.3:6379")
	fc := newFakeCluster()
	fc.setDown(c, true)
	rs := newReplicaSet(fc.poolFunc, fc, zaptest.NewLogger(t))
	require.True(t, rs.reconcile([]Addr{a, b, c}))

	snap := rs.snapshot()
	assert.Equal(t, uint64(1), snap.generation)
	assert.Len(t, snap.available, 2)
	assert.Equal(t, []Addr{c}, snap.unavailable)

	fc.setDown(c, false)
	demoted, promoted, ok := rs.apply(snap.generation, []Addr{a}, []Addr{c})
	require.True(t, ok)
	assert.Equal(t, []Addr{a}, demoted)
	assert.Equal(t, []Addr{c}, promoted)
	assertPartition(t, rs, []Addr{a, b, c})
	avail, unavail, gen := rs.addrs()
	assert.Equal(t, []Addr{b, c}, avail)
	assert.Equal(t, []Addr{a}, unavail)
	assert.Equal(t, uint64(1), gen, "apply must not bump the generation")
	assert.Equal(t, 0, fc.livePools(a))

	t.Run("unknownAddrsIgnored", func(t *T) {
		d := addr("10.0.0.4:6379")
		demoted, promoted, ok := rs.apply(gen, []Addr{d}, []Addr{d, b})
		require.True(t, ok)
		assert.Empty(t, demoted)
		assert.Empty(t, promoted)
		assertPartition(t, rs, []Addr{a, b, c})
		assert.Equal(t, 0, fc.openCount(d))
	})

	t.Run("poolFails", func(t *T) {
		fc.setDown(a, true)
		snap := rs.snapshot()
		demoted, promoted, ok := rs.apply(snap.generation, nil, []Addr{a})
		require.True(t, ok)
		assert.Empty(t, demoted)
		assert.Empty(t, promoted)
		_, unavail, _ := rs.addrs()
		assert.Equal(t, []Addr{a}, unavail)
		fc.setDown(a, false)
	})

	t.Run("stale", func(t *T) {
		snap := rs.snapshot()
		require.True(t, rs.reconcile([]Addr{a, b}))
		_, _, ok := rs.apply(snap.generation, []Addr{a, b}, nil)
		assert.False(t, ok)
		avail, _, _ := rs.addrs()
		assert.Equal(t, []Addr{a, b}, avail)
	})
}

// probeFunc is a Probe built out of plain functions.
type probeFunc struct {
	reachable func(Addr) bool
	alive     func(pool radix.Client) bool
}

func (pf probeFunc) Reachable(addr Addr) bool     { return pf.reachable(addr) }
func (pf probeFunc) Alive(pool radix.Client) bool { return pf.alive(pool) }
