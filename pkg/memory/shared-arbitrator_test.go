// Copyright The MemKit Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package memory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// testReclaimer frees allocations it has been handed when asked to
// reclaim or abort.
type testReclaimer struct {
	leaf       *Pool
	bufs       [][]byte
	sizes      []int64
	refuseStop bool
	aborted    bool
	abortCause error
}

func (r *testReclaimer) track(buf []byte, size int64) {
	r.bufs = append(r.bufs, buf)
	r.sizes = append(r.sizes, size)
}

func (r *testReclaimer) ReclaimableBytes(*Pool) (int64, bool) {
	total := int64(0)
	for _, size := range r.sizes {
		total += size
	}
	return total, true
}

func (r *testReclaimer) Reclaim(pool *Pool, target int64, maxWait time.Duration, stats *ReclaimStats) (int64, error) {
	freed := int64(0)
	for len(r.bufs) > 0 && freed < target {
		buf, size := r.bufs[0], r.sizes[0]
		r.bufs, r.sizes = r.bufs[1:], r.sizes[1:]
		r.leaf.Free(buf, size)
		freed += size
	}
	if stats != nil {
		stats.ReclaimedBytes += freed
	}
	return freed, nil
}

func (r *testReclaimer) Abort(pool *Pool, cause error) error {
	if r.refuseStop {
		return ErrUnsupported
	}
	for i, buf := range r.bufs {
		r.leaf.Free(buf, r.sizes[i])
	}
	r.bufs, r.sizes = nil, nil
	r.aborted = true
	r.abortCause = cause
	return nil
}

func (r *testReclaimer) Priority() int {
	return 0
}

func newSharedTestArbitrator(t *testing.T, capacity int64, extra map[string]string) Arbitrator {
	t.Helper()

	arb, err := NewSharedArbitrator(ArbitratorConfig{
		Kind:         SharedArbitratorKind,
		Capacity:     capacity,
		ExtraConfigs: extra,
	})
	require.NoError(t, err)
	return arb
}

func newSharedTestRoot(t *testing.T, arb Arbitrator, name string, maxCapacity int64) *Pool {
	t.Helper()

	allocator, err := NewMallocAllocator(0, 0)
	require.NoError(t, err)

	pool := newPool(poolConfig{
		name:        name,
		kind:        PoolKindAggregate,
		maxCapacity: maxCapacity,
		alignment:   MinAlignment,
		trackUsage:  true,
		threadSafe:  true,
		allocator:   allocator,
		arb:         arb,
	})
	require.NoError(t, arb.AddPool(pool))

	return pool
}

func TestSharedArbitratorConfig(t *testing.T) {
	arb := newSharedTestArbitrator(t, 64<<20, map[string]string{
		MemoryPoolInitialCapacity:  "8MB",
		MemoryPoolReservedCapacity: "4MB",
		MemoryReclaimMaxWaitTime:   "5s",
	})
	require.Equal(t, SharedArbitratorKind, arb.Kind())
	require.Equal(t, int64(64<<20), arb.Capacity())
	require.Equal(t,
		"ARBITRATOR[SHARED CAPACITY[64.00MB] "+
			"STATS[numRequests 0 numRunning 0 numSucceeded 0 numAborted 0 numFailures 0 "+
			"numNonReclaimableAttempts 0 reclaimedFreeCapacity 0B reclaimedUsedCapacity 0B "+
			"maxCapacity 64.00MB freeCapacity 64.00MB freeReservedCapacity 4.00MB] "+
			"CONFIG[initCapacity 8.00MB reservedCapacity 4.00MB maxReclaimWaitTime 5s]]",
		arb.String())

	stats := arb.Stats()
	require.Equal(t, int64(64<<20), stats.MaxCapacityBytes)
	require.Equal(t, int64(64<<20), stats.FreeCapacityBytes)
	require.Equal(t, int64(4<<20), stats.FreeReservedCapacityBytes)

	for _, extra := range []map[string]string{
		{MemoryPoolInitialCapacity: "bogus"},
		{MemoryPoolReservedCapacity: "-1MB"},
		{MemoryReclaimMaxWaitTime: "fast"},
	} {
		_, err := NewSharedArbitrator(ArbitratorConfig{
			Kind:         SharedArbitratorKind,
			Capacity:     64 << 20,
			ExtraConfigs: extra,
		})
		require.ErrorIs(t, err, ErrInvalidConfig, "extra configs %v", extra)
	}

	_, err := NewSharedArbitrator(ArbitratorConfig{
		Kind:         SharedArbitratorKind,
		Capacity:     1 << 20,
		ExtraConfigs: map[string]string{MemoryPoolReservedCapacity: "2MB"},
	})
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestSharedArbitratorRegistration(t *testing.T) {
	require.NoError(t, RegisterSharedArbitrator())
	defer UnregisterSharedArbitrator()

	arb, err := newArbitrator(ArbitratorConfig{
		Kind:     SharedArbitratorKind,
		Capacity: 64 << 20,
	})
	require.NoError(t, err)
	require.Equal(t, SharedArbitratorKind, arb.Kind())
}

func TestSharedArbitratorInitialGrants(t *testing.T) {
	arb := newSharedTestArbitrator(t, 64<<20, map[string]string{
		MemoryPoolInitialCapacity: "35MB",
	})

	// grants come out of the free capacity until it runs out
	pool1 := newSharedTestRoot(t, arb, "pool1", 0)
	require.Equal(t, int64(35<<20), pool1.Capacity())

	pool2 := newSharedTestRoot(t, arb, "pool2", 0)
	require.Equal(t, int64(29<<20), pool2.Capacity())

	pool3 := newSharedTestRoot(t, arb, "pool3", 0)
	require.Zero(t, pool3.Capacity())

	// duplicate names are rejected by the arbitrator itself
	dup := newPool(poolConfig{name: "pool1", kind: PoolKindAggregate})
	require.ErrorIs(t, arb.AddPool(dup), ErrDuplicatePool)

	// a departing pool returns its capacity
	arb.RemovePool(pool1)
	require.Equal(t, int64(35<<20), arb.Stats().FreeCapacityBytes)

	// the initial grant never exceeds the pool's own limit
	pool4 := newSharedTestRoot(t, arb, "pool4", 1<<20)
	require.Equal(t, int64(1<<20), pool4.Capacity())
}

func TestSharedArbitratorGrowFromFree(t *testing.T) {
	arb := newSharedTestArbitrator(t, 64<<20, map[string]string{
		MemoryPoolInitialCapacity: "8MB",
	})
	pool := newSharedTestRoot(t, arb, "pool", 0)
	leaf, err := pool.AddLeafChild("leaf")
	require.NoError(t, err)

	buf, err := leaf.Allocate(16 << 20)
	require.NoError(t, err)
	require.Equal(t, int64(16<<20), pool.Capacity())
	require.Equal(t, int64(48<<20), arb.Stats().FreeCapacityBytes)

	stats := arb.Stats()
	require.Equal(t, int64(1), stats.NumRequests)
	require.Equal(t, int64(1), stats.NumSucceeded)
	require.Zero(t, stats.NumFailures)

	leaf.Free(buf, 16<<20)
	leaf.Release()
}

func TestSharedArbitratorGrowFromSiblings(t *testing.T) {
	arb := newSharedTestArbitrator(t, 16<<20, map[string]string{
		MemoryPoolInitialCapacity: "8MB",
	})
	pool1 := newSharedTestRoot(t, arb, "pool1", 0)
	pool2 := newSharedTestRoot(t, arb, "pool2", 0)
	require.Zero(t, arb.Stats().FreeCapacityBytes)

	leaf, err := pool1.AddLeafChild("leaf")
	require.NoError(t, err)

	// growth comes out of the sibling's unused grant
	buf, err := leaf.Allocate(12 << 20)
	require.NoError(t, err)
	require.Equal(t, int64(12<<20), pool1.Capacity())
	require.Equal(t, int64(4<<20), pool2.Capacity())
	require.Equal(t, int64(4<<20), arb.Stats().ReclaimedFreeBytes)

	leaf.Free(buf, 12<<20)
	leaf.Release()
}

func TestSharedArbitratorGrowByReclaim(t *testing.T) {
	arb := newSharedTestArbitrator(t, 16<<20, map[string]string{
		MemoryPoolInitialCapacity: "8MB",
	})
	pool1 := newSharedTestRoot(t, arb, "pool1", 0)
	pool2 := newSharedTestRoot(t, arb, "pool2", 0)

	// fill pool2 so it has nothing free to give up
	victim, err := pool2.AddLeafChild("victim")
	require.NoError(t, err)
	reclaimer := &testReclaimer{leaf: victim}
	pool2.SetReclaimer(reclaimer)
	buf, err := victim.Allocate(8 << 20)
	require.NoError(t, err)
	reclaimer.track(buf, 8<<20)
	require.Zero(t, pool2.freeCapacityBytes())

	leaf, err := pool1.AddLeafChild("leaf")
	require.NoError(t, err)

	buf, err = leaf.Allocate(12 << 20)
	require.NoError(t, err)
	require.Equal(t, int64(12<<20), pool1.Capacity())
	require.Equal(t, int64(4<<20), pool2.Capacity())
	require.Equal(t, int64(4<<20), arb.Stats().ReclaimedUsedBytes)

	leaf.Free(buf, 12<<20)
	leaf.Release()
	victim.Release()
}

func TestSharedArbitratorGrowFailure(t *testing.T) {
	arb := newSharedTestArbitrator(t, 16<<20, map[string]string{
		MemoryPoolInitialCapacity: "8MB",
	})
	pool1 := newSharedTestRoot(t, arb, "pool1", 0)
	pool2 := newSharedTestRoot(t, arb, "pool2", 0)

	victim, err := pool2.AddLeafChild("victim")
	require.NoError(t, err)
	buf, err := victim.Allocate(8 << 20)
	require.NoError(t, err)

	leaf, err := pool1.AddLeafChild("leaf")
	require.NoError(t, err)

	// without a reclaimer on pool2 there is nothing left to recover
	_, err = leaf.Allocate(12 << 20)
	require.ErrorIs(t, err, ErrArbitrationFailure)
	require.Equal(t, int64(8<<20), pool1.Capacity())
	require.Equal(t, int64(1), arb.Stats().NumFailures)

	// growing past the pool's own limit fails with the pool flavor
	small := newSharedTestRoot(t, arb, "small", 1<<20)
	smallLeaf, err := small.AddLeafChild("leaf")
	require.NoError(t, err)
	_, err = smallLeaf.Allocate(2 << 20)
	require.ErrorIs(t, err, ErrPoolCapacityExceeded)

	victim.Free(buf, 8<<20)
	victim.Release()
	leaf.Release()
	smallLeaf.Release()
}

func TestSharedArbitratorGrowOfUnknownPool(t *testing.T) {
	arb := newSharedTestArbitrator(t, 16<<20, nil)
	pool := newPool(poolConfig{name: "stranger", kind: PoolKindAggregate})
	require.ErrorIs(t, arb.GrowCapacity(pool, 1<<20), ErrArbitrationFailure)
}

func TestSharedArbitratorShrinkCapacity(t *testing.T) {
	arb := newSharedTestArbitrator(t, 16<<20, map[string]string{
		MemoryPoolInitialCapacity: "8MB",
	})
	pool := newSharedTestRoot(t, arb, "pool", 0)
	leaf, err := pool.AddLeafChild("leaf")
	require.NoError(t, err)

	buf, err := leaf.Allocate(2 << 20)
	require.NoError(t, err)

	// only unreserved capacity can be taken back
	require.Equal(t, int64(4<<20), arb.ShrinkCapacity(pool, 4<<20))
	require.Equal(t, int64(4<<20), pool.Capacity())
	require.Equal(t, int64(2<<20), arb.ShrinkCapacity(pool, 0))
	require.Equal(t, int64(2<<20), pool.Capacity())
	require.Zero(t, arb.ShrinkCapacity(pool, 0))

	leaf.Free(buf, 2<<20)
	leaf.Release()
}

func TestSharedArbitratorShrinkPools(t *testing.T) {
	arb := newSharedTestArbitrator(t, 32<<20, map[string]string{
		MemoryPoolInitialCapacity: "8MB",
	})
	pool1 := newSharedTestRoot(t, arb, "pool1", 0)
	pool2 := newSharedTestRoot(t, arb, "pool2", 0)

	leaf1, err := pool1.AddLeafChild("leaf1")
	require.NoError(t, err)
	buf1, err := leaf1.Allocate(2 << 20)
	require.NoError(t, err)

	// a zero target recovers all unused grants
	require.Equal(t, int64(14<<20), arb.ShrinkPools(0, true, true))
	require.Equal(t, int64(2<<20), pool1.Capacity())
	require.Zero(t, pool2.Capacity())
	require.Equal(t, int64(30<<20), arb.Stats().FreeCapacityBytes)

	leaf1.Free(buf1, 2<<20)
	leaf1.Release()
}

func TestSharedArbitratorShrinkPoolsWithSpill(t *testing.T) {
	arb := newSharedTestArbitrator(t, 16<<20, map[string]string{
		MemoryPoolInitialCapacity: "8MB",
	})
	pool1 := newSharedTestRoot(t, arb, "pool1", 0)
	pool2 := newSharedTestRoot(t, arb, "pool2", 0)

	victim, err := pool2.AddLeafChild("victim")
	require.NoError(t, err)
	reclaimer := &testReclaimer{leaf: victim}
	pool2.SetReclaimer(reclaimer)
	buf, err := victim.Allocate(8 << 20)
	require.NoError(t, err)
	reclaimer.track(buf, 8<<20)

	// 8MB of free grant from pool1, the rest spilled out of pool2
	freed := arb.ShrinkPools(12<<20, true, false)
	require.Equal(t, int64(12<<20), freed)
	require.Zero(t, pool1.Capacity())
	require.Equal(t, int64(4<<20), pool2.Capacity())
	require.Zero(t, victim.UsedBytes())

	victim.Release()
}

func TestSharedArbitratorShrinkPoolsWithAbort(t *testing.T) {
	arb := newSharedTestArbitrator(t, 20<<20, map[string]string{
		MemoryPoolInitialCapacity: "12MB",
	})
	pool1 := newSharedTestRoot(t, arb, "pool1", 0)
	pool2 := newSharedTestRoot(t, arb, "pool2", 0)
	require.Equal(t, int64(12<<20), pool1.Capacity())
	require.Equal(t, int64(8<<20), pool2.Capacity())

	fill := func(pool *Pool, name string, size int64) (*Pool, *testReclaimer) {
		leaf, err := pool.AddLeafChild(name)
		require.NoError(t, err)
		r := &testReclaimer{leaf: leaf}
		pool.SetReclaimer(r)
		buf, err := leaf.Allocate(size)
		require.NoError(t, err)
		r.track(buf, size)
		return leaf, r
	}

	leaf1, reclaimer1 := fill(pool1, "leaf1", 12<<20)
	leaf2, reclaimer2 := fill(pool2, "leaf2", 8<<20)
	reclaimer1.refuseStop = true

	// the larger pool1 is the first victim but refuses to abort, so
	// pool2 gets aborted instead
	freed := arb.ShrinkPools(4<<20, false, true)
	require.Equal(t, int64(8<<20), freed)
	require.False(t, reclaimer1.aborted)
	require.True(t, reclaimer2.aborted)
	require.Zero(t, pool2.Capacity())
	require.Zero(t, leaf2.UsedBytes())
	require.Equal(t, int64(12<<20), leaf1.UsedBytes())

	stats := arb.Stats()
	require.Equal(t, int64(1), stats.NumAborted)
	require.Equal(t, int64(1), stats.NumNonReclaimableAttempts)

	leaf1.Free(reclaimer1.bufs[0], reclaimer1.sizes[0])
	leaf1.Release()
	leaf2.Release()
}
