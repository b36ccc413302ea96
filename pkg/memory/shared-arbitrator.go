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
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opencensus.io/trace"
)

// SharedArbitratorKind is the registered kind of the shared arbitrator.
const SharedArbitratorKind = "SHARED"

// ExtraConfigs keys understood by the shared arbitrator.
const (
	// MemoryPoolInitialCapacity is the capacity granted to a root pool
	// when it joins, subject to availability. Defaults to 256MB.
	MemoryPoolInitialCapacity = "memory-pool-initial-capacity"
	// MemoryPoolReservedCapacity is the total capacity held back from
	// growth requests so that joining pools can get an initial grant.
	// Defaults to 0B.
	MemoryPoolReservedCapacity = "memory-pool-reserved-capacity"
	// MemoryReclaimMaxWaitTime bounds the time a growth request may
	// spend reclaiming memory from other pools. Defaults to 0s, no bound.
	MemoryReclaimMaxWaitTime = "memory-reclaim-max-wait-time"
)

const defaultInitialPoolCapacity = 256 << 20

// RegisterSharedArbitrator registers the shared arbitrator factory under
// SharedArbitratorKind.
func RegisterSharedArbitrator() error {
	return RegisterArbitratorFactory(SharedArbitratorKind, NewSharedArbitrator)
}

// UnregisterSharedArbitrator removes the shared arbitrator factory.
func UnregisterSharedArbitrator() bool {
	return UnregisterArbitratorFactory(SharedArbitratorKind)
}

// sharedArbitrator distributes a fixed capacity among root pools. A pool
// joins with an initial slice and grows on demand, first from ungranted
// capacity, then by shrinking unused sibling grants, and finally by
// reclaiming used memory through pool reclaimers. Growth requests are
// serialized per target pool.
type sharedArbitrator struct {
	capacity         int64
	initialCapacity  int64
	reservedCapacity int64
	maxWait          time.Duration

	mu           sync.Mutex
	numRunning   int64
	freeCapacity int64
	freeReserved int64
	pools        map[string]*arbitrationEntry
	stats        ArbitratorStats
}

type arbitrationEntry struct {
	pool *Pool
	// arbMu serializes growth requests targeting the same pool.
	arbMu sync.Mutex
}

// NewSharedArbitrator creates a shared arbitrator from the given config.
func NewSharedArbitrator(cfg ArbitratorConfig) (Arbitrator, error) {
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = MaxMemory
	}

	a := &sharedArbitrator{
		capacity:        capacity,
		initialCapacity: defaultInitialPoolCapacity,
		freeCapacity:    capacity,
		pools:           make(map[string]*arbitrationEntry),
	}

	if v, ok := cfg.ExtraConfigs[MemoryPoolInitialCapacity]; ok {
		bytes, err := ParseBytes(v)
		if err != nil {
			return nil, fmt.Errorf("%w: bad %s %q: %v",
				ErrInvalidConfig, MemoryPoolInitialCapacity, v, err)
		}
		a.initialCapacity = bytes
	}
	if v, ok := cfg.ExtraConfigs[MemoryPoolReservedCapacity]; ok {
		bytes, err := ParseBytes(v)
		if err != nil {
			return nil, fmt.Errorf("%w: bad %s %q: %v",
				ErrInvalidConfig, MemoryPoolReservedCapacity, v, err)
		}
		a.reservedCapacity = bytes
	}
	if v, ok := cfg.ExtraConfigs[MemoryReclaimMaxWaitTime]; ok {
		wait, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("%w: bad %s %q: %v",
				ErrInvalidConfig, MemoryReclaimMaxWaitTime, v, err)
		}
		a.maxWait = wait
	}

	if a.reservedCapacity > a.capacity {
		return nil, fmt.Errorf("%w: reserved capacity %s exceeds total capacity %s",
			ErrInvalidConfig, SuccinctBytes(a.reservedCapacity),
			capacityToString(a.capacity))
	}
	if a.freeReserved = a.reservedCapacity; a.freeReserved > a.freeCapacity {
		a.freeReserved = a.freeCapacity
	}

	return a, nil
}

func (a *sharedArbitrator) Kind() string {
	return SharedArbitratorKind
}

func (a *sharedArbitrator) Capacity() int64 {
	return a.capacity
}

// AddPool grants a joining root pool an initial slice of the free
// capacity. It fails on a duplicate pool name: the arbitrator keeps its
// own registry, independent of any manager-level pool tracking.
func (a *sharedArbitrator) AddPool(pool *Pool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.pools[pool.Name()]; ok {
		return fmt.Errorf("%w: pool %q already under arbitration",
			ErrDuplicatePool, pool.Name())
	}

	grant := a.initialCapacity
	if max := pool.MaxCapacity(); grant > max {
		grant = max
	}
	if grant > a.freeCapacity {
		grant = a.freeCapacity
	}

	a.freeCapacity -= grant
	if fromReserved := min64(grant, a.freeReserved); fromReserved > 0 {
		a.freeReserved -= fromReserved
	}

	a.pools[pool.Name()] = &arbitrationEntry{
		pool: pool,
	}
	if grant > 0 {
		pool.grantCapacity(grant)
	}

	details.Debug("pool %q joined arbitration with %s of capacity",
		pool.Name(), SuccinctBytes(grant))

	return nil
}

// RemovePool takes back all capacity granted to a departing pool.
func (a *sharedArbitrator) RemovePool(pool *Pool) {
	freed := pool.shrinkFree(0)

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.pools[pool.Name()]; !ok {
		return
	}
	delete(a.pools, pool.Name())
	a.returnCapacityLocked(freed)

	details.Debug("pool %q left arbitration, returned %s of capacity",
		pool.Name(), SuccinctBytes(freed))
}

// returnCapacityLocked gives capacity back to the free pool, replenishing
// the holdback for initial grants first. Caller holds a.mu.
func (a *sharedArbitrator) returnCapacityLocked(bytes int64) {
	if bytes <= 0 {
		return
	}
	a.freeCapacity += bytes
	if a.freeReserved < a.reservedCapacity {
		a.freeReserved += min64(bytes, a.reservedCapacity-a.freeReserved)
	}
}

// takeFreeLocked takes up to want bytes of non-held-back free capacity.
// Caller holds a.mu.
func (a *sharedArbitrator) takeFreeLocked(want int64) int64 {
	usable := a.freeCapacity - a.freeReserved
	if usable <= 0 {
		return 0
	}
	got := min64(want, usable)
	a.freeCapacity -= got
	return got
}

// GrowCapacity grows the capacity of a pool enough to commit a pending
// reservation increment, recovering capacity from free grants and
// reclaimers as needed.
func (a *sharedArbitrator) GrowCapacity(pool *Pool, incr int64) error {
	a.mu.Lock()
	entry, ok := a.pools[pool.Name()]
	if !ok {
		a.mu.Unlock()
		return fmt.Errorf("%w: pool %q is not under arbitration",
			ErrArbitrationFailure, pool.Name())
	}
	a.stats.NumRequests++
	a.numRunning++
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.numRunning--
		a.mu.Unlock()
	}()

	entry.arbMu.Lock()
	defer entry.arbMu.Unlock()

	deadline := arbitrationDeadline(a.maxWait)

	for {
		shortfall, ok := pool.tryReserve(incr)
		if ok {
			a.countOutcome(true)
			return nil
		}

		if pool.Capacity()+shortfall > pool.MaxCapacity() {
			a.countOutcome(false)
			return fmt.Errorf(
				"%w: pool %q needs %s more capacity but is at max capacity %s",
				ErrPoolCapacityExceeded, pool.Name(), SuccinctBytes(shortfall),
				capacityToString(pool.MaxCapacity()))
		}

		got := a.recoverCapacity(pool, shortfall, deadline)
		if got < shortfall {
			a.mu.Lock()
			a.returnCapacityLocked(got)
			a.mu.Unlock()
			a.countOutcome(false)
			if !deadline.IsZero() && time.Now().After(deadline) {
				return fmt.Errorf(
					"%w: pool %q waited %s for %s of capacity",
					ErrArbitrationTimeout, pool.Name(), a.maxWait,
					SuccinctBytes(shortfall))
			}
			return fmt.Errorf(
				"%w: pool %q needs %s more capacity, recovered only %s",
				ErrArbitrationFailure, pool.Name(), SuccinctBytes(shortfall),
				SuccinctBytes(got))
		}

		if pool.commitGrant(got, incr) {
			a.countOutcome(true)
			return nil
		}
		// A racing reservation consumed the grant before we could commit.
		// The capacity stays with the pool; compute a fresh shortfall.
	}
}

func (a *sharedArbitrator) countOutcome(succeeded bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if succeeded {
		a.stats.NumSucceeded++
	} else {
		a.stats.NumFailures++
	}
}

// recoverCapacity recovers up to want bytes: first from ungranted
// capacity, then by shrinking unused grants of other pools, finally by
// reclaiming used memory through reclaimers. Reclaimers are invoked with
// no arbitrator or pool locks held.
func (a *sharedArbitrator) recoverCapacity(requester *Pool, want int64, deadline time.Time) int64 {
	a.mu.Lock()
	got := a.takeFreeLocked(want)
	a.mu.Unlock()
	if got >= want {
		return got
	}

	got += a.shrinkVictimsFree(requester, want-got)
	if got >= want || pastDeadline(deadline) {
		return got
	}

	got += a.reclaimFromVictims(requester, want-got, deadline)
	return got
}

// shrinkVictimsFree takes unused granted capacity from other pools,
// largest free grant first.
func (a *sharedArbitrator) shrinkVictimsFree(requester *Pool, want int64) int64 {
	victims := a.victims(requester)
	sort.Slice(victims, func(i, j int) bool {
		return victims[i].freeCapacityBytes() > victims[j].freeCapacityBytes()
	})

	total := int64(0)
	for _, victim := range victims {
		if total >= want {
			break
		}
		freed := victim.shrinkFree(want - total)
		if freed > 0 {
			total += freed
			a.mu.Lock()
			a.stats.ReclaimedFreeBytes += freed
			a.mu.Unlock()
		}
	}
	return total
}

// reclaimFromVictims recovers capacity by asking pool reclaimers to give
// up used memory, lowest reclaimer priority first, then most reclaimable.
func (a *sharedArbitrator) reclaimFromVictims(requester *Pool, want int64, deadline time.Time) int64 {
	type candidate struct {
		pool        *Pool
		reclaimer   Reclaimer
		reclaimable int64
	}

	candidates := []candidate{}
	for _, victim := range a.victims(requester) {
		r := victim.Reclaimer()
		if r == nil {
			continue
		}
		bytes, ok := r.ReclaimableBytes(victim)
		if !ok || bytes <= 0 {
			continue
		}
		candidates = append(candidates, candidate{victim, r, bytes})
	}
	sort.Slice(candidates, func(i, j int) bool {
		pi, pj := candidates[i].reclaimer.Priority(), candidates[j].reclaimer.Priority()
		if pi != pj {
			return pi < pj
		}
		return candidates[i].reclaimable > candidates[j].reclaimable
	})

	total := int64(0)
	for _, c := range candidates {
		if total >= want || pastDeadline(deadline) {
			break
		}

		maxWait := time.Duration(0)
		if !deadline.IsZero() {
			maxWait = time.Until(deadline)
		}

		stats := ReclaimStats{}
		reclaimed, err := c.reclaimer.Reclaim(c.pool, want-total, maxWait, &stats)
		if err != nil {
			log.Warn("failed to reclaim from pool %q: %v", c.pool.Name(), err)
		}
		a.mu.Lock()
		a.stats.NumNonReclaimableAttempts += stats.NumNonReclaimableAttempts
		a.mu.Unlock()
		if reclaimed <= 0 {
			continue
		}

		// reclaimed memory shows up as unused granted capacity
		freed := c.pool.shrinkFree(want - total)
		if freed > 0 {
			total += freed
			a.mu.Lock()
			a.stats.ReclaimedUsedBytes += freed
			a.mu.Unlock()
		}
	}
	return total
}

// victims returns a snapshot of all pools under arbitration except the
// requester, in name order.
func (a *sharedArbitrator) victims(requester *Pool) []*Pool {
	a.mu.Lock()
	victims := make([]*Pool, 0, len(a.pools))
	for _, entry := range a.pools {
		if requester != nil && entry.pool == requester {
			continue
		}
		victims = append(victims, entry.pool)
	}
	a.mu.Unlock()

	sort.Slice(victims, func(i, j int) bool {
		return victims[i].Name() < victims[j].Name()
	})
	return victims
}

// ShrinkCapacity takes back unused capacity from a single pool.
func (a *sharedArbitrator) ShrinkCapacity(pool *Pool, target int64) int64 {
	freed := pool.shrinkFree(target)

	a.mu.Lock()
	a.returnCapacityLocked(freed)
	a.stats.ReclaimedFreeBytes += freed
	a.mu.Unlock()

	return freed
}

// ShrinkPools recovers capacity across all pools: unused grants first,
// then reclaimers if spilling is allowed, then aborting victim pools as a
// last resort if allowed. A non-positive target recovers all unused
// grants and skips the reclaim and abort phases.
func (a *sharedArbitrator) ShrinkPools(target int64, allowSpill, allowAbort bool) int64 {
	_, span := trace.StartSpan(context.Background(), "memory.SharedArbitrator.ShrinkPools")
	defer span.End()

	total := int64(0)
	for _, pool := range a.victims(nil) {
		remaining := int64(0)
		if target > 0 {
			remaining = target - total
			if remaining <= 0 {
				break
			}
		}
		freed := pool.shrinkFree(remaining)
		if freed > 0 {
			total += freed
			a.mu.Lock()
			a.returnCapacityLocked(freed)
			a.stats.ReclaimedFreeBytes += freed
			a.mu.Unlock()
		}
	}
	if target <= 0 || total >= target {
		return total
	}

	if allowSpill {
		total += a.spillPools(target - total)
		if total >= target {
			return total
		}
	}

	if allowAbort {
		total += a.abortPools(target - total)
	}

	return total
}

func (a *sharedArbitrator) spillPools(want int64) int64 {
	deadline := arbitrationDeadline(a.maxWait)

	total := int64(0)
	for _, pool := range a.victims(nil) {
		if total >= want || pastDeadline(deadline) {
			break
		}
		r := pool.Reclaimer()
		if r == nil {
			continue
		}
		bytes, ok := r.ReclaimableBytes(pool)
		if !ok || bytes <= 0 {
			a.mu.Lock()
			a.stats.NumNonReclaimableAttempts++
			a.mu.Unlock()
			continue
		}

		stats := ReclaimStats{}
		reclaimed, err := r.Reclaim(pool, want-total, a.maxWait, &stats)
		if err != nil {
			log.Warn("failed to reclaim from pool %q: %v", pool.Name(), err)
		}
		a.mu.Lock()
		a.stats.NumNonReclaimableAttempts += stats.NumNonReclaimableAttempts
		a.mu.Unlock()
		if reclaimed <= 0 {
			continue
		}

		freed := pool.shrinkFree(want - total)
		if freed > 0 {
			total += freed
			a.mu.Lock()
			a.returnCapacityLocked(freed)
			a.stats.ReclaimedUsedBytes += freed
			a.mu.Unlock()
		}
	}
	return total
}

// abortPools aborts victim pools, largest capacity first, until enough
// capacity is recovered. Pools whose reclaimers refuse to abort are
// skipped.
func (a *sharedArbitrator) abortPools(want int64) int64 {
	victims := a.victims(nil)
	sort.Slice(victims, func(i, j int) bool {
		return victims[i].Capacity() > victims[j].Capacity()
	})

	total := int64(0)
	for _, victim := range victims {
		if total >= want {
			break
		}
		r := victim.Reclaimer()
		if r == nil {
			continue
		}

		cause := fmt.Errorf("%w: pool %q aborted to recover memory",
			ErrArbitrationFailure, victim.Name())
		if err := r.Abort(victim, cause); err != nil {
			log.Warn("cannot abort pool %q: %v", victim.Name(), err)
			a.mu.Lock()
			a.stats.NumNonReclaimableAttempts++
			a.mu.Unlock()
			continue
		}

		a.mu.Lock()
		a.stats.NumAborted++
		a.mu.Unlock()

		freed := victim.shrinkFree(0)
		if freed > 0 {
			total += freed
			a.mu.Lock()
			a.returnCapacityLocked(freed)
			a.stats.ReclaimedUsedBytes += freed
			a.mu.Unlock()
		}
	}
	return total
}

// Stats returns a snapshot of the arbitrator's counters.
func (a *sharedArbitrator) Stats() ArbitratorStats {
	a.mu.Lock()
	defer a.mu.Unlock()

	stats := a.stats
	stats.NumRunning = a.numRunning
	stats.MaxCapacityBytes = a.capacity
	stats.FreeCapacityBytes = a.freeCapacity
	stats.FreeReservedCapacityBytes = a.freeReserved
	return stats
}

func (a *sharedArbitrator) String() string {
	return fmt.Sprintf(
		"ARBITRATOR[%s CAPACITY[%s] %s CONFIG[initCapacity %s reservedCapacity %s maxReclaimWaitTime %s]]",
		SharedArbitratorKind, capacityToString(a.capacity), a.Stats(),
		SuccinctBytes(a.initialCapacity), SuccinctBytes(a.reservedCapacity),
		a.maxWait)
}

func pastDeadline(deadline time.Time) bool {
	return !deadline.IsZero() && time.Now().After(deadline)
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
