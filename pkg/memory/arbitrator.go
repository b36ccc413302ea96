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
	"fmt"
	"sync"
	"time"
)

// Arbitrator distributes a fixed total memory capacity among the root
// pools of a Manager. Implementations must be safe for concurrent use.
type Arbitrator interface {
	// Kind returns the registered kind of the arbitrator.
	Kind() string
	// Capacity returns the total capacity distributed by the arbitrator.
	Capacity() int64
	// AddPool grants a root pool its initial capacity when it joins.
	AddPool(pool *Pool) error
	// RemovePool takes back all capacity granted to a departing root pool.
	RemovePool(pool *Pool)
	// GrowCapacity grows the capacity of a root pool enough to commit a
	// pending reservation increment of the given size. On success the
	// reservation has been committed at the pool.
	GrowCapacity(pool *Pool, incr int64) error
	// ShrinkCapacity takes back unused capacity from a root pool, up to
	// target bytes, or all of it if target is zero. It returns the bytes
	// taken back.
	ShrinkCapacity(pool *Pool, target int64) int64
	// ShrinkPools takes back capacity from all root pools until target
	// bytes are recovered, or a zero target for all recoverable capacity.
	// allowSpill lets the arbitrator reclaim used memory through pool
	// reclaimers, allowAbort lets it abort victim pools as a last resort.
	ShrinkPools(target int64, allowSpill, allowAbort bool) int64
	// Stats returns a snapshot of the arbitrator's counters.
	Stats() ArbitratorStats
	// String returns a single-line description of the arbitrator.
	String() string
}

// ArbitratorConfig configures the arbitrator of a Manager.
type ArbitratorConfig struct {
	// Kind selects the registered arbitrator implementation. An empty
	// kind or "NOOP" selects the builtin pass-through arbitrator.
	Kind string `json:"kind,omitempty"`
	// Capacity is the total capacity distributed by the arbitrator.
	// Zero or negative means unlimited.
	Capacity int64 `json:"capacity,omitempty"`
	// ExtraConfigs carries free-form kind-specific settings.
	ExtraConfigs map[string]string `json:"extraConfigs,omitempty"`
}

// ArbitratorFactory creates an arbitrator from a config.
type ArbitratorFactory func(cfg ArbitratorConfig) (Arbitrator, error)

// ArbitratorStats are cumulative counters of arbitration activity.
type ArbitratorStats struct {
	// NumRequests is the number of arbitration requests served.
	NumRequests int64
	// NumRunning is the number of arbitration requests in flight.
	NumRunning int64
	// NumSucceeded is the number of requests granted in full.
	NumSucceeded int64
	// NumAborted is the number of pools aborted to recover memory.
	NumAborted int64
	// NumFailures is the number of requests that could not be granted.
	NumFailures int64
	// ReclaimedFreeBytes is the capacity recovered from unused grants.
	ReclaimedFreeBytes int64
	// ReclaimedUsedBytes is the capacity recovered through reclaimers.
	ReclaimedUsedBytes int64
	// MaxCapacityBytes is the total capacity under arbitration.
	MaxCapacityBytes int64
	// FreeCapacityBytes is the capacity not granted to any pool.
	FreeCapacityBytes int64
	// FreeReservedCapacityBytes is the part of the free capacity held
	// back for initial grants to new pools.
	FreeReservedCapacityBytes int64
	// NumNonReclaimableAttempts is the number of times a victim could
	// not be reclaimed from.
	NumNonReclaimableAttempts int64
}

// Add accumulates the given stats into the receiver.
func (s *ArbitratorStats) Add(o ArbitratorStats) {
	s.NumRequests += o.NumRequests
	s.NumSucceeded += o.NumSucceeded
	s.NumAborted += o.NumAborted
	s.NumFailures += o.NumFailures
	s.ReclaimedFreeBytes += o.ReclaimedFreeBytes
	s.ReclaimedUsedBytes += o.ReclaimedUsedBytes
	s.NumNonReclaimableAttempts += o.NumNonReclaimableAttempts
}

// String returns a single-line representation of the stats.
func (s ArbitratorStats) String() string {
	return fmt.Sprintf(
		"STATS[numRequests %d numRunning %d numSucceeded %d numAborted %d numFailures %d "+
			"numNonReclaimableAttempts %d reclaimedFreeCapacity %s reclaimedUsedCapacity %s "+
			"maxCapacity %s freeCapacity %s freeReservedCapacity %s]",
		s.NumRequests, s.NumRunning, s.NumSucceeded, s.NumAborted, s.NumFailures,
		s.NumNonReclaimableAttempts, SuccinctBytes(s.ReclaimedFreeBytes),
		SuccinctBytes(s.ReclaimedUsedBytes), capacityToString(s.MaxCapacityBytes),
		SuccinctBytes(s.FreeCapacityBytes), SuccinctBytes(s.FreeReservedCapacityBytes))
}

// NoopArbitratorKind is the kind of the builtin pass-through arbitrator.
const NoopArbitratorKind = "NOOP"

var (
	factoryLock sync.Mutex
	factories   = make(map[string]ArbitratorFactory)
)

// RegisterArbitratorFactory registers a factory for creating arbitrators
// of the given kind. It fails if the kind is already taken.
func RegisterArbitratorFactory(kind string, factory ArbitratorFactory) error {
	if kind == "" || factory == nil {
		return fmt.Errorf("%w: arbitrator factory needs a kind and a constructor",
			ErrInvalidConfig)
	}

	factoryLock.Lock()
	defer factoryLock.Unlock()

	if _, ok := factories[kind]; ok {
		return fmt.Errorf("%w: arbitrator factory %q already registered",
			ErrInvalidConfig, kind)
	}
	factories[kind] = factory

	log.Info("registered %q arbitrator factory", kind)

	return nil
}

// UnregisterArbitratorFactory removes a registered arbitrator factory.
// It returns false if no factory of the kind was registered.
func UnregisterArbitratorFactory(kind string) bool {
	factoryLock.Lock()
	defer factoryLock.Unlock()

	if _, ok := factories[kind]; !ok {
		return false
	}
	delete(factories, kind)
	return true
}

// newArbitrator creates an arbitrator for the given config, resolving the
// kind against the registry. The empty kind and NoopArbitratorKind map to
// the builtin pass-through arbitrator.
func newArbitrator(cfg ArbitratorConfig) (Arbitrator, error) {
	if cfg.Kind == "" || cfg.Kind == NoopArbitratorKind {
		return newNoopArbitrator(cfg), nil
	}

	factoryLock.Lock()
	factory, ok := factories[cfg.Kind]
	factoryLock.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: arbitrator kind %q is not registered",
			ErrInvalidConfig, cfg.Kind)
	}
	return factory(cfg)
}

// noopArbitrator grants every root pool its maximum capacity up front and
// never redistributes. Capacity enforcement is then down to per-pool
// limits and the allocator's own ceiling.
type noopArbitrator struct {
	capacity int64
}

func newNoopArbitrator(cfg ArbitratorConfig) *noopArbitrator {
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = MaxMemory
	}
	return &noopArbitrator{
		capacity: capacity,
	}
}

func (a *noopArbitrator) Kind() string {
	return NoopArbitratorKind
}

func (a *noopArbitrator) Capacity() int64 {
	return a.capacity
}

func (a *noopArbitrator) AddPool(pool *Pool) error {
	pool.grantCapacity(pool.MaxCapacity())
	return nil
}

func (a *noopArbitrator) RemovePool(pool *Pool) {
}

func (a *noopArbitrator) GrowCapacity(pool *Pool, incr int64) error {
	return fmt.Errorf("%w: NOOP arbitrator cannot grow pool %q by %s",
		ErrNotImplemented, pool.Name(), SuccinctBytes(incr))
}

func (a *noopArbitrator) ShrinkCapacity(pool *Pool, target int64) int64 {
	return 0
}

func (a *noopArbitrator) ShrinkPools(target int64, allowSpill, allowAbort bool) int64 {
	return 0
}

func (a *noopArbitrator) Stats() ArbitratorStats {
	return ArbitratorStats{
		MaxCapacityBytes:  a.capacity,
		FreeCapacityBytes: a.capacity,
	}
}

func (a *noopArbitrator) String() string {
	return fmt.Sprintf("ARBITRATOR[%s CAPACITY[%s]]",
		NoopArbitratorKind, capacityToString(a.capacity))
}

// arbitrationDeadline turns a maximum wait into an absolute deadline, with
// a zero wait meaning no deadline.
func arbitrationDeadline(maxWait time.Duration) time.Time {
	if maxWait <= 0 {
		return time.Time{}
	}
	return time.Now().Add(maxWait)
}
