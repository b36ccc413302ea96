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
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	"sigs.k8s.io/yaml"
)

// Names of the system-owned pools every Manager creates.
const (
	// SysRootPoolName is the aggregate root owning all system leaves and
	// the leaf pools created directly on the Manager.
	SysRootPoolName = "__sys_root__"
	// SpillPoolName is the system leaf pool for spilling.
	SpillPoolName = "__sys_spilling__"
	// TracingPoolName is the system leaf pool for tracing.
	TracingPoolName = "__sys_tracing__"
	// SharedLeafPoolNamePrefix prefixes the unregistered shared system
	// leaf pools.
	SharedLeafPoolNamePrefix = "__sys_shared_leaf__"
)

// DefaultSharedLeafPoolCount is the default number of shared system leaf
// pools.
const DefaultSharedLeafPoolCount = 32

// Options configure a Manager.
type Options struct {
	// AllocatorCapacity is the hard ceiling enforced by the Allocator.
	// Zero or negative means unlimited.
	AllocatorCapacity int64 `json:"allocatorCapacity,omitempty"`
	// Alignment is the allocation alignment. Values at or below the
	// minimum clamp to the minimum; larger values must be a power of two
	// no greater than MaxAlignment.
	Alignment uint64 `json:"alignment,omitempty"`
	// TrackDefaultUsage controls usage tracking for pools that do not
	// override it.
	TrackDefaultUsage bool `json:"trackDefaultUsage,omitempty"`
	// CheckUsageLeak makes Shutdown report pools with unfreed memory.
	CheckUsageLeak bool `json:"checkUsageLeak,omitempty"`
	// DisablePoolTracking turns off the Manager's duplicate pool name
	// check and pool registry bookkeeping for user pools.
	DisablePoolTracking bool `json:"disablePoolTracking,omitempty"`
	// SharedLeafPoolCount is the number of shared system leaf pools.
	// Zero means DefaultSharedLeafPoolCount.
	SharedLeafPoolCount int `json:"sharedLeafPoolCount,omitempty"`
	// Arbitrator configures capacity arbitration among root pools.
	Arbitrator ArbitratorConfig `json:"arbitrator,omitempty"`
}

// DefaultOptions returns the default Manager options.
func DefaultOptions() *Options {
	return &Options{
		AllocatorCapacity:   MaxMemory,
		Alignment:           MaxAlignment,
		TrackDefaultUsage:   true,
		CheckUsageLeak:      true,
		SharedLeafPoolCount: DefaultSharedLeafPoolCount,
	}
}

// ReadOptions reads Manager options from a YAML or JSON file, on top of
// the defaults.
func ReadOptions(path string) (*Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read options file %q", path)
	}

	o := DefaultOptions()
	if err := yaml.UnmarshalStrict(data, o); err != nil {
		return nil, errors.Wrapf(err, "failed to parse options file %q", path)
	}

	return o, nil
}

// Manager owns an Allocator, an Arbitrator and a forest of memory pools.
// It tracks user pools by name and provides the system pools shared
// infrastructure allocates from.
type Manager struct {
	options   Options
	alignment uint64
	allocator Allocator
	arb       Arbitrator

	sysRoot      *Pool
	spillPool    *Pool
	tracingPool  *Pool
	sharedLeaves []*Pool
	sharedNext   atomic.Uint64

	rootNameGen atomic.Uint64
	leafNameGen atomic.Uint64

	mu    sync.RWMutex
	pools map[string]*Pool
}

// NewManager creates a Manager from the given options, nil meaning
// defaults. Missing option fields are taken literally, not defaulted, so
// pass DefaultOptions-derived options unless zero values are intended.
func NewManager(o *Options) (*Manager, error) {
	if o == nil {
		o = DefaultOptions()
	}

	alignment, err := checkAlignment(o.Alignment)
	if err != nil {
		return nil, err
	}

	capacity := o.AllocatorCapacity
	if capacity <= 0 {
		capacity = MaxMemory
	}

	// The arbitrator never distributes more than the allocator can back,
	// whatever capacity its own config asks for.
	arbCfg := o.Arbitrator
	if arbCfg.Capacity <= 0 || arbCfg.Capacity > capacity {
		arbCfg.Capacity = capacity
	}
	arb, err := newArbitrator(arbCfg)
	if err != nil {
		return nil, err
	}

	leafCount := o.SharedLeafPoolCount
	if leafCount <= 0 {
		leafCount = DefaultSharedLeafPoolCount
	}

	allocator, err := NewMallocAllocator(capacity, alignment)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		options:   *o,
		alignment: alignment,
		allocator: allocator,
		arb:       arb,
		pools:     make(map[string]*Pool),
	}

	m.sysRoot = newPool(poolConfig{
		name:       SysRootPoolName,
		kind:       PoolKindAggregate,
		alignment:  alignment,
		trackUsage: o.TrackDefaultUsage,
		threadSafe: true,
		reclaimer:  newSysReclaimer(),
		allocator:  m.allocator,
	})
	m.sysRoot.grantCapacity(capacity)
	m.pools[SysRootPoolName] = m.sysRoot

	if m.spillPool, err = m.addSysLeaf(SpillPoolName, true); err != nil {
		return nil, err
	}
	if m.tracingPool, err = m.addSysLeaf(TracingPoolName, true); err != nil {
		return nil, err
	}
	for i := 0; i < leafCount; i++ {
		leaf, err := m.addSysLeaf(fmt.Sprintf("%s%d", SharedLeafPoolNamePrefix, i), false)
		if err != nil {
			return nil, err
		}
		m.sharedLeaves = append(m.sharedLeaves, leaf)
	}

	log.Info("created memory manager: %s", m.shortString())

	return m, nil
}

func (m *Manager) addSysLeaf(name string, register bool) (*Pool, error) {
	leaf, err := m.sysRoot.AddLeafChild(name)
	if err != nil {
		return nil, err
	}
	if register {
		m.mu.Lock()
		m.pools[name] = leaf
		m.mu.Unlock()
	}
	return leaf, nil
}

// AddRootPool creates a root pool owned by the caller, granting it
// capacity through the arbitrator. An empty name generates one.
func (m *Manager) AddRootPool(name string, opts ...PoolOption) (*Pool, error) {
	if name == "" {
		name = fmt.Sprintf("default_root_%d", m.rootNameGen.Add(1)-1)
	}

	cfg := poolConfig{
		name:       name,
		kind:       PoolKindAggregate,
		alignment:  m.alignment,
		trackUsage: m.options.TrackDefaultUsage,
		threadSafe: true,
		allocator:  m.allocator,
		arb:        m.arb,
		releaseFn:  m.dropPool,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	pool := newPool(cfg)

	if err := m.registerPool(pool); err != nil {
		return nil, err
	}
	if err := m.arb.AddPool(pool); err != nil {
		m.unregisterPool(pool)
		return nil, err
	}

	details.Debug("added root pool %q with max capacity %s",
		name, capacityToString(pool.MaxCapacity()))

	return pool, nil
}

// AddLeafPool creates a leaf pool under the system root. An empty name
// generates one. Leaf pools share the system root's granted capacity.
func (m *Manager) AddLeafPool(name string, opts ...PoolOption) (*Pool, error) {
	if name == "" {
		name = fmt.Sprintf("default_leaf_%d", m.leafNameGen.Add(1)-1)
	}

	if !m.options.DisablePoolTracking {
		m.mu.RLock()
		_, ok := m.pools[name]
		m.mu.RUnlock()
		if ok {
			return nil, fmt.Errorf("%w: pool %q already exists", ErrDuplicatePool, name)
		}
	}

	opts = append(opts, func(cfg *poolConfig) {
		cfg.releaseFn = m.dropPool
	})
	leaf, err := m.sysRoot.AddLeafChild(name, opts...)
	if err != nil {
		return nil, err
	}

	if !m.options.DisablePoolTracking {
		m.mu.Lock()
		m.pools[name] = leaf
		m.mu.Unlock()
	}

	return leaf, nil
}

func (m *Manager) registerPool(pool *Pool) error {
	if m.options.DisablePoolTracking {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.pools[pool.Name()]; ok {
		return fmt.Errorf("%w: pool %q already exists", ErrDuplicatePool, pool.Name())
	}
	m.pools[pool.Name()] = pool
	return nil
}

func (m *Manager) unregisterPool(pool *Pool) {
	if m.options.DisablePoolTracking {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.pools[pool.Name()]; ok && p == pool {
		delete(m.pools, pool.Name())
	}
}

// dropPool is the destruction notification hook of pools created through
// the Manager.
func (m *Manager) dropPool(pool *Pool) {
	m.unregisterPool(pool)
	if pool.Parent() == nil {
		m.arb.RemovePool(pool)
	}
}

// GetPool looks up a tracked pool by name.
func (m *Manager) GetPool(name string) (*Pool, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pool, ok := m.pools[name]
	return pool, ok
}

// NumPools returns the number of tracked pools, system pools included.
func (m *Manager) NumPools() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pools)
}

// Capacity returns the total memory capacity of the Manager.
func (m *Manager) Capacity() int64 {
	return m.allocator.Capacity()
}

// Alignment returns the allocation alignment of the Manager.
func (m *Manager) Alignment() uint64 {
	return m.alignment
}

// Allocator returns the Manager's allocator.
func (m *Manager) Allocator() Allocator {
	return m.allocator
}

// Arbitrator returns the Manager's arbitrator.
func (m *Manager) Arbitrator() Arbitrator {
	return m.arb
}

// SysRootPool returns the system root pool.
func (m *Manager) SysRootPool() *Pool {
	return m.sysRoot
}

// SpillPool returns the system spilling pool.
func (m *Manager) SpillPool() *Pool {
	return m.spillPool
}

// TracingPool returns the system tracing pool.
func (m *Manager) TracingPool() *Pool {
	return m.tracingPool
}

// SharedLeafPool returns one of the shared system leaf pools, rotating
// over them on successive calls.
func (m *Manager) SharedLeafPool() *Pool {
	idx := m.sharedNext.Add(1) - 1
	return m.sharedLeaves[idx%uint64(len(m.sharedLeaves))]
}

// UsedBytes returns the total usage rolled up over all tracked root pools.
func (m *Manager) UsedBytes() int64 {
	total := int64(0)
	for _, root := range m.rootPools() {
		total += root.UsedBytes()
	}
	return total
}

// TotalBytes returns the bytes currently checked out of the allocator.
func (m *Manager) TotalBytes() int64 {
	return m.allocator.TotalBytes()
}

// ShrinkPools recovers capacity from the root pools through the
// arbitrator. A non-positive target recovers all unused grants.
func (m *Manager) ShrinkPools(target int64, allowSpill, allowAbort bool) int64 {
	_, span := trace.StartSpan(context.Background(), "memory.Manager.ShrinkPools")
	defer span.End()

	return m.arb.ShrinkPools(target, allowSpill, allowAbort)
}

// Shutdown tears the Manager down, releasing the system pools. With leak
// checking enabled it reports every tracked pool still holding memory.
func (m *Manager) Shutdown() error {
	var err *multierror.Error

	if m.options.CheckUsageLeak {
		for _, pool := range m.trackedPools() {
			if used := pool.UsedBytes(); used != 0 && pool != m.sysRoot {
				err = multierror.Append(err, fmt.Errorf(
					"%w: pool %q still uses %s at shutdown",
					ErrMemoryLeak, pool.Name(), SuccinctBytes(used)))
			}
		}
	}

	m.mu.Lock()
	delete(m.pools, SpillPoolName)
	delete(m.pools, TracingPoolName)
	delete(m.pools, SysRootPoolName)
	m.mu.Unlock()

	for _, leaf := range m.sharedLeaves {
		leaf.Release()
	}
	m.sharedLeaves = nil
	if m.spillPool != nil {
		m.spillPool.Release()
		m.spillPool = nil
	}
	if m.tracingPool != nil {
		m.tracingPool.Release()
		m.tracingPool = nil
	}
	if m.sysRoot != nil {
		m.sysRoot.Release()
		m.sysRoot = nil
	}

	if e := err.ErrorOrNil(); e != nil {
		log.Error("memory manager shutdown found leaks: %v", e)
		return e
	}
	return nil
}

func (m *Manager) trackedPools() []*Pool {
	m.mu.RLock()
	pools := make([]*Pool, 0, len(m.pools))
	for _, pool := range m.pools {
		pools = append(pools, pool)
	}
	m.mu.RUnlock()

	sort.Slice(pools, func(i, j int) bool {
		return pools[i].Name() < pools[j].Name()
	})
	return pools
}

// rootPools returns the tracked root pools, system root first, the rest
// in name order.
func (m *Manager) rootPools() []*Pool {
	roots := []*Pool{}
	if m.sysRoot != nil {
		roots = append(roots, m.sysRoot)
	}
	for _, pool := range m.trackedPools() {
		if pool.Parent() == nil && pool != m.sysRoot {
			roots = append(roots, pool)
		}
	}
	return roots
}

func (m *Manager) shortString() string {
	return fmt.Sprintf("capacity %s alignment %dB number of pools %d",
		capacityToString(m.Capacity()), m.alignment, m.NumPools())
}

// String returns a multi-line report of the Manager state.
func (m *Manager) String() string {
	b := strings.Builder{}
	fmt.Fprintf(&b, "Memory Manager[capacity %s alignment %dB usedBytes %s number of pools %d\n",
		capacityToString(m.Capacity()), m.alignment,
		SuccinctBytes(m.UsedBytes()), m.NumPools())
	b.WriteString("List of root pools:\n")
	for _, root := range m.rootPools() {
		fmt.Fprintf(&b, "\t%s\n", root.Name())
	}
	fmt.Fprintf(&b, "%s\n", m.allocator)
	fmt.Fprintf(&b, "%s]", m.arb)
	return b.String()
}

// VerboseString returns the Manager report with per-pool usage trees.
func (m *Manager) VerboseString() string {
	b := strings.Builder{}
	fmt.Fprintf(&b, "Memory Manager[capacity %s alignment %dB usedBytes %s number of pools %d\n",
		capacityToString(m.Capacity()), m.alignment,
		SuccinctBytes(m.UsedBytes()), m.NumPools())
	b.WriteString("List of root pools:\n")
	for _, root := range m.rootPools() {
		writePoolTree(&b, root, 1)
	}
	fmt.Fprintf(&b, "%s\n", m.allocator)
	fmt.Fprintf(&b, "%s]", m.arb)
	return b.String()
}

func writePoolTree(b *strings.Builder, pool *Pool, depth int) {
	fmt.Fprintf(b, "%s%s %s\n", strings.Repeat("\t", depth), pool.Name(), pool.usageString())
	pool.VisitChildren(func(child *Pool) bool {
		writePoolTree(b, child, depth+1)
		return true
	})
}
