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
	"sort"
	"sync"
	"sync/atomic"
)

// PoolKind is the kind of a memory pool.
type PoolKind int

const (
	// PoolKindAggregate pools, including the parentless roots, only roll
	// up descendant usage.
	PoolKindAggregate PoolKind = iota
	// PoolKindLeaf pools perform actual allocation through the Allocator.
	PoolKindLeaf
)

// String returns a string representation of the pool kind.
func (k PoolKind) String() string {
	switch k {
	case PoolKindAggregate:
		return "AGGREGATE"
	case PoolKindLeaf:
		return "LEAF"
	}
	return fmt.Sprintf("%%!(memory:Bad-PoolKind %d)", int(k))
}

// Pool is a node in a tree of memory accounting entities. Leaf pools
// allocate through the owning Manager's Allocator; aggregate pools roll up
// descendant usage for capacity decisions. The caller owns the handle
// returned by a pool factory call and must Release it; child pools keep
// their parent alive, and a pool detaches from its parent synchronously
// when its last reference is released.
type Pool struct {
	name       string
	kind       PoolKind
	parent     *Pool
	root       *Pool
	alignment  uint64
	trackUsage bool
	threadSafe bool
	allocator  Allocator

	// root-only fields
	maxCapacity int64
	arb         Arbitrator
	releaseFn   func(*Pool)

	refs atomic.Int64

	mu        sync.Mutex
	children  map[string]*Pool
	reclaimer Reclaimer
	capacity  int64 // granted capacity, roots only
	reserved  int64
	used      int64
	peak      int64
}

// PoolOption is an opaque option for a pool factory call.
type PoolOption func(*poolConfig)

type poolConfig struct {
	name        string
	kind        PoolKind
	parent      *Pool
	maxCapacity int64
	alignment   uint64
	trackUsage  bool
	threadSafe  bool
	reclaimer   Reclaimer
	allocator   Allocator
	arb         Arbitrator
	releaseFn   func(*Pool)
}

// WithMaxCapacity is an option to limit the maximum capacity of a root
// pool. It is ignored for non-root pools, which share their root's limit.
func WithMaxCapacity(limit int64) PoolOption {
	return func(cfg *poolConfig) {
		if limit <= 0 {
			limit = MaxMemory
		}
		cfg.maxCapacity = limit
	}
}

// WithReclaimer is an option to attach a reclaimer to a pool.
func WithReclaimer(r Reclaimer) PoolOption {
	return func(cfg *poolConfig) {
		cfg.reclaimer = r
	}
}

// WithTrackUsage is an option to override usage tracking for a pool.
func WithTrackUsage(track bool) PoolOption {
	return func(cfg *poolConfig) {
		cfg.trackUsage = track
	}
}

// NonThreadSafe is an option to mark a leaf pool as serving a single
// goroutine. Accounting stays safe either way; the flag is diagnostic.
func NonThreadSafe() PoolOption {
	return func(cfg *poolConfig) {
		cfg.threadSafe = false
	}
}

func newPool(cfg poolConfig) *Pool {
	p := &Pool{
		name:        cfg.name,
		kind:        cfg.kind,
		parent:      cfg.parent,
		alignment:   cfg.alignment,
		trackUsage:  cfg.trackUsage,
		threadSafe:  cfg.threadSafe,
		allocator:   cfg.allocator,
		maxCapacity: cfg.maxCapacity,
		arb:         cfg.arb,
		releaseFn:   cfg.releaseFn,
		children:    make(map[string]*Pool),
		reclaimer:   cfg.reclaimer,
	}
	if p.maxCapacity <= 0 {
		p.maxCapacity = MaxMemory
	}
	if cfg.parent != nil {
		p.root = cfg.parent.root
	} else {
		p.root = p
	}
	p.refs.Store(1)

	return p
}

// Name returns the name of the pool.
func (p *Pool) Name() string {
	return p.name
}

// Kind returns the kind of the pool.
func (p *Pool) Kind() PoolKind {
	return p.kind
}

// Parent returns the parent of the pool, nil for root pools.
func (p *Pool) Parent() *Pool {
	return p.parent
}

// Root returns the root pool of the pool's tree.
func (p *Pool) Root() *Pool {
	return p.root
}

// Alignment returns the allocation alignment of the pool.
func (p *Pool) Alignment() uint64 {
	return p.alignment
}

// TrackUsage returns true if the pool tracks memory usage.
func (p *Pool) TrackUsage() bool {
	return p.trackUsage
}

// ThreadSafe returns true unless the pool was created for single-goroutine
// use.
func (p *Pool) ThreadSafe() bool {
	return p.threadSafe
}

// Capacity returns the capacity currently granted to the pool's root.
func (p *Pool) Capacity() int64 {
	r := p.root
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.capacity
}

// MaxCapacity returns the maximum capacity of the pool's root.
func (p *Pool) MaxCapacity() int64 {
	return p.root.maxCapacity
}

// ReservedBytes returns the bytes checked out against granted capacity.
func (p *Pool) ReservedBytes() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reserved
}

// UsedBytes returns the bytes in active use: actual usage for leaves, the
// rolled up usage of all descendants for aggregates.
func (p *Pool) UsedBytes() int64 {
	if p.kind == PoolKindLeaf {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.used
	}

	total := int64(0)
	p.VisitChildren(func(child *Pool) bool {
		total += child.UsedBytes()
		return true
	})
	return total
}

// PeakBytes returns the high watermark of the pool: peak usage for leaves,
// peak reservation for aggregates.
func (p *Pool) PeakBytes() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peak
}

// AvailableBytes returns the unreserved part of the root's granted capacity.
func (p *Pool) AvailableBytes() int64 {
	r := p.root
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.capacity == MaxMemory {
		return MaxMemory
	}
	return r.capacity - r.reserved
}

// Reclaimer returns the reclaimer of the pool, if any.
func (p *Pool) Reclaimer() Reclaimer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reclaimer
}

// SetReclaimer attaches a reclaimer to the pool.
func (p *Pool) SetReclaimer(r Reclaimer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reclaimer = r
}

// ChildCount returns the number of children of the pool.
func (p *Pool) ChildCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.children)
}

// VisitChildren calls the given function for each child of the pool until
// the function returns false. It iterates over a snapshot, in name order,
// and tolerates concurrent structural mutation.
func (p *Pool) VisitChildren(fn func(*Pool) bool) {
	p.mu.Lock()
	snapshot := make([]*Pool, 0, len(p.children))
	for _, child := range p.children {
		snapshot = append(snapshot, child)
	}
	p.mu.Unlock()

	sort.Slice(snapshot, func(i, j int) bool {
		return snapshot[i].name < snapshot[j].name
	})

	for _, child := range snapshot {
		if !fn(child) {
			return
		}
	}
}

// AddLeafChild creates a leaf child pool with the given name. The child
// inherits the pool's alignment and usage tracking unless overridden.
func (p *Pool) AddLeafChild(name string, opts ...PoolOption) (*Pool, error) {
	return p.addChild(name, PoolKindLeaf, opts...)
}

// AddAggregateChild creates an aggregate child pool with the given name.
func (p *Pool) AddAggregateChild(name string, opts ...PoolOption) (*Pool, error) {
	return p.addChild(name, PoolKindAggregate, opts...)
}

func (p *Pool) addChild(name string, kind PoolKind, opts ...PoolOption) (*Pool, error) {
	if p.kind != PoolKindAggregate {
		return nil, fmt.Errorf("%w: cannot add child %q to leaf pool %q",
			ErrUnsupported, name, p.name)
	}
	if name == "" {
		return nil, fmt.Errorf("%w: empty child pool name", ErrInvalidConfig)
	}

	cfg := poolConfig{
		name:       name,
		kind:       kind,
		parent:     p,
		alignment:  p.alignment,
		trackUsage: p.trackUsage,
		threadSafe: true,
		allocator:  p.allocator,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.parent = p
	child := newPool(cfg)

	p.mu.Lock()
	if _, ok := p.children[name]; ok {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: child %q of pool %q", ErrDuplicatePool, name, p.name)
	}
	p.children[name] = child
	p.mu.Unlock()

	p.ref()

	details.Debug("created %s child %q of pool %q", kind, name, p.name)

	return child, nil
}

func (p *Pool) removeChild(name string) {
	p.mu.Lock()
	delete(p.children, name)
	p.mu.Unlock()
}

func (p *Pool) ref() {
	p.refs.Add(1)
}

// Release drops the caller's reference to the pool. When the last
// reference is dropped the pool is destroyed: it detaches from its parent
// synchronously and leaves its manager and arbitrator. Release never fails.
func (p *Pool) Release() {
	left := p.refs.Add(-1)
	if left > 0 {
		return
	}
	if left < 0 {
		log.Error("release of already destroyed pool %q", p.name)
		return
	}
	p.destroy()
}

func (p *Pool) destroy() {
	p.mu.Lock()
	if len(p.children) != 0 {
		// children hold references, so this cannot be reached with live ones
		log.Error("pool %q destroyed with %d children", p.name, len(p.children))
	}
	used, reserved := p.used, p.reserved
	p.mu.Unlock()

	if used != 0 {
		log.Error("pool %q destroyed with %s of unfreed memory", p.name, SuccinctBytes(used))
	}
	if reserved > 0 {
		p.decreaseReservation(reserved)
	}

	details.Debug("destroying %s pool %q", p.kind, p.name)

	parent := p.parent
	if parent != nil {
		parent.removeChild(p.name)
	}
	if p.releaseFn != nil {
		p.releaseFn(p)
	}
	if parent != nil {
		parent.Release()
	}
}

// Allocate allocates a buffer of the given size from the pool. A zero size
// is a no-op. Only leaf pools can allocate.
func (p *Pool) Allocate(size int64) ([]byte, error) {
	if err := p.checkLeaf("Allocate"); err != nil {
		return nil, err
	}
	if size <= 0 {
		return nil, nil
	}

	reserve := alignUp(size, p.alignment)
	if err := p.reserveBytes(reserve); err != nil {
		return nil, err
	}

	buf, err := p.allocator.Allocate(size)
	if err != nil {
		p.releaseBytes(reserve)
		return nil, err
	}

	return buf, nil
}

// Free releases a buffer of the given allocated size back to the pool.
// It never fails; a zero size is a no-op.
func (p *Pool) Free(buf []byte, size int64) {
	if size <= 0 {
		return
	}
	p.allocator.Free(buf, size)
	p.releaseBytes(alignUp(size, p.alignment))
}

// AllocateContiguous allocates the given number of contiguous machine
// pages into the given handle, freeing any allocation the handle holds.
func (p *Pool) AllocateContiguous(pages int64, out *ContiguousAllocation) error {
	if err := p.checkLeaf("AllocateContiguous"); err != nil {
		return err
	}
	if !out.Empty() {
		p.FreeContiguous(out)
	}
	if pages <= 0 {
		return nil
	}

	reserve := pages * PageSize
	if err := p.reserveBytes(reserve); err != nil {
		return err
	}
	if err := p.allocator.AllocateContiguous(pages, out); err != nil {
		p.releaseBytes(reserve)
		return err
	}
	out.pool = p

	return nil
}

// FreeContiguous releases a contiguous allocation. It never fails.
func (p *Pool) FreeContiguous(out *ContiguousAllocation) {
	if out == nil || out.Empty() {
		return
	}
	pages := out.NumPages()
	p.allocator.FreeContiguous(out)
	p.releaseBytes(pages * PageSize)
}

// AllocateNonContiguous allocates the given number of machine pages,
// possibly split over several runs, into the given handle, freeing any
// allocation the handle holds.
func (p *Pool) AllocateNonContiguous(pages int64, out *Allocation) error {
	if err := p.checkLeaf("AllocateNonContiguous"); err != nil {
		return err
	}
	if !out.Empty() {
		p.FreeNonContiguous(out)
	}
	if pages <= 0 {
		return nil
	}

	reserve := pages * PageSize
	if err := p.reserveBytes(reserve); err != nil {
		return err
	}
	if err := p.allocator.AllocateNonContiguous(pages, out); err != nil {
		p.releaseBytes(reserve)
		return err
	}
	out.pool = p

	return nil
}

// FreeNonContiguous releases a non-contiguous allocation. It never fails.
func (p *Pool) FreeNonContiguous(out *Allocation) {
	if out == nil || out.Empty() {
		return
	}
	pages := out.NumPages()
	p.allocator.FreeNonContiguous(out)
	p.releaseBytes(pages * PageSize)
}

// String returns a single-line summary of the pool state.
func (p *Pool) String() string {
	return fmt.Sprintf("Memory Pool[%s %s capacity %s max capacity %s %s]",
		p.name, p.kind, capacityToString(p.Capacity()),
		capacityToString(p.MaxCapacity()), p.usageString())
}

func (p *Pool) usageString() string {
	return fmt.Sprintf("usage %s reserved %s peak %s",
		SuccinctBytes(p.UsedBytes()), SuccinctBytes(p.ReservedBytes()),
		SuccinctBytes(p.PeakBytes()))
}

func (p *Pool) checkLeaf(op string) error {
	if p.kind != PoolKindLeaf {
		return fmt.Errorf("%w: %s on %s pool %q", ErrUnsupported, op, p.kind, p.name)
	}
	return nil
}

// reserveBytes checks the given allocation size out of the pool's granted
// capacity, escalating to the owning root's arbitrator when the current
// grant does not cover it.
func (p *Pool) reserveBytes(size int64) error {
	if size == 0 || !p.trackUsage {
		return nil
	}

	p.mu.Lock()
	newUsed := p.used + size
	incr := quantizedSize(newUsed) - p.reserved
	if incr <= 0 {
		p.used = newUsed
		if p.used > p.peak {
			p.peak = p.used
		}
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	if err := p.increaseReservation(incr); err != nil {
		return err
	}

	p.mu.Lock()
	p.used += size
	if p.used > p.peak {
		p.peak = p.used
	}
	p.reserved += incr
	p.mu.Unlock()
	return nil
}

// releaseBytes returns the given allocation size to the pool, shrinking
// the quantized reservation as needed. It never fails.
func (p *Pool) releaseBytes(size int64) {
	if size == 0 || !p.trackUsage {
		return
	}

	p.mu.Lock()
	p.used -= size
	if p.used < 0 {
		log.Error("pool %q accounting underflow: used %d after freeing %d",
			p.name, p.used, size)
		p.used = 0
	}
	decr := p.reserved - quantizedSize(p.used)
	if decr > 0 {
		p.reserved -= decr
	}
	p.mu.Unlock()

	if decr > 0 {
		p.decreaseReservation(decr)
	}
}

// increaseReservation reserves the given increment from every ancestor,
// root first, gating at the root against its granted capacity.
func (p *Pool) increaseReservation(incr int64) error {
	if p.parent == nil {
		return p.ensureRootCapacity(incr)
	}

	if err := p.parent.increaseReservation(incr); err != nil {
		return err
	}

	if p.kind == PoolKindAggregate {
		p.mu.Lock()
		p.reserved += incr
		if p.reserved > p.peak {
			p.peak = p.reserved
		}
		p.mu.Unlock()
	}
	return nil
}

func (p *Pool) decreaseReservation(decr int64) {
	for q := p.parent; q != nil; q = q.parent {
		q.mu.Lock()
		q.reserved -= decr
		if q.reserved < 0 {
			log.Error("pool %q reservation underflow by %d", q.name, -q.reserved)
			q.reserved = 0
		}
		q.mu.Unlock()
	}
}

// ensureRootCapacity commits the given reservation increment at the root,
// asking the arbitrator to grow the granted capacity on shortfall.
func (p *Pool) ensureRootCapacity(incr int64) error {
	if _, ok := p.tryReserve(incr); ok {
		return nil
	}

	p.mu.Lock()
	capacity := p.capacity
	p.mu.Unlock()

	if capacity >= p.maxCapacity || p.arb == nil {
		return fmt.Errorf(
			"%w: pool %q cannot reserve %s, %s of %s capacity reserved, max capacity %s",
			ErrPoolCapacityExceeded, p.name, SuccinctBytes(incr),
			SuccinctBytes(p.ReservedBytes()), capacityToString(capacity),
			capacityToString(p.maxCapacity))
	}

	// The arbitrator commits the reservation together with the grant.
	return p.arb.GrowCapacity(p, incr)
}

// tryReserve commits the reservation increment if it fits the granted
// capacity, otherwise it reports the shortfall.
func (p *Pool) tryReserve(incr int64) (int64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.capacity == MaxMemory || p.reserved+incr <= p.capacity {
		p.reserved += incr
		if p.reserved > p.peak {
			p.peak = p.reserved
		}
		return 0, true
	}
	return p.reserved + incr - p.capacity, false
}

// grantCapacity increases the granted capacity of a root pool.
func (p *Pool) grantCapacity(bytes int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if bytes == MaxMemory || p.capacity > MaxMemory-bytes {
		p.capacity = MaxMemory
	} else {
		p.capacity += bytes
	}
}

// commitGrant increases the granted capacity and tries to commit the
// pending reservation increment against it.
func (p *Pool) commitGrant(granted, incr int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if granted > 0 {
		if p.capacity > MaxMemory-granted {
			p.capacity = MaxMemory
		} else {
			p.capacity += granted
		}
	}
	if p.capacity == MaxMemory || p.reserved+incr <= p.capacity {
		p.reserved += incr
		if p.reserved > p.peak {
			p.peak = p.reserved
		}
		return true
	}
	return false
}

// freeCapacityBytes returns the unreserved granted capacity of a root pool.
func (p *Pool) freeCapacityBytes() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.capacity == MaxMemory {
		return 0
	}
	free := p.capacity - p.reserved
	if free < 0 {
		free = 0
	}
	return free
}

// shrinkFree gives up unreserved granted capacity, up to target bytes, or
// all of it if target is zero. It returns the bytes actually given up.
func (p *Pool) shrinkFree(target int64) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.capacity == MaxMemory {
		return 0
	}
	free := p.capacity - p.reserved
	if free <= 0 {
		return 0
	}
	freed := free
	if target > 0 && target < freed {
		freed = target
	}
	p.capacity -= freed
	return freed
}

// quantizedSize returns the reservation size for the given usage. Small
// reservations grow in 1MB steps, larger ones in 4MB and 8MB steps.
func quantizedSize(size int64) int64 {
	switch {
	case size == 0:
		return 0
	case size < 16<<20:
		return roundUp(size, 1<<20)
	case size < 64<<20:
		return roundUp(size, 4<<20)
	default:
		return roundUp(size, 8<<20)
	}
}

func roundUp(size, unit int64) int64 {
	return (size + unit - 1) &^ (unit - 1)
}
