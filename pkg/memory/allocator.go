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
	"math"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	// PageSize is the size of a machine page in bytes.
	PageSize int64 = 4096
	// MinAlignment is the smallest alignment of allocated memory.
	MinAlignment uint64 = 16
	// MaxAlignment is the largest supported alignment of allocated memory.
	MaxAlignment uint64 = 64
	// MaxMemory denotes the absence of any capacity limit.
	MaxMemory int64 = math.MaxInt64

	// maxPagesPerRun bounds the size of a single run in a non-contiguous
	// allocation.
	maxPagesPerRun int64 = 16 << 10
)

// Allocator is a process-wide provider of raw bytes and machine pages with
// a fixed capacity ceiling. It performs pure resource accounting with no
// hierarchy; all operations are safe under unsynchronized concurrent
// callers. Any request exceeding the ceiling fails with an error wrapping
// ErrAllocatorCapacityExceeded and changes no counters.
type Allocator interface {
	// Allocate allocates a buffer of the given size, honoring the
	// configured alignment.
	Allocate(size int64) ([]byte, error)
	// Free releases a buffer of the given allocated size. It never fails.
	Free(buf []byte, size int64)
	// AllocateContiguous allocates the given number of contiguous machine
	// pages into the given handle.
	AllocateContiguous(pages int64, out *ContiguousAllocation) error
	// FreeContiguous releases a contiguous allocation. It never fails.
	FreeContiguous(out *ContiguousAllocation)
	// AllocateNonContiguous allocates the given number of machine pages,
	// possibly split over several runs, into the given handle.
	AllocateNonContiguous(pages int64, out *Allocation) error
	// FreeNonContiguous releases a non-contiguous allocation. It never fails.
	FreeNonContiguous(out *Allocation)
	// Kind returns the allocator implementation identifier.
	Kind() string
	// Capacity returns the capacity ceiling in bytes.
	Capacity() int64
	// AllocatedBytes returns the currently allocated bytes, excluding pages.
	AllocatedBytes() int64
	// AllocatedPages returns the currently allocated non-contiguous pages.
	AllocatedPages() int64
	// MappedPages returns the currently mapped contiguous pages.
	MappedPages() int64
	// Alignment returns the alignment of allocated buffers.
	Alignment() uint64
	// TotalBytes returns all bytes checked out of the allocator, pages
	// included.
	TotalBytes() int64
	// String returns a single-line summary of the allocator state.
	String() string
}

// mallocAllocator is the default heap-backed allocator. Contiguous page
// allocations are anonymous memory maps so that they can be returned to
// the OS eagerly on free.
type mallocAllocator struct {
	capacity  int64
	alignment uint64

	usedBytes      atomic.Int64
	allocatedBytes atomic.Int64
	allocatedPages atomic.Int64
	mappedPages    atomic.Int64
}

var _ Allocator = (*mallocAllocator)(nil)

// NewMallocAllocator creates a heap-backed allocator with the given capacity
// ceiling and alignment.
func NewMallocAllocator(capacity int64, alignment uint64) (Allocator, error) {
	align, err := checkAlignment(alignment)
	if err != nil {
		return nil, err
	}
	if capacity <= 0 {
		capacity = MaxMemory
	}

	return &mallocAllocator{
		capacity:  capacity,
		alignment: align,
	}, nil
}

func (a *mallocAllocator) Kind() string {
	return "MALLOC"
}

func (a *mallocAllocator) Capacity() int64 {
	return a.capacity
}

func (a *mallocAllocator) Alignment() uint64 {
	return a.alignment
}

func (a *mallocAllocator) AllocatedBytes() int64 {
	return a.allocatedBytes.Load()
}

func (a *mallocAllocator) AllocatedPages() int64 {
	return a.allocatedPages.Load()
}

func (a *mallocAllocator) MappedPages() int64 {
	return a.mappedPages.Load()
}

func (a *mallocAllocator) TotalBytes() int64 {
	return a.usedBytes.Load()
}

func (a *mallocAllocator) Allocate(size int64) ([]byte, error) {
	if size <= 0 {
		return nil, nil
	}

	aligned := alignUp(size, a.alignment)
	if err := a.reserve(aligned); err != nil {
		return nil, err
	}
	a.allocatedBytes.Add(aligned)

	return alignedBytes(size, a.alignment), nil
}

func (a *mallocAllocator) Free(buf []byte, size int64) {
	if size <= 0 {
		return
	}

	aligned := alignUp(size, a.alignment)
	a.allocatedBytes.Add(-aligned)
	a.release(aligned)
}

func (a *mallocAllocator) AllocateContiguous(pages int64, out *ContiguousAllocation) error {
	if pages <= 0 {
		return nil
	}

	bytes := pages * PageSize
	if err := a.reserve(bytes); err != nil {
		return err
	}

	data, err := unix.Mmap(-1, 0, int(bytes),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		a.release(bytes)
		return fmt.Errorf("memory: failed to map %d pages: %w", pages, err)
	}

	a.mappedPages.Add(pages)
	out.data = data

	return nil
}

func (a *mallocAllocator) FreeContiguous(out *ContiguousAllocation) {
	if out == nil || out.Empty() {
		return
	}

	pages := out.NumPages()
	if err := unix.Munmap(out.data); err != nil {
		log.Warn("failed to unmap %d pages: %v", pages, err)
	}
	out.clear()

	a.mappedPages.Add(-pages)
	a.release(pages * PageSize)
}

func (a *mallocAllocator) AllocateNonContiguous(pages int64, out *Allocation) error {
	if pages <= 0 {
		return nil
	}

	bytes := pages * PageSize
	if err := a.reserve(bytes); err != nil {
		return err
	}

	runs := []PageRun{}
	for left := pages; left > 0; {
		runPages := left
		if runPages > maxPagesPerRun {
			runPages = maxPagesPerRun
		}
		runs = append(runs, PageRun{data: alignedBytes(runPages*PageSize, a.alignment)})
		left -= runPages
	}

	a.allocatedPages.Add(pages)
	out.runs = runs

	return nil
}

func (a *mallocAllocator) FreeNonContiguous(out *Allocation) {
	if out == nil || out.Empty() {
		return
	}

	pages := out.NumPages()
	out.clear()

	a.allocatedPages.Add(-pages)
	a.release(pages * PageSize)
}

func (a *mallocAllocator) String() string {
	return fmt.Sprintf(
		"Memory Allocator[%s capacity %s allocated bytes %d allocated pages %d mapped pages %d]",
		a.Kind(), capacityToString(a.capacity),
		a.AllocatedBytes(), a.AllocatedPages(), a.MappedPages())
}

func (a *mallocAllocator) reserve(bytes int64) error {
	for {
		used := a.usedBytes.Load()
		if a.capacity != MaxMemory && used+bytes > a.capacity {
			return fmt.Errorf("%w: allocating %s would exceed capacity %s, used %s",
				ErrAllocatorCapacityExceeded, SuccinctBytes(bytes),
				SuccinctBytes(a.capacity), SuccinctBytes(used))
		}
		if a.usedBytes.CompareAndSwap(used, used+bytes) {
			return nil
		}
	}
}

func (a *mallocAllocator) release(bytes int64) {
	if used := a.usedBytes.Add(-bytes); used < 0 {
		log.Error("allocator accounting underflow: used %d after releasing %d", used, bytes)
	}
}

// alignedBytes allocates a byte slice of the given size whose backing
// storage starts at the requested alignment.
func alignedBytes(size int64, alignment uint64) []byte {
	raw := make([]byte, size+int64(alignment))
	off := int64(0)
	if a := uintptr(alignment); a > 1 {
		off = int64((a - (uintptr(unsafe.Pointer(&raw[0])) & (a - 1))) & (a - 1))
	}
	return raw[off : off+size : off+size]
}
