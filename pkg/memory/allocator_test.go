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
	"unsafe"

	"github.com/stretchr/testify/require"
)

func TestMallocAllocator(t *testing.T) {
	a, err := NewMallocAllocator(0, 0)
	require.NoError(t, err)
	require.Equal(t, "MALLOC", a.Kind())
	require.Equal(t, int64(MaxMemory), a.Capacity())
	require.Equal(t, uint64(MinAlignment), a.Alignment())

	buf, err := a.Allocate(1000)
	require.NoError(t, err)
	require.Len(t, buf, 1000)
	require.Equal(t, alignUp(1000, MinAlignment), a.AllocatedBytes())
	require.Equal(t, alignUp(1000, MinAlignment), a.TotalBytes())

	a.Free(buf, 1000)
	require.Zero(t, a.AllocatedBytes())
	require.Zero(t, a.TotalBytes())
}

func TestMallocAllocatorAlignment(t *testing.T) {
	a, err := NewMallocAllocator(0, MaxAlignment)
	require.NoError(t, err)

	for _, size := range []int64{1, 7, 63, 64, 1000, 4096} {
		buf, err := a.Allocate(size)
		require.NoError(t, err)
		require.Zero(t, uintptr(unsafe.Pointer(&buf[0]))&uintptr(MaxAlignment-1),
			"misaligned buffer of size %d", size)
		a.Free(buf, size)
	}

	_, err = NewMallocAllocator(0, 48)
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestMallocAllocatorCapacity(t *testing.T) {
	a, err := NewMallocAllocator(1<<20, 0)
	require.NoError(t, err)

	buf, err := a.Allocate(1 << 19)
	require.NoError(t, err)

	_, err = a.Allocate(1 << 20)
	require.ErrorIs(t, err, ErrAllocatorCapacityExceeded)
	require.Contains(t, err.Error(), "exceeded memory allocator limit")
	require.Equal(t, int64(1<<19), a.TotalBytes())

	a.Free(buf, 1<<19)

	buf, err = a.Allocate(1 << 20)
	require.NoError(t, err)
	a.Free(buf, 1<<20)
	require.Zero(t, a.TotalBytes())
}

func TestMallocAllocatorContiguous(t *testing.T) {
	a, err := NewMallocAllocator(0, 0)
	require.NoError(t, err)

	out := ContiguousAllocation{}
	require.NoError(t, a.AllocateContiguous(16, &out))
	require.False(t, out.Empty())
	require.Equal(t, int64(16), out.NumPages())
	require.Equal(t, int64(16*PageSize), out.Size())
	require.Equal(t, int64(16), a.MappedPages())

	// mapped memory must be writable
	out.Data()[0] = 0xff
	out.Data()[16*PageSize-1] = 0xff

	a.FreeContiguous(&out)
	require.True(t, out.Empty())
	require.Zero(t, a.MappedPages())
	require.Zero(t, a.TotalBytes())
}

func TestMallocAllocatorNonContiguous(t *testing.T) {
	a, err := NewMallocAllocator(0, 0)
	require.NoError(t, err)

	out := Allocation{}
	require.NoError(t, a.AllocateNonContiguous(maxPagesPerRun+100, &out))
	require.Equal(t, int64(maxPagesPerRun+100), out.NumPages())
	require.Equal(t, 2, out.NumRuns())
	require.Equal(t, int64(maxPagesPerRun), out.Run(0).NumPages())
	require.Equal(t, int64(100), out.Run(1).NumPages())
	require.Equal(t, int64(maxPagesPerRun+100), a.AllocatedPages())

	a.FreeNonContiguous(&out)
	require.True(t, out.Empty())
	require.Zero(t, a.AllocatedPages())
	require.Zero(t, a.TotalBytes())
}

func TestMallocAllocatorString(t *testing.T) {
	a, err := NewMallocAllocator(4<<30, MaxAlignment)
	require.NoError(t, err)
	require.Equal(t,
		"Memory Allocator[MALLOC capacity 4.00GB allocated bytes 0 allocated pages 0 mapped pages 0]",
		a.String())
}
