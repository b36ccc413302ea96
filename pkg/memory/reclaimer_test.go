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
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultReclaimer(t *testing.T) {
	root := newTestRoot(t, "root", 0)
	root.SetReclaimer(NewReclaimer(1))
	require.Equal(t, 1, root.Reclaimer().Priority())

	leaf1, err := root.AddLeafChild("leaf1")
	require.NoError(t, err)
	leaf2, err := root.AddLeafChild("leaf2")
	require.NoError(t, err)

	// with no reclaiming children the pool is not reclaimable
	bytes, ok := root.Reclaimer().ReclaimableBytes(root)
	require.False(t, ok)
	require.Zero(t, bytes)

	r1 := &testReclaimer{leaf: leaf1}
	leaf1.SetReclaimer(r1)
	r2 := &testReclaimer{leaf: leaf2}
	leaf2.SetReclaimer(r2)

	buf1, err := leaf1.Allocate(2 << 20)
	require.NoError(t, err)
	r1.track(buf1, 2<<20)
	buf2, err := leaf2.Allocate(4 << 20)
	require.NoError(t, err)
	r2.track(buf2, 4<<20)

	// reclaimable bytes roll up over the children
	bytes, ok = root.Reclaimer().ReclaimableBytes(root)
	require.True(t, ok)
	require.Equal(t, int64(6<<20), bytes)

	// reclaim stops once the target is met
	stats := ReclaimStats{}
	reclaimed, err := root.Reclaimer().Reclaim(root, 1<<20, 0, &stats)
	require.NoError(t, err)
	require.Equal(t, int64(2<<20), reclaimed)
	require.Equal(t, int64(2<<20), stats.ReclaimedBytes)
	require.Zero(t, leaf1.UsedBytes())
	require.Equal(t, int64(4<<20), leaf2.UsedBytes())

	// abort cascades to all children
	cause := errors.New("test abort")
	require.NoError(t, root.Reclaimer().Abort(root, cause))
	require.True(t, r2.aborted)
	require.Equal(t, cause, r2.abortCause)
	require.Zero(t, leaf2.UsedBytes())

	leaf1.Release()
	leaf2.Release()
	root.Release()
}

func TestReclaimStatsAdd(t *testing.T) {
	s := ReclaimStats{ReclaimedBytes: 100, NumNonReclaimableAttempts: 1}
	s.Add(ReclaimStats{ReclaimedBytes: 50, NumNonReclaimableAttempts: 2})
	require.Equal(t, int64(150), s.ReclaimedBytes)
	require.Equal(t, int64(3), s.NumNonReclaimableAttempts)
}

func TestSysReclaimer(t *testing.T) {
	m, err := NewManager(nil)
	require.NoError(t, err)

	sys := m.SysRootPool().Reclaimer()
	require.NotNil(t, sys)
	require.Zero(t, sys.Priority())

	// the system root belongs to no cancellable computation
	bytes, ok := sys.ReclaimableBytes(m.SysRootPool())
	require.False(t, ok)
	require.Zero(t, bytes)

	reclaimed, err := sys.Reclaim(m.SysRootPool(), 1<<20, 0, &ReclaimStats{})
	require.NoError(t, err)
	require.Zero(t, reclaimed)

	err = sys.Abort(m.SysRootPool(), errors.New("cause"))
	require.ErrorIs(t, err, ErrUnsupported)
	require.Contains(t, err.Error(), SysRootPoolName)

	require.NoError(t, m.Shutdown())
}
