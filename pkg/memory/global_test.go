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

	"github.com/stretchr/testify/require"
)

func TestGlobalInitialize(t *testing.T) {
	old := TestingSetInstance(nil)
	defer TestingSetInstance(old)

	o := DefaultOptions()
	o.AllocatorCapacity = 4 << 30
	m, err := Initialize(o)
	require.NoError(t, err)
	require.Equal(t, int64(4<<30), m.Capacity())
	require.Equal(t, m, Instance())

	// a second initialization is rejected
	_, err = Initialize(DefaultOptions())
	require.ErrorIs(t, err, ErrInvalidConfig)

	require.NoError(t, m.Shutdown())
}

func TestGlobalInstanceLazyCreation(t *testing.T) {
	old := TestingSetInstance(nil)
	defer TestingSetInstance(old)

	m := Instance()
	require.NotNil(t, m)
	require.Equal(t, 3, m.NumPools())
	require.Equal(t, int64(MaxMemory), m.Capacity())

	// repeated calls return the same instance
	require.Equal(t, m, Instance())

	require.NoError(t, m.Shutdown())
}

func TestGlobalTestingSetInstance(t *testing.T) {
	old := TestingSetInstance(nil)
	defer TestingSetInstance(old)

	m, err := NewManager(nil)
	require.NoError(t, err)

	require.Nil(t, TestingSetInstance(m))
	require.Equal(t, m, Instance())
	require.Equal(t, m, TestingSetInstance(nil))

	require.NoError(t, m.Shutdown())
}
