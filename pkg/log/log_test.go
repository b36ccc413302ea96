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

package log_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	logger "github.com/colquery/memkit/pkg/log"
)

func TestGet(t *testing.T) {
	log := logger.Get("test")
	require.Equal(t, "test", log.Source())
	require.Equal(t, logger.Default(), logger.Get(""))
}

func TestEnableDebug(t *testing.T) {
	log := logger.Get("debug-test")
	require.False(t, log.DebugEnabled())

	logger.EnableDebug(true, "debug-test")
	require.True(t, log.DebugEnabled())
	require.False(t, logger.Get("other").DebugEnabled())

	logger.EnableDebug(false, "debug-test")
	require.False(t, log.DebugEnabled())

	logger.EnableDebug(true, "all")
	require.True(t, logger.Get("other").DebugEnabled())
	require.False(t, log.DebugEnabled())
	logger.EnableDebug(false, "all")
}
