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
)

var (
	globalLock    sync.Mutex
	globalManager *Manager
)

// Initialize creates the process-wide Manager from the given options. It
// fails if the process-wide Manager already exists.
func Initialize(o *Options) (*Manager, error) {
	globalLock.Lock()
	defer globalLock.Unlock()

	if globalManager != nil {
		return nil, fmt.Errorf("%w: process-wide memory manager already initialized",
			ErrInvalidConfig)
	}

	m, err := NewManager(o)
	if err != nil {
		return nil, err
	}
	globalManager = m

	return m, nil
}

// Instance returns the process-wide Manager, creating it with default
// options on first use if Initialize was never called. Creation failure
// with default options cannot happen and panics if it does.
func Instance() *Manager {
	globalLock.Lock()
	defer globalLock.Unlock()

	if globalManager == nil {
		m, err := NewManager(nil)
		if err != nil {
			panic(fmt.Sprintf("failed to create default memory manager: %v", err))
		}
		globalManager = m
	}
	return globalManager
}

// TestingSetInstance swaps the process-wide Manager, returning the
// previous one. Tests use it to inject a Manager with bespoke options.
func TestingSetInstance(m *Manager) *Manager {
	globalLock.Lock()
	defer globalLock.Unlock()

	old := globalManager
	globalManager = m
	return old
}
