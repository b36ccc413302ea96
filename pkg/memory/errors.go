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

import "fmt"

var (
	// ErrInvalidConfig indicates an invalid construction-time configuration,
	// such as a bad alignment or an unknown arbitrator kind.
	ErrInvalidConfig = fmt.Errorf("memory: invalid configuration")
	// ErrDuplicatePool indicates a name collision among live pools.
	ErrDuplicatePool = fmt.Errorf("memory: pool already exists")
	// ErrPoolCapacityExceeded indicates a request beyond what arbitration
	// could grant within the pool's own capacity limit.
	ErrPoolCapacityExceeded = fmt.Errorf("memory: exceeded memory pool capacity")
	// ErrAllocatorCapacityExceeded indicates a request beyond the process-wide
	// allocator limit.
	ErrAllocatorCapacityExceeded = fmt.Errorf("memory: exceeded memory allocator limit")
	// ErrArbitrationFailure indicates that arbitration could not recover
	// enough capacity to satisfy a growth request. It matches
	// ErrPoolCapacityExceeded, the flavor callers see on a failed allocation.
	ErrArbitrationFailure = fmt.Errorf("%w: arbitration failure", ErrPoolCapacityExceeded)
	// ErrArbitrationTimeout indicates that arbitration gave up waiting for
	// reclaim to free up enough capacity. It matches ErrPoolCapacityExceeded.
	ErrArbitrationTimeout = fmt.Errorf("%w: arbitration timed out", ErrPoolCapacityExceeded)
	// ErrNotImplemented indicates an arbitrator operation which the configured
	// arbitrator variant does not support.
	ErrNotImplemented = fmt.Errorf("memory: not implemented")
	// ErrUnsupported indicates an operation which the receiver refuses to
	// perform, for instance aborting the system root pool.
	ErrUnsupported = fmt.Errorf("memory: operation not supported")
	// ErrReclaimFailed indicates a genuine internal failure during reclaim,
	// as opposed to there being nothing to reclaim.
	ErrReclaimFailed = fmt.Errorf("memory: reclaim failed")
	// ErrMemoryLeak indicates outstanding usage or live pools at shutdown.
	ErrMemoryLeak = fmt.Errorf("memory: memory leak detected")
)
