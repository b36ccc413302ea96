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
	"time"
)

// ReclaimStats accumulates the outcome of reclaim attempts.
type ReclaimStats struct {
	// NumNonReclaimableAttempts counts attempts against pools which do not
	// support reclaim.
	NumNonReclaimableAttempts int64
	// ReclaimedBytes is the total number of bytes reclaimed.
	ReclaimedBytes int64
	// ReclaimExecTime is the total time spent executing reclaim.
	ReclaimExecTime time.Duration
	// ReclaimWaitTime is the total time spent waiting for reclaim to start.
	ReclaimWaitTime time.Duration
}

// Add accumulates the given stats into the receiver.
func (s *ReclaimStats) Add(o ReclaimStats) {
	s.NumNonReclaimableAttempts += o.NumNonReclaimableAttempts
	s.ReclaimedBytes += o.ReclaimedBytes
	s.ReclaimExecTime += o.ReclaimExecTime
	s.ReclaimWaitTime += o.ReclaimWaitTime
}

// Reclaimer is the per-pool pluggable strategy the Arbitrator drives to
// recover capacity from, or abort, the computation owning a pool.
type Reclaimer interface {
	// ReclaimableBytes returns the number of bytes reclaimable from the
	// given pool, and whether the pool supports reclaim at all. A false
	// return means the capability is unsupported, which is distinct from
	// a supported pool with nothing to reclaim right now.
	ReclaimableBytes(pool *Pool) (int64, bool)
	// Reclaim tries to recover up to targetBytes from the given pool within
	// maxWait, returning the number of bytes actually reclaimed. A zero
	// maxWait means no time limit. Reclaim never fails merely because there
	// is nothing to reclaim; errors indicate genuine internal failures.
	Reclaim(pool *Pool, targetBytes int64, maxWait time.Duration, stats *ReclaimStats) (int64, error)
	// Abort force-fails the computation owning the given pool with the
	// given cause.
	Abort(pool *Pool, cause error) error
	// Priority orders reclaim candidates; lower values are reclaimed first.
	Priority() int
}

// defaultReclaimer is a pass-through reclaimer for aggregate pools: it
// delegates to the reclaimers of the pool's children.
type defaultReclaimer struct {
	priority int
}

var _ Reclaimer = (*defaultReclaimer)(nil)

// NewReclaimer creates a pass-through reclaimer with the given priority.
// It reports the aggregate reclaimable bytes of the pool's children and
// reclaims from them in child iteration order.
func NewReclaimer(priority int) Reclaimer {
	return &defaultReclaimer{priority: priority}
}

func (r *defaultReclaimer) Priority() int {
	return r.priority
}

func (r *defaultReclaimer) ReclaimableBytes(pool *Pool) (int64, bool) {
	total := int64(0)
	supported := false

	pool.VisitChildren(func(child *Pool) bool {
		if cr := child.Reclaimer(); cr != nil {
			if bytes, ok := cr.ReclaimableBytes(child); ok {
				supported = true
				total += bytes
			}
		}
		return true
	})

	return total, supported
}

func (r *defaultReclaimer) Reclaim(pool *Pool, targetBytes int64, maxWait time.Duration, stats *ReclaimStats) (int64, error) {
	start := time.Now()
	reclaimed := int64(0)

	var failure error
	pool.VisitChildren(func(child *Pool) bool {
		cr := child.Reclaimer()
		if cr == nil {
			return true
		}
		if _, ok := cr.ReclaimableBytes(child); !ok {
			stats.NumNonReclaimableAttempts++
			return true
		}

		left := maxWait
		if maxWait != 0 {
			if left = maxWait - time.Since(start); left <= 0 {
				return false
			}
		}

		bytes, err := cr.Reclaim(child, targetBytes-reclaimed, left, stats)
		if err != nil {
			failure = err
			return false
		}
		reclaimed += bytes

		return reclaimed < targetBytes
	})

	// children record their own reclaimed bytes in stats
	stats.ReclaimExecTime += time.Since(start)

	if failure != nil {
		return reclaimed, fmt.Errorf("%w: %w", ErrReclaimFailed, failure)
	}
	return reclaimed, nil
}

func (r *defaultReclaimer) Abort(pool *Pool, cause error) error {
	var failure error

	pool.VisitChildren(func(child *Pool) bool {
		cr := child.Reclaimer()
		if cr == nil {
			return true
		}
		if err := cr.Abort(child, cause); err != nil {
			failure = err
		}
		return true
	})

	return failure
}

// sysReclaimer is attached to the system root pool, which belongs to no
// cancellable computation: it supports neither reclaim nor abort.
type sysReclaimer struct{}

var _ Reclaimer = (*sysReclaimer)(nil)

func newSysReclaimer() Reclaimer {
	return &sysReclaimer{}
}

func (r *sysReclaimer) ReclaimableBytes(*Pool) (int64, bool) {
	return 0, false
}

func (r *sysReclaimer) Reclaim(*Pool, int64, time.Duration, *ReclaimStats) (int64, error) {
	return 0, nil
}

func (r *sysReclaimer) Abort(pool *Pool, cause error) error {
	return fmt.Errorf("%w: abort of system pool %q", ErrUnsupported, pool.Name())
}

func (r *sysReclaimer) Priority() int {
	return 0
}
