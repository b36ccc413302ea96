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

// Package memory implements hierarchical memory accounting and arbitration
// for concurrently running computations sharing a bounded byte budget. The
// primary interface to the package is the Manager type.
//
// # Manager, Allocator, Arbitrator
//
// A Manager owns one Allocator and one Arbitrator. The Allocator is a flat,
// process-wide byte and page provider with a fixed capacity ceiling. The
// Arbitrator is the global policy deciding how that ceiling is divided among
// root pools: it grows a root's granted capacity on demand, shrinking or
// reclaiming capacity from sibling roots when the free headroom runs out.
// Arbitrator implementations are selected by a configuration kind string
// through a process-wide factory registry. The built-in noop arbitrator
// grants every root its maximum capacity up front and never rebalances; the
// shared arbitrator enforces a single global ceiling with reclaim-driven
// rebalancing.
//
// # Pools
//
// Memory is accounted through a tree of pools. Aggregate pools, including
// the parentless roots, only roll up descendant usage; leaf pools perform
// the actual allocation through the Allocator. Allocations within a leaf's
// already granted capacity take a fast path with no cross-pool coordination.
// When a reservation does not fit, the request escalates to the owning root,
// which asks the Arbitrator for more capacity. Failures surface
// synchronously to the original caller and distinguish the pool's own limit
// from the global allocator limit.
//
// # Reclaim
//
// Each pool may carry a Reclaimer, the bridge between arbitration and the
// computation owning the pool. The Arbitrator invokes reclaimers to recover
// used capacity from donor pools, or to abort a computation outright when
// capacity must be forcibly released. Reclaimers are always invoked with
// pool structural locks released.
//
// # Manager lifecycle
//
// A Manager can be used as a local instance or installed as the process-wide
// instance with Initialize. Instance lazily creates a default-configured
// process-wide instance for callers which never initialize one, and
// TestingSetInstance unconditionally replaces it for test isolation.
package memory
