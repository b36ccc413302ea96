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

// PageRun is a single contiguous run of machine pages within a
// non-contiguous allocation.
type PageRun struct {
	data []byte
}

// Data returns the bytes of the run.
func (r PageRun) Data() []byte {
	return r.data
}

// NumPages returns the number of machine pages in the run.
func (r PageRun) NumPages() int64 {
	return int64(len(r.data)) / PageSize
}

// Allocation is a handle to a non-contiguous allocation of machine pages,
// backed by one or more page runs.
type Allocation struct {
	runs []PageRun
	pool *Pool
}

// NumRuns returns the number of page runs backing the allocation.
func (a *Allocation) NumRuns() int {
	return len(a.runs)
}

// Run returns the idx'th page run of the allocation.
func (a *Allocation) Run(idx int) PageRun {
	return a.runs[idx]
}

// NumPages returns the total number of machine pages in the allocation.
func (a *Allocation) NumPages() int64 {
	pages := int64(0)
	for _, run := range a.runs {
		pages += run.NumPages()
	}
	return pages
}

// Size returns the total size of the allocation in bytes.
func (a *Allocation) Size() int64 {
	return a.NumPages() * PageSize
}

// Empty returns true if the handle holds no allocation.
func (a *Allocation) Empty() bool {
	return len(a.runs) == 0
}

func (a *Allocation) clear() {
	a.runs = nil
	a.pool = nil
}

// ContiguousAllocation is a handle to a single contiguous allocation of
// machine pages.
type ContiguousAllocation struct {
	data []byte
	pool *Pool
}

// Data returns the bytes of the allocation.
func (c *ContiguousAllocation) Data() []byte {
	return c.data
}

// NumPages returns the number of machine pages in the allocation.
func (c *ContiguousAllocation) NumPages() int64 {
	return int64(len(c.data)) / PageSize
}

// Size returns the size of the allocation in bytes.
func (c *ContiguousAllocation) Size() int64 {
	return int64(len(c.data))
}

// Empty returns true if the handle holds no allocation.
func (c *ContiguousAllocation) Empty() bool {
	return len(c.data) == 0
}

func (c *ContiguousAllocation) clear() {
	c.data = nil
	c.pool = nil
}
