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
	"github.com/prometheus/client_golang/prometheus"
)

const (
	descCapacity = iota
	descUsedBytes
	descNumPools
	descAllocatedBytes
	descAllocatedPages
	descMappedPages
	descPoolCapacity
	descPoolUsedBytes
	descPoolReservedBytes
	descPoolPeakBytes
	descArbRequests
	descArbSucceeded
	descArbFailures
	descArbAborted
	descArbFreeCapacity
	descArbReclaimedFree
	descArbReclaimedUsed
)

var descriptors = []*prometheus.Desc{
	descCapacity: prometheus.NewDesc(
		"memkit_manager_capacity_bytes",
		"Total memory capacity of the manager.",
		nil,
		nil,
	),
	descUsedBytes: prometheus.NewDesc(
		"memkit_manager_used_bytes",
		"Memory in use across all root pools.",
		nil,
		nil,
	),
	descNumPools: prometheus.NewDesc(
		"memkit_manager_pool_count",
		"Number of tracked memory pools.",
		nil,
		nil,
	),
	descAllocatedBytes: prometheus.NewDesc(
		"memkit_allocator_allocated_bytes",
		"Bytes checked out of the allocator.",
		nil,
		nil,
	),
	descAllocatedPages: prometheus.NewDesc(
		"memkit_allocator_allocated_pages",
		"Machine pages checked out of the allocator.",
		nil,
		nil,
	),
	descMappedPages: prometheus.NewDesc(
		"memkit_allocator_mapped_pages",
		"Machine pages mapped by the allocator.",
		nil,
		nil,
	),
	descPoolCapacity: prometheus.NewDesc(
		"memkit_pool_capacity_bytes",
		"Granted capacity of a root memory pool.",
		[]string{
			"pool",
		},
		nil,
	),
	descPoolUsedBytes: prometheus.NewDesc(
		"memkit_pool_used_bytes",
		"Memory in use by a root memory pool.",
		[]string{
			"pool",
		},
		nil,
	),
	descPoolReservedBytes: prometheus.NewDesc(
		"memkit_pool_reserved_bytes",
		"Memory reserved by a root memory pool.",
		[]string{
			"pool",
		},
		nil,
	),
	descPoolPeakBytes: prometheus.NewDesc(
		"memkit_pool_peak_bytes",
		"Peak memory reservation of a root memory pool.",
		[]string{
			"pool",
		},
		nil,
	),
	descArbRequests: prometheus.NewDesc(
		"memkit_arbitrator_requests_total",
		"Number of arbitration requests served.",
		nil,
		nil,
	),
	descArbSucceeded: prometheus.NewDesc(
		"memkit_arbitrator_succeeded_total",
		"Number of arbitration requests granted in full.",
		nil,
		nil,
	),
	descArbFailures: prometheus.NewDesc(
		"memkit_arbitrator_failures_total",
		"Number of arbitration requests that could not be granted.",
		nil,
		nil,
	),
	descArbAborted: prometheus.NewDesc(
		"memkit_arbitrator_aborted_pools_total",
		"Number of pools aborted to recover memory.",
		nil,
		nil,
	),
	descArbFreeCapacity: prometheus.NewDesc(
		"memkit_arbitrator_free_capacity_bytes",
		"Capacity not granted to any pool.",
		nil,
		nil,
	),
	descArbReclaimedFree: prometheus.NewDesc(
		"memkit_arbitrator_reclaimed_free_bytes_total",
		"Capacity recovered from unused grants.",
		nil,
		nil,
	),
	descArbReclaimedUsed: prometheus.NewDesc(
		"memkit_arbitrator_reclaimed_used_bytes_total",
		"Capacity recovered through reclaimers.",
		nil,
		nil,
	),
}

// Collector exposes Manager, Allocator and Arbitrator state as prometheus
// metrics.
type Collector struct {
	mgr *Manager
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector creates a prometheus collector for the given Manager.
func NewCollector(mgr *Manager) *Collector {
	return &Collector{
		mgr: mgr,
	}
}

// Describe sends the metric descriptors of the collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range descriptors {
		ch <- d
	}
}

// Collect gathers a snapshot of the Manager state.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	m := c.mgr

	ch <- prometheus.MustNewConstMetric(
		descriptors[descCapacity],
		prometheus.GaugeValue,
		float64(m.Capacity()),
	)
	ch <- prometheus.MustNewConstMetric(
		descriptors[descUsedBytes],
		prometheus.GaugeValue,
		float64(m.UsedBytes()),
	)
	ch <- prometheus.MustNewConstMetric(
		descriptors[descNumPools],
		prometheus.GaugeValue,
		float64(m.NumPools()),
	)

	a := m.Allocator()
	ch <- prometheus.MustNewConstMetric(
		descriptors[descAllocatedBytes],
		prometheus.GaugeValue,
		float64(a.AllocatedBytes()),
	)
	ch <- prometheus.MustNewConstMetric(
		descriptors[descAllocatedPages],
		prometheus.GaugeValue,
		float64(a.AllocatedPages()),
	)
	ch <- prometheus.MustNewConstMetric(
		descriptors[descMappedPages],
		prometheus.GaugeValue,
		float64(a.MappedPages()),
	)

	for _, root := range m.rootPools() {
		ch <- prometheus.MustNewConstMetric(
			descriptors[descPoolCapacity],
			prometheus.GaugeValue,
			float64(root.Capacity()),
			root.Name(),
		)
		ch <- prometheus.MustNewConstMetric(
			descriptors[descPoolUsedBytes],
			prometheus.GaugeValue,
			float64(root.UsedBytes()),
			root.Name(),
		)
		ch <- prometheus.MustNewConstMetric(
			descriptors[descPoolReservedBytes],
			prometheus.GaugeValue,
			float64(root.ReservedBytes()),
			root.Name(),
		)
		ch <- prometheus.MustNewConstMetric(
			descriptors[descPoolPeakBytes],
			prometheus.GaugeValue,
			float64(root.PeakBytes()),
			root.Name(),
		)
	}

	stats := m.Arbitrator().Stats()
	ch <- prometheus.MustNewConstMetric(
		descriptors[descArbRequests],
		prometheus.CounterValue,
		float64(stats.NumRequests),
	)
	ch <- prometheus.MustNewConstMetric(
		descriptors[descArbSucceeded],
		prometheus.CounterValue,
		float64(stats.NumSucceeded),
	)
	ch <- prometheus.MustNewConstMetric(
		descriptors[descArbFailures],
		prometheus.CounterValue,
		float64(stats.NumFailures),
	)
	ch <- prometheus.MustNewConstMetric(
		descriptors[descArbAborted],
		prometheus.CounterValue,
		float64(stats.NumAborted),
	)
	ch <- prometheus.MustNewConstMetric(
		descriptors[descArbFreeCapacity],
		prometheus.GaugeValue,
		float64(stats.FreeCapacityBytes),
	)
	ch <- prometheus.MustNewConstMetric(
		descriptors[descArbReclaimedFree],
		prometheus.CounterValue,
		float64(stats.ReclaimedFreeBytes),
	)
	ch <- prometheus.MustNewConstMetric(
		descriptors[descArbReclaimedUsed],
		prometheus.CounterValue,
		float64(stats.ReclaimedUsedBytes),
	)
}
