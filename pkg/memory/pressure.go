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
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultPressureInterval  = 5 * time.Second
	defaultPressureWatermark = 0.9
	// at most one shrink per this interval, regardless of poll frequency
	defaultShrinkInterval = 30 * time.Second
)

// PressureMonitor watches the memory usage of a Manager and shrinks pool
// capacity when usage crosses a watermark. Shrinking is rate limited so a
// pool hovering around the watermark does not get shrunk on every poll.
type PressureMonitor struct {
	mgr       *Manager
	interval  time.Duration
	watermark float64
	spill     bool
	limiter   *rate.Limiter

	lock sync.Mutex
	stop chan struct{}
	done chan struct{}

	shrinks atomic.Int64
}

// PressureOption is an opaque option for NewPressureMonitor.
type PressureOption func(*PressureMonitor)

// WithPollInterval is an option to set the usage polling interval.
func WithPollInterval(interval time.Duration) PressureOption {
	return func(p *PressureMonitor) {
		p.interval = interval
	}
}

// WithWatermark is an option to set the usage ratio that triggers
// shrinking.
func WithWatermark(watermark float64) PressureOption {
	return func(p *PressureMonitor) {
		p.watermark = watermark
	}
}

// WithSpilling is an option to let the monitor reclaim used memory
// through pool reclaimers, not just unused capacity grants.
func WithSpilling(spill bool) PressureOption {
	return func(p *PressureMonitor) {
		p.spill = spill
	}
}

// WithShrinkInterval is an option to set the minimum time between two
// shrink rounds.
func WithShrinkInterval(interval time.Duration) PressureOption {
	return func(p *PressureMonitor) {
		p.limiter = rate.NewLimiter(rate.Every(interval), 1)
	}
}

// NewPressureMonitor creates a pressure monitor for the given Manager.
func NewPressureMonitor(mgr *Manager, opts ...PressureOption) (*PressureMonitor, error) {
	p := &PressureMonitor{
		mgr:       mgr,
		interval:  defaultPressureInterval,
		watermark: defaultPressureWatermark,
		limiter:   rate.NewLimiter(rate.Every(defaultShrinkInterval), 1),
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.interval <= 0 {
		return nil, fmt.Errorf("%w: invalid pressure poll interval %s",
			ErrInvalidConfig, p.interval)
	}
	if p.watermark <= 0.0 || p.watermark > 1.0 {
		return nil, fmt.Errorf("%w: invalid pressure watermark %f",
			ErrInvalidConfig, p.watermark)
	}
	if p.mgr.Capacity() == MaxMemory {
		return nil, fmt.Errorf("%w: cannot monitor pressure of unlimited capacity",
			ErrInvalidConfig)
	}

	return p, nil
}

// Start starts polling memory usage. It fails if the monitor is already
// running.
func (p *PressureMonitor) Start() error {
	p.lock.Lock()
	defer p.lock.Unlock()

	if p.stop != nil {
		return fmt.Errorf("%w: pressure monitor already running", ErrInvalidConfig)
	}
	p.stop = make(chan struct{})
	p.done = make(chan struct{})

	go p.poll(p.stop, p.done)

	log.Info("started memory pressure monitor, watermark %.2f, interval %s",
		p.watermark, p.interval)

	return nil
}

// Stop stops polling, waiting for a poll in flight to finish. Stopping a
// stopped monitor is a no-op.
func (p *PressureMonitor) Stop() {
	p.lock.Lock()
	defer p.lock.Unlock()

	if p.stop == nil {
		return
	}
	close(p.stop)
	<-p.done
	p.stop = nil
	p.done = nil
}

// Shrinks returns the number of shrink rounds the monitor has triggered.
func (p *PressureMonitor) Shrinks() int64 {
	return p.shrinks.Load()
}

func (p *PressureMonitor) poll(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			p.checkPressure()
		}
	}
}

func (p *PressureMonitor) checkPressure() {
	capacity := p.mgr.Capacity()
	used := p.mgr.UsedBytes()
	ratio := float64(used) / float64(capacity)

	details.Debug("memory pressure %.2f (%s of %s used)",
		ratio, SuccinctBytes(used), SuccinctBytes(capacity))

	if ratio < p.watermark || !p.limiter.Allow() {
		return
	}

	target := used - int64(p.watermark*float64(capacity))
	freed := p.mgr.ShrinkPools(target, p.spill, false)

	p.shrinks.Add(1)

	log.Info("memory pressure %.2f above watermark %.2f, recovered %s",
		ratio, p.watermark, SuccinctBytes(freed))
}
