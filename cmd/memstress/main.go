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

// memstress exercises a memory manager with a configurable allocation
// workload and reports pool and arbitration state, optionally exposing it
// as prometheus metrics.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sourcegraph/conc"

	logger "github.com/colquery/memkit/pkg/log"
	"github.com/colquery/memkit/pkg/memory"
)

var log = logger.Get("memstress")

type config struct {
	optionsFile string
	capacity    string
	arbitrator  string
	workers     int
	rounds      int
	allocSize   string
	metricsAddr string
	verbose     bool
	debug       bool
}

func parseFlags() *config {
	cfg := &config{}
	flag.StringVar(&cfg.optionsFile, "options", "", "memory manager options file")
	flag.StringVar(&cfg.capacity, "capacity", "1GB", "total memory capacity")
	flag.StringVar(&cfg.arbitrator, "arbitrator", memory.SharedArbitratorKind,
		"arbitrator kind to use")
	flag.IntVar(&cfg.workers, "workers", 8, "number of workload goroutines")
	flag.IntVar(&cfg.rounds, "rounds", 64, "allocation rounds per worker")
	flag.StringVar(&cfg.allocSize, "alloc-size", "4MB", "allocation size per round")
	flag.StringVar(&cfg.metricsAddr, "metrics-addr", "",
		"address to serve prometheus metrics on, empty for none")
	flag.BoolVar(&cfg.verbose, "verbose", false, "print the verbose manager report")
	flag.BoolVar(&cfg.debug, "debug", false, "enable debug logging")
	flag.Parse()
	return cfg
}

func setupManager(cfg *config) (*memory.Manager, error) {
	if err := memory.RegisterSharedArbitrator(); err != nil {
		return nil, err
	}

	if cfg.optionsFile != "" {
		o, err := memory.ReadOptions(cfg.optionsFile)
		if err != nil {
			return nil, err
		}
		return memory.NewManager(o)
	}

	capacity, err := memory.ParseBytes(cfg.capacity)
	if err != nil {
		return nil, err
	}

	o := memory.DefaultOptions()
	o.AllocatorCapacity = capacity
	o.Arbitrator = memory.ArbitratorConfig{
		Kind:     cfg.arbitrator,
		Capacity: capacity,
	}
	return memory.NewManager(o)
}

func runWorker(m *memory.Manager, id, rounds int, size int64) error {
	root, err := m.AddRootPool(fmt.Sprintf("worker-%d", id))
	if err != nil {
		return err
	}
	defer root.Release()

	leaf, err := root.AddLeafChild("scratch")
	if err != nil {
		return err
	}
	defer leaf.Release()

	for round := 0; round < rounds; round++ {
		buf, err := leaf.Allocate(size)
		if err != nil {
			log.Warn("worker %d: allocation of %s failed: %v",
				id, memory.SuccinctBytes(size), err)
			m.ShrinkPools(size, true, false)
			continue
		}
		for i := int64(0); i < size; i += memory.PageSize {
			buf[i] = byte(round)
		}
		leaf.Free(buf, size)
	}

	return nil
}

func run() error {
	cfg := parseFlags()
	if cfg.debug {
		logger.EnableDebug(true, "all")
	}

	m, err := setupManager(cfg)
	if err != nil {
		return err
	}

	size, err := memory.ParseBytes(cfg.allocSize)
	if err != nil {
		return err
	}

	if cfg.metricsAddr != "" {
		registry := prometheus.NewRegistry()
		if err := registry.Register(memory.NewCollector(m)); err != nil {
			return err
		}
		go func() {
			http.Handle("/metrics", promhttp.HandlerFor(registry,
				promhttp.HandlerOpts{}))
			if err := http.ListenAndServe(cfg.metricsAddr, nil); err != nil {
				log.Error("metrics server failed: %v", err)
			}
		}()
		log.Info("serving metrics on %s", cfg.metricsAddr)
	}

	log.Info("running %d workers, %d rounds of %s each",
		cfg.workers, cfg.rounds, memory.SuccinctBytes(size))

	wg := conc.NewWaitGroup()
	for i := 0; i < cfg.workers; i++ {
		id := i
		wg.Go(func() {
			if err := runWorker(m, id, cfg.rounds, size); err != nil {
				log.Error("worker %d failed: %v", id, err)
			}
		})
	}
	wg.Wait()

	if cfg.verbose {
		fmt.Println(m.VerboseString())
	} else {
		fmt.Println(m.String())
	}
	fmt.Println(m.Arbitrator().Stats())

	return m.Shutdown()
}

func main() {
	if err := run(); err != nil {
		log.Error("memstress failed: %v", err)
		logger.Flush()
		os.Exit(1)
	}
	logger.Flush()
}
