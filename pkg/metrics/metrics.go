// Package metrics is a small instrumentation registry with Prometheus
// text exposition. The engine registers counters and gauges at package
// init; the API server exposes the gathered output.
//
// Copyright (C) 2026  Laserhost Developers
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package metrics

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// Metric is anything the registry can expose.
type Metric interface {
	Name() string
	Write(sb *strings.Builder)
}

// Counter is a monotonically increasing uint64.
type Counter struct {
	name string
	help string
	v    atomic.Uint64
}

// NewCounter creates an unregistered counter.
func NewCounter(name, help string) *Counter {
	return &Counter{name: name, help: help}
}

// Name returns the metric name.
func (c *Counter) Name() string { return c.name }

// Inc adds one.
func (c *Counter) Inc() { c.v.Add(1) }

// Add adds delta.
func (c *Counter) Add(delta uint64) { c.v.Add(delta) }

// Get returns the current value.
func (c *Counter) Get() uint64 { return c.v.Load() }

// Write renders the counter in Prometheus text format.
func (c *Counter) Write(sb *strings.Builder) {
	fmt.Fprintf(sb, "# HELP %s %s\n", c.name, c.help)
	fmt.Fprintf(sb, "# TYPE %s counter\n", c.name)
	fmt.Fprintf(sb, "%s %d\n", c.name, c.v.Load())
}

// Gauge is a float64 that can go up and down.
type Gauge struct {
	name string
	help string
	bits atomic.Uint64
}

// NewGauge creates an unregistered gauge.
func NewGauge(name, help string) *Gauge {
	return &Gauge{name: name, help: help}
}

// Name returns the metric name.
func (g *Gauge) Name() string { return g.name }

// Set stores the value.
func (g *Gauge) Set(v float64) { g.bits.Store(math.Float64bits(v)) }

// Get returns the current value.
func (g *Gauge) Get() float64 { return math.Float64frombits(g.bits.Load()) }

// Write renders the gauge in Prometheus text format.
func (g *Gauge) Write(sb *strings.Builder) {
	fmt.Fprintf(sb, "# HELP %s %s\n", g.name, g.help)
	fmt.Fprintf(sb, "# TYPE %s gauge\n", g.name)
	sb.WriteString(g.name)
	sb.WriteByte(' ')
	sb.WriteString(strconv.FormatFloat(g.Get(), 'g', -1, 64))
	sb.WriteByte('\n')
}

// Registry holds metrics in registration order.
type Registry struct {
	mu      sync.RWMutex
	order   []string
	metrics map[string]Metric
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{metrics: make(map[string]Metric)}
}

// Register adds a metric; duplicate names are rejected.
func (r *Registry) Register(m Metric) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.metrics[m.Name()]; exists {
		return fmt.Errorf("metrics: duplicate metric %q", m.Name())
	}
	r.metrics[m.Name()] = m
	r.order = append(r.order, m.Name())
	return nil
}

// MustRegister adds a metric and panics on a duplicate name.
func (r *Registry) MustRegister(ms ...Metric) {
	for _, m := range ms {
		if err := r.Register(m); err != nil {
			panic(err)
		}
	}
}

// Get returns a registered metric or nil.
func (r *Registry) Get(name string) Metric {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.metrics[name]
}

// Gather renders every metric in registration order.
func (r *Registry) Gather() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var sb strings.Builder
	for _, name := range r.order {
		r.metrics[name].Write(&sb)
	}
	return sb.String()
}

var defaultRegistry = NewRegistry()

// DefaultRegistry returns the process-wide registry.
func DefaultRegistry() *Registry { return defaultRegistry }

// MustRegister adds metrics to the default registry.
func MustRegister(ms ...Metric) { defaultRegistry.MustRegister(ms...) }

// Gather renders the default registry.
func Gather() string { return defaultRegistry.Gather() }
