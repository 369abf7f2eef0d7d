// Copyright 2018 The gVisor Authors.
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

// Package metric provides primitives for collecting metrics.
package metric

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"gvisor.dev/vmcore/pkg/sync"
)

var (
	// ErrNameInUse indicates that another metric is already defined for
	// the given name.
	ErrNameInUse = errors.New("metric name already in use")

	// ErrInvalidName indicates that a metric name does not start with '/'.
	ErrInvalidName = errors.New("metric name must start with '/'")
)

// Uint64Metric encapsulates a uint64 that represents some kind of metric to
// be monitored. Metrics are process-wide and are never unregistered.
type Uint64Metric struct {
	name        string
	description string
	value       atomic.Uint64
}

// allMetrics are the registered metrics, keyed by name.
var allMetrics = struct {
	mu sync.Mutex

	// +checklocks:mu
	m map[string]*Uint64Metric
}{
	m: make(map[string]*Uint64Metric),
}

// NewUint64Metric creates and registers a new cumulative metric with the
// given name.
func NewUint64Metric(name, description string) (*Uint64Metric, error) {
	if !strings.HasPrefix(name, "/") {
		return nil, ErrInvalidName
	}
	allMetrics.mu.Lock()
	defer allMetrics.mu.Unlock()
	if _, ok := allMetrics.m[name]; ok {
		return nil, ErrNameInUse
	}
	m := &Uint64Metric{name: name, description: description}
	allMetrics.m[name] = m
	return m, nil
}

// MustCreateNewUint64Metric calls NewUint64Metric and panics if it returns
// an error.
func MustCreateNewUint64Metric(name, description string) *Uint64Metric {
	m, err := NewUint64Metric(name, description)
	if err != nil {
		panic(fmt.Sprintf("Unable to create metric %q: %v", name, err))
	}
	return m
}

// Name returns the metric name.
func (m *Uint64Metric) Name() string {
	return m.name
}

// Description returns the metric description.
func (m *Uint64Metric) Description() string {
	return m.description
}

// Value returns the current value of the metric.
func (m *Uint64Metric) Value() uint64 {
	return m.value.Load()
}

// Increment increments the metric by 1.
func (m *Uint64Metric) Increment() {
	m.value.Add(1)
}

// IncrementBy increments the metric by v.
func (m *Uint64Metric) IncrementBy(v uint64) {
	m.value.Add(v)
}

// Sample is a point-in-time value of a single metric.
type Sample struct {
	Name  string
	Value uint64
}

// Snapshot returns the current value of every registered metric, sorted by
// name.
func Snapshot() []Sample {
	allMetrics.mu.Lock()
	samples := make([]Sample, 0, len(allMetrics.m))
	for name, m := range allMetrics.m {
		samples = append(samples, Sample{Name: name, Value: m.Value()})
	}
	allMetrics.mu.Unlock()
	sort.Slice(samples, func(i, j int) bool {
		return samples[i].Name < samples[j].Name
	})
	return samples
}
