// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package stats provides the counters with which substrates account
// for their work. Counters are grouped in a Map; a Map can be
// snapshotted into Values, and snapshots can be aggregated and
// compared. Each counter also tracks its peak value, so that gauges
// such as the number of live workers can be bounded after the fact.
package stats

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// Values is a snapshot of the counters in a Map.
type Values map[string]int64

// Sub returns the difference v - w, for each counter in v. It is
// useful to account for the work done between two snapshots.
func (v Values) Sub(w Values) Values {
	d := make(Values, len(v))
	for k, x := range v {
		d[k] = x - w[k]
	}
	return d
}

// String returns an abbreviated string with the values in this
// snapshot sorted by key.
func (v Values) String() string {
	keys := make([]string, 0, len(v))
	for key := range v {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for i, key := range keys {
		keys[i] = fmt.Sprintf("%s:%d", key, v[key])
	}
	return strings.Join(keys, " ")
}

// A Map is a set of counters keyed by name.
type Map struct {
	mu     sync.Mutex
	values map[string]*Int
}

// NewMap returns a fresh Map.
func NewMap() *Map {
	return &Map{values: make(map[string]*Int)}
}

// Int returns the counter with the provided name, creating it if it
// does not already exist.
func (m *Map) Int(name string) *Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := m.values[name]
	if v == nil {
		v = new(Int)
		m.values[name] = v
	}
	return v
}

// Values returns a snapshot of the current values of the counters in
// the map.
func (m *Map) Values() Values {
	return m.snapshot((*Int).Get)
}

// Peaks returns a snapshot of the peak values of the counters in the
// map.
func (m *Map) Peaks() Values {
	return m.snapshot((*Int).Peak)
}

func (m *Map) snapshot(get func(*Int) int64) Values {
	m.mu.Lock()
	defer m.mu.Unlock()
	vals := make(Values, len(m.values))
	for k, v := range m.values {
		vals[k] = get(v)
	}
	return vals
}

// An Int is an integer counter that can be atomically incremented.
// Methods on a nil Int are no-ops.
type Int struct {
	val, peak int64
}

// Add increments v by delta and updates its peak.
func (v *Int) Add(delta int64) {
	if v == nil {
		return
	}
	n := atomic.AddInt64(&v.val, delta)
	for {
		peak := atomic.LoadInt64(&v.peak)
		if n <= peak || atomic.CompareAndSwapInt64(&v.peak, peak, n) {
			return
		}
	}
}

// Get returns the current value of the counter.
func (v *Int) Get() int64 {
	if v == nil {
		return 0
	}
	return atomic.LoadInt64(&v.val)
}

// Peak returns the largest value the counter has held.
func (v *Int) Peak() int64 {
	if v == nil {
		return 0
	}
	return atomic.LoadInt64(&v.peak)
}
