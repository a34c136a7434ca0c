// Package work records the outcome and duration of named units of work so they
// can be rolled up and published periodically.
package work

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Monitor accumulates work records for one source (normally a service) into the
// current collection until Roll swaps it for a fresh one.
type Monitor struct {
	source  string
	current atomic.Pointer[RecordCollection]
}

// NewMonitor creates a monitor for the named source.
func NewMonitor(source string) *Monitor {
	if source == "" {
		panic("work: source name cannot be empty")
	}
	m := &Monitor{source: source}
	m.current.Store(newRecordCollection(source, time.Now()))
	return m
}

// Source returns the name of the monitored source.
func (m *Monitor) Source() string {
	return m.source
}

// RecordOK records a successful unit of work.
func (m *Monitor) RecordOK(workName string, duration time.Duration) {
	m.current.Load().record(workName, duration, true)
}

// RecordError records a failed unit of work.
func (m *Monitor) RecordError(workName string, duration time.Duration) {
	m.current.Load().record(workName, duration, false)
}

// Roll returns the current collection, stamped with its end time, and starts a
// new one. A recorder racing with Roll may land in either collection.
func (m *Monitor) Roll() *RecordCollection {
	now := time.Now()
	existing := m.current.Swap(newRecordCollection(m.source, now))
	existing.end = now
	return existing
}

// RecordCollection is the set of work records gathered between two rolls.
type RecordCollection struct {
	source  string
	start   time.Time
	end     time.Time
	records sync.Map // work name -> *mutableRecord
}

func newRecordCollection(source string, start time.Time) *RecordCollection {
	return &RecordCollection{source: source, start: start}
}

func (c *RecordCollection) record(workName string, duration time.Duration, ok bool) {
	if workName == "" {
		panic("work: work name cannot be empty")
	}
	v, found := c.records.Load(workName)
	if !found {
		v, _ = c.records.LoadOrStore(workName, &mutableRecord{})
	}
	r := v.(*mutableRecord)
	if ok {
		r.okCount.Add(1)
		r.okDuration.Add(int64(duration))
	} else {
		r.errorCount.Add(1)
		r.errorDuration.Add(int64(duration))
	}
}

// Source returns the source name the collection belongs to.
func (c *RecordCollection) Source() string { return c.source }

// Start returns when the collection started accumulating.
func (c *RecordCollection) Start() time.Time { return c.start }

// End returns when the collection was rolled; zero while still current.
func (c *RecordCollection) End() time.Time { return c.end }

// Len returns the number of distinct work names recorded.
func (c *RecordCollection) Len() int {
	n := 0
	c.records.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Names returns the recorded work names in sorted order.
func (c *RecordCollection) Names() []string {
	var names []string
	c.records.Range(func(k, _ any) bool {
		names = append(names, k.(string))
		return true
	})
	sort.Strings(names)
	return names
}

// Record returns a snapshot of the named work record.
func (c *RecordCollection) Record(workName string) (Record, bool) {
	v, ok := c.records.Load(workName)
	if !ok {
		return Record{}, false
	}
	return v.(*mutableRecord).snapshot(workName), true
}

// Records returns snapshots of every record, sorted by work name.
func (c *RecordCollection) Records() []Record {
	names := c.Names()
	out := make([]Record, 0, len(names))
	for _, name := range names {
		if r, ok := c.Record(name); ok {
			out = append(out, r)
		}
	}
	return out
}

type mutableRecord struct {
	okCount       atomic.Int64
	okDuration    atomic.Int64
	errorCount    atomic.Int64
	errorDuration atomic.Int64
}

func (r *mutableRecord) snapshot(name string) Record {
	return Record{
		Name:          name,
		OKCount:       r.okCount.Load(),
		OKDuration:    time.Duration(r.okDuration.Load()),
		ErrorCount:    r.errorCount.Load(),
		ErrorDuration: time.Duration(r.errorDuration.Load()),
	}
}

// Record is an immutable snapshot of the counts and total durations for one work name.
type Record struct {
	Name          string
	OKCount       int64
	OKDuration    time.Duration
	ErrorCount    int64
	ErrorDuration time.Duration
}

// OKAvgDuration returns the mean duration of successful work, or zero.
func (r Record) OKAvgDuration() time.Duration {
	if r.OKCount == 0 {
		return 0
	}
	return r.OKDuration / time.Duration(r.OKCount)
}

// ErrorAvgDuration returns the mean duration of failed work, or zero.
func (r Record) ErrorAvgDuration() time.Duration {
	if r.ErrorCount == 0 {
		return 0
	}
	return r.ErrorDuration / time.Duration(r.ErrorCount)
}
