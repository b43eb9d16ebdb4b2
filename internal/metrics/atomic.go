// Package metrics holds the fleet's process-wide counters and its
// Prometheus instrumentation.
package metrics

import "sync/atomic"

// AtomicSubSaturating atomically subtracts delta from *addr, saturating at 0.
// A load-then-store would race with concurrent writers, so this loops on CAS.
func AtomicSubSaturating(addr *int64, delta int64) int64 {
	for {
		current := atomic.LoadInt64(addr)
		newVal := current - delta
		if newVal < 0 {
			newVal = 0
		}
		if atomic.CompareAndSwapInt64(addr, current, newVal) {
			return newVal
		}
	}
}

// AtomicMax atomically sets *addr to max(*addr, val) and returns the new value.
func AtomicMax(addr *int64, val int64) int64 {
	for {
		current := atomic.LoadInt64(addr)
		if val <= current {
			return current
		}
		if atomic.CompareAndSwapInt64(addr, current, val) {
			return val
		}
	}
}

// Counter is a simple atomic counter with convenience methods.
type Counter struct {
	value int64
}

// Add adds delta to the counter and returns the new value.
func (c *Counter) Add(delta int64) int64 {
	return atomic.AddInt64(&c.value, delta)
}

// Inc increments the counter by 1.
func (c *Counter) Inc() int64 {
	return atomic.AddInt64(&c.value, 1)
}

// Dec decrements by 1, never going below 0.
func (c *Counter) Dec() int64 {
	return AtomicSubSaturating(&c.value, 1)
}

// Load returns the current value.
func (c *Counter) Load() int64 {
	return atomic.LoadInt64(&c.value)
}

// Max raises the counter to val if val is larger.
func (c *Counter) Max(val int64) int64 {
	return AtomicMax(&c.value, val)
}

// FleetCounters are the process-wide counters. One instance is created at
// startup, shared by reference, and never reset while the fleet runs.
type FleetCounters struct {
	TasksSucceeded  Counter
	TasksFailed     Counter
	TasksTimedOut   Counter
	LeaseMisses     Counter
	NonceConflicts  Counter
	NetworkErrors   Counter
	ProxyBans       Counter
	ActiveWorkers   Counter
	PeakActiveTasks Counter
	activeTasks     Counter
}

// TaskStarted marks a task in progress and tracks the peak.
func (f *FleetCounters) TaskStarted() {
	f.PeakActiveTasks.Max(f.activeTasks.Inc())
}

// TaskFinished marks a task done.
func (f *FleetCounters) TaskFinished() {
	f.activeTasks.Dec()
}

// CounterSnapshot is a point-in-time copy of FleetCounters.
type CounterSnapshot struct {
	TasksSucceeded  int64 `json:"tasksSucceeded"`
	TasksFailed     int64 `json:"tasksFailed"`
	TasksTimedOut   int64 `json:"tasksTimedOut"`
	LeaseMisses     int64 `json:"leaseMisses"`
	NonceConflicts  int64 `json:"nonceConflicts"`
	NetworkErrors   int64 `json:"networkErrors"`
	ProxyBans       int64 `json:"proxyBans"`
	ActiveWorkers   int64 `json:"activeWorkers"`
	ActiveTasks     int64 `json:"activeTasks"`
	PeakActiveTasks int64 `json:"peakActiveTasks"`
}

// Snapshot copies every counter.
func (f *FleetCounters) Snapshot() CounterSnapshot {
	return CounterSnapshot{
		TasksSucceeded:  f.TasksSucceeded.Load(),
		TasksFailed:     f.TasksFailed.Load(),
		TasksTimedOut:   f.TasksTimedOut.Load(),
		LeaseMisses:     f.LeaseMisses.Load(),
		NonceConflicts:  f.NonceConflicts.Load(),
		NetworkErrors:   f.NetworkErrors.Load(),
		ProxyBans:       f.ProxyBans.Load(),
		ActiveWorkers:   f.ActiveWorkers.Load(),
		ActiveTasks:     f.activeTasks.Load(),
		PeakActiveTasks: f.PeakActiveTasks.Load(),
	}
}
