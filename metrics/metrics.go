// Package metrics implements the tick/queue-depth metrics surface exposed
// over /api/system_info: atomic counters for tick-loop phase activity,
// snapshotted alongside the Controller's outstanding intent-queue depth.
package metrics

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
)

// Metrics collects per-tick counters using atomic updates for thread-safe
// writes from the tick goroutine while the HTTP
// façade's /api/system_info handler reads a snapshot concurrently.
type Metrics struct {
	mu sync.RWMutex

	ticks           int64
	submitted       int64
	reused          int64
	failed          int64
	done            int64
	deleted         int64
	errors          int64
	lastTickTime    time.Duration
	totalTickTime   time.Duration
	startTime       time.Time
}

// NewMetrics creates a new Metrics instance with its start time set.
func NewMetrics() *Metrics {
	return &Metrics{startTime: time.Now()}
}

// RecordTick records one completed tick's wall-clock duration.
func (m *Metrics) RecordTick(d time.Duration) {
	atomic.AddInt64(&m.ticks, 1)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastTickTime = d
	m.totalTickTime += d
}

// RecordSubmitted increments the count of documents that reached submitted.
func (m *Metrics) RecordSubmitted() { atomic.AddInt64(&m.submitted, 1) }

// RecordReused increments the count of documents resolved via reuse.
func (m *Metrics) RecordReused() { atomic.AddInt64(&m.reused, 1) }

// RecordFailed increments the count of documents that reached failed.
func (m *Metrics) RecordFailed() { atomic.AddInt64(&m.failed, 1) }

// RecordDone increments the count of documents that reached done.
func (m *Metrics) RecordDone() { atomic.AddInt64(&m.done, 1) }

// RecordDeleted increments the count of documents removed by a delete intent.
func (m *Metrics) RecordDeleted() { atomic.AddInt64(&m.deleted, 1) }

// RecordError increments the count of tick-phase errors (logged, non-fatal).
func (m *Metrics) RecordError() { atomic.AddInt64(&m.errors, 1) }

// QueueDepths is the snapshot of per-action intent queue lengths the
// Controller reports alongside the counters above.
type QueueDepths map[string]int

// Report is the point-in-time snapshot returned by GenerateReport and
// exposed over /api/system_info.
type Report struct {
	StartTime     time.Time     `json:"startTime"`
	Uptime        time.Duration `json:"uptime"`
	Ticks         int64         `json:"ticks"`
	Submitted     int64         `json:"submitted"`
	Reused        int64         `json:"reused"`
	Failed        int64         `json:"failed"`
	Done          int64         `json:"done"`
	Deleted       int64         `json:"deleted"`
	Errors        int64         `json:"errors"`
	LastTickTime  time.Duration `json:"lastTickTime"`
	AverageTick   time.Duration `json:"averageTick"`
	QueueDepths   QueueDepths   `json:"queueDepths"`
}

// GenerateReport snapshots the current counters plus the caller-supplied
// queue depths (read from the Controller's own queue state, which this
// package has no access to).
func (m *Metrics) GenerateReport(queueDepths QueueDepths) Report {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ticks := atomic.LoadInt64(&m.ticks)
	var avg time.Duration
	if ticks > 0 {
		avg = m.totalTickTime / time.Duration(ticks)
	}

	return Report{
		StartTime:    m.startTime,
		Uptime:       time.Since(m.startTime),
		Ticks:        ticks,
		Submitted:    atomic.LoadInt64(&m.submitted),
		Reused:       atomic.LoadInt64(&m.reused),
		Failed:       atomic.LoadInt64(&m.failed),
		Done:         atomic.LoadInt64(&m.done),
		Deleted:      atomic.LoadInt64(&m.deleted),
		Errors:       atomic.LoadInt64(&m.errors),
		LastTickTime: m.lastTickTime,
		AverageTick:  avg,
		QueueDepths:  queueDepths,
	}
}

// MarshalJSON implements json.Marshaler, rendering durations as strings for
// the /api/system_info JSON response.
func (r Report) MarshalJSON() ([]byte, error) {
	type Alias Report
	return json.Marshal(&struct {
		Alias
		Uptime       string `json:"uptime"`
		LastTickTime string `json:"lastTickTime"`
		AverageTick  string `json:"averageTick"`
	}{
		Alias:        Alias(r),
		Uptime:       r.Uptime.String(),
		LastTickTime: r.LastTickTime.String(),
		AverageTick:  r.AverageTick.String(),
	})
}

// String returns a human-readable summary, used by cmd/gridpackd for
// startup/shutdown console output.
func (r Report) String() string {
	return fmt.Sprintf(
		"%d ticks, avg %s, last %s — submitted=%d reused=%d done=%d failed=%d deleted=%d errors=%d",
		r.Ticks, r.AverageTick, r.LastTickTime,
		r.Submitted, r.Reused, r.Done, r.Failed, r.Deleted, r.Errors,
	)
}
