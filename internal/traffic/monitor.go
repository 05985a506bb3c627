// Package traffic keeps running totals and per-second rates of relayed bytes.
package traffic

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/tunelapp/tunrelay/logger"
)

// DefaultInterval is how often rates are recomputed.
const DefaultInterval = time.Second

// Stats is a snapshot of the monitor. Speeds are bytes per second over the
// last interval.
type Stats struct {
	UploadSpeed   uint64
	DownloadSpeed uint64
	TotalUpload   uint64
	TotalDownload uint64
	ConnectedTime time.Duration
}

// Monitor accumulates traffic reported by the relay engine. It implements
// relay.Sink.
type Monitor struct {
	interval time.Duration

	totalUp      atomic.Uint64
	totalDown    atomic.Uint64
	intervalUp   atomic.Uint64
	intervalDown atomic.Uint64

	mu       sync.Mutex
	running  bool
	started  time.Time
	stats    Stats
	onUpdate func(Stats)
	stop     chan struct{}
	done     chan struct{}
}

func NewMonitor(interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Monitor{interval: interval}
}

// OnUpdate sets a callback run after every interval with the new snapshot.
func (m *Monitor) OnUpdate(fn func(Stats)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onUpdate = fn
}

// Start zeroes the counters and begins periodic updates. Calling Start on a
// running monitor does nothing.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.resetLocked(time.Now())
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	go m.loop(m.stop, m.done)
	logger.Debug("Traffic monitoring started")
}

// Stop ends periodic updates and clears the snapshot.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	stop, done := m.stop, m.done
	m.mu.Unlock()

	close(stop)
	<-done

	m.mu.Lock()
	m.stats = Stats{}
	m.mu.Unlock()
	logger.Debug("Traffic monitoring stopped")
}

func (m *Monitor) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			m.update(now)
		case <-stop:
			return
		}
	}
}

func (m *Monitor) update(now time.Time) {
	up := m.intervalUp.Swap(0)
	down := m.intervalDown.Swap(0)

	m.mu.Lock()
	m.stats = Stats{
		UploadSpeed:   perSecond(up, m.interval),
		DownloadSpeed: perSecond(down, m.interval),
		TotalUpload:   m.totalUp.Load(),
		TotalDownload: m.totalDown.Load(),
		ConnectedTime: now.Sub(m.started),
	}
	stats, fn := m.stats, m.onUpdate
	m.mu.Unlock()

	if fn != nil {
		fn(stats)
	}
}

func perSecond(n uint64, interval time.Duration) uint64 {
	if interval == time.Second {
		return n
	}
	return uint64(float64(n) * float64(time.Second) / float64(interval))
}

func (m *Monitor) RecordUpload(n uint64) {
	m.totalUp.Add(n)
	m.intervalUp.Add(n)
}

func (m *Monitor) RecordDownload(n uint64) {
	m.totalDown.Add(n)
	m.intervalDown.Add(n)
}

// Stats returns the snapshot from the last interval.
func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// Speeds returns the last upload and download rates in bytes per second.
func (m *Monitor) Speeds() (upload, download uint64) {
	s := m.Stats()
	return s.UploadSpeed, s.DownloadSpeed
}

// Totals returns bytes recorded since the last Start or Reset, including the
// current interval.
func (m *Monitor) Totals() (upload, download uint64) {
	return m.totalUp.Load(), m.totalDown.Load()
}

// Reset zeroes all counters and restarts the connected-time clock.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetLocked(time.Now())
}

func (m *Monitor) resetLocked(now time.Time) {
	m.totalUp.Store(0)
	m.totalDown.Store(0)
	m.intervalUp.Store(0)
	m.intervalDown.Store(0)
	m.started = now
	m.stats = Stats{}
}
