/*
scheduler.go - Background sync drain and alert snapshot refresh

PURPOSE:
  Periodically drains the sync outbox to the remote system of record and
  refreshes a cached alert classification for the dashboard.

DESIGN:
  - Runs a background goroutine with configurable interval
  - Each pass drains the queue once, then recomputes the alert snapshot
  - Repeated upload failures back off exponentially before the next drain
  - Alert snapshots are generation-gated: a recomputation that was
    overtaken by a newer one is discarded, never published

CONFIGURATION:
  - Interval: how often to run a pass (default: 30s)
  - Enabled:  whether the scheduler is active (default: true)

USAGE:
  scheduler := NewSyncScheduler(handler, log)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - ledger/syncqueue.go: Drainer, Backoff
  - ledger/generation.go: GenerationGate
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/medsupply/stock-engine/ledger"
)

// SyncScheduler drains the outbox and keeps the alert snapshot fresh.
type SyncScheduler struct {
	Drainer  *ledger.Drainer
	Metrics  *ledger.Engine
	Log      *logrus.Logger
	Interval time.Duration
	Enabled  bool

	// Backoff applied after a pass in which every upload failed.
	BackoffBase time.Duration
	BackoffMax  time.Duration

	gate ledger.GenerationGate

	// failMu guards failures: pass() runs from the ticker goroutine and
	// from RunNow callers.
	failMu   sync.Mutex
	failures int

	snapMu   sync.RWMutex
	snapshot []ledger.Alert

	ticker *time.Ticker
	stop   chan bool
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewSyncScheduler creates a scheduler around the handler's components.
func NewSyncScheduler(h *Handler, log *logrus.Logger) *SyncScheduler {
	return &SyncScheduler{
		Drainer:     h.Drainer,
		Metrics:     h.Metrics,
		Log:         log,
		Interval:    30 * time.Second,
		Enabled:     true,
		BackoffBase: 2 * time.Second,
		BackoffMax:  5 * time.Minute,
		stop:        make(chan bool),
	}
}

// Start begins the scheduler.
func (ss *SyncScheduler) Start() {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if !ss.Enabled {
		ss.Log.Info("sync scheduler disabled, not starting")
		return
	}

	ss.ticker = time.NewTicker(ss.Interval)
	ss.wg.Add(1)

	go ss.run()

	ss.Log.WithField("interval", ss.Interval.String()).Info("sync scheduler started")
}

// Stop stops the scheduler.
func (ss *SyncScheduler) Stop() {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if ss.ticker != nil {
		ss.ticker.Stop()
		close(ss.stop)
		ss.wg.Wait()
		ss.Log.Info("sync scheduler stopped")
	}
}

func (ss *SyncScheduler) run() {
	defer ss.wg.Done()

	// Run immediately on start
	ss.pass()

	for {
		select {
		case <-ss.ticker.C:
			ss.pass()
		case <-ss.stop:
			return
		}
	}
}

func (ss *SyncScheduler) pass() {
	ctx := context.Background()

	ss.failMu.Lock()
	failures := ss.failures
	ss.failMu.Unlock()

	if failures > 0 {
		delay := ledger.Backoff(failures, ss.BackoffBase, ss.BackoffMax)
		ss.Log.WithFields(logrus.Fields{
			"failures": failures,
			"delay":    delay.String(),
		}).Info("backing off before drain")
		select {
		case <-time.After(delay):
		case <-ss.stop:
			return
		}
	}

	acked, retried, err := ss.Drainer.DrainOnce(ctx)

	ss.failMu.Lock()
	switch {
	case err != nil:
		ss.failures++
		ss.Log.WithError(err).Warn("sync drain failed")
	case retried > 0 && acked == 0:
		ss.failures++
		ss.Log.WithField("retried", retried).Warn("sync drain made no progress")
	default:
		ss.failures = 0
		if acked > 0 {
			ss.Log.WithFields(logrus.Fields{
				"acked":   acked,
				"retried": retried,
			}).Info("sync drain completed")
		}
	}
	ss.failMu.Unlock()

	ss.RefreshAlerts(ctx)
}

// RefreshAlerts recomputes the alert snapshot. Generation-gated: when a
// newer refresh started while this one was computing, the stale result
// is discarded and the cached snapshot is left alone.
func (ss *SyncScheduler) RefreshAlerts(ctx context.Context) {
	gen := ss.gate.Begin()

	alerts, err := ss.Metrics.ListAlerts(ctx)
	if err != nil {
		ss.Log.WithError(err).Warn("alert snapshot refresh failed")
		return
	}

	if !ss.gate.Accept(gen) {
		return
	}

	ss.snapMu.Lock()
	ss.snapshot = alerts
	ss.snapMu.Unlock()
}

// AlertSnapshot returns the most recently published alert classification.
func (ss *SyncScheduler) AlertSnapshot() []ledger.Alert {
	ss.snapMu.RLock()
	defer ss.snapMu.RUnlock()
	out := make([]ledger.Alert, len(ss.snapshot))
	copy(out, ss.snapshot)
	return out
}

// RunNow triggers an immediate pass (for testing/admin).
func (ss *SyncScheduler) RunNow() {
	ss.pass()
}
