/*
scheduler.go - Automated settlement of finished lessons

PURPOSE:
  Booked reservations whose lesson has ended are consumed (lesson held)
  without waiting for a professor to mark them. Runs a background
  goroutine with a configurable check interval.

DESIGN:
  - Each tick calls Service.SettleDue with the current time
  - Reservations cancelled or completed in the meantime are skipped
  - A failed batch is logged and retried on the next tick

USAGE:
  scheduler := booking.NewSettlementScheduler(svc, log)
  scheduler.Start()
  // ... later
  scheduler.Stop()
*/
package booking

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const defaultSweepBatch = 200

// SettlementScheduler periodically settles finished lessons.
type SettlementScheduler struct {
	Service       *Service
	CheckInterval time.Duration
	BatchSize     int
	Enabled       bool

	log    logrus.FieldLogger
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewSettlementScheduler creates a scheduler checking every 5 minutes.
func NewSettlementScheduler(svc *Service, log logrus.FieldLogger) *SettlementScheduler {
	return &SettlementScheduler{
		Service:       svc,
		CheckInterval: 5 * time.Minute,
		BatchSize:     defaultSweepBatch,
		Enabled:       true,
		log:           log.WithField("component", "settlement_scheduler"),
	}
}

// Start begins the scheduler. Calling Start twice is a no-op.
func (ss *SettlementScheduler) Start() {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if !ss.Enabled {
		ss.log.Info("disabled, not starting")
		return
	}
	if ss.ticker != nil {
		return
	}

	ss.ticker = time.NewTicker(ss.CheckInterval)
	ss.stop = make(chan struct{})
	ss.wg.Add(1)
	go ss.run(ss.ticker, ss.stop)

	ss.log.WithField("interval", ss.CheckInterval).Info("started")
}

// Stop stops the scheduler and waits for an in-flight sweep.
func (ss *SettlementScheduler) Stop() {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if ss.ticker == nil {
		return
	}
	ss.ticker.Stop()
	close(ss.stop)
	ss.wg.Wait()
	ss.ticker = nil
	ss.log.Info("stopped")
}

func (ss *SettlementScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer ss.wg.Done()

	ss.RunOnce(context.Background())
	for {
		select {
		case <-ticker.C:
			ss.RunOnce(context.Background())
		case <-stop:
			return
		}
	}
}

// RunOnce performs a single sweep at the service's current time.
func (ss *SettlementScheduler) RunOnce(ctx context.Context) int {
	settled, err := ss.Service.SettleDue(ctx, ss.Service.now(), ss.BatchSize)
	if err != nil {
		ss.log.WithError(err).WithField("settled", settled).Error("settlement sweep failed")
		return settled
	}
	if settled > 0 {
		ss.log.WithField("settled", settled).Info("settled finished lessons")
	}
	return settled
}
