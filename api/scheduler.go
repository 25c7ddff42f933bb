/*
scheduler.go - Background expiry sweeper

PURPOSE:
  Periodically scans for quotes whose bidding window has passed and expires
  them. In-process timers fire expiry promptly while the server is up; the
  sweep is the durable source of truth that catches quotes whose timers
  were lost to a restart or a transient failure.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Expiry itself is idempotent and race-safe (conditional status
    transition), so sweeping a quote that a timer already expired, or that
    a shipper selected meanwhile, is a harmless no-op
  - One immediate sweep on Start to recover from downtime

CONFIGURATION:
  - CheckInterval: How often to sweep (default: 1 minute)
  - Enabled: Whether the sweeper is active (default: true)

USAGE:
  sweeper := NewExpirySweeper(manager)
  sweeper.Start()
  // ... later
  sweeper.Stop()

SEE ALSO:
  - lifecycle/lifecycle.go: CheckExpiredQuotes and Expire
  - handlers.go: RunSweep endpoint (manual trigger)
*/
package api

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/haulbid/lead-engine/lifecycle"
)

// ExpirySweeper drives periodic quote expiry.
type ExpirySweeper struct {
	Lifecycle     *lifecycle.Manager
	CheckInterval time.Duration
	Enabled       bool

	ticker *time.Ticker
	stop   chan bool
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewExpirySweeper creates a new sweeper.
func NewExpirySweeper(lc *lifecycle.Manager) *ExpirySweeper {
	return &ExpirySweeper{
		Lifecycle:     lc,
		CheckInterval: 1 * time.Minute,
		Enabled:       true,
		stop:          make(chan bool),
	}
}

// Start begins the sweeper.
func (es *ExpirySweeper) Start() {
	es.mu.Lock()
	defer es.mu.Unlock()

	if !es.Enabled {
		log.Println("[Sweeper] Disabled, not starting")
		return
	}

	es.ticker = time.NewTicker(es.CheckInterval)
	es.wg.Add(1)

	go es.run()

	log.Printf("[Sweeper] Started with check interval: %v", es.CheckInterval)
}

// Stop stops the sweeper.
func (es *ExpirySweeper) Stop() {
	es.mu.Lock()
	defer es.mu.Unlock()

	if es.ticker != nil {
		es.ticker.Stop()
		close(es.stop)
		es.wg.Wait()
		log.Println("[Sweeper] Stopped")
	}
}

func (es *ExpirySweeper) run() {
	defer es.wg.Done()

	// Run immediately on start to catch quotes that expired while down.
	es.sweep()

	for {
		select {
		case <-es.ticker.C:
			es.sweep()
		case <-es.stop:
			return
		}
	}
}

func (es *ExpirySweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	n, err := es.Lifecycle.CheckExpiredQuotes(ctx)
	if err != nil {
		log.Printf("[Sweeper] Sweep error: %v", err)
		return
	}
	if n > 0 {
		log.Printf("[Sweeper] Expired %d quote(s)", n)
	}
}

// RunNow triggers an immediate sweep (for testing/admin).
func (es *ExpirySweeper) RunNow() {
	es.sweep()
}
