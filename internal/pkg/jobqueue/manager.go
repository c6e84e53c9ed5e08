package jobqueue

import (
	"context"
	"sync"
	"time"

	"github.com/ManuelReschke/paymentsync/internal/pkg/billing"
	"github.com/gofiber/fiber/v2/log"
)

// DefaultSweepInterval is used when NewManager gets a non-positive interval.
const DefaultSweepInterval = 5 * time.Minute

// Sweeper retries every incomplete transaction once.
type Sweeper interface {
	PeriodicSweep(ctx context.Context) (billing.SweepReport, error)
}

// Manager runs the periodic sweep on a ticker and on demand.
type Manager struct {
	sweeper     Sweeper
	interval    time.Duration
	sweepTicker *time.Ticker
	triggerCh   chan struct{}
	stopCh      chan struct{}
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	mu          sync.Mutex
	sweepMu     sync.Mutex
	running     bool
}

// NewManager creates a stopped manager.
func NewManager(sweeper Sweeper, interval time.Duration) *Manager {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Manager{
		sweeper:   sweeper,
		interval:  interval,
		triggerCh: make(chan struct{}, 1),
	}
}

// Start starts the sweep worker. Calling it twice is a no-op.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	// Recreate stop channel for each start cycle so manager can be restarted safely.
	m.stopCh = make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.running = true

	m.sweepTicker = time.NewTicker(m.interval)
	m.wg.Add(1)
	go m.sweepWorker(ctx, m.sweepTicker, m.stopCh)

	log.Infof("[JobQueue Manager] Started sweep worker (interval: %s)", m.interval)
}

// Stop stops the worker and aborts a sweep in progress between items.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	log.Info("[JobQueue Manager] Stopping sweep worker...")

	m.sweepTicker.Stop()
	m.cancel()
	close(m.stopCh)
	m.stopCh = nil
	m.running = false

	m.wg.Wait()

	log.Info("[JobQueue Manager] Stopped successfully")
}

// Trigger asks the worker for a sweep as soon as possible. Triggers that
// arrive while one is already pending are coalesced.
func (m *Manager) Trigger() {
	select {
	case m.triggerCh <- struct{}{}:
	default:
	}
}

// IsRunning returns whether the manager is currently running
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// RunOnce runs a single sweep. Sweeps never overlap.
func (m *Manager) RunOnce(ctx context.Context) (billing.SweepReport, error) {
	m.sweepMu.Lock()
	defer m.sweepMu.Unlock()

	report, err := m.sweeper.PeriodicSweep(ctx)
	if err != nil {
		log.Errorf("[JobQueue Manager] Sweep error: %v", err)
		return report, err
	}
	if report.Attempted > 0 {
		log.Infof("[JobQueue Manager] Sweep done: attempted=%d published=%d failed=%d escalated=%d",
			report.Attempted, report.Published, report.Failed, report.Escalated)
	}
	return report, nil
}

func (m *Manager) sweepWorker(ctx context.Context, ticker *time.Ticker, stopCh <-chan struct{}) {
	defer m.wg.Done()
	for {
		select {
		case <-stopCh:
			log.Info("[JobQueue Manager] Sweep worker stopping")
			return
		case <-ticker.C:
			_, _ = m.RunOnce(ctx)
		case <-m.triggerCh:
			log.Debug("[JobQueue Manager] Sweep triggered")
			_, _ = m.RunOnce(ctx)
		}
	}
}
