package janitor

import (
	"context"
	"sync"
	"time"

	"github.com/teranos/cachet/logger"
)

// DefaultInterval is how often the ticker runs the passes when unset
const DefaultInterval = time.Hour

// Ticker runs the janitor periodically until stopped
type Ticker struct {
	janitor  *Janitor
	interval time.Duration
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	mu         sync.Mutex
	lastRunAt  time.Time
	lastReport Report
	runs       int64
}

// NewTicker creates a ticker bound to ctx
func NewTicker(ctx context.Context, j *Janitor, interval time.Duration) *Ticker {
	if interval <= 0 {
		interval = DefaultInterval
	}
	tctx, cancel := context.WithCancel(ctx)
	return &Ticker{
		janitor:  j,
		interval: interval,
		ctx:      tctx,
		cancel:   cancel,
	}
}

// Start begins the loop
func (t *Ticker) Start() {
	t.wg.Add(1)
	go t.run()
	t.janitor.logger.Infow("Janitor ticker started", "interval", t.interval)
}

// Stop cancels any running pass and waits for the loop to exit
func (t *Ticker) Stop() {
	t.cancel()
	t.wg.Wait()
	t.janitor.logger.Infow("Janitor ticker stopped")
}

func (t *Ticker) run() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case tickTime := <-ticker.C:
			rep, err := t.janitor.Run(t.ctx)

			t.mu.Lock()
			t.lastRunAt = tickTime
			t.lastReport = rep
			t.runs++
			runs := t.runs
			t.mu.Unlock()

			if err != nil && t.ctx.Err() == nil {
				t.janitor.logger.Warnw("Janitor run error", logger.FieldError, err, "run", runs)
			}
		}
	}
}

// LastRun returns when the last run started, its report and the number of runs
func (t *Ticker) LastRun() (time.Time, Report, int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastRunAt, t.lastReport, t.runs
}
