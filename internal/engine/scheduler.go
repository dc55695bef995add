package engine

import (
	"context"
	"time"
)

// The scheduler is a single recurring timer, armed only while the queue is
// non-empty and disarmed on backgrounding. Each tick re-reads the level
// conditions; a tick that finds nothing to do costs nothing.

func (e *Engine) startScheduler() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pollStop != nil {
		return
	}
	stop := make(chan struct{})
	e.pollStop = stop
	e.logger.Debug().Dur("interval", e.cfg.PollInterval).Msg("scheduler started")
	go e.pollLoop(stop)
}

func (e *Engine) stopScheduler() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pollStop == nil {
		return
	}
	close(e.pollStop)
	e.pollStop = nil
	e.logger.Debug().Msg("scheduler stopped")
}

// SchedulerRunning reports whether the recurring timer is armed.
func (e *Engine) SchedulerRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pollStop != nil
}

func (e *Engine) pollLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if e.mon.Foreground() && e.mon.Online() && !e.syncing.Load() && !e.queue.IsEmpty() {
				e.SyncPending(context.Background())
			}
		}
	}
}

// scheduleRetry arms the backoff-delayed follow-up pass after a failing
// batch. At most one retry timer is outstanding at a time.
func (e *Engine) scheduleRetry(delay time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.retryTimer != nil {
		return
	}
	e.logger.Info().Dur("delay", delay).Msg("scheduling backoff retry pass")
	e.retryTimer = time.AfterFunc(delay, func() {
		e.mu.Lock()
		e.retryTimer = nil
		e.mu.Unlock()
		e.kick()
	})
}
