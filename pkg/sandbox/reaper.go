package sandbox

import (
	"context"
	"errors"
	"sync"
	"time"
)

// RunReaper terminates idle workers every reap interval until ctx is done.
// A Ready worker unused for longer than the idle timeout is moved to
// Draining, shut down gracefully, and removed once its exit is observed.
func (p *Pool) RunReaper(ctx context.Context) {
	ticker := time.NewTicker(p.settings.ReapInterval)
	defer ticker.Stop()

	p.logger.Info("idle reaper started",
		"interval", p.settings.ReapInterval, "idle_timeout", p.settings.IdleTimeout)

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("idle reaper stopped")
			return
		case now := <-ticker.C:
			if n, err := p.reapIdle(ctx, now); err != nil {
				p.logger.Warn("idle reap incomplete", "reaped", n, "error", err)
			}
		}
	}
}

// reapIdle runs one sweep and returns the number of workers it stopped.
func (p *Pool) reapIdle(ctx context.Context, now time.Time) (int, error) {
	type idleWorker struct {
		w      *Worker
		unused time.Duration
	}

	p.mu.Lock()
	var idle []idleWorker
	for _, w := range p.workers {
		unused := now.Sub(w.lastUsedAt)
		if w.State() != StateReady || unused <= p.settings.IdleTimeout {
			continue
		}
		if w.transition(StateReady, StateDraining) {
			idle = append(idle, idleWorker{w: w, unused: unused})
		}
	}
	if len(idle) > 0 {
		p.notifyLocked()
	}
	p.mu.Unlock()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, iw := range idle {
		wg.Add(1)
		go func(iw idleWorker) {
			defer wg.Done()
			iw.w.logger.Info("reaping idle worker", "idle", iw.unused.Round(time.Millisecond))
			iw.w.setExitReason(exitIdle)
			if err := iw.w.Terminate(ctx, true); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(iw)
	}
	wg.Wait()
	return len(idle), errors.Join(errs...)
}
