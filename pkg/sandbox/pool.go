package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/rhuss/kapsel/pkg/debug"
	"github.com/rhuss/kapsel/pkg/observability"
)

// Pool keeps at most one worker per user, with a global cap on live
// workers. All bookkeeping is guarded by a single mutex; waiters are woken
// through a channel that is closed and replaced on every change.
type Pool struct {
	settings Settings
	logger   *slog.Logger

	mu      sync.Mutex
	workers map[string]*Worker // by worker id
	byUser  map[string]string  // user id -> worker id
	changed chan struct{}
	closed  bool
}

// NewPool returns an empty pool. Zero fields of settings take their
// defaults. A nil logger selects slog.Default().
func NewPool(settings Settings, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		settings: settings.withDefaults(),
		logger:   logger,
		workers:  make(map[string]*Worker),
		byUser:   make(map[string]string),
		changed:  make(chan struct{}),
	}
}

// Settings returns the effective pool settings.
func (p *Pool) Settings() Settings { return p.settings }

// Acquire returns the user's worker, marked Busy. A Ready worker is reused;
// if the user has none and the pool is below its cap a new one is started.
// At the cap, the least recently used Ready worker of another user is
// evicted to make room. Otherwise Acquire waits up to the acquire timeout
// for a change and then fails with ErrPoolExhausted. Requests of one user
// are serialized: while the user's worker is Busy, further acquires for
// that user wait.
func (p *Pool) Acquire(ctx context.Context, userID string) (*Worker, error) {
	cfg, err := NewConfig(p.settings, userID)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	defer func() {
		observability.PoolAcquireWait.Observe(time.Since(start).Seconds())
	}()

	waitCtx, cancel := context.WithTimeout(ctx, p.settings.AcquireTimeout)
	defer cancel()

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}

		if id, ok := p.byUser[userID]; ok {
			w := p.workers[id]
			if w.transition(StateReady, StateBusy) {
				p.notifyLocked()
				p.mu.Unlock()
				debug.Log("pool", "reusing worker", "user_id", userID, "worker_id", w.id)
				return w, nil
			}
		} else if len(p.workers) < p.settings.MaxWorkers {
			w := NewWorker(cfg, p.workerOptions())
			p.workers[w.id] = w
			p.byUser[userID] = w.id
			p.notifyLocked()
			p.mu.Unlock()

			debug.Log("pool", "starting worker", "user_id", userID, "worker_id", w.id)
			if err := w.start(ctx, StateBusy); err != nil {
				p.remove(w)
				return nil, err
			}
			p.mu.Lock()
			closed := p.closed
			w.lastUsedAt = time.Now()
			p.notifyLocked()
			p.mu.Unlock()
			if closed {
				_ = w.Terminate(context.WithoutCancel(ctx), true)
				return nil, ErrPoolClosed
			}
			return w, nil
		} else if victim := p.evictableLocked(); victim != nil {
			victim.transition(StateReady, StateDraining)
			p.notifyLocked()
			go p.evict(victim)
		}

		ch := p.changed
		p.mu.Unlock()

		select {
		case <-ch:
		case <-waitCtx.Done():
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("%w within %s", ErrPoolExhausted, p.settings.AcquireTimeout)
		}
	}
}

// Release returns a worker after a request. A Busy worker becomes Ready.
// A worker that is being killed or has exited is never handed out again;
// its exit watcher removes it.
func (p *Pool) Release(w *Worker) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.workers[w.id] != w {
		return
	}
	if w.exiting() {
		w.transition(StateBusy, StateDraining)
	} else if w.transition(StateBusy, StateReady) {
		w.lastUsedAt = time.Now()
	}
	p.notifyLocked()
}

// evictableLocked returns the least recently used Ready worker, or nil.
// p.mu must be held.
func (p *Pool) evictableLocked() *Worker {
	var victim *Worker
	for _, w := range p.workers {
		if w.State() != StateReady {
			continue
		}
		if victim == nil || w.lastUsedAt.Before(victim.lastUsedAt) {
			victim = w
		}
	}
	return victim
}

// evict stops a Draining worker to free its slot. The exit watcher
// removes it from the pool.
func (p *Pool) evict(w *Worker) {
	w.logger.Info("evicting idle worker to make room")
	w.setExitReason(exitEvicted)
	ctx, cancel := context.WithTimeout(context.Background(), 2*p.settings.ShutdownGrace)
	defer cancel()
	if err := w.Terminate(ctx, true); err != nil {
		w.logger.Warn("evicting worker", "error", err)
	}
}

// onExit removes a worker whose process has exited.
func (p *Pool) onExit(w *Worker) {
	p.remove(w)
}

func (p *Pool) remove(w *Worker) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.workers[w.id] != w {
		return
	}
	delete(p.workers, w.id)
	if p.byUser[w.cfg.UserID] == w.id {
		delete(p.byUser, w.cfg.UserID)
	}
	p.notifyLocked()
	debug.Log("pool", "worker removed", "user_id", w.cfg.UserID, "worker_id", w.id)
}

// notifyLocked wakes all waiters and refreshes the state gauge.
// p.mu must be held.
func (p *Pool) notifyLocked() {
	close(p.changed)
	p.changed = make(chan struct{})

	counts := make(map[State]int, 5)
	for _, w := range p.workers {
		counts[w.State()]++
	}
	for s := StateStarting; s <= StateDead; s++ {
		observability.Workers.WithLabelValues(s.String()).Set(float64(counts[s]))
	}
}

func (p *Pool) workerOptions() WorkerOptions {
	return WorkerOptions{
		Command:         p.settings.Command,
		StartTimeout:    p.settings.StartTimeout,
		RequestTimeout:  p.settings.RequestTimeout,
		ShutdownGrace:   p.settings.ShutdownGrace,
		MaxFrameBytes:   p.settings.MaxFrameBytes,
		StderrTailBytes: p.settings.StderrTailBytes,
		Logger:          p.logger,
		OnExit:          p.onExit,
	}
}

// WorkerInfo summarizes one pooled worker.
type WorkerInfo struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	State      string    `json:"state"`
	PID        int       `json:"pid"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at,omitempty"`
}

// Stats is a snapshot of the pool.
type Stats struct {
	MaxWorkers int            `json:"max_workers"`
	Live       int            `json:"live"`
	ByState    map[string]int `json:"by_state"`
	Workers    []WorkerInfo   `json:"workers"`
}

// Stats returns a snapshot of the pool, with workers ordered by creation.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := Stats{
		MaxWorkers: p.settings.MaxWorkers,
		Live:       len(p.workers),
		ByState:    make(map[string]int),
		Workers:    make([]WorkerInfo, 0, len(p.workers)),
	}
	for _, w := range p.workers {
		s := w.State()
		st.ByState[s.String()]++
		st.Workers = append(st.Workers, WorkerInfo{
			ID:         w.id,
			UserID:     w.cfg.UserID,
			State:      s.String(),
			PID:        w.PID(),
			CreatedAt:  w.createdAt,
			LastUsedAt: w.lastUsedAt,
		})
	}
	sort.Slice(st.Workers, func(i, j int) bool {
		return st.Workers[i].CreatedAt.Before(st.Workers[j].CreatedAt)
	})
	return st
}

// Close stops accepting acquires and gracefully terminates every worker,
// waiting for all of them to exit or ctx to expire.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	workers := make([]*Worker, 0, len(p.workers))
	for _, w := range p.workers {
		// Workers still starting are stopped by their acquirer.
		if w.State() == StateStarting {
			continue
		}
		w.transition(StateReady, StateDraining)
		workers = append(workers, w)
	}
	p.notifyLocked()
	p.mu.Unlock()

	p.logger.Info("closing worker pool", "workers", len(workers))

	var (
		wg   sync.WaitGroup
		emu  sync.Mutex
		errs []error
	)
	for _, w := range workers {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			if err := w.Terminate(ctx, true); err != nil {
				emu.Lock()
				errs = append(errs, fmt.Errorf("worker %s: %w", w.id, err))
				emu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	return errors.Join(errs...)
}
