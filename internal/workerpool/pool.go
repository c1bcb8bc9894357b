// Package workerpool pre-spawns long-lived worker processes and hands them
// out with zero startup latency, per spec.md §4.5. The pool owns adaptive
// parallel spawning with exponential backoff on repeated failures, an
// emergency synchronous spawn path when the ready queue and in-flight spawns
// are both empty, and lazy maintenance (dead-worker cleanup plus
// repopulation) run on every acquire.
//
// Grounded on the teacher's internal/process/command_queue.go for the
// mutex-guarded-state-plus-background-goroutine shape (LaneState/pump), and
// on spec.md §4.5's exact construction/acquire/shutdown algorithm. Process
// spawning itself is injected via Spawner so this package stays testable
// without a real subprocess; internal/workerpool/exec_spawner.go supplies
// the production os/exec implementation.
package workerpool

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/haasonsaas/agentcore/internal/execerr"
	"github.com/haasonsaas/agentcore/internal/observability"
)

// ProcessHandle is the minimal process-control surface a PooledWorker needs
// for graceful shutdown escalation.
type ProcessHandle interface {
	// Terminate requests a graceful exit (e.g. SIGTERM).
	Terminate() error
	// Kill forces an immediate exit (e.g. SIGKILL).
	Kill() error
	// Wait blocks until the process has exited.
	Wait() error
}

// PooledWorker is a fully initialized worker ready to be handed to a caller.
type PooledWorker struct {
	ID        string
	Conn      io.ReadWriteCloser
	Process   ProcessHandle
	SpawnedAt time.Time
}

// Shutdown terminates the worker with the graceful-then-forceful escalation
// spec.md's Shutdown section calls for: terminate, wait up to gracePeriod,
// kill if still alive.
func (w *PooledWorker) Shutdown(gracePeriod time.Duration) error {
	if w.Conn != nil {
		defer w.Conn.Close()
	}
	if w.Process == nil {
		return nil
	}
	if err := w.Process.Terminate(); err != nil {
		_ = w.Process.Kill()
		return err
	}

	done := make(chan error, 1)
	go func() { done <- w.Process.Wait() }()

	select {
	case err := <-done:
		return err
	case <-time.After(gracePeriod):
		_ = w.Process.Kill()
		<-done
		return nil
	}
}

// Spawner produces one fully initialized worker, cooperating with the
// startup cache protocol (forwarding cache request/update messages) while it
// waits for the worker's init ack, per spec.md §4.5 step 3b / §4.7's last
// paragraph. It must respect ctx's deadline (worker_init_timeout).
type Spawner func(ctx context.Context) (*PooledWorker, error)

// Config holds the pool's tunable parameters, named to match spec.md §7's
// configuration keys.
type Config struct {
	TargetSize          int
	MaxParallelSpawn    int
	SpawnRetryDelay     time.Duration
	SpawnRetryDelayMax  time.Duration
	WorkerInitTimeout   time.Duration
	SlowStartThreshold  time.Duration
	ShutdownGracePeriod time.Duration
}

// DefaultConfig returns reasonable defaults: 4 hot workers, up to 4 parallel
// spawns, 500ms/30s backoff bounds, a 10s init timeout, and a 1s shutdown
// grace period.
func DefaultConfig() Config {
	return Config{
		TargetSize:          4,
		MaxParallelSpawn:    4,
		SpawnRetryDelay:     500 * time.Millisecond,
		SpawnRetryDelayMax:  30 * time.Second,
		WorkerInitTimeout:   10 * time.Second,
		SlowStartThreshold:  3 * time.Second,
		ShutdownGracePeriod: time.Second,
	}
}

// Pool keeps Config.TargetSize workers hot, spawning replacements
// adaptively. It is an explicit, injectable dependency with no package-level
// singleton, per spec.md's Design Notes.
type Pool struct {
	Config Config
	Spawn  Spawner
	Logger *observability.Logger

	// AfterFunc schedules a callback after a delay; overridden in tests to
	// avoid real sleeps. Defaults to time.AfterFunc.
	AfterFunc func(time.Duration, func()) *time.Timer

	mu                   sync.Mutex
	ready                []*PooledWorker
	spawningCount        int
	totalWorkers         int
	currentParallelSpawn int
	consecutiveFailures  int
	shuttingDown         bool
}

// New constructs a Pool and schedules its initial population pass, per
// spec.md §4.5 step 1. Call Populate's returned wait group or simply let it
// run in the background; New does not block.
func New(cfg Config, spawn Spawner, logger *observability.Logger) *Pool {
	if cfg.MaxParallelSpawn < 1 {
		cfg.MaxParallelSpawn = 1
	}
	p := &Pool{
		Config:               cfg,
		Spawn:                spawn,
		Logger:               logger,
		AfterFunc:            time.AfterFunc,
		currentParallelSpawn: 1,
	}
	p.Populate(context.Background())
	return p
}

// Populate computes needed = target - ready - spawning and spawns
// min(needed, currentParallelSpawn) workers in parallel, per spec.md §4.5
// step 2. It returns immediately; spawns run in background goroutines.
func (p *Pool) Populate(ctx context.Context) {
	p.mu.Lock()
	if p.shuttingDown {
		p.mu.Unlock()
		return
	}
	needed := p.Config.TargetSize - len(p.ready) - p.spawningCount
	if needed <= 0 {
		p.mu.Unlock()
		return
	}
	n := needed
	if n > p.currentParallelSpawn {
		n = p.currentParallelSpawn
	}
	p.spawningCount += n
	p.mu.Unlock()

	for i := 0; i < n; i++ {
		go p.spawnOne(ctx)
	}
}

func (p *Pool) spawnOne(ctx context.Context) {
	spawnCtx, cancel := context.WithTimeout(ctx, p.Config.WorkerInitTimeout)
	defer cancel()

	start := time.Now()
	worker, err := p.Spawn(spawnCtx)

	p.mu.Lock()
	p.spawningCount--

	if err != nil {
		p.totalWorkers--
		if p.currentParallelSpawn > 1 {
			p.currentParallelSpawn--
		}
		p.consecutiveFailures++
		delay := backoffDelay(p.Config.SpawnRetryDelay, p.Config.SpawnRetryDelayMax, p.consecutiveFailures)
		p.mu.Unlock()

		if p.Logger != nil {
			p.Logger.Warn(ctx, "worker spawn failed", "error", err, "consecutive_failures", p.consecutiveFailures, "retry_in", delay)
		}
		p.afterFunc(delay, func() { p.Populate(ctx) })
		return
	}

	p.totalWorkers++
	p.consecutiveFailures = 0
	if p.currentParallelSpawn < p.Config.MaxParallelSpawn {
		p.currentParallelSpawn++
	}
	p.ready = append(p.ready, worker)
	shuttingDown := p.shuttingDown
	p.mu.Unlock()

	if shuttingDown {
		_ = worker.Shutdown(p.Config.ShutdownGracePeriod)
		return
	}

	if elapsed := time.Since(start); elapsed > p.Config.SlowStartThreshold && p.Logger != nil {
		p.Logger.Warn(ctx, "worker spawn slower than slow_start_threshold", "elapsed", elapsed, "worker_id", worker.ID)
	}
}

func (p *Pool) afterFunc(d time.Duration, f func()) {
	if p.AfterFunc != nil {
		p.AfterFunc(d, f)
		return
	}
	time.AfterFunc(d, f)
}

// backoffDelay computes spawn_retry_delay * 2^(failures-1), clamped to
// spawn_retry_delay_max, per spec.md §4.5 step 3d.
func backoffDelay(base, max time.Duration, failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	d := base
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// ErrNoWorkerAvailable is returned by GetWorker when the ready queue is
// empty but spawns are already in flight; the caller may retry (spec.md
// §4.5 step 4 — this is not a blocking acquire).
var ErrNoWorkerAvailable = execerr.New(execerr.KindWorkerInitFailure, "pool", "no worker available and a spawn is already in flight")

// GetWorker runs lazy maintenance (drop dead ready workers, repopulate),
// then tries a non-blocking dequeue. If the queue is empty and nothing is
// spawning it emergency-spawns one worker synchronously. Any returned worker
// triggers a background replacement spawn of exactly one worker.
func (p *Pool) GetWorker(ctx context.Context) (*PooledWorker, error) {
	p.pruneDead()
	p.Populate(ctx)

	p.mu.Lock()
	if len(p.ready) > 0 {
		w := p.ready[0]
		p.ready = p.ready[1:]
		p.mu.Unlock()
		p.Populate(ctx)
		return w, nil
	}
	spawning := p.spawningCount
	p.mu.Unlock()

	if spawning == 0 {
		return p.emergencySpawn(ctx)
	}
	return nil, ErrNoWorkerAvailable
}

func (p *Pool) emergencySpawn(ctx context.Context) (*PooledWorker, error) {
	p.mu.Lock()
	p.spawningCount++
	p.mu.Unlock()

	spawnCtx, cancel := context.WithTimeout(ctx, p.Config.WorkerInitTimeout)
	defer cancel()
	worker, err := p.Spawn(spawnCtx)

	p.mu.Lock()
	p.spawningCount--
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}
	p.totalWorkers++
	p.mu.Unlock()

	p.Populate(ctx)
	return worker, nil
}

// pruneDead removes ready workers whose process has already exited, per
// spec.md §4.5 step 1's lazy maintenance.
func (p *Pool) pruneDead() {
	p.mu.Lock()
	defer p.mu.Unlock()
	alive := p.ready[:0]
	for _, w := range p.ready {
		if isAlive(w) {
			alive = append(alive, w)
		} else {
			p.totalWorkers--
		}
	}
	p.ready = alive
}

func isAlive(w *PooledWorker) bool {
	type liveChecker interface{ Alive() bool }
	if lc, ok := w.Process.(liveChecker); ok {
		return lc.Alive()
	}
	return true
}

// Stats reports the pool's current counters, for introspection.
type Stats struct {
	Ready                int
	Spawning             int
	TotalWorkers         int
	CurrentParallelSpawn int
	ConsecutiveFailures  int
}

// Stats returns a snapshot of the pool's counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Ready:                len(p.ready),
		Spawning:             p.spawningCount,
		TotalWorkers:         p.totalWorkers,
		CurrentParallelSpawn: p.currentParallelSpawn,
		ConsecutiveFailures:  p.consecutiveFailures,
	}
}

// Shutdown marks the pool as shutting down, then drains and terminates
// every ready worker with the terminate→join→kill escalation, returning the
// number of workers shut down.
func (p *Pool) Shutdown(ctx context.Context) int {
	p.mu.Lock()
	p.shuttingDown = true
	workers := p.ready
	p.ready = nil
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *PooledWorker) {
			defer wg.Done()
			_ = w.Shutdown(p.Config.ShutdownGracePeriod)
		}(w)
	}
	wg.Wait()
	return len(workers)
}
