package workerpool

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeConn struct{}

func (fakeConn) Read([]byte) (int, error)  { return 0, io.EOF }
func (fakeConn) Write(p []byte) (int, error) { return len(p), nil }
func (fakeConn) Close() error               { return nil }

type fakeProcess struct {
	alive atomic.Bool
}

func newFakeProcess() *fakeProcess {
	p := &fakeProcess{}
	p.alive.Store(true)
	return p
}

func (p *fakeProcess) Terminate() error { p.alive.Store(false); return nil }
func (p *fakeProcess) Kill() error      { p.alive.Store(false); return nil }
func (p *fakeProcess) Wait() error      { return nil }
func (p *fakeProcess) Alive() bool      { return p.alive.Load() }

func immediateAfterFunc(d time.Duration, f func()) *time.Timer {
	f()
	return time.NewTimer(0)
}

func newFakeWorker(id string) *PooledWorker {
	return &PooledWorker{ID: id, Conn: fakeConn{}, Process: newFakeProcess(), SpawnedAt: time.Now()}
}

func TestPopulateFillsPoolToTargetSize(t *testing.T) {
	var spawned int32
	spawner := func(ctx context.Context) (*PooledWorker, error) {
		n := atomic.AddInt32(&spawned, 1)
		return newFakeWorker(string(rune('a' + n))), nil
	}

	cfg := DefaultConfig()
	cfg.TargetSize = 3
	cfg.MaxParallelSpawn = 3
	p := New(cfg, spawner, nil)

	waitForCondition(t, func() bool { return p.Stats().Ready == 3 })
	if got := atomic.LoadInt32(&spawned); got != 3 {
		t.Fatalf("expected exactly 3 spawns, got %d", got)
	}
}

func TestGetWorkerEmergencySpawnsWhenEmptyAndNothingInFlight(t *testing.T) {
	var spawned int32
	block := make(chan struct{})
	spawner := func(ctx context.Context) (*PooledWorker, error) {
		<-block
		n := atomic.AddInt32(&spawned, 1)
		return newFakeWorker(string(rune('a' + n))), nil
	}

	cfg := DefaultConfig()
	cfg.TargetSize = 0 // no background population, so the pool starts empty
	p := New(cfg, spawner, nil)

	result := make(chan *PooledWorker, 1)
	go func() {
		w, err := p.GetWorker(context.Background())
		if err != nil {
			t.Errorf("unexpected emergency spawn error: %v", err)
			return
		}
		result <- w
	}()

	time.Sleep(10 * time.Millisecond)
	close(block)

	select {
	case w := <-result:
		if w == nil {
			t.Fatal("expected a non-nil emergency-spawned worker")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for emergency spawn")
	}
}

func TestGetWorkerReturnsNoWorkerAvailableWhileSpawning(t *testing.T) {
	block := make(chan struct{})
	spawner := func(ctx context.Context) (*PooledWorker, error) {
		<-block
		return newFakeWorker("w"), nil
	}

	cfg := DefaultConfig()
	cfg.TargetSize = 1
	cfg.MaxParallelSpawn = 1
	p := New(cfg, spawner, nil)

	waitForCondition(t, func() bool { return p.Stats().Spawning == 1 })

	_, err := p.GetWorker(context.Background())
	if !errors.Is(err, ErrNoWorkerAvailable) && err != ErrNoWorkerAvailable {
		t.Fatalf("expected ErrNoWorkerAvailable while a spawn is in flight, got %v", err)
	}
	close(block)
}

func TestSpawnFailureAppliesBackoffAndEventuallyRecovers(t *testing.T) {
	var attempts int32
	spawner := func(ctx context.Context) (*PooledWorker, error) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			return nil, errors.New("spawn failed")
		}
		return newFakeWorker("recovered"), nil
	}

	cfg := DefaultConfig()
	cfg.TargetSize = 1
	cfg.MaxParallelSpawn = 1
	cfg.SpawnRetryDelay = time.Millisecond
	cfg.SpawnRetryDelayMax = 10 * time.Millisecond
	p := New(cfg, spawner, nil)
	p.AfterFunc = immediateAfterFunc

	waitForCondition(t, func() bool { return p.Stats().Ready == 1 })
	if atomic.LoadInt32(&attempts) != 3 {
		t.Fatalf("expected exactly 3 spawn attempts before recovery, got %d", attempts)
	}
	if p.Stats().ConsecutiveFailures != 0 {
		t.Fatalf("expected failure counter reset after a successful spawn, got %d", p.Stats().ConsecutiveFailures)
	}
}

func TestShutdownTerminatesEveryReadyWorker(t *testing.T) {
	var mu sync.Mutex
	var workers []*fakeProcess
	spawner := func(ctx context.Context) (*PooledWorker, error) {
		proc := newFakeProcess()
		mu.Lock()
		workers = append(workers, proc)
		mu.Unlock()
		return &PooledWorker{ID: "w", Conn: fakeConn{}, Process: proc, SpawnedAt: time.Now()}, nil
	}

	cfg := DefaultConfig()
	cfg.TargetSize = 2
	cfg.MaxParallelSpawn = 2
	p := New(cfg, spawner, nil)

	waitForCondition(t, func() bool { return p.Stats().Ready == 2 })

	n := p.Shutdown(context.Background())
	if n != 2 {
		t.Fatalf("expected 2 workers shut down, got %d", n)
	}
	mu.Lock()
	defer mu.Unlock()
	for _, w := range workers {
		if w.Alive() {
			t.Fatal("expected every worker process to be terminated")
		}
	}
}

func TestBackoffDelayClampsToMax(t *testing.T) {
	base := 100 * time.Millisecond
	max := time.Second
	if d := backoffDelay(base, max, 1); d != base {
		t.Fatalf("expected first failure delay == base, got %v", d)
	}
	if d := backoffDelay(base, max, 10); d != max {
		t.Fatalf("expected delay to clamp to max after many failures, got %v", d)
	}
}

func waitForCondition(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for condition")
}
