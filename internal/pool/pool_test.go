package pool

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/geobrowser/taskforge/internal/coreerr"
	"github.com/geobrowser/taskforge/internal/task"
)

func testManager(t *testing.T, configs []Config, opts Options) *Manager {
	t.Helper()
	m, err := NewManager(configs, opts, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(m.Shutdown)
	return m
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestAcquireImmediateWhenFree(t *testing.T) {
	m := testManager(t, nil, Options{})

	slot, err := m.Acquire(context.Background(), "high", "t1")
	if err != nil {
		t.Fatal(err)
	}
	if slot.Pool() != "high" {
		t.Errorf("slot pool = %q", slot.Pool())
	}
}

func TestPoolNeverExceedsSize(t *testing.T) {
	m := testManager(t, []Config{{Name: "high", Size: 2, MemoryLimitMB: 64}}, Options{})
	ctx := context.Background()

	s1, err := m.Acquire(ctx, "high", "t1")
	if err != nil {
		t.Fatal(err)
	}
	s2, err := m.Acquire(ctx, "high", "t2")
	if err != nil {
		t.Fatal(err)
	}

	// Third acquire suspends.
	got := make(chan *Slot, 1)
	go func() {
		s, err := m.Acquire(ctx, "high", "t3")
		if err == nil {
			got <- s
		}
	}()

	time.Sleep(20 * time.Millisecond)
	select {
	case <-got:
		t.Fatal("third acquire should block while pool is full")
	default:
	}

	if snap := findPool(m.Snapshot(), "high"); snap.Active != 2 || snap.Queued != 1 {
		t.Errorf("snapshot = %+v, want active 2 queued 1", snap)
	}

	// First release wakes the blocked acquire.
	m.Release(s1)
	select {
	case s3 := <-got:
		if snap := findPool(m.Snapshot(), "high"); snap.Active != 2 {
			t.Errorf("active = %d after handoff, want 2", snap.Active)
		}
		m.Release(s3)
	case <-time.After(2 * time.Second):
		t.Fatal("release did not wake the waiter")
	}
	m.Release(s2)
}

func TestWaitersWakeFIFO(t *testing.T) {
	m := testManager(t, []Config{{Name: "solo", Size: 1, MemoryLimitMB: 64}}, Options{})
	ctx := context.Background()

	first, err := m.Acquire(ctx, "solo", "t0")
	if err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var order []string
	var wg sync.WaitGroup

	enqueue := func(id string) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := m.Acquire(ctx, "solo", id)
			if err != nil {
				return
			}
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
			m.Release(s)
		}()
		// Give each goroutine time to enqueue before the next, so the
		// FIFO order is deterministic.
		waitFor(t, func() bool {
			snap := findPool(m.Snapshot(), "solo")
			return snap.Queued >= queuedCount(id)
		})
	}

	enqueue("a")
	enqueue("b")
	enqueue("c")

	m.Release(first)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != "a" || order[1] != "b" || order[2] != "c" {
		t.Errorf("wake order = %v, want [a b c]", order)
	}
}

// queuedCount maps the enqueue label to the expected queue depth.
func queuedCount(id string) int {
	switch id {
	case "a":
		return 1
	case "b":
		return 2
	default:
		return 3
	}
}

func TestAcquireTimeout(t *testing.T) {
	m := testManager(t,
		[]Config{{Name: "solo", Size: 1, MemoryLimitMB: 64}},
		Options{AcquireTimeout: 50 * time.Millisecond})
	ctx := context.Background()

	held, err := m.Acquire(ctx, "solo", "t0")
	if err != nil {
		t.Fatal(err)
	}

	_, err = m.Acquire(ctx, "solo", "t1")
	if coreerr.KindOf(err) != coreerr.KindPoolSlotTimeout {
		t.Fatalf("err = %v, want POOL_SLOT_TIMEOUT", err)
	}

	// The timed-out waiter must not leave residue: a later release and
	// acquire still work.
	m.Release(held)
	s, err := m.Acquire(ctx, "solo", "t2")
	if err != nil {
		t.Fatalf("acquire after timeout: %v", err)
	}
	m.Release(s)
}

func TestAcquireTimeoutDoesNotDropOtherWaiters(t *testing.T) {
	m := testManager(t,
		[]Config{{Name: "solo", Size: 1, MemoryLimitMB: 64}},
		Options{AcquireTimeout: 80 * time.Millisecond})
	ctx := context.Background()

	held, _ := m.Acquire(ctx, "solo", "t0")

	// Waiter A will time out; waiter B (no timeout pressure because we
	// release before it fires) must still be served.
	timedOut := make(chan error, 1)
	go func() {
		_, err := m.Acquire(ctx, "solo", "a")
		timedOut <- err
	}()
	waitFor(t, func() bool { return findPool(m.Snapshot(), "solo").Queued == 1 })

	served := make(chan *Slot, 1)
	go func() {
		s, err := m.Acquire(ctx, "solo", "b")
		if err == nil {
			served <- s
		}
	}()
	waitFor(t, func() bool { return findPool(m.Snapshot(), "solo").Queued == 2 })

	// Let A time out, then release.
	err := <-timedOut
	if coreerr.KindOf(err) != coreerr.KindPoolSlotTimeout {
		t.Fatalf("waiter a err = %v", err)
	}
	m.Release(held)

	select {
	case s := <-served:
		m.Release(s)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter b was dropped when waiter a timed out")
	}
}

func TestAcquireContextCancel(t *testing.T) {
	m := testManager(t, []Config{{Name: "solo", Size: 1, MemoryLimitMB: 64}}, Options{})

	held, _ := m.Acquire(context.Background(), "solo", "t0")
	defer m.Release(held)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := m.Acquire(ctx, "solo", "t1")
		errCh <- err
	}()
	waitFor(t, func() bool { return findPool(m.Snapshot(), "solo").Queued == 1 })

	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if findPool(m.Snapshot(), "solo").Queued != 0 {
		t.Error("cancelled waiter should leave the queue")
	}
}

func TestDoubleReleaseIsNoOp(t *testing.T) {
	m := testManager(t, nil, Options{})

	s, _ := m.Acquire(context.Background(), "low", "t1")
	m.Release(s)
	m.Release(s) // no panic, no double-wake

	if snap := findPool(m.Snapshot(), "low"); snap.Active != 0 {
		t.Errorf("active = %d after double release", snap.Active)
	}
}

func TestQueueCapRejectsOverflow(t *testing.T) {
	m := testManager(t,
		[]Config{{Name: "solo", Size: 1, MemoryLimitMB: 64, QueueCap: 1}},
		Options{})
	ctx := context.Background()

	held, _ := m.Acquire(ctx, "solo", "t0")
	defer m.Release(held)

	go func() { _, _ = m.Acquire(ctx, "solo", "queued") }()
	waitFor(t, func() bool { return findPool(m.Snapshot(), "solo").Queued == 1 })

	_, err := m.Acquire(ctx, "solo", "overflow")
	if coreerr.KindOf(err) != coreerr.KindPoolSlotTimeout {
		t.Errorf("overflow err = %v, want POOL_SLOT_TIMEOUT", err)
	}
}

func TestUnknownPool(t *testing.T) {
	m := testManager(t, nil, Options{})
	if _, err := m.Acquire(context.Background(), "mystery", "t1"); err == nil {
		t.Error("unknown pool should error")
	}
}

func TestPoolNameFor(t *testing.T) {
	m := testManager(t, append(DefaultConfigs(),
		Config{Name: "payments", Size: 1, MemoryLimitMB: 128}), Options{})

	tests := []struct {
		feature  string
		priority task.Priority
		want     string
	}{
		{"payments", task.PriorityLow, "payments"}, // feature pool wins
		{"unknown-feature", task.PriorityCritical, "high"},
		{"", task.PriorityCritical, "high"},
		{"", task.PriorityHigh, "high"},
		{"", task.PriorityBackground, "background"},
		{"", task.PriorityLow, "low"},
		{"", task.PriorityMedium, "medium"},
		{"", "", "medium"},
	}
	for _, tt := range tests {
		if got := m.PoolNameFor(tt.feature, tt.priority); got != tt.want {
			t.Errorf("PoolNameFor(%q, %q) = %q, want %q", tt.feature, tt.priority, got, tt.want)
		}
	}
}

func TestShutdownFailsWaiters(t *testing.T) {
	m, err := NewManager([]Config{{Name: "solo", Size: 1, MemoryLimitMB: 64}}, Options{}, slog.Default())
	if err != nil {
		t.Fatal(err)
	}

	_, _ = m.Acquire(context.Background(), "solo", "t0")

	errCh := make(chan error, 1)
	go func() {
		_, err := m.Acquire(context.Background(), "solo", "t1")
		errCh <- err
	}()
	waitFor(t, func() bool { return findPool(m.Snapshot(), "solo").Queued == 1 })

	m.Shutdown()

	select {
	case err := <-errCh:
		if err == nil {
			t.Error("shutdown should fail queued waiters")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter hung through shutdown")
	}

	if _, err := m.Acquire(context.Background(), "solo", "t2"); err == nil {
		t.Error("acquire after shutdown should fail")
	}
}

func TestGovernorTerminatesOverLimit(t *testing.T) {
	var mu sync.Mutex
	var killed []int
	var reasons []string

	sampler := func(_ context.Context, pid int) (uint64, error) {
		return 300 << 20, nil // always over a 64 MiB limit
	}

	m := testManager(t,
		[]Config{{Name: "tiny", Size: 1, MemoryLimitMB: 64}},
		Options{
			ProbeInterval: 5 * time.Millisecond,
			GraceWindow:   20 * time.Millisecond,
			Sampler:       sampler,
			OnTerminate: func(pid int, reason string) {
				mu.Lock()
				killed = append(killed, pid)
				reasons = append(reasons, reason)
				mu.Unlock()
			},
		})

	if err := m.TrackProcess(4242, "tiny", "t1", "w1"); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(killed) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if killed[0] != 4242 {
		t.Errorf("killed pid = %d", killed[0])
	}
	if reasons[0] == "" {
		t.Error("terminate reason should be populated")
	}
}

func TestGovernorSparesProcessesUnderLimit(t *testing.T) {
	var mu sync.Mutex
	terminated := false

	sampler := func(_ context.Context, pid int) (uint64, error) {
		return 10 << 20, nil
	}

	m := testManager(t,
		[]Config{{Name: "tiny", Size: 1, MemoryLimitMB: 64}},
		Options{
			ProbeInterval: 5 * time.Millisecond,
			GraceWindow:   10 * time.Millisecond,
			Sampler:       sampler,
			OnTerminate: func(int, string) {
				mu.Lock()
				terminated = true
				mu.Unlock()
			},
		})

	if err := m.TrackProcess(99, "tiny", "t1", ""); err != nil {
		t.Fatal(err)
	}

	time.Sleep(60 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if terminated {
		t.Error("process under limit must not be terminated")
	}
}

func TestGovernorGraceWindowResets(t *testing.T) {
	var mu sync.Mutex
	terminated := false
	calls := 0

	// Alternate over/under the limit so the grace window keeps resetting.
	sampler := func(_ context.Context, pid int) (uint64, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls%2 == 0 {
			return 10 << 20, nil
		}
		return 300 << 20, nil
	}

	m := testManager(t,
		[]Config{{Name: "tiny", Size: 1, MemoryLimitMB: 64}},
		Options{
			ProbeInterval: 5 * time.Millisecond,
			GraceWindow:   50 * time.Millisecond,
			Sampler:       sampler,
			OnTerminate: func(int, string) {
				mu.Lock()
				terminated = true
				mu.Unlock()
			},
		})

	if err := m.TrackProcess(77, "tiny", "t1", ""); err != nil {
		t.Fatal(err)
	}

	time.Sleep(150 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if terminated {
		t.Error("oscillating RSS should keep resetting the grace window")
	}
}

func TestTrackDuplicatePid(t *testing.T) {
	m := testManager(t, nil, Options{
		Sampler: func(_ context.Context, _ int) (uint64, error) { return 0, nil },
	})

	if err := m.TrackProcess(1, "high", "t1", ""); err != nil {
		t.Fatal(err)
	}
	if err := m.TrackProcess(1, "medium", "t2", ""); err == nil {
		t.Error("a PID must appear in exactly one pool")
	}
	m.UntrackProcess(1)
	m.UntrackProcess(1) // idempotent
}

func findPool(snaps []Status, name string) Status {
	for _, s := range snaps {
		if s.Name == name {
			return s
		}
	}
	return Status{}
}
