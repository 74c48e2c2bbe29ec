// Package pool enforces per-pool concurrency, niceness, and memory caps
// for spawned agent processes. Overflow acquires queue FIFO; the resource
// governor terminates processes that stay over their pool's memory ceiling.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/geobrowser/taskforge/internal/coreerr"
	"github.com/geobrowser/taskforge/internal/resource"
	"github.com/geobrowser/taskforge/internal/task"
)

// Config describes one named pool.
type Config struct {
	Name          string `json:"name" yaml:"name"`
	Size          int    `json:"size" yaml:"size"`
	Nice          int    `json:"nice" yaml:"nice"`
	MemoryLimitMB int    `json:"memory_limit_mb" yaml:"memory_limit_mb"`

	// QueueCap bounds the FIFO waiter queue. Zero means DefaultQueueCap.
	QueueCap int `json:"queue_cap,omitempty" yaml:"queue_cap,omitempty"`
}

// DefaultQueueCap bounds each pool's waiter queue when unconfigured.
const DefaultQueueCap = 64

// DefaultPoolName is where tasks land when neither feature nor priority
// maps elsewhere.
const DefaultPoolName = "medium"

// DefaultConfigs are the four stock pools.
func DefaultConfigs() []Config {
	return []Config{
		{Name: "high", Size: 2, Nice: 0, MemoryLimitMB: 2048},
		{Name: "medium", Size: 5, Nice: 5, MemoryLimitMB: 1024},
		{Name: "low", Size: 2, Nice: 10, MemoryLimitMB: 512},
		{Name: "background", Size: 1, Nice: 15, MemoryLimitMB: 256},
	}
}

// Slot is the handle returned by Acquire. Exactly one Release per slot;
// extra releases are no-ops.
type Slot struct {
	pool       string
	taskID     string
	acquiredAt time.Time
}

// Pool returns the pool the slot was drawn from.
func (s *Slot) Pool() string { return s.pool }

type waiter struct {
	ch     chan *Slot
	taskID string
}

type workerPool struct {
	cfg     Config
	active  map[*Slot]struct{}
	waiters []*waiter
}

// TerminateFunc is called when the governor decides a process must die.
// The engine records the PID and sends the actual kill.
type TerminateFunc func(pid int, reason string)

type trackedProc struct {
	pid      int
	pool     string
	taskID   string
	workerID string
	cancel   context.CancelFunc
}

// Manager owns the pools, the waiter queues, and the resource monitor.
// A single lock guards active sets and queues; monitor goroutines take it
// only to remove their own tracking entry.
type Manager struct {
	mu      sync.Mutex
	pools   map[string]*workerPool
	tracked map[int]*trackedProc
	closed  bool

	acquireTimeout time.Duration
	probeInterval  time.Duration
	graceWindow    time.Duration

	sampler     resource.RSSSampler
	onTerminate TerminateFunc
	log         *slog.Logger
}

// Options tunes a Manager beyond the pool configs.
type Options struct {
	// AcquireTimeout bounds how long Acquire waits for a slot. Zero means
	// wait until the context cancels.
	AcquireTimeout time.Duration

	// ProbeInterval is how often the governor samples each tracked PID.
	ProbeInterval time.Duration

	// GraceWindow is how long a process may stay over its limit before
	// termination.
	GraceWindow time.Duration

	// Sampler reads a PID's resident memory. Nil means resource.ProcessRSS.
	Sampler resource.RSSSampler

	// OnTerminate is invoked when the governor condemns a process.
	OnTerminate TerminateFunc
}

// NewManager builds a manager over the given pool configs. Empty configs
// get the four stock pools.
func NewManager(configs []Config, opts Options, log *slog.Logger) (*Manager, error) {
	if len(configs) == 0 {
		configs = DefaultConfigs()
	}
	if log == nil {
		log = slog.Default()
	}

	pools := make(map[string]*workerPool, len(configs))
	for _, cfg := range configs {
		if cfg.Name == "" {
			return nil, coreerr.New(coreerr.KindConfigInvalid, "pool name must not be empty")
		}
		if cfg.Size <= 0 {
			return nil, coreerr.New(coreerr.KindConfigInvalid, "pool %q: size must be positive, got %d", cfg.Name, cfg.Size)
		}
		if _, dup := pools[cfg.Name]; dup {
			return nil, coreerr.New(coreerr.KindConfigInvalid, "pool %q configured twice", cfg.Name)
		}
		if cfg.QueueCap == 0 {
			cfg.QueueCap = DefaultQueueCap
		}
		pools[cfg.Name] = &workerPool{
			cfg:    cfg,
			active: make(map[*Slot]struct{}),
		}
	}

	if opts.ProbeInterval == 0 {
		opts.ProbeInterval = 2 * time.Second
	}
	if opts.GraceWindow == 0 {
		opts.GraceWindow = 5 * time.Second
	}
	sampler := opts.Sampler
	if sampler == nil {
		sampler = resource.ProcessRSS
	}

	return &Manager{
		pools:          pools,
		tracked:        make(map[int]*trackedProc),
		acquireTimeout: opts.AcquireTimeout,
		probeInterval:  opts.ProbeInterval,
		graceWindow:    opts.GraceWindow,
		sampler:        sampler,
		onTerminate:    opts.OnTerminate,
		log:            log,
	}, nil
}

// PoolNameFor resolves which pool a task runs in: a pool named after the
// task's feature when one exists, else a priority mapping.
func (m *Manager) PoolNameFor(feature string, priority task.Priority) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if feature != "" {
		if _, ok := m.pools[feature]; ok {
			return feature
		}
	}
	switch priority {
	case task.PriorityCritical, task.PriorityHigh:
		return "high"
	case task.PriorityBackground:
		return "background"
	case task.PriorityLow:
		return "low"
	}
	return DefaultPoolName
}

// Nice returns the configured niceness for a pool (0 for unknown pools).
func (m *Manager) Nice(poolName string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pools[poolName]; ok {
		return p.cfg.Nice
	}
	return 0
}

// Acquire returns a slot in the named pool, waiting FIFO behind earlier
// acquires when the pool is full. Fails with PoolSlotTimeout when the
// configured acquire timeout elapses, and with the context's error on
// cancellation. A timed-out waiter does not disturb other waiters.
func (m *Manager) Acquire(ctx context.Context, poolName, taskID string) (*Slot, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, fmt.Errorf("pool manager is shut down")
	}
	p, ok := m.pools[poolName]
	if !ok {
		m.mu.Unlock()
		return nil, coreerr.New(coreerr.KindConfigInvalid, "unknown pool %q", poolName)
	}

	if len(p.active) < p.cfg.Size {
		slot := &Slot{pool: poolName, taskID: taskID, acquiredAt: time.Now()}
		p.active[slot] = struct{}{}
		m.mu.Unlock()
		return slot, nil
	}

	if len(p.waiters) >= p.cfg.QueueCap {
		m.mu.Unlock()
		return nil, coreerr.New(coreerr.KindPoolSlotTimeout,
			"pool %q waiter queue full (%d waiting)", poolName, p.cfg.QueueCap)
	}

	w := &waiter{ch: make(chan *Slot, 1), taskID: taskID}
	p.waiters = append(p.waiters, w)
	m.mu.Unlock()

	var timeout <-chan time.Time
	if m.acquireTimeout > 0 {
		timer := time.NewTimer(m.acquireTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case slot, ok := <-w.ch:
		if !ok {
			// Shutdown drained the queue.
			return nil, fmt.Errorf("pool manager is shut down")
		}
		return slot, nil
	case <-timeout:
		if slot := m.abandonWaiter(p, w); slot != nil {
			// Served in the race window — hand the slot straight back.
			m.Release(slot)
		}
		return nil, coreerr.New(coreerr.KindPoolSlotTimeout,
			"pool %q: no slot within %v (task %s)", poolName, m.acquireTimeout, taskID).
			WithRemediation("raise the pool size or the acquire timeout")
	case <-ctx.Done():
		if slot := m.abandonWaiter(p, w); slot != nil {
			m.Release(slot)
		}
		return nil, ctx.Err()
	}
}

// abandonWaiter removes w from the queue. When w was already served
// between the wake-up and this call, the delivered slot is returned so
// the caller can release it.
func (m *Manager) abandonWaiter(p *workerPool, w *waiter) *Slot {
	m.mu.Lock()
	for i, queued := range p.waiters {
		if queued == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			m.mu.Unlock()
			return nil
		}
	}
	m.mu.Unlock()

	select {
	case slot := <-w.ch:
		return slot
	default:
		return nil
	}
}

// Release frees a slot and wakes at most one waiter. Releasing a slot
// that is not active is a no-op.
func (m *Manager) Release(slot *Slot) {
	if slot == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pools[slot.pool]
	if !ok {
		return
	}
	if _, active := p.active[slot]; !active {
		return
	}
	delete(p.active, slot)

	if len(p.waiters) == 0 {
		return
	}
	w := p.waiters[0]
	p.waiters = p.waiters[1:]

	next := &Slot{pool: slot.pool, taskID: w.taskID, acquiredAt: time.Now()}
	p.active[next] = struct{}{}
	w.ch <- next
}

// Status reports per-pool occupancy.
type Status struct {
	Name    string `json:"name"`
	Size    int    `json:"size"`
	Active  int    `json:"active"`
	Queued  int    `json:"queued"`
	Tracked int    `json:"tracked"`
}

// Snapshot returns the occupancy of every pool.
func (m *Manager) Snapshot() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	trackedByPool := make(map[string]int)
	for _, tp := range m.tracked {
		trackedByPool[tp.pool]++
	}

	out := make([]Status, 0, len(m.pools))
	for name, p := range m.pools {
		out = append(out, Status{
			Name:    name,
			Size:    p.cfg.Size,
			Active:  len(p.active),
			Queued:  len(p.waiters),
			Tracked: trackedByPool[name],
		})
	}
	return out
}

// Shutdown stops all resource monitors and fails queued waiters with a
// "pool manager is shut down" error. Active slots are forgotten — their processes are
// the engine's to reap.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	tracked := make([]*trackedProc, 0, len(m.tracked))
	for _, tp := range m.tracked {
		tracked = append(tracked, tp)
	}
	m.tracked = make(map[int]*trackedProc)

	var abandoned []*waiter
	for _, p := range m.pools {
		abandoned = append(abandoned, p.waiters...)
		p.waiters = nil
		p.active = make(map[*Slot]struct{})
	}
	m.mu.Unlock()

	for _, tp := range tracked {
		tp.cancel()
	}
	for _, w := range abandoned {
		close(w.ch)
	}
}
