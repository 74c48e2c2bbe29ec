package pool

import (
	"context"
	"fmt"
	"time"
)

// TrackProcess puts a spawned PID under the resource governor. A periodic
// probe reads the process's resident memory; when RSS stays over the
// pool's limit past the grace window, the manager invokes OnTerminate and
// untracks the PID. Tracking a PID in an unknown pool is an error; a PID
// appears in exactly one pool.
func (m *Manager) TrackProcess(pid int, poolName, taskID, workerID string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("pool manager is shut down")
	}
	p, ok := m.pools[poolName]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("unknown pool %q", poolName)
	}
	if _, dup := m.tracked[pid]; dup {
		m.mu.Unlock()
		return fmt.Errorf("pid %d is already tracked", pid)
	}

	ctx, cancel := context.WithCancel(context.Background())
	tp := &trackedProc{
		pid:      pid,
		pool:     poolName,
		taskID:   taskID,
		workerID: workerID,
		cancel:   cancel,
	}
	m.tracked[pid] = tp
	limitBytes := uint64(p.cfg.MemoryLimitMB) << 20
	m.mu.Unlock()

	go m.monitor(ctx, tp, limitBytes)
	return nil
}

// UntrackProcess stops monitoring a PID. Safe to call for PIDs that were
// never tracked or were already condemned.
func (m *Manager) UntrackProcess(pid int) {
	m.mu.Lock()
	tp, ok := m.tracked[pid]
	if ok {
		delete(m.tracked, pid)
	}
	m.mu.Unlock()
	if ok {
		tp.cancel()
	}
}

// monitor is the per-PID probe loop. Sample failures (process already
// gone, permission) end monitoring quietly — the engine's reaper owns
// exit handling.
func (m *Manager) monitor(ctx context.Context, tp *trackedProc, limitBytes uint64) {
	ticker := time.NewTicker(m.probeInterval)
	defer ticker.Stop()

	var overSince time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		rss, err := m.sampler(ctx, tp.pid)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.log.Debug("rss probe failed, stopping monitor",
				"pid", tp.pid,
				"task_id", tp.taskID,
				"error", err,
			)
			m.UntrackProcess(tp.pid)
			return
		}

		if limitBytes == 0 || rss <= limitBytes {
			overSince = time.Time{}
			continue
		}

		if overSince.IsZero() {
			overSince = time.Now()
			m.log.Warn("process over memory limit",
				"pid", tp.pid,
				"task_id", tp.taskID,
				"pool", tp.pool,
				"rss_mb", rss>>20,
				"limit_mb", limitBytes>>20,
			)
			continue
		}

		if time.Since(overSince) < m.graceWindow {
			continue
		}

		reason := fmt.Sprintf("memory limit exceeded: rss %d MiB over %d MiB for %v",
			rss>>20, limitBytes>>20, m.graceWindow)
		m.log.Error("terminating process",
			"pid", tp.pid,
			"task_id", tp.taskID,
			"pool", tp.pool,
			"reason", reason,
		)
		m.UntrackProcess(tp.pid)
		if m.onTerminate != nil {
			m.onTerminate(tp.pid, reason)
		}
		return
	}
}
