// Package taskmanager tracks in-flight conversation runs and mediates
// cooperative stop. State is process-local: a single process owns a thread id
// for the duration of a turn.
package taskmanager

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/agentflow/agentflow/internal/common/logger"
)

// Handle tracks one active run for a conversation thread.
type Handle struct {
	ThreadID  string
	StartedAt time.Time

	cancel  context.CancelFunc
	stopped atomic.Bool

	// done is closed on release so a displacing run can wait for this
	// run's teardown (task deregistration + persistence) to finish.
	done chan struct{}
}

// Stopped reports whether a cooperative stop has been requested.
func (h *Handle) Stopped() bool {
	return h.stopped.Load()
}

// Manager is a process-local registry of in-flight runs keyed by thread id.
// At most one handle exists per thread id at any instant.
type Manager struct {
	mu      sync.Mutex
	handles map[string]*Handle

	// displaceWait bounds how long Register waits for a displaced run's
	// teardown before proceeding anyway.
	displaceWait time.Duration

	logger *logger.Logger
}

// NewManager creates a task manager. displaceWait of 0 uses a 50ms default.
func NewManager(displaceWait time.Duration, log *logger.Logger) *Manager {
	if displaceWait <= 0 {
		displaceWait = 50 * time.Millisecond
	}
	return &Manager{
		handles:      make(map[string]*Handle),
		displaceWait: displaceWait,
		logger:       log.WithFields(zap.String("component", "task-manager")),
	}
}

// Register inserts a handle for a thread. If a handle already exists it is
// cancelled first and Register waits briefly for its teardown, preventing
// persistence races between the displaced run and the new one. Displacement is
// atomic per thread: concurrent Registers on the same thread id resolve to
// exactly one registered handle, with every loser's stop flag set.
func (m *Manager) Register(threadID string, cancel context.CancelFunc) *Handle {
	h := &Handle{
		ThreadID:  threadID,
		StartedAt: time.Now().UTC(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	for {
		m.mu.Lock()
		prev := m.handles[threadID]
		if prev == nil {
			m.handles[threadID] = h
			m.mu.Unlock()
			return h
		}
		prev.stopped.Store(true)
		prev.cancel()
		m.mu.Unlock()

		m.logger.Warn("displacing existing run", zap.String("thread_id", threadID))
		select {
		case <-prev.done:
		case <-time.After(m.displaceWait):
			m.logger.Warn("displaced run teardown did not finish in time",
				zap.String("thread_id", threadID))
		}

		m.mu.Lock()
		switch m.handles[threadID] {
		case nil:
			m.handles[threadID] = h
			m.mu.Unlock()
			return h
		case prev:
			// Teardown timed out with prev still registered; take the slot.
			// prev is stopped and cancelled, and its Release checks identity
			// so it cannot remove h later.
			m.handles[threadID] = h
			m.mu.Unlock()
			return h
		default:
			// A concurrent Register won the slot; displace that one next.
			m.mu.Unlock()
		}
	}
}

// Release removes the handle if it is still the one registered for its thread
// and signals teardown completion. Safe to call multiple times, and safe when
// the handle was already displaced by a newer run.
func (m *Manager) Release(h *Handle) {
	if h == nil {
		return
	}
	m.mu.Lock()
	if m.handles[h.ThreadID] == h {
		delete(m.handles, h.ThreadID)
	}
	m.mu.Unlock()

	select {
	case <-h.done:
		// already released
	default:
		close(h.done)
	}
}

// Unregister removes the current handle for a thread id if present. Idempotent.
func (m *Manager) Unregister(threadID string) {
	m.mu.Lock()
	h := m.handles[threadID]
	delete(m.handles, threadID)
	m.mu.Unlock()

	if h != nil {
		select {
		case <-h.done:
		default:
			close(h.done)
		}
	}
}

// Stop sets the cooperative stop flag on the thread's handle. Returns whether
// a handle existed. Idempotent.
func (m *Manager) Stop(threadID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.handles[threadID]
	if !ok {
		return false
	}
	h.stopped.Store(true)
	return true
}

// Cancel triggers the handle's cancellation, aborting blocking I/O inside the
// runtime. Normally invoked after Stop so the stream loop can exit gracefully
// before the context dies.
func (m *Manager) Cancel(threadID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.handles[threadID]
	if !ok {
		return false
	}
	h.cancel()
	return true
}

// IsStopped reads the stop flag; returns false if no handle exists.
func (m *Manager) IsStopped(threadID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.handles[threadID]
	if !ok {
		return false
	}
	return h.stopped.Load()
}

// IsRunning reports whether a run is registered for the thread.
func (m *Manager) IsRunning(threadID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.handles[threadID]
	return ok
}

// ActiveCount returns the number of registered runs.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handles)
}
