package taskmanager

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/agentflow/agentflow/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

func TestRegisterAndStop(t *testing.T) {
	m := NewManager(0, testLogger(t))

	_, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := m.Register("thread-1", cancel)
	if h.Stopped() {
		t.Error("fresh handle should not be stopped")
	}
	if !m.IsRunning("thread-1") {
		t.Error("expected thread-1 to be running")
	}

	if !m.Stop("thread-1") {
		t.Error("expected Stop to find the handle")
	}
	if !h.Stopped() {
		t.Error("expected stop flag to be set on the handle")
	}
	if !m.IsStopped("thread-1") {
		t.Error("expected IsStopped to report true")
	}
}

func TestStopUnknownThread(t *testing.T) {
	m := NewManager(0, testLogger(t))
	if m.Stop("nope") {
		t.Error("Stop on an unknown thread should return false")
	}
	if m.IsStopped("nope") {
		t.Error("IsStopped on an unknown thread should return false")
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	m := NewManager(0, testLogger(t))

	_, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := m.Register("thread-1", cancel)
	m.Release(h)
	m.Release(h) // second call must not panic on the closed done channel
	m.Release(nil)

	if m.IsRunning("thread-1") {
		t.Error("released thread should not be running")
	}
}

func TestRegisterDisplacesExistingRun(t *testing.T) {
	m := NewManager(10*time.Millisecond, testLogger(t))

	ctx1, cancel1 := context.WithCancel(context.Background())
	h1 := m.Register("thread-1", cancel1)

	// Displacing run: the old handle must observe stop + cancel.
	_, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	h2 := m.Register("thread-1", cancel2)

	if !h1.Stopped() {
		t.Error("displaced handle should carry the stop flag")
	}
	select {
	case <-ctx1.Done():
	default:
		t.Error("displaced run's context should be cancelled")
	}
	if h2.Stopped() {
		t.Error("new handle must not inherit the stop flag")
	}

	// The displaced handle observes its own flag even after the new run
	// registered; a manager lookup would see the new handle instead.
	if !h1.Stopped() || h2.Stopped() {
		t.Error("stop state must be handle-local")
	}

	// Releasing the displaced handle must not unregister the new run.
	m.Release(h1)
	if !m.IsRunning("thread-1") {
		t.Error("new run should survive the displaced run's release")
	}
	if m.ActiveCount() != 1 {
		t.Errorf("expected 1 active run, got %d", m.ActiveCount())
	}
}

func TestRegisterWaitsForDisplacedTeardown(t *testing.T) {
	m := NewManager(500*time.Millisecond, testLogger(t))

	_, cancel1 := context.WithCancel(context.Background())
	h1 := m.Register("thread-1", cancel1)

	go func() {
		time.Sleep(20 * time.Millisecond)
		m.Release(h1)
	}()

	_, cancel2 := context.WithCancel(context.Background())
	defer cancel2()

	start := time.Now()
	m.Register("thread-1", cancel2)
	elapsed := time.Since(start)

	if elapsed < 15*time.Millisecond {
		t.Errorf("Register returned before displaced teardown finished (%v)", elapsed)
	}
	if elapsed > 400*time.Millisecond {
		t.Errorf("Register should return as soon as teardown completes, took %v", elapsed)
	}
}

func TestCancel(t *testing.T) {
	m := NewManager(0, testLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	m.Register("thread-1", cancel)

	if !m.Cancel("thread-1") {
		t.Error("expected Cancel to find the handle")
	}
	select {
	case <-ctx.Done():
	default:
		t.Error("expected context to be cancelled")
	}
	if m.Cancel("unknown") {
		t.Error("Cancel on an unknown thread should return false")
	}
}

func TestUnregister(t *testing.T) {
	m := NewManager(0, testLogger(t))

	_, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := m.Register("thread-1", cancel)
	m.Unregister("thread-1")

	if m.IsRunning("thread-1") {
		t.Error("unregistered thread should not be running")
	}

	// done must be closed so a waiting displacer is not stuck.
	select {
	case <-h.done:
	case <-time.After(time.Second):
		t.Error("expected done channel to be closed on unregister")
	}

	m.Unregister("thread-1") // idempotent
}

func TestConcurrentRegisterSameThread(t *testing.T) {
	m := NewManager(time.Millisecond, testLogger(t))

	for i := 0; i < 200; i++ {
		handles := make([]*Handle, 2)
		var wg sync.WaitGroup
		for j := 0; j < 2; j++ {
			wg.Add(1)
			go func(j int) {
				defer wg.Done()
				_, cancel := context.WithCancel(context.Background())
				handles[j] = m.Register("t1", cancel)
			}(j)
		}
		wg.Wait()

		m.mu.Lock()
		current := m.handles["t1"]
		m.mu.Unlock()

		if current != handles[0] && current != handles[1] {
			t.Fatalf("iteration %d: registered handle is neither contender", i)
		}
		for _, h := range handles {
			if h != current && !h.Stopped() {
				t.Fatalf("iteration %d: losing handle was never stopped", i)
			}
		}

		m.Release(handles[0])
		m.Release(handles[1])
	}
}
