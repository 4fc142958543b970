// Package checkpoint provides durable per-thread continuation storage for the
// graph runtime, plus the retry wrapper the stream engine uses to read state
// while the runtime may still hold its own connection.
package checkpoint

import (
	"context"
	"time"
)

// PendingTask describes one suspended unit of work inside a checkpoint. A
// non-empty task list means the graph is paused at an interrupt awaiting a
// resume command.
type PendingTask struct {
	ID        string                 `json:"id"`
	Target    string                 `json:"target"` // node the graph will run next
	Interrupt map[string]interface{} `json:"interrupt,omitempty"`
}

// Snapshot is the externally visible state of a thread's checkpoint.
type Snapshot struct {
	Values map[string]interface{} `json:"values"`
	Tasks  []PendingTask          `json:"tasks"`
}

// Suspended reports whether the checkpointed graph is paused at an interrupt.
func (s *Snapshot) Suspended() bool {
	return s != nil && len(s.Tasks) > 0
}

// Store persists checkpoints keyed by thread id.
type Store interface {
	Get(ctx context.Context, threadID string) (*Snapshot, error)
	Put(ctx context.Context, threadID string, snap *Snapshot) error
	Delete(ctx context.Context, threadID string) error
}

// GetWithRetry calls read with exponential backoff. Reads can fail while the
// runtime holds an exclusive connection to the underlying store; retrying with
// backoff rides out the contention window. The caller decides whether a final
// failure is fatal (interrupt detection degrades to "assume no interrupt").
func GetWithRetry(ctx context.Context, attempts int, initialBackoff time.Duration, read func(context.Context) (*Snapshot, error)) (*Snapshot, error) {
	if attempts <= 0 {
		attempts = 3
	}
	if initialBackoff <= 0 {
		initialBackoff = 100 * time.Millisecond
	}

	var lastErr error
	backoff := initialBackoff
	for i := 0; i < attempts; i++ {
		snap, err := read(ctx)
		if err == nil {
			return snap, nil
		}
		lastErr = err

		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return nil, lastErr
}
