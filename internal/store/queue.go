package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"driftsync/internal/domain"
)

type queueState struct {
	Items []string `json:"items"`
}

// PendingQueue is the durable, deduplicated, insertion-ordered list of item
// IDs awaiting upload. Every mutation persists immediately, so a reload
// resumes with the same pending set. The in-memory slice mirrors the stored
// state; mutations roll back if the persist fails.
type PendingQueue struct {
	kv domain.KVStore

	mu    sync.Mutex
	items []string
}

// NewPendingQueue loads the persisted queue state, starting empty when the
// key is absent.
func NewPendingQueue(ctx context.Context, kv domain.KVStore) (*PendingQueue, error) {
	q := &PendingQueue{kv: kv, items: []string{}}

	raw, ok, err := kv.Get(ctx, queueKey)
	if err != nil {
		return nil, fmt.Errorf("load pending queue: %w", err)
	}
	if ok {
		var state queueState
		if err := json.Unmarshal(raw, &state); err != nil {
			return nil, fmt.Errorf("decode pending queue: %w", err)
		}
		if state.Items != nil {
			q.items = state.Items
		}
	}
	return q, nil
}

func (q *PendingQueue) saveLocked(ctx context.Context) error {
	raw, err := json.Marshal(queueState{Items: q.items})
	if err != nil {
		return err
	}
	return q.kv.Set(ctx, queueKey, raw)
}

// Enqueue appends the ID; a no-op when it is already queued.
func (q *PendingQueue) Enqueue(ctx context.Context, itemID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, id := range q.items {
		if id == itemID {
			return nil
		}
	}

	q.items = append(q.items, itemID)
	if err := q.saveLocked(ctx); err != nil {
		q.items = q.items[:len(q.items)-1]
		return fmt.Errorf("persist enqueue %s: %w", itemID, err)
	}
	return nil
}

// Dequeue removes the ID; a no-op when it is not queued.
func (q *PendingQueue) Dequeue(ctx context.Context, itemID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, id := range q.items {
		if id != itemID {
			continue
		}
		q.items = append(q.items[:i], q.items[i+1:]...)
		if err := q.saveLocked(ctx); err != nil {
			// Restore at the original position.
			q.items = append(q.items[:i], append([]string{itemID}, q.items[i:]...)...)
			return fmt.Errorf("persist dequeue %s: %w", itemID, err)
		}
		return nil
	}
	return nil
}

// Contains reports queue membership.
func (q *PendingQueue) Contains(itemID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, id := range q.items {
		if id == itemID {
			return true
		}
	}
	return false
}

// Snapshot returns the queued IDs in insertion order.
func (q *PendingQueue) Snapshot() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, len(q.items))
	copy(out, q.items)
	return out
}

func (q *PendingQueue) IsEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) == 0
}

func (q *PendingQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
