// Package queue buffers local operations while offline and replays them in
// order on reconnect, conflict-checking each operation against the state it
// was computed from.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"cueline/api/internal/conflict"
	"cueline/api/internal/util"
)

type State string

const (
	StateQueued     State = "QUEUED"
	StateApplying   State = "APPLYING"
	StateApplied    State = "APPLIED"
	StateConflicted State = "CONFLICTED"
)

// Operation types.
const (
	OpSaveRundown = "save_rundown"
	OpCellUpdate  = "cell_update"
)

// Operation is one pending local write, captured with the baseline it was
// computed against so replay can re-validate instead of blindly reapplying.
type Operation struct {
	ID                 string          `json:"id"`
	Type               string          `json:"type"`
	RundownID          string          `json:"rundownId"`
	Payload            json.RawMessage `json:"payload"`
	BaselineState      json.RawMessage `json:"baselineState"`
	BaselineDocVersion int             `json:"baselineDocVersion"`
	EnqueuedAt         time.Time       `json:"enqueuedAt"`
}

type Result struct {
	OperationID string
	State       State
	Conflicts   []conflict.Conflict
}

// Storage is the host-provided durable ordered list, keyed by rundown id.
type Storage interface {
	Append(ctx context.Context, rundownID string, op Operation) error
	List(ctx context.Context, rundownID string) ([]Operation, error)
	Remove(ctx context.Context, rundownID, opID string) error
}

// ApplyFunc replays one operation against current server state. Choices is
// nil on the first attempt; on a retry after user resolution it carries the
// per-field picks. Returned conflicts mark the operation CONFLICTED; an
// error is a transport failure and leaves the operation queued for retry.
type ApplyFunc func(ctx context.Context, op Operation, choices map[string]conflict.Choice) ([]conflict.Conflict, error)

type Queue struct {
	storage Storage
	apply   ApplyFunc

	mu      sync.Mutex
	pending map[string][]conflict.Conflict
	busy    map[string]bool
}

func New(storage Storage, apply ApplyFunc) *Queue {
	return &Queue{
		storage: storage,
		apply:   apply,
		pending: make(map[string][]conflict.Conflict),
		busy:    make(map[string]bool),
	}
}

func (q *Queue) Enqueue(ctx context.Context, op Operation) error {
	if op.ID == "" {
		op.ID = util.NewID("op")
	}
	if op.EnqueuedAt.IsZero() {
		op.EnqueuedAt = time.Now().UTC()
	}
	if op.RundownID == "" {
		return fmt.Errorf("enqueue: missing rundown id")
	}
	return q.storage.Append(ctx, op.RundownID, op)
}

func (q *Queue) Len(ctx context.Context, rundownID string) (int, error) {
	ops, err := q.storage.List(ctx, rundownID)
	if err != nil {
		return 0, err
	}
	return len(ops), nil
}

func (q *Queue) HasPendingConflicts(rundownID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending[rundownID]) > 0
}

func (q *Queue) PendingConflicts(rundownID string) []conflict.Conflict {
	q.mu.Lock()
	defer q.mu.Unlock()
	conflicts := make([]conflict.Conflict, len(q.pending[rundownID]))
	copy(conflicts, q.pending[rundownID])
	return conflicts
}

// Process drains the queue for one rundown strictly in order. A conflicted
// operation suspends everything behind it: later operations' baselines
// assume earlier ones already landed. A transport error stops the drain and
// leaves the remainder queued.
func (q *Queue) Process(ctx context.Context, rundownID string) ([]Result, error) {
	q.mu.Lock()
	if q.busy[rundownID] || len(q.pending[rundownID]) > 0 {
		q.mu.Unlock()
		return nil, nil
	}
	q.busy[rundownID] = true
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		q.busy[rundownID] = false
		q.mu.Unlock()
	}()

	ops, err := q.storage.List(ctx, rundownID)
	if err != nil {
		return nil, fmt.Errorf("list queued operations: %w", err)
	}

	results := make([]Result, 0, len(ops))
	for _, op := range ops {
		conflicts, err := q.apply(ctx, op, nil)
		if err != nil {
			return results, fmt.Errorf("apply operation %s: %w", op.ID, err)
		}
		if len(conflicts) > 0 {
			q.mu.Lock()
			q.pending[rundownID] = conflicts
			q.mu.Unlock()
			results = append(results, Result{OperationID: op.ID, State: StateConflicted, Conflicts: conflicts})
			return results, nil
		}
		if err := q.storage.Remove(ctx, rundownID, op.ID); err != nil {
			return results, fmt.Errorf("remove applied operation %s: %w", op.ID, err)
		}
		results = append(results, Result{OperationID: op.ID, State: StateApplied})
	}
	return results, nil
}

// ResolveConflicts retries the blocked head operation with the user's
// per-field choices and, when it lands, resumes draining the remainder.
func (q *Queue) ResolveConflicts(ctx context.Context, rundownID string, choices map[string]conflict.Choice) ([]Result, error) {
	q.mu.Lock()
	if len(q.pending[rundownID]) == 0 {
		q.mu.Unlock()
		return q.Process(ctx, rundownID)
	}
	q.mu.Unlock()

	ops, err := q.storage.List(ctx, rundownID)
	if err != nil {
		return nil, fmt.Errorf("list queued operations: %w", err)
	}
	if len(ops) == 0 {
		q.clearPending(rundownID)
		return nil, nil
	}

	head := ops[0]
	conflicts, err := q.apply(ctx, head, choices)
	if err != nil {
		return nil, fmt.Errorf("apply resolved operation %s: %w", head.ID, err)
	}
	if len(conflicts) > 0 {
		q.mu.Lock()
		q.pending[rundownID] = conflicts
		q.mu.Unlock()
		return []Result{{OperationID: head.ID, State: StateConflicted, Conflicts: conflicts}}, nil
	}

	if err := q.storage.Remove(ctx, rundownID, head.ID); err != nil {
		return nil, fmt.Errorf("remove resolved operation %s: %w", head.ID, err)
	}
	q.clearPending(rundownID)

	rest, err := q.Process(ctx, rundownID)
	results := append([]Result{{OperationID: head.ID, State: StateApplied}}, rest...)
	return results, err
}

func (q *Queue) clearPending(rundownID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.pending, rundownID)
}
