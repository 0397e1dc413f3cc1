package queue

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"cueline/api/internal/conflict"
)

// recordingApplier scripts the outcome per operation type and records order.
type recordingApplier struct {
	mu        sync.Mutex
	applied   []string
	conflicts map[string][]conflict.Conflict
	errs      map[string]error
}

func newRecordingApplier() *recordingApplier {
	return &recordingApplier{
		conflicts: make(map[string][]conflict.Conflict),
		errs:      make(map[string]error),
	}
}

func (a *recordingApplier) apply(_ context.Context, op Operation, choices map[string]conflict.Choice) ([]conflict.Conflict, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.errs[op.ID]; err != nil {
		return nil, err
	}
	if conflicts := a.conflicts[op.ID]; len(conflicts) > 0 && choices == nil {
		return conflicts, nil
	}
	a.applied = append(a.applied, op.ID)
	return nil, nil
}

func (a *recordingApplier) order() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.applied))
	copy(out, a.applied)
	return out
}

func enqueueThree(t *testing.T, q *Queue) {
	t.Helper()
	ctx := context.Background()
	for _, id := range []string{"op1", "op2", "op3"} {
		if err := q.Enqueue(ctx, Operation{ID: id, Type: OpCellUpdate, RundownID: "rd_1"}); err != nil {
			t.Fatalf("Enqueue(%s) error = %v", id, err)
		}
	}
}

func TestProcessReplaysInOrder(t *testing.T) {
	applier := newRecordingApplier()
	q := New(NewMemoryStorage(), applier.apply)
	enqueueThree(t, q)

	results, err := q.Process(context.Background(), "rd_1")
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	order := applier.order()
	want := []string{"op1", "op2", "op3"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("apply order = %v, want %v", order, want)
		}
	}
	if n, _ := q.Len(context.Background(), "rd_1"); n != 0 {
		t.Fatalf("queue length after drain = %d", n)
	}
}

func TestConflictOnHeadSuspendsRemainder(t *testing.T) {
	applier := newRecordingApplier()
	applier.conflicts["op1"] = []conflict.Conflict{{ItemID: "it_1", Field: "script", LocalValue: "a", RemoteValue: "b"}}

	q := New(NewMemoryStorage(), applier.apply)
	enqueueThree(t, q)
	ctx := context.Background()

	results, err := q.Process(ctx, "rd_1")
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if len(results) != 1 || results[0].State != StateConflicted {
		t.Fatalf("results = %+v, want single CONFLICTED", results)
	}
	if !q.HasPendingConflicts("rd_1") {
		t.Fatal("expected pending conflicts")
	}
	if n, _ := q.Len(ctx, "rd_1"); n != 3 {
		t.Fatalf("queue length = %d, nothing should be removed", n)
	}

	// A second Process call while blocked is a no-op.
	if results, _ := q.Process(ctx, "rd_1"); results != nil {
		t.Fatalf("blocked Process returned %+v", results)
	}

	// User resolution unblocks the head and drains the rest in order.
	results, err = q.ResolveConflicts(ctx, "rd_1", map[string]conflict.Choice{"it_1:script": conflict.ChooseLocal})
	if err != nil {
		t.Fatalf("ResolveConflicts() error = %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("results = %+v, want 3 applied", results)
	}
	if q.HasPendingConflicts("rd_1") {
		t.Fatal("pending conflicts not cleared")
	}
	order := applier.order()
	want := []string{"op1", "op2", "op3"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("apply order = %v, want %v", order, want)
		}
	}
}

func TestTransportErrorLeavesOperationQueued(t *testing.T) {
	applier := newRecordingApplier()
	applier.errs["op2"] = errors.New("transport down")

	q := New(NewMemoryStorage(), applier.apply)
	enqueueThree(t, q)
	ctx := context.Background()

	results, err := q.Process(ctx, "rd_1")
	if err == nil {
		t.Fatal("expected transport error to surface")
	}
	if len(results) != 1 || results[0].OperationID != "op1" {
		t.Fatalf("results = %+v, want op1 applied before the failure", results)
	}
	if n, _ := q.Len(ctx, "rd_1"); n != 2 {
		t.Fatalf("queue length = %d, want op2 and op3 still queued", n)
	}

	// Connectivity returns: the drain resumes where it stopped.
	applier.mu.Lock()
	delete(applier.errs, "op2")
	applier.mu.Unlock()
	if _, err := q.Process(ctx, "rd_1"); err != nil {
		t.Fatalf("second Process() error = %v", err)
	}
	if n, _ := q.Len(ctx, "rd_1"); n != 0 {
		t.Fatalf("queue length after recovery = %d", n)
	}
}

func TestRedisStorageSurvivesReload(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	ctx := context.Background()

	first := NewRedisStorage(client)
	if err := first.Append(ctx, "rd_1", Operation{ID: "op1", Type: OpSaveRundown, RundownID: "rd_1"}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := first.Append(ctx, "rd_1", Operation{ID: "op2", Type: OpCellUpdate, RundownID: "rd_1"}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	// A fresh storage over the same Redis sees the same FIFO.
	second := NewRedisStorage(client)
	ops, err := second.List(ctx, "rd_1")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(ops) != 2 || ops[0].ID != "op1" || ops[1].ID != "op2" {
		t.Fatalf("ops = %+v, want op1 then op2", ops)
	}

	if err := second.Remove(ctx, "rd_1", "op1"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	ops, _ = second.List(ctx, "rd_1")
	if len(ops) != 1 || ops[0].ID != "op2" {
		t.Fatalf("ops after remove = %+v", ops)
	}
}
