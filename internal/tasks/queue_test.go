package tasks

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func researchTask(id string) Task {
	task := NewTask(KindResearch)
	task.ID = id
	task.Room = "org_1/proj_1"
	task.NodeID = "node_" + id
	task.Path = "/business/" + id
	task.PrimaryKeyword = "start a business"
	return task
}

func TestInMemoryQueueRespectsCapacity(t *testing.T) {
	queue := NewInMemoryQueue(1)
	if !queue.TryEnqueue(researchTask("t1")) {
		t.Fatalf("expected first enqueue to succeed")
	}
	if queue.TryEnqueue(researchTask("t2")) {
		t.Fatalf("expected enqueue over capacity to fail")
	}
	snapshot := queue.(Snapshotter).SnapshotTasks()
	if len(snapshot) != 1 || snapshot[0].ID != "t1" {
		t.Fatalf("expected snapshot with t1, got %+v", snapshot)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	task, ok := queue.Dequeue(ctx)
	if !ok || task.ID != "t1" {
		t.Fatalf("expected t1, got %+v (ok=%v)", task, ok)
	}
	if _, ok := queue.Dequeue(ctx); ok {
		t.Fatalf("expected empty queue to block until the context ends")
	}
}

func TestFileQueuePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.json")
	queue, err := NewFileQueue(path, 4)
	if err != nil {
		t.Fatalf("new file queue failed: %v", err)
	}
	if !queue.TryEnqueue(researchTask("t1")) || !queue.TryEnqueue(researchTask("t2")) {
		t.Fatalf("expected enqueue to succeed")
	}

	reopened, err := NewFileQueue(path, 4)
	if err != nil {
		t.Fatalf("reopen file queue failed: %v", err)
	}
	if reopened.Depth() != 2 {
		t.Fatalf("expected depth 2 after reopen, got %d", reopened.Depth())
	}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	first, ok := reopened.Dequeue(ctx)
	if !ok || first.ID != "t1" || first.PrimaryKeyword != "start a business" {
		t.Fatalf("expected t1 first, got %+v (ok=%v)", first, ok)
	}
	second, ok := reopened.Dequeue(ctx)
	if !ok || second.ID != "t2" {
		t.Fatalf("expected t2 second, got %+v (ok=%v)", second, ok)
	}
}

func TestFileQueueTrimsToCapacityOnLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.json")
	queue, err := NewFileQueue(path, 3)
	if err != nil {
		t.Fatalf("new file queue failed: %v", err)
	}
	for _, id := range []string{"t1", "t2", "t3"} {
		if !queue.TryEnqueue(researchTask(id)) {
			t.Fatalf("enqueue %s failed", id)
		}
	}
	reopened, err := NewFileQueue(path, 2)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	snapshot := reopened.(Snapshotter).SnapshotTasks()
	if len(snapshot) != 2 || snapshot[0].ID != "t2" {
		t.Fatalf("expected newest two tasks, got %+v", snapshot)
	}
}

func TestBuildQueueFromDSN(t *testing.T) {
	queue, err := BuildQueueFromDSN("", 5)
	if err != nil || queue.Capacity() != 5 {
		t.Fatalf("expected memory queue for empty dsn, got %v %v", queue, err)
	}
	queue, err = BuildQueueFromDSN("memory://", 7)
	if err != nil || queue.Capacity() != 7 {
		t.Fatalf("expected memory queue, got %v %v", queue, err)
	}
	path := filepath.Join(t.TempDir(), "q.json")
	queue, err = BuildQueueFromDSN("file://"+path, 9)
	if err != nil {
		t.Fatalf("build file queue failed: %v", err)
	}
	if queue.Capacity() != 9 {
		t.Fatalf("expected capacity 9, got %d", queue.Capacity())
	}
	if _, err := BuildQueueFromDSN("redis://localhost:6379/0", 10); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected not implemented for redis, got %v", err)
	}
	if _, err := BuildQueueFromDSN("gopher://x", 10); err == nil {
		t.Fatalf("expected unsupported scheme error")
	}
}

func TestRegisteredQueueFactoryWins(t *testing.T) {
	called := false
	RegisterQueueFactory("Custom", func(dsn string, capacity int) (Queue, error) {
		called = true
		return NewInMemoryQueue(capacity), nil
	})
	if _, err := BuildQueueFromDSN("custom://anything", 3); err != nil {
		t.Fatalf("custom factory failed: %v", err)
	}
	if !called {
		t.Fatalf("expected registered factory to be used")
	}
}

func TestTaskValidateAndInput(t *testing.T) {
	task := researchTask("t1")
	input, err := task.Input()
	if err != nil {
		t.Fatalf("input failed: %v", err)
	}
	research, ok := input.(ResearchInput)
	if !ok || research.PrimaryKeyword != "start a business" || research.NodeID != "node_t1" {
		t.Fatalf("unexpected research input %+v", input)
	}

	writing := NewTask(KindWriting)
	writing.Room = "org_1/proj_1"
	writing.NodeID = "n1"
	if err := writing.Validate(); !errors.Is(err, ErrInvalidTask) {
		t.Fatalf("expected writing task without token to be invalid, got %v", err)
	}
	writing.Token = "wf_1"
	input, err = writing.Input()
	if err != nil {
		t.Fatalf("writing input failed: %v", err)
	}
	if w, ok := input.(WritingInput); !ok || w.WorkflowID != "wf_1" {
		t.Fatalf("unexpected writing input %+v", input)
	}
}
