package storage

import (
	"path/filepath"
	"testing"
	"time"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "stereodsm.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunLifecycle(t *testing.T) {
	s := openStore(t)
	if err := s.RecordRunStart(RunRecord{ID: "run-1", Command: "prepare", InputPath: "in.json", OutputPath: "out"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.RecordRunEnd("run-1", "completed", map[string]any{"matches": 120}, ""); err != nil {
		t.Fatalf("end: %v", err)
	}
	runs, err := s.RecentRuns(10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(runs) != 1 || runs[0].Status != "completed" || runs[0].CompletedAt == nil {
		t.Fatalf("unexpected runs %+v", runs)
	}
	meta, err := s.RunMeta("run-1")
	if err != nil {
		t.Fatalf("meta: %v", err)
	}
	if meta["matches"].(float64) != 120 {
		t.Fatalf("unexpected meta %v", meta)
	}
}

func TestTaskLifecycle(t *testing.T) {
	s := openStore(t)
	for i, h := range []string{"h-0", "h-1"} {
		if err := s.RecordTaskQueued(TaskRecord{Handle: h, RunID: "run-1", Kind: "sparse_matching", Index: i, Backend: "local"}); err != nil {
			t.Fatalf("queue: %v", err)
		}
	}
	if err := s.RecordTaskStart("h-0"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.RecordTaskResult("h-0", "failed", 1500*time.Millisecond, "boom"); err != nil {
		t.Fatalf("result: %v", err)
	}
	tasks, err := s.RunTasks("run-1")
	if err != nil {
		t.Fatalf("tasks: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(tasks))
	}
	if tasks[0].Status != "failed" || tasks[0].Error != "boom" || tasks[0].DurationMS != 1500 || tasks[0].StartedAt == nil {
		t.Fatalf("unexpected first task %+v", tasks[0])
	}
	if tasks[1].Status != "queued" || tasks[1].StartedAt != nil {
		t.Fatalf("unexpected second task %+v", tasks[1])
	}
}

func TestNilStoreIsInert(t *testing.T) {
	var s *Store
	if err := s.RecordTaskQueued(TaskRecord{Handle: "x"}); err != nil {
		t.Fatalf("nil store should ignore writes: %v", err)
	}
	if err := s.RecordRunEnd("x", "failed", nil, "err"); err != nil {
		t.Fatalf("nil store should ignore writes: %v", err)
	}
	if _, err := s.RecentRuns(1); err == nil {
		t.Fatalf("nil store should refuse reads")
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
