package step

import (
	"testing"

	"github.com/devicelab-dev/stepflow/pkg/core"
)

func TestMemoryStore_Lifecycle(t *testing.T) {
	s := NewMemoryStore()
	if s.Snapshot().Status != core.StatusIdle {
		t.Errorf("expected idle, got %s", s.Snapshot().Status)
	}

	s.StartStep("run-1", "tag", 7)
	state := s.Snapshot()
	if state.Status != core.StatusRunning || state.RunID != "run-1" || state.Data != 7 {
		t.Errorf("unexpected state %+v", state)
	}

	s.SetError("run-1", `{"impl":"x","error":"boom"}`)
	if s.Snapshot().Status != core.StatusError {
		t.Errorf("expected error, got %s", s.Snapshot().Status)
	}

	s.StartStep("run-2", "", nil)
	if s.Snapshot().Error != "" {
		t.Error("start should clear the previous error")
	}

	s.Reset()
	if s.Snapshot().Status != core.StatusIdle || s.Snapshot().RunID != "" {
		t.Errorf("expected reset state, got %+v", s.Snapshot())
	}
}

func TestMemoryStore_IgnoresStaleRun(t *testing.T) {
	s := NewMemoryStore()
	s.StartStep("old", "", nil)
	s.StartStep("new", "", nil)

	s.SetError("old", "late failure")
	s.CompleteStep("old")

	state := s.Snapshot()
	if state.Status != core.StatusRunning || state.Error != "" {
		t.Errorf("stale run changed state: %+v", state)
	}

	s.CompleteStep("new")
	if s.Snapshot().Status != core.StatusCompleted {
		t.Errorf("expected completed, got %s", s.Snapshot().Status)
	}
}
