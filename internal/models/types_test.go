package models

import "testing"

func TestTaskStatus_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from TaskStatus
		to   TaskStatus
		want bool
	}{
		{TaskStatusPending, TaskStatusLocked, true},
		{TaskStatusLocked, TaskStatusDispatched, true},
		{TaskStatusDispatched, TaskStatusWaitingRetry, true},
		{TaskStatusWaitingRetry, TaskStatusLocked, true},
		{TaskStatusDispatched, TaskStatusSucceeded, true},
		{TaskStatusDispatched, TaskStatusCancelled, true},
		{TaskStatusLocked, TaskStatusCancelled, true},
		{TaskStatusDispatched, TaskStatusFailed, true},
		{TaskStatusDispatched, TaskStatusPending, true},
		{TaskStatusLocked, TaskStatusPending, true},
		{TaskStatusSucceeded, TaskStatusDispatched, false},
		{TaskStatusSucceeded, TaskStatusPending, false},
		{TaskStatusCancelled, TaskStatusLocked, false},
		{TaskStatusPending, TaskStatusDispatched, false},
		{TaskStatusPending, TaskStatusSucceeded, false},
		{TaskStatusLocked, TaskStatusSucceeded, false},
	}

	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			if got := tt.from.CanTransitionTo(tt.to); got != tt.want {
				t.Errorf("CanTransitionTo() = %v, expected %v", got, tt.want)
			}
		})
	}
}

func TestPredecessorsOf(t *testing.T) {
	preds := PredecessorsOf(TaskStatusDispatched)
	if len(preds) != 1 || preds[0] != TaskStatusLocked {
		t.Errorf("PredecessorsOf(Dispatched) = %v, expected [locked]", preds)
	}

	for _, p := range PredecessorsOf(TaskStatusSucceeded) {
		if p != TaskStatusDispatched {
			t.Errorf("unexpected predecessor of succeeded: %v", p)
		}
	}
}

func TestTaskStatus_String(t *testing.T) {
	if TaskStatusWaitingRetry.String() != "waiting_retry" {
		t.Errorf("String() = %q, expected %q", TaskStatusWaitingRetry.String(), "waiting_retry")
	}
	if TaskStatus(7).String() != "task_status(7)" {
		t.Errorf("String() = %q, expected %q", TaskStatus(7).String(), "task_status(7)")
	}
}

func TestTaskInstanceStatus_IsTerminal(t *testing.T) {
	terminal := []TaskInstanceStatus{InstanceStatusSucceeded, InstanceStatusFailed, InstanceStatusCancelled, InstanceStatusTimeout, InstanceStatusSkipped}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%v should be terminal", s)
		}
	}
	for _, s := range []TaskInstanceStatus{InstanceStatusPending, InstanceStatusDispatched, InstanceStatusRunning, InstanceStatusPaused} {
		if s.IsTerminal() {
			t.Errorf("%v should not be terminal", s)
		}
	}
	if TaskInstanceStatus(3).IsValid() {
		t.Error("3 is not a valid instance status")
	}
}

func TestLabels_Contains(t *testing.T) {
	agent := Labels{"os": "linux", "gpu": "true"}

	tests := []struct {
		name     string
		required Labels
		want     bool
	}{
		{"nil requirement", nil, true},
		{"subset", Labels{"os": "linux"}, true},
		{"exact", Labels{"os": "linux", "gpu": "true"}, true},
		{"value mismatch", Labels{"os": "windows"}, false},
		{"missing key", Labels{"arch": "arm64"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := agent.Contains(tt.required); got != tt.want {
				t.Errorf("Contains() = %v, expected %v", got, tt.want)
			}
		})
	}
}
