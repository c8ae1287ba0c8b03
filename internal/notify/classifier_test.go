package notify

import (
	"testing"

	"github.com/ent0n29/voicebridge/internal/backend"
)

func taskState(state backend.TaskState) backend.Event {
	return backend.Event{Kind: backend.EventTaskState, Payload: map[string]any{"state": string(state)}}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name   string
		evt    backend.Event
		status backend.TaskStatus
		want   Decision
	}{
		{
			name:   "partial completion",
			evt:    taskState(backend.TaskCompleted),
			status: backend.TaskStatus{Total: 4, Completed: 2},
			want:   Speak("2 of 4 done."),
		},
		{
			name:   "all done",
			evt:    taskState(backend.TaskCompleted),
			status: backend.TaskStatus{Total: 4, Completed: 4},
			want:   Speak("All done. 4 tasks completed."),
		},
		{
			name:   "failure ignores status",
			evt:    taskState(backend.TaskFailed),
			status: backend.TaskStatus{Total: 4, Completed: 4},
			want:   Speak(MessageTaskFailed),
		},
		{
			name: "decomposition",
			evt:  backend.Event{Kind: backend.EventDecomposeProgress, Payload: map[string]any{"task_count": float64(4)}},
			want: Speak("I've broken this into 4 tasks. Ready to start?"),
		},
		{
			name: "timeout",
			evt:  backend.Event{Kind: backend.EventTimeout},
			want: Speak(MessageTimeout),
		},
		{
			name: "running task state",
			evt:  taskState(backend.TaskRunning),
			want: Silent(),
		},
		{
			name: "assign task",
			evt:  backend.Event{Kind: backend.EventAssignTask, Payload: map[string]any{"state": "completed"}},
			want: Silent(),
		},
		{
			name: "toolkit activation",
			evt:  backend.Event{Kind: backend.EventActivateToolkit},
			want: Silent(),
		},
		{
			name: "unknown kind",
			evt:  backend.Event{Kind: "confetti"},
			want: Silent(),
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.evt, tc.status); got != tc.want {
				t.Fatalf("Classify() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestClassifyIsDeterministic(t *testing.T) {
	evt := taskState(backend.TaskCompleted)
	status := backend.TaskStatus{Total: 3, Completed: 1}
	first := Classify(evt, status)
	for i := 0; i < 10; i++ {
		if got := Classify(evt, status); got != first {
			t.Fatalf("Classify() run %d = %v, want %v", i, got, first)
		}
	}
}

func TestFallback(t *testing.T) {
	if got := Fallback(taskState(backend.TaskCompleted)); got != Speak(MessageTaskCompleted) {
		t.Fatalf("Fallback(completed) = %v", got)
	}
	if got := Fallback(taskState(backend.TaskFailed)); got != Speak(MessageTaskFailed) {
		t.Fatalf("Fallback(failed) = %v", got)
	}
	if NeedsStatus(backend.Event{Kind: backend.EventTimeout}) {
		t.Fatalf("NeedsStatus(timeout) = true")
	}
}
