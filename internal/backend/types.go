package backend

import (
	"encoding/json"
	"strconv"
)

type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskRunning   TaskState = "running"
	TaskCompleted TaskState = "completed"
	TaskFailed    TaskState = "failed"
)

// TaskInfo is one entry of a project's recent tasks.
type TaskInfo struct {
	ID      string    `json:"id"`
	Content string    `json:"content"`
	State   TaskState `json:"state"`
	Result  *string   `json:"result,omitempty"`
}

type ProjectContext struct {
	ProjectID   string     `json:"project_id"`
	Files       []string   `json:"files"`
	RecentTasks []TaskInfo `json:"recent_tasks"`
}

// TaskStatus is the aggregate progress of a project's task tree.
type TaskStatus struct {
	Total       int    `json:"total"`
	Completed   int    `json:"completed"`
	Running     int    `json:"running"`
	Failed      int    `json:"failed"`
	CurrentTask string `json:"current_task,omitempty"`
}

// EventKind is the closed set of progress events the backend streams.
type EventKind string

const (
	EventDecomposeProgress EventKind = "decompose_progress"
	EventTaskState         EventKind = "task_state"
	EventTimeout           EventKind = "timeout"
	EventActivateAgent     EventKind = "activate_agent"
	EventDeactivateAgent   EventKind = "deactivate_agent"
	EventActivateToolkit   EventKind = "activate_toolkit"
	EventDeactivateToolkit EventKind = "deactivate_toolkit"
	EventAssignTask        EventKind = "assign_task"
)

// Known reports whether k is part of the backend event vocabulary.
func (k EventKind) Known() bool {
	switch k {
	case EventDecomposeProgress, EventTaskState, EventTimeout,
		EventActivateAgent, EventDeactivateAgent,
		EventActivateToolkit, EventDeactivateToolkit, EventAssignTask:
		return true
	}
	return false
}

// Event is one progress event. Payload fields depend on Kind.
type Event struct {
	Kind    EventKind      `json:"kind"`
	Payload map[string]any `json:"payload,omitempty"`
}

// State is the task state carried by task_state and assign_task.
func (e Event) State() TaskState {
	return TaskState(e.str("state"))
}

// Scope distinguishes subtask from whole-task updates.
func (e Event) Scope() string {
	return e.str("scope")
}

// TaskCount is the decompose_progress subtask count, 0 when absent.
func (e Event) TaskCount() int {
	n, _ := e.number("task_count")
	return n
}

// StatusSnapshot returns a status the backend attached to the event. The
// snapshot is present only when both total and completed are included.
func (e Event) StatusSnapshot() (TaskStatus, bool) {
	total, okTotal := e.number("total")
	completed, okCompleted := e.number("completed")
	if !okTotal || !okCompleted {
		return TaskStatus{}, false
	}
	running, _ := e.number("running")
	failed, _ := e.number("failed")
	return TaskStatus{
		Total:       total,
		Completed:   completed,
		Running:     running,
		Failed:      failed,
		CurrentTask: e.str("current_task"),
	}, true
}

func (e Event) str(key string) string {
	v, ok := e.Payload[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func (e Event) number(key string) (int, bool) {
	v, ok := e.Payload[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	case string:
		i, err := strconv.Atoi(n)
		return i, err == nil
	}
	return 0, false
}
