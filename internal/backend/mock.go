package backend

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Mock is an in-process backend for local runs. A submitted prompt is
// decomposed into three tasks; after ConfirmStart they complete one by one
// every StepDelay.
type Mock struct {
	StepDelay time.Duration

	mu       sync.Mutex
	projects map[string]*mockProject
}

type mockProject struct {
	tasks  []TaskInfo
	subs   map[chan Event]struct{}
	cancel context.CancelFunc
}

const mockTasksPerPrompt = 3

var _ Backend = (*Mock)(nil)

func NewMock() *Mock {
	return &Mock{StepDelay: 2 * time.Second, projects: make(map[string]*mockProject)}
}

func (m *Mock) project(id string) *mockProject {
	p, ok := m.projects[id]
	if !ok {
		p = &mockProject{subs: make(map[chan Event]struct{})}
		m.projects[id] = p
	}
	return p
}

func (m *Mock) SubmitTask(_ context.Context, projectID, prompt string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.project(projectID)
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	taskID := "t-" + uuid.NewString()[:8]
	p.tasks = p.tasks[:0]
	for i := 0; i < mockTasksPerPrompt; i++ {
		p.tasks = append(p.tasks, TaskInfo{
			ID:      fmt.Sprintf("%s.%d", taskID, i+1),
			Content: fmt.Sprintf("%s (part %d)", prompt, i+1),
			State:   TaskPending,
		})
	}
	m.broadcastLocked(p, Event{Kind: EventDecomposeProgress, Payload: map[string]any{"task_count": float64(mockTasksPerPrompt)}})
	return taskID, nil
}

func (m *Mock) ConfirmStart(_ context.Context, projectID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.project(projectID)
	if len(p.tasks) == 0 {
		return fmt.Errorf("%w: no task to start", ErrCallFailed)
	}
	if p.cancel != nil {
		return nil
	}
	for i := range p.tasks {
		if p.tasks[i].State == TaskPending {
			p.tasks[i].State = TaskRunning
			break
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go m.run(ctx, projectID)
	return nil
}

func (m *Mock) CancelTask(_ context.Context, projectID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.project(projectID)
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	for i := range p.tasks {
		if p.tasks[i].State != TaskCompleted {
			p.tasks[i].State = TaskFailed
		}
	}
	return nil
}

func (m *Mock) GetProjectContext(_ context.Context, projectID string) (ProjectContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.project(projectID)
	return ProjectContext{
		ProjectID:   projectID,
		Files:       []string{},
		RecentTasks: append([]TaskInfo(nil), p.tasks...),
	}, nil
}

func (m *Mock) GetTaskStatus(_ context.Context, projectID string) (TaskStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return statusOf(m.project(projectID).tasks), nil
}

func (m *Mock) Subscribe(ctx context.Context, projectID string) (<-chan Event, error) {
	ch := make(chan Event, 32)
	m.mu.Lock()
	p := m.project(projectID)
	p.subs[ch] = struct{}{}
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(p.subs, ch)
		close(ch)
		m.mu.Unlock()
	}()
	return ch, nil
}

func (m *Mock) run(ctx context.Context, projectID string) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(m.StepDelay):
		}

		m.mu.Lock()
		p := m.project(projectID)
		next := -1
		for i := range p.tasks {
			if p.tasks[i].State == TaskPending || p.tasks[i].State == TaskRunning {
				next = i
				break
			}
		}
		if next < 0 {
			p.cancel = nil
			m.mu.Unlock()
			return
		}
		p.tasks[next].State = TaskCompleted
		done := fmt.Sprintf("finished %s", p.tasks[next].Content)
		p.tasks[next].Result = &done
		if next+1 < len(p.tasks) {
			p.tasks[next+1].State = TaskRunning
		}
		m.broadcastLocked(p, Event{Kind: EventTaskState, Payload: map[string]any{"state": string(TaskCompleted), "scope": "subtask"}})
		m.mu.Unlock()
	}
}

func (m *Mock) broadcastLocked(p *mockProject, evt Event) {
	for ch := range p.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

func statusOf(tasks []TaskInfo) TaskStatus {
	st := TaskStatus{Total: len(tasks)}
	for _, t := range tasks {
		switch t.State {
		case TaskCompleted:
			st.Completed++
		case TaskRunning:
			st.Running++
			if st.CurrentTask == "" {
				st.CurrentTask = t.Content
			}
		case TaskFailed:
			st.Failed++
		}
	}
	return st
}
