package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/ent0n29/voicebridge/internal/backend"
	"github.com/ent0n29/voicebridge/internal/errorsx"
)

type stubBackend struct {
	submit  func(projectID, prompt string) (string, error)
	status  func(projectID string) (backend.TaskStatus, error)
	context func(projectID string) (backend.ProjectContext, error)
	confirm func(projectID string) error
	cancel  func(projectID string) error
}

func (s *stubBackend) SubmitTask(_ context.Context, projectID, prompt string) (string, error) {
	return s.submit(projectID, prompt)
}

func (s *stubBackend) ConfirmStart(_ context.Context, projectID string) error {
	return s.confirm(projectID)
}

func (s *stubBackend) CancelTask(_ context.Context, projectID string) error {
	return s.cancel(projectID)
}

func (s *stubBackend) GetProjectContext(_ context.Context, projectID string) (backend.ProjectContext, error) {
	return s.context(projectID)
}

func (s *stubBackend) GetTaskStatus(_ context.Context, projectID string) (backend.TaskStatus, error) {
	return s.status(projectID)
}

func (s *stubBackend) Subscribe(context.Context, string) (<-chan backend.Event, error) {
	return nil, errors.New("not used")
}

func TestDispatchSubmitTask(t *testing.T) {
	var gotProject, gotPrompt string
	b := &stubBackend{submit: func(projectID, prompt string) (string, error) {
		gotProject, gotPrompt = projectID, prompt
		return "t-1", nil
	}}
	table := NewTable(b, "p1")

	res, notices := table.Dispatch(context.Background(), Request{
		CallID:    "c1",
		Name:      FuncSubmitTask,
		Arguments: json.RawMessage(`{"prompt":"build a landing page"}`),
	})
	if res.Failed() {
		t.Fatalf("Dispatch() error = %q", res.Error)
	}
	if res.CallID != "c1" || res.Name != FuncSubmitTask {
		t.Fatalf("result correlation = %q/%q", res.CallID, res.Name)
	}
	if res.Output["status"] != "submitted" || res.Output["task_id"] != "t-1" {
		t.Fatalf("Output = %v", res.Output)
	}
	if gotProject != "p1" || gotPrompt != "build a landing page" {
		t.Fatalf("backend called with %q, %q", gotProject, gotPrompt)
	}
	if len(notices) != 1 || notices[0].Kind != NoticeTaskSubmitted || notices[0].Prompt != "build a landing page" {
		t.Fatalf("notices = %+v, want one task_submitted", notices)
	}
}

func TestDispatchUnknownFunction(t *testing.T) {
	table := NewTable(&stubBackend{}, "p1")
	res, notices := table.Dispatch(context.Background(), Request{CallID: "c9", Name: "launch_rocket"})
	if got := res.Content()["error"]; got != "Unknown function: launch_rocket" {
		t.Fatalf("error = %v", got)
	}
	if res.Reason != errorsx.ReasonUnknownFunction {
		t.Fatalf("Reason = %q", res.Reason)
	}
	if res.CallID != "c9" || notices != nil {
		t.Fatalf("result = %+v, notices = %v", res, notices)
	}
}

func TestDispatchBackendErrorBecomesResult(t *testing.T) {
	b := &stubBackend{submit: func(string, string) (string, error) {
		return "", errorsx.Wrap(errors.New("connection refused"), errorsx.ReasonBackendCall)
	}}
	res, notices := NewTable(b, "p1").Dispatch(context.Background(), Request{
		CallID: "c1", Name: FuncSubmitTask, Arguments: json.RawMessage(`{"prompt":"x"}`),
	})
	if !strings.HasPrefix(res.Error, "Failed to submit task: ") {
		t.Fatalf("Error = %q", res.Error)
	}
	if res.Reason != errorsx.ReasonBackendCall {
		t.Fatalf("Reason = %q", res.Reason)
	}
	if len(notices) != 0 {
		t.Fatalf("notices = %+v, want none on failure", notices)
	}
}

func TestDispatchInvalidArguments(t *testing.T) {
	table := NewTable(&stubBackend{}, "p1")
	cases := []json.RawMessage{
		json.RawMessage(`{"prompt":`),
		json.RawMessage(`{"prompt":"   "}`),
		json.RawMessage(`{"prompt":42}`),
	}
	for _, args := range cases {
		res, _ := table.Dispatch(context.Background(), Request{CallID: "c1", Name: FuncSubmitTask, Arguments: args})
		if !res.Failed() || res.Reason != errorsx.ReasonInvalidArguments {
			t.Fatalf("Dispatch(%s) = %+v, want invalid arguments", args, res)
		}
	}
}

func TestDispatchRecoversPanics(t *testing.T) {
	b := &stubBackend{confirm: func(string) error { panic("boom") }}
	res, _ := NewTable(b, "p1").Dispatch(context.Background(), Request{CallID: "c1", Name: FuncConfirmStart})
	if res.Error != "Function execution failed" || res.CallID != "c1" {
		t.Fatalf("result = %+v", res)
	}
}

func TestDispatchStatusAndControl(t *testing.T) {
	b := &stubBackend{
		status: func(string) (backend.TaskStatus, error) {
			return backend.TaskStatus{Total: 4, Completed: 2, Running: 1}, nil
		},
		context: func(id string) (backend.ProjectContext, error) {
			return backend.ProjectContext{ProjectID: id, Files: []string{"a.md"}}, nil
		},
		confirm: func(string) error { return nil },
		cancel:  func(string) error { return nil },
	}
	table := NewTable(b, "p1")
	ctx := context.Background()

	res, notices := table.Dispatch(ctx, Request{CallID: "1", Name: FuncGetTaskStatus})
	if res.Output["total"] != float64(4) || res.Output["completed"] != float64(2) {
		t.Fatalf("status output = %v", res.Output)
	}
	if _, ok := res.Output["current_task"]; ok {
		t.Fatalf("status output has empty current_task: %v", res.Output)
	}
	if len(notices) != 1 || notices[0].Kind != NoticeStatus || notices[0].Status.Total != 4 {
		t.Fatalf("status notices = %+v", notices)
	}

	res, _ = table.Dispatch(ctx, Request{CallID: "2", Name: FuncGetProjectContext})
	if res.Output["project_id"] != "p1" {
		t.Fatalf("context output = %v", res.Output)
	}

	res, _ = table.Dispatch(ctx, Request{CallID: "3", Name: FuncConfirmStart})
	if res.Output["status"] != "started" {
		t.Fatalf("confirm output = %v", res.Output)
	}
	res, _ = table.Dispatch(ctx, Request{CallID: "4", Name: FuncCancelTask, Arguments: json.RawMessage(" ")})
	if res.Output["status"] != "cancelled" {
		t.Fatalf("cancel output = %v", res.Output)
	}
}

func TestDefinitionsCoverTable(t *testing.T) {
	names := NewTable(&stubBackend{}, "p1").Names()
	defs := Definitions()
	if len(defs) != len(names) {
		t.Fatalf("len(Definitions()) = %d, want %d", len(defs), len(names))
	}
	registered := make(map[string]bool, len(names))
	for _, n := range names {
		registered[n] = true
	}
	for _, d := range defs {
		if !registered[d.Name] {
			t.Fatalf("definition %q has no handler", d.Name)
		}
	}
}
