// Package dispatch maps agent function calls onto backend operations.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ent0n29/voicebridge/internal/backend"
	"github.com/ent0n29/voicebridge/internal/errorsx"
)

const (
	FuncSubmitTask        = "submit_task"
	FuncGetProjectContext = "get_project_context"
	FuncGetTaskStatus     = "get_task_status"
	FuncConfirmStart      = "confirm_start"
	FuncCancelTask        = "cancel_task"
)

var (
	ErrUnknownFunction  = errors.New("unknown function")
	ErrInvalidArguments = errors.New("invalid function arguments")
)

// Request is one function call issued by the agent.
type Request struct {
	CallID    string
	Name      string
	Arguments json.RawMessage
}

// Result answers exactly one Request, matched by CallID. Exactly one of
// Output and Error is set.
type Result struct {
	CallID string
	Name   string
	Output map[string]any
	Error  string
	// Reason classifies Error.
	Reason errorsx.ReasonCode
}

// Content is the JSON object returned to the agent.
func (r Result) Content() map[string]any {
	if r.Error != "" {
		return map[string]any{"error": r.Error}
	}
	if r.Output == nil {
		return map[string]any{}
	}
	return r.Output
}

func (r Result) Failed() bool { return r.Error != "" }

type NoticeKind string

const (
	NoticeTaskSubmitted NoticeKind = "task_submitted"
	NoticeStatus        NoticeKind = "status"
)

// Notice is a side effect for the client produced by a successful call.
type Notice struct {
	Kind   NoticeKind
	Prompt string
	Status backend.TaskStatus
}

// Handler runs one operation against the backend.
type Handler func(ctx context.Context, args json.RawMessage) (map[string]any, []Notice, error)

// Table is the closed set of operations for one project.
type Table struct {
	handlers map[string]Handler
	backend  backend.Backend
	project  string
}

func NewTable(b backend.Backend, projectID string) *Table {
	t := &Table{handlers: make(map[string]Handler), backend: b, project: projectID}
	t.handlers[FuncSubmitTask] = t.submitTask
	t.handlers[FuncGetProjectContext] = t.getProjectContext
	t.handlers[FuncGetTaskStatus] = t.getTaskStatus
	t.handlers[FuncConfirmStart] = t.confirmStart
	t.handlers[FuncCancelTask] = t.cancelTask
	return t
}

// Names lists registered operations in sorted order.
func (t *Table) Names() []string {
	names := make([]string, 0, len(t.handlers))
	for name := range t.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch runs req and always returns a result for it: unknown names,
// malformed arguments, handler errors and panics all become error results.
func (t *Table) Dispatch(ctx context.Context, req Request) (res Result, notices []Notice) {
	res = Result{CallID: req.CallID, Name: req.Name}

	h, ok := t.handlers[req.Name]
	if !ok {
		res.Error = fmt.Sprintf("Unknown function: %s", req.Name)
		res.Reason = errorsx.ReasonUnknownFunction
		return res, nil
	}
	args := req.Arguments
	if len(strings.TrimSpace(string(args))) == 0 {
		args = json.RawMessage("{}")
	}
	if !json.Valid(args) {
		res.Error = "Invalid function arguments"
		res.Reason = errorsx.ReasonInvalidArguments
		return res, nil
	}

	defer func() {
		if p := recover(); p != nil {
			res.Output = nil
			res.Error = "Function execution failed"
			res.Reason = errorsx.ReasonUnknown
			notices = nil
		}
	}()

	out, notices, err := h(ctx, args)
	if err != nil {
		res.Error = err.Error()
		res.Reason = errorsx.Reason(err)
		if errors.Is(err, ErrInvalidArguments) {
			res.Reason = errorsx.ReasonInvalidArguments
		}
		return res, nil
	}
	res.Output = out
	return res, notices
}

func (t *Table) submitTask(ctx context.Context, raw json.RawMessage) (map[string]any, []Notice, error) {
	var args struct {
		Prompt string `json:"prompt"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	prompt := strings.TrimSpace(args.Prompt)
	if prompt == "" {
		return nil, nil, fmt.Errorf("%w: prompt is required", ErrInvalidArguments)
	}
	taskID, err := t.backend.SubmitTask(ctx, t.project, prompt)
	if err != nil {
		return nil, nil, failed("submit task", err)
	}
	return map[string]any{"status": "submitted", "task_id": taskID},
		[]Notice{{Kind: NoticeTaskSubmitted, Prompt: prompt}}, nil
}

func (t *Table) getProjectContext(ctx context.Context, _ json.RawMessage) (map[string]any, []Notice, error) {
	pc, err := t.backend.GetProjectContext(ctx, t.project)
	if err != nil {
		return nil, nil, failed("get project context", err)
	}
	out, err := toMap(pc)
	if err != nil {
		return nil, nil, err
	}
	return out, nil, nil
}

func (t *Table) getTaskStatus(ctx context.Context, _ json.RawMessage) (map[string]any, []Notice, error) {
	st, err := t.backend.GetTaskStatus(ctx, t.project)
	if err != nil {
		return nil, nil, failed("get task status", err)
	}
	out, err := toMap(st)
	if err != nil {
		return nil, nil, err
	}
	return out, []Notice{{Kind: NoticeStatus, Status: st}}, nil
}

func (t *Table) confirmStart(ctx context.Context, _ json.RawMessage) (map[string]any, []Notice, error) {
	if err := t.backend.ConfirmStart(ctx, t.project); err != nil {
		return nil, nil, failed("confirm start", err)
	}
	return map[string]any{"status": "started"}, nil, nil
}

func (t *Table) cancelTask(ctx context.Context, _ json.RawMessage) (map[string]any, []Notice, error) {
	if err := t.backend.CancelTask(ctx, t.project); err != nil {
		return nil, nil, failed("cancel task", err)
	}
	return map[string]any{"status": "cancelled"}, nil, nil
}

// OperationError is a backend failure as reported back to the agent.
type OperationError struct {
	Op  string
	Err error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("Failed to %s: %v", e.Op, e.Err)
}

func (e *OperationError) Unwrap() error { return e.Err }

func failed(op string, err error) error {
	return &OperationError{Op: op, Err: err}
}

func toMap(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
