package agent

import "fmt"

// Task is one invocation request. The orchestrator synthesizes a fresh
// ID per dispatch; Input is opaque to everything but the handler that
// processes it.
type Task struct {
	ID      string         `json:"id"`
	Input   any            `json:"input"`
	Context map[string]any `json:"context,omitempty"`
}

// Template is a task without an ID, as declared in workflow steps and
// dispatch requests. The orchestrator copies it into a Task before
// every invocation, so templates can be reused across runs.
type Template struct {
	Input   any            `json:"input"`
	Context map[string]any `json:"context,omitempty"`
}

// NewTask builds a Task from a template, copying the context map so
// later mutation of the task never leaks back into the template.
func NewTask(id string, tmpl Template) *Task {
	t := &Task{ID: id, Input: tmpl.Input}
	if len(tmpl.Context) > 0 {
		t.Context = make(map[string]any, len(tmpl.Context))
		for k, v := range tmpl.Context {
			t.Context[k] = v
		}
	}
	return t
}

// Response is the uniform result of one Task. Exactly one of Output and
// Error is meaningful, selected by Success.
type Response struct {
	Success bool   `json:"success"`
	Output  any    `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

func failure(format string, args ...any) *Response {
	return &Response{Success: false, Error: fmt.Sprintf(format, args...)}
}
