package dispatch

// Definition describes one operation to the conversational engine.
type Definition struct {
	Name        string         `json:"name" mapstructure:"name"`
	Description string         `json:"description" mapstructure:"description"`
	Parameters  map[string]any `json:"parameters" mapstructure:"parameters"`
}

func noParams() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}}
}

// Definitions returns the operation schemas in a stable order.
func Definitions() []Definition {
	return []Definition{
		{
			Name:        FuncSubmitTask,
			Description: "Submit a task to the backend for execution",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"prompt": map[string]any{
						"type":        "string",
						"description": "The well-formed task prompt to submit",
					},
				},
				"required": []string{"prompt"},
			},
		},
		{Name: FuncGetProjectContext, Description: "Get current project files and recent task history", Parameters: noParams()},
		{Name: FuncGetTaskStatus, Description: "Get the current status of running tasks", Parameters: noParams()},
		{Name: FuncConfirmStart, Description: "Confirm and start task execution after decomposition", Parameters: noParams()},
		{Name: FuncCancelTask, Description: "Cancel the currently running task", Parameters: noParams()},
	}
}
