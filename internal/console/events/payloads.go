package events

// PlaybookDispatch is the JSON message handed to the ansible worker pool.
// It carries everything a worker needs so it never reads the task tables;
// the pre-created history row id is how the worker reports back in place.
type PlaybookDispatch struct {
	HistoryID        uint   `json:"history_id"`
	TaskID           uint   `json:"task_id"`
	TargetName       string `json:"target_name"`
	InventoryContent string `json:"inventory_content"`
	PlaybookPath     string `json:"playbook_path"`
	ExtraVarsJSON    string `json:"extra_vars_json"`
	TimeoutSeconds   int    `json:"timeout_seconds"`
}

// ExecutionResult is published by a worker once a dispatched run reaches a
// terminal state.
type ExecutionResult struct {
	HistoryID       uint   `json:"history_id"`
	Status          string `json:"status"` // success or failed
	Output          string `json:"output,omitempty"`
	Error           string `json:"error,omitempty"`
	DurationSeconds int    `json:"duration_seconds"`
}
