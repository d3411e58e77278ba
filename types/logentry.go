package types

import "time"

// LogType tags the variant of a LogEntry.
type LogType string

const (
	// LogAction records a tool invocation and its result
	LogAction LogType = "action"

	// LogPlanEvaluation records the agent reasoning about its plan
	LogPlanEvaluation LogType = "plan_evaluation"

	// LogError records a failure inside the run
	LogError LogType = "error"

	// LogFinalAnswer records the run's final output
	LogFinalAnswer LogType = "final_answer"
)

// Valid reports whether the log type is one of the known variants.
func (t LogType) Valid() bool {
	switch t {
	case LogAction, LogPlanEvaluation, LogError, LogFinalAnswer:
		return true
	}
	return false
}

// LogEntry is one event in a run's log stream. The remote service returns
// loosely shaped objects; the variant tag decides which optional fields
// are meaningful, and Validate enforces that at the boundary.
type LogEntry struct {
	// Ordinal is the position of the entry in the run's log, starting at 0.
	// Delivery to a subscriber is always in non-decreasing ordinal order.
	Ordinal int `json:"ordinal"`

	Timestamp time.Time `json:"timestamp"`
	Type      LogType   `json:"type"`

	// Thought is the reasoning text (plan_evaluation, optionally action)
	Thought string `json:"thought,omitempty"`

	// Tool fields are set for action entries
	ToolName   string `json:"tool_name,omitempty"`
	ToolInput  string `json:"tool_input,omitempty"`
	ToolOutput string `json:"tool_output,omitempty"`

	// Content carries the message of error and final_answer entries
	Content string `json:"content,omitempty"`
}

// Validate checks the per-variant field requirements.
func (e *LogEntry) Validate() error {
	if e.Ordinal < 0 {
		return NewError(ErrValidation, "log entry ordinal must not be negative")
	}
	switch e.Type {
	case LogAction:
		if e.ToolName == "" {
			return NewError(ErrValidation, "action log entry requires tool_name")
		}
	case LogPlanEvaluation:
		if e.Thought == "" {
			return NewError(ErrValidation, "plan_evaluation log entry requires thought")
		}
	case LogError, LogFinalAnswer:
		if e.Content == "" {
			return NewError(ErrValidation, string(e.Type)+" log entry requires content")
		}
	default:
		return NewError(ErrValidation, "unknown log entry type: "+string(e.Type))
	}
	return nil
}
