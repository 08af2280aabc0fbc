package models

import "time"

// Complexity tiers for a suggestion.
const (
	ComplexityLow    = "Low"
	ComplexityMedium = "Medium"
	ComplexityHigh   = "High"
)

// SuggestionSource is one {title, url} citation backing a suggestion.
type SuggestionSource struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// Suggestion is a derived automation opportunity for one step of a
// captured workflow. Produced by the advisor, never by the interview
// loop itself.
type Suggestion struct {
	ID         int64              `json:"id"`
	WorkflowID int64              `json:"workflow_id"`
	StepLabel  string             `json:"step_label"`
	Suggestion string             `json:"suggestion"`
	ToolName   string             `json:"tool_name"`
	Complexity string             `json:"complexity"`
	ROIScore   float64            `json:"roi_score"`
	Sources    []SuggestionSource `json:"sources"`
	CreatedAt  time.Time          `json:"created_at"`
}
