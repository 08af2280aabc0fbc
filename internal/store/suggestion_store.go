package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"flowintake/internal/models"
)

// AddSuggestion persists one advisor suggestion for a workflow record.
func (s *Service) AddSuggestion(ctx context.Context, sg models.Suggestion) (*models.Suggestion, error) {
	if sg.WorkflowID <= 0 {
		return nil, errors.New("workflow_id is required")
	}
	switch sg.Complexity {
	case models.ComplexityLow, models.ComplexityMedium, models.ComplexityHigh:
	default:
		return nil, fmt.Errorf("invalid complexity tier %q", sg.Complexity)
	}
	sources := sg.Sources
	if sources == nil {
		sources = []models.SuggestionSource{}
	}
	sourcesJSON, err := json.Marshal(sources)
	if err != nil {
		return nil, fmt.Errorf("encode sources: %w", err)
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO ai_suggestions (workflow_id, step_label, suggestion, tool_name, complexity, roi_score, sources, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sg.WorkflowID, sg.StepLabel, sg.Suggestion, sg.ToolName, sg.Complexity, sg.ROIScore, string(sourcesJSON), now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert suggestion: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("suggestion id: %w", err)
	}
	sg.ID = id
	sg.Sources = sources
	sg.CreatedAt = now
	return &sg, nil
}

// ListSuggestions returns a workflow's suggestions oldest-first.
func (s *Service) ListSuggestions(ctx context.Context, workflowID int64) ([]*models.Suggestion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_id, step_label, suggestion, tool_name, complexity, roi_score, sources, created_at
		 FROM ai_suggestions WHERE workflow_id = ? ORDER BY created_at ASC, id ASC`,
		workflowID,
	)
	if err != nil {
		return nil, fmt.Errorf("list suggestions: %w", err)
	}
	defer rows.Close()

	var suggestions []*models.Suggestion
	for rows.Next() {
		sg := new(models.Suggestion)
		var sourcesJSON string
		if err := rows.Scan(&sg.ID, &sg.WorkflowID, &sg.StepLabel, &sg.Suggestion, &sg.ToolName, &sg.Complexity, &sg.ROIScore, &sourcesJSON, &sg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan suggestion: %w", err)
		}
		if err := json.Unmarshal([]byte(sourcesJSON), &sg.Sources); err != nil {
			return nil, fmt.Errorf("decode sources: %w", err)
		}
		if sg.Sources == nil {
			sg.Sources = []models.SuggestionSource{}
		}
		suggestions = append(suggestions, sg)
	}
	return suggestions, rows.Err()
}
