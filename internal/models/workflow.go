package models

import (
	"encoding/json"
	"strings"
	"time"
)

// WorkflowRecord is the structured output of one completed interview
// pass. People and systems are ordered lists; an empty list is a valid
// confirmed state, a missing field is not.
type WorkflowRecord struct {
	ID         int64     `json:"id"`
	SessionID  int64     `json:"session_id"`
	Title      string    `json:"title"`
	StartEvent string    `json:"start_event"`
	EndEvent   string    `json:"end_event"`
	People     []string  `json:"people"`
	Systems    []string  `json:"systems"`
	PainPoint  string    `json:"pain_point"`
	Score      *float64  `json:"score,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// WorkflowPayload is the argument shape of the record_workflow tool
// call before validation.
type WorkflowPayload struct {
	Title      string   `json:"title"`
	StartEvent string   `json:"start_event"`
	EndEvent   string   `json:"end_event"`
	People     []string `json:"people"`
	Systems    []string `json:"systems"`
	PainPoint  string   `json:"pain_point"`
}

// ParseWorkflowPayload decodes raw tool-call arguments and reports the
// required fields that are missing. Presence of people/systems is
// checked on the raw JSON so that an absent key is distinguished from a
// confirmed empty list.
func ParseWorkflowPayload(raw string) (*WorkflowPayload, []string, error) {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &keys); err != nil {
		return nil, nil, err
	}
	var p WorkflowPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, nil, err
	}
	p.Title = strings.TrimSpace(p.Title)
	p.StartEvent = strings.TrimSpace(p.StartEvent)
	p.EndEvent = strings.TrimSpace(p.EndEvent)
	p.PainPoint = strings.TrimSpace(p.PainPoint)

	var missing []string
	if p.Title == "" {
		missing = append(missing, "title")
	}
	if p.StartEvent == "" {
		missing = append(missing, "start_event")
	}
	if p.EndEvent == "" {
		missing = append(missing, "end_event")
	}
	if _, ok := keys["people"]; !ok {
		missing = append(missing, "people")
	}
	if _, ok := keys["systems"]; !ok {
		missing = append(missing, "systems")
	}
	if p.PainPoint == "" {
		missing = append(missing, "pain_point")
	}
	if p.People == nil {
		p.People = []string{}
	}
	if p.Systems == nil {
		p.Systems = []string{}
	}
	return &p, missing, nil
}
