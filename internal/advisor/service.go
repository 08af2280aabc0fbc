package advisor

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/flow/agent/react"
	"github.com/cloudwego/eino/schema"

	"flowintake/internal/models"
	"flowintake/internal/store"
)

const suggestPrompt = `You are an automation consultant. Given one captured business
workflow, propose concrete automation opportunities for its steps. Use web_search
to check that recommended tools actually exist and to find supporting pages.

Respond with ONLY a JSON array, no prose, where each element is:
{
  "step_label": "which part of the workflow this targets",
  "suggestion": "what to automate and how",
  "tool_name": "a real product or service",
  "complexity": "Low" | "Medium" | "High",
  "roi_score": 0-10,
  "sources": [{"title": "...", "url": "..."}]
}
Propose at most 5 suggestions, highest ROI first. Every suggestion that names a
tool must carry at least one source.`

// Service turns captured workflow records into automation suggestions
// and process diagrams. The react agent researches tools through web
// search when a provider is available; otherwise the bare model runs.
type Service struct {
	store *store.Service
	model model.ToolCallingChatModel
	agent *react.Agent
}

func NewService(st *store.Service, cm model.ToolCallingChatModel) (*Service, error) {
	s := &Service{store: st, model: cm}

	tools := InitToolsChain()
	if len(tools) > 0 {
		agent, err := react.NewAgent(context.Background(), &react.AgentConfig{
			ToolCallingModel: cm,
			ToolsConfig: compose.ToolsNodeConfig{
				Tools: tools,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("init react agent: %w", err)
		}
		s.agent = agent
	}
	return s, nil
}

// Suggest researches the record and persists the resulting automation
// suggestions. Items the model returns malformed are skipped, not
// fatal; an empty result with no error means nothing useful came back.
func (s *Service) Suggest(ctx context.Context, record *models.WorkflowRecord) ([]*models.Suggestion, error) {
	if record == nil || record.ID <= 0 {
		return nil, fmt.Errorf("suggest: no workflow record")
	}

	msgs := []*schema.Message{
		schema.SystemMessage(suggestPrompt),
		schema.UserMessage(describeRecord(record)),
	}

	resp, err := s.generate(ctx, msgs)
	if err != nil {
		return nil, fmt.Errorf("suggestion completion: %w", err)
	}

	parsed, err := parseSuggestions(resp.Content)
	if err != nil {
		return nil, fmt.Errorf("decode suggestions: %w", err)
	}

	out := make([]*models.Suggestion, 0, len(parsed))
	for _, sg := range parsed {
		sg.WorkflowID = record.ID
		saved, err := s.store.AddSuggestion(ctx, sg)
		if err != nil {
			log.Printf("advisor: suggestion for workflow %d not stored: %v", record.ID, err)
			continue
		}
		out = append(out, saved)
	}
	return out, nil
}

func (s *Service) generate(ctx context.Context, msgs []*schema.Message) (*schema.Message, error) {
	if s.agent != nil {
		return s.agent.Generate(ctx, msgs)
	}
	return s.model.Generate(ctx, msgs)
}

func describeRecord(record *models.WorkflowRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Workflow: %s\n", record.Title)
	fmt.Fprintf(&b, "Starts when: %s\n", record.StartEvent)
	fmt.Fprintf(&b, "Ends when: %s\n", record.EndEvent)
	fmt.Fprintf(&b, "People involved: %s\n", joinOrNone(record.People))
	fmt.Fprintf(&b, "Systems used: %s\n", joinOrNone(record.Systems))
	fmt.Fprintf(&b, "Main pain point: %s\n", record.PainPoint)
	return b.String()
}

func joinOrNone(items []string) string {
	if len(items) == 0 {
		return "none"
	}
	return strings.Join(items, ", ")
}

// parseSuggestions decodes the model's JSON array, tolerating the code
// fences models wrap answers in, and normalizes each item.
func parseSuggestions(raw string) ([]models.Suggestion, error) {
	raw = stripCodeFence(raw)
	var items []models.Suggestion
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil, err
	}
	out := items[:0]
	for _, it := range items {
		it.Suggestion = strings.TrimSpace(it.Suggestion)
		if it.Suggestion == "" {
			continue
		}
		it.StepLabel = strings.TrimSpace(it.StepLabel)
		it.ToolName = strings.TrimSpace(it.ToolName)
		it.Complexity = normalizeComplexity(it.Complexity)
		if it.ROIScore < 0 {
			it.ROIScore = 0
		} else if it.ROIScore > 10 {
			it.ROIScore = 10
		}
		out = append(out, it)
	}
	return out, nil
}

func normalizeComplexity(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "low":
		return models.ComplexityLow
	case "high":
		return models.ComplexityHigh
	}
	return models.ComplexityMedium
}

func stripCodeFence(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "```") {
		raw = strings.TrimPrefix(raw, "```json")
		raw = strings.TrimPrefix(raw, "```")
		if i := strings.LastIndex(raw, "```"); i >= 0 {
			raw = raw[:i]
		}
	}
	return strings.TrimSpace(raw)
}
