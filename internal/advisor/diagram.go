package advisor

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"

	"flowintake/internal/models"
)

// diagramTimeout is a soft deadline: past it the model attempt is
// abandoned and the diagram is built locally from the record instead.
const diagramTimeout = 15 * time.Second

const diagramPrompt = `Render the following business workflow as a Mermaid flowchart.
Respond with ONLY the Mermaid source, starting with "flowchart TD". Show the start
event, the handoffs between the people involved, the systems they touch, and the
end event. Mark the pain point on the edge or node where it occurs.`

// Diagram returns Mermaid source for the record's flow. The model
// draws it when it answers inside the deadline; otherwise a plain
// start -> people -> end chart is generated from the stored fields, so
// the endpoint never fails just because the model is slow.
func (s *Service) Diagram(ctx context.Context, record *models.WorkflowRecord) (string, error) {
	if record == nil || record.ID <= 0 {
		return "", fmt.Errorf("diagram: no workflow record")
	}

	mctx, cancel := context.WithTimeout(ctx, diagramTimeout)
	defer cancel()

	resp, err := s.model.Generate(mctx, []*schema.Message{
		schema.SystemMessage(diagramPrompt),
		schema.UserMessage(describeRecord(record)),
	})
	if err == nil {
		if src := extractMermaid(resp.Content); src != "" {
			return src, nil
		}
		log.Printf("advisor: workflow %d diagram response had no mermaid source", record.ID)
	} else {
		log.Printf("advisor: workflow %d diagram completion failed: %v", record.ID, err)
	}

	return fallbackDiagram(record), nil
}

func extractMermaid(raw string) string {
	src := stripCodeFence(raw)
	src = strings.TrimPrefix(src, "mermaid\n")
	if !strings.HasPrefix(src, "flowchart") && !strings.HasPrefix(src, "graph") {
		return ""
	}
	return src
}

// fallbackDiagram draws the simplest honest picture of the record:
// start event, each person in order, end event, pain point as a note.
func fallbackDiagram(record *models.WorkflowRecord) string {
	var b strings.Builder
	b.WriteString("flowchart TD\n")
	fmt.Fprintf(&b, "    start([%s])\n", mermaidEscape(record.StartEvent))
	fmt.Fprintf(&b, "    finish([%s])\n", mermaidEscape(record.EndEvent))

	prev := "start"
	for i, person := range record.People {
		node := fmt.Sprintf("p%d", i+1)
		fmt.Fprintf(&b, "    %s[%s]\n", node, mermaidEscape(person))
		fmt.Fprintf(&b, "    %s --> %s\n", prev, node)
		prev = node
	}
	fmt.Fprintf(&b, "    %s --> finish\n", prev)

	if len(record.Systems) > 0 {
		fmt.Fprintf(&b, "    systems[(%s)]\n", mermaidEscape(strings.Join(record.Systems, ", ")))
		b.WriteString("    systems -.- finish\n")
	}
	if record.PainPoint != "" {
		fmt.Fprintf(&b, "    pain{{%s}}\n", mermaidEscape(record.PainPoint))
		fmt.Fprintf(&b, "    pain -.- %s\n", prev)
	}
	return strings.TrimRight(b.String(), "\n")
}

func mermaidEscape(s string) string {
	s = strings.ReplaceAll(s, `"`, "'")
	s = strings.ReplaceAll(s, "[", "(")
	s = strings.ReplaceAll(s, "]", ")")
	s = strings.ReplaceAll(s, "{", "(")
	s = strings.ReplaceAll(s, "}", ")")
	if s == "" {
		return "unspecified"
	}
	return s
}
