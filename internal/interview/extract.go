package interview

import (
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"
)

// RecordWorkflowToolName is the single function bound to the chat model.
const RecordWorkflowToolName = "record_workflow"

// ManyWorkflowsThreshold is the record count at which the confirmation
// reply starts encouraging the user to wrap up.
const ManyWorkflowsThreshold = 3

// RecordWorkflowTool describes the extraction contract exposed to the
// model. All six fields are declared required; presence is re-checked
// server-side because models do drop fields.
func RecordWorkflowTool() *schema.ToolInfo {
	return &schema.ToolInfo{
		Name: RecordWorkflowToolName,
		Desc: "Persist one fully confirmed workflow. Call exactly once per workflow, " +
			"and only after the user has confirmed the summary.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"title": {
				Type:     schema.String,
				Desc:     "Short name of the workflow",
				Required: true,
			},
			"start_event": {
				Type:     schema.String,
				Desc:     "Event or signal that kicks the workflow off",
				Required: true,
			},
			"end_event": {
				Type:     schema.String,
				Desc:     "Event that marks the workflow as finished",
				Required: true,
			},
			"people": {
				Type:     schema.Array,
				Desc:     "Ordered role names of everyone involved; empty list if none",
				Required: true,
				ElemInfo: &schema.ParameterInfo{Type: schema.String},
			},
			"systems": {
				Type:     schema.Array,
				Desc:     "Ordered names of software, tools or artifacts used; empty list if none",
				Required: true,
				ElemInfo: &schema.ParameterInfo{Type: schema.String},
			},
			"pain_point": {
				Type:     schema.String,
				Desc:     "The single biggest pain point, as one sentence",
				Required: true,
			},
		}),
	}
}

// clarifyingReply turns a rejected record_workflow call into a natural
// question instead of surfacing the validation failure.
func clarifyingReply(missing []string) string {
	if len(missing) == 0 {
		return "I think I missed part of that — could you walk me through the workflow details once more?"
	}
	labels := make([]string, 0, len(missing))
	for _, f := range missing {
		labels = append(labels, fieldLabel(f))
	}
	if len(labels) == 1 {
		return fmt.Sprintf("Almost there — I still need %s before I can save this workflow. Could you fill that in?", labels[0])
	}
	last := labels[len(labels)-1]
	rest := strings.Join(labels[:len(labels)-1], ", ")
	return fmt.Sprintf("Almost there — I still need %s and %s before I can save this workflow. Could you fill those in?", rest, last)
}

func fieldLabel(field string) string {
	switch field {
	case "title":
		return "a name for the workflow"
	case "start_event":
		return "what kicks it off"
	case "end_event":
		return "what marks it finished"
	case "people":
		return "who is involved"
	case "systems":
		return "which tools are used"
	case "pain_point":
		return "the main pain point"
	}
	return field
}

// confirmationReply acknowledges a saved record by title and nudges
// toward wrap-up once the session has accumulated several workflows.
func confirmationReply(title string, total int) string {
	base := fmt.Sprintf("Saved! I've recorded %q.", title)
	if total >= ManyWorkflowsThreshold {
		return base + fmt.Sprintf(" That's %d workflows captured — a really solid picture already. "+
			"Happy to map another, or type DONE if that covers it.", total)
	}
	return base + " Want to walk me through another workflow? Or type DONE if that's everything."
}
