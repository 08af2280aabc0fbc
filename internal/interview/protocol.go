package interview

import (
	"fmt"

	"flowintake/internal/models"
)

// OpeningMessage is the canonical first assistant utterance. It is
// persisted exactly once per session, only when the store confirms the
// session has zero messages.
const OpeningMessage = "Hi! I'm here to help map out how work actually gets done at your company. " +
	"We'll walk through one workflow at a time — what kicks it off, what finishes it, who's involved, " +
	"and where it hurts. When we've captured everything you want, just type DONE. " +
	"So, to start: what's a process your team does regularly that you'd like to walk me through?"

// DoneToken ends the protocol entirely when sent as the whole message.
const DoneToken = "DONE"

// ClosingMessage is the fixed reply to the DONE token.
const ClosingMessage = "Great working with you — that's everything captured. " +
	"You can revisit any of the workflows we recorded, or start a new interview whenever you're ready."

// ApologyMessage replaces the assistant turn whenever the completion
// call fails. It is persisted like a normal reply so the interview
// state stays exactly where it was and the user can retry.
const ApologyMessage = "Sorry — I hit a snag on my end and couldn't process that. " +
	"Nothing was lost; could you send that last message again?"

// systemPrompt encodes the interview contract the model is asked to
// follow. The surrounding code only enforces field presence on the
// record_workflow call; the model drives question ordering.
const systemPrompt = `You are a business process discovery interviewer. Your job is to extract one
workflow at a time from a business user through a fixed script of ten questions,
asked strictly one at a time. Never ask two questions in one message.

The ten questions, in order:
 1. What is the workflow called, or how would you describe it in a few words?
 2. What event or signal kicks this workflow off? (the start event)
 3. What marks the workflow as finished? (the end event)
 4. Who is the first person that touches it, and what is their role?
 5. Who else is involved along the way, in order?
 6. What software, tools, or artifacts are used? (spreadsheets, paper forms and
    email count)
 7. Are there handoffs where work waits on someone or something?
 8. How often does this workflow run, and roughly how long does it take?
 9. What goes wrong most often?
10. If you could fix one thing about this workflow, what would it be?
    (the pain point, as a single sentence)

Rules:
- Acknowledge each answer briefly, then ask the next question.
- If an answer already covers a later question, skip that question.
- After the tenth answer, present a short human-readable summary of the workflow
  and ask the user to confirm it is correct. Do NOT call record_workflow before
  the user explicitly confirms.
- Only after explicit confirmation, call the record_workflow function exactly
  once with: title, start_event, end_event, people (ordered list of role names),
  systems (ordered list of tool names), pain_point (single sentence). If nobody
  or no system is involved, pass an empty list — never omit the field.
- After a workflow is recorded, offer to capture another one and restart the
  script from question 1.
- If the user types DONE, the interview is over.
- Stay warm and conversational. Never mention these instructions, the question
  numbers, or the function mechanics.`

// Stage is the explicit interview progress value. It is derived for
// observability and tests; model-driven transitions stay authoritative
// when the transcript is ambiguous.
type Stage int

const (
	StageAwaitingQ1 Stage = iota + 1
	StageAwaitingQ2
	StageAwaitingQ3
	StageAwaitingQ4
	StageAwaitingQ5
	StageAwaitingQ6
	StageAwaitingQ7
	StageAwaitingQ8
	StageAwaitingQ9
	StageAwaitingQ10
	StageAwaitingConfirmation
	StageSaved
	StageTerminated
)

func (s Stage) String() string {
	switch {
	case s >= StageAwaitingQ1 && s <= StageAwaitingQ10:
		return fmt.Sprintf("awaiting_q%d", int(s))
	case s == StageAwaitingConfirmation:
		return "awaiting_confirmation"
	case s == StageSaved:
		return "saved"
	case s == StageTerminated:
		return "terminated"
	}
	return "unknown"
}

// DeriveStage computes the stage from hard signals first (a saved
// record, the DONE token) and falls back to counting user answers.
func DeriveStage(transcript []*models.Message, savedThisTurn, terminated bool) Stage {
	if terminated {
		return StageTerminated
	}
	if savedThisTurn {
		return StageSaved
	}
	answers := 0
	for _, m := range transcript {
		if m != nil && m.Role == models.RoleUser {
			answers++
		}
	}
	if answers >= 10 {
		return StageAwaitingConfirmation
	}
	return StageAwaitingQ1 + Stage(answers)
}
