package interview

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"flowintake/internal/models"
	"flowintake/internal/store"
)

// Exchange runs one interview turn end to end: opening guard, user
// persistence, model call, extraction validation, reply persistence.
// Persistence failures never abort a turn; they surface as warnings and
// the in-memory transcript stays authoritative for the current turn.
type Exchange struct {
	store *store.Service
	model model.ToolCallingChatModel
}

// TurnResult is everything a single SendTurn produced. Record is
// non-nil only when a workflow was persisted this turn.
type TurnResult struct {
	Opening    *models.Message
	UserMsg    *models.Message
	Reply      *models.Message
	Record     *models.WorkflowRecord
	Stage      Stage
	Terminated bool
	Warnings   []string
}

// NewExchange binds the record_workflow tool to the chat model once,
// up front, so every Generate sees the same contract.
func NewExchange(st *store.Service, cm model.ToolCallingChatModel) (*Exchange, error) {
	bound, err := cm.WithTools([]*schema.ToolInfo{RecordWorkflowTool()})
	if err != nil {
		return nil, fmt.Errorf("bind record_workflow tool: %w", err)
	}
	return &Exchange{store: st, model: bound}, nil
}

// EnsureOpening persists the canonical opening message if and only if
// the store confirms the session has zero messages. Safe to call on
// every session resume.
func (e *Exchange) EnsureOpening(ctx context.Context, sessionID int64) (*models.Message, error) {
	count, err := e.store.CountMessages(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("count messages: %w", err)
	}
	if count > 0 {
		return nil, nil
	}
	msg, err := e.store.AddMessage(ctx, sessionID, models.RoleAssistant, OpeningMessage)
	if err != nil {
		return nil, fmt.Errorf("persist opening message: %w", err)
	}
	return msg, nil
}

// SendTurn processes one user message against the prior transcript.
// The returned error is reserved for misuse (nil session, blank text);
// model failures become an apology reply and persistence failures
// become warnings, so callers always have something to show the user.
func (e *Exchange) SendTurn(ctx context.Context, session *models.Session, userText string, prior []*models.Message) (*TurnResult, error) {
	if session == nil || session.ID <= 0 {
		return nil, fmt.Errorf("send turn: no session")
	}
	userText = strings.TrimSpace(userText)
	if userText == "" {
		return nil, fmt.Errorf("send turn: empty message")
	}

	res := &TurnResult{}
	transcript := make([]*models.Message, 0, len(prior)+3)
	transcript = append(transcript, prior...)

	if len(transcript) == 0 {
		opening, err := e.EnsureOpening(ctx, session.ID)
		if err != nil {
			res.warn("opening message not persisted: %v", err)
			opening = unsavedMessage(session.ID, models.RoleAssistant, OpeningMessage)
		}
		if opening != nil {
			res.Opening = opening
			transcript = append(transcript, opening)
		}
	}

	if userText == DoneToken {
		return e.finishTurn(ctx, session, transcript, res)
	}

	userMsg, err := e.store.AddMessage(ctx, session.ID, models.RoleUser, userText)
	if err != nil {
		res.warn("user message not persisted: %v", err)
		userMsg = unsavedMessage(session.ID, models.RoleUser, userText)
	}
	res.UserMsg = userMsg
	transcript = append(transcript, userMsg)

	replyText, record := e.complete(ctx, session, transcript, res)
	res.Record = record

	reply, err := e.store.AddMessage(ctx, session.ID, models.RoleAssistant, replyText)
	if err != nil {
		res.warn("assistant reply not persisted: %v", err)
		reply = unsavedMessage(session.ID, models.RoleAssistant, replyText)
	}
	res.Reply = reply
	transcript = append(transcript, reply)

	res.Stage = DeriveStage(transcript, record != nil, false)
	return res, nil
}

// complete calls the model and resolves its response: a tool call is
// validated and either saved or turned into a clarifying question, a
// plain reply passes through, a failure becomes the fixed apology.
func (e *Exchange) complete(ctx context.Context, session *models.Session, transcript []*models.Message, res *TurnResult) (string, *models.WorkflowRecord) {
	resp, err := e.model.Generate(ctx, toSchemaMessages(transcript))
	if err != nil {
		log.Printf("interview: session %d completion failed: %v", session.ID, err)
		res.warn("assistant call failed: %v", err)
		return ApologyMessage, nil
	}

	if len(resp.ToolCalls) > 0 {
		call := resp.ToolCalls[0]
		if call.Function.Name != RecordWorkflowToolName {
			log.Printf("interview: session %d unexpected tool call %q", session.ID, call.Function.Name)
			return clarifyingReply(nil), nil
		}
		payload, missing, perr := models.ParseWorkflowPayload(call.Function.Arguments)
		if perr != nil {
			log.Printf("interview: session %d malformed record_workflow arguments: %v", session.ID, perr)
			return clarifyingReply(nil), nil
		}
		if len(missing) > 0 {
			return clarifyingReply(missing), nil
		}

		record, serr := e.store.AddWorkflowRecord(ctx, session.ID, *payload)
		if serr != nil {
			res.warn("workflow record not persisted: %v", serr)
		}
		total, cerr := e.store.CountWorkflowRecords(ctx, session.ID)
		if cerr != nil || total == 0 {
			total = 1
		}
		return confirmationReply(payload.Title, total), record
	}

	if text := strings.TrimSpace(resp.Content); text != "" {
		return text, nil
	}
	log.Printf("interview: session %d empty completion", session.ID)
	return clarifyingReply(nil), nil
}

// finishTurn handles the DONE token: no model call, fixed closing
// reply, session flagged finished. The flag is advisory; later turns
// are still accepted.
func (e *Exchange) finishTurn(ctx context.Context, session *models.Session, transcript []*models.Message, res *TurnResult) (*TurnResult, error) {
	userMsg, err := e.store.AddMessage(ctx, session.ID, models.RoleUser, DoneToken)
	if err != nil {
		res.warn("user message not persisted: %v", err)
		userMsg = unsavedMessage(session.ID, models.RoleUser, DoneToken)
	}
	res.UserMsg = userMsg

	reply, err := e.store.AddMessage(ctx, session.ID, models.RoleAssistant, ClosingMessage)
	if err != nil {
		res.warn("assistant reply not persisted: %v", err)
		reply = unsavedMessage(session.ID, models.RoleAssistant, ClosingMessage)
	}
	res.Reply = reply

	if err := e.store.MarkSessionFinished(ctx, session.FacilitatorID, session.ID); err != nil {
		res.warn("session not marked finished: %v", err)
	}

	res.Terminated = true
	res.Stage = StageTerminated
	return res, nil
}

func (r *TurnResult) warn(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// toSchemaMessages prefixes the interview contract and converts the
// stored transcript into the model's message shape.
func toSchemaMessages(transcript []*models.Message) []*schema.Message {
	out := make([]*schema.Message, 0, len(transcript)+1)
	out = append(out, schema.SystemMessage(systemPrompt))
	for _, m := range transcript {
		if m == nil {
			continue
		}
		switch m.Role {
		case models.RoleAssistant:
			out = append(out, schema.AssistantMessage(m.Content, nil))
		default:
			out = append(out, schema.UserMessage(m.Content))
		}
	}
	return out
}

// unsavedMessage stands in for a row the store refused to write so the
// turn can proceed on the in-memory transcript.
func unsavedMessage(sessionID int64, role models.Role, content string) *models.Message {
	return &models.Message{
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
}
