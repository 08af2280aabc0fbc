package interview

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	_ "github.com/mattn/go-sqlite3"

	"flowintake/internal/models"
	"flowintake/internal/storage"
	"flowintake/internal/store"
)

// fakeChatModel replays canned responses and records every call.
type fakeChatModel struct {
	mu        sync.Mutex
	responses []*schema.Message
	err       error
	calls     int
	lastInput []*schema.Message
}

func (f *fakeChatModel) Generate(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastInput = input
	if f.err != nil {
		return nil, f.err
	}
	if len(f.responses) == 0 {
		return schema.AssistantMessage("And what happens next?", nil), nil
	}
	resp := f.responses[0]
	if len(f.responses) > 1 {
		f.responses = f.responses[1:]
	}
	return resp, nil
}

func (f *fakeChatModel) Stream(context.Context, []*schema.Message, ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("streaming not supported")
}

func (f *fakeChatModel) WithTools([]*schema.ToolInfo) (model.ToolCallingChatModel, error) {
	return f, nil
}

func (f *fakeChatModel) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestStore(t *testing.T) (*store.Service, *sql.DB) {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		t.Fatalf("enable foreign keys: %v", err)
	}
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store.NewService(db), db
}

func newTestSession(t *testing.T, st *store.Service) *models.Session {
	t.Helper()
	ctx := context.Background()
	fac, err := st.RegisterFacilitator(ctx, "jamie", "secret", "Acme Field Services")
	if err != nil {
		t.Fatalf("register facilitator: %v", err)
	}
	sess, err := st.CreateSession(ctx, fac.ID, "Acme Field Services", "Jamie")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return sess
}

func toolCallMsg(args string) *schema.Message {
	return &schema.Message{
		Role: schema.Assistant,
		ToolCalls: []schema.ToolCall{{
			ID:       "call_1",
			Type:     "function",
			Function: schema.FunctionCall{Name: RecordWorkflowToolName, Arguments: args},
		}},
	}
}

func TestEnsureOpeningIdempotent(t *testing.T) {
	st, _ := newTestStore(t)
	sess := newTestSession(t, st)
	ex, err := NewExchange(st, &fakeChatModel{})
	if err != nil {
		t.Fatalf("new exchange: %v", err)
	}
	ctx := context.Background()

	first, err := ex.EnsureOpening(ctx, sess.ID)
	if err != nil {
		t.Fatalf("first ensure: %v", err)
	}
	if first == nil || first.Content != OpeningMessage {
		t.Fatalf("first ensure did not persist the opening message: %+v", first)
	}

	second, err := ex.EnsureOpening(ctx, sess.ID)
	if err != nil {
		t.Fatalf("second ensure: %v", err)
	}
	if second != nil {
		t.Fatalf("second ensure inserted a duplicate opening: %+v", second)
	}

	msgs, err := st.ListMessages(ctx, sess.ID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("want exactly one message, got %d", len(msgs))
	}
	if msgs[0].Role != models.RoleAssistant {
		t.Fatalf("opening message role = %q, want assistant", msgs[0].Role)
	}
}

func TestSendTurnPlainReplyWritesNoRecord(t *testing.T) {
	st, _ := newTestStore(t)
	sess := newTestSession(t, st)
	fake := &fakeChatModel{responses: []*schema.Message{
		schema.AssistantMessage("Got it. What kicks this workflow off?", nil),
	}}
	ex, err := NewExchange(st, fake)
	if err != nil {
		t.Fatalf("new exchange: %v", err)
	}
	ctx := context.Background()

	res, err := ex.SendTurn(ctx, sess, "We handle service dispatch for repairs", nil)
	if err != nil {
		t.Fatalf("send turn: %v", err)
	}
	if res.Opening == nil {
		t.Fatal("first turn should have persisted the opening message")
	}
	if res.Record != nil {
		t.Fatalf("mid-interview turn wrote a record: %+v", res.Record)
	}
	if res.Reply.Content != "Got it. What kicks this workflow off?" {
		t.Fatalf("unexpected reply: %q", res.Reply.Content)
	}
	if len(res.Warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", res.Warnings)
	}

	records, err := st.ListWorkflowRecords(ctx, sess.ID)
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("want no records, got %d", len(records))
	}

	// opening + user + reply
	msgs, err := st.ListMessages(ctx, sess.ID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("want 3 messages, got %d", len(msgs))
	}
	if res.Stage != StageAwaitingQ2 {
		t.Fatalf("stage = %v, want %v", res.Stage, StageAwaitingQ2)
	}
}

func TestSendTurnValidPayloadSavesOnce(t *testing.T) {
	st, _ := newTestStore(t)
	sess := newTestSession(t, st)
	args := `{"title":"Dispatch to Invoice","start_event":"Customer calls in a repair",` +
		`"end_event":"Invoice is paid","people":["Scheduler","Technician"],` +
		`"systems":["QuickBooks"],"pain_point":"Invoices wait 3 days for approval"}`
	fake := &fakeChatModel{responses: []*schema.Message{toolCallMsg(args)}}
	ex, err := NewExchange(st, fake)
	if err != nil {
		t.Fatalf("new exchange: %v", err)
	}
	ctx := context.Background()

	res, err := ex.SendTurn(ctx, sess, "Yes, that summary is correct", nil)
	if err != nil {
		t.Fatalf("send turn: %v", err)
	}
	if res.Record == nil {
		t.Fatal("confirmed payload did not produce a record")
	}
	if !strings.Contains(res.Reply.Content, `"Dispatch to Invoice"`) {
		t.Fatalf("confirmation does not echo the title: %q", res.Reply.Content)
	}
	if res.Stage != StageSaved {
		t.Fatalf("stage = %v, want %v", res.Stage, StageSaved)
	}

	records, err := st.ListWorkflowRecords(ctx, sess.ID)
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("want exactly one record, got %d", len(records))
	}
	got := records[0]
	if got.Title != "Dispatch to Invoice" {
		t.Errorf("title = %q", got.Title)
	}
	if len(got.People) != 2 || got.People[0] != "Scheduler" || got.People[1] != "Technician" {
		t.Errorf("people = %v", got.People)
	}
	if len(got.Systems) != 1 || got.Systems[0] != "QuickBooks" {
		t.Errorf("systems = %v", got.Systems)
	}
	if got.PainPoint != "Invoices wait 3 days for approval" {
		t.Errorf("pain point = %q", got.PainPoint)
	}
}

func TestSendTurnMissingFieldAsksClarifyingQuestion(t *testing.T) {
	st, _ := newTestStore(t)
	sess := newTestSession(t, st)
	// people key absent entirely, not an empty list
	args := `{"title":"Dispatch to Invoice","start_event":"Customer calls",` +
		`"end_event":"Invoice is paid","systems":["QuickBooks"],` +
		`"pain_point":"Invoices wait 3 days for approval"}`
	fake := &fakeChatModel{responses: []*schema.Message{toolCallMsg(args)}}
	ex, err := NewExchange(st, fake)
	if err != nil {
		t.Fatalf("new exchange: %v", err)
	}
	ctx := context.Background()

	res, err := ex.SendTurn(ctx, sess, "Yes, save it", nil)
	if err != nil {
		t.Fatalf("send turn: %v", err)
	}
	if res.Record != nil {
		t.Fatalf("invalid payload still produced a record: %+v", res.Record)
	}
	if !strings.Contains(res.Reply.Content, "who is involved") {
		t.Fatalf("clarifying question does not name the missing field: %q", res.Reply.Content)
	}

	records, err := st.ListWorkflowRecords(ctx, sess.ID)
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("want no records, got %d", len(records))
	}
}

func TestSendTurnEmptyPeopleListIsValid(t *testing.T) {
	st, _ := newTestStore(t)
	sess := newTestSession(t, st)
	args := `{"title":"Solo Filing","start_event":"Quarter ends","end_event":"Return filed",` +
		`"people":[],"systems":[],"pain_point":"Everything is manual"}`
	fake := &fakeChatModel{responses: []*schema.Message{toolCallMsg(args)}}
	ex, err := NewExchange(st, fake)
	if err != nil {
		t.Fatalf("new exchange: %v", err)
	}

	res, err := ex.SendTurn(context.Background(), sess, "Confirmed", nil)
	if err != nil {
		t.Fatalf("send turn: %v", err)
	}
	if res.Record == nil {
		t.Fatal("empty lists should be accepted, got a rejection")
	}
	if res.Record.People == nil || len(res.Record.People) != 0 {
		t.Fatalf("people = %#v, want empty non-nil slice", res.Record.People)
	}
}

func TestSendTurnModelFailureApologizes(t *testing.T) {
	st, _ := newTestStore(t)
	sess := newTestSession(t, st)
	fake := &fakeChatModel{err: errors.New("upstream 500")}
	ex, err := NewExchange(st, fake)
	if err != nil {
		t.Fatalf("new exchange: %v", err)
	}
	ctx := context.Background()

	res, err := ex.SendTurn(ctx, sess, "We do dispatch", nil)
	if err != nil {
		t.Fatalf("send turn should not fail on a model error: %v", err)
	}
	if res.Reply.Content != ApologyMessage {
		t.Fatalf("reply = %q, want apology", res.Reply.Content)
	}
	if len(res.Warnings) == 0 {
		t.Fatal("model failure should surface a warning")
	}

	// The apology is persisted so state resumes exactly here.
	msgs, err := st.ListMessages(ctx, sess.ID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	last := msgs[len(msgs)-1]
	if last.Content != ApologyMessage {
		t.Fatalf("last stored message = %q, want apology", last.Content)
	}
}

func TestSendTurnDoneTokenSkipsModel(t *testing.T) {
	st, _ := newTestStore(t)
	sess := newTestSession(t, st)
	fake := &fakeChatModel{}
	ex, err := NewExchange(st, fake)
	if err != nil {
		t.Fatalf("new exchange: %v", err)
	}
	ctx := context.Background()

	res, err := ex.SendTurn(ctx, sess, "  DONE  ", nil)
	if err != nil {
		t.Fatalf("send turn: %v", err)
	}
	if fake.callCount() != 0 {
		t.Fatalf("DONE turn called the model %d times", fake.callCount())
	}
	if res.Reply.Content != ClosingMessage {
		t.Fatalf("reply = %q, want closing message", res.Reply.Content)
	}
	if !res.Terminated || res.Stage != StageTerminated {
		t.Fatalf("terminated=%v stage=%v", res.Terminated, res.Stage)
	}

	got, err := st.GetSession(ctx, sess.FacilitatorID, sess.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if !got.Finished {
		t.Fatal("session not marked finished")
	}
}

func TestSendTurnStoreOutageStillProceeds(t *testing.T) {
	st, db := newTestStore(t)
	sess := newTestSession(t, st)
	db.Close()

	fake := &fakeChatModel{responses: []*schema.Message{
		schema.AssistantMessage("What kicks it off?", nil),
	}}
	ex, err := NewExchange(st, fake)
	if err != nil {
		t.Fatalf("new exchange: %v", err)
	}

	res, err := ex.SendTurn(context.Background(), sess, "We handle dispatch", nil)
	if err != nil {
		t.Fatalf("send turn must not fail on a store outage: %v", err)
	}
	if len(res.Warnings) == 0 {
		t.Fatal("store outage should surface warnings")
	}
	if res.UserMsg == nil || res.UserMsg.Content != "We handle dispatch" {
		t.Fatalf("user message missing from result: %+v", res.UserMsg)
	}
	if res.Reply == nil || res.Reply.Content != "What kicks it off?" {
		t.Fatalf("reply missing from result: %+v", res.Reply)
	}
	if fake.callCount() != 1 {
		t.Fatalf("model calls = %d, want 1", fake.callCount())
	}
}

func TestDeriveStage(t *testing.T) {
	mk := func(roles ...models.Role) []*models.Message {
		out := make([]*models.Message, len(roles))
		for i, r := range roles {
			out[i] = &models.Message{Role: r, Content: "x"}
		}
		return out
	}

	if got := DeriveStage(nil, false, false); got != StageAwaitingQ1 {
		t.Errorf("empty transcript stage = %v", got)
	}
	one := mk(models.RoleAssistant, models.RoleUser, models.RoleAssistant)
	if got := DeriveStage(one, false, false); got != StageAwaitingQ2 {
		t.Errorf("one-answer stage = %v", got)
	}
	var full []*models.Message
	full = append(full, &models.Message{Role: models.RoleAssistant})
	for i := 0; i < 10; i++ {
		full = append(full,
			&models.Message{Role: models.RoleUser, Content: "a"},
			&models.Message{Role: models.RoleAssistant, Content: "q"})
	}
	if got := DeriveStage(full, false, false); got != StageAwaitingConfirmation {
		t.Errorf("ten-answer stage = %v", got)
	}
	if got := DeriveStage(full, true, false); got != StageSaved {
		t.Errorf("saved stage = %v", got)
	}
	if got := DeriveStage(full, true, true); got != StageTerminated {
		t.Errorf("terminated stage = %v", got)
	}
}
