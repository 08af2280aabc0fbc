package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/mattn/go-sqlite3"

	"flowintake/internal/auth"
	"flowintake/internal/interview"
	"flowintake/internal/models"
	"flowintake/internal/storage"
	"flowintake/internal/store"
	"flowintake/internal/worker"
)

func TestHandlersEndToEndFlow(t *testing.T) {
	router, db, handler := newTestServer(t)
	defer db.Close()

	username := fmt.Sprintf("facilitator_%d", time.Now().UnixNano())
	password := "pass123"

	regResp := doJSONRequest(t, router, http.MethodPost, "/api/facilitators/register", map[string]string{
		"username": username,
		"password": password,
		"company":  "Acme Field Services",
	}, nil)
	assertStatus(t, regResp, http.StatusCreated)
	var regBody struct {
		ID int64 `json:"id"`
	}
	decodeJSON(t, regResp.Body.Bytes(), &regBody)
	if regBody.ID == 0 {
		t.Fatalf("expected facilitator id in register response")
	}

	loginResp := doJSONRequest(t, router, http.MethodPost, "/api/facilitators/login", map[string]string{
		"username": username,
		"password": password,
	}, nil)
	assertStatus(t, loginResp, http.StatusOK)
	var loginBody struct {
		AuthToken string `json:"auth_token"`
	}
	decodeJSON(t, loginResp.Body.Bytes(), &loginBody)
	if loginBody.AuthToken == "" {
		t.Fatalf("expected auth token from login")
	}
	authHeader := map[string]string{"Authorization": fmt.Sprintf("Bearer %s", loginBody.AuthToken)}

	// Create an interview session; company defaults from the account.
	createResp := doJSONRequest(t, router, http.MethodPost,
		fmt.Sprintf("/api/facilitators/%d/sessions", regBody.ID), nil, authHeader)
	assertStatus(t, createResp, http.StatusCreated)
	var createBody struct {
		Session models.Session `json:"session"`
	}
	decodeJSON(t, createResp.Body.Bytes(), &createBody)
	sessionID := createBody.Session.ID
	if sessionID <= 0 {
		t.Fatalf("expected positive session id")
	}
	if createBody.Session.Company != "Acme Field Services" {
		t.Fatalf("company not defaulted from account: %q", createBody.Session.Company)
	}

	// Resuming the empty session seeds the opening message.
	resumeResp := doJSONRequest(t, router, http.MethodGet,
		fmt.Sprintf("/api/facilitators/%d/sessions/%d", regBody.ID, sessionID), nil, authHeader)
	assertStatus(t, resumeResp, http.StatusOK)
	var resumeBody struct {
		Messages []models.Message `json:"messages"`
	}
	decodeJSON(t, resumeResp.Body.Bytes(), &resumeBody)
	if len(resumeBody.Messages) != 1 || resumeBody.Messages[0].Content != interview.OpeningMessage {
		t.Fatalf("empty session resume missing opening message: %#v", resumeBody.Messages)
	}

	// One interview turn over SSE.
	turnResp := postSSE(t, router,
		fmt.Sprintf("/api/facilitators/%d/sessions/%d/turns", regBody.ID, sessionID),
		map[string]any{"content": "We handle service dispatch"},
		authHeader)
	assertStatus(t, turnResp, http.StatusOK)
	events := parseSSE(t, turnResp.Body.String())
	if len(events) != 3 {
		t.Fatalf("expected 3 SSE events, got %d: %#v", len(events), events)
	}
	if events[0].Name != "ack" || events[1].Name != "reply" || events[2].Name != "done" {
		t.Fatalf("unexpected SSE sequence: %#v", events)
	}
	var replyPayload struct {
		Reply struct {
			Content string `json:"content"`
		} `json:"reply"`
		Stage string `json:"stage"`
	}
	decodeJSON(t, []byte(events[1].Data), &replyPayload)
	if replyPayload.Reply.Content == "" {
		t.Fatalf("reply event missing assistant content: %s", events[1].Data)
	}
	if replyPayload.Stage == "" {
		t.Fatalf("reply event missing stage: %s", events[1].Data)
	}

	// opening + user + reply
	if got := countMessages(t, db, sessionID); got != 3 {
		t.Fatalf("expected 3 stored messages, got %d", got)
	}

	listResp := doJSONRequest(t, router, http.MethodGet,
		fmt.Sprintf("/api/facilitators/%d/sessions", regBody.ID), nil, authHeader)
	assertStatus(t, listResp, http.StatusOK)
	var listBody struct {
		Sessions []models.Session `json:"sessions"`
	}
	decodeJSON(t, listResp.Body.Bytes(), &listBody)
	if len(listBody.Sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(listBody.Sessions))
	}

	delResp := doJSONRequest(t, router, http.MethodDelete,
		fmt.Sprintf("/api/facilitators/%d/sessions/%d", regBody.ID, sessionID), nil, authHeader)
	assertStatus(t, delResp, http.StatusNoContent)
	if got := countMessages(t, db, sessionID); got != 0 {
		t.Fatalf("session delete left %d messages behind", got)
	}

	logoutResp := doJSONRequest(t, router, http.MethodPost,
		fmt.Sprintf("/api/facilitators/%d/logout", regBody.ID), nil, authHeader)
	assertStatus(t, logoutResp, http.StatusNoContent)

	// Token revoked: the old header no longer works.
	unauthed := doJSONRequest(t, router, http.MethodGet,
		fmt.Sprintf("/api/facilitators/%d/sessions", regBody.ID), nil, authHeader)
	assertStatus(t, unauthed, http.StatusUnauthorized)
	_ = handler
}

func TestSendTurnValidation(t *testing.T) {
	router, db, _ := newTestServer(t)
	defer db.Close()

	facilitatorID, authHeader := registerAndLogin(t, router)
	sessionID := createSession(t, router, facilitatorID, authHeader)

	// Empty content.
	resp := doJSONRequest(t, router, http.MethodPost,
		fmt.Sprintf("/api/facilitators/%d/sessions/%d/turns", facilitatorID, sessionID),
		map[string]any{"content": "   "}, authHeader)
	assertStatus(t, resp, http.StatusBadRequest)

	// Bad session id in the path.
	resp = doJSONRequest(t, router, http.MethodPost,
		fmt.Sprintf("/api/facilitators/%d/sessions/abc/turns", facilitatorID),
		map[string]any{"content": "hello"}, authHeader)
	assertStatus(t, resp, http.StatusBadRequest)
}

func TestCompleteSession(t *testing.T) {
	router, db, _ := newTestServer(t)
	defer db.Close()

	facilitatorID, authHeader := registerAndLogin(t, router)
	sessionID := createSession(t, router, facilitatorID, authHeader)

	resp := doJSONRequest(t, router, http.MethodPost,
		fmt.Sprintf("/api/facilitators/%d/sessions/%d/complete", facilitatorID, sessionID),
		nil, authHeader)
	assertStatus(t, resp, http.StatusNoContent)

	var finished bool
	if err := db.QueryRow(`SELECT finished FROM sessions WHERE id = ?`, sessionID).Scan(&finished); err != nil {
		t.Fatalf("query session: %v", err)
	}
	if !finished {
		t.Fatalf("session not marked finished")
	}

	// Unknown session.
	resp = doJSONRequest(t, router, http.MethodPost,
		fmt.Sprintf("/api/facilitators/%d/sessions/99999/complete", facilitatorID),
		nil, authHeader)
	assertStatus(t, resp, http.StatusNotFound)
}

func TestSendTurnSSEError(t *testing.T) {
	router, db, handler := newTestServer(t)
	defer db.Close()

	facilitatorID, authHeader := registerAndLogin(t, router)
	sessionID := createSession(t, router, facilitatorID, authHeader)

	mw, ok := handler.workers.(*mockWorker)
	if !ok {
		t.Fatalf("expected mockWorker")
	}
	mw.turnErr = fmt.Errorf("mock failure")

	resp := postSSE(t, router,
		fmt.Sprintf("/api/facilitators/%d/sessions/%d/turns", facilitatorID, sessionID),
		map[string]any{"content": "hello"}, authHeader)
	assertStatus(t, resp, http.StatusOK)
	events := parseSSE(t, resp.Body.String())
	if len(events) != 2 || events[0].Name != "ack" || events[1].Name != "error" {
		t.Fatalf("unexpected SSE sequence: %#v", events)
	}
	if !strings.Contains(events[1].Data, "mock failure") {
		t.Fatalf("missing error payload: %s", events[1].Data)
	}
}

func TestWorkflowEndpoints(t *testing.T) {
	router, db, handler := newTestServer(t)
	defer db.Close()

	facilitatorID, authHeader := registerAndLogin(t, router)
	sessionID := createSession(t, router, facilitatorID, authHeader)

	record, err := handler.store.AddWorkflowRecord(context.Background(), sessionID, models.WorkflowPayload{
		Title:      "Dispatch to Invoice",
		StartEvent: "Customer calls in a repair",
		EndEvent:   "Invoice is paid",
		People:     []string{"Scheduler", "Technician"},
		Systems:    []string{"QuickBooks"},
		PainPoint:  "Invoices wait 3 days for approval",
	})
	if err != nil {
		t.Fatalf("add workflow record: %v", err)
	}

	getResp := doJSONRequest(t, router, http.MethodGet,
		fmt.Sprintf("/api/facilitators/%d/workflows/%d", facilitatorID, record.ID), nil, authHeader)
	assertStatus(t, getResp, http.StatusOK)
	var getBody struct {
		Workflow models.WorkflowRecord `json:"workflow"`
	}
	decodeJSON(t, getResp.Body.Bytes(), &getBody)
	if getBody.Workflow.Title != "Dispatch to Invoice" {
		t.Fatalf("workflow title = %q", getBody.Workflow.Title)
	}

	listResp := doJSONRequest(t, router, http.MethodGet,
		fmt.Sprintf("/api/facilitators/%d/sessions/%d/workflows", facilitatorID, sessionID), nil, authHeader)
	assertStatus(t, listResp, http.StatusOK)

	diagResp := doJSONRequest(t, router, http.MethodGet,
		fmt.Sprintf("/api/facilitators/%d/workflows/%d/diagram", facilitatorID, record.ID), nil, authHeader)
	assertStatus(t, diagResp, http.StatusOK)
	var diagBody struct {
		Mermaid string `json:"mermaid"`
	}
	decodeJSON(t, diagResp.Body.Bytes(), &diagBody)
	if !strings.HasPrefix(diagBody.Mermaid, "flowchart") {
		t.Fatalf("diagram = %q", diagBody.Mermaid)
	}

	suggestResp := doJSONRequest(t, router, http.MethodPost,
		fmt.Sprintf("/api/facilitators/%d/workflows/%d/suggestions", facilitatorID, record.ID), nil, authHeader)
	assertStatus(t, suggestResp, http.StatusCreated)

	listSuggResp := doJSONRequest(t, router, http.MethodGet,
		fmt.Sprintf("/api/facilitators/%d/workflows/%d/suggestions", facilitatorID, record.ID), nil, authHeader)
	assertStatus(t, listSuggResp, http.StatusOK)
	var suggBody struct {
		Suggestions []models.Suggestion `json:"suggestions"`
	}
	decodeJSON(t, listSuggResp.Body.Bytes(), &suggBody)
	if len(suggBody.Suggestions) != 1 {
		t.Fatalf("stored suggestions = %d, want 1", len(suggBody.Suggestions))
	}

	// Unknown workflow id.
	missingResp := doJSONRequest(t, router, http.MethodGet,
		fmt.Sprintf("/api/facilitators/%d/workflows/99999", facilitatorID), nil, authHeader)
	assertStatus(t, missingResp, http.StatusNotFound)
}

func TestRoutesRequireAuth(t *testing.T) {
	router, db, _ := newTestServer(t)
	defer db.Close()

	resp := doJSONRequest(t, router, http.MethodGet, "/api/facilitators/1/sessions", nil, nil)
	assertStatus(t, resp, http.StatusUnauthorized)
}

func TestPathFacilitatorMismatch(t *testing.T) {
	router, db, _ := newTestServer(t)
	defer db.Close()

	facilitatorID, authHeader := registerAndLogin(t, router)
	resp := doJSONRequest(t, router, http.MethodGet,
		fmt.Sprintf("/api/facilitators/%d/sessions", facilitatorID+1), nil, authHeader)
	assertStatus(t, resp, http.StatusForbidden)
}

type sseEvent struct {
	Name string
	Data string
}

func parseSSE(t *testing.T, payload string) []sseEvent {
	t.Helper()
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return nil
	}
	chunks := strings.Split(payload, "\n\n")
	var events []sseEvent
	for _, chunk := range chunks {
		lines := strings.Split(strings.TrimSpace(chunk), "\n")
		if len(lines) == 0 {
			continue
		}
		var evt sseEvent
		for _, line := range lines {
			switch {
			case strings.HasPrefix(line, "event:"):
				evt.Name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
				if evt.Data == "" {
					evt.Data = data
				} else {
					evt.Data += "\n" + data
				}
			}
		}
		events = append(events, evt)
	}
	return events
}

func newTestServer(t *testing.T) (*gin.Engine, *sql.DB, *Handler) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		t.Fatalf("enable foreign keys: %v", err)
	}
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	st := store.NewService(db)
	authSvc := auth.NewService(db, time.Hour)
	handler := NewHandler(st, authSvc, newMockWorker(st), &mockAdvisor{store: st}, 0)

	router := gin.New()
	handler.RegisterRoutes(router)
	return router, db, handler
}

func doJSONRequest(t *testing.T, router *gin.Engine, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func postSSE(t *testing.T, router *gin.Engine, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	return doJSONRequest(t, router, http.MethodPost, path, body, headers)
}

func decodeJSON(t *testing.T, data []byte, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode json: %v", err)
	}
}

func assertStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("unexpected status %d, body: %s", rec.Code, rec.Body.String())
	}
}

func countMessages(t *testing.T, db *sql.DB, sessionID int64) int {
	t.Helper()
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM messages WHERE session_id = ?`, sessionID).Scan(&count); err != nil {
		t.Fatalf("count messages: %v", err)
	}
	return count
}

func registerAndLogin(t *testing.T, router *gin.Engine) (int64, map[string]string) {
	t.Helper()
	username := fmt.Sprintf("facilitator_%d", time.Now().UnixNano())
	password := "pass123"
	regResp := doJSONRequest(t, router, http.MethodPost, "/api/facilitators/register", map[string]string{
		"username": username,
		"password": password,
		"company":  "Acme",
	}, nil)
	assertStatus(t, regResp, http.StatusCreated)
	var regBody struct {
		ID int64 `json:"id"`
	}
	decodeJSON(t, regResp.Body.Bytes(), &regBody)

	loginResp := doJSONRequest(t, router, http.MethodPost, "/api/facilitators/login", map[string]string{
		"username": username,
		"password": password,
	}, nil)
	assertStatus(t, loginResp, http.StatusOK)
	var loginBody struct {
		AuthToken string `json:"auth_token"`
	}
	decodeJSON(t, loginResp.Body.Bytes(), &loginBody)
	if loginBody.AuthToken == "" {
		t.Fatalf("expected auth token after login")
	}
	return regBody.ID, map[string]string{"Authorization": fmt.Sprintf("Bearer %s", loginBody.AuthToken)}
}

func createSession(t *testing.T, router *gin.Engine, facilitatorID int64, authHeader map[string]string) int64 {
	t.Helper()
	resp := doJSONRequest(t, router, http.MethodPost,
		fmt.Sprintf("/api/facilitators/%d/sessions", facilitatorID), nil, authHeader)
	assertStatus(t, resp, http.StatusCreated)
	var body struct {
		Session models.Session `json:"session"`
	}
	decodeJSON(t, resp.Body.Bytes(), &body)
	if body.Session.ID <= 0 {
		t.Fatalf("expected positive session id")
	}
	return body.Session.ID
}

// mockWorker runs turns inline against the store, no model behind it.
type mockWorker struct {
	store   *store.Service
	turnErr error
}

func newMockWorker(st *store.Service) *mockWorker {
	return &mockWorker{store: st}
}

func (m *mockWorker) Resume(req worker.InitRequest) (*models.Session, []*models.Message, error) {
	ctx := req.Context
	if ctx == nil {
		ctx = context.Background()
	}
	session, err := m.store.GetSession(ctx, req.FacilitatorID, req.SessionID)
	if err != nil {
		return nil, nil, err
	}
	transcript, err := m.store.ListMessages(ctx, req.SessionID)
	if err != nil {
		return nil, nil, err
	}
	if len(transcript) == 0 {
		opening, err := m.store.AddMessage(ctx, req.SessionID, models.RoleAssistant, interview.OpeningMessage)
		if err != nil {
			return nil, nil, err
		}
		transcript = append(transcript, opening)
	}
	return session, transcript, nil
}

func (m *mockWorker) Turn(req worker.TurnRequest) (*interview.TurnResult, error) {
	if err := m.turnErr; err != nil {
		m.turnErr = nil
		return nil, err
	}
	ctx := req.Context
	if ctx == nil {
		ctx = context.Background()
	}
	if count, err := m.store.CountMessages(ctx, req.SessionID); err == nil && count == 0 {
		if _, err := m.store.AddMessage(ctx, req.SessionID, models.RoleAssistant, interview.OpeningMessage); err != nil {
			return nil, err
		}
	}
	userMsg, err := m.store.AddMessage(ctx, req.SessionID, models.RoleUser, req.Text)
	if err != nil {
		return nil, err
	}
	reply, err := m.store.AddMessage(ctx, req.SessionID, models.RoleAssistant,
		fmt.Sprintf("Mock response to %q", req.Text))
	if err != nil {
		return nil, err
	}
	return &interview.TurnResult{
		UserMsg: userMsg,
		Reply:   reply,
		Stage:   interview.StageAwaitingQ2,
	}, nil
}

func (m *mockWorker) Purge(int64, int64) {}

// mockAdvisor returns one canned suggestion and a fixed diagram.
type mockAdvisor struct {
	store *store.Service
}

func (m *mockAdvisor) Suggest(ctx context.Context, record *models.WorkflowRecord) ([]*models.Suggestion, error) {
	saved, err := m.store.AddSuggestion(ctx, models.Suggestion{
		WorkflowID: record.ID,
		StepLabel:  "Invoice approval",
		Suggestion: "Route invoices through an approval bot",
		ToolName:   "ApprovalMax",
		Complexity: models.ComplexityLow,
		ROIScore:   8,
		Sources:    []models.SuggestionSource{{Title: "ApprovalMax", URL: "https://example.com"}},
	})
	if err != nil {
		return nil, err
	}
	return []*models.Suggestion{saved}, nil
}

func (m *mockAdvisor) Diagram(context.Context, *models.WorkflowRecord) (string, error) {
	return "flowchart TD\n    a --> b", nil
}
