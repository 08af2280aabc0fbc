package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"flowintake/internal/auth"
	"flowintake/internal/interview"
	"flowintake/internal/models"
	"flowintake/internal/store"
	"flowintake/internal/worker"
)

const turnTimeout = 2 * time.Minute

// WorkerManager is the slice of the dispatcher the handlers use.
type WorkerManager interface {
	Resume(worker.InitRequest) (*models.Session, []*models.Message, error)
	Turn(worker.TurnRequest) (*interview.TurnResult, error)
	Purge(facilitatorID, sessionID int64)
}

// Advisor produces suggestions and diagrams for captured workflows.
type Advisor interface {
	Suggest(ctx context.Context, record *models.WorkflowRecord) ([]*models.Suggestion, error)
	Diagram(ctx context.Context, record *models.WorkflowRecord) (string, error)
}

// Handler wires HTTP routes to the store, the interview workers and
// the advisor.
type Handler struct {
	store        *store.Service
	auth         *auth.Service
	workers      WorkerManager
	advisor      Advisor
	cleanupGrace time.Duration
}

func NewHandler(st *store.Service, authService *auth.Service, workers WorkerManager, adv Advisor, cleanupGrace time.Duration) *Handler {
	if cleanupGrace <= 0 {
		cleanupGrace = store.DefaultCleanupGrace
	}
	return &Handler{
		store:        st,
		auth:         authService,
		workers:      workers,
		advisor:      adv,
		cleanupGrace: cleanupGrace,
	}
}

// check token facilitatorID is match with param facilitatorID
func (h *Handler) requirePathFacilitator() gin.HandlerFunc {
	return func(c *gin.Context) {
		facilitatorID, ok := auth.FacilitatorIDFromContext(c)
		if !ok || facilitatorID <= 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
			return
		}
		paramID, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil || paramID <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid facilitator id"})
			return
		}
		if paramID != facilitatorID {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "facilitator mismatch"})
			return
		}
		c.Next()
	}
}

func (h *Handler) authorizedFacilitatorID(c *gin.Context) (int64, bool) {
	facilitatorID, ok := auth.FacilitatorIDFromContext(c)
	if !ok || facilitatorID <= 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return 0, false
	}
	return facilitatorID, true
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	api.POST("/facilitators/register", h.registerFacilitator)
	api.POST("/facilitators/login", h.loginFacilitator)
	authMW := h.auth.Middleware()
	facilitatorRoutes := api.Group("/facilitators/:id")
	facilitatorRoutes.Use(authMW, h.requirePathFacilitator(), h.auth.CSRFMiddleware())
	facilitatorRoutes.POST("/sessions", h.createSession)
	facilitatorRoutes.GET("/sessions", h.listSessions)
	facilitatorRoutes.POST("/sessions/cleanup", h.cleanupSessions)
	facilitatorRoutes.GET("/sessions/:session_id", h.resumeSession)
	facilitatorRoutes.DELETE("/sessions/:session_id", h.deleteSession)
	facilitatorRoutes.POST("/sessions/:session_id/turns", h.sendTurn)
	facilitatorRoutes.POST("/sessions/:session_id/complete", h.completeSession)
	facilitatorRoutes.GET("/sessions/:session_id/workflows", h.listWorkflows)
	facilitatorRoutes.GET("/workflows/:workflow_id", h.getWorkflow)
	facilitatorRoutes.GET("/workflows/:workflow_id/diagram", h.workflowDiagram)
	facilitatorRoutes.POST("/workflows/:workflow_id/suggestions", h.createSuggestions)
	facilitatorRoutes.GET("/workflows/:workflow_id/suggestions", h.listSuggestions)
	facilitatorRoutes.POST("/logout", h.logoutFacilitator)
	facilitatorRoutes.DELETE("", h.deleteFacilitator)
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Company  string `json:"company"`
}

func (h *Handler) registerFacilitator(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	facilitator, err := h.store.RegisterFacilitator(c.Request.Context(), req.Username, req.Password, req.Company)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":         facilitator.ID,
		"username":   facilitator.Username,
		"company":    facilitator.Company,
		"created_at": facilitator.CreatedAt,
	})
}

func (h *Handler) loginFacilitator(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	facilitator, err := h.store.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	authToken, err := h.auth.IssueToken(c.Request.Context(), facilitator.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	csrfToken, err := h.auth.NewCSRFToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	h.setAuthCookies(c, authToken, csrfToken)
	c.JSON(http.StatusOK, gin.H{
		"id":         facilitator.ID,
		"username":   facilitator.Username,
		"company":    facilitator.Company,
		"created_at": facilitator.CreatedAt,
		"auth_token": authToken,
	})
}

type createSessionRequest struct {
	Company     string `json:"company"`
	Facilitator string `json:"facilitator"`
}

func (h *Handler) createSession(c *gin.Context) {
	facilitatorID, ok := h.authorizedFacilitatorID(c)
	if !ok {
		return
	}
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	company := strings.TrimSpace(req.Company)
	facilitatorName := strings.TrimSpace(req.Facilitator)
	if company == "" || facilitatorName == "" {
		account, err := h.store.GetFacilitator(c.Request.Context(), facilitatorID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if company == "" {
			company = account.Company
		}
		if facilitatorName == "" {
			facilitatorName = account.Username
		}
	}

	session, err := h.store.CreateSession(c.Request.Context(), facilitatorID, company, facilitatorName)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"session": session})
}

func (h *Handler) listSessions(c *gin.Context) {
	facilitatorID, ok := h.authorizedFacilitatorID(c)
	if !ok {
		return
	}
	sessions, err := h.store.ListSessions(c.Request.Context(), facilitatorID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if sessions == nil {
		sessions = make([]models.Session, 0)
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

// resumeSession returns the session with its full transcript, seeding
// the opening message when the session has none yet.
func (h *Handler) resumeSession(c *gin.Context) {
	facilitatorID, ok := h.authorizedFacilitatorID(c)
	if !ok {
		return
	}
	sessionID, ok := pathID(c, "session_id")
	if !ok {
		return
	}
	session, transcript, err := h.workers.Resume(worker.InitRequest{
		Context:       c.Request.Context(),
		FacilitatorID: facilitatorID,
		SessionID:     sessionID,
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		if errors.Is(err, worker.ErrDispatcherBusy) {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "server is busy, please retry"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if transcript == nil {
		transcript = make([]*models.Message, 0)
	}
	c.JSON(http.StatusOK, gin.H{
		"session":  session,
		"messages": transcript,
	})
}

func (h *Handler) deleteSession(c *gin.Context) {
	facilitatorID, ok := h.authorizedFacilitatorID(c)
	if !ok {
		return
	}
	sessionID, ok := pathID(c, "session_id")
	if !ok {
		return
	}
	if err := h.store.DeleteSession(c.Request.Context(), facilitatorID, sessionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.workers.Purge(facilitatorID, sessionID)
	c.Status(http.StatusNoContent)
}

// completeSession marks the interview finished without ending it
// through the DONE token. The flag is informational: it filters
// session lists, it does not block further turns.
func (h *Handler) completeSession(c *gin.Context) {
	facilitatorID, ok := h.authorizedFacilitatorID(c)
	if !ok {
		return
	}
	sessionID, ok := pathID(c, "session_id")
	if !ok {
		return
	}
	if err := h.store.MarkSessionFinished(c.Request.Context(), facilitatorID, sessionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.workers.Purge(facilitatorID, sessionID)
	c.Status(http.StatusNoContent)
}

// cleanupSessions deletes the facilitator's empty sessions older than
// the grace window. Called on a fresh login so abandoned blank
// sessions don't pile up.
func (h *Handler) cleanupSessions(c *gin.Context) {
	facilitatorID, ok := h.authorizedFacilitatorID(c)
	if !ok {
		return
	}
	removed, err := h.store.CleanupEmptySessions(c.Request.Context(), facilitatorID, h.cleanupGrace)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

type turnRequest struct {
	Content string `json:"content"`
	TurnID  string `json:"turn_id"`
}

// sendTurn streams one interview turn over SSE: an ack event once the
// user message is accepted, a reply event with the assistant's answer
// and everything the turn produced, then done. Failures before the
// exchange loop surface as an error event.
func (h *Handler) sendTurn(c *gin.Context) {
	facilitatorID, ok := h.authorizedFacilitatorID(c)
	if !ok {
		return
	}
	sessionID, ok := pathID(c, "session_id")
	if !ok {
		return
	}
	var req turnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content is required"})
		return
	}

	turnCtx, cancel := context.WithTimeout(c.Request.Context(), turnTimeout)
	defer cancel()

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	sendEvent := func(event string, payload interface{}) error {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		if event != "" {
			if _, err := fmt.Fprintf(c.Writer, "event: %s\n", event); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	turnID := req.TurnID
	if turnID == "" {
		turnID = uuid.NewString()
	}
	if err := sendEvent("ack", gin.H{"turn_id": turnID, "session_id": sessionID}); err != nil {
		return
	}

	res, err := h.workers.Turn(worker.TurnRequest{
		Context:       turnCtx,
		FacilitatorID: facilitatorID,
		SessionID:     sessionID,
		TurnID:        turnID,
		Text:          req.Content,
	})
	if err != nil {
		msg := err.Error()
		switch {
		case errors.Is(err, worker.ErrDispatcherBusy):
			msg = "server is busy, please retry"
		case errors.Is(err, worker.ErrStaleTurn):
			msg = "turn superseded"
		case errors.Is(err, sql.ErrNoRows):
			msg = "session not found"
		}
		_ = sendEvent("error", gin.H{"turn_id": turnID, "message": msg})
		return
	}

	payload := gin.H{
		"turn_id":      turnID,
		"user_message": res.UserMsg,
		"reply":        res.Reply,
		"stage":        res.Stage.String(),
		"finished":     res.Terminated,
	}
	if res.Record != nil {
		payload["workflow"] = res.Record
	}
	if len(res.Warnings) > 0 {
		payload["warnings"] = res.Warnings
	}
	if err := sendEvent("reply", payload); err != nil {
		return
	}
	_ = sendEvent("done", gin.H{"turn_id": turnID})
}

func (h *Handler) getWorkflow(c *gin.Context) {
	facilitatorID, ok := h.authorizedFacilitatorID(c)
	if !ok {
		return
	}
	workflowID, ok := pathID(c, "workflow_id")
	if !ok {
		return
	}
	record, err := h.store.GetWorkflowRecord(c.Request.Context(), facilitatorID, workflowID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "workflow not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"workflow": record})
}

func (h *Handler) listWorkflows(c *gin.Context) {
	facilitatorID, ok := h.authorizedFacilitatorID(c)
	if !ok {
		return
	}
	sessionID, ok := pathID(c, "session_id")
	if !ok {
		return
	}
	if _, err := h.store.GetSession(c.Request.Context(), facilitatorID, sessionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	records, err := h.store.ListWorkflowRecords(c.Request.Context(), sessionID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if records == nil {
		records = make([]*models.WorkflowRecord, 0)
	}
	c.JSON(http.StatusOK, gin.H{"workflows": records})
}

func (h *Handler) workflowDiagram(c *gin.Context) {
	facilitatorID, ok := h.authorizedFacilitatorID(c)
	if !ok {
		return
	}
	workflowID, ok := pathID(c, "workflow_id")
	if !ok {
		return
	}
	record, err := h.store.GetWorkflowRecord(c.Request.Context(), facilitatorID, workflowID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "workflow not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if h.advisor == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "advisor unavailable"})
		return
	}
	diagram, err := h.advisor.Diagram(c.Request.Context(), record)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"workflow_id": record.ID, "mermaid": diagram})
}

func (h *Handler) createSuggestions(c *gin.Context) {
	facilitatorID, ok := h.authorizedFacilitatorID(c)
	if !ok {
		return
	}
	workflowID, ok := pathID(c, "workflow_id")
	if !ok {
		return
	}
	record, err := h.store.GetWorkflowRecord(c.Request.Context(), facilitatorID, workflowID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "workflow not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if h.advisor == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "advisor unavailable"})
		return
	}
	suggestions, err := h.advisor.Suggest(c.Request.Context(), record)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"suggestions": suggestions})
}

func (h *Handler) listSuggestions(c *gin.Context) {
	facilitatorID, ok := h.authorizedFacilitatorID(c)
	if !ok {
		return
	}
	workflowID, ok := pathID(c, "workflow_id")
	if !ok {
		return
	}
	if _, err := h.store.GetWorkflowRecord(c.Request.Context(), facilitatorID, workflowID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "workflow not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	suggestions, err := h.store.ListSuggestions(c.Request.Context(), workflowID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if suggestions == nil {
		suggestions = make([]*models.Suggestion, 0)
	}
	c.JSON(http.StatusOK, gin.H{"suggestions": suggestions})
}

func (h *Handler) logoutFacilitator(c *gin.Context) {
	_, ok := h.authorizedFacilitatorID(c)
	if !ok {
		return
	}
	if authToken, ok := auth.AuthTokenFromContext(c); ok {
		_ = h.auth.RevokeToken(c.Request.Context(), authToken)
	}
	h.clearAuthCookies(c)
	c.Status(http.StatusNoContent)
}

func (h *Handler) deleteFacilitator(c *gin.Context) {
	id, ok := h.authorizedFacilitatorID(c)
	if !ok {
		return
	}
	if err := h.auth.RevokeFacilitatorTokens(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := h.store.DeleteFacilitator(c.Request.Context(), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "facilitator not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.clearAuthCookies(c)
	c.Status(http.StatusNoContent)
}

func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return id, true
}

func (h *Handler) setAuthCookies(c *gin.Context, authToken, csrfToken string) {
	ttl := int(h.auth.TokenTTL().Seconds())
	if ttl <= 0 {
		ttl = 3600
	}
	secure := gin.Mode() == gin.ReleaseMode
	setCookie(c, &http.Cookie{
		Name:     h.auth.AuthCookieName(),
		Value:    authToken,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	setCookie(c, &http.Cookie{
		Name:     h.auth.CSRFCookieName(),
		Value:    csrfToken,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   secure,
		HttpOnly: false,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *Handler) clearAuthCookies(c *gin.Context) {
	for _, name := range []string{h.auth.AuthCookieName(), h.auth.CSRFCookieName()} {
		setCookie(c, &http.Cookie{
			Name:     name,
			Value:    "",
			MaxAge:   -1,
			Path:     "/",
			Secure:   gin.Mode() == gin.ReleaseMode,
			HttpOnly: name == h.auth.AuthCookieName(),
			SameSite: http.SameSiteStrictMode,
		})
	}
}

func setCookie(c *gin.Context, ck *http.Cookie) {
	if ck == nil {
		return
	}
	http.SetCookie(c.Writer, ck)
}
