package worker

import (
	"context"
	"errors"
	"log"

	"flowintake/internal/interview"
	"flowintake/internal/models"
	"flowintake/internal/redis"
	"flowintake/internal/store"
)

// ErrStaleTurn marks a turn whose session state was invalidated while
// the model call was in flight. The result is discarded, never shown.
var ErrStaleTurn = errors.New("turn superseded")

// Manager owns per-session interview state and executes the jobs the
// dispatcher hands to pool workers.
type Manager struct {
	store    *store.Service
	exchange *interview.Exchange
	titler   *interview.Titler
	cache    *stateCache
	state    *sessionState
}

func NewManager(st *store.Service, ex *interview.Exchange, titler *interview.Titler, cacheClient *redis.Client) *Manager {
	m := &Manager{
		store:    st,
		exchange: ex,
		titler:   titler,
		cache:    newStateCache(cacheClient),
		state:    newSessionState(),
	}
	if titler != nil {
		titler.CrossLatch = m.cache.tryTitleLatch
		titler.Notify = func(sessionID int64, title string) {
			m.state.setTitle(sessionID, title)
			m.cache.publishTitle(sessionID, title)
		}
	}
	m.cache.startListener(
		func(inv invalidateMessage) { m.state.purge(inv.SessionID) },
		func(tm titleMessage) { m.state.setTitle(tm.SessionID, tm.Title) },
	)
	return m
}

func (m *Manager) handle(job Job) {
	switch job.Type {
	case Init:
		m.handleInit(job.InitTask)
	case Turn:
		m.handleTurn(job.TurnTask)
	}
}

// Purge drops all cached state for the session, locally and on every
// replica, and bumps the epoch so in-flight turns get discarded.
func (m *Manager) Purge(facilitatorID, sessionID int64) {
	m.state.purge(sessionID)
	m.cache.invalidateSession(sessionID)
	m.cache.publishInvalidation(invalidateMessage{FacilitatorID: facilitatorID, SessionID: sessionID})
}

func (m *Manager) handleInit(task *initTask) {
	req := task.req
	ctx := req.Context
	if ctx == nil {
		ctx = context.Background()
	}

	if m.state.isReady(req.SessionID) {
		if se := m.state.getSession(req.SessionID); se != nil && se.FacilitatorID == req.FacilitatorID {
			task.resultCh <- initResult{session: se, transcript: m.state.getTranscript(req.SessionID)}
			return
		}
	}

	session, transcript, err := m.loadSession(ctx, req.FacilitatorID, req.SessionID)
	if err != nil {
		task.resultCh <- initResult{err: err}
		return
	}
	task.resultCh <- initResult{session: session, transcript: transcript}
}

func (m *Manager) handleTurn(task *turnTask) {
	req := task.req
	ctx := req.Context
	if ctx == nil {
		ctx = context.Background()
	}

	epoch := m.state.epoch(req.SessionID)

	if !m.state.isReady(req.SessionID) {
		if _, _, err := m.loadSession(ctx, req.FacilitatorID, req.SessionID); err != nil {
			task.resultCh <- turnResult{err: err}
			return
		}
	}
	session := m.state.getSession(req.SessionID)
	if session == nil || session.FacilitatorID != req.FacilitatorID {
		task.resultCh <- turnResult{err: errors.New("session not available")}
		return
	}
	transcript := m.state.getTranscript(req.SessionID)

	res, err := m.exchange.SendTurn(ctx, session, req.Text, transcript)
	if err != nil {
		task.resultCh <- turnResult{err: err}
		return
	}

	if m.state.epoch(req.SessionID) != epoch {
		debugLog("[manager] discarding stale turn %s for session %d", req.TurnID, req.SessionID)
		task.resultCh <- turnResult{err: ErrStaleTurn}
		return
	}

	m.state.appendTranscript(req.SessionID, res.Opening, res.UserMsg, res.Reply)
	if res.Terminated {
		m.state.setFinished(req.SessionID)
	}
	updated := m.state.getTranscript(req.SessionID)
	m.cache.cacheTranscript(req.SessionID, updated)

	if m.titler != nil && !res.Terminated {
		go m.titler.Derive(context.Background(), req.SessionID, updated)
	}

	task.resultCh <- turnResult{turn: res}
}

// loadSession fills the local state from the redis cache or the store
// and persists the opening message when the session is still empty.
func (m *Manager) loadSession(ctx context.Context, facilitatorID, sessionID int64) (*models.Session, []*models.Message, error) {
	if session, transcript, ok := m.cache.loadSession(facilitatorID, sessionID); ok {
		m.state.setSession(session)
		m.state.setTranscript(sessionID, transcript)
		m.state.markReady(sessionID)
		return session, transcript, nil
	}

	session, err := m.store.GetSession(ctx, facilitatorID, sessionID)
	if err != nil {
		return nil, nil, err
	}
	transcript, err := m.store.ListMessages(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	if len(transcript) == 0 {
		opening, err := m.exchange.EnsureOpening(ctx, sessionID)
		if err != nil {
			log.Printf("worker: session %d opening not persisted: %v", sessionID, err)
		} else if opening != nil {
			transcript = append(transcript, opening)
		}
	}

	m.state.setSession(session)
	m.state.setTranscript(sessionID, transcript)
	m.state.markReady(sessionID)
	m.cache.cacheSession(session, transcript)
	return session, transcript, nil
}
