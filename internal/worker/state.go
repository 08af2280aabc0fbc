package worker

import (
	"sync"

	"flowintake/internal/models"
)

// sessionState is the in-process cache for one interview session: the
// session row, the ordered transcript, and an epoch counter. The epoch
// bumps whenever the cached state is invalidated; a turn that started
// under an older epoch is discarded instead of delivered.
type sessionState struct {
	mu         sync.RWMutex
	ready      map[int64]struct{}
	sessions   map[int64]*models.Session
	transcript map[int64][]*models.Message
	epochs     map[int64]uint64
}

func newSessionState() *sessionState {
	return &sessionState{
		ready:      make(map[int64]struct{}),
		sessions:   make(map[int64]*models.Session),
		transcript: make(map[int64][]*models.Message),
		epochs:     make(map[int64]uint64),
	}
}

func (s *sessionState) isReady(sessionID int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.ready[sessionID]
	return ok
}

func (s *sessionState) markReady(sessionID int64) {
	s.mu.Lock()
	s.ready[sessionID] = struct{}{}
	s.mu.Unlock()
}

// setSession stores a private copy so later caller-side mutation of
// the argument cannot bleed into the cache.
func (s *sessionState) setSession(session *models.Session) {
	if session == nil {
		return
	}
	cp := *session
	s.mu.Lock()
	s.sessions[cp.ID] = &cp
	s.mu.Unlock()
}

// getSession returns a copy; the cached row keeps changing under
// setTitle and setFinished while callers hold theirs.
func (s *sessionState) getSession(sessionID int64) *models.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	se, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	cp := *se
	return &cp
}

func (s *sessionState) setTranscript(sessionID int64, transcript []*models.Message) {
	s.mu.Lock()
	s.transcript[sessionID] = transcript
	s.mu.Unlock()
}

func (s *sessionState) appendTranscript(sessionID int64, msgs ...*models.Message) {
	s.mu.Lock()
	for _, m := range msgs {
		if m != nil {
			s.transcript[sessionID] = append(s.transcript[sessionID], m)
		}
	}
	s.mu.Unlock()
}

func (s *sessionState) getTranscript(sessionID int64) []*models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t := s.transcript[sessionID]
	out := make([]*models.Message, len(t))
	copy(out, t)
	return out
}

func (s *sessionState) epoch(sessionID int64) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.epochs[sessionID]
}

// purge drops everything cached for the session and bumps its epoch so
// in-flight turns started before the purge get discarded.
func (s *sessionState) purge(sessionID int64) {
	s.mu.Lock()
	delete(s.ready, sessionID)
	delete(s.sessions, sessionID)
	delete(s.transcript, sessionID)
	s.epochs[sessionID]++
	s.mu.Unlock()
}

func (s *sessionState) setFinished(sessionID int64) {
	s.mu.Lock()
	if se, ok := s.sessions[sessionID]; ok && se != nil {
		se.Finished = true
	}
	s.mu.Unlock()
}

func (s *sessionState) setTitle(sessionID int64, title string) {
	s.mu.Lock()
	if se, ok := s.sessions[sessionID]; ok && se != nil {
		se.Title = title
	}
	s.mu.Unlock()
}
