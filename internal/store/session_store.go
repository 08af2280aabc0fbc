package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"flowintake/internal/models"
)

// CreateSession inserts a new interview session tagged with the
// facilitator's company label.
func (s *Service) CreateSession(ctx context.Context, facilitatorID int64, company, facilitator string) (*models.Session, error) {
	if facilitatorID <= 0 {
		return nil, errors.New("facilitator_id is required")
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (facilitator_id, company, facilitator, title, finished, created_at) VALUES (?, ?, ?, '', 0, ?)`,
		facilitatorID, company, facilitator, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("session id: %w", err)
	}
	return &models.Session{
		ID:            id,
		FacilitatorID: facilitatorID,
		Company:       company,
		Facilitator:   facilitator,
		CreatedAt:     now,
	}, nil
}

// GetSession loads one session scoped to its owning facilitator.
// Returns sql.ErrNoRows when the session has vanished.
func (s *Service) GetSession(ctx context.Context, facilitatorID, sessionID int64) (*models.Session, error) {
	var sess models.Session
	err := s.db.QueryRowContext(ctx,
		`SELECT id, facilitator_id, company, facilitator, title, finished, created_at
		 FROM sessions WHERE id = ? AND facilitator_id = ?`,
		sessionID, facilitatorID,
	).Scan(&sess.ID, &sess.FacilitatorID, &sess.Company, &sess.Facilitator, &sess.Title, &sess.Finished, &sess.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &sess, nil
}

// ListSessions returns all of a facilitator's sessions, newest first.
func (s *Service) ListSessions(ctx context.Context, facilitatorID int64) ([]models.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, facilitator_id, company, facilitator, title, finished, created_at
		 FROM sessions WHERE facilitator_id = ? ORDER BY created_at DESC`,
		facilitatorID,
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		var sess models.Session
		if err := rows.Scan(&sess.ID, &sess.FacilitatorID, &sess.Company, &sess.Facilitator, &sess.Title, &sess.Finished, &sess.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// UpdateSessionTitle sets a derived title on the session.
func (s *Service) UpdateSessionTitle(ctx context.Context, sessionID int64, title string) error {
	if sessionID <= 0 {
		return errors.New("invalid session id")
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return errors.New("title cannot be empty")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET title = ? WHERE id = ?`,
		title, sessionID,
	)
	if err != nil {
		return fmt.Errorf("update session title: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("session rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// MarkSessionFinished records the finished flag. The flag is advisory:
// nothing in the exchange loop gates on it.
func (s *Service) MarkSessionFinished(ctx context.Context, facilitatorID, sessionID int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET finished = 1 WHERE id = ? AND facilitator_id = ?`,
		sessionID, facilitatorID,
	)
	if err != nil {
		return fmt.Errorf("mark session finished: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("session rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeleteSession removes a session and cascades to its messages and
// workflow records.
func (s *Service) DeleteSession(ctx context.Context, facilitatorID, sessionID int64) error {
	if sessionID <= 0 {
		return errors.New("invalid session id")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ? AND facilitator_id = ?`, sessionID, facilitatorID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("session rows affected: %w", err)
	}
	if affected == 0 {
		tx.Rollback()
		return sql.ErrNoRows
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if _, err = tx.ExecContext(ctx,
		`DELETE FROM ai_suggestions WHERE workflow_id IN (SELECT id FROM workflow_records WHERE session_id = ?)`,
		sessionID); err != nil {
		return fmt.Errorf("delete suggestions: %w", err)
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM workflow_records WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete workflow records: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit delete session: %w", err)
	}
	return nil
}
