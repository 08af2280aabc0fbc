package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"flowintake/internal/models"
)

// AddWorkflowRecord inserts one extracted workflow. People and systems
// are stored as JSON arrays; nil slices are persisted as empty lists so
// a confirmed-empty state survives the round trip.
func (s *Service) AddWorkflowRecord(ctx context.Context, sessionID int64, p models.WorkflowPayload) (*models.WorkflowRecord, error) {
	if sessionID <= 0 {
		return nil, errors.New("session_id is required")
	}
	if p.Title == "" || p.StartEvent == "" || p.EndEvent == "" || p.PainPoint == "" {
		return nil, errors.New("workflow payload incomplete")
	}
	people := p.People
	if people == nil {
		people = []string{}
	}
	systems := p.Systems
	if systems == nil {
		systems = []string{}
	}
	peopleJSON, err := json.Marshal(people)
	if err != nil {
		return nil, fmt.Errorf("encode people: %w", err)
	}
	systemsJSON, err := json.Marshal(systems)
	if err != nil {
		return nil, fmt.Errorf("encode systems: %w", err)
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO workflow_records (session_id, title, start_event, end_event, people, systems, pain_point, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, p.Title, p.StartEvent, p.EndEvent, string(peopleJSON), string(systemsJSON), p.PainPoint, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert workflow record: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("workflow record id: %w", err)
	}
	return &models.WorkflowRecord{
		ID:         id,
		SessionID:  sessionID,
		Title:      p.Title,
		StartEvent: p.StartEvent,
		EndEvent:   p.EndEvent,
		People:     people,
		Systems:    systems,
		PainPoint:  p.PainPoint,
		CreatedAt:  now,
	}, nil
}

// GetWorkflowRecord loads one record, scoped to the facilitator owning
// its session.
func (s *Service) GetWorkflowRecord(ctx context.Context, facilitatorID, workflowID int64) (*models.WorkflowRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT w.id, w.session_id, w.title, w.start_event, w.end_event, w.people, w.systems, w.pain_point, w.score, w.created_at
		 FROM workflow_records w JOIN sessions s ON s.id = w.session_id
		 WHERE w.id = ? AND s.facilitator_id = ?`,
		workflowID, facilitatorID,
	)
	return scanWorkflow(row)
}

// ListWorkflowRecords returns a session's records oldest-first.
func (s *Service) ListWorkflowRecords(ctx context.Context, sessionID int64) ([]*models.WorkflowRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, title, start_event, end_event, people, systems, pain_point, score, created_at
		 FROM workflow_records WHERE session_id = ? ORDER BY created_at ASC, id ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list workflow records: %w", err)
	}
	defer rows.Close()

	var records []*models.WorkflowRecord
	for rows.Next() {
		rec, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// CountWorkflowRecords reports how many records a session owns.
func (s *Service) CountWorkflowRecords(ctx context.Context, sessionID int64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM workflow_records WHERE session_id = ?`, sessionID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count workflow records: %w", err)
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row rowScanner) (*models.WorkflowRecord, error) {
	var rec models.WorkflowRecord
	var peopleJSON, systemsJSON string
	var score sql.NullFloat64
	err := row.Scan(&rec.ID, &rec.SessionID, &rec.Title, &rec.StartEvent, &rec.EndEvent,
		&peopleJSON, &systemsJSON, &rec.PainPoint, &score, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan workflow record: %w", err)
	}
	if err := json.Unmarshal([]byte(peopleJSON), &rec.People); err != nil {
		return nil, fmt.Errorf("decode people: %w", err)
	}
	if err := json.Unmarshal([]byte(systemsJSON), &rec.Systems); err != nil {
		return nil, fmt.Errorf("decode systems: %w", err)
	}
	if rec.People == nil {
		rec.People = []string{}
	}
	if rec.Systems == nil {
		rec.Systems = []string{}
	}
	if score.Valid {
		v := score.Float64
		rec.Score = &v
	}
	return &rec, nil
}
