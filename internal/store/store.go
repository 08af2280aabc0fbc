package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"flowintake/internal/models"
)

// Service is the typed Record Store collaborator: sessions, messages,
// workflow records, and derived suggestions over one SQL database.
type Service struct {
	db *sql.DB
}

// NewService builds a store service over an opened database.
func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// DB exposes the underlying handle for test assertions.
func (s *Service) DB() *sql.DB {
	return s.db
}

// RegisterFacilitator creates a facilitator account for a company.
func (s *Service) RegisterFacilitator(ctx context.Context, username, password, company string) (*models.Facilitator, error) {
	username = strings.TrimSpace(username)
	password = strings.TrimSpace(password)
	company = strings.TrimSpace(company)
	if username == "" || password == "" {
		return nil, errors.New("username and password are required")
	}
	if company == "" {
		return nil, errors.New("company is required")
	}

	hash := hashPassword(password)
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO facilitators (username, password_hash, company, created_at) VALUES (?, ?, ?, ?)`,
		username, hash, company, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create facilitator: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("facilitator id: %w", err)
	}
	return &models.Facilitator{ID: id, Username: username, PasswordHash: hash, Company: company, CreatedAt: now}, nil
}

// Login validates credentials and returns the facilitator profile.
func (s *Service) Login(ctx context.Context, username, password string) (*models.Facilitator, error) {
	username = strings.TrimSpace(username)
	password = strings.TrimSpace(password)
	if username == "" || password == "" {
		return nil, errors.New("username and password are required")
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, company, created_at FROM facilitators WHERE username = ?`, username,
	)
	var f models.Facilitator
	if err := row.Scan(&f.ID, &f.Username, &f.PasswordHash, &f.Company, &f.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.New("invalid credentials")
		}
		return nil, fmt.Errorf("query facilitator: %w", err)
	}

	if f.PasswordHash != hashPassword(password) {
		return nil, errors.New("invalid credentials")
	}
	return &f, nil
}

// GetFacilitator loads one facilitator by id.
func (s *Service) GetFacilitator(ctx context.Context, id int64) (*models.Facilitator, error) {
	var f models.Facilitator
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, company, created_at FROM facilitators WHERE id = ?`, id,
	).Scan(&f.ID, &f.Username, &f.PasswordHash, &f.Company, &f.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("get facilitator: %w", err)
	}
	return &f, nil
}

// DeleteFacilitator removes a facilitator and cascaded data.
func (s *Service) DeleteFacilitator(ctx context.Context, id int64) error {
	if id <= 0 {
		return errors.New("invalid facilitator id")
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM facilitators WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete facilitator: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func hashPassword(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}
