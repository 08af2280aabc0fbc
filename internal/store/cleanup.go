package store

import (
	"context"
	"fmt"
	"time"
)

// DefaultCleanupGrace protects freshly created sessions that have not
// yet received their opening message from the empty-session reaper.
const DefaultCleanupGrace = 10 * time.Minute

// CleanupEmptySessions deletes a facilitator's sessions that have zero
// messages and are older than the grace window. Runs as a side effect
// of listing history; the grace window keeps it from racing a create
// that is still in flight.
func (s *Service) CleanupEmptySessions(ctx context.Context, facilitatorID int64, grace time.Duration) (int64, error) {
	if grace <= 0 {
		grace = DefaultCleanupGrace
	}
	cutoff := time.Now().UTC().Add(-grace)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions
		 WHERE facilitator_id = ?
		   AND created_at < ?
		   AND NOT EXISTS (SELECT 1 FROM messages m WHERE m.session_id = sessions.id)`,
		facilitatorID, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("cleanup empty sessions: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cleanup rows affected: %w", err)
	}
	return removed, nil
}
