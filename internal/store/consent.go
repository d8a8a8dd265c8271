package store

import (
	"context"
	"fmt"

	"github.com/nidhogg/ember/internal/avatar"
)

// AppendConsent writes one consent audit record. Records are never updated.
func (s *Store) AppendConsent(ctx context.Context, rec avatar.ConsentRecord) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO consent_records (id, ci_id, requester_id, action, granted, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.ID, rec.CIID, rec.RequesterID, string(rec.Action), rec.Granted, rec.Reason, rec.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("append consent record: %w", err)
	}
	return nil
}

// ListConsent returns the newest consent records for a CI. Records sharing a
// timestamp come back in reverse insertion order.
func (s *Store) ListConsent(ctx context.Context, ciID string, limit int) ([]avatar.ConsentRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, ci_id, requester_id, action, granted, reason, created_at
		FROM consent_records WHERE ci_id = $1
		ORDER BY created_at DESC, seq DESC
		LIMIT $2`, ciID, limit)
	if err != nil {
		return nil, fmt.Errorf("list consent for %s: %w", ciID, err)
	}
	defer rows.Close()

	var out []avatar.ConsentRecord
	for rows.Next() {
		var rec avatar.ConsentRecord
		var action string
		if err := rows.Scan(&rec.ID, &rec.CIID, &rec.RequesterID, &action, &rec.Granted, &rec.Reason, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("scan consent record: %w", err)
		}
		rec.Action = avatar.ConsentAction(action)
		out = append(out, rec)
	}
	return out, rows.Err()
}
