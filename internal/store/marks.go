package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nidhogg/ember/internal/avatar"
)

// SaveMark stores a newly committed history mark.
func (s *Store) SaveMark(ctx context.Context, m avatar.HistoryMark) error {
	sig, err := json.Marshal(m.Signature)
	if err != nil {
		return fmt.Errorf("marshal signature: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO history_marks (id, ci_id, seq, created_at, trigger_summary, signature, salience)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`,
		m.ID, m.CIID, int64(m.Seq), m.Timestamp, m.TriggerSummary, sig, m.Salience,
	)
	if err != nil {
		return fmt.Errorf("save mark %s: %w", m.ID, err)
	}
	return nil
}

// DeleteMarks removes marks by id for one CI.
func (s *Store) DeleteMarks(ctx context.Context, ciID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.Exec(ctx,
		`DELETE FROM history_marks WHERE ci_id = $1 AND id = ANY($2)`, ciID, ids)
	if err != nil {
		return fmt.Errorf("delete marks for %s: %w", ciID, err)
	}
	return nil
}

// LoadMarks returns all retained marks of a CI, oldest first.
func (s *Store) LoadMarks(ctx context.Context, ciID string) ([]avatar.HistoryMark, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, ci_id, seq, created_at, trigger_summary, signature, salience
		FROM history_marks WHERE ci_id = $1
		ORDER BY seq ASC`, ciID)
	if err != nil {
		return nil, fmt.Errorf("load marks for %s: %w", ciID, err)
	}
	defer rows.Close()

	var marks []avatar.HistoryMark
	for rows.Next() {
		var m avatar.HistoryMark
		var seq int64
		var sig []byte
		if err := rows.Scan(&m.ID, &m.CIID, &seq, &m.Timestamp, &m.TriggerSummary, &sig, &m.Salience); err != nil {
			return nil, fmt.Errorf("scan mark: %w", err)
		}
		m.Seq = uint64(seq)
		if err := json.Unmarshal(sig, &m.Signature); err != nil {
			return nil, fmt.Errorf("unmarshal signature %s: %w", m.ID, err)
		}
		marks = append(marks, m)
	}
	return marks, rows.Err()
}
