package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/nidhogg/ember/internal/avatar"
)

// SaveState upserts the scalar state of an avatar. Marks are stored separately.
func (s *Store) SaveState(ctx context.Context, snap avatar.Snapshot) error {
	st := snap.State
	_, err := s.db.Exec(ctx, `
		INSERT INTO avatars (ci_id, version, engagement, complexity, mood_valence, mode, visibility, style, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (ci_id) DO UPDATE SET
			version = EXCLUDED.version,
			engagement = EXCLUDED.engagement,
			complexity = EXCLUDED.complexity,
			mood_valence = EXCLUDED.mood_valence,
			mode = EXCLUDED.mode,
			visibility = EXCLUDED.visibility,
			style = EXCLUDED.style,
			updated_at = EXCLUDED.updated_at`,
		snap.CIID, int64(snap.Version), st.Engagement, st.Complexity, st.MoodValence,
		string(st.Mode), string(st.Visibility), st.Style, snap.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save avatar %s: %w", snap.CIID, err)
	}
	return nil
}

// LoadState reads an avatar's scalar state. Missing avatars yield E_NOT_FOUND.
func (s *Store) LoadState(ctx context.Context, ciID string) (avatar.Snapshot, error) {
	row := s.db.QueryRow(ctx, `
		SELECT ci_id, version, engagement, complexity, mood_valence, mode, visibility, style, updated_at
		FROM avatars WHERE ci_id = $1`, ciID)

	var snap avatar.Snapshot
	var version int64
	var mode, visibility string
	err := row.Scan(
		&snap.CIID, &version,
		&snap.State.Engagement, &snap.State.Complexity, &snap.State.MoodValence,
		&mode, &visibility, &snap.State.Style, &snap.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return avatar.Snapshot{}, avatar.Errorf(avatar.CodeNotFound, "avatar %s", ciID)
	}
	if err != nil {
		return avatar.Snapshot{}, fmt.Errorf("load avatar %s: %w", ciID, err)
	}
	snap.Version = uint64(version)
	snap.State.Mode = avatar.Mode(mode)
	snap.State.Visibility = avatar.Visibility(visibility)
	return snap, nil
}

// ListAvatars returns every persisted CI id.
func (s *Store) ListAvatars(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, `SELECT ci_id FROM avatars ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list avatars: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan avatar: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
