package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nidhogg/ember/internal/avatar"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS avatars (
	ci_id         TEXT PRIMARY KEY,
	version       INTEGER NOT NULL DEFAULT 0,
	engagement    REAL NOT NULL DEFAULT 0,
	complexity    REAL NOT NULL DEFAULT 0,
	mood_valence  REAL NOT NULL DEFAULT 0,
	mode          TEXT NOT NULL DEFAULT 'active',
	visibility    TEXT NOT NULL DEFAULT 'visible',
	style         TEXT NOT NULL DEFAULT 'aurora',
	created_at    TEXT NOT NULL,
	updated_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS history_marks (
	id               TEXT PRIMARY KEY,
	ci_id            TEXT NOT NULL,
	seq              INTEGER NOT NULL,
	created_at       TEXT NOT NULL,
	trigger_summary  TEXT NOT NULL,
	signature        TEXT NOT NULL,
	salience         REAL NOT NULL,
	FOREIGN KEY (ci_id) REFERENCES avatars(ci_id)
);

CREATE INDEX IF NOT EXISTS idx_history_marks_ci_seq ON history_marks (ci_id, seq);

CREATE TABLE IF NOT EXISTS consent_records (
	id            TEXT PRIMARY KEY,
	ci_id         TEXT NOT NULL,
	requester_id  TEXT NOT NULL,
	action        TEXT NOT NULL,
	granted       INTEGER NOT NULL,
	reason        TEXT NOT NULL DEFAULT '',
	created_at    TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_consent_records_ci_created ON consent_records (ci_id, created_at);
`

// SQLite is the embedded single-file store used when no PostgreSQL DSN is
// configured, and by emberctl for offline inspection.
type SQLite struct {
	db     *sql.DB
	logger *zap.Logger
}

// OpenSQLite opens (or creates) the database at path and applies the schema.
func OpenSQLite(path string, logger *zap.Logger) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection: concurrent writers get SQLITE_BUSY otherwise.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	logger.Info("SQLite store opened", zap.String("path", path))
	return &SQLite{db: db, logger: logger}, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// timeLayout is fixed-width so TEXT columns sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func (s *SQLite) SaveState(ctx context.Context, snap avatar.Snapshot) error {
	st := snap.State
	now := formatTime(snap.UpdatedAt)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO avatars (ci_id, version, engagement, complexity, mood_valence, mode, visibility, style, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (ci_id) DO UPDATE SET
			version = excluded.version,
			engagement = excluded.engagement,
			complexity = excluded.complexity,
			mood_valence = excluded.mood_valence,
			mode = excluded.mode,
			visibility = excluded.visibility,
			style = excluded.style,
			updated_at = excluded.updated_at`,
		snap.CIID, int64(snap.Version), st.Engagement, st.Complexity, st.MoodValence,
		string(st.Mode), string(st.Visibility), st.Style, now, now,
	)
	if err != nil {
		return fmt.Errorf("save avatar %s: %w", snap.CIID, err)
	}
	return nil
}

func (s *SQLite) LoadState(ctx context.Context, ciID string) (avatar.Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT ci_id, version, engagement, complexity, mood_valence, mode, visibility, style, updated_at
		FROM avatars WHERE ci_id = ?`, ciID)

	var snap avatar.Snapshot
	var version int64
	var mode, visibility, updated string
	err := row.Scan(
		&snap.CIID, &version,
		&snap.State.Engagement, &snap.State.Complexity, &snap.State.MoodValence,
		&mode, &visibility, &snap.State.Style, &updated,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return avatar.Snapshot{}, avatar.Errorf(avatar.CodeNotFound, "avatar %s", ciID)
	}
	if err != nil {
		return avatar.Snapshot{}, fmt.Errorf("load avatar %s: %w", ciID, err)
	}
	snap.Version = uint64(version)
	snap.State.Mode = avatar.Mode(mode)
	snap.State.Visibility = avatar.Visibility(visibility)
	if snap.UpdatedAt, err = parseTime(updated); err != nil {
		return avatar.Snapshot{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return snap, nil
}

func (s *SQLite) ListAvatars(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT ci_id FROM avatars ORDER BY created_at, ci_id`)
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

func (s *SQLite) SaveMark(ctx context.Context, m avatar.HistoryMark) error {
	sig, err := json.Marshal(m.Signature)
	if err != nil {
		return fmt.Errorf("marshal signature: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO history_marks (id, ci_id, seq, created_at, trigger_summary, signature, salience)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		m.ID, m.CIID, int64(m.Seq), formatTime(m.Timestamp), m.TriggerSummary, string(sig), m.Salience,
	)
	if err != nil {
		return fmt.Errorf("save mark %s: %w", m.ID, err)
	}
	return nil
}

func (s *SQLite) DeleteMarks(ctx context.Context, ciID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM history_marks WHERE ci_id = ? AND id = ?`, ciID, id); err != nil {
			return fmt.Errorf("delete mark %s: %w", id, err)
		}
	}
	return tx.Commit()
}

func (s *SQLite) LoadMarks(ctx context.Context, ciID string) ([]avatar.HistoryMark, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ci_id, seq, created_at, trigger_summary, signature, salience
		FROM history_marks WHERE ci_id = ?
		ORDER BY seq ASC`, ciID)
	if err != nil {
		return nil, fmt.Errorf("load marks for %s: %w", ciID, err)
	}
	defer rows.Close()

	var marks []avatar.HistoryMark
	for rows.Next() {
		var m avatar.HistoryMark
		var seq int64
		var created, sig string
		if err := rows.Scan(&m.ID, &m.CIID, &seq, &created, &m.TriggerSummary, &sig, &m.Salience); err != nil {
			return nil, fmt.Errorf("scan mark: %w", err)
		}
		m.Seq = uint64(seq)
		if m.Timestamp, err = parseTime(created); err != nil {
			return nil, fmt.Errorf("parse mark time: %w", err)
		}
		if err := json.Unmarshal([]byte(sig), &m.Signature); err != nil {
			return nil, fmt.Errorf("unmarshal signature %s: %w", m.ID, err)
		}
		marks = append(marks, m)
	}
	return marks, rows.Err()
}

func (s *SQLite) AppendConsent(ctx context.Context, rec avatar.ConsentRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO consent_records (id, ci_id, requester_id, action, granted, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.CIID, rec.RequesterID, string(rec.Action), rec.Granted, rec.Reason, formatTime(rec.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("append consent record: %w", err)
	}
	return nil
}

func (s *SQLite) ListConsent(ctx context.Context, ciID string, limit int) ([]avatar.ConsentRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ci_id, requester_id, action, granted, reason, created_at
		FROM consent_records WHERE ci_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?`, ciID, limit)
	if err != nil {
		return nil, fmt.Errorf("list consent for %s: %w", ciID, err)
	}
	defer rows.Close()

	var out []avatar.ConsentRecord
	for rows.Next() {
		var rec avatar.ConsentRecord
		var action, created string
		if err := rows.Scan(&rec.ID, &rec.CIID, &rec.RequesterID, &action, &rec.Granted, &rec.Reason, &created); err != nil {
			return nil, fmt.Errorf("scan consent record: %w", err)
		}
		rec.Action = avatar.ConsentAction(action)
		if rec.Timestamp, err = parseTime(created); err != nil {
			return nil, fmt.Errorf("parse consent time: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
