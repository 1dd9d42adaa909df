package profile

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"
)

// sqliteTime is fixed width so that text ordering matches time ordering.
const sqliteTime = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore persists profiles in a local SQLite file. Traits and event
// properties are stored as JSON text.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// database/sql pools connections; a single one keeps writes serialized.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS profiles (
		user_id    TEXT PRIMARY KEY,
		traits     TEXT NOT NULL DEFAULT '{}',
		updated_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS profile_events (
		id         TEXT PRIMARY KEY,
		user_id    TEXT NOT NULL,
		name       TEXT NOT NULL,
		properties TEXT NOT NULL DEFAULT '{}',
		ts         TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_profile_events_user_ts ON profile_events(user_id, ts);
	CREATE TABLE IF NOT EXISTS profile_turns (
		id           TEXT PRIMARY KEY,
		user_id      TEXT NOT NULL,
		session_id   TEXT NOT NULL,
		role         TEXT NOT NULL,
		content      TEXT NOT NULL,
		pii_redacted INTEGER NOT NULL DEFAULT 0,
		created_at   TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_profile_turns_user_created ON profile_turns(user_id, created_at);
	`)
	return err
}

func (s *SQLiteStore) Get(ctx context.Context, userID string) (Profile, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, traits, updated_at FROM profiles WHERE user_id = ?`, userID)
	return scanSQLiteProfile(row)
}

func (s *SQLiteStore) Lookup(ctx context.Context, email, phone string) (Profile, error) {
	email = normalizeEmail(email)
	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, traits, updated_at FROM profiles
		 WHERE (? <> '' AND lower(json_extract(traits, '$.email')) = ?)
		    OR (? <> '' AND json_extract(traits, '$.phone') = ?)
		 ORDER BY user_id LIMIT 1`,
		email, email, phone, phone)
	return scanSQLiteProfile(row)
}

func (s *SQLiteStore) Identify(ctx context.Context, userID string, traits map[string]any) (Profile, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Profile{}, fmt.Errorf("begin identify: %w", err)
	}
	defer tx.Rollback()

	current, err := scanSQLiteProfile(tx.QueryRowContext(ctx,
		`SELECT user_id, traits, updated_at FROM profiles WHERE user_id = ?`, userID))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Profile{}, err
	}

	p := Profile{
		UserID:    userID,
		Traits:    mergeTraits(current.Traits, traits),
		UpdatedAt: time.Now().UTC(),
	}
	payload, err := json.Marshal(p.Traits)
	if err != nil {
		return Profile{}, fmt.Errorf("marshal traits: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO profiles (user_id, traits, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET traits = excluded.traits, updated_at = excluded.updated_at`,
		userID, string(payload), p.UpdatedAt.Format(sqliteTime)); err != nil {
		return Profile{}, fmt.Errorf("upsert profile: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Profile{}, fmt.Errorf("commit identify: %w", err)
	}
	return p, nil
}

func (s *SQLiteStore) Track(ctx context.Context, event Event) error {
	if event.ID == "" {
		event.ID = ulid.Make().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	props, err := json.Marshal(mergeTraits(nil, event.Properties))
	if err != nil {
		return fmt.Errorf("marshal properties: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO profile_events (id, user_id, name, properties, ts) VALUES (?, ?, ?, ?, ?)`,
		event.ID, event.UserID, event.Name, string(props), event.Timestamp.UTC().Format(sqliteTime))
	if err != nil {
		return fmt.Errorf("track event: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Events(ctx context.Context, userID string, limit int) ([]Event, error) {
	limit = clampLimit(limit, 20)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, name, properties, ts FROM profile_events
		 WHERE user_id = ? ORDER BY ts DESC, id DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	out := make([]Event, 0, limit)
	for rows.Next() {
		var (
			e         Event
			props, ts string
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.Name, &props, &ts); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		if err := json.Unmarshal([]byte(props), &e.Properties); err != nil {
			return nil, fmt.Errorf("decode event properties: %w", err)
		}
		e.Timestamp, _ = time.Parse(sqliteTime, ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SaveTurn(ctx context.Context, record TurnRecord) error {
	if record.ID == "" {
		record.ID = ulid.Make().String()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO profile_turns (id, user_id, session_id, role, content, pii_redacted, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		record.ID, record.UserID, record.SessionID, record.Role, record.Content,
		record.PIIRedacted, record.CreatedAt.UTC().Format(sqliteTime))
	if err != nil {
		return fmt.Errorf("save turn: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RecentTurns(ctx context.Context, userID string, limit int) ([]TurnRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, session_id, role, content, pii_redacted, created_at
		 FROM profile_turns WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent turns: %w", err)
	}
	defer rows.Close()

	items := make([]TurnRecord, 0, limit)
	for rows.Next() {
		var (
			r  TurnRecord
			ts string
		)
		if err := rows.Scan(&r.ID, &r.UserID, &r.SessionID, &r.Role, &r.Content, &r.PIIRedacted, &ts); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		r.CreatedAt, _ = time.Parse(sqliteTime, ts)
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turn rows: %w", err)
	}
	reverse(items)
	return items, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteProfile(row rowScanner) (Profile, error) {
	var (
		p              Profile
		traits, update string
	)
	if err := row.Scan(&p.UserID, &traits, &update); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Profile{}, ErrNotFound
		}
		return Profile{}, fmt.Errorf("scan profile: %w", err)
	}
	if err := json.Unmarshal([]byte(traits), &p.Traits); err != nil {
		return Profile{}, fmt.Errorf("decode traits: %w", err)
	}
	p.UpdatedAt, _ = time.Parse(sqliteTime, update)
	return p, nil
}
