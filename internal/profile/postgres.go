package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
)

// PostgresStore persists profiles in PostgreSQL with JSONB traits.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS profiles (
			user_id TEXT PRIMARY KEY,
			traits JSONB NOT NULL DEFAULT '{}'::jsonb,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_profiles_email ON profiles ((lower(traits->>'email')));`,
		`CREATE INDEX IF NOT EXISTS idx_profiles_phone ON profiles ((traits->>'phone'));`,
		`CREATE TABLE IF NOT EXISTS profile_events (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			name TEXT NOT NULL,
			properties JSONB NOT NULL DEFAULT '{}'::jsonb,
			ts TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_profile_events_user_ts ON profile_events (user_id, ts);`,
		`CREATE TABLE IF NOT EXISTS profile_turns (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			pii_redacted BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_profile_turns_user_created ON profile_turns (user_id, created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, userID string) (Profile, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT user_id, traits, updated_at FROM profiles WHERE user_id=$1`, userID)
	return scanProfile(row)
}

func (s *PostgresStore) Lookup(ctx context.Context, email, phone string) (Profile, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT user_id, traits, updated_at FROM profiles
		 WHERE ($1 <> '' AND lower(traits->>'email') = $1)
		    OR ($2 <> '' AND traits->>'phone' = $2)
		 ORDER BY user_id LIMIT 1`,
		normalizeEmail(email), phone)
	return scanProfile(row)
}

func (s *PostgresStore) Identify(ctx context.Context, userID string, traits map[string]any) (Profile, error) {
	payload, err := json.Marshal(mergeTraits(nil, traits))
	if err != nil {
		return Profile{}, fmt.Errorf("marshal traits: %w", err)
	}
	row := s.pool.QueryRow(ctx,
		`INSERT INTO profiles (user_id, traits, updated_at) VALUES ($1, $2::jsonb, $3)
		 ON CONFLICT (user_id) DO UPDATE
		 SET traits = profiles.traits || EXCLUDED.traits, updated_at = EXCLUDED.updated_at
		 RETURNING user_id, traits, updated_at`,
		userID, string(payload), time.Now().UTC())
	p, err := scanProfile(row)
	if err != nil {
		return Profile{}, fmt.Errorf("identify: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) Track(ctx context.Context, event Event) error {
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
	_, err = s.pool.Exec(ctx,
		`INSERT INTO profile_events (id, user_id, name, properties, ts) VALUES ($1, $2, $3, $4::jsonb, $5)`,
		event.ID, event.UserID, event.Name, string(props), event.Timestamp)
	if err != nil {
		return fmt.Errorf("track event: %w", err)
	}
	return nil
}

func (s *PostgresStore) Events(ctx context.Context, userID string, limit int) ([]Event, error) {
	limit = clampLimit(limit, 20)
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, name, properties, ts FROM profile_events
		 WHERE user_id=$1 ORDER BY ts DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	out := make([]Event, 0, limit)
	for rows.Next() {
		var (
			e     Event
			props []byte
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.Name, &props, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		if err := json.Unmarshal(props, &e.Properties); err != nil {
			return nil, fmt.Errorf("decode event properties: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate event rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) SaveTurn(ctx context.Context, record TurnRecord) error {
	if record.ID == "" {
		record.ID = ulid.Make().String()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO profile_turns (id, user_id, session_id, role, content, pii_redacted, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		record.ID,
		record.UserID,
		record.SessionID,
		record.Role,
		record.Content,
		record.PIIRedacted,
		record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save turn: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecentTurns(ctx context.Context, userID string, limit int) ([]TurnRecord, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, session_id, role, content, pii_redacted, created_at
		 FROM profile_turns WHERE user_id=$1 ORDER BY created_at DESC LIMIT $2`,
		userID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent turns: %w", err)
	}
	defer rows.Close()

	items := make([]TurnRecord, 0, limit)
	for rows.Next() {
		var r TurnRecord
		if err := rows.Scan(&r.ID, &r.UserID, &r.SessionID, &r.Role, &r.Content, &r.PIIRedacted, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turn rows: %w", err)
	}

	reverse(items)
	return items, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanProfile(row pgx.Row) (Profile, error) {
	var (
		p      Profile
		traits []byte
	)
	if err := row.Scan(&p.UserID, &traits, &p.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Profile{}, ErrNotFound
		}
		return Profile{}, fmt.Errorf("scan profile: %w", err)
	}
	if err := json.Unmarshal(traits, &p.Traits); err != nil {
		return Profile{}, fmt.Errorf("decode traits: %w", err)
	}
	return p, nil
}

func reverse[T any](items []T) {
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
}
