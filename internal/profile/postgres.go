package profile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/slofp/estella/internal/voice"
)

// PostgresStore persists profiles in user_data and exchanges in
// talk_history.
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
		`CREATE TABLE IF NOT EXISTS user_data (
			uid TEXT PRIMARY KEY,
			call_name TEXT NOT NULL DEFAULT '',
			gender TEXT NOT NULL DEFAULT '',
			message_counter BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS talk_history (
			id BIGSERIAL PRIMARY KEY,
			user_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			input_text TEXT NOT NULL,
			output_text TEXT NOT NULL,
			talk_date TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_talk_history_user_date ON talk_history (user_id, talk_date);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) GetSpeakerProfile(ctx context.Context, id voice.SpeakerID) (voice.Profile, error) {
	var name, gender string
	var counter int64
	err := s.pool.QueryRow(ctx,
		`SELECT call_name, gender, message_counter FROM user_data WHERE uid=$1`,
		string(id),
	).Scan(&name, &gender, &counter)
	if errors.Is(err, pgx.ErrNoRows) {
		return voice.Profile{}, voice.ErrProfileNotFound
	}
	if err != nil {
		return voice.Profile{}, fmt.Errorf("get profile %s: %w", id, err)
	}
	return voice.Profile{
		ID:                id,
		DisplayName:       name,
		PronounClass:      pronounClass(gender),
		EngagementCounter: counter,
	}, nil
}

func (s *PostgresStore) IncrementEngagementCounter(ctx context.Context, id voice.SpeakerID) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO user_data (uid, message_counter) VALUES ($1, 1)
		 ON CONFLICT (uid) DO UPDATE SET message_counter = user_data.message_counter + 1, updated_at = now()`,
		string(id),
	)
	if err != nil {
		return fmt.Errorf("increment engagement %s: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) SaveTalk(ctx context.Context, rec voice.TalkRecord) error {
	if rec.At.IsZero() {
		rec.At = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO talk_history (user_id, session_id, input_text, output_text, talk_date)
		 VALUES ($1, $2, $3, $4, $5)`,
		string(rec.Speaker),
		rec.SessionID,
		rec.Input,
		rec.Output,
		rec.At,
	)
	if err != nil {
		return fmt.Errorf("save talk: %w", err)
	}
	return nil
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
