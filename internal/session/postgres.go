package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists sessions in PostgreSQL, for setups shared between
// machines.
type PostgresStore struct {
	pool    *pgxpool.Pool
	profile string
}

func NewPostgresStore(ctx context.Context, databaseURL, profile string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initPostgresSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool, profile: profile}, nil
}

func initPostgresSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS avatar_sessions (
			profile TEXT PRIMARY KEY,
			voice_id TEXT NOT NULL DEFAULT '',
			clone_id TEXT NOT NULL DEFAULT '',
			image_id TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context) (Session, error) {
	var sess Session
	err := s.pool.QueryRow(ctx,
		`SELECT voice_id, clone_id, image_id FROM avatar_sessions WHERE profile=$1`,
		s.profile,
	).Scan(&sess.VoiceID, &sess.CloneID, &sess.ImageID)
	if errors.Is(err, pgx.ErrNoRows) {
		return Session{}, nil
	}
	if err != nil {
		return Session{}, fmt.Errorf("load session: %w", err)
	}
	return sess, nil
}

func (s *PostgresStore) Save(ctx context.Context, sess Session) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO avatar_sessions (profile, voice_id, clone_id, image_id, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (profile) DO UPDATE SET
		   voice_id = EXCLUDED.voice_id,
		   clone_id = EXCLUDED.clone_id,
		   image_id = EXCLUDED.image_id,
		   updated_at = EXCLUDED.updated_at`,
		s.profile, sess.VoiceID, sess.CloneID, sess.ImageID, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *PostgresStore) Clear(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM avatar_sessions WHERE profile=$1`, s.profile); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Kind() string { return "postgres" }
