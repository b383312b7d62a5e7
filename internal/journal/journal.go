// Package journal records finished server sessions in PostgreSQL.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"tftp/internal/migrations"
)

const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

var (
	ErrOpen   = errors.New("failed to open journal")
	ErrRecord = errors.New("failed to record transfer")
	ErrQuery  = errors.New("failed to query journal")
)

// Entry is one finished session as the server saw it.
type Entry struct {
	Role        string
	Filename    string
	Peer        string
	Transport   string
	Bytes       int
	Blocks      int
	Retransmits int
	Status      string
	Error       string
	Started     time.Time
	Finished    time.Time
}

type Store struct {
	db *sql.DB
}

// Open connects to dsn and migrates the schema before returning.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOpen, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %w", ErrOpen, err)
	}
	if _, err := migrations.Run(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %w", ErrOpen, err)
	}
	return New(db), nil
}

// New wraps an already migrated database.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error { return s.db.Close() }

const insertTransfer = `INSERT INTO transfers
	(role, filename, peer, transport, bytes, blocks, retransmits, status, error, started_at, finished_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

func (s *Store) Record(ctx context.Context, e Entry) error {
	_, err := s.db.ExecContext(ctx, insertTransfer,
		e.Role, e.Filename, e.Peer, e.Transport,
		e.Bytes, e.Blocks, e.Retransmits,
		e.Status, e.Error,
		e.Started.UTC(), e.Finished.UTC(),
	)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRecord, err)
	}
	return nil
}

const selectRecent = `SELECT role, filename, peer, transport, bytes, blocks, retransmits, status, error, started_at, finished_at
	FROM transfers ORDER BY finished_at DESC, id DESC LIMIT $1`

// Recent returns up to limit entries, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, selectRecent, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrQuery, err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(
			&e.Role, &e.Filename, &e.Peer, &e.Transport,
			&e.Bytes, &e.Blocks, &e.Retransmits,
			&e.Status, &e.Error,
			&e.Started, &e.Finished,
		); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrQuery, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrQuery, err)
	}
	return out, nil
}
