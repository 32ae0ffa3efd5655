package credstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/danhigham/telefleet/internal/domain"
)

const credentialsSchema = `CREATE TABLE IF NOT EXISTS credentials (
	identity   TEXT PRIMARY KEY,
	data       BLOB NOT NULL,
	updated_at INTEGER NOT NULL
)`

// SQLiteStore keeps every identity's credentials in one SQLite table.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	dsn := filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(credentialsSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create credentials table: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ensure is a no-op; the table is created on open.
func (s *SQLiteStore) Ensure(ctx context.Context, id domain.Identity) error {
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, id domain.Identity) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM credentials WHERE identity = ?`, id.String(),
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	return data, nil
}

func (s *SQLiteStore) Save(ctx context.Context, id domain.Identity, data []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credentials (identity, data, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(identity) DO UPDATE SET
		    data = excluded.data,
		    updated_at = excluded.updated_at`,
		id.String(), data, time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save credentials: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id domain.Identity) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE identity = ?`, id.String()); err != nil {
		return fmt.Errorf("delete credentials: %w", err)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]domain.Identity, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT identity FROM credentials ORDER BY identity`)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	var ids []domain.Identity
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		ids = append(ids, domain.Identity(raw))
	}
	return ids, rows.Err()
}
