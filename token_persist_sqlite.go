package resilientgateway

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "modernc.org/sqlite"
)

// SQLitePersister keeps the session credential in a single-row SQLite table,
// for hosts that already keep local state in SQLite.
type SQLitePersister struct {
	db *sql.DB
}

func NewSQLitePersister(dbPath string) (*SQLitePersister, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, err
	}

	if err := migrateTokenTable(db); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLitePersister{db: db}, nil
}

func migrateTokenTable(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS session_token (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			value TEXT NOT NULL,
			obtained_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL DEFAULT 0
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLitePersister) Load(ctx context.Context) (*TokenRecord, error) {
	var (
		value     string
		obtained  int64
		expiresAt int64
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT value, obtained_at, expires_at FROM session_token WHERE id = 1",
	).Scan(&value, &obtained, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rec := &TokenRecord{Value: value, ObtainedAt: time.UnixMilli(obtained)}
	if expiresAt > 0 {
		rec.ExpiresAt = time.UnixMilli(expiresAt)
	}
	return rec, nil
}

func (s *SQLitePersister) Save(ctx context.Context, rec *TokenRecord) error {
	var expiresAt int64
	if !rec.ExpiresAt.IsZero() {
		expiresAt = rec.ExpiresAt.UnixMilli()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO session_token (id, value, obtained_at, expires_at) VALUES (1, ?, ?, ?)`,
		rec.Value, rec.ObtainedAt.UnixMilli(), expiresAt,
	)
	return err
}

func (s *SQLitePersister) Delete(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM session_token WHERE id = 1")
	return err
}

func (s *SQLitePersister) Close() error {
	return s.db.Close()
}
