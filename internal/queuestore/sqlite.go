package queuestore

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/jmgilman/go/errors"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - no schema
// 1 - pending_requests
const currentSchemaVersion = 1

// SQLite is the durable Store.
//
// The database runs in WAL mode with a single connection; SQLite allows one
// writer at a time and the queue is never hot enough to need more.
type SQLite struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeDatabase, "open queue store %s", path)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, errors.CodeDatabase, "connect queue store %s", path)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return errors.Wrapf(err, errors.CodeDatabase, "execute %q", p)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return errors.Wrap(err, errors.CodeDatabase, "get user_version")
	}
	if version > currentSchemaVersion {
		return errors.Newf(errors.CodeSchemaVersionIncompatible,
			"queue store schema v%d is newer than supported v%d", version, currentSchemaVersion)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		return errors.Wrap(err, errors.CodeDatabase, "apply schema")
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return errors.Wrap(err, errors.CodeDatabase, "set user_version")
	}
	return nil
}

func (s *SQLite) Append(ctx context.Context, rec Record) (int64, error) {
	headers, err := json.Marshal(rec.Header)
	if err != nil {
		return 0, errors.Wrap(err, errors.CodeInvalidInput, "encode headers")
	}
	if rec.EnqueuedAt.IsZero() {
		rec.EnqueuedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_requests (url, method, headers, body, enqueued_at)
		VALUES (?, ?, ?, ?, ?)
	`, rec.URL, rec.Method, string(headers), rec.Body, rec.EnqueuedAt.UnixMilli())
	if err != nil {
		return 0, errors.Wrap(err, errors.CodeDatabase, "append record")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errors.Wrap(err, errors.CodeDatabase, "append record: last insert id")
	}
	return id, nil
}

func (s *SQLite) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, url, method, headers, body, enqueued_at
		FROM pending_requests
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeDatabase, "list records")
	}
	defer rows.Close()

	out := []Record{}
	for rows.Next() {
		var (
			rec      Record
			headers  string
			enqueued int64
		)
		if err := rows.Scan(&rec.ID, &rec.URL, &rec.Method, &headers, &rec.Body, &enqueued); err != nil {
			return nil, errors.Wrap(err, errors.CodeDatabase, "scan record")
		}
		rec.Header = http.Header{}
		if err := json.Unmarshal([]byte(headers), &rec.Header); err != nil {
			return nil, errors.Wrapf(err, errors.CodeDatabase, "decode headers of record %d", rec.ID)
		}
		if rec.Header == nil {
			rec.Header = http.Header{}
		}
		rec.EnqueuedAt = time.UnixMilli(enqueued)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.CodeDatabase, "iterate records")
	}
	return out, nil
}

func (s *SQLite) Delete(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pending_requests WHERE id = ?`, id); err != nil {
		return errors.Wrapf(err, errors.CodeDatabase, "delete record %d", id)
	}
	return nil
}

func (s *SQLite) Len(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_requests`).Scan(&n); err != nil {
		return 0, errors.Wrap(err, errors.CodeDatabase, "count records")
	}
	return n, nil
}
