package retry

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/gob"
	"errors"
	"fmt"
	"net/http"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// SQLiteBackend keeps queues in a single sqlite table whose primary key is
// the replay order.
type SQLiteBackend struct {
	db *sql.DB
}

const sqliteSchema = `CREATE TABLE IF NOT EXISTS retry_entries (
	queue TEXT NOT NULL,
	enqueued_at INTEGER NOT NULL,
	id TEXT NOT NULL,
	method TEXT NOT NULL,
	url TEXT NOT NULL,
	header BLOB,
	body BLOB,
	PRIMARY KEY (queue, enqueued_at, id)
)`

// OpenSQLiteBackend opens (or creates) the database file at path.
func OpenSQLiteBackend(path string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open retry db %s: %w", path, err)
	}
	// sqlite serializes writers anyway
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create retry schema: %w", err)
	}
	return &SQLiteBackend{db: db}, nil
}

func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}

func encodeHeader(h http.Header) ([]byte, error) {
	if len(h) == 0 {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(h); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeHeader(b []byte) (http.Header, error) {
	h := http.Header{}
	if len(b) == 0 {
		return h, nil
	}
	err := gob.NewDecoder(bytes.NewReader(b)).Decode(&h)
	return h, err
}

func (b *SQLiteBackend) insert(ctx context.Context, e Entry) error {
	hb, err := encodeHeader(e.Request.Header)
	if err != nil {
		return fmt.Errorf("encode header: %w", err)
	}
	_, err = b.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO retry_entries (queue, enqueued_at, id, method, url, header, body) VALUES (?, ?, ?, ?, ?, ?, ?)",
		e.Queue, e.EnqueuedAt.UnixNano(), e.ID, e.Request.Method, e.Request.URL, hb, e.Request.Body)
	if err != nil {
		return fmt.Errorf("store retry entry: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) Append(ctx context.Context, e Entry) error {
	return b.insert(ctx, e)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var (
		e      Entry
		nanos  int64
		header []byte
	)
	if err := row.Scan(&e.Queue, &nanos, &e.ID, &e.Request.Method, &e.Request.URL, &header, &e.Request.Body); err != nil {
		return Entry{}, err
	}
	h, err := decodeHeader(header)
	if err != nil {
		return Entry{}, fmt.Errorf("decode header: %w", err)
	}
	e.Request.Header = h
	e.EnqueuedAt = time.Unix(0, nanos)
	return e, nil
}

const selectColumns = "SELECT queue, enqueued_at, id, method, url, header, body FROM retry_entries"

func (b *SQLiteBackend) Head(ctx context.Context, queue string) (Entry, bool, error) {
	row := b.db.QueryRowContext(ctx, selectColumns+" WHERE queue = ? ORDER BY enqueued_at ASC, id ASC LIMIT 1", queue)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("read retry head: %w", err)
	}
	return e, true, nil
}

func (b *SQLiteBackend) Remove(ctx context.Context, e Entry) error {
	if _, err := b.db.ExecContext(ctx,
		"DELETE FROM retry_entries WHERE queue = ? AND enqueued_at = ? AND id = ?",
		e.Queue, e.EnqueuedAt.UnixNano(), e.ID); err != nil {
		return fmt.Errorf("remove retry entry: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) Tail(ctx context.Context, queue string) (Entry, bool, error) {
	row := b.db.QueryRowContext(ctx, selectColumns+" WHERE queue = ? ORDER BY enqueued_at DESC, id DESC LIMIT 1", queue)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

func (b *SQLiteBackend) List(ctx context.Context, queue string) ([]Entry, error) {
	rows, err := b.db.QueryContext(ctx, selectColumns+" WHERE queue = ? ORDER BY enqueued_at ASC, id ASC", queue)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (b *SQLiteBackend) Queues(ctx context.Context) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, "SELECT DISTINCT queue FROM retry_entries ORDER BY queue")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var q string
		if err := rows.Scan(&q); err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

var _ Backend = (*SQLiteBackend)(nil)
