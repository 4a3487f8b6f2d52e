package callstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure-Go driver, registers as "sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS calls (
	id          TEXT PRIMARY KEY,
	caller_id   TEXT NOT NULL,
	receiver_id TEXT NOT NULL,
	call_type   TEXT NOT NULL CHECK (call_type IN ('voice','video')),
	status      TEXT NOT NULL CHECK (status IN ('pending','accepted','rejected','ended')),
	started_at  INTEGER,
	ended_at    INTEGER,
	created_at  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_calls_receiver_status ON calls (receiver_id, status);

CREATE TABLE IF NOT EXISTS signaling_log (
	seq       INTEGER PRIMARY KEY AUTOINCREMENT,
	call_id   TEXT NOT NULL,
	sender_id TEXT NOT NULL,
	kind      TEXT NOT NULL,
	payload   BLOB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_signaling_log_call ON signaling_log (call_id, seq);
`

// SQLiteStore is the durable Store backing the signaling server.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (creating if necessary) the database at path and applies
// the schema. WAL keeps concurrent readers cheap; foreign keys are off by
// default in SQLite and must be requested.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) CreateCall(ctx context.Context, rec CallRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO calls (id, caller_id, receiver_id, call_type, status, started_at, ended_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.CallerID, rec.ReceiverID, string(rec.Mode), string(rec.Status),
		unixOrNil(rec.StartedAt), unixOrNil(rec.EndedAt), rec.CreatedAt.UnixMilli(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrExists
		}
		return fmt.Errorf("insert call: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetCall(ctx context.Context, id string) (CallRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, caller_id, receiver_id, call_type, status, started_at, ended_at, created_at
		FROM calls WHERE id = ?`, id)
	return scanCall(row)
}

func (s *SQLiteStore) UpdateCallStatus(ctx context.Context, id string, status Status, at time.Time) (CallRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return CallRecord{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT id, caller_id, receiver_id, call_type, status, started_at, ended_at, created_at
		FROM calls WHERE id = ?`, id)
	rec, err := scanCall(row)
	if err != nil {
		return CallRecord{}, err
	}

	updated, err := applyStatus(rec, status, at)
	if err != nil {
		return CallRecord{}, err
	}
	if updated.Status == rec.Status {
		// Idempotent update; nothing to write.
		return rec, nil
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE calls SET status = ?, started_at = ?, ended_at = ? WHERE id = ?`,
		string(updated.Status), unixOrNil(updated.StartedAt), unixOrNil(updated.EndedAt), id,
	); err != nil {
		return CallRecord{}, fmt.Errorf("update call: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return CallRecord{}, fmt.Errorf("commit: %w", err)
	}
	return updated, nil
}

func (s *SQLiteStore) PendingCalls(ctx context.Context, receiverID string) ([]CallRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, caller_id, receiver_id, call_type, status, started_at, ended_at, created_at
		FROM calls WHERE receiver_id = ? AND status = 'pending' ORDER BY created_at`, receiverID)
	if err != nil {
		return nil, fmt.Errorf("query pending calls: %w", err)
	}
	defer rows.Close()

	var out []CallRecord
	for rows.Next() {
		rec, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AppendSignal(ctx context.Context, entry SignalEntry) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO signaling_log (call_id, sender_id, kind, payload) VALUES (?, ?, ?, ?)`,
		entry.CallID, entry.SenderID, entry.Kind, entry.Payload,
	)
	if err != nil {
		return 0, fmt.Errorf("append signal: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("append signal: %w", err)
	}
	return seq, nil
}

func (s *SQLiteStore) SignalsSince(ctx context.Context, callID string, afterSeq int64) ([]SignalEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, call_id, sender_id, kind, payload
		FROM signaling_log WHERE call_id = ? AND seq > ? ORDER BY seq`, callID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("query signals: %w", err)
	}
	defer rows.Close()

	var out []SignalEntry
	for rows.Next() {
		var entry SignalEntry
		if err := rows.Scan(&entry.Seq, &entry.CallID, &entry.SenderID, &entry.Kind, &entry.Payload); err != nil {
			return nil, fmt.Errorf("scan signal: %w", err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCall(row rowScanner) (CallRecord, error) {
	var (
		rec       CallRecord
		mode      string
		status    string
		startedAt sql.NullInt64
		endedAt   sql.NullInt64
		createdAt int64
	)
	err := row.Scan(&rec.ID, &rec.CallerID, &rec.ReceiverID, &mode, &status, &startedAt, &endedAt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return CallRecord{}, ErrNotFound
	}
	if err != nil {
		return CallRecord{}, fmt.Errorf("scan call: %w", err)
	}
	rec.Mode = Mode(mode)
	rec.Status = Status(status)
	rec.StartedAt = timeOrNil(startedAt)
	rec.EndedAt = timeOrNil(endedAt)
	rec.CreatedAt = time.UnixMilli(createdAt)
	return rec, nil
}

func unixOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func timeOrNil(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}

func isUniqueViolation(err error) bool {
	// modernc.org/sqlite surfaces constraint failures in the error text;
	// the driver does not export a stable error type for them.
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}
