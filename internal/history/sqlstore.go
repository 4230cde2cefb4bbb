package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS history_records (
    request_id  TEXT PRIMARY KEY,
    kind        TEXT,
    parameters  TEXT,
    status      TEXT NOT NULL,
    requester   TEXT,
    submitted_at TEXT,
    started_at  TEXT,
    finished_at TEXT,
    results     TEXT
);
CREATE INDEX IF NOT EXISTS idx_history_status ON history_records (status);
`

// SQLStore persists the history in SQLite. Appends and updates run inside
// transactions so each record becomes visible atomically.
type SQLStore struct {
	db   *sql.DB
	path string
}

// OpenSQL connects to (or creates) the history database at path.
func OpenSQL(path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open sqlite db: %v", ErrUnavailable, err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%w: apply pragma %q: %v", ErrUnavailable, pragma, execErr)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: apply history schema: %v", ErrUnavailable, err)
	}

	return &SQLStore{db: db, path: path}, nil
}

// Path returns the database file location.
func (s *SQLStore) Path() string { return s.path }

// Close closes the underlying database connection.
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const recordColumns = "request_id, kind, parameters, status, requester, submitted_at, started_at, finished_at, results"

// Read returns a snapshot of every record.
func (s *SQLStore) Read(ctx context.Context) (Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+recordColumns+` FROM history_records ORDER BY request_id`)
	if err != nil {
		return nil, fmt.Errorf("%w: query history: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	snapshot := make(Snapshot)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		snapshot[rec.ID] = rec
	}
	return snapshot, rows.Err()
}

// Append inserts a new record, idempotently for identical content.
func (s *SQLStore) Append(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		return errors.New("history: record id is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin append: %v", ErrUnavailable, err)
	}
	defer tx.Rollback() //nolint:errcheck

	existing, err := getRecordTx(ctx, tx, rec.ID)
	if err == nil {
		if existing.EquivalentContent(rec) {
			return tx.Commit()
		}
		return fmt.Errorf("%w: %s", ErrConflict, rec.ID)
	}
	if !errors.Is(err, ErrNotFound) {
		return err
	}

	params, results, err := encodeMaps(rec)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(
		ctx,
		`INSERT INTO history_records (`+recordColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		nullableString(rec.Kind),
		params,
		string(rec.Status),
		nullableString(rec.Requester),
		nullableTimeValue(rec.Submitted),
		nullableTimePtr(rec.Started),
		nullableTimePtr(rec.Finished),
		results,
	)
	if err != nil {
		return fmt.Errorf("insert history record: %w", err)
	}
	return tx.Commit()
}

// Update transitions an existing record to a new status.
func (s *SQLStore) Update(ctx context.Context, id string, status Status, results map[string]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin update: %v", ErrUnavailable, err)
	}
	defer tx.Rollback() //nolint:errcheck

	rec, err := getRecordTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if err := ValidateTransition(rec.Status, status); err != nil {
		return err
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	switch {
	case status == StatusRunning:
		_, err = tx.ExecContext(
			ctx,
			`UPDATE history_records SET status = ?, started_at = ? WHERE request_id = ?`,
			string(status), now, id,
		)
	case status.Terminal():
		var encoded any
		if len(results) > 0 {
			data, mErr := json.Marshal(results)
			if mErr != nil {
				return fmt.Errorf("encode results: %w", mErr)
			}
			encoded = string(data)
		}
		_, err = tx.ExecContext(
			ctx,
			`UPDATE history_records SET status = ?, finished_at = ?, results = ? WHERE request_id = ?`,
			string(status), now, encoded, id,
		)
	}
	if err != nil {
		return fmt.Errorf("update history record: %w", err)
	}
	return tx.Commit()
}

// Load bulk-inserts a snapshot, replacing records that already exist. Used
// for lossless round-trips with the file backend.
func (s *SQLStore) Load(ctx context.Context, snapshot Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin load: %v", ErrUnavailable, err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, id := range snapshot.IDs() {
		rec := snapshot[id]
		params, results, err := encodeMaps(rec)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(
			ctx,
			`INSERT OR REPLACE INTO history_records (`+recordColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.ID,
			nullableString(rec.Kind),
			params,
			string(rec.Status),
			nullableString(rec.Requester),
			nullableTimeValue(rec.Submitted),
			nullableTimePtr(rec.Started),
			nullableTimePtr(rec.Finished),
			results,
		)
		if err != nil {
			return fmt.Errorf("load history record %s: %w", rec.ID, err)
		}
	}
	return tx.Commit()
}

func getRecordTx(ctx context.Context, tx *sql.Tx, id string) (Record, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM history_records WHERE request_id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Record{}, fmt.Errorf("get history record: %w", err)
	}
	return rec, nil
}

func scanRecord(scanner interface{ Scan(dest ...any) error }) (Record, error) {
	var (
		id          string
		kind        sql.NullString
		paramsRaw   sql.NullString
		statusStr   string
		requester   sql.NullString
		submittedAt sql.NullString
		startedAt   sql.NullString
		finishedAt  sql.NullString
		resultsRaw  sql.NullString
	)
	if err := scanner.Scan(&id, &kind, &paramsRaw, &statusStr, &requester,
		&submittedAt, &startedAt, &finishedAt, &resultsRaw); err != nil {
		return Record{}, err
	}

	rec := Record{
		ID:        id,
		Kind:      kind.String,
		Status:    Status(statusStr),
		Requester: requester.String,
	}
	if paramsRaw.Valid && paramsRaw.String != "" {
		if err := json.Unmarshal([]byte(paramsRaw.String), &rec.Parameters); err != nil {
			return Record{}, fmt.Errorf("decode parameters for %s: %w", id, err)
		}
	}
	if resultsRaw.Valid && resultsRaw.String != "" {
		if err := json.Unmarshal([]byte(resultsRaw.String), &rec.Results); err != nil {
			return Record{}, fmt.Errorf("decode results for %s: %w", id, err)
		}
	}
	if t, ok := parseTime(submittedAt); ok {
		rec.Submitted = t
	}
	if t, ok := parseTime(startedAt); ok {
		rec.Started = &t
	}
	if t, ok := parseTime(finishedAt); ok {
		rec.Finished = &t
	}
	return rec, nil
}

func encodeMaps(rec Record) (params any, results any, err error) {
	if len(rec.Parameters) > 0 {
		data, err := json.Marshal(rec.Parameters)
		if err != nil {
			return nil, nil, fmt.Errorf("encode parameters: %w", err)
		}
		params = string(data)
	}
	if len(rec.Results) > 0 {
		data, err := json.Marshal(rec.Results)
		if err != nil {
			return nil, nil, fmt.Errorf("encode results: %w", err)
		}
		results = string(data)
	}
	return params, results, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableTimeValue(value time.Time) any {
	if value.IsZero() {
		return nil
	}
	return value.UTC().Format(time.RFC3339Nano)
}

func nullableTimePtr(value *time.Time) any {
	if value == nil {
		return nil
	}
	return value.UTC().Format(time.RFC3339Nano)
}

func parseTime(value sql.NullString) (time.Time, bool) {
	if !value.Valid || value.String == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339Nano, value.String); err == nil {
		return t, true
	}
	return time.Time{}, false
}

var _ Store = (*SQLStore)(nil)
