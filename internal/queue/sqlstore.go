package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Dialect selects SQL syntax differences between backends.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// DialectFor maps a database/sql driver name to its dialect.
func DialectFor(driver string) (Dialect, error) {
	switch driver {
	case "sqlite3", "sqlite":
		return DialectSQLite, nil
	case "pgx", "postgres":
		return DialectPostgres, nil
	default:
		return "", fmt.Errorf("unsupported queue driver %q", driver)
	}
}

// SQLStore is a Backend on database/sql. The claim is a single
// UPDATE ... WHERE seq = (SELECT ... LIMIT 1) RETURNING statement; on
// postgres the inner select takes FOR UPDATE SKIP LOCKED so concurrent
// hubs sharing a database never claim the same row.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

// Open opens a database with the named driver ("sqlite3", "sqlite" or
// "pgx") and returns a migrated store that owns the connection.
func Open(driver, dsn string) (*SQLStore, error) {
	dialect, err := DialectFor(driver)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	s, err := NewSQLStore(db, dialect)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLStore wraps an open database and creates the schema. SQLite
// databases are limited to one connection so writes serialize.
func NewSQLStore(db *sql.DB, dialect Dialect) (*SQLStore, error) {
	if dialect == DialectSQLite {
		db.SetMaxOpenConns(1)
	}
	s := &SQLStore{db: db, dialect: dialect, now: time.Now}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) migrate() error {
	seq := "seq INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.dialect == DialectPostgres {
		seq = "seq BIGSERIAL PRIMARY KEY"
	}
	schema := []string{
		`CREATE TABLE IF NOT EXISTS queue_items (
			` + seq + `,
			id              TEXT NOT NULL UNIQUE,
			type            TEXT NOT NULL,
			priority        INTEGER NOT NULL,
			payload         TEXT NOT NULL,
			attempts        INTEGER NOT NULL DEFAULT 0,
			max_attempts    INTEGER NOT NULL,
			status          TEXT NOT NULL,
			enqueued_at     BIGINT NOT NULL,
			updated_at      BIGINT NOT NULL,
			next_retry_at   BIGINT NOT NULL DEFAULT 0,
			idempotency_key TEXT NOT NULL DEFAULT '',
			correlation_id  TEXT NOT NULL DEFAULT '',
			source          TEXT NOT NULL DEFAULT '',
			owner           TEXT NOT NULL DEFAULT '',
			last_error      TEXT NOT NULL DEFAULT '',
			error_kind      TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_items_claim ON queue_items(priority, status, seq)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_queue_items_live_key ON queue_items(idempotency_key)
			WHERE idempotency_key <> '' AND status IN ('pending', 'in_flight', 'failed')`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

const itemColumns = `id, type, priority, payload, attempts, max_attempts, status,
	enqueued_at, updated_at, next_retry_at, idempotency_key, correlation_id,
	source, owner, last_error, error_kind`

// rebind rewrites ? placeholders as $n for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(row scanner) (*Item, error) {
	var (
		it                           Item
		payload, status              string
		priority                     int
		enqueued, updated, nextRetry int64
	)
	err := row.Scan(&it.ID, &it.Type, &priority, &payload, &it.Attempts, &it.MaxAttempts,
		&status, &enqueued, &updated, &nextRetry, &it.IdempotencyKey, &it.CorrelationID,
		&it.Source, &it.Owner, &it.LastError, &it.ErrorKind)
	if err != nil {
		return nil, err
	}
	it.Priority = Priority(priority)
	it.Payload = json.RawMessage(payload)
	it.Status = Status(status)
	it.EnqueuedAt = fromNanos(enqueued)
	it.UpdatedAt = fromNanos(updated)
	it.NextRetryAt = fromNanos(nextRetry)
	return &it, nil
}

// Enqueue implements Store.
func (s *SQLStore) Enqueue(ctx context.Context, it *Item) (string, error) {
	if it.IdempotencyKey != "" {
		existing, err := s.FindActive(ctx, it.IdempotencyKey)
		if err == nil {
			return existing.ID, ErrDuplicate
		}
		if !errors.Is(err, ErrNotFound) {
			return "", err
		}
	}
	if it.ID == "" {
		it.ID = NewID()
	}
	now := s.now()
	if it.EnqueuedAt.IsZero() {
		it.EnqueuedAt = now
	}
	it.UpdatedAt = now
	it.Status = StatusPending
	it.Owner = ""
	payload := string(it.Payload)
	if payload == "" {
		payload = "null"
	}

	_, err := s.exec(ctx, `
		INSERT INTO queue_items (`+itemColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		it.ID, it.Type, int(it.Priority), payload, it.Attempts, it.MaxAttempts,
		string(it.Status), nanos(it.EnqueuedAt), nanos(it.UpdatedAt), nanos(it.NextRetryAt),
		it.IdempotencyKey, it.CorrelationID, it.Source, it.Owner, it.LastError, it.ErrorKind)
	if err != nil {
		// A concurrent submit may have won the live-key index.
		if it.IdempotencyKey != "" {
			if existing, ferr := s.FindActive(ctx, it.IdempotencyKey); ferr == nil {
				return existing.ID, ErrDuplicate
			}
		}
		return "", fmt.Errorf("insert item: %w", err)
	}
	return it.ID, nil
}

// Claim implements Store.
func (s *SQLStore) Claim(ctx context.Context, workerID string, lanes []Priority, now time.Time) (*Item, error) {
	lock := ""
	if s.dialect == DialectPostgres {
		lock = " FOR UPDATE SKIP LOCKED"
	}
	query := `
		UPDATE queue_items SET status = 'in_flight', owner = ?, updated_at = ?
		WHERE status IN ('pending', 'failed') AND seq = (
			SELECT seq FROM queue_items
			WHERE priority = ? AND status IN ('pending', 'failed') AND next_retry_at <= ?
			ORDER BY seq LIMIT 1` + lock + `
		)
		RETURNING ` + itemColumns

	for _, lane := range lanes {
		it, err := scanItem(s.queryRow(ctx, query, workerID, nanos(now), int(lane), now.UnixNano()))
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("claim %s: %w", lane, err)
		}
		return it, nil
	}
	return nil, ErrEmpty
}

// Ack implements Store.
func (s *SQLStore) Ack(ctx context.Context, id, workerID string) error {
	res, err := s.exec(ctx,
		`DELETE FROM queue_items WHERE id = ? AND status = 'in_flight' AND owner = ?`,
		id, workerID)
	if err != nil {
		return fmt.Errorf("ack %s: %w", id, err)
	}
	return s.checkOwned(ctx, res, id)
}

// Nack implements Store.
func (s *SQLStore) Nack(ctx context.Context, id, workerID string, r Release) error {
	switch r.Status {
	case StatusPending, StatusFailed, StatusDeadLettered:
	default:
		return fmt.Errorf("nack to %s: %w", r.Status, ErrInvalidState)
	}
	res, err := s.exec(ctx, `
		UPDATE queue_items
		SET status = ?, attempts = ?, next_retry_at = ?, last_error = ?, error_kind = ?,
			owner = '', updated_at = ?
		WHERE id = ? AND status = 'in_flight' AND owner = ?`,
		string(r.Status), r.Attempts, nanos(r.NextRetryAt), r.LastError, r.ErrorKind,
		nanos(s.now()), id, workerID)
	if err != nil {
		return fmt.Errorf("nack %s: %w", id, err)
	}
	return s.checkOwned(ctx, res, id)
}

// checkOwned turns a zero-row owner-guarded write into ErrNotFound or
// ErrNotOwner.
func (s *SQLStore) checkOwned(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return ErrNotOwner
}

// Get implements Ledger.
func (s *SQLStore) Get(ctx context.Context, id string) (*Item, error) {
	it, err := scanItem(s.queryRow(ctx,
		`SELECT `+itemColumns+` FROM queue_items WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", id, err)
	}
	return it, nil
}

// FindActive implements Ledger.
func (s *SQLStore) FindActive(ctx context.Context, key string) (*Item, error) {
	it, err := scanItem(s.queryRow(ctx, `
		SELECT `+itemColumns+` FROM queue_items
		WHERE idempotency_key = ? AND status IN ('pending', 'in_flight', 'failed')
		LIMIT 1`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find key %s: %w", key, err)
	}
	return it, nil
}

// Remove implements Ledger.
func (s *SQLStore) Remove(ctx context.Context, id string) (*Item, error) {
	it, err := scanItem(s.queryRow(ctx, `
		DELETE FROM queue_items WHERE id = ? AND status IN ('pending', 'failed')
		RETURNING `+itemColumns, id))
	if errors.Is(err, sql.ErrNoRows) {
		existing, gerr := s.Get(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		return nil, fmt.Errorf("remove %s item: %w", existing.Status, ErrInvalidState)
	}
	if err != nil {
		return nil, fmt.Errorf("remove %s: %w", id, err)
	}
	return it, nil
}

// Counts implements Ledger.
func (s *SQLStore) Counts(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM queue_items GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count items: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int, len(Statuses))
	for _, st := range Statuses {
		counts[st] = 0
	}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[Status(status)] = n
	}
	return counts, rows.Err()
}

// List implements Ledger.
func (s *SQLStore) List(ctx context.Context, status Status, limit int) ([]*Item, error) {
	query := `SELECT ` + itemColumns + ` FROM queue_items`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY priority, seq`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()

	var out []*Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// Requeue implements Ledger.
func (s *SQLStore) Requeue(ctx context.Context, id string, now time.Time) (*Item, error) {
	existing, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing.Status != StatusDeadLettered {
		return nil, fmt.Errorf("requeue %s item: %w", existing.Status, ErrInvalidState)
	}
	if existing.IdempotencyKey != "" {
		if _, err := s.FindActive(ctx, existing.IdempotencyKey); err == nil {
			return nil, fmt.Errorf("requeue %s: %w", id, ErrDuplicate)
		}
	}

	it, err := scanItem(s.queryRow(ctx, `
		UPDATE queue_items
		SET status = 'pending', attempts = 0, next_retry_at = 0, updated_at = ?
		WHERE id = ? AND status = 'dead_lettered'
		RETURNING `+itemColumns, nanos(now), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("requeue %s: %w", id, ErrInvalidState)
	}
	if err != nil {
		return nil, fmt.Errorf("requeue %s: %w", id, err)
	}
	return it, nil
}

// Recover implements Ledger.
func (s *SQLStore) Recover(ctx context.Context) (int, error) {
	res, err := s.exec(ctx, `
		UPDATE queue_items SET status = 'pending', owner = '', updated_at = ?
		WHERE status = 'in_flight'`, nanos(s.now()))
	if err != nil {
		return 0, fmt.Errorf("recover in-flight items: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}
