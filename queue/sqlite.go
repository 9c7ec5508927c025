package queue

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/c360/eventrelay/errors"
	"github.com/c360/eventrelay/message"
)

const backendSQLite = "sqlite"

// DefaultPollInterval is how often a blocked SQLiteQueue reader checks for
// entries written by other processes.
const DefaultPollInterval = 500 * time.Millisecond

// SQLiteQueue is a Queue stored in a single SQLite file. Several processes
// on one host may share the file; each reader polls for entries added
// elsewhere and is woken immediately for entries added in-process.
type SQLiteQueue struct {
	db     *sql.DB
	stream string
	poll   time.Duration
	opts   options

	mu        sync.Mutex
	notify    chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

// NewSQLiteQueue opens (creating if needed) the queue database at dsn and
// uses stream as the log name inside it.
func NewSQLiteQueue(ctx context.Context, dsn, stream string, poll time.Duration, opts ...Option) (*SQLiteQueue, error) {
	if stream == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "SQLiteQueue", "NewSQLiteQueue", "stream name")
	}
	if filePath, onDisk := sqliteFilePathFromDSN(dsn); onDisk {
		if dir := filepath.Dir(filePath); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, errors.WrapFatal(err, "SQLiteQueue", "NewSQLiteQueue", "create database directory")
			}
		}
		if err := ensurePrivateSQLiteFile(filePath); err != nil {
			return nil, errors.WrapFatal(err, "SQLiteQueue", "NewSQLiteQueue", "create database file")
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.WrapFatal(err, "SQLiteQueue", "NewSQLiteQueue", "open database")
	}

	// One connection keeps the pragmas below in force and serializes
	// in-process writers; other processes are handled by busy_timeout.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, errors.WrapFatal(err, "SQLiteQueue", "NewSQLiteQueue", pragma)
		}
	}

	if poll <= 0 {
		poll = DefaultPollInterval
	}
	q := &SQLiteQueue{
		db:     db,
		stream: stream,
		poll:   poll,
		opts:   buildOptions(opts),
		notify: make(chan struct{}),
		closed: make(chan struct{}),
	}
	if err := q.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return q, nil
}

func (q *SQLiteQueue) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS queue_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		stream TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_queue_entries_stream ON queue_entries(stream, id);

	CREATE TABLE IF NOT EXISTS queue_groups (
		stream TEXT NOT NULL,
		name TEXT NOT NULL,
		last_id INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (stream, name)
	);

	CREATE TABLE IF NOT EXISTS queue_pending (
		stream TEXT NOT NULL,
		group_name TEXT NOT NULL,
		entry_id INTEGER NOT NULL,
		consumer TEXT NOT NULL,
		delivered_at INTEGER NOT NULL,
		deliveries INTEGER NOT NULL DEFAULT 1,
		PRIMARY KEY (stream, group_name, entry_id)
	);

	CREATE INDEX IF NOT EXISTS idx_queue_pending_consumer ON queue_pending(stream, group_name, consumer, entry_id);
	`
	if _, err := q.db.ExecContext(ctx, schema); err != nil {
		return errors.WrapFatal(err, "SQLiteQueue", "initSchema", "create tables")
	}
	return nil
}

// Add appends payload
func (q *SQLiteQueue) Add(ctx context.Context, payload message.Message) (string, error) {
	if q.isClosed() {
		return "", errors.WrapFatal(errors.ErrQueueClosed, "SQLiteQueue", "Add", "append entry")
	}
	data, err := payload.Encode()
	if err != nil {
		q.opts.record(backendSQLite, "add", err)
		return "", errors.WrapInvalid(err, "SQLiteQueue", "Add", "encode payload")
	}

	res, err := q.db.ExecContext(ctx,
		`INSERT INTO queue_entries (stream, payload, created_at) VALUES (?, ?, ?)`,
		q.stream, string(data), time.Now().UnixMilli())
	if err == nil {
		var id int64
		id, err = res.LastInsertId()
		if err == nil {
			q.opts.record(backendSQLite, "add", nil)
			q.wake()
			return strconv.FormatInt(id, 10), nil
		}
	}
	q.opts.record(backendSQLite, "add", err)
	return "", errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrQueueUnavailable, err), "SQLiteQueue", "Add", "insert entry")
}

func (q *SQLiteQueue) wake() {
	q.mu.Lock()
	close(q.notify)
	q.notify = make(chan struct{})
	q.mu.Unlock()
}

// ReadGroup returns the consumer's oldest pending entry, else the next entry
// the group has not seen, polling until one exists.
func (q *SQLiteQueue) ReadGroup(ctx context.Context, group, consumer string) (Entry, error) {
	for {
		if q.isClosed() {
			return Entry{}, errors.WrapFatal(errors.ErrQueueClosed, "SQLiteQueue", "ReadGroup", "read entry")
		}

		q.mu.Lock()
		wait := q.notify
		q.mu.Unlock()

		entry, ok, err := q.readOnce(ctx, group, consumer)
		if err != nil {
			q.opts.record(backendSQLite, "read", err)
			if ctx.Err() != nil {
				return Entry{}, errors.WrapTransient(ctx.Err(), "SQLiteQueue", "ReadGroup", "read entry")
			}
			return Entry{}, err
		}
		if ok {
			q.opts.record(backendSQLite, "read", nil)
			return entry, nil
		}

		timer := time.NewTimer(q.poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Entry{}, errors.WrapTransient(ctx.Err(), "SQLiteQueue", "ReadGroup", "wait for entry")
		case <-q.closed:
			timer.Stop()
		case <-wait:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (q *SQLiteQueue) readOnce(ctx context.Context, group, consumer string) (Entry, bool, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return Entry{}, false, q.unavailable(err, "ReadGroup", "begin transaction")
	}
	defer tx.Rollback()

	// Writing first takes the write lock for the whole transaction, so
	// concurrent readers in other processes cannot claim the same entry.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO queue_groups (stream, name, last_id) VALUES (?, ?, 0)`,
		q.stream, group); err != nil {
		return Entry{}, false, q.unavailable(err, "ReadGroup", "create group")
	}

	var (
		id      int64
		payload string
	)
	err = tx.QueryRowContext(ctx, `
		SELECT p.entry_id, e.payload
		FROM queue_pending p JOIN queue_entries e ON e.id = p.entry_id
		WHERE p.stream = ? AND p.group_name = ? AND p.consumer = ?
		ORDER BY p.entry_id LIMIT 1`,
		q.stream, group, consumer).Scan(&id, &payload)
	switch {
	case err == nil:
		if _, err := tx.ExecContext(ctx,
			`UPDATE queue_pending SET deliveries = deliveries + 1, delivered_at = ?
			 WHERE stream = ? AND group_name = ? AND entry_id = ?`,
			time.Now().UnixMilli(), q.stream, group, id); err != nil {
			return Entry{}, false, q.unavailable(err, "ReadGroup", "update pending")
		}
		return q.commitEntry(tx, id, payload)
	case !stderrors.Is(err, sql.ErrNoRows):
		return Entry{}, false, q.unavailable(err, "ReadGroup", "select pending")
	}

	var lastID int64
	if err := tx.QueryRowContext(ctx,
		`SELECT last_id FROM queue_groups WHERE stream = ? AND name = ?`,
		q.stream, group).Scan(&lastID); err != nil {
		return Entry{}, false, q.unavailable(err, "ReadGroup", "select group")
	}

	err = tx.QueryRowContext(ctx,
		`SELECT id, payload FROM queue_entries WHERE stream = ? AND id > ? ORDER BY id LIMIT 1`,
		q.stream, lastID).Scan(&id, &payload)
	if stderrors.Is(err, sql.ErrNoRows) {
		if err := tx.Commit(); err != nil {
			return Entry{}, false, q.unavailable(err, "ReadGroup", "commit group")
		}
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, q.unavailable(err, "ReadGroup", "select entry")
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE queue_groups SET last_id = ? WHERE stream = ? AND name = ?`,
		id, q.stream, group); err != nil {
		return Entry{}, false, q.unavailable(err, "ReadGroup", "advance group")
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO queue_pending (stream, group_name, entry_id, consumer, delivered_at)
		 VALUES (?, ?, ?, ?, ?)`,
		q.stream, group, id, consumer, time.Now().UnixMilli()); err != nil {
		return Entry{}, false, q.unavailable(err, "ReadGroup", "insert pending")
	}
	return q.commitEntry(tx, id, payload)
}

func (q *SQLiteQueue) commitEntry(tx *sql.Tx, id int64, payload string) (Entry, bool, error) {
	if err := tx.Commit(); err != nil {
		return Entry{}, false, q.unavailable(err, "ReadGroup", "commit")
	}
	msg, err := message.Decode([]byte(payload))
	if err != nil {
		return Entry{}, false, err
	}
	return Entry{ID: strconv.FormatInt(id, 10), Payload: msg}, true, nil
}

// Ack removes id from the group's pending list
func (q *SQLiteQueue) Ack(ctx context.Context, group, id string) (bool, error) {
	entryID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return false, errors.WrapInvalid(fmt.Errorf("%w: entry id %q", errors.ErrInvalidData, id), "SQLiteQueue", "Ack", "parse id")
	}

	res, err := q.db.ExecContext(ctx,
		`DELETE FROM queue_pending WHERE stream = ? AND group_name = ? AND entry_id = ?`,
		q.stream, group, entryID)
	if err != nil {
		q.opts.record(backendSQLite, "ack", err)
		return false, q.unavailable(err, "Ack", "delete pending")
	}
	n, err := res.RowsAffected()
	q.opts.record(backendSQLite, "ack", err)
	if err != nil {
		return false, q.unavailable(err, "Ack", "rows affected")
	}
	return n == 1, nil
}

// Pending lists the ids pending for consumer in group, oldest first
func (q *SQLiteQueue) Pending(ctx context.Context, group, consumer string) ([]string, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT entry_id FROM queue_pending WHERE stream = ? AND group_name = ? AND consumer = ? ORDER BY entry_id`,
		q.stream, group, consumer)
	if err != nil {
		return nil, q.unavailable(err, "Pending", "select pending")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, q.unavailable(err, "Pending", "scan")
		}
		ids = append(ids, strconv.FormatInt(id, 10))
	}
	return ids, rows.Err()
}

// Close releases the database
func (q *SQLiteQueue) Close() error {
	var err error
	q.closeOnce.Do(func() {
		close(q.closed)
		err = q.db.Close()
	})
	return err
}

func (q *SQLiteQueue) isClosed() bool {
	select {
	case <-q.closed:
		return true
	default:
		return false
	}
}

func (q *SQLiteQueue) unavailable(err error, method, action string) error {
	return errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrQueueUnavailable, err), "SQLiteQueue", method, action)
}

func sqliteFilePathFromDSN(dsn string) (string, bool) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" || dsn == ":memory:" {
		return "", false
	}
	if strings.HasPrefix(dsn, "file:") {
		u, err := url.Parse(dsn)
		if err != nil || !strings.EqualFold(u.Scheme, "file") {
			return "", false
		}
		path := u.Path
		if path == "" {
			path = u.Opaque
		}
		if path == "" || path == ":memory:" {
			return "", false
		}
		return path, true
	}
	if strings.Contains(dsn, "://") {
		return "", false
	}
	return dsn, true
}

func ensurePrivateSQLiteFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat db path: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return fmt.Errorf("create db file: %w", err)
	}
	return f.Close()
}
