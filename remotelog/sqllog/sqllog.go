// Package sqllog implements remotelog.Log over a table of a SQL database.
//
// Entries are rows of the table, keyed by an auto-incrementing integer which
// is rendered as a zero-padded, nineteen-digit Entry ID. Both SQLite
// (github.com/mattn/go-sqlite3) and PostgreSQL (github.com/lib/pq) are
// supported.
package sqllog

import (
	"bytes"
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/keepsakebot/keepsake/remotelog"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	pkgerrors "github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Dialect of the SQL database.
type Dialect int

const (
	SQLite Dialect = iota
	Postgres
)

// DriverName returns the database/sql driver name of the Dialect.
func (d Dialect) DriverName() string {
	if d == Postgres {
		return "postgres"
	}
	return "sqlite3"
}

// DefaultTable is the table name used if none is given.
const DefaultTable = "keepsake_log"

var tableRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// Log is a remotelog.Log of rows in a SQL table.
type Log struct {
	db      *sql.DB
	dialect Dialect
	table   string
	// Now returns the post time of Entries. If nil, time.Now is used.
	Now func() time.Time
}

// Open a database of |dialect| at |dsn|, and return a Log of its |table|.
// The table is created if it doesn't exist.
func Open(ctx context.Context, dialect Dialect, dsn, table string) (*Log, error) {
	var db, err = sql.Open(dialect.DriverName(), dsn)
	if err != nil {
		return nil, pkgerrors.WithMessage(err, "opening database")
	}
	if dialect == SQLite {
		// SQLite permits a single writer. Serialize on one connection
		// rather than surface "database is locked" failures.
		db.SetMaxOpenConns(1)
	}
	l, err := New(ctx, db, dialect, table)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

// New returns a Log of |table| within |db|, creating the table if it
// doesn't exist.
func New(ctx context.Context, db *sql.DB, dialect Dialect, table string) (*Log, error) {
	if table == "" {
		table = DefaultTable
	}
	if !tableRe.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	var l = &Log{db: db, dialect: dialect, table: table}

	if _, err := db.ExecContext(ctx, l.createStmt()); err != nil {
		return nil, pkgerrors.WithMessagef(err, "creating table %s", table)
	}
	log.WithFields(log.Fields{
		"driver": dialect.DriverName(),
		"table":  table,
	}).Debug("opened SQL log")

	return l, nil
}

// Close the underlying database.
func (l *Log) Close() error { return l.db.Close() }

// List implements remotelog.Log.
func (l *Log) List(ctx context.Context, pageSize int, before string) ([]remotelog.Entry, error) {
	if pageSize < 1 {
		return nil, fmt.Errorf("invalid page size %d", pageSize)
	}
	var rows *sql.Rows
	var err error

	if before == "" {
		rows, err = l.db.QueryContext(ctx, l.rebind(
			"SELECT id, name, caption, size, created FROM "+l.table+
				" ORDER BY id DESC LIMIT ?"), pageSize)
	} else if cursor, ok := parseID(before); !ok {
		return nil, fmt.Errorf("invalid cursor %q", before)
	} else {
		rows, err = l.db.QueryContext(ctx, l.rebind(
			"SELECT id, name, caption, size, created FROM "+l.table+
				" WHERE id < ? ORDER BY id DESC LIMIT ?"), cursor, pageSize)
	}
	if err != nil {
		return nil, classify("list", err)
	}
	defer rows.Close()

	var out []remotelog.Entry
	for rows.Next() {
		var id, nanos int64
		var e remotelog.Entry

		if err = rows.Scan(&id, &e.Name, &e.Caption, &e.Size, &nanos); err != nil {
			return nil, classify("list", err)
		}
		e.ID, e.Created = formatID(id), time.Unix(0, nanos)
		out = append(out, e)
	}
	if err = rows.Err(); err != nil {
		return nil, classify("list", err)
	}
	return out, nil
}

// Post implements remotelog.Log.
func (l *Log) Post(ctx context.Context, name string, blob []byte, caption string) (remotelog.Entry, error) {
	var now = time.Now
	if l.Now != nil {
		now = l.Now
	}
	var e = remotelog.Entry{
		Name:    name,
		Caption: caption,
		Size:    int64(len(blob)),
		Created: now(),
	}
	var id int64

	if err := l.db.QueryRowContext(ctx, l.rebind(
		"INSERT INTO "+l.table+" (name, caption, size, created, blob) VALUES (?, ?, ?, ?, ?) RETURNING id"),
		name, caption, e.Size, e.Created.UnixNano(), blob,
	).Scan(&id); err != nil {
		return remotelog.Entry{}, classify("post", err)
	}
	e.ID = formatID(id)

	log.WithFields(log.Fields{
		"table": l.table,
		"id":    e.ID,
		"name":  name,
		"size":  e.Size,
	}).Debug("posted SQL log entry")

	return e, nil
}

// Delete implements remotelog.Log.
func (l *Log) Delete(ctx context.Context, id string) error {
	var n, ok = parseID(id)
	if !ok {
		return nil // Cannot exist.
	}
	if _, err := l.db.ExecContext(ctx, l.rebind("DELETE FROM "+l.table+" WHERE id = ?"), n); err != nil {
		return classify("delete", err)
	}
	return nil
}

// Open implements remotelog.Log.
func (l *Log) Open(ctx context.Context, e remotelog.Entry) (io.ReadCloser, error) {
	var n, ok = parseID(e.ID)
	if !ok {
		return nil, fmt.Errorf("%s: %w", e.ID, remotelog.ErrNotFound)
	}
	var blob []byte

	var err = l.db.QueryRowContext(ctx, l.rebind("SELECT blob FROM "+l.table+" WHERE id = ?"), n).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", e.ID, remotelog.ErrNotFound)
	} else if err != nil {
		return nil, classify("open", err)
	}
	return io.NopCloser(bytes.NewReader(blob)), nil
}

func (l *Log) createStmt() string {
	switch l.dialect {
	case Postgres:
		return "CREATE TABLE IF NOT EXISTS " + l.table + ` (
			id      BIGSERIAL PRIMARY KEY,
			name    TEXT NOT NULL,
			caption TEXT NOT NULL,
			size    BIGINT NOT NULL,
			created BIGINT NOT NULL,
			blob    BYTEA NOT NULL
		)`
	default:
		// AUTOINCREMENT guarantees rowids of deleted rows are never reused.
		return "CREATE TABLE IF NOT EXISTS " + l.table + ` (
			id      INTEGER PRIMARY KEY AUTOINCREMENT,
			name    TEXT NOT NULL,
			caption TEXT NOT NULL,
			size    INTEGER NOT NULL,
			created INTEGER NOT NULL,
			blob    BLOB NOT NULL
		)`
	}
}

// rebind "?" placeholders to the "$n" form expected by Postgres.
func (l *Log) rebind(query string) string {
	if l.dialect != Postgres {
		return query
	}
	var b strings.Builder
	var n int

	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// classify database errors. Lock contention, connection failures and
// resource exhaustion are transient, as are errors not produced by a
// database server at all (eg, a refused connection). Other database
// errors, like a malformed statement, are not.
func classify(op string, err error) error {
	var sqliteErr sqlite3.Error
	var pqErr *pq.Error

	switch {
	case errors.As(err, &sqliteErr):
		if sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked {
			return remotelog.Transient(op, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	case errors.As(err, &pqErr):
		switch pqErr.Code.Class() {
		case "08", // Connection exception.
			"40", // Transaction rollback.
			"53", // Insufficient resources.
			"57": // Operator intervention.
			return remotelog.Transient(op, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	case errors.Is(err, driver.ErrBadConn), errors.Is(err, context.DeadlineExceeded):
		return remotelog.Transient(op, err)
	case errors.Is(err, sql.ErrConnDone), errors.Is(err, context.Canceled):
		return fmt.Errorf("%s: %w", op, err)
	}
	return remotelog.Transient(op, err)
}

func formatID(id int64) string { return fmt.Sprintf("%019d", id) }

func parseID(id string) (int64, bool) {
	var n, err = strconv.ParseInt(id, 10, 64)
	return n, err == nil && n >= 0
}
