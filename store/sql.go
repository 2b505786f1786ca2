package store

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chirpline/newsfeed/events"
	"github.com/chirpline/newsfeed/logger"
	"github.com/cockroachdb/errors"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Dialect captures what differs between the supported SQL databases.
type Dialect struct {
	Name   string
	driver string
	// serial is the column definition of an auto-generated primary key.
	serial      string
	positional  bool
	maxOpenConn int
}

var (
	SQLite   = Dialect{Name: "sqlite", driver: "sqlite", serial: "INTEGER PRIMARY KEY AUTOINCREMENT", maxOpenConn: 1}
	Postgres = Dialect{Name: "postgres", driver: "pgx", serial: "BIGSERIAL PRIMARY KEY", positional: true}
)

// DialectFor maps a configured driver name to its dialect.
func DialectFor(driver string) (Dialect, error) {
	switch driver {
	case "sqlite", "sqlite3":
		return SQLite, nil
	case "pgx", "postgres", "postgresql":
		return Postgres, nil
	}
	return Dialect{}, errors.Newf("unsupported database driver %q", driver)
}

// rebind rewrites ? placeholders into $n for positional dialects.
func (d Dialect) rebind(query string) string {
	if !d.positional {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// SQL is a Store over database/sql.
type SQL struct {
	db        *sql.DB
	dialect   Dialect
	logger    logger.Logger
	publisher events.Publisher
	now       func() time.Time

	clockMu sync.Mutex
	last    int64
}

var _ Store = (*SQL)(nil)

type Option func(*SQL)

// WithPublisher announces committed writes on p.
func WithPublisher(p events.Publisher) Option {
	return func(s *SQL) { s.publisher = p }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *SQL) { s.now = now }
}

// Open connects to the database. SQLite only gets a single connection, which
// keeps ":memory:" databases shared and serializes writers.
func Open(ctx context.Context, log logger.Logger, driver, dsn string, opts ...Option) (*SQL, error) {
	d, err := DialectFor(driver)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "error opening database")
	}
	if d.maxOpenConn > 0 {
		db.SetMaxOpenConns(d.maxOpenConn)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "error connecting to database")
	}
	return New(db, d, log, opts...), nil
}

// New wraps an open database.
func New(db *sql.DB, d Dialect, log logger.Logger, opts ...Option) *SQL {
	s := &SQL{
		db:        db,
		dialect:   d,
		logger:    log.With(map[string]interface{}{"component": "store"}),
		publisher: events.Nop{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *SQL) DB() *sql.DB { return s.db }

func (s *SQL) Dialect() Dialect { return s.dialect }

func (s *SQL) Close() error { return s.db.Close() }

// timestamp returns the current time in nanoseconds, strictly increasing
// within this store so that rows written by one process never tie.
func (s *SQL) timestamp() int64 {
	n := s.now().UnixNano()
	s.clockMu.Lock()
	defer s.clockMu.Unlock()
	if n <= s.last {
		n = s.last + 1
	}
	s.last = n
	return n
}

func (s *SQL) publish(ctx context.Context, kind events.Kind, id int64, op events.Op) {
	s.publisher.Publish(ctx, events.EntityChanged{Kind: kind, ID: id, Op: op})
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQL) exec(ctx context.Context, q querier, query string, args ...any) (sql.Result, error) {
	return q.ExecContext(ctx, s.dialect.rebind(query), args...)
}

func (s *SQL) query(ctx context.Context, q querier, query string, args ...any) (*sql.Rows, error) {
	return q.QueryContext(ctx, s.dialect.rebind(query), args...)
}

func (s *SQL) queryRow(ctx context.Context, q querier, query string, args ...any) *sql.Row {
	return q.QueryRowContext(ctx, s.dialect.rebind(query), args...)
}

// tx runs fn in a transaction, committing when it returns nil.
func (s *SQL) tx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "error starting transaction")
	}
	if err := fn(tx); err != nil {
		if rerr := tx.Rollback(); rerr != nil && !errors.Is(rerr, sql.ErrTxDone) {
			return errors.CombineErrors(err, rerr)
		}
		return err
	}
	return errors.Wrap(tx.Commit(), "error committing transaction")
}

// notFound maps sql.ErrNoRows to ErrNotFound.
func notFound(err error, what string, id int64) error {
	if errors.Is(err, sql.ErrNoRows) {
		return errors.Wrapf(ErrNotFound, "%s %d", what, id)
	}
	return errors.Wrapf(err, "error loading %s %d", what, id)
}

// window appends the WHERE bounds, ORDER BY and LIMIT of r to a query that
// already has a WHERE clause.
func window(query string, column string, r Range, args []any) (string, []any) {
	var b strings.Builder
	b.WriteString(query)
	if r.Before > 0 {
		b.WriteString(" AND " + column + " < ?")
		args = append(args, r.Before)
	}
	if r.After > 0 {
		b.WriteString(" AND " + column + " > ?")
		args = append(args, r.After)
	}
	if r.Ascending {
		b.WriteString(" ORDER BY " + column + " ASC, id ASC")
	} else {
		b.WriteString(" ORDER BY " + column + " DESC, id DESC")
	}
	if r.Limit > 0 {
		b.WriteString(" LIMIT ?")
		args = append(args, r.Limit)
	}
	return b.String(), args
}

type scanner interface {
	Scan(dest ...any) error
}

func collect[T any](rows *sql.Rows, scan func(scanner) (T, error)) ([]T, error) {
	defer rows.Close()
	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
