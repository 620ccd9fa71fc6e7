package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Dialect selects SQL flavour and driver
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// ParseDialect maps a DB_DRIVER value to a dialect
func ParseDialect(driver string) (Dialect, error) {
	switch Dialect(strings.ToLower(driver)) {
	case Postgres:
		return Postgres, nil
	case SQLite:
		return SQLite, nil
	}
	return "", fmt.Errorf("unsupported database driver %q", driver)
}

// DBTX is satisfied by *sql.DB, *sql.Conn and *sql.Tx
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Repository provides database operations
type Repository struct {
	db      DBTX
	dialect Dialect
	// mu serializes statements on a single acquired connection
	mu *sync.Mutex
}

// NewRepository initializes a new repository
func NewRepository(db DBTX, dialect Dialect) *Repository {
	return &Repository{db: db, dialect: dialect}
}

// Open connects to the database and creates missing tables
func Open(ctx context.Context, dialect Dialect, dsn string) (*sql.DB, error) {
	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := EnsureSchema(ctx, db, dialect); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Unit is a repository bound to one pooled connection
type Unit struct {
	*Repository
	conn *sql.Conn
	once sync.Once
}

// Acquire checks a connection out of db for one unit of work.
// Release must be called on every path.
func Acquire(ctx context.Context, db *sql.DB, dialect Dialect) (*Unit, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}
	return &Unit{
		Repository: &Repository{db: conn, dialect: dialect, mu: &sync.Mutex{}},
		conn:       conn,
	}, nil
}

// Release returns the connection to the pool. It is safe to call twice.
func (u *Unit) Release() error {
	var err error
	u.once.Do(func() { err = u.conn.Close() })
	return err
}

func (r *Repository) lock() func() {
	if r.mu == nil {
		return func() {}
	}
	r.mu.Lock()
	return r.mu.Unlock
}

// rebind rewrites $n placeholders for the dialect
func (r *Repository) rebind(query string) string {
	return rebind(r.dialect, query)
}

func rebind(d Dialect, query string) string {
	if d != SQLite {
		return query
	}
	var b strings.Builder
	b.Grow(len(query))
	for i := 0; i < len(query); i++ {
		c := query[i]
		if c == '$' && i+1 < len(query) && query[i+1] >= '0' && query[i+1] <= '9' {
			b.WriteByte('?')
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE ||
			liteErr.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

var schema = map[Dialect][]string{
	Postgres: {
		`CREATE TABLE IF NOT EXISTS credito (
			id                BIGSERIAL PRIMARY KEY,
			numero_credito    VARCHAR(50) NOT NULL,
			numero_nfse       VARCHAR(50) NOT NULL,
			data_constituicao DATE NOT NULL,
			valor_issqn       NUMERIC(15,2) NOT NULL,
			tipo_credito      VARCHAR(50) NOT NULL,
			simples_nacional  BOOLEAN NOT NULL,
			aliquota          NUMERIC(5,2) NOT NULL,
			valor_faturado    NUMERIC(15,2) NOT NULL,
			valor_deducao     NUMERIC(15,2) NOT NULL,
			base_calculo      NUMERIC(15,2) NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_credito_numero_credito ON credito (numero_credito)`,
		`CREATE INDEX IF NOT EXISTS idx_credito_numero_nfse ON credito (numero_nfse)`,
		`CREATE TABLE IF NOT EXISTS credito_saga (
			correlation_id TEXT PRIMARY KEY,
			numero_credito VARCHAR(50) NOT NULL,
			phase          VARCHAR(20) NOT NULL,
			updated_at     BIGINT NOT NULL,
			snapshot       TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_credito_saga_phase ON credito_saga (phase, updated_at)`,
	},
	SQLite: {
		`CREATE TABLE IF NOT EXISTS credito (
			id                INTEGER PRIMARY KEY AUTOINCREMENT,
			numero_credito    TEXT NOT NULL,
			numero_nfse       TEXT NOT NULL,
			data_constituicao TEXT NOT NULL,
			valor_issqn       TEXT NOT NULL,
			tipo_credito      TEXT NOT NULL,
			simples_nacional  INTEGER NOT NULL,
			aliquota          TEXT NOT NULL,
			valor_faturado    TEXT NOT NULL,
			valor_deducao     TEXT NOT NULL,
			base_calculo      TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_credito_numero_credito ON credito (numero_credito)`,
		`CREATE INDEX IF NOT EXISTS idx_credito_numero_nfse ON credito (numero_nfse)`,
		`CREATE TABLE IF NOT EXISTS credito_saga (
			correlation_id TEXT PRIMARY KEY,
			numero_credito TEXT NOT NULL,
			phase          TEXT NOT NULL,
			updated_at     INTEGER NOT NULL,
			snapshot       TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_credito_saga_phase ON credito_saga (phase, updated_at)`,
	},
}

// EnsureSchema creates the ledger and saga tables when missing
func EnsureSchema(ctx context.Context, db DBTX, dialect Dialect) error {
	stmts, ok := schema[dialect]
	if !ok {
		return fmt.Errorf("no schema for dialect %q", dialect)
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}
	return nil
}

func placeholders(d Dialect, from, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = "$" + strconv.Itoa(from+i)
	}
	return rebind(d, strings.Join(parts, ", "))
}
