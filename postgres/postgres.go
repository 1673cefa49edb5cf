package postgres

import (
	"context"
	"fmt"
	"strings"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mantty/datamig"
)

type (
	// DB wraps a PostgreSQL connection pool and implements datamig.DataAPI
	// and datamig.Transactor for local mode
	DB struct {
		pool    *pgxpool.Pool
		connStr string
	}

	// Tx is an open PostgreSQL transaction
	Tx struct {
		tx pgx.Tx
	}

	querier interface {
		Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
		Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	}
)

// NewDB creates a new PostgreSQL database connection
func NewDB(ctx context.Context, databaseURL string) (*DB, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{
		pool:    pool,
		connStr: databaseURL,
	}, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	db.pool.Close()
	return nil
}

// ConnectionString returns the database connection string
func (db *DB) ConnectionString() string {
	return db.connStr
}

// Execute runs one statement. :name placeholders are bound from params
func (db *DB) Execute(ctx context.Context, sql string, params datamig.Params, opts ...datamig.ExecuteOption) (*datamig.Result, error) {
	return execute(ctx, db.pool, sql, params, opts)
}

// Begin starts a transaction
func (db *DB) Begin(ctx context.Context) (datamig.Tx, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &Tx{tx: tx}, nil
}

// Execute runs one statement inside the transaction
func (tx *Tx) Execute(ctx context.Context, sql string, params datamig.Params, opts ...datamig.ExecuteOption) (*datamig.Result, error) {
	return execute(ctx, tx.tx, sql, params, opts)
}

// Commit commits the transaction
func (tx *Tx) Commit(ctx context.Context) error {
	if err := tx.tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Rollback rolls the transaction back
func (tx *Tx) Rollback(ctx context.Context) error {
	if err := tx.tx.Rollback(ctx); err != nil {
		return fmt.Errorf("failed to roll back transaction: %w", err)
	}
	return nil
}

// RewriteNamedParams turns :name placeholders into pgx @name placeholders.
// ::type casts, quoted literals and identifiers, dollar-quoted bodies and
// comments are left untouched
func RewriteNamedParams(sql string) string {
	var b strings.Builder
	b.Grow(len(sql))

	for i := 0; i < len(sql); {
		switch c := sql[i]; {
		case c == '\'' || c == '"':
			end := closingQuote(sql, i+1, c)
			b.WriteString(sql[i:end])
			i = end
		case c == '-' && strings.HasPrefix(sql[i:], "--"):
			end := strings.IndexByte(sql[i:], '\n')
			if end < 0 {
				end = len(sql) - i
			}
			b.WriteString(sql[i : i+end])
			i += end
		case c == '/' && strings.HasPrefix(sql[i:], "/*"):
			end := strings.Index(sql[i+2:], "*/")
			if end < 0 {
				end = len(sql)
			} else {
				end = i + 2 + end + 2
			}
			b.WriteString(sql[i:end])
			i = end
		case c == '$':
			end := dollarQuoteEnd(sql, i)
			b.WriteString(sql[i:end])
			i = end
		case c == ':' && strings.HasPrefix(sql[i:], "::"):
			b.WriteString("::")
			i += 2
		case c == ':' && i+1 < len(sql) && isIdentStart(sql[i+1]):
			b.WriteByte('@')
			i++
		default:
			b.WriteByte(c)
			i++
		}
	}
	return b.String()
}

// closingQuote returns the index just past the quote closing a literal that
// starts at from. Doubled quotes are escapes
func closingQuote(sql string, from int, quote byte) int {
	for i := from; i < len(sql); i++ {
		if sql[i] != quote {
			continue
		}
		if i+1 < len(sql) && sql[i+1] == quote {
			i++
			continue
		}
		return i + 1
	}
	return len(sql)
}

// dollarQuoteEnd returns the index just past a $tag$...$tag$ body starting at
// from, or from+1 when the $ does not open one (for example $1)
func dollarQuoteEnd(sql string, from int) int {
	j := from + 1
	for j < len(sql) && (isIdentStart(sql[j]) || (j > from+1 && sql[j] >= '0' && sql[j] <= '9')) {
		j++
	}
	if j >= len(sql) || sql[j] != '$' {
		return from + 1
	}
	tag := sql[from : j+1]
	end := strings.Index(sql[j+1:], tag)
	if end < 0 {
		return len(sql)
	}
	return j + 1 + end + len(tag)
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func execute(ctx context.Context, q querier, sql string, params datamig.Params, opts []datamig.ExecuteOption) (*datamig.Result, error) {
	o := datamig.ApplyExecuteOptions(opts...)

	var args []any
	if len(params) > 0 {
		sql = RewriteNamedParams(sql)
		args = []any{pgx.NamedArgs(params)}
	}

	// Statements run without result metadata return no rows. Without
	// arguments pgx uses the simple protocol, which accepts several statements
	// in one call
	if !o.IncludeResultMetadata {
		tag, err := q.Exec(ctx, sql, args...)
		if err != nil {
			return nil, fmt.Errorf("failed to execute statement: %w", err)
		}
		return &datamig.Result{Rows: []datamig.Row{}, RowsAffected: tag.RowsAffected()}, nil
	}

	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute statement: %w", err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	result := &datamig.Result{Rows: []datamig.Row{}}
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("failed to read row: %w", err)
		}

		row := make(datamig.Row, len(values))
		for i, v := range values {
			key := strconv.Itoa(i)
			if i < len(fields) && fields[i].Name != "" {
				key = fields[i].Name
			}
			row[key] = v
		}
		result.Rows = append(result.Rows, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to execute statement: %w", err)
	}
	result.RowsAffected = rows.CommandTag().RowsAffected()

	return result, nil
}
