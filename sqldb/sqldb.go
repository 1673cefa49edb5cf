// Package sqldb runs migrations through any database/sql driver. The SQLite
// driver from modernc.org/sqlite is registered for local mode and tests.
package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strconv"

	"github.com/mantty/datamig"
	_ "modernc.org/sqlite"
)

type (
	// DB implements datamig.DataAPI and datamig.Transactor over *sql.DB
	DB struct {
		db *sql.DB
	}

	// Tx is an open database/sql transaction
	Tx struct {
		tx *sql.Tx
	}

	execer interface {
		ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
		QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	}
)

// Open connects with a registered driver and checks the connection
func Open(ctx context.Context, driver, dsn string) (*DB, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}
	if driver == "sqlite" {
		// Each sqlite connection to :memory: is its own database
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return New(db), nil
}

// New wraps an existing handle
func New(db *sql.DB) *DB {
	return &DB{db: db}
}

// Close closes the underlying handle
func (db *DB) Close() error {
	return db.db.Close()
}

// Execute runs one statement. :name placeholders are bound with sql.Named
func (db *DB) Execute(ctx context.Context, query string, params datamig.Params, opts ...datamig.ExecuteOption) (*datamig.Result, error) {
	return execute(ctx, db.db, query, params, opts)
}

// Begin starts a transaction
func (db *DB) Begin(ctx context.Context) (datamig.Tx, error) {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &Tx{tx: tx}, nil
}

// Execute runs one statement inside the transaction
func (tx *Tx) Execute(ctx context.Context, query string, params datamig.Params, opts ...datamig.ExecuteOption) (*datamig.Result, error) {
	return execute(ctx, tx.tx, query, params, opts)
}

// Commit commits the transaction
func (tx *Tx) Commit(_ context.Context) error {
	if err := tx.tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Rollback rolls the transaction back
func (tx *Tx) Rollback(_ context.Context) error {
	if err := tx.tx.Rollback(); err != nil {
		return fmt.Errorf("failed to roll back transaction: %w", err)
	}
	return nil
}

func namedArgs(params datamig.Params) []any {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	args := make([]any, 0, len(names))
	for _, name := range names {
		args = append(args, sql.Named(name, params[name]))
	}
	return args
}

func execute(ctx context.Context, e execer, query string, params datamig.Params, opts []datamig.ExecuteOption) (*datamig.Result, error) {
	o := datamig.ApplyExecuteOptions(opts...)
	args := namedArgs(params)

	if !o.IncludeResultMetadata {
		res, err := e.ExecContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("failed to execute statement: %w", err)
		}
		// Not every driver reports affected rows
		affected, _ := res.RowsAffected()
		return &datamig.Result{Rows: []datamig.Row{}, RowsAffected: affected}, nil
	}

	rows, err := e.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute statement: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}

	result := &datamig.Result{Rows: []datamig.Row{}}
	for rows.Next() {
		values := make([]any, len(columns))
		pointers := make([]any, len(columns))
		for i := range values {
			pointers[i] = &values[i]
		}
		if err := rows.Scan(pointers...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		row := make(datamig.Row, len(columns))
		for i, column := range columns {
			key := column
			if key == "" {
				key = strconv.Itoa(i)
			}
			row[key] = values[i]
		}
		result.Rows = append(result.Rows, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read rows: %w", err)
	}
	return result, nil
}
