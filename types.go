package datamig

import (
	"context"
)

type (
	// Params holds named statement parameters, bound to :name placeholders
	Params map[string]any

	// Row is a single result row keyed by column name. When a data API
	// returns rows for a statement run without result metadata they are keyed
	// by column position ("0", "1", ...)
	Row map[string]any

	// Result is what a data API returns for one statement
	Result struct {
		Rows         []Row
		RowsAffected int64
	}

	// ExecuteOptions controls a single Execute call
	ExecuteOptions struct {
		IncludeResultMetadata bool
	}

	// ExecuteOption mutates ExecuteOptions
	ExecuteOption func(*ExecuteOptions)

	// DataAPI is the narrow database capability the migration engine needs:
	// run one parameterized statement and get rows back
	DataAPI interface {
		Execute(ctx context.Context, sql string, params Params, opts ...ExecuteOption) (*Result, error)
	}

	// Tx is a DataAPI bound to an open transaction
	Tx interface {
		DataAPI
		Commit(ctx context.Context) error
		Rollback(ctx context.Context) error
	}

	// Transactor is implemented by data APIs that can open transactions.
	// Migrations run their routine and bookkeeping write in one transaction
	// when the client supports it
	Transactor interface {
		Begin(ctx context.Context) (Tx, error)
	}

	// Routine is an "up" or "down" entry point of a migration
	Routine func(ctx context.Context, db DataAPI, m *Migration, arg any) error

	// Module is a loaded migration exposing both entry points
	Module interface {
		Up(ctx context.Context, db DataAPI, m *Migration, arg any) error
		Down(ctx context.Context, db DataAPI, m *Migration, arg any) error
	}

	// ModuleLoader resolves a loadable module path into a runnable Module
	ModuleLoader interface {
		Load(path string) (Module, error)
	}
)

// WithoutResultMetadata suppresses column metadata, for pure-mutation statements
func WithoutResultMetadata() ExecuteOption {
	return func(o *ExecuteOptions) {
		o.IncludeResultMetadata = false
	}
}

// ApplyExecuteOptions resolves options on top of the defaults. Adapters call
// this so every implementation agrees on the defaults
func ApplyExecuteOptions(opts ...ExecuteOption) ExecuteOptions {
	o := ExecuteOptions{IncludeResultMetadata: true}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// String returns the value of a column as a string, or "" when it is
// missing or not a string-like value
func (r Row) String(column string) string {
	switch v := r[column].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return ""
	}
}
