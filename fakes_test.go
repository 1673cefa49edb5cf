package datamig

import (
	"context"
	"errors"
	"strings"
)

// memoryDB is a DataAPI that keeps the bookkeeping table in memory and
// records every statement it receives
type memoryDB struct {
	statements []string
	records    []string
	failOn     string
}

func newMemoryDB(applied ...string) *memoryDB {
	return &memoryDB{records: append([]string(nil), applied...)}
}

func (db *memoryDB) Execute(ctx context.Context, sql string, params Params, opts ...ExecuteOption) (*Result, error) {
	db.statements = append(db.statements, sql)
	return db.apply(sql, params)
}

func (db *memoryDB) apply(sql string, params Params) (*Result, error) {
	if db.failOn != "" && strings.Contains(sql, db.failOn) {
		return nil, errors.New("statement failed: " + sql)
	}

	switch sql {
	case selectMigrationIDsSQL:
		// newest first, so callers cannot rely on row order
		rows := make([]Row, 0, len(db.records))
		for i := len(db.records) - 1; i >= 0; i-- {
			rows = append(rows, Row{"id": db.records[i]})
		}
		return &Result{Rows: rows}, nil
	case insertMigrationSQL:
		db.records = append(db.records, params["id"].(string))
		return &Result{Rows: []Row{}, RowsAffected: 1}, nil
	case deleteMigrationSQL:
		id := params["id"].(string)
		kept := db.records[:0]
		for _, r := range db.records {
			if r != id {
				kept = append(kept, r)
			}
		}
		db.records = kept
		return &Result{Rows: []Row{}, RowsAffected: 1}, nil
	}
	return &Result{Rows: []Row{}}, nil
}

func (db *memoryDB) writes() int {
	n := 0
	for _, s := range db.statements {
		if s == insertMigrationSQL || s == deleteMigrationSQL {
			n++
		}
	}
	return n
}

// txMemoryDB adds transactions whose bookkeeping writes only land on commit
type txMemoryDB struct {
	*memoryDB
	begins    int
	commits   int
	rollbacks int
}

func (db *txMemoryDB) Begin(ctx context.Context) (Tx, error) {
	db.begins++
	return &memoryTx{db: db}, nil
}

type memoryTx struct {
	db      *txMemoryDB
	pending []func()
}

func (tx *memoryTx) Execute(ctx context.Context, sql string, params Params, opts ...ExecuteOption) (*Result, error) {
	tx.db.statements = append(tx.db.statements, sql)
	if sql == insertMigrationSQL || sql == deleteMigrationSQL {
		if tx.db.failOn != "" && strings.Contains(sql, tx.db.failOn) {
			return nil, errors.New("statement failed: " + sql)
		}
		tx.pending = append(tx.pending, func() { _, _ = tx.db.apply(sql, params) })
		return &Result{Rows: []Row{}, RowsAffected: 1}, nil
	}
	return tx.db.apply(sql, params)
}

func (tx *memoryTx) Commit(ctx context.Context) error {
	tx.db.commits++
	for _, op := range tx.pending {
		op()
	}
	return nil
}

func (tx *memoryTx) Rollback(ctx context.Context) error {
	tx.db.rollbacks++
	tx.pending = nil
	return nil
}

// countingModules wraps a ModuleLoader and counts loads
type countingModules struct {
	next  ModuleLoader
	loads []string
}

func (c *countingModules) Load(path string) (Module, error) {
	c.loads = append(c.loads, path)
	return c.next.Load(path)
}

// fakeLoader returns fixed paths and counts cleanups
type fakeLoader struct {
	paths      []string
	compileErr error
	cleanupErr error
	compiles   int
	cleanups   int
}

func (l *fakeLoader) Compile(ctx context.Context) ([]string, error) {
	l.compiles++
	if l.compileErr != nil {
		return nil, l.compileErr
	}
	return l.paths, nil
}

func (l *fakeLoader) Cleanup(ctx context.Context) error {
	l.cleanups++
	return l.cleanupErr
}

func (l *fakeLoader) factory() LoaderFactory {
	return func(LoaderConfig) Loader { return l }
}

// callLog records routine invocations as "up:<id>" and "down:<id>"
type callLog struct {
	calls []string
	fail  map[string]error
}

func (c *callLog) register(r *Registry, id, name string) {
	r.Register(id, name,
		func(ctx context.Context, db DataAPI, m *Migration, arg any) error {
			c.calls = append(c.calls, "up:"+m.ID)
			return c.fail["up:"+m.ID]
		},
		func(ctx context.Context, db DataAPI, m *Migration, arg any) error {
			c.calls = append(c.calls, "down:"+m.ID)
			return c.fail["down:"+m.ID]
		},
	)
}
