package datamig

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	migrationsTable = "__migrations__"

	createMigrationsTableSQL = `CREATE TABLE IF NOT EXISTS ` + migrationsTable + ` (id varchar(255) NOT NULL UNIQUE)`
	selectMigrationIDsSQL    = `SELECT id FROM ` + migrationsTable
	insertMigrationSQL       = `INSERT INTO ` + migrationsTable + ` (id) VALUES (:id)`
	deleteMigrationSQL       = `DELETE FROM ` + migrationsTable + ` WHERE id = :id`
)

var tracer = otel.Tracer("github.com/mantty/datamig")

// Migration is one discovered migration joined with its applied state. It is
// rebuilt on every orchestration call; the bookkeeping row is the only
// durable record
type Migration struct {
	ID        string
	Name      string
	Path      string // loadable module path
	IsApplied bool
	IsLocal   bool

	db            DataAPI
	modules       ModuleLoader
	transactional bool
	logger        *zap.Logger
	metrics       *Metrics
}

// Apply runs the up routine and records the migration. It does nothing when
// the migration is already applied. When the routine fails nothing is
// recorded
func (m *Migration) Apply(ctx context.Context, arg any) (err error) {
	if m.IsApplied {
		return nil
	}

	ctx, span := tracer.Start(ctx, "datamig.Migration.Apply", m.spanAttributes())
	started := time.Now()
	defer func() {
		m.metrics.observe("up", started, err)
		endSpan(span, err)
	}()

	module, err := m.modules.Load(m.Path)
	if err != nil {
		return m.wrap("apply", err)
	}

	err = m.run(ctx, func(db DataAPI) error {
		if err := module.Up(ctx, db, m, arg); err != nil {
			return err
		}
		if _, err := db.Execute(ctx, insertMigrationSQL, Params{"id": m.ID}, WithoutResultMetadata()); err != nil {
			return fmt.Errorf("failed to record migration: %w", err)
		}
		return nil
	})
	if err != nil {
		return m.wrap("apply", err)
	}

	m.IsApplied = true
	m.log().Debug("recorded migration", zap.String("id", m.ID))
	return nil
}

// Rollback runs the down routine and removes the bookkeeping record. It does
// nothing when the migration is not applied
func (m *Migration) Rollback(ctx context.Context, arg any) (err error) {
	if !m.IsApplied {
		return nil
	}

	ctx, span := tracer.Start(ctx, "datamig.Migration.Rollback", m.spanAttributes())
	started := time.Now()
	defer func() {
		m.metrics.observe("down", started, err)
		endSpan(span, err)
	}()

	module, err := m.modules.Load(m.Path)
	if err != nil {
		return m.wrap("rollback", err)
	}

	err = m.run(ctx, func(db DataAPI) error {
		if err := module.Down(ctx, db, m, arg); err != nil {
			return err
		}
		if _, err := db.Execute(ctx, deleteMigrationSQL, Params{"id": m.ID}, WithoutResultMetadata()); err != nil {
			return fmt.Errorf("failed to remove migration record: %w", err)
		}
		return nil
	})
	if err != nil {
		return m.wrap("rollback", err)
	}

	m.IsApplied = false
	m.log().Debug("removed migration record", zap.String("id", m.ID))
	return nil
}

// run executes fn inside a data API transaction when the client supports one
func (m *Migration) run(ctx context.Context, fn func(db DataAPI) error) (err error) {
	t, ok := m.db.(Transactor)
	if !m.transactional || !ok {
		return fn(m.db)
	}

	tx, err := t.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return multierr.Append(err, fmt.Errorf("failed to roll back transaction: %w", rbErr))
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (m *Migration) log() *zap.Logger {
	if m.logger == nil {
		return zap.NewNop()
	}
	return m.logger
}

func (m *Migration) wrap(op string, err error) error {
	return &MigrationError{ID: m.ID, Path: m.Path, Op: op, Err: err}
}

func (m *Migration) spanAttributes() trace.SpanStartOption {
	return trace.WithAttributes(
		attribute.String("migration.id", m.ID),
		attribute.String("migration.name", m.Name),
	)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
