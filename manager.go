package datamig

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Manager discovers migration files, reconciles them with the bookkeeping
// table and runs them in identifier order. It keeps no state between calls
type Manager struct {
	cfg    Config
	db     DataAPI
	logger *zap.Logger
}

// NewManager validates cfg and creates a manager executing through db
func NewManager(cfg Config, db DataAPI) (*Manager, error) {
	var problems []string

	var cfgErr *ConfigError
	if err := cfg.Validate(); errors.As(err, &cfgErr) {
		problems = append(problems, cfgErr.Problems...)
	}
	if db == nil {
		problems = append(problems, "data API client is required")
	}
	if len(problems) > 0 {
		return nil, &ConfigError{Problems: problems}
	}

	cfg = cfg.withDefaults()
	return &Manager{
		cfg:    cfg,
		db:     db,
		logger: cfg.Logger,
	}, nil
}

// MigrationsPath is the directory migrations are read from and written to
func (m *Manager) MigrationsPath() string {
	return m.cfg.MigrationsPath()
}

// GenerateMigration writes a new migration file from the template of the
// configured dialect and returns its path
func (m *Manager) GenerateMigration(ctx context.Context, name string) (path string, err error) {
	_, span := tracer.Start(ctx, "datamig.Manager.GenerateMigration")
	defer func() { endSpan(span, err) }()

	camel := CamelCase(name)
	if camel == "" {
		return "", fmt.Errorf("migration name %q has no letters or digits", name)
	}

	now := m.cfg.Clock()
	id := MakeID(now)
	dir := m.cfg.MigrationsPath()

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create migrations directory: %w", err)
	}

	content, err := renderMigration(m.cfg.Dialect, dir, id, camel)
	if err != nil {
		return "", err
	}

	path = filepath.Join(dir, GenerateFileName(camel, m.cfg.Dialect.extension(), now))
	if err := writeNewFile(path, content); err != nil {
		return "", err
	}

	m.logger.Info("created migration", zap.String("id", id), zap.String("path", path))
	return path, nil
}

// BumpMigration re-dates the most recent file of a migration to the current
// time. ok is false, with nothing touched, when no file has that name
func (m *Manager) BumpMigration(ctx context.Context, name string) (path string, ok bool, err error) {
	_, span := tracer.Start(ctx, "datamig.Manager.BumpMigration")
	defer func() { endSpan(span, err) }()

	camel := CamelCase(name)
	if camel == "" {
		return "", false, nil
	}

	dir := m.cfg.MigrationsPath()
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	pattern := regexp.MustCompile(`^\d{14}_` + regexp.QuoteMeta(camel) + `\.`)

	var candidates []string
	for _, entry := range entries {
		if !entry.IsDir() && pattern.MatchString(entry.Name()) {
			candidates = append(candidates, entry.Name())
		}
	}

	latest, found := FindLatestByName(candidates, camel)
	if !found {
		return "", false, nil
	}

	oldID, _, _ := ParseFileName(latest)
	newID := MakeID(m.cfg.Clock())
	newName := pattern.ReplaceAllLiteralString(latest, newID+"_"+camel+".")

	oldPath := filepath.Join(dir, latest)
	newPath := filepath.Join(dir, newName)
	if newPath == oldPath {
		return newPath, true, nil
	}

	if filepath.Ext(latest) == ".go" {
		err = rewriteGoMigration(oldPath, newPath, oldID, newID)
	} else {
		err = renameMigration(oldPath, newPath)
	}
	if err != nil {
		return "", false, err
	}

	m.logger.Info("bumped migration",
		zap.String("from", oldID),
		zap.String("to", newID),
		zap.String("path", newPath),
	)
	return newPath, true, nil
}

// GetAppliedMigrationIDs creates the bookkeeping table when needed and
// returns the recorded identifiers in the order the database returns them
func (m *Manager) GetAppliedMigrationIDs(ctx context.Context) ([]string, error) {
	if _, err := m.db.Execute(ctx, createMigrationsTableSQL, nil, WithoutResultMetadata()); err != nil {
		return nil, fmt.Errorf("failed to create %s table: %w", migrationsTable, err)
	}

	res, err := m.db.Execute(ctx, selectMigrationIDsSQL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}

	ids := make([]string, 0, len(res.Rows))
	for _, row := range res.Rows {
		key := "id"
		if _, ok := row[key]; !ok {
			key = "0"
		}
		if row[key] == nil {
			continue
		}
		id := row.String(key)
		if id == "" {
			id = fmt.Sprint(row[key])
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// ApplyMigrations runs every pending migration in ascending identifier order
// and returns the identifiers it applied. On failure the identifiers applied
// before the failing migration are returned with the error
func (m *Manager) ApplyMigrations(ctx context.Context, arg any) (applied []string, err error) {
	ctx, span := tracer.Start(ctx, "datamig.Manager.ApplyMigrations")
	defer func() { endSpan(span, err) }()

	migrations, _, loader, err := m.bootstrap(ctx)
	if loader != nil {
		defer func() { err = multierr.Append(err, m.cleanup(ctx, loader)) }()
	}
	if err != nil {
		return nil, err
	}

	pending := selectPending(migrations)
	if len(pending) == 0 {
		m.logger.Info("no pending migrations")
	}

	applied = make([]string, 0, len(pending))
	for _, migration := range pending {
		m.logger.Info("applying migration", zap.String("id", migration.ID), zap.String("name", migration.Name))
		if err := migration.Apply(ctx, arg); err != nil {
			return applied, err
		}
		applied = append(applied, migration.ID)
	}

	return applied, nil
}

// RollbackMigrations reverses the count most recently applied migrations,
// newest first, and returns the identifiers it rolled back
func (m *Manager) RollbackMigrations(ctx context.Context, arg any, count int) (rolledBack []string, err error) {
	if count < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidCount, count)
	}

	ctx, span := tracer.Start(ctx, "datamig.Manager.RollbackMigrations")
	defer func() { endSpan(span, err) }()

	migrations, _, loader, err := m.bootstrap(ctx)
	if loader != nil {
		defer func() { err = multierr.Append(err, m.cleanup(ctx, loader)) }()
	}
	if err != nil {
		return nil, err
	}

	selected := selectRollback(migrations, count)
	if len(selected) == 0 {
		m.logger.Info("no applied migrations to roll back")
	}

	rolledBack = make([]string, 0, len(selected))
	for _, migration := range selected {
		m.logger.Info("rolling back migration", zap.String("id", migration.ID), zap.String("name", migration.Name))
		if err := migration.Rollback(ctx, arg); err != nil {
			return rolledBack, err
		}
		rolledBack = append(rolledBack, migration.ID)
	}

	return rolledBack, nil
}

// Status reports which migration files are applied or pending and which
// recorded identifiers have no file
func (m *Manager) Status(ctx context.Context) (status *Status, err error) {
	ctx, span := tracer.Start(ctx, "datamig.Manager.Status")
	defer func() { endSpan(span, err) }()

	migrations, appliedIDs, loader, err := m.bootstrap(ctx)
	if loader != nil {
		defer func() { err = multierr.Append(err, m.cleanup(ctx, loader)) }()
	}
	if err != nil {
		return nil, err
	}

	return compareStatus(migrations, appliedIDs), nil
}

// bootstrap builds the ordered migration list for one call. The loader is
// returned whenever it was created, also on error, so the caller can clean up
func (m *Manager) bootstrap(ctx context.Context) ([]*Migration, []string, Loader, error) {
	loader := m.cfg.NewLoader(LoaderConfig{
		MigrationsDir:       m.cfg.MigrationsPath(),
		BuildDir:            filepath.Join(m.cfg.WorkingDirectory, buildDirName),
		WorkingDir:          m.cfg.WorkingDirectory,
		TypeCheckConfigPath: m.cfg.TypeCheckConfigPath,
		Logger:              m.logger,
	})

	appliedIDs, err := m.GetAppliedMigrationIDs(ctx)
	if err != nil {
		return nil, nil, loader, err
	}

	paths, err := loader.Compile(ctx)
	if err != nil {
		return nil, nil, loader, fmt.Errorf("failed to compile migrations: %w", err)
	}

	applied := make(map[string]bool, len(appliedIDs))
	for _, id := range appliedIDs {
		applied[id] = true
	}

	migrations := make([]*Migration, 0, len(paths))
	for _, path := range paths {
		id, name, ok := ParseFileName(path)
		if !ok {
			m.logger.Debug("skipping file that is not a migration", zap.String("path", path))
			continue
		}
		migrations = append(migrations, &Migration{
			ID:            id,
			Name:          name,
			Path:          path,
			IsApplied:     applied[id],
			IsLocal:       m.cfg.LocalMode,
			db:            m.db,
			modules:       m.cfg.Modules,
			transactional: !m.cfg.DisableTransactions,
			logger:        m.logger,
			metrics:       m.cfg.Metrics,
		})
	}
	sortByID(migrations)

	return migrations, appliedIDs, loader, nil
}

func (m *Manager) cleanup(ctx context.Context, loader Loader) error {
	if err := loader.Cleanup(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("failed to clean up migration build: %w", err)
	}
	return nil
}

// writeNewFile creates path with content and refuses to overwrite
func writeNewFile(path string, content []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("%w: %s", ErrMigrationExists, path)
		}
		return fmt.Errorf("failed to create migration file: %w", err)
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		return fmt.Errorf("failed to write migration file: %w", err)
	}
	return f.Close()
}

func renameMigration(oldPath, newPath string) error {
	if _, err := os.Stat(newPath); err == nil {
		return fmt.Errorf("%w: %s", ErrMigrationExists, newPath)
	}
	if err := os.Rename(oldPath, newPath); err != nil {
		return fmt.Errorf("failed to rename migration: %w", err)
	}
	return nil
}

// registeredIDPattern matches the places a generated Go migration names its
// identifier: the Register call and the up/down routine names
func registeredIDPattern(id string) *regexp.Regexp {
	q := regexp.QuoteMeta(id)
	return regexp.MustCompile(`Register\(\s*"` + q + `"|\b(?:up|down)` + q + `\b`)
}

// rewriteGoMigration moves a Go migration and replaces the identifier it
// registers under, which is part of the file body
func rewriteGoMigration(oldPath, newPath, oldID, newID string) error {
	content, err := os.ReadFile(oldPath)
	if err != nil {
		return fmt.Errorf("failed to read migration: %w", err)
	}

	updated := registeredIDPattern(oldID).ReplaceAllStringFunc(string(content), func(match string) string {
		return strings.Replace(match, oldID, newID, 1)
	})
	if err := writeNewFile(newPath, []byte(updated)); err != nil {
		return err
	}

	if err := os.Remove(oldPath); err != nil {
		return fmt.Errorf("failed to remove old migration file: %w", err)
	}
	return nil
}
