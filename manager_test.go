package datamig

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const (
	usersID    = "20200107142955"
	projectsID = "20200116113329"
)

var testConnection = ConnectionConfig{
	ResourceARN: "arn:aws:rds:us-east-1:123456789012:cluster:test",
	SecretARN:   "arn:aws:secretsmanager:us-east-1:123456789012:secret:test",
	Database:    "app",
}

type managerFixture struct {
	manager  *Manager
	db       *memoryDB
	loader   *fakeLoader
	calls    *callLog
	registry *Registry
}

// newManagerFixture discovers the two migrations in reversed listing order
func newManagerFixture(t *testing.T, applied ...string) *managerFixture {
	t.Helper()

	registry := NewRegistry()
	calls := &callLog{fail: map[string]error{}}
	calls.register(registry, usersID, "createUsers")
	calls.register(registry, projectsID, "createProjects")

	loader := &fakeLoader{paths: []string{
		"/work/.datamig/" + projectsID + "_createProjects.go",
		"/work/.datamig/" + usersID + "_createUsers.go",
	}}
	db := newMemoryDB(applied...)

	manager, err := NewManager(Config{
		WorkingDirectory: t.TempDir(),
		Connection:       testConnection,
		NewLoader:        loader.factory(),
		Registry:         registry,
	}, db)
	require.NoError(t, err)

	return &managerFixture{manager: manager, db: db, loader: loader, calls: calls, registry: registry}
}

func TestNewManagerReportsEveryProblem(t *testing.T) {
	_, err := NewManager(Config{Dialect: "ruby"}, nil)

	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, []string{
		`unknown dialect "ruby"`,
		"connection.resourceArn is required",
		"connection.secretArn is required",
		"connection.database is required",
		"data API client is required",
	}, cfgErr.Problems)
}

func TestGetAppliedMigrationIDsCreatesTableFirst(t *testing.T) {
	f := newManagerFixture(t, usersID, projectsID)

	ids, err := f.manager.GetAppliedMigrationIDs(context.Background())
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{usersID, projectsID}, ids)
	require.Len(t, f.db.statements, 2)
	assert.Equal(t, createMigrationsTableSQL, f.db.statements[0])
	assert.Equal(t, selectMigrationIDsSQL, f.db.statements[1])
}

func TestApplyMigrationsRunsInAscendingOrder(t *testing.T) {
	f := newManagerFixture(t)

	applied, err := f.manager.ApplyMigrations(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, []string{usersID, projectsID}, applied)
	assert.Equal(t, []string{"up:" + usersID, "up:" + projectsID}, f.calls.calls)
	assert.Equal(t, []string{usersID, projectsID}, f.db.records)
	assert.Equal(t, 1, f.loader.cleanups)
}

func TestApplyMigrationsSkipsApplied(t *testing.T) {
	f := newManagerFixture(t, usersID)

	applied, err := f.manager.ApplyMigrations(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, []string{projectsID}, applied)
	assert.Equal(t, []string{"up:" + projectsID}, f.calls.calls)
}

func TestApplyMigrationsNothingPending(t *testing.T) {
	f := newManagerFixture(t, usersID, projectsID)

	applied, err := f.manager.ApplyMigrations(context.Background(), nil)
	require.NoError(t, err)

	assert.Empty(t, applied)
	assert.Empty(t, f.calls.calls)
	assert.Zero(t, f.db.writes())
}

func TestRollbackMigrationsCount(t *testing.T) {
	t.Run("one", func(t *testing.T) {
		f := newManagerFixture(t, usersID, projectsID)

		rolledBack, err := f.manager.RollbackMigrations(context.Background(), nil, 1)
		require.NoError(t, err)

		assert.Equal(t, []string{projectsID}, rolledBack)
		assert.Equal(t, []string{"down:" + projectsID}, f.calls.calls)
		assert.Equal(t, []string{usersID}, f.db.records)
	})

	t.Run("two", func(t *testing.T) {
		f := newManagerFixture(t, usersID, projectsID)

		rolledBack, err := f.manager.RollbackMigrations(context.Background(), nil, 2)
		require.NoError(t, err)

		assert.Equal(t, []string{projectsID, usersID}, rolledBack)
		assert.Equal(t, []string{"down:" + projectsID, "down:" + usersID}, f.calls.calls)
		assert.Empty(t, f.db.records)
	})

	t.Run("more than applied", func(t *testing.T) {
		f := newManagerFixture(t, usersID)

		rolledBack, err := f.manager.RollbackMigrations(context.Background(), nil, 5)
		require.NoError(t, err)
		assert.Equal(t, []string{usersID}, rolledBack)
	})
}

func TestRollbackMigrationsRejectsInvalidCount(t *testing.T) {
	f := newManagerFixture(t, usersID)

	for _, count := range []int{0, -1} {
		_, err := f.manager.RollbackMigrations(context.Background(), nil, count)
		assert.ErrorIs(t, err, ErrInvalidCount)
	}
	assert.Zero(t, f.loader.compiles)
	assert.Empty(t, f.db.statements)
}

func TestCleanupRunsOnceWhenRoutineFails(t *testing.T) {
	boom := errors.New("boom")

	t.Run("apply", func(t *testing.T) {
		f := newManagerFixture(t)
		f.calls.fail["up:"+projectsID] = boom

		applied, err := f.manager.ApplyMigrations(context.Background(), nil)
		require.ErrorIs(t, err, boom)

		assert.Equal(t, []string{usersID}, applied)
		assert.Equal(t, []string{usersID}, f.db.records)
		assert.Equal(t, 1, f.loader.cleanups)
	})

	t.Run("rollback", func(t *testing.T) {
		f := newManagerFixture(t, usersID, projectsID)
		f.calls.fail["down:"+projectsID] = boom

		rolledBack, err := f.manager.RollbackMigrations(context.Background(), nil, 2)
		require.ErrorIs(t, err, boom)

		assert.Empty(t, rolledBack)
		assert.Equal(t, []string{"down:" + projectsID}, f.calls.calls)
		assert.Equal(t, 1, f.loader.cleanups)
	})

	t.Run("compile", func(t *testing.T) {
		f := newManagerFixture(t)
		f.loader.compileErr = boom

		_, err := f.manager.ApplyMigrations(context.Background(), nil)
		require.ErrorIs(t, err, boom)
		assert.Equal(t, 1, f.loader.cleanups)
	})
}

func TestCleanupErrorIsReported(t *testing.T) {
	f := newManagerFixture(t)
	cleanupErr := errors.New("cleanup failed")
	f.loader.cleanupErr = cleanupErr
	boom := errors.New("boom")
	f.calls.fail["up:"+usersID] = boom

	_, err := f.manager.ApplyMigrations(context.Background(), nil)
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, err, cleanupErr)
}

func TestBootstrapSkipsUnrecognisedFiles(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	f := newManagerFixture(t)
	f.manager.logger = zap.New(core)
	f.loader.paths = append(f.loader.paths, "/work/.datamig/helpers.go", "/work/.datamig/README.sql")

	applied, err := f.manager.ApplyMigrations(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{usersID, projectsID}, applied)

	skipped := logs.FilterMessage("skipping file that is not a migration").All()
	require.Len(t, skipped, 2)
	assert.Equal(t, "/work/.datamig/helpers.go", skipped[0].ContextMap()["path"])

	applying := logs.FilterMessage("applying migration").All()
	require.Len(t, applying, 2)
	assert.Equal(t, usersID, applying[0].ContextMap()["id"])
}

func TestBootstrapMarksLocalMode(t *testing.T) {
	registry := NewRegistry()
	loader := &fakeLoader{paths: []string{"/work/" + usersID + "_createUsers.go"}}

	var local bool
	registry.Register(usersID, "createUsers", func(ctx context.Context, db DataAPI, m *Migration, arg any) error {
		local = m.IsLocal
		return nil
	}, nil)

	manager, err := NewManager(Config{
		LocalMode:  true,
		Connection: ConnectionConfig{Local: LocalConfig{Driver: "sqlite", DSN: ":memory:"}},
		NewLoader:  loader.factory(),
		Registry:   registry,
	}, newMemoryDB())
	require.NoError(t, err)

	_, err = manager.ApplyMigrations(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, local)
}

func TestStatusReportsMissingFiles(t *testing.T) {
	f := newManagerFixture(t, usersID, "20190101000000")

	status, err := f.manager.Status(context.Background())
	require.NoError(t, err)

	require.Len(t, status.Local, 2)
	assert.Equal(t, usersID, status.Local[0].ID)
	require.Len(t, status.Applied, 1)
	assert.Equal(t, usersID, status.Applied[0].ID)
	require.Len(t, status.Pending, 1)
	assert.Equal(t, projectsID, status.Pending[0].ID)
	assert.Equal(t, []string{"20190101000000"}, status.Missing)
	assert.Equal(t, 1, f.loader.cleanups)
}

type fixedClock struct {
	now time.Time
}

func (c *fixedClock) Now() time.Time { return c.now }

func newFileManager(t *testing.T, dialect Dialect, clock *fixedClock) *Manager {
	t.Helper()
	manager, err := NewManager(Config{
		WorkingDirectory: t.TempDir(),
		Dialect:          dialect,
		Connection:       testConnection,
		Clock:            clock.Now,
	}, newMemoryDB())
	require.NoError(t, err)
	return manager
}

func TestGenerateMigration(t *testing.T) {
	clock := &fixedClock{now: time.Date(2020, 1, 7, 14, 29, 55, 0, time.UTC)}

	t.Run("go", func(t *testing.T) {
		manager := newFileManager(t, DialectGo, clock)

		path, err := manager.GenerateMigration(context.Background(), "create users")
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(manager.MigrationsPath(), "20200107142955_createUsers.go"), path)

		content, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(content), "package migrations")
		assert.Contains(t, string(content), `datamig.Register("20200107142955", "createUsers", up20200107142955, down20200107142955)`)
	})

	t.Run("sql", func(t *testing.T) {
		manager := newFileManager(t, DialectSQL, clock)

		path, err := manager.GenerateMigration(context.Background(), "create users")
		require.NoError(t, err)
		assert.Equal(t, "20200107142955_createUsers.sql", filepath.Base(path))

		content, err := os.ReadFile(path)
		require.NoError(t, err)
		parsed, err := ParseSQLMigration(strings.NewReader(string(content)))
		require.NoError(t, err)
		assert.Len(t, parsed.UpStatements, 1)
	})

	t.Run("refuses to overwrite", func(t *testing.T) {
		manager := newFileManager(t, DialectSQL, clock)

		_, err := manager.GenerateMigration(context.Background(), "create users")
		require.NoError(t, err)
		_, err = manager.GenerateMigration(context.Background(), "createUsers")
		assert.ErrorIs(t, err, ErrMigrationExists)
	})

	t.Run("empty name", func(t *testing.T) {
		manager := newFileManager(t, DialectSQL, clock)

		_, err := manager.GenerateMigration(context.Background(), " -- ")
		assert.Error(t, err)
	})
}

func TestBumpMigrationMovesToNewIdentifier(t *testing.T) {
	for _, dialect := range []Dialect{DialectGo, DialectSQL} {
		t.Run(string(dialect), func(t *testing.T) {
			clock := &fixedClock{now: time.Date(2020, 1, 7, 14, 29, 55, 0, time.UTC)}
			manager := newFileManager(t, dialect, clock)
			ctx := context.Background()

			original, err := manager.GenerateMigration(ctx, "createUsers")
			require.NoError(t, err)

			clock.now = clock.now.Add(90 * time.Minute)
			bumped, ok, err := manager.BumpMigration(ctx, "createUsers")
			require.NoError(t, err)
			require.True(t, ok)

			assert.NotEqual(t, original, bumped)
			oldID, oldName, _ := ParseFileName(original)
			newID, newName, _ := ParseFileName(bumped)
			assert.Equal(t, oldName, newName)
			assert.Greater(t, newID, oldID)
			assert.Equal(t, "20200107155955", newID)

			assert.NoFileExists(t, original)
			require.FileExists(t, bumped)

			if dialect == DialectGo {
				content, err := os.ReadFile(bumped)
				require.NoError(t, err)
				assert.Contains(t, string(content), `datamig.Register("20200107155955"`)
				assert.NotContains(t, string(content), oldID)
			}
		})
	}
}

func TestBumpMigrationPicksLatest(t *testing.T) {
	clock := &fixedClock{now: time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)}
	manager := newFileManager(t, DialectSQL, clock)
	dir := manager.MigrationsPath()
	require.NoError(t, os.MkdirAll(dir, 0755))

	for _, name := range []string{
		"20200101000000_createUsers.sql",
		"20200301000000_createUsers.sql",
		"20200201000000_createUsersIndex.sql",
		"20200401000000_createProjects.sql",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("-- +datamig Up\n"), 0644))
	}

	bumped, ok, err := manager.BumpMigration(context.Background(), "createUsers")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "20210101000000_createUsers.sql", filepath.Base(bumped))

	assert.FileExists(t, filepath.Join(dir, "20200101000000_createUsers.sql"))
	assert.NoFileExists(t, filepath.Join(dir, "20200301000000_createUsers.sql"))
	assert.FileExists(t, filepath.Join(dir, "20200201000000_createUsersIndex.sql"))
}

func TestBumpGoMigrationKeepsIdentifierInBody(t *testing.T) {
	clock := &fixedClock{now: time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)}
	manager := newFileManager(t, DialectGo, clock)
	dir := manager.MigrationsPath()
	require.NoError(t, os.MkdirAll(dir, 0755))

	source := `package migrations

import (
	"context"

	"github.com/mantty/datamig"
)

func init() {
	datamig.Register("` + usersID + `", "createUsers", up` + usersID + `, down` + usersID + `)
}

// backfills rows written before ` + usersID + `
func up` + usersID + `(ctx context.Context, db datamig.DataAPI, m *datamig.Migration, arg any) error {
	_, err := db.Execute(ctx, "UPDATE users SET batch = '` + usersID + `'", nil)
	return err
}

func down` + usersID + `(ctx context.Context, db datamig.DataAPI, m *datamig.Migration, arg any) error {
	return nil
}
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, usersID+"_createUsers.go"), []byte(source), 0644))

	bumped, ok, err := manager.BumpMigration(context.Background(), "createUsers")
	require.NoError(t, err)
	require.True(t, ok)

	content, err := os.ReadFile(bumped)
	require.NoError(t, err)
	body := string(content)

	const newID = "20210101000000"
	assert.Contains(t, body, `datamig.Register("`+newID+`", "createUsers", up`+newID+`, down`+newID+`)`)
	assert.Contains(t, body, "func up"+newID+"(")
	assert.Contains(t, body, "func down"+newID+"(")
	assert.Contains(t, body, "// backfills rows written before "+usersID)
	assert.Contains(t, body, "SET batch = '"+usersID+"'")
}

func TestBumpMigrationWithoutMatchLeavesFilesAlone(t *testing.T) {
	clock := &fixedClock{now: time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)}
	manager := newFileManager(t, DialectSQL, clock)
	dir := manager.MigrationsPath()
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "20200101000000_createUsers.sql"), []byte("x"), 0644))

	before, err := os.ReadDir(dir)
	require.NoError(t, err)

	path, ok, err := manager.BumpMigration(context.Background(), "createProjects")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, path)

	after, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Equal(t, names(before), names(after))
}

func TestBumpMigrationMissingDirectory(t *testing.T) {
	clock := &fixedClock{now: time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)}
	manager := newFileManager(t, DialectSQL, clock)

	_, ok, err := manager.BumpMigration(context.Background(), "createUsers")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoDirExists(t, manager.MigrationsPath())
}

func names(entries []os.DirEntry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Name())
	}
	return out
}
