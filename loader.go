package datamig

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
)

type (
	// Loader turns a directory of authored migration sources into loadable
	// module paths. A loader is created per orchestration call and Cleanup
	// is always called once the call is done with the paths
	Loader interface {
		// Compile returns absolute paths of every loadable migration module
		Compile(ctx context.Context) ([]string, error)

		// Cleanup releases the private build directory and any other
		// intermediate artifacts
		Cleanup(ctx context.Context) error
	}

	// LoaderConfig is handed to loader factories
	LoaderConfig struct {
		MigrationsDir       string
		BuildDir            string // private to the loader, removed by Cleanup
		WorkingDir          string
		TypeCheckConfigPath string
		Logger              *zap.Logger
	}

	// LoaderFactory builds a loader for one orchestration call
	LoaderFactory func(LoaderConfig) Loader

	// SQLLoader passes plain SQL migration files through untouched
	SQLLoader struct {
		cfg LoaderConfig
	}
)

// NewSQLLoader creates a pass-through loader for .sql migrations
func NewSQLLoader(cfg LoaderConfig) Loader {
	return &SQLLoader{cfg: cfg}
}

// Compile lists the .sql files of the migrations directory
func (l *SQLLoader) Compile(_ context.Context) ([]string, error) {
	return listSources(l.cfg.MigrationsDir, ".sql")
}

// Cleanup is a no-op, nothing is built
func (l *SQLLoader) Cleanup(_ context.Context) error {
	return nil
}

// listSources returns absolute paths of the regular files in dir with the
// given extension, sorted by name. A missing directory yields no files
func listSources(dir, ext string) ([]string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve migrations directory: %w", err)
	}

	entries, err := os.ReadDir(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var paths []string
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ext {
			continue
		}
		if ext == ".go" && strings.HasSuffix(entry.Name(), "_test.go") {
			continue
		}
		paths = append(paths, filepath.Join(abs, entry.Name()))
	}
	sort.Strings(paths)

	return paths, nil
}
