package datamig

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// GoLoader prepares Go-authored migrations. Sources are copied into the
// private build directory and checked with the commands listed in the
// type-check config; the routines themselves are linked into the binary
// through the Registry. Plain .sql migrations next to them pass through
type GoLoader struct {
	cfg      LoaderConfig
	executor CommandExecutor
	logger   *zap.Logger
}

// NewGoLoader creates the loader for the Go dialect
func NewGoLoader(cfg LoaderConfig) Loader {
	return NewGoLoaderWithExecutor(cfg, NewShellCommandExecutor(0, cfg.Logger))
}

// NewGoLoaderWithExecutor creates a Go loader running checks through executor
func NewGoLoaderWithExecutor(cfg LoaderConfig, executor CommandExecutor) *GoLoader {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GoLoader{cfg: cfg, executor: executor, logger: logger}
}

// Compile copies Go sources into the build directory, runs the type-check
// commands and returns the built paths followed by pass-through SQL paths
func (l *GoLoader) Compile(ctx context.Context) ([]string, error) {
	sources, err := listSources(l.cfg.MigrationsDir, ".go")
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(l.cfg.BuildDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create build directory: %w", err)
	}

	built := make([]string, 0, len(sources))
	for _, src := range sources {
		dst := filepath.Join(l.cfg.BuildDir, filepath.Base(src))
		if err := copyFile(src, dst); err != nil {
			return nil, err
		}
		built = append(built, dst)
	}
	l.logger.Debug("copied migration sources", zap.Int("count", len(built)), zap.String("buildDir", l.cfg.BuildDir))

	if err := l.typeCheck(ctx); err != nil {
		return nil, err
	}

	passthrough, err := listSources(l.cfg.MigrationsDir, ".sql")
	if err != nil {
		return nil, err
	}

	return append(built, passthrough...), nil
}

// Cleanup removes the build directory
func (l *GoLoader) Cleanup(_ context.Context) error {
	if l.cfg.BuildDir == "" {
		return nil
	}
	if err := os.RemoveAll(l.cfg.BuildDir); err != nil {
		return fmt.Errorf("failed to remove build directory: %w", err)
	}
	return nil
}

func (l *GoLoader) typeCheck(ctx context.Context) error {
	if l.cfg.TypeCheckConfigPath == "" {
		return nil
	}

	path := l.cfg.TypeCheckConfigPath
	if !filepath.IsAbs(path) && l.cfg.WorkingDir != "" {
		path = filepath.Join(l.cfg.WorkingDir, path)
	}

	tc, err := LoadTypeCheckConfig(path)
	if err != nil {
		return err
	}

	env := map[string]string{
		"DATAMIG_BUILD_DIR":      l.cfg.BuildDir,
		"DATAMIG_MIGRATIONS_DIR": l.cfg.MigrationsDir,
	}
	if err := l.executor.ExecuteCommands(ctx, tc.Commands, l.cfg.WorkingDir, env); err != nil {
		return fmt.Errorf("type check failed: %w", err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	return out.Close()
}
