package datamig

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrModuleNotRegistered indicates a Go migration file whose routines were
	// not compiled into the running binary
	ErrModuleNotRegistered = errors.New("migration is not registered in this binary")

	// ErrUnsupportedModule indicates a loadable path with an unknown extension
	ErrUnsupportedModule = errors.New("unsupported migration module")

	// ErrInvalidCount indicates a rollback count below one
	ErrInvalidCount = errors.New("rollback count must be at least 1")

	// ErrMigrationExists indicates a generate or bump would overwrite a file
	ErrMigrationExists = errors.New("migration file already exists")

	// ErrMissingUpSection indicates a SQL migration file without an Up section
	ErrMissingUpSection = errors.New("migration file has no up section")
)

// ConfigError reports every configuration problem found during validation
type ConfigError struct {
	Problems []string
}

func (e *ConfigError) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

// MigrationError wraps a failure of a single migration with its identity
type MigrationError struct {
	ID   string
	Path string
	Op   string // "apply" or "rollback"
	Err  error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("%s migration %s (%s): %v", e.Op, e.ID, e.Path, e.Err)
}

func (e *MigrationError) Unwrap() error {
	return e.Err
}
