package datamig

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const (
	sqlDirectivePrefix = "-- +datamig"

	directiveUp             = "Up"
	directiveDown           = "Down"
	directiveStatementBegin = "StatementBegin"
	directiveStatementEnd   = "StatementEnd"
)

type moduleLoader struct {
	registry *Registry
}

// NewModuleLoader resolves .go paths through the registry and parses .sql
// paths from disk
func NewModuleLoader(registry *Registry) ModuleLoader {
	if registry == nil {
		registry = DefaultRegistry
	}
	return &moduleLoader{registry: registry}
}

// Load resolves the module backing a loadable path
func (l *moduleLoader) Load(path string) (Module, error) {
	switch filepath.Ext(path) {
	case ".go":
		id, _, ok := ParseFileName(path)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedModule, path)
		}
		module, ok := l.registry.Lookup(id)
		if !ok {
			return nil, fmt.Errorf("%w: %s (%s)", ErrModuleNotRegistered, id, path)
		}
		return module, nil

	case ".sql":
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read SQL migration %s: %w", path, err)
		}
		parsed, err := ParseSQLMigration(bytes.NewReader(content))
		if err != nil {
			return nil, fmt.Errorf("failed to parse SQL migration %s: %w", path, err)
		}
		return parsed, nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedModule, path)
	}
}

// SQLMigration is a plain SQL migration file split into statements.
//
// Files are divided by directive comments:
//
//	-- +datamig Up
//	CREATE TABLE users (id varchar(36) PRIMARY KEY);
//	-- +datamig Down
//	DROP TABLE users;
//
// A statement ends at a line ending in ";". Bodies that contain semicolons
// (functions, triggers) go between StatementBegin and StatementEnd directives.
type SQLMigration struct {
	UpStatements   []string
	DownStatements []string
}

// ParseSQLMigration reads a SQL migration file
func ParseSQLMigration(r io.Reader) (*SQLMigration, error) {
	var (
		m        SQLMigration
		section  *[]string
		sawUp    bool
		inBlock  bool
		buf      strings.Builder
		lineNo   int
		flushBuf = func() {
			stmt := strings.TrimSpace(buf.String())
			buf.Reset()
			if section != nil && isNonEmptySQL(stmt) {
				*section = append(*section, stmt)
			}
		}
	)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(trimmed, sqlDirectivePrefix) {
			fields := strings.Fields(strings.TrimPrefix(trimmed, sqlDirectivePrefix))
			if len(fields) == 0 {
				return nil, fmt.Errorf("line %d: empty directive", lineNo)
			}

			switch fields[0] {
			case directiveUp:
				flushBuf()
				section, sawUp = &m.UpStatements, true
			case directiveDown:
				flushBuf()
				section = &m.DownStatements
			case directiveStatementBegin:
				flushBuf()
				inBlock = true
			case directiveStatementEnd:
				if !inBlock {
					return nil, fmt.Errorf("line %d: StatementEnd without StatementBegin", lineNo)
				}
				inBlock = false
				flushBuf()
			default:
				return nil, fmt.Errorf("line %d: unknown directive %q", lineNo, fields[0])
			}
			continue
		}

		if section == nil {
			// Preamble before the first section
			continue
		}

		if !inBlock && buf.Len() == 0 && (trimmed == "" || strings.HasPrefix(trimmed, "--")) {
			// Comments between statements
			continue
		}

		buf.WriteString(line)
		buf.WriteByte('\n')

		if !inBlock && endsWithSemicolon(line) {
			flushBuf()
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if inBlock {
		return nil, fmt.Errorf("unterminated StatementBegin block")
	}
	flushBuf()

	if !sawUp {
		return nil, ErrMissingUpSection
	}

	return &m, nil
}

// Up executes the up statements in order
func (m *SQLMigration) Up(ctx context.Context, db DataAPI, _ *Migration, _ any) error {
	return execStatements(ctx, db, m.UpStatements)
}

// Down executes the down statements in order
func (m *SQLMigration) Down(ctx context.Context, db DataAPI, _ *Migration, _ any) error {
	return execStatements(ctx, db, m.DownStatements)
}

func execStatements(ctx context.Context, db DataAPI, statements []string) error {
	for i, stmt := range statements {
		if _, err := db.Execute(ctx, stmt, nil, WithoutResultMetadata()); err != nil {
			return fmt.Errorf("statement %d failed: %w", i+1, err)
		}
	}
	return nil
}

// endsWithSemicolon reports whether a line closes a statement. A trailing
// -- comment outside a quoted literal is ignored
func endsWithSemicolon(line string) bool {
	code := line
	inQuote := false
	for i := 0; i < len(line); i++ {
		if line[i] == '\'' {
			inQuote = !inQuote
			continue
		}
		if !inQuote && strings.HasPrefix(line[i:], "--") {
			code = line[:i]
			break
		}
	}
	return strings.HasSuffix(strings.TrimSpace(code), ";")
}

// isNonEmptySQL reports whether a statement contains anything beyond
// comments and whitespace
func isNonEmptySQL(content string) bool {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "--") {
			return true
		}
	}
	return false
}
