package datamig

import (
	"bytes"
	_ "embed"
	"fmt"
	"go/token"
	"path/filepath"
	"strings"
	"text/template"
)

var (
	//go:embed assets/migration.go.tmpl
	goMigrationTemplate string

	//go:embed assets/migration.sql.tmpl
	sqlMigrationTemplate string

	migrationTemplates = map[Dialect]*template.Template{
		DialectGo:  template.Must(template.New("migration.go").Parse(goMigrationTemplate)),
		DialectSQL: template.Must(template.New("migration.sql").Parse(sqlMigrationTemplate)),
	}
)

type templateData struct {
	Package string
	ID      string
	Name    string
}

// renderMigration fills the template of a dialect
func renderMigration(dialect Dialect, migrationsDir, id, name string) ([]byte, error) {
	tmpl, ok := migrationTemplates[dialect]
	if !ok {
		return nil, fmt.Errorf("no template for dialect %q", dialect)
	}

	var buf bytes.Buffer
	err := tmpl.Execute(&buf, templateData{
		Package: packageName(migrationsDir),
		ID:      id,
		Name:    name,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to render %s template: %w", dialect, err)
	}
	return buf.Bytes(), nil
}

// packageName derives a Go package name from the migrations directory
func packageName(dir string) string {
	base := strings.ToLower(filepath.Base(dir))

	var b strings.Builder
	for i := 0; i < len(base); i++ {
		c := base[i]
		if isLower(c) || isDigit(c) || c == '_' {
			b.WriteByte(c)
		}
	}

	name := b.String()
	if name == "" || isDigit(name[0]) || token.IsKeyword(name) {
		return migrationsFolderDefault
	}
	return name
}

func (d Dialect) extension() string {
	return string(d)
}
