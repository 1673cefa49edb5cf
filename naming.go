package datamig

import (
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

const (
	migrationTimeFormat = "20060102150405" // YYYYMMDDHHMMSS, fixed width so string order is time order
)

var (
	migrationFilePattern = regexp.MustCompile(`^(\d{14})_(\w+)`)
)

// MakeID formats a time as a migration identifier
func MakeID(now time.Time) string {
	return now.Format(migrationTimeFormat)
}

// GenerateFileName builds "<id>_<camelName>.<ext>"
func GenerateFileName(name, ext string, now time.Time) string {
	return MakeID(now) + "_" + CamelCase(name) + "." + ext
}

// ParseFileName splits a migration file name (or path) into identifier and
// name. ok is false for files that do not follow the naming scheme
func ParseFileName(filename string) (id, name string, ok bool) {
	base := filepath.Base(filename)
	base = strings.TrimSuffix(base, filepath.Ext(base))

	matches := migrationFilePattern.FindStringSubmatch(base)
	if len(matches) != 3 {
		return "", "", false
	}
	return matches[1], matches[2], true
}

// FindLatestByName returns the entry of a directory listing with the highest
// identifier for the given migration name
func FindLatestByName(listing []string, name string) (string, bool) {
	pattern := regexp.MustCompile("_" + regexp.QuoteMeta(name) + `\.`)

	var matched []string
	for _, entry := range listing {
		if pattern.MatchString(entry) {
			matched = append(matched, entry)
		}
	}
	if len(matched) == 0 {
		return "", false
	}

	sort.Strings(matched)
	return matched[len(matched)-1], true
}

// CamelCase normalizes a human label into a camel-case migration name:
// "create users table" and "Create_Users-Table" both become
// "createUsersTable". Only ASCII letters and digits survive
func CamelCase(s string) string {
	words := splitWords(s)
	if len(words) == 0 {
		return ""
	}

	lower := cases.Lower(language.Und)
	title := cases.Title(language.Und)

	var b strings.Builder
	for i, w := range words {
		if i == 0 {
			b.WriteString(lower.String(w))
			continue
		}
		b.WriteString(title.String(lower.String(w)))
	}
	return b.String()
}

func splitWords(s string) []string {
	var (
		words   []string
		current []byte
	)
	flush := func() {
		if len(current) > 0 {
			words = append(words, string(current))
			current = current[:0]
		}
	}

	for i := 0; i < len(s); i++ {
		c := s[i]
		if !isASCIIAlnum(c) {
			flush()
			continue
		}
		if len(current) > 0 {
			prev := current[len(current)-1]
			switch {
			case isDigit(prev) != isDigit(c):
				flush()
			case isLower(prev) && isUpper(c):
				flush()
			case isUpper(prev) && isUpper(c) && i+1 < len(s) && isLower(s[i+1]):
				// acronym end: "HTTPServer" -> "HTTP", "Server"
				flush()
			}
		}
		current = append(current, c)
	}
	flush()

	return words
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }
func isLower(c byte) bool { return c >= 'a' && c <= 'z' }
func isUpper(c byte) bool { return c >= 'A' && c <= 'Z' }

func isASCIIAlnum(c byte) bool {
	return isDigit(c) || isLower(c) || isUpper(c)
}
