package historian

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/meltline/meltline/internal/config"
)

// identPattern is the only shape accepted for schema, table and column
// identifiers supplied through configuration.
var identPattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// ValidateIdentifier rejects any identifier that could smuggle SQL.
func ValidateIdentifier(name string) error {
	if !identPattern.MatchString(name) {
		return fmt.Errorf("invalid identifier %q: must match [A-Za-z0-9_]+", name)
	}
	return nil
}

func validateConfigIdentifiers(cfg config.HistorianConfig) error {
	idents := append([]string{cfg.Schema, cfg.Table, cfg.TimestampColumn}, cfg.ValueColumns()...)
	for _, ident := range idents {
		if err := ValidateIdentifier(ident); err != nil {
			return err
		}
	}
	return nil
}

// BuildColdStartQuery selects the most recent rows inside the window span,
// returned ascending. Legacy TOP/subquery syntax keeps very old SQL Server
// versions happy. The single parameter is the window cutoff timestamp.
func BuildColdStartQuery(cfg config.HistorianConfig) (string, error) {
	if err := validateConfigIdentifiers(cfg); err != nil {
		return "", err
	}
	cols := strings.Join(append([]string{cfg.TimestampColumn}, cfg.ValueColumns()...), ", ")
	q := fmt.Sprintf(
		"SELECT %[1]s FROM (SELECT TOP (%[2]d) %[1]s FROM [%[3]s].[%[4]s] WHERE %[5]s >= @p1 ORDER BY %[5]s DESC) recent ORDER BY %[5]s ASC",
		cols, cfg.RowCap(), cfg.Schema, cfg.Table, cfg.TimestampColumn)
	if err := GuardReadOnly(q); err != nil {
		return "", err
	}
	return q, nil
}

// BuildIncrementalQuery selects rows newer than the high-water mark,
// ascending, capped. The single parameter is the high-water mark.
func BuildIncrementalQuery(cfg config.HistorianConfig) (string, error) {
	if err := validateConfigIdentifiers(cfg); err != nil {
		return "", err
	}
	cols := strings.Join(append([]string{cfg.TimestampColumn}, cfg.ValueColumns()...), ", ")
	q := fmt.Sprintf(
		"SELECT TOP (%d) %s FROM [%s].[%s] WHERE %s > @p1 ORDER BY %s ASC",
		cfg.RowCap(), cols, cfg.Schema, cfg.Table, cfg.TimestampColumn, cfg.TimestampColumn)
	if err := GuardReadOnly(q); err != nil {
		return "", err
	}
	return q, nil
}

// forbidden statement keywords anywhere in an outgoing query.
var forbiddenKeywords = []string{
	"insert", "update", "delete", "drop", "alter", "create", "truncate",
	"merge", "exec", "execute", "grant", "revoke", "into",
}

// GuardReadOnly rejects anything that is not a single read-only SELECT.
// Every query leaving this package passes through here.
func GuardReadOnly(query string) error {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return fmt.Errorf("empty query")
	}
	if strings.Contains(trimmed, ";") {
		return fmt.Errorf("multi-statement queries are not allowed")
	}
	lower := strings.ToLower(trimmed)
	if !strings.HasPrefix(lower, "select") {
		return fmt.Errorf("only SELECT queries are allowed")
	}
	for _, kw := range forbiddenKeywords {
		if containsWord(lower, kw) {
			return fmt.Errorf("forbidden keyword %q in query", kw)
		}
	}
	return nil
}

func containsWord(haystack, word string) bool {
	idx := 0
	for {
		i := strings.Index(haystack[idx:], word)
		if i < 0 {
			return false
		}
		i += idx
		before := i == 0 || !isWordByte(haystack[i-1])
		after := i+len(word) >= len(haystack) || !isWordByte(haystack[i+len(word)])
		if before && after {
			return true
		}
		idx = i + len(word)
	}
}

func isWordByte(b byte) bool {
	return b == '_' || (b >= 'a' && b <= 'z') || (b >= '0' && b <= '9')
}
