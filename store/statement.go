package store

import (
	"fmt"
	"strings"
)

// Dialect selects the SQL flavor. All dialect-sensitive text (placeholder
// style, now-expression, upsert syntax, identifier quoting) is produced here;
// no caller concatenates user-supplied values into SQL.
type Dialect int

const (
	SQLite Dialect = iota
	Postgres
)

// defaultDialect is the dialect of every database Open produces. Package-level
// statements are rendered against it once, at init.
const defaultDialect = SQLite

// Rebind rewrites '?' placeholders into the dialect's native style.
func (d Dialect) Rebind(query string) string {
	if d == SQLite {
		return query
	}
	var b strings.Builder
	var n int
	for _, c := range query {
		if c == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
		} else {
			b.WriteRune(c)
		}
	}
	return b.String()
}

// Now returns the dialect's epoch-seconds expression.
func (d Dialect) Now() string {
	if d == SQLite {
		return "CAST(strftime('%s','now') AS INTEGER)"
	}
	return "CAST(EXTRACT(EPOCH FROM now()) AS BIGINT)"
}

// QuoteIdent quotes an identifier.
func (d Dialect) QuoteIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// Upsert renders an INSERT .. ON CONFLICT statement. |updates| may be empty,
// in which case conflicts are ignored.
func (d Dialect) Upsert(table string, columns, conflictColumns []string, updates []string) string {
	var placeholders = strings.TrimRight(strings.Repeat("?,", len(columns)), ",")
	var stmt = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(%s)",
		table,
		strings.Join(columns, ", "),
		placeholders,
		strings.Join(conflictColumns, ", "),
	)
	if len(updates) == 0 {
		stmt += " DO NOTHING"
	} else {
		stmt += " DO UPDATE SET " + strings.Join(updates, ", ")
	}
	return d.Rebind(stmt)
}
