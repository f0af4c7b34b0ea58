package storage

import (
	"fmt"
	"strings"
	"time"
)

// formatSQLForLog interpolates positional parameters into a SQL query string for logging only.
func formatSQLForLog(query string, args ...any) string {
	query = strings.Join(strings.Fields(query), " ")
	if query == "" || len(args) == 0 {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + len(args)*8)
	argIdx := 0
	for _, ch := range query {
		if ch == '?' && argIdx < len(args) {
			b.WriteString(formatSQLArg(args[argIdx]))
			argIdx++
			continue
		}
		b.WriteRune(ch)
	}
	if argIdx < len(args) {
		b.WriteString(" /* extra args:")
		for i := argIdx; i < len(args); i++ {
			b.WriteString(" ")
			b.WriteString(formatSQLArg(args[i]))
		}
		b.WriteString(" */")
	}
	return b.String()
}

func formatSQLArg(arg any) string {
	switch v := arg.(type) {
	case nil:
		return "NULL"
	case string:
		return quoteSQLString(v)
	case []byte:
		return quoteSQLString(string(v))
	case time.Time:
		return quoteSQLString(v.Format(time.RFC3339Nano))
	case fmt.Stringer:
		return quoteSQLString(v.String())
	default:
		return fmt.Sprintf("%v", arg)
	}
}

func quoteSQLString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
