package db

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
)

// The distributed-query builder needs the raw text spans of a SELECT
// statement so it can embed them verbatim inside dblink arms. A full
// AST would lose the original spelling, so statements are carved up by
// a small scanner that respects string literals, quoted identifiers
// and parenthesis depth.

// identifierRe splits a select-list entry into its expression and an
// optional trailing alias, with or without AS.
var identifierRe = regexp.MustCompile(`(?i)^\s*(?P<identifier>.*?)(?:\s+(?:as\s+)?(?P<alias>[^ ]+?))?\s*$`)

// functionRe matches a function-call expression and captures the
// function name plus its first argument.
var functionRe = regexp.MustCompile(`(?i)^(?P<function>[a-z_][a-z0-9_]*)\(\s*(?P<arg1>.*?)(?P<rest>(?:\s*,\s*.*?\s*)*)\)$`)

// tableColumnRe matches table.column references in either quoted or
// unquoted form.
var tableColumnRe = regexp.MustCompile(`(?i)^(?P<table>"?[a-z0-9_]+"?)\.(?P<column>"?[a-z0-9_]+"?)(?: .*)?`)

// offsetLimitRe finds the OFFSET and LIMIT clauses stripped from the
// outermost query; each shard applies them inside its own arm.
var offsetLimitRe = regexp.MustCompile(`(?i)(?:OFFSET|LIMIT)\s+\d+`)

// PgStripDoubleQuotes keeps the spelled casing when the identifier is
// double quoted, otherwise folds it to lowercase the way the server
// would.
func PgStripDoubleQuotes(s string) string {
	if strings.HasPrefix(s, `"`) && strings.HasSuffix(s, `"`) {
		return strings.Trim(s, `"`)
	}
	return strings.ToLower(s)
}

// quoteIdent double-quotes an identifier, stripping any quoting it
// already carries.
func quoteIdent(s string) string {
	return `"` + strings.Trim(s, `"`) + `"`
}

// SelectStatement is the carved-up form of a SELECT.
type SelectStatement struct {
	// Items holds the raw select-list entries, or the RETURNING list
	// when the statement has no select list.
	Items []string
	// Wildcard is set when the select list is exactly *.
	Wildcard bool
	// Table is the first table named after FROM, unquoted.
	Table string
	// Refs lists every table referenced after FROM or JOIN.
	Refs []TableRef
	// Tail spans from the first top-level GROUP BY, ORDER BY, LIMIT or
	// OFFSET keyword to the end of the statement.
	Tail string
}

// TableRef is one table reference with its optional alias.
type TableRef struct {
	Table string
	Alias string
}

// tailKeywords start the trailing clause kept on the outermost query.
var tailKeywords = []string{"group", "order", "limit", "offset"}

// refStopKeywords end a table-reference segment.
var refStopKeywords = []string{
	"where", "group", "order", "limit", "offset", "on", "using",
	"join", "inner", "left", "right", "full", "cross", "union", "returning",
}

// parseSelectStatement scans a SELECT (or RETURNING) statement into its
// constituent spans. Subqueries are not supported; everything inside
// parentheses is treated as opaque text.
func parseSelectStatement(sql string) (*SelectStatement, error) {
	stmt := &SelectStatement{}

	selIdx, selEnd := keywordIndex(sql, 0, "select")
	fromIdx, fromEnd := keywordIndex(sql, 0, "from")

	switch {
	case selIdx >= 0 && fromIdx > selIdx:
		stmt.Items = splitTopLevel(sql[selEnd:fromIdx], ',')
	case selIdx >= 0 && fromIdx < 0:
		stmt.Items = splitTopLevel(sql[selEnd:], ',')
	default:
		// No select list; fall back to a RETURNING clause.
		retIdx, retEnd := keywordIndex(sql, 0, "returning")
		if retIdx < 0 {
			return nil, fmt.Errorf("failed to find any columns in statement: %s", sql)
		}
		stmt.Items = splitTopLevel(sql[retEnd:], ',')
	}
	if len(stmt.Items) == 0 {
		return nil, fmt.Errorf("empty select list in statement: %s", sql)
	}
	stmt.Wildcard = len(stmt.Items) == 1 && stmt.Items[0] == "*"

	if fromIdx >= 0 {
		stmt.Refs = parseTableRefs(sql, fromEnd)
		if len(stmt.Refs) > 0 {
			stmt.Table = stmt.Refs[0].Table
		}
	}

	tailIdx := len(sql)
	searchFrom := 0
	if fromIdx >= 0 {
		searchFrom = fromEnd
	}
	for _, kw := range tailKeywords {
		if idx, _ := keywordIndex(sql, searchFrom, kw); idx >= 0 && idx < tailIdx {
			tailIdx = idx
		}
	}
	if tailIdx < len(sql) {
		stmt.Tail = strings.TrimSpace(sql[tailIdx:])
	}

	return stmt, nil
}

// parseTableRefs collects the table references after FROM and after
// each JOIN keyword.
func parseTableRefs(sql string, fromEnd int) []TableRef {
	var refs []TableRef

	segment := refSegment(sql, fromEnd)
	for _, fragment := range splitTopLevel(segment, ',') {
		if ref, ok := tableRefFromFragment(fragment); ok {
			refs = append(refs, ref)
		}
	}

	pos := fromEnd
	for {
		joinIdx, joinEnd := keywordIndex(sql, pos, "join")
		if joinIdx < 0 {
			break
		}
		if ref, ok := tableRefFromFragment(refSegment(sql, joinEnd)); ok {
			refs = append(refs, ref)
		}
		pos = joinEnd
	}
	return refs
}

// refSegment returns the text from start to the next top-level keyword
// that ends a table-reference list.
func refSegment(sql string, start int) string {
	end := len(sql)
	for _, kw := range refStopKeywords {
		if idx, _ := keywordIndex(sql, start, kw); idx >= 0 && idx < end {
			end = idx
		}
	}
	return sql[start:end]
}

// tableRefFromFragment splits "table [AS] alias" into its parts.
func tableRefFromFragment(fragment string) (TableRef, bool) {
	fragment = strings.TrimSpace(fragment)
	if fragment == "" {
		return TableRef{}, false
	}
	m := identifierRe.FindStringSubmatch(fragment)
	if m == nil || m[1] == "" {
		return TableRef{}, false
	}
	return TableRef{
		Table: strings.Trim(m[1], `"`),
		Alias: strings.Trim(m[2], `"`),
	}, true
}

// keywordIndex finds the first occurrence of a keyword at parenthesis
// depth zero, outside string literals and quoted identifiers. It
// returns the keyword's start index and the index just past it, or
// (-1, -1).
func keywordIndex(sql string, from int, keyword string) (int, int) {
	depth := 0
	n := len(sql)
	k := len(keyword)
	for i := from; i < n; {
		switch c := sql[i]; {
		case c == '\'':
			i = skipStringLiteral(sql, i)
		case c == '"':
			i = skipQuotedIdent(sql, i)
		case c == '(':
			depth++
			i++
		case c == ')':
			depth--
			i++
		case depth == 0 && i+k <= n && strings.EqualFold(sql[i:i+k], keyword):
			before := i == 0 || !isWordByte(sql[i-1])
			after := i+k == n || !isWordByte(sql[i+k])
			if before && after {
				return i, i + k
			}
			i++
		default:
			i++
		}
	}
	return -1, -1
}

// splitTopLevel splits on a separator at parenthesis depth zero,
// outside string literals and quoted identifiers, trimming each part
// and dropping empties.
func splitTopLevel(s string, sep byte) []string {
	var (
		parts []string
		start int
		depth int
	)
	flush := func(end int) {
		if part := strings.TrimSpace(s[start:end]); part != "" {
			parts = append(parts, part)
		}
	}
	for i := 0; i < len(s); {
		switch c := s[i]; {
		case c == '\'':
			i = skipStringLiteral(s, i)
		case c == '"':
			i = skipQuotedIdent(s, i)
		case c == '(':
			depth++
			i++
		case c == ')':
			depth--
			i++
		case c == sep && depth == 0:
			flush(i)
			start = i + 1
			i++
		default:
			i++
		}
	}
	flush(len(s))
	return parts
}

// skipStringLiteral advances past a single-quoted literal starting at
// i, honoring doubled-quote escapes.
func skipStringLiteral(s string, i int) int {
	for j := i + 1; j < len(s); j++ {
		if s[j] == '\'' {
			if j+1 < len(s) && s[j+1] == '\'' {
				j++
				continue
			}
			return j + 1
		}
	}
	return len(s)
}

// skipQuotedIdent advances past a double-quoted identifier starting at
// i, honoring doubled-quote escapes.
func skipQuotedIdent(s string, i int) int {
	for j := i + 1; j < len(s); j++ {
		if s[j] == '"' {
			if j+1 < len(s) && s[j+1] == '"' {
				j++
				continue
			}
			return j + 1
		}
	}
	return len(s)
}

func isWordByte(c byte) bool {
	return c == '_' || c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

// inlineArgs substitutes $N placeholders with quoted literals so the
// statement can be embedded inside a dblink string. Placeholders inside
// string literals and quoted identifiers are left alone.
func inlineArgs(sql string, args []any) (string, error) {
	if len(args) == 0 {
		return sql, nil
	}
	var b strings.Builder
	b.Grow(len(sql))
	for i := 0; i < len(sql); {
		switch c := sql[i]; {
		case c == '\'':
			j := skipStringLiteral(sql, i)
			b.WriteString(sql[i:j])
			i = j
		case c == '"':
			j := skipQuotedIdent(sql, i)
			b.WriteString(sql[i:j])
			i = j
		case c == '$' && i+1 < len(sql) && isDigitByte(sql[i+1]):
			j := i + 1
			for j < len(sql) && isDigitByte(sql[j]) {
				j++
			}
			n, err := strconv.Atoi(sql[i+1 : j])
			if err != nil || n < 1 || n > len(args) {
				return "", fmt.Errorf("placeholder %s out of range for %d args", sql[i:j], len(args))
			}
			literal, err := literalize(args[n-1])
			if err != nil {
				return "", err
			}
			b.WriteString(literal)
			i = j
		default:
			b.WriteByte(c)
			i++
		}
	}
	return b.String(), nil
}

// literalize renders one argument as a PostgreSQL literal.
func literalize(arg any) (string, error) {
	switch v := arg.(type) {
	case nil:
		return "NULL", nil
	case bool:
		if v {
			return "TRUE", nil
		}
		return "FALSE", nil
	case int:
		return strconv.Itoa(v), nil
	case int32:
		return strconv.FormatInt(int64(v), 10), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case uint:
		return strconv.FormatUint(uint64(v), 10), nil
	case uint32:
		return strconv.FormatUint(uint64(v), 10), nil
	case uint64:
		return strconv.FormatUint(v, 10), nil
	case float32:
		return strconv.FormatFloat(float64(v), 'g', -1, 32), nil
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64), nil
	case string:
		return pq.QuoteLiteral(v), nil
	case []byte:
		return pq.QuoteLiteral(string(v)), nil
	case time.Time:
		return pq.QuoteLiteral(v.Format("2006-01-02 15:04:05.999999-07")), nil
	case fmt.Stringer:
		return pq.QuoteLiteral(v.String()), nil
	default:
		return "", fmt.Errorf("cannot render %T as a SQL literal", arg)
	}
}

func isDigitByte(c byte) bool {
	return c >= '0' && c <= '9'
}
