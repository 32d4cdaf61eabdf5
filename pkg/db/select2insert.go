package db

import (
	"context"
	"fmt"
	"strings"
)

// whereFragment normalizes an optional WHERE clause, prefixing the
// keyword unless the caller already supplied it.
func whereFragment(whereClause string) string {
	if whereClause == "" {
		return ""
	}
	if !strings.HasPrefix(strings.ToLower(strings.TrimSpace(whereClause)), "where ") {
		return "WHERE " + whereClause
	}
	return whereClause
}

// Select2Insert generates a SELECT statement which, when executed,
// produces one INSERT statement per matching row. quote_nullable keeps
// the generated literals safe for NULLs and embedded quotes. Only
// tested for compatibility with Postgres.
func Select2Insert(table string, description []Column, whereClause string) string {
	quoted := make([]string, len(description))
	values := make([]string, len(description))
	for i, column := range description {
		quoted[i] = fmt.Sprintf(`"%s"`, column.Name)
		values[i] = fmt.Sprintf(`quote_nullable("%s")`, column.Name)
	}

	return fmt.Sprintf(
		`SELECT 'INSERT INTO "%s" (%s) VALUES (' || %s || ');' FROM "%s"%s;`,
		table,
		strings.Join(quoted, ","),
		strings.Join(values, " || ',' || "),
		table,
		whereFragment(whereClause),
	)
}

// Select2MultiInsert evaluates the intermediate row-tuple SELECT on the
// named connection and combines the results into a single multi-row
// INSERT statement. Returns "" when no rows matched.
func (db *DB) Select2MultiInsert(ctx context.Context, using, table string, description []Column, whereClause string) (string, error) {
	values := make([]string, len(description))
	quoted := make([]string, len(description))
	for i, column := range description {
		values[i] = fmt.Sprintf(`quote_nullable("%s")`, column.Name)
		quoted[i] = fmt.Sprintf(`"%s"`, column.Name)
	}

	intermediate := fmt.Sprintf(
		`SELECT '(' || %s || ')' FROM "%s"%s;`,
		strings.Join(values, " || ',' || "),
		table,
		whereFragment(whereClause),
	)

	rows, err := db.Query(ctx, using, intermediate)
	if err != nil {
		return "", fmt.Errorf("failed to collect row tuples from %s: %w", table, err)
	}
	if rows.Len() == 0 {
		return "", nil
	}

	tuples := make([]string, 0, rows.Len())
	for _, row := range rows.Values {
		tuples = append(tuples, fmt.Sprint(row[0]))
	}

	return fmt.Sprintf(
		`INSERT INTO "%s" (%s) VALUES %s;`,
		table,
		strings.Join(quoted, ","),
		strings.Join(tuples, ","),
	), nil
}
