package db

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Column is one reflected column with its formatted PostgreSQL type.
type Column struct {
	Name string
	Type string
}

// TableDescription maps table names to their ordered columns.
type TableDescription map[string][]Column

// Relation is one foreign-key edge. Table.Column references
// ForeignTable.ForeignColumn.
type Relation struct {
	Table         string
	Column        string
	ForeignTable  string
	ForeignColumn string
}

// TableColumn is a (table, column) pair, typically a table and the
// column tying its rows to a user.
type TableColumn struct {
	Table  string
	Column string
}

// userIDColumnRe matches column names which tie a row to a user.
var userIDColumnRe = regexp.MustCompile(`(?i).*user_?id.*`)

const describePublicSQL = `
	SELECT c.relname, a.attname, pg_catalog.format_type(a.atttypid, a.atttypmod)
	FROM pg_catalog.pg_attribute a
	JOIN pg_catalog.pg_class c ON a.attrelid = c.oid
	JOIN pg_catalog.pg_namespace n ON c.relnamespace = n.oid
	WHERE a.attnum > 0
	AND NOT a.attisdropped
	AND c.relkind = 'r'
	AND n.nspname = 'public'
	ORDER BY c.relname, a.attnum`

// DescribePublic reflects every ordinary table in the public schema of
// the named connection. The result is memoized.
func (db *DB) DescribePublic(ctx context.Context, using string) (TableDescription, error) {
	value, err := db.cachedCatalog("describe:"+using, func() (any, error) {
		rows, err := db.Query(ctx, using, describePublicSQL)
		if err != nil {
			return nil, fmt.Errorf("failed to describe public schema on %s: %w", using, err)
		}
		desc := make(TableDescription)
		for _, row := range rows.Values {
			table, _ := row[0].(string)
			desc[table] = append(desc[table], Column{
				Name: fmt.Sprint(row[1]),
				Type: fmt.Sprint(row[2]),
			})
		}
		return desc, nil
	})
	if err != nil {
		return nil, err
	}
	return value.(TableDescription), nil
}

// Describe returns the ordered columns of one table.
func (db *DB) Describe(ctx context.Context, using, table string) ([]Column, error) {
	desc, err := db.DescribePublic(ctx, using)
	if err != nil {
		return nil, err
	}
	columns, ok := desc[table]
	if !ok {
		return nil, fmt.Errorf("table %s not found on %s", table, using)
	}
	return columns, nil
}

const listTablesSQL = `
	SELECT table_name FROM information_schema.tables
	WHERE table_schema = 'public'
	ORDER BY table_name ASC`

// ListTables returns the names of every table in the public schema.
// The result is memoized.
func (db *DB) ListTables(ctx context.Context, using string) ([]string, error) {
	value, err := db.cachedCatalog("tables:"+using, func() (any, error) {
		rows, err := db.Query(ctx, using, listTablesSQL)
		if err != nil {
			return nil, fmt.Errorf("failed to list tables on %s: %w", using, err)
		}
		tables := make([]string, 0, rows.Len())
		for _, row := range rows.Values {
			tables = append(tables, fmt.Sprint(row[0]))
		}
		return tables, nil
	})
	if err != nil {
		return nil, err
	}
	return value.([]string), nil
}

const isNullableSQL = `
	SELECT is_nullable FROM information_schema.columns
	WHERE table_schema = 'public' AND table_name = $1 AND column_name = $2`

// IsNullable reports whether a column accepts NULL. Unknown columns
// report false.
func (db *DB) IsNullable(ctx context.Context, using, table, column string) (bool, error) {
	key := fmt.Sprintf("nullable:%s:%s.%s", using, table, column)
	value, err := db.cachedCatalog(key, func() (any, error) {
		rows, err := db.Query(ctx, using, isNullableSQL, table, column)
		if err != nil {
			return nil, fmt.Errorf("failed to reflect %s.%s on %s: %w", table, column, using, err)
		}
		if rows.Len() == 0 {
			return false, nil
		}
		return strings.EqualFold(fmt.Sprint(rows.Values[0][0]), "YES"), nil
	})
	if err != nil {
		return false, err
	}
	return value.(bool), nil
}

const allPrimaryKeysSQL = `
	SELECT tc.table_name, c.column_name
	FROM information_schema.table_constraints tc
	JOIN information_schema.constraint_column_usage ccu
		USING (constraint_schema, constraint_name)
	JOIN information_schema.columns c
		ON c.table_schema = tc.constraint_schema
		AND c.table_name = tc.table_name
		AND c.column_name = ccu.column_name
	WHERE tc.constraint_type = 'PRIMARY KEY'
	ORDER BY tc.table_name ASC`

// AllPrimaryKeys maps every table on the connection to its primary-key
// column names. The result is memoized.
func (db *DB) AllPrimaryKeys(ctx context.Context, using string) (map[string][]string, error) {
	value, err := db.cachedCatalog("pks:"+using, func() (any, error) {
		rows, err := db.Query(ctx, using, allPrimaryKeysSQL)
		if err != nil {
			return nil, fmt.Errorf("failed to reflect primary keys on %s: %w", using, err)
		}
		pks := make(map[string][]string)
		for _, row := range rows.Values {
			table := fmt.Sprint(row[0])
			pks[table] = append(pks[table], fmt.Sprint(row[1]))
		}
		return pks, nil
	})
	if err != nil {
		return nil, err
	}
	return value.(map[string][]string), nil
}

// PrimaryKeyColumns returns the primary-key column names of a table,
// empty when the table has no primary key.
func (db *DB) PrimaryKeyColumns(ctx context.Context, using, table string) ([]string, error) {
	pks, err := db.AllPrimaryKeys(ctx, using)
	if err != nil {
		return nil, err
	}
	return pks[table], nil
}

const allRelationsSQL = `
	SELECT tc.table_name, kcu.column_name, ccu.table_name, ccu.column_name
	FROM information_schema.table_constraints tc
	JOIN information_schema.constraint_column_usage ccu
		ON ccu.constraint_name = tc.constraint_name
	JOIN information_schema.key_column_usage kcu
		ON kcu.constraint_name = tc.constraint_name
	WHERE tc.constraint_type = 'FOREIGN KEY'
	ORDER BY tc.table_name ASC`

// tableRelations indexes every foreign-key edge of a connection both by
// the referencing table and by the referenced table.
type tableRelations struct {
	references   map[string][]Relation
	referencedBy map[string][]Relation
}

func (db *DB) allTableRelations(ctx context.Context, using string) (*tableRelations, error) {
	value, err := db.cachedCatalog("relations:"+using, func() (any, error) {
		rows, err := db.Query(ctx, using, allRelationsSQL)
		if err != nil {
			return nil, fmt.Errorf("failed to reflect foreign keys on %s: %w", using, err)
		}
		relations := &tableRelations{
			references:   make(map[string][]Relation),
			referencedBy: make(map[string][]Relation),
		}
		for _, row := range rows.Values {
			rel := Relation{
				Table:         fmt.Sprint(row[0]),
				Column:        fmt.Sprint(row[1]),
				ForeignTable:  fmt.Sprint(row[2]),
				ForeignColumn: fmt.Sprint(row[3]),
			}
			relations.references[rel.Table] = append(relations.references[rel.Table], rel)
			relations.referencedBy[rel.ForeignTable] = append(relations.referencedBy[rel.ForeignTable], rel)
		}
		return relations, nil
	})
	if err != nil {
		return nil, err
	}
	return value.(*tableRelations), nil
}

// ReferencingRelations returns the foreign keys held by other tables
// which point at the given table. The result is memoized.
func (db *DB) ReferencingRelations(ctx context.Context, using, table string) ([]Relation, error) {
	relations, err := db.allTableRelations(ctx, using)
	if err != nil {
		return nil, err
	}
	return relations.referencedBy[table], nil
}

// ReferencedRelations returns the foreign keys held by the given table
// pointing at other tables. The result is memoized.
func (db *DB) ReferencedRelations(ctx context.Context, using, table string) ([]Relation, error) {
	relations, err := db.allTableRelations(ctx, using)
	if err != nil {
		return nil, err
	}
	return relations.references[table], nil
}

// FindUserIDColumnFromDescription returns the column of the table that
// ties rows to a user, or "" when the table has none. auth_user itself
// is keyed by "id"; columns mentioning "parent" never qualify.
func FindUserIDColumnFromDescription(table string, description TableDescription) string {
	if table == "auth_user" {
		return "id"
	}
	for _, column := range description[table] {
		if strings.Contains(strings.ToLower(column.Name), "parent") {
			continue
		}
		if userIDColumnRe.MatchString(column.Name) {
			return column.Name
		}
	}
	return ""
}

// FindTablesWithUserIDColumn returns every table carrying a user-id
// column, seeded with auth_user keyed by its own id.
func (db *DB) FindTablesWithUserIDColumn(ctx context.Context, using string) ([]TableColumn, error) {
	description, err := db.DescribePublic(ctx, using)
	if err != nil {
		return nil, err
	}

	tables := make([]string, 0, len(description))
	for table := range description {
		tables = append(tables, table)
	}
	sort.Strings(tables)

	pairs := []TableColumn{{Table: "auth_user", Column: "id"}}
	for _, table := range tables {
		if table == "auth_user" {
			continue
		}
		if column := FindUserIDColumnFromDescription(table, description); column != "" {
			pairs = append(pairs, TableColumn{Table: table, Column: column})
		}
	}
	return pairs, nil
}

// DiscoverDependencies maps each of the given tables to the foreign
// keys other tables hold into it. Edges from tables already in the set
// are skipped; those rows are handled in their own right. Rows in the
// discovered tables must be copied or deleted alongside rows in the
// tables they reference.
func (db *DB) DiscoverDependencies(ctx context.Context, using string, tables []string) (map[string][]Relation, error) {
	inSet := make(map[string]bool, len(tables))
	for _, table := range tables {
		inSet[table] = true
	}

	dependencies := make(map[string][]Relation)
	for _, table := range tables {
		relations, err := db.ReferencingRelations(ctx, using, table)
		if err != nil {
			return nil, err
		}
		var edges []Relation
		for _, rel := range relations {
			if inSet[rel.Table] {
				continue
			}
			edges = append(edges, rel)
		}
		if len(edges) == 0 {
			continue
		}
		sort.Slice(edges, func(i, j int) bool {
			if edges[i].Table != edges[j].Table {
				return edges[i].Table < edges[j].Table
			}
			return edges[i].Column < edges[j].Column
		})
		dependencies[table] = edges
	}
	return dependencies, nil
}

const plFunctionReturnTypeSQL = `
	SELECT pg_catalog.format_type(p.prorettype, NULL)
	FROM pg_catalog.pg_proc p
	WHERE p.proname = $1`

// PLFunctionReturnType returns the declared return type of a stored
// function, or "" when no such function exists. The result is memoized.
func (db *DB) PLFunctionReturnType(ctx context.Context, using, function string) (string, error) {
	value, err := db.cachedCatalog("fn:"+using+":"+function, func() (any, error) {
		rows, err := db.Query(ctx, using, plFunctionReturnTypeSQL, function)
		if err != nil {
			return nil, fmt.Errorf("failed to reflect function %s on %s: %w", function, using, err)
		}
		if rows.Len() == 0 {
			return "", nil
		}
		return fmt.Sprint(rows.Values[0][0]), nil
	})
	if err != nil {
		return "", err
	}
	return value.(string), nil
}

// UpdatePrimaryKeyID moves a row to a new primary-key value, first
// repointing every foreign key referencing the old value. Meant to run
// inside an open transaction; the single-column primary key is assumed.
func (db *DB) UpdatePrimaryKeyID(ctx context.Context, using, table string, oldID, newID int64) error {
	relations, err := db.ReferencingRelations(ctx, using, table)
	if err != nil {
		return err
	}
	for _, rel := range relations {
		statement := fmt.Sprintf(
			`UPDATE %s SET %s = $1 WHERE %s = $2`,
			quoteIdent(rel.Table), quoteIdent(rel.Column), quoteIdent(rel.Column),
		)
		if _, err := db.Exec(ctx, using, statement, newID, oldID); err != nil {
			return fmt.Errorf("failed to repoint %s.%s: %w", rel.Table, rel.Column, err)
		}
	}

	pks, err := db.PrimaryKeyColumns(ctx, using, table)
	if err != nil {
		return err
	}
	if len(pks) != 1 {
		return fmt.Errorf("table %s has %d primary-key columns, expected 1", table, len(pks))
	}
	statement := fmt.Sprintf(
		`UPDATE %s SET %s = $1 WHERE %s = $2`,
		quoteIdent(table), quoteIdent(pks[0]), quoteIdent(pks[0]),
	)
	if _, err := db.Exec(ctx, using, statement, newID, oldID); err != nil {
		return fmt.Errorf("failed to update %s primary key: %w", table, err)
	}
	return nil
}

// NextSequenceID reserves the next value of a shard-safe sequence via
// the sh_next_id helper installed by the schema migrations.
func (db *DB) NextSequenceID(ctx context.Context, using, sequence string) (int64, error) {
	rows, err := db.Query(ctx, using, `SELECT sh_next_id($1)`, sequence)
	if err != nil {
		return 0, fmt.Errorf("failed to reserve id from %s: %w", sequence, err)
	}
	if rows.Len() == 0 {
		return 0, fmt.Errorf("sh_next_id(%s) returned no rows", sequence)
	}
	return toInt64(rows.Values[0][0])
}
