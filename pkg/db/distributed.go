package db

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/lib/pq"

	"github.com/Sendhub/sh-util/pkg/db/driver"
)

// aggregateReturnTypes maps PostgreSQL aggregate functions to their
// return types. <T> means the aggregate returns the type of its input
// column, resolved from the table description.
var aggregateReturnTypes = map[string]string{
	"avg":        "numeric",
	"bit_and":    "<T>",
	"bit_or":     "<T>",
	"bool_and":   "bool",
	"bool_or":    "bool",
	"count":      "bigint",
	"every":      "bool",
	"max":        "<T>",
	"min":        "<T>",
	"string_agg": "<T>",
	"sum":        "numeric",
	"xmlagg":     "xml",
}

// TableDescriptionToDbLinkT renders a table description as the
// t("col" type, ..) clause dblink requires to type its result set.
// With no columns argument (or "*") every described column is
// included; otherwise columns may be names or comma-delimited lists of
// names, and the description's order is kept.
func TableDescriptionToDbLinkT(description []Column, columns ...string) string {
	wildcard := len(columns) == 0 || len(columns) == 1 && columns[0] == "*"

	var wanted map[string]bool
	if !wildcard {
		wanted = make(map[string]bool)
		for _, c := range columns {
			for _, name := range strings.Split(c, ",") {
				wanted[strings.TrimSpace(name)] = true
			}
		}
	}

	parts := make([]string, 0, len(description))
	for _, col := range description {
		if wildcard || wanted[col.Name] {
			parts = append(parts, fmt.Sprintf(`"%s" %s`, strings.Trim(col.Name, `"`), col.Type))
		}
	}
	return "t(" + strings.Join(parts, ", ") + ")"
}

// ParsedIdentifier is the broken-down form of one select-list entry.
type ParsedIdentifier struct {
	// Column is the resolved column expression; qualified references
	// are flattened ("t"."c" becomes "t_c") to match the names dblink
	// arms expose.
	Column string
	// Alias is the trailing alias, "" when absent.
	Alias string
	// Function is the lowercased function name when the entry is a
	// function call, "" otherwise.
	Function string
	// Args is the raw argument text of the function call.
	Args string
	// Type is the inferred PostgreSQL type of the entry.
	Type string
}

// ParseIdentifier parses one select-list entry (e.g. the `avg(score)
// myScore` portion of `SELECT avg(score) myScore FROM x`) into its
// constituent parts, inferring the result type from the aggregate
// table, stored-function catalog and table description in that order.
// Entries which resolve to nothing are typed character varying.
func (db *DB) ParseIdentifier(ctx context.Context, fragment, table string, refs []TableRef) (ParsedIdentifier, error) {
	m := identifierRe.FindStringSubmatch(fragment)
	if m == nil || strings.TrimSpace(m[1]) == "" {
		return ParsedIdentifier{}, fmt.Errorf("no identifier found in %q", fragment)
	}

	out := ParsedIdentifier{Column: PgStripDoubleQuotes(m[1])}
	if m[2] != "" {
		out.Alias = PgStripDoubleQuotes(m[2])
	}

	if fm := functionRe.FindStringSubmatch(out.Column); fm != nil {
		out.Function = strings.ToLower(PgStripDoubleQuotes(fm[1]))
		arg1 := PgStripDoubleQuotes(fm[2])
		out.Args = arg1 + fm[3]

		found, err := db.findColumn(ctx, &out, out.Column, table, refs)
		if err != nil {
			return out, err
		}
		if !found {
			argFound, err := db.findColumn(ctx, &out, arg1, table, refs)
			if err != nil {
				return out, err
			}
			if argFound {
				out.Column = arg1
			}
		}

		if aggType, ok := aggregateReturnTypes[out.Function]; ok {
			out.Type = aggType
		} else if returnType, err := db.PLFunctionReturnType(ctx, db.cfg.PrimaryShardConnection, out.Function); err == nil && returnType != "" {
			out.Type = returnType
		}
	}

	// Resolve against the table description; a hit pins the column's
	// spelling and its concrete type, which also settles <T>.
	found, err := db.findColumn(ctx, &out, out.Column, table, refs)
	if err != nil {
		return out, err
	}
	if out.Type == "" || out.Type == "<T>" {
		if !found {
			out.Type = "character varying"
		}
	}

	out.Column = strings.ReplaceAll(out.Column, `"."`, "_")
	return out, nil
}

// findColumn resolves a column expression against the reflected table
// description. On a hit it rewrites pid.Column to the canonical quoted
// form and sets pid.Type to the column's type.
func (db *DB) findColumn(ctx context.Context, pid *ParsedIdentifier, name, table string, refs []TableRef) (bool, error) {
	qualifier := ""
	if m := tableColumnRe.FindStringSubmatch(name); m != nil {
		qualifier = strings.ReplaceAll(m[1], `"`, "")
		name = strings.ReplaceAll(m[2], `"`, "")
		for _, ref := range refs {
			if ref.Alias == qualifier {
				qualifier = strings.Trim(ref.Table, `"`)
				break
			}
		}
	}

	target := qualifier
	if target == "" {
		target = table
	}
	if target == "" {
		return false, nil
	}

	description, err := db.DescribePublic(ctx, db.cfg.PrimaryShardConnection)
	if err != nil {
		return false, err
	}
	for _, col := range description[PgStripDoubleQuotes(target)] {
		if strings.EqualFold(col.Name, name) {
			prefix := ""
			if qualifier != "" {
				prefix = quoteIdent(qualifier) + "."
			}
			pid.Column = prefix + quoteIdent(col.Name)
			pid.Type = col.Type
			return true, nil
		}
	}
	return false, nil
}

// DistributedQuery describes one SELECT to fan out across shards.
type DistributedQuery struct {
	// SQL with $N placeholders.
	SQL string
	// Args bound to the placeholders. They are inlined as literals in
	// the generated statement so dblink can carry them.
	Args []any
	// IncludeShardInfo adds a "shard" column naming the source shard
	// of each row.
	IncludeShardInfo bool
	// Connections restricts the fan-out to the named connections.
	// Empty means all shards.
	Connections []string
	// CustomConnections maps dblink handles to raw connection strings,
	// for targets outside the configured databases.
	CustomConnections map[string]string
	// UsePersistentDBLink overrides the configured persistent-dblink
	// mode when non-nil.
	UsePersistentDBLink *bool
}

// resolveShards returns the fan-out targets in stable order and
// whether they are custom handles.
func (db *DB) resolveShards(q DistributedQuery) ([]string, bool) {
	if len(q.Connections) > 0 {
		return q.Connections, false
	}
	if len(q.CustomConnections) > 0 {
		handles := make([]string, 0, len(q.CustomConnections))
		for handle := range q.CustomConnections {
			handles = append(handles, handle)
		}
		sort.Strings(handles)
		return handles, true
	}
	return db.cfg.ShardConnectionNames(), false
}

func (db *DB) persistentDBLinkEnabled(q DistributedQuery) bool {
	if q.UsePersistentDBLink != nil {
		return *q.UsePersistentDBLink
	}
	return db.cfg.UsePersistentDBLink
}

// DistributedSelect generates the cross-shard form of a SELECT: one
// dblink arm per shard joined by UNION, wrapped in an outer query that
// restores the requested select list. When a single connection
// resolves, the input is returned untouched since no fan-out is
// needed.
//
// The mechanism embeds the statement text verbatim inside dblink
// strings, so it only works with plain SELECTs; joins and subqueries
// are not supported.
func (db *DB) DistributedSelect(ctx context.Context, q DistributedQuery) (string, []any, error) {
	shards, isCustom := db.resolveShards(q)
	if len(shards) == 1 {
		return q.SQL, q.Args, nil
	}

	usePersistent := db.persistentDBLinkEnabled(q)

	stmt, err := parseSelectStatement(q.SQL)
	if err != nil {
		return "", nil, err
	}

	identifiers, columnsToAliases, err := db.resolveSelectItems(ctx, stmt)
	if err != nil {
		return "", nil, err
	}

	dbLinkT, err := db.buildDbLinkT(ctx, identifiers, stmt.Table, stmt.Refs)
	if err != nil {
		return "", nil, err
	}

	remapped, err := db.remapFunctionIdentifiers(ctx, identifiers, stmt.Table, stmt.Refs)
	if err != nil {
		return "", nil, err
	}
	if q.IncludeShardInfo {
		remapped = append(remapped, "shard")
	}

	groupingTail, err := db.buildGroupingTail(ctx, identifiers, stmt.Table, stmt.Refs, q.IncludeShardInfo)
	if err != nil {
		return "", nil, err
	}
	outerTail := buildOuterTail(stmt.Tail, columnsToAliases)

	// Inline the args and double every single quote so the whole
	// statement survives embedding in the dblink string literal.
	inlined, err := inlineArgs(q.SQL, q.Args)
	if err != nil {
		return "", nil, err
	}
	dbLinkSQL := strings.ReplaceAll(inlined, "'", "''")

	arms := make([]string, 0, len(shards))
	for _, shard := range shards {
		connStr := shard
		if !usePersistent {
			if isCustom {
				connStr = q.CustomConnections[shard]
			} else {
				connStr, err = db.PsqlConnectionString(shard)
				if err != nil {
					return "", nil, err
				}
			}
		}
		shardInfo := ""
		if q.IncludeShardInfo {
			shardInfo = fmt.Sprintf(`, '%s' AS "shard"`, shard)
		}
		arms = append(arms, fmt.Sprintf(
			`SELECT *%s FROM dblink('%s', '%s') AS %s`,
			shardInfo, connStr, dbLinkSQL, dbLinkT,
		))
	}

	distributedSQL := fmt.Sprintf(
		"SELECT %s FROM (\n%s\n) q0",
		strings.Join(remapped, ", "),
		strings.Join(arms, "\nUNION\n"),
	)
	if groupingTail != "" {
		distributedSQL += " " + groupingTail
	}
	if outerTail != "" {
		distributedSQL += " " + outerTail
	}
	return distributedSQL, nil, nil
}

// EvaluatedDistributedSelect generates a distributed query and runs it
// on the named connection, first ensuring persistent dblink handles
// exist when that mode is active.
func (db *DB) EvaluatedDistributedSelect(ctx context.Context, using string, q DistributedQuery) (*driver.Rows, error) {
	sql, args, err := db.DistributedSelect(ctx, q)
	if err != nil {
		return nil, err
	}

	if db.persistentDBLinkEnabled(q) {
		shards, isCustom := db.resolveShards(q)
		if len(shards) != 1 {
			var names []string
			var custom map[string]string
			if isCustom {
				custom = q.CustomConnections
			} else {
				names = shards
			}
			if err := db.ConnectPersistentDbLinks(ctx, using, names, custom); err != nil {
				return nil, err
			}
		}
	}

	return db.Query(ctx, using, sql, args...)
}

// resolveSelectItems expands the select list against the reflected
// description: wildcards become every column of the queried table,
// known columns take their cataloged spelling, and aliases are
// collected for the outer tail remap.
func (db *DB) resolveSelectItems(ctx context.Context, stmt *SelectStatement) ([]string, map[string]string, error) {
	primary := db.cfg.PrimaryShardConnection
	table := PgStripDoubleQuotes(stmt.Table)

	if stmt.Wildcard {
		columns, err := db.Describe(ctx, primary, table)
		if err != nil {
			return nil, nil, err
		}
		identifiers := make([]string, len(columns))
		for i, col := range columns {
			identifiers[i] = quoteIdent(col.Name)
		}
		return identifiers, map[string]string{}, nil
	}

	description, err := db.DescribePublic(ctx, primary)
	if err != nil {
		return nil, nil, err
	}
	byLower := make(map[string]string, len(description[table]))
	for _, col := range description[table] {
		byLower[strings.ToLower(col.Name)] = col.Name
	}

	identifiers := make([]string, 0, len(stmt.Items))
	columnsToAliases := make(map[string]string, len(stmt.Items))
	for _, item := range stmt.Items {
		m := identifierRe.FindStringSubmatch(item)
		if m == nil || m[1] == "" {
			return nil, nil, fmt.Errorf("failed to parse select item %q", item)
		}
		expr, alias := m[1], m[2]

		resolved := expr
		if actual, ok := byLower[strings.ToLower(strings.Trim(expr, `"`))]; ok {
			resolved = actual
		}

		target := quoteIdent(resolved)
		if alias != "" {
			target = quoteIdent(alias)
			identifiers = append(identifiers, fmt.Sprintf(`%s AS %s`, resolved, target))
		} else {
			identifiers = append(identifiers, resolved)
		}
		columnsToAliases[expr] = target
		if simple := strings.Trim(expr, `"`); !strings.ContainsAny(simple, `".(`) {
			columnsToAliases[quoteIdent(simple)] = target
		}
	}
	return identifiers, columnsToAliases, nil
}

// buildDbLinkT types every select-list entry and renders the t(...)
// clause shared by all dblink arms.
func (db *DB) buildDbLinkT(ctx context.Context, identifiers []string, table string, refs []TableRef) (string, error) {
	pairs := make([]Column, 0, len(identifiers))
	for _, fragment := range identifiers {
		pid, err := db.ParseIdentifier(ctx, fragment, table, refs)
		if err != nil {
			return "", err
		}
		name := pid.Column
		if pid.Alias != "" {
			name = pid.Alias
		}
		pairs = append(pairs, Column{Name: name, Type: pid.Type})
	}
	return TableDescriptionToDbLinkT(pairs), nil
}

// remapFunctionIdentifiers rewrites the select list for the outermost
// query. Aggregates re-aggregate the per-shard results, with count
// remapped to sum since each arm already counted its own rows.
func (db *DB) remapFunctionIdentifiers(ctx context.Context, identifiers []string, table string, refs []TableRef) ([]string, error) {
	remapped := make([]string, 0, len(identifiers))
	for _, fragment := range identifiers {
		pid, err := db.ParseIdentifier(ctx, fragment, table, refs)
		if err != nil {
			return nil, err
		}

		identifier := pid.Column
		if pid.Alias != "" {
			identifier = pid.Alias
		}
		if stripped := strings.Trim(identifier, `"`); !strings.HasSuffix(stripped, "*") {
			identifier = quoteIdent(stripped)
		}

		if _, isAggregate := aggregateReturnTypes[pid.Function]; isAggregate {
			fn := pid.Function
			if fn == "count" {
				fn = "sum"
			}
			remapped = append(remapped, fmt.Sprintf("%s(%s)", strings.ToUpper(fn), identifier))
		} else {
			remapped = append(remapped, identifier)
		}
	}
	return remapped, nil
}

// buildGroupingTail decides the GROUP BY of the outermost query. A
// lone count grouped by shard keeps per-shard totals; aggregates mixed
// with plain columns group by the plain columns.
func (db *DB) buildGroupingTail(ctx context.Context, identifiers []string, table string, refs []TableRef, includeShardInfo bool) (string, error) {
	if len(identifiers) == 1 {
		pid, err := db.ParseIdentifier(ctx, identifiers[0], table, refs)
		if err != nil {
			return "", err
		}
		if pid.Function == "count" && includeShardInfo {
			return `GROUP BY "shard"`, nil
		}
		return "", nil
	}

	pids := make([]ParsedIdentifier, 0, len(identifiers))
	containsAggregate := false
	for _, fragment := range identifiers {
		pid, err := db.ParseIdentifier(ctx, fragment, table, refs)
		if err != nil {
			return "", err
		}
		if _, isAggregate := aggregateReturnTypes[pid.Function]; isAggregate {
			containsAggregate = true
		}
		pids = append(pids, pid)
	}
	if !containsAggregate {
		return "", nil
	}

	var plain []string
	for _, pid := range pids {
		if _, isAggregate := aggregateReturnTypes[pid.Function]; !isAggregate {
			plain = append(plain, pid.Column)
		}
	}
	if includeShardInfo {
		plain = append(plain, `"shard"`)
	}
	return "GROUP BY " + strings.Join(plain, ", "), nil
}

// buildOuterTail carries the trailing GROUP BY/ORDER BY clauses onto
// the outermost query: select-list aliases replace the inner
// spellings, qualified names are flattened to match the arm columns,
// and OFFSET/LIMIT are dropped since each arm already applied them.
func buildOuterTail(tail string, columnsToAliases map[string]string) string {
	if tail == "" {
		return ""
	}

	keys := make([]string, 0, len(columnsToAliases))
	for key := range columnsToAliases {
		keys = append(keys, key)
	}
	// Longest first so qualified spellings win over their suffixes.
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})

	out := tail
	for _, key := range keys {
		if alias := columnsToAliases[key]; alias != key {
			out = replaceWordAll(out, key, alias)
		}
	}

	out = strings.ReplaceAll(out, "\n", " ")
	out = offsetLimitRe.ReplaceAllString(out, "")
	out = strings.ReplaceAll(out, `"."`, "_")
	return strings.TrimSpace(out)
}

// replaceWordAll replaces whole-word occurrences of old, leaving
// matches that run into adjacent identifier characters or quoting.
func replaceWordAll(s, old, new string) string {
	if old == "" {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); {
		j := strings.Index(s[i:], old)
		if j < 0 {
			b.WriteString(s[i:])
			break
		}
		j += i
		end := j + len(old)
		beforeOK := j == 0 || !isWordByte(s[j-1]) && s[j-1] != '"'
		afterOK := end == len(s) || !isWordByte(s[end]) && s[end] != '"'
		if beforeOK && afterOK {
			b.WriteString(s[i:j])
			b.WriteString(new)
			i = end
		} else {
			b.WriteString(s[i : j+1])
			i = j + 1
		}
	}
	return b.String()
}

// PersistentConnectionHandles lists the dblink handles currently open
// on the named connection. This is a cheap query, a few ms at most.
func (db *DB) PersistentConnectionHandles(ctx context.Context, using string) ([]string, error) {
	rows, err := db.Query(ctx, using, `SELECT dblink_get_connections()`)
	if err != nil {
		return nil, fmt.Errorf("failed to list dblink handles on %s: %w", using, err)
	}
	if rows.Len() == 0 {
		return nil, nil
	}
	return parsePgTextArray(rows.Values[0][0]), nil
}

// ConnectPersistentDbLink creates a single named dblink connection.
func (db *DB) ConnectPersistentDbLink(ctx context.Context, using, handle, psqlConnectionString string) error {
	log.Printf("[db] connecting persistent dblink %q on connection %s", handle, using)
	statement := fmt.Sprintf(
		"SELECT dblink_connect(%s, %s)",
		pq.QuoteLiteral(handle), pq.QuoteLiteral(psqlConnectionString),
	)
	if _, err := db.Exec(ctx, using, statement); err != nil {
		return fmt.Errorf("failed to connect dblink %q on %s: %w", handle, using, err)
	}
	return nil
}

// ConnectPersistentDbLinks ensures a persistent dblink exists on the
// named connection for each handle, creating the missing ones. Handles
// name configured connections; custom maps extra handles to raw
// connection strings. Custom handles must not collide with connection
// names.
func (db *DB) ConnectPersistentDbLinks(ctx context.Context, using string, handles []string, custom map[string]string) error {
	if len(handles) == 0 && len(custom) == 0 {
		log.Printf("[db] ConnectPersistentDbLinks invoked with no handles, no action taken")
		return nil
	}

	connectionNames := db.Connections()
	existing, err := db.PersistentConnectionHandles(ctx, using)
	if err != nil {
		return err
	}
	connected := make(map[string]bool, len(existing))
	for _, handle := range existing {
		connected[handle] = true
	}

	for _, handle := range handles {
		known := false
		for _, name := range connectionNames {
			if name == handle {
				known = true
				break
			}
		}
		if !known {
			return fmt.Errorf("connection %q was not found in connections (%v)", handle, connectionNames)
		}
		if connected[handle] {
			continue
		}
		connStr, err := db.PsqlConnectionString(handle)
		if err != nil {
			return err
		}
		if err := db.ConnectPersistentDbLink(ctx, using, handle, connStr); err != nil {
			return err
		}
	}

	customHandles := make([]string, 0, len(custom))
	for handle := range custom {
		customHandles = append(customHandles, handle)
	}
	sort.Strings(customHandles)
	for _, handle := range customHandles {
		if connected[handle] {
			continue
		}
		if err := db.ConnectPersistentDbLink(ctx, using, handle, custom[handle]); err != nil {
			return err
		}
	}
	return nil
}

// MultiShardExec runs a statement on every shard.
func (db *DB) MultiShardExec(ctx context.Context, sql string, args ...any) error {
	for _, connectionName := range db.cfg.ShardConnectionNames() {
		if _, err := db.Exec(ctx, connectionName, sql, args...); err != nil {
			return fmt.Errorf("multi-shard exec failed on %s: %w", connectionName, err)
		}
	}
	return nil
}
