package db

import (
	"context"
	"errors"
	"fmt"
	"log"
	"reflect"
	"regexp"
	"strings"
)

// ErrMigrateUser is the base error for failed user copies, deletes and
// shard migrations.
var ErrMigrateUser = errors.New("user migration error")

// ErrMigrateUserStaleRead reports that row counts drifted while a copy
// was running, usually because the user kept writing to the source.
var ErrMigrateUserStaleRead = fmt.Errorf("stale data read: %w", ErrMigrateUser)

// Mailer sends failure notifications. Satisfied by mail.Sender.
type Mailer interface {
	Send(ctx context.Context, subject, body, from, to string) error
}

// SetMailer installs the sender used for replication and migration
// failure alerts. Without one, failures are only logged.
func (db *DB) SetMailer(m Mailer) {
	db.mailer = m
}

// Used to flatten SQL queries to one line. Not guaranteed to be safe
// for every query, discretion required.
var spacesRe = regexp.MustCompile(`\s+`)

func toSingleLine(s string) string {
	return strings.TrimSpace(spacesRe.ReplaceAllString(s, " "))
}

// ShouldTableBeIgnoredForUserOperations reports whether user-specific
// data does not live in the given table.
func (db *DB) ShouldTableBeIgnoredForUserOperations(table string) bool {
	return db.cfg.IsStaticTable(table) || db.cfg.IsShardingIgnoredTable(table)
}

// maxComparableRows caps DoesTheTableDataDiffer. Never use it on
// tables which may grow anywhere near this size.
const maxComparableRows = 100000

// DoesTheTableDataDiffer reports whether the table's data differs
// between two connections. Both copies are read in full and compared
// row by row, so the table must stay under maxComparableRows.
func (db *DB) DoesTheTableDataDiffer(ctx context.Context, table, source1, source2 string) (bool, error) {
	countSQL := fmt.Sprintf(`SELECT COUNT(*) FROM "%s"`, table)

	count1, err := db.queryCount(ctx, source1, countSQL)
	if err != nil {
		return false, err
	}
	count2, err := db.queryCount(ctx, source2, countSQL)
	if err != nil {
		return false, err
	}

	if count1 > maxComparableRows || count2 > maxComparableRows {
		return false, fmt.Errorf("table %s is too large to compare (%d and %d rows)", table, count1, count2)
	}

	if count1 != count2 {
		return true, nil
	}

	pks, err := db.PrimaryKeyColumns(ctx, source1, table)
	if err != nil {
		return false, err
	}
	if len(pks) == 0 {
		return false, fmt.Errorf("table %s has no primary key to order by", table)
	}
	quoted := make([]string, len(pks))
	for i, pk := range pks {
		quoted[i] = fmt.Sprintf(`"%s"`, pk)
	}

	dataSQL := fmt.Sprintf(`SELECT * FROM "%s" ORDER BY %s DESC`, table, strings.Join(quoted, ", "))

	data1, err := db.Query(ctx, source1, dataSQL)
	if err != nil {
		return false, err
	}
	data2, err := db.Query(ctx, source2, dataSQL)
	if err != nil {
		return false, err
	}

	return !reflect.DeepEqual(data1.Values, data2.Values), nil
}

func (db *DB) queryCount(ctx context.Context, using, sql string, args ...any) (int64, error) {
	rows, err := db.Query(ctx, using, sql, args...)
	if err != nil {
		return 0, err
	}
	if rows.Len() == 0 {
		return 0, fmt.Errorf("count query returned no rows on %s", using)
	}
	return toInt64(rows.Values[0][0])
}

func (db *DB) hasConnection(name string) bool {
	for _, connection := range db.Connections() {
		if connection == name {
			return true
		}
	}
	return false
}

// ReplicateTable refreshes a static table on the destination connection
// by pulling the data directly from the source database over dblink.
// No-op when both copies already match.
func (db *DB) ReplicateTable(ctx context.Context, table, source, destination string) error {
	if !db.cfg.IsStaticTable(table) {
		return fmt.Errorf("table %q is not a static table", table)
	}
	if !db.hasConnection(source) {
		return fmt.Errorf("unknown source connection %q", source)
	}
	if !db.hasConnection(destination) {
		return fmt.Errorf("unknown destination connection %q", destination)
	}

	differ, err := db.DoesTheTableDataDiffer(ctx, table, source, destination)
	if err != nil {
		return err
	}
	if !differ {
		return nil
	}

	log.Printf("[db] replicating table %s from %s -> %s", table, source, destination)

	connectionString, err := db.PsqlConnectionString(source)
	if err != nil {
		return err
	}
	description, err := db.Describe(ctx, destination, table)
	if err != nil {
		return err
	}

	quoted := make([]string, len(description))
	for i, column := range description {
		quoted[i] = fmt.Sprintf(`"%s"`, column.Name)
	}
	columns := strings.Join(quoted, ", ")

	statement := fmt.Sprintf(
		`INSERT INTO "%s" (%s) SELECT %s FROM dblink('%s', 'SELECT %s FROM "%s"') AS %s`,
		table, columns, columns, connectionString, columns, table,
		TableDescriptionToDbLinkT(description),
	)

	if err := db.Begin(ctx, destination); err != nil {
		return fmt.Errorf("failed to open replication transaction on %s: %w", destination, err)
	}

	err = func() error {
		if _, err := db.Exec(ctx, destination, "SET CONSTRAINTS ALL DEFERRED"); err != nil {
			return err
		}
		// TRUNCATE would not work here because it is a DDL statement.
		if _, err := db.Exec(ctx, destination, fmt.Sprintf(`DELETE FROM "%s"`, table)); err != nil {
			return err
		}
		if _, err := db.Exec(ctx, destination, statement); err != nil {
			return err
		}
		return db.Commit(ctx, destination)
	}()
	if err == nil {
		return nil
	}

	message := fmt.Sprintf(
		"replicate table caught error with table=%s source=%s destination=%s: %v",
		table, source, destination, err,
	)
	log.Printf("[db] %s", message)
	if rollbackErr := db.Rollback(ctx, destination); rollbackErr != nil {
		log.Printf("[db] rollback after failed replication of %s: %v", table, rollbackErr)
	}
	if db.mailer != nil {
		subject := fmt.Sprintf(`[URGENT] Table sync error on "%s"`, table)
		if mailErr := db.mailer.Send(ctx, subject, message, db.cfg.SMTP.From, db.cfg.SMTP.To); mailErr != nil {
			log.Printf("[db] failed to send table sync alert: %v", mailErr)
		}
	}
	return fmt.Errorf("failed to replicate %s from %s to %s: %w", table, source, destination, err)
}

// duplicateKeyMessage is how PostgreSQL reports unique-constraint hits.
const duplicateKeyMessage = "duplicate key value violates unique constraint"

// AutoDbLinkInsert inserts the result of a remote SELECT into the local
// copy of the table, wrapped in a savepoint. When the naive insert hits
// a unique constraint it is retried once with a primary-key exclusion
// clause. sourceConnection may be a connection name or a raw psql
// connection string. pk overrides primary-key auto-detection; tables
// with multi-column primary keys are not supported by the retry.
func (db *DB) AutoDbLinkInsert(ctx context.Context, table, dbLinkSQL, sourceConnection, using, pk string) error {
	if err := db.throttle(ctx); err != nil {
		return err
	}

	connectionString := sourceConnection
	if db.hasConnection(sourceConnection) {
		resolved, err := db.PsqlConnectionString(sourceConnection)
		if err != nil {
			return err
		}
		connectionString = resolved
	}

	dbLinkSQL = toSingleLine(dbLinkSQL)
	description, err := db.Describe(ctx, using, table)
	if err != nil {
		return err
	}
	dbLinkT := TableDescriptionToDbLinkT(description)

	if _, err := db.Exec(ctx, using, "SAVEPOINT auto_db_link_insert"); err != nil {
		return err
	}

	statement := fmt.Sprintf(
		`INSERT INTO "%s" SELECT * FROM dblink('%s', '%s') AS %s`,
		table, connectionString, dbLinkSQL, dbLinkT,
	)

	_, execErr := db.Exec(ctx, using, statement)
	if execErr == nil {
		_, err := db.Exec(ctx, using, "RELEASE SAVEPOINT auto_db_link_insert")
		return err
	}

	if !strings.Contains(execErr.Error(), duplicateKeyMessage) {
		if _, err := db.Exec(ctx, using, "RELEASE SAVEPOINT auto_db_link_insert"); err != nil {
			log.Printf("[db] failed to release savepoint after dblink insert error: %v", err)
		}
		return fmt.Errorf("dblink insert into %s failed: %w", table, execErr)
	}

	log.Printf("[db] naive dblink insert into %s hit a duplicate key, retrying with pk exclusion: %v", table, execErr)

	if _, err := db.Exec(ctx, using, "ROLLBACK TO auto_db_link_insert"); err != nil {
		return err
	}
	if _, err := db.Exec(ctx, using, "SAVEPOINT auto_db_link_insert"); err != nil {
		return err
	}

	if pk == "" {
		pks, err := db.PrimaryKeyColumns(ctx, using, table)
		if err != nil {
			return err
		}
		if len(pks) == 0 {
			return fmt.Errorf("table %s has no primary key for duplicate exclusion", table)
		}
		pk = pks[0]
	}

	statement = fmt.Sprintf(
		`INSERT INTO "%s" SELECT * FROM dblink('%s', '%s') AS %s WHERE "%s" NOT IN (SELECT "%s" FROM "%s")`,
		table, connectionString, dbLinkSQL, dbLinkT, pk, pk, table,
	)
	if _, err := db.Exec(ctx, using, statement); err != nil {
		return fmt.Errorf("dblink insert into %s failed after pk exclusion: %w", table, err)
	}
	_, err = db.Exec(ctx, using, "RELEASE SAVEPOINT auto_db_link_insert")
	return err
}

// TableRowCounts counts each table's rows matching the user-id filter
// with a single UNION query. Ignored tables are skipped.
func (db *DB) TableRowCounts(ctx context.Context, pairs []TableColumn, userIDs []int64, using string) (map[string]int64, error) {
	if len(userIDs) == 0 {
		return nil, errors.New("no user ids to count")
	}

	ids := make([]string, len(userIDs))
	for i, id := range userIDs {
		ids[i] = fmt.Sprint(id)
	}
	inIDs := strings.Join(ids, ",")

	segments := make([]string, 0, len(pairs))
	for _, pair := range pairs {
		if db.ShouldTableBeIgnoredForUserOperations(pair.Table) {
			continue
		}
		table := strings.Trim(pair.Table, `"'`)
		column := strings.Trim(pair.Column, `"`)
		segments = append(segments, fmt.Sprintf(
			`SELECT '%s' "table", COUNT(*) "count" FROM "%s" WHERE "%s" IN (%s)`,
			table, table, column, inIDs,
		))
	}
	if len(segments) == 0 {
		return map[string]int64{}, nil
	}

	rows, err := db.Query(ctx, using, strings.Join(segments, " UNION "))
	if err != nil {
		return nil, fmt.Errorf("failed to count user rows on %s: %w", using, err)
	}

	counts := make(map[string]int64, rows.Len())
	for _, row := range rows.Values {
		count, err := toInt64(row[1])
		if err != nil {
			return nil, err
		}
		counts[fmt.Sprint(row[0])] = count
	}
	return counts, nil
}

var scrubStatements = []string{
	`DELETE FROM "main_phonenumber" WHERE "id" IN (
		SELECT "pn"."id"
		FROM "main_phonenumber" "pn"
			LEFT JOIN "main_extendeduser" "eu" ON
			"eu"."twilio_phone_number_id" = "pn"."id"
			LEFT JOIN "main_sendhubphonenumber" "spn"
			ON "spn"."twilioPhoneNumber_id" = "pn"."id"
		WHERE "eu"."twilio_phone_number_id" IS NULL AND
		"spn"."twilioPhoneNumber_id" IS NULL
	)`,
}

// ScrubTables removes rows known to go stale on a shard, currently
// phone numbers no longer attached to any user or inventory row.
func (db *DB) ScrubTables(ctx context.Context, using string) error {
	for _, statement := range scrubStatements {
		if _, err := db.Exec(ctx, using, statement); err != nil {
			return fmt.Errorf("failed to scrub tables on %s: %w", using, err)
		}
	}
	return nil
}
