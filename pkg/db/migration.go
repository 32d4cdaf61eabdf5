package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"maps"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/Sendhub/sh-util/pkg/sharding"
)

// CacheFlusher invalidates shared caches after shard topology changes.
// *cache.Flusher satisfies it.
type CacheFlusher interface {
	AttemptFlush()
}

// BackupStore archives migration dumps and run notes. *storage.Client
// satisfies it.
type BackupStore interface {
	UploadFile(ctx context.Context, path string, data []byte, contentType string) (string, error)
}

// EventPublisher fans shard topology events out to subscribers.
// *sharding.Event satisfies it.
type EventPublisher interface {
	Publish(ctx context.Context, event string, payload map[string]any) error
}

// SetCacheFlusher wires the cache invalidation collaborator.
func (db *DB) SetCacheFlusher(c CacheFlusher) {
	db.cache = c
}

// SetBackupStore wires the migration backup collaborator.
func (db *DB) SetBackupStore(s BackupStore) {
	db.storage = s
}

// SetEventPublisher wires the shard event collaborator.
func (db *DB) SetEventPublisher(e EventPublisher) {
	db.events = e
}

func (db *DB) attemptCacheFlush() {
	if db.cache == nil {
		return
	}
	db.cache.AttemptFlush()
}

// uploadBackup stores one migration artifact, or skips it with a note
// when no backup store is configured.
func (db *DB) uploadBackup(ctx context.Context, path string, data []byte, contentType string) (string, error) {
	if db.storage == nil {
		log.Printf("[db] no backup store configured, skipping upload of %s", path)
		return "", nil
	}
	return db.storage.UploadFile(ctx, path, data, contentType)
}

// s3MigrationBackupPath prefixes every logical shard migration backup.
const s3MigrationBackupPath = "/logicalShardMigrations"

func baseBackupFileName(logicalShardID, ts int64) string {
	return fmt.Sprintf("%s/id-%d_%d", s3MigrationBackupPath, logicalShardID, ts)
}

// Logical shard statuses.
const (
	LogicalShardStatusOK         = "OK"
	LogicalShardStatusRelocating = "RELOCATING"
)

// SetLogicalShardStatus updates the status field for a logical shard.
func (db *DB) SetLogicalShardStatus(ctx context.Context, logicalShardID int64, status string) error {
	primary := db.cfg.PrimaryShardConnection
	if err := db.Begin(ctx, primary); err != nil {
		return err
	}
	if _, err := db.Exec(ctx, primary,
		`UPDATE "LogicalShard" SET "status" = $1 WHERE "id" = $2`,
		status, logicalShardID); err != nil {
		if rbErr := db.resetConnection(ctx, primary); rbErr != nil {
			log.Printf("[db] rollback after failed status update: %v", rbErr)
		}
		return err
	}
	return db.Commit(ctx, primary)
}

// SetLogicalShardPhysicalShardID points a logical shard at a new
// physical shard, optionally updating the status in the same
// transaction. An empty status leaves it untouched.
func (db *DB) SetLogicalShardPhysicalShardID(ctx context.Context, logicalShardID, physicalShardID int64, status string) error {
	primary := db.cfg.PrimaryShardConnection
	if err := db.Begin(ctx, primary); err != nil {
		return err
	}

	var err error
	if status == "" {
		_, err = db.Exec(ctx, primary,
			`UPDATE "LogicalShard" SET "physical_shard_id" = $1 WHERE "id" = $2`,
			physicalShardID, logicalShardID)
	} else {
		_, err = db.Exec(ctx, primary,
			`UPDATE "LogicalShard" SET "physical_shard_id" = $1, "status" = $2 WHERE "id" = $3`,
			physicalShardID, status, logicalShardID)
	}
	if err != nil {
		if rbErr := db.resetConnection(ctx, primary); rbErr != nil {
			log.Printf("[db] rollback after failed physical shard update: %v", rbErr)
		}
		return err
	}
	return db.Commit(ctx, primary)
}

// PhysicalShardID looks up which physical shard currently holds the
// logical shard. ok is false when the logical shard is unknown.
func (db *DB) PhysicalShardID(ctx context.Context, logicalShardID int64) (int64, bool, error) {
	rows, err := db.Query(ctx, db.cfg.PrimaryShardConnection,
		`SELECT "physical_shard_id" FROM "LogicalShard" WHERE "id" = $1`, logicalShardID)
	if err != nil {
		return 0, false, err
	}
	if rows.Len() == 0 {
		return 0, false, nil
	}
	id, err := toInt64(rows.Values[0][0])
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

// LogicalShardUserIDs returns every user id living in the logical shard
// on the given physical shard.
func (db *DB) LogicalShardUserIDs(ctx context.Context, logicalShardID, physicalShardID int64) ([]int64, error) {
	rows, err := db.Query(ctx, sharding.ShardIDToName(physicalShardID),
		`SELECT "id" FROM "auth_user" WHERE "id" % $1 = $2`,
		db.cfg.NumLogicalShards, logicalShardID)
	if err != nil {
		return nil, err
	}
	userIDs := make([]int64, 0, rows.Len())
	for _, row := range rows.Values {
		id, err := toInt64(row[0])
		if err != nil {
			return nil, err
		}
		userIDs = append(userIDs, id)
	}
	return userIDs, nil
}

// CleanupStragglerShortLinks deletes used shortlinks no message or
// receipt references anymore.
func (db *DB) CleanupStragglerShortLinks(ctx context.Context, connectionName string) (int64, error) {
	log.Printf("[db] cleaning up orphaned straggler shortlinks on connection=%s", connectionName)
	return db.Exec(ctx, connectionName, `
		DELETE FROM "main_shortlink"
		WHERE "id" IN (
			SELECT "s"."id" FROM "main_shortlink" "s"
				LEFT JOIN "main_usermessage" "um" ON
				"um"."shortlink_id" = "s"."id"
				LEFT JOIN "main_receipt" "r" ON
				"r"."shortlink_id" = "s"."id"
			WHERE "s"."used" IS NOT NULL AND "r"."id" IS NULL AND
			"um"."id" IS NULL
		)`)
}

var nonDigitsRe = regexp.MustCompile(`[^0-9]`)

// automaticDuplicateRecovery runs at the end of MigrateLogicalShard
// regardless of the outcome. When the same users exist on both shards
// it deletes the destination copies and points the logical shard back
// at the source.
func (db *DB) automaticDuplicateRecovery(ctx context.Context, logicalShardID int64, sourceConnectionName, destinationConnectionName string) error {
	log.Printf("[db] automatic duplicate recovery invoked with logical_shard_id=%d, source_connection_name=%s, destination_connection_name=%s",
		logicalShardID, sourceConnectionName, destinationConnectionName)
	if err := db.resetConnection(ctx, sourceConnectionName); err != nil {
		return err
	}
	if err := db.resetConnection(ctx, destinationConnectionName); err != nil {
		return err
	}

	connectionString, err := db.PsqlConnectionString(destinationConnectionName)
	if err != nil {
		return err
	}
	numLogical := int64(db.cfg.NumLogicalShards)
	rows, err := db.Query(ctx, sourceConnectionName, fmt.Sprintf(`
		SELECT au1.id
		FROM auth_user au1
		JOIN (SELECT id FROM dblink('%s', 'SELECT id FROM auth_user WHERE id
		%% %d = %d') AS t(id bigint)) au2 on au1.id = au2.id
		WHERE au1.id %% %d = %d`,
		connectionString, numLogical, logicalShardID, numLogical, logicalShardID))
	if err != nil {
		return err
	}
	if rows.Len() == 0 {
		return nil
	}

	dupes := make([]int64, 0, rows.Len())
	labels := make([]string, 0, rows.Len())
	for _, row := range rows.Values {
		id, err := toInt64(row[0])
		if err != nil {
			return err
		}
		dupes = append(dupes, id)
		labels = append(labels, fmt.Sprintf("(user-id=%d, ls_id=%d)", id, id%numLogical))
	}
	log.Printf("[db] dupe user_ids detected, affected ids: %s", strings.Join(labels, ", "))
	log.Printf("[db] logical shard migration failed, removing duplicate entries from the destination shard")

	digits := nonDigitsRe.ReplaceAllString(sourceConnectionName, "")
	physicalShardID, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return fmt.Errorf("failed to extract physical shard id from source connection name %q", sourceConnectionName)
	}

	if err := db.DeleteUsers(ctx, dupes, destinationConnectionName, DeleteOptions{}); err != nil {
		return err
	}
	if _, err := db.CleanupStragglerShortLinks(ctx, destinationConnectionName); err != nil {
		return err
	}
	if _, err := db.Exec(ctx, db.cfg.PrimaryShardConnection,
		`UPDATE "LogicalShard" SET "physical_shard_id" = $1 WHERE "id" = $2`,
		physicalShardID, logicalShardID); err != nil {
		return err
	}
	db.attemptCacheFlush()
	return nil
}

// MigrateLogicalShard moves every record for one logical shard to the
// named physical shard: dump the users, replay the dump on the
// destination, verify row counts, then delete whichever copy lost.
// Duplicate recovery runs at the end regardless of the outcome.
func (db *DB) MigrateLogicalShard(ctx context.Context, logicalShardID int64, destinationShard string) (err error) {
	physicalShardID, ok, err := db.PhysicalShardID(ctx, logicalShardID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no physical shard recorded for logical shard %d", logicalShardID)
	}

	sourceShard := sharding.ShardIDToName(physicalShardID)
	if sourceShard == destinationShard {
		return fmt.Errorf("logical shard %d already lives on %s", logicalShardID, destinationShard)
	}

	userIDs, err := db.LogicalShardUserIDs(ctx, logicalShardID, physicalShardID)
	if err != nil {
		return err
	}

	if err := db.SetLogicalShardStatus(ctx, logicalShardID, LogicalShardStatusRelocating); err != nil {
		return err
	}

	defer func() {
		if recErr := db.automaticDuplicateRecovery(ctx, logicalShardID, sourceShard, destinationShard); recErr != nil {
			log.Printf("[db] automatic duplicate recovery failed: %v", recErr)
			if err == nil {
				err = recErr
			}
		}
	}()

	pairs, err := db.userIDTableColumnPairs(ctx, sourceShard)
	if err != nil {
		return err
	}

	preSourceCounts, err := db.TableRowCounts(ctx, pairs, userIDs, sourceShard)
	if err != nil {
		return err
	}

	startedTs, err := db.dumpAndCopyLogicalShardWrapper(ctx, logicalShardID, destinationShard, sourceShard, userIDs)
	if err != nil {
		return err
	}
	duration := int64(time.Since(startedTs).Seconds())

	countsStarted := time.Now()
	postSourceCounts, err := db.TableRowCounts(ctx, pairs, userIDs, sourceShard)
	if err != nil {
		return err
	}
	postDestinationCounts, err := db.TableRowCounts(ctx, pairs, userIDs, destinationShard)
	if err != nil {
		return err
	}
	log.Printf("[db] tail-end src/dest counts took %d seconds", int64(time.Since(countsStarted).Seconds()))

	message := fmt.Sprintf("duration=%ds\nnumUsers=%d\npreSourceCounts=%v\npostSourceCounts=%v\npostDestinationCounts=%v",
		duration, len(userIDs), preSourceCounts, postSourceCounts, postDestinationCounts)
	log.Printf("[db] %s", message)

	baseFileName := baseBackupFileName(logicalShardID, startedTs.Unix())
	countsMatch := maps.Equal(preSourceCounts, postSourceCounts) &&
		maps.Equal(preSourceCounts, postDestinationCounts)

	var fileName string
	if countsMatch {
		log.Printf("[db] SUCCEEDED: pre/post source/destination counts all match")
		fileName = baseFileName + ".succeeded"

		newPhysicalShardID, err := sharding.ShardNameToID(destinationShard)
		if err != nil {
			return err
		}
		log.Printf("[db] updating LogicalShard table to point id=%d at physical_shard_id=%d",
			logicalShardID, newPhysicalShardID)
		if err := db.SetLogicalShardPhysicalShardID(ctx, logicalShardID, newPhysicalShardID, LogicalShardStatusOK); err != nil {
			return err
		}
		db.attemptCacheFlush()
		if err := db.DeleteUsers(ctx, userIDs, sourceShard, DeleteOptions{}); err != nil {
			return err
		}
	} else {
		log.Printf("[db] FAILED: logical shard migration failed due to count mis-match")
		fileName = baseFileName + ".failed"
		log.Printf("[db] deleting copied data from destination shard %s", destinationShard)
		if err := db.DeleteUsers(ctx, userIDs, destinationShard, DeleteOptions{}); err != nil {
			return err
		}
	}

	if url, upErr := db.uploadBackup(ctx, fileName, []byte(message), "text/plain"); upErr != nil {
		log.Printf("[db] failed to store migration run note %s: %v", fileName, upErr)
	} else if url != "" {
		log.Printf("[db] stored migration run note at %s", url)
	}

	if !countsMatch {
		return fmt.Errorf("logical shard %d migration from %s to %s failed due to count mis-match: %w",
			logicalShardID, sourceShard, destinationShard, ErrMigrateUser)
	}
	return nil
}

// maxDumpCopyErrors bounds how many automatic repairs one dump/copy
// will attempt before giving up.
const maxDumpCopyErrors = 10

// dumpAndCopyLogicalShardWrapper retries dumpAndCopyLogicalShard
// through the automatic error resolvers. The same error twice in a row
// aborts: re-running the same repair is pointless.
func (db *DB) dumpAndCopyLogicalShardWrapper(ctx context.Context, logicalShardID int64, destinationShard, using string, userIDs []int64) (time.Time, error) {
	var lastErr error
	for attempt := 1; ; attempt++ {
		if attempt > maxDumpCopyErrors {
			if lastErr != nil {
				return time.Time{}, lastErr
			}
			return time.Time{}, errors.New("max number of dump/copy retries exceeded")
		}

		startedTs, err := db.dumpAndCopyLogicalShard(ctx, logicalShardID, destinationShard, using, userIDs)
		if err == nil {
			return startedTs, nil
		}
		if lastErr != nil && err.Error() == lastErr.Error() {
			log.Printf("[db] got the same exact error twice, aborting operation")
			return time.Time{}, err
		}

		log.Printf("[db] dump and copy caught error: %v, will try to resolve automatically..", err)
		resolver := FindAutomaticErrorResolver(using, destinationShard, err)
		if resolver == nil {
			log.Printf("[db] automatic resolution could not be found")
			return time.Time{}, err
		}
		if runErr := resolver.Run(ctx, db); runErr != nil {
			return time.Time{}, fmt.Errorf("%s failed: %w", resolver.Name(), runErr)
		}
		// Establish a known transaction state on the destination before
		// the next attempt.
		if rbErr := db.resetConnection(ctx, destinationShard); rbErr != nil {
			return time.Time{}, rbErr
		}
		lastErr = err
	}
}

// dumpAndCopyLogicalShard dumps a logical shard, archives the dump,
// and replays its statements on the destination shard. Returns when
// the dump started.
func (db *DB) dumpAndCopyLogicalShard(ctx context.Context, logicalShardID int64, destinationShard, using string, userIDs []int64) (time.Time, error) {
	startedTs := time.Now()
	dump, err := db.dumpLogicalShard(ctx, logicalShardID, using, userIDs)
	if err != nil {
		return time.Time{}, err
	}
	dumpFinished := time.Now()
	log.Printf("[db] LogicalShard dump phase for id=%d took %d seconds",
		logicalShardID, int64(dumpFinished.Sub(startedTs).Seconds()))

	statements, err := db.backupDumpAndConvertToSQLList(ctx, dump, logicalShardID, startedTs)
	if err != nil {
		return time.Time{}, err
	}

	copyStarted := time.Now()
	log.Printf("[db] executing %d SQL insert statements on %s", len(statements), destinationShard)
	for i, statement := range statements {
		if err := db.throttle(ctx); err != nil {
			return time.Time{}, err
		}
		preview := statement
		if len(preview) > 64 {
			preview = preview[:64]
		}
		log.Printf("[db] executing SQL statement %d/%d: %s..", i+1, len(statements), preview)
		if err := db.execStatement(ctx, destinationShard, statement); err != nil {
			return time.Time{}, err
		}
	}
	copyFinished := time.Now()

	log.Printf("[db] LogicalShard copy phase for id=%d took %d seconds",
		logicalShardID, int64(copyFinished.Sub(copyStarted).Seconds()))
	log.Printf("[db] dump and copy for logical_shard_id=%d took %d seconds",
		logicalShardID, int64(copyFinished.Sub(startedTs).Seconds()))
	return startedTs, nil
}

// dumpLogicalShard dumps all data for a logical shard. An empty using
// resolves the physical shard from the LogicalShard table; empty
// userIDs are resolved from the shard itself.
func (db *DB) dumpLogicalShard(ctx context.Context, logicalShardID int64, using string, userIDs []int64) (*UserDump, error) {
	if using == "" {
		physicalShardID, ok, err := db.PhysicalShardID(ctx, logicalShardID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("no physical shard recorded for logical shard %d", logicalShardID)
		}
		using = sharding.ShardIDToName(physicalShardID)
	}
	if len(userIDs) == 0 {
		physicalShardID, err := sharding.ShardNameToID(using)
		if err != nil {
			return nil, err
		}
		userIDs, err = db.LogicalShardUserIDs(ctx, logicalShardID, physicalShardID)
		if err != nil {
			return nil, err
		}
	}
	if len(userIDs) == 0 {
		return nil, fmt.Errorf("no users found for logicalShard=%d", logicalShardID)
	}
	return db.DumpUsers(ctx, userIDs, using, DumpOptions{})
}

// UserDump holds per-table insert scripts for a set of users, keyed in
// dependency-safe order. The __pre__ and __post__ keys carry the
// transaction bracketing.
type UserDump struct {
	keys       []string
	statements map[string][]string
}

// Dump keys bracketing the per-table inserts.
const (
	DumpKeyPre  = "__pre__"
	DumpKeyPost = "__post__"
)

func newUserDump() *UserDump {
	return &UserDump{statements: make(map[string][]string)}
}

func (d *UserDump) add(key string, statements ...string) {
	if _, ok := d.statements[key]; !ok {
		d.keys = append(d.keys, key)
		d.statements[key] = []string{}
	}
	d.statements[key] = append(d.statements[key], statements...)
}

// Keys returns the dump keys in insertion order.
func (d *UserDump) Keys() []string {
	out := make([]string, len(d.keys))
	copy(out, d.keys)
	return out
}

// Statements returns the statements collected under one key.
func (d *UserDump) Statements(key string) []string {
	return d.statements[key]
}

// List flattens the dump into one ordered statement list.
func (d *UserDump) List() []string {
	var out []string
	for _, key := range d.keys {
		out = append(out, d.statements[key]...)
	}
	return out
}

// SQLString renders the dump as one annotated SQL script.
func (d *UserDump) SQLString(logicalShardID, startedTs int64) string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "-- Dump of LogicalShard %d on %d\n", logicalShardID, startedTs)
	for _, key := range d.keys {
		fmt.Fprintf(&buf, "\n\n-- table = %s\n", key)
		for _, statement := range d.statements[key] {
			fmt.Fprintf(&buf, "%s\n", statement)
		}
	}
	return buf.String()
}

// backupDumpAndConvertToSQLList archives a dump in two formats, as an
// annotated SQL script and as a JSON list of discrete statements, then
// returns the flat statement list.
func (db *DB) backupDumpAndConvertToSQLList(ctx context.Context, dump *UserDump, logicalShardID int64, startedTs time.Time) ([]string, error) {
	baseFileName := baseBackupFileName(logicalShardID, startedTs.Unix())

	sqlString := dump.SQLString(logicalShardID, startedTs.Unix())
	sqlStringURL, err := db.uploadBackup(ctx, baseFileName+".sql", []byte(sqlString), "text/plain")
	if err != nil {
		return nil, fmt.Errorf("failed to upload SQL dump of logical shard %d: %w", logicalShardID, err)
	}
	log.Printf("[db] uploaded SQL string dump of logicalShard %d, sqlStringUrl=%s", logicalShardID, sqlStringURL)

	sqlList := dump.List()
	encoded, err := json.Marshal(sqlList)
	if err != nil {
		return nil, err
	}
	sqlListURL, err := db.uploadBackup(ctx, baseFileName+".json", encoded, "application/json")
	if err != nil {
		return nil, fmt.Errorf("failed to upload JSON dump of logical shard %d: %w", logicalShardID, err)
	}
	log.Printf("[db] uploaded JSON list dump of logicalShard %d, sqlListUrl=%s", logicalShardID, sqlListURL)

	return sqlList, nil
}

// seedTableColumnPairs are always walked first, in this order, before
// the reflected tables.
var seedTableColumnPairs = []TableColumn{
	{Table: "auth_user", Column: "id"},
	{Table: "main_extendeduser", Column: "user_id"},
	{Table: "main_usermessage", Column: "user_id"},
	{Table: "main_thread", Column: "user_id"},
	{Table: "main_contact", Column: "user_id"},
	{Table: "main_group", Column: "user_id"},
}

var (
	preMigrationSQL  = []string{"BEGIN;", "SET CONSTRAINTS ALL DEFERRED;"}
	postMigrationSQL = []string{"SET CONSTRAINTS ALL IMMEDIATE;", "COMMIT;"}
)

// additionalRelation names a reference the dependency walk cannot
// follow: rows in FkTable point at SourceTable rows through FkColumn,
// and SourceTable carries no user-id column of its own.
type additionalRelation struct {
	FkTable     string
	FkColumn    string
	SourceTable string
}

// additionalRelations lists side tables to pull in right before each
// table, keyed by the table being copied.
var additionalRelations = map[string][]additionalRelation{
	"main_receipt": {
		{FkTable: "main_receipt", FkColumn: "shortlink_id", SourceTable: "main_shortlink"},
	},
	"main_usermessage": {
		{FkTable: "main_usermessage", FkColumn: "shortlink_id", SourceTable: "main_shortlink"},
	},
	"main_extendeduser": {
		{FkTable: "main_extendeduser", FkColumn: "twilio_phone_number_id", SourceTable: "main_phonenumber"},
		{FkTable: "main_extendeduser", FkColumn: "entitlement_id", SourceTable: "main_entitlement"},
	},
	"main_groupshare": {
		{FkTable: "main_groupshare", FkColumn: "invitation_ptr_id", SourceTable: "main_invitation"},
	},
}

// userIDTableColumnPairs returns the seed pairs plus every reflected
// table carrying a user-id column, deduplicated in order.
func (db *DB) userIDTableColumnPairs(ctx context.Context, using string) ([]TableColumn, error) {
	v, err := db.cachedCatalog("uidpairs:"+using, func() (any, error) {
		reflected, err := db.FindTablesWithUserIDColumn(ctx, using)
		if err != nil {
			return nil, err
		}
		merged := make([]TableColumn, 0, len(seedTableColumnPairs)+len(reflected))
		merged = append(merged, seedTableColumnPairs...)
		merged = append(merged, reflected...)

		seen := make(map[TableColumn]bool, len(merged))
		out := make([]TableColumn, 0, len(merged))
		for _, pair := range merged {
			if seen[pair] {
				continue
			}
			seen[pair] = true
			out = append(out, pair)
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]TableColumn), nil
}

// verifyTheseUsersExistInShard checks that every user id exists in the
// named database.
func (db *DB) verifyTheseUsersExistInShard(ctx context.Context, userIDs []int64, using string) error {
	count, err := db.queryInt64(ctx, using, fmt.Sprintf(
		`SELECT count(*) FROM "auth_user" WHERE "id" IN (%s)`, joinInt64s(userIDs)))
	if err != nil {
		return err
	}
	if count != int64(len(userIDs)) {
		return fmt.Errorf("not all userIds in (%v) found on %s", userIDs, using)
	}
	return nil
}

// DumpOptions adjusts DumpUsers.
type DumpOptions struct {
	// KeepTriggers leaves the main_contact trigger active in the
	// generated script.
	KeepTriggers bool
}

// DumpUsers collects complete insert scripts for the users' rows across
// every table carrying user data. Tables referenced by user tables are
// pulled first, then each user table, then rows referencing what was
// already dumped.
func (db *DB) DumpUsers(ctx context.Context, userIDs []int64, using string, opts DumpOptions) (*UserDump, error) {
	if len(userIDs) == 0 {
		return nil, errors.New("no user ids to dump")
	}
	log.Printf("[db] dumping users %v from %s", userIDs, using)

	using = sharding.CoerceIDToShardName(using)
	if err := db.verifyTheseUsersExistInShard(ctx, userIDs, using); err != nil {
		return nil, err
	}

	inUserIDs := joinInt64s(userIDs)

	dump := newUserDump()
	if !opts.KeepTriggers {
		dump.add(DumpKeyPre, `ALTER TABLE "main_contact" DISABLE TRIGGER "main_contact_trigger";`)
	}
	dump.add(DumpKeyPre, preMigrationSQL...)

	collectInserts := func(table, whereClause string) error {
		description, err := db.Describe(ctx, using, table)
		if err != nil {
			return err
		}
		sql, err := db.Select2MultiInsert(ctx, using, table, description, whereClause)
		if err != nil {
			return err
		}
		if sql != "" {
			dump.add(table, sql)
		}
		return nil
	}

	collectRecords := func(sourceTable, sourcePkColumn, innerTable, innerColumn, innerUserIDColumn string) error {
		if db.ShouldTableBeIgnoredForUserOperations(sourceTable) {
			return nil
		}
		return collectInserts(sourceTable, fmt.Sprintf(
			`"%s" IN (SELECT "%s" FROM "%s" WHERE "%s" in (%s))`,
			sourcePkColumn, innerColumn, innerTable, innerUserIDColumn, inUserIDs))
	}

	pairs, err := db.userIDTableColumnPairs(ctx, using)
	if err != nil {
		return nil, err
	}
	tables := make([]string, len(pairs))
	for i, pair := range pairs {
		tables[i] = pair.Table
	}
	dependencies, err := db.DiscoverDependencies(ctx, using, tables)
	if err != nil {
		return nil, err
	}

	var populated []string

	for _, pair := range pairs {
		table, userIDColumn := pair.Table, pair.Column
		if db.ShouldTableBeIgnoredForUserOperations(table) {
			continue
		}
		if containsString(populated, table) {
			log.Printf("[db] skipping dump from already populated table: %s", table)
			continue
		}

		for _, rel := range additionalRelations[table] {
			pks, err := db.PrimaryKeyColumns(ctx, using, rel.SourceTable)
			if err != nil {
				return nil, err
			}
			if len(pks) == 0 {
				return nil, fmt.Errorf("table %s has no primary key", rel.SourceTable)
			}
			if err := collectRecords(rel.SourceTable, pks[0], rel.FkTable, rel.FkColumn, userIDColumn); err != nil {
				return nil, err
			}
		}

		if err := collectInserts(table, fmt.Sprintf(`"%s" IN (%s)`, userIDColumn, inUserIDs)); err != nil {
			return nil, err
		}
		populated = append(populated, table)
	}

	// Backfill rows referencing what was dumped above.
	for _, pair := range pairs {
		table, userIDColumn := pair.Table, pair.Column
		if db.ShouldTableBeIgnoredForUserOperations(table) {
			continue
		}
		for _, rel := range dependencies[table] {
			if containsString(populated, rel.Table) {
				continue
			}
			if err := collectRecords(rel.Table, rel.Column, table, rel.ForeignColumn, userIDColumn); err != nil {
				return nil, err
			}
			populated = append(populated, rel.Table)
		}
	}

	dump.add(DumpKeyPost, postMigrationSQL...)
	if !opts.KeepTriggers {
		dump.add(DumpKeyPost, `ALTER TABLE "main_contact" ENABLE TRIGGER "main_contact_trigger";`)
	}
	return dump, nil
}

// MigrateUsers moves every record for the users from one physical
// shard to another. The source copy is deleted in lockstep with the
// destination commit, and a movedUser event is published per user.
func (db *DB) MigrateUsers(ctx context.Context, userIDs []int64, sourceShard, destinationShard string) error {
	sourceShard = sharding.CoerceIDToShardName(sourceShard)
	destinationShard = sharding.CoerceIDToShardName(destinationShard)

	// Delete from the source right before the destination commit so
	// the two shards flip as close to atomically as dblink allows.
	preCommit := func(ctx context.Context) error {
		return db.DeleteUsers(ctx, userIDs, sourceShard, DeleteOptions{
			PreCommitCb: func(ctx context.Context) error {
				return db.Commit(ctx, destinationShard)
			},
		})
	}

	err := db.CopyUsers(ctx, userIDs, sourceShard, destinationShard, CopyOptions{
		PreCommitCb:           preCommit,
		SkipDestinationCommit: true,
	})
	if err != nil {
		return err
	}

	if db.events != nil {
		shardID := destinationShard
		if idx := strings.LastIndex(destinationShard, "_"); idx >= 0 {
			shardID = destinationShard[idx+1:]
		}
		for _, userID := range userIDs {
			payload := map[string]any{"user_id": userID, "shardId": shardID}
			if err := db.events.Publish(ctx, "movedUser", payload); err != nil {
				log.Printf("[db] failed to publish movedUser event for user %d: %v", userID, err)
			}
		}
	}
	return nil
}

// MigrateUser migrates a single user.
func (db *DB) MigrateUser(ctx context.Context, userID int64, sourceShard, destinationShard string) error {
	return db.MigrateUsers(ctx, []int64{userID}, sourceShard, destinationShard)
}

// CopyOptions adjusts CopyUsers.
type CopyOptions struct {
	// PreCommitCb runs after count verification, immediately before
	// the destination commit.
	PreCommitCb func(ctx context.Context) error
	// SkipDestinationCommit leaves the destination transaction open
	// for the caller (or PreCommitCb) to commit.
	SkipDestinationCommit bool
	// KeepTriggers leaves the main_contact trigger active.
	KeepTriggers bool
	// ExternalTransactions suppresses BEGIN/COMMIT/ROLLBACK; the
	// caller manages the destination transaction.
	ExternalTransactions bool
}

// CopyUsers copies every record for the users from one physical shard
// to another over dblink, retrying tables whose dependencies have not
// landed yet, and aborts if the source row counts change under it.
func (db *DB) CopyUsers(ctx context.Context, userIDs []int64, sourceShard, destinationShard string, opts CopyOptions) error {
	if len(userIDs) == 0 {
		return errors.New("no user ids to copy")
	}
	sourceShard = sharding.CoerceIDToShardName(sourceShard)
	destinationShard = sharding.CoerceIDToShardName(destinationShard)
	manage := !opts.ExternalTransactions
	inUserIDs := joinInt64s(userIDs)

	if err := db.verifyTheseUsersExistInShard(ctx, userIDs, sourceShard); err != nil {
		return err
	}

	remotelyFillTable := func(sourceTable, sourcePkColumn, innerTable, innerColumn, innerUserIDColumn string) error {
		if db.ShouldTableBeIgnoredForUserOperations(sourceTable) {
			return nil
		}
		dbLinkSQL := toSingleLine(fmt.Sprintf(`
			SELECT * FROM "%s" WHERE "%s" IN (
				SELECT "%s" FROM "%s"
				WHERE "%s" in (%s)
			)`, sourceTable, sourcePkColumn, innerColumn, innerTable, innerUserIDColumn, inUserIDs))
		return db.AutoDbLinkInsert(ctx, sourceTable, dbLinkSQL, sourceShard, destinationShard, "")
	}

	pairs, err := db.userIDTableColumnPairs(ctx, sourceShard)
	if err != nil {
		return err
	}

	sourceCountsInitial, err := db.TableRowCounts(ctx, pairs, userIDs, sourceShard)
	if err != nil {
		return err
	}

	tables := make([]string, len(pairs))
	for i, pair := range pairs {
		tables[i] = pair.Table
	}
	dependencies, err := db.DiscoverDependencies(ctx, sourceShard, tables)
	if err != nil {
		return err
	}

	if !opts.KeepTriggers {
		if _, err := db.Exec(ctx, destinationShard,
			`ALTER TABLE "main_contact" DISABLE TRIGGER "main_contact_trigger"`); err != nil {
			return err
		}
	}

	enableTriggers := func() {
		if opts.KeepTriggers {
			return
		}
		if _, err := db.Exec(ctx, destinationShard,
			`ALTER TABLE "main_contact" ENABLE TRIGGER "main_contact_trigger"`); err != nil {
			log.Printf("[db] failed to re-enable main_contact trigger on %s: %v", destinationShard, err)
		}
	}

	if manage {
		if err := db.Begin(ctx, destinationShard); err != nil {
			enableTriggers()
			return err
		}
		if _, err := db.Exec(ctx, destinationShard, "SET CONSTRAINTS ALL DEFERRED"); err != nil {
			if rbErr := db.resetConnection(ctx, destinationShard); rbErr != nil {
				log.Printf("[db] rollback after failed copy setup: %v", rbErr)
			}
			enableTriggers()
			return err
		}
	}

	var populated []string
	savePoint := 0
	n := 0

	copyErr := func() error {
		queue := append([]TableColumn(nil), pairs...)
		for len(queue) > 0 {
			n++
			if n > len(pairs)*2 {
				return errors.New("dependency cycle detected")
			}

			tc := queue[0]
			queue = queue[1:]
			table, userIDColumn := tc.Table, tc.Column

			if db.ShouldTableBeIgnoredForUserOperations(table) {
				continue
			}
			if containsString(populated, table) {
				log.Printf("[db] skipping copy to already populated table: %s", table)
				continue
			}

			savePoint++
			if _, err := db.Exec(ctx, destinationShard, fmt.Sprintf("SAVEPOINT save%d", savePoint)); err != nil {
				return err
			}

			err := func() error {
				for _, rel := range additionalRelations[table] {
					pks, err := db.PrimaryKeyColumns(ctx, destinationShard, rel.SourceTable)
					if err != nil {
						return err
					}
					if len(pks) == 0 {
						return fmt.Errorf("table %s has no primary key", rel.SourceTable)
					}
					if err := remotelyFillTable(rel.SourceTable, pks[0], rel.FkTable, rel.FkColumn, userIDColumn); err != nil {
						return err
					}
				}
				dbLinkSQL := fmt.Sprintf(`SELECT * FROM "%s" WHERE "%s" IN (%s)`,
					table, userIDColumn, inUserIDs)
				return db.AutoDbLinkInsert(ctx, table, dbLinkSQL, sourceShard, destinationShard, "")
			}()
			if err != nil {
				log.Printf("[db] caught error copying %s, will retry after its dependencies: %v", table, err)
				if _, rbErr := db.Exec(ctx, destinationShard, fmt.Sprintf("ROLLBACK TO save%d", savePoint)); rbErr != nil {
					return rbErr
				}
				queue = append(queue, tc)
				continue
			}

			populated = append(populated, table)
			if _, err := db.Exec(ctx, destinationShard, fmt.Sprintf("RELEASE SAVEPOINT save%d", savePoint)); err != nil {
				return err
			}
			n = 0
		}

		// Backfill rows referencing what was copied above.
		queue = append([]TableColumn(nil), pairs...)
		savePoint = 0
		for len(queue) > 0 {
			n++
			if n > len(pairs)*2 {
				return errors.New("dependency cycle detected")
			}

			tc := queue[0]
			queue = queue[1:]
			table, userIDColumn := tc.Table, tc.Column

			if db.ShouldTableBeIgnoredForUserOperations(table) {
				continue
			}

			savePoint++
			if _, err := db.Exec(ctx, destinationShard, fmt.Sprintf("SAVEPOINT save%d", savePoint)); err != nil {
				return err
			}

			err := func() error {
				for _, rel := range dependencies[table] {
					if containsString(populated, rel.Table) {
						continue
					}
					if err := remotelyFillTable(rel.Table, rel.Column, table, rel.ForeignColumn, userIDColumn); err != nil {
						return err
					}
					populated = append(populated, rel.Table)
				}
				return nil
			}()
			if err != nil {
				log.Printf("[db] caught error backfilling %s, will retry: %v", table, err)
				if _, rbErr := db.Exec(ctx, destinationShard, fmt.Sprintf("ROLLBACK TO save%d", savePoint)); rbErr != nil {
					return rbErr
				}
				queue = append(queue, tc)
				continue
			}
			if _, err := db.Exec(ctx, destinationShard, fmt.Sprintf("RELEASE SAVEPOINT save%d", savePoint)); err != nil {
				return err
			}
			n = 0
		}
		return nil
	}()
	if copyErr != nil {
		if manage {
			if rbErr := db.resetConnection(ctx, destinationShard); rbErr != nil {
				log.Printf("[db] rollback after failed copy: %v", rbErr)
			}
		}
		enableTriggers()
		return copyErr
	}

	destinationCountsVerify, err := db.TableRowCounts(ctx, pairs, userIDs, destinationShard)
	if err != nil {
		return err
	}
	sourceCountsVerify, err := db.TableRowCounts(ctx, pairs, userIDs, sourceShard)
	if err != nil {
		return err
	}

	if maps.Equal(destinationCountsVerify, sourceCountsInitial) &&
		maps.Equal(destinationCountsVerify, sourceCountsVerify) {
		if manage {
			// Applied retroactively, so constraint problems surface
			// here rather than at COMMIT.
			if _, err := db.Exec(ctx, destinationShard, "SET CONSTRAINTS ALL IMMEDIATE"); err != nil {
				return err
			}
		}
		if opts.PreCommitCb != nil {
			if err := opts.PreCommitCb(ctx); err != nil {
				return err
			}
		}
		if !opts.SkipDestinationCommit && manage {
			if err := db.Commit(ctx, destinationShard); err != nil {
				return err
			}
		}
		enableTriggers()
		return nil
	}

	if manage {
		if rbErr := db.resetConnection(ctx, destinationShard); rbErr != nil {
			log.Printf("[db] rollback after count mismatch: %v", rbErr)
		}
	}
	enableTriggers()
	return fmt.Errorf(
		"aborted migration of userIds=%v from %s to %s due to changed source data: sourceCountsInitial=%v destinationCountsVerify=%v sourceCountsVerify=%v: %w",
		userIDs, sourceShard, destinationShard,
		sourceCountsInitial, destinationCountsVerify, sourceCountsVerify,
		ErrMigrateUserStaleRead)
}

// CopyUser copies a single user.
func (db *DB) CopyUser(ctx context.Context, userID int64, sourceShard, destinationShard string, opts CopyOptions) error {
	return db.CopyUsers(ctx, []int64{userID}, sourceShard, destinationShard, opts)
}

// preDeleteStatements clear rows the generic walk cannot reach, rows
// keyed through a sibling table rather than a user-id column. Each
// statement takes the joined user-id list.
var preDeleteStatements = []string{
	`DELETE FROM "main_voicemailtranscription" WHERE "voiceMail_id" IN (
		SELECT "id" FROM "main_voicemail" WHERE "user_id" IN (%s)
	)`,
	`DELETE FROM "main_groupshare" WHERE "invitation_ptr_id" IN (
		SELECT "id" FROM "main_invitation" WHERE "user_id" IN (%s)
	)`,
	`DELETE FROM "main_groupshare" WHERE "invitation_ptr_id" IN (
		SELECT "id" FROM "main_invitation" WHERE "owner_id" IN (%s)
	)`,
	`DELETE FROM "main_sendhubinvitation" WHERE "invitation_ptr_id" IN (
		SELECT "id" FROM "main_invitation" WHERE "user_id" IN (%s)
	)`,
	`DELETE FROM "main_sendhubinvitation" WHERE "invitation_ptr_id" IN (
		SELECT "id" FROM "main_invitation" WHERE "owner_id" IN (%s)
	)`,
	`DELETE FROM "main_enterpriseinvitation" WHERE "invitation_ptr_id" IN (
		SELECT "id" FROM "main_invitation" WHERE "user_id" IN (%s)
	)`,
	`DELETE FROM "main_enterpriseinvitation" WHERE "invitation_ptr_id" IN (
		SELECT "id" FROM "main_invitation" WHERE "owner_id" IN (%s)
	)`,
	`DELETE FROM "main_invitation" WHERE "owner_id" IN (%s)`,
	`DELETE FROM "main_usermessage_contacts" WHERE "contact_id" IN (
		SELECT "id" FROM "main_contact" WHERE "user_id" IN (%s)
	)`,
	`DELETE FROM "main_contact_groups" WHERE "contact_id" IN (
		SELECT "id" FROM "main_contact" WHERE "user_id" IN (%s)
	)`,
	`DELETE FROM "main_contactparent" WHERE "contact_id" IN (
		SELECT "id" FROM "main_contact" WHERE "user_id" IN (%s)
	)`,
	`DELETE FROM "main_usermessage_groups" WHERE "group_id" IN (
		SELECT "id" FROM "main_group" WHERE "user_id" IN (%s)
	)`,
	`DELETE FROM "main_groupshortcode" WHERE "group_id" IN (
		SELECT "id" FROM "main_group" WHERE "user_id" IN (%s)
	)`,
	`DELETE FROM "main_callobservation" WHERE "voiceCall" IN (
		SELECT "id" FROM "main_voicecall" WHERE "user_id" IN (%s)
	)`,
	`DELETE FROM "main_voicecallrating" WHERE "voiceCall" IN (
		SELECT "id" FROM "main_voicecall" WHERE "user_id" IN (%s)
	)`,
	`DELETE FROM "main_phonenumber" WHERE "id" IN (
		SELECT "twilio_phone_number_id" FROM "main_extendeduser"
		WHERE "user_id" IN (%s)
	)`,
	`DELETE FROM "main_entitlement" WHERE "id" IN (
		SELECT "entitlement_id" FROM "main_extendeduser"
		WHERE "user_id" IN (%s)
	)`,
	`DELETE FROM "main_receipt" WHERE "group_id" IN (
		SELECT "id" FROM "main_group" WHERE "user_id" IN (%s)
	)`,
}

// DeleteOptions adjusts DeleteUsers.
type DeleteOptions struct {
	// PreCommitCb runs immediately before the commit.
	PreCommitCb func(ctx context.Context) error
	// ExternalTransactions suppresses BEGIN/COMMIT/ROLLBACK; the
	// caller manages the transaction.
	ExternalTransactions bool
}

// DeleteUsers removes the users and every row belonging to them from
// one shard inside a single deferred-constraint transaction, retrying
// tables whose dependents have not been cleared yet.
func (db *DB) DeleteUsers(ctx context.Context, userIDs []int64, using string, opts DeleteOptions) error {
	if len(userIDs) == 0 {
		return errors.New("no user ids to delete")
	}
	manage := !opts.ExternalTransactions
	inUserIDs := joinInt64s(userIDs)

	pairs, err := db.FindTablesWithUserIDColumn(ctx, using)
	if err != nil {
		return err
	}
	tables := make([]string, len(pairs))
	for i, pair := range pairs {
		tables[i] = pair.Table
	}
	dependencies, err := db.DiscoverDependencies(ctx, using, tables)
	if err != nil {
		return err
	}

	if manage {
		if err := db.Begin(ctx, using); err != nil {
			return err
		}
	}

	rollback := func() {
		if !manage {
			return
		}
		if rbErr := db.resetConnection(ctx, using); rbErr != nil {
			log.Printf("[db] rollback after failed deletion on %s: %v", using, rbErr)
		}
	}

	loopErr := func() error {
		if manage {
			if _, err := db.Exec(ctx, using, "SET CONSTRAINTS ALL DEFERRED"); err != nil {
				return err
			}
		}

		for _, preDelete := range preDeleteStatements {
			if _, err := db.Exec(ctx, using, toSingleLine(fmt.Sprintf(preDelete, inUserIDs))); err != nil {
				return err
			}
		}

		queue := append([]TableColumn(nil), pairs...)
		origLen := len(pairs)
		savePoint := 0
		n := 0

		for len(queue) > 0 {
			log.Printf("[db] number of table,column pairs remaining: %d", len(queue))
			n++
			if n > origLen*2 {
				log.Printf("[db] remaining pairs: %v", queue)
				return errors.New("dependency cycle detected")
			}

			tc := queue[0]
			queue = queue[1:]
			table, userIDColumn := tc.Table, tc.Column

			if db.ShouldTableBeIgnoredForUserOperations(table) {
				continue
			}

			log.Printf("[db] [%s] deleting from table: %s", using, table)
			if err := db.throttle(ctx); err != nil {
				return err
			}

			savePoint++
			if _, err := db.Exec(ctx, using, fmt.Sprintf("SAVEPOINT save%d", savePoint)); err != nil {
				return err
			}

			err := func() error {
				for _, rel := range additionalRelations[table] {
					if db.ShouldTableBeIgnoredForUserOperations(rel.FkTable) {
						continue
					}
					log.Printf("[db] [%s] deleting from subtable: %s", using, rel.SourceTable)
					pks, err := db.PrimaryKeyColumns(ctx, using, rel.SourceTable)
					if err != nil {
						return err
					}
					if len(pks) == 0 {
						return fmt.Errorf("table %s has no primary key", rel.SourceTable)
					}
					if _, err := db.Exec(ctx, using, toSingleLine(fmt.Sprintf(`
						DELETE FROM "%s" WHERE "%s" IN (
							SELECT "%s" FROM "%s"
							WHERE "%s" IN (%s)
						)`, rel.SourceTable, pks[0], rel.FkColumn, rel.FkTable, userIDColumn, inUserIDs))); err != nil {
						return err
					}
				}

				// Delete dependents first.
				for _, rel := range dependencies[table] {
					if db.ShouldTableBeIgnoredForUserOperations(rel.Table) {
						continue
					}
					log.Printf("[db] [%s] deleting from subtable: %s", using, rel.Table)
					if _, err := db.Exec(ctx, using, toSingleLine(fmt.Sprintf(`
						DELETE FROM "%s" WHERE "%s" IN (
							SELECT "%s" FROM "%s"
							WHERE "%s" IN (%s)
						)`, rel.Table, rel.Column, rel.ForeignColumn, table, userIDColumn, inUserIDs))); err != nil {
						return err
					}
				}

				_, err := db.Exec(ctx, using, toSingleLine(fmt.Sprintf(
					`DELETE FROM "%s" WHERE "%s" IN (%s)`, table, userIDColumn, inUserIDs)))
				return err
			}()
			if err != nil {
				log.Printf("[db] [%s] handling integrity error for table=%s/userIdColumn=%s: %v",
					using, table, userIDColumn, err)
				if _, rbErr := db.Exec(ctx, using, fmt.Sprintf("ROLLBACK TO save%d", savePoint)); rbErr != nil {
					return rbErr
				}
				queue = append(queue, tc)
				// A lock wait here means another transaction holds
				// these rows; retrying inside this one would deadlock.
				if strings.Contains(err.Error(), "waits for ShareLock on transaction") {
					return err
				}
				continue
			}

			if _, err := db.Exec(ctx, using, fmt.Sprintf("RELEASE SAVEPOINT save%d", savePoint)); err != nil {
				return err
			}
			n = 0
		}
		return nil
	}()
	if loopErr != nil {
		rollback()
		return loopErr
	}

	finErr := func() error {
		if manage {
			// Applied retroactively, raising any problems before the
			// commit happens.
			if _, err := db.Exec(ctx, using, "SET CONSTRAINTS ALL IMMEDIATE"); err != nil {
				return err
			}
		}
		if opts.PreCommitCb != nil {
			log.Printf("[db] delete users invoking pre-commit callback")
			if err := opts.PreCommitCb(ctx); err != nil {
				return err
			}
		}
		log.Printf("[db] committing deletion on %s", using)
		if manage {
			return db.Commit(ctx, using)
		}
		return nil
	}()
	if finErr != nil {
		rollback()
		return fmt.Errorf("deletion finalization on %s failed: %w: %w", using, ErrMigrateUser, finErr)
	}
	return nil
}

// DeleteUser deletes a single user.
func (db *DB) DeleteUser(ctx context.Context, userID int64, using string, opts DeleteOptions) error {
	return db.DeleteUsers(ctx, []int64{userID}, using, opts)
}

func joinInt64s(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

func containsString(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
