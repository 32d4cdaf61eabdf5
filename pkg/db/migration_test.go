package db

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

// seedShardCatalog stubs a schema close to a production shard: user
// tables, the side tables additionalRelations pulls in, and a join
// table only reachable through the dependency walk.
func seedShardCatalog(drv *fakeDriver) {
	drv.stubQuery("", "pg_catalog.pg_attribute", fakeRows(
		[]string{"relname", "attname", "format_type"},
		[]any{"auth_user", "id", "integer"},
		[]any{"auth_user", "username", "character varying"},
		[]any{"main_contact", "id", "integer"},
		[]any{"main_contact", "user_id", "integer"},
		[]any{"main_entitlement", "id", "integer"},
		[]any{"main_entitlement", "kind", "character varying"},
		[]any{"main_extendeduser", "id", "integer"},
		[]any{"main_extendeduser", "user_id", "integer"},
		[]any{"main_extendeduser", "twilio_phone_number_id", "integer"},
		[]any{"main_extendeduser", "entitlement_id", "integer"},
		[]any{"main_group", "id", "integer"},
		[]any{"main_group", "user_id", "integer"},
		[]any{"main_phonenumber", "id", "integer"},
		[]any{"main_phonenumber", "number", "character varying"},
		[]any{"main_receipt", "id", "integer"},
		[]any{"main_receipt", "user_id", "integer"},
		[]any{"main_receipt", "message_id", "integer"},
		[]any{"main_receipt", "shortlink_id", "integer"},
		[]any{"main_shortlink", "id", "integer"},
		[]any{"main_shortlink", "url", "text"},
		[]any{"main_thread", "id", "integer"},
		[]any{"main_thread", "user_id", "integer"},
		[]any{"main_thread", "latestUserMessageId", "integer"},
		[]any{"main_usermessage", "id", "integer"},
		[]any{"main_usermessage", "user_id", "integer"},
		[]any{"main_usermessage", "shortlink_id", "integer"},
		[]any{"main_usermessage", "threadId", "integer"},
		[]any{"main_usermessage_contacts", "id", "integer"},
		[]any{"main_usermessage_contacts", "usermessage_id", "integer"},
		[]any{"main_usermessage_contacts", "contact_id", "integer"},
	))
	drv.stubQuery("", "tc.constraint_type = 'PRIMARY KEY'", fakeRows(
		[]string{"table_name", "column_name"},
		[]any{"auth_user", "id"},
		[]any{"main_contact", "id"},
		[]any{"main_entitlement", "id"},
		[]any{"main_extendeduser", "id"},
		[]any{"main_group", "id"},
		[]any{"main_phonenumber", "id"},
		[]any{"main_receipt", "id"},
		[]any{"main_shortlink", "id"},
		[]any{"main_thread", "id"},
		[]any{"main_usermessage", "id"},
		[]any{"main_usermessage_contacts", "id"},
	))
	drv.stubQuery("", "tc.constraint_type = 'FOREIGN KEY'", fakeRows(
		[]string{"table_name", "column_name", "foreign_table_name", "foreign_column_name"},
		[]any{"main_contact", "user_id", "auth_user", "id"},
		[]any{"main_extendeduser", "user_id", "auth_user", "id"},
		[]any{"main_extendeduser", "twilio_phone_number_id", "main_phonenumber", "id"},
		[]any{"main_extendeduser", "entitlement_id", "main_entitlement", "id"},
		[]any{"main_group", "user_id", "auth_user", "id"},
		[]any{"main_receipt", "user_id", "auth_user", "id"},
		[]any{"main_receipt", "message_id", "main_usermessage", "id"},
		[]any{"main_receipt", "shortlink_id", "main_shortlink", "id"},
		[]any{"main_thread", "user_id", "auth_user", "id"},
		[]any{"main_usermessage", "user_id", "auth_user", "id"},
		[]any{"main_usermessage", "shortlink_id", "main_shortlink", "id"},
		[]any{"main_usermessage", "threadId", "main_thread", "id"},
		[]any{"main_usermessage_contacts", "usermessage_id", "main_usermessage", "id"},
		[]any{"main_usermessage_contacts", "contact_id", "main_contact", "id"},
	))
}

// stubUserFixtures covers the queries every user dump and copy issues
// for a single user with id 7 on shard_1.
func stubUserFixtures(drv *fakeDriver) {
	drv.stubQuery("shard_1", `SELECT count(*) FROM "auth_user" WHERE "id" IN (7)`, fakeRows(
		[]string{"count"}, []any{int64(1)},
	))
	drv.stubQuery("shard_1", `|| ')' FROM "auth_user"WHERE "id" IN (7);`, fakeRows(
		[]string{"tuple"}, []any{"(7,'zed')"},
	))
}

type recordingStore struct {
	files map[string][]byte
	types map[string]string
	err   error
}

func (s *recordingStore) UploadFile(ctx context.Context, path string, data []byte, contentType string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	if s.files == nil {
		s.files = make(map[string][]byte)
		s.types = make(map[string]string)
	}
	s.files[path] = data
	s.types[path] = contentType
	return "s3://backups" + path, nil
}

func (s *recordingStore) fileWithSuffix(suffix string) ([]byte, bool) {
	for path, data := range s.files {
		if strings.HasSuffix(path, suffix) {
			return data, true
		}
	}
	return nil, false
}

type recordingFlusher struct {
	calls int
}

func (f *recordingFlusher) AttemptFlush() { f.calls++ }

type publishedEvent struct {
	event   string
	payload map[string]any
}

type recordingPublisher struct {
	events []publishedEvent
}

func (p *recordingPublisher) Publish(ctx context.Context, event string, payload map[string]any) error {
	p.events = append(p.events, publishedEvent{event: event, payload: payload})
	return nil
}

func TestUserDump(t *testing.T) {
	dump := newUserDump()
	dump.add(DumpKeyPre, "BEGIN;")
	dump.add("auth_user", "a", "b")
	dump.add("main_contact", "c")
	dump.add("auth_user", "d")
	dump.add(DumpKeyPost, "COMMIT;")

	wantKeys := []string{DumpKeyPre, "auth_user", "main_contact", DumpKeyPost}
	keys := dump.Keys()
	if len(keys) != len(wantKeys) {
		t.Fatalf("Keys = %v, want %v", keys, wantKeys)
	}
	for i := range wantKeys {
		if keys[i] != wantKeys[i] {
			t.Fatalf("Keys = %v, want %v", keys, wantKeys)
		}
	}

	if got := dump.Statements("auth_user"); len(got) != 3 || got[2] != "d" {
		t.Errorf(`Statements("auth_user") = %v`, got)
	}

	wantList := []string{"BEGIN;", "a", "b", "d", "c", "COMMIT;"}
	list := dump.List()
	if len(list) != len(wantList) {
		t.Fatalf("List = %v, want %v", list, wantList)
	}
	for i := range wantList {
		if list[i] != wantList[i] {
			t.Fatalf("List = %v, want %v", list, wantList)
		}
	}
}

func TestUserDumpSQLString(t *testing.T) {
	dump := newUserDump()
	dump.add(DumpKeyPre, "BEGIN;")
	dump.add("auth_user", `INSERT INTO "auth_user" ("id") VALUES (7);`)

	want := "-- Dump of LogicalShard 3 on 1700000000\n" +
		"\n\n-- table = __pre__\nBEGIN;\n" +
		"\n\n-- table = auth_user\nINSERT INTO \"auth_user\" (\"id\") VALUES (7);\n"
	if got := dump.SQLString(3, 1700000000); got != want {
		t.Errorf("SQLString:\n%q\nwant:\n%q", got, want)
	}
}

func TestBaseBackupFileName(t *testing.T) {
	if got := baseBackupFileName(7, 1700000000); got != "/logicalShardMigrations/id-7_1700000000" {
		t.Errorf("baseBackupFileName = %q", got)
	}
}

func TestJoinInt64s(t *testing.T) {
	if got := joinInt64s([]int64{1, 22, 333}); got != "1,22,333" {
		t.Errorf("joinInt64s = %q", got)
	}
	if got := joinInt64s(nil); got != "" {
		t.Errorf("joinInt64s(nil) = %q", got)
	}
	if got := joinInt64s([]int64{7}); got != "7" {
		t.Errorf("joinInt64s([7]) = %q", got)
	}
}

func TestUserIDTableColumnPairs(t *testing.T) {
	db, drv := newTestDB(t)
	seedShardCatalog(drv)
	ctx := context.Background()

	want := []TableColumn{
		{Table: "auth_user", Column: "id"},
		{Table: "main_extendeduser", Column: "user_id"},
		{Table: "main_usermessage", Column: "user_id"},
		{Table: "main_thread", Column: "user_id"},
		{Table: "main_contact", Column: "user_id"},
		{Table: "main_group", Column: "user_id"},
		{Table: "main_receipt", Column: "user_id"},
	}

	for i := 0; i < 2; i++ {
		pairs, err := db.userIDTableColumnPairs(ctx, "shard_1")
		if err != nil {
			t.Fatalf("userIDTableColumnPairs call %d: %v", i, err)
		}
		if len(pairs) != len(want) {
			t.Fatalf("pairs = %v, want %v", pairs, want)
		}
		for j := range want {
			if pairs[j] != want[j] {
				t.Fatalf("pairs = %v, want %v", pairs, want)
			}
		}
	}
	if n := drv.countCalls("shard_1", "pg_catalog.pg_attribute"); n != 1 {
		t.Errorf("schema reflected %d times, want 1 (memoized)", n)
	}
}

func TestVerifyTheseUsersExistInShard(t *testing.T) {
	db, drv := newTestDB(t)
	drv.stubQuery("shard_1", `SELECT count(*) FROM "auth_user" WHERE "id" IN (7,8)`, fakeRows(
		[]string{"count"}, []any{int64(2)},
	))
	ctx := context.Background()

	if err := db.verifyTheseUsersExistInShard(ctx, []int64{7, 8}, "shard_1"); err != nil {
		t.Fatalf("verifyTheseUsersExistInShard: %v", err)
	}

	drv.stubQuery("shard_2", `SELECT count(*) FROM "auth_user" WHERE "id" IN (7,8)`, fakeRows(
		[]string{"count"}, []any{int64(1)},
	))
	err := db.verifyTheseUsersExistInShard(ctx, []int64{7, 8}, "shard_2")
	if err == nil || !strings.Contains(err.Error(), "not all userIds") {
		t.Errorf("partial match = %v, want missing-users error", err)
	}
}

func TestSetLogicalShardStatus(t *testing.T) {
	db, drv := newTestDB(t)

	if err := db.SetLogicalShardStatus(context.Background(), 7, LogicalShardStatusRelocating); err != nil {
		t.Fatalf("SetLogicalShardStatus: %v", err)
	}

	want := []string{"BEGIN", `UPDATE "LogicalShard" SET "status" = $1 WHERE "id" = $2`, "COMMIT"}
	log := drv.sqlLog("default")
	if len(log) != len(want) {
		t.Fatalf("log = %v, want %v", log, want)
	}
	for i := range want {
		if log[i] != want[i] {
			t.Fatalf("log = %v, want %v", log, want)
		}
	}
	call, _ := drv.lastCall("default", `SET "status"`)
	if len(call.args) != 2 || call.args[0] != "RELOCATING" || call.args[1] != int64(7) {
		t.Errorf("args = %v", call.args)
	}
}

func TestSetLogicalShardStatus_RollsBackOnError(t *testing.T) {
	db, drv := newTestDB(t)
	boom := errors.New("connection reset")
	drv.stubExecErr("default", `UPDATE "LogicalShard"`, boom)

	if err := db.SetLogicalShardStatus(context.Background(), 7, LogicalShardStatusOK); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	if drv.hasCall("default", "COMMIT") {
		t.Error("failed update must not commit")
	}
	if drv.txOpen["default"] {
		t.Error("transaction left open after failure")
	}
}

func TestSetLogicalShardPhysicalShardID(t *testing.T) {
	db, drv := newTestDB(t)
	ctx := context.Background()

	if err := db.SetLogicalShardPhysicalShardID(ctx, 7, 2, ""); err != nil {
		t.Fatalf("SetLogicalShardPhysicalShardID: %v", err)
	}
	call, ok := drv.lastCall("default", `SET "physical_shard_id" = $1 WHERE`)
	if !ok {
		t.Fatalf("plain update missing: %v", drv.sqlLog("default"))
	}
	if len(call.args) != 2 || call.args[0] != int64(2) || call.args[1] != int64(7) {
		t.Errorf("args = %v", call.args)
	}

	if err := db.SetLogicalShardPhysicalShardID(ctx, 7, 3, LogicalShardStatusOK); err != nil {
		t.Fatalf("SetLogicalShardPhysicalShardID with status: %v", err)
	}
	call, ok = drv.lastCall("default", `SET "physical_shard_id" = $1, "status" = $2`)
	if !ok {
		t.Fatalf("status update missing: %v", drv.sqlLog("default"))
	}
	if len(call.args) != 3 || call.args[0] != int64(3) || call.args[1] != "OK" || call.args[2] != int64(7) {
		t.Errorf("args = %v", call.args)
	}
	if n := drv.countCalls("default", "COMMIT"); n != 2 {
		t.Errorf("commits = %d, want 2", n)
	}
}

func TestPhysicalShardID(t *testing.T) {
	db, drv := newTestDB(t)
	drv.stubQuery("default", `SELECT "physical_shard_id" FROM "LogicalShard"`, fakeRows(
		[]string{"physical_shard_id"}, []any{int64(2)},
	))

	id, ok, err := db.PhysicalShardID(context.Background(), 7)
	if err != nil || !ok || id != 2 {
		t.Errorf("PhysicalShardID = (%d, %v, %v), want (2, true, nil)", id, ok, err)
	}
}

func TestPhysicalShardID_Unknown(t *testing.T) {
	db, _ := newTestDB(t)

	id, ok, err := db.PhysicalShardID(context.Background(), 9999)
	if err != nil || ok || id != 0 {
		t.Errorf("PhysicalShardID = (%d, %v, %v), want (0, false, nil)", id, ok, err)
	}
}

func TestCleanupStragglerShortLinks(t *testing.T) {
	db, drv := newTestDB(t)
	drv.stubExec("shard_1", `DELETE FROM "main_shortlink"`, 5)

	affected, err := db.CleanupStragglerShortLinks(context.Background(), "shard_1")
	if err != nil {
		t.Fatalf("CleanupStragglerShortLinks: %v", err)
	}
	if affected != 5 {
		t.Errorf("affected = %d, want 5", affected)
	}
	if !drv.hasCall("shard_1", `"um"."id" IS NULL`) {
		t.Errorf("orphan filter missing: %v", drv.sqlLog("shard_1"))
	}
}

func TestBackupDumpAndConvertToSQLList(t *testing.T) {
	db, _ := newTestDB(t)
	store := &recordingStore{}
	db.SetBackupStore(store)

	dump := newUserDump()
	dump.add(DumpKeyPre, "BEGIN;")
	dump.add("auth_user", `INSERT INTO "auth_user" ("id") VALUES (7);`)
	startedTs := time.Unix(1700000000, 0)

	list, err := db.backupDumpAndConvertToSQLList(context.Background(), dump, 3, startedTs)
	if err != nil {
		t.Fatalf("backupDumpAndConvertToSQLList: %v", err)
	}
	if len(list) != 2 || list[0] != "BEGIN;" {
		t.Errorf("list = %v", list)
	}

	base := "/logicalShardMigrations/id-3_1700000000"
	sqlData, ok := store.files[base+".sql"]
	if !ok {
		t.Fatalf("SQL dump not uploaded, files = %v", store.files)
	}
	if !strings.HasPrefix(string(sqlData), "-- Dump of LogicalShard 3 on 1700000000\n") {
		t.Errorf("SQL dump = %q", sqlData)
	}
	if store.types[base+".sql"] != "text/plain" {
		t.Errorf("SQL content type = %q", store.types[base+".sql"])
	}

	jsonData, ok := store.files[base+".json"]
	if !ok {
		t.Fatalf("JSON dump not uploaded, files = %v", store.files)
	}
	var decoded []string
	if err := json.Unmarshal(jsonData, &decoded); err != nil {
		t.Fatalf("JSON dump does not parse: %v", err)
	}
	if len(decoded) != 2 || decoded[1] != `INSERT INTO "auth_user" ("id") VALUES (7);` {
		t.Errorf("decoded = %v", decoded)
	}
	if store.types[base+".json"] != "application/json" {
		t.Errorf("JSON content type = %q", store.types[base+".json"])
	}
}

func TestBackupDumpAndConvertToSQLList_UploadFailure(t *testing.T) {
	db, _ := newTestDB(t)
	db.SetBackupStore(&recordingStore{err: errors.New("bucket gone")})

	dump := newUserDump()
	dump.add(DumpKeyPre, "BEGIN;")

	_, err := db.backupDumpAndConvertToSQLList(context.Background(), dump, 3, time.Unix(1700000000, 0))
	if err == nil || !strings.Contains(err.Error(), "failed to upload SQL dump") {
		t.Errorf("err = %v, want upload failure", err)
	}
}

func TestDumpUsers(t *testing.T) {
	db, drv := newTestDB(t)
	seedShardCatalog(drv)
	stubUserFixtures(drv)
	ctx := context.Background()

	dump, err := db.DumpUsers(ctx, []int64{7}, "shard_1", DumpOptions{})
	if err != nil {
		t.Fatalf("DumpUsers: %v", err)
	}

	wantKeys := []string{DumpKeyPre, "auth_user", DumpKeyPost}
	keys := dump.Keys()
	if len(keys) != len(wantKeys) {
		t.Fatalf("Keys = %v, want %v", keys, wantKeys)
	}
	for i := range wantKeys {
		if keys[i] != wantKeys[i] {
			t.Fatalf("Keys = %v, want %v", keys, wantKeys)
		}
	}

	pre := dump.Statements(DumpKeyPre)
	wantPre := []string{
		`ALTER TABLE "main_contact" DISABLE TRIGGER "main_contact_trigger";`,
		"BEGIN;",
		"SET CONSTRAINTS ALL DEFERRED;",
	}
	if len(pre) != len(wantPre) {
		t.Fatalf("pre = %v, want %v", pre, wantPre)
	}
	for i := range wantPre {
		if pre[i] != wantPre[i] {
			t.Fatalf("pre = %v, want %v", pre, wantPre)
		}
	}

	inserts := dump.Statements("auth_user")
	if len(inserts) != 1 || inserts[0] != `INSERT INTO "auth_user" ("id","username") VALUES (7,'zed');` {
		t.Errorf("auth_user inserts = %v", inserts)
	}

	post := dump.Statements(DumpKeyPost)
	wantPost := []string{
		"SET CONSTRAINTS ALL IMMEDIATE;",
		"COMMIT;",
		`ALTER TABLE "main_contact" ENABLE TRIGGER "main_contact_trigger";`,
	}
	if len(post) != len(wantPost) {
		t.Fatalf("post = %v, want %v", post, wantPost)
	}
	for i := range wantPost {
		if post[i] != wantPost[i] {
			t.Fatalf("post = %v, want %v", post, wantPost)
		}
	}

	// Side tables are pulled in through their owning table.
	if !drv.hasCall("shard_1", `FROM "main_phonenumber"WHERE "id" IN (SELECT "twilio_phone_number_id"`) {
		t.Errorf("phone number side dump missing: %v", drv.sqlLog("shard_1"))
	}

	// The join table is backfilled once, through main_usermessage; the
	// main_contact edge must find it already populated.
	if n := drv.countCalls("shard_1", `FROM "main_usermessage_contacts"WHERE "usermessage_id" IN`); n != 1 {
		t.Errorf("usermessage_contacts backfilled %d times, want 1", n)
	}
	if n := drv.countCalls("shard_1", `WHERE "contact_id" IN (SELECT "id" FROM "main_contact"`); n != 0 {
		t.Errorf("usermessage_contacts backfilled again through main_contact: %v", drv.sqlLog("shard_1"))
	}
}

func TestDumpUsers_KeepTriggers(t *testing.T) {
	db, drv := newTestDB(t)
	seedShardCatalog(drv)
	stubUserFixtures(drv)

	dump, err := db.DumpUsers(context.Background(), []int64{7}, "shard_1", DumpOptions{KeepTriggers: true})
	if err != nil {
		t.Fatalf("DumpUsers: %v", err)
	}
	for _, statement := range dump.List() {
		if strings.Contains(statement, "TRIGGER") {
			t.Errorf("trigger statement present with KeepTriggers: %s", statement)
		}
	}
}

func TestDumpUsers_NoUserIDs(t *testing.T) {
	db, _ := newTestDB(t)
	if _, err := db.DumpUsers(context.Background(), nil, "shard_1", DumpOptions{}); err == nil {
		t.Error("DumpUsers(nil) must fail")
	}
}

const mixpanelDupeError = `pq: duplicate key value violates unique constraint "main_extendeduser_mixpanelid_key" DETAIL: Key (mixpanelid)=(dupe-mp-id) already exists.`

func TestDumpAndCopyWrapper_ResolvesAndRetries(t *testing.T) {
	db, drv := newTestDB(t)
	seedShardCatalog(drv)
	drv.stubQueryErrOnce("shard_1", `SELECT count(*) FROM "auth_user" WHERE "id" IN (7)`,
		errors.New(mixpanelDupeError))
	stubUserFixtures(drv)
	drv.stubQuery("shard_2", `SELECT count(*) FROM "main_extendeduser" WHERE "mixpanelid" = $1`, fakeRows(
		[]string{"count"}, []any{int64(1)},
	))

	startedTs, err := db.dumpAndCopyLogicalShardWrapper(context.Background(), 7, "shard_2", "shard_1", []int64{7})
	if err != nil {
		t.Fatalf("dumpAndCopyLogicalShardWrapper: %v", err)
	}
	if startedTs.IsZero() {
		t.Error("startedTs is zero")
	}

	if !drv.hasCall("shard_2", `UPDATE "main_extendeduser" SET "mixpanelid"`) {
		t.Errorf("resolver did not run: %v", drv.sqlLog("shard_2"))
	}
	if n := drv.countCalls("shard_1", `SELECT count(*) FROM "auth_user" WHERE "id" IN (7)`); n != 2 {
		t.Errorf("dump attempts = %d, want 2", n)
	}
	if !drv.hasCall("shard_2", `INSERT INTO "auth_user"`) {
		t.Errorf("copied insert missing: %v", drv.sqlLog("shard_2"))
	}
}

func TestDumpAndCopyWrapper_SameErrorTwiceAborts(t *testing.T) {
	db, drv := newTestDB(t)
	seedShardCatalog(drv)
	drv.stubQueryErr("shard_1", `SELECT count(*) FROM "auth_user" WHERE "id" IN (7)`,
		errors.New(mixpanelDupeError))
	drv.stubQuery("shard_2", `SELECT count(*) FROM "main_extendeduser" WHERE "mixpanelid" = $1`, fakeRows(
		[]string{"count"}, []any{int64(1)},
	))

	_, err := db.dumpAndCopyLogicalShardWrapper(context.Background(), 7, "shard_2", "shard_1", []int64{7})
	if err == nil || !strings.Contains(err.Error(), "mixpanelid_key") {
		t.Fatalf("err = %v, want the repeated error", err)
	}
	if n := drv.countCalls("shard_2", `UPDATE "main_extendeduser" SET "mixpanelid"`); n != 1 {
		t.Errorf("resolver ran %d times, want 1", n)
	}
	if n := drv.countCalls("shard_1", `SELECT count(*) FROM "auth_user" WHERE "id" IN (7)`); n != 2 {
		t.Errorf("dump attempts = %d, want 2", n)
	}
}

func TestDumpAndCopyWrapper_UnresolvableError(t *testing.T) {
	db, drv := newTestDB(t)
	seedShardCatalog(drv)
	boom := errors.New("pq: deadlock detected")
	drv.stubQueryErr("shard_1", `SELECT count(*) FROM "auth_user" WHERE "id" IN (7)`, boom)

	_, err := db.dumpAndCopyLogicalShardWrapper(context.Background(), 7, "shard_2", "shard_1", []int64{7})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	if n := drv.countCalls("shard_1", `SELECT count(*) FROM "auth_user" WHERE "id" IN (7)`); n != 1 {
		t.Errorf("dump attempts = %d, want 1", n)
	}
}

func stubMigrationFixtures(drv *fakeDriver) {
	seedShardCatalog(drv)
	stubUserFixtures(drv)
	drv.stubQuery("default", `SELECT "physical_shard_id" FROM "LogicalShard"`, fakeRows(
		[]string{"physical_shard_id"}, []any{int64(1)},
	))
	drv.stubQuery("shard_1", `FROM "auth_user" WHERE "id" % $1 = $2`, fakeRows(
		[]string{"id"}, []any{int64(7)},
	))
}

func TestMigrateLogicalShard(t *testing.T) {
	db, drv := newTestDB(t)
	stubMigrationFixtures(drv)
	drv.stubQuery("", `'auth_user' "table", COUNT(*) "count"`, fakeRows(
		[]string{"table", "count"}, []any{"auth_user", int64(1)},
	))
	store := &recordingStore{}
	flusher := &recordingFlusher{}
	db.SetBackupStore(store)
	db.SetCacheFlusher(flusher)

	if err := db.MigrateLogicalShard(context.Background(), 7, "shard_2"); err != nil {
		t.Fatalf("MigrateLogicalShard: %v", err)
	}

	// The dump was replayed on the destination inside a transaction.
	if !drv.hasCall("shard_2", `INSERT INTO "auth_user" ("id","username") VALUES (7,'zed');`) {
		t.Errorf("replayed insert missing: %v", drv.sqlLog("shard_2"))
	}
	if !drv.hasCall("shard_2", "COMMIT") {
		t.Error("destination transaction never committed")
	}

	// The logical shard was repointed and marked OK.
	call, ok := drv.lastCall("default", `SET "physical_shard_id" = $1, "status" = $2`)
	if !ok {
		t.Fatalf("LogicalShard repoint missing: %v", drv.sqlLog("default"))
	}
	if len(call.args) != 3 || call.args[0] != int64(2) || call.args[1] != "OK" || call.args[2] != int64(7) {
		t.Errorf("repoint args = %v", call.args)
	}
	if flusher.calls == 0 {
		t.Error("cache never flushed after repoint")
	}

	// The source copy was deleted.
	if !drv.hasCall("shard_1", `DELETE FROM "auth_user" WHERE "id" IN (7)`) {
		t.Errorf("source deletion missing: %v", drv.sqlLog("shard_1"))
	}

	// Dump artifacts and the run note were archived.
	if data, ok := store.fileWithSuffix(".sql"); !ok {
		t.Errorf("SQL dump not archived, files = %v", store.files)
	} else if !strings.HasPrefix(string(data), "-- Dump of LogicalShard 7 on ") {
		t.Errorf("SQL dump = %q", data)
	}
	if _, ok := store.fileWithSuffix(".json"); !ok {
		t.Error("JSON dump not archived")
	}
	if note, ok := store.fileWithSuffix(".succeeded"); !ok {
		t.Errorf("run note not archived, files = %v", store.files)
	} else if !strings.Contains(string(note), "numUsers=1") {
		t.Errorf("run note = %q", note)
	}

	for _, using := range []string{"default", "shard_1", "shard_2"} {
		if drv.txOpen[using] {
			t.Errorf("transaction left open on %s", using)
		}
	}
}

func TestMigrateLogicalShard_CountMismatch(t *testing.T) {
	db, drv := newTestDB(t)
	stubMigrationFixtures(drv)
	drv.stubQuery("shard_1", `'auth_user' "table", COUNT(*) "count"`, fakeRows(
		[]string{"table", "count"}, []any{"auth_user", int64(1)},
	))
	drv.stubQuery("shard_2", `'auth_user' "table", COUNT(*) "count"`, fakeRows(
		[]string{"table", "count"}, []any{"auth_user", int64(0)},
	))
	store := &recordingStore{}
	db.SetBackupStore(store)

	err := db.MigrateLogicalShard(context.Background(), 7, "shard_2")
	if !errors.Is(err, ErrMigrateUser) {
		t.Fatalf("err = %v, want ErrMigrateUser", err)
	}

	// The incomplete destination copy was deleted, not the source.
	if !drv.hasCall("shard_2", `DELETE FROM "auth_user" WHERE "id" IN (7)`) {
		t.Errorf("destination cleanup missing: %v", drv.sqlLog("shard_2"))
	}
	if n := drv.countCalls("default", `SET "physical_shard_id" = $1, "status" = $2`); n != 0 {
		t.Error("logical shard repointed despite count mismatch")
	}
	if _, ok := store.fileWithSuffix(".failed"); !ok {
		t.Errorf("failure run note not archived, files = %v", store.files)
	}
}

func TestMigrateLogicalShard_AlreadyOnDestination(t *testing.T) {
	db, drv := newTestDB(t)
	drv.stubQuery("default", `SELECT "physical_shard_id" FROM "LogicalShard"`, fakeRows(
		[]string{"physical_shard_id"}, []any{int64(2)},
	))

	err := db.MigrateLogicalShard(context.Background(), 7, "shard_2")
	if err == nil || !strings.Contains(err.Error(), "already lives on") {
		t.Errorf("err = %v, want already-on-destination error", err)
	}
}

func TestMigrateLogicalShard_UnknownLogicalShard(t *testing.T) {
	db, _ := newTestDB(t)

	err := db.MigrateLogicalShard(context.Background(), 7, "shard_2")
	if err == nil || !strings.Contains(err.Error(), "no physical shard recorded") {
		t.Errorf("err = %v, want unknown-shard error", err)
	}
}

func TestAutomaticDuplicateRecovery(t *testing.T) {
	db, drv := newTestDB(t)
	seedShardCatalog(drv)
	drv.stubQuery("shard_1", `JOIN (SELECT id FROM dblink(`, fakeRows(
		[]string{"id"}, []any{int64(7)},
	))
	flusher := &recordingFlusher{}
	db.SetCacheFlusher(flusher)

	if err := db.automaticDuplicateRecovery(context.Background(), 7, "shard_1", "shard_2"); err != nil {
		t.Fatalf("automaticDuplicateRecovery: %v", err)
	}

	// Duplicates are deleted from the destination and the logical shard
	// is pointed back at the source.
	if !drv.hasCall("shard_2", `DELETE FROM "auth_user" WHERE "id" IN (7)`) {
		t.Errorf("destination dupe deletion missing: %v", drv.sqlLog("shard_2"))
	}
	if !drv.hasCall("shard_2", `DELETE FROM "main_shortlink"`) {
		t.Error("straggler shortlink cleanup missing")
	}
	call, ok := drv.lastCall("default", `SET "physical_shard_id" = $1 WHERE`)
	if !ok {
		t.Fatalf("repoint missing: %v", drv.sqlLog("default"))
	}
	if len(call.args) != 2 || call.args[0] != int64(1) || call.args[1] != int64(7) {
		t.Errorf("repoint args = %v", call.args)
	}
	if flusher.calls != 1 {
		t.Errorf("flusher.calls = %d, want 1", flusher.calls)
	}
}

func TestAutomaticDuplicateRecovery_NoDupes(t *testing.T) {
	db, drv := newTestDB(t)

	if err := db.automaticDuplicateRecovery(context.Background(), 7, "shard_1", "shard_2"); err != nil {
		t.Fatalf("automaticDuplicateRecovery: %v", err)
	}
	if drv.hasCall("shard_2", "DELETE FROM") {
		t.Errorf("recovery deleted rows without duplicates: %v", drv.sqlLog("shard_2"))
	}
}

func TestMigrateUsers(t *testing.T) {
	db, drv := newTestDB(t)
	seedShardCatalog(drv)
	stubUserFixtures(drv)
	drv.stubQuery("", `'auth_user' "table", COUNT(*) "count"`, fakeRows(
		[]string{"table", "count"}, []any{"auth_user", int64(1)},
	))
	publisher := &recordingPublisher{}
	db.SetEventPublisher(publisher)

	// Bare shard ids must be coerced to connection names.
	if err := db.MigrateUsers(context.Background(), []int64{7}, "1", "2"); err != nil {
		t.Fatalf("MigrateUsers: %v", err)
	}

	if !drv.hasCall("shard_2", `INSERT INTO "auth_user" SELECT * FROM dblink(`) {
		t.Errorf("dblink copy missing: %v", drv.sqlLog("shard_2"))
	}
	if !drv.hasCall("shard_1", `DELETE FROM "auth_user" WHERE "id" IN (7)`) {
		t.Errorf("source deletion missing: %v", drv.sqlLog("shard_1"))
	}
	if !drv.hasCall("shard_2", `ALTER TABLE "main_contact" ENABLE TRIGGER`) {
		t.Error("contact trigger never re-enabled")
	}

	// The destination commit runs from inside the source deletion's
	// pre-commit callback, so it must land before the source commit.
	destCommit, sourceCommit := -1, -1
	for i, call := range drv.calls {
		if call.sql != "COMMIT" {
			continue
		}
		switch call.using {
		case "shard_2":
			destCommit = i
		case "shard_1":
			sourceCommit = i
		}
	}
	if destCommit == -1 || sourceCommit == -1 {
		t.Fatalf("commits missing: dest=%d source=%d", destCommit, sourceCommit)
	}
	if destCommit > sourceCommit {
		t.Errorf("destination committed after source: dest=%d source=%d", destCommit, sourceCommit)
	}
	if n := drv.countCalls("shard_2", "COMMIT"); n != 1 {
		t.Errorf("destination commits = %d, want 1", n)
	}

	if len(publisher.events) != 1 {
		t.Fatalf("events = %v, want one movedUser", publisher.events)
	}
	event := publisher.events[0]
	if event.event != "movedUser" {
		t.Errorf("event = %q", event.event)
	}
	if event.payload["user_id"] != int64(7) || event.payload["shardId"] != "2" {
		t.Errorf("payload = %v", event.payload)
	}

	for _, using := range []string{"shard_1", "shard_2"} {
		if drv.txOpen[using] {
			t.Errorf("transaction left open on %s", using)
		}
	}
}

func TestCopyUsers_AbortsOnChangedSourceData(t *testing.T) {
	db, drv := newTestDB(t)
	seedShardCatalog(drv)
	stubUserFixtures(drv)
	// Initial source count differs from the verification pass.
	drv.stubQueryOnce("shard_1", `'auth_user' "table", COUNT(*) "count"`, fakeRows(
		[]string{"table", "count"}, []any{"auth_user", int64(2)},
	))
	drv.stubQuery("", `'auth_user' "table", COUNT(*) "count"`, fakeRows(
		[]string{"table", "count"}, []any{"auth_user", int64(1)},
	))

	err := db.CopyUsers(context.Background(), []int64{7}, "shard_1", "shard_2", CopyOptions{})
	if !errors.Is(err, ErrMigrateUserStaleRead) {
		t.Fatalf("err = %v, want ErrMigrateUserStaleRead", err)
	}
	if drv.txOpen["shard_2"] {
		t.Error("destination transaction left open")
	}
	if !drv.hasCall("shard_2", `ALTER TABLE "main_contact" ENABLE TRIGGER`) {
		t.Error("contact trigger never re-enabled after abort")
	}
}
