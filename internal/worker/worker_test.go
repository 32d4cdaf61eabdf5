package worker

import (
	"context"
	"strings"
	"testing"

	"github.com/Sendhub/sh-util/pkg/db"
	"github.com/Sendhub/sh-util/pkg/db/driver"
	"github.com/Sendhub/sh-util/pkg/settings"
)

// stubDriver answers every count query with zero rows so replication
// passes see both sides in sync.
type stubDriver struct {
	names []string
	calls []string
}

func (d *stubDriver) Names() []string { return d.names }

func (d *stubDriver) Query(ctx context.Context, using, sql string, args ...any) (*driver.Rows, error) {
	d.calls = append(d.calls, using+": "+sql)
	if strings.Contains(sql, "COUNT(*)") {
		return &driver.Rows{Columns: []string{"count"}, Values: [][]any{{int64(0)}}}, nil
	}
	if strings.Contains(sql, "PRIMARY KEY") {
		return &driver.Rows{
			Columns: []string{"table_name", "column_name"},
			Values:  [][]any{{"auth_group", "id"}},
		}, nil
	}
	return &driver.Rows{}, nil
}

func (d *stubDriver) Exec(ctx context.Context, using, sql string, args ...any) (int64, error) {
	d.calls = append(d.calls, using+": "+sql)
	return 0, nil
}

func (d *stubDriver) Begin(ctx context.Context, using string) error    { return nil }
func (d *stubDriver) Commit(ctx context.Context, using string) error   { return nil }
func (d *stubDriver) Rollback(ctx context.Context, using string) error { return nil }
func (d *stubDriver) Close() error                                     { return nil }

type fakeFlusher struct{ flushed int }

func (f *fakeFlusher) AttemptFlush() { f.flushed++ }

type fakeMailer struct {
	subjects []string
}

func (m *fakeMailer) Send(ctx context.Context, subject, body, from, to string) error {
	m.subjects = append(m.subjects, subject)
	return nil
}

func testSettings() *settings.Settings {
	return &settings.Settings{
		DBDriver:               settings.DriverDjango,
		PrimaryShardConnection: "default",
		NumLogicalShards:       1024,
		StaticTables:           []string{"auth_group"},
		Databases: map[string]settings.Database{
			"default": {Host: "db0", Port: 5432, Name: "sendhub", User: "u"},
			"shard_1": {Host: "db1", Port: 5432, Name: "shard_1", User: "u"},
			"shard_2": {Host: "db2", Port: 5432, Name: "shard_2", User: "u"},
		},
	}
}

func TestReplicateStaticTablesCoversAllShards(t *testing.T) {
	cfg := testSettings()
	drv := &stubDriver{names: []string{"default", "shard_1", "shard_2"}}
	a := NewActivities(db.New(drv, cfg), cfg, nil, nil)

	result, err := a.ReplicateStaticTables(context.Background(), ReplicateStaticTablesInput{})
	if err != nil {
		t.Fatalf("ReplicateStaticTables: %v", err)
	}
	// One static table, two shard destinations, the primary skipped.
	want := []string{"auth_group->shard_1", "auth_group->shard_2"}
	if len(result.Replicated) != len(want) {
		t.Fatalf("Replicated = %v, want %v", result.Replicated, want)
	}
	for i := range want {
		if result.Replicated[i] != want[i] {
			t.Errorf("Replicated[%d] = %q, want %q", i, result.Replicated[i], want[i])
		}
	}
}

func TestReplicateStaticTablesRejectsNonStatic(t *testing.T) {
	cfg := testSettings()
	drv := &stubDriver{names: []string{"default", "shard_1", "shard_2"}}
	a := NewActivities(db.New(drv, cfg), cfg, nil, nil)

	_, err := a.ReplicateStaticTables(context.Background(), ReplicateStaticTablesInput{
		Tables: []string{"main_usermessage"},
	})
	if err == nil || !strings.Contains(err.Error(), "not a static table") {
		t.Fatalf("err = %v, want not-a-static-table", err)
	}
}

func TestFlushMemcache(t *testing.T) {
	cfg := testSettings()
	flusher := &fakeFlusher{}
	a := NewActivities(nil, cfg, flusher, nil)

	if err := a.FlushMemcache(context.Background()); err != nil {
		t.Fatalf("FlushMemcache: %v", err)
	}
	if flusher.flushed != 1 {
		t.Errorf("flushed %d times, want 1", flusher.flushed)
	}

	// Missing flusher is not an error.
	a = NewActivities(nil, cfg, nil, nil)
	if err := a.FlushMemcache(context.Background()); err != nil {
		t.Fatalf("FlushMemcache without flusher: %v", err)
	}
}

func TestNotifyFailure(t *testing.T) {
	cfg := testSettings()
	mailer := &fakeMailer{}
	a := NewActivities(nil, cfg, nil, mailer)

	err := a.NotifyFailure(context.Background(), NotifyFailureInput{
		Workflow: LogicalShardMigrationWorkflow,
		Detail:   "logicalShardId=7 destination=shard_2",
		Error:    "count mis-match",
	})
	if err != nil {
		t.Fatalf("NotifyFailure: %v", err)
	}
	if len(mailer.subjects) != 1 || !strings.Contains(mailer.subjects[0], LogicalShardMigrationWorkflow) {
		t.Errorf("subjects = %v", mailer.subjects)
	}

	// Missing mailer degrades to logging.
	a = NewActivities(nil, cfg, nil, nil)
	if err := a.NotifyFailure(context.Background(), NotifyFailureInput{}); err != nil {
		t.Fatalf("NotifyFailure without mailer: %v", err)
	}
}

func TestFailureSubject(t *testing.T) {
	if got := FailureSubject("x"); got != "[sh-util] [ERROR] x failed" {
		t.Errorf("FailureSubject = %q", got)
	}
	if got := FailureSubject(""); !strings.Contains(got, "unknown workflow") {
		t.Errorf("FailureSubject(\"\") = %q", got)
	}
}
